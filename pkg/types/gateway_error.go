package types

import (
	"fmt"
	"net/http"
)

// ErrorCode categorizes gateway errors
type ErrorCode string

const (
	ErrCodeUnknown             ErrorCode = "unknown"
	ErrCodeInvalidState        ErrorCode = "invalid_state"
	ErrCodeMissingRefreshToken ErrorCode = "missing_refresh_token"
	ErrCodeDeviceCodeExpired   ErrorCode = "device_code_expired"
	ErrCodeAccessDenied        ErrorCode = "access_denied"
	ErrCodeReauthRequired      ErrorCode = "reauthentication_required"
	ErrCodeInvalidGrant        ErrorCode = "invalid_grant"
	ErrCodeNoAccounts          ErrorCode = "no_accounts"
	ErrCodeAllCooled           ErrorCode = "all_cooled"
	ErrCodeUpstream            ErrorCode = "upstream_error"
	ErrCodeTransform           ErrorCode = "transform_failure"
	ErrCodeOAuthProtocol       ErrorCode = "oauth_protocol"
)

// GatewayError represents a standardized error raised by the gateway core
type GatewayError struct {
	Code        ErrorCode // Categorized error code
	Message     string    // Human-readable message
	StatusCode  int       // HTTP status code (0 if not applicable)
	Vendor      Vendor    // Which backend the error relates to, if any
	Operation   string    // What operation failed (e.g., "exchange_code", "relay")
	OriginalErr error     // Wrapped original error
	RetryAfter  int       // Seconds to wait before retry (rate limits, all-cooled)
	Body        string    // Upstream response body, when captured
}

// Error implements the error interface
func (e *GatewayError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("[%s] %s (status=%d, code=%s)", e.Vendor, e.Message, e.StatusCode, e.Code)
	}
	return fmt.Sprintf("[%s] %s (code=%s)", e.Vendor, e.Message, e.Code)
}

// Unwrap returns the original error for errors.Is/As
func (e *GatewayError) Unwrap() error {
	return e.OriginalErr
}

// IsRetryable returns true if the error is potentially recoverable with retry
func (e *GatewayError) IsRetryable() bool {
	switch e.Code {
	case ErrCodeAllCooled, ErrCodeUpstream:
		return true
	}
	return false
}

// WithOperation sets the operation field and returns the error for chaining
func (e *GatewayError) WithOperation(operation string) *GatewayError {
	e.Operation = operation
	return e
}

// WithStatusCode sets the status code field and returns the error for chaining
func (e *GatewayError) WithStatusCode(statusCode int) *GatewayError {
	e.StatusCode = statusCode
	return e
}

// WithOriginalErr sets the original error field and returns the error for chaining
func (e *GatewayError) WithOriginalErr(err error) *GatewayError {
	e.OriginalErr = err
	return e
}

// WithRetryAfter sets the retry after field and returns the error for chaining
func (e *GatewayError) WithRetryAfter(retryAfter int) *GatewayError {
	e.RetryAfter = retryAfter
	return e
}

// WithVendor sets the vendor field and returns the error for chaining
func (e *GatewayError) WithVendor(vendor Vendor) *GatewayError {
	e.Vendor = vendor
	return e
}

// NewGatewayError creates a new GatewayError
func NewGatewayError(code ErrorCode, message string) *GatewayError {
	return &GatewayError{Code: code, Message: message}
}

// NewInvalidStateError reports a missing or corrupt OAuth state blob
func NewInvalidStateError(message string) *GatewayError {
	return &GatewayError{Code: ErrCodeInvalidState, Message: message}
}

// NewMissingRefreshTokenError reports a token exchange that returned no refresh token
func NewMissingRefreshTokenError() *GatewayError {
	return &GatewayError{Code: ErrCodeMissingRefreshToken, Message: "token response contained no refresh token"}
}

// NewReauthRequiredError reports that a refresh failed or a post-refresh call
// still returned 401; the account is kept so the user can retry
func NewReauthRequiredError(identifier string) *GatewayError {
	return &GatewayError{
		Code:    ErrCodeReauthRequired,
		Message: fmt.Sprintf("account %s requires re-authentication", identifier),
	}
}

// NewInvalidGrantError reports a revoked refresh token observed during refresh
func NewInvalidGrantError(identifier string) *GatewayError {
	return &GatewayError{
		Code:    ErrCodeInvalidGrant,
		Message: fmt.Sprintf("refresh token for account %s was revoked", identifier),
	}
}

// NewNoAccountsError reports that the selector found no accounts at all
func NewNoAccountsError() *GatewayError {
	return &GatewayError{Code: ErrCodeNoAccounts, Message: "no accounts configured"}
}

// NewAllCooledError reports that every eligible account is rate-limited;
// minWaitSeconds is the shortest remaining cool-down across accounts
func NewAllCooledError(minWaitSeconds int) *GatewayError {
	return &GatewayError{
		Code:       ErrCodeAllCooled,
		Message:    fmt.Sprintf("all accounts rate-limited, retry in %ds", minWaitSeconds),
		StatusCode: http.StatusTooManyRequests,
		RetryAfter: minWaitSeconds,
	}
}

// NewUpstreamError reports a non-OK vendor response not recognized as a rate limit
func NewUpstreamError(vendor Vendor, statusCode int, body string) *GatewayError {
	return &GatewayError{
		Code:       ErrCodeUpstream,
		Message:    "upstream returned an error response",
		StatusCode: statusCode,
		Vendor:     vendor,
		Body:       body,
	}
}

// NewTransformError reports an unparseable vendor body or stream chunk
func NewTransformError(vendor Vendor, message string) *GatewayError {
	return &GatewayError{Code: ErrCodeTransform, Message: message, Vendor: vendor}
}
