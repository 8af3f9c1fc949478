package oauth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/laomeifun/llm-relay/pkg/types"
)

// Qwen OAuth constants. The device endpoints and client id are fixed
// by the vendor.
const (
	qwenClientID      = "f0304373b74a44d2b584a3fb70ca9e56"
	qwenDeviceCodeURL = "https://chat.qwen.ai/api/v1/oauth2/device/code"
	qwenTokenURL      = "https://chat.qwen.ai/api/v1/oauth2/token"
	qwenScope         = "openid profile email model.completion"

	deviceGrantType = "urn:ietf:params:oauth:grant-type:device_code"

	// devicePollCeiling bounds the whole polling phase regardless of
	// the interval the server asks for.
	devicePollCeiling   = 5 * time.Minute
	devicePollMaxPause  = 10 * time.Second
	defaultPollInterval = 5 * time.Second
)

// QwenDriver runs the Device Authorization + PKCE flow and token
// refresh against the Qwen OAuth endpoints.
type QwenDriver struct {
	client *http.Client
	logger *log.Logger
}

// NewQwenDriver creates a driver. A nil client or logger falls back to
// the defaults.
func NewQwenDriver(client *http.Client, logger *log.Logger) *QwenDriver {
	if client == nil {
		client = http.DefaultClient
	}
	if logger == nil {
		logger = log.Default()
	}
	return &QwenDriver{client: client, logger: logger}
}

// DeviceAuthorization is a started device flow. The caller shows
// VerificationURIComplete (or URI + UserCode) to the user and then
// calls PollToken.
type DeviceAuthorization struct {
	DeviceCode              string `json:"device_code"`
	UserCode                string `json:"user_code"`
	VerificationURI         string `json:"verification_uri"`
	VerificationURIComplete string `json:"verification_uri_complete"`
	ExpiresIn               int    `json:"expires_in"`
	Interval                int    `json:"interval"`

	Verifier string `json:"-"`
}

type qwenTokenResponse struct {
	AccessToken      string `json:"access_token"`
	RefreshToken     string `json:"refresh_token"`
	TokenType        string `json:"token_type"`
	ExpiresIn        int64  `json:"expires_in"`
	ResourceURL      string `json:"resource_url"`
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

// StartDeviceFlow requests a device code with a fresh PKCE challenge.
func (d *QwenDriver) StartDeviceFlow(ctx context.Context) (*DeviceAuthorization, error) {
	verifier, err := GenerateVerifier()
	if err != nil {
		return nil, err
	}

	form := url.Values{
		"client_id":             {qwenClientID},
		"scope":                 {qwenScope},
		"code_challenge":        {ChallengeS256(verifier)},
		"code_challenge_method": {"S256"},
	}

	body, status, err := d.postForm(ctx, qwenDeviceCodeURL, form)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, types.NewGatewayError(types.ErrCodeOAuthProtocol,
			fmt.Sprintf("device code request returned %d: %s", status, string(body))).
			WithVendor(types.VendorQwen).WithStatusCode(status)
	}

	var auth DeviceAuthorization
	if err := json.Unmarshal(body, &auth); err != nil {
		return nil, fmt.Errorf("failed to decode device code response: %w", err)
	}
	if auth.DeviceCode == "" {
		return nil, types.NewGatewayError(types.ErrCodeOAuthProtocol, "device code response had no device_code").
			WithVendor(types.VendorQwen)
	}
	if auth.Interval <= 0 {
		auth.Interval = int(defaultPollInterval.Seconds())
	}
	auth.Verifier = verifier
	return &auth, nil
}

// PollToken polls the token endpoint until the user approves, denies
// or the code expires. slow_down responses stretch the interval by
// half, capped at ten seconds; the whole phase is capped at five
// minutes.
func (d *QwenDriver) PollToken(ctx context.Context, auth *DeviceAuthorization) (*Tokens, error) {
	interval := time.Duration(auth.Interval) * time.Second
	if interval <= 0 {
		interval = defaultPollInterval
	}
	deadline := time.Now().Add(devicePollCeiling)

	form := url.Values{
		"grant_type":    {deviceGrantType},
		"client_id":     {qwenClientID},
		"device_code":   {auth.DeviceCode},
		"code_verifier": {auth.Verifier},
	}

	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(interval):
		}

		t0 := time.Now()
		body, status, err := d.postForm(ctx, qwenTokenURL, form)
		if err != nil {
			return nil, err
		}

		var tr qwenTokenResponse
		if err := json.Unmarshal(body, &tr); err != nil {
			return nil, fmt.Errorf("failed to decode token response: %w", err)
		}

		if status == http.StatusOK && tr.AccessToken != "" {
			return qwenTokens(&tr, "", t0), nil
		}

		switch tr.Error {
		case "authorization_pending":
			continue
		case "slow_down":
			interval = interval + interval/2
			if interval > devicePollMaxPause {
				interval = devicePollMaxPause
			}
		case "expired_token":
			return nil, types.NewGatewayError(types.ErrCodeDeviceCodeExpired, "device code expired before approval").
				WithVendor(types.VendorQwen)
		case "access_denied":
			return nil, types.NewGatewayError(types.ErrCodeAccessDenied, "user denied the authorization request").
				WithVendor(types.VendorQwen)
		default:
			return nil, types.NewGatewayError(types.ErrCodeOAuthProtocol,
				fmt.Sprintf("token endpoint returned %d: %s %s", status, tr.Error, tr.ErrorDescription)).
				WithVendor(types.VendorQwen).WithStatusCode(status)
		}
	}

	return nil, types.NewGatewayError(types.ErrCodeDeviceCodeExpired, "device authorization timed out").
		WithVendor(types.VendorQwen)
}

// Refresh exchanges the refresh token, carrying the old refresh token
// forward when the response omits a new one.
func (d *QwenDriver) Refresh(ctx context.Context, refreshToken string) (*Tokens, error) {
	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
		"client_id":     {qwenClientID},
	}

	t0 := time.Now()
	body, status, err := d.postForm(ctx, qwenTokenURL, form)
	if err != nil {
		return nil, err
	}

	var tr qwenTokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return nil, fmt.Errorf("failed to decode refresh response: %w", err)
	}

	if status != http.StatusOK || tr.AccessToken == "" {
		if tr.Error == "invalid_grant" || strings.Contains(string(body), "invalid_grant") {
			return nil, types.NewInvalidGrantError("").WithVendor(types.VendorQwen).WithStatusCode(status)
		}
		return nil, types.NewGatewayError(types.ErrCodeOAuthProtocol,
			fmt.Sprintf("refresh returned %d: %s", status, string(body))).
			WithVendor(types.VendorQwen).WithStatusCode(status)
	}

	return qwenTokens(&tr, refreshToken, t0), nil
}

// qwenTokens normalizes a token response. expires_in defaults to one
// hour when absent.
func qwenTokens(tr *qwenTokenResponse, previousRefresh string, t0 time.Time) *Tokens {
	refresh := tr.RefreshToken
	if refresh == "" {
		refresh = previousRefresh
	}
	expiresIn := tr.ExpiresIn
	if expiresIn <= 0 {
		expiresIn = 3600
	}
	return &Tokens{
		AccessToken:  tr.AccessToken,
		RefreshToken: refresh,
		ExpiresAt:    t0.UnixMilli() + expiresIn*1000,
		ResourceURL:  tr.ResourceURL,
	}
}

// postForm sends one form-encoded POST and returns the raw body and
// status. Non-2xx statuses are returned to the caller for protocol
// handling, not treated as transport errors.
func (d *QwenDriver) postForm(ctx context.Context, endpoint string, form url.Values) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, 0, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("x-request-id", uuid.NewString())

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("failed to read response: %w", err)
	}
	return body, resp.StatusCode, nil
}
