// Package oauth runs the two OAuth 2.0 flows the gateway supports:
// Authorization Code + PKCE against Google for the Antigravity
// backend, and Device Authorization + PKCE against Qwen. It also
// refreshes tokens and resolves the Google Cloud project id needed by
// the Antigravity envelope.
package oauth

// Tokens is the normalized outcome of any flow or refresh.
type Tokens struct {
	AccessToken  string
	RefreshToken string
	// ExpiresAt is absolute epoch milliseconds, computed from the
	// wall clock recorded before the token request was sent.
	ExpiresAt int64

	// Email is best-effort; an empty value means the user-info
	// lookup failed or was not attempted.
	Email string

	// ProjectID is resolved for Google tokens only.
	ProjectID string

	// ResourceURL, when set by the Qwen token endpoint, overrides
	// the default API base URL.
	ResourceURL string
}
