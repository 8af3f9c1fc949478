package oauth

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"github.com/laomeifun/llm-relay/pkg/types"
)

// Google OAuth constants for the Antigravity path. These are baked-in;
// the backend only accepts this client.
const (
	googleClientID     = "1071006060591-tmhssin2h21lcre235vtolojh4g403ep.apps.googleusercontent.com"
	googleClientSecret = "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"
	googleUserInfoURL  = "https://www.googleapis.com/oauth2/v1/userinfo"

	// DefaultCallbackPort is where the local OAuth callback listener
	// binds; the redirect URI is registered for this port.
	DefaultCallbackPort = 51121
)

var googleScopes = []string{
	"https://www.googleapis.com/auth/cloud-platform",
	"https://www.googleapis.com/auth/userinfo.email",
	"https://www.googleapis.com/auth/userinfo.profile",
	"https://www.googleapis.com/auth/cclog",
	"https://www.googleapis.com/auth/experimentsandconfigs",
}

// GoogleDriver runs the Authorization Code + PKCE flow and token
// refresh against Google for the Antigravity backend.
type GoogleDriver struct {
	cfg         *oauth2.Config
	client      *http.Client
	endpoints   []string
	userInfoURL string
	logger      *log.Logger
}

// NewGoogleDriver creates a driver. endpoints is the Antigravity
// fallback list used for project discovery. A nil client or logger
// falls back to the defaults.
func NewGoogleDriver(client *http.Client, callbackPort int, endpoints []string, logger *log.Logger) *GoogleDriver {
	if client == nil {
		client = http.DefaultClient
	}
	if logger == nil {
		logger = log.Default()
	}
	if callbackPort <= 0 {
		callbackPort = DefaultCallbackPort
	}
	return &GoogleDriver{
		cfg: &oauth2.Config{
			ClientID:     googleClientID,
			ClientSecret: googleClientSecret,
			Endpoint:     google.Endpoint,
			RedirectURL:  fmt.Sprintf("http://localhost:%d/oauth-callback", callbackPort),
			Scopes:       googleScopes,
		},
		client:      client,
		endpoints:   endpoints,
		userInfoURL: googleUserInfoURL,
		logger:      logger,
	}
}

// AuthCodeRequest is a started authorization-code flow. The caller
// opens AuthorizationURL and later feeds the returned code together
// with State into ExchangeCode.
type AuthCodeRequest struct {
	AuthorizationURL string
	Verifier         string
	State            string
}

// flowState is what gets round-tripped through the OAuth state
// parameter, base64url-encoded JSON.
type flowState struct {
	Verifier  string `json:"verifier"`
	ProjectID string `json:"project_id,omitempty"`
}

// StartAuthorizationCodeFlow generates the PKCE verifier, encodes the
// state and builds the authorization URL.
func (d *GoogleDriver) StartAuthorizationCodeFlow(projectID string) (*AuthCodeRequest, error) {
	verifier, err := GenerateVerifier()
	if err != nil {
		return nil, err
	}

	state, err := encodeState(flowState{Verifier: verifier, ProjectID: projectID})
	if err != nil {
		return nil, err
	}

	url := d.cfg.AuthCodeURL(state,
		oauth2.AccessTypeOffline,
		oauth2.SetAuthURLParam("prompt", "consent"),
		oauth2.SetAuthURLParam("code_challenge", ChallengeS256(verifier)),
		oauth2.SetAuthURLParam("code_challenge_method", "S256"),
	)

	return &AuthCodeRequest{AuthorizationURL: url, Verifier: verifier, State: state}, nil
}

// ExchangeCode trades the authorization code for tokens. The state
// must be the one produced by StartAuthorizationCodeFlow; it carries
// the PKCE verifier and the user-chosen project id.
func (d *GoogleDriver) ExchangeCode(ctx context.Context, code, state string) (*Tokens, error) {
	fs, err := decodeState(state)
	if err != nil {
		return nil, err
	}
	if fs.Verifier == "" {
		return nil, types.NewInvalidStateError("state is missing the PKCE verifier").WithVendor(types.VendorAntigravity)
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, d.client)
	t0 := time.Now()
	tok, err := d.cfg.Exchange(ctx, code, oauth2.SetAuthURLParam("code_verifier", fs.Verifier))
	if err != nil {
		return nil, fmt.Errorf("token exchange failed: %w", err)
	}
	if tok.RefreshToken == "" {
		return nil, types.NewMissingRefreshTokenError().WithVendor(types.VendorAntigravity)
	}

	tokens := &Tokens{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresAt:    tokenExpiryMillis(tok, t0),
		ProjectID:    fs.ProjectID,
	}

	// Best-effort: a failed user-info lookup just leaves Email empty.
	if email, err := d.fetchUserEmail(ctx, tok.AccessToken); err != nil {
		d.logger.Printf("oauth: user-info lookup failed: %v", err)
	} else {
		tokens.Email = email
	}

	if tokens.ProjectID == "" {
		tokens.ProjectID = d.DiscoverProjectID(ctx, tok.AccessToken)
	}

	return tokens, nil
}

// Refresh exchanges the refresh token for a fresh access token. When
// the response omits a new refresh token the previous one is carried
// forward. A revoked grant surfaces as an InvalidGrant gateway error.
func (d *GoogleDriver) Refresh(ctx context.Context, refreshToken string) (*Tokens, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, d.client)
	t0 := time.Now()

	src := d.cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
	tok, err := src.Token()
	if err != nil {
		if isInvalidGrant(err) {
			return nil, types.NewInvalidGrantError("").WithVendor(types.VendorAntigravity).WithOriginalErr(err)
		}
		return nil, fmt.Errorf("token refresh failed: %w", err)
	}

	newRefresh := tok.RefreshToken
	if newRefresh == "" {
		newRefresh = refreshToken
	}
	return &Tokens{
		AccessToken:  tok.AccessToken,
		RefreshToken: newRefresh,
		ExpiresAt:    tokenExpiryMillis(tok, t0),
	}, nil
}

// fetchUserEmail resolves the account email from the user-info endpoint.
func (d *GoogleDriver) fetchUserEmail(ctx context.Context, accessToken string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.userInfoURL, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := d.client.Do(req)
	if err != nil {
		return "", err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("userinfo returned %d: %s", resp.StatusCode, string(body))
	}

	var info struct {
		Email string `json:"email"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return "", fmt.Errorf("failed to decode userinfo response: %w", err)
	}
	return info.Email, nil
}

// tokenExpiryMillis converts the token expiry to epoch milliseconds,
// defaulting to one hour from the pre-request wall clock when the
// response carried no expiry.
func tokenExpiryMillis(tok *oauth2.Token, t0 time.Time) int64 {
	if tok.Expiry.IsZero() {
		return t0.Add(time.Hour).UnixMilli()
	}
	return tok.Expiry.UnixMilli()
}

// isInvalidGrant reports whether a token endpoint error means the
// refresh token was revoked.
func isInvalidGrant(err error) bool {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		return re.ErrorCode == "invalid_grant"
	}
	return false
}

func encodeState(fs flowState) (string, error) {
	data, err := json.Marshal(fs)
	if err != nil {
		return "", fmt.Errorf("failed to encode state: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(data), nil
}

func decodeState(state string) (flowState, error) {
	var fs flowState
	data, err := base64.RawURLEncoding.DecodeString(state)
	if err != nil {
		return fs, types.NewInvalidStateError("state is not valid base64url").WithOriginalErr(err)
	}
	if err := json.Unmarshal(data, &fs); err != nil {
		return fs, types.NewInvalidStateError("state is not valid JSON").WithOriginalErr(err)
	}
	return fs, nil
}
