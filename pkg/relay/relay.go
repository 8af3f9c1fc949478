// Package relay orchestrates outbound calls: it detects which vendor a
// URL belongs to, picks an account, attaches a valid token, reacts to
// 401/429/5xx by refreshing or rotating, and hands successful responses
// to the matching translator.
package relay

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"golang.org/x/time/rate"

	"github.com/laomeifun/llm-relay/internal/httputil"
	"github.com/laomeifun/llm-relay/pkg/config"
	"github.com/laomeifun/llm-relay/pkg/ratelimit"
	"github.com/laomeifun/llm-relay/pkg/selector"
	"github.com/laomeifun/llm-relay/pkg/store"
	"github.com/laomeifun/llm-relay/pkg/types"
)

// maxErrorBody bounds how much of an error response is read for
// rate-limit classification.
const maxErrorBody = 256 * 1024

// Relay is the request orchestrator. One instance serves all
// concurrent outbound calls. Each vendor has its own account pool and
// its own selector, so cooldowns, session bindings and the global lock
// never leak between pools that share an index or identifier.
type Relay struct {
	agStore   *store.TokenStore
	qwenStore *store.TokenStore
	agSel     *selector.Selector
	qwenSel   *selector.Selector
	cfg       *config.Config
	client    *http.Client
	logger    *log.Logger

	// qwenLimiter keeps the gateway under the portal's request-rate
	// ceiling regardless of how many accounts are configured.
	qwenLimiter *rate.Limiter
}

// New creates a relay. client defaults to http.DefaultClient, cfg to
// config.Default(), logger to log.Default().
func New(agStore, qwenStore *store.TokenStore, cfg *config.Config, client *http.Client, logger *log.Logger) *Relay {
	if cfg == nil {
		cfg = config.Default()
	}
	if client == nil {
		client = http.DefaultClient
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Relay{
		agStore:     agStore,
		qwenStore:   qwenStore,
		agSel:       selector.New(),
		qwenSel:     selector.New(),
		cfg:         cfg,
		client:      client,
		logger:      logger,
		qwenLimiter: rate.NewLimiter(rate.Every(time.Minute/60), 60),
	}
}

func (r *Relay) storeFor(vendor types.Vendor) *store.TokenStore {
	if vendor == types.VendorQwen {
		return r.qwenStore
	}
	return r.agStore
}

func (r *Relay) selectorFor(vendor types.Vendor) *selector.Selector {
	if vendor == types.VendorQwen {
		return r.qwenSel
	}
	return r.agSel
}

// RemoveAccount removes the account at index from a vendor's pool and
// drops the selector state that referenced it.
func (r *Relay) RemoveAccount(ctx context.Context, vendor types.Vendor, index int) (*types.Account, error) {
	st := r.storeFor(vendor)
	removed, err := st.RemoveAccount(ctx, index)
	if err != nil {
		return nil, err
	}
	sel := r.selectorFor(vendor)
	sel.DropAccount(removed.Identifier(), index)
	sel.ClampCursor(st.Count())
	return removed, nil
}

// Fetch is the fetch-shaped entry point the host calls for every
// outbound request. URLs that belong to neither vendor pass through to
// the plain HTTP client unchanged.
func (r *Relay) Fetch(ctx context.Context, method, rawURL string, header http.Header, body []byte) (*http.Response, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid request URL: %w", err)
	}

	t, err := r.targetFor(u, body)
	if err != nil {
		return nil, err
	}
	if t == nil {
		return r.passThrough(ctx, method, rawURL, header, body)
	}
	return r.dispatch(ctx, t, sessionFingerprint(header, body))
}

// targetFor matches the URL host against the configured vendor
// endpoints. A nil target means pass-through.
func (r *Relay) targetFor(u *url.URL, body []byte) (target, error) {
	for _, endpoint := range r.cfg.Endpoints.Antigravity {
		if sameHost(endpoint, u) {
			return newAntigravityTarget(r.cfg.Endpoints.Antigravity, u, body), nil
		}
	}
	if sameHost(r.cfg.Endpoints.QwenBaseURL, u) || strings.HasSuffix(u.Hostname(), ".qwen.ai") {
		return newQwenTarget(r.cfg.Endpoints.QwenBaseURL, u, body, r.qwenLimiter)
	}
	return nil, nil
}

func (r *Relay) passThrough(ctx context.Context, method, rawURL string, header http.Header, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, rawURL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	if header != nil {
		req.Header = httputil.CloneHeader(header)
	}
	return r.client.Do(req)
}

// dispatch runs the account rotation loop for one vendor call.
func (r *Relay) dispatch(ctx context.Context, t target, sessionID string) (*http.Response, error) {
	st := r.storeFor(t.Vendor())
	sel := r.selectorFor(t.Vendor())
	reqType := t.RequestType()
	maxAttempts := 2 * st.Count()
	attempted := map[int]bool{}
	attempts := 0
	waited := false

	for {
		account, err := sel.GetAccountForRequest(st.Accounts(), reqType, sessionID, attempted)
		if err != nil {
			if !waited {
				if wait, ok := r.waitableCooldown(sel, err); ok {
					waited = true
					if werr := sleepContext(ctx, wait); werr != nil {
						return nil, werr
					}
					continue
				}
			}
			return nil, err
		}
		if err := st.MarkUsed(ctx, account.Index); err != nil {
			r.logger.Printf("relay: failed to record use of account %s: %v", account.Identifier(), err)
		}
		token, err := st.GetValidAccessToken(ctx, account)
		if err != nil {
			return nil, err
		}

		rotate := false
		endpoints := t.Endpoints()
		for i, endpoint := range endpoints {
			if attempts >= maxAttempts {
				return nil, types.NewAllCooledError(sel.MinWaitSeconds())
			}
			attempts++

			resp, err := r.sendAuthed(ctx, t, endpoint, account, token)
			if err != nil {
				if ctx.Err() != nil {
					return nil, ctx.Err()
				}
				if i < len(endpoints)-1 {
					r.logger.Printf("relay: endpoint %s failed, trying next: %v", endpoint, err)
					continue
				}
				return nil, err
			}

			if resp.StatusCode == http.StatusUnauthorized {
				httputil.DrainAndClose(resp)
				token, err = st.ForceRefresh(ctx, account)
				if err != nil {
					return nil, err
				}
				resp, err = r.sendAuthed(ctx, t, endpoint, account, token)
				if err != nil {
					return nil, err
				}
				if resp.StatusCode == http.StatusUnauthorized {
					httputil.DrainAndClose(resp)
					return nil, types.NewReauthRequiredError(account.Identifier())
				}
			}

			if isRateLimitStatus(resp.StatusCode) {
				r.recordCooldown(sel, resp, account, reqType)
				attempted[account.Index] = true
				if anotherCandidate(st, sel, reqType, attempted) {
					rotate = true
					break
				}
				return synthesizeTooManyRequests(sel.MinWaitSeconds()), nil
			}

			if resp.StatusCode < 200 || resp.StatusCode >= 300 {
				return resp, nil
			}
			return t.Transform(resp)
		}

		if !rotate {
			return nil, types.NewAllCooledError(sel.MinWaitSeconds())
		}
	}
}

func (r *Relay) sendAuthed(ctx context.Context, t target, endpoint string, account *types.Account, token string) (*http.Response, error) {
	if err := t.Throttle(ctx); err != nil {
		return nil, err
	}
	req, err := t.NewRequest(ctx, endpoint, account)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return r.client.Do(req)
}

// recordCooldown classifies the error response and stores the cooldown
// under the account's quota pool.
func (r *Relay) recordCooldown(sel *selector.Selector, resp *http.Response, account *types.Account, reqType types.RequestType) {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	httputil.DrainAndClose(resp)

	result, ok := ratelimit.Parse(resp.StatusCode, resp.Header.Get("Retry-After"), string(raw))
	if !ok {
		return
	}
	r.logger.Printf("relay: account %s rate limited (%s), cooling for %dms",
		account.Identifier(), result.Reason, result.RetryAfterMS)
	sel.MarkRateLimited(account.Identifier(), reqType, result)
}

// waitableCooldown reports whether an all-cooled selection failure
// should be waited out instead of surfaced. Only cache_first mode
// waits, and only when the shortest remaining cooldown fits inside the
// configured max_wait_seconds; other modes rotate away immediately and
// give up the prompt cache.
func (r *Relay) waitableCooldown(sel *selector.Selector, err error) (time.Duration, bool) {
	if r.cfg.Scheduling.Mode != config.SchedulingCacheFirst {
		return 0, false
	}
	var ge *types.GatewayError
	if !errors.As(err, &ge) || ge.Code != types.ErrCodeAllCooled {
		return 0, false
	}
	wait := sel.MinWaitSeconds()
	if wait > r.cfg.Scheduling.MaxWaitSeconds {
		return 0, false
	}
	return time.Duration(wait) * time.Second, true
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// anotherCandidate reports whether some account could still serve this
// request type in the current rotation.
func anotherCandidate(st *store.TokenStore, sel *selector.Selector, reqType types.RequestType, attempted map[int]bool) bool {
	for _, acct := range st.Accounts() {
		if acct.Disabled || attempted[acct.Index] {
			continue
		}
		if sel.IsRateLimited(acct.Identifier(), reqType) {
			continue
		}
		return true
	}
	return false
}

func isRateLimitStatus(status int) bool {
	switch status {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusServiceUnavailable,
		529:
		return true
	}
	return false
}

// synthesizeTooManyRequests builds the 429 returned when every account
// is cooling down, with Retry-After set to the shortest remaining wait.
func synthesizeTooManyRequests(waitSeconds int) *http.Response {
	body := []byte(`{"error":{"code":429,"message":"all accounts are cooling down","status":"RESOURCE_EXHAUSTED"}}`)
	header := http.Header{}
	header.Set("Content-Type", "application/json")
	header.Set("Retry-After", strconv.Itoa(waitSeconds))
	return &http.Response{
		Status:        "429 Too Many Requests",
		StatusCode:    http.StatusTooManyRequests,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(body)),
		ContentLength: int64(len(body)),
	}
}

// sessionFingerprint identifies a conversation for sticky account
// selection, from the body's session_id when present.
func sessionFingerprint(header http.Header, body []byte) string {
	if sid := gjson.GetBytes(body, "session_id").String(); sid != "" {
		return sid
	}
	if header != nil {
		return header.Get("X-Session-Id")
	}
	return ""
}

func sameHost(endpoint string, u *url.URL) bool {
	eu, err := url.Parse(endpoint)
	if err != nil {
		return false
	}
	return eu.Host != "" && eu.Host == u.Host
}
