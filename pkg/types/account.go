package types

import (
	"encoding/json"
	"strconv"
	"time"
)

// Tier is the subscription level of an account. Lower priority wins
// during selection.
type Tier string

const (
	TierUltra   Tier = "ULTRA"
	TierPro     Tier = "PRO"
	TierFree    Tier = "FREE"
	TierUnknown Tier = "UNKNOWN"
)

// Priority returns the ordinal used to sort accounts during selection.
func (t Tier) Priority() int {
	switch t {
	case TierUltra:
		return 0
	case TierPro:
		return 1
	case TierFree:
		return 2
	default:
		return 3
	}
}

// TokenExpiryBuffer is subtracted from the token expiry before the
// expiry comparison so a token is refreshed before it actually lapses.
const TokenExpiryBuffer = 5 * time.Minute

// Account is one authenticated identity with its tokens, quota and
// metadata. Index equals the account's position in the persisted
// ordered sequence and is reassigned densely after any mutation.
type Account struct {
	Index        int
	Email        string
	ProjectID    string
	RefreshToken string

	// AccessToken may be absent or stale; ExpiresAt (epoch
	// milliseconds) is meaningful only when AccessToken is set.
	AccessToken string
	ExpiresAt   int64

	// ResourceURL, when the vendor's token endpoint supplies one,
	// overrides the configured API base URL for this account.
	ResourceURL string

	AddedAt    int64 // epoch ms
	LastUsedAt int64 // epoch ms; 0 means never used

	Tier Tier

	Disabled       bool
	DisabledReason string

	// Quota is carried through storage verbatim; the gateway never
	// interprets it.
	Quota json.RawMessage
}

// Identifier returns the user email if known, otherwise the string
// form of the account index. Rate-limit records and session bindings
// key on this value.
func (a *Account) Identifier() string {
	if a.Email != "" {
		return a.Email
	}
	return strconv.Itoa(a.Index)
}

// TokenExpired reports whether the access token is missing or within
// the expiry buffer of lapsing at the given instant.
func (a *Account) TokenExpired(now time.Time) bool {
	if a.AccessToken == "" {
		return true
	}
	return now.UnixMilli() >= a.ExpiresAt-TokenExpiryBuffer.Milliseconds()
}

// Clone creates a deep copy of the account to prevent external
// modification of the store's state.
func (a *Account) Clone() *Account {
	if a == nil {
		return nil
	}
	clone := *a
	if a.Quota != nil {
		clone.Quota = make(json.RawMessage, len(a.Quota))
		copy(clone.Quota, a.Quota)
	}
	return &clone
}
