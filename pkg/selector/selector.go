// Package selector picks the account for each outbound request. The
// order of precedence is session stickiness, then the 60 second global
// lock, then a fresh tier-priority round-robin over accounts that are
// neither disabled nor cooling down.
//
// All state here is process-local: cooldown records, session bindings,
// the global lock and the round-robin cursor are lost on restart.
package selector

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/laomeifun/llm-relay/pkg/ratelimit"
	"github.com/laomeifun/llm-relay/pkg/types"
)

// GlobalLockWindow is how long a successful non-image selection pins
// subsequent non-image requests to the same account.
const GlobalLockWindow = 60 * time.Second

// DefaultMinWaitSeconds is reported when no cooldown record exists.
const DefaultMinWaitSeconds = 60

// Record is one active cooldown for an account identifier.
type Record struct {
	Reason       ratelimit.Reason
	ResetAt      int64 // epoch ms
	RetryAfterMS int64
	DetectedAt   int64 // epoch ms
}

type globalLock struct {
	accountIndex int
	stampedAt    time.Time
}

// Selector owns the process-local rotation state.
type Selector struct {
	mu       sync.Mutex
	records  map[string]*Record // keyed by identifier, image pool suffixed
	sessions map[string]int     // session fingerprint -> account index
	lock     *globalLock
	cursor   uint64

	now func() time.Time
}

// New creates an empty selector.
func New() *Selector {
	return &Selector{
		records:  make(map[string]*Record),
		sessions: make(map[string]int),
		now:      time.Now,
	}
}

// GetAccountForRequest selects an account for one outbound call.
// accounts is the store's current snapshot; attempted holds indices
// already tried in this call and may be nil.
//
// The returned error is NoAccounts when the snapshot holds no
// selectable account at all, or AllCooled carrying the minimum
// remaining wait when every candidate is cooling down or attempted.
func (s *Selector) GetAccountForRequest(accounts []*types.Account, reqType types.RequestType, sessionID string, attempted map[int]bool) (*types.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()

	// Session stickiness.
	if sessionID != "" {
		if idx, ok := s.sessions[sessionID]; ok {
			if acct := findByIndex(accounts, idx); acct != nil && !acct.Disabled {
				if !s.isCooledLocked(acct.Identifier(), reqType, now) {
					s.touchLocked(acct, reqType, sessionID, now)
					return acct, nil
				}
			}
			// Bound account vanished, got disabled or is cooling
			// down: drop the binding and fall through.
			delete(s.sessions, sessionID)
		}
	}

	// Global lock, non-image requests only.
	if !reqType.IsImage() && s.lock != nil && now.Sub(s.lock.stampedAt) < GlobalLockWindow {
		if acct := findByIndex(accounts, s.lock.accountIndex); acct != nil && !acct.Disabled {
			if !s.isCooledLocked(acct.Identifier(), reqType, now) {
				s.touchLocked(acct, reqType, sessionID, now)
				return acct, nil
			}
		}
	}

	// Fresh selection.
	candidates := make([]*types.Account, 0, len(accounts))
	anySelectable := false
	for _, acct := range accounts {
		if acct.Disabled {
			continue
		}
		anySelectable = true
		if s.isCooledLocked(acct.Identifier(), reqType, now) {
			continue
		}
		candidates = append(candidates, acct)
	}
	if !anySelectable {
		return nil, types.NewNoAccountsError()
	}
	if len(candidates) == 0 {
		return nil, types.NewAllCooledError(s.minWaitSecondsLocked(now))
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].Tier.Priority() != candidates[j].Tier.Priority() {
			return candidates[i].Tier.Priority() < candidates[j].Tier.Priority()
		}
		return candidates[i].LastUsedAt < candidates[j].LastUsedAt
	})

	start := int(s.cursor % uint64(len(candidates)))
	s.cursor++
	for i := 0; i < len(candidates); i++ {
		acct := candidates[(start+i)%len(candidates)]
		if attempted[acct.Index] {
			continue
		}
		s.touchLocked(acct, reqType, sessionID, now)
		return acct, nil
	}

	// Everything eligible was already tried in this call.
	return nil, types.NewAllCooledError(s.minWaitSecondsLocked(now))
}

// MarkRateLimited records a cooldown for the account identifier,
// overwriting any prior record for the same pool.
func (s *Selector) MarkRateLimited(identifier string, reqType types.RequestType, res ratelimit.Result) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UnixMilli()
	s.records[recordKey(identifier, reqType)] = &Record{
		Reason:       res.Reason,
		ResetAt:      now + res.RetryAfterMS,
		RetryAfterMS: res.RetryAfterMS,
		DetectedAt:   now,
	}
}

// IsRateLimited reports whether the identifier has an active cooldown
// for the request type's quota pool.
func (s *Selector) IsRateLimited(identifier string, reqType types.RequestType) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isCooledLocked(identifier, reqType, s.now())
}

// MinWaitSeconds returns the smallest remaining cooldown across all
// accounts, rounded up, defaulting to 60 when nothing is cooling.
func (s *Selector) MinWaitSeconds() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.minWaitSecondsLocked(s.now())
}

// DropAccount removes cooldown records and session bindings that refer
// to a removed account.
func (s *Selector) DropAccount(identifier string, index int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.records, identifier)
	delete(s.records, identifier+imagePoolSuffix)
	for sid, idx := range s.sessions {
		if idx == index {
			delete(s.sessions, sid)
		}
	}
	if s.lock != nil && s.lock.accountIndex == index {
		s.lock = nil
	}
}

// ClampCursor reduces the cursor modulo the new account count after a
// removal; a zero count resets it.
func (s *Selector) ClampCursor(accountCount int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if accountCount <= 0 {
		s.cursor = 0
		return
	}
	s.cursor %= uint64(accountCount)
}

// Reset clears all process-local state.
func (s *Selector) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.records = make(map[string]*Record)
	s.sessions = make(map[string]int)
	s.lock = nil
	s.cursor = 0
}

const imagePoolSuffix = "#image"

// recordKey separates the image quota pool from everything else.
func recordKey(identifier string, reqType types.RequestType) string {
	if reqType.IsImage() {
		return identifier + imagePoolSuffix
	}
	return identifier
}

func (s *Selector) isCooledLocked(identifier string, reqType types.RequestType, now time.Time) bool {
	key := recordKey(identifier, reqType)
	rec, ok := s.records[key]
	if !ok {
		return false
	}
	if now.UnixMilli() >= rec.ResetAt {
		delete(s.records, key)
		return false
	}
	return true
}

func (s *Selector) minWaitSecondsLocked(now time.Time) int {
	nowMS := now.UnixMilli()
	minMS := int64(-1)
	for _, rec := range s.records {
		remaining := rec.ResetAt - nowMS
		if remaining <= 0 {
			continue
		}
		if minMS < 0 || remaining < minMS {
			minMS = remaining
		}
	}
	if minMS < 0 {
		return DefaultMinWaitSeconds
	}
	return int(math.Ceil(float64(minMS) / 1000))
}

// touchLocked applies the side effects of a successful selection:
// last-used bump, session binding, and the global lock stamp.
func (s *Selector) touchLocked(acct *types.Account, reqType types.RequestType, sessionID string, now time.Time) {
	acct.LastUsedAt = now.UnixMilli()
	if sessionID != "" {
		s.sessions[sessionID] = acct.Index
	}
	if !reqType.IsImage() {
		s.lock = &globalLock{accountIndex: acct.Index, stampedAt: now}
	}
}

func findByIndex(accounts []*types.Account, index int) *types.Account {
	for _, acct := range accounts {
		if acct.Index == index {
			return acct
		}
	}
	return nil
}
