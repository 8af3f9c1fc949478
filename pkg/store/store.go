// Package store owns the account set. All mutation goes through it,
// every mutating operation persists the schema-versioned blob to the
// host secret store before returning, and token refresh is
// single-flight per account.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/laomeifun/llm-relay/pkg/host"
	"github.com/laomeifun/llm-relay/pkg/oauth"
	"github.com/laomeifun/llm-relay/pkg/types"
)

// DefaultStorageKey is the secret-store key holding the account blob.
const DefaultStorageKey = "llm-relay.accounts"

// RefreshFunc exchanges an account's refresh token for fresh tokens.
// The vendor-specific drivers in pkg/oauth provide implementations.
type RefreshFunc func(ctx context.Context, account *types.Account) (*oauth.Tokens, error)

// TokenStore caches decoded accounts in memory and serializes all
// mutation. The secret-store write is the commit point: a mutating
// call that returns nil has already persisted.
type TokenStore struct {
	secrets  host.SecretStore
	key      string
	refresh  RefreshFunc
	logger   *log.Logger
	notifier host.Notifier

	mu           sync.Mutex
	accounts     []*types.Account
	currentIndex int

	refreshGroup singleflight.Group
}

// New creates a store. key defaults to DefaultStorageKey, logger to
// log.Default().
func New(secrets host.SecretStore, key string, refresh RefreshFunc, logger *log.Logger) *TokenStore {
	if key == "" {
		key = DefaultStorageKey
	}
	if logger == nil {
		logger = log.Default()
	}
	return &TokenStore{
		secrets:  secrets,
		key:      key,
		refresh:  refresh,
		logger:   logger,
		notifier: host.NopNotifier{},
	}
}

// SetNotifier routes user-visible account events (currently only
// disables) to the host. The default discards them.
func (s *TokenStore) SetNotifier(n host.Notifier) {
	if n != nil {
		s.notifier = n
	}
}

// Initialize decodes the persisted blob. Disabled entries load flagged
// disabled so their refresh tokens survive the next rewrite and a
// later re-add can revive them; the selector skips them.
func (s *TokenStore) Initialize(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, ok, err := s.secrets.Get(ctx, s.key)
	if err != nil {
		return fmt.Errorf("failed to read account storage: %w", err)
	}
	if !ok || raw == "" {
		s.accounts = nil
		s.currentIndex = 0
		return nil
	}

	var blob types.StorageBlob
	if err := json.Unmarshal([]byte(raw), &blob); err != nil {
		return fmt.Errorf("failed to decode account storage: %w", err)
	}
	if blob.Version != types.StorageVersion {
		return fmt.Errorf("unsupported account storage version %d", blob.Version)
	}

	accounts := make([]*types.Account, 0, len(blob.Accounts))
	for _, rec := range blob.Accounts {
		accounts = append(accounts, types.AccountFromRecord(rec, len(accounts)))
	}
	s.accounts = accounts
	s.currentIndex = blob.CurrentIndex
	if len(accounts) == 0 {
		s.currentIndex = 0
	} else {
		s.currentIndex %= len(accounts)
	}
	return nil
}

// Accounts returns a snapshot of the pool in index order. The entries
// are clones; mutation happens through the store by index.
func (s *TokenStore) Accounts() []*types.Account {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*types.Account, len(s.accounts))
	for i, acct := range s.accounts {
		out[i] = acct.Clone()
	}
	return out
}

// Count returns the number of in-memory accounts.
func (s *TokenStore) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.accounts)
}

// AddAccount merges the tokens into an existing account matched by
// email or refresh token, clearing any disabled flag, or appends a new
// account. The blob is persisted before returning.
func (s *TokenStore) AddAccount(ctx context.Context, tokens *oauth.Tokens) (*types.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UnixMilli()

	for _, acct := range s.accounts {
		if matches(acct, tokens) {
			acct.AccessToken = tokens.AccessToken
			acct.RefreshToken = tokens.RefreshToken
			acct.ExpiresAt = tokens.ExpiresAt
			if tokens.Email != "" {
				acct.Email = tokens.Email
			}
			if tokens.ProjectID != "" {
				acct.ProjectID = tokens.ProjectID
			}
			if tokens.ResourceURL != "" {
				acct.ResourceURL = tokens.ResourceURL
			}
			acct.Disabled = false
			acct.DisabledReason = ""
			if err := s.persistLocked(ctx); err != nil {
				return nil, err
			}
			return acct.Clone(), nil
		}
	}

	acct := &types.Account{
		Index:        len(s.accounts),
		Email:        tokens.Email,
		ProjectID:    tokens.ProjectID,
		RefreshToken: tokens.RefreshToken,
		ResourceURL:  tokens.ResourceURL,
		AccessToken:  tokens.AccessToken,
		ExpiresAt:    tokens.ExpiresAt,
		AddedAt:      now,
		LastUsedAt:   0,
		Tier:         types.TierUnknown,
	}
	s.accounts = append(s.accounts, acct)
	if err := s.persistLocked(ctx); err != nil {
		s.accounts = s.accounts[:len(s.accounts)-1]
		return nil, err
	}
	return acct.Clone(), nil
}

// RemoveAccount deletes the account at index, re-indexes the remainder
// densely and clamps the stored cursor. It returns the removed account
// so the caller can drop selector state keyed by its identifier.
func (s *TokenStore) RemoveAccount(ctx context.Context, index int) (*types.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if index < 0 || index >= len(s.accounts) {
		return nil, fmt.Errorf("no account at index %d", index)
	}

	removed := s.accounts[index]
	s.accounts = append(s.accounts[:index], s.accounts[index+1:]...)
	for i, acct := range s.accounts {
		acct.Index = i
	}
	if len(s.accounts) == 0 {
		s.currentIndex = 0
	} else {
		s.currentIndex %= len(s.accounts)
	}

	if err := s.persistLocked(ctx); err != nil {
		return nil, err
	}
	return removed, nil
}

// DisableAccount marks an account disabled with a reason, for example
// after an observed invalid_grant. The account stays in storage and
// can be revived by re-adding it.
func (s *TokenStore) DisableAccount(ctx context.Context, index int, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if index < 0 || index >= len(s.accounts) {
		return fmt.Errorf("no account at index %d", index)
	}
	s.accounts[index].Disabled = true
	s.accounts[index].DisabledReason = reason
	if err := s.persistLocked(ctx); err != nil {
		return err
	}
	s.notifier.Notify(fmt.Sprintf("account %s disabled: %s", s.accounts[index].Identifier(), reason))
	return nil
}

// MarkUsed stamps the account's last-used time. Selection works on
// snapshots, so the bump comes back through the store to reach the
// canonical record and the persisted blob.
func (s *TokenStore) MarkUsed(ctx context.Context, index int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	acct := s.byIndexLocked(index)
	if acct == nil {
		return fmt.Errorf("no account at index %d", index)
	}
	acct.LastUsedAt = time.Now().UnixMilli()
	return s.persistLocked(ctx)
}

// GetValidAccessToken returns a usable bearer token for the account,
// refreshing it when absent or within the expiry buffer. Concurrent
// callers for the same account share one refresh. account may be a
// snapshot clone; the canonical record is resolved by index.
func (s *TokenStore) GetValidAccessToken(ctx context.Context, account *types.Account) (string, error) {
	s.mu.Lock()
	canonical := s.byIndexLocked(account.Index)
	if canonical == nil {
		s.mu.Unlock()
		return "", fmt.Errorf("no account at index %d", account.Index)
	}
	expired := canonical.TokenExpired(time.Now())
	token := canonical.AccessToken
	s.mu.Unlock()

	if !expired {
		return token, nil
	}
	return s.refreshAccount(ctx, account)
}

// ForceRefresh refreshes the account's token regardless of expiry,
// used once after an observed 401.
func (s *TokenStore) ForceRefresh(ctx context.Context, account *types.Account) (string, error) {
	return s.refreshAccount(ctx, account)
}

// refreshAccount runs the single-flight refresh for one account. On
// invalid_grant the account is disabled and the error propagated; any
// other failure keeps the account and surfaces as
// ReauthenticationRequired so the user can retry.
func (s *TokenStore) refreshAccount(ctx context.Context, account *types.Account) (string, error) {
	key := strconv.Itoa(account.Index)
	result, err, _ := s.refreshGroup.Do(key, func() (any, error) {
		if s.refresh == nil {
			return nil, fmt.Errorf("no refresh function configured")
		}
		s.mu.Lock()
		snapshot := s.byIndexLocked(account.Index).Clone()
		s.mu.Unlock()
		if snapshot == nil {
			return nil, fmt.Errorf("no account at index %d", account.Index)
		}

		tokens, err := s.refresh(ctx, snapshot)
		if err != nil {
			return nil, err
		}

		s.mu.Lock()
		canonical := s.byIndexLocked(account.Index)
		if canonical == nil {
			s.mu.Unlock()
			return nil, fmt.Errorf("no account at index %d", account.Index)
		}
		canonical.AccessToken = tokens.AccessToken
		if tokens.RefreshToken != "" {
			canonical.RefreshToken = tokens.RefreshToken
		}
		if tokens.ResourceURL != "" {
			canonical.ResourceURL = tokens.ResourceURL
		}
		canonical.ExpiresAt = tokens.ExpiresAt
		persistErr := s.persistLocked(ctx)
		s.mu.Unlock()

		if persistErr != nil {
			return nil, persistErr
		}
		return tokens.AccessToken, nil
	})
	if err != nil {
		var ge *types.GatewayError
		if errors.As(err, &ge) && ge.Code == types.ErrCodeInvalidGrant {
			if derr := s.DisableAccount(ctx, account.Index, "invalid_grant"); derr != nil {
				s.logger.Printf("store: failed to disable account %s: %v", account.Identifier(), derr)
			}
			return "", err
		}
		s.logger.Printf("store: token refresh failed for account %s: %v", account.Identifier(), err)
		return "", types.NewReauthRequiredError(account.Identifier()).WithOriginalErr(err)
	}
	return result.(string), nil
}

// ToStorageBlob serializes the current account set in the documented
// external format.
func (s *TokenStore) ToStorageBlob() types.StorageBlob {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.blobLocked()
}

// byIndexLocked returns the canonical account at index, or nil when
// out of range. Indices are dense, so position equals index.
func (s *TokenStore) byIndexLocked(index int) *types.Account {
	if index < 0 || index >= len(s.accounts) {
		return nil
	}
	return s.accounts[index]
}

func (s *TokenStore) blobLocked() types.StorageBlob {
	records := make([]types.AccountRecord, len(s.accounts))
	for i, acct := range s.accounts {
		records[i] = acct.Record()
	}
	return types.StorageBlob{
		Version:      types.StorageVersion,
		Accounts:     records,
		CurrentIndex: s.currentIndex,
	}
}

func (s *TokenStore) persistLocked(ctx context.Context) error {
	data, err := json.Marshal(s.blobLocked())
	if err != nil {
		return fmt.Errorf("failed to encode account storage: %w", err)
	}
	if err := s.secrets.Set(ctx, s.key, string(data)); err != nil {
		return fmt.Errorf("failed to persist account storage: %w", err)
	}
	return nil
}

// matches reports whether the tokens belong to an already-known
// account, by email or by refresh token.
func matches(acct *types.Account, tokens *oauth.Tokens) bool {
	if tokens.Email != "" && acct.Email == tokens.Email {
		return true
	}
	return tokens.RefreshToken != "" && acct.RefreshToken == tokens.RefreshToken
}
