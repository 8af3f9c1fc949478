package store

import (
	"context"
	"encoding/json"
	"fmt"
)

// PendingOAuth is the state persisted between starting an OAuth flow
// and completing the token exchange, so a restart mid-flow can
// recover. For the authorization-code flow Verifier and State are set;
// for the device flow DeviceCode and Verifier.
type PendingOAuth struct {
	Verifier   string `json:"verifier,omitempty"`
	State      string `json:"state,omitempty"`
	DeviceCode string `json:"deviceCode,omitempty"`
}

func (s *TokenStore) pendingKey() string {
	return s.key + ".pending"
}

// SavePending persists in-flight OAuth state.
func (s *TokenStore) SavePending(ctx context.Context, p *PendingOAuth) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to encode pending OAuth state: %w", err)
	}
	return s.secrets.Set(ctx, s.pendingKey(), string(data))
}

// TakePending returns and clears the in-flight OAuth state, or nil
// when none is stored.
func (s *TokenStore) TakePending(ctx context.Context) (*PendingOAuth, error) {
	raw, ok, err := s.secrets.Get(ctx, s.pendingKey())
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}

	var p PendingOAuth
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return nil, fmt.Errorf("failed to decode pending OAuth state: %w", err)
	}
	if err := s.secrets.Delete(ctx, s.pendingKey()); err != nil {
		return nil, err
	}
	return &p, nil
}

// ClearPending drops any in-flight OAuth state, for flow timeouts.
func (s *TokenStore) ClearPending(ctx context.Context) error {
	return s.secrets.Delete(ctx, s.pendingKey())
}
