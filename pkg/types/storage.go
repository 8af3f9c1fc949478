package types

import "encoding/json"

// StorageVersion is the schema version written to the persisted blob.
const StorageVersion = 1

// AccountRecord is the persisted form of an account. Access tokens are
// deliberately not persisted; they are re-derived from the refresh
// token after a restart.
type AccountRecord struct {
	Email            string          `json:"email,omitempty"`
	ProjectID        string          `json:"projectId"`
	RefreshToken     string          `json:"refreshToken"`
	ResourceURL      string          `json:"resourceUrl,omitempty"`
	AddedAt          int64           `json:"addedAt"`
	LastUsed         int64           `json:"lastUsed"`
	SubscriptionTier Tier            `json:"subscriptionTier,omitempty"`
	Quota            json.RawMessage `json:"quota,omitempty"`
	Disabled         bool            `json:"disabled,omitempty"`
	DisabledReason   string          `json:"disabledReason,omitempty"`
}

// StorageBlob is the schema-versioned JSON document stored under a
// single opaque key in the host secret store.
type StorageBlob struct {
	Version      int             `json:"version"`
	Accounts     []AccountRecord `json:"accounts"`
	CurrentIndex int             `json:"currentIndex"`
}

// Record converts an in-memory account to its persisted form.
func (a *Account) Record() AccountRecord {
	return AccountRecord{
		Email:            a.Email,
		ProjectID:        a.ProjectID,
		RefreshToken:     a.RefreshToken,
		ResourceURL:      a.ResourceURL,
		AddedAt:          a.AddedAt,
		LastUsed:         a.LastUsedAt,
		SubscriptionTier: a.Tier,
		Quota:            a.Quota,
		Disabled:         a.Disabled,
		DisabledReason:   a.DisabledReason,
	}
}

// AccountFromRecord builds an in-memory account from its persisted
// form. The caller assigns the dense index.
func AccountFromRecord(rec AccountRecord, index int) *Account {
	tier := rec.SubscriptionTier
	if tier == "" {
		tier = TierUnknown
	}
	return &Account{
		Index:          index,
		Email:          rec.Email,
		ProjectID:      rec.ProjectID,
		RefreshToken:   rec.RefreshToken,
		ResourceURL:    rec.ResourceURL,
		AddedAt:        rec.AddedAt,
		LastUsedAt:     rec.LastUsed,
		Tier:           tier,
		Disabled:       rec.Disabled,
		DisabledReason: rec.DisabledReason,
		Quota:          rec.Quota,
	}
}
