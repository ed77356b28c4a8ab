// Package store persists the account pool to a single JSON file guarded by
// an OS advisory file lock, and implements the merge rules that let two
// concurrent proxy processes converge on one file without clobbering each
// other's writes.
//
// Grounded on the shape of the teacher's pkg/redis accounts interface
// (ListAccounts/SetAccount/DeleteAccount/GetRateLimit/SetRateLimit), ported
// from a Redis-backed store to a locked local file per the specification;
// locking itself is grounded on github.com/gofrs/flock as used by the
// steveyegge-gastown example repo.
package store

import "time"

// AccountRecord is one persisted account, keyed implicitly by its position
// in StoreFile.Accounts (the slice index), and addressed logically
// by its identity.AccountKey.
type AccountRecord struct {
	AccountID string `json:"account_id,omitempty"`
	Email     string `json:"email,omitempty"`
	Plan      string `json:"plan,omitempty"`

	RefreshToken string `json:"refresh_token"`
	AccessToken  string `json:"access_token,omitempty"`
	ExpiresAt    int64  `json:"expires_at,omitempty"` // unix ms

	Disabled  bool `json:"disabled,omitempty"`
	Quarantined bool `json:"quarantined,omitempty"`
	QuarantineReason string `json:"quarantine_reason,omitempty"`

	AddedAt  int64 `json:"added_at"`
	LastUsed int64 `json:"last_used"`

	// LastSwitchReason records why this account most recently became the
	// active pick for some family: "rate-limit", "initial", or "rotation".
	LastSwitchReason string `json:"last_switch_reason,omitempty"`

	// RateLimitResetTimes maps a quota key (the model family, or
	// "family:model") to the unix-ms timestamp at which that key's rate
	// limit is expected to clear.
	// Entries in the past are pruned on every read.
	RateLimitResetTimes map[string]int64 `json:"rate_limit_reset_times,omitempty"`

	// CoolingDownUntil holds an auth-failure cooldown deadline (unix ms),
	// independent of any rate-limit state.
	CoolingDownUntil int64 `json:"cooling_down_until,omitempty"`

	// HealthScore and TokenBucket mirror the in-memory trackers so a
	// restart doesn't reset an account to a fresh score/bucket.
	HealthScore     float64 `json:"health_score"`
	TokenBucketSize float64 `json:"token_bucket_size"`
	TokenBucketAt   int64   `json:"token_bucket_at"`
}

// StoreFile is the persisted shape of the account store (v3: adds
// rate_limit_reset_times keyed per family/model instead of a single
// account-wide reset time, and cooling_down_until for auth-failure
// cooldowns independent of rate limiting).
type StoreFile struct {
	Version            int             `json:"version"`
	Accounts           []AccountRecord `json:"accounts"`
	ActiveIndex        int             `json:"active_index"`
	ActiveIndexByFamily map[string]int `json:"active_index_by_family,omitempty"`
}

const CurrentVersion = 3

// NewStoreFile returns an empty store at the current version.
func NewStoreFile() *StoreFile {
	return &StoreFile{
		Version:             CurrentVersion,
		Accounts:            []AccountRecord{},
		ActiveIndex:         -1,
		ActiveIndexByFamily: map[string]int{},
	}
}

// PruneExpiredRateLimits clears any RateLimitResetTimes entry that has
// already elapsed, as of now. Called on every read per the store's
// invariant that stale reset entries never leak into selection decisions.
func (r *AccountRecord) PruneExpiredRateLimits(now time.Time) {
	if len(r.RateLimitResetTimes) == 0 {
		return
	}
	nowMs := now.UnixMilli()
	for k, v := range r.RateLimitResetTimes {
		if v <= nowMs {
			delete(r.RateLimitResetTimes, k)
		}
	}
	if r.CoolingDownUntil != 0 && r.CoolingDownUntil <= nowMs {
		r.CoolingDownUntil = 0
	}
}
