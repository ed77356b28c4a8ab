// Package account owns the live account pool: loading it from
// internal/store, keeping per-account health/token-bucket/rate-limit
// trackers in sync with activity, and selecting which account a given
// request should use.
//
// Grounded on the teacher's go-backend/internal/account/manager.go, with
// its Redis-backed persistence and email-keyed trackers replaced by
// internal/store's locked file and internal/identity's generic
// account_key.
package account

import (
	"strings"
	"time"

	"github.com/relaycodex/codex-proxy/internal/identity"
	"github.com/relaycodex/codex-proxy/internal/store"
)

// ManagedAccount is one account as the manager sees it: its persisted
// record plus the derived key and index used to address it elsewhere.
type ManagedAccount struct {
	Index   int
	Key     string
	Family  string // "account_id|lowercase email" without the plan, or Key when either is missing; rate limits are keyed by model family, not by this field
	Record  store.AccountRecord
}

// Identity reconstructs the identity triple from the record.
func (a ManagedAccount) Identity() identity.Identity {
	return identity.Identity{AccountID: a.Record.AccountID, Email: a.Record.Email, Plan: a.Record.Plan}
}

// Hydrated reports whether the account's identity is fully known.
func (a ManagedAccount) Hydrated() bool {
	return a.Identity().Hydrated()
}

// Usable reports whether the account is eligible for selection at all:
// not disabled, not quarantined, and hydrated enough to have a stable key.
func (a ManagedAccount) Usable() bool {
	return !a.Record.Disabled && !a.Record.Quarantined && a.Hydrated()
}

// rateLimitKeys returns the quota key(s) a rate-limit signal for
// family/model is recorded and consulted under: the base family key
// always, plus the more specific family:model key when model differs
// from family, since a limit can be hit at either granularity.
func rateLimitKeys(family, model string) []string {
	if model == "" || model == family {
		return []string{family}
	}
	return []string{family, family + ":" + model}
}

// RateLimited reports whether family/model currently has a live
// (non-expired) reset deadline at either the family or family:model
// granularity.
func (a ManagedAccount) RateLimited(now time.Time, family, model string) bool {
	if a.Record.RateLimitResetTimes == nil {
		return false
	}
	for _, k := range rateLimitKeys(family, model) {
		if deadline, ok := a.Record.RateLimitResetTimes[k]; ok && deadline > now.UnixMilli() {
			return true
		}
	}
	return false
}

// CoolingDown reports whether the account is inside an auth-failure
// cooldown window, independent of rate limiting.
func (a ManagedAccount) CoolingDown(now time.Time) bool {
	return a.Record.CoolingDownUntil > now.UnixMilli()
}

// deriveKeys computes the ManagedAccount's Key and Family from its record
// and slice index, using identity.AccountKey's 4-tier fallback.
func deriveKeys(rec store.AccountRecord, index int) (key, family string) {
	id := identity.Identity{AccountID: rec.AccountID, Email: rec.Email, Plan: rec.Plan}
	key = identity.AccountKey(id, rec.RefreshToken, index, true)
	if id.AccountID != "" && id.Email != "" {
		family = id.AccountID + "|" + strings.ToLower(id.Email)
	} else {
		family = key
	}
	return key, family
}

func buildManagedAccounts(accounts []store.AccountRecord) []ManagedAccount {
	out := make([]ManagedAccount, len(accounts))
	for i, rec := range accounts {
		key, family := deriveKeys(rec, i)
		out[i] = ManagedAccount{Index: i, Key: key, Family: family, Record: rec}
	}
	return out
}
