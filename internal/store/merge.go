package store

import "strings"

// identityMatch reports whether two records share a fully hydrated
// identity triple (case-insensitive email).
func identityMatch(a, b AccountRecord) bool {
	if a.AccountID == "" || a.Email == "" || a.Plan == "" {
		return false
	}
	if b.AccountID == "" || b.Email == "" || b.Plan == "" {
		return false
	}
	return a.AccountID == b.AccountID &&
		strings.EqualFold(a.Email, b.Email) &&
		a.Plan == b.Plan
}

// findMatch locates the index in existing that candidate merges into,
// trying an identity-triple match first and falling back to a shared
// refresh token. Returns -1 if neither matches, meaning candidate is
// appended as a new record.
func findMatch(existing []AccountRecord, candidate AccountRecord) int {
	for i, rec := range existing {
		if identityMatch(rec, candidate) {
			return i
		}
	}
	for i, rec := range existing {
		if rec.RefreshToken != "" && rec.RefreshToken == candidate.RefreshToken {
			return i
		}
	}
	return -1
}

func minInt64(a, b int64) int64 {
	if a == 0 {
		return b
	}
	if b == 0 {
		return a
	}
	if a < b {
		return a
	}
	return b
}

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

// mergeRecord combines an on-disk record with an incoming candidate
// according to the store's merge rules:
//
//   - identity/refresh-token match wins, else the candidate is appended
//   - refresh_token on disk is replaced only if the candidate's token is
//     newer (by last_used), i.e. a rotation actually happened
//   - missing scalar fields are filled in from whichever side has them
//   - added_at takes the min of the two (oldest first-seen wins)
//   - last_used takes the max (most recent activity wins)
//   - rate_limit_reset_times is merged key-by-key taking the max deadline
//   - cooling_down_until takes the later of the two deadlines
func mergeRecord(onDisk, candidate AccountRecord) AccountRecord {
	out := onDisk

	if out.AccountID == "" {
		out.AccountID = candidate.AccountID
	}
	if out.Email == "" {
		out.Email = candidate.Email
	}
	if out.Plan == "" {
		out.Plan = candidate.Plan
	}

	if candidate.RefreshToken != "" && candidate.LastUsed > onDisk.LastUsed {
		out.RefreshToken = candidate.RefreshToken
	}
	if candidate.AccessToken != "" && candidate.ExpiresAt >= onDisk.ExpiresAt {
		out.AccessToken = candidate.AccessToken
		out.ExpiresAt = candidate.ExpiresAt
	}

	out.AddedAt = minInt64(onDisk.AddedAt, candidate.AddedAt)
	out.LastUsed = maxInt64(onDisk.LastUsed, candidate.LastUsed)

	out.Disabled = onDisk.Disabled || candidate.Disabled
	if candidate.Quarantined && !onDisk.Quarantined {
		out.Quarantined = true
		out.QuarantineReason = candidate.QuarantineReason
	}

	out.CoolingDownUntil = maxInt64(onDisk.CoolingDownUntil, candidate.CoolingDownUntil)

	merged := make(map[string]int64, len(onDisk.RateLimitResetTimes)+len(candidate.RateLimitResetTimes))
	for k, v := range onDisk.RateLimitResetTimes {
		merged[k] = v
	}
	for k, v := range candidate.RateLimitResetTimes {
		if existing, ok := merged[k]; !ok || v > existing {
			merged[k] = v
		}
	}
	if len(merged) > 0 {
		out.RateLimitResetTimes = merged
	}

	if candidate.LastUsed >= onDisk.LastUsed {
		out.HealthScore = candidate.HealthScore
		out.TokenBucketSize = candidate.TokenBucketSize
		out.TokenBucketAt = candidate.TokenBucketAt
	}

	return out
}

// MergeInto applies candidate into the store's account list in place,
// returning the index the candidate ended up at. UpsertAccount calls it
// inside Mutate, so the candidate is reconciled against whatever another
// process wrote to disk since this process last loaded.
func MergeInto(accounts []AccountRecord, candidate AccountRecord) ([]AccountRecord, int) {
	idx := findMatch(accounts, candidate)
	if idx == -1 {
		accounts = append(accounts, candidate)
		return accounts, len(accounts) - 1
	}
	accounts[idx] = mergeRecord(accounts[idx], candidate)
	return accounts, idx
}

// RemapActiveIndex relocates an active-index pointer after a merge. It
// snapshots the record the old index referred to before the merge
// happened, then finds where that same record (by identity or refresh
// token) ended up afterward. If the referent no longer exists, the index
// is clamped to the last valid slot, or -1 if the list is now empty.
func RemapActiveIndex(before []AccountRecord, oldIndex int, after []AccountRecord) int {
	if oldIndex < 0 || oldIndex >= len(before) {
		if len(after) == 0 {
			return -1
		}
		if oldIndex >= len(after) {
			return len(after) - 1
		}
		return oldIndex
	}
	referent := before[oldIndex]
	for i, rec := range after {
		if identityMatch(rec, referent) || (rec.RefreshToken != "" && rec.RefreshToken == referent.RefreshToken) {
			return i
		}
	}
	if len(after) == 0 {
		return -1
	}
	if oldIndex >= len(after) {
		return len(after) - 1
	}
	return oldIndex
}
