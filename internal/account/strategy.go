package account

import (
	"time"

	"github.com/relaycodex/codex-proxy/internal/account/trackers"
	"github.com/relaycodex/codex-proxy/internal/config"
)

// Selection is the outcome of asking a strategy to pick an account: either
// a chosen account, or — when none qualify — the minimum wait before one
// will, so the orchestrator can decide whether to wait or fail.
type Selection struct {
	Account   *ManagedAccount
	MinWaitMs int64 // only meaningful when Account is nil
}

// Strategy picks which account should serve the next request for a given
// family/model pair, and is notified of the outcome so it can adapt
// future picks (round-robin advances its cursor, hybrid's score shifts
// via the trackers it shares with the manager).
type Strategy interface {
	Select(candidates []ManagedAccount, family, model string, now time.Time) Selection
	OnSwitch(from, to string)
	Name() config.AccountSelectionStrategy

	// SeedActive primes the strategy's notion of "currently active
	// account for family" from the store's persisted active_index_by_family
	// without overriding a choice the strategy has already made during
	// this process's lifetime. A no-op for strategies that don't carry
	// per-family stickiness.
	SeedActive(family, key string)
}

// eligible filters accounts per the specification's base selection
// filter: usable (not disabled/quarantined), not currently rate-limited
// for this family/model, not cooling down from an auth failure, and
// holding at least one token.
func eligible(candidates []ManagedAccount, family, model string, now time.Time, tb *trackers.TokenBucketTracker, health *trackers.HealthTracker) []ManagedAccount {
	out := make([]ManagedAccount, 0, len(candidates))
	for _, a := range candidates {
		if !a.Usable() {
			continue
		}
		if a.RateLimited(now, family, model) {
			continue
		}
		if a.CoolingDown(now) {
			continue
		}
		if health != nil && !health.IsUsable(a.Key) {
			continue
		}
		if tb != nil && !tb.HasTokens(a.Key, 1) {
			continue
		}
		out = append(out, a)
	}
	return out
}

// minWaitAmong computes, for a set of candidates none of which is
// currently eligible, the smallest delay until one of them becomes
// eligible again: each account waits for the latest of its rate-limit
// deadline, cooldown deadline and next-token time, and the shortest of
// those per-account waits is returned.
func minWaitAmong(candidates []ManagedAccount, family, model string, now time.Time, tb *trackers.TokenBucketTracker) int64 {
	best := int64(-1)
	consider := func(ms int64) {
		if ms < 0 {
			ms = 0
		}
		if best == -1 || ms < best {
			best = ms
		}
	}
	nowMs := now.UnixMilli()
	for _, a := range candidates {
		if !a.Usable() {
			continue
		}
		wait := int64(0)
		for _, k := range rateLimitKeys(family, model) {
			if deadline, ok := a.Record.RateLimitResetTimes[k]; ok && deadline-nowMs > wait {
				wait = deadline - nowMs
			}
		}
		if a.Record.CoolingDownUntil-nowMs > wait {
			wait = a.Record.CoolingDownUntil - nowMs
		}
		if tb != nil && tb.TimeUntilNextToken(a.Key).Milliseconds() > wait {
			wait = tb.TimeUntilNextToken(a.Key).Milliseconds()
		}
		consider(wait)
	}
	if best == -1 {
		return 0
	}
	return best
}

// NewStrategy constructs the Strategy named by kind, sharing the given
// trackers so every strategy scores against the same live state.
func NewStrategy(kind config.AccountSelectionStrategy, health *trackers.HealthTracker, tb *trackers.TokenBucketTracker, pidOffsetEnabled bool) Strategy {
	switch kind {
	case config.StrategyRoundRobin:
		return newRoundRobinStrategy(health, tb, pidOffsetEnabled)
	case config.StrategyHybrid:
		return newHybridStrategy(health, tb)
	default:
		return newStickyStrategy(health, tb)
	}
}
