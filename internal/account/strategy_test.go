package account

import (
	"testing"
	"time"

	"github.com/relaycodex/codex-proxy/internal/account/trackers"
	"github.com/relaycodex/codex-proxy/internal/store"
)

func makeAccounts(n int) []ManagedAccount {
	recs := make([]store.AccountRecord, n)
	for i := range recs {
		recs[i] = store.AccountRecord{
			AccountID: "acct", Email: "user.go.dev", Plan: "Plus",
			RefreshToken: "tok",
		}
	}
	// give each a distinct identity so keys differ
	for i := range recs {
		recs[i].AccountID = "acct" + string(rune('0'+i))
	}
	return buildManagedAccounts(recs)
}

func TestStickySkipsRateLimitedCurrentAccount(t *testing.T) {
	health := trackers.NewHealthTracker(trackers.DefaultHealthConfig())
	tb := trackers.NewTokenBucketTracker(trackers.DefaultTokenBucketConfig())
	s := newStickyStrategy(health, tb)

	accts := makeAccounts(2)
	now := time.Now()

	first := s.Select(accts, "fam", "model", now)
	if first.Account == nil {
		t.Fatal("expected an account to be selected")
	}
	stuck := first.Account.Key

	// Rate-limit the sticky pick for this family/model.
	for i := range accts {
		if accts[i].Key == stuck {
			accts[i].Record.RateLimitResetTimes = map[string]int64{"fam:model": now.Add(time.Minute).UnixMilli()}
		}
	}

	second := s.Select(accts, "fam", "model", now)
	if second.Account == nil {
		t.Fatal("expected a fallback account when sticky pick is rate-limited")
	}
	if second.Account.Key == stuck {
		t.Error("expected sticky strategy to skip the rate-limited current account")
	}
}

func TestHybridStickinessBonusKeepsMarginalWinner(t *testing.T) {
	health := trackers.NewHealthTracker(trackers.DefaultHealthConfig())
	tb := trackers.NewTokenBucketTracker(trackers.DefaultTokenBucketConfig())
	h := newHybridStrategy(health, tb)

	accts := makeAccounts(2)
	now := time.Now()

	first := h.Select(accts, "fam", "model", now)
	if first.Account == nil {
		t.Fatal("expected a selection")
	}
	sticky := first.Account.Key

	// Give the sticky account a slightly lower LRU score than the other,
	// but within the stickiness bonus margin (150) — should stay put.
	for i := range accts {
		if accts[i].Key == sticky {
			accts[i].Record.LastUsed = now.Add(-10 * time.Second).UnixMilli()
		} else {
			accts[i].Record.LastUsed = now.Add(-20 * time.Second).UnixMilli()
		}
	}

	second := h.Select(accts, "fam", "model", now)
	if second.Account.Key != sticky {
		t.Errorf("expected stickiness bonus to retain %q, got %q", sticky, second.Account.Key)
	}
}

func TestRoundRobinCyclesThroughCandidates(t *testing.T) {
	health := trackers.NewHealthTracker(trackers.DefaultHealthConfig())
	tb := trackers.NewTokenBucketTracker(trackers.DefaultTokenBucketConfig())
	rr := newRoundRobinStrategy(health, tb, false)

	accts := makeAccounts(3)
	now := time.Now()

	seen := make(map[string]bool)
	for i := 0; i < 3; i++ {
		sel := rr.Select(accts, "fam", "model", now)
		if sel.Account == nil {
			t.Fatalf("expected selection on round %d", i)
		}
		seen[sel.Account.Key] = true
	}
	if len(seen) != 3 {
		t.Errorf("expected round-robin to visit all 3 accounts, saw %d distinct", len(seen))
	}
}

func TestEligibleExcludesDisabledAndCoolingDown(t *testing.T) {
	accts := makeAccounts(2)
	now := time.Now()
	accts[0].Record.Disabled = true
	accts[1].Record.CoolingDownUntil = now.Add(time.Minute).UnixMilli()

	elig := eligible(accts, "fam", "model", now, nil, nil)
	if len(elig) != 0 {
		t.Errorf("expected no eligible accounts, got %d", len(elig))
	}
}
