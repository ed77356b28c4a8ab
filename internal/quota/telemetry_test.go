package quota

import (
	"net/http"
	"testing"
	"time"
)

func TestParseHeaders(t *testing.T) {
	h := http.Header{}
	h.Set("x-codex-used-percent", "42.5")
	h.Set("x-codex-remaining-tokens", "100")
	now := time.Now()
	snap := ParseHeaders(h, now)
	if !snap.usedPercentKnown || snap.UsedPercent != 42.5 {
		t.Errorf("used percent = %v known=%v, want 42.5", snap.UsedPercent, snap.usedPercentKnown)
	}
	if !snap.remainingTokensKnown || snap.RemainingTokens != 100 {
		t.Errorf("remaining tokens = %v, want 100", snap.RemainingTokens)
	}
	if snap.limitTokensKnown {
		t.Error("limit tokens should be unknown when header absent")
	}
}

func TestMergePreservesUnsetFields(t *testing.T) {
	now := time.Now()
	base := RateLimitSnapshot{UsedPercent: 10, usedPercentKnown: true, LimitTokens: 1000, limitTokensKnown: true, UpdatedAt: now}
	incoming := RateLimitSnapshot{RemainingTokens: 50, remainingTokensKnown: true, UpdatedAt: now.Add(time.Second)}

	merged := base.merge(incoming)
	if merged.UsedPercent != 10 {
		t.Errorf("expected used_percent to be preserved, got %v", merged.UsedPercent)
	}
	if merged.LimitTokens != 1000 {
		t.Errorf("expected limit_tokens to be preserved, got %v", merged.LimitTokens)
	}
	if merged.RemainingTokens != 50 {
		t.Errorf("expected remaining_tokens to be applied, got %v", merged.RemainingTokens)
	}
}

func TestMergeClampsUsedPercent(t *testing.T) {
	base := RateLimitSnapshot{}
	incoming := RateLimitSnapshot{UsedPercent: 150, usedPercentKnown: true}
	merged := base.merge(incoming)
	if merged.UsedPercent != 100 {
		t.Errorf("expected clamp to 100, got %v", merged.UsedPercent)
	}
}

func TestEpochToTimeDetectsSecondsVsMillis(t *testing.T) {
	seconds := int64(1_700_000_000)
	millis := int64(1_700_000_000_000)
	if epochToTime(seconds).Unix() != seconds {
		t.Errorf("seconds interpretation failed")
	}
	if epochToTime(millis).UnixMilli() != millis {
		t.Errorf("millis interpretation failed")
	}
}

func TestSnapshotStaleness(t *testing.T) {
	now := time.Now()
	fresh := RateLimitSnapshot{UpdatedAt: now}
	if fresh.Stale(now.Add(time.Minute)) {
		t.Error("1 minute old snapshot should not be stale")
	}
	if !fresh.Stale(now.Add(20 * time.Minute)) {
		t.Error("20 minute old snapshot should be stale")
	}
}

func TestSinkMergeAndPrune(t *testing.T) {
	s := NewSink()
	now := time.Now()
	s.Merge("acct1", RateLimitSnapshot{UsedPercent: 5, usedPercentKnown: true, UpdatedAt: now.Add(-8 * 24 * time.Hour)})
	s.Prune(now)
	if _, ok := s.Get("acct1"); ok {
		t.Error("expected stale snapshot to be pruned")
	}
}
