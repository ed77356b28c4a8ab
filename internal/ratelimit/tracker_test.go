package ratelimit

import (
	"testing"
)

func TestClassifyReason(t *testing.T) {
	cases := []struct {
		status int
		body   string
		want   Reason
	}{
		{503, "", ReasonCapacity},
		{529, "", ReasonCapacity},
		{400, "insufficient_quota: billing required", ReasonQuota},
		{400, "model is overloaded right now", ReasonCapacity},
		{429, "rate limit exceeded", ReasonRateLimit},
		{429, "", ReasonRateLimit},
		{500, "unexpected", ReasonUnknown},
	}
	for _, tc := range cases {
		if got := ClassifyReason(tc.status, tc.body); got != tc.want {
			t.Errorf("ClassifyReason(%d, %q) = %q, want %q", tc.status, tc.body, got, tc.want)
		}
	}
}

func TestParseRetryAfterMsFromHeader(t *testing.T) {
	ms, ok := ParseRetryAfterMs("30", "")
	if !ok || ms != 30000 {
		t.Errorf("got (%d, %v), want (30000, true)", ms, ok)
	}
}

func TestParseRetryAfterMsFromBody(t *testing.T) {
	ms, ok := ParseRetryAfterMs("", `{"retry_after": 12}`)
	if !ok || ms != 12000 {
		t.Errorf("got (%d, %v), want (12000, true)", ms, ok)
	}
}

func TestParseRetryAfterMsAbsent(t *testing.T) {
	if _, ok := ParseRetryAfterMs("", "nothing useful here"); ok {
		t.Error("expected ok=false when no delay is present")
	}
}

func TestBackoffHonorsServerDelay(t *testing.T) {
	tr := NewTracker(Config{DedupWindowMs: 0, ResetWindowMs: 120000, DefaultDelayMs: 1000, MaxBackoffMs: 60000, JitterMaxMs: 0})
	delay := tr.RecordAndBackoff("k1", 5000, true)
	if delay != 5000 {
		t.Errorf("delay = %d, want 5000 (server-provided)", delay)
	}
}

func TestBackoffExponentialWithoutServerDelay(t *testing.T) {
	tr := NewTracker(Config{DedupWindowMs: 0, ResetWindowMs: 120000, DefaultDelayMs: 1000, MaxBackoffMs: 60000, JitterMaxMs: 0})
	first := tr.RecordAndBackoff("k2", 0, false)
	second := tr.RecordAndBackoff("k2", 0, false)
	if first != 1000 {
		t.Errorf("first delay = %d, want 1000", first)
	}
	if second != 2000 {
		t.Errorf("second delay = %d, want 2000 (doubled)", second)
	}
}

func TestBackoffCapsAtMax(t *testing.T) {
	tr := NewTracker(Config{DedupWindowMs: 0, ResetWindowMs: 120000, DefaultDelayMs: 1000, MaxBackoffMs: 5000, JitterMaxMs: 0})
	var last int64
	for i := 0; i < 10; i++ {
		last = tr.RecordAndBackoff("k3", 0, false)
	}
	if last > 5000 {
		t.Errorf("last delay = %d, want <= 5000", last)
	}
}

func TestDedupWindowReturnsSameDelay(t *testing.T) {
	tr := NewTracker(Config{DedupWindowMs: 60000, ResetWindowMs: 120000, DefaultDelayMs: 1000, MaxBackoffMs: 60000, JitterMaxMs: 0})
	first := tr.RecordAndBackoff("k4", 0, false)
	second := tr.RecordAndBackoff("k4", 0, false)
	if first != second {
		t.Errorf("expected deduped signals to return same delay: %d != %d", first, second)
	}
}
