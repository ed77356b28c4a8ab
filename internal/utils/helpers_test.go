package utils

import (
	"context"
	"testing"
	"time"
)

func TestFormatDuration(t *testing.T) {
	cases := []struct {
		ms   int64
		want string
	}{
		{0, "0s"},
		{5000, "5s"},
		{65000, "1m5s"},
		{3725000, "1h2m5s"},
		{-100, "0s"},
	}
	for _, tc := range cases {
		if got := FormatDuration(tc.ms); got != tc.want {
			t.Errorf("FormatDuration(%d) = %q, want %q", tc.ms, got, tc.want)
		}
	}
}

func TestSleepCtxHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := SleepCtx(ctx, time.Hour); err == nil {
		t.Fatal("expected cancellation error, got nil")
	}
}

func TestSleepCtxZeroReturnsImmediately(t *testing.T) {
	if err := SleepCtx(context.Background(), 0); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestJitterMsBounds(t *testing.T) {
	for i := 0; i < 100; i++ {
		got := JitterMs(50)
		if got < 0 || got >= 50 {
			t.Fatalf("JitterMs out of range: %d", got)
		}
	}
	if got := JitterMs(0); got != 0 {
		t.Errorf("JitterMs(0) = %d, want 0", got)
	}
}

func TestClampFloat(t *testing.T) {
	if got := ClampFloat(150, 0, 100); got != 100 {
		t.Errorf("got %v, want 100", got)
	}
	if got := ClampFloat(-5, 0, 100); got != 0 {
		t.Errorf("got %v, want 0", got)
	}
}

func TestIsNetworkError(t *testing.T) {
	if IsNetworkError(nil) {
		t.Error("nil error should not be a network error")
	}
}
