package config

import (
	"os"
	"testing"
)

func TestDefaultConfigMatchesSpecDefaults(t *testing.T) {
	cfg := DefaultConfig()
	cases := map[string]struct {
		got, want any
	}{
		"account_selection_strategy": {cfg.AccountSelectionStrategy, StrategySticky},
		"token_refresh_skew_ms":      {cfg.TokenRefreshSkewMs, int64(60_000)},
		"scheduling_mode":            {cfg.SchedulingMode, SchedulingCacheFirst},
		"max_backoff_ms":             {cfg.MaxBackoffMs, int64(120_000)},
		"switch_on_first_rate_limit": {cfg.SwitchOnFirstRateLimit, true},
	}
	for name, tc := range cases {
		if tc.got != tc.want {
			t.Errorf("%s = %v, want %v", name, tc.got, tc.want)
		}
	}
}

func TestApplyEnvOverridesWins(t *testing.T) {
	os.Setenv("MAX_BACKOFF_MS", "5000")
	defer os.Unsetenv("MAX_BACKOFF_MS")

	cfg := DefaultConfig()
	cfg.applyEnvOverrides()
	if cfg.MaxBackoffMs != 5000 {
		t.Errorf("MaxBackoffMs = %d, want 5000 from env override", cfg.MaxBackoffMs)
	}
}

func TestApplyEnvOverridesIgnoresUnset(t *testing.T) {
	os.Unsetenv("RATE_LIMIT_DEDUP_WINDOW_MS")
	cfg := DefaultConfig()
	before := cfg.RateLimitDedupWindowMs
	cfg.applyEnvOverrides()
	if cfg.RateLimitDedupWindowMs != before {
		t.Errorf("expected unset env var to leave default untouched")
	}
}
