// Package config loads and holds the proxy's runtime configuration.
// Grounded on the teacher's internal/config/config.go: a single JSON-tagged
// struct with a DefaultConfig constructor and a Load() that overlays a disk
// file, generalized here to also apply one environment-variable override
// pass per the option table in the specification (env wins over file).
package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/relaycodex/codex-proxy/internal/utils"
)

// AppName names the directory under XDG_CONFIG_HOME/~/.config that holds
// this proxy's persisted files.
const AppName = "codex-proxy"

// AccountSelectionStrategy is a closed enumeration of selection policies.
type AccountSelectionStrategy string

const (
	StrategySticky     AccountSelectionStrategy = "sticky"
	StrategyRoundRobin AccountSelectionStrategy = "round-robin"
	StrategyHybrid     AccountSelectionStrategy = "hybrid"
)

// SchedulingMode is a closed enumeration of the wait-vs-switch policy.
type SchedulingMode string

const (
	SchedulingPerformanceFirst SchedulingMode = "performance_first"
	SchedulingCacheFirst       SchedulingMode = "cache_first"
	SchedulingBalance          SchedulingMode = "balance"
)

// Config is the full set of tunables from the specification's option
// table, plus the fallback-model addition carried over from the teacher.
type Config struct {
	mu sync.RWMutex

	CodexMode                  bool                     `json:"codex_mode"`
	AccountSelectionStrategy    AccountSelectionStrategy `json:"account_selection_strategy"`
	PIDOffsetEnabled            bool                     `json:"pid_offset_enabled"`
	QuietMode                   bool                     `json:"quiet_mode"`
	TokenRefreshSkewMs          int64                    `json:"token_refresh_skew_ms"`
	ProactiveTokenRefresh       bool                     `json:"proactive_token_refresh"`
	RateLimitToastDebounceMs    int64                    `json:"rate_limit_toast_debounce_ms"`
	RetryAllAccountsRateLimited bool                     `json:"retry_all_accounts_rate_limited"`
	RetryAllAccountsMaxWaitMs   int64                    `json:"retry_all_accounts_max_wait_ms"`
	RetryAllAccountsMaxRetries  int                      `json:"retry_all_accounts_max_retries"`
	SchedulingMode              SchedulingMode           `json:"scheduling_mode"`
	MaxCacheFirstWaitSeconds    int64                    `json:"max_cache_first_wait_seconds"`
	SwitchOnFirstRateLimit      bool                     `json:"switch_on_first_rate_limit"`
	RateLimitDedupWindowMs      int64                    `json:"rate_limit_dedup_window_ms"`
	RateLimitStateResetMs       int64                    `json:"rate_limit_state_reset_ms"`
	DefaultRetryAfterMs         int64                    `json:"default_retry_after_ms"`
	MaxBackoffMs                int64                    `json:"max_backoff_ms"`
	RequestJitterMaxMs          int64                    `json:"request_jitter_max_ms"`

	// Supplemented (teacher feature, see SPEC_FULL.md §SUPPLEMENTED FEATURES 1)
	FallbackEnabled       bool              `json:"fallback_enabled"`
	FallbackModelMapping  map[string]string `json:"fallback_model_mapping"`

	// Overall-call timeout (§5): expiry yields "request timed out during
	// account rotation".
	OverallCallTimeoutMs int64 `json:"overall_call_timeout_ms"`

	// Identity claim namespace used to locate chatgpt_account_id / plan
	// claims inside a decoded token (§4.2).
	AuthClaimNamespace string `json:"auth_claim_namespace"`

	// HTTP listen address for the host-facing server.
	ListenAddr string `json:"listen_addr"`
}

// DefaultConfig returns the configuration with every field at its
// specified default.
func DefaultConfig() *Config {
	return &Config{
		CodexMode:                   true,
		AccountSelectionStrategy:    StrategySticky,
		PIDOffsetEnabled:            true,
		QuietMode:                   false,
		TokenRefreshSkewMs:          60_000,
		ProactiveTokenRefresh:       false,
		RateLimitToastDebounceMs:    60_000,
		RetryAllAccountsRateLimited: false,
		RetryAllAccountsMaxWaitMs:   30_000,
		RetryAllAccountsMaxRetries:  1,
		SchedulingMode:              SchedulingCacheFirst,
		MaxCacheFirstWaitSeconds:    60,
		SwitchOnFirstRateLimit:      true,
		RateLimitDedupWindowMs:      2_000,
		RateLimitStateResetMs:       120_000,
		DefaultRetryAfterMs:         60_000,
		MaxBackoffMs:                120_000,
		RequestJitterMaxMs:          1_000,
		FallbackEnabled:             false,
		FallbackModelMapping:        map[string]string{},
		OverallCallTimeoutMs:        180_000,
		AuthClaimNamespace:          "https://api.openai.com/auth",
		ListenAddr:                  "0.0.0.0:8787",
	}
}

// ConfigFilePath returns the path to the JSON config file.
func ConfigFilePath() string {
	return filepath.Join(utils.ConfigDir(AppName), "config.json")
}

// Load overlays the on-disk config file (if present) and then environment
// variable overrides onto the receiver. Missing file is not an error.
func (c *Config) Load() error {
	path := ConfigFilePath()
	data, err := os.ReadFile(path)
	if err == nil {
		c.mu.Lock()
		if jsonErr := json.Unmarshal(data, c); jsonErr != nil {
			c.mu.Unlock()
			return jsonErr
		}
		c.mu.Unlock()
	} else if !os.IsNotExist(err) {
		return err
	}
	c.applyEnvOverrides()
	return nil
}

// Save persists the config to disk as JSON, creating the parent directory
// if needed. Best-effort 0600 permissions, matching the account store's
// file-mode discipline.
func (c *Config) Save() error {
	c.mu.RLock()
	data, err := json.MarshalIndent(c, "", "  ")
	c.mu.RUnlock()
	if err != nil {
		return err
	}
	path := ConfigFilePath()
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

// applyEnvOverrides maps each environment variable name to a setter
// applied over the receiver. Table-driven so every option in the spec's config table
// gets exactly one override rule, generalizing the teacher's scattered
// os.Getenv checks in cmd/server/main.go into a single pass.
func (c *Config) applyEnvOverrides() {
	c.mu.Lock()
	defer c.mu.Unlock()

	str := func(name string, set func(string)) {
		if v, ok := os.LookupEnv(name); ok {
			set(v)
		}
	}
	boolean := func(name string, set func(bool)) {
		if v, ok := os.LookupEnv(name); ok {
			if b, err := strconv.ParseBool(v); err == nil {
				set(b)
			}
		}
	}
	integer := func(name string, set func(int64)) {
		if v, ok := os.LookupEnv(name); ok {
			if n, err := strconv.ParseInt(v, 10, 64); err == nil {
				set(n)
			}
		}
	}

	boolean("CODEX_MODE", func(b bool) { c.CodexMode = b })
	str("ACCOUNT_SELECTION_STRATEGY", func(v string) { c.AccountSelectionStrategy = AccountSelectionStrategy(v) })
	boolean("PID_OFFSET_ENABLED", func(b bool) { c.PIDOffsetEnabled = b })
	boolean("QUIET_MODE", func(b bool) { c.QuietMode = b })
	integer("TOKEN_REFRESH_SKEW_MS", func(n int64) { c.TokenRefreshSkewMs = n })
	boolean("PROACTIVE_TOKEN_REFRESH", func(b bool) { c.ProactiveTokenRefresh = b })
	integer("RATE_LIMIT_TOAST_DEBOUNCE_MS", func(n int64) { c.RateLimitToastDebounceMs = n })
	boolean("RETRY_ALL_ACCOUNTS_RATE_LIMITED", func(b bool) { c.RetryAllAccountsRateLimited = b })
	integer("RETRY_ALL_ACCOUNTS_MAX_WAIT_MS", func(n int64) { c.RetryAllAccountsMaxWaitMs = n })
	integer("RETRY_ALL_ACCOUNTS_MAX_RETRIES", func(n int64) { c.RetryAllAccountsMaxRetries = int(n) })
	str("SCHEDULING_MODE", func(v string) { c.SchedulingMode = SchedulingMode(v) })
	integer("MAX_CACHE_FIRST_WAIT_SECONDS", func(n int64) { c.MaxCacheFirstWaitSeconds = n })
	boolean("SWITCH_ON_FIRST_RATE_LIMIT", func(b bool) { c.SwitchOnFirstRateLimit = b })
	integer("RATE_LIMIT_DEDUP_WINDOW_MS", func(n int64) { c.RateLimitDedupWindowMs = n })
	integer("RATE_LIMIT_STATE_RESET_MS", func(n int64) { c.RateLimitStateResetMs = n })
	integer("DEFAULT_RETRY_AFTER_MS", func(n int64) { c.DefaultRetryAfterMs = n })
	integer("MAX_BACKOFF_MS", func(n int64) { c.MaxBackoffMs = n })
	integer("REQUEST_JITTER_MAX_MS", func(n int64) { c.RequestJitterMaxMs = n })
	boolean("FALLBACK_ENABLED", func(b bool) { c.FallbackEnabled = b })
	integer("OVERALL_CALL_TIMEOUT_MS", func(n int64) { c.OverallCallTimeoutMs = n })
	str("LISTEN_ADDR", func(v string) { c.ListenAddr = v })
}

// Snapshot returns a copy safe for concurrent readers (strategy/tracker
// configs are constructed once from this and never need the lock again).
func (c *Config) Snapshot() Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	cp := *c
	cp.mu = sync.RWMutex{}
	return cp
}
