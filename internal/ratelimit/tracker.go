// Package ratelimit classifies upstream rate-limit responses and tracks
// per-(account, family, model) backoff state.
//
// Grounded on the teacher's go-backend/internal/cloudcode rate_limit_parser.go
// and rate_limit_state.go, generalized away from the teacher's hardcoded
// 60-second backoff ceiling to the specification's configurable
// max_backoff_ms, and from a global process-wide map to one instance the
// account manager owns and keys by account_key rather than bare email.
package ratelimit

import (
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/relaycodex/codex-proxy/internal/utils"
)

// Reason classifies why an upstream response was treated as rate-limited.
type Reason string

const (
	ReasonCapacity  Reason = "capacity"
	ReasonQuota     Reason = "quota"
	ReasonRateLimit Reason = "rate-limit"
	ReasonUnknown   Reason = "unknown"
)

var (
	quotaKeywords     = []string{"quota", "insufficient_quota", "billing"}
	capacityKeywords  = []string{"overloaded", "capacity", "no capacity", "model is overloaded"}
	rateLimitKeywords = []string{"rate limit", "rate-limit", "ratelimit", "too many requests"}

	retryAfterRe  = regexp.MustCompile(`(?i)retry[-_ ]after["': ]+(\d+)`)
	resetEpochRe  = regexp.MustCompile(`(?i)reset[_a-z]*["': ]+(\d+)`)
)

// ClassifyReason inspects an HTTP status and response body to decide why
// a request was rejected as rate-limited.
func ClassifyReason(status int, body string) Reason {
	lower := strings.ToLower(body)
	switch {
	case status == 503 || status == 529:
		return ReasonCapacity
	case utils.ContainsAny(lower, quotaKeywords...):
		return ReasonQuota
	case utils.ContainsAny(lower, capacityKeywords...):
		return ReasonCapacity
	case utils.ContainsAny(lower, rateLimitKeywords...):
		return ReasonRateLimit
	case status == 429:
		return ReasonRateLimit
	default:
		return ReasonUnknown
	}
}

// ParseRetryAfterMs extracts an explicit retry delay from response
// headers or body text, in milliseconds. ok is false if none was found.
func ParseRetryAfterMs(headerValue string, body string) (int64, bool) {
	if headerValue != "" {
		if secs, err := strconv.ParseFloat(strings.TrimSpace(headerValue), 64); err == nil {
			return int64(secs * 1000), true
		}
		if t, err := time.Parse(time.RFC1123, headerValue); err == nil {
			d := time.Until(t)
			if d > 0 {
				return d.Milliseconds(), true
			}
		}
	}
	if m := retryAfterRe.FindStringSubmatch(body); m != nil {
		if n, err := strconv.ParseInt(m[1], 10, 64); err == nil {
			return n * 1000, true
		}
	}
	if m := resetEpochRe.FindStringSubmatch(body); m != nil {
		if n, err := strconv.ParseInt(m[1], 10, 64); err == nil {
			return epochToDelayMs(n), true
		}
	}
	return 0, false
}

// epochToDelayMs converts a reset timestamp (seconds or milliseconds
// since the epoch, detected by magnitude) into a delay from now.
func epochToDelayMs(epoch int64) int64 {
	ms := epoch
	if epoch < 2_000_000_000 { // looks like seconds, not milliseconds
		ms = epoch * 1000
	}
	delay := ms - time.Now().UnixMilli()
	if delay < 0 {
		return 0
	}
	return delay
}

// Config tunes dedup/reset windows and backoff shape.
type Config struct {
	DedupWindowMs  int64
	ResetWindowMs  int64
	DefaultDelayMs int64
	MaxBackoffMs   int64
	JitterMaxMs    int64
}

// state is one (account, family, model) key's rate-limit bookkeeping.
type state struct {
	consecutive int
	lastAt      time.Time
	lastDelay   int64
}

// Tracker holds rate-limit state across every account/family/model key
// this proxy has seen, guarded by a single mutex with short critical
// sections (lookups and arithmetic only, no I/O under the lock).
type Tracker struct {
	mu     sync.Mutex
	cfg    Config
	states map[string]*state
}

// NewTracker returns a tracker using cfg for its window/backoff shape.
func NewTracker(cfg Config) *Tracker {
	return &Tracker{cfg: cfg, states: make(map[string]*state)}
}

// DedupKey derives the key a single rate-limit signal is tracked under:
// one account can be rate-limited independently per model family.
func DedupKey(accountKey, family, model string) string {
	return accountKey + "|" + family + "|" + model
}

// RecordAndBackoff registers a new rate-limit signal for key and returns
// the delay to wait before retrying that key, honoring an explicit
// server-provided delay when present, deduping signals that arrive
// within DedupWindowMs of the last one (returning the same delay rather
// than compounding backoff twice for one burst), and otherwise computing
// exponential backoff capped at MaxBackoffMs plus uniform jitter.
func (t *Tracker) RecordAndBackoff(key string, serverDelayMs int64, hasServerDelay bool) int64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	st, ok := t.states[key]
	if !ok {
		st = &state{}
		t.states[key] = st
	}

	withinDedupWindow := ok && now.Sub(st.lastAt) < time.Duration(t.cfg.DedupWindowMs)*time.Millisecond
	withinResetWindow := ok && now.Sub(st.lastAt) < time.Duration(t.cfg.ResetWindowMs)*time.Millisecond

	if withinDedupWindow {
		return st.lastDelay
	}

	if withinResetWindow {
		st.consecutive++
	} else {
		st.consecutive = 1
	}
	st.lastAt = now
	st.lastDelay = t.computeDelay(st.consecutive, serverDelayMs, hasServerDelay)

	return st.lastDelay
}

func (t *Tracker) computeDelay(consecutive int, serverDelayMs int64, hasServerDelay bool) int64 {
	if hasServerDelay && serverDelayMs > 0 {
		return utils.ClampInt64(serverDelayMs, 0, t.cfg.MaxBackoffMs)
	}
	base := t.cfg.DefaultDelayMs
	if base <= 0 {
		base = 1000
	}
	exp := int64(1)
	for i := 1; i < consecutive; i++ {
		exp *= 2
		if base*exp >= t.cfg.MaxBackoffMs {
			exp = t.cfg.MaxBackoffMs / base
			break
		}
	}
	delay := base * exp
	delay = utils.ClampInt64(delay, 0, t.cfg.MaxBackoffMs)
	return delay + utils.JitterMs(t.cfg.JitterMaxMs)
}

// Clear removes a key's tracked state, e.g. after a successful request.
func (t *Tracker) Clear(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.states, key)
}

// CleanupStale drops any key whose last signal is older than
// ResetWindowMs, bounding the map's growth over a long-lived process.
func (t *Tracker) CleanupStale() {
	t.mu.Lock()
	defer t.mu.Unlock()
	cutoff := time.Now().Add(-time.Duration(t.cfg.ResetWindowMs) * time.Millisecond)
	for k, st := range t.states {
		if st.lastAt.Before(cutoff) {
			delete(t.states, k)
		}
	}
}
