// Package orchestrator drives one request through the account pool: pick
// an account, make sure its token is fresh, send the request, classify
// the response, and decide whether to retry on the same account, switch
// to another, wait, or fail.
//
// Grounded on the teacher's go-backend/internal/cloudcode streaming_handler.go
// retry loop, generalized from its Google-specific endpoint fallback list
// into the specification's account-rotation state machine.
package orchestrator

import (
	"time"

	"github.com/relaycodex/codex-proxy/internal/config"
)

// Decision is what the orchestrator should do after a rate-limit signal.
type Decision int

const (
	DecisionWait Decision = iota
	DecisionSwitch
)

// DecideWaitOrSwitch implements the specification's scheduling policy:
//
//   - a single-account pool always waits (there's nowhere else to go)
//   - switch_on_first_rate_limit on the very first attempt always switches
//   - otherwise the configured scheduling_mode governs:
//     performance_first always switches,
//     cache_first waits up to max_cache_first_wait_seconds then switches,
//     balance waits up to a fixed 5s short-retry threshold then switches
func DecideWaitOrSwitch(cfg config.Config, accountCount int, attempt int, delay time.Duration) Decision {
	if accountCount <= 1 {
		return DecisionWait
	}
	if cfg.SwitchOnFirstRateLimit && attempt <= 1 {
		return DecisionSwitch
	}
	switch cfg.SchedulingMode {
	case config.SchedulingPerformanceFirst:
		return DecisionSwitch
	case config.SchedulingCacheFirst:
		maxWait := time.Duration(cfg.MaxCacheFirstWaitSeconds) * time.Second
		if delay <= maxWait {
			return DecisionWait
		}
		return DecisionSwitch
	default: // balance
		const shortRetryThreshold = 5 * time.Second
		if delay <= shortRetryThreshold {
			return DecisionWait
		}
		return DecisionSwitch
	}
}
