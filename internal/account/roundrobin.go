package account

import (
	"os"
	"sync"
	"time"

	"github.com/relaycodex/codex-proxy/internal/account/trackers"
	"github.com/relaycodex/codex-proxy/internal/config"
)

// roundRobinStrategy cycles through candidates in order, advancing a
// per-family cursor on every selection regardless of outcome. When
// pidOffsetEnabled, the cursor starts offset by the process's PID modulo
// the candidate count so that several proxy processes sharing one
// account pool fan out across accounts instead of all starting at index
// zero.
type roundRobinStrategy struct {
	mu      sync.Mutex
	cursors map[string]int
	offset  int

	health *trackers.HealthTracker
	tb     *trackers.TokenBucketTracker
}

func newRoundRobinStrategy(health *trackers.HealthTracker, tb *trackers.TokenBucketTracker, pidOffsetEnabled bool) *roundRobinStrategy {
	offset := 0
	if pidOffsetEnabled {
		offset = os.Getpid()
	}
	return &roundRobinStrategy{cursors: make(map[string]int), offset: offset, health: health, tb: tb}
}

func (s *roundRobinStrategy) Name() config.AccountSelectionStrategy { return config.StrategyRoundRobin }

func (s *roundRobinStrategy) Select(candidates []ManagedAccount, family, model string, now time.Time) Selection {
	if len(candidates) == 0 {
		return Selection{MinWaitMs: 0}
	}

	s.mu.Lock()
	start, seeded := s.cursors[family]
	if !seeded {
		start = s.offset % len(candidates)
	}
	s.mu.Unlock()

	for i := 0; i < len(candidates); i++ {
		idx := (start + i) % len(candidates)
		cand := candidates[idx]
		if !cand.Usable() || cand.RateLimited(now, family, model) || cand.CoolingDown(now) {
			continue
		}
		if s.health != nil && !s.health.IsUsable(cand.Key) {
			continue
		}
		if s.tb != nil && !s.tb.HasTokens(cand.Key, 1) {
			continue
		}
		s.mu.Lock()
		s.cursors[family] = (idx + 1) % len(candidates)
		s.mu.Unlock()
		picked := cand
		return Selection{Account: &picked}
	}

	return Selection{MinWaitMs: minWaitAmong(candidates, family, model, now, s.tb)}
}

func (s *roundRobinStrategy) OnSwitch(from, to string) {}

// SeedActive is a no-op: round-robin's cursor is not keyed off any
// notion of "currently active" account.
func (s *roundRobinStrategy) SeedActive(family, key string) {}
