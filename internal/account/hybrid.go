package account

import (
	"sync"
	"time"

	"github.com/relaycodex/codex-proxy/internal/account/trackers"
	"github.com/relaycodex/codex-proxy/internal/config"
)

const (
	hybridStickinessBonus = 150
	hybridSwitchThreshold = 100
	hybridLRUCapSeconds   = 3600
)

// hybridStrategy scores every eligible candidate as
//
//	health*2 + tokens_ratio*500 + min(seconds_since_used, 3600)*0.1
//
// then adds a stickiness bonus to whichever account was last picked for
// this family, so a marginal score difference doesn't thrash between two
// equally good accounts. The incumbent only gives up its slot once some
// other candidate's base score (before any bonus) clears its own base
// score by more than the switch threshold — a hard override that applies
// regardless of the stickiness bonus.
type hybridStrategy struct {
	mu     sync.Mutex
	sticky map[string]string

	health *trackers.HealthTracker
	tb     *trackers.TokenBucketTracker
}

func newHybridStrategy(health *trackers.HealthTracker, tb *trackers.TokenBucketTracker) *hybridStrategy {
	return &hybridStrategy{sticky: make(map[string]string), health: health, tb: tb}
}

func (s *hybridStrategy) Name() config.AccountSelectionStrategy { return config.StrategyHybrid }

func (s *hybridStrategy) score(a ManagedAccount, now time.Time) float64 {
	health := 70.0
	if s.health != nil {
		health = s.health.Score(a.Key)
	}
	tokensRatio := 1.0
	if s.tb != nil {
		tokensRatio = s.tb.Ratio(a.Key)
	}
	secondsSinceUsed := float64(hybridLRUCapSeconds)
	if a.Record.LastUsed > 0 {
		elapsed := now.UnixMilli() - a.Record.LastUsed
		if elapsed < 0 {
			elapsed = 0
		}
		s := float64(elapsed) / 1000
		if s < hybridLRUCapSeconds {
			secondsSinceUsed = s
		}
	}
	return health*2 + tokensRatio*500 + secondsSinceUsed*0.1
}

func (s *hybridStrategy) Select(candidates []ManagedAccount, family, model string, now time.Time) Selection {
	elig := eligible(candidates, family, model, now, s.tb, s.health)
	if len(elig) == 0 {
		return Selection{MinWaitMs: minWaitAmong(candidates, family, model, now, s.tb)}
	}

	s.mu.Lock()
	stickyKey := s.sticky[family]
	s.mu.Unlock()

	bases := make([]float64, len(elig))
	bestBaseIdx := 0
	incumbentIdx := -1
	for i := range elig {
		bases[i] = s.score(elig[i], now)
		if bases[i] > bases[bestBaseIdx] {
			bestBaseIdx = i
		}
		if stickyKey != "" && elig[i].Key == stickyKey {
			incumbentIdx = i
		}
	}

	bestIdx := bestBaseIdx
	if incumbentIdx >= 0 {
		bestIdx = incumbentIdx
		bonused := bases[incumbentIdx] + hybridStickinessBonus
		for i := range elig {
			if i == incumbentIdx {
				continue
			}
			if bases[i] > bonused {
				bonused = bases[i]
				bestIdx = i
			}
		}
		if bases[bestBaseIdx]-bases[incumbentIdx] > hybridSwitchThreshold {
			bestIdx = bestBaseIdx
		}
	}

	picked := elig[bestIdx]
	s.mu.Lock()
	s.sticky[family] = picked.Key
	s.mu.Unlock()
	return Selection{Account: &picked}
}

func (s *hybridStrategy) OnSwitch(from, to string) {}

// SeedActive primes family's incumbent from the store's persisted
// active_index_by_family the first time this family is seen, the same
// way stickyStrategy does.
func (s *hybridStrategy) SeedActive(family, key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, seeded := s.sticky[family]; !seeded {
		s.sticky[family] = key
	}
}
