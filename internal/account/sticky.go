package account

import (
	"sync"
	"time"

	"github.com/relaycodex/codex-proxy/internal/account/trackers"
	"github.com/relaycodex/codex-proxy/internal/config"
)

// stickyStrategy keeps using the same account per family for as long as
// it stays eligible (cache-affinity: provider-side prompt caches key off
// the account making the call), falling back to the least-recently-used
// eligible account when the sticky pick drops out.
type stickyStrategy struct {
	mu     sync.Mutex
	sticky map[string]string // family -> account key

	health *trackers.HealthTracker
	tb     *trackers.TokenBucketTracker
}

func newStickyStrategy(health *trackers.HealthTracker, tb *trackers.TokenBucketTracker) *stickyStrategy {
	return &stickyStrategy{sticky: make(map[string]string), health: health, tb: tb}
}

func (s *stickyStrategy) Name() config.AccountSelectionStrategy { return config.StrategySticky }

func (s *stickyStrategy) Select(candidates []ManagedAccount, family, model string, now time.Time) Selection {
	elig := eligible(candidates, family, model, now, s.tb, s.health)
	if len(elig) == 0 {
		return Selection{MinWaitMs: minWaitAmong(candidates, family, model, now, s.tb)}
	}

	s.mu.Lock()
	stickyKey := s.sticky[family]
	s.mu.Unlock()

	if stickyKey != "" {
		for i := range elig {
			if elig[i].Key == stickyKey {
				return Selection{Account: &elig[i]}
			}
		}
	}

	// Sticky pick is gone or unset: fall back to least-recently-used.
	best := &elig[0]
	for i := 1; i < len(elig); i++ {
		if elig[i].Record.LastUsed < best.Record.LastUsed {
			best = &elig[i]
		}
	}
	s.mu.Lock()
	s.sticky[family] = best.Key
	s.mu.Unlock()
	return Selection{Account: best}
}

func (s *stickyStrategy) OnSwitch(from, to string) {}

// SeedActive primes family's sticky pick from the store's persisted
// active_index_by_family the first time this family is seen, so a fresh
// process honors the account that was active before it started instead
// of immediately falling through to least-recently-used.
func (s *stickyStrategy) SeedActive(family, key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, seeded := s.sticky[family]; !seeded {
		s.sticky[family] = key
	}
}
