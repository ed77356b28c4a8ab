// Package refresh implements the proactive token refresh scheduler: a
// background walker that keeps access tokens ahead of their expiry so a
// live request rarely has to block on a synchronous refresh.
//
// Grounded on the teacher's internal/auth/token_extractor.go caching
// pattern, restructured here as a single-consumer periodic walker rather
// than a per-request cache-miss refresh, per the specification's
// proactive-refresh design.
package refresh

import (
	"context"
	"time"

	"github.com/relaycodex/codex-proxy/internal/utils"
)

// Account is the minimal view the scheduler needs of one pool entry.
type Account struct {
	Index     int
	Key       string
	Disabled  bool
	ExpiresAt int64 // unix ms, 0 = unknown
}

// Refresher performs the actual refresh for one account, returning an
// error if it couldn't be completed. Implemented in cmd/proxy by an
// adapter that refreshes through the OAuth client and stores the result
// via the account manager.
type Refresher interface {
	RefreshAccount(ctx context.Context, index int) error
}

// Lister supplies the current account list on each tick.
type Lister interface {
	Accounts() []Account
}

// Scheduler walks the account pool roughly once a second, refreshing any
// account whose access token will expire within BufferMs, one at a time
// (bounded parallelism of 1, matching the specification's single-consumer
// FIFO design so a burst of near-simultaneous expiries doesn't fan out
// into a refresh stampede).
type Scheduler struct {
	lister    Lister
	refresher Refresher
	bufferMs  int64
	interval  time.Duration

	stop chan struct{}
	done chan struct{}
}

// NewScheduler returns a scheduler that refreshes accounts expiring
// within bufferMs, ticking at interval (defaulting to 1 second if <= 0).
func NewScheduler(lister Lister, refresher Refresher, bufferMs int64, interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = time.Second
	}
	return &Scheduler{
		lister:    lister,
		refresher: refresher,
		bufferMs:  bufferMs,
		interval:  interval,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Run blocks, walking the pool on every tick until ctx is canceled or Stop
// is called. An in-flight refresh is always allowed to finish before
// Run returns.
func (s *Scheduler) Run(ctx context.Context) {
	defer close(s.done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// Stop signals Run to exit after any in-flight refresh completes, and
// blocks until it does.
func (s *Scheduler) Stop() {
	close(s.stop)
	<-s.done
}

func (s *Scheduler) tick(ctx context.Context) {
	now := time.Now().UnixMilli()
	for _, a := range s.lister.Accounts() {
		if a.Disabled {
			continue
		}
		if a.ExpiresAt == 0 {
			continue // identity/token not yet known well enough to schedule
		}
		if a.ExpiresAt-now > s.bufferMs {
			continue // not close enough to expiry yet
		}
		if err := s.refresher.RefreshAccount(ctx, a.Index); err != nil {
			utils.Warn("refresh: proactive refresh failed for account %d: %v", a.Index, err)
		} else {
			utils.Debug("refresh: proactively refreshed account %d", a.Index)
		}
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		default:
		}
	}
}
