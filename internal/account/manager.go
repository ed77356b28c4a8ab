package account

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/relaycodex/codex-proxy/internal/account/trackers"
	"github.com/relaycodex/codex-proxy/internal/config"
	"github.com/relaycodex/codex-proxy/internal/identity"
	"github.com/relaycodex/codex-proxy/internal/oauth"
	"github.com/relaycodex/codex-proxy/internal/ratelimit"
	"github.com/relaycodex/codex-proxy/internal/store"
	"github.com/relaycodex/codex-proxy/internal/utils"
)

// legacyRepairCooldown bounds how often RepairLegacy actually does work:
// repeated Fetch calls within this window skip straight through the
// repair gate instead of re-refreshing the same stuck accounts.
const legacyRepairCooldown = 60 * time.Second

// Manager owns the live account pool: a cached copy of the store plus the
// health/token-bucket/rate-limit trackers that score it, and the
// selection strategy the proxy is currently configured to use.
//
// Grounded on the teacher's go-backend/internal/account/manager.go, with
// Redis persistence swapped for internal/store and the single
// email-keyed strategy swapped for the generic account_key scheme.
type Manager struct {
	mu                  sync.RWMutex
	store               *store.Store
	accounts            []ManagedAccount
	activeIndexByFamily map[string]int

	health   *trackers.HealthTracker
	tokens   *trackers.TokenBucketTracker
	limiter  *ratelimit.Tracker
	strategy Strategy
	cfg      *config.Config

	refreshGroup     singleflight.Group
	lastLegacyRepair time.Time
}

// NewManager constructs a Manager backed by s, wiring trackers from cfg's
// current values and seeding them from whatever the store already has
// persisted.
func NewManager(s *store.Store, cfg *config.Config) *Manager {
	health := trackers.NewHealthTracker(trackers.DefaultHealthConfig())
	tb := trackers.NewTokenBucketTracker(trackers.DefaultTokenBucketConfig())
	limiter := ratelimit.NewTracker(ratelimit.Config{
		DedupWindowMs:  cfg.RateLimitDedupWindowMs,
		ResetWindowMs:  cfg.RateLimitStateResetMs,
		DefaultDelayMs: cfg.DefaultRetryAfterMs,
		MaxBackoffMs:   cfg.MaxBackoffMs,
		JitterMaxMs:    cfg.RequestJitterMaxMs,
	})
	m := &Manager{
		store:   s,
		health:  health,
		tokens:  tb,
		limiter: limiter,
		cfg:     cfg,
	}
	m.strategy = NewStrategy(cfg.AccountSelectionStrategy, health, tb, cfg.PIDOffsetEnabled)
	return m
}

// Load reads the store and rebuilds the in-memory account list and
// trackers from it. Call at startup and whenever an external `add`/`clear`
// CLI mutation needs to be picked up by a running server.
func (m *Manager) Load(ctx context.Context) error {
	sf, err := m.store.Load(ctx)
	if err != nil {
		return err
	}
	managed := buildManagedAccounts(sf.Accounts)
	for _, a := range managed {
		m.health.Seed(a.Key, a.Record.HealthScore)
		if a.Record.TokenBucketAt > 0 {
			m.tokens.Seed(a.Key, a.Record.TokenBucketSize, time.UnixMilli(a.Record.TokenBucketAt))
		}
	}
	m.mu.Lock()
	m.accounts = managed
	m.activeIndexByFamily = sf.ActiveIndexByFamily
	m.mu.Unlock()
	return nil
}

// HasLegacyAccounts reports whether any enabled, non-quarantined account
// is still missing an identity — i.e. a candidate for RepairLegacy.
func (m *Manager) HasLegacyAccounts() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, a := range m.accounts {
		if !a.Record.Disabled && !a.Record.Quarantined && !a.Hydrated() {
			return true
		}
	}
	return false
}

// HydratedCount returns how many enabled, non-quarantined accounts have a
// resolved identity and are therefore real candidates for selection.
func (m *Manager) HydratedCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, a := range m.accounts {
		if !a.Record.Disabled && !a.Record.Quarantined && a.Hydrated() {
			n++
		}
	}
	return n
}

// RepairLegacy refreshes every enabled, un-hydrated account's token and
// derives its identity from the refreshed token's claims: a refresh that
// yields a full identity triple (matching any account_id already on
// record) updates the account in place; anything else quarantines it so
// it stops being retried forever. Repeated calls within
// legacyRepairCooldown are no-ops.
func (m *Manager) RepairLegacy(ctx context.Context, oc *oauth.Client, claimNamespace string) (repaired, quarantined []int) {
	m.mu.Lock()
	if time.Since(m.lastLegacyRepair) < legacyRepairCooldown {
		m.mu.Unlock()
		return nil, nil
	}
	m.lastLegacyRepair = time.Now()
	candidates := make([]ManagedAccount, len(m.accounts))
	copy(candidates, m.accounts)
	m.mu.Unlock()

	for _, a := range candidates {
		if a.Record.Disabled || a.Record.Quarantined || a.Hydrated() {
			continue
		}
		tok, err := oc.RefreshAccessToken(ctx, a.Record.RefreshToken)
		if err != nil {
			m.quarantineLegacy(ctx, a.Index, fmt.Sprintf("legacy repair: refresh failed: %v", err))
			quarantined = append(quarantined, a.Index)
			continue
		}
		claims := identity.DecodeJWT(tok.AccessToken)
		id := identity.Identity{
			AccountID: identity.ExtractAccountID(claims, claimNamespace),
			Email:     identity.ExtractAccountEmail(claims, claimNamespace),
			Plan:      identity.ExtractAccountPlan(claims, claimNamespace),
		}
		if !id.Hydrated() || (a.Record.AccountID != "" && a.Record.AccountID != id.AccountID) {
			m.quarantineLegacy(ctx, a.Index, "legacy repair: identity unresolved")
			quarantined = append(quarantined, a.Index)
			continue
		}
		err = m.store.Mutate(ctx, func(sf *store.StoreFile) error {
			if a.Index < 0 || a.Index >= len(sf.Accounts) {
				return nil
			}
			sf.Accounts[a.Index].AccountID = id.AccountID
			sf.Accounts[a.Index].Email = id.Email
			sf.Accounts[a.Index].Plan = id.Plan
			sf.Accounts[a.Index].AccessToken = tok.AccessToken
			if tok.RefreshToken != "" {
				sf.Accounts[a.Index].RefreshToken = tok.RefreshToken
			}
			sf.Accounts[a.Index].ExpiresAt = tok.ExpiresAt
			return nil
		})
		if err != nil {
			utils.Warn("account: legacy repair failed to persist index %d: %v", a.Index, err)
			continue
		}
		repaired = append(repaired, a.Index)
	}

	if len(repaired) > 0 || len(quarantined) > 0 {
		if err := m.Load(ctx); err != nil {
			utils.Warn("account: failed to reload after legacy repair: %v", err)
		}
	}
	return repaired, quarantined
}

func (m *Manager) quarantineLegacy(ctx context.Context, index int, reason string) {
	if err := m.store.Quarantine(ctx, index, reason); err != nil {
		utils.Warn("account: failed to quarantine legacy record %d: %v", index, err)
		return
	}
	m.mu.Lock()
	if index >= 0 && index < len(m.accounts) {
		m.accounts[index].Record.Quarantined = true
		m.accounts[index].Record.QuarantineReason = reason
	}
	m.mu.Unlock()
}

// Count returns how many accounts are currently loaded.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.accounts)
}

// All returns a snapshot of the loaded accounts.
func (m *Manager) All() []ManagedAccount {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]ManagedAccount, len(m.accounts))
	copy(out, m.accounts)
	return out
}

// Select asks the configured strategy to pick an account for family/model,
// first seeding the strategy's notion of the incumbent from the store's
// persisted active_index_by_family so a restarted process honors whatever
// account was active before it started, and persisting the pick back to
// active_index_by_family when it differs from what's on record.
func (m *Manager) Select(ctx context.Context, family, model string) Selection {
	m.mu.RLock()
	candidates := make([]ManagedAccount, len(m.accounts))
	copy(candidates, m.accounts)
	strategy := m.strategy
	activeIdx, hadActive := m.activeIndexByFamily[family]
	if hadActive && activeIdx >= 0 && activeIdx < len(m.accounts) {
		strategy.SeedActive(family, m.accounts[activeIdx].Key)
	}
	m.mu.RUnlock()

	sel := strategy.Select(candidates, family, model, time.Now())
	if sel.Account != nil {
		m.recordActiveSwitch(ctx, family, *sel.Account, hadActive, activeIdx)
	}
	return sel
}

// recordActiveSwitch persists picked as the active account for family when
// it differs from the previously active index, inferring a switch reason:
// "initial" the first time family gets an active pick, "rate-limit" when
// the outgoing account is the reason (it's currently rate-limited for this
// family), otherwise "rotation".
func (m *Manager) recordActiveSwitch(ctx context.Context, family string, picked ManagedAccount, hadActive bool, previousIdx int) {
	m.mu.RLock()
	currentIdx, stillActive := m.activeIndexByFamily[family]
	m.mu.RUnlock()
	if stillActive && currentIdx == picked.Index {
		return
	}

	reason := "rotation"
	switch {
	case !hadActive:
		reason = "initial"
	case previousIdx >= 0:
		m.mu.RLock()
		prevRateLimited := previousIdx < len(m.accounts) && m.accounts[previousIdx].RateLimited(time.Now(), family, "")
		m.mu.RUnlock()
		if prevRateLimited {
			reason = "rate-limit"
		}
	}

	if err := m.MarkSwitched(ctx, family, picked, reason); err != nil {
		utils.Warn("account: failed to persist switch for family %s: %v", family, err)
	}
}

// MarkSwitched records that account is now the active pick for family,
// persisting active_index/active_index_by_family and the account's
// last_switch_reason, and notifies the strategy so its own bookkeeping
// (e.g. OnSwitch-driven cache invalidation) stays in step.
func (m *Manager) MarkSwitched(ctx context.Context, family string, acc ManagedAccount, reason string) error {
	m.mu.RLock()
	strategy := m.strategy
	var previousKey string
	if idx, ok := m.activeIndexByFamily[family]; ok && idx >= 0 && idx < len(m.accounts) {
		previousKey = m.accounts[idx].Key
	}
	m.mu.RUnlock()

	if err := m.store.MarkSwitched(ctx, family, acc.Index, reason); err != nil {
		return err
	}

	m.mu.Lock()
	if m.activeIndexByFamily == nil {
		m.activeIndexByFamily = map[string]int{}
	}
	m.activeIndexByFamily[family] = acc.Index
	if acc.Index >= 0 && acc.Index < len(m.accounts) {
		m.accounts[acc.Index].Record.LastSwitchReason = reason
	}
	m.mu.Unlock()

	strategy.OnSwitch(previousKey, acc.Key)
	return nil
}

// IsAllRateLimited reports whether every usable account is currently
// rate-limited, cooling down, or out of tokens for family/model — i.e.
// Select would return no Account.
func (m *Manager) IsAllRateLimited(ctx context.Context, family, model string) bool {
	sel := m.Select(ctx, family, model)
	return sel.Account == nil
}

// MinWaitMs returns the shortest time until some account becomes
// eligible again for family/model, or 0 if one already is.
func (m *Manager) MinWaitMs(ctx context.Context, family, model string) int64 {
	sel := m.Select(ctx, family, model)
	if sel.Account != nil {
		return 0
	}
	return sel.MinWaitMs
}

// NotifySuccess records a successful call against key and persists the
// account's activity timestamp.
func (m *Manager) NotifySuccess(ctx context.Context, key string, index int) {
	m.health.RecordSuccess(key)
	m.touch(ctx, index)
}

// NotifyRateLimit records a rate-limit signal for key on family/model and
// persists the resulting reset deadline on the account record. Returns
// the delay the caller should wait before considering this key again.
func (m *Manager) NotifyRateLimit(ctx context.Context, key string, index int, family, model string, serverDelayMs int64, hasServerDelay bool) int64 {
	m.health.RecordRateLimit(key)
	dedupKey := ratelimit.DedupKey(key, family, model)
	delay := m.limiter.RecordAndBackoff(dedupKey, serverDelayMs, hasServerDelay)

	deadline := time.Now().Add(time.Duration(delay) * time.Millisecond).UnixMilli()
	keys := rateLimitKeys(family, model)
	_ = m.store.Mutate(ctx, func(sf *store.StoreFile) error {
		if index < 0 || index >= len(sf.Accounts) {
			return nil
		}
		if sf.Accounts[index].RateLimitResetTimes == nil {
			sf.Accounts[index].RateLimitResetTimes = map[string]int64{}
		}
		for _, k := range keys {
			sf.Accounts[index].RateLimitResetTimes[k] = deadline
		}
		return nil
	})
	m.mu.Lock()
	if index >= 0 && index < len(m.accounts) {
		if m.accounts[index].Record.RateLimitResetTimes == nil {
			m.accounts[index].Record.RateLimitResetTimes = map[string]int64{}
		}
		for _, k := range keys {
			m.accounts[index].Record.RateLimitResetTimes[k] = deadline
		}
	}
	m.mu.Unlock()
	return delay
}

// NotifyFailure records a non-rate-limit error for key. authFailure
// additionally places the account into a 60-second cooldown, matching
// the specification's auth-failure handling.
func (m *Manager) NotifyFailure(ctx context.Context, key string, index int, authFailure bool) {
	m.health.RecordFailure(key)
	if !authFailure {
		return
	}
	deadline := time.Now().Add(60 * time.Second).UnixMilli()
	_ = m.store.Mutate(ctx, func(sf *store.StoreFile) error {
		if index < 0 || index >= len(sf.Accounts) {
			return nil
		}
		sf.Accounts[index].CoolingDownUntil = deadline
		return nil
	})
	m.mu.Lock()
	if index >= 0 && index < len(m.accounts) {
		m.accounts[index].Record.CoolingDownUntil = deadline
	}
	m.mu.Unlock()
}

// ConsumeToken attempts to take one token from key's bucket, used before
// dispatching a request so this proxy's own retry storms can't exhaust an
// account faster than its natural request rate would.
func (m *Manager) ConsumeToken(key string) bool {
	return m.tokens.Consume(key, 1)
}

// RefundToken returns a token to key's bucket, used when a consumed
// request never actually reached the vendor.
func (m *Manager) RefundToken(key string) {
	m.tokens.Refund(key, 1)
}

func (m *Manager) touch(ctx context.Context, index int) {
	now := time.Now().UnixMilli()
	_ = m.store.Mutate(ctx, func(sf *store.StoreFile) error {
		if index < 0 || index >= len(sf.Accounts) {
			return nil
		}
		sf.Accounts[index].LastUsed = now
		return nil
	})
	m.mu.Lock()
	if index >= 0 && index < len(m.accounts) {
		m.accounts[index].Record.LastUsed = now
	}
	m.mu.Unlock()
}

// UpdateCredentials persists a refreshed access/refresh token pair for
// the account at index and updates the in-memory copy.
func (m *Manager) UpdateCredentials(ctx context.Context, index int, accessToken, refreshToken string, expiresAt int64) error {
	return m.store.Mutate(ctx, func(sf *store.StoreFile) error {
		if index < 0 || index >= len(sf.Accounts) {
			return fmt.Errorf("account: index %d out of range", index)
		}
		sf.Accounts[index].AccessToken = accessToken
		if refreshToken != "" {
			sf.Accounts[index].RefreshToken = refreshToken
		}
		sf.Accounts[index].ExpiresAt = expiresAt
		m.mu.Lock()
		if index < len(m.accounts) {
			m.accounts[index].Record = sf.Accounts[index]
		}
		m.mu.Unlock()
		return nil
	})
}

// CoordinateRefresh ensures at most one token refresh is in flight per
// account key at a time: concurrent callers racing on the same stale
// account share the first caller's outcome, including its result value,
// instead of each firing their own request at the OAuth token endpoint.
func (m *Manager) CoordinateRefresh(key string, fn func() (interface{}, error)) (interface{}, error) {
	v, err, _ := m.refreshGroup.Do(key, fn)
	return v, err
}

// SaveSnapshot flushes the current in-memory health/token-bucket scores
// to disk so a restart doesn't reset every account's reputation.
func (m *Manager) SaveSnapshot(ctx context.Context) error {
	m.mu.RLock()
	accounts := make([]ManagedAccount, len(m.accounts))
	copy(accounts, m.accounts)
	m.mu.RUnlock()

	now := time.Now().UnixMilli()
	maxTokens := trackers.DefaultTokenBucketConfig().Max
	return m.store.Mutate(ctx, func(sf *store.StoreFile) error {
		for _, a := range accounts {
			if a.Index >= len(sf.Accounts) {
				continue
			}
			sf.Accounts[a.Index].HealthScore = m.health.Score(a.Key)
			sf.Accounts[a.Index].TokenBucketSize = m.tokens.Ratio(a.Key) * maxTokens
			sf.Accounts[a.Index].TokenBucketAt = now
		}
		return nil
	})
}

// HealthTracker exposes the shared health tracker for diagnostics.
func (m *Manager) HealthTracker() *trackers.HealthTracker { return m.health }

// TokenBucketTracker exposes the shared token-bucket tracker for diagnostics.
func (m *Manager) TokenBucketTracker() *trackers.TokenBucketTracker { return m.tokens }

// StrategyName reports which selection strategy is active.
func (m *Manager) StrategyName() config.AccountSelectionStrategy {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.strategy.Name()
}

// Disable toggles an account's Disabled flag in both the store and the
// in-memory cache.
func (m *Manager) Disable(ctx context.Context, index int, disabled bool) error {
	if err := m.store.ToggleEnabled(ctx, index, disabled); err != nil {
		return err
	}
	m.mu.Lock()
	if index >= 0 && index < len(m.accounts) {
		m.accounts[index].Record.Disabled = disabled
	}
	m.mu.Unlock()
	utils.Info("account: index %d disabled=%v", index, disabled)
	return nil
}
