// Package handlers implements the host-facing tool endpoints: pool
// health/status, account list/toggle/reload, and the upstream passthrough.
// Removing an account is not offered here.
//
// Grounded on the teacher's internal/server/handlers/health.go and
// accounts.go, rebuilt against internal/account.Manager instead of the
// teacher's Redis-backed manager.
package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/relaycodex/codex-proxy/internal/account"
)

// HealthHandler reports the account pool's aggregate state.
type HealthHandler struct {
	manager *account.Manager
}

// NewHealthHandler returns a handler bound to manager.
func NewHealthHandler(manager *account.Manager) *HealthHandler {
	return &HealthHandler{manager: manager}
}

type accountSummary struct {
	Index        int     `json:"index"`
	AccountID    string  `json:"account_id,omitempty"`
	Email        string  `json:"email,omitempty"`
	Plan         string  `json:"plan,omitempty"`
	Hydrated     bool    `json:"hydrated"`
	Disabled     bool    `json:"disabled"`
	Quarantined  bool    `json:"quarantined"`
	HealthScore  float64 `json:"health_score"`
	TokenRatio   float64 `json:"token_ratio"`
	LastUsed     string  `json:"last_used,omitempty"`
	CoolingDown  bool    `json:"cooling_down"`
}

// Health handles GET /health: overall pool status plus a per-account
// summary, used by the host to decide whether to surface a warning.
func (h *HealthHandler) Health(c *gin.Context) {
	all := h.manager.All()
	health := h.manager.HealthTracker()
	tokens := h.manager.TokenBucketTracker()
	now := time.Now()

	summaries := make([]accountSummary, 0, len(all))
	usableCount := 0
	for _, a := range all {
		s := accountSummary{
			Index:       a.Index,
			AccountID:   a.Record.AccountID,
			Email:       a.Record.Email,
			Plan:        a.Record.Plan,
			Hydrated:    a.Hydrated(),
			Disabled:    a.Record.Disabled,
			Quarantined: a.Record.Quarantined,
			HealthScore: health.Score(a.Key),
			TokenRatio:  tokens.Ratio(a.Key),
			CoolingDown: a.CoolingDown(now),
		}
		if a.Record.LastUsed > 0 {
			s.LastUsed = time.UnixMilli(a.Record.LastUsed).Format(time.RFC3339)
		}
		if a.Usable() && health.IsUsable(a.Key) {
			usableCount++
		}
		summaries = append(summaries, s)
	}

	status := "ok"
	if len(all) == 0 {
		status = "no_accounts"
	} else if usableCount == 0 {
		status = "degraded"
	}

	c.JSON(http.StatusOK, gin.H{
		"status":        status,
		"strategy":      h.manager.StrategyName(),
		"total_accounts": len(all),
		"usable_accounts": usableCount,
		"accounts":      summaries,
	})
}
