package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/relaycodex/codex-proxy/internal/account"
)

// AccountsHandler exposes the account-management tools a host integration
// uses to list, enable/disable, or reload accounts without restarting the
// proxy. Removing an account is not offered over HTTP.
type AccountsHandler struct {
	manager *account.Manager
}

// NewAccountsHandler returns a handler bound to manager.
func NewAccountsHandler(manager *account.Manager) *AccountsHandler {
	return &AccountsHandler{manager: manager}
}

// List handles GET /accounts.
func (h *AccountsHandler) List(c *gin.Context) {
	all := h.manager.All()
	out := make([]gin.H, 0, len(all))
	for _, a := range all {
		out = append(out, gin.H{
			"index":       a.Index,
			"email":       a.Record.Email,
			"plan":        a.Record.Plan,
			"hydrated":    a.Hydrated(),
			"disabled":    a.Record.Disabled,
			"quarantined": a.Record.Quarantined,
		})
	}
	c.JSON(http.StatusOK, gin.H{"accounts": out})
}

func parseIndex(c *gin.Context) (int, bool) {
	idx, err := strconv.Atoi(c.Param("index"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid account index"})
		return 0, false
	}
	return idx, true
}

// Toggle handles POST /accounts/:index/toggle?disabled=true|false.
func (h *AccountsHandler) Toggle(c *gin.Context) {
	idx, ok := parseIndex(c)
	if !ok {
		return
	}
	disabled := c.Query("disabled") == "true"
	if err := h.manager.Disable(c.Request.Context(), idx, disabled); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"index": idx, "disabled": disabled})
}

// Reload handles POST /accounts/reload: re-reads the store from disk,
// picking up accounts added by the CLI without a server restart.
func (h *AccountsHandler) Reload(c *gin.Context) {
	if err := h.manager.Load(c.Request.Context()); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"accounts": h.manager.Count()})
}
