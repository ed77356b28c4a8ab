package server

import (
	"github.com/gin-gonic/gin"
	"github.com/relaycodex/codex-proxy/internal/account"
	"github.com/relaycodex/codex-proxy/internal/config"
	"github.com/relaycodex/codex-proxy/internal/orchestrator"
	"github.com/relaycodex/codex-proxy/internal/server/handlers"
)

// New builds the gin engine serving the host-facing tools and the
// upstream passthrough, wired to manager/orch/cfg.
func New(manager *account.Manager, orch *orchestrator.Orchestrator, cfg *config.Config, upstreamBase string) *gin.Engine {
	if cfg.QuietMode {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(CORSMiddleware())
	r.Use(RequestIDMiddleware())
	r.Use(RequestLogMiddleware(cfg.QuietMode))

	health := handlers.NewHealthHandler(manager)
	accounts := handlers.NewAccountsHandler(manager)
	execute := handlers.NewExecuteHandler(orch, upstreamBase)

	r.GET("/health", health.Health)

	acctGroup := r.Group("/accounts")
	{
		acctGroup.GET("", accounts.List)
		acctGroup.POST("/reload", accounts.Reload)
		acctGroup.POST("/:index/toggle", accounts.Toggle)
	}

	r.Any("/v1/*path", execute.Execute)

	return r
}
