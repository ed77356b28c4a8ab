// Command proxy runs the account-pool reverse proxy server.
//
// Grounded on the teacher's cmd/server/main.go: flag parsing with env-var
// fallbacks, a startup banner through the shared logger, and graceful
// shutdown on SIGINT/SIGTERM.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/relaycodex/codex-proxy/internal/account"
	"github.com/relaycodex/codex-proxy/internal/config"
	"github.com/relaycodex/codex-proxy/internal/oauth"
	"github.com/relaycodex/codex-proxy/internal/orchestrator"
	"github.com/relaycodex/codex-proxy/internal/quota"
	"github.com/relaycodex/codex-proxy/internal/refresh"
	"github.com/relaycodex/codex-proxy/internal/server"
	"github.com/relaycodex/codex-proxy/internal/store"
	"github.com/relaycodex/codex-proxy/internal/utils"
)

func main() {
	debug := flag.Bool("debug", false, "enable debug logging")
	quiet := flag.Bool("quiet", false, "suppress per-request logging")
	strategy := flag.String("strategy", "", "account selection strategy: sticky, round-robin, hybrid")
	listen := flag.String("listen", "", "address to listen on, e.g. 0.0.0.0:8787")
	upstream := flag.String("upstream", "https://api.openai.com", "upstream vendor base URL")
	flag.Parse()

	utils.SetDebug(*debug || os.Getenv("DEBUG") != "")

	cfg := config.DefaultConfig()
	if err := cfg.Load(); err != nil {
		utils.Warn("proxy: failed to load config, using defaults: %v", err)
	}
	if *quiet {
		cfg.QuietMode = true
	}
	if *strategy != "" {
		cfg.AccountSelectionStrategy = config.AccountSelectionStrategy(*strategy)
	}
	if *listen != "" {
		cfg.ListenAddr = *listen
	}

	s, err := store.Open(config.AppName)
	if err != nil {
		utils.Error("proxy: failed to open account store: %v", err)
		os.Exit(1)
	}

	mgr := account.NewManager(s, cfg)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := mgr.Load(ctx); err != nil {
		utils.Error("proxy: failed to load accounts: %v", err)
		os.Exit(1)
	}
	utils.Header("codex-proxy")
	utils.Info("loaded %d account(s), strategy=%s", mgr.Count(), mgr.StrategyName())

	oauthClient := oauth.NewClient(oauth.Endpoints{
		AuthorizeURL: "https://auth.openai.com/oauth/authorize",
		TokenURL:     "https://auth.openai.com/oauth/token",
	})
	sink := quota.NewSink()
	orch := orchestrator.New(mgr, oauthClient, cfg, sink)

	// The HTTP server and the proactive refresh walker share one
	// cancellation scope: if either returns an unexpected error the other
	// is torn down with it, rather than leaving a half-running process.
	group, groupCtx := errgroup.WithContext(ctx)

	if cfg.ProactiveTokenRefresh {
		scheduler := refresh.NewScheduler(managerLister{mgr}, managerRefresher{mgr, orch}, cfg.TokenRefreshSkewMs, time.Second)
		group.Go(func() error {
			scheduler.Run(groupCtx)
			return nil
		})
	}

	engine := server.New(mgr, orch, cfg, *upstream)
	httpServer := &http.Server{Addr: cfg.ListenAddr, Handler: engine}

	group.Go(func() error {
		utils.Success("listening on %s", cfg.ListenAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	utils.Info("shutting down...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = httpServer.Shutdown(shutdownCtx)
	_ = mgr.SaveSnapshot(shutdownCtx)
	cancel()

	if err := group.Wait(); err != nil {
		utils.Error("proxy: %v", err)
	}
}

// managerLister adapts account.Manager to refresh.Lister.
type managerLister struct{ mgr *account.Manager }

func (l managerLister) Accounts() []refresh.Account {
	all := l.mgr.All()
	out := make([]refresh.Account, len(all))
	for i, a := range all {
		out[i] = refresh.Account{
			Index:     a.Index,
			Key:       a.Key,
			Disabled:  a.Record.Disabled,
			ExpiresAt: a.Record.ExpiresAt,
		}
	}
	return out
}

// managerRefresher adapts the orchestrator's OAuth client to
// refresh.Refresher.
type managerRefresher struct {
	mgr  *account.Manager
	orch *orchestrator.Orchestrator
}

func (r managerRefresher) RefreshAccount(ctx context.Context, index int) error {
	all := r.mgr.All()
	if index < 0 || index >= len(all) {
		return nil
	}
	acc := all[index]
	tok, err := r.orch.OAuth.RefreshAccessToken(ctx, acc.Record.RefreshToken)
	if err != nil {
		return err
	}
	return r.mgr.UpdateCredentials(ctx, index, tok.AccessToken, tok.RefreshToken, tok.ExpiresAt)
}
