// Command codex-accounts manages the account pool backing the proxy:
// adding accounts via the OAuth flow, listing, verifying, and removing
// them.
//
// Grounded on the teacher's cmd/accounts/main.go command dispatch shape
// (add/list/clear/verify/remove/help), rebuilt against the file-backed
// store instead of Redis.
package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/relaycodex/codex-proxy/internal/config"
	"github.com/relaycodex/codex-proxy/internal/identity"
	"github.com/relaycodex/codex-proxy/internal/oauth"
	"github.com/relaycodex/codex-proxy/internal/store"
)

func main() {
	if len(os.Args) < 2 {
		printHelp()
		os.Exit(1)
	}

	ctx := context.Background()
	s, err := store.Open(config.AppName)
	if err != nil {
		fatalf("failed to open account store: %v", err)
	}

	switch os.Args[1] {
	case "add":
		cmdAdd(ctx, s)
	case "list":
		cmdList(ctx, s)
	case "verify":
		cmdVerify(ctx, s)
	case "remove":
		cmdRemove(ctx, s)
	case "clear":
		cmdClear(ctx, s)
	case "help", "-h", "--help":
		printHelp()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		printHelp()
		os.Exit(1)
	}
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "codex-accounts: "+format+"\n", args...)
	os.Exit(1)
}

func printHelp() {
	fmt.Println(`codex-accounts — manage the codex-proxy account pool

Usage:
  codex-accounts add              Start the OAuth flow to add a new account
  codex-accounts list              List all accounts and their status
  codex-accounts verify             Check that every account's token is usable
  codex-accounts remove <index>     Remove the account at the given index
  codex-accounts clear             Remove every account
  codex-accounts help              Show this help`)
}

func cmdAdd(ctx context.Context, s *store.Store) {
	cfg := config.DefaultConfig()
	ep := oauth.Endpoints{
		AuthorizeURL: "https://auth.openai.com/oauth/authorize",
		TokenURL:     "https://auth.openai.com/oauth/token",
		ClientID:     "codex-cli",
		RedirectURI:  "http://localhost:1455/callback",
	}
	flow, err := oauth.CreateAuthorizationFlow(ep)
	if err != nil {
		fatalf("failed to start authorization flow: %v", err)
	}
	fmt.Printf("Open this URL to authorize a new account:\n\n  %s\n\n", flow.URL)
	fmt.Print("Paste the authorization code: ")

	var code string
	if _, err := fmt.Scanln(&code); err != nil {
		fatalf("failed to read authorization code: %v", err)
	}

	client := oauth.NewClient(ep)
	tok, err := client.ExchangeAuthorizationCode(ctx, code, flow.Verifier)
	if err != nil {
		fatalf("failed to exchange authorization code: %v", err)
	}

	claims := identity.DecodeJWT(tok.AccessToken)
	id := identity.Identity{
		AccountID: identity.ExtractAccountID(claims, cfg.AuthClaimNamespace),
		Email:     identity.ExtractAccountEmail(claims, cfg.AuthClaimNamespace),
		Plan:      identity.ExtractAccountPlan(claims, cfg.AuthClaimNamespace),
	}

	rec := store.AccountRecord{
		AccountID:    id.AccountID,
		Email:        id.Email,
		Plan:         id.Plan,
		RefreshToken: tok.RefreshToken,
		AccessToken:  tok.AccessToken,
		ExpiresAt:    tok.ExpiresAt,
		AddedAt:      time.Now().UnixMilli(),
		LastUsed:     0,
		HealthScore:  70,
	}
	idx, err := s.UpsertAccount(ctx, rec)
	if err != nil {
		fatalf("failed to save account: %v", err)
	}
	fmt.Printf("Added account at index %d (%s)\n", idx, displayIdentity(id))
}

func displayIdentity(id identity.Identity) string {
	if id.Hydrated() {
		return fmt.Sprintf("%s, %s", id.Email, id.Plan)
	}
	return "identity not yet resolved"
}

func cmdList(ctx context.Context, s *store.Store) {
	sf, err := s.Load(ctx)
	if err != nil {
		fatalf("failed to load accounts: %v", err)
	}
	if len(sf.Accounts) == 0 {
		fmt.Println("no accounts configured")
		return
	}
	for i, a := range sf.Accounts {
		status := "active"
		if a.Disabled {
			status = "disabled"
		}
		if a.Quarantined {
			status = "quarantined: " + a.QuarantineReason
		}
		fmt.Printf("[%d] %-30s %-8s %s\n", i, orUnknown(a.Email), orUnknown(a.Plan), status)
	}
}

func orUnknown(s string) string {
	if s == "" {
		return "(unknown)"
	}
	return s
}

func cmdVerify(ctx context.Context, s *store.Store) {
	insp, err := s.Inspect(ctx)
	if err != nil {
		fatalf("failed to inspect store: %v", err)
	}
	fmt.Printf("store: %s\n", insp.Path)
	fmt.Printf("total accounts:       %d\n", insp.TotalAccounts)
	fmt.Printf("hydrated identities:  %d\n", insp.HydratedCount)
	fmt.Printf("disabled accounts:    %d\n", insp.DisabledCount)
	fmt.Printf("quarantined accounts: %d\n", insp.QuarantinedCount)

	ep := oauth.Endpoints{TokenURL: "https://auth.openai.com/oauth/token", ClientID: "codex-cli"}
	client := oauth.NewClient(ep)

	sf, err := s.Load(ctx)
	if err != nil {
		fatalf("failed to load accounts: %v", err)
	}
	for i, a := range sf.Accounts {
		if a.Disabled || a.Quarantined || a.RefreshToken == "" {
			continue
		}
		_, err := client.RefreshAccessToken(ctx, a.RefreshToken)
		if err != nil {
			fmt.Printf("[%d] %s: token refresh failed: %v\n", i, orUnknown(a.Email), err)
			continue
		}
		fmt.Printf("[%d] %s: ok\n", i, orUnknown(a.Email))
	}
}

func cmdRemove(ctx context.Context, s *store.Store) {
	if len(os.Args) < 3 {
		fatalf("usage: codex-accounts remove <index>")
	}
	idx, err := strconv.Atoi(os.Args[2])
	if err != nil {
		fatalf("invalid index: %s", os.Args[2])
	}
	if err := s.RemoveAccount(ctx, idx); err != nil {
		fatalf("failed to remove account: %v", err)
	}
	fmt.Printf("removed account at index %d\n", idx)
}

func cmdClear(ctx context.Context, s *store.Store) {
	sf, err := s.Load(ctx)
	if err != nil {
		fatalf("failed to load accounts: %v", err)
	}
	for i := len(sf.Accounts) - 1; i >= 0; i-- {
		if err := s.RemoveAccount(ctx, i); err != nil {
			fatalf("failed to clear accounts: %v", err)
		}
	}
	fmt.Println("all accounts removed")
}
