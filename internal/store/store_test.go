package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	os.Setenv("XDG_CONFIG_HOME", dir)
	t.Cleanup(func() { os.Unsetenv("XDG_CONFIG_HOME") })
	s, err := Open("codex-proxy-test")
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	return s
}

func TestUpsertAccountRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	idx, err := s.UpsertAccount(ctx, AccountRecord{
		AccountID: "a1", Email: "a@example.com", Plan: "Plus", RefreshToken: "tok1",
	})
	if err != nil {
		t.Fatalf("UpsertAccount failed: %v", err)
	}
	if idx != 0 {
		t.Fatalf("expected index 0, got %d", idx)
	}

	sf, err := s.Load(ctx)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(sf.Accounts) != 1 || sf.Accounts[0].Email != "a@example.com" {
		t.Fatalf("unexpected accounts after round trip: %+v", sf.Accounts)
	}
}

func TestUpsertAccountMergesSecondCallWithSameIdentity(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	s.UpsertAccount(ctx, AccountRecord{AccountID: "a1", Email: "a@example.com", Plan: "Plus", RefreshToken: "tok1", LastUsed: 10})
	idx, err := s.UpsertAccount(ctx, AccountRecord{AccountID: "a1", Email: "a@example.com", Plan: "Plus", RefreshToken: "tok1-new", LastUsed: 20})
	if err != nil {
		t.Fatalf("second UpsertAccount failed: %v", err)
	}
	if idx != 0 {
		t.Fatalf("expected merge into index 0, got %d", idx)
	}

	sf, _ := s.Load(ctx)
	if len(sf.Accounts) != 1 {
		t.Fatalf("expected one merged account, got %d", len(sf.Accounts))
	}
	if sf.Accounts[0].RefreshToken != "tok1-new" {
		t.Errorf("expected newer refresh token, got %q", sf.Accounts[0].RefreshToken)
	}
}

func TestQuarantineClearsActiveIndex(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	s.UpsertAccount(ctx, AccountRecord{AccountID: "a1", Email: "a@example.com", Plan: "Plus", RefreshToken: "tok1"})
	s.Mutate(ctx, func(sf *StoreFile) error { sf.ActiveIndex = 0; return nil })

	if err := s.Quarantine(ctx, 0, "repeated failures"); err != nil {
		t.Fatalf("Quarantine failed: %v", err)
	}
	sf, _ := s.Load(ctx)
	if !sf.Accounts[0].Quarantined {
		t.Error("expected account to be marked quarantined")
	}
	if sf.ActiveIndex != -1 {
		t.Errorf("expected active index cleared, got %d", sf.ActiveIndex)
	}
}

func TestCorruptFileIsQuarantinedAndStartsFresh(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	if err := os.WriteFile(s.Path(), []byte("{not valid json"), 0o600); err != nil {
		t.Fatalf("failed to write corrupt file: %v", err)
	}

	sf, err := s.Load(ctx)
	if err != nil {
		t.Fatalf("Load should recover from corrupt file, got error: %v", err)
	}
	if len(sf.Accounts) != 0 {
		t.Errorf("expected fresh empty store, got %d accounts", len(sf.Accounts))
	}

	matches, _ := filepath.Glob(s.Path() + ".corrupt.*")
	if len(matches) == 0 {
		t.Error("expected corrupt file to be quarantined aside")
	}
}

func TestPruneExpiredRateLimitsOnRead(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	idx, _ := s.UpsertAccount(ctx, AccountRecord{AccountID: "a1", Email: "a@example.com", Plan: "Plus", RefreshToken: "tok1"})
	s.Mutate(ctx, func(sf *StoreFile) error {
		sf.Accounts[idx].RateLimitResetTimes = map[string]int64{"fam|model": 1} // far in the past
		return nil
	})

	sf, _ := s.Load(ctx)
	if len(sf.Accounts[idx].RateLimitResetTimes) != 0 {
		t.Errorf("expected expired rate limit entries pruned on read, got %v", sf.Accounts[idx].RateLimitResetTimes)
	}
}
