package account

import (
	"testing"
	"time"

	"github.com/relaycodex/codex-proxy/internal/store"
)

func TestDeriveKeysPrefersHydratedIdentity(t *testing.T) {
	rec := store.AccountRecord{AccountID: "acc-1", Email: "User@Example.com", Plan: "plus", RefreshToken: "tok"}
	key, family := deriveKeys(rec, 0)
	if key == "" {
		t.Fatal("expected non-empty key")
	}
	if family != "acc-1|user@example.com" {
		t.Errorf("expected lowercased email in family, got %q", family)
	}
}

func TestDeriveKeysFallsBackWithoutIdentity(t *testing.T) {
	rec := store.AccountRecord{RefreshToken: "tok-only"}
	key, family := deriveKeys(rec, 3)
	if key == "" {
		t.Fatal("expected fallback key from refresh token hash")
	}
	if family != key {
		t.Errorf("expected family to fall back to key when identity is unknown, got %q vs %q", family, key)
	}
}

func TestManagedAccountUsableExcludesDisabledAndQuarantined(t *testing.T) {
	ok := ManagedAccount{Record: store.AccountRecord{AccountID: "a1", Email: "a@example.com", Plan: "Plus"}}
	if !ok.Usable() {
		t.Error("expected a plain account to be usable")
	}
	disabled := ManagedAccount{Record: store.AccountRecord{AccountID: "a1", Email: "a@example.com", Plan: "Plus", Disabled: true}}
	if disabled.Usable() {
		t.Error("expected disabled account to be unusable")
	}
	quarantined := ManagedAccount{Record: store.AccountRecord{AccountID: "a1", Email: "a@example.com", Plan: "Plus", Quarantined: true}}
	if quarantined.Usable() {
		t.Error("expected quarantined account to be unusable")
	}
}

func TestManagedAccountRateLimitedRespectsDeadline(t *testing.T) {
	now := time.Now()
	a := ManagedAccount{Record: store.AccountRecord{
		RateLimitResetTimes: map[string]int64{"fam:model": now.Add(time.Minute).UnixMilli()},
	}}
	if !a.RateLimited(now, "fam", "model") {
		t.Error("expected account to be rate limited before the deadline")
	}
	if a.RateLimited(now.Add(2*time.Minute), "fam", "model") {
		t.Error("expected account to no longer be rate limited after the deadline")
	}
	if a.RateLimited(now, "other", "model") {
		t.Error("expected no rate limit for a different family/model bucket")
	}
}

func TestManagedAccountCoolingDown(t *testing.T) {
	now := time.Now()
	a := ManagedAccount{Record: store.AccountRecord{CoolingDownUntil: now.Add(30 * time.Second).UnixMilli()}}
	if !a.CoolingDown(now) {
		t.Error("expected account to be cooling down")
	}
	if a.CoolingDown(now.Add(time.Minute)) {
		t.Error("expected cooldown to have expired")
	}
}
