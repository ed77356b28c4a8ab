package handlers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/relaycodex/codex-proxy/internal/account"
	"github.com/relaycodex/codex-proxy/internal/config"
	"github.com/relaycodex/codex-proxy/internal/store"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newTestManager(t *testing.T) *account.Manager {
	t.Helper()
	dir := t.TempDir()
	os.Setenv("XDG_CONFIG_HOME", dir)
	t.Cleanup(func() { os.Unsetenv("XDG_CONFIG_HOME") })

	s, err := store.Open("codex-proxy-handlers-test")
	if err != nil {
		t.Fatalf("store.Open failed: %v", err)
	}
	ctx := context.Background()
	if _, err := s.UpsertAccount(ctx, store.AccountRecord{
		AccountID: "a1", Email: "a@example.com", Plan: "plus", RefreshToken: "r1",
	}); err != nil {
		t.Fatalf("UpsertAccount failed: %v", err)
	}

	mgr := account.NewManager(s, config.DefaultConfig())
	if err := mgr.Load(ctx); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	return mgr
}

func TestHealthHandlerReportsOKWithUsableAccount(t *testing.T) {
	mgr := newTestManager(t)
	h := NewHealthHandler(mgr)

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodGet, "/health", nil)
	h.Health(c)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if body := w.Body.String(); !containsAll(body, `"status":"ok"`, `"total_accounts":1`) {
		t.Errorf("unexpected body: %s", body)
	}
}

func TestAccountsListReturnsLoadedAccounts(t *testing.T) {
	mgr := newTestManager(t)
	h := NewAccountsHandler(mgr)

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodGet, "/accounts", nil)
	h.List(c)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if body := w.Body.String(); !containsAll(body, `"email":"a@example.com"`) {
		t.Errorf("unexpected body: %s", body)
	}
}

func TestAccountsToggleDisablesAccount(t *testing.T) {
	mgr := newTestManager(t)
	h := NewAccountsHandler(mgr)

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodPost, "/accounts/0/toggle?disabled=true", nil)
	c.Params = gin.Params{{Key: "index", Value: "0"}}
	h.Toggle(c)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if !mgr.All()[0].Record.Disabled {
		t.Error("expected account to be disabled after toggle")
	}
}

func TestAccountsToggleRejectsBadIndex(t *testing.T) {
	mgr := newTestManager(t)
	h := NewAccountsHandler(mgr)

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodPost, "/accounts/notanumber/toggle", nil)
	c.Params = gin.Params{{Key: "index", Value: "notanumber"}}
	h.Toggle(c)

	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for a non-numeric index, got %d", w.Code)
	}
}

func containsAll(s string, subs ...string) bool {
	for _, sub := range subs {
		if !strings.Contains(s, sub) {
			return false
		}
	}
	return true
}
