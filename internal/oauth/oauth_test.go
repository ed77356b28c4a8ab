package oauth

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestGeneratePKCEChallengeMatchesVerifier(t *testing.T) {
	pkce, err := GeneratePKCE()
	if err != nil {
		t.Fatalf("GeneratePKCE failed: %v", err)
	}
	if pkce.Verifier == "" || pkce.Challenge == "" {
		t.Fatal("expected non-empty verifier and challenge")
	}
	if pkce.Verifier == pkce.Challenge {
		t.Error("challenge should be a hash of the verifier, not the same string")
	}
	sum := sha256.Sum256([]byte(pkce.Verifier))
	if want := base64.RawURLEncoding.EncodeToString(sum[:]); pkce.Challenge != want {
		t.Errorf("challenge = %q, want S256 of the verifier %q", pkce.Challenge, want)
	}
}

func TestCreateAuthorizationFlowBuildsURL(t *testing.T) {
	ep := Endpoints{
		AuthorizeURL: "https://auth.example.com/authorize",
		ClientID:     "client-123",
		RedirectURI:  "http://localhost:1455/callback",
		Scopes:       []string{"openid", "offline_access"},
	}
	flow, err := CreateAuthorizationFlow(ep)
	if err != nil {
		t.Fatalf("CreateAuthorizationFlow failed: %v", err)
	}
	if !strings.HasPrefix(flow.URL, ep.AuthorizeURL+"?") {
		t.Errorf("expected URL to start with authorize endpoint, got %q", flow.URL)
	}
	for _, want := range []string{"client_id=client-123", "code_challenge_method=S256", "scope=openid"} {
		if !strings.Contains(flow.URL, want) {
			t.Errorf("expected URL to contain %q, got %q", want, flow.URL)
		}
	}
	if flow.Verifier == "" || flow.State == "" {
		t.Error("expected non-empty verifier and state")
	}
}

func TestExchangeAuthorizationCodeParsesResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Fatalf("failed to parse form: %v", err)
		}
		if r.FormValue("grant_type") != "authorization_code" {
			t.Errorf("expected authorization_code grant, got %q", r.FormValue("grant_type"))
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"acc-1","refresh_token":"ref-1","expires_in":3600}`))
	}))
	defer srv.Close()

	c := NewClient(Endpoints{TokenURL: srv.URL, ClientID: "client-123"})
	res, err := c.ExchangeAuthorizationCode(context.Background(), "code-1", "verifier-1")
	if err != nil {
		t.Fatalf("ExchangeAuthorizationCode failed: %v", err)
	}
	if res.AccessToken != "acc-1" || res.RefreshToken != "ref-1" {
		t.Errorf("unexpected token result: %+v", res)
	}
	if res.ExpiresAt == 0 {
		t.Error("expected expires_at to be computed from expires_in")
	}
}

func TestRefreshAccessTokenPropagatesVendorError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error":"invalid_grant"}`))
	}))
	defer srv.Close()

	c := NewClient(Endpoints{TokenURL: srv.URL})
	_, err := c.RefreshAccessToken(context.Background(), "stale-refresh")
	if err == nil {
		t.Fatal("expected an error for a non-200 token endpoint response")
	}
}

func TestRefreshAccessTokenOmitsRotatedTokenWhenAbsent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"access_token":"acc-2","expires_in":60}`))
	}))
	defer srv.Close()

	c := NewClient(Endpoints{TokenURL: srv.URL})
	res, err := c.RefreshAccessToken(context.Background(), "refresh-1")
	if err != nil {
		t.Fatalf("RefreshAccessToken failed: %v", err)
	}
	if res.RefreshToken != "" {
		t.Errorf("expected no rotated refresh token, got %q", res.RefreshToken)
	}
}
