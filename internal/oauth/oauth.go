// Package oauth implements the PKCE-based authorization-code flow used to
// mint and refresh this vendor's OAuth tokens.
//
// Grounded on the teacher's go-backend/internal/auth/oauth.go, generalized
// from its hardcoded Google/Gemini authorize+token endpoints to
// configuration fields so the same flow serves this proxy's vendor.
package oauth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Endpoints names the three URLs a vendor's OAuth app needs.
type Endpoints struct {
	AuthorizeURL string
	TokenURL     string
	ClientID     string
	RedirectURI  string
	Scopes       []string
}

// PKCE holds one authorization attempt's verifier/challenge pair.
type PKCE struct {
	Verifier  string
	Challenge string
}

// GeneratePKCE creates a random 32-byte verifier and its SHA-256
// challenge, both base64 RawURLEncoded per RFC 7636.
func GeneratePKCE() (PKCE, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return PKCE{}, fmt.Errorf("oauth: generate verifier: %w", err)
	}
	verifier := base64.RawURLEncoding.EncodeToString(buf)
	sum := sha256.Sum256([]byte(verifier))
	challenge := base64.RawURLEncoding.EncodeToString(sum[:])
	return PKCE{Verifier: verifier, Challenge: challenge}, nil
}

// GenerateState returns a random CSRF state token for the authorization
// request.
func GenerateState() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("oauth: generate state: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// AuthorizationFlow is the data a caller needs to send the user to the
// vendor's consent screen and later complete the exchange.
type AuthorizationFlow struct {
	URL      string
	Verifier string
	State    string
}

// CreateAuthorizationFlow builds the authorize URL plus the PKCE/state
// values the caller must hold onto until the redirect comes back.
func CreateAuthorizationFlow(ep Endpoints) (AuthorizationFlow, error) {
	pkce, err := GeneratePKCE()
	if err != nil {
		return AuthorizationFlow{}, err
	}
	state, err := GenerateState()
	if err != nil {
		return AuthorizationFlow{}, err
	}
	q := url.Values{}
	q.Set("client_id", ep.ClientID)
	q.Set("redirect_uri", ep.RedirectURI)
	q.Set("response_type", "code")
	q.Set("code_challenge", pkce.Challenge)
	q.Set("code_challenge_method", "S256")
	q.Set("state", state)
	if len(ep.Scopes) > 0 {
		q.Set("scope", strings.Join(ep.Scopes, " "))
	}
	return AuthorizationFlow{
		URL:      ep.AuthorizeURL + "?" + q.Encode(),
		Verifier: pkce.Verifier,
		State:    state,
	}, nil
}

// TokenResult is the normalized shape of a token endpoint response,
// whatever vendor-specific field names it arrived under.
type TokenResult struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    int64 // unix ms
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
}

// Client performs the HTTP legs of the OAuth flow against one vendor's
// endpoints.
type Client struct {
	HTTP *http.Client
	Ep   Endpoints
}

// NewClient returns a Client with a sane default HTTP timeout.
func NewClient(ep Endpoints) *Client {
	return &Client{HTTP: &http.Client{Timeout: 30 * time.Second}, Ep: ep}
}

// ExchangeAuthorizationCode trades an authorization code plus its PKCE
// verifier for an access/refresh token pair.
func (c *Client) ExchangeAuthorizationCode(ctx context.Context, code, verifier string) (TokenResult, error) {
	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("client_id", c.Ep.ClientID)
	form.Set("redirect_uri", c.Ep.RedirectURI)
	form.Set("code", code)
	form.Set("code_verifier", verifier)
	return c.doTokenRequest(ctx, form)
}

// RefreshAccessToken exchanges a refresh token for a new access token.
// Vendors that rotate refresh tokens on every use will return a new one
// in the response; callers must persist it if present.
func (c *Client) RefreshAccessToken(ctx context.Context, refreshToken string) (TokenResult, error) {
	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("client_id", c.Ep.ClientID)
	form.Set("refresh_token", refreshToken)
	return c.doTokenRequest(ctx, form)
}

func (c *Client) doTokenRequest(ctx context.Context, form url.Values) (TokenResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.Ep.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return TokenResult{}, fmt.Errorf("oauth: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return TokenResult{}, fmt.Errorf("oauth: token request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return TokenResult{}, fmt.Errorf("oauth: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return TokenResult{}, fmt.Errorf("oauth: token endpoint returned %d: %s", resp.StatusCode, string(body))
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return TokenResult{}, fmt.Errorf("oauth: decode response: %w", err)
	}
	result := TokenResult{AccessToken: tr.AccessToken, RefreshToken: tr.RefreshToken}
	if tr.ExpiresIn > 0 {
		result.ExpiresAt = time.Now().Add(time.Duration(tr.ExpiresIn) * time.Second).UnixMilli()
	}
	return result, nil
}
