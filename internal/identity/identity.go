// Package identity decodes the identity claims a vendor OAuth token
// carries (account id, email, plan) and derives the stable keys the rest
// of the proxy uses to address an account in its trackers and stores.
//
// Grounded on the teacher's internal/auth/token_extractor.go (best-effort
// token handling, never hard-failing on a malformed token) generalized
// from its Antigravity/Google-specific claim names to the configurable
// namespace this vendor uses.
package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// Claims is the subset of a decoded token's claims this package cares
// about. Unknown/extra claims are preserved in Raw for callers that need
// something this package doesn't surface directly.
type Claims struct {
	Raw jwt.MapClaims
}

// DecodeJWT best-effort decodes the claims segment of a JWT without
// verifying its signature — the token was already obtained over a trusted
// OAuth channel; this step only reads identity out of it. Returns nil on
// any parse failure: callers must treat the token as opaque rather than
// erroring, per the account-record lifecycle (a record can be persisted
// before it is hydrated).
func DecodeJWT(token string) *Claims {
	parser := jwt.NewParser()
	parsed, _, err := parser.ParseUnverified(token, jwt.MapClaims{})
	if err != nil {
		return nil
	}
	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return nil
	}
	return &Claims{Raw: claims}
}

func (c *Claims) nested(namespace string) map[string]any {
	if c == nil || c.Raw == nil {
		return nil
	}
	if v, ok := c.Raw[namespace]; ok {
		if m, ok := v.(map[string]any); ok {
			return m
		}
	}
	return nil
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

// ExtractAccountID pulls "<namespace>.chatgpt_account_id" from the claims.
func ExtractAccountID(c *Claims, authClaimNamespace string) string {
	ns := c.nested(authClaimNamespace)
	if ns == nil {
		return ""
	}
	return asString(ns["chatgpt_account_id"])
}

// ExtractAccountEmail follows the fallback order: nested "email", nested
// "chatgpt_user_email", top-level "email", top-level "preferred_username".
// The result must contain "@" to be accepted as an email.
func ExtractAccountEmail(c *Claims, authClaimNamespace string) string {
	if c == nil || c.Raw == nil {
		return ""
	}
	ns := c.nested(authClaimNamespace)
	candidates := []string{
		asString(ns["email"]),
		asString(ns["chatgpt_user_email"]),
		asString(c.Raw["email"]),
		asString(c.Raw["preferred_username"]),
	}
	for _, cand := range candidates {
		if strings.Contains(cand, "@") {
			return cand
		}
	}
	return ""
}

var planNormalization = map[string]string{
	"plus":       "Plus",
	"team":       "Team",
	"pro":        "Pro",
	"free":       "Free",
	"business":   "Business",
	"enterprise": "Enterprise",
	"edu":        "Edu",
}

// NormalizePlan maps a raw plan claim through the fixed normalization
// table; unknown values pass through trimmed.
func NormalizePlan(raw string) string {
	trimmed := strings.TrimSpace(raw)
	if normalized, ok := planNormalization[strings.ToLower(trimmed)]; ok {
		return normalized
	}
	return trimmed
}

// ExtractAccountPlan pulls the plan claim and normalizes it.
func ExtractAccountPlan(c *Claims, authClaimNamespace string) string {
	ns := c.nested(authClaimNamespace)
	if ns == nil {
		return ""
	}
	return NormalizePlan(asString(ns["chatgpt_plan_type"]))
}

// Identity is the (account_id, email, plan) triple, possibly partial.
type Identity struct {
	AccountID string
	Email     string
	Plan      string
}

// Hydrated reports whether all three identity fields are known.
func (i Identity) Hydrated() bool {
	return i.AccountID != "" && i.Email != "" && i.Plan != ""
}

// AccountKey returns the stable string used to key the trackers and quota
// snapshots for an account:
//
//	hydrated:           "{account_id}|{lowercase email}|{Plan}"
//	else:               sha256 hex of refreshToken
//	else (no token):    "idx:{index}"
//	else:               "unknown"
func AccountKey(id Identity, refreshToken string, index int, hasIndex bool) string {
	if id.Hydrated() {
		return fmt.Sprintf("%s|%s|%s", id.AccountID, strings.ToLower(id.Email), id.Plan)
	}
	if refreshToken != "" {
		sum := sha256.Sum256([]byte(refreshToken))
		return hex.EncodeToString(sum[:])
	}
	if hasIndex {
		return fmt.Sprintf("idx:%d", index)
	}
	return "unknown"
}
