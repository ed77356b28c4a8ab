package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/relaycodex/codex-proxy/internal/account"
	"github.com/relaycodex/codex-proxy/internal/config"
	"github.com/relaycodex/codex-proxy/internal/oauth"
	"github.com/relaycodex/codex-proxy/internal/quota"
	"github.com/relaycodex/codex-proxy/internal/ratelimit"
	"github.com/relaycodex/codex-proxy/internal/utils"
	"github.com/relaycodex/codex-proxy/internal/vendorapi"
)

// Request is one inbound call to be relayed upstream through the account
// pool.
type Request struct {
	Method string
	URL    string // full upstream URL
	Header http.Header
	Body   []byte
	Family string
	Model  string
}

// Result is what the orchestrator hands back to the HTTP layer: either a
// response to stream/copy to the client, or a terminal error.
type Result struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser
}

// Orchestrator drives one request through select→ensure-fresh→send→
// classify→retry-or-switch-or-wait→fail, per account.
//
// Grounded on the teacher's go-backend/internal/cloudcode streaming_handler.go
// retry loop (streamWithRetry), generalized from its fixed endpoint
// fallback list to the account-pool rotation this specification describes.
type Orchestrator struct {
	Manager    *account.Manager
	OAuth      *oauth.Client
	Config     *config.Config
	QuotaSink  *quota.Sink
	HTTPClient *http.Client
	Meta       vendorapi.Metadata
}

// New returns an Orchestrator wired to its collaborators.
func New(mgr *account.Manager, oc *oauth.Client, cfg *config.Config, sink *quota.Sink) *Orchestrator {
	return &Orchestrator{
		Manager:    mgr,
		OAuth:      oc,
		Config:     cfg,
		QuotaSink:  sink,
		HTTPClient: &http.Client{Timeout: 10 * time.Minute},
		Meta:       vendorapi.DefaultMetadata(),
	}
}

// tokenRefreshSkew is how far ahead of expiry a token is considered
// stale enough to refresh before use.
func (o *Orchestrator) tokenRefreshSkew() time.Duration {
	return time.Duration(o.Config.TokenRefreshSkewMs) * time.Millisecond
}

// Fetch runs the full state machine for req, returning the first
// response that classifies as success or a non-retryable error, or a
// synthesized 429 if every account in the pool is exhausted.
func (o *Orchestrator) Fetch(ctx context.Context, req Request) (*Result, error) {
	deadline := time.Now().Add(time.Duration(o.Config.OverallCallTimeoutMs) * time.Millisecond)
	attempt := 0
	attempted := map[int]bool{}
	allAccountsRetries := 0

	for {
		attempt++
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("request timed out during account rotation")
		}

		if attempt == 1 && o.Manager.HasLegacyAccounts() {
			o.Manager.RepairLegacy(ctx, o.OAuth, o.Config.AuthClaimNamespace)
		}

		if n := o.Manager.HydratedCount(); n > 0 && len(attempted) >= n {
			result, err := o.allAccountsLimited(ctx, req, o.Manager.MinWaitMs(ctx, req.Family, req.Model), allAccountsRetries+1, deadline)
			if err == errRetryAllAccounts {
				allAccountsRetries++
				attempted = map[int]bool{}
				continue
			}
			return result, err
		}

		sel := o.Manager.Select(ctx, req.Family, req.Model)
		if sel.Account == nil {
			result, err := o.allAccountsLimited(ctx, req, sel.MinWaitMs, allAccountsRetries+1, deadline)
			if err == errRetryAllAccounts {
				allAccountsRetries++
				attempted = map[int]bool{}
				continue
			}
			return result, err
		}
		acc := *sel.Account
		attempted[acc.Index] = true

		if !o.Manager.ConsumeToken(acc.Key) {
			// Out of local budget for this account; treat like no candidate
			// and let the next Select cycle to another one or report the wait.
			wait := 250 * time.Millisecond
			if err := utils.SleepCtx(ctx, wait); err != nil {
				return nil, err
			}
			continue
		}

		if err := o.ensureFresh(ctx, &acc); err != nil {
			o.Manager.RefundToken(acc.Key)
			o.Manager.NotifyFailure(ctx, acc.Key, acc.Index, true)
			utils.Warn("orchestrator: token refresh failed for account %d: %v", acc.Index, err)
			continue
		}

		result, classification, err := o.send(ctx, req, acc)
		if err != nil {
			o.Manager.NotifyFailure(ctx, acc.Key, acc.Index, false)
			if utils.IsNetworkError(err) {
				continue
			}
			return nil, err
		}

		switch classification {
		case classifySuccess:
			o.Manager.NotifySuccess(ctx, acc.Key, acc.Index)
			return result, nil

		case classifyAuthFailure:
			o.Manager.NotifyFailure(ctx, acc.Key, acc.Index, true)
			continue

		case classifyRateLimited:
			delayMs, hasDelay := ratelimit.ParseRetryAfterMs(result.Header.Get("Retry-After"), "")
			waited := o.Manager.NotifyRateLimit(ctx, acc.Key, acc.Index, req.Family, req.Model, delayMs, hasDelay)
			decision := DecideWaitOrSwitch(o.Config.Snapshot(), o.Manager.Count(), attempt, time.Duration(waited)*time.Millisecond)
			if decision == DecisionWait {
				if err := utils.SleepCtx(ctx, time.Duration(waited)*time.Millisecond); err != nil {
					return nil, err
				}
			}
			// decision == DecisionSwitch: the next Select call picks a
			// different candidate and persists it as this family's active
			// index itself (see Manager.recordActiveSwitch).
			continue

		default: // classifyOtherError
			o.Manager.NotifyFailure(ctx, acc.Key, acc.Index, false)
			return result, nil
		}
	}
}

type classification int

const (
	classifySuccess classification = iota
	classifyAuthFailure
	classifyRateLimited
	classifyOtherError
)

func classify(statusCode int) classification {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return classifySuccess
	case statusCode == 401 || statusCode == 403:
		return classifyAuthFailure
	case statusCode == 429 || statusCode == 503 || statusCode == 529:
		return classifyRateLimited
	default:
		return classifyOtherError
	}
}

// ensureFresh refreshes acc's access token if it's within the configured
// skew of expiry (or has no known expiry yet), persisting the result.
func (o *Orchestrator) ensureFresh(ctx context.Context, acc *account.ManagedAccount) error {
	now := time.Now()
	if acc.Record.ExpiresAt > 0 && time.UnixMilli(acc.Record.ExpiresAt).Sub(now) > o.tokenRefreshSkew() {
		return nil
	}
	v, err := o.Manager.CoordinateRefresh(acc.Key, func() (interface{}, error) {
		tok, err := o.OAuth.RefreshAccessToken(ctx, acc.Record.RefreshToken)
		if err != nil {
			return nil, err
		}
		if err := o.Manager.UpdateCredentials(ctx, acc.Index, tok.AccessToken, tok.RefreshToken, tok.ExpiresAt); err != nil {
			return nil, err
		}
		return tok, nil
	})
	if err != nil {
		return err
	}
	tok := v.(oauth.TokenResult)
	acc.Record.AccessToken = tok.AccessToken
	if tok.RefreshToken != "" {
		acc.Record.RefreshToken = tok.RefreshToken
	}
	acc.Record.ExpiresAt = tok.ExpiresAt
	return nil
}

func (o *Orchestrator) send(ctx context.Context, req Request, acc account.ManagedAccount) (*Result, classification, error) {
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, bytes.NewReader(req.Body))
	if err != nil {
		return nil, classifyOtherError, fmt.Errorf("orchestrator: build request: %w", err)
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	headers := vendorapi.BuildHeaders(acc.Record.AccessToken, acc.Record.AccountID, o.Meta)
	for k, vs := range headers {
		httpReq.Header[k] = vs
	}

	resp, err := o.HTTPClient.Do(httpReq)
	if err != nil {
		return nil, classifyOtherError, err
	}

	result := &Result{StatusCode: resp.StatusCode, Header: resp.Header, Body: resp.Body}

	if isSSE(resp.Header) {
		pr, pw := io.Pipe()
		go func() {
			err := TapSSE(pw, resp.Body, o.QuotaSink, acc.Key)
			resp.Body.Close()
			pw.CloseWithError(err)
		}()
		result.Body = pr
	}

	return result, classify(resp.StatusCode), nil
}

func isSSE(h http.Header) bool {
	return strings.HasPrefix(h.Get("Content-Type"), "text/event-stream")
}

// allAccountsLimited is reached when Select found no eligible account.
// If the configured policy permits waiting it sleeps up to
// RetryAllAccountsMaxWaitMs (bounded by RetryAllAccountsMaxRetries) and
// loops; otherwise it synthesizes a 429 response describing the wait.
// attempt counts how often this call has found the pool exhausted,
// starting at 1.
func (o *Orchestrator) allAccountsLimited(ctx context.Context, req Request, minWaitMs int64, attempt int, deadline time.Time) (*Result, error) {
	if !o.Config.RetryAllAccountsRateLimited || attempt > o.Config.RetryAllAccountsMaxRetries {
		return o.synthesize429(minWaitMs, req), nil
	}
	wait := minWaitMs
	if wait > o.Config.RetryAllAccountsMaxWaitMs {
		wait = o.Config.RetryAllAccountsMaxWaitMs
	}
	if remaining := time.Until(deadline); wait > remaining.Milliseconds() {
		return o.synthesize429(minWaitMs, req), nil
	}
	if err := utils.SleepCtx(ctx, time.Duration(wait)*time.Millisecond); err != nil {
		return nil, err
	}
	return nil, errRetryAllAccounts
}

// errRetryAllAccounts is a sentinel the Fetch loop recognizes is not
// actually an error but a request to run the outer loop again, kept
// private since it never escapes this package.
var errRetryAllAccounts = fmt.Errorf("orchestrator: retry all accounts")

// synthesize429 builds the all-accounts-exhausted response: a message
// naming how many accounts are unavailable and the expected wait, plus a
// per-account line giving its label, its ok/rate-limited/cooldown status
// for this family/model, and any fresh Codex quota reading the telemetry
// sink has for it.
func (o *Orchestrator) synthesize429(minWaitMs int64, req Request) *Result {
	now := time.Now()
	accounts := o.Manager.All()
	lines := make([]string, 0, len(accounts))
	for _, a := range accounts {
		if a.Record.Disabled || a.Record.Quarantined {
			continue
		}
		status := "ok"
		switch {
		case a.CoolingDown(now):
			status = "cooldown"
		case a.RateLimited(now, req.Family, req.Model):
			status = "rate-limited"
		}
		line := fmt.Sprintf("%s: %s", accountLabel(a), status)
		if snap, ok := o.QuotaSink.Get(a.Key); ok && !snap.Stale(now) {
			line += fmt.Sprintf(" (codex used %.0f%%)", snap.UsedPercent)
		}
		lines = append(lines, line)
	}

	message := fmt.Sprintf("All %d account(s) unavailable. Next reset in approximately %s. %s",
		len(lines), utils.FormatDuration(minWaitMs), strings.Join(lines, "; "))

	body, _ := json.Marshal(map[string]any{
		"error": map[string]any{
			"type":           "all_accounts_rate_limited",
			"message":        message,
			"retry_after_ms": minWaitMs,
		},
	})
	h := http.Header{}
	h.Set("Content-Type", "application/json; charset=utf-8")
	h.Set("Retry-After", strconv.FormatInt(minWaitMs/1000, 10))
	return &Result{
		StatusCode: http.StatusTooManyRequests,
		Header:     h,
		Body:       io.NopCloser(bytes.NewReader(body)),
	}
}

// accountLabel gives a human-readable name for an account in a
// diagnostics message: its email, or its index when no email is known.
func accountLabel(a account.ManagedAccount) string {
	if a.Record.Email != "" {
		return a.Record.Email
	}
	return fmt.Sprintf("account %d", a.Index)
}
