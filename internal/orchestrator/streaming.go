package orchestrator

import (
	"bufio"
	"encoding/json"
	"io"
	"strings"
	"time"

	"github.com/relaycodex/codex-proxy/internal/quota"
)

// maxRetainedTail is the largest token_count data payload this tap will
// parse; a larger payload is skipped whole (no tail of it is kept or
// parsed), though it is still forwarded byte-for-byte to the client.
const maxRetainedTail = 512 * 1024

// maxLineBuffer is the ceiling bufio.Scanner is allowed to grow its
// internal buffer to before this tap gives up trying to parse further
// lines in the stream (still passing every byte through unmodified).
const maxLineBuffer = 1024 * 1024

// TapSSE copies an upstream SSE body to dst unmodified while watching for
// "token_count" events and feeding them into sink under accountKey. A
// telemetry parse failure never blocks or alters the bytes delivered to
// the client — this is a side channel, not a filter.
func TapSSE(dst io.Writer, src io.Reader, sink *quota.Sink, accountKey string) error {
	pr, pw := io.Pipe()
	teed := io.TeeReader(src, pw)

	done := make(chan struct{})
	go func() {
		defer close(done)
		scanSSEForTokenCount(pr, sink, accountKey)
	}()

	_, copyErr := io.Copy(dst, teed)
	pw.Close()
	<-done
	return copyErr
}

func scanSSEForTokenCount(r io.Reader, sink *quota.Sink, accountKey string) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBuffer)

	var pendingEvent string
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event:"):
			pendingEvent = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			if pendingEvent != quota.EventName {
				continue
			}
			payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if len(payload) > maxRetainedTail {
				continue // too large to be worth parsing, forwarded regardless
			}
			applyTokenCountPayload(payload, sink, accountKey)
		case line == "":
			pendingEvent = ""
		}
	}
	// Once the scanner stops (e.g. on a line longer than maxLineBuffer),
	// keep draining so the tee in TapSSE never blocks on its pipe.
	_, _ = io.Copy(io.Discard, r)
}

func applyTokenCountPayload(payload string, sink *quota.Sink, accountKey string) {
	var raw struct {
		UsedPercent     *float64 `json:"used_percent"`
		RemainingTokens *int64   `json:"remaining_tokens"`
		LimitTokens     *int64   `json:"limit_tokens"`
		ResetAt         *int64   `json:"reset_at"`
	}
	if err := json.Unmarshal([]byte(payload), &raw); err != nil {
		return
	}
	snap := buildSnapshot(raw.UsedPercent, raw.RemainingTokens, raw.LimitTokens, raw.ResetAt)
	sink.Merge(accountKey, snap)
}

func buildSnapshot(usedPercent *float64, remaining, limit, resetAt *int64) quota.RateLimitSnapshot {
	return quota.ParseTokenCountEvent(struct {
		UsedPercent     *float64 `json:"used_percent"`
		RemainingTokens *int64   `json:"remaining_tokens"`
		LimitTokens     *int64   `json:"limit_tokens"`
		ResetAt         *int64   `json:"reset_at"`
	}{usedPercent, remaining, limit, resetAt}, time.Now())
}
