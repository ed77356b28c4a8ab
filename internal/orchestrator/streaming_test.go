package orchestrator

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/relaycodex/codex-proxy/internal/quota"
)

func TestTapSSEForwardsBytesUnmodified(t *testing.T) {
	body := "event: token_count\ndata: {\"used_percent\":42.5}\n\nevent: message\ndata: hello\n\n"
	var dst bytes.Buffer
	sink := quota.NewSink()

	if err := TapSSE(&dst, strings.NewReader(body), sink, "acct-1"); err != nil {
		t.Fatalf("TapSSE returned error: %v", err)
	}
	if dst.String() != body {
		t.Errorf("expected body forwarded unmodified, got %q", dst.String())
	}
}

func TestTapSSEParsesTokenCountIntoSink(t *testing.T) {
	body := "event: token_count\ndata: {\"used_percent\":77,\"remaining_tokens\":10}\n\n"
	var dst bytes.Buffer
	sink := quota.NewSink()

	if err := TapSSE(&dst, strings.NewReader(body), sink, "acct-2"); err != nil {
		t.Fatalf("TapSSE returned error: %v", err)
	}

	snap, ok := sink.Get("acct-2")
	if !ok {
		t.Fatal("expected a snapshot to be recorded for acct-2")
	}
	if snap.UsedPercent != 77 {
		t.Errorf("UsedPercent = %v, want 77", snap.UsedPercent)
	}
	if snap.RemainingTokens != 10 {
		t.Errorf("RemainingTokens = %v, want 10", snap.RemainingTokens)
	}
}

func TestTapSSEIgnoresNonTokenCountEvents(t *testing.T) {
	body := "event: message\ndata: {\"used_percent\":99}\n\n"
	var dst bytes.Buffer
	sink := quota.NewSink()

	if err := TapSSE(&dst, strings.NewReader(body), sink, "acct-3"); err != nil {
		t.Fatalf("TapSSE returned error: %v", err)
	}
	if _, ok := sink.Get("acct-3"); ok {
		t.Error("expected no snapshot for a non-token_count event")
	}
}

func TestBuildSnapshotCarriesFields(t *testing.T) {
	used := 33.3
	remaining := int64(7)
	snap := buildSnapshot(&used, &remaining, nil, nil)
	if snap.UsedPercent != used {
		t.Errorf("UsedPercent = %v, want %v", snap.UsedPercent, used)
	}
	if snap.UpdatedAt.After(time.Now()) {
		t.Error("expected UpdatedAt to not be in the future")
	}
}
