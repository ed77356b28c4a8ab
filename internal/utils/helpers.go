package utils

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"strings"
	"time"
)

// FormatDuration formats a millisecond duration as a human-readable string,
// e.g. 3725000 -> "1h2m5s".
func FormatDuration(ms int64) string {
	if ms < 0 {
		ms = 0
	}
	seconds := ms / 1000
	hours := seconds / 3600
	minutes := (seconds % 3600) / 60
	secs := seconds % 60

	switch {
	case hours > 0:
		return fmt.Sprintf("%dh%dm%ds", hours, minutes, secs)
	case minutes > 0:
		return fmt.Sprintf("%dm%ds", minutes, secs)
	default:
		return fmt.Sprintf("%ds", secs)
	}
}

// SleepCtx pauses for the given duration, returning early with ctx.Err() if
// ctx is canceled first. Every backoff/wait in the orchestrator routes
// through this so cancellation is observed promptly.
func SleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
			return nil
		}
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// JitterMs returns a uniform random value in [0, maxJitterMs).
func JitterMs(maxJitterMs int64) int64 {
	if maxJitterMs <= 0 {
		return 0
	}
	return rand.Int63n(maxJitterMs)
}

// ClampFloat restricts value to [lo, hi].
func ClampFloat(value, lo, hi float64) float64 {
	if value < lo {
		return lo
	}
	if value > hi {
		return hi
	}
	return value
}

// ClampInt64 restricts value to [lo, hi].
func ClampInt64(value, lo, hi int64) int64 {
	if value < lo {
		return lo
	}
	if value > hi {
		return hi
	}
	return value
}

// ContainsAny reports whether s contains any of the substrings, case-sensitive.
func ContainsAny(s string, substrs ...string) bool {
	for _, sub := range substrs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// IsNetworkError reports whether err looks like a transient transport error
// worth a retry rather than an immediate failure.
func IsNetworkError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return ContainsAny(msg,
		"connection reset",
		"connection refused",
		"no such host",
		"timeout",
		"i/o timeout",
		"eof",
		"broken pipe")
}

// ConfigDir returns the XDG-compatible config directory for appName,
// honoring $XDG_CONFIG_HOME and falling back to ~/.config/<appName>.
func ConfigDir(appName string) string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return xdg + "/" + appName
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "." + appName
	}
	return home + "/.config/" + appName
}
