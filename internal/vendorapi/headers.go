// Package vendorapi composes the outbound request headers the upstream
// vendor API expects, including the platform/IDE metadata the spec's
// supplemented-features section adds on top of the distilled spec.
//
// Grounded on the teacher's internal/config/constants.go AntigravityHeaders
// helper and its IDE/Platform/PluginType enumerations, generalized to this
// vendor's header names.
package vendorapi

import (
	"net/http"
	"runtime"
)

// Platform is a closed enumeration of the host OS family reported to the
// vendor for diagnostics.
type Platform string

const (
	PlatformDarwin  Platform = "darwin"
	PlatformLinux   Platform = "linux"
	PlatformWindows Platform = "win32"
)

// DetectPlatform maps runtime.GOOS onto the vendor's expected values.
func DetectPlatform() Platform {
	switch runtime.GOOS {
	case "darwin":
		return PlatformDarwin
	case "windows":
		return PlatformWindows
	default:
		return PlatformLinux
	}
}

// IDE identifies the calling integration, reported for usage attribution.
type IDE string

const (
	IDEVSCode   IDE = "vscode"
	IDEJetBrains IDE = "jetbrains"
	IDECLI      IDE = "cli"
	IDEUnknown  IDE = "unknown"
)

// Metadata is the set of client identity fields attached to every
// upstream request.
type Metadata struct {
	IDE             IDE
	IDEVersion      string
	PluginVersion   string
	Platform        Platform
}

// DefaultMetadata returns Metadata describing this proxy itself, used
// when the host making the request doesn't supply its own identity.
func DefaultMetadata() Metadata {
	return Metadata{IDE: IDECLI, Platform: DetectPlatform()}
}

// BuildHeaders composes the full outbound header set for one upstream
// call: bearer auth, the account's originator/account-id markers, and
// client metadata.
func BuildHeaders(accessToken, accountID string, meta Metadata) http.Header {
	h := http.Header{}
	h.Set("Authorization", "Bearer "+accessToken)
	if accountID != "" {
		h.Set("X-Account-Id", accountID)
	}
	h.Set("X-Client-Platform", string(meta.Platform))
	h.Set("X-Client-Ide", string(meta.IDE))
	if meta.IDEVersion != "" {
		h.Set("X-Client-Ide-Version", meta.IDEVersion)
	}
	if meta.PluginVersion != "" {
		h.Set("X-Client-Plugin-Version", meta.PluginVersion)
	}
	h.Set("Originator", "codex-proxy")
	h.Set("OpenAI-Beta", "responses=experimental")
	return h
}
