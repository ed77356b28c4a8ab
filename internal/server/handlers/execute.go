package handlers

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/relaycodex/codex-proxy/internal/orchestrator"
)

// ExecuteHandler relays an inbound request through the account pool to
// the upstream vendor API.
type ExecuteHandler struct {
	orch        *orchestrator.Orchestrator
	upstreamURL string
}

// NewExecuteHandler returns a handler that forwards requests to
// upstreamBase, prefixed with whatever path the client requested.
func NewExecuteHandler(orch *orchestrator.Orchestrator, upstreamBase string) *ExecuteHandler {
	return &ExecuteHandler{orch: orch, upstreamURL: upstreamBase}
}

// Execute handles the passthrough route (any method, any sub-path under
// /v1/*). The model family/model pair is taken from the request's own
// "model" field when present, otherwise the whole path is treated as one
// shared bucket.
func (h *ExecuteHandler) Execute(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read request body"})
		return
	}

	model := extractModel(body)
	family := modelFamily(model)

	req := orchestrator.Request{
		Method: c.Request.Method,
		URL:    h.upstreamURL + c.Request.URL.Path,
		Header: c.Request.Header.Clone(),
		Body:   body,
		Family: family,
		Model:  model,
	}
	req.Header.Del("Authorization")
	req.Header.Del("Host")
	req.Header.Set("X-Codex-Proxy-Request-Id", c.GetString("request_id"))

	result, err := h.orch.Fetch(c.Request.Context(), req)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": gin.H{"type": "upstream_error", "message": err.Error()}})
		return
	}
	defer result.Body.Close()

	for k, vs := range result.Header {
		for _, v := range vs {
			c.Writer.Header().Add(k, v)
		}
	}
	c.Writer.WriteHeader(result.StatusCode)
	_, _ = io.Copy(c.Writer, result.Body)
}

// extractModel does a minimal scan of the JSON body for a top-level
// "model" field without committing to any one request schema, since this
// proxy forwards arbitrary vendor payloads unmodified.
func extractModel(body []byte) string {
	const key = `"model"`
	idx := indexOf(body, key)
	if idx < 0 {
		return ""
	}
	rest := body[idx+len(key):]
	colon := indexOfByte(rest, ':')
	if colon < 0 {
		return ""
	}
	rest = rest[colon+1:]
	start := -1
	for i, b := range rest {
		if b == '"' {
			start = i + 1
			break
		}
		if b != ' ' && b != '\t' && b != '\n' {
			return ""
		}
	}
	if start < 0 {
		return ""
	}
	end := indexOfByte(rest[start:], '"')
	if end < 0 {
		return ""
	}
	return string(rest[start : start+end])
}

func indexOf(haystack []byte, needle string) int {
	n := len(needle)
	for i := 0; i+n <= len(haystack); i++ {
		if string(haystack[i:i+n]) == needle {
			return i
		}
	}
	return -1
}

func indexOfByte(b []byte, c byte) int {
	for i, v := range b {
		if v == c {
			return i
		}
	}
	return -1
}

// modelFamily returns the bucket rate limits are tracked under: the model
// name itself, or "default" when the request names no model. Related
// models are not collapsed into a shared family.
func modelFamily(model string) string {
	if model == "" {
		return "default"
	}
	return model
}
