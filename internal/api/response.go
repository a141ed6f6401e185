package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"loraframe/studio/internal/provider"
)

type APIError struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Retryable bool           `json:"retryable"`
	Details   map[string]any `json:"details,omitempty"`
}

func writeData(c *gin.Context, status int, data any) {
	c.JSON(status, gin.H{
		"data":     data,
		"trace_id": traceIDFromContext(c),
	})
}

func writeError(c *gin.Context, status int, code, message string, retryable bool, details map[string]any) {
	c.JSON(status, gin.H{
		"error": APIError{
			Code:      code,
			Message:   message,
			Retryable: retryable,
			Details:   details,
		},
		"trace_id": traceIDFromContext(c),
	})
}

// writeUpstreamError reports a failed call to the generation API. A 404
// from upstream stays a 404; anything else is a bad gateway.
func writeUpstreamError(c *gin.Context, err error, code, message string) {
	_ = c.Error(err)
	var pErr *provider.Error
	if !errors.As(err, &pErr) {
		writeError(c, http.StatusBadGateway, code, message, false, nil)
		return
	}
	details := map[string]any{"category": pErr.Category}
	if pErr.StatusCode != 0 {
		details["upstream_status"] = pErr.StatusCode
	}
	if pErr.StatusCode == http.StatusNotFound {
		writeError(c, http.StatusNotFound, "NOT_FOUND", message, false, details)
		return
	}
	writeError(c, http.StatusBadGateway, code, message, pErr.Retryable(), details)
}
