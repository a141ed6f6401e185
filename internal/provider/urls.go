package provider

import (
	"strings"

	"loraframe/studio/internal/model"
)

// ResolveURL makes a media path absolute against base. Absolute http(s) URLs
// are returned unchanged; relative paths are joined with exactly one slash.
func ResolveURL(base, raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	lower := strings.ToLower(raw)
	if strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://") {
		return raw
	}
	return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(raw, "/")
}

// ParseJobResult extracts the media location of a finished job, preferring
// result_url over output.url.
func ParseJobResult(status model.JobStatus) (string, error) {
	if u := strings.TrimSpace(status.ResultURL); u != "" {
		return u, nil
	}
	if status.Output != nil {
		if u := strings.TrimSpace(status.Output.URL); u != "" {
			return u, nil
		}
	}
	return "", ErrNoResultURL
}
