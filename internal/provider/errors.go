package provider

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrNoJobID     = errors.New("generation response carried no job id")
	ErrNoResultURL = errors.New("job result carried neither result_url nor output.url")
	ErrNoVideoPath = errors.New("video response carried no video_path")
)

const (
	CategoryNetwork = "network"
	CategoryHTTP    = "http"
	CategoryDecode  = "decode"
)

// Error describes one failed call to the generation API.
type Error struct {
	Category   string
	Method     string
	Path       string
	StatusCode int
	Body       string
	Err        error
}

func (e *Error) Error() string {
	switch e.Category {
	case CategoryHTTP:
		if e.Body != "" {
			return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.Path, e.StatusCode, e.Body)
		}
		return fmt.Sprintf("%s %s: status %d", e.Method, e.Path, e.StatusCode)
	default:
		return fmt.Sprintf("%s %s: %s: %v", e.Method, e.Path, e.Category, e.Err)
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Retryable reports whether repeating the same call could plausibly succeed.
func (e *Error) Retryable() bool {
	switch e.Category {
	case CategoryNetwork:
		return true
	case CategoryHTTP:
		return e.StatusCode >= http.StatusInternalServerError || e.StatusCode == http.StatusTooManyRequests
	}
	return false
}

// StatusCode returns the HTTP status of err, or 0 when err is not an HTTP failure.
func StatusCode(err error) int {
	var pErr *Error
	if errors.As(err, &pErr) && pErr.Category == CategoryHTTP {
		return pErr.StatusCode
	}
	return 0
}
