package remote

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrOffline  = errors.New("remote unreachable")
	ErrNotFound = errors.New("remote resource not found")
)

type HTTPError struct {
	Method     string
	Path       string
	StatusCode int
	Code       string
	Message    string
}

func (e *HTTPError) Error() string {
	prefix := fmt.Sprintf("%s %s: http %d", e.Method, e.Path, e.StatusCode)
	if e.Code != "" {
		return fmt.Sprintf("%s %s: %s", prefix, e.Code, e.Message)
	}
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", prefix, e.Message)
	}
	return prefix
}

func (e *HTTPError) Is(target error) bool {
	return target == ErrNotFound && e.StatusCode == http.StatusNotFound
}

// Permanent reports whether repeating the same request cannot succeed.
func (e *HTTPError) Permanent() bool {
	if e.StatusCode < 400 || e.StatusCode > 499 {
		return false
	}
	return e.StatusCode != http.StatusRequestTimeout && e.StatusCode != http.StatusTooManyRequests
}

// IsPermanent classifies err. Network failures, timeouts, 429 and 5xx are
// transient; every other 4xx is permanent.
func IsPermanent(err error) bool {
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.Permanent()
	}
	return false
}
