package upstream

import (
	"errors"
	"fmt"
	"net"
	"net/http"
)

// Stable short codes carried by APIError for operator diagnostics.
const (
	CodeUnauthorized = "UNAUTHORIZED"
	CodeNotFound     = "NOT_FOUND"
	CodeNetwork      = "NETWORK"
	CodeTimeout      = "TIMEOUT"
	CodeRateLimited  = "RATE_LIMITED"
	CodeServer       = "SERVER"
	CodeValidation   = "VALIDATION"
)

// APIError is any failure talking to the control plane.
type APIError struct {
	Code    string
	Status  int
	Message string
}

func (e *APIError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("upstream %s (status %d): %s", e.Code, e.Status, e.Message)
	}
	return fmt.Sprintf("upstream %s: %s", e.Code, e.Message)
}

// statusError maps a non-2xx response to an APIError.
func statusError(status int, message string) *APIError {
	var code string
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		code = CodeUnauthorized
	case status == http.StatusNotFound:
		code = CodeNotFound
	case status == http.StatusTooManyRequests:
		code = CodeRateLimited
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity:
		code = CodeValidation
	case status >= 500:
		code = CodeServer
	default:
		code = CodeServer
	}
	return &APIError{Code: code, Status: status, Message: message}
}

// transportError maps a client-side failure to an APIError.
func transportError(err error) *APIError {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &APIError{Code: CodeTimeout, Message: err.Error()}
	}
	return &APIError{Code: CodeNetwork, Message: err.Error()}
}

// CodeOf extracts the short code from any error chain, or "" if the error
// did not come from the upstream client.
func CodeOf(err error) string {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code
	}
	return ""
}
