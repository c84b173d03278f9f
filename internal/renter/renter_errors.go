package renter

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/imroc/req/v3"
)

var (
	ErrNoAddress     = errors.New("renter: daemon address missing")
	ErrEmptySiaPath  = errors.New("renter: empty sia path")
	ErrInvalidPieces = errors.New("renter: invalid redundancy parameters")
)

// ConnectivityError is returned when the daemon could not be reached at all.
type ConnectivityError struct {
	Op  string
	Err error
}

func (e *ConnectivityError) Error() string {
	return fmt.Sprintf("renter: %s: daemon unreachable: %v", e.Op, e.Err)
}

func (e *ConnectivityError) Unwrap() error { return e.Err }

// IsConnectivityError reports whether err (or anything it wraps) is a ConnectivityError.
func IsConnectivityError(err error) bool {
	var ce *ConnectivityError
	return errors.As(err, &ce)
}

// APIError is returned when the daemon answered but rejected the call.
type APIError struct {
	StatusCode int    `json:"-"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("renter: api error %d: %s", e.StatusCode, e.Message)
}

// IsNotFound reports whether err is an APIError for a missing sia path.
func IsNotFound(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	if apiErr.StatusCode == http.StatusNotFound {
		return true
	}
	msg := strings.ToLower(apiErr.Message)
	return strings.Contains(msg, "no file known") || strings.Contains(msg, "not found")
}

// handleAPIError maps the outcome of a request to the renter error taxonomy
func handleAPIError(resp *req.Response, requestErr error, operation string) error {
	if requestErr != nil {
		return &ConnectivityError{Op: operation, Err: requestErr}
	}

	if resp.IsErrorState() {
		apiErr := &APIError{StatusCode: resp.GetStatusCode()}
		body := resp.Bytes()
		if err := jsonUnmarshal(body, apiErr); err != nil || apiErr.Message == "" {
			apiErr.Message = strings.TrimSpace(string(body))
		}
		if apiErr.Message == "" {
			apiErr.Message = http.StatusText(apiErr.StatusCode)
		}
		return fmt.Errorf("%s: %w", operation, apiErr)
	}

	return nil
}
