// Package apierror defines the client-visible error taxonomy and its JSON form.
package apierror

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
)

// Kind classifies an error for status mapping and logging.
type Kind string

const (
	KindClient        Kind = "client_error"
	KindAuth          Kind = "auth_error"
	KindForbidden     Kind = "forbidden"
	KindRateLimited   Kind = "rate_limit_exceeded"
	KindUpstream      Kind = "upstream_error"
	KindConfiguration Kind = "configuration_error"
	KindUnavailable   Kind = "upstream_unhealthy"
	KindNotFound      Kind = "not_found"
	KindInternal      Kind = "internal_error"
)

// Error is an error that knows how it should be rendered to the client.
type Error struct {
	Kind       Kind
	Status     int
	Message    string
	Details    string
	RetryAfter int // seconds, rate limiting only
}

func (e *Error) Error() string {
	if e.Details != "" {
		return e.Message + ": " + e.Details
	}
	return e.Message
}

// Body is the JSON error envelope.
type Body struct {
	Error      string `json:"error"`
	Details    string `json:"details,omitempty"`
	RetryAfter int    `json:"retry_after,omitempty"`
}

func Client(message string) *Error {
	return &Error{Kind: KindClient, Status: http.StatusBadRequest, Message: message}
}

func Unauthorized(message string) *Error {
	return &Error{Kind: KindAuth, Status: http.StatusUnauthorized, Message: message}
}

func Forbidden(message string) *Error {
	return &Error{Kind: KindForbidden, Status: http.StatusForbidden, Message: message}
}

func RateLimited(retryAfter int) *Error {
	return &Error{
		Kind:       KindRateLimited,
		Status:     http.StatusTooManyRequests,
		Message:    "rate limit exceeded",
		Details:    "retry after " + strconv.Itoa(retryAfter) + "s",
		RetryAfter: retryAfter,
	}
}

func Upstream(provider, details string) *Error {
	return &Error{Kind: KindUpstream, Status: http.StatusBadGateway, Message: provider + " provider error", Details: details}
}

func Configuration(message string) *Error {
	return &Error{Kind: KindConfiguration, Status: http.StatusInternalServerError, Message: message}
}

func Unavailable(details string) *Error {
	return &Error{Kind: KindUnavailable, Status: http.StatusServiceUnavailable, Message: "upstream unhealthy", Details: details}
}

func NotFound(message string) *Error {
	return &Error{Kind: KindNotFound, Status: http.StatusNotFound, Message: message}
}

// Internal hides the cause; it is logged by the caller, never sent.
func Internal() *Error {
	return &Error{Kind: KindInternal, Status: http.StatusInternalServerError, Message: "internal server error"}
}

// From maps any error onto the taxonomy. Unknown errors become Internal.
func From(err error) *Error {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr
	}
	return Internal()
}

// Marshal renders the JSON body for err.
func Marshal(err error) []byte {
	e := From(err)
	data, _ := json.Marshal(Body{Error: e.Message, Details: e.Details, RetryAfter: e.RetryAfter})
	return data
}

// Write renders err as a JSON response.
func Write(w http.ResponseWriter, err error) {
	e := From(err)
	w.Header().Set("Content-Type", "application/json")
	if e.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(e.RetryAfter))
	}
	w.WriteHeader(e.Status)
	_, _ = w.Write(Marshal(e))
}
