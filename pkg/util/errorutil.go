package util

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// FailureCategory buckets transport and HTTP failures into actionable,
// user-facing outcomes.
type FailureCategory string

const (
	CategoryNetwork         FailureCategory = "NETWORK"
	CategoryUnauthenticated FailureCategory = "UNAUTHENTICATED"
	CategoryForbidden       FailureCategory = "FORBIDDEN"
	CategoryValidation      FailureCategory = "VALIDATION"
	CategoryRateLimited     FailureCategory = "RATE_LIMITED"
	CategoryServerError     FailureCategory = "SERVER_ERROR"
	CategoryUnknown         FailureCategory = "UNKNOWN"
)

// User-facing messages per category.
const (
	MsgNetwork            = "Cannot connect to server."
	MsgInvalidCredentials = "Your email or password is incorrect. Please try again."
	MsgSessionExpired     = "Session expired. Please log in again."
	MsgForbidden          = "You don't have permission to access this resource."
	MsgInvalidInput       = "Invalid input."
	MsgRateLimited        = "Too many requests, try again later."
	MsgServerError        = "Server error, please try again later."
	MsgUnknown            = "Something went wrong. Please try again."
)

// APIError standardizes classified request failures.
type APIError struct {
	Category   FailureCategory
	Message    string
	Status     int           // HTTP status, 0 for transport-level failures
	RetryAfter time.Duration // cool-down hint, set for RateLimited
	Err        error
}

func (e *APIError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *APIError) Unwrap() error {
	return e.Err
}

// errorEnvelope matches the backend error body {"error":{"code","message"}}.
type errorEnvelope struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// ServerMessage extracts the server-provided message from an error body, or
// returns "" when the body does not carry the expected envelope.
func ServerMessage(body []byte) string {
	var env errorEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return ""
	}
	return env.Error.Message
}

// Classify maps an HTTP failure status and body to a category and user-facing
// message. It is a pure function: identical inputs always produce identical
// output. authEndpoint distinguishes 401 responses from login/refresh, where
// the failure means bad credentials rather than an expired session.
func Classify(status int, body []byte, authEndpoint bool) *APIError {
	msg := ServerMessage(body)

	switch {
	case status == http.StatusUnauthorized:
		if authEndpoint {
			return &APIError{Category: CategoryUnauthenticated, Message: MsgInvalidCredentials, Status: status}
		}
		return &APIError{Category: CategoryUnauthenticated, Message: MsgSessionExpired, Status: status}
	case status == http.StatusForbidden:
		return &APIError{Category: CategoryForbidden, Message: MsgForbidden, Status: status}
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity:
		if msg == "" {
			msg = MsgInvalidInput
		}
		return &APIError{Category: CategoryValidation, Message: msg, Status: status}
	case status == http.StatusTooManyRequests:
		return &APIError{Category: CategoryRateLimited, Message: MsgRateLimited, Status: status}
	case status >= http.StatusInternalServerError:
		return &APIError{Category: CategoryServerError, Message: MsgServerError, Status: status}
	default:
		if msg == "" {
			msg = MsgUnknown
		}
		return &APIError{Category: CategoryUnknown, Message: msg, Status: status}
	}
}

// ClassifyWithRetryAfter is Classify plus the Retry-After cool-down hint for
// rate-limited responses.
func ClassifyWithRetryAfter(status int, body []byte, authEndpoint bool, header http.Header) *APIError {
	apiErr := Classify(status, body, authEndpoint)
	if apiErr.Category == CategoryRateLimited {
		apiErr.RetryAfter = parseRetryAfter(header.Get("Retry-After"))
	}
	return apiErr
}

// ClassifyTransport maps a transport-level failure (no response received,
// timeout, DNS or connection error) to a Network error.
func ClassifyTransport(err error) *APIError {
	return &APIError{Category: CategoryNetwork, Message: MsgNetwork, Err: err}
}

func parseRetryAfter(value string) time.Duration {
	if value == "" {
		return 0
	}
	if secs, err := strconv.Atoi(value); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return 0
}
