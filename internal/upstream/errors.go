// Package upstream holds the transport clients the gateway dispatches
// requests through, plus cancellation plumbing and the error taxonomy
// surfaced back to clients.
package upstream

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// StatusClientClosedRequest is the nginx-convention status for a
// request the client abandoned.
const StatusClientClosedRequest = 499

// Error kinds, following the Anthropic error type vocabulary.
const (
	KindInvalidRequest = "invalid_request_error"
	KindAuthentication = "authentication_error"
	KindPermission     = "permission_error"
	KindNotFound       = "not_found_error"
	KindRateLimit      = "rate_limit_error"
	KindAPI            = "api_error"
	KindOverloaded     = "overloaded_error"
	KindCancelled      = "cancelled"
)

// Error is a classified upstream failure. Status keeps the upstream
// status family so clients can keep their retry logic.
type Error struct {
	Status  int
	Kind    string
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("upstream error %d (%s): %s", e.Status, e.Kind, e.Message)
}

// NewCancelled is the error for a client-abandoned request.
func NewCancelled() *Error {
	return &Error{
		Status:  StatusClientClosedRequest,
		Kind:    KindCancelled,
		Message: "Request cancelled by client",
	}
}

// AsError unwraps err into a classified *Error, wrapping unclassified
// failures as a 500 api_error.
func AsError(err error) *Error {
	var ue *Error
	if errors.As(err, &ue) {
		return ue
	}
	return &Error{Status: 500, Kind: KindAPI, Message: err.Error()}
}

func kindForStatus(status int) string {
	switch status {
	case 400:
		return KindInvalidRequest
	case 401:
		return KindAuthentication
	case 403:
		return KindPermission
	case 404:
		return KindNotFound
	case 429:
		return KindRateLimit
	case StatusClientClosedRequest:
		return KindCancelled
	case 529:
		return KindOverloaded
	default:
		return KindAPI
	}
}

// Classify builds an Error from an upstream failure response, pulling
// the message out of an OpenAI-style error body when present and
// attaching guidance for the failure modes users hit most.
func Classify(status int, body []byte) *Error {
	message := strings.TrimSpace(string(body))

	var envelope struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error.Message != "" {
		message = envelope.Error.Message
	}

	return &Error{
		Status:  status,
		Kind:    kindForStatus(status),
		Message: guidance(message),
	}
}

// guidance swaps well-known upstream error messages for actionable
// text. Unknown messages pass through unchanged.
func guidance(message string) string {
	lower := strings.ToLower(message)

	switch {
	case strings.Contains(lower, "unsupported_country_region_territory") ||
		strings.Contains(lower, "country, region, or territory not supported"):
		return "API is not available in your region. Consider using a different provider or endpoint."
	case strings.Contains(lower, "invalid_api_key") || strings.Contains(lower, "unauthorized"):
		return "Invalid API key. Please check the provider api_key configuration."
	case strings.Contains(lower, "rate_limit") || strings.Contains(lower, "quota"):
		return "Rate limit exceeded. Please wait and try again, or upgrade your API plan."
	case strings.Contains(lower, "model") &&
		(strings.Contains(lower, "not found") || strings.Contains(lower, "does not exist")):
		return "Model not found. Please check the provider model lists in your configuration."
	case strings.Contains(lower, "billing") || strings.Contains(lower, "payment"):
		return "Billing issue. Please check your provider account billing status."
	}

	return message
}
