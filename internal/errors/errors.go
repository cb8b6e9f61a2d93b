// Package errors defines the gateway's machine-readable failure taxonomy and
// its HTTP rendering. Responses carry a stable reason code and never expose
// raw internal error text.
package errors

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/render"
)

// Reason codes returned to clients. These are wire-stable.
const (
	ReasonInvalidRequest    = "INVALID_REQUEST"
	ReasonMissingFields     = "MISSING_FIELDS"
	ReasonInvalidSignature  = "INVALID_SIGNATURE"
	ReasonInvalidUser       = "INVALID_USER"
	ReasonHwidNotAllowed    = "HWID_NOT_ALLOWED"
	ReasonHwidBanned        = "HWID_BANNED"
	ReasonHwidLimitReached  = "HWID_LIMIT_REACHED"
	ReasonVersionMismatch   = "VERSION_MISMATCH"
	ReasonInvalidSession    = "INVALID_SESSION"
	ReasonSessionMismatch   = "SESSION_MISMATCH"
	ReasonSessionExpired    = "SESSION_EXPIRED"
	ReasonServerConfigError = "SERVER_CONFIG_ERROR"
	ReasonStoreError        = "STORE_ERROR"
	ReasonInternalError     = "INTERNAL_ERROR"
)

// GateError is a structured authorization failure. It carries the HTTP
// status, the wire reason code, and optional extension fields (retryAfter,
// requiredVersion, remaining) that are flattened into the response body.
type GateError struct {
	StatusCode int
	Reason     string
	Extensions map[string]interface{}
}

// Error implements the error interface.
func (e *GateError) Error() string {
	return e.Reason
}

// Render implements the render.Renderer interface for chi/render.
func (e *GateError) Render(w http.ResponseWriter, r *http.Request) error {
	render.Status(r, e.StatusCode)
	return nil
}

// MarshalJSON flattens extensions into the response body alongside the
// fixed success/reason fields.
func (e *GateError) MarshalJSON() ([]byte, error) {
	body := make(map[string]interface{}, len(e.Extensions)+2)
	body["success"] = false
	body["reason"] = e.Reason
	for k, v := range e.Extensions {
		body[k] = v
	}
	return json.Marshal(body)
}

// New creates a GateError with the given status and reason.
func New(statusCode int, reason string) *GateError {
	return &GateError{
		StatusCode: statusCode,
		Reason:     reason,
		Extensions: make(map[string]interface{}),
	}
}

// WithExtension adds an extension field to the error response body.
func (e *GateError) WithExtension(key string, value interface{}) *GateError {
	e.Extensions[key] = value
	return e
}

// Constructors for the failure taxonomy.

// InvalidRequest marks an unparseable body or missing required field.
// It has no ledger effect.
func InvalidRequest(detail string) *GateError {
	return New(http.StatusBadRequest, ReasonInvalidRequest).
		WithExtension("detail", detail)
}

// MissingFields marks a syntactically valid body lacking required fields.
func MissingFields() *GateError {
	return New(http.StatusBadRequest, ReasonMissingFields)
}

// InvalidSignature marks a failed MAC check. Counts as a failed attempt.
func InvalidSignature() *GateError {
	return New(http.StatusUnauthorized, ReasonInvalidSignature)
}

// InvalidUser marks an unknown user id. Counts as a failed attempt.
func InvalidUser() *GateError {
	return New(http.StatusUnauthorized, ReasonInvalidUser)
}

// HwidNotAllowed marks a locked policy rejecting an unbound device.
func HwidNotAllowed() *GateError {
	return New(http.StatusUnauthorized, ReasonHwidNotAllowed)
}

// HwidBanned marks a device inside its ban window. retryAfter is the number
// of seconds until the ban expires.
func HwidBanned(retryAfter int64) *GateError {
	return New(http.StatusForbidden, ReasonHwidBanned).
		WithExtension("retryAfter", retryAfter)
}

// HwidLimitReached marks a slot table with no free slot.
func HwidLimitReached() *GateError {
	return New(http.StatusForbidden, ReasonHwidLimitReached)
}

// VersionMismatch tells the client which build version the server requires.
func VersionMismatch(requiredVersion string) *GateError {
	return New(http.StatusUpgradeRequired, ReasonVersionMismatch).
		WithExtension("requiredVersion", requiredVersion)
}

// InvalidSession marks an unknown session token.
func InvalidSession() *GateError {
	return New(http.StatusUnauthorized, ReasonInvalidSession)
}

// SessionMismatch marks a session bound to a different user or device.
func SessionMismatch() *GateError {
	return New(http.StatusUnauthorized, ReasonSessionMismatch)
}

// SessionExpired marks a session past its expiry timestamp.
func SessionExpired() *GateError {
	return New(http.StatusUnauthorized, ReasonSessionExpired)
}

// ServerConfigError marks missing or malformed app configuration.
func ServerConfigError() *GateError {
	return New(http.StatusInternalServerError, ReasonServerConfigError)
}

// StoreError marks an unreachable or malformed backing store. It must never
// be recorded as an authentication failure.
func StoreError() *GateError {
	return New(http.StatusInternalServerError, ReasonStoreError)
}

// Internal marks any other unexpected failure.
func Internal() *GateError {
	return New(http.StatusInternalServerError, ReasonInternalError)
}

// AsGateError extracts a GateError from an error chain, or nil.
func AsGateError(err error) *GateError {
	var ge *GateError
	if errors.As(err, &ge) {
		return ge
	}
	return nil
}

// CountsAgainstLedger reports whether a failure should consume one unit of
// the device's attempt budget. Store and config failures never do: a flaky
// store must not ban legitimate devices. Version mismatches and request
// parse failures are informational only.
func CountsAgainstLedger(err error) bool {
	ge := AsGateError(err)
	if ge == nil {
		return false
	}
	switch ge.Reason {
	case ReasonInvalidSignature, ReasonInvalidUser, ReasonHwidNotAllowed, ReasonHwidLimitReached:
		return true
	default:
		return false
	}
}
