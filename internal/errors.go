package gateway

import "errors"

// Sentinel errors for the gateway domain.
var (
	ErrUnauthorized    = errors.New("unauthorized")
	ErrForbidden       = errors.New("forbidden")
	ErrNotFound        = errors.New("not found")
	ErrConflict        = errors.New("conflict")
	ErrRateLimited     = errors.New("rate limited")
	ErrQuotaExceeded   = errors.New("quota exceeded")
	ErrModelNotAllowed = errors.New("model not allowed")
	ErrProviderError   = errors.New("provider error")
	ErrBadRequest      = errors.New("bad request")
	ErrKeyExpired      = errors.New("api key expired")
	ErrKeyBlocked      = errors.New("api key blocked")

	// ErrMissingIdentification is returned by client identification when no
	// client_id can be extracted from the request. Maps to 400, not 401:
	// this is a malformed-request problem, not an authentication failure.
	ErrMissingIdentification = errors.New("missing client identification")
	// ErrUnauthorizedGroup is returned by client identification when the
	// extracted group is not in the configured allowed set. Maps to 400
	// alongside ErrMissingIdentification (see DESIGN.md).
	ErrUnauthorizedGroup = errors.New("unauthorized group")
	// ErrInvalidParams is returned by MCP dispatch for malformed tool names
	// or unknown server/tool references.
	ErrInvalidParams = errors.New("invalid params")
	// ErrUpstream indicates a downstream provider or MCP server was
	// unreachable or returned a server error. Maps to 502.
	ErrUpstream = errors.New("upstream error")
)
