package problems

import "errors"

// Every failure path is distinguishable by kind, never by string matching.
// Components wrap these with fmt.Errorf("...: %w", ...) to add operation and
// tenant context; the HTTP layer maps the kind to a status and problem slug.
var (
	// ErrMissingOrigin: the Origin header is the only binding between a
	// registration and the server allowed to use it; absence is a client error.
	ErrMissingOrigin = errors.New("origin header required")

	// ErrAlreadyConfigured: a completed registration exists for this origin.
	ErrAlreadyConfigured = errors.New("integration already configured")

	// ErrTenantNotFound covers both "no such tenant" and "wrong secret" —
	// callers must not be able to tell which half of the pair was wrong.
	ErrTenantNotFound = errors.New("tenant not found")

	// ErrUnauthorized is the same opacity rule at the customer-server trust
	// boundary (compliance submit/poll).
	ErrUnauthorized = errors.New("unauthorized")

	// ErrEnterpriseNotManaged: the enterprise id is not one this system manages.
	ErrEnterpriseNotManaged = errors.New("enterprise not managed")

	// ErrTokenRefreshFailed: the identity provider rejected the grant.
	// Callers must not retry indefinitely.
	ErrTokenRefreshFailed = errors.New("token refresh failed")

	// ErrUpstreamTimeout is a retryable upstream failure kind.
	ErrUpstreamTimeout = errors.New("upstream timeout")

	// ErrUpstream: the provider answered with a non-2xx status.
	ErrUpstream = errors.New("upstream request failed")

	// ErrUpstreamParse: the provider answered 2xx with a body we cannot use.
	ErrUpstreamParse = errors.New("upstream response unparseable")
)
