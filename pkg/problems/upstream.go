package problems

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Upstream classifies an outbound transport failure: timeouts become the
// retryable ErrUpstreamTimeout kind, everything else ErrUpstream. op and
// tenant give enough context to diagnose without leaking secrets.
func Upstream(op, tenantID string, err error) error {
	kind := ErrUpstream
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		kind = ErrUpstreamTimeout
	}
	return fmt.Errorf("%s (tenant %s): %w: %w", op, tenantID, kind, err)
}

// UpstreamStatus wraps a non-2xx provider answer.
func UpstreamStatus(op, tenantID string, status int) error {
	return fmt.Errorf("%s (tenant %s): status %d: %w", op, tenantID, status, ErrUpstream)
}
