// Package transport defines the interface between the dispatcher and the
// mail delivery backends.
package transport

import (
	"context"
)

// Transport opens delivery sessions against one backend. A session is opened
// for each recipient batch and closed before the next one is opened.
type Transport interface {
	// Open establishes an authenticated session. Credential rejections are
	// reported as *errs.AuthenticationError, connection failures as
	// *errs.TransportError.
	Open(ctx context.Context) (Session, error)

	// Name returns the human-readable name of this transport.
	Name() string
}

// Session submits messages over an established connection.
type Session interface {
	// Send submits raw to a single recipient. A *errs.RecipientError leaves
	// the session usable; any other error means it must be closed.
	Send(ctx context.Context, from, to string, raw []byte) error

	// Close releases the session. Calling Close more than once is a no-op.
	Close() error
}
