// Package errs defines the error kinds shared by the delivery pipeline.
//
// Fatal kinds abort a run after any open session has been released.
// RecipientError is the only recoverable kind: the dispatcher records it in
// a delivery outcome and moves on to the next address.
package errs

import (
	"errors"
	"fmt"
)

// ErrMalformedMessage indicates the message source has no line separator
// between the subject and the body.
var ErrMalformedMessage = errors.New("message source has no subject/body separator")

// InputError reports a recipient or message source that could not be read.
type InputError struct {
	Source string
	Err    error
}

func (e *InputError) Error() string {
	return fmt.Sprintf("read input %s: %v", e.Source, e.Err)
}

func (e *InputError) Unwrap() error {
	return e.Err
}

// AttachmentError reports an attachment path that is missing or unreadable.
type AttachmentError struct {
	Path string
	Err  error
}

func (e *AttachmentError) Error() string {
	return fmt.Sprintf("attachment %s: %v", e.Path, e.Err)
}

func (e *AttachmentError) Unwrap() error {
	return e.Err
}

// AuthenticationError reports credentials rejected while opening a session.
type AuthenticationError struct {
	Transport string
	Identity  string
	Err       error
}

func (e *AuthenticationError) Error() string {
	return fmt.Sprintf("%s: authentication as %q failed: %v", e.Transport, e.Identity, e.Err)
}

func (e *AuthenticationError) Unwrap() error {
	return e.Err
}

// RecipientError reports a transport-level rejection of a single message:
// refused recipient, refused sender, data-phase failure or an unsupported
// command. The session stays usable after a RecipientError.
type RecipientError struct {
	Address string
	Stage   string
	Err     error
}

func (e *RecipientError) Error() string {
	return fmt.Sprintf("deliver to %s rejected at %s: %v", e.Address, e.Stage, e.Err)
}

func (e *RecipientError) Unwrap() error {
	return e.Err
}

// TransportError reports a condition under which the session can no longer
// be used, such as a dropped connection or a protocol violation.
type TransportError struct {
	Transport string
	Op        string
	Err       error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Transport, e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Timeout reports whether the failure was caused by an expired deadline.
func (e *TransportError) Timeout() bool {
	var t interface{ Timeout() bool }
	return errors.As(e.Err, &t) && t.Timeout()
}

// IsRecipient reports whether err is a recoverable per-recipient failure.
func IsRecipient(err error) bool {
	var re *RecipientError
	return errors.As(err, &re)
}
