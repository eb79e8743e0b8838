// Package dispatch sends one composed message per recipient of a batch
// through an open transport session.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/shineum/sendipede/internal/email"
	"github.com/shineum/sendipede/internal/errs"
	"github.com/shineum/sendipede/internal/recipient"
	"github.com/shineum/sendipede/internal/transport"
)

// Status is the result of one delivery attempt.
type Status string

const (
	StatusDelivered Status = "delivered"
	StatusFailed    Status = "failed"
)

// Outcome records the delivery result for one address. Err is set only when
// Status is StatusFailed.
type Outcome struct {
	Address string
	Status  Status
	Err     error
}

// Delivered reports whether the transport accepted the message.
func (o Outcome) Delivered() bool {
	return o.Status == StatusDelivered
}

// Signer adds a signature to a rendered message.
type Signer interface {
	Sign(message []byte, from string) ([]byte, error)
}

// Dispatcher composes and submits per-recipient messages.
type Dispatcher struct {
	sender string
	signer Signer
	logger *slog.Logger
	tracer trace.Tracer
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithSigner signs every rendered message before submission.
func WithSigner(s Signer) Option {
	return func(d *Dispatcher) {
		d.signer = s
	}
}

// WithLogger sets the logger used for per-recipient outcome lines.
func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) {
		d.logger = l
	}
}

// WithTracer overrides the global tracer.
func WithTracer(t trace.Tracer) Option {
	return func(d *Dispatcher) {
		d.tracer = t
	}
}

// New creates a Dispatcher that sends as sender.
func New(sender string, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		sender: sender,
		logger: slog.Default(),
		tracer: otel.Tracer("github.com/shineum/sendipede/internal/dispatch"),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// SendBatch submits one message per address, in order, over sess.
//
// A recipient rejection is recorded in the returned outcomes and the next
// address is attempted. Any other error stops the batch; it is returned
// together with the outcomes gathered so far.
func (d *Dispatcher) SendBatch(ctx context.Context, tmpl *email.Template, batch recipient.Batch, sess transport.Session) ([]Outcome, error) {
	ctx, span := d.tracer.Start(ctx, "dispatch.Dispatcher.SendBatch")
	defer span.End()

	span.SetAttributes(attribute.Int("sendipede.batch.size", len(batch)))

	outcomes := make([]Outcome, 0, len(batch))
	failed := 0

	for _, address := range batch {
		err := d.send(ctx, tmpl, address, sess)
		switch {
		case err == nil:
			outcomes = append(outcomes, Outcome{Address: address, Status: StatusDelivered})
			d.logger.Info("message delivered", "recipient", address)
		case errs.IsRecipient(err):
			failed++
			outcomes = append(outcomes, Outcome{Address: address, Status: StatusFailed, Err: err})
			d.logger.Error("message rejected", "recipient", address, "error", err)
		default:
			span.RecordError(err)
			span.SetStatus(codes.Error, "batch aborted")
			return outcomes, err
		}
	}

	span.SetAttributes(
		attribute.Int("sendipede.batch.delivered", len(outcomes)-failed),
		attribute.Int("sendipede.batch.failed", failed),
	)
	if failed > 0 {
		span.SetStatus(codes.Error, fmt.Sprintf("%d/%d recipients failed", failed, len(batch)))
	} else {
		span.SetStatus(codes.Ok, "batch delivered")
	}
	return outcomes, nil
}

// send composes, renders, signs and submits the message for one address.
func (d *Dispatcher) send(ctx context.Context, tmpl *email.Template, address string, sess transport.Session) error {
	raw, err := email.Compose(tmpl, d.sender, address).Render()
	if err != nil {
		return fmt.Errorf("render message for %s: %w", address, err)
	}

	if d.signer != nil {
		signed, err := d.signer.Sign(raw, d.sender)
		if err != nil {
			return &errs.RecipientError{Address: address, Stage: "sign", Err: err}
		}
		raw = signed
	}

	d.logger.Debug("submitting message", "recipient", address, "bytes", len(raw))
	return sess.Send(ctx, d.sender, address, raw)
}
