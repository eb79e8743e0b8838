// Package runner orchestrates a delivery run: it loads the message and the
// recipients, splits them into batches and dispatches each batch over its
// own transport session.
package runner

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/shineum/sendipede/internal/dispatch"
	"github.com/shineum/sendipede/internal/email"
	"github.com/shineum/sendipede/internal/recipient"
	"github.com/shineum/sendipede/internal/transport"
)

// Job names the inputs of a run.
type Job struct {
	MessagePath   string
	RecipientPath string
	Attachments   []string
}

// Summary aggregates the outcomes of a run.
type Summary struct {
	Recipients int
	Batches    int
	Delivered  int
	Failed     int
	Outcomes   []dispatch.Outcome
}

// Attempted returns the number of addresses a send was attempted for.
func (s Summary) Attempted() int {
	return len(s.Outcomes)
}

func (s *Summary) add(outcomes []dispatch.Outcome) {
	for _, o := range outcomes {
		if o.Delivered() {
			s.Delivered++
		} else {
			s.Failed++
		}
	}
	s.Outcomes = append(s.Outcomes, outcomes...)
}

// Runner executes runs against one transport.
type Runner struct {
	transport   transport.Transport
	dispatcher  *dispatch.Dispatcher
	sessionSize int
	logger      *slog.Logger
	tracer      trace.Tracer
}

// New creates a Runner. A sessionSize of recipient.Unbounded sends every
// recipient over a single session.
func New(t transport.Transport, d *dispatch.Dispatcher, sessionSize int, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		transport:   t,
		dispatcher:  d,
		sessionSize: sessionSize,
		logger:      logger,
		tracer:      otel.Tracer("github.com/shineum/sendipede/internal/runner"),
	}
}

// Run loads the template and its attachments, then the recipients, and
// delivers. Input problems are reported before any connection is opened.
func (r *Runner) Run(ctx context.Context, job Job) (Summary, error) {
	tmpl, err := email.LoadTemplate(job.MessagePath, job.Attachments)
	if err != nil {
		return Summary{}, err
	}

	addresses, err := recipient.ReadFile(job.RecipientPath)
	if err != nil {
		return Summary{}, err
	}

	return r.Deliver(ctx, tmpl, addresses)
}

// Deliver sends tmpl to every address of the set, one session per batch.
// A fatal error stops the run after the current session is closed; later
// batches are not attempted.
func (r *Runner) Deliver(ctx context.Context, tmpl *email.Template, addresses recipient.Set) (Summary, error) {
	ctx, span := r.tracer.Start(ctx, "runner.Runner.Deliver")
	defer span.End()

	batches := recipient.Split(addresses, r.sessionSize)
	summary := Summary{Recipients: addresses.Len(), Batches: len(batches)}

	span.SetAttributes(
		attribute.String("sendipede.transport", r.transport.Name()),
		attribute.Int("sendipede.recipients", summary.Recipients),
		attribute.Int("sendipede.batches", summary.Batches),
	)

	start := time.Now()
	r.logger.Info("run started",
		"transport", r.transport.Name(),
		"recipients", summary.Recipients,
		"batches", summary.Batches,
		"attachments", len(tmpl.Attachments),
	)

	for i, batch := range batches {
		outcomes, err := r.runBatch(ctx, i+1, tmpl, batch)
		summary.add(outcomes)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "run aborted")
			r.logger.Error("run aborted",
				"batch", i+1,
				"attempted", summary.Attempted(),
				"error", err,
			)
			return summary, err
		}
	}

	span.SetAttributes(
		attribute.Int("sendipede.delivered", summary.Delivered),
		attribute.Int("sendipede.failed", summary.Failed),
	)
	span.SetStatus(codes.Ok, "run completed")

	r.logger.Info("run finished",
		"delivered", summary.Delivered,
		"failed", summary.Failed,
		"duration", time.Since(start),
	)
	return summary, nil
}

// runBatch opens a session, dispatches the batch and always closes the session.
func (r *Runner) runBatch(ctx context.Context, n int, tmpl *email.Template, batch recipient.Batch) ([]dispatch.Outcome, error) {
	sess, err := r.transport.Open(ctx)
	if err != nil {
		return nil, err
	}
	r.logger.Info("session opened", "batch", n, "size", len(batch))

	defer func() {
		if err := sess.Close(); err != nil {
			r.logger.Warn("session close failed", "batch", n, "error", err)
			return
		}
		r.logger.Info("session closed", "batch", n)
	}()

	return r.dispatcher.SendBatch(ctx, tmpl, batch, sess)
}
