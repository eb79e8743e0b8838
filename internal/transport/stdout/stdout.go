// Package stdout implements a dry-run Transport that prints each composed
// message instead of delivering it.
package stdout

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/shineum/sendipede/internal/parser"
	"github.com/shineum/sendipede/internal/transport"
)

const separator = "========================================\n"

// Transport prints messages in a human-readable format.
type Transport struct {
	// writer is the output destination, defaulting to os.Stdout.
	writer io.Writer
	logger *slog.Logger

	// mu keeps each printed message contiguous when the writer is shared.
	mu sync.Mutex
}

// New creates a stdout Transport that writes to os.Stdout.
func New(logger *slog.Logger) *Transport {
	return NewWithWriter(os.Stdout, logger)
}

// NewWithWriter creates a stdout Transport that writes to w.
func NewWithWriter(w io.Writer, logger *slog.Logger) *Transport {
	if logger == nil {
		logger = slog.Default()
	}
	return &Transport{writer: w, logger: logger.With("transport", "stdout")}
}

// Name returns the transport name.
func (t *Transport) Name() string {
	return "stdout"
}

// Open never fails.
func (t *Transport) Open(context.Context) (transport.Session, error) {
	return &session{transport: t}, nil
}

type session struct {
	transport *Transport
}

// Send prints the envelope and a summary of the parsed message. It always
// returns nil; output problems are logged.
func (s *session) Send(_ context.Context, from, to string, raw []byte) error {
	var b strings.Builder

	b.WriteString(separator)
	fmt.Fprintf(&b, "Envelope: %s -> %s\n", from, to)

	msg, err := parser.Parse(raw)
	if err != nil {
		s.transport.logger.Warn("failed to parse composed message", "recipient", to, "error", err)
		fmt.Fprintf(&b, "Raw: %d bytes\n", len(raw))
	} else {
		fmt.Fprintf(&b, "From: %s\n", msg.From)
		fmt.Fprintf(&b, "To: %s\n", strings.Join(msg.To, ", "))
		fmt.Fprintf(&b, "Subject: %s\n", msg.Subject)
		if msg.MessageID != "" {
			fmt.Fprintf(&b, "Message-ID: %s\n", msg.MessageID)
		}
		if dkim := msg.Headers["Dkim-Signature"]; len(dkim) > 0 {
			b.WriteString("DKIM: signed\n")
		}
		b.WriteString("Body:\n")
		b.WriteString(strings.ReplaceAll(msg.TextBody, "\r\n", "\n") + "\n")

		if len(msg.Attachments) > 0 {
			attachments := make([]string, 0, len(msg.Attachments))
			for _, att := range msg.Attachments {
				attachments = append(attachments, fmt.Sprintf("%s (%s)", att.Filename, formatSize(len(att.Content))))
			}
			fmt.Fprintf(&b, "Attachments: %s\n", strings.Join(attachments, ", "))
		}
	}
	b.WriteString(separator)

	s.transport.mu.Lock()
	defer s.transport.mu.Unlock()
	if _, err := io.WriteString(s.transport.writer, b.String()); err != nil {
		s.transport.logger.Warn("failed to write message", "recipient", to, "error", err)
	}
	return nil
}

// Close is a no-op.
func (s *session) Close() error {
	return nil
}

// formatSize formats a byte count into a human-readable string.
func formatSize(bytes int) string {
	const (
		kb = 1024
		mb = kb * 1024
	)

	switch {
	case bytes >= mb:
		return fmt.Sprintf("%.1f MB", float64(bytes)/float64(mb))
	case bytes >= kb:
		return fmt.Sprintf("%.1f KB", float64(bytes)/float64(kb))
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}
