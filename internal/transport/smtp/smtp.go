// Package smtp implements a Transport that submits messages to a mail relay
// over SMTP, in clear text or with implicit TLS.
package smtp

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/emersion/go-sasl"
	gosmtp "github.com/emersion/go-smtp"

	"github.com/shineum/sendipede/internal/errs"
	sendtls "github.com/shineum/sendipede/internal/tls"
	"github.com/shineum/sendipede/internal/transport"
)

const name = "smtp"

// defaultHelo is announced in EHLO when no name is configured.
const defaultHelo = "localhost"

// Reply codes that mean the relay refused the credentials.
const (
	codeAuthRequired = 530
	codeAuthTooWeak  = 534
	codeAuthInvalid  = 535
	codeUnavailable  = 421
)

// Config holds the relay connection settings.
type Config struct {
	Host     string
	Port     int
	SSL      bool
	Identity string
	Password string
	Helo     string
	CAFile   string
	Timeout  time.Duration
}

// Transport opens SMTP sessions against a single relay.
type Transport struct {
	cfg    Config
	logger *slog.Logger
}

// New creates an SMTP transport.
func New(cfg Config, logger *slog.Logger) *Transport {
	if cfg.Helo == "" {
		cfg.Helo = defaultHelo
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Transport{cfg: cfg, logger: logger.With("transport", name)}
}

// Name returns the transport name.
func (t *Transport) Name() string {
	return name
}

// Open dials the relay, greets it and authenticates when a password is set.
func (t *Transport) Open(ctx context.Context) (transport.Session, error) {
	addr := net.JoinHostPort(t.cfg.Host, strconv.Itoa(t.cfg.Port))

	conn, err := t.dial(ctx, addr)
	if err != nil {
		return nil, &errs.TransportError{Transport: name, Op: "dial " + addr, Err: err}
	}

	// Bound the greeting and the handshake; go-smtp sets its own deadline
	// on every command after that.
	if t.cfg.Timeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(t.cfg.Timeout))
	}

	client := gosmtp.NewClient(conn)
	if t.cfg.Timeout > 0 {
		client.CommandTimeout = t.cfg.Timeout
		client.SubmissionTimeout = t.cfg.Timeout
	}

	if err := client.Hello(t.cfg.Helo); err != nil {
		client.Close()
		return nil, &errs.TransportError{Transport: name, Op: "EHLO", Err: err}
	}

	if t.cfg.Password != "" {
		auth := sasl.NewPlainClient("", t.cfg.Identity, t.cfg.Password)
		if err := client.Auth(auth); err != nil {
			client.Close()
			if isAuthRejection(err) {
				return nil, &errs.AuthenticationError{Transport: name, Identity: t.cfg.Identity, Err: err}
			}
			return nil, &errs.TransportError{Transport: name, Op: "AUTH", Err: err}
		}
	}

	_ = conn.SetDeadline(time.Time{})

	t.logger.Debug("session opened",
		"addr", addr,
		"ssl", t.cfg.SSL,
		"auth", t.cfg.Password != "",
	)
	return &session{client: client, conn: conn, logger: t.logger}, nil
}

func (t *Transport) dial(ctx context.Context, addr string) (net.Conn, error) {
	netDialer := &net.Dialer{Timeout: t.cfg.Timeout}
	if !t.cfg.SSL {
		return netDialer.DialContext(ctx, "tcp", addr)
	}

	tlsConfig, err := sendtls.ClientConfig(t.cfg.Host, t.cfg.CAFile)
	if err != nil {
		return nil, err
	}
	dialer := &tls.Dialer{NetDialer: netDialer, Config: tlsConfig}
	return dialer.DialContext(ctx, "tcp", addr)
}

// isAuthRejection reports whether an AUTH failure came from the relay
// refusing the credentials rather than from the connection.
func isAuthRejection(err error) bool {
	var smtpErr *gosmtp.SMTPError
	if errors.As(err, &smtpErr) {
		return smtpErr.Code != codeUnavailable
	}
	var netErr net.Error
	return !errors.As(err, &netErr)
}

// session is one authenticated SMTP connection.
type session struct {
	client *gosmtp.Client
	conn   net.Conn
	logger *slog.Logger

	// broken is set once the connection can no longer carry a QUIT.
	broken bool

	closeOnce sync.Once
	closeErr  error
}

// Send runs one MAIL/RCPT/DATA transaction for a single recipient.
func (s *session) Send(ctx context.Context, from, to string, raw []byte) error {
	if s.broken {
		return &errs.TransportError{Transport: name, Op: "send", Err: net.ErrClosed}
	}
	if err := ctx.Err(); err != nil {
		return &errs.TransportError{Transport: name, Op: "send", Err: err}
	}

	// Unblock an in-flight exchange when the context is cancelled.
	stop := context.AfterFunc(ctx, func() {
		_ = s.conn.SetDeadline(time.Now())
	})
	defer stop()

	if err := s.client.Mail(from, nil); err != nil {
		return s.fail(to, "MAIL FROM", err)
	}
	if err := s.client.Rcpt(to, nil); err != nil {
		return s.fail(to, "RCPT TO", err)
	}

	w, err := s.client.Data()
	if err != nil {
		return s.fail(to, "DATA", err)
	}
	if _, err := w.Write(raw); err != nil {
		w.Close()
		return s.fail(to, "DATA", err)
	}
	if err := w.Close(); err != nil {
		return s.fail(to, "DATA", err)
	}

	s.logger.Debug("message accepted", "recipient", to)
	return nil
}

// fail classifies an error raised during a transaction. A reply from the
// relay rejects only this recipient, provided the transaction can be reset.
func (s *session) fail(to, stage string, err error) error {
	var smtpErr *gosmtp.SMTPError
	if errors.As(err, &smtpErr) && smtpErr.Code != codeUnavailable {
		if resetErr := s.client.Reset(); resetErr != nil {
			s.broken = true
			return &errs.TransportError{Transport: name, Op: "RSET", Err: resetErr}
		}
		return &errs.RecipientError{Address: to, Stage: stage, Err: err}
	}

	s.broken = true
	return &errs.TransportError{Transport: name, Op: stage, Err: err}
}

// Close sends QUIT when the connection is still healthy and closes it.
func (s *session) Close() error {
	s.closeOnce.Do(func() {
		if !s.broken {
			err := s.client.Quit()
			if err == nil {
				return
			}
			s.logger.Debug("QUIT failed", "error", err)
		}
		if err := s.client.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			s.closeErr = fmt.Errorf("close connection: %w", err)
		}
	})
	return s.closeErr
}
