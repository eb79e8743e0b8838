package relaytest

import (
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"net"
	"slices"
	"strconv"
	"sync"
	"testing"
	"time"

	sendtls "github.com/shineum/sendipede/internal/tls"
)

// shutdownTimeout is the maximum time Close waits for in-flight sessions.
const shutdownTimeout = 5 * time.Second

// Options scripts the behaviour of a relay.
type Options struct {
	// Hostname is announced in the greeting and EHLO responses.
	Hostname string

	// Username and Password enable AUTH when Password is set.
	Username string
	Password string

	// TLS serves implicit TLS with a freshly generated certificate.
	TLS bool

	// RejectRecipients are refused at RCPT TO with a 550 reply.
	RejectRecipients []string

	// RejectData are accepted at RCPT TO but refused after DATA with 554.
	RejectData []string

	// DropOnData closes the connection without replying when the relay
	// receives its Nth DATA command. Zero disables it.
	DropOnData int

	// Logger receives protocol diagnostics. Defaults to slog.Default().
	Logger *slog.Logger
}

// Delivery is a message accepted by the relay.
type Delivery struct {
	From string
	To   []string
	Data []byte
}

// Server is an SMTP relay listening on a loopback port.
type Server struct {
	opts     Options
	auth     *authenticator
	logger   *slog.Logger
	listener net.Listener
	cert     *tls.Certificate

	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu         sync.Mutex
	deliveries []Delivery
	dataCount  int
	quits      int
	sessions   int
}

// New creates a relay with the given options. Call Start to begin serving.
func New(opts Options) *Server {
	if opts.Hostname == "" {
		opts.Hostname = "localhost"
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		opts:   opts,
		auth:   &authenticator{username: opts.Username, password: opts.Password},
		logger: logger,
	}
}

// Run starts a relay and stops it when the test finishes.
func Run(tb testing.TB, opts Options) *Server {
	tb.Helper()

	s := New(opts)
	if err := s.Start(); err != nil {
		tb.Fatalf("relaytest: start: %v", err)
	}
	tb.Cleanup(func() { s.Close() })
	return s
}

// Start listens on 127.0.0.1 with an ephemeral port and serves connections
// in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return err
	}

	if s.opts.TLS {
		tlsConfig, cert, err := sendtls.ServerConfig()
		if err != nil {
			ln.Close()
			return err
		}
		s.cert = cert
		ln = tls.NewListener(ln, tlsConfig)
	}
	s.listener = ln

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	s.logger.Debug("relay listening",
		"addr", ln.Addr().String(),
		"auth_enabled", s.auth.enabled(),
		"tls_enabled", s.opts.TLS,
	)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.serve(ctx)
	}()
	return nil
}

func (s *Server) serve(ctx context.Context) {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				return
			}
			s.logger.Error("accept error", "error", err)
			continue
		}

		s.mu.Lock()
		s.sessions++
		s.mu.Unlock()

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			newSession(conn, s).handle(ctx)
		}()
	}
}

// Close stops accepting connections and waits for in-flight sessions.
func (s *Server) Close() error {
	if s.cancel == nil {
		return nil
	}
	s.cancel()
	err := s.listener.Close()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(shutdownTimeout):
		s.logger.Warn("relay shutdown timeout reached")
	}
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

// Addr returns the listener address.
func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

// Host returns the listener IP address.
func (s *Server) Host() string {
	host, _, _ := net.SplitHostPort(s.Addr())
	return host
}

// Port returns the listener port.
func (s *Server) Port() int {
	_, port, _ := net.SplitHostPort(s.Addr())
	n, _ := strconv.Atoi(port)
	return n
}

// CertificatePEM returns the PEM encoded certificate served with TLS, or nil.
func (s *Server) CertificatePEM() []byte {
	if s.cert == nil {
		return nil
	}
	return sendtls.EncodeCertPEM(s.cert)
}

// Deliveries returns a copy of the accepted messages in arrival order.
func (s *Server) Deliveries() []Delivery {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.deliveries)
}

// Recipients returns the recipients of every accepted message in arrival order.
func (s *Server) Recipients() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, d := range s.deliveries {
		out = append(out, d.To...)
	}
	return out
}

// QuitCount returns how many QUIT commands the relay has received.
func (s *Server) QuitCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.quits
}

// SessionCount returns how many connections the relay has accepted.
func (s *Server) SessionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions
}

func (s *Server) record(d Delivery) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deliveries = append(s.deliveries, d)
}

func (s *Server) recordQuit() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.quits++
}

// nextData counts a DATA command and reports whether the connection should
// be dropped instead of answered.
func (s *Server) nextData() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dataCount++
	return s.opts.DropOnData > 0 && s.dataCount == s.opts.DropOnData
}
