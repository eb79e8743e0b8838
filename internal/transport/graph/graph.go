// Package graph implements a Transport that submits MIME messages through
// the Microsoft Graph sendMail API using OAuth2 client credentials.
package graph

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/shineum/sendipede/internal/errs"
	"github.com/shineum/sendipede/internal/transport"
)

const name = "graph"

const (
	defaultTokenURL = "https://login.microsoftonline.com/%s/oauth2/v2.0/token"
	defaultGraphURL = "https://graph.microsoft.com/v1.0"
	graphScope      = "https://graph.microsoft.com/.default"
)

// httpTimeout bounds each API call when no client is supplied.
const httpTimeout = 30 * time.Second

// maxErrorBody limits how much of an error response is read.
const maxErrorBody = 64 << 10

// Config holds the Graph application credentials.
type Config struct {
	TenantID     string
	ClientID     string
	ClientSecret string
}

// Transport sends messages via the Microsoft Graph API.
type Transport struct {
	credentials *clientcredentials.Config
	graphURL    string
	httpClient  *http.Client
	logger      *slog.Logger
}

// New creates a Graph transport for the given tenant and application.
func New(cfg Config, logger *slog.Logger) *Transport {
	return newWithOverrides(cfg, defaultGraphURL, fmt.Sprintf(defaultTokenURL, cfg.TenantID),
		&http.Client{Timeout: httpTimeout}, logger)
}

// newWithOverrides creates a Transport with custom URLs and HTTP client,
// used for testing.
func newWithOverrides(cfg Config, graphURL, tokenURL string, client *http.Client, logger *slog.Logger) *Transport {
	if logger == nil {
		logger = slog.Default()
	}
	return &Transport{
		credentials: &clientcredentials.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			TokenURL:     tokenURL,
			Scopes:       []string{graphScope},
			AuthStyle:    oauth2.AuthStyleInParams,
		},
		graphURL:   graphURL,
		httpClient: client,
		logger:     logger.With("transport", name),
	}
}

// Name returns the transport name.
func (t *Transport) Name() string {
	return name
}

// Open acquires an access token. The returned session refreshes it as
// needed for the rest of the batch.
func (t *Transport) Open(ctx context.Context) (transport.Session, error) {
	token, err := t.credentials.Token(context.WithValue(ctx, oauth2.HTTPClient, t.httpClient))
	if err != nil {
		return nil, &errs.AuthenticationError{Transport: name, Identity: t.credentials.ClientID, Err: err}
	}

	// Refreshes outlive the Open call.
	base := context.WithValue(context.WithoutCancel(ctx), oauth2.HTTPClient, t.httpClient)
	source := oauth2.ReuseTokenSource(token, t.credentials.TokenSource(base))

	t.logger.Debug("access token acquired", "expiry", token.Expiry)

	return &session{
		client:   oauth2.NewClient(base, source),
		graphURL: t.graphURL,
		logger:   t.logger,
	}, nil
}

type session struct {
	client   *http.Client
	graphURL string
	logger   *slog.Logger

	mu     sync.Mutex
	closed bool
}

// Send posts the base64-encoded MIME message to the sender's sendMail
// endpoint. Graph reads the recipient from the message's To header.
func (s *session) Send(ctx context.Context, from, to string, raw []byte) error {
	if s.isClosed() {
		return &errs.TransportError{Transport: name, Op: "sendMail", Err: fmt.Errorf("session closed")}
	}

	endpoint := fmt.Sprintf("%s/users/%s/sendMail", s.graphURL, url.PathEscape(from))
	body := base64.StdEncoding.EncodeToString(raw)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewBufferString(body))
	if err != nil {
		return &errs.TransportError{Transport: name, Op: "sendMail", Err: err}
	}
	req.Header.Set("Content-Type", "text/plain")

	resp, err := s.client.Do(req)
	if err != nil {
		return &errs.TransportError{Transport: name, Op: "sendMail", Err: err}
	}
	defer resp.Body.Close()

	// HTTP 202 Accepted is success for sendMail
	if resp.StatusCode == http.StatusAccepted || resp.StatusCode == http.StatusOK {
		s.logger.Debug("message accepted", "recipient", to)
		return nil
	}

	return classify(to, resp)
}

// Close drops the session's token source.
func (s *session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// classify maps a non-success response onto the delivery error kinds.
func classify(to string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))

	apiErr := &apiError{StatusCode: resp.StatusCode, Message: string(body)}
	var errResp errorResponse
	if jsonErr := json.Unmarshal(body, &errResp); jsonErr == nil && errResp.Error.Message != "" {
		apiErr.Code = errResp.Error.Code
		apiErr.Message = errResp.Error.Message
	}

	switch resp.StatusCode {
	case http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound:
		return &errs.RecipientError{Address: to, Stage: "sendMail", Err: apiErr}
	default:
		return &errs.TransportError{Transport: name, Op: "sendMail", Err: apiErr}
	}
}
