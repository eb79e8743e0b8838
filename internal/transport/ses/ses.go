// Package ses implements a Transport that submits raw messages through the
// AWS SES v2 API.
package ses

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	sesv2 "github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"
	"github.com/aws/smithy-go"

	"github.com/shineum/sendipede/internal/errs"
	"github.com/shineum/sendipede/internal/transport"
)

const name = "ses"

// defaultIdentity names the credential source when no static keys are set.
const defaultIdentity = "default credential chain"

// recipientErrorCodes are API errors that reject a single message.
var recipientErrorCodes = map[string]bool{
	"MessageRejected":                    true,
	"MailFromDomainNotVerifiedException": true,
	"BadRequestException":                true,
	"NotFoundException":                  true,
}

// credentialErrorCodes mean the configured credentials were refused. They
// are fatal for the run because every later call fails the same way.
var credentialErrorCodes = map[string]bool{
	"UnrecognizedClientException": true,
	"InvalidClientTokenId":        true,
	"SignatureDoesNotMatch":       true,
	"AccessDeniedException":       true,
	"AccessDenied":                true,
	"ExpiredTokenException":       true,
	"ExpiredToken":                true,
}

// transportErrorCodes are client faults that still make the account unusable
// for the rest of the run.
var transportErrorCodes = map[string]bool{
	"TooManyRequestsException":  true,
	"LimitExceededException":    true,
	"AccountSuspendedException": true,
	"SendingPausedException":    true,
}

// Config holds the SES settings.
type Config struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string
}

// SendEmailAPI is the interface for the SES v2 SendEmail operation.
// Used for testing with mock implementations.
type SendEmailAPI interface {
	SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// Transport sends messages via the AWS SES v2 API.
type Transport struct {
	client      SendEmailAPI
	credentials aws.CredentialsProvider
	identity    string
	logger      *slog.Logger
}

// New creates an SES transport. SDK retries are disabled; a failed call is
// reported once.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Transport, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithRetryMaxAttempts(1),
	}

	identity := defaultIdentity
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		identity = cfg.AccessKeyID
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	t := NewWithClient(sesv2.NewFromConfig(awsCfg), awsCfg.Credentials, logger)
	t.identity = identity
	return t, nil
}

// NewWithClient creates an SES transport around a custom client, used for
// testing. A nil credentials provider skips the credential check on Open.
func NewWithClient(client SendEmailAPI, creds aws.CredentialsProvider, logger *slog.Logger) *Transport {
	if logger == nil {
		logger = slog.Default()
	}
	return &Transport{
		client:      client,
		credentials: creds,
		identity:    defaultIdentity,
		logger:      logger.With("transport", name),
	}
}

// Name returns the transport name.
func (t *Transport) Name() string {
	return name
}

// Open resolves credentials so that a missing or unresolvable key fails the
// run before any message is submitted. Static keys always resolve; their
// rejection surfaces on the first SendEmail call instead.
func (t *Transport) Open(ctx context.Context) (transport.Session, error) {
	if t.credentials != nil {
		if _, err := t.credentials.Retrieve(ctx); err != nil {
			return nil, &errs.AuthenticationError{Transport: name, Identity: t.identity, Err: err}
		}
	}
	return &session{client: t.client, identity: t.identity, logger: t.logger}, nil
}

type session struct {
	client   SendEmailAPI
	identity string
	logger   *slog.Logger

	mu     sync.Mutex
	closed bool
}

// Send submits raw as a single-destination raw message.
func (s *session) Send(ctx context.Context, from, to string, raw []byte) error {
	if s.isClosed() {
		return &errs.TransportError{Transport: name, Op: "send", Err: errors.New("session closed")}
	}

	input := &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(from),
		Destination:      &types.Destination{ToAddresses: []string{to}},
		Content: &types.EmailContent{
			Raw: &types.RawMessage{Data: raw},
		},
	}

	out, err := s.client.SendEmail(ctx, input)
	if err != nil {
		return classify(to, s.identity, err)
	}

	s.logger.Debug("message accepted",
		"recipient", to,
		"message_id", aws.ToString(out.MessageId),
	)
	return nil
}

// Close marks the session closed. The SDK client holds no per-session state.
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

// classify maps an SES API error onto the delivery error kinds.
func classify(to, identity string, err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) && credentialErrorCodes[apiErr.ErrorCode()] {
		return &errs.AuthenticationError{Transport: name, Identity: identity, Err: err}
	}
	if errors.As(err, &apiErr) && !transportErrorCodes[apiErr.ErrorCode()] {
		if recipientErrorCodes[apiErr.ErrorCode()] || apiErr.ErrorFault() == smithy.FaultClient {
			return &errs.RecipientError{Address: to, Stage: "SendEmail", Err: err}
		}
	}
	return &errs.TransportError{Transport: name, Op: "SendEmail", Err: err}
}
