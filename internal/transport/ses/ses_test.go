package ses

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	sesv2 "github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/smithy-go"

	"github.com/shineum/sendipede/internal/errs"
	"github.com/shineum/sendipede/internal/transport"
)

// mockSESClient implements SendEmailAPI for testing.
type mockSESClient struct {
	sendFn    func(ctx context.Context, params *sesv2.SendEmailInput) (*sesv2.SendEmailOutput, error)
	callCount int
	lastInput *sesv2.SendEmailInput
}

func (m *mockSESClient) SendEmail(ctx context.Context, params *sesv2.SendEmailInput, _ ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error) {
	m.callCount++
	m.lastInput = params
	if m.sendFn != nil {
		return m.sendFn(ctx, params)
	}
	return &sesv2.SendEmailOutput{MessageId: aws.String("test-message-id")}, nil
}

func staticCreds(err error) aws.CredentialsProvider {
	return aws.CredentialsProviderFunc(func(context.Context) (aws.Credentials, error) {
		if err != nil {
			return aws.Credentials{}, err
		}
		return aws.Credentials{AccessKeyID: "AKID", SecretAccessKey: "SECRET"}, nil
	})
}

func TestName(t *testing.T) {
	t.Parallel()
	var tr transport.Transport = NewWithClient(&mockSESClient{}, nil, nil)
	if got := tr.Name(); got != "ses" {
		t.Errorf("Name(): got %q, want %q", got, "ses")
	}
}

func TestOpen_CredentialFailure(t *testing.T) {
	t.Parallel()

	tr := NewWithClient(&mockSESClient{}, staticCreds(errors.New("no valid providers in chain")), nil)

	_, err := tr.Open(context.Background())
	var authErr *errs.AuthenticationError
	if !errors.As(err, &authErr) {
		t.Fatalf("expected AuthenticationError, got %T: %v", err, err)
	}
	if authErr.Transport != "ses" {
		t.Errorf("Transport: got %q", authErr.Transport)
	}
}

func TestSend_RawSingleDestination(t *testing.T) {
	t.Parallel()

	mock := &mockSESClient{}
	sess, err := NewWithClient(mock, staticCreds(nil), nil).Open(context.Background())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer sess.Close()

	raw := []byte("Subject: hi\r\n\r\nbody")
	if err := sess.Send(context.Background(), "news@example.com", "alice@example.org", raw); err != nil {
		t.Fatalf("Send: %v", err)
	}

	if mock.callCount != 1 {
		t.Errorf("call count: got %d, want 1", mock.callCount)
	}
	input := mock.lastInput
	if got := aws.ToString(input.FromEmailAddress); got != "news@example.com" {
		t.Errorf("FromEmailAddress: got %q", got)
	}
	if to := input.Destination.ToAddresses; len(to) != 1 || to[0] != "alice@example.org" {
		t.Errorf("ToAddresses: got %v", to)
	}
	if input.Destination.CcAddresses != nil || input.Destination.BccAddresses != nil {
		t.Error("expected no Cc or Bcc destinations")
	}
	if input.Content.Raw == nil || string(input.Content.Raw.Data) != string(raw) {
		t.Error("expected raw content to be passed through unchanged")
	}
	if input.Content.Simple != nil {
		t.Error("expected no simple content")
	}
}

func TestSend_ErrorClassification(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name          string
		err           error
		wantRecipient bool
		wantAuth      bool
	}{
		{
			name:          "message rejected",
			err:           &smithy.GenericAPIError{Code: "MessageRejected", Message: "Email address is not verified", Fault: smithy.FaultClient},
			wantRecipient: true,
		},
		{
			name:          "mail from domain not verified",
			err:           &smithy.GenericAPIError{Code: "MailFromDomainNotVerifiedException", Fault: smithy.FaultClient},
			wantRecipient: true,
		},
		{
			name:          "bad request",
			err:           &smithy.GenericAPIError{Code: "BadRequestException", Fault: smithy.FaultClient},
			wantRecipient: true,
		},
		{
			name:          "other client fault",
			err:           &smithy.GenericAPIError{Code: "InvalidParameterValue", Fault: smithy.FaultClient},
			wantRecipient: true,
		},
		{
			name:     "unrecognized client",
			err:      &smithy.GenericAPIError{Code: "UnrecognizedClientException", Message: "The security token included in the request is invalid.", Fault: smithy.FaultClient},
			wantAuth: true,
		},
		{
			name:     "signature mismatch",
			err:      &smithy.GenericAPIError{Code: "SignatureDoesNotMatch", Fault: smithy.FaultClient},
			wantAuth: true,
		},
		{
			name:     "access denied",
			err:      &smithy.GenericAPIError{Code: "AccessDeniedException", Fault: smithy.FaultClient},
			wantAuth: true,
		},
		{
			name:     "expired token",
			err:      &smithy.GenericAPIError{Code: "ExpiredTokenException", Fault: smithy.FaultClient},
			wantAuth: true,
		},
		{
			name: "throttled",
			err:  &smithy.GenericAPIError{Code: "TooManyRequestsException", Fault: smithy.FaultClient},
		},
		{
			name: "account suspended",
			err:  &smithy.GenericAPIError{Code: "AccountSuspendedException", Fault: smithy.FaultClient},
		},
		{
			name: "server fault",
			err:  &smithy.GenericAPIError{Code: "InternalFailure", Fault: smithy.FaultServer},
		},
		{
			name: "network",
			err:  errors.New("dial tcp: connection refused"),
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			mock := &mockSESClient{
				sendFn: func(context.Context, *sesv2.SendEmailInput) (*sesv2.SendEmailOutput, error) {
					return nil, tt.err
				},
			}
			sess, err := NewWithClient(mock, nil, nil).Open(context.Background())
			if err != nil {
				t.Fatalf("Open: %v", err)
			}

			err = sess.Send(context.Background(), "news@example.com", "alice@example.org", []byte("x"))
			if got := errs.IsRecipient(err); got != tt.wantRecipient {
				t.Errorf("IsRecipient: got %v, want %v (err %v)", got, tt.wantRecipient, err)
			}
			var authErr *errs.AuthenticationError
			switch {
			case tt.wantAuth:
				if !errors.As(err, &authErr) {
					t.Errorf("expected AuthenticationError, got %T", err)
				}
			case !tt.wantRecipient:
				var transportErr *errs.TransportError
				if !errors.As(err, &transportErr) {
					t.Errorf("expected TransportError, got %T", err)
				}
			}
			if !errors.Is(err, tt.err) {
				t.Error("expected the API error to be wrapped")
			}
			if mock.callCount != 1 {
				t.Errorf("call count: got %d, want 1 (no retries)", mock.callCount)
			}
		})
	}
}

func TestSend_RejectedStaticKeysFailAuthentication(t *testing.T) {
	t.Parallel()

	mock := &mockSESClient{
		sendFn: func(context.Context, *sesv2.SendEmailInput) (*sesv2.SendEmailOutput, error) {
			return nil, &smithy.GenericAPIError{Code: "UnrecognizedClientException", Fault: smithy.FaultClient}
		},
	}
	tr := NewWithClient(mock, credentials.NewStaticCredentialsProvider("AKIDBAD", "BAD", ""), nil)
	tr.identity = "AKIDBAD"

	sess, err := tr.Open(context.Background())
	if err != nil {
		t.Fatalf("Open: static keys must resolve, got %v", err)
	}

	err = sess.Send(context.Background(), "news@example.com", "alice@example.org", []byte("x"))
	var authErr *errs.AuthenticationError
	if !errors.As(err, &authErr) {
		t.Fatalf("expected AuthenticationError, got %T: %v", err, err)
	}
	if authErr.Identity != "AKIDBAD" {
		t.Errorf("Identity: got %q, want %q", authErr.Identity, "AKIDBAD")
	}
	if errs.IsRecipient(err) {
		t.Error("rejected credentials must not be recorded as a recipient failure")
	}
}

func TestClose_Idempotent(t *testing.T) {
	t.Parallel()

	mock := &mockSESClient{}
	sess, err := NewWithClient(mock, nil, nil).Open(context.Background())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	for i := 0; i < 2; i++ {
		if err := sess.Close(); err != nil {
			t.Fatalf("Close: %v", err)
		}
	}

	err = sess.Send(context.Background(), "news@example.com", "alice@example.org", []byte("x"))
	var transportErr *errs.TransportError
	if !errors.As(err, &transportErr) {
		t.Errorf("send after close: expected TransportError, got %v", err)
	}
	if mock.callCount != 0 {
		t.Errorf("call count: got %d, want 0", mock.callCount)
	}
}
