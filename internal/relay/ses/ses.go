// Package ses implements a relay transport that sends emails via AWS SES v2.
//
// A relay of kind "ses" maps its fields as follows: Host is the AWS region,
// User and Password are the access key id and secret. Empty credentials fall
// back to the default AWS credential chain. Port is ignored.
package ses

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	sesv2 "github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"

	"github.com/m3r33/izues/internal/message"
	"github.com/m3r33/izues/internal/relay"
)

// ErrSendingDisabled is returned by Connect when the SES account is paused.
var ErrSendingDisabled = errors.New("SES sending is disabled for this account")

// API is the subset of the SES v2 client used by the transport.
// Used for testing with mock implementations.
type API interface {
	SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
	GetAccount(ctx context.Context, params *sesv2.GetAccountInput, optFns ...func(*sesv2.Options)) (*sesv2.GetAccountOutput, error)
}

// Transport opens SES sessions.
type Transport struct {
	newClient func(ctx context.Context, cfg relay.Config) (API, error)
}

// New creates a Transport that builds an SES client per relay.
func New() *Transport {
	return &Transport{newClient: newClient}
}

// NewWithClient creates a Transport that uses client for every relay, used
// for testing.
func NewWithClient(client API) *Transport {
	return &Transport{
		newClient: func(context.Context, relay.Config) (API, error) { return client, nil },
	}
}

func newClient(ctx context.Context, cfg relay.Config) (API, error) {
	var opts []func(*awsconfig.LoadOptions) error

	if cfg.Host != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Host))
	}
	if cfg.User != "" && cfg.Password != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.User, cfg.Password, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return sesv2.NewFromConfig(awsCfg), nil
}

// Name returns the relay kind.
func (t *Transport) Name() string {
	return relay.KindSES
}

// Connect builds a client and checks the credentials with GetAccount.
func (t *Transport) Connect(ctx context.Context, cfg relay.Config) (relay.Session, error) {
	client, err := t.newClient(ctx, cfg)
	if err != nil {
		return nil, err
	}

	acct, err := client.GetAccount(ctx, &sesv2.GetAccountInput{})
	if err != nil {
		return nil, fmt.Errorf("SES GetAccount failed: %w", err)
	}
	if !acct.SendingEnabled {
		return nil, ErrSendingDisabled
	}

	if q := acct.SendQuota; q != nil {
		slog.Debug("SES account quota",
			"region", cfg.Host,
			"max_24h", q.Max24HourSend,
			"sent_24h", q.SentLast24Hours,
			"max_rate", q.MaxSendRate,
		)
	}
	return &session{client: client}, nil
}

type session struct {
	client API
}

// Send delivers msg to one recipient. Transient API errors are retried by
// the SDK's standard retryer.
func (s *session) Send(ctx context.Context, msg *message.Message, to string) error {
	if _, err := s.client.SendEmail(ctx, buildInput(msg, to)); err != nil {
		return fmt.Errorf("SES SendEmail failed: %w", err)
	}
	return nil
}

func (s *session) Close() error {
	return nil
}

// buildInput creates a simple-content SendEmailInput with the HTML body and
// a plain-text alternative.
func buildInput(msg *message.Message, to string) *sesv2.SendEmailInput {
	body := &types.Body{
		Html: &types.Content{
			Data:    aws.String(msg.HTMLBody),
			Charset: aws.String("UTF-8"),
		},
	}
	if text := msg.PlainText(); text != "" {
		body.Text = &types.Content{
			Data:    aws.String(text),
			Charset: aws.String("UTF-8"),
		}
	}

	return &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(msg.From),
		Destination: &types.Destination{
			ToAddresses: []string{to},
		},
		Content: &types.EmailContent{
			Simple: &types.Message{
				Subject: &types.Content{
					Data:    aws.String(msg.Subject),
					Charset: aws.String("UTF-8"),
				},
				Body: body,
			},
		},
	}
}
