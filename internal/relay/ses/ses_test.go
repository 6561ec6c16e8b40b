package ses

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	sesv2 "github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"

	"github.com/m3r33/izues/internal/message"
	"github.com/m3r33/izues/internal/relay"
)

// mockSESClient implements API for testing.
type mockSESClient struct {
	sendFn     func(ctx context.Context, params *sesv2.SendEmailInput) (*sesv2.SendEmailOutput, error)
	account    *sesv2.GetAccountOutput
	accountErr error

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

func (m *mockSESClient) GetAccount(context.Context, *sesv2.GetAccountInput, ...func(*sesv2.Options)) (*sesv2.GetAccountOutput, error) {
	if m.accountErr != nil {
		return nil, m.accountErr
	}
	if m.account != nil {
		return m.account, nil
	}
	return &sesv2.GetAccountOutput{
		SendingEnabled: true,
		SendQuota:      &types.SendQuota{Max24HourSend: 200, MaxSendRate: 1},
	}, nil
}

var testMessage = &message.Message{
	From:     "Shop <shop@example.com>",
	Subject:  "Weekly deals",
	HTMLBody: "<p>Hello <b>there</b></p>",
}

func connect(t *testing.T, mock *mockSESClient) relay.Session {
	t.Helper()
	sess, err := NewWithClient(mock).Connect(context.Background(), relay.Config{Host: "us-east-1", Kind: "ses"})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	return sess
}

func TestName(t *testing.T) {
	t.Parallel()
	if got := New().Name(); got != "ses" {
		t.Errorf("Name(): got %q, want %q", got, "ses")
	}
}

func TestSend(t *testing.T) {
	t.Parallel()

	mock := &mockSESClient{}
	sess := connect(t, mock)

	if err := sess.Send(context.Background(), testMessage, "a@x.test"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if mock.callCount != 1 {
		t.Errorf("call count: got %d, want 1", mock.callCount)
	}

	input := mock.lastInput
	if got := *input.FromEmailAddress; got != "Shop <shop@example.com>" {
		t.Errorf("FromEmailAddress: got %q, want %q", got, "Shop <shop@example.com>")
	}
	if got := input.Destination.ToAddresses; len(got) != 1 || got[0] != "a@x.test" {
		t.Errorf("ToAddresses: got %v, want [a@x.test]", got)
	}
	simple := input.Content.Simple
	if simple == nil {
		t.Fatal("expected simple email content, got nil")
	}
	if got := *simple.Subject.Data; got != "Weekly deals" {
		t.Errorf("Subject: got %q, want %q", got, "Weekly deals")
	}
	if got := *simple.Body.Html.Data; got != testMessage.HTMLBody {
		t.Errorf("Html: got %q, want %q", got, testMessage.HTMLBody)
	}
	if got := *simple.Body.Text.Data; got != "Hello there" {
		t.Errorf("Text: got %q, want %q", got, "Hello there")
	}
}

func TestSend_APIError(t *testing.T) {
	t.Parallel()

	mock := &mockSESClient{
		sendFn: func(context.Context, *sesv2.SendEmailInput) (*sesv2.SendEmailOutput, error) {
			return nil, errors.New("MessageRejected: Email address is not verified")
		},
	}
	sess := connect(t, mock)

	err := sess.Send(context.Background(), testMessage, "a@x.test")
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	if !strings.Contains(err.Error(), "not verified") {
		t.Errorf("error: got %q, want it to contain %q", err.Error(), "not verified")
	}
}

func TestConnect_GetAccountError(t *testing.T) {
	t.Parallel()

	mock := &mockSESClient{accountErr: errors.New("InvalidClientTokenId")}
	_, err := NewWithClient(mock).Connect(context.Background(), relay.Config{Host: "us-east-1"})
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	if mock.callCount != 0 {
		t.Errorf("SendEmail calls: got %d, want 0", mock.callCount)
	}
}

func TestConnect_SendingDisabled(t *testing.T) {
	t.Parallel()

	mock := &mockSESClient{account: &sesv2.GetAccountOutput{SendingEnabled: false}}
	_, err := NewWithClient(mock).Connect(context.Background(), relay.Config{Host: "us-east-1"})
	if !errors.Is(err, ErrSendingDisabled) {
		t.Errorf("error: got %v, want %v", err, ErrSendingDisabled)
	}
}

func TestBuildInput_NoTextPart(t *testing.T) {
	t.Parallel()

	input := buildInput(&message.Message{From: "a@x.test", Subject: "s", HTMLBody: "<img src=x>"}, "b@x.test")
	if input.Content.Simple.Body.Text != nil {
		t.Error("expected no text part for a body with no text content")
	}
}
