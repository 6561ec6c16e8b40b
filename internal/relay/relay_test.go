package relay

import (
	"context"
	"errors"
	"sort"
	"strings"
	"testing"

	"github.com/m3r33/izues/internal/message"
)

// mockTransport implements Transport for testing.
type mockTransport struct {
	name       string
	connectErr error
	closed     int
	lastCfg    Config
}

func (m *mockTransport) Connect(_ context.Context, cfg Config) (Session, error) {
	m.lastCfg = cfg
	if m.connectErr != nil {
		return nil, m.connectErr
	}
	return &mockSession{t: m}, nil
}

func (m *mockTransport) Name() string {
	return m.name
}

type mockSession struct {
	t *mockTransport
}

func (s *mockSession) Send(_ context.Context, _ *message.Message, _ string) error {
	return nil
}

func (s *mockSession) Close() error {
	s.t.closed++
	return nil
}

func TestConfig_Addr(t *testing.T) {
	t.Parallel()

	cfg := Config{Host: "smtp.example.com", Port: 587}
	if got := cfg.Addr(); got != "smtp.example.com:587" {
		t.Errorf("Addr: got %q, want %q", got, "smtp.example.com:587")
	}
}

func TestConfig_NormalizedKind(t *testing.T) {
	t.Parallel()

	tests := []struct {
		kind string
		want string
	}{
		{"", KindSMTP},
		{"SMTP", KindSMTP},
		{" ses ", KindSES},
		{"graph", KindGraph},
	}
	for _, tt := range tests {
		if got := (Config{Kind: tt.kind}).NormalizedKind(); got != tt.want {
			t.Errorf("NormalizedKind(%q): got %q, want %q", tt.kind, got, tt.want)
		}
	}
}

func TestConfig_StringRedactsPassword(t *testing.T) {
	t.Parallel()

	cfg := Config{Host: "smtp.example.com", Port: 465, User: "mailer", Password: "hunter2"}
	s := cfg.String()
	if strings.Contains(s, "hunter2") {
		t.Errorf("String leaks password: %q", s)
	}
	if s != "smtp://mailer@smtp.example.com:465" {
		t.Errorf("String: got %q", s)
	}
}

func TestRegistry_ConnectByKind(t *testing.T) {
	t.Parallel()

	smtpT := &mockTransport{name: KindSMTP}
	sesT := &mockTransport{name: KindSES}
	reg := NewRegistry(smtpT, sesT)

	if _, err := reg.Connect(context.Background(), Config{Host: "a", Port: 25}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if smtpT.lastCfg.Host != "a" {
		t.Error("default kind should route to smtp transport")
	}

	if _, err := reg.Connect(context.Background(), Config{Host: "us-east-1", Kind: "ses"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sesT.lastCfg.Host != "us-east-1" {
		t.Error("ses kind should route to ses transport")
	}
}

func TestRegistry_UnknownKind(t *testing.T) {
	t.Parallel()

	reg := NewRegistry(&mockTransport{name: KindSMTP})
	_, err := reg.Connect(context.Background(), Config{Kind: "carrier-pigeon"})
	if !errors.Is(err, ErrUnknownKind) {
		t.Errorf("got %v, want ErrUnknownKind", err)
	}
}

func TestRegistry_Verify(t *testing.T) {
	t.Parallel()

	ok := &mockTransport{name: KindSMTP}
	if err := NewRegistry(ok).Verify(context.Background(), Config{Host: "h", Port: 25}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok.closed != 1 {
		t.Errorf("closed: got %d, want 1", ok.closed)
	}

	bad := &mockTransport{name: KindSMTP, connectErr: errors.New("535 Authentication failed")}
	err := NewRegistry(bad).Verify(context.Background(), Config{Host: "h", Port: 25})
	if err == nil || !strings.Contains(err.Error(), "535") {
		t.Errorf("got %v, want auth error", err)
	}
}

func TestRegistry_Kinds(t *testing.T) {
	t.Parallel()

	reg := NewRegistry(&mockTransport{name: KindSMTP}, &mockTransport{name: KindStdout})
	kinds := reg.Kinds()
	sort.Strings(kinds)
	if len(kinds) != 2 || kinds[0] != KindSMTP || kinds[1] != KindStdout {
		t.Errorf("Kinds: got %v", kinds)
	}
}
