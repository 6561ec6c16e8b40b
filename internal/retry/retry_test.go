package retry

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/m3r33/izues/internal/backlog"
	"github.com/m3r33/izues/internal/dispatch"
	"github.com/m3r33/izues/internal/message"
	"github.com/m3r33/izues/internal/recipient"
	"github.com/m3r33/izues/internal/relay"
	"github.com/m3r33/izues/internal/relay/stdout"
)

var testConfig = Config{
	Schedule: "@every 1s",
	Message:  message.Message{From: "shop@example.com", Subject: "Deals", HTMLBody: "<p>Hi</p>"},
	Relays:   []relay.Config{{Host: "localhost", Port: 25, Kind: relay.KindStdout}},
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type mockRunner struct {
	mu   sync.Mutex
	reqs []dispatch.Request
	err  error
	ran  chan struct{}
}

func (m *mockRunner) Run(_ context.Context, req dispatch.Request) (*dispatch.Report, error) {
	m.mu.Lock()
	m.reqs = append(m.reqs, req)
	m.mu.Unlock()
	if m.ran != nil {
		select {
		case m.ran <- struct{}{}:
		default:
		}
	}
	if m.err != nil {
		return nil, m.err
	}
	return &dispatch.Report{Label: "List_1"}, nil
}

func TestNew_Validation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"descriptor", func(*Config) {}, false},
		{"five fields", func(c *Config) { c.Schedule = "*/15 * * * *" }, false},
		{"with seconds", func(c *Config) { c.Schedule = "0 */15 * * * *" }, false},
		{"garbage", func(c *Config) { c.Schedule = "every so often" }, true},
		{"empty", func(c *Config) { c.Schedule = "" }, true},
		{"no relays", func(c *Config) { c.Relays = nil }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := testConfig
			tt.mutate(&cfg)
			_, err := New(cfg, &mockRunner{}, quietLogger())
			if (err != nil) != tt.wantErr {
				t.Errorf("New: got error %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestNew_NoRelays(t *testing.T) {
	t.Parallel()

	cfg := testConfig
	cfg.Relays = nil
	if _, err := New(cfg, &mockRunner{}, quietLogger()); !errors.Is(err, ErrNoRelays) {
		t.Errorf("error: got %v, want %v", err, ErrNoRelays)
	}
}

func TestRunOnce_BacklogOnlyRequest(t *testing.T) {
	t.Parallel()

	runner := &mockRunner{}
	s, err := New(testConfig, runner, quietLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if _, err := s.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	req := runner.reqs[0]
	if req.Entries == nil || len(req.Entries) != 0 {
		t.Errorf("entries: got %#v, want an empty non-nil list", req.Entries)
	}
	if err := req.Validate(); err != nil {
		t.Errorf("request does not validate: %v", err)
	}
	if req.Message.Subject != "Deals" || len(req.Relays) != 1 {
		t.Errorf("request: got %+v", req)
	}
}

func TestRunOnce_Error(t *testing.T) {
	t.Parallel()

	want := errors.New("disk full")
	s, err := New(testConfig, &mockRunner{err: want}, quietLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := s.RunOnce(context.Background()); !errors.Is(err, want) {
		t.Errorf("error: got %v, want %v", err, want)
	}
}

func TestRunOnce_DrainsBacklog(t *testing.T) {
	t.Parallel()

	store := backlog.NewMemoryStore(
		recipient.Labeled("a@x.test", "List_1"),
		recipient.Labeled("b@x.test", "List_1"),
		recipient.Labeled("c@x.test", "List_1"),
	)
	engine := dispatch.NewEngine(store, relay.NewRegistry(stdout.NewWithWriter(io.Discard)), dispatch.Options{
		Logger: quietLogger(),
	})
	s, err := New(testConfig, engine, quietLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	report, err := s.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if report.TotalSent != 2 || report.TotalUnsent != 1 {
		t.Errorf("totals: got sent=%d unsent=%d, want 2/1", report.TotalSent, report.TotalUnsent)
	}

	if _, err := s.RunOnce(context.Background()); err != nil {
		t.Fatalf("second RunOnce: %v", err)
	}
	if got := store.Records(); len(got) != 0 {
		t.Errorf("backlog: got %+v, want empty", got)
	}
}

func TestStart_FiresOnSchedule(t *testing.T) {
	t.Parallel()

	runner := &mockRunner{ran: make(chan struct{}, 1)}
	s, err := New(testConfig, runner, quietLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop()

	select {
	case <-runner.ran:
	case <-time.After(5 * time.Second):
		t.Fatal("scheduled retry did not run")
	}
}

func TestStop_Idempotent(t *testing.T) {
	t.Parallel()

	s, err := New(testConfig, &mockRunner{}, quietLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	s.Stop()
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("second Start: %v", err)
	}
	s.Stop()
	s.Stop()
}
