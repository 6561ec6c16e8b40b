// Package stdout implements a dry-run relay that prints each message instead
// of delivering it.
package stdout

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/m3r33/izues/internal/message"
	"github.com/m3r33/izues/internal/relay"
)

// Transport prints messages in a human-readable format.
type Transport struct {
	// mu serializes writes from concurrent sessions sharing one writer.
	mu     sync.Mutex
	writer io.Writer
}

// New creates a stdout Transport that writes to os.Stdout.
func New() *Transport {
	return &Transport{writer: os.Stdout}
}

// NewWithWriter creates a Transport that writes to w.
// This is useful for testing.
func NewWithWriter(w io.Writer) *Transport {
	return &Transport{writer: w}
}

// Name returns the relay kind.
func (t *Transport) Name() string {
	return relay.KindStdout
}

// Connect always succeeds.
func (t *Transport) Connect(_ context.Context, cfg relay.Config) (relay.Session, error) {
	return &session{t: t, relay: cfg.String()}, nil
}

type session struct {
	t     *Transport
	relay string
}

// Send prints the message addressed to one recipient. Write errors are
// ignored; a dry run always succeeds.
func (s *session) Send(_ context.Context, msg *message.Message, to string) error {
	var b strings.Builder

	b.WriteString("========================================\n")
	fmt.Fprintf(&b, "Relay: %s\n", s.relay)
	fmt.Fprintf(&b, "From: %s\n", msg.From)
	fmt.Fprintf(&b, "To: %s\n", to)
	fmt.Fprintf(&b, "Subject: %s\n", msg.Subject)
	b.WriteString("Body:\n")
	b.WriteString(msg.HTMLBody + "\n")
	b.WriteString("========================================\n")

	s.t.mu.Lock()
	defer s.t.mu.Unlock()
	fmt.Fprint(s.t.writer, b.String())
	return nil
}

func (s *session) Close() error {
	return nil
}
