// Package relay defines the interface for outbound mail relays and a registry
// that selects a transport by relay kind.
package relay

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/m3r33/izues/internal/message"
)

// Relay kinds understood by the registry.
const (
	KindSMTP   = "smtp"
	KindSES    = "ses"
	KindGraph  = "graph"
	KindStdout = "stdout"
)

// ErrUnknownKind is returned when no transport is registered for a relay kind.
var ErrUnknownKind = errors.New("unknown relay kind")

// Config identifies one outbound relay and its credentials. It is owned by
// the caller for the duration of a run and never persisted by the engine.
//
// The meaning of Host, User and Password depends on Kind; for the default
// SMTP kind they are the server host name and the SMTP AUTH credentials.
type Config struct {
	Host     string `json:"host" yaml:"host"`
	User     string `json:"user" yaml:"user"`
	Password string `json:"password" yaml:"password"`
	Port     int    `json:"port" yaml:"port"`
	Kind     string `json:"kind,omitempty" yaml:"kind"`
}

// Addr returns host:port.
func (c Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// NormalizedKind returns the relay kind, defaulting to SMTP.
func (c Config) NormalizedKind() string {
	k := strings.ToLower(strings.TrimSpace(c.Kind))
	if k == "" {
		return KindSMTP
	}
	return k
}

// String identifies the relay in logs without exposing the password.
func (c Config) String() string {
	if c.User == "" {
		return fmt.Sprintf("%s://%s", c.NormalizedKind(), c.Addr())
	}
	return fmt.Sprintf("%s://%s@%s", c.NormalizedKind(), c.User, c.Addr())
}

// Transport establishes authenticated sessions with relays of one kind.
// Each transport handles the wire protocol of its backend (SMTP, SES API,
// Graph API, ...).
type Transport interface {
	// Connect opens a session with the relay and authenticates it. No
	// message is sent.
	Connect(ctx context.Context, cfg Config) (Session, error)

	// Name returns the relay kind this transport serves.
	Name() string
}

// Session is an authenticated connection to one relay. Sessions are used by
// a single goroutine.
type Session interface {
	// Send delivers msg to a single recipient.
	Send(ctx context.Context, msg *message.Message, to string) error

	// Close ends the session.
	Close() error
}

// Registry maps relay kinds to transports.
type Registry struct {
	transports map[string]Transport
}

// NewRegistry creates a Registry serving the given transports, keyed by
// their Name.
func NewRegistry(transports ...Transport) *Registry {
	r := &Registry{transports: make(map[string]Transport, len(transports))}
	for _, t := range transports {
		r.transports[t.Name()] = t
	}
	return r
}

// Connect opens a session with the transport registered for cfg's kind.
func (r *Registry) Connect(ctx context.Context, cfg Config) (Session, error) {
	kind := cfg.NormalizedKind()
	t, ok := r.transports[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	return t.Connect(ctx, cfg)
}

// Verify checks that a relay accepts cfg's credentials by connecting and
// authenticating without sending anything.
func (r *Registry) Verify(ctx context.Context, cfg Config) error {
	sess, err := r.Connect(ctx, cfg)
	if err != nil {
		return err
	}
	return sess.Close()
}

// Kinds returns the registered relay kinds.
func (r *Registry) Kinds() []string {
	kinds := make([]string, 0, len(r.transports))
	for k := range r.transports {
		kinds = append(kinds, k)
	}
	return kinds
}
