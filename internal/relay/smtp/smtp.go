// Package smtp implements a relay transport that submits messages to an
// SMTP server with go-smtp, authenticating with SASL PLAIN or LOGIN.
package smtp

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/emersion/go-sasl"
	gosmtp "github.com/emersion/go-smtp"

	"github.com/m3r33/izues/internal/message"
	"github.com/m3r33/izues/internal/relay"
	ctls "github.com/m3r33/izues/internal/tls"
)

// implicitTLSPort is the submission port that expects TLS from the first byte.
const implicitTLSPort = 465

// defaultHeloName is announced in EHLO when Options.HeloName is empty.
const defaultHeloName = "localhost"

// ErrAuthUnsupported is returned when credentials are configured but the
// relay offers no usable SASL mechanism.
var ErrAuthUnsupported = errors.New("relay does not support PLAIN or LOGIN authentication")

// Options configures the SMTP transport.
type Options struct {
	HeloName           string
	InsecureSkipVerify bool

	// CommandTimeout bounds each SMTP command round trip. Zero keeps the
	// go-smtp default.
	CommandTimeout time.Duration
}

// Transport opens SMTP sessions.
type Transport struct {
	opts Options
}

// New creates an SMTP transport.
func New(opts Options) *Transport {
	if opts.HeloName == "" {
		opts.HeloName = defaultHeloName
	}
	return &Transport{opts: opts}
}

// Name returns the relay kind.
func (t *Transport) Name() string {
	return relay.KindSMTP
}

// Connect dials the relay, upgrades to TLS when possible and authenticates
// when cfg carries a user name. Cancelling ctx aborts the handshake.
func (t *Transport) Connect(ctx context.Context, cfg relay.Config) (relay.Session, error) {
	s := &session{t: t, cfg: cfg, relay: cfg.String()}
	if err := s.open(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (t *Transport) dial(ctx context.Context, cfg relay.Config, tlsConfig *tls.Config, implicit bool) (net.Conn, error) {
	dialer := &net.Dialer{}
	if implicit {
		td := &tls.Dialer{NetDialer: dialer, Config: tlsConfig}
		return td.DialContext(ctx, "tcp", cfg.Addr())
	}
	return dialer.DialContext(ctx, "tcp", cfg.Addr())
}

func (t *Transport) handshake(conn net.Conn, cfg relay.Config, tlsConfig *tls.Config, implicit bool) (*gosmtp.Client, error) {
	client, err := gosmtp.NewClient(conn, cfg.Host)
	if err != nil {
		return nil, describe(err)
	}
	if t.opts.CommandTimeout > 0 {
		client.CommandTimeout = t.opts.CommandTimeout
	}

	if err := client.Hello(t.opts.HeloName); err != nil {
		return nil, fmt.Errorf("EHLO: %w", describe(err))
	}

	if !implicit {
		if ok, _ := client.Extension("STARTTLS"); ok {
			if err := client.StartTLS(tlsConfig); err != nil {
				return nil, fmt.Errorf("STARTTLS: %w", describe(err))
			}
		}
	}

	if cfg.User == "" {
		return client, nil
	}

	ok, mechs := client.Extension("AUTH")
	if !ok {
		return nil, ErrAuthUnsupported
	}
	auth, err := saslClient(mechs, cfg.User, cfg.Password)
	if err != nil {
		return nil, err
	}
	if err := client.Auth(auth); err != nil {
		return nil, fmt.Errorf("AUTH: %w", describe(err))
	}
	return client, nil
}

// saslClient picks PLAIN, falling back to LOGIN when only LOGIN is
// advertised.
func saslClient(advertised, user, password string) (sasl.Client, error) {
	var plain, login bool
	for _, m := range strings.Fields(strings.ToUpper(advertised)) {
		switch m {
		case sasl.Plain:
			plain = true
		case sasl.Login:
			login = true
		}
	}

	switch {
	case plain:
		return sasl.NewPlainClient("", user, password), nil
	case login:
		return sasl.NewLoginClient(user, password), nil
	default:
		return nil, ErrAuthUnsupported
	}
}

func implicitTLS(port int) bool {
	return port == implicitTLSPort
}

type session struct {
	t     *Transport
	cfg   relay.Config
	relay string

	client *gosmtp.Client
	conn   net.Conn

	// broken is set when a send was aborted mid-transaction and the
	// connection was closed under it.
	broken bool
}

// open establishes the connection and runs the handshake.
func (s *session) open(ctx context.Context) error {
	tlsConfig := ctls.ClientConfig(s.cfg.Host, s.t.opts.InsecureSkipVerify)
	implicit := implicitTLS(s.cfg.Port)

	conn, err := s.t.dial(ctx, s.cfg, tlsConfig, implicit)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", s.cfg.Addr(), err)
	}

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	client, err := s.t.handshake(conn, s.cfg, tlsConfig, implicit)
	if err != nil {
		conn.Close()
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("handshake with %s aborted: %w", s.cfg.Addr(), ctxErr)
		}
		return fmt.Errorf("handshake with %s failed: %w", s.cfg.Addr(), err)
	}

	slog.Debug("relay session established",
		"relay", s.relay,
		"implicit_tls", implicit,
	)
	s.client, s.conn, s.broken = client, conn, false
	return nil
}

// Send runs one MAIL/RCPT/DATA transaction. A rejected transaction is reset
// so the session can carry on with the next recipient. A send aborted by
// ctx leaves the connection closed; the next Send reconnects first.
func (s *session) Send(ctx context.Context, msg *message.Message, to string) error {
	from, err := msg.Envelope()
	if err != nil {
		return err
	}
	data, err := msg.Compose(to, time.Now())
	if err != nil {
		return err
	}

	if s.broken {
		s.client.Close()
		if err := s.open(ctx); err != nil {
			return fmt.Errorf("reconnect to %s: %w", s.cfg.Addr(), err)
		}
		slog.Debug("relay session reopened", "relay", s.relay)
	}

	stop := context.AfterFunc(ctx, func() { s.conn.Close() })
	defer stop()

	if err := s.transaction(from, to, data); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			s.broken = true
			return fmt.Errorf("send to %s aborted: %w", to, ctxErr)
		}
		s.client.Reset()
		return err
	}
	return nil
}

func (s *session) transaction(from, to string, data []byte) error {
	if err := s.client.Mail(from, nil); err != nil {
		return fmt.Errorf("MAIL FROM rejected: %w", describe(err))
	}
	if err := s.client.Rcpt(to); err != nil {
		return fmt.Errorf("RCPT TO rejected: %w", describe(err))
	}

	w, err := s.client.Data()
	if err != nil {
		return fmt.Errorf("DATA rejected: %w", describe(err))
	}
	if _, err := w.Write(data); err != nil {
		w.Close()
		return fmt.Errorf("failed to write message: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("message not accepted: %w", describe(err))
	}
	return nil
}

// Close sends QUIT, dropping the connection if the relay does not answer.
func (s *session) Close() error {
	if s.broken {
		s.client.Close()
		return nil
	}
	if err := s.client.Quit(); err != nil {
		s.client.Close()
		slog.Debug("relay QUIT failed", "relay", s.relay, "error", err)
	}
	return nil
}

// replyError keeps the SMTP reply code in the error text, which go-smtp
// drops from SMTPError.Error.
type replyError struct {
	*gosmtp.SMTPError
}

func (e replyError) Error() string {
	return fmt.Sprintf("%d %s", e.Code, e.Message)
}

func (e replyError) Unwrap() error {
	return e.SMTPError
}

func describe(err error) error {
	var smtpErr *gosmtp.SMTPError
	if errors.As(err, &smtpErr) {
		return replyError{smtpErr}
	}
	return err
}
