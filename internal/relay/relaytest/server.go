// Package relaytest provides an in-process SMTP relay for tests, in the
// spirit of net/http/httptest. It speaks enough ESMTP for a submission
// client: EHLO, STARTTLS, AUTH PLAIN/LOGIN, MAIL, RCPT, DATA, RSET and QUIT.
package relaytest

import (
	"bytes"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/emersion/go-message/mail"

	"github.com/m3r33/izues/internal/relay"
)

// Options configures a test relay.
type Options struct {
	// Hostname is announced in the greeting. Defaults to "relay.test".
	Hostname string

	// Username and Password enable SMTP AUTH when both are set; MAIL is
	// refused until the client authenticates.
	Username string
	Password string

	// TLSConfig enables STARTTLS, or implicit TLS when ImplicitTLS is set.
	TLSConfig   *tls.Config
	ImplicitTLS bool
}

// Delivery is a message accepted by the relay.
type Delivery struct {
	From string
	To   []string
	Data []byte
}

// Subject parses the Subject header of the delivered message.
func (d Delivery) Subject() string {
	mr, err := mail.CreateReader(bytes.NewReader(d.Data))
	if err != nil {
		return ""
	}
	defer mr.Close()
	s, _ := mr.Header.Subject()
	return s
}

// Body returns the decoded body of the first part of the delivered message.
func (d Delivery) Body() string {
	mr, err := mail.CreateReader(bytes.NewReader(d.Data))
	if err != nil {
		return ""
	}
	defer mr.Close()
	p, err := mr.NextPart()
	if err != nil {
		return ""
	}
	b, _ := io.ReadAll(p.Body)
	return string(b)
}

// Server is a running test relay listening on a loopback address.
type Server struct {
	opts     Options
	auth     *credentials
	listener net.Listener

	mu         sync.Mutex
	deliveries []Delivery
	rejected   map[string]string
	stalls     map[string]time.Duration
	sessions   int
	conns      map[net.Conn]struct{}

	closing chan struct{}
	wg      sync.WaitGroup
}

// NewServer starts a relay on 127.0.0.1 with an ephemeral port. It panics if
// the listener cannot be created. Callers must call Close.
func NewServer(opts Options) *Server {
	if opts.Hostname == "" {
		opts.Hostname = "relay.test"
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		panic(fmt.Sprintf("relaytest: failed to listen: %v", err))
	}
	if opts.ImplicitTLS {
		if opts.TLSConfig == nil {
			panic("relaytest: ImplicitTLS requires TLSConfig")
		}
		ln = tls.NewListener(ln, opts.TLSConfig)
	}

	s := &Server{
		opts:     opts,
		auth:     newCredentials(opts.Username, opts.Password),
		listener: ln,
		rejected: make(map[string]string),
		stalls:   make(map[string]time.Duration),
		closing:  make(chan struct{}),
		conns:    make(map[net.Conn]struct{}),
	}

	s.wg.Add(1)
	go s.serve()
	return s
}

func (s *Server) serve() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}

		s.mu.Lock()
		s.sessions++
		s.conns[conn] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.untrack(conn)
			newSession(conn, s).handle()
		}()
	}
}

// Close stops accepting connections, drops open sessions and waits for
// their goroutines to exit.
func (s *Server) Close() {
	close(s.closing)
	s.listener.Close()

	s.mu.Lock()
	for c := range s.conns {
		c.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()
}

func (s *Server) untrack(c net.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, c)
}

// Addr returns the listener address as host:port.
func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

// Port returns the listener port.
func (s *Server) Port() int {
	_, port, _ := net.SplitHostPort(s.Addr())
	n, _ := strconv.Atoi(port)
	return n
}

// Relay returns a relay configuration pointing at this server with its
// configured credentials.
func (s *Server) Relay() relay.Config {
	return relay.Config{
		Host:     "127.0.0.1",
		Port:     s.Port(),
		User:     s.opts.Username,
		Password: s.opts.Password,
	}
}

// Reject makes the relay refuse RCPT TO for addr with a permanent 550 reply.
func (s *Server) Reject(addr, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rejected[strings.ToLower(addr)] = reason
}

// Stall makes the relay wait d before answering RCPT TO for addr.
func (s *Server) Stall(addr string, d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stalls[strings.ToLower(addr)] = d
}

// Deliveries returns a copy of the accepted messages, in arrival order.
func (s *Server) Deliveries() []Delivery {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Delivery(nil), s.deliveries...)
}

// Recipients returns every accepted recipient address, in arrival order.
func (s *Server) Recipients() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, d := range s.deliveries {
		out = append(out, d.To...)
	}
	return out
}

// Sessions returns how many connections the relay has accepted.
func (s *Server) Sessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions
}

func (s *Server) rejection(addr string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	reason, ok := s.rejected[strings.ToLower(addr)]
	return reason, ok
}

func (s *Server) stall(addr string) {
	s.mu.Lock()
	d := s.stalls[strings.ToLower(addr)]
	s.mu.Unlock()
	if d <= 0 {
		return
	}
	select {
	case <-time.After(d):
	case <-s.closing:
	}
}

func (s *Server) deliver(d Delivery) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deliveries = append(s.deliveries, d)
}
