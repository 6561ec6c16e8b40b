package relaytest

import (
	"bufio"
	"bytes"
	"crypto/tls"
	"fmt"
	"net"
	"strings"
	"time"
)

// Session states, in protocol order.
const (
	stateConnected = iota
	stateGreeted
	stateAuthOK
	stateMailFrom
	stateRcptTo
)

// idleTimeout bounds how long a session waits for the next command.
const idleTimeout = 10 * time.Second

// session runs the SMTP state machine for one client connection.
type session struct {
	srv    *Server
	conn   net.Conn
	reader *bufio.Reader
	writer *bufio.Writer
	state  int

	tlsActive bool

	mailFrom string
	rcptTo   []string
}

func newSession(conn net.Conn, srv *Server) *session {
	_, implicit := conn.(*tls.Conn)
	return &session{
		srv:       srv,
		conn:      conn,
		reader:    bufio.NewReader(conn),
		writer:    bufio.NewWriter(conn),
		state:     stateConnected,
		tlsActive: implicit,
	}
}

func (s *session) handle() {
	defer s.conn.Close()

	s.reply("220 %s ESMTP relaytest", s.srv.opts.Hostname)

	for {
		if err := s.conn.SetDeadline(time.Now().Add(idleTimeout)); err != nil {
			return
		}
		line, err := s.readLine()
		if err != nil {
			return
		}
		if line == "" {
			continue
		}

		verb, arg := splitCommand(line)
		if s.dispatch(verb, arg) {
			return
		}
	}
}

// dispatch runs one command and reports whether the session should end.
func (s *session) dispatch(verb, arg string) bool {
	switch verb {
	case "EHLO", "HELO":
		s.ehlo(verb, arg)
	case "STARTTLS":
		s.startTLS()
	case "AUTH":
		s.authenticate(arg)
	case "MAIL":
		s.mail(arg)
	case "RCPT":
		s.rcpt(arg)
	case "DATA":
		s.data()
	case "RSET":
		s.reset()
		s.reply("250 OK")
	case "NOOP":
		s.reply("250 OK")
	case "QUIT":
		s.reply("221 Bye")
		return true
	default:
		s.reply("500 Unrecognized command")
	}
	return false
}

func (s *session) ehlo(verb, arg string) {
	if arg == "" {
		s.reply("501 Syntax: %s hostname", verb)
		return
	}

	s.state = stateGreeted
	if verb == "HELO" {
		s.reply("250 %s Hello %s", s.srv.opts.Hostname, arg)
		return
	}

	s.reply("250-%s Hello %s", s.srv.opts.Hostname, arg)
	if s.srv.opts.TLSConfig != nil && !s.tlsActive {
		s.reply("250-STARTTLS")
	}
	if s.srv.auth.enabled() {
		s.reply("250-AUTH PLAIN LOGIN")
	}
	s.reply("250 OK")
}

func (s *session) startTLS() {
	if s.srv.opts.TLSConfig == nil || s.tlsActive {
		s.reply("454 TLS not available")
		return
	}

	s.reply("220 Ready to start TLS")

	tlsConn := tls.Server(s.conn, s.srv.opts.TLSConfig)
	if err := tlsConn.Handshake(); err != nil {
		return
	}

	s.conn = tlsConn
	s.reader = bufio.NewReader(tlsConn)
	s.writer = bufio.NewWriter(tlsConn)
	s.tlsActive = true
	s.state = stateConnected
}

func (s *session) authenticate(arg string) {
	if s.state < stateGreeted {
		s.reply("503 Send EHLO/HELO first")
		return
	}
	if !s.srv.auth.enabled() {
		s.reply("503 AUTH not available")
		return
	}

	mechanism, initial, _ := strings.Cut(arg, " ")

	var err error
	switch strings.ToUpper(mechanism) {
	case "PLAIN":
		err = s.authPlain(initial)
	case "LOGIN":
		err = s.authLogin(initial)
	default:
		s.reply("504 Unrecognized authentication type")
		return
	}

	if err != nil {
		s.reply("535 Authentication failed")
		return
	}
	s.state = stateAuthOK
	s.reply("235 Authentication successful")
}

func (s *session) authPlain(initial string) error {
	if initial == "" {
		s.reply("334 ")
		line, err := s.readLine()
		if err != nil {
			return err
		}
		initial = line
	}
	return s.srv.auth.verifyPlain(initial)
}

// authLogin accepts the username either as an initial response or after a
// "Username:" challenge.
func (s *session) authLogin(initial string) error {
	user := initial
	if user == "" {
		s.reply("334 VXNlcm5hbWU6")
		line, err := s.readLine()
		if err != nil {
			return err
		}
		user = line
	}

	s.reply("334 UGFzc3dvcmQ6")
	pass, err := s.readLine()
	if err != nil {
		return err
	}
	return s.srv.auth.verifyLogin(user, pass)
}

func (s *session) mail(arg string) {
	if s.state < stateGreeted {
		s.reply("503 Send EHLO/HELO first")
		return
	}
	if s.srv.auth.enabled() && s.state < stateAuthOK {
		s.reply("530 Authentication required")
		return
	}

	addr, ok := parsePath(arg, "FROM:")
	if !ok {
		s.reply("501 Syntax: MAIL FROM:<address>")
		return
	}

	s.mailFrom = addr
	s.rcptTo = nil
	s.state = stateMailFrom
	s.reply("250 OK")
}

func (s *session) rcpt(arg string) {
	if s.state < stateMailFrom {
		s.reply("503 Send MAIL FROM first")
		return
	}

	addr, ok := parsePath(arg, "TO:")
	if !ok || addr == "" {
		s.reply("501 Syntax: RCPT TO:<address>")
		return
	}
	s.srv.stall(addr)
	if reason, rejected := s.srv.rejection(addr); rejected {
		s.reply("550 5.1.1 %s", reason)
		return
	}

	s.rcptTo = append(s.rcptTo, addr)
	s.state = stateRcptTo
	s.reply("250 OK")
}

func (s *session) data() {
	if s.state < stateRcptTo {
		s.reply("503 Send RCPT TO first")
		return
	}

	s.reply("354 Start mail input; end with <CRLF>.<CRLF>")

	var buf bytes.Buffer
	for {
		line, err := s.reader.ReadString('\n')
		if err != nil {
			return
		}
		trimmed := strings.TrimRight(line, "\r\n")
		if trimmed == "." {
			break
		}
		if strings.HasPrefix(trimmed, "..") {
			line = line[1:]
		}
		buf.WriteString(line)
	}

	s.srv.deliver(Delivery{
		From: s.mailFrom,
		To:   append([]string(nil), s.rcptTo...),
		Data: buf.Bytes(),
	})
	s.reset()
	s.reply("250 OK queued")
}

// reset clears the mail transaction but keeps greeting and auth state.
func (s *session) reset() {
	s.mailFrom = ""
	s.rcptTo = nil
	switch {
	case s.srv.auth.enabled() && s.state >= stateAuthOK:
		s.state = stateAuthOK
	case s.state >= stateGreeted:
		s.state = stateGreeted
	}
}

func (s *session) readLine() (string, error) {
	line, err := s.reader.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func (s *session) reply(format string, args ...any) {
	fmt.Fprintf(s.writer, format+"\r\n", args...)
	s.writer.Flush()
}

func splitCommand(line string) (string, string) {
	verb, arg, _ := strings.Cut(line, " ")
	return strings.ToUpper(verb), arg
}

// parsePath extracts the address from "FROM:<addr> params" or "TO:<addr>".
func parsePath(arg, prefix string) (string, bool) {
	if !strings.HasPrefix(strings.ToUpper(arg), prefix) {
		return "", false
	}
	rest := strings.TrimSpace(arg[len(prefix):])
	if !strings.HasPrefix(rest, "<") {
		addr, _, _ := strings.Cut(rest, " ")
		return addr, addr != ""
	}
	end := strings.Index(rest, ">")
	if end < 0 {
		return "", false
	}
	return rest[1:end], true
}
