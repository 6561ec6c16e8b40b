// Package message defines the outbound message sent to every recipient of a
// dispatch run and renders it as an RFC 5322 document.
package message

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
)

// Message is the fixed content of a dispatch run. HTMLBody is sent as-is;
// it is not templated per recipient.
type Message struct {
	From     string
	Subject  string
	HTMLBody string
}

// Envelope returns the bare sender address used for MAIL FROM. The From
// field may be a display-name form such as "Shop <shop@example.com>".
func (m *Message) Envelope() (string, error) {
	addr, err := mail.ParseAddress(m.From)
	if err != nil {
		return "", fmt.Errorf("invalid sender address %q: %w", m.From, err)
	}
	return addr.Address, nil
}

// Compose renders the message addressed to a single recipient.
func (m *Message) Compose(to string, date time.Time) ([]byte, error) {
	from, err := mail.ParseAddress(m.From)
	if err != nil {
		return nil, fmt.Errorf("invalid sender address %q: %w", m.From, err)
	}
	rcpt, err := mail.ParseAddress(to)
	if err != nil {
		return nil, fmt.Errorf("invalid recipient address %q: %w", to, err)
	}

	var h mail.Header
	h.SetDate(date)
	h.SetAddressList("From", []*mail.Address{from})
	h.SetAddressList("To", []*mail.Address{rcpt})
	h.SetSubject(m.Subject)
	if err := h.GenerateMessageID(); err != nil {
		return nil, fmt.Errorf("failed to generate message id: %w", err)
	}
	h.SetContentType("text/html", map[string]string{"charset": "utf-8"})

	var buf bytes.Buffer
	w, err := mail.CreateSingleInlineWriter(&buf, h)
	if err != nil {
		return nil, fmt.Errorf("failed to create message writer: %w", err)
	}
	if _, err := w.Write([]byte(m.HTMLBody)); err != nil {
		return nil, fmt.Errorf("failed to write message body: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("failed to finish message: %w", err)
	}

	return buf.Bytes(), nil
}

// PlainText returns a rough text rendition of the HTML body for transports
// that want one. Tags are stripped; entities are left alone.
func (m *Message) PlainText() string {
	var b strings.Builder
	inTag := false
	for _, r := range m.HTMLBody {
		switch {
		case r == '<':
			inTag = true
		case r == '>':
			inTag = false
		case !inTag:
			b.WriteRune(r)
		}
	}
	return strings.TrimSpace(b.String())
}
