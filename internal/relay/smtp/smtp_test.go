package smtp

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/m3r33/izues/internal/message"
	"github.com/m3r33/izues/internal/relay"
	"github.com/m3r33/izues/internal/relay/relaytest"
	ctls "github.com/m3r33/izues/internal/tls"
)

var testMessage = &message.Message{
	From:     "Shop <shop@example.com>",
	Subject:  "Weekly deals",
	HTMLBody: "<p>Hello</p>",
}

func TestName(t *testing.T) {
	t.Parallel()
	if got := New(Options{}).Name(); got != "smtp" {
		t.Errorf("Name(): got %q, want %q", got, "smtp")
	}
}

func TestConnectAndSend(t *testing.T) {
	t.Parallel()

	srv := relaytest.NewServer(relaytest.Options{Username: "user", Password: "secret"})
	defer srv.Close()

	ctx := context.Background()
	sess, err := New(Options{HeloName: "blast.test"}).Connect(ctx, srv.Relay())
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}

	for _, to := range []string{"a@x.test", "b@x.test"} {
		if err := sess.Send(ctx, testMessage, to); err != nil {
			t.Fatalf("Send(%s): %v", to, err)
		}
	}
	if err := sess.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	deliveries := srv.Deliveries()
	if len(deliveries) != 2 {
		t.Fatalf("deliveries: got %d, want 2", len(deliveries))
	}
	if deliveries[0].From != "shop@example.com" {
		t.Errorf("envelope from: got %q, want %q", deliveries[0].From, "shop@example.com")
	}
	if got := deliveries[1].To; len(got) != 1 || got[0] != "b@x.test" {
		t.Errorf("envelope to: got %v, want [b@x.test]", got)
	}
	if got := deliveries[0].Subject(); got != "Weekly deals" {
		t.Errorf("Subject: got %q, want %q", got, "Weekly deals")
	}
	if got := deliveries[0].Body(); !strings.Contains(got, "<p>Hello</p>") {
		t.Errorf("Body: got %q, want it to contain %q", got, "<p>Hello</p>")
	}
	if srv.Sessions() != 1 {
		t.Errorf("Sessions: got %d, want 1", srv.Sessions())
	}
}

func TestConnect_WithoutCredentials(t *testing.T) {
	t.Parallel()

	srv := relaytest.NewServer(relaytest.Options{})
	defer srv.Close()

	sess, err := New(Options{}).Connect(context.Background(), srv.Relay())
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer sess.Close()

	if err := sess.Send(context.Background(), testMessage, "a@x.test"); err != nil {
		t.Fatalf("Send: %v", err)
	}
}

func TestConnect_AuthFailure(t *testing.T) {
	t.Parallel()

	srv := relaytest.NewServer(relaytest.Options{Username: "user", Password: "secret"})
	defer srv.Close()

	cfg := srv.Relay()
	cfg.Password = "wrong"

	_, err := New(Options{}).Connect(context.Background(), cfg)
	if err == nil {
		t.Fatal("expected authentication error, got nil")
	}
	if !strings.Contains(err.Error(), "535") {
		t.Errorf("error: got %q, want it to contain the 535 reply", err.Error())
	}
}

func TestConnect_AuthNotOffered(t *testing.T) {
	t.Parallel()

	srv := relaytest.NewServer(relaytest.Options{})
	defer srv.Close()

	cfg := srv.Relay()
	cfg.User = "user"
	cfg.Password = "secret"

	_, err := New(Options{}).Connect(context.Background(), cfg)
	if !errors.Is(err, ErrAuthUnsupported) {
		t.Errorf("error: got %v, want %v", err, ErrAuthUnsupported)
	}
}

func TestConnect_Refused(t *testing.T) {
	t.Parallel()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().(*net.TCPAddr)
	ln.Close()

	_, err = New(Options{}).Connect(context.Background(), relay.Config{Host: "127.0.0.1", Port: addr.Port})
	if err == nil {
		t.Fatal("expected connection error, got nil")
	}
}

func TestConnect_Cancelled(t *testing.T) {
	t.Parallel()

	// A listener that accepts but never greets.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			defer conn.Close()
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	port := ln.Addr().(*net.TCPAddr).Port
	start := time.Now()
	_, err = New(Options{}).Connect(ctx, relay.Config{Host: "127.0.0.1", Port: port})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("error: got %v, want %v", err, context.DeadlineExceeded)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("Connect took %v after cancellation", elapsed)
	}
}

func TestConnect_StartTLS(t *testing.T) {
	t.Parallel()

	cert, err := ctls.GenerateSelfSignedCert()
	if err != nil {
		t.Fatalf("GenerateSelfSignedCert: %v", err)
	}
	srv := relaytest.NewServer(relaytest.Options{
		Username:  "user",
		Password:  "secret",
		TLSConfig: &tls.Config{Certificates: []tls.Certificate{*cert}},
	})
	defer srv.Close()

	t.Run("verified certificate rejected", func(t *testing.T) {
		if _, err := New(Options{}).Connect(context.Background(), srv.Relay()); err == nil {
			t.Fatal("expected certificate verification error, got nil")
		}
	})

	t.Run("insecure skip verify", func(t *testing.T) {
		sess, err := New(Options{InsecureSkipVerify: true}).Connect(context.Background(), srv.Relay())
		if err != nil {
			t.Fatalf("Connect: %v", err)
		}
		defer sess.Close()
		if err := sess.Send(context.Background(), testMessage, "a@x.test"); err != nil {
			t.Fatalf("Send: %v", err)
		}
	})
}

func TestSend_RecipientRejected(t *testing.T) {
	t.Parallel()

	srv := relaytest.NewServer(relaytest.Options{})
	defer srv.Close()
	srv.Reject("bad@x.test", "mailbox unavailable")

	ctx := context.Background()
	sess, err := New(Options{}).Connect(ctx, srv.Relay())
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer sess.Close()

	err = sess.Send(ctx, testMessage, "bad@x.test")
	if err == nil {
		t.Fatal("expected rejection, got nil")
	}
	if want := "RCPT TO rejected: 550 mailbox unavailable"; err.Error() != want {
		t.Errorf("error: got %q, want %q", err.Error(), want)
	}

	// The next recipient goes through on the same session.
	if err := sess.Send(ctx, testMessage, "good@x.test"); err != nil {
		t.Fatalf("Send after rejection: %v", err)
	}
	if got := srv.Recipients(); len(got) != 1 || got[0] != "good@x.test" {
		t.Errorf("Recipients: got %v, want [good@x.test]", got)
	}
}

func TestSend_ReconnectsAfterTimeout(t *testing.T) {
	t.Parallel()

	srv := relaytest.NewServer(relaytest.Options{})
	defer srv.Close()
	srv.Stall("slow@x.test", 2*time.Second)

	sess, err := New(Options{}).Connect(context.Background(), srv.Relay())
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer sess.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	err = sess.Send(ctx, testMessage, "slow@x.test")
	cancel()
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Send(slow): got %v, want context.DeadlineExceeded", err)
	}

	// The aborted send closed the connection; the session opens a new one.
	if err := sess.Send(context.Background(), testMessage, "fast@x.test"); err != nil {
		t.Fatalf("Send after timeout: %v", err)
	}
	if err := sess.Send(context.Background(), testMessage, "next@x.test"); err != nil {
		t.Fatalf("second Send after timeout: %v", err)
	}
	if got := srv.Recipients(); len(got) != 2 || got[0] != "fast@x.test" || got[1] != "next@x.test" {
		t.Errorf("Recipients: got %v, want [fast@x.test next@x.test]", got)
	}
	if got := srv.Sessions(); got != 2 {
		t.Errorf("Sessions: got %d, want 2", got)
	}
}

func TestSend_InvalidSender(t *testing.T) {
	t.Parallel()

	srv := relaytest.NewServer(relaytest.Options{})
	defer srv.Close()

	sess, err := New(Options{}).Connect(context.Background(), srv.Relay())
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer sess.Close()

	msg := &message.Message{From: "not an address", Subject: "s", HTMLBody: "b"}
	if err := sess.Send(context.Background(), msg, "a@x.test"); err == nil {
		t.Fatal("expected error for invalid sender, got nil")
	}
	if len(srv.Deliveries()) != 0 {
		t.Errorf("deliveries: got %d, want 0", len(srv.Deliveries()))
	}
}

func TestSASLClient(t *testing.T) {
	t.Parallel()

	tests := []struct {
		advertised string
		wantMech   string
		wantErr    bool
	}{
		{"PLAIN LOGIN", "PLAIN", false},
		{"LOGIN PLAIN CRAM-MD5", "PLAIN", false},
		{"login", "LOGIN", false},
		{"CRAM-MD5 XOAUTH2", "", true},
		{"", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.advertised, func(t *testing.T) {
			t.Parallel()
			c, err := saslClient(tt.advertised, "user", "secret")
			if tt.wantErr {
				if !errors.Is(err, ErrAuthUnsupported) {
					t.Errorf("error: got %v, want %v", err, ErrAuthUnsupported)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			mech, _, err := c.Start()
			if err != nil {
				t.Fatalf("Start: %v", err)
			}
			if mech != tt.wantMech {
				t.Errorf("mechanism: got %q, want %q", mech, tt.wantMech)
			}
		})
	}
}

func TestImplicitTLS(t *testing.T) {
	t.Parallel()

	for port, want := range map[int]bool{465: true, 587: false, 25: false} {
		if got := implicitTLS(port); got != want {
			t.Errorf("implicitTLS(%d): got %v, want %v", port, got, want)
		}
	}
}
