package session

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/nilsruhmanis-commits-does-he/Twitch-Sound-Alert/irc"
	"github.com/nilsruhmanis-commits-does-he/Twitch-Sound-Alert/testutil"
)

var testCreds = Credentials{Token: "abc123", Nickname: "SoundBot", Channel: "#SomeChannel"}

func optsFor(srv *testutil.FakeIRCServer) Options {
	return Options{Host: srv.Host(), Port: srv.Port(), HandshakeTimeout: 2 * time.Second}
}

func TestCredentialsNormalized(t *testing.T) {
	tests := []struct {
		name string
		in   Credentials
		want Credentials
	}{
		{"adds prefix", Credentials{"abc", "Bot", "#Chan"}, Credentials{"oauth:abc", "bot", "chan"}},
		{"keeps prefix", Credentials{"oauth:abc", "bot", "chan"}, Credentials{"oauth:abc", "bot", "chan"}},
		{"keeps upper prefix", Credentials{"OAUTH:abc", "bot", "chan"}, Credentials{"OAUTH:abc", "bot", "chan"}},
		{"empty token stays empty", Credentials{"", "bot", "chan"}, Credentials{"", "bot", "chan"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.in.Normalized(); got != tt.want {
				t.Errorf("Normalized() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestCredentialsValidate(t *testing.T) {
	if err := testCreds.Validate(); err != nil {
		t.Errorf("Validate() = %v", err)
	}
	err := Credentials{Channel: "#"}.Validate()
	if err == nil || !strings.Contains(err.Error(), "token, nickname, channel") {
		t.Errorf("Validate() = %v", err)
	}
}

func TestOpenHandshakeAndKeepalive(t *testing.T) {
	pongSeen := make(chan []string, 1)
	srv := testutil.NewFakeIRCServer(t, func(c *testutil.FakeConn) {
		if _, _, err := c.Login(); err != nil {
			t.Errorf("login: %v", err)
			return
		}
		_ = c.Send("PING :tmi.twitch.tv")
		if _, err := c.Expect("PONG"); err != nil {
			t.Errorf("no PONG: %v", err)
			return
		}
		pongSeen <- c.Received()
		_ = c.Chat("viewer", "somechannel", "say !hello now")
		c.Hold()
	})

	s, err := Open(context.Background(), testCreds, optsFor(srv))
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	defer s.Close()

	// The welcome's trailing 366 comes first.
	var m irc.Message
	for {
		m, err = s.Next()
		if err != nil {
			t.Fatalf("Next() error: %v", err)
		}
		if _, ok := m.(irc.Numeric); !ok {
			break
		}
	}
	if p, ok := m.(irc.Ping); !ok || p.Token != "tmi.twitch.tv" {
		t.Fatalf("got %#v, want Ping", m)
	}

	// PONG must already be on the wire when Next hands back the Ping.
	var lines []string
	select {
	case lines = <-pongSeen:
	case <-time.After(2 * time.Second):
		t.Fatal("server never saw PONG")
	}

	m, err = s.Next()
	if err != nil {
		t.Fatalf("Next() error: %v", err)
	}
	pm, ok := m.(irc.PrivMsg)
	if !ok || pm.Text != "say !hello now" || pm.Sender != "viewer" {
		t.Fatalf("got %#v, want PrivMsg", m)
	}

	want := []string{
		"CAP REQ :twitch.tv/tags twitch.tv/commands",
		"PASS oauth:abc123",
		"NICK soundbot",
		"JOIN #somechannel",
		"PONG :tmi.twitch.tv",
	}
	if len(lines) != len(want) {
		t.Fatalf("server received %q, want %q", lines, want)
	}
	for i := range want {
		if lines[i] != want[i] {
			t.Errorf("line %d = %q, want %q", i, lines[i], want[i])
		}
	}
}

func TestOpenAuthRejected(t *testing.T) {
	srv := testutil.NewFakeIRCServer(t, func(c *testutil.FakeConn) {
		if _, err := c.Expect("NICK "); err != nil {
			return
		}
		_ = c.Send(":tmi.twitch.tv NOTICE * :Login authentication failed")
	})
	_, err := Open(context.Background(), testCreds, optsFor(srv))
	if !errors.Is(err, ErrAuthRejected) {
		t.Fatalf("Open() err = %v, want ErrAuthRejected", err)
	}
	var ce *ConnectError
	if !errors.As(err, &ce) || ce.Kind != KindAuthRejected {
		t.Errorf("err = %#v", err)
	}
}

func TestOpenHangupDuringLogin(t *testing.T) {
	srv := testutil.NewFakeIRCServer(t, func(c *testutil.FakeConn) {
		_, _ = c.Expect("NICK ")
	})
	_, err := Open(context.Background(), testCreds, optsFor(srv))
	if !errors.Is(err, ErrAuthRejected) {
		t.Fatalf("Open() err = %v, want ErrAuthRejected", err)
	}
}

func TestOpenJoinRefused(t *testing.T) {
	srv := testutil.NewFakeIRCServer(t, func(c *testutil.FakeConn) {
		line, err := c.Expect("NICK ")
		if err != nil {
			return
		}
		nick := strings.TrimPrefix(line, "NICK ")
		_ = c.Send(":tmi.twitch.tv 001 " + nick + " :Welcome, GLHF!")
		if _, err := c.Expect("JOIN "); err != nil {
			return
		}
		_ = c.Send("@msg-id=msg_channel_suspended :tmi.twitch.tv NOTICE #somechannel :This channel does not exist or has been suspended.")
		c.Hold()
	})
	_, err := Open(context.Background(), testCreds, optsFor(srv))
	if !errors.Is(err, ErrProtocol) {
		t.Fatalf("Open() err = %v, want ErrProtocol", err)
	}
}

func TestOpenChatBeforeJoinConfirmed(t *testing.T) {
	srv := testutil.NewFakeIRCServer(t, func(c *testutil.FakeConn) {
		line, err := c.Expect("NICK ")
		if err != nil {
			return
		}
		nick := strings.TrimPrefix(line, "NICK ")
		_ = c.Send(":tmi.twitch.tv 001 " + nick + " :Welcome, GLHF!")
		if _, err := c.Expect("JOIN "); err != nil {
			return
		}
		_ = c.Chat("viewer", "somechannel", "early !hello")
		time.Sleep(300 * time.Millisecond)
		_ = c.Send(fmt.Sprintf(":%[1]s!%[1]s@%[1]s.tmi.twitch.tv JOIN #somechannel", nick))
		_ = c.Chat("viewer", "somechannel", "later")
		c.Hold()
	})
	opts := optsFor(srv)
	opts.HandshakeTimeout = time.Second
	start := time.Now()
	s, err := Open(context.Background(), testCreds, opts)
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	defer s.Close()
	if took := time.Since(start); took > time.Second {
		t.Errorf("Open took %v", took)
	}

	for _, want := range []string{"early !hello", "later"} {
		m, err := drain(s)
		if err != nil {
			t.Fatalf("Next() error: %v", err)
		}
		if pm, ok := m.(irc.PrivMsg); !ok || pm.Text != want {
			t.Fatalf("got %#v, want PrivMsg %q", m, want)
		}
	}
}

func TestOpenSendsJoinWithLogin(t *testing.T) {
	srv := testutil.NewFakeIRCServer(t, func(c *testutil.FakeConn) {
		// nothing is sent until PASS, NICK and JOIN are all in
		for _, prefix := range []string{"PASS ", "NICK ", "JOIN #somechannel"} {
			if _, err := c.Expect(prefix); err != nil {
				t.Errorf("waiting for %q: %v", prefix, err)
				return
			}
		}
		_ = c.Send(
			":tmi.twitch.tv 001 soundbot :Welcome, GLHF!",
			":soundbot!soundbot@soundbot.tmi.twitch.tv JOIN #somechannel",
		)
		c.Hold()
	})
	s, err := Open(context.Background(), testCreds, optsFor(srv))
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	s.Close()
}

func TestOpenRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().(*net.TCPAddr)
	ln.Close()

	_, err = Open(context.Background(), testCreds, Options{Host: "127.0.0.1", Port: addr.Port, HandshakeTimeout: time.Second})
	if !errors.Is(err, ErrRefused) {
		t.Fatalf("Open() err = %v, want ErrRefused", err)
	}
}

func TestOpenHandshakeTimeout(t *testing.T) {
	srv := testutil.NewFakeIRCServer(t, func(c *testutil.FakeConn) { c.Hold() })
	opts := optsFor(srv)
	opts.HandshakeTimeout = 100 * time.Millisecond
	start := time.Now()
	_, err := Open(context.Background(), testCreds, opts)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("Open() err = %v, want ErrTimeout", err)
	}
	if time.Since(start) > 2*time.Second {
		t.Errorf("timeout took %v", time.Since(start))
	}
}

func TestOpenCanceled(t *testing.T) {
	srv := testutil.NewFakeIRCServer(t, func(c *testutil.FakeConn) { c.Hold() })
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()
	_, err := Open(ctx, testCreds, optsFor(srv))
	if err == nil {
		t.Fatal("Open() succeeded after cancel")
	}
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled in chain", err)
	}
}

func joinedSession(t *testing.T, after func(c *testutil.FakeConn), opts ...func(*Options)) *Session {
	t.Helper()
	srv := testutil.NewFakeIRCServer(t, func(c *testutil.FakeConn) {
		if _, _, err := c.Login(); err != nil {
			return
		}
		after(c)
	})
	o := optsFor(srv)
	o.NoCapabilities = true
	for _, f := range opts {
		f(&o)
	}
	s, err := Open(context.Background(), testCreds, o)
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// drain reads until a non-numeric message or an error.
func drain(s *Session) (irc.Message, error) {
	for {
		m, err := s.Next()
		if err != nil {
			return nil, err
		}
		if _, ok := m.(irc.Numeric); !ok {
			return m, nil
		}
	}
}

func TestServerReconnect(t *testing.T) {
	s := joinedSession(t, func(c *testutil.FakeConn) {
		_ = c.Send(":tmi.twitch.tv RECONNECT")
		c.Hold()
	})
	if _, err := drain(s); !errors.Is(err, ErrServerReconnect) {
		t.Fatalf("err = %v, want ErrServerReconnect", err)
	}
}

func TestReadTimeout(t *testing.T) {
	s := joinedSession(t, func(c *testutil.FakeConn) { c.Hold() }, func(o *Options) {
		o.ReadTimeout = 100 * time.Millisecond
	})
	if _, err := drain(s); !errors.Is(err, ErrReadTimeout) {
		t.Fatalf("err = %v, want ErrReadTimeout", err)
	}
}

func TestRemoteClose(t *testing.T) {
	s := joinedSession(t, func(c *testutil.FakeConn) {})
	_, err := drain(s)
	if err == nil || errors.Is(err, ErrClosed) {
		t.Fatalf("err = %v, want a disconnect error", err)
	}
}

func TestCloseUnblocksNext(t *testing.T) {
	s := joinedSession(t, func(c *testutil.FakeConn) { c.Hold() })
	errc := make(chan error, 1)
	go func() {
		_, err := drain(s)
		errc <- err
	}()
	time.Sleep(50 * time.Millisecond)
	if err := s.Close(); err != nil {
		t.Errorf("Close() = %v", err)
	}
	_ = s.Close()
	select {
	case err := <-errc:
		if !errors.Is(err, ErrClosed) {
			t.Errorf("Next err = %v, want ErrClosed", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not unblock Next")
	}
}

func TestMessagesIterator(t *testing.T) {
	s := joinedSession(t, func(c *testutil.FakeConn) {
		for i := 0; i < 3; i++ {
			_ = c.Chat("viewer", "somechannel", fmt.Sprintf("msg %d", i))
		}
	})
	var texts []string
	var last error
	for m, err := range s.Messages() {
		if err != nil {
			last = err
			break
		}
		if pm, ok := m.(irc.PrivMsg); ok {
			texts = append(texts, pm.Text)
		}
	}
	if len(texts) != 3 || texts[2] != "msg 2" {
		t.Errorf("texts = %v", texts)
	}
	if last == nil {
		t.Error("iterator ended without an error")
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorKind
	}{
		{"deadline", context.DeadlineExceeded, KindTimeout},
		{"econnrefused", &net.OpError{Op: "dial", Err: syscall.ECONNREFUSED}, KindRefused},
		{"dns", &net.DNSError{Err: "no such host", Name: "irc.invalid"}, KindRefused},
		{"auth text", errors.New("Login authentication failed"), KindAuthRejected},
		{"timeout text", errors.New("i/o timeout"), KindTimeout},
		{"other", errors.New("unexpected reply"), KindProtocol},
		{"wrapped connect error", fmt.Errorf("outer: %w", &ConnectError{Kind: KindRefused, Op: "dial", Err: errors.New("x")}), KindRefused},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.err); got != tt.want {
				t.Errorf("Classify(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestErrorKindString(t *testing.T) {
	tests := []struct {
		kind ErrorKind
		want string
	}{
		{KindTimeout, "timeout"},
		{KindRefused, "refused"},
		{KindAuthRejected, "auth_rejected"},
		{KindProtocol, "protocol"},
		{ErrorKind(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.kind.String(); got != tt.want {
			t.Errorf("String() = %q, want %q", got, tt.want)
		}
	}
}
