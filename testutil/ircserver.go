package testutil

import (
	"bufio"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"
)

// FakeIRCServer is an in-process TCP server that speaks just enough of the
// Twitch chat protocol for tests. Each accepted connection is handed to
// Handler on its own goroutine.
type FakeIRCServer struct {
	ln      net.Listener
	Handler func(*FakeConn)

	mu       sync.Mutex
	conns    []*FakeConn
	accepted int
	wg       sync.WaitGroup
	Conns    chan *FakeConn // every accepted connection, buffered
}

// NewFakeIRCServer listens on a random loopback port. The server is closed
// by t.Cleanup.
func NewFakeIRCServer(t testing.TB, handler func(*FakeConn)) *FakeIRCServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	s := &FakeIRCServer{ln: ln, Handler: handler, Conns: make(chan *FakeConn, 64)}
	s.wg.Add(1)
	go s.serve(t)
	t.Cleanup(s.Close)
	return s
}

func (s *FakeIRCServer) serve(t testing.TB) {
	defer s.wg.Done()
	for {
		c, err := s.ln.Accept()
		if err != nil {
			return
		}
		fc := &FakeConn{Conn: c, r: bufio.NewReader(c), t: t}
		s.mu.Lock()
		s.accepted++
		s.conns = append(s.conns, fc)
		s.mu.Unlock()
		select {
		case s.Conns <- fc:
		default:
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer c.Close()
			if s.Handler != nil {
				s.Handler(fc)
			}
		}()
	}
}

// Host returns the listen host.
func (s *FakeIRCServer) Host() string {
	h, _, _ := net.SplitHostPort(s.ln.Addr().String())
	return h
}

// Port returns the listen port.
func (s *FakeIRCServer) Port() int {
	_, p, _ := net.SplitHostPort(s.ln.Addr().String())
	n, _ := strconv.Atoi(p)
	return n
}

// Accepted returns how many connections the server has accepted.
func (s *FakeIRCServer) Accepted() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accepted
}

// Close stops accepting, closes every connection and waits for handlers.
func (s *FakeIRCServer) Close() {
	_ = s.ln.Close()
	s.mu.Lock()
	for _, c := range s.conns {
		_ = c.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
}

// FakeConn is the server side of one client connection.
type FakeConn struct {
	net.Conn
	r *bufio.Reader
	t testing.TB

	mu    sync.Mutex
	lines []string
}

// ReadLine returns the next line from the client without its terminator.
func (c *FakeConn) ReadLine() (string, error) {
	return c.readLine(time.Now().Add(5 * time.Second))
}

func (c *FakeConn) readLine(deadline time.Time) (string, error) {
	_ = c.SetReadDeadline(deadline)
	line, err := c.r.ReadString('\n')
	if err != nil {
		return "", err
	}
	line = strings.TrimRight(line, "\r\n")
	c.mu.Lock()
	c.lines = append(c.lines, line)
	c.mu.Unlock()
	return line, nil
}

// Expect reads lines until one starts with prefix and returns it.
func (c *FakeConn) Expect(prefix string) (string, error) {
	for {
		line, err := c.ReadLine()
		if err != nil {
			return "", fmt.Errorf("waiting for %q: %w", prefix, err)
		}
		if strings.HasPrefix(line, prefix) {
			return line, nil
		}
	}
}

// Send writes each line followed by CRLF.
func (c *FakeConn) Send(lines ...string) error {
	for _, l := range lines {
		if _, err := c.Write([]byte(l + "\r\n")); err != nil {
			return err
		}
	}
	return nil
}

// Received returns every line read so far.
func (c *FakeConn) Received() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.lines))
	copy(out, c.lines)
	return out
}

// Login plays the server half of a successful handshake and returns the
// nickname and channel the client asked for.
func (c *FakeConn) Login() (nick, channel string, err error) {
	if _, err = c.Expect("PASS "); err != nil {
		return "", "", err
	}
	line, err := c.Expect("NICK ")
	if err != nil {
		return "", "", err
	}
	nick = strings.TrimPrefix(line, "NICK ")
	if err = c.Send(":tmi.twitch.tv 001 " + nick + " :Welcome, GLHF!"); err != nil {
		return "", "", err
	}
	line, err = c.Expect("JOIN ")
	if err != nil {
		return "", "", err
	}
	channel = strings.TrimPrefix(strings.TrimPrefix(line, "JOIN "), "#")
	err = c.Send(
		fmt.Sprintf(":%[1]s!%[1]s@%[1]s.tmi.twitch.tv JOIN #%[2]s", nick, channel),
		fmt.Sprintf(":%[1]s.tmi.twitch.tv 366 %[1]s #%[2]s :End of /NAMES list", nick, channel),
	)
	return nick, channel, err
}

// Chat sends a PRIVMSG from user to channel.
func (c *FakeConn) Chat(user, channel, text string) error {
	return c.Send(fmt.Sprintf(":%[1]s!%[1]s@%[1]s.tmi.twitch.tv PRIVMSG #%[2]s :%[3]s", user, channel, text))
}

// Hold keeps the connection open until the client hangs up.
func (c *FakeConn) Hold() {
	for {
		if _, err := c.readLine(time.Time{}); err != nil {
			return
		}
	}
}
