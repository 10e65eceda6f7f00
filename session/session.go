// Package session owns one connection to Twitch chat: dial, log in, join a
// channel, answer keepalives and hand decoded messages to the caller.
package session

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nilsruhmanis-commits-does-he/Twitch-Sound-Alert/irc"
	"github.com/nilsruhmanis-commits-does-he/Twitch-Sound-Alert/telemetry"
)

// Defaults for Options.
const (
	DefaultHost             = "irc.chat.twitch.tv"
	DefaultPlainPort        = 6667
	DefaultTLSPort          = 6697
	DefaultHandshakeTimeout = 10 * time.Second
	DefaultReadTimeout      = 6 * time.Minute // Twitch pings about every 5 minutes
	DefaultWriteTimeout     = 10 * time.Second

	readBufSize = 4096
)

// Credentials identify the bot on one channel.
type Credentials struct {
	Token    string
	Nickname string
	Channel  string
}

// Normalized returns a copy ready for the wire: token carries the "oauth:"
// prefix, nickname and channel are lower case and the channel has no '#'.
func (c Credentials) Normalized() Credentials {
	tok := strings.TrimSpace(c.Token)
	if tok != "" && !strings.HasPrefix(strings.ToLower(tok), "oauth:") {
		tok = "oauth:" + tok
	}
	return Credentials{
		Token:    tok,
		Nickname: strings.ToLower(strings.TrimSpace(c.Nickname)),
		Channel:  strings.ToLower(strings.TrimPrefix(strings.TrimSpace(c.Channel), "#")),
	}
}

// Validate reports missing fields.
func (c Credentials) Validate() error {
	var missing []string
	if c.Token == "" {
		missing = append(missing, "token")
	}
	if c.Nickname == "" {
		missing = append(missing, "nickname")
	}
	if strings.TrimPrefix(c.Channel, "#") == "" {
		missing = append(missing, "channel")
	}
	if len(missing) > 0 {
		return fmt.Errorf("session: missing credentials: %s", strings.Join(missing, ", "))
	}
	return nil
}

// LogValue keeps the token out of logs.
func (c Credentials) LogValue() slog.Value {
	return slog.GroupValue(slog.String("nick", c.Nickname), slog.String("channel", c.Channel))
}

// DialFunc opens the raw connection. It is net.Dialer.DialContext in
// production and an in-memory pipe or local listener in tests.
type DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// Options configures Open. The zero value dials Twitch over plain TCP.
type Options struct {
	Host             string
	Port             int
	TLS              bool
	TLSConfig        *tls.Config
	HandshakeTimeout time.Duration
	ReadTimeout      time.Duration
	WriteTimeout     time.Duration
	// NoCapabilities skips the CAP REQ for Twitch tags/commands.
	NoCapabilities bool
	Dial           DialFunc
	// Progress is told when the session moves from Connecting to
	// Authenticating.
	Progress func(State)
	Logger   *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.Host == "" {
		o.Host = DefaultHost
	}
	if o.Port == 0 {
		o.Port = DefaultPlainPort
		if o.TLS {
			o.Port = DefaultTLSPort
		}
	}
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if o.ReadTimeout <= 0 {
		o.ReadTimeout = DefaultReadTimeout
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = DefaultWriteTimeout
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// Addr returns host:port.
func (o Options) Addr() string {
	o = o.withDefaults()
	return net.JoinHostPort(o.Host, fmt.Sprint(o.Port))
}

// Session is one joined connection. Next and Messages must be called from a
// single goroutine; Close may be called from any goroutine.
type Session struct {
	conn  net.Conn
	creds Credentials
	opts  Options
	log   *slog.Logger

	dec     irc.Decoder
	buf     []byte
	pending []irc.Message
	readErr error

	writeMu   sync.Mutex
	closeOnce sync.Once
	closed    atomic.Bool
	joinedAt  time.Time
}

// Open dials the server, logs in and joins creds.Channel. It returns once the
// server has confirmed the join, or a *ConnectError.
func Open(ctx context.Context, creds Credentials, opts Options) (*Session, error) {
	opts = opts.withDefaults()
	creds = creds.Normalized()
	if err := creds.Validate(); err != nil {
		return nil, &ConnectError{Kind: KindAuthRejected, Op: "validate", Err: err}
	}

	start := time.Now()
	hsCtx, cancel := context.WithTimeout(ctx, opts.HandshakeTimeout)
	defer cancel()

	conn, err := dial(hsCtx, opts)
	if err != nil {
		return nil, connectErr("dial", err)
	}

	s := &Session{
		conn:  conn,
		creds: creds,
		opts:  opts,
		log:   opts.Logger.With(slog.String("component", "session"), slog.String("channel", creds.Channel)),
		buf:   make([]byte, readBufSize),
	}
	s.dec.Logger = s.log

	// Unblock handshake reads when ctx or the handshake timer ends.
	stop := context.AfterFunc(hsCtx, func() { _ = conn.SetDeadline(time.Now()) })
	err = s.handshake(hsCtx)
	stop()
	if err != nil {
		_ = conn.Close()
		if ctxErr := hsCtx.Err(); ctxErr != nil && !errors.As(err, new(*ConnectError)) {
			err = fmt.Errorf("%w (%v)", ctxErr, err)
		}
		return nil, connectErr("handshake", err)
	}
	_ = conn.SetDeadline(time.Time{})

	s.joinedAt = time.Now()
	telemetry.ObserveDuration(telemetry.HandshakeDuration, time.Since(start))
	s.log.Info("joined channel", slog.Duration("took", time.Since(start)))
	return s, nil
}

func dial(ctx context.Context, opts Options) (net.Conn, error) {
	addr := net.JoinHostPort(opts.Host, fmt.Sprint(opts.Port))
	d := opts.Dial
	if d == nil {
		d = (&net.Dialer{KeepAlive: 30 * time.Second}).DialContext
	}
	conn, err := d(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	if !opts.TLS {
		return conn, nil
	}
	cfg := opts.TLSConfig
	if cfg == nil {
		cfg = &tls.Config{MinVersion: tls.VersionTLS12}
	} else {
		cfg = cfg.Clone()
	}
	if cfg.ServerName == "" {
		cfg.ServerName = opts.Host
	}
	tc := tls.Client(conn, cfg)
	if err := tc.HandshakeContext(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("tls: %w", err)
	}
	return tc, nil
}

// handshake sends PASS/NICK/JOIN back to back, then waits for the welcome
// and for the server to confirm the join. Chat lines that arrive before the
// confirmation are kept for Next.
func (s *Session) handshake(ctx context.Context) error {
	if s.opts.Progress != nil {
		s.opts.Progress(StateAuthenticating)
	}
	if !s.opts.NoCapabilities {
		if err := s.send("CAP", "REQ", "twitch.tv/tags twitch.tv/commands"); err != nil {
			return err
		}
	}
	if err := s.send("PASS", s.creds.Token); err != nil {
		return err
	}
	if err := s.send("NICK", s.creds.Nickname); err != nil {
		return err
	}
	if err := s.send("JOIN", "#"+s.creds.Channel); err != nil {
		return err
	}

	var early []irc.Message
	joined := func() error {
		s.pending = append(early, s.pending...)
		return nil
	}
	welcomed := false
	for {
		if err := ctx.Err(); err != nil {
			return &ConnectError{Kind: KindTimeout, Op: stage(welcomed), Err: err}
		}
		m, err := s.read()
		if err != nil {
			if ctx.Err() != nil {
				return &ConnectError{Kind: KindTimeout, Op: stage(welcomed), Err: ctx.Err()}
			}
			if errors.Is(err, io.EOF) {
				// Twitch hangs up right after a failed login without
				// always sending the NOTICE first.
				if !welcomed {
					return &ConnectError{Kind: KindAuthRejected, Op: "auth", Err: errors.New("server closed connection during login")}
				}
				return &ConnectError{Kind: KindProtocol, Op: "join", Err: err}
			}
			return err
		}

		switch m := m.(type) {
		case irc.Ping:
			if err := s.RespondToKeepalive(m.Token); err != nil {
				return err
			}
		case irc.Notice:
			if isAuthFailure(m.Text) {
				return &ConnectError{Kind: KindAuthRejected, Op: "auth", Err: errors.New(m.Text)}
			}
			if welcomed && m.Channel == s.creds.Channel {
				// e.g. msg_channel_suspended
				return &ConnectError{Kind: KindProtocol, Op: "join", Err: fmt.Errorf("join refused: %s", m.Text)}
			}
		case irc.Numeric:
			if m.Code == irc.RplWelcome {
				welcomed = true
			}
			if m.Code == irc.RplEndOfNames && welcomed {
				return joined()
			}
		case irc.Join:
			if welcomed && strings.EqualFold(m.User, s.creds.Nickname) && m.Channel == s.creds.Channel {
				return joined()
			}
		case irc.Reconnect:
			return &ConnectError{Kind: KindProtocol, Op: stage(welcomed), Err: ErrServerReconnect}
		case irc.PrivMsg:
			early = append(early, m)
		}
	}
}

func stage(welcomed bool) string {
	if welcomed {
		return "join"
	}
	return "auth"
}

// read returns the next decoded message, reading from the socket as needed.
// It applies no deadline of its own.
func (s *Session) read() (irc.Message, error) {
	for len(s.pending) == 0 {
		if s.readErr != nil {
			return nil, s.readErr
		}
		n, err := s.conn.Read(s.buf)
		if n > 0 {
			for _, m := range s.dec.Feed(s.buf[:n]) {
				telemetry.IncMessage(m.Command())
				if u, ok := m.(irc.Unknown); ok && u.Err != nil {
					telemetry.IncDecodeError()
				}
				s.pending = append(s.pending, m)
			}
		}
		if err != nil {
			s.readErr = err
		}
	}
	m := s.pending[0]
	s.pending = s.pending[1:]
	return m, nil
}

// Next returns the next message from the server. A Ping is answered before
// it is returned. The error is ErrClosed after Close, ErrServerReconnect when
// the server asks the client to go away, ErrReadTimeout when the server went
// quiet, or the underlying socket error.
func (s *Session) Next() (irc.Message, error) {
	if s.closed.Load() && len(s.pending) == 0 {
		return nil, ErrClosed
	}
	if len(s.pending) == 0 && s.readErr == nil {
		_ = s.conn.SetReadDeadline(time.Now().Add(s.opts.ReadTimeout))
	}
	m, err := s.read()
	if err != nil {
		return nil, s.disconnectErr(err)
	}
	switch m := m.(type) {
	case irc.Ping:
		if err := s.RespondToKeepalive(m.Token); err != nil {
			return nil, err
		}
	case irc.Reconnect:
		s.log.Info("server requested reconnect")
		return nil, ErrServerReconnect
	}
	return m, nil
}

func (s *Session) disconnectErr(err error) error {
	if s.closed.Load() {
		return ErrClosed
	}
	var ne net.Error
	if errors.Is(err, os.ErrDeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout()) {
		return fmt.Errorf("%w: %v", ErrReadTimeout, err)
	}
	if errors.Is(err, io.EOF) {
		return fmt.Errorf("session: server closed connection: %w", err)
	}
	return fmt.Errorf("session: read: %w", err)
}

// Messages yields (message, nil) until the session ends, then a final
// (nil, err) describing why. Breaking out of the loop leaves the session
// open; the caller still owns Close.
func (s *Session) Messages() iter.Seq2[irc.Message, error] {
	return func(yield func(irc.Message, error) bool) {
		for {
			m, err := s.Next()
			if err != nil {
				yield(nil, err)
				return
			}
			if !yield(m, nil) {
				return
			}
		}
	}
}

// RespondToKeepalive sends PONG with the probe's token.
func (s *Session) RespondToKeepalive(token string) error {
	if err := s.write(irc.Pong(token)); err != nil {
		return err
	}
	telemetry.IncKeepalive()
	s.log.Debug("answered keepalive", slog.String("token", token))
	return nil
}

func (s *Session) send(command string, args ...string) error {
	return s.write(irc.Encode(command, args...))
}

func (s *Session) write(b []byte) error {
	if s.closed.Load() {
		return ErrClosed
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout))
	if _, err := s.conn.Write(b); err != nil {
		if s.closed.Load() {
			return ErrClosed
		}
		return fmt.Errorf("session: write: %w", err)
	}
	return nil
}

// Credentials returns the normalized credentials the session joined with.
func (s *Session) Credentials() Credentials { return s.creds }

// JoinedAt returns when the join was confirmed.
func (s *Session) JoinedAt() time.Time { return s.joinedAt }

// Close closes the socket. A Next blocked in a read returns ErrClosed.
// It is safe to call more than once and from any goroutine.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		err = s.conn.Close()
		s.log.Debug("session closed")
	})
	return err
}
