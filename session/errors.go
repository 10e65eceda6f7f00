package session

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"syscall"
)

// ErrorKind says why a session could not be opened.
type ErrorKind int

const (
	// KindTimeout: dial or handshake did not finish in time.
	KindTimeout ErrorKind = iota
	// KindRefused: the server could not be reached (refused, unreachable, DNS).
	KindRefused
	// KindAuthRejected: the server rejected the token or nickname.
	KindAuthRejected
	// KindProtocol: the server said something the handshake did not expect,
	// or hung up mid-handshake.
	KindProtocol
)

// String returns a short lowercase name, used as a metric label.
func (k ErrorKind) String() string {
	switch k {
	case KindTimeout:
		return "timeout"
	case KindRefused:
		return "refused"
	case KindAuthRejected:
		return "auth_rejected"
	case KindProtocol:
		return "protocol"
	default:
		return "unknown"
	}
}

// Sentinels for errors.Is against a *ConnectError.
var (
	ErrTimeout      = errors.New("session: timeout")
	ErrRefused      = errors.New("session: connection refused")
	ErrAuthRejected = errors.New("session: authentication rejected")
	ErrProtocol     = errors.New("session: protocol error")
)

// Errors that end an established session.
var (
	ErrClosed          = errors.New("session: closed")
	ErrServerReconnect = errors.New("session: server requested reconnect")
	ErrReadTimeout     = errors.New("session: no data from server within read timeout")
)

// ConnectError is returned by Open.
type ConnectError struct {
	Kind ErrorKind
	Op   string // dial, auth, join, ...
	Err  error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connect %s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// Is matches the sentinel for the error's kind.
func (e *ConnectError) Is(target error) bool {
	switch target {
	case ErrTimeout:
		return e.Kind == KindTimeout
	case ErrRefused:
		return e.Kind == KindRefused
	case ErrAuthRejected:
		return e.Kind == KindAuthRejected
	case ErrProtocol:
		return e.Kind == KindProtocol
	}
	return false
}

func connectErr(op string, err error) *ConnectError {
	var ce *ConnectError
	if errors.As(err, &ce) {
		return ce
	}
	return &ConnectError{Kind: Classify(err), Op: op, Err: err}
}

// Classify maps a dial or handshake failure to an ErrorKind. Typed network
// errors are checked first, then the message text.
func Classify(err error) ErrorKind {
	if err == nil {
		return KindProtocol
	}
	var ce *ConnectError
	if errors.As(err, &ce) {
		return ce.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return KindTimeout
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return KindTimeout
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ENETUNREACH) || errors.Is(err, syscall.EHOSTUNREACH) {
		return KindRefused
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return KindRefused
	}

	lower := strings.ToLower(err.Error())
	for _, p := range authPatterns {
		if strings.Contains(lower, p) {
			return KindAuthRejected
		}
	}
	refusedPatterns := []string{
		"connection refused",
		"no route to host",
		"network is unreachable",
		"no such host",
		"temporary failure in name resolution",
	}
	for _, p := range refusedPatterns {
		if strings.Contains(lower, p) {
			return KindRefused
		}
	}
	if strings.Contains(lower, "timeout") || strings.Contains(lower, "timed out") {
		return KindTimeout
	}
	return KindProtocol
}

// authPatterns are the NOTICE texts Twitch sends before dropping a login.
var authPatterns = []string{
	"login authentication failed",
	"improperly formatted auth",
	"invalid nick",
}

func isAuthFailure(text string) bool {
	lower := strings.ToLower(text)
	for _, p := range authPatterns {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}
