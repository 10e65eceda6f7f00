// Package irc implements the line protocol spoken by Twitch chat: encoding
// outgoing commands and decoding the inbound byte stream into typed messages.
package irc

// Message is one decoded protocol line. The concrete type tells the caller
// which variant it holds: Ping, PrivMsg, Notice, Join, Numeric, Reconnect or
// Unknown.
type Message interface {
	// Command returns the IRC verb or numeric the message was decoded from.
	Command() string
}

// Ping is a server keepalive probe. Token must be echoed back in a PONG.
type Ping struct {
	Token string
}

// PrivMsg is a chat line posted to a channel.
type PrivMsg struct {
	Sender  string // login name from the line prefix
	Channel string // without the leading '#'
	Text    string

	// Metadata present when the server sends IRCv3 tags.
	ID          string
	DisplayName string
	Color       string
	Badges      map[string]int
	Emotes      []string
	Bits        int
	Action      bool
	Tags        map[string]string
}

// Notice is a server notice. Twitch uses it for login failures and
// channel-level errors.
type Notice struct {
	Channel string
	MsgID   string
	Text    string
}

// Join is the echo of a JOIN for some user on a channel.
type Join struct {
	User    string
	Channel string
}

// Numeric is a numeric reply such as 001 (welcome) or 366 (end of names).
type Numeric struct {
	Code   string
	Params []string
}

// Reconnect asks the client to drop the connection and dial again.
type Reconnect struct{}

// Unknown is any line the codec does not model, including malformed ones.
// Err is non-nil when the line could not be parsed at all.
type Unknown struct {
	Raw string
	Err error
}

func (Ping) Command() string      { return "PING" }
func (PrivMsg) Command() string   { return "PRIVMSG" }
func (Notice) Command() string    { return "NOTICE" }
func (Join) Command() string      { return "JOIN" }
func (m Numeric) Command() string { return m.Code }
func (Reconnect) Command() string { return "RECONNECT" }
func (Unknown) Command() string   { return "" }

// Numeric replies the session cares about.
const (
	RplWelcome    = "001"
	RplEndOfNames = "366"
)
