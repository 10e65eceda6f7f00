package irc

import (
	"errors"
	"fmt"
	"strings"

	twitch "github.com/gempir/go-twitch-irc/v4"
)

// DecodeError reports a line that could not be tokenized.
type DecodeError struct {
	Line   string
	Reason string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("irc: malformed line (%s): %q", e.Reason, e.Line)
}

// ErrMalformed matches every *DecodeError through errors.Is.
var ErrMalformed = errors.New("irc: malformed line")

func (e *DecodeError) Is(target error) bool { return target == ErrMalformed }

// rawLine is the tokenized form of one protocol line.
type rawLine struct {
	tags    map[string]string
	prefix  string
	command string
	params  []string
}

// nick returns the nickname part of the prefix ("nick!user@host").
func (l *rawLine) nick() string {
	if i := strings.IndexByte(l.prefix, '!'); i >= 0 {
		return l.prefix[:i]
	}
	return l.prefix
}

func tokenize(line string) (*rawLine, error) {
	rest := line
	out := &rawLine{}

	if strings.HasPrefix(rest, "@") {
		sp := strings.IndexByte(rest, ' ')
		if sp < 0 {
			return nil, &DecodeError{Line: line, Reason: "tags without command"}
		}
		out.tags = parseTags(rest[1:sp])
		rest = strings.TrimLeft(rest[sp+1:], " ")
	}

	if strings.HasPrefix(rest, ":") {
		sp := strings.IndexByte(rest, ' ')
		if sp < 0 {
			return nil, &DecodeError{Line: line, Reason: "prefix without command"}
		}
		out.prefix = rest[1:sp]
		rest = strings.TrimLeft(rest[sp+1:], " ")
	}

	if sp := strings.IndexByte(rest, ' '); sp >= 0 {
		out.command = rest[:sp]
		rest = rest[sp+1:]
	} else {
		out.command = rest
		rest = ""
	}
	if out.command == "" {
		return nil, &DecodeError{Line: line, Reason: "empty command"}
	}
	out.command = strings.ToUpper(out.command)

	for rest != "" {
		if rest[0] == ':' {
			out.params = append(out.params, rest[1:])
			break
		}
		if rest[0] == ' ' {
			rest = rest[1:]
			continue
		}
		sp := strings.IndexByte(rest, ' ')
		if sp < 0 {
			out.params = append(out.params, rest)
			break
		}
		out.params = append(out.params, rest[:sp])
		rest = rest[sp+1:]
	}
	return out, nil
}

var tagEscapes = strings.NewReplacer(`\:`, ";", `\s`, " ", `\\`, `\`, `\r`, "\r", `\n`, "\n")

func parseTags(s string) map[string]string {
	tags := make(map[string]string)
	for _, kv := range strings.Split(s, ";") {
		if kv == "" {
			continue
		}
		k, v, _ := strings.Cut(kv, "=")
		tags[k] = tagEscapes.Replace(v)
	}
	return tags
}

// ParseLine decodes a single line (without its terminator). It never fails:
// lines that cannot be tokenized, or that are missing required parameters,
// come back as Unknown with Err set.
func ParseLine(line string) Message {
	l, err := tokenize(line)
	if err != nil {
		return Unknown{Raw: line, Err: err}
	}

	switch l.command {
	case "PING":
		tok := ""
		if len(l.params) > 0 {
			tok = l.params[len(l.params)-1]
		}
		return Ping{Token: tok}
	case "PRIVMSG":
		// the sender prefix is optional; Sender stays empty without it
		if len(l.params) < 2 {
			return Unknown{Raw: line, Err: &DecodeError{Line: line, Reason: "PRIVMSG needs channel and text"}}
		}
		return privMsg(line, l)
	case "NOTICE":
		n := Notice{MsgID: l.tags["msg-id"]}
		if len(l.params) > 0 {
			n.Text = l.params[len(l.params)-1]
		}
		if len(l.params) > 1 && strings.HasPrefix(l.params[0], "#") {
			n.Channel = strings.TrimPrefix(l.params[0], "#")
		}
		return n
	case "JOIN":
		if len(l.params) < 1 || l.prefix == "" {
			return Unknown{Raw: line, Err: &DecodeError{Line: line, Reason: "JOIN needs user and channel"}}
		}
		return Join{User: l.nick(), Channel: strings.TrimPrefix(l.params[0], "#")}
	case "RECONNECT":
		return Reconnect{}
	}
	if isNumeric(l.command) {
		return Numeric{Code: l.command, Params: l.params}
	}
	return Unknown{Raw: line}
}

func isNumeric(cmd string) bool {
	if len(cmd) != 3 {
		return false
	}
	for i := 0; i < 3; i++ {
		if cmd[i] < '0' || cmd[i] > '9' {
			return false
		}
	}
	return true
}

// privMsg builds the PrivMsg from the tokenized line and, when tags are
// present, lets go-twitch-irc fill in the Twitch specific metadata.
func privMsg(line string, l *rawLine) PrivMsg {
	pm := PrivMsg{
		Sender:  l.nick(),
		Channel: strings.TrimPrefix(l.params[0], "#"),
		Text:    l.params[1],
		Tags:    l.tags,
	}
	// CTCP ACTION (/me) arrives wrapped in \x01 markers.
	if strings.HasPrefix(pm.Text, "\x01ACTION ") && strings.HasSuffix(pm.Text, "\x01") {
		pm.Text = strings.TrimSuffix(strings.TrimPrefix(pm.Text, "\x01ACTION "), "\x01")
		pm.Action = true
	}
	if len(l.tags) == 0 {
		pm.DisplayName = pm.Sender
		return pm
	}

	if tm, ok := twitch.ParseMessage(line).(*twitch.PrivateMessage); ok {
		pm.ID = tm.ID
		pm.DisplayName = tm.User.DisplayName
		pm.Color = tm.User.Color
		pm.Badges = tm.User.Badges
		pm.Bits = tm.Bits
		for _, e := range tm.Emotes {
			if e != nil {
				pm.Emotes = append(pm.Emotes, e.Name)
			}
		}
	}
	if pm.DisplayName == "" {
		pm.DisplayName = pm.Sender
	}
	return pm
}
