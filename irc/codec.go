package irc

import (
	"bytes"
	"log/slog"
	"strings"
)

// MaxLineLength bounds how much unterminated data the decoder keeps around.
// Twitch allows 8 KiB of tags plus a 512 byte message body.
const MaxLineLength = 16 * 1024

var stripCRLF = strings.NewReplacer("\r", "", "\n", "")

// Encode renders one outgoing command terminated by CRLF. The last argument is
// sent as the trailing parameter when it needs to be (spaces, leading colon,
// empty). CR and LF are removed from every argument so a value can never
// smuggle a second command onto the wire.
func Encode(command string, args ...string) []byte {
	var b bytes.Buffer
	b.WriteString(stripCRLF.Replace(command))
	for i, a := range args {
		a = stripCRLF.Replace(a)
		b.WriteByte(' ')
		if i == len(args)-1 && (a == "" || a[0] == ':' || strings.ContainsRune(a, ' ')) {
			b.WriteByte(':')
		}
		b.WriteString(a)
	}
	b.WriteString("\r\n")
	return b.Bytes()
}

// Pong answers a Ping with the same token.
func Pong(token string) []byte {
	return []byte("PONG :" + stripCRLF.Replace(token) + "\r\n")
}

// Decode splits buf into complete lines and parses each of them. Bytes after
// the last line terminator are returned as remainder and must be prepended to
// the next read. Empty lines are skipped.
func Decode(buf []byte) (msgs []Message, remainder []byte) {
	for {
		i := bytes.IndexByte(buf, '\n')
		if i < 0 {
			return msgs, buf
		}
		line := bytes.TrimRight(buf[:i], "\r")
		buf = buf[i+1:]
		if len(line) == 0 {
			continue
		}
		msgs = append(msgs, ParseLine(string(line)))
	}
}

// Decoder is the stateful form of Decode: it carries the partial trailing line
// between calls so reads that split a line in two still yield one message.
type Decoder struct {
	pending []byte
	Logger  *slog.Logger
}

// Feed appends data to the pending buffer and returns every message that is
// now complete. Malformed lines are logged and returned as Unknown.
func (d *Decoder) Feed(data []byte) []Message {
	d.pending = append(d.pending, data...)
	msgs, rest := Decode(d.pending)
	d.pending = append(d.pending[:0], rest...)

	if len(d.pending) > MaxLineLength {
		msgs = append(msgs, Unknown{Raw: string(d.pending[:64]), Err: &DecodeError{Line: string(d.pending[:64]), Reason: "line too long"}})
		d.pending = d.pending[:0]
	}

	for _, m := range msgs {
		if u, ok := m.(Unknown); ok && u.Err != nil {
			d.logger().Debug("dropping malformed line", slog.String("component", "irc"), slog.Any("err", u.Err))
		}
	}
	return msgs
}

// Buffered reports how many bytes of an unterminated line are held.
func (d *Decoder) Buffered() int { return len(d.pending) }

func (d *Decoder) logger() *slog.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return slog.Default()
}
