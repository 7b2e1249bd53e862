package irc

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ergochat/irc-go/ircmsg"
)

var (
	ErrEmptyLine = errors.New("empty line")
	ErrMalformed = errors.New("malformed message")
	ErrNoCommand = fmt.Errorf("%w: missing command", ErrMalformed)
)

var stripControl = strings.NewReplacer("\r", "", "\n", "", "\x00", "")

// Message is one IRC line. Tags carries IRCv3 message tags, unescaped.
type Message struct {
	Tags    map[string]string
	Prefix  string
	Command string
	Params  []string
}

// Parse decodes a single frame. A trailing CRLF is ignored.
func Parse(line string) (Message, error) {
	line = strings.TrimRight(line, "\r\n")
	if strings.TrimSpace(line) == "" {
		return Message{}, ErrEmptyLine
	}
	pm, err := ircmsg.ParseLine(line)
	if err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if pm.Command == "" {
		return Message{}, ErrNoCommand
	}
	m := Message{Prefix: pm.Source, Command: strings.ToUpper(pm.Command)}
	if tags := pm.AllTags(); len(tags) > 0 {
		m.Tags = tags
	}
	if len(pm.Params) > 0 {
		m.Params = pm.Params
	}
	return m, nil
}

// Command returns the upper-cased command of a raw frame, or "" when the
// frame does not parse.
func Command(frame []byte) string {
	m, err := Parse(string(frame))
	if err != nil {
		return ""
	}
	return m.Command
}

// Nick returns the nickname part of the prefix ("nick!user@host").
func (m Message) Nick() string {
	n, _, _ := strings.Cut(m.Prefix, "!")
	n, _, _ = strings.Cut(n, "@")
	return n
}

// Param returns the i-th param or "".
func (m Message) Param(i int) string {
	if i < 0 || i >= len(m.Params) {
		return ""
	}
	return m.Params[i]
}

// Trailing returns the last param or "".
func (m Message) Trailing() string {
	if len(m.Params) == 0 {
		return ""
	}
	return m.Params[len(m.Params)-1]
}

// Bytes renders the message without the CRLF terminator. CR, LF and NUL are
// stripped from params. A middle param that is empty, contains a space or
// starts with ':' cannot be encoded and is an error.
func (m Message) Bytes() ([]byte, error) {
	params := make([]string, len(m.Params))
	for i, p := range m.Params {
		params[i] = stripControl.Replace(p)
	}
	msg := ircmsg.MakeMessage(m.Tags, m.Prefix, m.Command, params...)
	line, err := msg.LineBytes()
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, m.Command, err)
	}
	return []byte(strings.TrimRight(string(line), "\r\n")), nil
}

func (m Message) String() string {
	b, err := m.Bytes()
	if err != nil {
		return m.Command + " <" + err.Error() + ">"
	}
	return string(b)
}
