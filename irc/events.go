package irc

import (
	"strings"
	"time"
)

// Event is the closed set of things the IRC transport reports to the bridge.
type Event interface {
	isEvent()
}

// Connected is emitted once registration (and SASL) has completed.
type Connected struct {
	Server string
	Nick   string
}

// Disconnected is emitted when the connection drops. The client reconnects on its own.
type Disconnected struct {
	Server string
	Err    error
}

// ChannelMessage is a PRIVMSG addressed to a channel.
type ChannelMessage struct {
	Channel string
	Nick    string
	Text    string
	At      time.Time
}

// DirectMessage is a PRIVMSG addressed to the bridge's own nick.
type DirectMessage struct {
	Nick string
	Text string
	At   time.Time
}

// Notice is a NOTICE from a server or user.
type Notice struct {
	From   string
	Target string
	Text   string
}

// ProtocolError is an ERROR line or a numeric error reply (4xx/5xx).
type ProtocolError struct {
	Command string
	Params  []string
}

// Invite is an INVITE to a channel. Invites are logged, never acted on.
type Invite struct {
	Nick    string
	Channel string
}

func (Connected) isEvent()      {}
func (Disconnected) isEvent()   {}
func (ChannelMessage) isEvent() {}
func (DirectMessage) isEvent()  {}
func (Notice) isEvent()         {}
func (ProtocolError) isEvent()  {}
func (Invite) isEvent()         {}

// Text renders a protocol error for logs and admin alerts.
func (e ProtocolError) Text() string {
	return strings.TrimSpace(e.Command + " " + strings.Join(e.Params, " "))
}

const ctcpDelim = "\x01"

// fromMessage classifies one parsed IRC line. self is the bridge's current nick; ok is
// false for lines the bridge does not care about.
func fromMessage(source, command string, params []string, self string, now time.Time) (Event, bool) {
	nick, _, _ := strings.Cut(source, "!")
	param := func(i int) string {
		if i < len(params) {
			return params[i]
		}
		return ""
	}
	switch command {
	case "PRIVMSG":
		if len(params) < 2 {
			return nil, false
		}
		text, ok := renderCTCP(params[1])
		if !ok {
			return nil, false
		}
		target := params[0]
		if isChannel(target) {
			return ChannelMessage{Channel: target, Nick: nick, Text: text, At: now}, true
		}
		if self != "" && !strings.EqualFold(target, self) {
			return nil, false
		}
		return DirectMessage{Nick: nick, Text: text, At: now}, true
	case "NOTICE":
		return Notice{From: nick, Target: param(0), Text: param(1)}, true
	case "INVITE":
		return Invite{Nick: nick, Channel: param(1)}, true
	case "ERROR":
		return ProtocolError{Command: command, Params: params}, true
	}
	if len(command) == 3 && (command[0] == '4' || command[0] == '5') && isDigits(command) {
		return ProtocolError{Command: command, Params: params}, true
	}
	return nil, false
}

// renderCTCP turns an ACTION into "/me ..." and drops every other CTCP request.
func renderCTCP(text string) (string, bool) {
	if !strings.HasPrefix(text, ctcpDelim) {
		return text, true
	}
	body := strings.TrimSuffix(strings.TrimPrefix(text, ctcpDelim), ctcpDelim)
	if rest, ok := strings.CutPrefix(body, "ACTION"); ok {
		return "/me" + rest, true
	}
	return "", false
}

func isChannel(target string) bool {
	return target != "" && strings.ContainsRune("#&+!", rune(target[0]))
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
