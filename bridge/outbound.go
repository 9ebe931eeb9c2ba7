package bridge

import (
	"context"
	"log/slog"
	"regexp"
	"strings"

	"github.com/onnwee/zulip-irc-bridge/config"
	"github.com/onnwee/zulip-irc-bridge/telemetry"
)

// addressedRe finds the first "(topic)" in a line and the body after it, with any run of
// spaces and colons between the closing paren and the body.
var addressedRe = regexp.MustCompile(`(?s)\(([^)]*)\)[ :]*(.*)$`)

// ParseAddressed extracts an explicit topic from an IRC line. Lines not starting with
// "#" go to defaultTopic unchanged. For a "#" line the first parenthesised group is the
// topic and only the text after it is the body, so "#(bugs): x" and "#re (bugs) x" both
// address "bugs". A "#" line with no closed parenthesis is still delivered, to
// defaultTopic, and ok is false so the caller can log it.
func ParseAddressed(text, defaultTopic string) (topic, body string, ok bool) {
	if !strings.HasPrefix(text, "#") {
		return defaultTopic, text, true
	}
	m := addressedRe.FindStringSubmatch(text)
	if m == nil {
		return defaultTopic, strings.TrimPrefix(text, "#"), false
	}
	topic = strings.TrimSpace(m[1])
	if topic == "" {
		topic = defaultTopic
	}
	return topic, m[2], true
}

// Outbound is the IRC -> Zulip relay. Posts are not throttled and not retried.
type Outbound struct {
	spaces       *SpaceMap
	hub          Hub
	defaultTopic string
}

// NewOutbound returns an outbound relay. An empty defaultTopic means config.DefaultTopic.
func NewOutbound(spaces *SpaceMap, hub Hub, defaultTopic string) *Outbound {
	if defaultTopic == "" {
		defaultTopic = config.DefaultTopic
	}
	return &Outbound{spaces: spaces, hub: hub, defaultTopic: defaultTopic}
}

// HandleChannelLine posts one IRC channel line to the mapped stream as "nick: body".
func (o *Outbound) HandleChannelLine(ctx context.Context, channel, nick, text string) {
	log := slog.With(slog.String("component", "outbound"), slog.String("channel", channel), slog.String("nick", nick))
	_, stream, ok := o.spaces.StreamFor(channel)
	if !ok {
		log.Info("dropping line from unmapped channel")
		return
	}
	topic, body, parsed := ParseAddressed(text, o.defaultTopic)
	if !parsed {
		log.Warn("malformed topic address; posting to default topic", slog.String("text", text))
	}
	id, err := o.hub.SendStreamMessage(ctx, stream, topic, nick+": "+body)
	if err != nil {
		telemetry.IncResult(telemetry.HubMessagesPosted, "error")
		log.Error("zulip post failed", slog.String("stream", stream), slog.String("topic", topic), slog.Any("err", err))
		return
	}
	telemetry.IncResult(telemetry.HubMessagesPosted, "ok")
	log.Debug("posted to zulip", slog.String("stream", stream), slog.String("topic", topic), slog.Int64("message_id", id))
}
