package bridge

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/onnwee/zulip-irc-bridge/zulip"
)

// ErrNoSubscriptions is returned when the bot is not subscribed to any stream.
var ErrNoSubscriptions = errors.New("bridge: zulip subscription snapshot is empty")

// CollisionError reports two streams that map onto the same IRC channel.
type CollisionError struct {
	Channel string
	First   string
	Second  string
}

func (e *CollisionError) Error() string {
	return fmt.Sprintf("bridge: streams %q and %q both map to IRC channel %s", e.First, e.Second, e.Channel)
}

// SpaceMap is the immutable bijection between subscribed Zulip streams and IRC channels.
type SpaceMap struct {
	names     map[int64]string // stream id -> stream name
	channels  map[int64]string // stream id -> channel
	byChannel map[string]int64 // folded channel -> stream id
}

// NewSpaceMap builds the mapping from a subscription snapshot. overrides is keyed by
// stream name; streams without an override get Slug(prefix, name). Channel names are
// compared case-insensitively, so "#Janet" and "#janet" collide.
func NewSpaceMap(subs []zulip.Subscription, overrides map[string]string, prefix string) (*SpaceMap, error) {
	if len(subs) == 0 {
		return nil, ErrNoSubscriptions
	}
	m := &SpaceMap{
		names:     make(map[int64]string, len(subs)),
		channels:  make(map[int64]string, len(subs)),
		byChannel: make(map[string]int64, len(subs)),
	}
	for _, s := range subs {
		if _, seen := m.names[s.StreamID]; seen {
			continue
		}
		channel, ok := overrides[s.Name]
		if !ok {
			channel = Slug(prefix, s.Name)
		}
		key := foldChannel(channel)
		if other, dup := m.byChannel[key]; dup {
			return nil, &CollisionError{Channel: channel, First: m.names[other], Second: s.Name}
		}
		m.names[s.StreamID] = s.Name
		m.channels[s.StreamID] = channel
		m.byChannel[key] = s.StreamID
	}
	return m, nil
}

// Slug derives the default channel name for a stream: prefix followed by the lowercased
// name with whitespace runs and commas collapsed to single dashes.
func Slug(prefix, name string) string {
	name = strings.ReplaceAll(name, ",", " ")
	return prefix + strings.ToLower(strings.Join(strings.Fields(name), "-"))
}

// ChannelFor resolves a stream id to its IRC channel.
func (m *SpaceMap) ChannelFor(streamID int64) (string, bool) {
	ch, ok := m.channels[streamID]
	return ch, ok
}

// StreamFor resolves an IRC channel to its stream id and name.
func (m *SpaceMap) StreamFor(channel string) (int64, string, bool) {
	id, ok := m.byChannel[foldChannel(channel)]
	if !ok {
		return 0, "", false
	}
	return id, m.names[id], true
}

// StreamName returns the name of a mapped stream.
func (m *SpaceMap) StreamName(streamID int64) (string, bool) {
	name, ok := m.names[streamID]
	return name, ok
}

// Channels returns every mapped channel, sorted.
func (m *SpaceMap) Channels() []string {
	out := make([]string, 0, len(m.channels))
	for _, ch := range m.channels {
		out = append(out, ch)
	}
	sort.Strings(out)
	return out
}

// Len is the number of mapped streams.
func (m *SpaceMap) Len() int { return len(m.channels) }

func foldChannel(ch string) string { return strings.ToLower(ch) }
