// Package bridge relays messages between Zulip streams and IRC channels.
package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/onnwee/zulip-irc-bridge/irc"
	"github.com/onnwee/zulip-irc-bridge/telemetry"
	"github.com/onnwee/zulip-irc-bridge/zulip"
)

// Hub is the part of the Zulip client the bridge uses.
type Hub interface {
	Register(ctx context.Context) (string, error)
	GetEvents(ctx context.Context, queueID string, lastEventID int64) ([]zulip.Event, error)
	SendStreamMessage(ctx context.Context, stream, topic, content string) (int64, error)
}

// Transport is the IRC connection capability.
type Transport interface {
	Send(target, text string) error
	Join(channel string) error
	Part(channel string) error
	Nick() string
}

// ThrottledSender queues IRC lines under the outbound rate limit.
type ThrottledSender interface {
	Send(ctx context.Context, target, text string) error
}

// AlertSink receives fire-and-forget operator alerts.
type AlertSink interface {
	Notify(ctx context.Context, category, text string) error
	NotifyJSON(ctx context.Context, category string, v any) error
}

// Options configures a Bridge.
type Options struct {
	Spaces       *SpaceMap
	Hub          Hub
	Transport    Transport
	Events       <-chan irc.Event
	Alerts       AlertSink
	Store        CursorStore
	Admins       []string
	BotEmail     string
	DefaultTopic string
	Version      string

	ThrottleLimit  int
	ThrottleWindow time.Duration
	ThrottlePoll   time.Duration
	Retry          RetryPolicy
}

// Bridge owns every relay component and routes transport events to them.
type Bridge struct {
	spaces    *SpaceMap
	transport Transport
	events    <-chan irc.Event
	alerts    AlertSink
	admins    []string

	Cursor    *EventCursor
	Throttle  *Throttle
	Inbound   *Inbound
	Outbound  *Outbound
	Commands  *Commands
	Identity  *Identity
	Heartbeat *HeartbeatState

	channelQ chan irc.ChannelMessage
	directQ  chan irc.DirectMessage
	adminQ   chan string
	ircErrs  *errorGate

	mu        sync.RWMutex
	connected bool
	joined    map[string]string // folded -> as given
}

// IRC error alerts are capped per window so a burst of numerics cannot monopolise the
// throttle or the alert sink.
const (
	ircErrorAlertLimit  = 5
	ircErrorAlertWindow = time.Minute
)

// New assembles a bridge from opts.
func New(opts Options) *Bridge {
	if opts.Alerts == nil {
		opts.Alerts = nopSink{}
	}
	if opts.Retry == (RetryPolicy{}) {
		opts.Retry = DefaultRetryPolicy
	}
	b := &Bridge{
		spaces:    opts.Spaces,
		transport: opts.Transport,
		events:    opts.Events,
		alerts:    opts.Alerts,
		admins:    opts.Admins,
		Heartbeat: &HeartbeatState{},
		channelQ:  make(chan irc.ChannelMessage, 256),
		directQ:   make(chan irc.DirectMessage, 64),
		adminQ:    make(chan string, 16),
		ircErrs:   newErrorGate(ircErrorAlertLimit, ircErrorAlertWindow),
		joined:    make(map[string]string),
	}
	for _, ch := range opts.Spaces.Channels() {
		b.joined[foldChannel(ch)] = ch
	}
	b.Identity = NewIdentity(opts.BotEmail, opts.Transport.Nick)
	b.Cursor = NewEventCursor(opts.Hub, opts.Store)
	b.Throttle = NewThrottle(opts.Transport, opts.ThrottleLimit, opts.ThrottleWindow, opts.ThrottlePoll)
	b.Inbound = NewInbound(b.Cursor, opts.Spaces, b.Throttle, b.Identity, b.Heartbeat, opts.Alerts, opts.Admins, opts.Retry)
	b.Outbound = NewOutbound(opts.Spaces, opts.Hub, opts.DefaultTopic)
	b.Commands = NewCommands(CommandDeps{
		Out:       b.Throttle,
		Heartbeat: b.Heartbeat,
		Alerts:    opts.Alerts,
		Admins:    opts.Admins,
		Version:   opts.Version,
		Join:      b.join,
		Part:      b.part,
	})
	return b
}

// Run starts the throttle, the inbound poll loop, the dispatcher and the per-kind
// workers, and blocks until ctx ends or one of them fails.
func (b *Bridge) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		b.Throttle.Run(ctx)
		return nil
	})
	g.Go(func() error { return b.Inbound.Run(ctx) })
	g.Go(func() error { return b.dispatchLoop(ctx) })
	g.Go(func() error { return b.channelWorker(ctx) })
	g.Go(func() error { return b.directWorker(ctx) })
	g.Go(func() error { return b.adminWorker(ctx) })
	return g.Wait()
}

func (b *Bridge) dispatchLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-b.events:
			b.dispatch(ctx, ev)
		}
	}
}

// dispatch handles one transport event. Message handling is queued to the workers so a
// slow Zulip post or a full throttle never delays lifecycle events.
func (b *Bridge) dispatch(ctx context.Context, ev irc.Event) {
	log := slog.With(slog.String("component", "irc"))
	switch e := ev.(type) {
	case irc.Connected:
		b.setConnected(true)
		log.Info("connected", slog.String("server", e.Server), slog.String("nick", e.Nick))
		for _, ch := range b.JoinedChannels() {
			if err := b.transport.Join(ch); err != nil {
				log.Warn("join failed", slog.String("channel", ch), slog.Any("err", err))
			}
		}
	case irc.Disconnected:
		b.setConnected(false)
		log.Warn("disconnected", slog.String("server", e.Server), slog.Any("err", e.Err))
		_ = b.alerts.Notify(ctx, "irc-disconnected", fmt.Sprintf("disconnected from %s: %v", e.Server, e.Err))
	case irc.ChannelMessage:
		if b.Identity.IsSelfIRC(e.Nick) {
			return
		}
		select {
		case b.channelQ <- e:
		case <-ctx.Done():
		}
	case irc.DirectMessage:
		if b.Identity.IsSelfIRC(e.Nick) {
			return
		}
		select {
		case b.directQ <- e:
		case <-ctx.Done():
		}
	case irc.Notice:
		log.Info("notice", slog.String("from", e.From), slog.String("target", e.Target), slog.String("text", e.Text))
	case irc.Invite:
		log.Info("invited; ignoring", slog.String("from", e.Nick), slog.String("channel", e.Channel))
	case irc.ProtocolError:
		b.handleProtocolError(ctx, e)
	default:
		log.Debug("unhandled irc event", slog.String("type", fmt.Sprintf("%T", ev)))
	}
}

func (b *Bridge) handleProtocolError(ctx context.Context, e irc.ProtocolError) {
	log := slog.With(slog.String("component", "irc"), slog.String("line", e.Text()))
	if isAdminBounce(e, b.admins) {
		log.Warn("admin unreachable on irc")
		return
	}
	log.Error("irc protocol error")
	text, ok := b.ircErrs.admit(e.Text())
	if !ok {
		log.Debug("irc error alert suppressed")
		return
	}
	_ = b.alerts.Notify(ctx, "irc-error", text)
	if len(b.admins) == 0 {
		return
	}
	select {
	case b.adminQ <- "IRC error: " + text:
	default:
		log.Warn("admin alert queue full; dropping alert")
	}
}

// adminWorker delivers queued IRC error alerts to every admin, one alert at a time.
func (b *Bridge) adminWorker(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line := <-b.adminQ:
			for _, admin := range b.admins {
				if err := b.Throttle.Send(ctx, admin, line); err != nil {
					if ctx.Err() != nil {
						return ctx.Err()
					}
					slog.Warn("admin alert failed", slog.String("admin", admin), slog.Any("err", err), slog.String("component", "irc"))
				}
			}
		}
	}
}

func (b *Bridge) channelWorker(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case m := <-b.channelQ:
			b.Outbound.HandleChannelLine(ctx, m.Channel, m.Nick, m.Text)
		}
	}
}

func (b *Bridge) directWorker(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case m := <-b.directQ:
			b.Commands.Handle(ctx, m.Nick, m.Text)
		}
	}
}

func (b *Bridge) join(channel string) error {
	if err := b.transport.Join(channel); err != nil {
		return err
	}
	b.mu.Lock()
	b.joined[foldChannel(channel)] = channel
	b.mu.Unlock()
	return nil
}

func (b *Bridge) part(channel string) error {
	if err := b.transport.Part(channel); err != nil {
		return err
	}
	b.mu.Lock()
	delete(b.joined, foldChannel(channel))
	b.mu.Unlock()
	return nil
}

// JoinedChannels is the set rejoined on every connect: mapped channels plus admin joins,
// minus admin parts.
func (b *Bridge) JoinedChannels() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]string, 0, len(b.joined))
	for _, ch := range b.joined {
		out = append(out, ch)
	}
	sort.Strings(out)
	return out
}

func (b *Bridge) setConnected(up bool) {
	b.mu.Lock()
	b.connected = up
	b.mu.Unlock()
	telemetry.SetConnected(up)
}

// Connected reports whether the IRC transport is currently registered.
func (b *Bridge) Connected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.connected
}

// Status is the bridge's state as reported by the status server.
type Status struct {
	Cursor          CursorSnapshot `json:"cursor"`
	IRCConnected    bool           `json:"irc_connected"`
	IRCNick         string         `json:"irc_nick"`
	LastHeartbeat   *time.Time     `json:"last_heartbeat,omitempty"`
	LastPollSuccess *time.Time     `json:"last_poll_success,omitempty"`
	PollFailures    int            `json:"consecutive_poll_failures"`
	ThrottleBacklog int            `json:"throttle_backlog"`
	Channels        []string       `json:"channels"`
}

// Status snapshots the bridge.
func (b *Bridge) Status() Status {
	st := Status{
		Cursor:          b.Cursor.Snapshot(),
		IRCConnected:    b.Connected(),
		IRCNick:         b.transport.Nick(),
		ThrottleBacklog: b.Throttle.Backlog(),
		Channels:        b.JoinedChannels(),
	}
	if hb, ok := b.Heartbeat.Last(); ok {
		st.LastHeartbeat = &hb
	}
	last, failures := b.Inbound.Health()
	if !last.IsZero() {
		st.LastPollSuccess = &last
	}
	st.PollFailures = failures
	return st
}

// Ready reports whether IRC is connected and Zulip was polled successfully within maxAge.
func (b *Bridge) Ready(maxAge time.Duration) (bool, string) {
	if !b.Connected() {
		return false, "irc not connected"
	}
	last, _ := b.Inbound.Health()
	if last.IsZero() {
		return false, "no successful zulip poll yet"
	}
	if age := time.Since(last); age > maxAge {
		return false, fmt.Sprintf("last successful zulip poll %s ago", age.Round(time.Second))
	}
	return true, "ok"
}

type nopSink struct{}

func (nopSink) Notify(context.Context, string, string) error  { return nil }
func (nopSink) NotifyJSON(context.Context, string, any) error { return nil }
