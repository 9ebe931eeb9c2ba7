package irc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ergochat/irc-go/ircevent"
	"github.com/ergochat/irc-go/ircmsg"
)

// Config holds the connection settings for one IRC network.
type Config struct {
	Server       string // host:port
	UseTLS       bool
	Nick         string
	SASLLogin    string
	SASLPassword string
	// ReconnectFreq is the pause between reconnect attempts after a drop.
	ReconnectFreq time.Duration
}

// Client is the IRC transport. Lifecycle and message callbacks from the library are
// folded into the Event union and delivered on Events, so the bridge sees one ordered
// stream instead of per-command handlers.
type Client struct {
	cfg    Config
	conn   *ircevent.Connection
	events chan Event
	now    func() time.Time
}

// New builds a client. Nothing is dialled until Run.
func New(cfg Config) *Client {
	if cfg.ReconnectFreq <= 0 {
		cfg.ReconnectFreq = 10 * time.Second
	}
	login := cfg.SASLLogin
	if login == "" {
		login = cfg.Nick
	}
	c := &Client{
		cfg:    cfg,
		events: make(chan Event, 256),
		now:    time.Now,
	}
	c.conn = &ircevent.Connection{
		Server:        cfg.Server,
		Nick:          cfg.Nick,
		User:          cfg.Nick,
		RealName:      "zulip bridge",
		UseTLS:        cfg.UseTLS,
		UseSASL:       cfg.SASLPassword != "",
		SASLLogin:     login,
		SASLPassword:  cfg.SASLPassword,
		ReconnectFreq: cfg.ReconnectFreq,
		QuitMessage:   "bridge shutting down",
	}
	c.install()
	return c
}

func (c *Client) install() {
	c.conn.AddConnectCallback(func(m ircmsg.Message) {
		c.emit(Connected{Server: c.cfg.Server, Nick: c.conn.CurrentNick()})
	})
	c.conn.AddDisconnectCallback(func(m ircmsg.Message) {
		ev := Disconnected{Server: c.cfg.Server}
		if reason := strings.TrimSpace(strings.Join(m.Params, " ")); reason != "" {
			ev.Err = errors.New(reason)
		}
		c.emit(ev)
	})
	handle := func(m ircmsg.Message) {
		if ev, ok := fromMessage(m.Source, m.Command, m.Params, c.conn.CurrentNick(), c.now()); ok {
			c.emit(ev)
		}
	}
	for _, cmd := range []string{"PRIVMSG", "NOTICE", "INVITE", "ERROR"} {
		c.conn.AddCallback(cmd, handle)
	}
	// Error numerics live in 400-599.
	for code := 400; code < 600; code++ {
		c.conn.AddCallback(strconv.Itoa(code), handle)
	}
}

// emit never blocks the library's read loop; a full buffer means the bridge is wedged
// and dropping is preferable to stalling PING replies.
func (c *Client) emit(ev Event) {
	select {
	case c.events <- ev:
	default:
		slog.Warn("irc event buffer full; dropping event", slog.String("event", fmt.Sprintf("%T", ev)), slog.String("component", "irc"))
	}
}

// Events is the stream of transport events. It is never closed.
func (c *Client) Events() <-chan Event { return c.events }

// Run connects, retrying with exponential backoff until the first connection succeeds,
// then keeps the connection alive (the library reconnects after drops) until ctx ends.
func (c *Client) Run(ctx context.Context) error {
	connect := func() error {
		err := c.conn.Connect()
		if err != nil {
			slog.Warn("irc connect failed", slog.String("server", c.cfg.Server), slog.Any("err", err), slog.String("component", "irc"))
		}
		return err
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 2 * time.Second
	b.MaxInterval = 2 * time.Minute
	b.MaxElapsedTime = 0
	if err := backoff.Retry(connect, backoff.WithContext(b, ctx)); err != nil {
		return fmt.Errorf("irc connect: %w", err)
	}
	slog.Info("irc connected", slog.String("server", c.cfg.Server), slog.String("nick", c.conn.CurrentNick()), slog.String("component", "irc"))

	done := make(chan struct{})
	go func() {
		defer close(done)
		c.conn.Loop()
	}()
	select {
	case <-ctx.Done():
		c.conn.Quit()
		<-done
		return ctx.Err()
	case <-done:
		return errors.New("irc: connection loop exited")
	}
}

// Send delivers one PRIVMSG line.
func (c *Client) Send(target, text string) error {
	return c.conn.Privmsg(target, text)
}

// Join joins a channel.
func (c *Client) Join(channel string) error {
	return c.conn.Join(channel)
}

// Part leaves a channel.
func (c *Client) Part(channel string) error {
	return c.conn.Part(channel)
}

// Nick is the current nick, which may differ from the configured one after a collision.
func (c *Client) Nick() string {
	return c.conn.CurrentNick()
}
