package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/onnwee/zulip-irc-bridge/telemetry"
)

// CommandDeps are the side effects commands may trigger.
type CommandDeps struct {
	Out       ThrottledSender
	Heartbeat *HeartbeatState
	Alerts    AlertSink
	Admins    []string
	Version   string
	Join      func(channel string) error
	Part      func(channel string) error
	Now       func() time.Time
}

type command struct {
	name      string
	usage     string
	adminOnly bool
	run       func(ctx context.Context, nick, rest string) []string
}

// Commands interprets private messages sent to the bridge's nick.
type Commands struct {
	deps  CommandDeps
	table []command
}

// NewCommands builds the interpreter.
func NewCommands(deps CommandDeps) *Commands {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	c := &Commands{deps: deps}
	c.table = []command{
		{name: "heartbeat", usage: "heartbeat", run: c.heartbeat},
		{name: "ping", usage: "ping", run: func(context.Context, string, string) []string { return []string{"pong"} }},
		{name: "help", usage: "help", run: func(_ context.Context, nick, _ string) []string { return []string{c.HelpFor(c.IsAdmin(nick))} }},
		{name: "version", usage: "version", run: func(context.Context, string, string) []string { return []string{c.deps.Version} }},
		{name: "msg", usage: "msg <target> <text>", adminOnly: true, run: c.msg},
		{name: "join", usage: "join <channel>", adminOnly: true, run: c.join},
		{name: "part", usage: "part <channel>", adminOnly: true, run: c.part},
		{name: "ntfy", usage: "ntfy <text>", adminOnly: true, run: c.ntfy},
	}
	return c
}

// IsAdmin reports whether nick is in the admin set (case-insensitive).
func (c *Commands) IsAdmin(nick string) bool {
	for _, a := range c.deps.Admins {
		if strings.EqualFold(a, nick) {
			return true
		}
	}
	return false
}

// HelpFor lists the commands available at the given authorization level.
func (c *Commands) HelpFor(admin bool) string {
	names := make([]string, 0, len(c.table))
	for _, cmd := range c.table {
		if cmd.adminOnly && !admin {
			continue
		}
		names = append(names, cmd.usage)
	}
	return "Commands: " + strings.Join(names, ", ")
}

// Handle runs one command line from nick and sends any reply back to nick through the
// throttle. Admin-only commands from non-admins get no reply at all.
func (c *Commands) Handle(ctx context.Context, nick, text string) {
	name, rest, _ := strings.Cut(strings.TrimSpace(text), " ")
	name = strings.ToLower(name)
	rest = strings.TrimSpace(rest)
	log := slog.With(slog.String("component", "commands"), slog.String("nick", nick), slog.String("command", name))

	admin := c.IsAdmin(nick)
	var replies []string
	cmd, found := c.lookup(name)
	switch {
	case found && cmd.adminOnly && !admin:
		log.Warn("ignoring admin command from non-admin")
		return
	case found:
		telemetry.IncResult(telemetry.CommandsHandled, cmd.name)
		log.Info("handling command")
		replies = cmd.run(ctx, nick, rest)
	default:
		telemetry.IncResult(telemetry.CommandsHandled, "unknown")
		replies = []string{"Unknown command.", c.HelpFor(admin)}
	}
	for _, line := range replies {
		if err := c.deps.Out.Send(ctx, nick, line); err != nil {
			log.Warn("command reply failed", slog.Any("err", err))
		}
	}
}

func (c *Commands) lookup(name string) (command, bool) {
	for _, cmd := range c.table {
		if cmd.name == name {
			return cmd, true
		}
	}
	return command{}, false
}

func (c *Commands) heartbeat(context.Context, string, string) []string {
	last, ok := c.deps.Heartbeat.Last()
	if !ok {
		return []string{"No heartbeat observed yet."}
	}
	age := c.deps.Now().Sub(last).Round(time.Second)
	return []string{fmt.Sprintf("Last heartbeat: %s (%s ago)", last.UTC().Format(time.RFC3339), age)}
}

func (c *Commands) msg(ctx context.Context, _ string, rest string) []string {
	target, text, ok := strings.Cut(rest, " ")
	if !ok || target == "" || strings.TrimSpace(text) == "" {
		return []string{"Usage: msg <target> <text>"}
	}
	if err := c.deps.Out.Send(ctx, target, text); err != nil {
		return []string{fmt.Sprintf("Send to %s failed: %v", target, err)}
	}
	return nil
}

func (c *Commands) join(_ context.Context, _ string, rest string) []string {
	ch := firstField(rest)
	if ch == "" {
		return []string{"Usage: join <channel>"}
	}
	if err := c.deps.Join(ch); err != nil {
		return []string{fmt.Sprintf("Join %s failed: %v", ch, err)}
	}
	return []string{"Joined " + ch}
}

func (c *Commands) part(_ context.Context, _ string, rest string) []string {
	ch := firstField(rest)
	if ch == "" {
		return []string{"Usage: part <channel>"}
	}
	if err := c.deps.Part(ch); err != nil {
		return []string{fmt.Sprintf("Part %s failed: %v", ch, err)}
	}
	return []string{"Left " + ch}
}

func (c *Commands) ntfy(ctx context.Context, nick, rest string) []string {
	if rest == "" {
		return []string{"Usage: ntfy <text>"}
	}
	if c.deps.Alerts == nil {
		return []string{"No alert sink configured."}
	}
	if err := c.deps.Alerts.Notify(ctx, "irc-admin", rest); err != nil {
		return []string{fmt.Sprintf("ntfy failed: %v", err)}
	}
	return []string{"Sent."}
}

func firstField(s string) string {
	f := strings.Fields(s)
	if len(f) == 0 {
		return ""
	}
	return f[0]
}
