package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/onnwee/zulip-irc-bridge/telemetry"
	"github.com/onnwee/zulip-irc-bridge/zulip"
)

// RetryPolicy controls how the inbound loop reacts to failed polls.
type RetryPolicy struct {
	Backoff        time.Duration // sleep after an ordinary failure
	StormThreshold int           // consecutive failures that start a storm
	StormCooldown  time.Duration // sleep once in a storm
}

// DefaultRetryPolicy is 10s between retries, escalating to 60s after 5 consecutive failures.
var DefaultRetryPolicy = RetryPolicy{Backoff: 10 * time.Second, StormThreshold: 5, StormCooldown: time.Minute}

// Inbound is the Zulip -> IRC relay: it polls the event cursor and turns stream
// messages into throttled IRC lines.
type Inbound struct {
	cursor    *EventCursor
	spaces    *SpaceMap
	out       ThrottledSender
	identity  *Identity
	heartbeat *HeartbeatState
	alerts    AlertSink
	admins    []string
	policy    RetryPolicy

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	mu          sync.RWMutex
	lastSuccess time.Time
	failures    int
}

// NewInbound wires an inbound relay. admins receive private IRC alerts for unexpected
// Zulip errors.
func NewInbound(cursor *EventCursor, spaces *SpaceMap, out ThrottledSender, identity *Identity, hb *HeartbeatState, alerts AlertSink, admins []string, policy RetryPolicy) *Inbound {
	if policy.StormThreshold <= 0 {
		policy.StormThreshold = DefaultRetryPolicy.StormThreshold
	}
	return &Inbound{
		cursor:    cursor,
		spaces:    spaces,
		out:       out,
		identity:  identity,
		heartbeat: hb,
		alerts:    alerts,
		admins:    admins,
		policy:    policy,
		now:       time.Now,
		sleep:     sleepCtx,
	}
}

// Run polls until ctx ends. It never returns for a Zulip failure.
func (in *Inbound) Run(ctx context.Context) error {
	slog.Info("starting zulip event loop", slog.String("component", "inbound"))
	failures := 0
	for ctx.Err() == nil {
		cycleCtx := telemetry.WithCorrelation(ctx, uuid.NewString())
		var events []zulip.Event
		var err error
		telemetry.TimeFunc(telemetry.HubPollDuration, func() {
			events, err = in.cursor.Poll(cycleCtx)
		})
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			failures++
			in.setFailures(failures)
			telemetry.IncCounter(telemetry.HubPollFailures)
			delay := in.onFailure(cycleCtx, err, failures)
			if err := in.sleep(ctx, delay); err != nil {
				break
			}
			continue
		}
		if failures >= in.policy.StormThreshold {
			in.notify(cycleCtx, "zulip-recovered", fmt.Sprintf("zulip event polling recovered after %d consecutive failures", failures))
		}
		failures = 0
		in.markSuccess()

		in.ProcessBatch(cycleCtx, events)
		if len(events) > 0 {
			if err := in.cursor.Persist(cycleCtx); err != nil {
				telemetry.LoggerWithCorr(cycleCtx).Warn("cursor persist failed", slog.Any("err", err), slog.String("component", "inbound"))
			}
		}
	}
	slog.Info("zulip event loop stopped", slog.String("component", "inbound"))
	return ctx.Err()
}

// onFailure logs and alerts for one failed poll and returns how long to sleep. Below the
// storm threshold every failure is reported; reaching it sends one aggregated alert and
// later failures in the same storm are only logged.
func (in *Inbound) onFailure(ctx context.Context, err error, failures int) time.Duration {
	class := zulip.Classify(err)
	log := telemetry.LoggerWithCorr(ctx).With(slog.String("component", "inbound"), slog.String("class", class.String()), slog.Int("consecutive_failures", failures))
	log.Error("error fetching events from zulip", slog.Any("err", err))

	switch {
	case failures < in.policy.StormThreshold:
		category := "zulip-poll-failure"
		if class == zulip.ErrorClassUnknownCode {
			category = "zulip-error"
			in.alertAdmins(ctx, "Error fetching events from zulip api:", err.Error())
		}
		in.notify(ctx, category, err.Error())
		return in.policy.Backoff
	case failures == in.policy.StormThreshold:
		telemetry.IncCounter(telemetry.FailureStormsRaised)
		log.Warn("zulip failure storm; suppressing per-failure alerts", slog.Duration("cooldown", in.policy.StormCooldown))
		in.alertAdmins(ctx, fmt.Sprintf("Zulip polling failed %d times in a row; retrying every %s.", failures, in.policy.StormCooldown), err.Error())
		if in.alerts != nil {
			_ = in.alerts.NotifyJSON(ctx, "zulip-failure-storm", map[string]any{
				"consecutive_failures": failures,
				"last_error":           err.Error(),
				"class":                class.String(),
				"cooldown":             in.policy.StormCooldown.String(),
			})
		}
		return in.policy.StormCooldown
	default:
		return in.policy.StormCooldown
	}
}

// ProcessBatch handles events in order and advances the cursor past each one,
// whatever its type.
func (in *Inbound) ProcessBatch(ctx context.Context, events []zulip.Event) {
	for _, ev := range events {
		telemetry.IncEvent(ev.Type)
		switch ev.Type {
		case "heartbeat":
			in.heartbeat.Mark(in.now())
		case "message":
			in.relayMessage(ctx, ev.Message)
		default:
			telemetry.LoggerWithCorr(ctx).Debug("ignoring zulip event", slog.String("type", ev.Type), slog.Int64("event_id", ev.ID), slog.String("component", "inbound"))
		}
		in.cursor.Advance(ev.ID)
	}
}

func (in *Inbound) relayMessage(ctx context.Context, msg *zulip.Message) {
	log := telemetry.LoggerWithCorr(ctx).With(slog.String("component", "inbound"))
	if msg == nil {
		log.Warn("message event without message payload")
		return
	}
	if in.identity.IsSelfZulip(msg.SenderEmail) {
		return
	}
	if msg.Type != "stream" {
		log.Info("dropping non-stream zulip message", slog.String("type", msg.Type), slog.String("sender", msg.SenderEmail))
		return
	}
	channel, ok := in.spaces.ChannelFor(msg.StreamID)
	if !ok {
		log.Info("dropping message for unmapped stream", slog.Int64("stream_id", msg.StreamID), slog.String("sender", msg.SenderEmail))
		return
	}
	log.Info("relaying zulip message",
		slog.String("sender", msg.SenderFullName),
		slog.String("topic", msg.Subject),
		slog.String("channel", channel))

	lines := append([]string{FormatHeader(msg.SenderFullName, msg.Subject)}, SplitBody(msg.Content)...)
	for _, line := range lines {
		if line == "" {
			// IRC refuses empty PRIVMSGs; a single space keeps blank lines visible.
			line = " "
		}
		if err := in.out.Send(ctx, channel, line); err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Warn("irc delivery failed", slog.String("channel", channel), slog.Any("err", err))
		}
	}
}

// FormatHeader is the line announcing who wrote a relayed message and in which topic.
func FormatHeader(sender, topic string) string {
	return fmt.Sprintf("%s(%s):", sender, topic)
}

// SplitBody trims the whole body and splits it into lines. It always returns at least
// one line; inner lines keep their own leading and trailing whitespace.
func SplitBody(content string) []string {
	content = strings.ReplaceAll(content, "\r\n", "\n")
	return strings.Split(strings.TrimSpace(content), "\n")
}

func (in *Inbound) alertAdmins(ctx context.Context, lines ...string) {
	for _, admin := range in.admins {
		for _, line := range lines {
			if err := in.out.Send(ctx, admin, line); err != nil {
				telemetry.LoggerWithCorr(ctx).Warn("admin alert failed", slog.String("admin", admin), slog.Any("err", err), slog.String("component", "inbound"))
			}
		}
	}
}

func (in *Inbound) notify(ctx context.Context, category, text string) {
	if in.alerts != nil {
		_ = in.alerts.Notify(ctx, category, text)
	}
}

func (in *Inbound) markSuccess() {
	in.mu.Lock()
	in.lastSuccess = in.now()
	in.failures = 0
	in.mu.Unlock()
}

func (in *Inbound) setFailures(n int) {
	in.mu.Lock()
	in.failures = n
	in.mu.Unlock()
}

// Health returns the time of the last successful poll and the current run of failures.
func (in *Inbound) Health() (lastSuccess time.Time, consecutiveFailures int) {
	in.mu.RLock()
	defer in.mu.RUnlock()
	return in.lastSuccess, in.failures
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
