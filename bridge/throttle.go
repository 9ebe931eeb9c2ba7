package bridge

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/onnwee/zulip-irc-bridge/telemetry"
)

// LineSender is the part of the IRC transport the throttle drives.
type LineSender interface {
	Send(target, text string) error
}

// window is the fixed counting window: at most limit admissions while less than size
// has elapsed since start. Elapsed time is measured with time.Time.Sub, which uses the
// monotonic clock reading, so wall-clock jumps and minute rollovers do not matter.
type window struct {
	limit int
	size  time.Duration
	start time.Time
	sent  int
}

// admit reports whether a send may happen at now, counting it if so.
func (w *window) admit(now time.Time) bool {
	if w.start.IsZero() || now.Sub(w.start) > w.size {
		w.start = now
		w.sent = 0
	}
	if w.sent < w.limit {
		w.sent++
		return true
	}
	return false
}

type sendReq struct {
	ctx    context.Context
	target string
	text   string
	done   chan error
}

// Throttle serialises every line headed for IRC through one goroutine and rate limits
// them. Lines leave in the order Send was called (one FIFO for all targets, which keeps
// per-target order too). Callers wait rather than lines being dropped.
type Throttle struct {
	out     LineSender
	win     window
	poll    time.Duration
	now     func() time.Time
	queue   chan *sendReq
	backlog atomic.Int64
}

// NewThrottle returns a throttle admitting limit lines per window, rechecking capacity
// every poll while full. Run must be started for lines to flow.
func NewThrottle(out LineSender, limit int, size, poll time.Duration) *Throttle {
	if poll <= 0 {
		poll = 100 * time.Millisecond
	}
	return &Throttle{
		out:   out,
		win:   window{limit: limit, size: size},
		poll:  poll,
		now:   time.Now,
		queue: make(chan *sendReq, 1024),
	}
}

// Send queues one line and blocks until it has been handed to the transport, the
// caller's ctx ends, or the throttle stops. The transport's error is returned as is.
func (t *Throttle) Send(ctx context.Context, target, text string) error {
	req := &sendReq{ctx: ctx, target: target, text: text, done: make(chan error, 1)}
	select {
	case t.queue <- req:
		telemetry.SetGauge(telemetry.ThrottleBacklog, float64(t.backlog.Add(1)))
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-req.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Backlog is the number of lines queued but not yet sent.
func (t *Throttle) Backlog() int { return int(t.backlog.Load()) }

// Run owns the window state and drains the queue until ctx ends.
func (t *Throttle) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-t.queue:
			telemetry.SetGauge(telemetry.ThrottleBacklog, float64(t.backlog.Add(-1)))
			if err := req.ctx.Err(); err != nil {
				req.done <- err
				continue
			}
			if err := t.wait(ctx, req.ctx); err != nil {
				req.done <- err
				if ctx.Err() != nil {
					return
				}
				continue
			}
			err := t.out.Send(req.target, req.text)
			if err != nil {
				slog.Warn("irc send failed", slog.String("target", req.target), slog.Any("err", err), slog.String("component", "throttle"))
			} else {
				telemetry.IncCounter(telemetry.IRCLinesSent)
			}
			req.done <- err
		}
	}
}

// wait blocks until the window admits one more line.
func (t *Throttle) wait(ctx, reqCtx context.Context) error {
	if t.win.admit(t.now()) {
		return nil
	}
	timer := time.NewTimer(t.poll)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-reqCtx.Done():
			return reqCtx.Err()
		case <-timer.C:
		}
		if t.win.admit(t.now()) {
			return nil
		}
		timer.Reset(t.poll)
	}
}
