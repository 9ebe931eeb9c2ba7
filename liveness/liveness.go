// Package liveness pings an external dead-man's-switch endpoint on a schedule. It is
// independent of message flow; a missed ping is for the external monitor to notice.
package liveness

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"time"

	"github.com/onnwee/zulip-irc-bridge/telemetry"
)

// Reporter pings URL every Interval.
type Reporter struct {
	URL        string
	Method     string // GET, PUT or POST
	Interval   time.Duration
	HTTPClient *http.Client
}

// PingOnce performs one ping. Non-2xx responses are errors.
func (r *Reporter) PingOnce(ctx context.Context) error {
	method := r.Method
	if method == "" {
		method = http.MethodGet
	}
	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, method, r.URL, nil)
	if err != nil {
		return err
	}
	client := r.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			slog.Warn("failed to close response body", slog.Any("err", cerr))
		}
	}()
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("liveness status %d", resp.StatusCode)
	}
	return nil
}

// Start launches the ping loop in a goroutine. The first ping follows a random delay of
// up to half the interval; later ones are spaced interval ±20%.
func (r *Reporter) Start(ctx context.Context) {
	interval := r.Interval
	if interval <= 0 {
		interval = 2 * time.Minute
	}
	//nolint:gosec // G404: math/rand is sufficient for scheduling jitter, not used for security
	initialJitter := time.Duration(rand.Int63n(int64(interval/2) + 1))
	go func() {
		select {
		case <-ctx.Done():
			return
		case <-time.After(initialJitter):
		}
		for {
			r.ping(ctx)
			jitterRange := int64(interval / 5)
			//nolint:gosec // G404: math/rand is sufficient for scheduling jitter, not used for security
			jitter := time.Duration(rand.Int63n(jitterRange*2+1) - jitterRange)
			select {
			case <-ctx.Done():
				return
			case <-time.After(interval + jitter):
			}
		}
	}()
}

func (r *Reporter) ping(ctx context.Context) {
	if err := r.PingOnce(ctx); err != nil {
		if ctx.Err() != nil {
			return
		}
		telemetry.IncResult(telemetry.LivenessPings, "error")
		slog.Warn("liveness ping failed", slog.String("url", r.URL), slog.Any("err", err), slog.String("component", "liveness"))
		return
	}
	telemetry.IncResult(telemetry.LivenessPings, "ok")
	slog.Debug("liveness ping ok", slog.String("component", "liveness"))
}
