// Package alert delivers operator notifications to an ntfy-style HTTP endpoint.
package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/oauth2"

	"github.com/onnwee/zulip-irc-bridge/telemetry"
)

// Sink accepts fire-and-forget alerts.
type Sink interface {
	Notify(ctx context.Context, category, text string) error
	NotifyJSON(ctx context.Context, category string, v any) error
}

// Ntfy posts alerts to a topic URL. The category becomes the message title.
type Ntfy struct {
	URL        string
	HTTPClient *http.Client
}

// NewNtfy returns an ntfy sink. A non-empty token is sent as a bearer token.
func NewNtfy(url, token string) *Ntfy {
	base := &http.Client{
		Timeout:   10 * time.Second,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}
	if token == "" {
		return &Ntfy{URL: url, HTTPClient: base}
	}
	ctx := context.WithValue(context.Background(), oauth2.HTTPClient, base)
	client := oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token}))
	client.Timeout = base.Timeout
	return &Ntfy{URL: url, HTTPClient: client}
}

// Notify posts a plain-text alert.
func (n *Ntfy) Notify(ctx context.Context, category, text string) error {
	return n.post(ctx, category, "text/plain; charset=utf-8", []byte(text))
}

// NotifyJSON posts v encoded as JSON.
func (n *Ntfy) NotifyJSON(ctx context.Context, category string, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode alert: %w", err)
	}
	return n.post(ctx, category, "application/json", body)
}

func (n *Ntfy) post(ctx context.Context, category, contentType string, body []byte) error {
	err := n.send(ctx, category, contentType, body)
	if err != nil {
		telemetry.IncResult(telemetry.AlertsSent, "error")
		slog.Warn("alert delivery failed", slog.String("category", category), slog.Any("err", err), slog.String("component", "alert"))
		return err
	}
	telemetry.IncResult(telemetry.AlertsSent, "ok")
	return nil
}

func (n *Ntfy) send(ctx context.Context, category, contentType string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Title", category)
	req.Header.Set("Tags", category)
	req.Header.Set("Content-Type", contentType)
	client := n.HTTPClient
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
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("ntfy status %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}
	return nil
}

// Log is the sink used when no endpoint is configured: alerts are only logged.
type Log struct{}

// Notify logs the alert.
func (Log) Notify(_ context.Context, category, text string) error {
	slog.Warn("alert", slog.String("category", category), slog.String("text", text), slog.String("component", "alert"))
	return nil
}

// NotifyJSON logs the alert payload.
func (Log) NotifyJSON(_ context.Context, category string, v any) error {
	slog.Warn("alert", slog.String("category", category), slog.Any("payload", v), slog.String("component", "alert"))
	return nil
}

// New picks Ntfy when url is set and Log otherwise.
func New(url, token string) Sink {
	if url == "" {
		return Log{}
	}
	return NewNtfy(url, token)
}
