// Package zulip contains the minimal Zulip REST client the bridge needs: event queue
// registration, long-poll event fetches, stream message posting and the bot's
// subscription list. Authentication is HTTP Basic with the bot email and API key.
package zulip

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/attribute"

	"github.com/onnwee/zulip-irc-bridge/telemetry"
)

const tracerName = "zulip"

// Client talks to one Zulip organisation as one bot user.
type Client struct {
	Site       string // e.g. https://janet.zulipchat.com
	Email      string
	APIKey     string
	HTTPClient *http.Client
	// PollTimeout bounds a single GetEvents call on the client side. Zulip returns a
	// heartbeat well within a minute, so a hung connection is detected by this timeout.
	PollTimeout time.Duration
}

// NewHTTPClient returns an http.Client whose transport is traced with otelhttp.
func NewHTTPClient() *http.Client {
	return &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
}

func (c *Client) http() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return http.DefaultClient
}

// Subscription is one stream the bot is subscribed to.
type Subscription struct {
	StreamID int64  `json:"stream_id"`
	Name     string `json:"name"`
}

// Message is the subset of a Zulip message object the bridge reads.
type Message struct {
	ID             int64  `json:"id"`
	Type           string `json:"type"` // "stream" or "private"
	SenderEmail    string `json:"sender_email"`
	SenderFullName string `json:"sender_full_name"`
	StreamID       int64  `json:"stream_id"`
	Subject        string `json:"subject"`
	Content        string `json:"content"`
	// DisplayRecipient is a stream name for stream messages and a list of users for
	// private messages, so it is kept raw.
	DisplayRecipient json.RawMessage `json:"display_recipient"`
}

// Event is one entry of a GET /events response.
type Event struct {
	ID      int64    `json:"id"`
	Type    string   `json:"type"`
	Message *Message `json:"message,omitempty"`
}

// envelope is the common shape of every Zulip API response.
type envelope struct {
	Result        string         `json:"result"`
	Msg           string         `json:"msg"`
	Code          string         `json:"code"`
	QueueID       string         `json:"queue_id"`
	Events        []Event        `json:"events"`
	Subscriptions []Subscription `json:"subscriptions"`
	ID            int64          `json:"id"`
}

// Register creates a new event queue for message events and returns its id.
func (c *Client) Register(ctx context.Context) (string, error) {
	ctx, span := telemetry.StartSpan(ctx, tracerName, "zulip.register")
	defer span.End()

	form := url.Values{}
	form.Set("event_types", `["message"]`)
	var env envelope
	if err := c.do(ctx, http.MethodPost, "/register", form, &env); err != nil {
		telemetry.RecordError(span, err)
		return "", err
	}
	if env.QueueID == "" {
		err := fmt.Errorf("zulip: register returned empty queue_id")
		telemetry.RecordError(span, err)
		return "", err
	}
	telemetry.SetSpanSuccess(span)
	return env.QueueID, nil
}

// GetEvents long-polls the queue for events after lastEventID. An expired queue is
// reported as an *APIError matching ErrBadEventQueue.
func (c *Client) GetEvents(ctx context.Context, queueID string, lastEventID int64) ([]Event, error) {
	ctx, span := telemetry.StartSpan(ctx, tracerName, "zulip.events",
		attribute.String("queue_id", queueID), attribute.Int64("last_event_id", lastEventID))
	defer span.End()

	if c.PollTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.PollTimeout)
		defer cancel()
	}
	q := url.Values{}
	q.Set("queue_id", queueID)
	q.Set("last_event_id", strconv.FormatInt(lastEventID, 10))
	var env envelope
	if err := c.do(ctx, http.MethodGet, "/events", q, &env); err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}
	span.SetAttributes(attribute.Int("events", len(env.Events)))
	telemetry.SetSpanSuccess(span)
	return env.Events, nil
}

// SendStreamMessage posts content to stream/topic and returns the new message id.
func (c *Client) SendStreamMessage(ctx context.Context, stream, topic, content string) (int64, error) {
	ctx, span := telemetry.StartSpan(ctx, tracerName, "zulip.messages",
		attribute.String("stream", stream), attribute.String("topic", topic))
	defer span.End()

	form := url.Values{}
	form.Set("type", "stream")
	form.Set("to", stream)
	form.Set("topic", topic)
	form.Set("content", content)
	var env envelope
	if err := c.do(ctx, http.MethodPost, "/messages", form, &env); err != nil {
		telemetry.RecordError(span, err)
		return 0, err
	}
	telemetry.SetSpanSuccess(span)
	return env.ID, nil
}

// Subscriptions lists the streams the bot is subscribed to.
func (c *Client) Subscriptions(ctx context.Context) ([]Subscription, error) {
	ctx, span := telemetry.StartSpan(ctx, tracerName, "zulip.subscriptions")
	defer span.End()

	var env envelope
	if err := c.do(ctx, http.MethodGet, "/users/me/subscriptions", nil, &env); err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}
	telemetry.SetSpanSuccess(span)
	return env.Subscriptions, nil
}

// do performs one API call. GET params go in the query string, everything else is
// form-encoded. A result other than "success" becomes an *APIError.
func (c *Client) do(ctx context.Context, method, path string, params url.Values, out *envelope) error {
	endpoint := c.Site + "/api/v1" + path
	var body io.Reader
	if method == http.MethodGet {
		if len(params) > 0 {
			endpoint += "?" + params.Encode()
		}
	} else if params != nil {
		body = strings.NewReader(params.Encode())
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return err
	}
	req.SetBasicAuth(c.Email, c.APIKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	resp, err := c.http().Do(req)
	if err != nil {
		return fmt.Errorf("zulip %s %s: %w", method, path, err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err), slog.String("component", "zulip"))
		}
	}()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("zulip %s %s: read body: %w", method, path, err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return &DecodeError{Path: path, Status: resp.StatusCode, Body: truncate(string(raw), 200), Err: err}
	}
	if out.Result != "success" {
		return &APIError{Code: out.Code, Msg: out.Msg, Status: resp.StatusCode}
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
