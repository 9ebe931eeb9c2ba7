package zulip

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/onnwee/zulip-irc-bridge/testutil"
)

func newTestClient(m *testutil.MockZulipServer) *Client {
	return &Client{Site: m.URL, Email: "bridge-bot@example.com", APIKey: "key"}
}

func TestRegister(t *testing.T) {
	m := testutil.NewMockZulipServer(t)
	m.Handle("/register", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		user, pass, ok := r.BasicAuth()
		if !ok || user != "bridge-bot@example.com" || pass != "key" {
			t.Errorf("basic auth = %q/%q/%v", user, pass, ok)
		}
		if err := r.ParseForm(); err != nil {
			t.Fatalf("parse form: %v", err)
		}
		if got := r.PostForm.Get("event_types"); got != `["message"]` {
			t.Errorf("event_types = %q", got)
		}
		testutil.WriteJSON(w, http.StatusOK, map[string]any{"result": "success", "queue_id": "q-1"})
	})

	id, err := newTestClient(m).Register(context.Background())
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if id != "q-1" {
		t.Errorf("Register() = %q, want q-1", id)
	}
}

func TestGetEvents(t *testing.T) {
	m := testutil.NewMockZulipServer(t)
	m.Handle("/events", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("queue_id") != "q-1" || q.Get("last_event_id") != "-1" {
			t.Errorf("query = %v", q)
		}
		testutil.WriteJSON(w, http.StatusOK, map[string]any{
			"result": "success",
			"events": []map[string]any{
				{"id": 0, "type": "heartbeat"},
				{"id": 1, "type": "message", "message": map[string]any{
					"id": 99, "type": "stream", "sender_email": "a@example.com", "sender_full_name": "Ada",
					"stream_id": 7, "subject": "bugs", "content": "hi", "display_recipient": "general",
				}},
			},
		})
	})

	events, err := newTestClient(m).GetEvents(context.Background(), "q-1", -1)
	if err != nil {
		t.Fatalf("GetEvents() error = %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("len(events) = %d, want 2", len(events))
	}
	if events[1].Message == nil || events[1].Message.StreamID != 7 || events[1].Message.Subject != "bugs" {
		t.Errorf("message event = %+v", events[1].Message)
	}
}

func TestGetEventsErrors(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      any
		raw       string
		wantClass ErrorClass
		wantQueue bool
	}{
		{
			name:      "expired queue",
			status:    http.StatusBadRequest,
			body:      map[string]any{"result": "error", "code": "BAD_EVENT_QUEUE_ID", "msg": "Bad event queue ID: q-1"},
			wantClass: ErrorClassExpired,
			wantQueue: true,
		},
		{
			name:      "unknown code",
			status:    http.StatusBadRequest,
			body:      map[string]any{"result": "error", "code": "BAD_REQUEST", "msg": "nope"},
			wantClass: ErrorClassUnknownCode,
		},
		{
			name:      "rate limited",
			status:    http.StatusTooManyRequests,
			body:      map[string]any{"result": "error", "code": "RATE_LIMIT_HIT", "msg": "slow down"},
			wantClass: ErrorClassTransient,
		},
		{
			name:      "non-json gateway error",
			status:    http.StatusBadGateway,
			raw:       "<html>502 Bad Gateway</html>",
			wantClass: ErrorClassTransient,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := testutil.NewMockZulipServer(t)
			m.Handle("/events", func(w http.ResponseWriter, r *http.Request) {
				if tt.raw != "" {
					w.WriteHeader(tt.status)
					_, _ = w.Write([]byte(tt.raw))
					return
				}
				testutil.WriteJSON(w, tt.status, tt.body)
			})
			_, err := newTestClient(m).GetEvents(context.Background(), "q-1", 3)
			if err == nil {
				t.Fatal("expected error")
			}
			if got := Classify(err); got != tt.wantClass {
				t.Errorf("Classify() = %s, want %s (err %v)", got, tt.wantClass, err)
			}
			if got := errors.Is(err, ErrBadEventQueue); got != tt.wantQueue {
				t.Errorf("errors.Is(ErrBadEventQueue) = %v, want %v", got, tt.wantQueue)
			}
		})
	}
}

func TestGetEventsPollTimeout(t *testing.T) {
	m := testutil.NewMockZulipServer(t)
	m.Handle("/events", func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	})
	c := newTestClient(m)
	c.PollTimeout = 50 * time.Millisecond

	start := time.Now()
	_, err := c.GetEvents(context.Background(), "q-1", -1)
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if time.Since(start) > time.Second {
		t.Errorf("GetEvents took %s, poll timeout not enforced", time.Since(start))
	}
	if Classify(err) != ErrorClassTransient {
		t.Errorf("timeout classified as %s, want transient", Classify(err))
	}
}

func TestSendStreamMessage(t *testing.T) {
	m := testutil.NewMockZulipServer(t)
	m.MockMessages()

	id, err := newTestClient(m).SendStreamMessage(context.Background(), "general", "IRC", "nick: hello")
	if err != nil {
		t.Fatalf("SendStreamMessage() error = %v", err)
	}
	if id != 1 {
		t.Errorf("id = %d, want 1", id)
	}
	posted := m.Posted()
	if len(posted) != 1 {
		t.Fatalf("posted = %d, want 1", len(posted))
	}
	want := map[string]string{"type": "stream", "to": "general", "topic": "IRC", "content": "nick: hello"}
	for k, v := range want {
		if got := posted[0].Get(k); got != v {
			t.Errorf("form[%s] = %q, want %q", k, got, v)
		}
	}
}

func TestSubscriptions(t *testing.T) {
	m := testutil.NewMockZulipServer(t)
	m.MockSubscriptions(map[int64]string{1: "general", 2: "editors and tooling"})

	subs, err := newTestClient(m).Subscriptions(context.Background())
	if err != nil {
		t.Fatalf("Subscriptions() error = %v", err)
	}
	if len(subs) != 2 {
		t.Fatalf("len(subs) = %d, want 2", len(subs))
	}
}

func TestDecodeErrorTruncatesBody(t *testing.T) {
	m := testutil.NewMockZulipServer(t)
	m.Handle("/register", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(strings.Repeat("x", 1000)))
	})
	_, err := newTestClient(m).Register(context.Background())
	var decErr *DecodeError
	if !errors.As(err, &decErr) {
		t.Fatalf("err = %v, want *DecodeError", err)
	}
	if len(decErr.Body) > 210 {
		t.Errorf("body not truncated: %d bytes", len(decErr.Body))
	}
}

func TestErrorClassString(t *testing.T) {
	tests := []struct {
		class ErrorClass
		want  string
	}{
		{ErrorClassTransient, "transient"},
		{ErrorClassExpired, "expired"},
		{ErrorClassUnknownCode, "unknown_code"},
		{ErrorClass(999), "unknown"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := tt.class.String(); got != tt.want {
				t.Errorf("ErrorClass.String() = %q, want %q", got, tt.want)
			}
		})
	}
}
