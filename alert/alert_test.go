package alert

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
)

type captured struct {
	title, contentType, auth, body string
}

func captureServer(t *testing.T, status int) (*httptest.Server, *[]captured) {
	t.Helper()
	var mu sync.Mutex
	var got []captured
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		mu.Lock()
		defer mu.Unlock()
		got = append(got, captured{
			title:       r.Header.Get("Title"),
			contentType: r.Header.Get("Content-Type"),
			auth:        r.Header.Get("Authorization"),
			body:        string(b),
		})
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)
	return srv, &got
}

func TestNtfyNotify(t *testing.T) {
	srv, got := captureServer(t, http.StatusOK)
	n := NewNtfy(srv.URL, "")

	if err := n.Notify(context.Background(), "zulip-error", "queue exploded"); err != nil {
		t.Fatalf("Notify() error = %v", err)
	}
	if len(*got) != 1 {
		t.Fatalf("requests = %d", len(*got))
	}
	c := (*got)[0]
	if c.title != "zulip-error" || c.body != "queue exploded" || c.auth != "" {
		t.Errorf("request = %+v", c)
	}
}

func TestNtfyNotifyJSONWithToken(t *testing.T) {
	srv, got := captureServer(t, http.StatusOK)
	n := NewNtfy(srv.URL, "tk_secret")

	payload := map[string]any{"consecutive_failures": 5, "last_error": "boom"}
	if err := n.NotifyJSON(context.Background(), "zulip-failure-storm", payload); err != nil {
		t.Fatalf("NotifyJSON() error = %v", err)
	}
	c := (*got)[0]
	if c.contentType != "application/json" {
		t.Errorf("content type = %q", c.contentType)
	}
	if c.auth != "Bearer tk_secret" {
		t.Errorf("authorization = %q", c.auth)
	}
	var decoded map[string]any
	if err := json.Unmarshal([]byte(c.body), &decoded); err != nil {
		t.Fatalf("body not json: %v", err)
	}
	if decoded["last_error"] != "boom" {
		t.Errorf("decoded = %v", decoded)
	}
}

func TestNtfyNon2xx(t *testing.T) {
	srv, _ := captureServer(t, http.StatusForbidden)
	if err := NewNtfy(srv.URL, "").Notify(context.Background(), "x", "y"); err == nil {
		t.Error("Notify() error = nil for 403")
	}
}

func TestNewFallsBackToLog(t *testing.T) {
	s := New("", "")
	if _, ok := s.(Log); !ok {
		t.Fatalf("New(\"\") = %T, want Log", s)
	}
	if err := s.Notify(context.Background(), "c", "t"); err != nil {
		t.Error(err)
	}
	if err := s.NotifyJSON(context.Background(), "c", map[string]int{"a": 1}); err != nil {
		t.Error(err)
	}
}
