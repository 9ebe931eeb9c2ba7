package liveness

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestPingOnce(t *testing.T) {
	tests := []struct {
		name    string
		method  string
		status  int
		wantErr bool
	}{
		{"get ok", "", http.StatusOK, false},
		{"put no content", http.MethodPut, http.StatusNoContent, false},
		{"server error", http.MethodGet, http.StatusBadGateway, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var gotMethod string
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				gotMethod = r.Method
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			r := &Reporter{URL: srv.URL, Method: tt.method}
			err := r.PingOnce(context.Background())
			if (err != nil) != tt.wantErr {
				t.Errorf("PingOnce() error = %v, wantErr %v", err, tt.wantErr)
			}
			want := tt.method
			if want == "" {
				want = http.MethodGet
			}
			if gotMethod != want {
				t.Errorf("method = %s, want %s", gotMethod, want)
			}
		})
	}
}

func TestStartPingsRepeatedly(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	(&Reporter{URL: srv.URL, Interval: 20 * time.Millisecond}).Start(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for hits.Load() < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if hits.Load() < 3 {
		t.Errorf("hits = %d, want >= 3", hits.Load())
	}
}

func TestStartFailuresAreNotFatal(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	(&Reporter{URL: srv.URL, Interval: 20 * time.Millisecond}).Start(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for hits.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if hits.Load() < 2 {
		t.Errorf("reporter stopped after a failed ping, hits = %d", hits.Load())
	}
}
