package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
)

// MockZulipServer creates a test server that mocks the Zulip REST API.
type MockZulipServer struct {
	*httptest.Server
	Handlers map[string]http.HandlerFunc

	mu       sync.Mutex
	posted   []url.Values
	requests map[string]int
}

// NewMockZulipServer creates a new mock Zulip API server. Unregistered paths return 404
// with a non-JSON body, which exercises the client's decode error path.
func NewMockZulipServer(t *testing.T) *MockZulipServer {
	t.Helper()
	m := &MockZulipServer{
		Handlers: make(map[string]http.HandlerFunc),
		requests: make(map[string]int),
	}
	m.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.URL.Path
		m.mu.Lock()
		m.requests[key]++
		handler, ok := m.Handlers[key]
		m.mu.Unlock()
		if ok {
			handler(w, r)
			return
		}
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte("<html>not found</html>"))
	}))
	t.Cleanup(m.Close)
	return m
}

// Handle registers handler for an /api/v1 path such as "/register".
func (m *MockZulipServer) Handle(path string, handler http.HandlerFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Handlers["/api/v1"+path] = handler
}

// Requests returns how many requests hit the /api/v1 path.
func (m *MockZulipServer) Requests(path string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.requests["/api/v1"+path]
}

// MockRegister answers POST /register with the given queue ids in turn; the last one repeats.
func (m *MockZulipServer) MockRegister(queueIDs ...string) {
	var mu sync.Mutex
	i := 0
	m.Handle("/register", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		id := queueIDs[min(i, len(queueIDs)-1)]
		i++
		mu.Unlock()
		WriteJSON(w, http.StatusOK, map[string]any{"result": "success", "msg": "", "queue_id": id, "last_event_id": -1})
	})
}

// MockSubscriptions answers GET /users/me/subscriptions.
func (m *MockZulipServer) MockSubscriptions(subs map[int64]string) {
	m.Handle("/users/me/subscriptions", func(w http.ResponseWriter, r *http.Request) {
		list := make([]map[string]any, 0, len(subs))
		for id, name := range subs {
			list = append(list, map[string]any{"stream_id": id, "name": name})
		}
		WriteJSON(w, http.StatusOK, map[string]any{"result": "success", "msg": "", "subscriptions": list})
	})
}

// MockMessages answers POST /messages with success and records each posted form.
func (m *MockZulipServer) MockMessages() {
	m.Handle("/messages", func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			WriteJSON(w, http.StatusBadRequest, map[string]any{"result": "error", "msg": err.Error(), "code": "BAD_REQUEST"})
			return
		}
		m.mu.Lock()
		m.posted = append(m.posted, r.PostForm)
		id := len(m.posted)
		m.mu.Unlock()
		WriteJSON(w, http.StatusOK, map[string]any{"result": "success", "msg": "", "id": id})
	})
}

// Posted returns the forms received on POST /messages.
func (m *MockZulipServer) Posted() []url.Values {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]url.Values(nil), m.posted...)
}

// WriteJSON writes v as a JSON response with status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v) //nolint:errcheck // test mock response
}
