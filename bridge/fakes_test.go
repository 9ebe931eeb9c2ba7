package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/onnwee/zulip-irc-bridge/zulip"
)

type line struct {
	target string
	text   string
}

// fakeTransport records every line handed to it.
type fakeTransport struct {
	mu     sync.Mutex
	nick   string
	lines  []line
	joins  []string
	parts  []string
	sendFn func(target, text string) error
}

func (f *fakeTransport) Send(target, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendFn != nil {
		if err := f.sendFn(target, text); err != nil {
			return err
		}
	}
	f.lines = append(f.lines, line{target, text})
	return nil
}

func (f *fakeTransport) Join(ch string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.joins = append(f.joins, ch)
	return nil
}

func (f *fakeTransport) Part(ch string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.parts = append(f.parts, ch)
	return nil
}

func (f *fakeTransport) Nick() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.nick
}

func (f *fakeTransport) setNick(n string) {
	f.mu.Lock()
	f.nick = n
	f.mu.Unlock()
}

func (f *fakeTransport) sent() []line {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]line(nil), f.lines...)
}

// recordingSender is a ThrottledSender without a rate limit.
type recordingSender struct {
	mu    sync.Mutex
	lines []line
}

func (r *recordingSender) Send(_ context.Context, target, text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lines = append(r.lines, line{target, text})
	return nil
}

func (r *recordingSender) sent() []line {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]line(nil), r.lines...)
}

type pollResult struct {
	events []zulip.Event
	err    error
}

// fakeHub hands out queue ids in order and scripted GetEvents results. Once the script
// is exhausted GetEvents blocks until ctx ends.
type fakeHub struct {
	mu         sync.Mutex
	queueIDs   []string
	registered int
	polls      []pollResult
	pollCalls  []int64
	posts      []post
	postErr    error
}

type post struct {
	stream, topic, content string
}

func (h *fakeHub) Register(context.Context) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.registered++
	if len(h.queueIDs) == 0 {
		return fmt.Sprintf("q-%d", h.registered), nil
	}
	id := h.queueIDs[0]
	h.queueIDs = h.queueIDs[1:]
	return id, nil
}

func (h *fakeHub) GetEvents(ctx context.Context, _ string, last int64) ([]zulip.Event, error) {
	h.mu.Lock()
	h.pollCalls = append(h.pollCalls, last)
	if len(h.polls) > 0 {
		r := h.polls[0]
		h.polls = h.polls[1:]
		h.mu.Unlock()
		return r.events, r.err
	}
	h.mu.Unlock()
	<-ctx.Done()
	return nil, ctx.Err()
}

func (h *fakeHub) SendStreamMessage(_ context.Context, stream, topic, content string) (int64, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.postErr != nil {
		return 0, h.postErr
	}
	h.posts = append(h.posts, post{stream, topic, content})
	return int64(len(h.posts)), nil
}

func (h *fakeHub) registrations() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.registered
}

type alertRecord struct {
	category string
	text     string
	payload  any
}

type fakeAlerts struct {
	mu      sync.Mutex
	records []alertRecord
	err     error
}

func (a *fakeAlerts) Notify(_ context.Context, category, text string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.records = append(a.records, alertRecord{category: category, text: text})
	return a.err
}

func (a *fakeAlerts) NotifyJSON(_ context.Context, category string, v any) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.records = append(a.records, alertRecord{category: category, payload: v})
	return a.err
}

func (a *fakeAlerts) categories() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, len(a.records))
	for i, r := range a.records {
		out[i] = r.category
	}
	return out
}

type memStore struct {
	queueID string
	last    int64
	saves   int
	loadErr error
}

func (m *memStore) LoadCursor(context.Context) (string, int64, bool, error) {
	if m.loadErr != nil {
		return "", 0, false, m.loadErr
	}
	return m.queueID, m.last, m.queueID != "", nil
}

func (m *memStore) SaveCursor(_ context.Context, queueID string, last int64) error {
	m.queueID, m.last = queueID, last
	m.saves++
	return nil
}

var errNetwork = errors.New("dial tcp: connection refused")

func streamMsg(id int64, streamID int64, sender, topic, content string) zulip.Event {
	return zulip.Event{ID: id, Type: "message", Message: &zulip.Message{
		ID:             id + 1000,
		Type:           "stream",
		SenderEmail:    sender + "@example.com",
		SenderFullName: sender,
		StreamID:       streamID,
		Subject:        topic,
		Content:        content,
	}}
}

func testSpaces() *SpaceMap {
	m, err := NewSpaceMap([]zulip.Subscription{
		{StreamID: 1, Name: "general"},
		{StreamID: 2, Name: "dev team"},
	}, map[string]string{"general": "#janet"}, "#janet-")
	if err != nil {
		panic(err)
	}
	return m
}
