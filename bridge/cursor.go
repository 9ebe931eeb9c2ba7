package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/onnwee/zulip-irc-bridge/telemetry"
	"github.com/onnwee/zulip-irc-bridge/zulip"
)

// NoEventID is the last_event_id sentinel meaning "from the registration point".
const NoEventID int64 = -1

// CursorState is the queue lifecycle: UNREGISTERED -> REGISTERED -> (EXPIRED -> REGISTERED)*.
type CursorState int

const (
	StateUnregistered CursorState = iota
	StateRegistered
	StateExpired
)

func (s CursorState) String() string {
	switch s {
	case StateUnregistered:
		return "unregistered"
	case StateRegistered:
		return "registered"
	case StateExpired:
		return "expired"
	default:
		return "unknown"
	}
}

// CursorStore persists the cursor between restarts. Optional.
type CursorStore interface {
	LoadCursor(ctx context.Context) (queueID string, lastEventID int64, found bool, err error)
	SaveCursor(ctx context.Context, queueID string, lastEventID int64) error
}

// CursorSnapshot is a point-in-time copy of the cursor for status reporting.
type CursorSnapshot struct {
	QueueID       string `json:"queue_id"`
	LastEventID   int64  `json:"last_event_id"`
	State         string `json:"state"`
	Registrations int    `json:"registrations"`
}

// EventCursor owns the Zulip event queue handle and the position in its stream. Only the
// inbound relay mutates it; the mutex exists so status readers see consistent snapshots.
type EventCursor struct {
	hub   Hub
	store CursorStore

	mu            sync.RWMutex
	queueID       string
	lastEventID   int64
	state         CursorState
	registrations int
}

// NewEventCursor returns an unregistered cursor. store may be nil.
func NewEventCursor(hub Hub, store CursorStore) *EventCursor {
	return &EventCursor{hub: hub, store: store, lastEventID: NoEventID}
}

// Register obtains a fresh queue handle and resets the position to NoEventID.
func (c *EventCursor) Register(ctx context.Context) error {
	id, err := c.hub.Register(ctx)
	if err != nil {
		return fmt.Errorf("register event queue: %w", err)
	}
	c.mu.Lock()
	c.queueID = id
	c.lastEventID = NoEventID
	c.state = StateRegistered
	c.registrations++
	c.mu.Unlock()
	telemetry.IncCounter(telemetry.HubRegistrations)
	telemetry.SetGauge(telemetry.HubLastEventID, float64(NoEventID))
	slog.Info("zulip event queue registered", slog.String("queue_id", id), slog.String("component", "zulip"))
	return nil
}

// Resume restores a persisted cursor, if any. A resumed handle that has since expired
// is caught by the next Poll like any other expiry.
func (c *EventCursor) Resume(ctx context.Context) (bool, error) {
	if c.store == nil {
		return false, nil
	}
	queueID, last, found, err := c.store.LoadCursor(ctx)
	if err != nil {
		return false, fmt.Errorf("load cursor: %w", err)
	}
	if !found || queueID == "" {
		return false, nil
	}
	c.mu.Lock()
	c.queueID = queueID
	c.lastEventID = last
	c.state = StateRegistered
	c.mu.Unlock()
	telemetry.SetGauge(telemetry.HubLastEventID, float64(last))
	slog.Info("resumed zulip event cursor", slog.String("queue_id", queueID), slog.Int64("last_event_id", last), slog.String("component", "zulip"))
	return true, nil
}

// Poll long-polls for the next batch. On queue expiry it re-registers and returns no
// events and no error, so the caller loops again without backing off. If the cursor is
// not registered (startup, or a failed re-registration) it registers first and returns
// an empty batch.
func (c *EventCursor) Poll(ctx context.Context) ([]zulip.Event, error) {
	c.mu.RLock()
	state, queueID, last := c.state, c.queueID, c.lastEventID
	c.mu.RUnlock()

	if state != StateRegistered {
		return nil, c.Register(ctx)
	}
	events, err := c.hub.GetEvents(ctx, queueID, last)
	if errors.Is(err, zulip.ErrBadEventQueue) {
		c.mu.Lock()
		c.state = StateExpired
		c.mu.Unlock()
		slog.Info("zulip event queue expired; re-registering", slog.String("queue_id", queueID), slog.String("component", "zulip"))
		return nil, c.Register(ctx)
	}
	if err != nil {
		return nil, err
	}
	return events, nil
}

// Advance moves the position to id. Positions never go backwards.
func (c *EventCursor) Advance(id int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if id < c.lastEventID {
		slog.Warn("ignoring out-of-order zulip event id", slog.Int64("event_id", id), slog.Int64("last_event_id", c.lastEventID), slog.String("component", "zulip"))
		return
	}
	c.lastEventID = id
	telemetry.SetGauge(telemetry.HubLastEventID, float64(id))
}

// Persist saves the current position if a store is configured.
func (c *EventCursor) Persist(ctx context.Context) error {
	if c.store == nil {
		return nil
	}
	c.mu.RLock()
	queueID, last := c.queueID, c.lastEventID
	c.mu.RUnlock()
	if queueID == "" {
		return nil
	}
	return c.store.SaveCursor(ctx, queueID, last)
}

// LastEventID returns the current position.
func (c *EventCursor) LastEventID() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastEventID
}

// QueueID returns the current queue handle.
func (c *EventCursor) QueueID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.queueID
}

// Snapshot copies the cursor for status reporting.
func (c *EventCursor) Snapshot() CursorSnapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return CursorSnapshot{
		QueueID:       c.queueID,
		LastEventID:   c.lastEventID,
		State:         c.state.String(),
		Registrations: c.registrations,
	}
}
