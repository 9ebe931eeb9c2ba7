package bridge

import (
	"strings"
	"sync"
	"time"
)

// Identity answers "did the bridge itself author this?" for both networks. All echo
// suppression goes through it. The IRC nick is read from the transport on every call
// because the server may force a rename after a nick collision.
type Identity struct {
	zulipEmail string
	nick       func() string
}

// NewIdentity builds an Identity for the bot's Zulip email and a live nick source.
func NewIdentity(zulipEmail string, nick func() string) *Identity {
	return &Identity{zulipEmail: zulipEmail, nick: nick}
}

// IsSelfIRC reports whether nick is the bridge's current IRC nick.
func (i *Identity) IsSelfIRC(nick string) bool {
	if i.nick == nil {
		return false
	}
	self := i.nick()
	return self != "" && strings.EqualFold(self, nick)
}

// IsSelfZulip reports whether email is the bridge bot's Zulip account.
func (i *Identity) IsSelfZulip(email string) bool {
	return i.zulipEmail != "" && strings.EqualFold(i.zulipEmail, email)
}

// HeartbeatState records when the last Zulip heartbeat event was seen. It is written by
// the inbound relay and read by the heartbeat command and the status endpoint.
type HeartbeatState struct {
	mu   sync.RWMutex
	last time.Time
}

// Mark records a heartbeat observed at t.
func (h *HeartbeatState) Mark(t time.Time) {
	h.mu.Lock()
	h.last = t
	h.mu.Unlock()
}

// Last returns the last heartbeat time and whether one has been observed.
func (h *HeartbeatState) Last() (time.Time, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.last, !h.last.IsZero()
}
