package bridge

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/onnwee/zulip-irc-bridge/irc"
)

// Numerics the server sends when a PRIVMSG could not be delivered. Params[1] names the
// target that failed.
var deliveryFailures = map[string]bool{
	"401": true, // ERR_NOSUCHNICK
	"404": true, // ERR_CANNOTSENDTOCHAN
	"407": true, // ERR_TOOMANYTARGETS
	"411": true, // ERR_NORECIPIENT
	"412": true, // ERR_NOTEXTTOSEND
}

// isAdminBounce reports whether e is the server refusing a message the bridge sent to an
// admin. Relaying it to the admins again would produce the same error.
func isAdminBounce(e irc.ProtocolError, admins []string) bool {
	if !deliveryFailures[e.Command] || len(e.Params) < 2 {
		return false
	}
	for _, a := range admins {
		if strings.EqualFold(a, e.Params[1]) {
			return true
		}
	}
	return false
}

// errorGate admits at most limit IRC error alerts per window. Errors past the limit are
// counted and reported with the first alert of a later window.
type errorGate struct {
	mu         sync.Mutex
	limit      int
	window     time.Duration
	now        func() time.Time
	start      time.Time
	sent       int
	suppressed int
}

func newErrorGate(limit int, window time.Duration) *errorGate {
	return &errorGate{limit: limit, window: window, now: time.Now}
}

// admit returns the alert text to send for line, or ok=false when the alert is dropped.
func (g *errorGate) admit(line string) (text string, ok bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.now()
	if g.start.IsZero() || now.Sub(g.start) >= g.window {
		g.start = now
		g.sent = 0
	}
	if g.sent >= g.limit {
		g.suppressed++
		return "", false
	}
	g.sent++
	if g.suppressed > 0 {
		line = fmt.Sprintf("%s (%d earlier IRC errors suppressed)", line, g.suppressed)
		g.suppressed = 0
	}
	return line, true
}
