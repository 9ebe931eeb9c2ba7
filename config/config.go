// Package config loads environment variables and provides a typed Config used across the bridge.
// It applies sensible defaults so the binary can run with only credentials set.
// Required credentials are checked by Validate; a failure there is fatal at startup.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// DefaultTopic is the Zulip topic used for IRC lines that do not name one.
const DefaultTopic = "IRC"

type Config struct {
	// Zulip (Hub)
	ZulipSite   string
	ZulipEmail  string
	ZulipAPIKey string

	// IRC (Channel Network)
	IRCServer    string
	IRCTLS       bool
	IRCNick      string
	IRCPassword  string
	IRCSASLLogin string
	IRCAdmins    []string

	// Space mapping
	SpaceOverrides map[string]string
	ChannelPrefix  string
	DefaultTopic   string

	// Outbound throttle
	ThrottleLimit  int
	ThrottleWindow time.Duration
	ThrottlePoll   time.Duration

	// Inbound relay
	PollTimeout    time.Duration
	RetryBackoff   time.Duration
	StormThreshold int
	StormCooldown  time.Duration

	// Alerts and liveness
	NtfyURL          string
	NtfyToken        string
	LivenessURL      string
	LivenessMethod   string
	LivenessInterval time.Duration

	// Cursor persistence (optional)
	DBDsn string

	// Status server
	HTTPAddr string
}

// Load reads environment variables and applies defaults. It only fails on values that are
// present but malformed; missing credentials are reported by Validate.
func Load() (*Config, error) {
	cfg := &Config{}
	var errs []error

	cfg.ZulipSite = strings.TrimRight(os.Getenv("ZULIP_SITE"), "/")
	cfg.ZulipEmail = os.Getenv("ZULIP_EMAIL")
	cfg.ZulipAPIKey = os.Getenv("ZULIP_API_KEY")

	cfg.IRCServer = envOr("IRC_SERVER", "irc.libera.chat:6697")
	cfg.IRCTLS = true
	if v := os.Getenv("IRC_TLS"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("invalid IRC_TLS: %w", err))
		}
		cfg.IRCTLS = b
	}
	cfg.IRCNick = envOr("IRC_NICK", "janet-zulip")
	cfg.IRCPassword = os.Getenv("IRC_PASSWORD")
	cfg.IRCSASLLogin = envOr("IRC_SASL_LOGIN", cfg.IRCNick)
	cfg.IRCAdmins = splitList(os.Getenv("IRC_ADMINS"), ",")

	overrides, err := ParseOverrides(os.Getenv("SPACE_OVERRIDES"))
	if err != nil {
		errs = append(errs, err)
	}
	cfg.SpaceOverrides = overrides
	cfg.ChannelPrefix = envOr("CHANNEL_PREFIX", "#janet-")
	cfg.DefaultTopic = envOr("DEFAULT_TOPIC", DefaultTopic)

	cfg.ThrottleLimit = envInt("THROTTLE_LIMIT", 5, &errs)
	cfg.ThrottleWindow = envDuration("THROTTLE_WINDOW", 5*time.Second, &errs)
	cfg.ThrottlePoll = envDuration("THROTTLE_POLL", 100*time.Millisecond, &errs)

	cfg.PollTimeout = envDuration("POLL_TIMEOUT", 90*time.Second, &errs)
	cfg.RetryBackoff = envDuration("RETRY_BACKOFF", 10*time.Second, &errs)
	cfg.StormThreshold = envInt("STORM_THRESHOLD", 5, &errs)
	cfg.StormCooldown = envDuration("STORM_COOLDOWN", 60*time.Second, &errs)

	cfg.NtfyURL = os.Getenv("NTFY_URL")
	cfg.NtfyToken = os.Getenv("NTFY_TOKEN")
	cfg.LivenessURL = os.Getenv("LIVENESS_URL")
	cfg.LivenessMethod = strings.ToUpper(envOr("LIVENESS_METHOD", "GET"))
	cfg.LivenessInterval = envDuration("LIVENESS_INTERVAL", 2*time.Minute, &errs)

	cfg.DBDsn = os.Getenv("DB_DSN")
	cfg.HTTPAddr = envOr("HTTP_ADDR", ":8080")

	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return cfg, nil
}

// Validate checks that every required credential is present and that the numeric policy
// values are usable. All problems are reported together.
func (c *Config) Validate() error {
	var missing []string
	if c.ZulipSite == "" {
		missing = append(missing, "ZULIP_SITE")
	}
	if c.ZulipEmail == "" {
		missing = append(missing, "ZULIP_EMAIL")
	}
	if c.ZulipAPIKey == "" {
		missing = append(missing, "ZULIP_API_KEY")
	}
	if c.IRCPassword == "" {
		missing = append(missing, "IRC_PASSWORD")
	}
	var errs []error
	if len(missing) > 0 {
		errs = append(errs, fmt.Errorf("missing required env: %s", strings.Join(missing, ", ")))
	}
	if c.ThrottleLimit <= 0 {
		errs = append(errs, fmt.Errorf("THROTTLE_LIMIT must be positive, got %d", c.ThrottleLimit))
	}
	if c.ThrottleWindow <= 0 {
		errs = append(errs, fmt.Errorf("THROTTLE_WINDOW must be positive, got %s", c.ThrottleWindow))
	}
	if c.StormThreshold <= 0 {
		errs = append(errs, fmt.Errorf("STORM_THRESHOLD must be positive, got %d", c.StormThreshold))
	}
	if c.LivenessMethod != "GET" && c.LivenessMethod != "PUT" && c.LivenessMethod != "POST" {
		errs = append(errs, fmt.Errorf("LIVENESS_METHOD must be GET, PUT or POST, got %q", c.LivenessMethod))
	}
	return errors.Join(errs...)
}

// ParseOverrides parses "stream name=#channel;other=#chan2" into a map keyed by stream name.
// Stream names may contain spaces; entries are separated by ';'.
func ParseOverrides(s string) (map[string]string, error) {
	out := map[string]string{}
	for _, entry := range splitList(s, ";") {
		name, channel, ok := strings.Cut(entry, "=")
		name, channel = strings.TrimSpace(name), strings.TrimSpace(channel)
		if !ok || name == "" || channel == "" {
			return nil, fmt.Errorf("invalid SPACE_OVERRIDES entry %q (want name=#channel)", entry)
		}
		if !strings.HasPrefix(channel, "#") {
			channel = "#" + channel
		}
		out[name] = channel
	}
	return out, nil
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int, errs *[]error) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
		return def
	}
	return n
}

func envDuration(key string, def time.Duration, errs *[]error) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("invalid %s (duration): %w", key, err))
		return def
	}
	return d
}

func splitList(s, sep string) []string {
	var out []string
	for _, p := range strings.Split(s, sep) {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
