// Command zulip-irc-bridge relays messages between a Zulip organisation and IRC.
// It:
//   - Loads configuration and initializes structured logging.
//   - Snapshots the bot's Zulip subscriptions and derives the stream/channel mapping.
//   - Connects to IRC (SASL over TLS) and long-polls the Zulip event queue.
//   - Optionally persists the event cursor to Postgres, pings a liveness endpoint
//     and serves /healthz, /readyz, /status and /metrics.
//
// Shutdown is graceful on SIGINT/SIGTERM.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/joho/godotenv"

	"github.com/onnwee/zulip-irc-bridge/alert"
	"github.com/onnwee/zulip-irc-bridge/bridge"
	"github.com/onnwee/zulip-irc-bridge/config"
	"github.com/onnwee/zulip-irc-bridge/db"
	"github.com/onnwee/zulip-irc-bridge/irc"
	"github.com/onnwee/zulip-irc-bridge/liveness"
	"github.com/onnwee/zulip-irc-bridge/server"
	"github.com/onnwee/zulip-irc-bridge/telemetry"
	"github.com/onnwee/zulip-irc-bridge/zulip"
)

// Build information, set via -ldflags "-X main.Version=... -X main.Commit=...".
var (
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	// Load .env file if present (local dev convenience only; production relies on real env)
	_ = godotenv.Load()

	setupLogging()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("err", err))
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", slog.Any("err", err))
		os.Exit(1)
	}

	if err := run(cfg); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("bridge stopped", slog.Any("err", err))
		os.Exit(1)
	}
	slog.Info("shutdown complete")
}

func setupLogging() {
	lvl := slog.LevelInfo
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	case "info", "":
		// keep default
	default:
		tmp := slog.New(slog.NewTextHandler(os.Stdout, nil))
		tmp.Warn("unknown LOG_LEVEL, using info", slog.String("value", os.Getenv("LOG_LEVEL")))
	}
	format := strings.ToLower(os.Getenv("LOG_FORMAT")) // text | json
	var handler slog.Handler
	switch format {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	default:
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	}
	slog.SetDefault(slog.New(handler))
	slog.Info("logger initialized", slog.String("level", lvl.String()), slog.String("format", map[bool]string{true: "json", false: "text"}[format == "json"]))
}

func run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	telemetry.Init()
	tracing := telemetry.TracingConfigFromEnv("zulip-irc-bridge", Version)
	tracing.ZulipSite = cfg.ZulipSite
	tracing.IRCServer = cfg.IRCServer
	shutdown, err := telemetry.InitTracing(tracing)
	if err != nil {
		return fmt.Errorf("tracing initialization failed: %w", err)
	}
	defer shutdown()

	hub := &zulip.Client{
		Site:        cfg.ZulipSite,
		Email:       cfg.ZulipEmail,
		APIKey:      cfg.ZulipAPIKey,
		HTTPClient:  zulip.NewHTTPClient(),
		PollTimeout: cfg.PollTimeout,
	}

	subs, err := retryStartup(ctx, "zulip subscriptions", func() ([]zulip.Subscription, error) {
		return hub.Subscriptions(ctx)
	})
	if err != nil {
		return err
	}
	spaces, err := bridge.NewSpaceMap(subs, cfg.SpaceOverrides, cfg.ChannelPrefix)
	if err != nil {
		return fmt.Errorf("space mapping: %w", err)
	}
	for _, ch := range spaces.Channels() {
		id, name, _ := spaces.StreamFor(ch)
		slog.Info("bridging stream", slog.String("stream", name), slog.Int64("stream_id", id), slog.String("channel", ch))
	}

	var store bridge.CursorStore
	if cfg.DBDsn != "" {
		database, err := db.Connect(ctx, cfg.DBDsn)
		if err != nil {
			return fmt.Errorf("database: %w", err)
		}
		defer func() {
			if err := database.Close(); err != nil {
				slog.Error("failed to close database", slog.Any("err", err))
			}
		}()
		slog.Info("running database migrations", slog.String("component", "db_migrate"))
		if err := db.RunMigrations(database); err != nil {
			return err
		}
		store = &db.CursorStore{DB: database, Key: cfg.ZulipEmail}
	}

	alerts := alert.New(cfg.NtfyURL, cfg.NtfyToken)
	ircClient := irc.New(irc.Config{
		Server:       cfg.IRCServer,
		UseTLS:       cfg.IRCTLS,
		Nick:         cfg.IRCNick,
		SASLLogin:    cfg.IRCSASLLogin,
		SASLPassword: cfg.IRCPassword,
	})

	b := bridge.New(bridge.Options{
		Spaces:         spaces,
		Hub:            hub,
		Transport:      ircClient,
		Events:         ircClient.Events(),
		Alerts:         alerts,
		Store:          store,
		Admins:         cfg.IRCAdmins,
		BotEmail:       cfg.ZulipEmail,
		DefaultTopic:   cfg.DefaultTopic,
		Version:        fmt.Sprintf("zulip-irc-bridge %s (%s)", Version, Commit),
		ThrottleLimit:  cfg.ThrottleLimit,
		ThrottleWindow: cfg.ThrottleWindow,
		ThrottlePoll:   cfg.ThrottlePoll,
		Retry: bridge.RetryPolicy{
			Backoff:        cfg.RetryBackoff,
			StormThreshold: cfg.StormThreshold,
			StormCooldown:  cfg.StormCooldown,
		},
	})

	resumed, err := b.Cursor.Resume(ctx)
	if err != nil {
		slog.Warn("could not resume persisted cursor; registering a fresh queue", slog.Any("err", err))
	}
	if !resumed {
		if _, err := retryStartup(ctx, "zulip queue registration", func() (struct{}, error) {
			return struct{}{}, b.Cursor.Register(ctx)
		}); err != nil {
			return err
		}
	}

	if cfg.LivenessURL != "" {
		(&liveness.Reporter{URL: cfg.LivenessURL, Method: cfg.LivenessMethod, Interval: cfg.LivenessInterval}).Start(ctx)
	}
	if cfg.HTTPAddr != "" && cfg.HTTPAddr != "off" {
		go func() {
			if err := server.Start(ctx, cfg.HTTPAddr, b, 3*cfg.PollTimeout); err != nil {
				slog.Error("status server stopped", slog.Any("err", err))
			}
		}()
	}

	ircErr := make(chan error, 1)
	go func() { ircErr <- ircClient.Run(ctx) }()

	bridgeErr := b.Run(ctx)
	stop()
	if err := <-ircErr; err != nil && !errors.Is(err, context.Canceled) {
		slog.Warn("irc client stopped", slog.Any("err", err))
	}
	if err := b.Cursor.Persist(context.Background()); err != nil {
		slog.Warn("final cursor persist failed", slog.Any("err", err))
	}
	return bridgeErr
}

// retryStartup retries a startup call with exponential backoff for up to five minutes.
func retryStartup[T any](ctx context.Context, what string, fn func() (T, error)) (T, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = 5 * time.Minute
	var out T
	op := func() error {
		v, err := fn()
		if err != nil {
			var apiErr *zulip.APIError
			if errors.As(err, &apiErr) && zulip.Classify(err) == zulip.ErrorClassUnknownCode {
				// Bad credentials and similar will not fix themselves.
				return backoff.Permanent(err)
			}
			slog.Warn("startup call failed; retrying", slog.String("call", what), slog.Any("err", err))
			return err
		}
		out = v
		return nil
	}
	if err := backoff.Retry(op, backoff.WithContext(b, ctx)); err != nil {
		return out, fmt.Errorf("%s: %w", what, err)
	}
	return out, nil
}
