// Vesperd is the feed reader backend.
//
// It keeps every subscribed feed in sync on a schedule, serves articles to the
// frontend and relays feed requests for browser clients.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"slices"
	"syscall"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/oklog/run"
	"github.com/sethvargo/go-envconfig"
	"github.com/sethvargo/go-retry"
	_ "golang.org/x/crypto/x509roots/fallback"

	"github.com/jdholdren/vesper/internal/api"
	"github.com/jdholdren/vesper/internal/fetch"
	"github.com/jdholdren/vesper/internal/migrations"
	"github.com/jdholdren/vesper/internal/proxy"
	"github.com/jdholdren/vesper/internal/refresh"
	"github.com/jdholdren/vesper/internal/resolve"
	"github.com/jdholdren/vesper/internal/sqlite"
	"github.com/jdholdren/vesper/internal/sync"
	"github.com/jdholdren/vesper/logger"
)

type config struct {
	Port     int    `env:"PORT, default=4444"`
	Database string `env:"DATABASE, required"`

	// Which format to use for logging: either text or json
	LoggerFormat string `env:"LOGGER_FORMAT, default=text"`
	LogLevel     string `env:"LOG_LEVEL, default=info"`

	// Fetch routing
	FirstPartyProxy string   `env:"FIRST_PARTY_PROXY"`
	ExternalRelays  []string `env:"EXTERNAL_RELAYS"`
	PreferExternal  bool     `env:"PREFER_EXTERNAL, default=true"`

	// Fetch budget
	MaxRetries     int           `env:"MAX_RETRIES, default=2"`
	RetryDelay     time.Duration `env:"RETRY_DELAY, default=500ms"`
	AttemptTimeout time.Duration `env:"ATTEMPT_TIMEOUT, default=10s"`
	MaxBytes       int64         `env:"MAX_BYTES, default=2097152"`
	HostInterval   time.Duration `env:"HOST_INTERVAL, default=0s"`

	// Syncing
	UnreadLimit      int           `env:"UNREAD_LIMIT, default=50"`
	Workers          int           `env:"WORKERS, default=3"`
	MinSweepInterval time.Duration `env:"MIN_SWEEP_INTERVAL, default=3m"`
	RefreshEvery     time.Duration `env:"REFRESH_EVERY, default=30m"`

	AllowedOrigin string `env:"ALLOWED_ORIGIN"`
}

func main() {
	ctx := context.Background()

	// Parse the config
	var cfg config
	if err := envconfig.Process(ctx, &cfg); err != nil {
		log.Fatalf("error parsing config: %s", err)
	}

	// Determine which logger format to use
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		log.Fatalf("error parsing log level: %s", err)
	}
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler = slog.NewTextHandler(os.Stderr, opts)
	if cfg.LoggerFormat == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(logger.NewContextHandler(handler)))

	// Start the application
	if err := runServer(ctx, cfg); err != nil {
		slog.Error("error running", "error", err)
		os.Exit(1)
	}
}

func runServer(ctx context.Context, cfg config) error {
	slog.Info("running", "config", cfg)

	// Connect to the sqlite db
	dbx, err := openDB(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer dbx.Close()

	// Migrate, always
	if err := migrations.Run(dbx); err != nil {
		return fmt.Errorf("error migrating: %s", err)
	}

	var (
		repo     = sqlite.New(dbx)
		resolver = resolve.New(resolve.Config{
			FirstPartyProxy:  cfg.FirstPartyProxy,
			ExternalRelays:   cfg.ExternalRelays,
			PreferFirstParty: !cfg.PreferExternal,
		})
		routeHosts = resolver.RouteHosts()
		client     = resolve.NewGuardedClient(resolve.GuardConfig{
			DialTimeout: cfg.AttemptTimeout,
			Trusted:     func(host string) bool { return slices.Contains(routeHosts, host) },
		})
		executor = fetch.NewExecutor(client, resolver, fetch.Config{
			MaxRetries:     cfg.MaxRetries,
			RetryDelay:     cfg.RetryDelay,
			AttemptTimeout: cfg.AttemptTimeout,
			MaxBytes:       cfg.MaxBytes,
			HostInterval:   cfg.HostInterval,
			OnRetry: func(candidate string, retry int, delay time.Duration) {
				slog.Debug("retrying fetch", "candidate", candidate, "retry", retry, "delay", delay)
			},
		})
		engine      = sync.NewEngine(executor, repo, sync.Config{UnreadLimit: cfg.UnreadLimit})
		coordinator = refresh.New(engine, repo, refresh.Config{
			Workers:     cfg.Workers,
			MinInterval: cfg.MinSweepInterval,
			OnProgress: func(p *refresh.Progress) {
				if p != nil {
					slog.Debug("refresh progress", "completed", p.Completed, "total", p.Total)
				}
			},
		})
		relay = proxy.New(proxy.Config{
			MaxBytes:      cfg.MaxBytes,
			Timeout:       cfg.AttemptTimeout,
			AllowedOrigin: cfg.AllowedOrigin,
		})
		srv = api.NewServer(api.ServerConfig{
			Port:       cfg.Port,
			CorsOrigin: cfg.AllowedOrigin,
		}, repo, engine, coordinator, relay)
	)

	var g run.Group
	g.Add(run.SignalHandler(ctx, os.Interrupt, syscall.SIGTERM))
	g.Add(func() error {
		// Start the server
		slog.Info("listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("error listening: %s", err)
		}

		return nil
	}, func(error) {
		downCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(downCtx); err != nil {
			slog.Error("error shutting down server", "error", err)
		}
	})

	loopCtx, stopLoop := context.WithCancel(ctx)
	g.Add(func() error {
		// Keep every feed fresh
		return coordinator.Run(loopCtx, cfg.RefreshEvery)
	}, func(error) {
		stopLoop()
	})

	err = g.Run()
	var sigErr run.SignalError
	if errors.As(err, &sigErr) {
		slog.Info("shutting down", "signal", sigErr.Signal.String())
		return nil
	}
	if err != nil {
		return fmt.Errorf("error running: %s", err)
	}

	return nil
}

// openDB opens the database and waits for it to answer.
func openDB(ctx context.Context, path string) (*sqlx.DB, error) {
	dbx, err := sqlite.Open(path)
	if err != nil {
		return nil, err
	}

	pingCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := retry.Fibonacci(pingCtx, 500*time.Millisecond, func(ctx context.Context) error {
		if err := dbx.PingContext(ctx); err != nil {
			slog.Warn("database not ready", "error", err)
			return retry.RetryableError(err)
		}

		return nil
	}); err != nil {
		dbx.Close()
		return nil, fmt.Errorf("error reaching database: %s", err)
	}

	return dbx, nil
}
