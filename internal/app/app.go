// Package app provides the main application struct for centralized dependency management
// and lifecycle control of tokenmeter.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"tokenmeter/config"
	"tokenmeter/internal/gateway"
	"tokenmeter/internal/httpclient"
	"tokenmeter/internal/meter"
	"tokenmeter/internal/metrics"
	"tokenmeter/internal/pricing"
	"tokenmeter/internal/providers"
	"tokenmeter/internal/server"
	"tokenmeter/internal/storage"
	"tokenmeter/internal/usage"
)

// App represents the main application with all its dependencies.
// It provides centralized lifecycle management for all components.
type App struct {
	config    *config.Config
	prices    *pricing.Holder
	watcher   *pricing.Watcher
	storage   storage.Storage
	sink      usage.Sink
	reader    usage.Reader
	registry  *prometheus.Registry
	metrics   *metrics.Metrics
	meter     *meter.Instrumentor
	providers *providers.Set
	gateway   *gateway.Gateway
	server    *server.Server

	stopWatch context.CancelFunc

	shutdownMu sync.Mutex
	shutdown   bool
}

// Options adjusts how New assembles the App.
type Options struct {
	// Providers replaces the adapters built from configuration.
	Providers *providers.Set

	// Sink replaces the configured sink. The App closes it on Shutdown.
	Sink usage.Sink
}

// New creates a new App with all dependencies initialized.
// The caller must call Shutdown to release resources.
func New(ctx context.Context, cfg *config.Config, opts Options) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("app config is required")
	}

	app := &App{config: cfg}
	if err := app.init(ctx, opts); err != nil {
		if closeErr := app.Shutdown(ctx); closeErr != nil {
			return nil, fmt.Errorf("%w (also: close error: %v)", err, closeErr)
		}
		return nil, err
	}

	app.logStartupInfo()
	return app, nil
}

func (a *App) init(ctx context.Context, opts Options) error {
	cfg := a.config

	book, err := pricing.LoadFile(cfg.Pricing.BookPath)
	if err != nil {
		return fmt.Errorf("failed to load price book: %w", err)
	}
	a.prices = pricing.NewHolder(book)

	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	a.metrics = metrics.New(a.registry)
	a.metrics.SetPriceBookEntries(book.Len())

	a.storage, err = storage.New(ctx, storage.Config{
		Type:   cfg.Storage.Type,
		SQLite: storage.SQLiteConfig{Path: cfg.Storage.SQLite.Path},
		PostgreSQL: storage.PostgreSQLConfig{
			URL:      cfg.Storage.PostgreSQL.URL,
			MaxConns: cfg.Storage.PostgreSQL.MaxConns,
		},
		MongoDB: storage.MongoDBConfig{
			URL:      cfg.Storage.MongoDB.URL,
			Database: cfg.Storage.MongoDB.Database,
		},
	})
	if err != nil {
		return fmt.Errorf("failed to open storage: %w", err)
	}

	a.reader, err = usage.NewReader(a.storage)
	if err != nil {
		return fmt.Errorf("failed to create usage reader: %w", err)
	}

	a.sink = opts.Sink
	if a.sink == nil {
		a.sink, err = usage.NewSink(ctx, usage.SinkConfig{
			Type:          cfg.Sink.Type,
			JSONLPath:     cfg.Sink.JSONLPath,
			Fsync:         cfg.Sink.Fsync,
			Redis:         usage.RedisConfig{URL: cfg.Redis.URL, Stream: cfg.Redis.Stream, MaxLen: cfg.Redis.MaxLen},
			RetentionDays: cfg.Sink.RetentionDays,
			BufferSize:    cfg.Sink.BufferSize,
			FlushInterval: time.Duration(cfg.Sink.FlushIntervalSeconds) * time.Second,
			OnBatchError: func(err error, _ int) {
				a.metrics.ObserveMeteringError(meter.StageSink, err)
			},
		}, a.storage)
		if err != nil {
			return fmt.Errorf("failed to create event sink: %w", err)
		}
	}

	a.meter = meter.New(a.prices, a.sink, meter.Options{
		DefaultProvider: cfg.Metering.DefaultProvider,
		DefaultRegion:   cfg.Metering.DefaultRegion,
		Observer:        a.metrics,
	})

	set := opts.Providers
	if set == nil {
		set = providers.NewSet(providers.Config{
			OpenAI: providers.Credentials(cfg.Providers.OpenAI),
			VLLM:   providers.Credentials(cfg.Providers.VLLM),
			Gemini: providers.Credentials(cfg.Providers.Gemini),
			HTTPClient: httpclient.New(httpclient.Config{
				Timeout:               time.Duration(cfg.Providers.TimeoutSeconds) * time.Second,
				ResponseHeaderTimeout: time.Duration(cfg.Providers.ResponseHeaderTimeoutSeconds) * time.Second,
			}),
		})
	}
	a.providers = set
	a.gateway = gateway.New(set, a.meter)

	a.server = server.New(server.Deps{
		Chat:   a.gateway,
		Prices: a.prices,
		Reader: a.reader,
	}, &server.Config{
		MasterKey:       cfg.Server.MasterKey,
		MetricsEnabled:  cfg.Metrics.Enabled,
		MetricsEndpoint: cfg.Metrics.Endpoint,
		BodySizeLimit:   cfg.Server.BodySizeLimit,
		DefaultRegion:   cfg.Metering.DefaultRegion,
		Gatherer:        a.registry,
	})

	if cfg.Pricing.Watch {
		a.watcher, err = pricing.NewWatcher(a.prices, cfg.Pricing.BookPath, 0)
		if err != nil {
			return fmt.Errorf("failed to watch price book: %w", err)
		}
		a.watcher.OnReload(func(b *pricing.PriceBook) {
			a.metrics.SetPriceBookEntries(b.Len())
		})
		watchCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		a.stopWatch = cancel
		go a.watcher.Run(watchCtx)
	}

	return nil
}

// Gateway returns the metered chat gateway.
func (a *App) Gateway() *gateway.Gateway { return a.gateway }

// Instrumentor returns the instrumentor shared by all metered calls.
func (a *App) Instrumentor() *meter.Instrumentor { return a.meter }

// Prices returns the live price book holder.
func (a *App) Prices() *pricing.Holder { return a.prices }

// Reader returns the usage analytics reader.
func (a *App) Reader() usage.Reader { return a.reader }

// Storage returns the analytics storage connection.
func (a *App) Storage() storage.Storage { return a.storage }

// Start starts the HTTP server on the given address.
// This is a blocking call that returns when the server stops.
func (a *App) Start(addr string) error {
	if a.server == nil {
		return fmt.Errorf("server is not initialized")
	}
	slog.Info("starting server", "address", addr)
	if err := a.server.Start(addr); err != nil {
		if errors.Is(err, http.ErrServerClosed) {
			slog.Info("server stopped gracefully")
			return nil
		}
		return fmt.Errorf("server failed to start: %w", err)
	}
	return nil
}

// Shutdown gracefully tears down app components in dependency order.
// Order:
// 1. HTTP server shutdown, honoring the passed context timeout/cancellation.
// 2. Price book watcher.
// 3. Event sink close (flushes buffered events).
// 4. Storage close.
//
// Shutdown is idempotent; it attempts every step and returns the joined failures.
func (a *App) Shutdown(ctx context.Context) error {
	a.shutdownMu.Lock()
	if a.shutdown {
		a.shutdownMu.Unlock()
		return nil
	}
	a.shutdown = true
	a.shutdownMu.Unlock()

	var errs []error

	if a.server != nil {
		if err := a.server.Shutdown(ctx); err != nil {
			slog.Error("server shutdown error", "error", err)
			errs = append(errs, fmt.Errorf("server shutdown: %w", err))
		}
	}

	if a.watcher != nil {
		a.stopWatch()
		if err := a.watcher.Close(); err != nil {
			errs = append(errs, fmt.Errorf("watcher close: %w", err))
		}
	}

	if a.sink != nil {
		if err := a.sink.Close(); err != nil {
			slog.Error("event sink close error", "error", err)
			errs = append(errs, fmt.Errorf("sink close: %w", err))
		}
	}

	if a.storage != nil {
		if err := a.storage.Close(); err != nil {
			slog.Error("storage close error", "error", err)
			errs = append(errs, fmt.Errorf("storage close: %w", err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %w", errors.Join(errs...))
	}
	return nil
}

// logStartupInfo logs the application configuration on startup.
func (a *App) logStartupInfo() {
	cfg := a.config

	if cfg.Server.MasterKey == "" {
		slog.Warn("TOKENMETER_MASTER_KEY not set - HTTP API is unauthenticated")
	} else {
		slog.Info("authentication enabled", "mode", "master_key")
	}

	book := a.prices.Book()
	slog.Info("price book loaded",
		"path", cfg.Pricing.BookPath,
		"version", book.Version(),
		"entries", book.Len(),
		"watch", cfg.Pricing.Watch,
	)
	slog.Info("providers available", "providers", a.providers.Names())
	slog.Info("event sink configured", "type", cfg.Sink.Type, "buffer_size", cfg.Sink.BufferSize)
	slog.Info("storage configured", "type", cfg.Storage.Type)

	if cfg.Metrics.Enabled {
		slog.Info("prometheus metrics enabled", "endpoint", cfg.Metrics.Endpoint)
	}
}
