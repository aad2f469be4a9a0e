// Package app provides the unified lifecycle wiring for the pulselog
// pipeline: store, logger, uploader, scheduler, sweeper, and the agent
// HTTP surface, constructed once at startup and injected into each
// other explicitly.
package app

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	httpapi "github.com/pulselog/pulselog/internal/api/http"
	"github.com/pulselog/pulselog/internal/config"
	"github.com/pulselog/pulselog/internal/lifecycle"
	"github.com/pulselog/pulselog/internal/logger"
	"github.com/pulselog/pulselog/internal/observability"
	"github.com/pulselog/pulselog/internal/scheduler"
	"github.com/pulselog/pulselog/internal/storage"
	"github.com/pulselog/pulselog/internal/store"
	"github.com/pulselog/pulselog/internal/sweeper"
	"github.com/pulselog/pulselog/internal/uploader"
)

// App manages the pipeline component lifecycles.
type App struct {
	cfg *config.Config

	store     *store.SQLiteStore
	stats     *observability.Stats
	logger    *logger.Logger
	uploader  *uploader.Uploader
	scheduler *scheduler.Scheduler
	sweeper   *sweeper.Sweeper
	registry  *prometheus.Registry
	bus       *lifecycle.Bus

	httpServer *http.Server

	mu           sync.Mutex
	running      bool
	cancel       context.CancelFunc
	dispatchDone chan struct{}
}

// New creates a new App with the given configuration.
func New(cfg *config.Config) (*App, error) {
	cfg.Resolve()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("failed to create directories: %w", err)
	}

	return &App{cfg: cfg}, nil
}

// Start initializes the store and starts every component. A store that
// cannot be opened is a startup fault, surfaced rather than swallowed.
func (a *App) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return fmt.Errorf("app is already running")
	}
	a.running = true
	a.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	st, err := store.Open(a.cfg.StorePath())
	if err != nil {
		a.abort()
		return fmt.Errorf("failed to open event store: %w", err)
	}
	a.store = st

	a.registry = prometheus.NewRegistry()
	a.stats = observability.New(a.registry)
	a.stats.Refresh(ctx, a.store)
	a.restoreState(ctx)

	a.logger = logger.New(a.store, a.stats)

	a.uploader = uploader.New(a.store, a.stats, uploader.Config{
		CollectorBaseURL: a.cfg.Collector.BaseURL,
		RequestTimeout:   a.cfg.Collector.RequestTimeout,
		BatchLimit:       a.cfg.Upload.BatchLimit,
		Device:           a.deviceInfo(),
	})

	a.scheduler = scheduler.New(scheduler.Config{
		Interval:         a.cfg.Upload.Interval,
		PendingThreshold: a.cfg.Upload.PendingThreshold,
		BackoffMin:       a.cfg.Upload.BackoffMin,
		BackoffMax:       a.cfg.Upload.BackoffMax,
	}, a.uploader, a.store, a.stats)
	if err := a.scheduler.Start(ctx); err != nil {
		a.abort()
		return fmt.Errorf("failed to start scheduler: %w", err)
	}

	a.bus = lifecycle.NewBus(64)
	a.dispatchDone = make(chan struct{})
	sigCh := a.bus.Subscribe("pipeline")
	go a.dispatchSignals(ctx, sigCh)

	archive, err := a.buildArchive(ctx)
	if err != nil {
		a.abort()
		return fmt.Errorf("failed to initialize archive storage: %w", err)
	}
	a.sweeper = sweeper.New(sweeper.Config{
		HorizonDays:   a.cfg.Retention.HorizonDays,
		CheckInterval: a.cfg.Retention.SweepInterval,
	}, a.store, a.stats, archive)
	if err := a.sweeper.Start(ctx); err != nil {
		a.abort()
		return fmt.Errorf("failed to start sweeper: %w", err)
	}

	if a.cfg.HTTP.Addr != "" {
		a.startHTTP()
	}

	a.logger.AppLaunch()

	log.Printf("pulselog started, store at %s", a.cfg.StorePath())
	return nil
}

// dispatchSignals reacts to lifecycle signals: each one is recorded as
// an event and forwarded to the scheduler.
func (a *App) dispatchSignals(ctx context.Context, ch <-chan lifecycle.Signal) {
	defer close(a.dispatchDone)
	for {
		select {
		case <-ctx.Done():
			return
		case sig, ok := <-ch:
			if !ok {
				return
			}
			switch sig.Kind {
			case lifecycle.Background:
				a.logger.AppBackground()
				a.scheduler.OnBackground(ctx)
			case lifecycle.Foreground:
				a.logger.AppForeground()
				a.scheduler.OnForeground(ctx)
			case lifecycle.LoginChanged:
				if sig.LoggedIn {
					a.logger.UserLogin()
				} else {
					a.logger.UserLogout()
				}
				a.scheduler.OnLoginChanged(ctx, sig.LoggedIn)
			}
		}
	}
}

// restoreState re-derives durable process-wide state after a restart.
func (a *App) restoreState(ctx context.Context) {
	if v, err := a.store.GetSetting(ctx, store.SettingLoginState); err != nil {
		log.Printf("app: failed to restore login state: %v", err)
	} else if v == "true" {
		a.stats.SetLoggedIn(true)
	}

	if v, err := a.store.GetSetting(ctx, store.SettingLastUploadDate); err != nil {
		log.Printf("app: failed to restore last upload date: %v", err)
	} else if v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			a.stats.SetLastUpload(t)
		}
	}
}

func (a *App) deviceInfo() uploader.DeviceInfo {
	device := uploader.DeviceInfo{
		Model:         a.cfg.Device.Model,
		SystemVersion: a.cfg.Device.SystemVersion,
		AppVersion:    a.cfg.Device.AppVersion,
	}
	if device.Model == "" {
		device.Model = runtime.GOOS + "/" + runtime.GOARCH
	}
	if device.SystemVersion == "" {
		device.SystemVersion = runtime.Version()
	}
	if device.AppVersion == "" {
		device.AppVersion = "dev"
	}
	return device
}

func (a *App) buildArchive(ctx context.Context) (storage.ObjectStorage, error) {
	if !a.cfg.Archive.Enabled {
		return nil, nil
	}
	switch a.cfg.Archive.Type {
	case "s3":
		return storage.NewS3Storage(ctx, a.cfg.Archive.S3.Bucket, storage.S3Config{
			Region:   a.cfg.Archive.S3.Region,
			Endpoint: a.cfg.Archive.S3.Endpoint,
		})
	default:
		return storage.NewLocalStorage(a.cfg.Archive.Path)
	}
}

func (a *App) startHTTP() {
	mux := http.NewServeMux()
	wrap := httpapi.DefaultMiddleware()

	mux.Handle("/v1/events", wrap(httpapi.NewIngestHandler(a.logger)))
	mux.Handle("/v1/status", wrap(httpapi.NewStatusHandler(a.stats)))
	mux.Handle("/v1/upload", wrap(httpapi.NewUploadHandler(a.scheduler)))
	mux.Handle("/v1/session", wrap(httpapi.NewSessionHandler(a.bus)))
	mux.Handle("/v1/lifecycle", wrap(httpapi.NewLifecycleHandler(a.bus)))
	if a.cfg.HTTP.Metrics {
		mux.Handle("/metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}))
	}

	a.httpServer = &http.Server{
		Addr:         a.cfg.HTTP.Addr,
		Handler:      mux,
		ReadTimeout:  a.cfg.HTTP.ReadTimeout,
		WriteTimeout: a.cfg.HTTP.WriteTimeout,
		IdleTimeout:  a.cfg.HTTP.IdleTimeout,
	}

	go func() {
		if err := a.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("app: HTTP server error: %v", err)
		}
	}()
}

// Stop gracefully stops all components: HTTP intake first, then the
// background daemons, then the write path, then the store.
func (a *App) Stop() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.running {
		return nil
	}
	a.running = false

	if a.httpServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := a.httpServer.Shutdown(shutdownCtx); err != nil {
			log.Printf("app: HTTP shutdown error: %v", err)
		}
		cancel()
	}

	a.cancel()
	return a.cleanup()
}

// Close implements io.Closer for shutdown manager registration.
func (a *App) Close() error {
	return a.Stop()
}

// abort tears down after a failed Start.
func (a *App) abort() {
	a.cancel()
	a.cleanup()
	a.mu.Lock()
	a.running = false
	a.mu.Unlock()
}

func (a *App) cleanup() error {
	var firstErr error
	if a.bus != nil {
		a.bus.Close()
		<-a.dispatchDone
	}
	if a.scheduler != nil {
		if err := a.scheduler.Stop(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if a.sweeper != nil {
		if err := a.sweeper.Stop(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if a.logger != nil {
		a.logger.Close()
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Logger returns the event logger for in-process producers.
func (a *App) Logger() *logger.Logger { return a.logger }

// Scheduler returns the upload scheduler for lifecycle signal wiring.
func (a *App) Scheduler() *scheduler.Scheduler { return a.scheduler }

// Bus returns the lifecycle signal bus for embedding hosts.
func (a *App) Bus() *lifecycle.Bus { return a.bus }

// Stats returns the observable pipeline counters.
func (a *App) Stats() *observability.Stats { return a.stats }
