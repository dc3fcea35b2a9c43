package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aussiebroadwan/sessionkeeper/pkg/credstore"
	"github.com/aussiebroadwan/sessionkeeper/pkg/httpx"
	"github.com/aussiebroadwan/sessionkeeper/pkg/metrics"
	"github.com/aussiebroadwan/sessionkeeper/pkg/pipeline"
	"github.com/aussiebroadwan/sessionkeeper/pkg/realtime"
	"github.com/aussiebroadwan/sessionkeeper/pkg/refresh"
	"github.com/aussiebroadwan/sessionkeeper/pkg/session"
	"github.com/aussiebroadwan/sessionkeeper/pkg/slogx"
)

const (
	// BuildVersion should be set at build time via ldflags. Later problem
	BuildVersion = "v0.1.0"
)

// ErrSessionEnded is returned by Run when the session can no longer be
// recovered and the user has to log in again.
var ErrSessionEnded = errors.New("session ended")

// Application runs one long-lived session: it keeps the realtime stream up,
// polls the REST API and exposes metrics until the session ends or a signal
// arrives.
type Application struct {
	cfg     Config
	logger  *slog.Logger
	metrics *metrics.Metrics

	store   credstore.Store
	closers []func() error
	session *session.Session

	server *http.Server
}

// New creates a new Application instance with all dependencies initialized
func New(cfg Config) (*Application, error) {
	app := &Application{
		cfg: cfg,
		logger: slogx.New(slogx.Config{
			Service: "sessiond",
			Version: BuildVersion,
			Env:     cfg.Env,
			Level:   cfg.LogLevel,
			Format:  cfg.LogFormat,
		}),
		metrics: metrics.New(),
	}

	if err := app.initStore(context.Background()); err != nil {
		return nil, err
	}
	if err := app.initSession(); err != nil {
		app.closeStore()
		return nil, err
	}
	app.initHTTP()

	return app, nil
}

// Run starts the application and blocks until shutdown is requested or the
// session ends.
func (app *Application) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return app.run(ctx)
}

func (app *Application) run(ctx context.Context) error {
	app.logger.Info("sessiond starting", "api", app.cfg.BaseURL, "version", BuildVersion)

	serverErrors := make(chan error, 1)
	if app.server != nil {
		go func() {
			serverErrors <- app.server.ListenAndServe()
		}()
	}

	if err := app.authenticate(ctx); err != nil {
		_ = app.Shutdown()
		return err
	}

	var poll <-chan time.Time
	if app.cfg.PollInterval > 0 {
		ticker := time.NewTicker(app.cfg.PollInterval)
		defer ticker.Stop()
		poll = ticker.C
	}

	for {
		select {
		case err := <-serverErrors:
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				_ = app.Shutdown()
				return fmt.Errorf("server failed: %w", err)
			}
		case <-ctx.Done():
			app.logger.Info("shutdown signal received")
			if err := app.Shutdown(); err != nil {
				return fmt.Errorf("graceful shutdown failed: %w", err)
			}
			return nil
		case <-app.session.Ended():
			reason, _ := app.session.EndReason()
			app.logger.Warn("session ended, login required", "reason", reason)
			_ = app.Shutdown()
			return fmt.Errorf("%w: %s", ErrSessionEnded, reason)
		case <-poll:
			app.poll(ctx)
		}
	}
}

// authenticate resumes stored credentials, falling back to a password login.
func (app *Application) authenticate(ctx context.Context) error {
	err := app.session.Resume(ctx)
	switch {
	case err == nil:
		return nil
	case !errors.Is(err, session.ErrNoSession):
		return err
	case app.cfg.Username == "":
		return fmt.Errorf("no stored credentials and SESSION_USERNAME is not set: %w", err)
	}

	if err := app.session.Login(ctx, app.cfg.Username, app.cfg.Password); err != nil {
		return err
	}
	return nil
}

func (app *Application) poll(ctx context.Context) {
	resp, err := app.session.API().Send(ctx, &pipeline.Request{Path: app.cfg.PollPath})
	if err != nil {
		app.logger.Warn("poll failed", "path", app.cfg.PollPath, "error", err)
		return
	}
	app.logger.Debug("poll ok", "path", app.cfg.PollPath, "status", resp.StatusCode, "bytes", len(resp.Body))
}

func (app *Application) onMessage(m realtime.Message) {
	app.logger.Info("realtime message", "type", m.Type, "bytes", len(m.Data))
}

// Shutdown gracefully shuts down the application. Stored credentials are
// left in place so the next start can resume.
func (app *Application) Shutdown() error {
	app.logger.Info("shutting down sessiond...")

	if app.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), app.cfg.ShutdownGracePeriod)
		defer cancel()

		if err := app.server.Shutdown(ctx); err != nil {
			app.logger.Error("graceful server shutdown failed", "error", err)
			if err := app.server.Close(); err != nil {
				app.logger.Error("error closing server", "error", err)
			}
		}
	}

	_ = app.session.Close()
	app.closeStore()

	app.logger.Info("sessiond stopped")
	return nil
}

func (app *Application) closeStore() {
	for _, c := range app.closers {
		if err := c(); err != nil {
			app.logger.Error("error closing credential store", "error", err)
		}
	}
	app.closers = nil
}

func (app *Application) initSession() error {
	renewer, err := app.newRenewer()
	if err != nil {
		return err
	}

	s, err := session.New(app.store, session.Config{
		BaseURL:     app.cfg.BaseURL,
		RealtimeURL: app.cfg.RealtimeURL,
		Refresh: refresh.Config{
			MaxFailures: app.cfg.RefreshMaxFailures,
			Cooldown:    app.cfg.RefreshCooldown,
			Timeout:     app.cfg.RefreshTimeout,
		},
		Realtime: realtime.Config{
			CheckInterval:        app.cfg.CheckInterval,
			RenewThreshold:       app.cfg.RenewThreshold,
			BackoffBase:          app.cfg.BackoffBase,
			BackoffMax:           app.cfg.BackoffMax,
			Jitter:               time.Second,
			MaxReconnectAttempts: app.cfg.MaxReconnectAttempts,
		},
		RateLimit: app.cfg.RateLimit,
	},
		session.WithLogger(app.logger),
		session.WithMetrics(app.metrics),
		session.WithRenewer(renewer),
		session.WithMessageHandler(app.onMessage),
	)
	if err != nil {
		return fmt.Errorf("failed to initialize session: %w", err)
	}
	app.session = s
	return nil
}

// initHTTP builds the metrics server.
func (app *Application) initHTTP() {
	if app.cfg.MetricsPort <= 0 {
		return
	}
	app.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", app.cfg.MetricsPort),
		Handler:           app.routes(),
		ReadHeaderTimeout: 3 * time.Second,
	}
}

func (app *Application) routes() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", app.metrics.Handler())
	mux.Handle("GET /livez", httpx.LivezHandler(BuildVersion))
	mux.Handle("GET /readyz", httpx.ReadyzHandler(app.ready))
	return slogx.HTTPMiddleware(app.logger)(mux)
}

// ready reports whether the session currently holds credentials.
func (app *Application) ready(ctx context.Context) error {
	_, err := app.store.Get(ctx)
	return err
}
