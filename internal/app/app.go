// Package app wires the deckvoice subsystems into a running server.
//
// New builds the tool registry, the session controller and the HTTP control
// surface from already constructed providers. Run serves until the context
// is cancelled, and Shutdown tears everything down in order.
//
// Tests inject doubles through [Deps]; nothing in this package opens devices
// or network connections on its own.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/deckvoice/internal/assets"
	"github.com/MrWong99/deckvoice/internal/board"
	"github.com/MrWong99/deckvoice/internal/config"
	"github.com/MrWong99/deckvoice/internal/health"
	"github.com/MrWong99/deckvoice/internal/observe"
	"github.com/MrWong99/deckvoice/internal/session"
	"github.com/MrWong99/deckvoice/internal/tools"
	"github.com/MrWong99/deckvoice/internal/tools/builtin"
	"github.com/MrWong99/deckvoice/pkg/audio"
	"github.com/MrWong99/deckvoice/pkg/provider/live"
)

// shutdownGrace bounds the HTTP drain when Run's context ends.
const shutdownGrace = 10 * time.Second

// Deps holds the constructed collaborators. Devices, Live and Board are
// required.
type Deps struct {
	Devices audio.Devices
	Live    live.Provider
	Board   board.Store
	Assets  assets.Generator

	// Tools are offered to the model after the built-in tools, typically
	// those of connected MCP servers. Names must not collide.
	Tools []tools.Tool

	// Metrics records instruments. Default: [observe.DefaultMetrics].
	Metrics *observe.Metrics

	// MetricsHandler is mounted at /metrics when non-nil.
	MetricsHandler http.Handler

	// ReadyChecks are evaluated by /readyz in addition to the built-in ones.
	ReadyChecks []health.Checker
}

// Option is a functional option for New.
type Option func(*App)

// WithLogLevel lets the app apply log level changes from config reloads.
func WithLogLevel(lv *slog.LevelVar) Option {
	return func(a *App) { a.level = lv }
}

// WithCloser registers fn to run during Shutdown after the session stopped.
// Closers run in registration order.
func WithCloser(fn func() error) Option {
	return func(a *App) { a.closers = append(a.closers, fn) }
}

// App owns the session controller and the HTTP server.
type App struct {
	cfg     *config.Config
	deps    Deps
	level   *slog.LevelVar
	closers []func() error

	tools   *tools.Registry
	ctrl    *session.Controller
	handler http.Handler
	server  *http.Server

	stopOnce sync.Once
}

// New wires the tool registry, the session controller and the routes.
func New(cfg *config.Config, deps Deps, opts ...Option) (*App, error) {
	var errs []error
	if deps.Devices == nil {
		errs = append(errs, errors.New("audio devices are required"))
	}
	if deps.Live == nil {
		errs = append(errs, errors.New("live provider is required"))
	}
	if deps.Board == nil {
		errs = append(errs, errors.New("board store is required"))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}
	if deps.Assets == nil {
		deps.Assets = assets.StaticGenerator{}
	}
	if deps.Metrics == nil {
		deps.Metrics = observe.DefaultMetrics()
	}

	a := &App{cfg: cfg, deps: deps}
	for _, o := range opts {
		o(a)
	}

	a.tools = tools.NewRegistry(
		tools.WithMetrics(deps.Metrics),
		tools.WithTimeout(cfg.Tools.Timeout),
	)
	if err := a.tools.RegisterAll(builtin.Tools(deps.Board, deps.Assets)...); err != nil {
		return nil, fmt.Errorf("app: register tools: %w", err)
	}
	if err := a.tools.RegisterAll(deps.Tools...); err != nil {
		return nil, fmt.Errorf("app: register external tools: %w", err)
	}

	a.ctrl = session.New(session.Config{
		Devices:      deps.Devices,
		Provider:     deps.Live,
		ProviderName: cfg.Live.Provider,
		Tools:        a.tools,
		Session:      sessionConfig(cfg),
		InputFormat:  audio.Format{SampleRate: cfg.Audio.InputSampleRate, Channels: 1},
		OutputFormat: audio.Format{SampleRate: cfg.Audio.OutputSampleRate, Channels: cfg.Audio.OutputChannels},
	},
		session.WithMetrics(deps.Metrics),
		session.WithBlockSize(cfg.Audio.BlockSize),
		session.WithToolConcurrency(cfg.Tools.Concurrency),
		session.WithOnStop(func(reason error) {
			if reason != nil {
				slog.Warn("session ended", "reason", reason)
				return
			}
			slog.Info("session ended")
		}),
	)

	a.handler = observe.Middleware(deps.Metrics)(a.routes())
	a.server = &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return a, nil
}

// sessionConfig derives the stream template from cfg.
func sessionConfig(cfg *config.Config) live.SessionConfig {
	return live.SessionConfig{
		Model:        cfg.Live.Model,
		Instructions: cfg.Live.Instructions,
		Voice:        cfg.Live.Voice,
	}
}

// Handler returns the instrumented HTTP handler.
func (a *App) Handler() http.Handler { return a.handler }

// Controller returns the session controller.
func (a *App) Controller() *session.Controller { return a.ctrl }

// ApplyConfig applies the hot-reloadable parts of a config change. It matches
// [config.ChangeFunc].
func (a *App) ApplyConfig(_, next *config.Config, d config.ConfigDiff) {
	if d.LogLevelChanged && a.level != nil {
		a.level.Set(SlogLevel(d.NewLogLevel))
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.SessionChanged {
		a.ctrl.UpdateSession(sessionConfig(next))
		slog.Info("session settings updated; applied on next start")
	}
}

// SlogLevel maps a config level to its slog equivalent.
func SlogLevel(l config.LogLevel) slog.Level {
	switch l {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Run serves HTTP on ln (or on the configured address when ln is nil)
// together with any extra background tasks, until ctx is cancelled or one of
// them fails.
func (a *App) Run(ctx context.Context, ln net.Listener, tasks ...func(context.Context) error) error {
	if ln == nil {
		var err error
		if ln, err = net.Listen("tcp", a.server.Addr); err != nil {
			return fmt.Errorf("app: listen %q: %w", a.server.Addr, err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("http server listening", "addr", ln.Addr().String(), "tls", a.cfg.Server.TLS != nil)
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			err = a.server.ServeTLS(ln, tls.CertFile, tls.KeyFile)
		} else {
			err = a.server.Serve(ln)
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: serve: %w", err)
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), shutdownGrace)
		defer cancel()
		return a.server.Shutdown(shutdownCtx)
	})
	for _, t := range tasks {
		g.Go(func() error { return t(gctx) })
	}
	return g.Wait()
}

// Shutdown stops the active session and runs the registered closers. If ctx
// expires first the remaining closers are skipped.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))
		a.ctrl.Stop()

		for i, closer := range a.closers {
			if err := ctx.Err(); err != nil {
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = err
				return
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}
		slog.Info("shutdown complete")
	})
	return shutdownErr
}
