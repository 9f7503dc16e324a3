// Command deckvoice runs a voice-driven presentation assistant: it streams
// microphone audio to a live speech model, plays the synthesised replies and
// lets the model edit the slide deck through tools.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/MrWong99/deckvoice/internal/app"
	"github.com/MrWong99/deckvoice/internal/assets"
	"github.com/MrWong99/deckvoice/internal/board"
	"github.com/MrWong99/deckvoice/internal/config"
	"github.com/MrWong99/deckvoice/internal/observe"
	"github.com/MrWong99/deckvoice/internal/resilience"
	"github.com/MrWong99/deckvoice/internal/tools"
	"github.com/MrWong99/deckvoice/internal/tools/mcptools"
	"github.com/MrWong99/deckvoice/pkg/provider/live"
	"github.com/MrWong99/deckvoice/pkg/provider/live/gemini"
	"github.com/MrWong99/deckvoice/pkg/provider/live/openai"
)

// version is overridden at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	envFile := flag.String("env-file", ".env", "optional dotenv file with credentials")
	audioBackend := flag.String("audio", "portaudio", "audio device backend")
	watch := flag.Bool("watch", true, "reload the configuration file when it changes")
	flag.Parse()

	// Variables already set in the environment win over the file.
	if err := godotenv.Load(*envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "deckvoice: load %s: %v\n", *envFile, err)
		return 1
	}

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "deckvoice: config file %q not found; copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "deckvoice: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	var level slog.LevelVar
	level.Set(app.SlogLevel(cfg.Server.LogLevel))
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: &level})))

	slog.Info("deckvoice starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"live_provider", cfg.Live.Provider,
	)

	// Credentials are checked before any device or connection is touched.
	creds, err := config.ResolveCredentials(cfg, os.Getenv)
	if err != nil {
		slog.Error("missing configuration", "err", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	tel, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tel.Shutdown(shutdownCtx); err != nil {
			slog.Warn("telemetry shutdown", "err", err)
		}
	}()
	metrics, err := observe.NewMetrics(tel.MeterProvider)
	if err != nil {
		slog.Error("failed to create metrics", "err", err)
		return 1
	}

	// ── Providers ─────────────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	provider, err := reg.CreateLive(cfg.Live, creds.Live)
	if err != nil {
		slog.Error("failed to create live provider", "err", err)
		return 1
	}
	gen, err := buildGenerator(cfg.Assets, creds.Assets, reg)
	if err != nil {
		slog.Error("failed to create image generator", "err", err)
		return 1
	}
	devices, err := reg.CreateAudio(*audioBackend, cfg.Audio)
	if err != nil {
		slog.Error("failed to open audio backend", "backend", *audioBackend, "err", err)
		return 1
	}

	// ── Board store ───────────────────────────────────────────────────────────
	var (
		store   board.Store = board.NewMemStore()
		closers []app.Option
	)
	if c, ok := devices.(interface{ Close() error }); ok {
		closers = append(closers, app.WithCloser(c.Close))
	}
	if dsn := cfg.Board.PostgresDSN; dsn != "" {
		var opts []board.PostgresOption
		if cfg.Board.BoardID != "" {
			opts = append(opts, board.WithBoardID(cfg.Board.BoardID))
		}
		pg, err := board.Connect(ctx, dsn, opts...)
		if err != nil {
			slog.Error("failed to connect board store", "err", err)
			return 1
		}
		store = pg
		closers = append(closers, app.WithCloser(func() error { pg.Close(); return nil }))
		slog.Info("board store connected", "backend", "postgres")
	}

	// ── MCP servers ───────────────────────────────────────────────────────────
	var extraTools []tools.Tool
	if len(cfg.MCP.Servers) > 0 {
		src := mcptools.New(version)
		for _, srv := range cfg.MCP.Servers {
			ts, err := src.Connect(ctx, srv.ServerConfig())
			if err != nil {
				slog.Error("failed to register MCP server", "name", srv.Name, "err", err)
				_ = src.Close()
				return 1
			}
			extraTools = append(extraTools, ts...)
			slog.Info("registered MCP server", "name", srv.Name, "transport", srv.Transport, "tools", len(ts))
		}
		closers = append(closers, app.WithCloser(src.Close))
	}

	application, err := app.New(cfg, app.Deps{
		Devices:        devices,
		Live:           provider,
		Board:          store,
		Assets:         gen,
		Tools:          extraTools,
		Metrics:        metrics,
		MetricsHandler: tel.MetricsHandler,
	}, append(closers, app.WithLogLevel(&level))...)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	var tasks []func(context.Context) error
	if *watch {
		w, err := config.NewWatcher(*configPath, application.ApplyConfig)
		if err != nil {
			slog.Error("failed to watch configuration", "err", err)
			return 1
		}
		tasks = append(tasks, w.Run)
	}

	slog.Info("server ready; press Ctrl+C to shut down")
	runErr := application.Run(ctx, nil, tasks...)

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	if runErr != nil {
		slog.Error("run error", "err", runErr)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// buildGenerator creates the configured image generator, wrapped in a
// failover group when a fallback is configured.
func buildGenerator(cfg config.AssetsConfig, apiKey string, reg *config.Registry) (assets.Generator, error) {
	primary, err := reg.CreateAssets(cfg, apiKey)
	if err != nil {
		return nil, err
	}
	if cfg.Fallback == "" {
		return primary, nil
	}
	fbCfg := config.AssetsConfig{Provider: cfg.Fallback, Size: cfg.Size}
	fallback, err := reg.CreateAssets(fbCfg, apiKey)
	if err != nil {
		return nil, fmt.Errorf("assets fallback: %w", err)
	}
	slog.Info("image generator failover enabled", "primary", cfg.Provider, "fallback", cfg.Fallback)
	return resilience.NewGenerator(resilience.BreakerConfig{}, cfg.Provider, primary).
		AddFallback(cfg.Fallback, fallback), nil
}

// registerBuiltinProviders wires the provider factories that ship with
// deckvoice into reg.
func registerBuiltinProviders(reg *config.Registry) {
	reg.RegisterLive("gemini", func(cfg config.LiveConfig, apiKey string) (live.Provider, error) {
		opts := []gemini.Option{}
		if cfg.Model != "" {
			opts = append(opts, gemini.WithModel(cfg.Model))
		}
		if cfg.BaseURL != "" {
			opts = append(opts, gemini.WithBaseURL(cfg.BaseURL))
		}
		if cfg.OutboxCapacity > 0 {
			opts = append(opts, gemini.WithOutboxCapacity(cfg.OutboxCapacity))
		}
		return gemini.New(apiKey, opts...), nil
	})

	reg.RegisterLive("openai", func(cfg config.LiveConfig, apiKey string) (live.Provider, error) {
		opts := []openai.Option{}
		if cfg.Model != "" {
			opts = append(opts, openai.WithModel(cfg.Model))
		}
		if cfg.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
		}
		if cfg.OutboxCapacity > 0 {
			opts = append(opts, openai.WithOutboxCapacity(cfg.OutboxCapacity))
		}
		return openai.New(apiKey, opts...), nil
	})

	reg.RegisterAssets("static", func(cfg config.AssetsConfig, _ string) (assets.Generator, error) {
		return assets.StaticGenerator{BaseURL: cfg.BaseURL}, nil
	})

	reg.RegisterAssets("openai", func(cfg config.AssetsConfig, apiKey string) (assets.Generator, error) {
		var opts []assets.OpenAIOption
		if cfg.BaseURL != "" {
			opts = append(opts, assets.WithBaseURL(cfg.BaseURL))
		}
		if cfg.Size != "" {
			opts = append(opts, assets.WithSize(cfg.Size))
		}
		return assets.NewOpenAIGenerator(apiKey, cfg.Model, opts...)
	})

	registerAudioBackends(reg)
}
