package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/throw-if-null/drafthouse/internal/command"
	"github.com/throw-if-null/drafthouse/internal/config"
	"github.com/throw-if-null/drafthouse/internal/depcache"
	"github.com/throw-if-null/drafthouse/internal/events"
	"github.com/throw-if-null/drafthouse/internal/gen"
	"github.com/throw-if-null/drafthouse/internal/logging"
	"github.com/throw-if-null/drafthouse/internal/paths"
	"github.com/throw-if-null/drafthouse/internal/pipeline"
	"github.com/throw-if-null/drafthouse/internal/ports"
	"github.com/throw-if-null/drafthouse/internal/preview"
	"github.com/throw-if-null/drafthouse/internal/server"
	"github.com/throw-if-null/drafthouse/internal/store"
	"github.com/throw-if-null/drafthouse/internal/supervisor"
	"github.com/throw-if-null/drafthouse/internal/sweeper"
	"github.com/throw-if-null/drafthouse/internal/task"
	"github.com/throw-if-null/drafthouse/internal/telemetry"
	"github.com/throw-if-null/drafthouse/internal/version"
)

// Overridden in tests.
var (
	dotenvLoad      = godotenv.Load
	telemetryInit   = telemetry.Init
	commandRunner   command.Runner
	processLauncher supervisor.Launcher
)

func main() {
	log := logging.For("draftd")
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root, err := os.Getwd()
	if err != nil {
		log.Error("resolve working directory", "error", err)
		os.Exit(1)
	}
	cfg := loadConfig(root)

	handler, shutdown, err := setup(ctx, root, cfg)
	if err != nil {
		log.Error("setup failed", "error", err)
		os.Exit(1)
	}

	// event streams run until their request context ends
	baseCtx, cancelBase := context.WithCancel(context.Background())
	defer cancelBase()
	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return baseCtx },
	}
	srv.RegisterOnShutdown(cancelBase)
	errc := make(chan error, 1)
	go func() {
		log.Info("listening", "version", version.Version, "commit", version.Commit, "addr", "http://"+cfg.Server.Addr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			log.Error("server failed", "error", err)
		}
	}

	sctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout())
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		log.Warn("http shutdown", "error", err)
		_ = srv.Close()
	}
	if err := shutdown(sctx); err != nil {
		log.Warn("shutdown", "error", err)
	}
}

// loadConfig layers .env, config.toml and the environment over defaults. A
// broken config file is reported and ignored.
func loadConfig(root string) config.Config {
	log := logging.For("config")
	_ = dotenvLoad()
	res := config.Load(root)
	if res.ParseError != nil {
		log.Warn("config ignored, using defaults", "path", res.Path, "error", res.ParseError)
	} else if res.Found {
		log.Info("config loaded", "path", res.Path)
	}
	return config.ApplyEnv(res.Config, os.LookupEnv)
}

func resolve(root, p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(root, p)
}

// setup wires every component rooted at root and reconciles work left by a
// previous run. The returned shutdown drains background tasks, stops preview
// processes and flushes telemetry.
func setup(ctx context.Context, root string, cfg config.Config) (http.Handler, func(context.Context) error, error) {
	log := logging.For("draftd")

	shutdownTelemetry := telemetry.Noop()
	if cfg.Telemetry.Enabled {
		fn, err := telemetryInit(ctx, telemetry.Config{
			ServiceName:    cfg.Telemetry.ServiceName,
			ServiceVersion: version.Version,
			OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
		})
		if err != nil {
			log.Warn("telemetry disabled", "error", err)
		} else {
			shutdownTelemetry = fn
		}
	}

	st, err := store.Open(resolve(root, cfg.Store.Path), cfg.Store.BusyTimeout())
	if err != nil {
		return nil, nil, fmt.Errorf("open store: %w", err)
	}

	wsRoot := resolve(root, cfg.Workspace.Root)
	if err := os.MkdirAll(wsRoot, 0o755); err != nil {
		_ = st.Close()
		return nil, nil, fmt.Errorf("create workspace root: %w", err)
	}
	cacheDir, err := paths.CacheDir(wsRoot, cfg.Cache.Dir)
	if err != nil {
		_ = st.Close()
		return nil, nil, err
	}

	runner := commandRunner
	if runner == nil {
		runner = command.Exec{}
	}

	var generator gen.Generator = gen.Offline{}
	if cfg.Generation.APIKey != "" {
		generator = gen.NewOpenAI(gen.OpenAIConfig{
			APIKey:      cfg.Generation.APIKey,
			BaseURL:     cfg.Generation.BaseURL,
			Model:       cfg.Generation.Model,
			Temperature: cfg.Generation.Temperature,
			Timeout:     cfg.Generation.Timeout(),
		})
	} else {
		log.Warn("GENERATION_API_KEY not set, using the offline generator")
	}

	registry := ports.NewRegistry(ports.Allocator{Base: cfg.Ports.Base, Span: cfg.Ports.Span})
	serving := preview.NewServingSet()
	hub := events.NewHub()
	tasks := task.NewRunner()

	var orch *pipeline.Orchestrator
	sup := supervisor.New(supervisor.Options{
		RunCommand:     cfg.Process.RunCommand,
		ReapCommand:    cfg.Process.ReapCommand,
		LogBufferBytes: cfg.Process.LogBufferBytes,
		StopGrace:      cfg.Process.StopGrace(),
		Launcher:       processLauncher,
		Runner:         runner,
		OnExit: func(p *supervisor.Process, es supervisor.ExitStatus) {
			orch.HandleExit(p, es)
		},
	})
	sw := &sweeper.Sweeper{
		Root:    wsRoot,
		MaxAge:  cfg.Workspace.MaxAge(),
		Keep:    cfg.Workspace.Keep,
		Grace:   cfg.Workspace.Grace(),
		Exclude: []string{filepath.Base(cacheDir)},
		OnEvict: func(id string) {
			sup.Forget(id)
			registry.Forget(id)
			serving.Unmark(id)
		},
	}
	orch = pipeline.New(pipeline.Options{
		Store:         st,
		Generator:     generator,
		Cache:         depcache.New(cacheDir, cfg.Cache.InstallCommand, cfg.Cache.InstallTimeout(), runner),
		Processes:     sup,
		Sweeper:       sw,
		Ports:         registry,
		Tasks:         tasks,
		Hub:           hub,
		Serving:       serving,
		WorkspaceRoot: wsRoot,
	})
	if err := orch.Reconcile(ctx); err != nil {
		_ = st.Close()
		return nil, nil, fmt.Errorf("reconcile: %w", err)
	}

	proxy := &preview.Proxy{
		Store:          st,
		Host:           cfg.Preview.Host,
		WorkspaceRoot:  wsRoot,
		Attempts:       cfg.Preview.Attempts,
		BaseDelay:      cfg.Preview.BaseDelay(),
		MaxDelay:       cfg.Preview.MaxDelay(),
		AttemptTimeout: cfg.Preview.AttemptTimeout(),
		Serving:        serving,
	}
	stream := &events.Stream{Source: st, Hub: hub, Interval: cfg.Server.EventsPollInterval()}

	handler := server.New(server.Options{
		Pipeline:      orch,
		Store:         st,
		Logs:          sup,
		Preview:       proxy,
		Events:        server.ProjectHandlerFunc(stream.Serve),
		CleanupSecret: cfg.Server.CleanupSecret,
	})

	shutdown := func(ctx context.Context) error {
		var errs []error
		if err := tasks.Wait(ctx); err != nil {
			errs = append(errs, fmt.Errorf("drain tasks: %w", err))
		}
		if err := sup.StopAll(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop processes: %w", err))
		}
		if err := st.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close store: %w", err))
		}
		if err := shutdownTelemetry(ctx); err != nil {
			errs = append(errs, fmt.Errorf("telemetry: %w", err))
		}
		return errors.Join(errs...)
	}
	return handler, shutdown, nil
}
