package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"github.com/isdmx/runmeter/archive"
	"github.com/isdmx/runmeter/config"
	"github.com/isdmx/runmeter/httpapi"
	"github.com/isdmx/runmeter/logger"
	"github.com/isdmx/runmeter/mcpserver"
	"github.com/isdmx/runmeter/metrics"
	"github.com/isdmx/runmeter/sandbox"
)

func main() {
	app := fx.New(
		// Provide dependencies
		fx.Provide(
			// Config
			config.New,

			// Logger with configuration
			logger.NewFromConfig,

			// Prometheus registry, also the executor's Recorder
			metrics.New,

			// Language profiles and the container runtime
			sandbox.NewRegistryFromConfig,
			sandbox.NewRuntime,

			// Optional source archive
			newArchiver,

			// Executor based on config
			newExecutor,

			// Transports
			newRESTServer,
			mcpserver.New,
		),

		// Start the appropriate transport based on config
		fx.Invoke(registerLifecycle),

		// Use the application logger for fx logs
		fx.WithLogger(func(log *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: log}
		}),
	)

	// Start the application
	app.Run()
}

// newArchiver returns a nil Archiver when archiving is disabled.
func newArchiver(lc fx.Lifecycle, cfg *config.Config, log *zap.Logger) (sandbox.Archiver, error) {
	if !cfg.Archive.Enabled {
		return nil, nil
	}
	a, err := archive.New(log, cfg.Archive)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.StopHook(a.Close))
	log.Info("archiving executed source", zap.String("dir", a.Dir()), zap.Bool("compress", cfg.Archive.Compress))
	return a, nil
}

func newExecutor(cfg *config.Config, log *zap.Logger, registry *sandbox.Registry, rt *sandbox.DockerRuntime, m *metrics.Metrics, archiver sandbox.Archiver) (sandbox.Executor, error) {
	opts := []sandbox.ExecutorOption{sandbox.WithRecorder(m)}
	if archiver != nil {
		opts = append(opts, sandbox.WithArchiver(archiver))
	}
	return sandbox.NewExecutor(log, cfg, registry, rt, opts...)
}

func newRESTServer(cfg *config.Config, log *zap.Logger, executor sandbox.Executor, registry *sandbox.Registry, rt *sandbox.DockerRuntime, m *metrics.Metrics) *httpapi.Server {
	return httpapi.New(cfg, log, executor, registry, rt, m)
}

type lifecycleParams struct {
	fx.In

	Lifecycle  fx.Lifecycle
	Shutdowner fx.Shutdowner
	Config     *config.Config
	Logger     *zap.Logger
	Runtime    *sandbox.DockerRuntime
	Registry   *sandbox.Registry
	REST       *httpapi.Server
	MCP        *mcpserver.MCPServer
}

func registerLifecycle(p lifecycleParams) {
	log := p.Logger
	cfg := p.Config

	p.Lifecycle.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			log.Info("configuration loaded",
				zap.String("server.transport", cfg.Server.Transport),
				zap.Int("server.http_port", cfg.Server.HTTPPort),
				zap.String("sandbox.backend", cfg.Sandbox.Backend),
				zap.Int("sandbox.timeout_sec", cfg.Sandbox.TimeoutSec),
				zap.Int("sandbox.memory_mb", cfg.Sandbox.MemoryMB),
				zap.Int64("sandbox.pids_limit", cfg.Sandbox.PidsLimit),
				zap.Bool("sandbox.network_enabled", cfg.Sandbox.NetworkEnabled),
				zap.Int("sandbox.max_concurrent", cfg.Sandbox.MaxConcurrent),
				zap.Strings("languages", p.Registry.Languages()),
			)

			if err := p.Runtime.Ping(ctx); err != nil {
				return fmt.Errorf("container runtime unreachable: %w", err)
			}
			if n, err := p.Runtime.ReapOrphans(ctx); err != nil {
				log.Warn("failed to reap orphaned containers", zap.Error(err))
			} else if n > 0 {
				log.Info("removed orphaned containers", zap.Int("count", n))
			}

			if cfg.Sandbox.PullImages {
				// pulls can outlast the start timeout
				go pullImages(p.Runtime, p.Registry.Images(), log)
			}

			serve(p)
			return nil
		},
		OnStop: func(ctx context.Context) error {
			var err error
			switch cfg.Server.Transport {
			case "rest":
				err = p.REST.Shutdown(ctx)
			case "http":
				err = p.MCP.Shutdown(ctx)
			}
			return errors.Join(err, p.Runtime.Close())
		},
	})
}

func serve(p lifecycleParams) {
	log := p.Logger
	stop := func(err error) {
		if err != nil {
			log.Error("transport stopped", zap.Error(err))
			_ = p.Shutdowner.Shutdown(fx.ExitCode(1))
			return
		}
		_ = p.Shutdowner.Shutdown()
	}

	switch p.Config.Server.Transport {
	case "rest":
		go func() {
			if err := p.REST.Listen(); err != nil {
				stop(err)
			}
		}()
	case "stdio":
		// stdin closing ends the session and the process
		go func() {
			stop(p.MCP.ServeStdio())
		}()
	case "http":
		go func() {
			if err := p.MCP.ServeHTTP(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				stop(err)
			}
		}()
	}
}

func pullImages(rt sandbox.Runtime, images []string, log *zap.Logger) {
	if err := sandbox.EnsureImages(context.Background(), rt, images); err != nil {
		log.Warn("language image not available", zap.Error(err))
		return
	}
	log.Info("language images ready", zap.Strings("images", images))
}
