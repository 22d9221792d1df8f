package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/titaniumlabs/streamgate/pkg/gateway"
	"github.com/titaniumlabs/streamgate/pkg/infrastructure/config"
	"github.com/titaniumlabs/streamgate/pkg/infrastructure/logging"
	"github.com/titaniumlabs/streamgate/pkg/registry"
	"github.com/titaniumlabs/streamgate/pkg/streamer"
	"github.com/titaniumlabs/streamgate/pkg/upstream"
)

const shutdownGrace = 30 * time.Second

func main() {
	var configFile = flag.String("config", "", "Path to configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log := newLogger(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reg, err := newRegistry(ctx, cfg, log)
	if err != nil {
		log.Error("failed to initialize link registry", map[string]interface{}{"error": err.Error()})
		os.Exit(1)
	}
	defer reg.Close()

	store, err := upstream.NewClient(upstream.ClientConfig{
		BaseURL:     cfg.Upstream.APIBaseURL,
		AccessToken: cfg.Upstream.AccessToken,
		Timeout:     time.Duration(cfg.Upstream.TimeoutSeconds) * time.Second,
		PoolSize:    cfg.Upstream.PoolSize,
	}, log)
	if err != nil {
		log.Error("failed to initialize upstream client", map[string]interface{}{"error": err.Error()})
		os.Exit(1)
	}

	str, err := streamer.New(store, streamingParams(cfg), log)
	if err != nil {
		log.Error("failed to initialize streamer", map[string]interface{}{"error": err.Error()})
		os.Exit(1)
	}

	server, err := gateway.NewServer(cfg, reg, store, str, log)
	if err != nil {
		log.Error("failed to initialize gateway", map[string]interface{}{"error": err.Error()})
		os.Exit(1)
	}

	if *configFile != "" {
		startConfigWatcher(ctx, *configFile, str, log)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start(ctx)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info("shutting down", map[string]interface{}{"signal": sig.String()})
	case err := <-errCh:
		if err != nil {
			log.Error("server failed", map[string]interface{}{"error": err.Error()})
			os.Exit(1)
		}
		return
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn("shutdown did not complete cleanly", map[string]interface{}{"error": err.Error()})
	}
}

func newLogger(cfg *config.Config) *logging.Logger {
	level, err := logging.ParseLogLevel(cfg.Logging.Level)
	if err != nil {
		level = logging.InfoLevel
	}
	format, err := logging.ParseLogFormat(cfg.Logging.Format)
	if err != nil {
		format = logging.TextFormat
	}
	return logging.NewLogger(&logging.Config{
		Level:  level,
		Format: format,
		Output: os.Stdout,
	})
}

func newRegistry(ctx context.Context, cfg *config.Config, log *logging.Logger) (registry.Registry, error) {
	sweep := time.Duration(cfg.Registry.SweepIntervalSeconds) * time.Second
	switch cfg.Registry.Backend {
	case "postgres":
		return registry.NewPostgresRegistry(ctx, &registry.PostgresConfig{
			ConnectionString: cfg.Registry.DatabaseURL,
			MigrationsPath:   cfg.Registry.MigrationsPath,
			SweepInterval:    sweep,
		}, log)
	default:
		return registry.NewMemoryRegistry(sweep, log), nil
	}
}

func streamingParams(cfg *config.Config) streamer.Params {
	params := streamer.DefaultParams()
	params.BlockSize = int64(cfg.Streaming.BlockSize)
	params.MaxWorkers = cfg.Streaming.MaxWorkers
	params.BatchBlocks = cfg.Streaming.BatchBlocks
	params.BufferBlocks = cfg.Streaming.BufferBlocks
	params.MaxRetries = cfg.Streaming.MaxRetries
	return params
}

// startConfigWatcher hot-applies the reloadable subset of the config: the
// streaming tuning parameters and the log level. Everything else requires a
// restart.
func startConfigWatcher(ctx context.Context, configFile string, str *streamer.Streamer, log *logging.Logger) {
	watcher, err := config.NewWatcher(configFile,
		func(next *config.Config) {
			if err := str.SetParams(streamingParams(next)); err != nil {
				log.Warn("rejected reloaded streaming params", map[string]interface{}{"error": err.Error()})
			} else {
				log.Info("streaming params reloaded", map[string]interface{}{
					"max_workers":   next.Streaming.MaxWorkers,
					"batch_blocks":  next.Streaming.BatchBlocks,
					"buffer_blocks": next.Streaming.BufferBlocks,
				})
			}
			if level, err := logging.ParseLogLevel(next.Logging.Level); err == nil {
				log.SetLevel(level)
			}
		},
		func(err error) {
			log.Warn("config reload failed", map[string]interface{}{"error": err.Error()})
		})
	if err != nil {
		log.Warn("config watcher unavailable", map[string]interface{}{"error": err.Error()})
		return
	}
	go watcher.Run(ctx)
}
