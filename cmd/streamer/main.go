// Command streamer runs the configured exchange streams and logs what they deliver.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/sourcegraph/conc"
	"go.uber.org/zap"

	"github.com/coachpo/meltica-streams/internal/infra/adapters"
	"github.com/coachpo/meltica-streams/internal/infra/config"
	"github.com/coachpo/meltica-streams/internal/infra/logging"
	"github.com/coachpo/meltica-streams/internal/infra/telemetry"
)

const (
	defaultConfigPath        = "config/streams.yaml"
	serviceVersion           = "0.1.0"
	shutdownTimeout          = 30 * time.Second
	streamsShutdownTimeout   = 15 * time.Second
	lifecycleShutdownTimeout = 10 * time.Second
	telemetryShutdownTimeout = 5 * time.Second
	statsInterval            = time.Minute
)

func main() {
	cfgPathFlag := parseFlags()
	ctx, cancel := newSignalContext()
	defer cancel()

	configPath := resolveConfigPath(cfgPathFlag)
	appCfg, loadedFromFile, err := config.LoadOrDefault(ctx, configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(appCfg.Logging.Level, appCfg.Logging.Development)
	if err != nil {
		fmt.Fprintf(os.Stderr, "build logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()
	logger = logger.Named("streamer")

	if !loadedFromFile {
		logger.Warn("configuration file not found, using defaults", zap.String("path", configPath))
	}
	logger.Info("configuration initialised",
		zap.String("env", string(appCfg.Environment)),
		zap.Int("streams", len(appCfg.Streams)))

	telemetryProvider, err := initTelemetry(ctx, logger, appCfg)
	if err != nil {
		logger.Fatal("initialize telemetry", zap.Error(err))
	}

	registry := adapters.NewRegistry()
	if err := adapters.RegisterDefaults(registry); err != nil {
		logger.Fatal("register exchanges", zap.Error(err))
	}
	logger.Info("exchanges registered", zap.Strings("exchanges", registry.Names()))

	var lifecycle conc.WaitGroup
	runners, err := startStreams(ctx, logger, registry, appCfg.Streams, &lifecycle)
	if err != nil {
		logger.Fatal("start streams", zap.Error(err))
	}
	if len(runners) == 0 {
		logger.Warn("no streams configured")
	}

	logger.Info("streamer started; awaiting shutdown signal")
	<-ctx.Done()
	logger.Info("shutdown signal received, initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	shutdownStart := time.Now()
	performGracefulShutdown(shutdownCtx, logger, gracefulShutdownConfig{
		runners:    runners,
		mainCancel: cancel,
		lifecycle:  &lifecycle,
		telemetry:  telemetryProvider,
	})
	logger.Info("shutdown completed", zap.Duration("elapsed", time.Since(shutdownStart)))
}

func parseFlags() string {
	cfgPath := flag.String("config", "", fmt.Sprintf("Path to streams configuration file (default: %s)", defaultConfigPath))
	flag.Parse()
	return *cfgPath
}

func newSignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func initTelemetry(ctx context.Context, logger *zap.Logger, appCfg config.AppConfig) (*telemetry.Provider, error) {
	provider, err := telemetry.NewProvider(ctx, appCfg.TelemetryProviderConfig(serviceVersion))
	if err != nil {
		return nil, fmt.Errorf("initialize telemetry provider: %w", err)
	}
	if provider.Enabled() {
		logger.Info("telemetry initialized",
			zap.String("endpoint", appCfg.Telemetry.OTLPEndpoint),
			zap.String("service", appCfg.Telemetry.ServiceName))
	} else {
		logger.Info("telemetry disabled")
	}
	return provider, nil
}

func startStreams(ctx context.Context, logger *zap.Logger, registry *adapters.Registry, streams []config.StreamConfig, lifecycle *conc.WaitGroup) ([]*runner, error) {
	runners := make([]*runner, 0, len(streams))
	for _, sc := range streams {
		r, err := newRunner(logger, registry, sc, nil)
		if err != nil {
			closeRunners(context.Background(), runners)
			return nil, err
		}
		if err := r.start(ctx); err != nil {
			closeRunners(context.Background(), runners)
			return nil, err
		}
		lifecycle.Go(func() { r.watch(ctx, statsInterval) })
		runners = append(runners, r)
	}
	return runners, nil
}

func closeRunners(ctx context.Context, runners []*runner) {
	for _, r := range runners {
		_ = r.close(ctx)
	}
}

type gracefulShutdownConfig struct {
	runners    []*runner
	mainCancel context.CancelFunc
	lifecycle  *conc.WaitGroup
	telemetry  *telemetry.Provider
}

func performGracefulShutdown(ctx context.Context, logger *zap.Logger, cfg gracefulShutdownConfig) {
	shutdownStep := func(name string, timeout time.Duration, fn func(context.Context) error) {
		stepCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		logger.Info("shutdown: " + name)
		if err := fn(stepCtx); err != nil {
			logger.Warn("shutdown step failed", zap.String("step", name), zap.Error(err))
		} else {
			logger.Info("shutdown step completed", zap.String("step", name))
		}
	}

	if len(cfg.runners) > 0 {
		shutdownStep("closing streams", streamsShutdownTimeout, func(stepCtx context.Context) error {
			var tasks conc.WaitGroup
			errs := make([]error, len(cfg.runners))
			for i, r := range cfg.runners {
				tasks.Go(func() { errs[i] = r.close(stepCtx) })
			}
			tasks.Wait()
			for _, err := range errs {
				if err != nil {
					return err
				}
			}
			return nil
		})
	}

	logger.Info("shutdown: cancelling main context")
	if cfg.mainCancel != nil {
		cfg.mainCancel()
	}

	if cfg.lifecycle != nil {
		shutdownStep("waiting for lifecycle goroutines", lifecycleShutdownTimeout, func(stepCtx context.Context) error {
			done := make(chan struct{})
			go func() {
				cfg.lifecycle.Wait()
				close(done)
			}()
			select {
			case <-done:
				return nil
			case <-stepCtx.Done():
				return fmt.Errorf("timeout waiting for goroutines: %w", stepCtx.Err())
			}
		})
	}

	if cfg.telemetry != nil {
		shutdownStep("shutting down telemetry", telemetryShutdownTimeout, func(stepCtx context.Context) error {
			return cfg.telemetry.Shutdown(stepCtx)
		})
	}
}

func resolveConfigPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	return filepath.Clean(defaultConfigPath)
}
