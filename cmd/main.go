package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/kong/adb-failover-client/pkg/config"
	"github.com/kong/adb-failover-client/pkg/dispatch"
	"github.com/kong/adb-failover-client/pkg/endpoint"
	"github.com/kong/adb-failover-client/pkg/metrics"
	"github.com/kong/adb-failover-client/pkg/registry"
	"go.uber.org/zap"
)

type appContext struct {
	Registry   *registry.Registry
	Dispatcher *dispatch.Dispatcher
	Logger     *zap.Logger
	LogLevel   zap.AtomicLevel
}

const shutdownTimeout = 10 * time.Second

func main() {
	cfg, err := config.LoadConfig(os.Getenv("ADB_CONFIG"))
	if err != nil {
		log.Fatal(err)
	}
	logger, level, err := setupLogging(cfg.LogLevel)
	if err != nil {
		log.Fatal(err)
	}
	defer logger.Sync() //nolint:errcheck

	if cfg.StatsdAddress != "" {
		if err := metrics.Init(cfg.StatsdAddress); err != nil {
			logger.Warn("metrics disabled", zap.Error(err))
		}
		defer metrics.Close() //nolint:errcheck
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg, err := openRegistry(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("registry construction failed", zap.Error(err))
	}
	defer reg.Close()

	ac := &appContext{
		Registry:   reg,
		Dispatcher: dispatch.New(reg, logger),
		Logger:     logger,
		LogLevel:   level,
	}
	srv := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           ac.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(sctx); err != nil {
			logger.Warn("http shutdown", zap.Error(err))
		}
	}()

	ac.Logger.Info("Application is running", zap.String("address", cfg.ListenAddress),
		zap.Int("endpoints", reg.Len()))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("http server stopped", zap.Error(err))
	}
}

// openRegistry builds the registry, retrying while endpoints are unreachable.
// Configuration errors are not retried.
func openRegistry(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*registry.Registry, error) {
	specs, err := cfg.Specs()
	if err != nil {
		return nil, err
	}
	eb := backoff.NewExponentialBackOff()
	b := backoff.WithContext(backoff.WithMaxRetries(eb, cfg.StartupRetries), ctx)

	var reg *registry.Registry
	err = backoff.RetryNotify(func() error {
		r, err := registry.New(ctx, specs, logger,
			registry.WithPoolConfig(cfg.PoolConfig()),
			registry.WithMetricsEmitter(metrics.PoolEmitter))
		if err != nil {
			if errors.Is(err, endpoint.ErrConfigInvalid) {
				return backoff.Permanent(err)
			}
			return err
		}
		reg = r
		return nil
	}, b, func(err error, wait time.Duration) {
		logger.Warn("registry construction failed, retrying", zap.Duration("retryIn", wait), zap.Error(err))
	})
	return reg, err
}
