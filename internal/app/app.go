// Package app is the shared process bootstrap for the fleet: config, the
// structured logger, the Redis connection, the stream bus, the HTTP server
// with the standard middleware chain, the pending/DLQ sampler, and signal
// handling. Every cmd/ binary is a thin wrapper over Main.
package app

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"tradefleet/internal/config"
	"tradefleet/internal/kv"
	"tradefleet/internal/logging"
	"tradefleet/internal/metrics"
	"tradefleet/internal/stream"
	"tradefleet/internal/web"
)

// Deps is everything a service constructor needs from the process.
type Deps struct {
	Cfg        *config.Config
	Logger     *slog.Logger
	Metrics    *metrics.Registry
	RDB        *redis.Client
	Bus        *stream.Bus
	AdminToken string
}

// IdempTTL returns the fleet-wide idempotency window as a duration.
func (d Deps) IdempTTL() time.Duration {
	return time.Duration(d.Cfg.Stream.IdempTTLSeconds) * time.Second
}

// Runtime is a service's contribution to the process. A nil Consume means
// the process serves HTTP only; Close, when set, runs during shutdown.
type Runtime struct {
	Routes  func(mux *http.ServeMux)
	Consume func(ctx context.Context) error
	Close   func()
}

// Setup builds a Runtime from the process dependencies.
type Setup func(ctx context.Context, d Deps) (Runtime, error)

// Main runs one fleet member until SIGINT/SIGTERM. Fatal startup errors
// exit the process; a consumer loop failing after startup triggers the
// same graceful shutdown a signal would.
func Main(service string, groups []stream.GroupRef, setup Setup) {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.Logging, service)
	m := metrics.New(service)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rdb, err := kv.Open(ctx, cfg.Redis.URL, logger)
	if err != nil {
		logger.Error("redis unavailable", "error", err)
		os.Exit(1)
	}
	defer rdb.Close()

	adminToken, err := cfg.Admin.Token()
	if err != nil {
		logger.Error("admin token unreadable", "error", err)
		os.Exit(1)
	}

	bus := stream.NewRedis(rdb, logger, m)

	rt, err := setup(ctx, Deps{
		Cfg:        cfg,
		Logger:     logger,
		Metrics:    m,
		RDB:        rdb,
		Bus:        bus,
		AdminToken: adminToken,
	})
	if err != nil {
		logger.Error("service setup failed", "error", err)
		os.Exit(1)
	}

	mux := http.NewServeMux()
	rt.Routes(mux)
	srv := web.NewServer(cfg.Service.Port, web.Chain(mux, web.Trace(), web.Logging(logger, m)), logger)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := srv.Start(); err != nil {
			logger.Error("http server failed", "error", err)
			stop()
		}
	}()

	if rt.Consume != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := rt.Consume(ctx); err != nil && ctx.Err() == nil {
				logger.Error("consumer loop failed", "error", err)
				stop()
			}
		}()
	}

	if len(groups) > 0 {
		sampler := stream.NewSampler(bus, m, logger, groups)
		wg.Add(1)
		go func() {
			defer wg.Done()
			sampler.Run(ctx)
		}()
	}

	logger.Info("service started", "port", cfg.Service.Port, "comm_mode", cfg.Service.CommMode)

	<-ctx.Done()
	logger.Info("shutting down")

	if err := srv.Stop(); err != nil {
		logger.Error("http server stop failed", "error", err)
	}
	if rt.Close != nil {
		rt.Close()
	}
	wg.Wait()
	logger.Info("service stopped")
}
