package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/praxio/localcore/internal/adapter/metrics"
	"github.com/praxio/localcore/internal/adapter/remote"
	"github.com/praxio/localcore/internal/adapter/repository/sessioncache"
	"github.com/praxio/localcore/internal/adapter/repository/sqlstore"
	"github.com/praxio/localcore/internal/domain"
	"github.com/praxio/localcore/internal/pkg/config"
	"github.com/praxio/localcore/internal/pkg/logger"
	"github.com/praxio/localcore/internal/usecase"

	_ "github.com/lib/pq"  // postgres driver for clinic hub deployments
	_ "modernc.org/sqlite" // sqlite driver for device deployments
)

const retentionSweepInterval = time.Hour

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := logger.New(cfg.LogLevel)
	slog.SetDefault(logger)

	m := metrics.NewCoreMetrics()

	// --- Graceful Shutdown Context ---
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Durable Store ---
	store, err := sqlstore.Open(cfg.StoreDriver, cfg.StoreDSN, logger)
	if err != nil {
		logger.Error("failed to open local store", "driver", cfg.StoreDriver, "error", err)
		os.Exit(1)
	}
	defer store.Close()

	// --- Fast Session Tier ---
	var fastCache domain.FastSessionCache = sessioncache.NewMemory()
	if cfg.RedisAddr != "" {
		redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			logger.Warn("could not connect to redis, using in-memory session tier", "error", err)
		} else {
			logger.Info("connected to redis session tier", "addr", cfg.RedisAddr)
			fastCache = sessioncache.NewRedis(redisClient, logger)
		}
	}

	// --- Remote Gateway ---
	client := remote.New(cfg.RemoteBaseURL, cfg.RemoteTimeout, logger)

	// --- Lifecycle Controller ---
	ctrl := usecase.NewController(
		usecase.ControllerConfig{
			UserID:          cfg.UserID,
			SessionCacheTTL: cfg.SessionCacheTTL,
			PermissionTTL:   cfg.PermissionTTL,
			Queue: usecase.QueueConfig{
				MaxRetries:  cfg.MaxRetries,
				BackoffBase: cfg.RetryBackoffBase,
				Retention:   cfg.RetentionWindow,
				RatePerSec:  cfg.DrainRatePerSec,
			},
		},
		usecase.ControllerDeps{
			Entities:  store,
			Ops:       store,
			Sessions:  store,
			FastCache: fastCache,
			Gateway:   client,
			Identity:  client,
			Metrics:   m,
		},
		logger,
	)

	scope := domain.TenantScope{TenantID: cfg.TenantID, PracticeID: cfg.PracticeID}
	if err := ctrl.Initialize(ctx, scope); err != nil {
		logger.Error("failed to initialize local core", "scope", scope.String(), "error", err)
		os.Exit(1)
	}

	// --- Admin and Metrics Server ---
	adminMux := http.NewServeMux()
	adminMux.Handle("/metrics", promhttp.Handler())
	adminMux.HandleFunc("/status", statusHandler(ctrl))

	adminServer := &http.Server{
		Addr:    cfg.AdminAddr,
		Handler: adminMux,
	}

	go func() {
		logger.Info("starting admin & metrics server", "addr", adminServer.Addr)
		if err := adminServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("admin & metrics server failed", "error", err)
		}
	}()

	// --- Drain and Retention Loops ---
	drainTicker := time.NewTicker(cfg.DrainInterval)
	defer drainTicker.Stop()
	sweepTicker := time.NewTicker(retentionSweepInterval)
	defer sweepTicker.Stop()

	logger.Info("syncd started", "scope", scope.String(), "drain_interval", cfg.DrainInterval)

Loop:
	for {
		select {
		case <-drainTicker.C:
			if queue := ctrl.Queue(); queue != nil {
				if err := queue.Drain(ctx); err != nil {
					logger.Error("drain failed", "error", err)
				}
			}
		case <-sweepTicker.C:
			if queue := ctrl.Queue(); queue != nil {
				if _, err := queue.ClearCompleted(ctx); err != nil {
					logger.Error("retention sweep failed", "error", err)
				}
			}
		case <-ctx.Done():
			logger.Info("shutdown signal received")
			break Loop
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := adminServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("admin server shutdown failed", "error", err)
	}

	logger.Info("syncd shut down gracefully")
}

// statusHandler exposes a small JSON snapshot of the queue for operators.
func statusHandler(ctrl *usecase.Controller) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := struct {
			Ready      bool   `json:"ready"`
			Online     bool   `json:"online"`
			Scope      string `json:"scope"`
			Pending    int    `json:"pending_operations"`
			Failed     int    `json:"failed_operations"`
			Conflicted int    `json:"conflicted_operations"`
		}{
			Ready:  ctrl.Ready(),
			Online: ctrl.Online(),
			Scope:  ctrl.Scope().String(),
		}
		if queue := ctrl.Queue(); queue != nil {
			if ops, err := queue.PendingOperations(r.Context()); err == nil {
				status.Pending = len(ops)
			}
			if ops, err := queue.FailedOperations(r.Context()); err == nil {
				status.Failed = len(ops)
			}
			if ops, err := queue.ConflictedOperations(r.Context()); err == nil {
				status.Conflicted = len(ops)
			}
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(status); err != nil {
			http.Error(w, "failed to encode status", http.StatusInternalServerError)
		}
	}
}
