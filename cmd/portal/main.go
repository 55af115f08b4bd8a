package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/bottlescan/portal/internal/clock"
	"github.com/bottlescan/portal/internal/config"
)

func main() {
	log, _ := zap.NewProduction()
	defer log.Sync() //nolint:errcheck

	cfg, err := config.Load()
	if err != nil {
		log.Fatal("config load failed", zap.Error(err))
	}
	if len(cfg.Kiosk.Addresses) == 0 {
		log.Warn("no kiosk addresses configured, kiosk API will reject every request")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ── Redis ─────────────────────────────────────────────────────────────────
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		// Expiry persistence runs on the tick path with short deadlines.
		ContextTimeoutEnabled: true,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatal("redis ping failed", zap.Error(err))
	}

	// ── Access gateway ────────────────────────────────────────────────────────
	gw, closeGateway, err := newGateway(cfg.Gateway, log.Named("gateway"))
	if err != nil {
		log.Fatal("gateway init failed", zap.String("mode", cfg.Gateway.Mode), zap.Error(err))
	}
	defer closeGateway()

	a, err := build(cfg, rdb, gw, clock.NewSystem(), log)
	if err != nil {
		log.Fatal("portal init failed", zap.Error(err))
	}

	// ── Goroutines ────────────────────────────────────────────────────────────
	// Recovery runs before the consumer so revokes left by a crash go first.
	a.enforcer.Recover(ctx)
	go a.enforcer.Run(ctx)
	if err := a.scheduler.Start(ctx); err != nil {
		log.Fatal("scheduler start failed", zap.Error(err))
	}

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: a.router,
	}

	go func() {
		log.Info("HTTP server starting",
			zap.Int("port", cfg.Server.Port),
			zap.String("gateway", cfg.Gateway.Mode),
			zap.Bool("evict_on_expiry", cfg.Ledger.EvictOnExpiry),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("HTTP server error", zap.Error(err))
		}
	}()

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGTERM, syscall.SIGINT)
	<-quit

	log.Info("shutting down...")
	a.scheduler.Stop()
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}
	log.Info("shutdown complete")
}
