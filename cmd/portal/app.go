package main

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/bottlescan/portal/internal/api"
	"github.com/bottlescan/portal/internal/auth"
	"github.com/bottlescan/portal/internal/clock"
	"github.com/bottlescan/portal/internal/config"
	"github.com/bottlescan/portal/internal/enforcer"
	"github.com/bottlescan/portal/internal/gateway"
	"github.com/bottlescan/portal/internal/ledger"
	"github.com/bottlescan/portal/internal/portal"
	"github.com/bottlescan/portal/internal/scheduler"
	"github.com/bottlescan/portal/internal/voucher"
)

// app is the wired service, minus the listeners.
type app struct {
	router    *gin.Engine
	scheduler *scheduler.Scheduler
	enforcer  *enforcer.Enforcer
	portal    *portal.Service
}

// newGateway picks the access gateway for cfg.Gateway.Mode. The returned
// closer releases any connection it holds.
func newGateway(cfg config.GatewayConfig, log *zap.Logger) (gateway.Gateway, func(), error) {
	noop := func() {}
	switch cfg.Mode {
	case config.GatewayIPTables:
		fw, err := gateway.NewFirewall(cfg.IPTablesTable, cfg.IPTablesChain, log)
		if err != nil {
			return nil, noop, err
		}
		if cfg.FlushOnStart {
			if err := fw.Flush(); err != nil {
				return nil, noop, err
			}
		}
		return fw, noop, nil
	case config.GatewayHTTP:
		return gateway.NewHTTPClient(cfg.APIURL, cfg.AdminKey, cfg.Timeout()), noop, nil
	case config.GatewayGRPC:
		c, err := gateway.DialGRPC(cfg.GRPCTarget, cfg.Timeout())
		if err != nil {
			return nil, noop, err
		}
		return c, func() { c.Close() }, nil //nolint:errcheck
	case config.GatewayLog, "":
		return gateway.NewLog(log), noop, nil
	default:
		return nil, noop, fmt.Errorf("unknown gateway mode %q", cfg.Mode)
	}
}

func build(cfg *config.Config, rdb *redis.Client, gw gateway.Gateway, clk clock.Clock, log *zap.Logger) (*app, error) {
	// ── Stores ────────────────────────────────────────────────────────────────
	vouchers, err := voucher.NewStore[string](voucher.Options{
		CodeLength:  cfg.Voucher.CodeLength,
		MaxAttempts: cfg.Voucher.MaxIssueAttempts,
		TTL:         cfg.Voucher.TTL(),
		Clock:       clk,
	})
	if err != nil {
		return nil, fmt.Errorf("voucher store: %w", err)
	}

	// The enforcer asks the ledger whether an identity was re-credited, and
	// the ledger hands expiries to the enforcer.
	var balances *ledger.Ledger[string]
	enf := enforcer.New(rdb, gw, cfg.Enforcer.QueueSize, func(id string) bool {
		return balances.Get(id) > 0
	}, log.Named("enforcer"))
	balances = ledger.New(ledger.Options[string]{
		EvictOnExpiry: cfg.Ledger.EvictOnExpiry,
		MaxBalance:    cfg.Ledger.MaxBalanceSec,
		OnExpire:      portal.ExpireNotifier(enf),
		OnGrant:       gw.Grant,
	}, log.Named("ledger"))

	opts := portal.Options{
		SecondsPerBottle: cfg.Earn.SecondsPerBottle,
		MaxBottles:       cfg.Earn.MaxBottlesPerEvent,
		AutoClaim:        cfg.Earn.AutoClaim,
	}
	if cfg.Gateway.DenyUnpaid {
		opts.DenyUnpaid = enf
	}
	svc := portal.New(opts, vouchers, balances, log.Named("portal"))

	// ── Scheduler (1 Hz) ──────────────────────────────────────────────────────
	sched := scheduler.New(clk, 0, log.Named("scheduler"),
		svc.Tasks(cfg.Voucher.PurgeIntervalSec, cfg.Enforcer.RecoverIntervalSec, enf)...)

	// ── HTTP ──────────────────────────────────────────────────────────────────
	r := gin.New()
	r.Use(gin.Recovery())
	if err := r.SetTrustedProxies(cfg.Server.TrustedProxies); err != nil {
		return nil, fmt.Errorf("trusted proxies: %w", err)
	}
	h := api.NewHandler(svc, log.Named("api"))
	r.GET("/healthz", h.Health)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	})
	h.Register(r.Group("/api"), auth.Middleware(rdb, cfg.Kiosk.Addresses, log.Named("auth")))

	return &app{router: r, scheduler: sched, enforcer: enf, portal: svc}, nil
}
