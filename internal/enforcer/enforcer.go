// Package enforcer carries expiry decisions from the ledger to the access
// gateway. Pending revocations are written to Redis before they are queued,
// so a crash between expiry and enforcement is repaired on the next start.
package enforcer

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/bottlescan/portal/internal/gateway"
)

// persistTimeout bounds the Redis write in Schedule, which runs on the tick
// path. The client must have ContextTimeoutEnabled for it to take effect.
const persistTimeout = time.Second

// ActiveFunc reports whether an identity has time left again.
type ActiveFunc func(identity string) bool

type Enforcer struct {
	rdb    *redis.Client
	gw     gateway.Gateway
	ch     chan Signal
	active ActiveFunc
	log    *zap.Logger

	persistTimeout time.Duration
}

func New(rdb *redis.Client, gw gateway.Gateway, queueSize int, active ActiveFunc, log *zap.Logger) *Enforcer {
	if queueSize <= 0 {
		queueSize = 100
	}
	if log == nil {
		log = zap.NewNop()
	}
	if active == nil {
		active = func(string) bool { return false }
	}
	return &Enforcer{
		rdb:    rdb,
		gw:     gw,
		ch:     make(chan Signal, queueSize),
		active: active,
		log:    log,

		persistTimeout: persistTimeout,
	}
}

// Schedule records a pending revocation and queues it. It never blocks: when
// the queue is full the signal waits in Redis for the next Recover pass.
func (e *Enforcer) Schedule(ctx context.Context, identity, reason string) error {
	// 1. Persist first (crash-safe), but never stall the caller on Redis
	pctx, cancel := context.WithTimeout(ctx, e.persistTimeout)
	err := e.rdb.Set(pctx, pendingKey(identity), reason, 0).Err()
	cancel()
	if err != nil {
		e.log.Error("enforcer: persist pending revoke", zap.String("identity", identity), zap.Error(err))
	}

	// 2. Notify the consumer
	e.enqueue(Signal{Identity: identity, Reason: reason})
	return err
}

// Recover re-queues every pending revocation found in Redis and returns how
// many were queued.
func (e *Enforcer) Recover(ctx context.Context) int {
	var (
		cursor uint64
		queued int
	)
	for {
		keys, next, err := e.rdb.Scan(ctx, cursor, pendingKeyPrefix+"*", 100).Result()
		if err != nil {
			e.log.Error("enforcer: scan pending revokes", zap.Error(err))
			return queued
		}
		for _, key := range keys {
			reason, err := e.rdb.Get(ctx, key).Result()
			if err != nil {
				reason = "recovered"
			}
			identity := key[len(pendingKeyPrefix):]
			if !e.enqueue(Signal{Identity: identity, Reason: reason}) {
				return queued
			}
			queued++
		}
		if next == 0 {
			break
		}
		cursor = next
	}
	if queued > 0 {
		e.log.Info("enforcer: recovered pending revokes", zap.Int("count", queued))
	}
	return queued
}

// Run consumes signals until ctx is done.
func (e *Enforcer) Run(ctx context.Context) {
	e.log.Info("enforcer started", zap.Int("queue", cap(e.ch)))
	for {
		select {
		case sig := <-e.ch:
			e.handle(ctx, sig)
		case <-ctx.Done():
			e.log.Info("enforcer stopped")
			return
		}
	}
}

func (e *Enforcer) handle(ctx context.Context, sig Signal) {
	defer e.rdb.Del(ctx, pendingKey(sig.Identity)) //nolint:errcheck

	if e.active(sig.Identity) {
		// Re-credited between expiry and now; blocking would cut off paid time.
		revokesApplied.WithLabelValues("skipped").Inc()
		e.log.Info("revoke skipped, identity has time again", zap.String("identity", sig.Identity))
		return
	}
	if err := e.gw.Revoke(ctx, sig.Identity); err != nil {
		// Gateways are idempotent; a failed revoke is reported, not retried here.
		revokesApplied.WithLabelValues("failed").Inc()
		e.log.Warn("revoke failed",
			zap.String("identity", sig.Identity),
			zap.String("reason", sig.Reason),
			zap.Error(err),
		)
		return
	}
	revokesApplied.WithLabelValues("applied").Inc()
	e.log.Info("access revoked",
		zap.String("identity", sig.Identity),
		zap.String("reason", sig.Reason),
	)
}

func (e *Enforcer) enqueue(sig Signal) bool {
	select {
	case e.ch <- sig:
		return true
	default:
		signalsDropped.Inc()
		e.log.Warn("revoke queue full, signal left in redis for recovery",
			zap.String("identity", sig.Identity),
		)
		return false
	}
}
