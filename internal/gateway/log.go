package gateway

import (
	"context"

	"go.uber.org/zap"
)

// Log only records decisions. Used when the portal runs without a router,
// e.g. in development.
type Log struct {
	log *zap.Logger
}

func NewLog(log *zap.Logger) *Log {
	return &Log{log: log}
}

func (g *Log) Grant(_ context.Context, identity string) error {
	g.log.Info("access granted", zap.String("identity", identity))
	return nil
}

func (g *Log) Revoke(_ context.Context, identity string) error {
	g.log.Info("access revoked", zap.String("identity", identity))
	return nil
}
