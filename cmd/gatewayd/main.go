// gatewayd runs on the router and exposes its firewall as the AccessGateway
// gRPC service the portal calls in "grpc" gateway mode.
package main

import (
	"context"
	"errors"
	"net"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"google.golang.org/grpc"

	"github.com/bottlescan/portal/internal/gateway"
)

func main() {
	app := cli.App{
		Name:  "gatewayd",
		Usage: "serve the router firewall as a gRPC access gateway",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "listen",
				Value:   ":7443",
				Usage:   "gRPC listen address",
				EnvVars: []string{"GATEWAYD_LISTEN"},
			},
			&cli.StringFlag{
				Name:    "mode",
				Value:   "iptables",
				Usage:   "iptables, or log to only record calls",
				EnvVars: []string{"GATEWAYD_MODE"},
			},
			&cli.StringFlag{
				Name:    "table",
				Value:   "filter",
				EnvVars: []string{"IPTABLES_TABLE"},
			},
			&cli.StringFlag{
				Name:    "chain",
				Value:   "FORWARD",
				EnvVars: []string{"IPTABLES_CHAIN"},
			},
			&cli.BoolFlag{
				Name:    "flush",
				Usage:   "clear the chain before serving",
				EnvVars: []string{"IPTABLES_FLUSH_ON_START"},
			},
		},
		Action: run,
	}
	app.RunAndExitOnError()
}

func run(cctx *cli.Context) error {
	log, _ := zap.NewProduction()
	defer log.Sync() //nolint:errcheck

	gw, err := newGateway(cctx, log)
	if err != nil {
		return err
	}

	lis, err := net.Listen("tcp", cctx.String("listen"))
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cctx.Context, syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	log.Info("gatewayd starting", zap.String("addr", lis.Addr().String()), zap.String("mode", cctx.String("mode")))
	return serve(ctx, lis, gw, log)
}

func newGateway(cctx *cli.Context, log *zap.Logger) (gateway.Gateway, error) {
	switch cctx.String("mode") {
	case "log":
		return gateway.NewLog(log), nil
	case "iptables":
		fw, err := gateway.NewFirewall(cctx.String("table"), cctx.String("chain"), log)
		if err != nil {
			return nil, err
		}
		if cctx.Bool("flush") {
			if err := fw.Flush(); err != nil {
				return nil, err
			}
		}
		return fw, nil
	default:
		return nil, errors.New("mode must be iptables or log")
	}
}

// serve blocks until ctx is done, then drains in-flight calls.
func serve(ctx context.Context, lis net.Listener, gw gateway.Gateway, log *zap.Logger) error {
	srv := grpc.NewServer()
	gateway.RegisterAccessServer(srv, gw)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(lis) }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		log.Info("shutting down...")
		srv.GracefulStop()
		<-errCh
		return nil
	}
}
