package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"qrpc/message"
	"qrpc/middleware"
	"qrpc/registry"
	"qrpc/server"
)

const shutdownTimeout = 5 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the demo handlers (echo, stream, sleep, notify)",
	RunE: func(cmd *cobra.Command, args []string) error {
		svr := server.NewServer(
			server.WithLogger(logger),
			server.WithSliceSize(cfg.Dispatch.SliceSize),
		)
		svr.Use(middleware.LoggingMiddleware(logger))
		if cfg.Dispatch.RateLimit > 0 {
			svr.Use(middleware.RateLimitMiddleware(cfg.Dispatch.RateLimit, cfg.Dispatch.Burst))
		}
		if cfg.Dispatch.Timeout > 0 {
			svr.Use(middleware.TimeOutMiddleware(cfg.Dispatch.Timeout))
		}
		if err := addDemoHandlers(svr); err != nil {
			return err
		}
		svr.Advertise(cfg.Service)

		var reg registry.Registry
		if len(cfg.Etcd) > 0 {
			etcd, err := registry.NewEtcdRegistry(cfg.Etcd, registry.WithLogger(logger))
			if err != nil {
				return err
			}
			defer etcd.Close()
			reg = etcd
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		errc := make(chan error, 1)
		go func() { errc <- svr.Serve("tcp", cfg.Listen, cfg.AdvertiseAddr(), reg) }()
		logger.Info("serving", zap.String("addr", cfg.Listen), zap.String("op", cfg.Service))

		select {
		case err := <-errc:
			return err
		case <-ctx.Done():
		}
		logger.Info("shutting down")
		if err := svr.Shutdown(shutdownTimeout); err != nil {
			return err
		}
		return <-errc
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func addDemoHandlers(svr *server.Server) error {
	// echo returns its payload.
	if err := svr.AddHandler("echo", func(ctx context.Context, req *message.Frame, res middleware.ResponseWriter, done middleware.Done) {
		done(nil, req.Value())
	}); err != nil {
		return err
	}

	// stream writes 0..n-1 as separate replies, then ends.
	if err := svr.AddHandler("stream", func(ctx context.Context, req *message.Frame, res middleware.ResponseWriter, done middleware.Done) {
		n, ok := req.Value().(float64)
		if !ok || n < 0 {
			done(fmt.Errorf("stream: expect a non-negative count, got %v", req.Value()))
			return
		}
		for i := 0; i < int(n); i++ {
			if err := res.Write(i); err != nil {
				done(err)
				return
			}
		}
		res.End()
	}); err != nil {
		return err
	}

	// sleep answers after the given number of milliseconds.
	if err := svr.AddHandler("sleep", func(ctx context.Context, req *message.Frame, res middleware.ResponseWriter, done middleware.Done) {
		ms, _ := req.Value().(float64)
		time.AfterFunc(time.Duration(ms)*time.Millisecond, func() {
			done(nil, ms)
		})
	}); err != nil {
		return err
	}

	// notify is fire-and-forget.
	return svr.AddNoReplyHandler("notify", func(ctx context.Context, req *message.Frame, res middleware.ResponseWriter, done middleware.Done) {
		logger.Info("notify", zap.Any("payload", req.Value()))
	})
}
