package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"paddleduel/broker/internal/config"
	brokergrpc "paddleduel/broker/internal/grpc"
	"paddleduel/broker/internal/logging"
)

const shutdownGrace = 10 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	logging.ReplaceGlobals(logger)
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("broker stopped with error", logging.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}
	logger.Info("broker stopped")
}

// run serves the WebSocket and HTTP surface, the gRPC outcome feed and the queue sweeper until ctx
// is cancelled or one of them fails, then drains everything within shutdownGrace.
func run(ctx context.Context, cfg *config.Config, logger *logging.Logger) error {
	broker, err := NewBroker(cfg, logger)
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              cfg.Address,
		Handler:           broker.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	httpListener, err := net.Listen("tcp", cfg.Address)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.Address, err)
	}

	var feed *brokergrpc.Server
	var feedListener net.Listener
	if cfg.GRPC.Address != "" {
		if err := brokergrpc.RegisterCompressors(); err != nil {
			return fmt.Errorf("register grpc compressors: %w", err)
		}
		opts, err := brokergrpc.SecurityOptions(cfg.GRPC, logger)
		if err != nil {
			return fmt.Errorf("grpc security: %w", err)
		}
		feed = brokergrpc.NewServer(brokergrpc.NewFeedService(broker.Events(), brokergrpc.WithFeedLogger(logger)), logger, opts...)
		feedListener, err = net.Listen("tcp", cfg.GRPC.Address)
		if err != nil {
			return fmt.Errorf("listen %s: %w", cfg.GRPC.Address, err)
		}
	}

	group, groupCtx := errgroup.WithContext(ctx)
	tlsEnabled := cfg.TLSCertPath != "" && cfg.TLSKeyPath != ""
	group.Go(func() error {
		urls := advertisedEndpoints(cfg.Address, tlsEnabled)
		logger.Info("pong broker listening", logging.String("http", urls.HTTP), logging.String("websocket", urls.WebSocket))
		var serveErr error
		if tlsEnabled {
			serveErr = httpServer.ServeTLS(httpListener, cfg.TLSCertPath, cfg.TLSKeyPath)
		} else {
			serveErr = httpServer.Serve(httpListener)
		}
		if errors.Is(serveErr, http.ErrServerClosed) {
			return nil
		}
		return serveErr
	})
	if feed != nil {
		group.Go(func() error {
			return feed.Serve(feedListener)
		})
	}
	group.Go(func() error {
		return broker.Run(groupCtx)
	})
	group.Go(func() error {
		<-groupCtx.Done()
		logger.Info("shutting down broker")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()

		//1.- End matches first so their final frames and outcome events still go out.
		brokerErr := broker.Shutdown(shutdownCtx)
		if feed != nil {
			feed.Shutdown(shutdownCtx)
		}
		return errors.Join(brokerErr, httpServer.Shutdown(shutdownCtx))
	})
	return group.Wait()
}
