// Command duplexrpcd hosts the demo RPC methods over WebSocket (and optionally
// framed TCP), serves static files to plain HTTP requests, and can announce
// itself in etcd.
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

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"duplex-rpc/discovery"
	"duplex-rpc/middleware"
	"duplex-rpc/peer"
	"duplex-rpc/server"
)

func main() {
	cfg, err := loadConfig(os.Args[1:], os.Getenv, os.Stderr)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger, err := newLogger(cfg.LogLevel, cfg.Development)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("exiting", zap.Error(err))
		os.Exit(1)
	}
}

func newLogger(level string, development bool) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}
	zc := zap.NewProductionConfig()
	if development {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(lvl)
	return zc.Build()
}

// newServer builds the RPC host with the demo methods and the configured
// middleware chain.
func newServer(cfg *Config, logger *zap.Logger) (*server.Server, error) {
	conns := peer.NewConnSet()
	methods, err := buildMethods(conns)
	if err != nil {
		return nil, err
	}

	opts := []server.Option{
		server.WithLogger(logger),
		server.WithConnSet(conns),
	}
	if staticDirExists(cfg.StaticDir) {
		opts = append(opts, server.WithFallback(staticHandler(cfg.StaticDir)))
	} else if cfg.StaticDir != "" {
		logger.Warn("static directory not found, plain HTTP requests get 404", zap.String("dir", cfg.StaticDir))
	}
	svr := server.New(methods, opts...)

	svr.Use(middleware.Recover(logger))
	svr.Use(middleware.Logging(logger.Named("rpc")))
	if cfg.RateLimit > 0 {
		svr.Use(middleware.RateLimit(cfg.RateLimit, cfg.RateBurst))
	}
	if cfg.RequestTimeout > 0 {
		svr.Use(middleware.Timeout(cfg.RequestTimeout))
	}
	logger.Info("methods registered", zap.Strings("methods", methods.Names()))
	return svr, nil
}

func run(ctx context.Context, cfg *Config, logger *zap.Logger) error {
	svr, err := newServer(cfg, logger)
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)

	var httpSrv *http.Server
	if cfg.HTTPAddr != "" {
		l, err := net.Listen("tcp", cfg.HTTPAddr)
		if err != nil {
			return err
		}
		httpSrv = &http.Server{Handler: svr, ReadHeaderTimeout: 10 * time.Second}
		logger.Info("serving http", zap.Stringer("addr", l.Addr()))
		g.Go(func() error {
			if err := httpSrv.Serve(l); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}

	if cfg.StreamAddr != "" {
		l, err := net.Listen("tcp", cfg.StreamAddr)
		if err != nil {
			return err
		}
		g.Go(func() error { return svr.Serve(l) })
	}

	if len(cfg.EtcdEndpoints) > 0 {
		reg, err := discovery.NewEtcdRegistry(cfg.EtcdEndpoints, logger)
		if err != nil {
			return err
		}
		defer reg.Close()
		regCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err = svr.Register(regCtx, reg, cfg.Service, discovery.Instance{Addr: cfg.Advertise, Weight: 1}, cfg.TTL)
		cancel()
		if err != nil {
			return err
		}
	}

	g.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		var errs error
		if httpSrv != nil {
			errs = multierr.Append(errs, httpSrv.Shutdown(shutdownCtx))
		}
		return multierr.Append(errs, svr.Shutdown(shutdownCtx))
	})

	return g.Wait()
}
