package main

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"time"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"github.com/isdmx/sandboxkit/config"
	"github.com/isdmx/sandboxkit/logger"
	"github.com/isdmx/sandboxkit/mcpserver"
	"github.com/isdmx/sandboxkit/metrics"
	"github.com/isdmx/sandboxkit/sandbox"
)

const metricsReadHeaderTimeout = 5 * time.Second

func main() {
	app := fx.New(
		// Provide dependencies
		fx.Provide(
			// Config
			config.New,
			(*config.Config).ProviderConfig,

			// Logger with configuration
			logger.NewFromConfig,

			// Metrics registry
			metrics.New,

			// Sandbox provider based on config
			newProvider,

			// MCP Server
			mcpserver.New,
		),

		fx.Invoke(
			serveMetrics,
			serveTransport,
		),

		// Use the application logger for fx logs
		fx.WithLogger(func(log *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: log}
		}),
	)

	// Start the application
	app.Run()
}

// newProvider builds the configured backend, instruments it and closes it on shutdown
func newProvider(lc fx.Lifecycle, log *zap.Logger, cfg *sandbox.Config, m *metrics.Metrics) (sandbox.Provider, error) {
	provider, err := sandbox.NewProvider(log, cfg)
	if err != nil {
		return nil, err
	}
	instrumented := m.Instrument(provider, cfg.Backend)

	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			if closer, ok := instrumented.(io.Closer); ok {
				return closer.Close()
			}
			return nil
		},
	})
	return instrumented, nil
}

// serveTransport starts the appropriate transport based on config
func serveTransport(lc fx.Lifecycle, shutdowner fx.Shutdowner, cfg *config.Config, server *mcpserver.MCPServer, log *zap.Logger) {
	var serve func() error
	switch cfg.Server.Transport {
	case "stdio":
		serve = server.ServeStdio
	case "http":
		serve = server.ServeHTTP
	}

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				if err := serve(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Error("transport stopped", zap.String("transport", cfg.Server.Transport), zap.Error(err))
					_ = shutdowner.Shutdown(fx.ExitCode(1))
					return
				}
				// stdio returns once the client closes the stream
				_ = shutdowner.Shutdown()
			}()
			return nil
		},
		OnStop: server.Shutdown,
	})
}

// serveMetrics exposes the Prometheus registry when server.metrics_addr is set
func serveMetrics(lc fx.Lifecycle, cfg *config.Config, m *metrics.Metrics, log *zap.Logger) {
	if cfg.Server.MetricsAddr == "" {
		return
	}

	srv := &http.Server{
		Addr:              cfg.Server.MetricsAddr,
		Handler:           m.Handler(),
		ReadHeaderTimeout: metricsReadHeaderTimeout,
	}

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			ln, err := net.Listen("tcp", srv.Addr)
			if err != nil {
				return err
			}
			log.Info("serving metrics", zap.String("addr", ln.Addr().String()))
			go func() {
				if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Error("metrics server stopped", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: srv.Shutdown,
	})
}
