// Package main provides the desktop invoice sync daemon.
// Desktop clients communicate via REST/WebSocket on localhost:8090.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echoMiddleware "github.com/labstack/echo/v4/middleware"
	"golang.org/x/sync/errgroup"

	"github.com/kimhsiao/invoicesync/cmd/desktop/handlers"
	"github.com/kimhsiao/invoicesync/internal/app"
	"github.com/kimhsiao/invoicesync/internal/config"
	"github.com/kimhsiao/invoicesync/internal/logging"
)

const shutdownTimeout = 10 * time.Second

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Getenv(config.EnvPrefix+"CONFIG")); err != nil {
		logging.Error("desktop daemon stopped", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logging.Init(os.Stderr, logging.ParseLevel(cfg.LogLevel))

	hub := NewWSHub()
	a, err := app.New(ctx, cfg, app.Options{Notifier: hub, RuntimeMetrics: true})
	if err != nil {
		return err
	}
	defer a.Close()
	a.Orchestrator.SetEventHandler(hub)

	e := newServer(a, hub)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return hub.Run(gctx)
	})
	g.Go(func() error {
		return a.Run(gctx)
	})
	g.Go(func() error {
		logging.Info("desktop server listening", map[string]interface{}{"addr": cfg.Desktop.Addr})
		if err := e.Start(cfg.Desktop.Addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return e.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// newServer registers the REST, metrics and WebSocket routes.
func newServer(a *app.App, hub *WSHub) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(echoMiddleware.Recover())
	e.Use(requestLogger())

	api := e.Group("/api")
	handlers.NewSyncHandler(a.Scheduler, a.Orchestrator, a.Monitor, app.Version).Register(api)
	handlers.NewInvoiceHandler(a, a.Store, a.Orchestrator).Register(api)

	e.GET("/metrics", echo.WrapHandler(a.Metrics.Handler()))
	e.GET("/ws", HandleWebSocket(hub))
	return e
}

func requestLogger() echo.MiddlewareFunc {
	return echoMiddleware.RequestLoggerWithConfig(echoMiddleware.RequestLoggerConfig{
		LogMethod:  true,
		LogURI:     true,
		LogStatus:  true,
		LogLatency: true,
		LogError:   true,
		LogValuesFunc: func(c echo.Context, v echoMiddleware.RequestLoggerValues) error {
			fields := map[string]interface{}{
				"method":     v.Method,
				"uri":        v.URI,
				"status":     v.Status,
				"latency_ms": v.Latency.Milliseconds(),
			}
			if v.Error != nil {
				fields["error"] = v.Error.Error()
				logging.Warn("request failed", fields)
				return nil
			}
			logging.Debug("request", fields)
			return nil
		},
	})
}
