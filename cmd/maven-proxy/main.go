package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/alecthomas/kong"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"

	"maven-proxy-go/internal/client"
	"maven-proxy-go/internal/config"
	"maven-proxy-go/internal/handler"
	"maven-proxy-go/internal/metrics"
	"maven-proxy-go/internal/middleware"
	"maven-proxy-go/internal/service"
)

// Set by goreleaser ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// shutdownTimeout bounds how long in-flight downloads may run after a stop signal.
const shutdownTimeout = 2 * time.Minute

func main() {
	var cli config.CLI
	kong.Parse(&cli,
		kong.Name("maven-proxy"),
		kong.Description("Read-only Maven repository proxy that races every configured backend."),
		kong.Vars{"version": fmt.Sprintf("%s (%s, %s)", version, commit, date)},
	)

	fx.New(appOptions(&cli)).Run()
}

// appOptions builds the dependency graph for one proxy process.
func appOptions(cli *config.CLI) fx.Option {
	return fx.Options(
		fx.WithLogger(func(logger *slog.Logger) fxevent.Logger {
			return &fxevent.SlogLogger{Logger: logger.With("component", "fx")}
		}),
		fx.StopTimeout(shutdownTimeout),
		fx.Provide(
			func() *config.CLI { return cli },
			func() handler.Version { return handler.Version(version) },
			config.Load,
			newLogger,
			metrics.New,
			newEcho,
			fx.Annotate(client.NewBackendClient, fx.As(new(service.Doer))),
			service.NewDispatcher,
			handler.NewInfoHandler,
			handler.NewProxyHandler,
		),
		fx.Invoke(handler.RegisterRoutes, reportConfig, startServer),
	)
}

func newLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}

	var h slog.Handler
	switch strings.ToLower(cfg.Log.Format) {
	case "text":
		h = slog.NewTextHandler(os.Stdout, opts)
	default:
		h = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(h)
}

func newEcho(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Server.ReadTimeout = 30 * time.Second
	// Artifact downloads are streamed for as long as the backend sends data.
	e.Server.WriteTimeout = 0
	e.Server.IdleTimeout = 120 * time.Second
	e.Server.ReadHeaderTimeout = 10 * time.Second

	e.Use(echomw.Recover())
	e.Use(echomw.RequestIDWithConfig(echomw.RequestIDConfig{
		Generator: uuid.NewString,
	}))
	e.Use(middleware.MetricsMiddleware(m, cfg.Metrics.Path))
	e.Use(middleware.RequestLogger(logger))
	e.Use(middleware.SecurityHeaders())

	if cfg.Server.RateLimit.Enabled {
		e.Use(middleware.RateLimit(cfg.Server.RateLimit))
		logger.Info("rate limiter enabled", "rps", cfg.Server.RateLimit.RequestsPerSecond)
	}

	return e
}

func reportConfig(cfg *config.Config, d *service.Dispatcher, logger *slog.Logger) {
	if cfg.Created() {
		logger.Info("created default config", "path", cfg.FilePath())
	}
	cfg.WarnPermissions(logger)

	backends := make([]string, 0, len(d.Backends()))
	for _, b := range d.Backends() {
		backends = append(backends, b.Redacted())
	}
	if len(backends) == 0 {
		logger.Warn("no repositories configured; every artifact request will be answered 404")
	}
	logger.Info("loaded config",
		"path", cfg.FilePath(),
		"repositories", backends,
		"timeout", cfg.Upstream.Timeout.String(),
		"unexpected_status", cfg.Upstream.UnexpectedStatus,
	)
}

func startServer(lc fx.Lifecycle, e *echo.Echo, cfg *config.Config, logger *slog.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			addr := cfg.Server.Addr()
			ln, err := net.Listen("tcp", addr)
			if err != nil {
				return fmt.Errorf("bind %s: %w", addr, err)
			}
			logger.Info("starting server", "addr", addr, "version", version)
			go func() {
				if err := e.Server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error("server error", "err", err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			logger.Info("shutting down server")
			return e.Shutdown(ctx)
		},
	})
}
