package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/alecthomas/kong"
	"github.com/dustin/go-humanize"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"

	"openai-proxy-go/internal/config"
	"openai-proxy-go/internal/handler"
	"openai-proxy-go/internal/logging"
	"openai-proxy-go/internal/metrics"
	"openai-proxy-go/internal/middleware"
	"openai-proxy-go/internal/service"
	"openai-proxy-go/internal/upstream"
)

// Set by goreleaser ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	var cli config.CLI
	kong.Parse(&cli,
		kong.Name("openai-proxy"),
		kong.Description("Logging reverse proxy for the OpenAI API."),
		kong.Vars{"version": fmt.Sprintf("%s (%s, %s)", version, commit, date)},
	)

	fx.New(
		fx.Provide(
			func() *config.CLI { return &cli },
			config.Load,
			newLogger,
			newMetrics,
			newMiddleware,
			newEcho,
			upstream.NewClient,
			upstream.NewForwarder,
			service.NewProxyService,
			handler.NewProxyHandler,
		),
		fx.WithLogger(func(logger *slog.Logger) fxevent.Logger {
			return &fxevent.SlogLogger{Logger: logger.With("component", "fx")}
		}),
		fx.Invoke(handler.RegisterRoutes, warnConfigPermissions, startServer),
	).Run()
}

// newLogger builds the process-wide logger once. A bad filter expression is
// not fatal: the default filter applies and the problem is logged.
func newLogger(cfg *config.Config) *slog.Logger {
	logger, err := logging.New(os.Stdout, cfg.Log.Format, cfg.Log.Filter)
	if err != nil {
		logger.Warn("invalid log filter, using default",
			"filter", cfg.Log.Filter,
			"default", logging.DefaultFilter,
			"err", err,
		)
	}
	slog.SetDefault(logger)
	return logger
}

func newMetrics(cfg *config.Config) *metrics.Metrics {
	return metrics.New(cfg.Server.RoutePrefix, cfg.Metrics.Path)
}

// newMiddleware builds the global middleware chain. Echo installs it with
// Use; requests with unrouted methods reuse it through handler.AnyMethod.
func newMiddleware(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) middleware.Chain {
	chain := middleware.Chain{
		echomw.Recover(),
		echomw.RequestID(),
		middleware.RequestLogger(logger),
		middleware.MetricsMiddleware(m),
	}
	if cfg.Server.BodyMaxBytes > 0 {
		chain = append(chain, echomw.BodyLimit(fmt.Sprintf("%dB", cfg.Server.BodyMaxBytes)))
	}
	return append(chain, middleware.StripHopByHop())
}

func newEcho(cfg *config.Config, logger *slog.Logger, chain middleware.Chain) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Server.ReadTimeout = 30 * time.Second
	// Completions can take minutes; the upstream client timeout bounds them.
	e.Server.WriteTimeout = 0
	e.Server.IdleTimeout = 120 * time.Second
	e.Server.ReadHeaderTimeout = 10 * time.Second

	e.Use(chain...)

	logger.Info("limits",
		"request_body", humanize.IBytes(uint64(cfg.Server.BodyMaxBytes)),
		"response_body", humanize.IBytes(uint64(cfg.Upstream.MaxResponseBytes)),
		"timeout_seconds", cfg.Upstream.TimeoutSeconds,
	)

	return e
}

func warnConfigPermissions(cfg *config.Config, logger *slog.Logger) {
	cfg.WarnPermissions(logger)
}

func startServer(lc fx.Lifecycle, e *echo.Echo, cfg *config.Config, f *upstream.Forwarder, logger *slog.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			addr := cfg.Server.Addr()
			ln, err := net.Listen("tcp", addr)
			if err != nil {
				return fmt.Errorf("bind %s: %w", addr, err)
			}
			logger.Info("starting server",
				"addr", addr,
				"prefix", cfg.Server.RoutePrefix,
				"upstream", cfg.Upstream.BaseURL,
				"version", version,
			)
			if cfg.Metrics.Enabled {
				logger.Info("metrics enabled", "path", cfg.Metrics.Path)
			}
			go func() {
				if err := e.Server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error("server error", "err", err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			logger.Info("shutting down server")
			err := e.Shutdown(ctx)
			upstream.CloseIdleConnections(f.Client())
			return err
		},
	})
}
