package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/alecthomas/kong"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"go.uber.org/fx"

	"link-proxy-go/internal/access"
	"link-proxy-go/internal/cache"
	"link-proxy-go/internal/client"
	"link-proxy-go/internal/config"
	"link-proxy-go/internal/handler"
	"link-proxy-go/internal/headers"
	"link-proxy-go/internal/metrics"
	"link-proxy-go/internal/middleware"
	"link-proxy-go/internal/rewrite"
	"link-proxy-go/internal/service"
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
		kong.Name("link-proxy"),
		kong.Description("Forwarding proxy that keeps browsing inside the proxy: /https://example.com/page"),
		kong.Vars{"version": fmt.Sprintf("%s (%s, %s)", version, commit, date)},
	)

	fx.New(
		fx.Provide(
			func() *config.CLI { return &cli },
			func() handler.Version { return handler.Version(version) },
			config.Load,
			newLogger,
			newMetrics,
			newEcho,
			newRuleSet,
			newWhitelist,
			newGate,
			newRewriter,
			newProxyHandler,
			client.NewUpstreamClient,
			cache.NewImages,
			service.NewProxyService,
			handler.NewHealthHandler,
		),
		fx.Invoke(handler.RegisterRoutes, warnConfigPermissions, startServer),
	).Run()
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

// newMetrics returns nil when metrics are disabled; every consumer accepts nil.
func newMetrics(cfg *config.Config) *metrics.Metrics {
	if !cfg.Metrics.Enabled {
		return nil
	}
	return metrics.New()
}

func newRuleSet(cfg *config.Config) (headers.RuleSet, error) {
	return headers.BuildRuleSet(cfg.HeaderRules, cfg.HeaderRulesFile)
}

func newWhitelist(cfg *config.Config, logger *slog.Logger) *access.Whitelist {
	wl := access.NewWhitelist(cfg.Proxy.AllowedDomains)
	if wl.Open() {
		logger.Warn("no allowed_domains configured; running as an open proxy")
	}
	return wl
}

func newGate(cfg *config.Config) *access.Gate {
	return access.NewGate(cfg.Auth.Password)
}

func newRewriter(cfg *config.Config) (*rewrite.Rewriter, error) {
	return rewrite.New(cfg.Proxy.PublicURL)
}

func newProxyHandler(svc *service.ProxyService, rw *rewrite.Rewriter, cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *handler.ProxyHandler {
	return handler.NewProxyHandler(svc, rw, cfg.Proxy.DisableRewrite, logger, m)
}

func newEcho(cfg *config.Config, gate *access.Gate, logger *slog.Logger, m *metrics.Metrics) (*echo.Echo, error) {
	trusted, err := cfg.Server.TrustedProxyNets()
	if err != nil {
		return nil, err
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = handler.NewHTTPErrorHandler(logger)
	e.IPExtractor = middleware.IPExtractor(trusted)

	// Inbound timeouts to mitigate slow-client attacks.
	e.Server.ReadTimeout = 30 * time.Second
	// WriteTimeout is disabled (0) to avoid cutting off valid long-running streamed
	// responses. Protection is provided by the upstream client timeout, ReadTimeout,
	// and IdleTimeout.
	e.Server.WriteTimeout = 0
	e.Server.IdleTimeout = 120 * time.Second
	e.Server.ReadHeaderTimeout = 10 * time.Second

	e.Use(echomw.Recover())
	e.Use(echomw.RequestID())
	e.Use(middleware.CORS(cfg.Proxy.TrustedOrigin))
	e.Use(middleware.RequestLogger(logger))
	if m != nil {
		e.Use(middleware.MetricsMiddleware(m))
	}
	e.Use(echomw.BodyLimit(fmt.Sprintf("%dB", cfg.Server.BodyMaxBytes)))

	if cfg.Server.RateLimit.Enabled {
		e.Use(middleware.RateLimiter(cfg.Server.RateLimit, m))
		logger.Info("rate limiter enabled",
			"rps", cfg.Server.RateLimit.RequestsPerSecond,
			"burst", cfg.Server.RateLimit.Burst,
		)
	}

	e.Use(middleware.PasswordGate(gate, cfg.ReservedPaths(), logger, m))

	return e, nil
}

func warnConfigPermissions(cfg *config.Config, logger *slog.Logger) {
	cfg.WarnPermissions(logger)
}

func startServer(lc fx.Lifecycle, e *echo.Echo, cfg *config.Config, logger *slog.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			addr := cfg.Server.Addr()
			ln, err := net.Listen("tcp", addr)
			if err != nil {
				return fmt.Errorf("bind %s: %w", addr, err)
			}
			logger.Info("starting server",
				"addr", addr,
				"public_url", cfg.Proxy.PublicURL,
				"password_protected", cfg.PasswordProtected(),
			)
			go func() {
				if err := e.Server.Serve(ln); err != nil && err != http.ErrServerClosed {
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
