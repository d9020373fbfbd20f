package handler

import (
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"link-proxy-go/internal/config"
	"link-proxy-go/internal/metrics"
	"link-proxy-go/internal/middleware"
)

// RegisterRoutes wires all route handlers onto the Echo instance. Every path
// not served by the proxy itself is forwarded. m may be nil when metrics are
// disabled.
func RegisterRoutes(e *echo.Echo, cfg *config.Config, proxy *ProxyHandler, health *HealthHandler, m *metrics.Metrics) {
	own := middleware.SecurityHeaders()

	e.GET("/", Landing, own)
	e.GET("/healthz", health.Healthz, own)
	e.GET("/proxy/status", health.Status, own)
	e.GET("/favicon.ico", health.Favicon)

	if cfg.Metrics.Enabled && m != nil {
		e.GET(cfg.Metrics.Path, echo.WrapHandler(promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})), own)
	}

	e.Any("/*", proxy.Handle)
}
