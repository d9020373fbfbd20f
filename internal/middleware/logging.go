// Package middleware provides the Echo middleware around the proxy handler:
// CORS, the password gate, rate limiting, logging, metrics and security headers.
package middleware

import (
	"log/slog"
	"time"

	"github.com/labstack/echo/v4"

	"link-proxy-go/internal/metrics"
)

// RequestLogger returns an Echo middleware that logs each request with slog.
// Forwarded requests are logged under their route label; the target URL is
// only added at debug level.
func RequestLogger(logger *slog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()

			err := next(c)

			req := c.Request()
			res := c.Response()
			route := metrics.NormalizeRoute(c.Path())

			attrs := []any{
				"method", req.Method,
				"route", route,
				"status", statusOf(c, err),
				"duration_ms", time.Since(start).Milliseconds(),
				"request_id", res.Header().Get(echo.HeaderXRequestID),
				"remote_ip", c.RealIP(),
				"bytes_out", res.Size,
			}
			if route != metrics.ProxyRoute {
				attrs = append(attrs, "path", req.URL.Path)
			} else if logger.Enabled(req.Context(), slog.LevelDebug) {
				attrs = append(attrs, "target", req.URL.Path)
			}

			logger.Info("request", attrs...)

			return err
		}
	}
}
