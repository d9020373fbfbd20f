package middleware

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"golang.org/x/time/rate"

	"link-proxy-go/internal/config"
	"link-proxy-go/internal/metrics"
)

// rateLimitExpiry is how long an idle client keeps its token bucket.
const rateLimitExpiry = 3 * time.Minute

// RateLimiter returns a per-client-IP token bucket limiter. The memory
// store looks up and consumes a token under one lock, so concurrent
// requests from the same client cannot overdraw the bucket. m may be nil.
func RateLimiter(cfg config.RateLimitConfig, m *metrics.Metrics) echo.MiddlewareFunc {
	store := echomw.NewRateLimiterMemoryStoreWithConfig(echomw.RateLimiterMemoryStoreConfig{
		Rate:      rate.Limit(cfg.RequestsPerSecond),
		Burst:     cfg.Burst,
		ExpiresIn: rateLimitExpiry,
	})

	return echomw.RateLimiterWithConfig(echomw.RateLimiterConfig{
		Store: store,
		IdentifierExtractor: func(c echo.Context) (string, error) {
			return c.RealIP(), nil
		},
		DenyHandler: func(c echo.Context, identifier string, err error) error {
			if m != nil {
				m.AccessDenials.WithLabelValues("rate_limit").Inc()
			}
			return echo.NewHTTPError(http.StatusTooManyRequests, "rate limit exceeded")
		},
	})
}
