package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"
)

// Error categories carried in JSON error bodies.
const (
	CategoryMalformedTarget     = "malformed_target"
	CategoryAccessDenied        = "access_denied"
	CategoryAuthRequired        = "auth_required"
	CategoryUpstreamUnreachable = "upstream_unreachable"
	CategoryRateLimited         = "rate_limited"
	CategoryNotFound            = "not_found"
	CategoryRequestTooLarge     = "request_too_large"
	CategoryInternal            = "internal"
)

// ErrorBody is the JSON shape of every error the proxy produces itself.
type ErrorBody struct {
	Error    string `json:"error"`
	Category string `json:"category"`
	Host     string `json:"host,omitempty"`
}

// writeError sends body with status. OPTIONS and HEAD get the status only.
func writeError(c echo.Context, status int, body ErrorBody) error {
	switch c.Request().Method {
	case http.MethodOptions, http.MethodHead:
		return c.NoContent(status)
	}
	return c.JSON(status, body)
}

func categoryFor(status int) string {
	switch status {
	case http.StatusBadRequest:
		return CategoryMalformedTarget
	case http.StatusUnauthorized:
		return CategoryAuthRequired
	case http.StatusForbidden:
		return CategoryAccessDenied
	case http.StatusNotFound, http.StatusMethodNotAllowed:
		return CategoryNotFound
	case http.StatusRequestEntityTooLarge:
		return CategoryRequestTooLarge
	case http.StatusTooManyRequests:
		return CategoryRateLimited
	case http.StatusBadGateway, http.StatusGatewayTimeout:
		return CategoryUpstreamUnreachable
	default:
		return CategoryInternal
	}
}

// NewHTTPErrorHandler returns the Echo error handler for errors raised by
// middleware and the router (rate limiter, body limit, unknown routes,
// panics). It renders the same JSON shape as the proxy handler.
func NewHTTPErrorHandler(logger *slog.Logger) echo.HTTPErrorHandler {
	logger = logger.With("component", "http_error")
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}

		status := http.StatusInternalServerError
		msg := http.StatusText(status)

		var he *echo.HTTPError
		if errors.As(err, &he) {
			status = he.Code
			if m, ok := he.Message.(string); ok {
				msg = m
			} else {
				msg = http.StatusText(status)
			}
		}

		if status >= http.StatusInternalServerError {
			logger.Error("request failed", "err", err, "status", status)
		}

		if werr := writeError(c, status, ErrorBody{Error: msg, Category: categoryFor(status)}); werr != nil {
			logger.Error("writing error response", "err", werr)
		}
	}
}
