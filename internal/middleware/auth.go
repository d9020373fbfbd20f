package middleware

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"link-proxy-go/internal/access"
	"link-proxy-go/internal/metrics"
)

// PasswordGate returns a middleware that lets only requests carrying a valid
// session cookie through. exemptPaths lists the proxy's own GET routes served
// without a login. m may be nil.
func PasswordGate(gate *access.Gate, exemptPaths []string, logger *slog.Logger, m *metrics.Metrics) echo.MiddlewareFunc {
	logger = logger.With("component", "password_gate")
	skip := make(map[string]bool, len(exemptPaths))
	for _, p := range exemptPaths {
		skip[p] = true
	}

	deny := func() {
		if m != nil {
			m.AccessDenials.WithLabelValues("password").Inc()
		}
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		if !gate.Enabled() {
			return next
		}
		return func(c echo.Context) error {
			req := c.Request()
			if exempt(c, skip) || gate.Authenticated(req) {
				return next(c)
			}

			switch req.Method {
			case http.MethodOptions:
				deny()
				return c.NoContent(http.StatusUnauthorized)

			case http.MethodPost:
				if gate.CheckPassword(req.PostFormValue(access.PasswordField)) {
					c.SetCookie(gate.SessionCookie())
					logger.Info("session granted", "remote_ip", c.RealIP())
					return c.Redirect(http.StatusFound, redirectTarget(req))
				}
				deny()
				logger.Warn("wrong password", "remote_ip", c.RealIP())
				return prompt(c, true)

			default:
				deny()
				return prompt(c, false)
			}
		}
	}
}

// exempt matches on the resolved route, not the raw path, so a request that
// falls through to the proxy catch-all is always gated.
func exempt(c echo.Context, skip map[string]bool) bool {
	switch c.Request().Method {
	case http.MethodGet, http.MethodHead:
		return skip[c.Path()] && c.Path() == c.Request().URL.Path
	}
	return false
}

// redirectTarget returns the request URI with leading slashes collapsed, so
// the Location can never become protocol-relative ("//evil.example").
func redirectTarget(req *http.Request) string {
	uri := req.RequestURI
	if uri == "" {
		uri = req.URL.RequestURI()
	}
	return "/" + strings.TrimLeft(uri, `/\`)
}

func prompt(c echo.Context, failed bool) error {
	res := c.Response()
	res.Header().Set(echo.HeaderContentType, echo.MIMETextHTMLCharsetUTF8)
	res.Header().Set("Cache-Control", "no-store")
	res.WriteHeader(http.StatusUnauthorized)
	return access.RenderPrompt(res, failed)
}
