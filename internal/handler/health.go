package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"link-proxy-go/internal/config"
)

// Version is a string type for dependency injection of the build version.
type Version string

// Status is the body of GET /proxy/status. It never carries the password
// or anything derived from it.
type Status struct {
	Status            string   `json:"status"`
	Version           string   `json:"version"`
	OpenProxy         bool     `json:"open_proxy"`
	AllowedDomains    []string `json:"allowed_domains"`
	PasswordProtected bool     `json:"password_protected"`
	TrustedOrigin     string   `json:"trusted_origin"`
	PublicURL         string   `json:"public_url,omitempty"`
	Rewrite           bool     `json:"rewrite"`
	ImageCache        bool     `json:"image_cache"`
	RateLimit         bool     `json:"rate_limit"`
}

// HealthHandler serves health and status endpoints.
type HealthHandler struct {
	status Status
}

// NewHealthHandler creates a HealthHandler. The status body is fixed at
// startup since configuration never changes afterwards.
func NewHealthHandler(cfg *config.Config, v Version) *HealthHandler {
	domains := cfg.Proxy.AllowedDomains
	if domains == nil {
		domains = []string{}
	}
	return &HealthHandler{status: Status{
		Status:            "ok",
		Version:           string(v),
		OpenProxy:         len(cfg.Proxy.AllowedDomains) == 0,
		AllowedDomains:    domains,
		PasswordProtected: cfg.PasswordProtected(),
		TrustedOrigin:     cfg.Proxy.TrustedOrigin,
		PublicURL:         cfg.Proxy.PublicURL,
		Rewrite:           !cfg.Proxy.DisableRewrite,
		ImageCache:        cfg.Cache.Enabled,
		RateLimit:         cfg.Server.RateLimit.Enabled,
	}}
}

// Healthz returns a simple OK response for liveness checks.
func (h *HealthHandler) Healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// Status returns proxy status information.
func (h *HealthHandler) Status(c echo.Context) error {
	return c.JSON(http.StatusOK, h.status)
}

// Favicon answers browsers' automatic favicon requests without a fetch.
func (h *HealthHandler) Favicon(c echo.Context) error {
	return c.NoContent(http.StatusNoContent)
}
