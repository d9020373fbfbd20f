// Package handler contains the Echo handlers: the proxy catch-all, the
// landing page, health/status and route registration.
package handler

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"link-proxy-go/internal/access"
	"link-proxy-go/internal/headers"
	"link-proxy-go/internal/metrics"
	"link-proxy-go/internal/model"
	"link-proxy-go/internal/rewrite"
	"link-proxy-go/internal/service"
	"link-proxy-go/internal/target"
)

// ProxyHandler forwards the request encoded in the path to its target and
// streams the response back, rewriting HTML documents on the way.
type ProxyHandler struct {
	service        *service.ProxyService
	rewriter       *rewrite.Rewriter
	disableRewrite bool
	logger         *slog.Logger
	metrics        *metrics.Metrics
}

// NewProxyHandler creates a ProxyHandler. m may be nil.
func NewProxyHandler(svc *service.ProxyService, rw *rewrite.Rewriter, disableRewrite bool, logger *slog.Logger, m *metrics.Metrics) *ProxyHandler {
	return &ProxyHandler{
		service:        svc,
		rewriter:       rw,
		disableRewrite: disableRewrite,
		logger:         logger.With("component", "proxy_handler"),
		metrics:        m,
	}
}

// Handle proxies the request to the target named by its path.
func (h *ProxyHandler) Handle(c echo.Context) error {
	req := c.Request()

	u, err := target.Resolve(req.URL.EscapedPath(), req.URL.RawQuery, req.URL.Fragment)
	if err != nil {
		return h.mapError(c, "", err)
	}

	pr := &model.ProxyRequest{
		Ctx:           req.Context(),
		Method:        req.Method,
		Target:        u,
		Header:        req.Header,
		Body:          req.Body,
		ContentLength: req.ContentLength,
	}

	resp, err := h.service.Forward(pr)
	if err != nil {
		return h.mapError(c, u.Hostname(), err)
	}
	defer func() { _ = resp.Body.Close() }()

	header := headers.ForClient(resp.Header)
	h.rewriteLocation(header, resp)

	// Preflights answer with the target's headers but never a body.
	if req.Method == http.MethodOptions {
		header.Del("Content-Length")
		copyHeader(c.Response().Header(), header)
		return c.NoContent(http.StatusOK)
	}

	if !h.disableRewrite && rewrite.Applies(req.Method, resp.StatusCode, header) {
		h.streamRewritten(c, resp, header)
		return nil
	}

	copyHeader(c.Response().Header(), header)
	c.Response().WriteHeader(resp.StatusCode)

	// Stream the target body directly to the client. Once the status is
	// sent a failed copy can only be logged; the client sees a truncated body.
	if _, err := io.Copy(c.Response(), resp.Body); err != nil {
		h.logger.Warn("streaming response body", "err", err, "host", u.Hostname())
	}

	return nil
}

// rewriteLocation points a redirect the client follows itself back through
// the proxy. Relative locations are resolved against the target URL first.
func (h *ProxyHandler) rewriteLocation(header http.Header, resp *model.ProxyResponse) {
	loc := header.Get("Location")
	if loc == "" || resp.StatusCode < 300 || resp.StatusCode > 399 || resp.FinalURL == nil {
		return
	}
	u, err := resp.FinalURL.Parse(loc)
	if err != nil {
		return
	}
	if v, ok := h.rewriter.RewriteURL(u.String()); ok {
		header.Set("Location", v)
	}
}

// streamRewritten decodes the body and passes it through the HTML rewriter.
// A body that fails to decode is sent as is with its original headers.
func (h *ProxyHandler) streamRewritten(c echo.Context, resp *model.ProxyResponse, header http.Header) {
	host := resp.FinalURL.Hostname()
	br := bufio.NewReader(resp.Body)

	decoded, err := rewrite.Decode(br, header.Get("Content-Encoding"))
	if err != nil {
		h.logger.Warn("response not rewritten", "err", err, "host", host)
		copyHeader(c.Response().Header(), header)
		c.Response().WriteHeader(resp.StatusCode)
		if _, err := io.Copy(c.Response(), br); err != nil {
			h.logger.Warn("streaming response body", "err", err, "host", host)
		}
		return
	}
	defer func() { _ = decoded.Close() }()

	rewrite.StripHeaders(header)
	copyHeader(c.Response().Header(), header)
	c.Response().WriteHeader(resp.StatusCode)

	if h.metrics != nil {
		h.metrics.RewrittenDocuments.Inc()
	}
	if err := h.rewriter.Rewrite(c.Response(), decoded); err != nil {
		h.logger.Warn("rewriting response body", "err", err, "host", host)
	}
}

func (h *ProxyHandler) mapError(c echo.Context, host string, err error) error {
	var targetErr *target.Error
	if errors.As(err, &targetErr) {
		h.logger.Info("malformed target", "err", err)
		return writeError(c, http.StatusBadRequest, ErrorBody{
			Error:    fmt.Sprintf("%q is not a valid http(s) URL", targetErr.Candidate),
			Category: CategoryMalformedTarget,
		})
	}

	var denied *access.DeniedError
	if errors.As(err, &denied) {
		host = denied.Host
	}
	if errors.Is(err, access.ErrDomainNotAllowed) {
		return writeError(c, http.StatusForbidden, ErrorBody{
			Error:    fmt.Sprintf("domain %s is not allowed by this proxy", host),
			Category: CategoryAccessDenied,
			Host:     host,
		})
	}

	var upErr *service.UpstreamError
	if errors.As(err, &upErr) {
		if upErr.Kind == service.KindCanceled {
			h.logger.Debug("client went away", "host", upErr.Host)
		} else {
			h.logger.Error("upstream unreachable", "err", err, "host", upErr.Host, "kind", upErr.Kind)
		}
		return writeError(c, http.StatusBadGateway, ErrorBody{
			Error:    upstreamMessage(upErr),
			Category: CategoryUpstreamUnreachable,
			Host:     upErr.Host,
		})
	}

	h.logger.Error("proxy error", "err", err, "host", host)
	return writeError(c, http.StatusBadGateway, ErrorBody{
		Error:    "upstream request failed",
		Category: CategoryUpstreamUnreachable,
		Host:     host,
	})
}

func upstreamMessage(e *service.UpstreamError) string {
	switch e.Kind {
	case service.KindDNS:
		return "cannot resolve host " + e.Host
	case service.KindTimeout:
		return "timed out waiting for " + e.Host
	case service.KindRefused:
		return "connection refused by " + e.Host
	case service.KindCanceled:
		return "request to " + e.Host + " was canceled"
	default:
		return "cannot reach " + e.Host
	}
}

func copyHeader(dst, src http.Header) {
	for key, vals := range src {
		for _, v := range vals {
			dst.Add(key, v)
		}
	}
}
