// Package client provides the outbound HTTP client used to reach proxy targets.
package client

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"link-proxy-go/internal/access"
	"link-proxy-go/internal/config"
	"link-proxy-go/internal/metrics"
	"link-proxy-go/internal/model"
)

// UpstreamClient sends requests to proxy targets.
type UpstreamClient struct {
	httpClient *http.Client
	logger     *slog.Logger
	metrics    *metrics.Metrics
}

// NewUpstreamClient creates an UpstreamClient with connection pooling and timeouts.
// Every redirect hop is checked against wl; a nil wl allows all hosts.
// The metrics parameter is optional; pass nil to disable upstream metrics recording.
func NewUpstreamClient(cfg *config.Config, wl *access.Whitelist, logger *slog.Logger, m *metrics.Metrics) (*UpstreamClient, error) {
	dialer := &net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}

	transport := &http.Transport{
		Proxy:                 nil,
		MaxIdleConns:          cfg.Upstream.IdleConnections,
		MaxIdleConnsPerHost:   cfg.Upstream.IdleConnections,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: time.Second,
		// Bounds the wait for a target that accepts the connection but never answers.
		ResponseHeaderTimeout: time.Duration(cfg.Upstream.TimeoutSeconds) * time.Second,
		// Bodies are relayed with their original Content-Encoding.
		DisableCompression: true,
		ForceAttemptHTTP2:  true,
		DialContext:        dialer.DialContext,
	}

	if cfg.Upstream.SOCKS5URL != "" {
		dial, err := newSOCKS5DialContext(cfg.Upstream.SOCKS5URL, dialer)
		if err != nil {
			return nil, fmt.Errorf("upstream socks5: %w", err)
		}
		transport.DialContext = dial
	}

	maxRedirects := cfg.Upstream.MaxRedirects

	return &UpstreamClient{
		// No Client.Timeout: it would also cap the body transfer of large downloads.
		httpClient: &http.Client{
			Transport: transport,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= maxRedirects {
					return fmt.Errorf("stopped after %d redirects", maxRedirects)
				}
				if err := wl.Check(req.URL.Hostname()); err != nil {
					return fmt.Errorf("redirect: %w", err)
				}
				return nil
			},
		},
		logger:  logger.With("component", "upstream_client"),
		metrics: m,
	}, nil
}

// Do executes an HTTP request against the target and returns the raw response.
// Redirects are followed. The caller is responsible for closing the response body.
func (c *UpstreamClient) Do(req *http.Request) (*model.ProxyResponse, error) {
	c.logger.Debug("upstream request",
		"method", req.Method,
		"host", req.URL.Host,
	)

	start := time.Now()
	resp, err := c.httpClient.Do(req) //nolint:bodyclose // body ownership transfers to caller via ProxyResponse
	duration := time.Since(start).Seconds()

	method := metrics.NormalizeMethod(req.Method)

	if err != nil {
		if c.metrics != nil {
			c.metrics.UpstreamDuration.WithLabelValues(method).Observe(duration)
		}
		return nil, fmt.Errorf("upstream request: %w", err)
	}

	if c.metrics != nil {
		status := strconv.Itoa(resp.StatusCode)
		c.metrics.UpstreamDuration.WithLabelValues(method).Observe(duration)
		c.metrics.UpstreamResponses.WithLabelValues(method, status).Inc()
	}

	return &model.ProxyResponse{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       resp.Body,
		FinalURL:   resp.Request.URL,
	}, nil
}

// DoStream executes a request and returns the response body as a stream.
// The request body is relayed as it is read; contentLength is -1 when unknown.
// The caller is responsible for closing the returned ReadCloser.
// The provided context controls the lifetime of the upstream request:
// when the context is canceled (e.g. client disconnects), the upstream
// request is also canceled.
func (c *UpstreamClient) DoStream(ctx context.Context, method, url string, header http.Header, body io.Reader, contentLength int64) (*model.ProxyResponse, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	req.Header = header
	if body != nil && body != http.NoBody {
		req.ContentLength = contentLength
	}

	return c.Do(req)
}
