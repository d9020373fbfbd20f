// Package service implements the core proxy forwarding logic.
package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"syscall"

	"link-proxy-go/internal/access"
	"link-proxy-go/internal/cache"
	"link-proxy-go/internal/client"
	"link-proxy-go/internal/headers"
	"link-proxy-go/internal/metrics"
	"link-proxy-go/internal/model"
)

// ErrorKind classifies transport failures towards a target.
type ErrorKind string

// Upstream failure kinds.
const (
	KindDNS      ErrorKind = "dns"
	KindTimeout  ErrorKind = "timeout"
	KindRefused  ErrorKind = "refused"
	KindCanceled ErrorKind = "canceled"
	KindOther    ErrorKind = "other"
)

// UpstreamError reports that the target could not be reached. It is never
// retried.
type UpstreamError struct {
	Host string
	Kind ErrorKind
	Err  error
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream %s (%s): %v", e.Host, e.Kind, e.Err)
}

func (e *UpstreamError) Unwrap() error { return e.Err }

// ProxyService forwards requests to their targets.
type ProxyService struct {
	client    *client.UpstreamClient
	whitelist *access.Whitelist
	rules     headers.RuleSet
	images    *cache.Images
	logger    *slog.Logger
	metrics   *metrics.Metrics
}

// NewProxyService creates a ProxyService. images and m may be nil.
func NewProxyService(
	c *client.UpstreamClient,
	wl *access.Whitelist,
	rules headers.RuleSet,
	images *cache.Images,
	logger *slog.Logger,
	m *metrics.Metrics,
) *ProxyService {
	return &ProxyService{
		client:    c,
		whitelist: wl,
		rules:     rules,
		images:    images,
		logger:    logger.With("component", "proxy_service"),
		metrics:   m,
	}
}

// Forward checks the target against the whitelist, sanitizes the headers and
// sends the request. Any upstream status is returned as is; only transport
// failures become errors. The caller is responsible for closing the response body.
func (s *ProxyService) Forward(pr *model.ProxyRequest) (*model.ProxyResponse, error) {
	host := pr.Target.Hostname()

	if err := s.whitelist.Check(host); err != nil {
		s.recordDenial()
		s.logger.Info("target rejected by whitelist", "host", host)
		return nil, fmt.Errorf("forward %s: %w", host, err)
	}

	header := headers.Sanitize(pr.Header, host, s.rules)
	target := pr.Target.String()

	cacheable := s.images != nil && pr.Method == http.MethodGet &&
		header.Get("Range") == "" && header.Get("Authorization") == ""
	if cacheable {
		if e, ok := s.images.Get(target); ok {
			s.recordCache("hit")
			return &model.ProxyResponse{
				StatusCode: e.StatusCode,
				Header:     e.Header.Clone(),
				Body:       io.NopCloser(bytes.NewReader(e.Body)),
				FinalURL:   pr.Target,
				Cached:     true,
			}, nil
		}
		s.recordCache("miss")
	}

	s.logger.Debug("forwarding request",
		"method", pr.Method,
		"target", target,
	)

	resp, err := s.client.DoStream(pr.Ctx, pr.Method, target, header, pr.Body, pr.ContentLength)
	if err != nil {
		if errors.Is(err, access.ErrDomainNotAllowed) {
			s.recordDenial()
			s.logger.Info("redirect rejected by whitelist", "host", host, "err", err)
			return nil, fmt.Errorf("forward %s: %w", host, err)
		}
		ue := classify(host, err)
		if s.metrics != nil {
			s.metrics.UpstreamErrors.WithLabelValues(string(ue.Kind)).Inc()
		}
		return nil, ue
	}

	if cacheable && cache.Cacheable(header, resp.StatusCode, resp.Header) {
		resp.Body = s.images.Capture(target, resp.StatusCode, resp.Header, resp.Body, contentLength(resp.Header))
	}

	return resp, nil
}

func (s *ProxyService) recordDenial() {
	if s.metrics != nil {
		s.metrics.AccessDenials.WithLabelValues("whitelist").Inc()
	}
}

func (s *ProxyService) recordCache(result string) {
	if s.metrics != nil {
		s.metrics.CacheLookups.WithLabelValues(result).Inc()
	}
}

// classify maps a transport error to an UpstreamError.
func classify(host string, err error) *UpstreamError {
	kind := KindOther

	var dnsErr *net.DNSError
	var netErr net.Error
	switch {
	case errors.Is(err, context.Canceled):
		kind = KindCanceled
	case errors.As(err, &dnsErr):
		kind = KindDNS
	case errors.Is(err, context.DeadlineExceeded):
		kind = KindTimeout
	case errors.As(err, &netErr) && netErr.Timeout():
		kind = KindTimeout
	case errors.Is(err, syscall.ECONNREFUSED):
		kind = KindRefused
	}

	return &UpstreamError{Host: host, Kind: kind, Err: err}
}

func contentLength(h http.Header) int64 {
	n, err := strconv.ParseInt(h.Get("Content-Length"), 10, 64)
	if err != nil {
		return -1
	}
	return n
}
