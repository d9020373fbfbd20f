// Package model defines shared types for the proxy.
package model

import (
	"context"
	"io"
	"net/http"
	"net/url"
)

// ProxyRequest represents a client request to be forwarded to its target.
type ProxyRequest struct {
	Ctx    context.Context
	Method string
	Target *url.URL
	Header http.Header
	Body   io.ReadCloser
	// ContentLength is the inbound body length, -1 when unknown.
	ContentLength int64
}

// ProxyResponse represents the target response to be streamed back.
type ProxyResponse struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser
	// FinalURL is the URL that produced the response after redirects.
	FinalURL *url.URL
	// Cached is set when the response was served from the image cache.
	Cached bool
}
