package client

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	socksserver "github.com/things-go/go-socks5"

	"link-proxy-go/internal/access"
	"link-proxy-go/internal/config"
)

func testConfig() *config.Config {
	return &config.Config{
		Upstream: config.UpstreamConfig{
			TimeoutSeconds:  10,
			IdleConnections: 10,
			MaxRedirects:    10,
		},
	}
}

func newTestClient(t *testing.T, cfg *config.Config) *UpstreamClient {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	c, err := NewUpstreamClient(cfg, nil, logger, nil)
	if err != nil {
		t.Fatalf("NewUpstreamClient() error = %v", err)
	}
	return c
}

func TestUpstreamClient_DoStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	}))
	defer srv.Close()

	c := newTestClient(t, testConfig())

	resp, err := c.DoStream(context.Background(), http.MethodGet, srv.URL+"/test", http.Header{}, nil, 0)
	if err != nil {
		t.Fatalf("DoStream() error = %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("StatusCode = %d, want %d", resp.StatusCode, http.StatusOK)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if string(body) != `{"status":"ok"}` {
		t.Errorf("body = %q, want %q", string(body), `{"status":"ok"}`)
	}
}

func TestUpstreamClient_DoStream_StreamsRequestBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.ContentLength != 5 {
			t.Errorf("ContentLength = %d, want 5", r.ContentLength)
		}
		_, _ = io.Copy(w, r.Body)
	}))
	defer srv.Close()

	c := newTestClient(t, testConfig())

	resp, err := c.DoStream(context.Background(), http.MethodPost, srv.URL, http.Header{}, io.NopCloser(strings.NewReader("hello")), 5)
	if err != nil {
		t.Fatalf("DoStream() error = %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, _ := io.ReadAll(resp.Body)
	if string(body) != "hello" {
		t.Errorf("body = %q, want %q", body, "hello")
	}
}

func TestUpstreamClient_FollowsRedirects(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/start" {
			http.Redirect(w, r, "/end", http.StatusFound)
			return
		}
		_, _ = w.Write([]byte("done"))
	}))
	defer srv.Close()

	c := newTestClient(t, testConfig())

	resp, err := c.DoStream(context.Background(), http.MethodGet, srv.URL+"/start", http.Header{}, nil, 0)
	if err != nil {
		t.Fatalf("DoStream() error = %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("StatusCode = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	if resp.FinalURL.Path != "/end" {
		t.Errorf("FinalURL.Path = %q, want %q", resp.FinalURL.Path, "/end")
	}
}

func TestUpstreamClient_RedirectLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/loop", http.StatusFound)
	}))
	defer srv.Close()

	cfg := testConfig()
	cfg.Upstream.MaxRedirects = 2
	c := newTestClient(t, cfg)

	_, err := c.DoStream(context.Background(), http.MethodGet, srv.URL, http.Header{}, nil, 0)
	if err == nil {
		t.Fatal("DoStream() expected error for redirect loop, got nil")
	}
}

func TestUpstreamClient_RedirectToDeniedHost(t *testing.T) {
	var forbiddenHits atomic.Int32
	forbidden := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		forbiddenHits.Add(1)
		_, _ = w.Write([]byte("should not be fetched"))
	}))
	defer forbidden.Close()

	// Same listener, reached through a name the whitelist does not cover.
	_, port, _ := net.SplitHostPort(forbidden.Listener.Addr().String())
	forbiddenURL := "http://localhost:" + port + "/"

	allowed := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, forbiddenURL, http.StatusFound)
	}))
	defer allowed.Close()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	c, err := NewUpstreamClient(testConfig(), access.NewWhitelist([]string{"127.0.0.1"}), logger, nil)
	if err != nil {
		t.Fatalf("NewUpstreamClient() error = %v", err)
	}

	_, err = c.DoStream(context.Background(), http.MethodGet, allowed.URL+"/", http.Header{}, nil, 0)

	var denied *access.DeniedError
	if !errors.As(err, &denied) {
		t.Fatalf("DoStream() error = %v, want *access.DeniedError", err)
	}
	if denied.Host != "localhost" {
		t.Errorf("denied host = %q, want %q", denied.Host, "localhost")
	}
	if n := forbiddenHits.Load(); n != 0 {
		t.Errorf("denied host was contacted %d times", n)
	}
}

func TestUpstreamClient_DoStream_Error(t *testing.T) {
	cfg := testConfig()
	cfg.Upstream.TimeoutSeconds = 1
	c := newTestClient(t, cfg)

	_, err := c.DoStream(context.Background(), http.MethodGet, "http://127.0.0.1:1/nonexistent", http.Header{}, nil, 0)
	if err == nil {
		t.Fatal("DoStream() expected error for unreachable host, got nil")
	}
}

func TestUpstreamClient_ResponseHeaderTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer srv.Close()
	defer close(release)

	cfg := testConfig()
	cfg.Upstream.TimeoutSeconds = 1
	c := newTestClient(t, cfg)

	start := time.Now()
	_, err := c.DoStream(context.Background(), http.MethodGet, srv.URL, http.Header{}, nil, 0)
	if err == nil {
		t.Fatal("DoStream() expected timeout error, got nil")
	}
	var netErr net.Error
	if !errors.As(err, &netErr) || !netErr.Timeout() {
		t.Errorf("error = %v, want a timeout", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Errorf("timeout took %v", time.Since(start))
	}
}

func TestUpstreamClient_DoStream_CanceledContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Simulate a slow upstream; the request should be canceled before this completes.
		time.Sleep(5 * time.Second)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	cfg := testConfig()
	cfg.Upstream.TimeoutSeconds = 30
	c := newTestClient(t, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	cancel() // cancel immediately

	_, err := c.DoStream(ctx, http.MethodGet, srv.URL+"/slow", http.Header{}, nil, 0)
	if err == nil {
		t.Fatal("DoStream() expected error for canceled context, got nil")
	}
	if !errors.Is(err, context.Canceled) {
		t.Errorf("error = %v, want context.Canceled", err)
	}
}

func TestUpstreamClient_SOCKS5(t *testing.T) {
	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("via socks"))
	}))
	defer target.Close()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	server := socksserver.NewServer()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = server.Serve(ln)
	}()
	defer func() {
		_ = ln.Close()
		<-done
	}()

	cfg := testConfig()
	cfg.Upstream.SOCKS5URL = "socks5://" + ln.Addr().String()
	c := newTestClient(t, cfg)

	resp, err := c.DoStream(context.Background(), http.MethodGet, target.URL, http.Header{}, nil, 0)
	if err != nil {
		t.Fatalf("DoStream() via socks5 error = %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, _ := io.ReadAll(resp.Body)
	if string(body) != "via socks" {
		t.Errorf("body = %q, want %q", body, "via socks")
	}
}

func TestNewUpstreamClient_InvalidSOCKS5URL(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	for _, raw := range []string{"http://127.0.0.1:1080", "socks5://", "::bad"} {
		cfg := testConfig()
		cfg.Upstream.SOCKS5URL = raw
		if _, err := NewUpstreamClient(cfg, nil, logger, nil); err == nil {
			t.Errorf("NewUpstreamClient(%q) expected error, got nil", raw)
		}
	}
}
