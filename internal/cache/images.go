// Package cache holds the optional best-effort cache for proxied images.
package cache

import (
	"bytes"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"link-proxy-go/internal/config"
)

// Entry is a fully buffered image response.
type Entry struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Images is an expiring LRU of image responses keyed by target URL.
// A nil *Images is a disabled cache.
type Images struct {
	lru     *expirable.LRU[string, *Entry]
	maxItem int64
}

// NewImages returns nil when caching is disabled in cfg.
func NewImages(cfg *config.Config) *Images {
	if !cfg.Cache.Enabled {
		return nil
	}
	ttl := time.Duration(cfg.Cache.TTLSeconds) * time.Second
	return &Images{
		lru:     expirable.NewLRU[string, *Entry](cfg.Cache.MaxEntries, nil, ttl),
		maxItem: cfg.Cache.MaxItemBytes,
	}
}

// Get returns the entry for key. Entries are shared and must not be modified.
func (c *Images) Get(key string) (*Entry, bool) {
	if c == nil {
		return nil, false
	}
	return c.lru.Get(key)
}

// Len reports the number of live entries.
func (c *Images) Len() int {
	if c == nil {
		return 0
	}
	return c.lru.Len()
}

// Cacheable reports whether a GET exchange may be stored.
func Cacheable(reqHeader http.Header, status int, respHeader http.Header) bool {
	if status != http.StatusOK {
		return false
	}
	if reqHeader.Get("Authorization") != "" || reqHeader.Get("Range") != "" {
		return false
	}
	if respHeader.Get("Set-Cookie") != "" || respHeader.Get("Vary") == "*" {
		return false
	}
	cc := strings.ToLower(respHeader.Get("Cache-Control"))
	if strings.Contains(cc, "no-store") || strings.Contains(cc, "private") {
		return false
	}
	ct := strings.ToLower(strings.TrimSpace(respHeader.Get("Content-Type")))
	return strings.HasPrefix(ct, "image/")
}

// Capture wraps body so that a fully read response no larger than the
// item limit is stored under key. Bodies that end early or grow past the
// limit are relayed without being stored.
func (c *Images) Capture(key string, status int, header http.Header, body io.ReadCloser, contentLength int64) io.ReadCloser {
	if c == nil || contentLength > c.maxItem {
		return body
	}
	return &captureBody{
		ReadCloser: body,
		cache:      c,
		key:        key,
		status:     status,
		header:     header.Clone(),
	}
}

type captureBody struct {
	io.ReadCloser
	cache    *Images
	key      string
	status   int
	header   http.Header
	buf      bytes.Buffer
	overflow bool
	stored   bool
}

func (b *captureBody) Read(p []byte) (int, error) {
	n, err := b.ReadCloser.Read(p)
	if !b.overflow && n > 0 {
		if int64(b.buf.Len()+n) > b.cache.maxItem {
			b.overflow = true
			b.buf = bytes.Buffer{}
		} else {
			b.buf.Write(p[:n])
		}
	}
	if err == io.EOF && !b.overflow && !b.stored {
		b.stored = true
		b.cache.lru.Add(b.key, &Entry{
			StatusCode: b.status,
			Header:     b.header,
			Body:       bytes.Clone(b.buf.Bytes()),
		})
	}
	return n, err
}
