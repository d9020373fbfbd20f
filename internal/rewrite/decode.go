package rewrite

import (
	"bufio"
	"compress/flate"
	"compress/gzip"
	"compress/zlib"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"

	"github.com/andybalholm/brotli"
)

// ErrUnsupportedEncoding is returned for Content-Encoding values the rewriter
// cannot decode. Such documents are relayed untouched.
var ErrUnsupportedEncoding = errors.New("unsupported content encoding")

// IsHTML reports whether contentType names an HTML document.
func IsHTML(contentType string) bool {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mt, _, _ = strings.Cut(contentType, ";")
		mt = strings.ToLower(strings.TrimSpace(mt))
	}
	return mt == "text/html" || mt == "application/xhtml+xml"
}

// CanDecode reports whether Decode understands encoding.
func CanDecode(encoding string) bool {
	switch normalizeEncoding(encoding) {
	case "", "identity", "gzip", "x-gzip", "deflate", "br":
		return true
	}
	return false
}

// Applies reports whether a response should go through the rewriter.
func Applies(method string, status int, h http.Header) bool {
	if method == http.MethodHead {
		return false
	}
	if status < 200 || status == http.StatusNoContent || status == http.StatusNotModified {
		return false
	}
	return IsHTML(h.Get("Content-Type")) && CanDecode(h.Get("Content-Encoding"))
}

// StripHeaders removes the response headers a rewritten document no longer
// satisfies.
func StripHeaders(h http.Header) {
	for _, name := range []string{
		"Content-Length",
		"Content-Encoding",
		"Content-Security-Policy",
		"Content-Security-Policy-Report-Only",
		"Etag",
	} {
		h.Del(name)
	}
}

func normalizeEncoding(encoding string) string {
	return strings.ToLower(strings.TrimSpace(encoding))
}

// Decode wraps r with a decoder for encoding. Headers are checked with Peek,
// so on error r still holds the body from its first byte.
func Decode(r *bufio.Reader, encoding string) (io.ReadCloser, error) {
	switch enc := normalizeEncoding(encoding); enc {
	case "", "identity":
		return io.NopCloser(r), nil

	case "gzip", "x-gzip":
		magic, err := r.Peek(2)
		if err != nil || magic[0] != 0x1f || magic[1] != 0x8b {
			return nil, fmt.Errorf("%s: missing gzip header", enc)
		}
		zr, err := gzip.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", enc, err)
		}
		return zr, nil

	case "deflate":
		hdr, err := r.Peek(2)
		if err == nil && isZlibHeader(hdr) {
			zr, err := zlib.NewReader(r)
			if err != nil {
				return nil, fmt.Errorf("deflate: %w", err)
			}
			return zr, nil
		}
		// Some servers send raw DEFLATE without the zlib wrapper.
		return flate.NewReader(r), nil

	case "br":
		return io.NopCloser(brotli.NewReader(r)), nil

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedEncoding, encoding)
	}
}

func isZlibHeader(b []byte) bool {
	return b[0]&0x0f == 8 && (uint16(b[0])<<8|uint16(b[1]))%31 == 0
}
