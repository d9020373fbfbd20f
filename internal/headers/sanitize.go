package headers

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

// browsingContextHeaders identify the client or the proxy's routing to the target.
var browsingContextHeaders = []string{
	"Cookie",
	"Referer",
	"Origin",
	"Forwarded",
	"X-Forwarded-For",
	"X-Forwarded-Host",
	"X-Forwarded-Proto",
	"X-Real-Ip",
	"Cf-Connecting-Ip",
	"True-Client-Ip",
	"Via",
	echo.HeaderXRequestID,
}

// hopByHopHeaders are headers that should not be forwarded by proxies.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// Sanitize returns the headers to send to host. src is left untouched.
// The unconditional strip runs first so that a rule can re-add a header.
func Sanitize(src http.Header, host string, rules RuleSet) http.Header {
	dst := src.Clone()
	if dst == nil {
		dst = make(http.Header)
	}
	for _, h := range browsingContextHeaders {
		dst.Del(h)
	}
	for _, h := range hopByHopHeaders {
		dst.Del(h)
	}

	for name, action := range rules.For(host) {
		action.apply(dst, src, name)
	}
	return dst
}

// ForClient returns the upstream response headers to relay to the client,
// without hop-by-hop headers or any header named in Connection.
func ForClient(src http.Header) http.Header {
	dst := src.Clone()
	if dst == nil {
		return make(http.Header)
	}
	for _, v := range dst.Values("Connection") {
		for _, name := range strings.Split(v, ",") {
			if name = strings.TrimSpace(name); name != "" {
				dst.Del(name)
			}
		}
	}
	for _, h := range hopByHopHeaders {
		dst.Del(h)
	}
	return dst
}
