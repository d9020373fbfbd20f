package middleware

import (
	"net"

	"github.com/labstack/echo/v4"
)

// IPExtractor decides what c.RealIP() returns, and with it the rate-limit
// key. Without trusted proxies the socket peer is used and forwarding
// headers are ignored. With them, X-Forwarded-For is walked from the right
// and the first address outside the trusted ranges wins.
func IPExtractor(trusted []*net.IPNet) echo.IPExtractor {
	if len(trusted) == 0 {
		return echo.ExtractIPDirect()
	}
	opts := []echo.TrustOption{
		echo.TrustLoopback(false),
		echo.TrustLinkLocal(false),
		echo.TrustPrivateNet(false),
	}
	for _, n := range trusted {
		opts = append(opts, echo.TrustIPRange(n))
	}
	return echo.ExtractIPFromXFFHeader(opts...)
}
