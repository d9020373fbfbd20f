package client

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strings"

	"github.com/Jigsaw-Code/outline-sdk/transport"
	"github.com/Jigsaw-Code/outline-sdk/transport/socks5"
)

// newSOCKS5DialContext returns a DialContext that tunnels every outbound
// connection through the SOCKS5 proxy at rawURL ("socks5://[user:pass@]host:port").
func newSOCKS5DialContext(rawURL string, base *net.Dialer) (func(ctx context.Context, network, addr string) (net.Conn, error), error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse %q: %w", rawURL, err)
	}
	if u.Scheme != "socks5" && u.Scheme != "socks5h" {
		return nil, fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("missing proxy address in %q", rawURL)
	}

	endpoint := &transport.StreamDialerEndpoint{
		Dialer:  &transport.TCPDialer{Dialer: *base},
		Address: u.Host,
	}
	sd, err := socks5.NewClient(endpoint)
	if err != nil {
		return nil, err
	}
	if u.User != nil {
		password, _ := u.User.Password()
		if err := sd.SetCredentials([]byte(u.User.Username()), []byte(password)); err != nil {
			return nil, fmt.Errorf("socks5 credentials: %w", err)
		}
	}

	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		if !strings.HasPrefix(network, "tcp") {
			return nil, fmt.Errorf("protocol not supported: %v", network)
		}
		return sd.DialStream(ctx, addr)
	}, nil
}
