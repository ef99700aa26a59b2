// Package upstream selects and drives the HTTP client used to reach the
// upstream API, either directly or through a forward proxy.
package upstream

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/net/proxy"

	"openai-proxy-go/internal/config"
)

const (
	ModeDirect       = "direct"
	ModeForwardProxy = "forward_proxy"
)

// Client is the upstream client chosen once at startup. The set of
// implementations is closed: *Direct and *ViaForwardProxy.
type Client interface {
	// Mode reports ModeDirect or ModeForwardProxy.
	Mode() string
	sealed()
}

// Direct talks straight to the upstream host.
type Direct struct {
	http *http.Client
}

// ViaForwardProxy tunnels every outbound connection through one forward proxy.
type ViaForwardProxy struct {
	http  *http.Client
	proxy *url.URL
}

func (*Direct) Mode() string          { return ModeDirect }
func (*ViaForwardProxy) Mode() string { return ModeForwardProxy }

func (*Direct) sealed()          {}
func (*ViaForwardProxy) sealed() {}

// Proxy returns the forward proxy URL with any password redacted.
func (v *ViaForwardProxy) Proxy() string { return v.proxy.Redacted() }

// NewDirect wraps an existing http.Client. Used by tests to point the
// pipeline at local servers.
func NewDirect(c *http.Client) *Direct { return &Direct{http: c} }

// NewViaForwardProxy wraps an http.Client that already routes through proxyURL.
func NewViaForwardProxy(proxyURL *url.URL, c *http.Client) *ViaForwardProxy {
	return &ViaForwardProxy{http: c, proxy: proxyURL}
}

// NewClient decides between Direct and ViaForwardProxy from the resolved
// configuration. A malformed forward proxy URI is an error, which aborts
// startup.
func NewClient(cfg *config.Config, logger *slog.Logger) (Client, error) {
	logger = logger.With("component", "upstream")

	proxyURL, err := cfg.Upstream.ForwardProxyURL()
	if errors.Is(err, config.ErrNoForwardProxy) {
		logger.Info("upstream client selected", "mode", ModeDirect)
		return &Direct{http: newHTTPClient(cfg, newTransport(cfg))}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("upstream: %w", err)
	}

	transport := newTransport(cfg)
	switch proxyURL.Scheme {
	case "socks5", "socks5h":
		d, err := proxy.FromURL(proxyURL, newDialer())
		if err != nil {
			return nil, fmt.Errorf("upstream: socks proxy %s: %w", proxyURL.Redacted(), err)
		}
		cd, ok := d.(proxy.ContextDialer)
		if !ok {
			return nil, fmt.Errorf("upstream: socks proxy %s: dialer does not support contexts", proxyURL.Redacted())
		}
		transport.DialContext = cd.DialContext
	default:
		// http and https proxies: plain requests are sent in absolute form,
		// TLS targets are tunnelled with CONNECT.
		transport.Proxy = http.ProxyURL(proxyURL)
	}

	logger.Info("upstream client selected",
		"mode", ModeForwardProxy,
		"proxy", proxyURL.Redacted(),
	)
	return &ViaForwardProxy{http: newHTTPClient(cfg, transport), proxy: proxyURL}, nil
}

func newDialer() *net.Dialer {
	return &net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}
}

// newTransport never consults the environment: the proxy decision has
// already been made and is applied explicitly.
func newTransport(cfg *config.Config) *http.Transport {
	return &http.Transport{
		Proxy:               nil,
		DialContext:         newDialer().DialContext,
		ForceAttemptHTTP2:   true,
		MaxIdleConns:        cfg.Upstream.IdleConnections,
		MaxIdleConnsPerHost: cfg.Upstream.IdleConnections,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
		// Pass the caller's Accept-Encoding through and keep the upstream
		// body encoded; decoding happens only for logging.
		DisableCompression: true,
	}
}

func newHTTPClient(cfg *config.Config, rt http.RoundTripper) *http.Client {
	return &http.Client{
		Transport: rt,
		Timeout:   time.Duration(cfg.Upstream.TimeoutSeconds) * time.Second,
		// Redirects belong to the caller.
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

// CloseIdleConnections releases pooled connections on shutdown.
func CloseIdleConnections(c Client) {
	switch c := c.(type) {
	case *Direct:
		c.http.CloseIdleConnections()
	case *ViaForwardProxy:
		c.http.CloseIdleConnections()
	}
}
