// Package transport builds the shared HTTP client used by a single File
// Downloader run's probe and chunk workers (spec §4.1).
package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/net/proxy"

	"github.com/harrowgate/fetchcore/internal/config"
)

const (
	maxIdleConns          = 100
	idleConnTimeout       = 90 * time.Second
	tlsHandshakeTimeout   = 10 * time.Second
	responseHeaderTimeout = 30 * time.Second
	expectContinueTimeout = 1 * time.Second
	dialKeepAlive         = 30 * time.Second
)

// New builds an *http.Client tuned for numConns concurrent ranged
// requests, honoring cfg's timeout and proxy settings.
//
// HTTP/2 is force-disabled: it multiplexes over a single TCP
// connection, which defeats the purpose of opening numConns parallel
// ranged requests to the same host.
func New(cfg *config.Config, numConns int) (*http.Client, error) {
	dialer := &net.Dialer{
		Timeout:   cfg.GetTimeout(),
		KeepAlive: dialKeepAlive,
	}

	transportCfg := &http.Transport{
		MaxIdleConns:        maxIdleConns,
		MaxIdleConnsPerHost: numConns + 2,
		MaxConnsPerHost:     numConns,

		IdleConnTimeout:       idleConnTimeout,
		TLSHandshakeTimeout:   tlsHandshakeTimeout,
		ResponseHeaderTimeout: responseHeaderTimeout,
		ExpectContinueTimeout: expectContinueTimeout,

		DisableCompression: true,
		ForceAttemptHTTP2:  false,
		TLSNextProto:       make(map[string]func(authority string, c *tls.Conn) http.RoundTripper),

		DialContext: dialer.DialContext,
	}

	if p := cfg.GetProxyURL(); p != "" {
		if err := applyProxy(transportCfg, dialer, p); err != nil {
			return nil, fmt.Errorf("configuring proxy: %w", err)
		}
	}

	return &http.Client{
		Transport: transportCfg,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= config.MaxRedirects {
				return fmt.Errorf("stopped after %d redirects", config.MaxRedirects)
			}
			return nil
		},
	}, nil
}

func applyProxy(t *http.Transport, dialer *net.Dialer, rawProxy string) error {
	u, err := url.Parse(rawProxy)
	if err != nil {
		return err
	}

	switch u.Scheme {
	case "http", "https":
		t.Proxy = http.ProxyURL(u)
		return nil
	case "socks5", "socks5h":
		d, err := proxy.FromURL(u, dialer)
		if err != nil {
			return err
		}
		// proxy.Dialer predates context.Context; its Dial does not
		// accept one, so cancellation here relies on the dial's own
		// internal timeout rather than ctx.
		t.DialContext = func(_ context.Context, network, addr string) (net.Conn, error) {
			return d.Dial(network, addr)
		}
		return nil
	default:
		return fmt.Errorf("unsupported proxy scheme: %s", u.Scheme)
	}
}
