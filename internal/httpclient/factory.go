// Package httpclient builds the HTTP clients used to reach WAF endpoints and
// dataset sources.
package httpclient

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"time"
)

// ClientConfig configures a client
type ClientConfig struct {
	// Timeout is the whole-exchange cap. Zero leaves timing to the caller's context.
	Timeout         time.Duration
	EnableSSRF      bool // If true, blocks requests to private IPs
	FollowRedirects bool
	MaxRedirects    int
}

// DefaultConfig returns the configuration used for dataset downloads
func DefaultConfig() ClientConfig {
	return ClientConfig{
		Timeout:         60 * time.Second,
		EnableSSRF:      true,
		FollowRedirects: true,
		MaxRedirects:    10,
	}
}

// NewClient creates an HTTP client
// - Optional SSRF protection (blocks private IPs if enabled)
// - Context-aware dialing
// - Configurable redirect following
func NewClient(config ClientConfig) *http.Client {
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			if config.EnableSSRF {
				if err := validateAddress(addr); err != nil {
					return nil, fmt.Errorf("SSRF protection: %w", err)
				}
			}

			var dialer net.Dialer
			return dialer.DialContext(ctx, network, addr)
		},

		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,

		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	client := &http.Client{
		Timeout:   config.Timeout,
		Transport: transport,
	}

	if !config.FollowRedirects {
		client.CheckRedirect = func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		}
	} else if config.MaxRedirects > 0 {
		client.CheckRedirect = func(req *http.Request, via []*http.Request) error {
			if len(via) >= config.MaxRedirects {
				return fmt.Errorf("stopped after %d redirects", config.MaxRedirects)
			}

			if config.EnableSSRF {
				if err := validateURL(req.URL.String()); err != nil {
					return fmt.Errorf("SSRF protection on redirect: %w", err)
				}
			}

			return nil
		}
	}

	return client
}

// NewDispatchClient creates the client that talks to WAF endpoints.
// WAFs under test commonly live on private networks, so SSRF protection is
// off and timing is enforced per attempt by the dispatcher's context.
func NewDispatchClient(followRedirects bool) *http.Client {
	return NewClient(ClientConfig{
		Timeout:         0,
		EnableSSRF:      false,
		FollowRedirects: followRedirects,
		MaxRedirects:    10,
	})
}

// NewDownloadClient creates a client for fetching public dataset sources.
func NewDownloadClient(timeout time.Duration) *http.Client {
	cfg := DefaultConfig()
	if timeout > 0 {
		cfg.Timeout = timeout
	}
	return NewClient(cfg)
}

// validateAddress checks if an address points to a private IP
func validateAddress(addr string) error {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}

	ips, err := net.LookupIP(host)
	if err != nil {
		return fmt.Errorf("failed to resolve %s: %w", host, err)
	}

	for _, ip := range ips {
		if isPrivateIP(ip) {
			return fmt.Errorf("blocked private IP: %s (%s)", ip, host)
		}
	}

	return nil
}

// validateURL checks that a redirect target does not resolve to a private IP
func validateURL(urlStr string) error {
	u, err := url.Parse(urlStr)
	if err != nil {
		return fmt.Errorf("invalid redirect URL: %w", err)
	}
	if u.Hostname() == "" {
		return fmt.Errorf("redirect URL has no host: %s", urlStr)
	}
	return validateAddress(u.Hostname())
}

// isPrivateIP checks if an IP address is private, loopback, or link-local
func isPrivateIP(ip net.IP) bool {
	if ip.IsLoopback() {
		return true
	}

	if ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() {
		return true
	}

	if ip.IsPrivate() {
		return true
	}

	return ip.IsUnspecified()
}

// CloseBody drains and closes a response body so the connection can be
// reused.
//
// Usage:
//
//	defer httpclient.CloseBody(resp)
func CloseBody(resp *http.Response) {
	if resp == nil || resp.Body == nil {
		return
	}

	_, _ = io.Copy(io.Discard, resp.Body)

	if err := resp.Body.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to close HTTP response body: %v\n", err)
	}
}
