// Package validate checks endpoint URLs taken from configuration and from
// admin updates before anything dials them.
package validate

import (
	"fmt"
	"net"
	"net/url"
	"slices"
	"strings"
)

// EndpointURL parses rawURL and requires one of schemes plus a host.
func EndpointURL(rawURL string, schemes ...string) (*url.URL, error) {
	if strings.TrimSpace(rawURL) == "" {
		return nil, fmt.Errorf("URL is empty")
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if u.Scheme == "" {
		return nil, fmt.Errorf("URL missing scheme: %s", rawURL)
	}
	if !slices.Contains(schemes, strings.ToLower(u.Scheme)) {
		return nil, fmt.Errorf("URL scheme %q not allowed (want %s)", u.Scheme, strings.Join(schemes, "/"))
	}
	if u.Host == "" {
		return nil, fmt.Errorf("URL missing host: %s", rawURL)
	}
	return u, nil
}

// HTTPURL accepts http and https URLs only, so tool backends cannot be
// pointed at file:// or other local schemes.
func HTTPURL(rawURL string) error {
	_, err := EndpointURL(rawURL, "http", "https")
	return err
}

// RelayURL accepts the schemes the upstream relay dialer understands.
func RelayURL(rawURL string) error {
	_, err := EndpointURL(rawURL, "ws", "wss", "http", "https")
	return err
}

// PlaintextRemote reports whether rawURL is unencrypted and leaves the
// machine. Loopback hosts and unparsable input report false.
func PlaintextRemote(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	switch strings.ToLower(u.Scheme) {
	case "ws", "http":
	default:
		return false
	}
	host := u.Hostname()
	if host == "" || strings.EqualFold(host, "localhost") {
		return false
	}
	if ip := net.ParseIP(host); ip != nil && ip.IsLoopback() {
		return false
	}
	return true
}
