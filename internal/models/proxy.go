package models

import (
	"fmt"
	"net/url"
)

// ProxyConfig is a persisted egress proxy candidate.
type ProxyConfig struct {
	URL     string `json:"url"`
	Enabled bool   `json:"enabled"`
}

var allowedProxySchemes = map[string]bool{
	"http":    true,
	"https":   true,
	"socks4":  true,
	"socks4a": true,
	"socks5":  true,
	"socks5h": true,
}

// ValidateProxyURL rejects unsupported schemes at configuration time so
// call sites never see an unroutable proxy.
func ValidateProxyURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid proxy url %q: %w", raw, err)
	}
	if !allowedProxySchemes[u.Scheme] {
		return fmt.Errorf("unsupported proxy scheme %q (allowed: http, https, socks4, socks4a, socks5, socks5h)", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("proxy url %q has no host", raw)
	}
	return nil
}

// Validate checks the proxy configuration.
func (p *ProxyConfig) Validate() error {
	return ValidateProxyURL(p.URL)
}

// EnabledProxies filters a candidate list to the enabled entries.
func EnabledProxies(proxies []ProxyConfig) []ProxyConfig {
	var result []ProxyConfig
	for _, p := range proxies {
		if p.Enabled {
			result = append(result, p)
		}
	}
	return result
}
