package proxyrouter

import (
	"context"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	utls "github.com/refraction-networking/utls"
	"golang.org/x/net/proxy"
	"h12.io/socks"
)

// buildTransport constructs the dispatcher for one proxy URL. The result
// is cached per distinct URL purely for connection reuse; the cache has no
// correctness semantics.
func buildTransport(proxyURL string, useUTLS bool) (*http.Transport, error) {
	if proxyURL == "" {
		return directTransport(useUTLS), nil
	}

	u, err := url.Parse(proxyURL)
	if err != nil {
		return nil, err
	}

	if strings.HasPrefix(u.Scheme, "socks") {
		dial, err := socksDialContext(u)
		if err != nil {
			return nil, err
		}
		return &http.Transport{
			DialContext:     dial,
			MaxIdleConns:    100,
			IdleConnTimeout: 90 * time.Second,
		}, nil
	}

	// http and https forward proxies tunnel via CONNECT.
	return &http.Transport{
		Proxy: http.ProxyURL(u),
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout: 10 * time.Second,
		MaxIdleConns:        100,
		IdleConnTimeout:     90 * time.Second,
	}, nil
}

// socksDialContext builds a dial function for the SOCKS scheme in u.
// SOCKS5 goes through golang.org/x/net/proxy; the legacy socks4 and
// socks4a protocols are not supported there, so those use h12.io/socks.
func socksDialContext(u *url.URL) (func(ctx context.Context, network, addr string) (net.Conn, error), error) {
	switch u.Scheme {
	case "socks4", "socks4a":
		dial := socks.Dial(u.String())
		return func(ctx context.Context, network, addr string) (net.Conn, error) {
			type result struct {
				conn net.Conn
				err  error
			}
			ch := make(chan result, 1)
			go func() {
				conn, err := dial(network, addr)
				ch <- result{conn, err}
			}()
			select {
			case r := <-ch:
				return r.conn, r.err
			case <-ctx.Done():
				go func() {
					if r := <-ch; r.conn != nil {
						_ = r.conn.Close()
					}
				}()
				return nil, ctx.Err()
			}
		}, nil
	}

	dialer, err := socks5Dialer(u)
	if err != nil {
		return nil, err
	}
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		if cd, ok := dialer.(proxy.ContextDialer); ok {
			return cd.DialContext(ctx, network, addr)
		}
		return dialer.Dial(network, addr)
	}, nil
}

// socks5Dialer builds a SOCKS5 dialer with percent-decoded credentials.
func socks5Dialer(u *url.URL) (proxy.Dialer, error) {
	var auth *proxy.Auth
	if u.User != nil {
		username, err := url.QueryUnescape(u.User.Username())
		if err != nil {
			username = u.User.Username()
		}
		rawPassword, _ := u.User.Password()
		password, err := url.QueryUnescape(rawPassword)
		if err != nil {
			password = rawPassword
		}
		auth = &proxy.Auth{User: username, Password: password}
	}
	return proxy.SOCKS5("tcp", u.Host, auth, proxy.Direct)
}

// directTransport is used when no proxies are configured for an account.
// With utls enabled it dials TLS with a Chrome ClientHello.
func directTransport(useUTLS bool) *http.Transport {
	if !useUTLS {
		return &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{
				Timeout:   10 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			TLSHandshakeTimeout: 10 * time.Second,
			MaxIdleConns:        100,
			IdleConnTimeout:     90 * time.Second,
		}
	}

	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialTLSContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			dialer := &net.Dialer{Timeout: 10 * time.Second}
			rawConn, err := dialer.DialContext(ctx, network, addr)
			if err != nil {
				return nil, err
			}
			host := addr
			if strings.Contains(addr, ":") {
				host, _, _ = net.SplitHostPort(addr)
			}
			config := &utls.Config{
				ServerName: host,
				NextProtos: []string{"h2", "http/1.1"},
			}
			uconn := utls.UClient(rawConn, config, utls.HelloChrome_120)
			if err := uconn.Handshake(); err != nil {
				_ = rawConn.Close()
				return nil, err
			}
			return uconn, nil
		},
		TLSHandshakeTimeout: 10 * time.Second,
		MaxIdleConns:        100,
		IdleConnTimeout:     90 * time.Second,
	}
}
