package proxyrouter

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"strings"
	"syscall"
)

// isConnectionError reports whether err is a transport-level failure:
// refused, reset, unreachable, timeout, DNS, or a failed TLS/CONNECT
// tunnel. These trigger failover and proxy health tracking. Everything
// else, including any HTTP response the upstream produced, passes
// through untouched, because a response means the proxy worked.
func isConnectionError(err error) bool {
	if err == nil {
		return false
	}

	// Caller cancellation is not a proxy fault.
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var errno syscall.Errno
	if errors.As(err, &errno) {
		switch errno {
		case syscall.ECONNREFUSED, syscall.ECONNRESET, syscall.ECONNABORTED,
			syscall.EHOSTUNREACH, syscall.ENETUNREACH, syscall.ETIMEDOUT,
			syscall.EPIPE:
			return true
		}
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}

	var recordErr tls.RecordHeaderError
	if errors.As(err, &recordErr) {
		return true
	}

	// SOCKS handshake and CONNECT tunnel failures surface as plain
	// strings from the dialer.
	msg := err.Error()
	if strings.Contains(msg, "socks connect") ||
		strings.Contains(msg, "proxyconnect") ||
		strings.Contains(msg, "unexpected EOF") {
		return true
	}

	return false
}
