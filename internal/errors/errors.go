package errors

import (
	"fmt"
	"time"
)

// Config errors

type ErrConfigNotFound struct {
	Path string
}

func (e *ErrConfigNotFound) Error() string {
	return fmt.Sprintf("config file not found: %s", e.Path)
}

type ErrConfigParse struct {
	Err error
}

func (e *ErrConfigParse) Error() string {
	return fmt.Sprintf("failed to parse YAML: %v", e.Err)
}

func (e *ErrConfigParse) Unwrap() error {
	return e.Err
}

type ErrConfigValidation struct {
	Err error
}

func (e *ErrConfigValidation) Error() string {
	return fmt.Sprintf("config validation failed: %v", e.Err)
}

func (e *ErrConfigValidation) Unwrap() error {
	return e.Err
}

// Store errors

type ErrStoreLocked struct {
	Path string
	Err  error
}

func (e *ErrStoreLocked) Error() string {
	return fmt.Sprintf("could not acquire store lock %s: %v", e.Path, e.Err)
}

func (e *ErrStoreLocked) Unwrap() error {
	return e.Err
}

type ErrStoreParse struct {
	Path string
	Err  error
}

func (e *ErrStoreParse) Error() string {
	return fmt.Sprintf("failed to parse store file %s: %v", e.Path, e.Err)
}

func (e *ErrStoreParse) Unwrap() error {
	return e.Err
}

type ErrStoreWrite struct {
	Path string
	Err  error
}

func (e *ErrStoreWrite) Error() string {
	return fmt.Sprintf("failed to write store file %s: %v", e.Path, e.Err)
}

func (e *ErrStoreWrite) Unwrap() error {
	return e.Err
}

// Scheduling errors

// ErrNoAccountAvailable is the terminal condition when every account is
// rate-limited or cooling down past the caller's wait ceiling.
type ErrNoAccountAvailable struct {
	Family  string
	MinWait time.Duration
	Reason  string
}

func (e *ErrNoAccountAvailable) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("no account available for family %s: %s", e.Family, e.Reason)
	}
	if e.MinWait > 0 {
		return fmt.Sprintf("no account available for family %s (earliest recovery in %s)", e.Family, e.MinWait)
	}
	return fmt.Sprintf("no account available for family %s", e.Family)
}

// Proxy errors

// ErrProxyExhausted is raised when every configured proxy is disabled or
// cooling down. It is never downgraded to a direct connection.
type ErrProxyExhausted struct {
	ProxyCount int
	LastErr    error
}

func (e *ErrProxyExhausted) Error() string {
	if e.LastErr != nil {
		return fmt.Sprintf("all %d configured proxies unavailable, last error: %v", e.ProxyCount, e.LastErr)
	}
	return fmt.Sprintf("all %d configured proxies unavailable", e.ProxyCount)
}

func (e *ErrProxyExhausted) Unwrap() error {
	return e.LastErr
}

// ConnectionError wraps a transport-level failure (refused, reset,
// timeout, DNS, TLS tunnel) exactly once at the I/O boundary so callers
// never walk cause chains.
type ConnectionError struct {
	ProxyURL string
	Err      error
}

func (e *ConnectionError) Error() string {
	if e.ProxyURL != "" {
		return fmt.Sprintf("connection failed via proxy %s: %v", e.ProxyURL, e.Err)
	}
	return fmt.Sprintf("connection failed: %v", e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}
