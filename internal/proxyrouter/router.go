package proxyrouter

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	poolerrors "github.com/poolguard/poolguard/internal/errors"
	"github.com/poolguard/poolguard/internal/logging"
	"github.com/poolguard/poolguard/internal/metrics"
	"github.com/poolguard/poolguard/internal/models"
)

// cooldownLadder escalates the same-proxy cooldown with each consecutive
// failure, capping at five minutes.
var cooldownLadder = []time.Duration{
	5 * time.Second,
	15 * time.Second,
	60 * time.Second,
	300 * time.Second,
}

// Config holds router configuration.
type Config struct {
	// UTLS applies a browser ClientHello on direct (proxyless) dials.
	UTLS bool
	// Timeout bounds each individual attempt through one proxy.
	Timeout time.Duration
}

// DefaultConfig returns default router configuration.
func DefaultConfig() Config {
	return Config{Timeout: 30 * time.Second}
}

// proxyHealth is runtime-only failure state for one (account, proxy)
// pair. It is never persisted: proxy health is process-local and rebuilt
// from zero on restart.
type proxyHealth struct {
	failCount     int
	lastFailTime  time.Time
	cooldownUntil time.Time
}

type healthKey struct {
	accountIndex int
	proxyURL     string
}

// Router executes HTTP calls through an account's proxy list, failing
// over in order on connection errors. All state is owned by the instance;
// there are no package-level caches.
type Router struct {
	cfg     Config
	logger  *logging.Logger
	metrics *metrics.Metrics

	mu         sync.Mutex
	health     map[healthKey]*proxyHealth
	transports map[string]*http.Transport

	now func() time.Time
}

// NewRouter creates a proxy router.
func NewRouter(cfg Config, logger *logging.Logger, m *metrics.Metrics) *Router {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	return &Router{
		cfg:        cfg,
		logger:     logger,
		metrics:    m,
		health:     make(map[healthKey]*proxyHealth),
		transports: make(map[string]*http.Transport),
		now:        time.Now,
	}
}

// FetchWithProxy executes req through the account's candidate proxies in
// order. Connection-level failures advance to the next candidate; any
// HTTP response, including 4xx/5xx, is returned verbatim. With proxies
// configured but none usable the call fails closed: silently falling back
// to a direct connection would defeat the IP separation the proxies exist
// for.
func (r *Router) FetchWithProxy(req *http.Request, proxies []models.ProxyConfig, accountIndex int) (*http.Response, error) {
	if len(proxies) == 0 {
		return r.attempt(req, "", accountIndex)
	}

	enabled := models.EnabledProxies(proxies)
	if len(enabled) == 0 {
		if r.metrics != nil {
			r.metrics.ProxyExhaustionsTotal.Inc()
		}
		return nil, &poolerrors.ErrProxyExhausted{ProxyCount: len(proxies)}
	}

	candidates := r.filterCooledDown(enabled, accountIndex)
	if len(candidates) == 0 {
		if r.metrics != nil {
			r.metrics.ProxyExhaustionsTotal.Inc()
		}
		return nil, &poolerrors.ErrProxyExhausted{ProxyCount: len(enabled)}
	}

	var lastErr error
	for _, p := range candidates {
		resp, err := r.attempt(req, p.URL, accountIndex)
		if err == nil {
			r.recordSuccess(accountIndex, p.URL)
			if r.metrics != nil {
				r.metrics.ProxyFailoversTotal.WithLabelValues("success").Inc()
			}
			return resp, nil
		}

		if !isConnectionError(err) {
			// The proxy did its job; the failure belongs to the caller.
			return nil, err
		}

		r.recordFailure(accountIndex, p.URL)
		if r.metrics != nil {
			r.metrics.ProxyFailoversTotal.WithLabelValues("connection_error").Inc()
		}
		r.logger.Debug("proxy connection failed, failing over",
			"proxy", p.URL, "account_index", accountIndex, "error", err.Error())
		lastErr = err
	}

	if r.metrics != nil {
		r.metrics.ProxyExhaustionsTotal.Inc()
	}
	return nil, &poolerrors.ErrProxyExhausted{ProxyCount: len(enabled), LastErr: lastErr}
}

// attempt performs one HTTP call through one dispatcher.
func (r *Router) attempt(req *http.Request, proxyURL string, accountIndex int) (*http.Response, error) {
	transport, err := r.transportFor(proxyURL)
	if err != nil {
		return nil, &poolerrors.ConnectionError{ProxyURL: proxyURL, Err: err}
	}

	client := &http.Client{
		Transport: transport,
		Timeout:   r.cfg.Timeout,
	}

	attemptReq := req
	if req.GetBody != nil {
		attemptReq = req.Clone(req.Context())
		body, err := req.GetBody()
		if err != nil {
			return nil, fmt.Errorf("failed to rewind request body: %w", err)
		}
		attemptReq.Body = body
	}

	resp, err := client.Do(attemptReq)
	if err != nil {
		if isConnectionError(err) {
			return nil, &poolerrors.ConnectionError{ProxyURL: proxyURL, Err: err}
		}
		return nil, err
	}
	return resp, nil
}

// transportFor returns the cached dispatcher for a proxy URL, building it
// on first use.
func (r *Router) transportFor(proxyURL string) (*http.Transport, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if t, ok := r.transports[proxyURL]; ok {
		return t, nil
	}
	t, err := buildTransport(proxyURL, r.cfg.UTLS)
	if err != nil {
		return nil, err
	}
	r.transports[proxyURL] = t
	return t, nil
}

// filterCooledDown keeps candidates not currently in cooldown, preserving
// order.
func (r *Router) filterCooledDown(proxies []models.ProxyConfig, accountIndex int) []models.ProxyConfig {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	var out []models.ProxyConfig
	for _, p := range proxies {
		h, ok := r.health[healthKey{accountIndex, p.URL}]
		if ok && now.Before(h.cooldownUntil) {
			continue
		}
		out = append(out, p)
	}
	return out
}

// recordFailure escalates the cooldown for one (account, proxy) pair.
func (r *Router) recordFailure(accountIndex int, proxyURL string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := healthKey{accountIndex, proxyURL}
	h, ok := r.health[key]
	if !ok {
		h = &proxyHealth{}
		r.health[key] = h
	}
	h.failCount++
	h.lastFailTime = r.now()

	step := h.failCount - 1
	if step >= len(cooldownLadder) {
		step = len(cooldownLadder) - 1
	}
	h.cooldownUntil = h.lastFailTime.Add(cooldownLadder[step])
}

// recordSuccess clears the pair's health state entirely, so the next
// failure restarts the ladder from the bottom.
func (r *Router) recordSuccess(accountIndex int, proxyURL string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.health, healthKey{accountIndex, proxyURL})
}

// CooldownUntil exposes the pair's cooldown deadline, if any.
func (r *Router) CooldownUntil(accountIndex int, proxyURL string) (time.Time, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.health[healthKey{accountIndex, proxyURL}]
	if !ok {
		return time.Time{}, false
	}
	return h.cooldownUntil, true
}

// FailCount exposes the pair's consecutive failure count.
func (r *Router) FailCount(accountIndex int, proxyURL string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.health[healthKey{accountIndex, proxyURL}]
	if !ok {
		return 0
	}
	return h.failCount
}
