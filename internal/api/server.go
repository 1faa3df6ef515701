package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/poolguard/poolguard/internal/audit"
	"github.com/poolguard/poolguard/internal/logging"
	"github.com/poolguard/poolguard/internal/manager"
	"github.com/poolguard/poolguard/internal/metrics"
	"github.com/poolguard/poolguard/internal/models"
)

// Server exposes a read-mostly status API over the account pool. It is
// an observation surface: request proxying happens in the caller's
// process, not here.
type Server struct {
	router     *gin.Engine
	manager    *manager.Manager
	audit      *audit.Store
	metrics    *metrics.Metrics
	logger     *logging.Logger
	httpServer *http.Server
}

// Router returns the gin router for testing purposes
func (s *Server) Router() *gin.Engine {
	return s.router
}

// NewServer creates the status API server. The audit store may be nil.
func NewServer(mgr *manager.Manager, auditStore *audit.Store, m *metrics.Metrics, logger *logging.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)

	server := &Server{
		router:  gin.New(),
		manager: mgr,
		audit:   auditStore,
		metrics: m,
		logger:  logger,
	}
	server.router.HandleMethodNotAllowed = true
	server.router.Use(gin.Recovery())
	server.router.Use(loggingMiddleware(logger))

	server.setupRoutes()
	return server
}

func loggingMiddleware(logger *logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("request completed",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration_seconds", time.Since(start).Seconds(),
		)
	}
}

func (s *Server) setupRoutes() {
	s.router.GET("/metrics", gin.WrapH(s.metrics.Handler()))
	s.router.GET("/health", s.handleHealth)

	v1 := s.router.Group("/v1")
	{
		v1.GET("/accounts", s.handleListAccounts)
		v1.GET("/quota/:family", s.handleFamilyQuota)
		v1.GET("/events", s.handleRecentEvents)
	}
}

// Run starts the HTTP server on addr and blocks until shutdown.
func (s *Server) Run(addr string) error {
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info("starting status API", "addr", addr)
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	s.logger.Info("shutting down status API")
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
		"accounts":  s.manager.Count(),
	})
}

// AccountStatus is the external view of one pool member. Tokens never
// leave the process.
type AccountStatus struct {
	ID                  string           `json:"id"`
	Index               int              `json:"index"`
	Email               string           `json:"email,omitempty"`
	AddedAt             int64            `json:"addedAt"`
	LastUsed            int64            `json:"lastUsed,omitempty"`
	LastSwitchReason    string           `json:"lastSwitchReason,omitempty"`
	RateLimited         map[string]int64 `json:"rateLimited,omitempty"`
	CoolingDownUntil    int64            `json:"coolingDownUntil,omitempty"`
	CooldownReason      string           `json:"cooldownReason,omitempty"`
	ConsecutiveFailures int              `json:"consecutiveFailures,omitempty"`
	Proxies             int              `json:"proxies"`
}

func (s *Server) handleListAccounts(c *gin.Context) {
	accounts := s.manager.Accounts()
	resp := make([]AccountStatus, 0, len(accounts))
	now := time.Now()
	for _, acc := range accounts {
		status := AccountStatus{
			ID:                  acc.ID,
			Index:               acc.Index,
			Email:               acc.Email,
			AddedAt:             acc.AddedAt,
			LastUsed:            acc.LastUsed,
			LastSwitchReason:    acc.LastSwitchReason,
			ConsecutiveFailures: acc.ConsecutiveFailures,
			Proxies:             len(acc.Proxies),
		}
		for key, until := range acc.RateLimitResetTimes {
			if time.UnixMilli(until).After(now) {
				if status.RateLimited == nil {
					status.RateLimited = make(map[string]int64)
				}
				status.RateLimited[key] = until
			}
		}
		if time.UnixMilli(acc.CoolingDownUntil).After(now) {
			status.CoolingDownUntil = acc.CoolingDownUntil
			status.CooldownReason = acc.CooldownReason
		}
		resp = append(resp, status)
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleFamilyQuota(c *gin.Context) {
	family := models.Family(c.Param("family"))
	if family != models.FamilyClaude && family != models.FamilyGemini {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown family"})
		return
	}
	model := c.Query("model")

	accounts := s.manager.Accounts()
	limited := 0
	for i := range accounts {
		if s.manager.IsRateLimitedForFamily(&accounts[i], family, model) {
			limited++
		}
	}
	minWait := s.manager.GetMinWaitTimeForFamily(family, model)

	c.JSON(http.StatusOK, gin.H{
		"family":         family,
		"accounts":       len(accounts),
		"rateLimited":    limited,
		"minWaitSeconds": minWait.Seconds(),
		"fullyExhausted": len(accounts) > 0 && limited == len(accounts),
	})
}

func (s *Server) handleRecentEvents(c *gin.Context) {
	if s.audit == nil {
		c.JSON(http.StatusOK, []audit.Event{})
		return
	}
	events, err := s.audit.Recent(100)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, events)
}
