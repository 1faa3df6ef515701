package cli

import (
	"fmt"

	"github.com/poolguard/poolguard/internal/audit"
	"github.com/poolguard/poolguard/internal/config"
	"github.com/poolguard/poolguard/internal/logging"
	"github.com/poolguard/poolguard/internal/manager"
	"github.com/poolguard/poolguard/internal/metrics"
	"github.com/poolguard/poolguard/internal/reservation"
	"github.com/poolguard/poolguard/internal/store"
)

// runtime bundles the wired components every command needs. Commands
// that only read state skip the audit database.
type runtime struct {
	loader      *config.Loader
	cfg         *config.Config
	logger      *logging.Logger
	metrics     *metrics.Metrics
	store       *store.AccountStore
	coordinator *reservation.Coordinator
	audit       *audit.Store
	manager     *manager.Manager
}

// buildRuntime loads the configuration and wires the component graph.
// withAudit controls whether the SQLite history database is opened.
func buildRuntime(withAudit bool) (*runtime, error) {
	loader := config.NewLoader(globalFlags.Config)
	cfg, err := loader.Load()
	if err != nil {
		return nil, fmt.Errorf("load configuration: %w", err)
	}

	level := logging.LevelInfo
	if cfg.Server.LogLevel != "" {
		level = logging.LogLevel(cfg.Server.LogLevel)
	}
	if globalFlags.Verbose {
		level = logging.LevelDebug
	}
	logger := logging.NewLogger(logging.WithLevel(level))

	m := metrics.NewMetrics("poolguard")
	accountStore := store.NewAccountStore(cfg.AccountsPath(), logger)

	coordinator := reservation.NewCoordinator(cfg.ReservationsPath(), reservation.Config{
		TTL:         cfg.Lease.TTL,
		CacheWindow: cfg.Lease.CacheWindow,
		JitterMax:   cfg.Lease.JitterMax,
	}, logger, m)

	var auditStore *audit.Store
	if withAudit {
		auditStore, err = audit.NewStore(cfg.AuditDBPath(), cfg.Storage.AuditRetentionDays, logger)
		if err != nil {
			logger.Warn("audit database unavailable", "error", err.Error())
			auditStore = nil
		}
	}

	mgr := manager.New(manager.Config{
		Strategy:      cfg.Selection.Strategy,
		PIDOffset:     cfg.Selection.PIDOffset,
		MaxWait:       cfg.Selection.MaxWait,
		ToastDebounce: cfg.Selection.ToastDebounce,
		SaveInterval:  cfg.Selection.SaveInterval,
	}, accountStore, coordinator, auditStore, logger, m)

	if err := mgr.Load(); err != nil {
		return nil, fmt.Errorf("load account pool: %w", err)
	}

	return &runtime{
		loader:      loader,
		cfg:         cfg,
		logger:      logger,
		metrics:     m,
		store:       accountStore,
		coordinator: coordinator,
		audit:       auditStore,
		manager:     mgr,
	}, nil
}

func (r *runtime) close() {
	if r.audit != nil {
		_ = r.audit.Close()
	}
}
