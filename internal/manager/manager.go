// Package manager owns the in-memory account pool and the selection,
// rate-limit and cooldown policy applied to it. All mutation of shared
// account state funnels through one Manager instance; cross-process
// coordination happens only through the store file and the reservation
// table.
package manager

import (
	"fmt"
	"sync"
	"time"

	"github.com/poolguard/poolguard/internal/audit"
	"github.com/poolguard/poolguard/internal/logging"
	"github.com/poolguard/poolguard/internal/metrics"
	"github.com/poolguard/poolguard/internal/models"
	"github.com/poolguard/poolguard/internal/reservation"
	"github.com/poolguard/poolguard/internal/store"
)

// Config holds manager tuning knobs.
type Config struct {
	Strategy      models.Strategy
	PIDOffset     bool
	MaxWait       time.Duration
	ToastDebounce time.Duration
	SaveInterval  time.Duration
}

// DefaultConfig returns default manager configuration.
func DefaultConfig() Config {
	return Config{
		Strategy:      models.StrategySticky,
		MaxWait:       60 * time.Second,
		ToastDebounce: 5 * time.Second,
		SaveInterval:  30 * time.Second,
	}
}

// Manager is the scheduling policy brain over a pool of managed accounts.
type Manager struct {
	cfg         Config
	store       *store.AccountStore
	coordinator *reservation.Coordinator
	audit       *audit.Store
	logger      *logging.Logger
	metrics     *metrics.Metrics

	mu         sync.Mutex
	collection *models.AccountCollection
	// currentByFamily points at the sticky selection per family; -1 means
	// no current account.
	currentByFamily map[models.Family]int
	// rrCursor is the round-robin cursor shared across families.
	rrCursor         int
	pidOffsetApplied map[models.Family]bool
	pid              int

	lastToastIndex int
	lastToastAt    time.Time
	onSwitch       func(email string, index int, reason string)

	dirty bool
	now   func() time.Time
}

// New creates a manager. The coordinator and audit store may be nil;
// reservation and history are optimizations, not requirements.
func New(cfg Config, s *store.AccountStore, coord *reservation.Coordinator, auditStore *audit.Store, logger *logging.Logger, m *metrics.Metrics) *Manager {
	return &Manager{
		cfg:              cfg,
		store:            s,
		coordinator:      coord,
		audit:            auditStore,
		logger:           logger,
		metrics:          m,
		currentByFamily:  map[models.Family]int{models.FamilyClaude: -1, models.FamilyGemini: -1},
		rrCursor:         -1,
		pidOffsetApplied: make(map[models.Family]bool),
		pid:              pidForOffset(),
		lastToastIndex:   -1,
		now:              time.Now,
	}
}

// Load pulls the pool from disk. A missing store yields an empty pool.
func (m *Manager) Load() error {
	collection, err := m.store.Load()
	if err != nil {
		return err
	}
	if collection == nil {
		collection = &models.AccountCollection{
			Version:             store.CurrentVersion,
			ActiveIndexByFamily: make(map[models.Family]int),
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.collection = collection
	for _, fam := range []models.Family{models.FamilyClaude, models.FamilyGemini} {
		idx, ok := collection.ActiveIndexByFamily[fam]
		if !ok || idx >= len(collection.Accounts) {
			idx = -1
		}
		m.currentByFamily[fam] = idx
	}
	m.rrCursor = collection.ActiveIndex
	if len(collection.Accounts) == 0 || m.rrCursor >= len(collection.Accounts) {
		m.rrCursor = -1
	}

	now := m.now()
	for _, acc := range collection.Accounts {
		acc.ClearExpired(now)
	}

	if m.metrics != nil {
		m.metrics.AccountsGauge.Set(float64(len(collection.Accounts)))
	}
	m.logger.Info("loaded account pool", "accounts", len(collection.Accounts))
	return nil
}

// Count returns the live pool size.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.collection == nil {
		return 0
	}
	return len(m.collection.Accounts)
}

// Accounts returns a snapshot copy of the pool for read-only display.
func (m *Manager) Accounts() []models.ManagedAccount {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.collection == nil {
		return nil
	}
	out := make([]models.ManagedAccount, 0, len(m.collection.Accounts))
	for _, acc := range m.collection.Accounts {
		out = append(out, *acc.Clone())
	}
	return out
}

// AddAccount inserts a new account at the end of the pool, deduplicating
// by refresh token.
func (m *Manager) AddAccount(acc *models.ManagedAccount) error {
	if err := acc.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.collection == nil {
		m.collection = &models.AccountCollection{
			Version:             store.CurrentVersion,
			ActiveIndexByFamily: make(map[models.Family]int),
		}
	}
	if _, exists := m.collection.FindByRefreshToken(acc.RefreshToken); exists {
		return fmt.Errorf("account already present")
	}

	acc.EnsureMaps()
	m.collection.ClearRemoved(acc.RefreshToken)
	m.collection.Accounts = append(m.collection.Accounts, acc)
	m.collection.Renumber()
	m.dirty = true

	if m.metrics != nil {
		m.metrics.AccountsGauge.Set(float64(len(m.collection.Accounts)))
	}
	m.recordAudit(audit.Event{Type: audit.EventAccountAdded, AccountID: acc.ID, Detail: acc.Email})
	return nil
}

// RemoveAccount deletes the account at index, renumbering the rest and
// clamping the cursor and both family pointers so no pointer is ever
// duplicated or out of range.
func (m *Manager) RemoveAccount(index int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.collection == nil || index < 0 || index >= len(m.collection.Accounts) {
		return fmt.Errorf("account index %d out of range", index)
	}

	removed := m.collection.Accounts[index]
	m.collection.Accounts = append(m.collection.Accounts[:index], m.collection.Accounts[index+1:]...)
	// The tombstone keeps merge-on-save from resurrecting the account
	// out of an older on-disk copy.
	m.collection.MarkRemoved(removed.RefreshToken, m.now())
	m.collection.Renumber()
	n := len(m.collection.Accounts)

	if m.rrCursor > index {
		m.rrCursor--
	}
	if m.rrCursor >= n {
		m.rrCursor = -1
	}

	for fam, cur := range m.currentByFamily {
		switch {
		case cur == index:
			m.currentByFamily[fam] = -1
		case cur > index:
			m.currentByFamily[fam] = cur - 1
		}
		if m.currentByFamily[fam] >= n {
			m.currentByFamily[fam] = -1
		}
	}

	if m.coordinator != nil {
		// Indices shifted; this process's leases no longer name the
		// accounts they were taken for.
		m.coordinator.ReleaseAll()
	}

	m.dirty = true
	if m.metrics != nil {
		m.metrics.AccountsGauge.Set(float64(n))
	}
	m.recordAudit(audit.Event{Type: audit.EventAccountRemove, AccountID: removed.ID, Detail: removed.Email})
	m.logger.Info("removed account", "email", removed.Email, "remaining", n)
	return nil
}

// MarkRateLimited writes the reset deadline into the exact quota key the
// request was throttled on.
func (m *Manager) MarkRateLimited(acc *models.ManagedAccount, retryAfter time.Duration, family models.Family, style models.HeaderStyle, model string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	keys := models.ResolveQuotaKeys(family, style, model)
	key := keys[0]
	acc.MarkRateLimited(key, retryAfter, m.now())
	m.dirty = true

	if m.metrics != nil {
		m.metrics.RateLimitsTotal.WithLabelValues(key.String()).Inc()
	}
	m.recordAudit(audit.Event{
		Type:      audit.EventRateLimited,
		AccountID: acc.ID,
		Family:    string(family),
		QuotaKey:  key.String(),
		Detail:    retryAfter.String(),
	})
	m.logger.Debug("account rate limited", "email", acc.Email, "quota_key", key.String(), "retry_after", retryAfter.String())
}

// MarkAccountCoolingDown records a cross-family cooldown for structural
// failures (project resolution errors, repeated proxy failures). This is
// distinct from rate limiting and skips the account for every family.
func (m *Manager) MarkAccountCoolingDown(acc *models.ManagedAccount, d time.Duration, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	acc.StartCooldown(d, reason, m.now())
	acc.ConsecutiveFailures++
	m.dirty = true

	if m.metrics != nil {
		m.metrics.CooldownsTotal.WithLabelValues(reason).Inc()
	}
	m.recordAudit(audit.Event{Type: audit.EventCooldown, AccountID: acc.ID, Detail: reason})
	m.logger.Info("account cooling down", "email", acc.Email, "duration", d.String(), "reason", reason)
}

// IsAccountCoolingDown reports whether the cooldown is active, clearing
// it if expired.
func (m *Manager) IsAccountCoolingDown(acc *models.ManagedAccount) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return acc.IsCoolingDown(m.now())
}

// ClearConsecutiveFailures resets the failure streak after a success.
func (m *Manager) ClearConsecutiveFailures(acc *models.ManagedAccount) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if acc.ConsecutiveFailures != 0 {
		acc.ConsecutiveFailures = 0
		m.dirty = true
	}
}

// ShouldShowAccountToast debounces switch notifications. Only the last
// notified index and time are tracked: one toast shows at a time.
func (m *Manager) ShouldShowAccountToast(accountIndex int, debounce time.Duration) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.shouldToastLocked(accountIndex, debounce)
}

func (m *Manager) shouldToastLocked(accountIndex int, debounce time.Duration) bool {
	now := m.now()
	if accountIndex == m.lastToastIndex && now.Sub(m.lastToastAt) < debounce {
		return false
	}
	m.lastToastIndex = accountIndex
	m.lastToastAt = now
	return true
}

// SetSwitchHandler registers a callback fired after the pool moves to a
// different account, gated by the toast debounce. The callback runs on
// its own goroutine.
func (m *Manager) SetSwitchHandler(fn func(email string, index int, reason string)) {
	m.mu.Lock()
	m.onSwitch = fn
	m.mu.Unlock()
}

// SaveToDisk persists the pool through the store's merge-on-save.
func (m *Manager) SaveToDisk() error {
	m.mu.Lock()
	if m.collection == nil {
		m.mu.Unlock()
		return nil
	}
	m.collection.ActiveIndex = m.rrCursor
	if m.collection.ActiveIndexByFamily == nil {
		m.collection.ActiveIndexByFamily = make(map[models.Family]int)
	}
	for fam, idx := range m.currentByFamily {
		m.collection.ActiveIndexByFamily[fam] = idx
	}
	// Marshal a snapshot so selections running during the file write
	// cannot mutate the maps mid-serialization.
	snapshot := m.collection.Clone()
	m.dirty = false
	m.mu.Unlock()

	err := m.store.Save(snapshot)
	if m.metrics != nil {
		outcome := "success"
		if err != nil {
			outcome = "error"
		}
		m.metrics.StoreSavesTotal.WithLabelValues(outcome).Inc()
	}
	return err
}

// ReconcileFromDisk folds a foreign save into memory by re-reading the
// store and merging its rate-limit knowledge. Invoked by the store
// watcher when a sibling process persists.
func (m *Manager) ReconcileFromDisk() {
	onDisk, err := m.store.Load()
	if err != nil || onDisk == nil {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.collection == nil {
		m.collection = onDisk
		return
	}
	merged := store.Merge(m.collection, onDisk)
	merged.ActiveIndex = m.rrCursor
	merged.ActiveIndexByFamily = m.collection.ActiveIndexByFamily
	m.collection = merged

	for fam, cur := range m.currentByFamily {
		if cur >= len(merged.Accounts) {
			m.currentByFamily[fam] = -1
		}
	}
	if m.rrCursor >= len(merged.Accounts) {
		m.rrCursor = -1
	}
	if m.metrics != nil {
		m.metrics.AccountsGauge.Set(float64(len(merged.Accounts)))
	}
	m.logger.Debug("reconciled pool from disk", "accounts", len(merged.Accounts))
}

// Dirty reports whether unsaved state exists.
func (m *Manager) Dirty() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dirty
}

func (m *Manager) recordAudit(ev audit.Event) {
	if m.audit != nil {
		m.audit.Record(ev)
	}
}
