package manager

import (
	"context"
	"os"
	"time"

	"github.com/poolguard/poolguard/internal/audit"
	poolerrors "github.com/poolguard/poolguard/internal/errors"
	"github.com/poolguard/poolguard/internal/models"
)

// SelectRequest carries the parameters of one account selection.
type SelectRequest struct {
	Family   models.Family
	Model    string
	Strategy models.Strategy
	Style    models.HeaderStyle
	// PIDOffset rotates the starting cursor by pid modulo pool size on the
	// first selection for the family, at most once per process.
	PIDOffset bool
}

// GetCurrentOrNextForFamily picks an eligible account for the request, or
// nil when the whole pool is rate-limited or cooling down. Reservations
// held by sibling processes are avoided when possible but never block:
// shared use beats waiting.
func (m *Manager) GetCurrentOrNextForFamily(req SelectRequest) *models.ManagedAccount {
	if m.coordinator != nil {
		m.coordinator.ApplyStartupJitter()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.collection == nil || len(m.collection.Accounts) == 0 {
		return nil
	}

	strategy := req.Strategy
	if strategy == "" {
		strategy = m.cfg.Strategy
	}

	n := len(m.collection.Accounts)
	if (req.PIDOffset || m.cfg.PIDOffset) && !m.pidOffsetApplied[req.Family] {
		m.pidOffsetApplied[req.Family] = true
		m.rrCursor = (m.rrCursor + m.pid%n) % n
	}

	var picked *models.ManagedAccount
	switch strategy {
	case models.StrategyRoundRobin:
		picked = m.advanceLocked(req)
	case models.StrategyHybrid:
		picked = m.pickUntouchedLocked(req)
		if picked == nil {
			picked = m.stickyLocked(req)
		}
	default:
		picked = m.stickyLocked(req)
	}

	outcome := "selected"
	if picked == nil {
		outcome = "exhausted"
	}
	if m.metrics != nil {
		m.metrics.SelectionsTotal.WithLabelValues(string(req.Family), string(strategy), outcome).Inc()
	}

	if picked == nil {
		m.recordAudit(audit.Event{Type: audit.EventExhaustion, Family: string(req.Family), Detail: string(strategy)})
		return nil
	}

	m.useLocked(picked, req)
	return picked
}

// stickyLocked keeps the family's current account while it stays
// eligible and unreserved by other processes, advancing otherwise.
func (m *Manager) stickyLocked(req SelectRequest) *models.ManagedAccount {
	cur := m.currentByFamily[req.Family]
	if cur >= 0 && cur < len(m.collection.Accounts) {
		acc := m.collection.Accounts[cur]
		if m.eligibleLocked(acc, req) {
			if !m.reservedByOther(cur, req.Family) {
				return acc
			}
			// A sibling holds the lease on the current account: yield
			// first refusal and look for an unreserved one, sharing the
			// current account only when nothing else is open.
			if next := m.advanceLocked(req); next != nil && !m.reservedByOther(next.Index, req.Family) {
				return next
			}
			return acc
		}
	}
	return m.advanceLocked(req)
}

// advanceLocked walks the pool round-robin from the shared cursor,
// skipping ineligible accounts. Accounts reserved by other processes are
// passed over on the first sweep and accepted as fallback when nothing
// unreserved is eligible.
func (m *Manager) advanceLocked(req SelectRequest) *models.ManagedAccount {
	n := len(m.collection.Accounts)
	var reservedFallback *models.ManagedAccount
	fallbackPos := -1

	for step := 1; step <= n; step++ {
		pos := (m.rrCursor + step) % n
		acc := m.collection.Accounts[pos]
		if !m.eligibleLocked(acc, req) {
			continue
		}
		if m.reservedByOther(pos, req.Family) {
			if reservedFallback == nil {
				reservedFallback = acc
				fallbackPos = pos
			}
			continue
		}
		m.rrCursor = pos
		return acc
	}

	if reservedFallback != nil {
		m.rrCursor = fallbackPos
		return reservedFallback
	}
	return nil
}

// pickUntouchedLocked prefers an eligible account not yet used for the
// resolved quota key in its current window, spreading first-use across
// the pool so each account's reset timer gets discovered.
func (m *Manager) pickUntouchedLocked(req SelectRequest) *models.ManagedAccount {
	keys := models.ResolveQuotaKeys(req.Family, req.Style, req.Model)
	key := keys[0]
	n := len(m.collection.Accounts)

	var reservedFallback *models.ManagedAccount
	fallbackPos := -1

	for step := 0; step < n; step++ {
		pos := (m.rrCursor + 1 + step) % n
		acc := m.collection.Accounts[pos]
		if acc.TouchedSinceReset(key) || !m.eligibleLocked(acc, req) {
			continue
		}
		if m.reservedByOther(pos, req.Family) {
			if reservedFallback == nil {
				reservedFallback = acc
				fallbackPos = pos
			}
			continue
		}
		m.rrCursor = pos
		return acc
	}

	if reservedFallback != nil {
		m.rrCursor = fallbackPos
		return reservedFallback
	}
	return nil
}

// useLocked commits the selection: updates pointers, usage markers, the
// reservation table and the switch reason.
func (m *Manager) useLocked(acc *models.ManagedAccount, req SelectRequest) {
	now := m.now()
	prev := m.currentByFamily[req.Family]
	m.currentByFamily[req.Family] = acc.Index

	acc.LastUsed = now.UnixMilli()
	keys := models.ResolveQuotaKeys(req.Family, req.Style, req.Model)
	acc.Touch(keys[0], now)
	if prev != acc.Index {
		acc.LastSwitchReason = "previous account ineligible"
		m.recordAudit(audit.Event{
			Type:      audit.EventSelection,
			AccountID: acc.ID,
			Family:    string(req.Family),
			QuotaKey:  keys[0].String(),
		})
		if prev >= 0 && m.onSwitch != nil && m.shouldToastLocked(acc.Index, m.cfg.ToastDebounce) {
			go m.onSwitch(acc.Email, acc.Index, acc.LastSwitchReason)
		}
	}
	m.dirty = true

	if m.coordinator != nil {
		m.coordinator.Reserve(acc.Index, req.Family)
	}
}

// eligibleLocked applies the two gates every strategy shares: no active
// structural cooldown, and the resolved quota keys clear.
func (m *Manager) eligibleLocked(acc *models.ManagedAccount, req SelectRequest) bool {
	now := m.now()
	if acc.IsCoolingDown(now) {
		return false
	}
	for _, key := range models.ResolveQuotaKeys(req.Family, req.Style, req.Model) {
		if acc.IsRateLimitedForKey(key, now) {
			return false
		}
	}
	return true
}

func (m *Manager) reservedByOther(index int, family models.Family) bool {
	if m.coordinator == nil {
		return false
	}
	return m.coordinator.IsReserved(index, family)
}

// IsRateLimitedForFamily reports whether the account is unusable for the
// family. Gemini is limited only when both backend pools are exhausted,
// since either pool independently unblocks the account.
func (m *Manager) IsRateLimitedForFamily(acc *models.ManagedAccount, family models.Family, model string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rateLimitedForFamilyLocked(acc, family, model)
}

func (m *Manager) rateLimitedForFamilyLocked(acc *models.ManagedAccount, family models.Family, model string) bool {
	now := m.now()
	if family == models.FamilyClaude {
		return acc.IsRateLimitedForKey(models.ClaudeKey(), now)
	}
	for _, style := range models.GeminiStyles() {
		if !m.styleLimitedLocked(acc, style, model, now) {
			return false
		}
	}
	return true
}

// styleLimitedLocked reports whether one Gemini pool is blocked, checking
// the model-specific counter before the family-wide one.
func (m *Manager) styleLimitedLocked(acc *models.ManagedAccount, style models.HeaderStyle, model string, now time.Time) bool {
	for _, key := range models.ResolveQuotaKeys(models.FamilyGemini, style, model) {
		if acc.IsRateLimitedForKey(key, now) {
			return true
		}
	}
	return false
}

// GetAvailableHeaderStyle reports which Gemini pool is currently usable
// for the account, enabling pool fallback without switching accounts.
func (m *Manager) GetAvailableHeaderStyle(acc *models.ManagedAccount, model string) (models.HeaderStyle, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	for _, style := range models.GeminiStyles() {
		if !m.styleLimitedLocked(acc, style, model, now) {
			return style, true
		}
	}
	return models.StyleNone, false
}

// GetMinWaitTimeForFamily computes, across all currently-ineligible
// accounts, the minimum time until any one becomes eligible again. Zero
// means at least one account is eligible right now.
func (m *Manager) GetMinWaitTimeForFamily(family models.Family, model string) time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.collection == nil || len(m.collection.Accounts) == 0 {
		return 0
	}

	now := m.now()
	min := time.Duration(-1)
	for _, acc := range m.collection.Accounts {
		wait := m.accountWaitLocked(acc, family, model, now)
		if wait == 0 {
			min = 0
			break
		}
		if min < 0 || wait < min {
			min = wait
		}
	}
	if min < 0 {
		min = 0
	}

	if m.metrics != nil {
		m.metrics.MinWaitSeconds.WithLabelValues(string(family)).Set(min.Seconds())
	}
	return min
}

// accountWaitLocked returns the time until one account becomes eligible:
// the cooldown and the quota block must both clear, and for Gemini the
// sooner of the two pools wins.
func (m *Manager) accountWaitLocked(acc *models.ManagedAccount, family models.Family, model string, now time.Time) time.Duration {
	var cooldownWait time.Duration
	if acc.IsCoolingDown(now) {
		cooldownWait = time.UnixMilli(acc.CoolingDownUntil).Sub(now)
	}

	var quotaWait time.Duration
	if family == models.FamilyClaude {
		quotaWait = m.keysWaitLocked(acc, []models.QuotaKey{models.ClaudeKey()}, now)
	} else {
		quotaWait = -1
		for _, style := range models.GeminiStyles() {
			styleWait := m.keysWaitLocked(acc, models.ResolveQuotaKeys(models.FamilyGemini, style, model), now)
			if quotaWait < 0 || styleWait < quotaWait {
				quotaWait = styleWait
			}
		}
	}

	if quotaWait > cooldownWait {
		return quotaWait
	}
	return cooldownWait
}

// keysWaitLocked returns the time until every key in the set has cleared.
func (m *Manager) keysWaitLocked(acc *models.ManagedAccount, keys []models.QuotaKey, now time.Time) time.Duration {
	var wait time.Duration
	for _, key := range keys {
		if !acc.IsRateLimitedForKey(key, now) {
			continue
		}
		if reset, ok := acc.ResetTimeForKey(key); ok {
			if d := time.UnixMilli(reset).Sub(now); d > wait {
				wait = d
			}
		}
	}
	return wait
}

// SelectWithWait retries selection within the configured ceiling, then
// surfaces a terminal no-account error. The core never blocks past the
// ceiling.
func (m *Manager) SelectWithWait(ctx context.Context, req SelectRequest) (*models.ManagedAccount, error) {
	deadline := m.now().Add(m.cfg.MaxWait)

	for {
		if acc := m.GetCurrentOrNextForFamily(req); acc != nil {
			return acc, nil
		}

		wait := m.GetMinWaitTimeForFamily(req.Family, req.Model)
		if wait <= 0 {
			// Nothing is limited yet nothing was selected: the pool is
			// empty.
			return nil, &poolerrors.ErrNoAccountAvailable{Family: string(req.Family), Reason: "no accounts configured"}
		}
		if m.now().Add(wait).After(deadline) {
			return nil, &poolerrors.ErrNoAccountAvailable{Family: string(req.Family), MinWait: wait}
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
	}
}

// ReleaseAccount drops this process's lease after the call completes.
func (m *Manager) ReleaseAccount(index int) {
	if m.coordinator != nil {
		m.coordinator.Release(index)
	}
}

func pidForOffset() int {
	return os.Getpid()
}
