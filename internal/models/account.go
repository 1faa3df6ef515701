package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ManagedAccount is one credential identity in the shared pool. Identity is
// the UUID; Index is only the account's current position in the stored
// array and is renumbered on removal.
type ManagedAccount struct {
	ID               string `json:"id"`
	Index            int    `json:"-"`
	Email            string `json:"email,omitempty"`
	RefreshToken     string `json:"refreshToken"`
	ProjectID        string `json:"projectId,omitempty"`
	ManagedProjectID string `json:"managedProjectId,omitempty"`

	AccessToken       string `json:"accessToken,omitempty"`
	AccessTokenExpiry int64  `json:"accessTokenExpiry,omitempty"`

	AddedAt          int64  `json:"addedAt"`
	LastUsed         int64  `json:"lastUsed"`
	LastSwitchReason string `json:"lastSwitchReason,omitempty"`

	// RateLimitResetTimes maps canonical quota keys to the epoch-ms moment
	// the corresponding counter unblocks.
	RateLimitResetTimes map[string]int64 `json:"rateLimitResetTimes,omitempty"`

	CoolingDownUntil int64  `json:"coolingDownUntil,omitempty"`
	CooldownReason   string `json:"cooldownReason,omitempty"`

	// TouchedForQuota records the last first-use timestamp per quota key,
	// consumed by the hybrid strategy's freshness check.
	TouchedForQuota map[string]int64 `json:"touchedForQuota,omitempty"`

	ConsecutiveFailures int           `json:"consecutiveFailures,omitempty"`
	Proxies             []ProxyConfig `json:"proxies,omitempty"`
}

// NewManagedAccount creates an account from OAuth refresh material.
func NewManagedAccount(email, refreshToken string) *ManagedAccount {
	now := time.Now().UnixMilli()
	return &ManagedAccount{
		ID:                  uuid.New().String(),
		Email:               email,
		RefreshToken:        refreshToken,
		AddedAt:             now,
		LastUsed:            now,
		RateLimitResetTimes: make(map[string]int64),
		TouchedForQuota:     make(map[string]int64),
	}
}

// Validate checks the fields a loadable record must have.
func (a *ManagedAccount) Validate() error {
	if strings.TrimSpace(a.RefreshToken) == "" {
		return fmt.Errorf("refresh token is required")
	}
	return nil
}

// NormalizedEmail returns the email lowered and trimmed for deduplication.
func (a *ManagedAccount) NormalizedEmail() string {
	return strings.ToLower(strings.TrimSpace(a.Email))
}

// EnsureMaps initializes nil maps after JSON decoding.
func (a *ManagedAccount) EnsureMaps() {
	if a.RateLimitResetTimes == nil {
		a.RateLimitResetTimes = make(map[string]int64)
	}
	if a.TouchedForQuota == nil {
		a.TouchedForQuota = make(map[string]int64)
	}
}

// IsRateLimitedForKey reports whether the counter for key is still blocked
// at now. Expired entries are deleted as a side effect.
func (a *ManagedAccount) IsRateLimitedForKey(key QuotaKey, now time.Time) bool {
	ks := key.String()
	reset, ok := a.RateLimitResetTimes[ks]
	if !ok {
		return false
	}
	if now.UnixMilli() >= reset {
		delete(a.RateLimitResetTimes, ks)
		return false
	}
	return true
}

// MarkRateLimited records a reset deadline for the given key.
func (a *ManagedAccount) MarkRateLimited(key QuotaKey, retryAfter time.Duration, now time.Time) {
	a.EnsureMaps()
	a.RateLimitResetTimes[key.String()] = now.Add(retryAfter).UnixMilli()
}

// ResetTimeForKey returns the stored reset deadline for key, if present.
func (a *ManagedAccount) ResetTimeForKey(key QuotaKey) (int64, bool) {
	reset, ok := a.RateLimitResetTimes[key.String()]
	return reset, ok
}

// IsCoolingDown reports whether a structural cooldown is active. An
// expired cooldown is cleared as a side effect of the query.
func (a *ManagedAccount) IsCoolingDown(now time.Time) bool {
	if a.CoolingDownUntil == 0 {
		return false
	}
	if now.UnixMilli() >= a.CoolingDownUntil {
		a.CoolingDownUntil = 0
		a.CooldownReason = ""
		return false
	}
	return true
}

// StartCooldown records a cross-family cooldown deadline.
func (a *ManagedAccount) StartCooldown(d time.Duration, reason string, now time.Time) {
	a.CoolingDownUntil = now.Add(d).UnixMilli()
	a.CooldownReason = reason
}

// Touch records a first-use marker for the key's current window.
func (a *ManagedAccount) Touch(key QuotaKey, now time.Time) {
	a.EnsureMaps()
	a.TouchedForQuota[key.String()] = now.UnixMilli()
}

// TouchedSinceReset reports whether the account was already used for key
// in the current rate-limit window. An account with no recorded reset is
// always considered fresh: absence of limit data means the account is a
// first-use candidate, not a stale one.
func (a *ManagedAccount) TouchedSinceReset(key QuotaKey) bool {
	ks := key.String()
	touched, ok := a.TouchedForQuota[ks]
	if !ok {
		return false
	}
	reset, ok := a.RateLimitResetTimes[ks]
	if !ok {
		return touched > 0
	}
	return touched >= reset
}

// ClearExpired drops expired rate-limit entries and an expired cooldown.
// Returns the number of entries cleared.
func (a *ManagedAccount) ClearExpired(now time.Time) int {
	nowMs := now.UnixMilli()
	cleared := 0
	for k, reset := range a.RateLimitResetTimes {
		if nowMs >= reset {
			delete(a.RateLimitResetTimes, k)
			cleared++
		}
	}
	if a.CoolingDownUntil != 0 && nowMs >= a.CoolingDownUntil {
		a.CoolingDownUntil = 0
		a.CooldownReason = ""
		cleared++
	}
	return cleared
}

// Clone returns a deep copy whose maps and proxy slice are detached from
// the receiver.
func (a *ManagedAccount) Clone() *ManagedAccount {
	clone := *a
	clone.RateLimitResetTimes = make(map[string]int64, len(a.RateLimitResetTimes))
	for k, v := range a.RateLimitResetTimes {
		clone.RateLimitResetTimes[k] = v
	}
	clone.TouchedForQuota = make(map[string]int64, len(a.TouchedForQuota))
	for k, v := range a.TouchedForQuota {
		clone.TouchedForQuota[k] = v
	}
	clone.Proxies = append([]ProxyConfig(nil), a.Proxies...)
	return &clone
}

// AccountCollection is the unit the store persists.
type AccountCollection struct {
	Version             int               `json:"version"`
	Accounts            []*ManagedAccount `json:"accounts"`
	ActiveIndex         int               `json:"activeIndex"`
	ActiveIndexByFamily map[Family]int    `json:"activeIndexByFamily,omitempty"`
	// RemovedTokens maps refresh tokens of explicitly removed accounts to
	// the removal time in epoch ms. Merge-on-save consults it so a removal
	// survives the union with an older on-disk copy; re-adding the same
	// token clears the entry.
	RemovedTokens map[string]int64 `json:"removedTokens,omitempty"`
	// Fingerprint is a monotonic save counter used by merge-on-save to keep
	// the numerically newer value.
	Fingerprint int64 `json:"fingerprint,omitempty"`
}

// MarkRemoved records a removal tombstone for the token.
func (c *AccountCollection) MarkRemoved(token string, now time.Time) {
	if c.RemovedTokens == nil {
		c.RemovedTokens = make(map[string]int64)
	}
	c.RemovedTokens[token] = now.UnixMilli()
}

// ClearRemoved drops the tombstone for a token, used when the account is
// added back.
func (c *AccountCollection) ClearRemoved(token string) {
	delete(c.RemovedTokens, token)
}

// FindByRefreshToken returns the account whose refresh token matches.
func (c *AccountCollection) FindByRefreshToken(token string) (*ManagedAccount, bool) {
	for _, acc := range c.Accounts {
		if acc.RefreshToken == token {
			return acc, true
		}
	}
	return nil, false
}

// Renumber rewrites every account's Index to its array position.
func (c *AccountCollection) Renumber() {
	for i, acc := range c.Accounts {
		acc.Index = i
	}
}

// Clone returns a deep copy safe to hand to another goroutine.
func (c *AccountCollection) Clone() *AccountCollection {
	out := &AccountCollection{
		Version:     c.Version,
		ActiveIndex: c.ActiveIndex,
		Fingerprint: c.Fingerprint,
	}
	if c.ActiveIndexByFamily != nil {
		out.ActiveIndexByFamily = make(map[Family]int, len(c.ActiveIndexByFamily))
		for fam, idx := range c.ActiveIndexByFamily {
			out.ActiveIndexByFamily[fam] = idx
		}
	}
	if c.RemovedTokens != nil {
		out.RemovedTokens = make(map[string]int64, len(c.RemovedTokens))
		for token, at := range c.RemovedTokens {
			out.RemovedTokens[token] = at
		}
	}
	out.Accounts = make([]*ManagedAccount, 0, len(c.Accounts))
	for _, acc := range c.Accounts {
		out.Accounts = append(out.Accounts, acc.Clone())
	}
	return out
}
