package store

import (
	"strings"

	"github.com/google/uuid"
	"github.com/poolguard/poolguard/internal/models"
)

// rawCollection is a decoding superset of every schema version the store
// has ever written.
//
//	v1: accounts carry a single rateLimitedUntil deadline and there is no
//	    per-family active index.
//	v2: accounts carry rateLimitResetTimes, but the Gemini pool is stored
//	    under the bare "gemini" key (the second pool did not exist yet)
//	    and activeIndexByFamily is absent.
//	v3: current schema.
type rawCollection struct {
	Version             int                   `json:"version"`
	Accounts            []rawAccount          `json:"accounts"`
	ActiveIndex         int                   `json:"activeIndex"`
	ActiveIndexByFamily map[models.Family]int `json:"activeIndexByFamily"`
	RemovedTokens       map[string]int64      `json:"removedTokens"`
	Fingerprint         int64                 `json:"fingerprint"`
}

type rawAccount struct {
	ID               string `json:"id"`
	Email            string `json:"email"`
	RefreshToken     string `json:"refreshToken"`
	ProjectID        string `json:"projectId"`
	ManagedProjectID string `json:"managedProjectId"`

	AccessToken       string `json:"accessToken"`
	AccessTokenExpiry int64  `json:"accessTokenExpiry"`

	AddedAt          int64  `json:"addedAt"`
	LastUsed         int64  `json:"lastUsed"`
	LastSwitchReason string `json:"lastSwitchReason"`

	// v1 only
	RateLimitedUntil int64 `json:"rateLimitedUntil"`

	RateLimitResetTimes map[string]int64 `json:"rateLimitResetTimes"`
	TouchedForQuota     map[string]int64 `json:"touchedForQuota"`

	CoolingDownUntil    int64                `json:"coolingDownUntil"`
	CooldownReason      string               `json:"cooldownReason"`
	ConsecutiveFailures int                  `json:"consecutiveFailures"`
	Proxies             []models.ProxyConfig `json:"proxies"`
}

// migrate upgrades any known schema to the current one. It never loses
// rate-limit knowledge: unknown future keys pass through untouched.
func migrate(raw *rawCollection) *models.AccountCollection {
	version := raw.Version
	if version <= 0 {
		version = 1
	}

	out := &models.AccountCollection{
		Version:             CurrentVersion,
		ActiveIndex:         raw.ActiveIndex,
		ActiveIndexByFamily: raw.ActiveIndexByFamily,
		RemovedTokens:       raw.RemovedTokens,
		Fingerprint:         raw.Fingerprint,
	}

	for _, ra := range raw.Accounts {
		acc := &models.ManagedAccount{
			ID:                  ra.ID,
			Email:               ra.Email,
			RefreshToken:        ra.RefreshToken,
			ProjectID:           ra.ProjectID,
			ManagedProjectID:    ra.ManagedProjectID,
			AccessToken:         ra.AccessToken,
			AccessTokenExpiry:   ra.AccessTokenExpiry,
			AddedAt:             ra.AddedAt,
			LastUsed:            ra.LastUsed,
			LastSwitchReason:    ra.LastSwitchReason,
			RateLimitResetTimes: ra.RateLimitResetTimes,
			TouchedForQuota:     ra.TouchedForQuota,
			CoolingDownUntil:    ra.CoolingDownUntil,
			CooldownReason:      ra.CooldownReason,
			ConsecutiveFailures: ra.ConsecutiveFailures,
			Proxies:             ra.Proxies,
		}
		acc.EnsureMaps()

		if version == 1 && ra.RateLimitedUntil > 0 {
			// v1 tracked one deadline for the whole account.
			acc.RateLimitResetTimes[models.ClaudeKey().String()] = ra.RateLimitedUntil
		}
		if version <= 2 {
			renameGeminiKeys(acc.RateLimitResetTimes)
			renameGeminiKeys(acc.TouchedForQuota)
		}

		out.Accounts = append(out.Accounts, acc)
	}

	if version <= 2 || out.ActiveIndexByFamily == nil {
		out.ActiveIndexByFamily = map[models.Family]int{
			models.FamilyClaude: raw.ActiveIndex,
			models.FamilyGemini: raw.ActiveIndex,
		}
	}

	return out
}

// renameGeminiKeys rewrites v2's bare "gemini[:model]" keys to the
// antigravity pool they historically meant.
func renameGeminiKeys(m map[string]int64) {
	for k, v := range m {
		if k != "gemini" && !strings.HasPrefix(k, "gemini:") {
			continue
		}
		replacement := strings.Replace(k, "gemini", "gemini-antigravity", 1)
		if _, exists := m[replacement]; !exists {
			m[replacement] = v
		}
		delete(m, k)
	}
}

func newAccountID() string {
	return uuid.New().String()
}
