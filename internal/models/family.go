package models

import "fmt"

// Family represents a top-level model routing category.
type Family string

const (
	FamilyClaude Family = "claude"
	FamilyGemini Family = "gemini"
)

// Valid reports whether the family is one of the known categories.
func (f Family) Valid() bool {
	return f == FamilyClaude || f == FamilyGemini
}

// HeaderStyle identifies which Gemini backend pool a request targets.
// Claude has a single pool, so the style is meaningful only for Gemini.
type HeaderStyle string

const (
	StyleAntigravity HeaderStyle = "antigravity"
	StyleGeminiCLI   HeaderStyle = "gemini-cli"
	StyleNone        HeaderStyle = ""
)

// QuotaKey identifies one independent rate-limit counter. Claude collapses
// to a single counter; Gemini carries one per header style, optionally
// narrowed to a specific model.
type QuotaKey struct {
	Family Family
	Style  HeaderStyle
	Model  string
}

// String returns the canonical key used in persisted rate-limit maps.
func (k QuotaKey) String() string {
	if k.Family == FamilyClaude {
		return "claude"
	}
	base := "gemini-antigravity"
	if k.Style == StyleGeminiCLI {
		base = "gemini-cli"
	}
	if k.Model == "" {
		return base
	}
	return base + ":" + k.Model
}

// ClaudeKey returns the single Claude quota key.
func ClaudeKey() QuotaKey {
	return QuotaKey{Family: FamilyClaude}
}

// GeminiKey returns the Gemini quota key for the given pool and model.
func GeminiKey(style HeaderStyle, model string) QuotaKey {
	if style == StyleNone {
		style = StyleAntigravity
	}
	return QuotaKey{Family: FamilyGemini, Style: style, Model: model}
}

// ResolveQuotaKeys returns the keys to consult for a request, most specific
// first. For Gemini the model-scoped counter is checked before the
// family-wide one because some accounts throttle individual models
// independently of the general pool.
func ResolveQuotaKeys(family Family, style HeaderStyle, model string) []QuotaKey {
	if family == FamilyClaude {
		return []QuotaKey{ClaudeKey()}
	}
	if model != "" {
		return []QuotaKey{GeminiKey(style, model), GeminiKey(style, "")}
	}
	return []QuotaKey{GeminiKey(style, "")}
}

// GeminiStyles lists both Gemini pools, used when either pool can unblock
// an account.
func GeminiStyles() []HeaderStyle {
	return []HeaderStyle{StyleAntigravity, StyleGeminiCLI}
}

// Strategy selects how the manager walks the account pool.
type Strategy string

const (
	StrategySticky     Strategy = "sticky"
	StrategyRoundRobin Strategy = "round-robin"
	StrategyHybrid     Strategy = "hybrid"
)

// ParseStrategy maps a configuration string to a Strategy, defaulting to
// sticky for empty input.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case StrategySticky, StrategyRoundRobin, StrategyHybrid:
		return Strategy(s), nil
	case "":
		return StrategySticky, nil
	}
	return "", fmt.Errorf("unknown selection strategy: %q", s)
}
