package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/poolguard/poolguard/internal/models"
)

// Config is the top-level configuration document.
type Config struct {
	Version   int             `yaml:"version"`
	Storage   StorageConfig   `yaml:"storage"`
	Selection SelectionConfig `yaml:"selection"`
	Lease     LeaseConfig     `yaml:"lease"`
	Proxy     ProxyConfig     `yaml:"proxy"`
	Server    ServerConfig    `yaml:"server"`
	Telegram  TelegramConfig  `yaml:"telegram"`
}

// StorageConfig locates the shared files and the audit database.
type StorageConfig struct {
	Dir              string `yaml:"dir"`
	AccountsFile     string `yaml:"accounts_file"`
	ReservationsFile string `yaml:"reservations_file"`
	AuditDB          string `yaml:"audit_db"`
	// AuditRetentionDays bounds the audit history sweep.
	AuditRetentionDays int `yaml:"audit_retention_days"`
}

// SelectionConfig controls the account picking policy.
type SelectionConfig struct {
	Strategy models.Strategy `yaml:"strategy"`
	// PIDOffset rotates the starting cursor by pid modulo pool size once
	// per process per family, so sibling processes start on different
	// accounts.
	PIDOffset bool `yaml:"pid_offset"`
	// MaxWait is the hard ceiling on waiting for a rate-limited pool to
	// recover before surfacing a terminal no-account error.
	MaxWait       time.Duration `yaml:"max_wait"`
	ToastDebounce time.Duration `yaml:"toast_debounce"`
	// SaveInterval is the background persistence cadence.
	SaveInterval time.Duration `yaml:"save_interval"`
}

// LeaseConfig controls the cross-process reservation table.
type LeaseConfig struct {
	TTL         time.Duration `yaml:"ttl"`
	CacheWindow time.Duration `yaml:"cache_window"`
	JitterMax   time.Duration `yaml:"jitter_max"`
}

// ProxyConfig controls egress proxy behavior.
type ProxyConfig struct {
	// UTLS dials TLS with a browser ClientHello instead of Go's default.
	UTLS bool `yaml:"utls"`
	// Timeout bounds each individual attempt through one proxy.
	Timeout time.Duration `yaml:"timeout"`
}

// ServerConfig configures the read-only status API.
type ServerConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Addr            string        `yaml:"addr"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	LogLevel        string        `yaml:"log_level"`
}

// TelegramConfig configures optional operator notifications.
type TelegramConfig struct {
	Enabled bool   `yaml:"enabled"`
	Token   string `yaml:"token"`
	ChatID  int64  `yaml:"chat_id"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	dir := filepath.Join(home, ".poolguard")
	return &Config{
		Version: 1,
		Storage: StorageConfig{
			Dir:                dir,
			AccountsFile:       "accounts.json",
			ReservationsFile:   "reservations.json",
			AuditDB:            "audit.db",
			AuditRetentionDays: 30,
		},
		Selection: SelectionConfig{
			Strategy:      models.StrategySticky,
			PIDOffset:     false,
			MaxWait:       60 * time.Second,
			ToastDebounce: 5 * time.Second,
			SaveInterval:  30 * time.Second,
		},
		Lease: LeaseConfig{
			TTL:         90 * time.Second,
			CacheWindow: 2 * time.Second,
			JitterMax:   300 * time.Millisecond,
		},
		Proxy: ProxyConfig{
			Timeout: 30 * time.Second,
		},
		Server: ServerConfig{
			Addr:            ":8421",
			ShutdownTimeout: 30 * time.Second,
			LogLevel:        "info",
		},
	}
}

// Validate checks invariants the rest of the system depends on.
func (c *Config) Validate() error {
	if _, err := models.ParseStrategy(string(c.Selection.Strategy)); err != nil {
		return err
	}
	if c.Selection.MaxWait < 0 {
		return fmt.Errorf("selection.max_wait cannot be negative")
	}
	if c.Lease.TTL <= 0 {
		return fmt.Errorf("lease.ttl must be positive")
	}
	if c.Lease.CacheWindow < 0 {
		return fmt.Errorf("lease.cache_window cannot be negative")
	}
	if c.Storage.AccountsFile == "" {
		return fmt.Errorf("storage.accounts_file is required")
	}
	if c.Storage.ReservationsFile == "" {
		return fmt.Errorf("storage.reservations_file is required")
	}
	if c.Telegram.Enabled && c.Telegram.Token == "" {
		return fmt.Errorf("telegram.token is required when telegram is enabled")
	}
	return nil
}

// AccountsPath returns the absolute path of the account store file.
func (c *Config) AccountsPath() string {
	return filepath.Join(c.Storage.Dir, c.Storage.AccountsFile)
}

// ReservationsPath returns the absolute path of the reservation table.
func (c *Config) ReservationsPath() string {
	return filepath.Join(c.Storage.Dir, c.Storage.ReservationsFile)
}

// AuditDBPath returns the absolute path of the audit database.
func (c *Config) AuditDBPath() string {
	return filepath.Join(c.Storage.Dir, c.Storage.AuditDB)
}
