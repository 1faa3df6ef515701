package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	poolerrors "github.com/poolguard/poolguard/internal/errors"
	"github.com/poolguard/poolguard/internal/models"
)

func TestParseAppliesDefaults(t *testing.T) {
	cfg, err := Parse([]byte("version: 1\n"))
	require.NoError(t, err)

	assert.Equal(t, models.StrategySticky, cfg.Selection.Strategy)
	assert.Equal(t, 60*time.Second, cfg.Selection.MaxWait)
	assert.Equal(t, 90*time.Second, cfg.Lease.TTL)
	assert.Equal(t, ":8421", cfg.Server.Addr)
	assert.Equal(t, "accounts.json", cfg.Storage.AccountsFile)
	assert.Equal(t, 30, cfg.Storage.AuditRetentionDays)
}

func TestParseOverridesDefaults(t *testing.T) {
	data := []byte(`
version: 1
selection:
  strategy: round-robin
  max_wait: 10s
  pid_offset: true
lease:
  ttl: 2m
server:
  enabled: true
  addr: ":9000"
`)
	cfg, err := Parse(data)
	require.NoError(t, err)

	assert.Equal(t, models.StrategyRoundRobin, cfg.Selection.Strategy)
	assert.Equal(t, 10*time.Second, cfg.Selection.MaxWait)
	assert.True(t, cfg.Selection.PIDOffset)
	assert.Equal(t, 2*time.Minute, cfg.Lease.TTL)
	assert.True(t, cfg.Server.Enabled)
	assert.Equal(t, ":9000", cfg.Server.Addr)
}

func TestParseRejectsMalformedYAML(t *testing.T) {
	_, err := Parse([]byte("selection: [not a map"))
	var parseErr *poolerrors.ErrConfigParse
	assert.ErrorAs(t, err, &parseErr)
}

func TestParseRejectsInvalidValues(t *testing.T) {
	cases := []struct {
		name string
		yaml string
	}{
		{"unknown strategy", "selection:\n  strategy: fanciest\n"},
		{"negative max_wait", "selection:\n  max_wait: -5s\n"},
		{"zero lease ttl", "lease:\n  ttl: 0s\n"},
		{"empty accounts file", "storage:\n  accounts_file: \"\"\n"},
		{"telegram without token", "telegram:\n  enabled: true\n"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse([]byte(tc.yaml))
			var valErr *poolerrors.ErrConfigValidation
			assert.ErrorAs(t, err, &valErr)
		})
	}
}

func TestEnvVarSubstitution(t *testing.T) {
	t.Setenv("POOLGUARD_TEST_TOKEN", "secret-token")

	data := []byte("telegram:\n  enabled: true\n  token: ${POOLGUARD_TEST_TOKEN}\n")
	cfg, err := Parse(substituteEnvVars(data))
	require.NoError(t, err)
	assert.Equal(t, "secret-token", cfg.Telegram.Token)
}

func TestLoaderMissingFileYieldsDefaults(t *testing.T) {
	loader := NewLoader(filepath.Join(t.TempDir(), "absent.yaml"))

	cfg, err := loader.Load()
	require.NoError(t, err)
	assert.Equal(t, models.StrategySticky, cfg.Selection.Strategy)
	assert.Same(t, cfg, loader.Get())
}

func TestLoaderReadsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("selection:\n  strategy: hybrid\n"), 0o644))

	loader := NewLoader(path)
	cfg, err := loader.Load()
	require.NoError(t, err)
	assert.Equal(t, models.StrategyHybrid, cfg.Selection.Strategy)
}

func TestLoaderReloadNotifies(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("selection:\n  strategy: sticky\n"), 0o644))

	loader := NewLoader(path)
	_, err := loader.Load()
	require.NoError(t, err)

	var got *Config
	loader.SetOnChange(func(c *Config) { got = c })

	require.NoError(t, os.WriteFile(path, []byte("selection:\n  strategy: round-robin\n"), 0o644))
	_, err = loader.Reload()
	require.NoError(t, err)

	require.NotNil(t, got)
	assert.Equal(t, models.StrategyRoundRobin, got.Selection.Strategy)
}

func TestStoragePaths(t *testing.T) {
	cfg := Default()
	cfg.Storage.Dir = "/var/lib/poolguard"

	assert.Equal(t, "/var/lib/poolguard/accounts.json", cfg.AccountsPath())
	assert.Equal(t, "/var/lib/poolguard/reservations.json", cfg.ReservationsPath())
	assert.Equal(t, "/var/lib/poolguard/audit.db", cfg.AuditDBPath())
}
