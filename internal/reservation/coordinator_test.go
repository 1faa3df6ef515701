package reservation

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/poolguard/poolguard/internal/logging"
	"github.com/poolguard/poolguard/internal/metrics"
	"github.com/poolguard/poolguard/internal/models"
)

func newTestCoordinator(t *testing.T) *Coordinator {
	t.Helper()
	dir := t.TempDir()
	logger := logging.NewLogger(logging.WithLevel(logging.LevelError))
	c := NewCoordinator(filepath.Join(dir, "reservations.json"), Config{
		TTL:         90 * time.Second,
		CacheWindow: 0,
		JitterMax:   0,
	}, logger, nil)
	c.alive = func(pid int) bool { return true }
	return c
}

// writeForeignLease plants a lease owned by another process directly in
// the file.
func writeForeignLease(t *testing.T, c *Coordinator, index int, pid int, family models.Family, expiresAt time.Time) {
	t.Helper()
	table := c.readTable()
	table.Reservations[strconv.Itoa(index)] = &models.Reservation{
		PID:       pid,
		Timestamp: time.Now().UnixMilli(),
		Family:    family,
		ExpiresAt: expiresAt.UnixMilli(),
	}
	require.NoError(t, c.writeTable(table))
}

func TestOwnLeaseNeverBlocks(t *testing.T) {
	c := newTestCoordinator(t)

	c.Reserve(0, models.FamilyClaude)
	assert.False(t, c.IsReserved(0, models.FamilyClaude))
}

func TestForeignLiveLeaseBlocks(t *testing.T) {
	c := newTestCoordinator(t)
	writeForeignLease(t, c, 0, c.pid+1, models.FamilyClaude, time.Now().Add(time.Minute))

	assert.True(t, c.IsReserved(0, models.FamilyClaude))
}

func TestExpiredLeaseDoesNotBlock(t *testing.T) {
	c := newTestCoordinator(t)
	writeForeignLease(t, c, 0, c.pid+1, models.FamilyClaude, time.Now().Add(-time.Second))

	assert.False(t, c.IsReserved(0, models.FamilyClaude))
}

func TestDeadOwnerLeaseDoesNotBlock(t *testing.T) {
	c := newTestCoordinator(t)
	c.alive = func(pid int) bool { return false }
	writeForeignLease(t, c, 0, c.pid+1, models.FamilyClaude, time.Now().Add(time.Minute))

	assert.False(t, c.IsReserved(0, models.FamilyClaude))
}

func TestFamilyMismatchDoesNotBlock(t *testing.T) {
	c := newTestCoordinator(t)
	writeForeignLease(t, c, 0, c.pid+1, models.FamilyGemini, time.Now().Add(time.Minute))

	assert.False(t, c.IsReserved(0, models.FamilyClaude))
	assert.True(t, c.IsReserved(0, models.FamilyGemini))
}

func TestReleaseRemovesOwnLease(t *testing.T) {
	c := newTestCoordinator(t)

	c.Reserve(1, models.FamilyClaude)
	c.Release(1)

	table := c.readTable()
	assert.NotContains(t, table.Reservations, "1")
}

func TestReleaseIgnoresForeignLease(t *testing.T) {
	c := newTestCoordinator(t)
	writeForeignLease(t, c, 1, c.pid+1, models.FamilyClaude, time.Now().Add(time.Minute))

	// Never reserved locally, so release must not touch the entry.
	c.Release(1)

	table := c.readTable()
	assert.Contains(t, table.Reservations, "1")
}

func TestReleaseAll(t *testing.T) {
	c := newTestCoordinator(t)

	c.Reserve(0, models.FamilyClaude)
	c.Reserve(1, models.FamilyGemini)
	c.ReleaseAll()

	table := c.readTable()
	assert.Empty(t, table.Reservations)
	assert.Empty(t, c.own)
}

func TestAvailableIndices(t *testing.T) {
	c := newTestCoordinator(t)
	writeForeignLease(t, c, 1, c.pid+1, models.FamilyClaude, time.Now().Add(time.Minute))

	available := c.AvailableIndices(3, models.FamilyClaude)
	assert.Equal(t, []int{0, 2}, available)

	// Gemini callers are unaffected by the claude lease.
	assert.Equal(t, []int{0, 1, 2}, c.AvailableIndices(3, models.FamilyGemini))
}

func TestReserveOverwritesForeignEntry(t *testing.T) {
	c := newTestCoordinator(t)
	writeForeignLease(t, c, 0, c.pid+1, models.FamilyClaude, time.Now().Add(time.Minute))

	c.Reserve(0, models.FamilyClaude)

	table := c.readTable()
	require.Contains(t, table.Reservations, "0")
	assert.Equal(t, c.pid, table.Reservations["0"].PID)
}

func TestRefreshExtendsOwnLease(t *testing.T) {
	c := newTestCoordinator(t)
	base := time.Now()
	c.now = func() time.Time { return base }

	c.Reserve(0, models.FamilyClaude)
	before := c.readTable().Reservations["0"].ExpiresAt

	c.now = func() time.Time { return base.Add(30 * time.Second) }
	c.Refresh(0)
	after := c.readTable().Reservations["0"].ExpiresAt

	assert.Greater(t, after, before)
}

func TestUpdatePrunesStaleEntries(t *testing.T) {
	c := newTestCoordinator(t)
	writeForeignLease(t, c, 2, c.pid+1, models.FamilyClaude, time.Now().Add(-time.Minute))

	// Any write cycle prunes expired entries.
	c.Reserve(0, models.FamilyClaude)

	table := c.readTable()
	assert.NotContains(t, table.Reservations, "2")
	assert.Contains(t, table.Reservations, "0")
}

func TestReadFailsOpen(t *testing.T) {
	c := newTestCoordinator(t)
	require.NoError(t, os.MkdirAll(filepath.Dir(c.path), 0o755))
	require.NoError(t, os.WriteFile(c.path, []byte("{broken"), 0o600))

	assert.False(t, c.IsReserved(0, models.FamilyClaude))
	assert.Equal(t, []int{0, 1}, c.AvailableIndices(2, models.FamilyClaude))
}

func TestLeaseOpsCounted(t *testing.T) {
	dir := t.TempDir()
	logger := logging.NewLogger(logging.WithLevel(logging.LevelError))
	m := metrics.NewMetrics("test")
	c := NewCoordinator(filepath.Join(dir, "reservations.json"), Config{
		TTL: 90 * time.Second,
	}, logger, m)
	c.alive = func(pid int) bool { return true }

	c.Reserve(0, models.FamilyClaude)
	c.Refresh(0)
	c.Release(0)

	families, err := m.Registry().Gather()
	require.NoError(t, err)
	counts := map[string]float64{}
	for _, mf := range families {
		if mf.GetName() != "test_reservation_ops_total" {
			continue
		}
		for _, metric := range mf.GetMetric() {
			var op, outcome string
			for _, lp := range metric.GetLabel() {
				switch lp.GetName() {
				case "op":
					op = lp.GetValue()
				case "outcome":
					outcome = lp.GetValue()
				}
			}
			counts[op+"/"+outcome] = metric.GetCounter().GetValue()
		}
	}
	assert.Equal(t, 1.0, counts["reserve/ok"])
	assert.Equal(t, 1.0, counts["refresh/ok"])
	assert.Equal(t, 1.0, counts["release/ok"])
}

func TestCacheWindow(t *testing.T) {
	dir := t.TempDir()
	logger := logging.NewLogger(logging.WithLevel(logging.LevelError))
	c := NewCoordinator(filepath.Join(dir, "reservations.json"), Config{
		TTL:         90 * time.Second,
		CacheWindow: 2 * time.Second,
	}, logger, nil)
	c.alive = func(pid int) bool { return true }
	base := time.Now()
	c.now = func() time.Time { return base }

	assert.False(t, c.IsReserved(0, models.FamilyClaude))

	// A foreign write inside the cache window stays invisible.
	table := models.NewReservationTable()
	table.Reservations["0"] = &models.Reservation{
		PID:       c.pid + 1,
		Timestamp: base.UnixMilli(),
		Family:    models.FamilyClaude,
		ExpiresAt: base.Add(time.Minute).UnixMilli(),
	}
	data, err := json.Marshal(table)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(c.path, data, 0o600))

	assert.False(t, c.IsReserved(0, models.FamilyClaude), "cached read within the window")

	c.now = func() time.Time { return base.Add(3 * time.Second) }
	assert.True(t, c.IsReserved(0, models.FamilyClaude), "window elapsed, fresh read")
}
