package store

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/poolguard/poolguard/internal/logging"
	"github.com/poolguard/poolguard/internal/models"
)

func newTestStore(t *testing.T) *AccountStore {
	t.Helper()
	dir := t.TempDir()
	logger := logging.NewLogger(logging.WithOutput(os.Stderr), logging.WithLevel(logging.LevelError))
	return NewAccountStore(filepath.Join(dir, "accounts.json"), logger)
}

func testAccount(email, token string) *models.ManagedAccount {
	acc := models.NewManagedAccount(email, token)
	return acc
}

func TestLoadMissingFile(t *testing.T) {
	s := newTestStore(t)
	collection, err := s.Load()
	require.NoError(t, err)
	assert.Nil(t, collection)
}

func TestLoadCorruptFile(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, os.WriteFile(s.Path(), []byte("{not json"), 0o600))

	collection, err := s.Load()
	require.NoError(t, err, "corruption must not fail the caller")
	assert.Nil(t, collection)
}

func TestSaveLoadRoundtrip(t *testing.T) {
	s := newTestStore(t)

	collection := &models.AccountCollection{
		Version:  CurrentVersion,
		Accounts: []*models.ManagedAccount{testAccount("a@example.com", "t1"), testAccount("b@example.com", "t2")},
		ActiveIndexByFamily: map[models.Family]int{
			models.FamilyClaude: 1,
			models.FamilyGemini: 0,
		},
	}
	collection.Accounts[0].MarkRateLimited(models.ClaudeKey(), time.Hour, time.Now())
	require.NoError(t, s.Save(collection))

	loaded, err := s.Load()
	require.NoError(t, err)
	require.NotNil(t, loaded)
	require.Len(t, loaded.Accounts, 2)
	assert.Equal(t, CurrentVersion, loaded.Version)
	assert.Equal(t, "a@example.com", loaded.Accounts[0].Email)
	assert.Contains(t, loaded.Accounts[0].RateLimitResetTimes, "claude")
	assert.Equal(t, 1, loaded.ActiveIndexByFamily[models.FamilyClaude])

	info, err := os.Stat(s.Path())
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestSaveIncrementsFingerprint(t *testing.T) {
	s := newTestStore(t)
	collection := &models.AccountCollection{Accounts: []*models.ManagedAccount{testAccount("a@example.com", "t1")}}

	require.NoError(t, s.Save(collection))
	first, err := s.Load()
	require.NoError(t, err)

	require.NoError(t, s.Save(first))
	second, err := s.Load()
	require.NoError(t, err)

	assert.Greater(t, second.Fingerprint, first.Fingerprint)
}

func TestSaveMergesWithDisk(t *testing.T) {
	s := newTestStore(t)
	now := time.Now()

	// Process A saves its view.
	a := &models.AccountCollection{Accounts: []*models.ManagedAccount{testAccount("a@example.com", "t1")}}
	a.Accounts[0].MarkRateLimited(models.ClaudeKey(), time.Hour, now)
	require.NoError(t, s.Save(a))

	// Process B, which never saw A's rate limit, saves a different one.
	b := &models.AccountCollection{Accounts: []*models.ManagedAccount{testAccount("a@example.com", "t1")}}
	b.Accounts[0].MarkRateLimited(models.GeminiKey(models.StyleGeminiCLI, ""), 30*time.Minute, now)
	require.NoError(t, s.Save(b))

	loaded, err := s.Load()
	require.NoError(t, err)
	require.Len(t, loaded.Accounts, 1)
	assert.Contains(t, loaded.Accounts[0].RateLimitResetTimes, "claude")
	assert.Contains(t, loaded.Accounts[0].RateLimitResetTimes, "gemini-cli")
}

func TestSaveHonorsRemovalTombstone(t *testing.T) {
	s := newTestStore(t)

	both := &models.AccountCollection{Accounts: []*models.ManagedAccount{
		testAccount("a@example.com", "t1"),
		testAccount("b@example.com", "t2"),
	}}
	require.NoError(t, s.Save(both))

	// The pool after removing t1: only t2 plus the tombstone. The merge
	// with the on-disk copy must not bring t1 back.
	after := &models.AccountCollection{Accounts: []*models.ManagedAccount{testAccount("b@example.com", "t2")}}
	after.MarkRemoved("t1", time.Now())
	require.NoError(t, s.Save(after))

	loaded, err := s.Load()
	require.NoError(t, err)
	require.Len(t, loaded.Accounts, 1)
	assert.Equal(t, "t2", loaded.Accounts[0].RefreshToken)
	assert.Contains(t, loaded.RemovedTokens, "t1", "tombstone persists for slower siblings")
}

func TestMergeDropsTombstonedAccounts(t *testing.T) {
	disk := &models.AccountCollection{Accounts: []*models.ManagedAccount{
		testAccount("a@example.com", "t1"),
		testAccount("b@example.com", "t2"),
	}}
	mem := &models.AccountCollection{Accounts: []*models.ManagedAccount{testAccount("b@example.com", "t2")}}
	mem.MarkRemoved("t1", time.Now().Add(time.Second))

	out := Merge(mem, disk)
	require.Len(t, out.Accounts, 1)
	assert.Equal(t, "t2", out.Accounts[0].RefreshToken)
	assert.Contains(t, out.RemovedTokens, "t1")
}

func TestReAddAfterRemovalClearsTombstone(t *testing.T) {
	disk := &models.AccountCollection{}
	disk.MarkRemoved("t1", time.Now().Add(-time.Hour))

	// A fresh add is newer than the tombstone, so the account wins.
	mem := &models.AccountCollection{Accounts: []*models.ManagedAccount{testAccount("a@example.com", "t1")}}

	out := Merge(mem, disk)
	require.Len(t, out.Accounts, 1)
	assert.NotContains(t, out.RemovedTokens, "t1")
}

func TestTombstoneRetention(t *testing.T) {
	mem := &models.AccountCollection{}
	mem.MarkRemoved("old", time.Now().Add(-31*24*time.Hour))
	mem.MarkRemoved("recent", time.Now())

	out := Merge(mem, &models.AccountCollection{})
	assert.NotContains(t, out.RemovedTokens, "old")
	assert.Contains(t, out.RemovedTokens, "recent")
}

func TestSaveWritesGitignore(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Save(&models.AccountCollection{}))

	data, err := os.ReadFile(filepath.Join(filepath.Dir(s.Path()), ".gitignore"))
	require.NoError(t, err)
	assert.Contains(t, string(data), filepath.Base(s.Path()))

	// A second save must not duplicate the entry.
	require.NoError(t, s.Save(&models.AccountCollection{}))
	again, err := os.ReadFile(filepath.Join(filepath.Dir(s.Path()), ".gitignore"))
	require.NoError(t, err)
	assert.Equal(t, string(data), string(again))
}

func TestStaleLockIsBroken(t *testing.T) {
	s := newTestStore(t)
	lockPath := s.Path() + ".lock"
	require.NoError(t, os.MkdirAll(filepath.Dir(s.Path()), 0o755))
	require.NoError(t, os.WriteFile(lockPath, []byte("99999\n"), 0o600))
	old := time.Now().Add(-time.Minute)
	require.NoError(t, os.Chtimes(lockPath, old, old))

	require.NoError(t, s.Save(&models.AccountCollection{Accounts: []*models.ManagedAccount{testAccount("a@example.com", "t1")}}))

	_, err := os.Stat(lockPath)
	assert.True(t, os.IsNotExist(err), "lock must be released after save")
}

func TestMergeCommutative(t *testing.T) {
	now := time.Now()

	build := func() (*models.AccountCollection, *models.AccountCollection) {
		left := &models.AccountCollection{Accounts: []*models.ManagedAccount{testAccount("a@example.com", "t1")}}
		left.Accounts[0].MarkRateLimited(models.ClaudeKey(), time.Hour, now)
		left.Accounts[0].LastUsed = now.UnixMilli()
		left.Accounts[0].AddedAt = now.Add(-time.Hour).UnixMilli()

		right := &models.AccountCollection{Accounts: []*models.ManagedAccount{
			testAccount("a@example.com", "t1"),
			testAccount("b@example.com", "t2"),
		}}
		right.Accounts[0].MarkRateLimited(models.ClaudeKey(), 30*time.Minute, now)
		right.Accounts[0].LastUsed = now.Add(-time.Minute).UnixMilli()
		right.Accounts[0].AddedAt = now.Add(-2 * time.Hour).UnixMilli()
		return left, right
	}

	l1, r1 := build()
	l2, r2 := build()
	ab := Merge(l1, r1)
	ba := Merge(r2, l2)

	require.Len(t, ab.Accounts, 2)
	require.Len(t, ba.Accounts, 2)

	find := func(c *models.AccountCollection, token string) *models.ManagedAccount {
		acc, ok := c.FindByRefreshToken(token)
		require.True(t, ok)
		return acc
	}

	for _, token := range []string{"t1", "t2"} {
		x, y := find(ab, token), find(ba, token)
		assert.Equal(t, x.RateLimitResetTimes, y.RateLimitResetTimes, token)
		assert.Equal(t, x.LastUsed, y.LastUsed, token)
		assert.Equal(t, x.AddedAt, y.AddedAt, token)
	}

	merged := find(ab, "t1")
	assert.Equal(t, now.Add(time.Hour).UnixMilli(), merged.RateLimitResetTimes["claude"], "max reset wins")
	assert.Equal(t, now.UnixMilli(), merged.LastUsed, "max lastUsed wins")
	assert.Equal(t, now.Add(-2*time.Hour).UnixMilli(), merged.AddedAt, "min addedAt wins")
}

func TestMergeDoesNotMutateInputs(t *testing.T) {
	now := time.Now()
	mem := &models.AccountCollection{Accounts: []*models.ManagedAccount{testAccount("a@example.com", "t1")}}
	disk := &models.AccountCollection{Accounts: []*models.ManagedAccount{testAccount("a@example.com", "t1")}}
	disk.Accounts[0].MarkRateLimited(models.ClaudeKey(), time.Hour, now)

	out := Merge(mem, disk)
	out.Accounts[0].RateLimitResetTimes["claude"] = 1

	assert.NotEqual(t, int64(1), disk.Accounts[0].RateLimitResetTimes["claude"])
	assert.Empty(t, mem.Accounts[0].RateLimitResetTimes)
}

func TestSanitizeDedupesByEmail(t *testing.T) {
	now := time.Now()
	older := testAccount("User@Example.com", "t1")
	older.LastUsed = now.Add(-time.Hour).UnixMilli()
	newer := testAccount("user@example.com", "t2")
	newer.LastUsed = now.UnixMilli()
	noToken := &models.ManagedAccount{Email: "broken@example.com"}

	c := &models.AccountCollection{Accounts: []*models.ManagedAccount{older, newer, noToken}}
	sanitize(c)

	require.Len(t, c.Accounts, 1)
	assert.Equal(t, "t2", c.Accounts[0].RefreshToken, "most recently used duplicate survives")
	assert.Equal(t, 0, c.Accounts[0].Index)
}

func TestSanitizeAssignsMissingIDs(t *testing.T) {
	acc := testAccount("a@example.com", "t1")
	acc.ID = ""
	c := &models.AccountCollection{Accounts: []*models.ManagedAccount{acc}}

	sanitize(c)
	assert.NotEmpty(t, c.Accounts[0].ID)
}

func TestSortAccountsByAge(t *testing.T) {
	now := time.Now()
	a := testAccount("a@example.com", "t1")
	a.AddedAt = now.UnixMilli()
	b := testAccount("b@example.com", "t2")
	b.AddedAt = now.Add(-time.Hour).UnixMilli()

	sorted := SortAccountsByAge([]*models.ManagedAccount{a, b})
	assert.Equal(t, "t2", sorted[0].RefreshToken)
	assert.Equal(t, "t1", sorted[1].RefreshToken)
}

func TestAtomicWriteLeavesNoTempFiles(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Save(&models.AccountCollection{Accounts: []*models.ManagedAccount{testAccount("a@example.com", "t1")}}))

	entries, err := os.ReadDir(filepath.Dir(s.Path()))
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotContains(t, e.Name(), ".tmp")
	}

	// The written file must be valid JSON in one piece.
	data, err := os.ReadFile(s.Path())
	require.NoError(t, err)
	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &decoded))
}
