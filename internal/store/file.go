package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/poolguard/poolguard/internal/errors"
	"github.com/poolguard/poolguard/internal/logging"
	"github.com/poolguard/poolguard/internal/models"
)

// CurrentVersion is the schema version written by Save.
const CurrentVersion = 3

const (
	lockStaleAfter  = 10 * time.Second
	lockMaxAttempts = 8
	lockBaseDelay   = 25 * time.Millisecond
)

// AccountStore is versioned, file-backed persistence for account records.
// Concurrent processes share the file; Save merges with whatever is on
// disk instead of overwriting, so two writers converge on the union of
// their rate-limit knowledge regardless of save order.
type AccountStore struct {
	path   string
	logger *logging.Logger
}

// NewAccountStore creates a store for the given file path.
func NewAccountStore(path string, logger *logging.Logger) *AccountStore {
	return &AccountStore{path: path, logger: logger}
}

// Path returns the store file location.
func (s *AccountStore) Path() string {
	return s.path
}

// Load reads the collection from disk, migrating older schemas forward and
// re-persisting the migrated form. A missing file returns (nil, nil).
// Corruption is logged and treated as no stored data; it never fails the
// caller.
func (s *AccountStore) Load() (*models.AccountCollection, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		s.logger.Warn("account store unreadable, treating as empty", "path", s.path, "error", err.Error())
		return nil, nil
	}

	var raw rawCollection
	if err := json.Unmarshal(data, &raw); err != nil {
		s.logger.Warn("account store corrupt, treating as empty", "path", s.path, "error", err.Error())
		return nil, nil
	}

	migrated := raw.Version < CurrentVersion
	collection := migrate(&raw)

	sanitize(collection)

	if migrated {
		if err := s.Save(collection); err != nil {
			s.logger.Warn("failed to re-persist migrated store", "error", err.Error())
		}
	}

	return collection, nil
}

// Save merges the in-memory collection into whatever is currently on disk
// and writes the result atomically under an exclusive lock.
func (s *AccountStore) Save(collection *models.AccountCollection) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return &errors.ErrStoreWrite{Path: s.path, Err: err}
	}

	unlock, err := s.acquireLock()
	if err != nil {
		return err
	}
	defer unlock()

	merged := collection
	if data, err := os.ReadFile(s.path); err == nil {
		var raw rawCollection
		if err := json.Unmarshal(data, &raw); err == nil {
			onDisk := migrate(&raw)
			sanitize(onDisk)
			merged = Merge(collection, onDisk)
		}
	}

	merged.Version = CurrentVersion
	merged.Fingerprint++
	merged.Renumber()

	if err := s.writeAtomic(merged); err != nil {
		return err
	}

	s.ensureGitignore()
	return nil
}

func (s *AccountStore) writeAtomic(collection *models.AccountCollection) error {
	data, err := json.MarshalIndent(collection, "", "  ")
	if err != nil {
		return &errors.ErrStoreWrite{Path: s.path, Err: err}
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".accounts-*.tmp")
	if err != nil {
		return &errors.ErrStoreWrite{Path: s.path, Err: err}
	}
	tmpPath := tmp.Name()

	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return &errors.ErrStoreWrite{Path: s.path, Err: err}
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return &errors.ErrStoreWrite{Path: s.path, Err: err}
	}
	if err := tmp.Close(); err != nil {
		return &errors.ErrStoreWrite{Path: s.path, Err: err}
	}
	if err := os.Chmod(tmpPath, 0o600); err != nil {
		return &errors.ErrStoreWrite{Path: s.path, Err: err}
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		return &errors.ErrStoreWrite{Path: s.path, Err: err}
	}

	success = true
	return nil
}

// acquireLock takes an exclusive lock file next to the store. A lock older
// than lockStaleAfter is assumed abandoned and broken. Attempts back off
// exponentially and give up rather than blocking forever.
func (s *AccountStore) acquireLock() (func(), error) {
	lockPath := s.path + ".lock"
	delay := lockBaseDelay

	var lastErr error
	for attempt := 0; attempt < lockMaxAttempts; attempt++ {
		f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
		if err == nil {
			fmt.Fprintf(f, "%d\n", os.Getpid())
			f.Close()
			return func() { os.Remove(lockPath) }, nil
		}
		lastErr = err

		if info, statErr := os.Stat(lockPath); statErr == nil {
			if time.Since(info.ModTime()) > lockStaleAfter {
				os.Remove(lockPath)
				continue
			}
		}

		time.Sleep(delay)
		delay *= 2
	}

	return nil, &errors.ErrStoreLocked{Path: lockPath, Err: lastErr}
}

// ensureGitignore makes sure the store file name is ignored in its
// directory, so credential material never lands in version control.
func (s *AccountStore) ensureGitignore() {
	dir := filepath.Dir(s.path)
	name := filepath.Base(s.path)
	giPath := filepath.Join(dir, ".gitignore")

	existing, err := os.ReadFile(giPath)
	if err == nil {
		for _, line := range strings.Split(string(existing), "\n") {
			if strings.TrimSpace(line) == name {
				return
			}
		}
	}

	var buf strings.Builder
	buf.Write(existing)
	if len(existing) > 0 && !strings.HasSuffix(string(existing), "\n") {
		buf.WriteString("\n")
	}
	buf.WriteString(name + "\n")
	_ = os.WriteFile(giPath, []byte(buf.String()), 0o644)
}

// sanitize drops records without a refresh token, deduplicates by
// normalized email keeping the entry with the highest (lastUsed, addedAt),
// initializes maps and renumbers indices.
func sanitize(c *models.AccountCollection) {
	kept := make([]*models.ManagedAccount, 0, len(c.Accounts))
	byEmail := make(map[string]int)

	for _, acc := range c.Accounts {
		if acc == nil || acc.Validate() != nil {
			continue
		}
		acc.EnsureMaps()
		if acc.ID == "" {
			acc.ID = newAccountID()
		}

		email := acc.NormalizedEmail()
		if email == "" {
			kept = append(kept, acc)
			continue
		}
		if prev, ok := byEmail[email]; ok {
			if newerAccount(acc, kept[prev]) {
				kept[prev] = acc
			}
			continue
		}
		byEmail[email] = len(kept)
		kept = append(kept, acc)
	}

	c.Accounts = kept
	c.Renumber()
	if c.ActiveIndex >= len(c.Accounts) {
		c.ActiveIndex = 0
	}
	if c.ActiveIndexByFamily == nil {
		c.ActiveIndexByFamily = make(map[models.Family]int)
	}
	for fam, idx := range c.ActiveIndexByFamily {
		if idx >= len(c.Accounts) {
			c.ActiveIndexByFamily[fam] = -1
		}
	}
}

func newerAccount(a, b *models.ManagedAccount) bool {
	if a.LastUsed != b.LastUsed {
		return a.LastUsed > b.LastUsed
	}
	return a.AddedAt > b.AddedAt
}

// tombstoneRetention bounds how long removal tombstones are kept. The
// window only needs to outlive the slowest sibling's stale in-memory copy.
const tombstoneRetention = 30 * 24 * time.Hour

// Merge reconciles two collections field-by-field. The operation is
// commutative per field: rate-limit and touch maps take the max per key,
// lastUsed takes the max, addedAt the min, and the fingerprint keeps the
// numerically newer value. Accounts present on either side survive unless
// a removal tombstone newer than the account's addedAt exists; a token
// re-added after its removal clears the tombstone.
func Merge(mem, disk *models.AccountCollection) *models.AccountCollection {
	out := &models.AccountCollection{
		Version:             CurrentVersion,
		ActiveIndex:         mem.ActiveIndex,
		ActiveIndexByFamily: mem.ActiveIndexByFamily,
		RemovedTokens:       mergeTombstones(mem.RemovedTokens, disk.RemovedTokens),
		Fingerprint:         maxInt64(mem.Fingerprint, disk.Fingerprint),
	}

	byToken := make(map[string]*models.ManagedAccount)
	order := make([]string, 0, len(mem.Accounts)+len(disk.Accounts))

	for _, acc := range mem.Accounts {
		byToken[acc.RefreshToken] = acc.Clone()
		order = append(order, acc.RefreshToken)
	}
	for _, acc := range disk.Accounts {
		existing, ok := byToken[acc.RefreshToken]
		if !ok {
			byToken[acc.RefreshToken] = acc.Clone()
			order = append(order, acc.RefreshToken)
			continue
		}
		mergeAccount(existing, acc)
	}

	for _, token := range order {
		acc := byToken[token]
		if removedAt, ok := out.RemovedTokens[token]; ok {
			if removedAt >= acc.AddedAt {
				continue
			}
			out.ClearRemoved(token)
		}
		out.Accounts = append(out.Accounts, acc)
	}
	out.Renumber()
	return out
}

// mergeTombstones unions two tombstone maps keeping the newer removal
// time, dropping entries past retention.
func mergeTombstones(a, b map[string]int64) map[string]int64 {
	if len(a) == 0 && len(b) == 0 {
		return nil
	}
	cutoff := time.Now().Add(-tombstoneRetention).UnixMilli()
	out := make(map[string]int64, len(a)+len(b))
	for _, m := range []map[string]int64{a, b} {
		for token, at := range m {
			if at < cutoff {
				continue
			}
			if at > out[token] {
				out[token] = at
			}
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func mergeAccount(dst, src *models.ManagedAccount) {
	for k, v := range src.RateLimitResetTimes {
		if v > dst.RateLimitResetTimes[k] {
			dst.RateLimitResetTimes[k] = v
		}
	}
	for k, v := range src.TouchedForQuota {
		if v > dst.TouchedForQuota[k] {
			dst.TouchedForQuota[k] = v
		}
	}
	if src.LastUsed > dst.LastUsed {
		dst.LastUsed = src.LastUsed
		dst.LastSwitchReason = src.LastSwitchReason
	}
	if src.AddedAt != 0 && (dst.AddedAt == 0 || src.AddedAt < dst.AddedAt) {
		dst.AddedAt = src.AddedAt
	}
	if src.CoolingDownUntil > dst.CoolingDownUntil {
		dst.CoolingDownUntil = src.CoolingDownUntil
		dst.CooldownReason = src.CooldownReason
	}
	if src.AccessTokenExpiry > dst.AccessTokenExpiry {
		dst.AccessToken = src.AccessToken
		dst.AccessTokenExpiry = src.AccessTokenExpiry
	}
	if dst.Email == "" {
		dst.Email = src.Email
	}
	if dst.ProjectID == "" {
		dst.ProjectID = src.ProjectID
	}
	if dst.ManagedProjectID == "" {
		dst.ManagedProjectID = src.ManagedProjectID
	}
	if dst.ID == "" {
		dst.ID = src.ID
	}
}

// SortAccountsByAge orders accounts oldest-first, used by list commands.
func SortAccountsByAge(accounts []*models.ManagedAccount) []*models.ManagedAccount {
	result := make([]*models.ManagedAccount, len(accounts))
	copy(result, accounts)
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].AddedAt < result[j].AddedAt
	})
	return result
}

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
