// Package audit persists scheduling outcomes so operators can see why an
// account was picked, limited, or cooled down after the fact.
package audit

import (
	"database/sql"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/poolguard/poolguard/internal/logging"
	_ "modernc.org/sqlite"
)

// EventType classifies an audit event.
type EventType string

const (
	EventSelection     EventType = "SELECTION"
	EventRateLimited   EventType = "RATE_LIMITED"
	EventCooldown      EventType = "COOLDOWN"
	EventAccountAdded  EventType = "ACCOUNT_ADDED"
	EventAccountRemove EventType = "ACCOUNT_REMOVED"
	EventExhaustion    EventType = "EXHAUSTION"
)

// Event is one recorded scheduling outcome.
type Event struct {
	ID        string
	Type      EventType
	AccountID string
	Family    string
	QuotaKey  string
	Detail    string
	CreatedAt time.Time
}

// Store is a WAL-mode SQLite event log with bounded retention.
type Store struct {
	mu            sync.Mutex
	db            *sql.DB
	logger        *logging.Logger
	retentionDays int

	cleanupTicker *time.Ticker
	cleanupDone   chan struct{}
	closeOnce     sync.Once
}

// NewStore opens (creating if needed) the audit database.
func NewStore(dbPath string, retentionDays int, logger *logging.Logger) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS events (
			id         TEXT PRIMARY KEY,
			type       TEXT NOT NULL,
			account_id TEXT,
			family     TEXT,
			quota_key  TEXT,
			detail     TEXT,
			created_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_events_created ON events(created_at);
		CREATE INDEX IF NOT EXISTS idx_events_account ON events(account_id, created_at);
	`); err != nil {
		db.Close()
		return nil, err
	}

	if retentionDays <= 0 {
		retentionDays = 30
	}

	return &Store{
		db:            db,
		logger:        logger,
		retentionDays: retentionDays,
	}, nil
}

// Record appends an event. Failures are logged, never surfaced: the audit
// trail must not break scheduling.
func (s *Store) Record(ev Event) {
	if s == nil {
		return
	}
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		`INSERT INTO events (id, type, account_id, family, quota_key, detail, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, string(ev.Type), ev.AccountID, ev.Family, ev.QuotaKey, ev.Detail, ev.CreatedAt.UnixMilli(),
	)
	if err != nil {
		s.logger.Warn("failed to record audit event", "type", string(ev.Type), "error", err.Error())
	}
}

// Recent returns the newest events, most recent first.
func (s *Store) Recent(limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 50
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(
		`SELECT id, type, account_id, family, quota_key, detail, created_at FROM events ORDER BY created_at DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var ev Event
		var typ string
		var createdAt int64
		if err := rows.Scan(&ev.ID, &typ, &ev.AccountID, &ev.Family, &ev.QuotaKey, &ev.Detail, &createdAt); err != nil {
			return nil, err
		}
		ev.Type = EventType(typ)
		ev.CreatedAt = time.UnixMilli(createdAt)
		events = append(events, ev)
	}
	return events, rows.Err()
}

// Cleanup deletes events older than the retention window and returns the
// number removed.
func (s *Store) Cleanup() (int64, error) {
	cutoff := time.Now().AddDate(0, 0, -s.retentionDays).UnixMilli()

	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`DELETE FROM events WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// StartCleanupRoutine sweeps expired events on a cadence until Close.
func (s *Store) StartCleanupRoutine(interval time.Duration) {
	s.cleanupTicker = time.NewTicker(interval)
	s.cleanupDone = make(chan struct{})

	go func() {
		for {
			select {
			case <-s.cleanupDone:
				return
			case <-s.cleanupTicker.C:
				if n, err := s.Cleanup(); err != nil {
					s.logger.Warn("audit cleanup failed", "error", err.Error())
				} else if n > 0 {
					s.logger.Debug("audit cleanup removed events", "count", n)
				}
			}
		}
	}()
}

// Close stops the cleanup routine and closes the database.
func (s *Store) Close() error {
	var err error
	s.closeOnce.Do(func() {
		if s.cleanupTicker != nil {
			s.cleanupTicker.Stop()
			close(s.cleanupDone)
		}
		err = s.db.Close()
	})
	return err
}
