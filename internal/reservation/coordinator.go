package reservation

import (
	"encoding/json"
	"math/rand"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/poolguard/poolguard/internal/logging"
	"github.com/poolguard/poolguard/internal/metrics"
	"github.com/poolguard/poolguard/internal/models"
)

// Config holds coordinator tuning knobs.
type Config struct {
	// TTL bounds how long a lease survives its owner going silent.
	TTL time.Duration
	// CacheWindow bounds file reads under request bursts.
	CacheWindow time.Duration
	// JitterMax spreads the first read of co-launched sibling processes.
	JitterMax time.Duration
}

// DefaultConfig returns default coordinator configuration.
func DefaultConfig() Config {
	return Config{
		TTL:         90 * time.Second,
		CacheWindow: 2 * time.Second,
		JitterMax:   300 * time.Millisecond,
	}
}

// Coordinator gives processes first refusal on an account via a lease
// table in a shared file. It is an optimization, not a lock: reservation
// failures always fail open, and callers may use a reserved account when
// nothing else is eligible.
type Coordinator struct {
	path    string
	cfg     Config
	pid     int
	logger  *logging.Logger
	metrics *metrics.Metrics

	mu       sync.Mutex
	cache    *models.ReservationTable
	cacheAt  time.Time
	own      map[int]bool
	jittered bool

	// alive is swappable for tests; defaults to a zero-signal probe.
	alive func(pid int) bool
	now   func() time.Time
}

// NewCoordinator creates a coordinator writing to the given lease file.
// mets may be nil when no metrics registry is in play.
func NewCoordinator(path string, cfg Config, logger *logging.Logger, mets *metrics.Metrics) *Coordinator {
	return &Coordinator{
		path:    path,
		cfg:     cfg,
		pid:     os.Getpid(),
		logger:  logger,
		metrics: mets,
		own:     make(map[int]bool),
		alive:   processAlive,
		now:     time.Now,
	}
}

// ApplyStartupJitter sleeps a random 0..JitterMax before the process's
// first selection, so siblings launched in the same instant do not all
// read the table before any of them has written to it. Runs at most once.
func (c *Coordinator) ApplyStartupJitter() {
	c.mu.Lock()
	if c.jittered || c.cfg.JitterMax <= 0 {
		c.mu.Unlock()
		return
	}
	c.jittered = true
	c.mu.Unlock()

	time.Sleep(time.Duration(rand.Int63n(int64(c.cfg.JitterMax))))
}

// IsReserved reports whether another live process currently holds a lease
// on (index, family). Own leases never block their owner.
func (c *Coordinator) IsReserved(index int, family models.Family) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	table := c.readCachedLocked()
	res, ok := table.Reservations[strconv.Itoa(index)]
	if !ok {
		return false
	}
	return c.blocksLocked(res, family)
}

// blocksLocked applies the lease activity rule: a reservation blocks the
// caller only if it is unexpired, foreign, for the same family, and its
// owner still exists. The liveness probe reclaims a crashed process's
// lease before the TTL would.
func (c *Coordinator) blocksLocked(res *models.Reservation, family models.Family) bool {
	if res.IsExpired(c.now()) {
		return false
	}
	if res.PID == c.pid {
		return false
	}
	if family != "" && res.Family != "" && res.Family != family {
		return false
	}
	return c.alive(res.PID)
}

// Reserve records a lease on index for this process, replacing whatever
// entry the index had. Errors are logged and swallowed: a failed
// reservation only costs collision avoidance.
func (c *Coordinator) Reserve(index int, family models.Family) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	err := c.updateTableLocked(func(table *models.ReservationTable) {
		table.Reservations[strconv.Itoa(index)] = &models.Reservation{
			PID:       c.pid,
			Timestamp: now.UnixMilli(),
			Family:    family,
			ExpiresAt: now.Add(c.cfg.TTL).UnixMilli(),
		}
	})
	c.recordOp("reserve", err)
	c.own[index] = true
}

// Refresh extends an existing own lease while a long call is in flight.
func (c *Coordinator) Refresh(index int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.own[index] {
		return
	}
	now := c.now()
	err := c.updateTableLocked(func(table *models.ReservationTable) {
		if res, ok := table.Reservations[strconv.Itoa(index)]; ok && res.PID == c.pid {
			res.ExpiresAt = now.Add(c.cfg.TTL).UnixMilli()
		}
	})
	c.recordOp("refresh", err)
}

// Release drops this process's lease on index. The own-lease set makes
// this correct even if another process rewrote the file and the entry is
// gone.
func (c *Coordinator) Release(index int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.releaseLocked(index)
}

func (c *Coordinator) releaseLocked(index int) {
	if !c.own[index] {
		return
	}
	delete(c.own, index)
	err := c.updateTableLocked(func(table *models.ReservationTable) {
		key := strconv.Itoa(index)
		if res, ok := table.Reservations[key]; ok && res.PID == c.pid {
			delete(table.Reservations, key)
		}
	})
	c.recordOp("release", err)
}

// ReleaseAll drops every lease this process holds. Wired to process-exit
// signals so leases do not linger until TTL after a clean shutdown.
func (c *Coordinator) ReleaseAll() {
	c.mu.Lock()
	defer c.mu.Unlock()

	indices := make([]int, 0, len(c.own))
	for idx := range c.own {
		indices = append(indices, idx)
	}
	for _, idx := range indices {
		c.releaseLocked(idx)
	}
}

// AvailableIndices returns the account indices in [0, total) not blocked
// by a foreign live lease for family.
func (c *Coordinator) AvailableIndices(total int, family models.Family) []int {
	c.mu.Lock()
	defer c.mu.Unlock()

	table := c.readCachedLocked()
	available := make([]int, 0, total)
	for i := 0; i < total; i++ {
		res, ok := table.Reservations[strconv.Itoa(i)]
		if ok && c.blocksLocked(res, family) {
			continue
		}
		available = append(available, i)
	}
	return available
}

// readCachedLocked returns the table, reading the file at most once per
// cache window.
func (c *Coordinator) readCachedLocked() *models.ReservationTable {
	now := c.now()
	if c.cache != nil && now.Sub(c.cacheAt) < c.cfg.CacheWindow {
		return c.cache
	}
	c.cache = c.readTable()
	c.cacheAt = now
	return c.cache
}

// readTable reads the lease file, failing open to an empty table.
func (c *Coordinator) readTable() *models.ReservationTable {
	data, err := os.ReadFile(c.path)
	if err != nil {
		return models.NewReservationTable()
	}
	var table models.ReservationTable
	if err := json.Unmarshal(data, &table); err != nil {
		c.logger.Debug("reservation table unreadable, treating as empty", "error", err.Error())
		return models.NewReservationTable()
	}
	if table.Reservations == nil {
		table.Reservations = make(map[string]*models.Reservation)
	}
	return &table
}

// updateTableLocked runs a read-merge-write cycle: re-read the file,
// prune stale and dead-owner entries, apply the mutation, write
// atomically. Concurrent writers converge instead of stomping each other.
func (c *Coordinator) updateTableLocked(mutate func(*models.ReservationTable)) error {
	table := c.readTable()

	now := c.now()
	for key, res := range table.Reservations {
		if res.IsExpired(now) || (res.PID != c.pid && !c.alive(res.PID)) {
			delete(table.Reservations, key)
		}
	}

	mutate(table)

	err := c.writeTable(table)
	if err != nil {
		c.logger.Debug("failed to write reservation table", "error", err.Error())
	}

	c.cache = table
	c.cacheAt = now
	return err
}

func (c *Coordinator) recordOp(op string, err error) {
	if c.metrics == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	c.metrics.ReservationOpsTotal.WithLabelValues(op, outcome).Inc()
}

func (c *Coordinator) writeTable(table *models.ReservationTable) error {
	if err := os.MkdirAll(filepath.Dir(c.path), 0o755); err != nil {
		return err
	}
	data, err := json.Marshal(table)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(c.path), ".reservations-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, c.path); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return nil
}
