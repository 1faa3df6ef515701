package models

import "time"

// Reservation is a time-bounded, process-owned claim on an account index,
// recorded in a file shared by all processes on the machine. It gives the
// owner first refusal on the account; it is not a mutual-exclusion lock.
type Reservation struct {
	PID       int    `json:"pid"`
	Timestamp int64  `json:"timestamp"`
	Family    Family `json:"family"`
	ExpiresAt int64  `json:"expiresAt"`
}

// IsExpired reports whether the lease has passed its deadline.
func (r *Reservation) IsExpired(now time.Time) bool {
	return now.UnixMilli() >= r.ExpiresAt
}

// ReservationTable is the on-disk lease file layout, keyed by the decimal
// account index.
type ReservationTable struct {
	Reservations map[string]*Reservation `json:"reservations"`
}

// NewReservationTable returns an empty table.
func NewReservationTable() *ReservationTable {
	return &ReservationTable{Reservations: make(map[string]*Reservation)}
}
