// Package reserve implements the reserve-then-settle cost accounting
// protocol: a hold is opened before the upstream call and later settled with
// actual figures or refunded on failure, exactly once.
package reserve

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when the reservation identifier is unknown.
var ErrNotFound = errors.New("reserve: reservation not found")

// ErrAlreadySettled is returned when Settle or Refund is invoked on a
// reservation that has already reached a terminal state. This is the check
// that prevents double-billing under retried settlement calls.
var ErrAlreadySettled = errors.New("reserve: reservation already settled")

// Status is the lifecycle state of a reservation.
type Status string

const (
	// StatusReserved is the initial state: the hold is open.
	StatusReserved Status = "reserved"
	// StatusSettled is terminal: actual cost has been recorded.
	StatusSettled Status = "settled"
	// StatusRefunded is terminal: the hold was cancelled with zero cost.
	StatusRefunded Status = "refunded"
)

// Reservation is one in-flight cost hold. Status transitions are one-way:
// reserved → settled or reserved → refunded, never back.
type Reservation struct {
	ID            string
	WalletID      string
	UserID        string
	Provider      string
	Model         string
	EstimatedCost float64
	ActualCost    float64
	InputTokens   int
	OutputTokens  int
	Status        Status
	CreatedAt     time.Time
	SettledAt     time.Time
}

// Store holds in-flight reservations keyed by identifier. A single exclusive
// lock guards the map; reservation volume is one per in-flight request, so
// contention is negligible. Shard by identifier hash if that ever changes.
type Store struct {
	mu           sync.Mutex
	reservations map[string]*Reservation
}

// NewStore creates an empty reservation store.
func NewStore() *Store {
	return &Store{reservations: make(map[string]*Reservation)}
}

// Reserve opens a new hold and returns a copy of it. The identifier is a
// generated UUID.
func (s *Store) Reserve(walletID, userID, provider, model string, estimatedCost float64, inputTokens int) Reservation {
	r := &Reservation{
		ID:            uuid.NewString(),
		WalletID:      walletID,
		UserID:        userID,
		Provider:      provider,
		Model:         model,
		EstimatedCost: estimatedCost,
		InputTokens:   inputTokens,
		Status:        StatusReserved,
		CreatedAt:     time.Now(),
	}

	s.mu.Lock()
	s.reservations[r.ID] = r
	s.mu.Unlock()

	return *r
}

// Settle finalises the reservation with actual cost and token figures.
// It fails with ErrNotFound for unknown identifiers and ErrAlreadySettled
// when the reservation is no longer in the reserved state; in that case the
// stored figures from the first settlement are left untouched.
func (s *Store) Settle(id string, actualCost float64, inputTokens, outputTokens int) (Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.reservations[id]
	if !ok {
		return Reservation{}, ErrNotFound
	}
	if r.Status != StatusReserved {
		return Reservation{}, ErrAlreadySettled
	}

	r.Status = StatusSettled
	r.ActualCost = actualCost
	r.InputTokens = inputTokens
	r.OutputTokens = outputTokens
	r.SettledAt = time.Now()

	return *r, nil
}

// Refund cancels the reservation with zero actual cost. It is expected when
// the upstream provider call fails after the hold was opened. The same
// terminal-state rules as Settle apply.
func (s *Store) Refund(id string) (Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.reservations[id]
	if !ok {
		return Reservation{}, ErrNotFound
	}
	if r.Status != StatusReserved {
		return Reservation{}, ErrAlreadySettled
	}

	r.Status = StatusRefunded
	r.ActualCost = 0
	r.SettledAt = time.Now()

	return *r, nil
}

// Get returns a copy of the reservation with the given identifier.
func (s *Store) Get(id string) (Reservation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.reservations[id]
	if !ok {
		return Reservation{}, false
	}
	return *r, true
}

// Pending returns the number of reservations still in the reserved state.
func (s *Store) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, r := range s.reservations {
		if r.Status == StatusReserved {
			n++
		}
	}
	return n
}
