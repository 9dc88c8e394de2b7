// Package store provides HoldStore and AwardStore backends.
package store

import (
	"context"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"loyaltyhub/internal/loyalty"
)

// slot is a customer's claim: a pending reservation, or the code of the hold
// that filled it.
type slot struct {
	reservationID string
	until         time.Time
	code          string
}

// MemoryStore keeps holds in process memory. All operations run under one
// mutex, so every check-and-set is atomic.
type MemoryStore struct {
	mu     sync.Mutex
	byCode map[string]*loyalty.RedemptionHold
	slots  map[string]*slot
	now    func() time.Time
}

var _ loyalty.HoldStore = (*MemoryStore)(nil)

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byCode: make(map[string]*loyalty.RedemptionHold),
		slots:  make(map[string]*slot),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// SetClock replaces the time source used for lazy expiry.
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// claim checks the customer's slot. Callers hold s.mu.
func (s *MemoryStore) claim(customerID string, now time.Time) error {
	sl, ok := s.slots[customerID]
	if !ok {
		return nil
	}
	if sl.code != "" {
		if h, ok := s.byCode[sl.code]; ok && h.IsActive(now) {
			return loyalty.ConflictError(h.Clone())
		}
		return nil
	}
	if now.Before(sl.until) {
		return loyalty.ErrReservationPending
	}
	return nil
}

func (s *MemoryStore) Reserve(ctx context.Context, customerID string, until time.Time) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.claim(customerID, s.now()); err != nil {
		return "", err
	}
	id := ulid.Make().String()
	s.slots[customerID] = &slot{reservationID: id, until: until}
	return id, nil
}

func (s *MemoryStore) Record(ctx context.Context, reservationID string, hold *loyalty.RedemptionHold) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sl, ok := s.slots[hold.CustomerID]
	if !ok || sl.reservationID != reservationID || sl.code != "" {
		return loyalty.ErrReservationLost
	}
	if _, exists := s.byCode[hold.Code]; exists {
		return loyalty.ErrDuplicateCode
	}
	s.byCode[hold.Code] = hold.Clone()
	sl.code = hold.Code
	return nil
}

func (s *MemoryStore) Release(ctx context.Context, customerID, reservationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sl, ok := s.slots[customerID]
	if !ok || sl.reservationID != reservationID || sl.code != "" {
		return loyalty.ErrReservationLost
	}
	delete(s.slots, customerID)
	return nil
}

func (s *MemoryStore) Put(ctx context.Context, hold *loyalty.RedemptionHold) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.claim(hold.CustomerID, s.now()); err != nil {
		return err
	}
	if _, exists := s.byCode[hold.Code]; exists {
		return loyalty.ErrDuplicateCode
	}
	s.byCode[hold.Code] = hold.Clone()
	s.slots[hold.CustomerID] = &slot{reservationID: hold.ID, code: hold.Code}
	return nil
}

func (s *MemoryStore) FindActiveByCustomer(ctx context.Context, customerID string) (*loyalty.RedemptionHold, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sl, ok := s.slots[customerID]
	if !ok || sl.code == "" {
		return nil, loyalty.ErrHoldNotFound
	}
	h, ok := s.byCode[sl.code]
	if !ok || !h.IsActive(s.now()) {
		return nil, loyalty.ErrHoldNotFound
	}
	return h.Clone(), nil
}

func (s *MemoryStore) FindByCode(ctx context.Context, code string) (*loyalty.RedemptionHold, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	h, ok := s.byCode[code]
	if !ok || h.IsExpired(s.now()) {
		return nil, loyalty.ErrHoldNotFound
	}
	return h.Clone(), nil
}

// MarkUsed also accepts a hold that expired but was not swept yet: the
// platform reporting the code as applied is authoritative.
func (s *MemoryStore) MarkUsed(ctx context.Context, code string, usedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	h, ok := s.byCode[code]
	if !ok {
		return loyalty.ErrHoldNotFound
	}
	changed, err := h.MarkUsed(usedAt)
	if err != nil {
		return err
	}
	if changed {
		if sl, ok := s.slots[h.CustomerID]; ok && sl.code == code {
			delete(s.slots, h.CustomerID)
		}
	}
	return nil
}

func (s *MemoryStore) SweepExpired(ctx context.Context, now time.Time) ([]loyalty.RedemptionHold, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var expired []loyalty.RedemptionHold
	for code, h := range s.byCode {
		if !h.IsExpired(now) {
			continue
		}
		delete(s.byCode, code)
		if sl, ok := s.slots[h.CustomerID]; ok && sl.code == code {
			delete(s.slots, h.CustomerID)
		}
		c := h.Clone()
		c.Status = loyalty.HoldExpired
		expired = append(expired, *c)
	}
	for customerID, sl := range s.slots {
		if sl.code == "" && !now.Before(sl.until) {
			delete(s.slots, customerID)
		}
	}
	return expired, nil
}

func (s *MemoryStore) SweepUsed(ctx context.Context, usedBefore time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for code, h := range s.byCode {
		if h.Status == loyalty.HoldUsed && h.UsedAt != nil && h.UsedAt.Before(usedBefore) {
			delete(s.byCode, code)
			n++
		}
	}
	return n, nil
}

// MemoryAwardStore keeps order awards in process memory.
type MemoryAwardStore struct {
	mu     sync.Mutex
	awards map[string]*loyalty.OrderAward
}

var _ loyalty.AwardStore = (*MemoryAwardStore)(nil)

// NewMemoryAwardStore creates an empty award store.
func NewMemoryAwardStore() *MemoryAwardStore {
	return &MemoryAwardStore{awards: make(map[string]*loyalty.OrderAward)}
}

func (s *MemoryAwardStore) Reserve(ctx context.Context, award loyalty.OrderAward) (*loyalty.OrderAward, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.awards[award.OrderID]; ok {
		return copyAward(existing), loyalty.ErrAwardExists
	}
	s.awards[award.OrderID] = copyAward(&award)
	return copyAward(&award), nil
}

func (s *MemoryAwardStore) Delete(ctx context.Context, orderID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.awards, orderID)
	return nil
}

func (s *MemoryAwardStore) Take(ctx context.Context, orderID string, at time.Time) (*loyalty.OrderAward, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.awards[orderID]
	if !ok {
		return nil, loyalty.ErrAwardNotFound
	}
	if a.ReversedAt != nil {
		return copyAward(a), loyalty.ErrAwardReversed
	}
	a.ReversedAt = &at
	return copyAward(a), nil
}

func (s *MemoryAwardStore) Restore(ctx context.Context, orderID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.awards[orderID]
	if !ok {
		return loyalty.ErrAwardNotFound
	}
	a.ReversedAt = nil
	return nil
}

func copyAward(a *loyalty.OrderAward) *loyalty.OrderAward {
	c := *a
	if a.ReversedAt != nil {
		t := *a.ReversedAt
		c.ReversedAt = &t
	}
	return &c
}
