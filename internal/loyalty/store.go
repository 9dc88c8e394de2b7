package loyalty

import (
	"context"
	"errors"
	"time"
)

// Store errors.
var (
	ErrHoldNotFound       = errors.New("redemption hold not found")
	ErrReservationPending = errors.New("redemption already in progress")
	ErrReservationLost    = errors.New("redemption reservation no longer held")
	ErrDuplicateCode      = errors.New("discount code already recorded")
	ErrAwardExists        = errors.New("order award already recorded")
	ErrAwardNotFound      = errors.New("order award not found")
	ErrAwardReversed      = errors.New("order award already reversed")
)

// HoldStore tracks issued codes keyed by code and by customer.
//
// Every read path treats an unused hold past its expiry as absent.
// Reserve is the exclusivity point: at most one reservation or active hold
// exists per customer, and it must be taken before provisioning.
type HoldStore interface {
	// Reserve claims the customer's slot until the given deadline. When an
	// active hold exists it returns a Conflict *RedemptionError carrying the
	// hold's code and expiry; when another attempt holds the slot it returns
	// ErrReservationPending.
	Reserve(ctx context.Context, customerID string, until time.Time) (reservationID string, err error)
	// Record turns a reservation into an unused hold.
	Record(ctx context.Context, reservationID string, hold *RedemptionHold) error
	// Release drops a reservation that was never recorded.
	Release(ctx context.Context, customerID, reservationID string) error
	// Put reserves and records in one step.
	Put(ctx context.Context, hold *RedemptionHold) error

	FindActiveByCustomer(ctx context.Context, customerID string) (*RedemptionHold, error)
	FindByCode(ctx context.Context, code string) (*RedemptionHold, error)
	// MarkUsed is idempotent.
	MarkUsed(ctx context.Context, code string, usedAt time.Time) error

	// SweepExpired removes unused holds expired at now and returns them.
	SweepExpired(ctx context.Context, now time.Time) ([]RedemptionHold, error)
	// SweepUsed removes used holds consumed before usedBefore.
	SweepUsed(ctx context.Context, usedBefore time.Time) (int, error)
}

// OrderAward is the exact number of points credited for one order.
type OrderAward struct {
	OrderID    string     `json:"order_id"`
	CustomerID string     `json:"customer_id"`
	Points     int64      `json:"points"`
	AwardedAt  time.Time  `json:"awarded_at"`
	ReversedAt *time.Time `json:"reversed_at,omitempty"`
}

// AwardStore remembers awards per order so duplicate fulfillment deliveries
// credit once and cancellations reverse the exact amount.
type AwardStore interface {
	// Reserve inserts the award, or returns the stored one with ErrAwardExists.
	Reserve(ctx context.Context, award OrderAward) (*OrderAward, error)
	// Delete removes an award whose credit never landed.
	Delete(ctx context.Context, orderID string) error
	// Take marks the award reversed and returns it. An unknown order returns
	// ErrAwardNotFound; an already reversed one returns it with ErrAwardReversed.
	Take(ctx context.Context, orderID string, at time.Time) (*OrderAward, error)
	// Restore clears a reversal whose debit never landed.
	Restore(ctx context.Context, orderID string) error
}
