package loyalty

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// PointsAccount is a customer's balance as held by the commerce platform.
type PointsAccount struct {
	CustomerID string `json:"customer_id"`
	// MetafieldID is empty until the balance has been written once.
	MetafieldID string `json:"metafield_id,omitempty"`
	Points      int64  `json:"points"`
}

// PointsLedger reads and writes customer balances. Balances are always read
// fresh; nothing is cached locally.
type PointsLedger interface {
	// GetPoints returns ErrNoPointsAccount when the customer has no balance.
	GetPoints(ctx context.Context, customerID string) (*PointsAccount, error)
	// SetPoints overwrites the balance, creating the record when
	// account.MetafieldID is empty. On success account is updated in place.
	SetPoints(ctx context.Context, account *PointsAccount, points int64) error
}

// DiscountSpec describes the single-use discount to create for a redemption.
// MinSubtotal is the cart subtotal the discount requires.
type DiscountSpec struct {
	CustomerID  string
	CartToken   string
	Code        string
	Points      int64
	MinSubtotal decimal.Decimal
	StartsAt    time.Time
	EndsAt      time.Time
}

// ProvisionedDiscount identifies a discount created on the platform.
type ProvisionedDiscount struct {
	Code        string `json:"code"`
	PriceRuleID string `json:"price_rule_id"`
}

// DiscountProvisioner creates and removes platform discounts.
type DiscountProvisioner interface {
	Create(ctx context.Context, spec DiscountSpec) (*ProvisionedDiscount, error)
	// Delete treats an already removed discount as success.
	Delete(ctx context.Context, priceRuleID string) error
	// ListActive counts the customer's loyalty discounts live at now.
	ListActive(ctx context.Context, customerID string, now time.Time) (int, error)
}

// Metrics receives service outcomes.
type Metrics interface {
	RedemptionFinished(outcome string)
	HoldsSwept(kind string, n int)
	PointsAdjusted(direction string, points int64)
}

type nopMetrics struct{}

func (nopMetrics) RedemptionFinished(string) {}
func (nopMetrics) HoldsSwept(string, int) {}
func (nopMetrics) PointsAdjusted(string, int64) {}
