package loyalty

import (
	"errors"
	"time"
)

// HoldStatus represents the lifecycle state of a redemption hold.
type HoldStatus string

const (
	HoldUnused  HoldStatus = "unused"
	HoldUsed    HoldStatus = "used"
	HoldExpired HoldStatus = "expired"
)

// DefaultHoldTTL is the validity window of an issued code.
const DefaultHoldTTL = 15 * time.Minute

// RedemptionHold is one issued discount code exchanged for points.
type RedemptionHold struct {
	ID             string     `json:"id"`
	Code           string     `json:"code"`
	CustomerID     string     `json:"customer_id"`
	CartToken      string     `json:"cart_token,omitempty"`
	PriceRuleID    string     `json:"price_rule_id,omitempty"`
	PointsRedeemed int64      `json:"points_redeemed"`
	Status         HoldStatus `json:"status"`
	CreatedAt      time.Time  `json:"created_at"`
	ExpiresAt      time.Time  `json:"expires_at"`
	UsedAt         *time.Time `json:"used_at,omitempty"`
}

// NewRedemptionHold creates an unused hold valid for ttl from createdAt.
func NewRedemptionHold(id, code, customerID, cartToken, priceRuleID string, points int64, createdAt time.Time, ttl time.Duration) (*RedemptionHold, error) {
	if code == "" {
		return nil, errors.New("code is required")
	}
	if customerID == "" {
		return nil, errors.New("customer_id is required")
	}
	if points <= 0 {
		return nil, errors.New("points must be positive")
	}

	return &RedemptionHold{
		ID:             id,
		Code:           code,
		CustomerID:     customerID,
		CartToken:      cartToken,
		PriceRuleID:    priceRuleID,
		PointsRedeemed: points,
		Status:         HoldUnused,
		CreatedAt:      createdAt,
		ExpiresAt:      createdAt.Add(ttl),
	}, nil
}

// IsActive reports whether the hold is unused and not yet expired at now.
func (h *RedemptionHold) IsActive(now time.Time) bool {
	return h.Status == HoldUnused && now.Before(h.ExpiresAt)
}

// IsExpired reports whether an unused hold has passed its expiry at now.
func (h *RedemptionHold) IsExpired(now time.Time) bool {
	return h.Status == HoldUnused && !now.Before(h.ExpiresAt)
}

// MarkUsed transitions the hold to used. It reports whether the hold changed;
// marking a used hold again is a no-op.
func (h *RedemptionHold) MarkUsed(usedAt time.Time) (bool, error) {
	switch h.Status {
	case HoldUsed:
		return false, nil
	case HoldUnused:
		h.Status = HoldUsed
		h.UsedAt = &usedAt
		return true, nil
	default:
		return false, errors.New("can only mark unused holds as used")
	}
}

// Clone returns a copy safe to hand outside a store.
func (h *RedemptionHold) Clone() *RedemptionHold {
	c := *h
	if h.UsedAt != nil {
		t := *h.UsedAt
		c.UsedAt = &t
	}
	return &c
}
