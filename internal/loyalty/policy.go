// Package loyalty implements points earning, redemption and the lifecycle of
// redemption holds backed by platform discount codes.
package loyalty

import (
	"math/rand"
	"strings"

	"github.com/shopspring/decimal"
)

// Earn modes.
const (
	EarnModeRandom = "random"
	EarnModeFixed  = "fixed"
)

// PolicyConfig holds the earning and redemption thresholds.
type PolicyConfig struct {
	MinOrderValue     decimal.Decimal `envconfig:"LOYALTY_MIN_ORDER_VALUE" default:"2000"`
	TopTierOrderValue decimal.Decimal `envconfig:"LOYALTY_TOP_TIER_ORDER_VALUE" default:"10000"`
	BaseRedeemRate    decimal.Decimal `envconfig:"LOYALTY_BASE_REDEEM_RATE" default:"0.15"`
	TopRedeemRate     decimal.Decimal `envconfig:"LOYALTY_TOP_REDEEM_RATE" default:"0.25"`
	EarnRateMin       decimal.Decimal `envconfig:"LOYALTY_EARN_RATE_MIN" default:"0.01"`
	EarnRateMax       decimal.Decimal `envconfig:"LOYALTY_EARN_RATE_MAX" default:"0.02"`
	EarnMode          string          `envconfig:"LOYALTY_EARN_MODE" default:"random"`
	PrepaidMultiplier int64           `envconfig:"LOYALTY_PREPAID_MULTIPLIER" default:"2"`
	CODGateways       []string        `envconfig:"LOYALTY_COD_GATEWAYS" default:"cash on delivery,cash_on_delivery,cod"`
}

// DefaultPolicyConfig returns the reference thresholds.
func DefaultPolicyConfig() PolicyConfig {
	return PolicyConfig{
		MinOrderValue:     decimal.NewFromInt(2000),
		TopTierOrderValue: decimal.NewFromInt(10000),
		BaseRedeemRate:    decimal.RequireFromString("0.15"),
		TopRedeemRate:     decimal.RequireFromString("0.25"),
		EarnRateMin:       decimal.RequireFromString("0.01"),
		EarnRateMax:       decimal.RequireFromString("0.02"),
		EarnMode:          EarnModeRandom,
		PrepaidMultiplier: 2,
		CODGateways:       []string{"cash on delivery", "cash_on_delivery", "cod"},
	}
}

// Policy computes points earned and the redemption ceiling. It performs no I/O.
type Policy struct {
	cfg  PolicyConfig
	cod  map[string]struct{}
	rand func() float64
}

// NewPolicy creates a policy. Earn rates in random mode are drawn from math/rand.
func NewPolicy(cfg PolicyConfig) *Policy {
	cod := make(map[string]struct{}, len(cfg.CODGateways))
	for _, g := range cfg.CODGateways {
		cod[normalizeGateway(g)] = struct{}{}
	}
	return &Policy{cfg: cfg, cod: cod, rand: rand.Float64}
}

// SetRandomSource replaces the [0,1) source used to sample earn rates.
func (p *Policy) SetRandomSource(src func() float64) {
	p.rand = src
}

// Config returns the policy configuration.
func (p *Policy) Config() PolicyConfig {
	return p.cfg
}

// PointsEarned returns the points awarded for an order. The rate is sampled
// uniformly between EarnRateMin and EarnRateMax, or fixed at the midpoint in
// fixed mode, and multiplied for prepaid orders.
func (p *Policy) PointsEarned(orderValue decimal.Decimal, paymentMethod string) int64 {
	u := 0.5
	if p.cfg.EarnMode != EarnModeFixed {
		u = p.rand()
	}
	return p.earned(orderValue, paymentMethod, decimal.NewFromFloat(u))
}

// EstimateEarned is the deterministic midpoint of PointsEarned.
func (p *Policy) EstimateEarned(orderValue decimal.Decimal, paymentMethod string) int64 {
	return p.earned(orderValue, paymentMethod, decimal.RequireFromString("0.5"))
}

func (p *Policy) earned(orderValue decimal.Decimal, paymentMethod string, u decimal.Decimal) int64 {
	if !orderValue.IsPositive() {
		return 0
	}
	span := p.cfg.EarnRateMax.Sub(p.cfg.EarnRateMin)
	rate := p.cfg.EarnRateMin.Add(span.Mul(u))

	points := orderValue.Mul(rate).Round(0).IntPart()
	if !p.IsCashOnDelivery(paymentMethod) && p.cfg.PrepaidMultiplier > 1 {
		points *= p.cfg.PrepaidMultiplier
	}
	return points
}

// MaxRedeemable returns the most points a customer holding currentPoints may
// redeem against an order of orderValue.
func (p *Policy) MaxRedeemable(orderValue decimal.Decimal, currentPoints int64) int64 {
	if currentPoints <= 0 || !p.MeetsMinimum(orderValue) {
		return 0
	}
	rate := p.cfg.BaseRedeemRate
	if orderValue.GreaterThanOrEqual(p.cfg.TopTierOrderValue) {
		rate = p.cfg.TopRedeemRate
	}
	return decimal.NewFromInt(currentPoints).Mul(rate).Floor().IntPart()
}

// MeetsMinimum reports whether orderValue qualifies for any redemption.
func (p *Policy) MeetsMinimum(orderValue decimal.Decimal) bool {
	return orderValue.GreaterThanOrEqual(p.cfg.MinOrderValue)
}

// IsCashOnDelivery reports whether the payment gateway is a COD equivalent.
func (p *Policy) IsCashOnDelivery(paymentMethod string) bool {
	_, ok := p.cod[normalizeGateway(paymentMethod)]
	return ok
}

func normalizeGateway(g string) string {
	return strings.ToLower(strings.TrimSpace(g))
}
