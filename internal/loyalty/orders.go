package loyalty

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"loyaltyhub/internal/common/events"
)

const msgInvalidOrder = "Invalid order data"

// OrderEvent is the part of a platform order the loyalty program reads.
type OrderEvent struct {
	OrderID       string
	OrderNumber   string
	CustomerID    string
	TotalPrice    decimal.Decimal
	Gateway       string
	DiscountCodes []string
}

// AwardResult is returned by AwardOrder.
type AwardResult struct {
	OrderID      string `json:"order_id,omitempty"`
	PointsEarned int64  `json:"points_earned"`
	NewBalance   int64  `json:"new_balance"`
	Duplicate    bool   `json:"duplicate,omitempty"`
}

// AwardOrder credits the points earned by a fulfilled order. A repeated
// delivery for the same order returns the first award without crediting.
func (s *Service) AwardOrder(ctx context.Context, order OrderEvent) (*AwardResult, error) {
	customerID := strings.TrimSpace(order.CustomerID)
	if customerID == "" {
		return nil, validationError(msgInvalidOrder)
	}
	earned := s.policy.PointsEarned(order.TotalPrice, order.Gateway)

	unlock := s.locks.Lock(customerID)
	defer unlock()

	if order.OrderID != "" {
		existing, err := s.awards.Reserve(ctx, OrderAward{
			OrderID:    order.OrderID,
			CustomerID: customerID,
			Points:     earned,
			AwardedAt:  s.now(),
		})
		if errors.Is(err, ErrAwardExists) {
			result := &AwardResult{OrderID: order.OrderID, PointsEarned: existing.Points, Duplicate: true}
			if account, err := s.ledger.GetPoints(ctx, customerID); err == nil {
				result.NewBalance = account.Points
			}
			s.logger.Info("duplicate fulfillment ignored", "order_id", order.OrderID, "customer_id", customerID)
			return result, nil
		}
		if err != nil {
			return nil, fmt.Errorf("reserving award: %w", err)
		}
	}

	newBalance, err := s.credit(ctx, customerID, earned)
	if err != nil {
		if order.OrderID != "" {
			if derr := s.awards.Delete(context.WithoutCancel(ctx), order.OrderID); derr != nil {
				s.logger.Error("failed to drop award after credit failure", "order_id", order.OrderID, "error", derr)
			}
		}
		return nil, err
	}

	s.metrics.PointsAdjusted("credit", earned)
	s.publish(ctx, events.EventPointsCredited, events.AggregateCustomer, customerID, events.PointsAdjustedData{
		CustomerID: customerID,
		OrderID:    order.OrderID,
		Points:     earned,
		NewBalance: newBalance,
		Reason:     "order_fulfilled",
	})
	s.logger.Info("points awarded",
		"order_id", order.OrderID,
		"customer_id", customerID,
		"points", earned,
		"new_balance", newBalance,
	)
	return &AwardResult{OrderID: order.OrderID, PointsEarned: earned, NewBalance: newBalance}, nil
}

func (s *Service) credit(ctx context.Context, customerID string, points int64) (int64, error) {
	account, err := s.ledger.GetPoints(ctx, customerID)
	if errors.Is(err, ErrNoPointsAccount) {
		account = &PointsAccount{CustomerID: customerID}
	} else if err != nil {
		return 0, fmt.Errorf("reading points: %w", err)
	}

	newBalance := account.Points + points
	if err := s.ledger.SetPoints(ctx, account, newBalance); err != nil {
		return 0, fmt.Errorf("writing points: %w", err)
	}
	return newBalance, nil
}

// ReversalResult is returned by ReverseOrder.
type ReversalResult struct {
	OrderID         string `json:"order_id,omitempty"`
	PointsDeducted  int64  `json:"points_deducted"`
	PointsRemaining int64  `json:"points_remaining"`
	// Exact is false when the deduction was estimated.
	Exact     bool `json:"exact"`
	Duplicate bool `json:"duplicate,omitempty"`
}

// ReverseOrder removes the points a cancelled order earned. The stored award
// is reversed exactly; orders with no stored award fall back to the midpoint
// estimate. The balance never goes below zero.
func (s *Service) ReverseOrder(ctx context.Context, order OrderEvent) (*ReversalResult, error) {
	customerID := strings.TrimSpace(order.CustomerID)
	if customerID == "" {
		return nil, validationError(msgInvalidOrder)
	}

	unlock := s.locks.Lock(customerID)
	defer unlock()

	account, err := s.ledger.GetPoints(ctx, customerID)
	if errors.Is(err, ErrNoPointsAccount) {
		return nil, &RedemptionError{Kind: KindNoPointsAccount, Message: "No loyalty points found", Err: err}
	}
	if err != nil {
		return nil, fmt.Errorf("reading points: %w", err)
	}

	deduct, exact, err := s.takeAward(ctx, customerID, order)
	if errors.Is(err, ErrAwardReversed) {
		return &ReversalResult{OrderID: order.OrderID, PointsRemaining: account.Points, Exact: true, Duplicate: true}, nil
	}
	if err != nil {
		return nil, err
	}

	newBalance := account.Points - deduct
	if newBalance < 0 {
		newBalance = 0
	}
	deducted := account.Points - newBalance

	if err := s.ledger.SetPoints(ctx, account, newBalance); err != nil {
		if order.OrderID != "" {
			s.untakeAward(ctx, order.OrderID, exact)
		}
		return nil, fmt.Errorf("writing points: %w", err)
	}

	s.metrics.PointsAdjusted("debit", deducted)
	s.publish(ctx, events.EventPointsDebited, events.AggregateCustomer, customerID, events.PointsAdjustedData{
		CustomerID: customerID,
		OrderID:    order.OrderID,
		Points:     deducted,
		NewBalance: newBalance,
		Reason:     "order_canceled",
	})
	s.logger.Info("points reversed",
		"order_id", order.OrderID,
		"customer_id", customerID,
		"points", deducted,
		"exact", exact,
		"new_balance", newBalance,
	)
	return &ReversalResult{
		OrderID:         order.OrderID,
		PointsDeducted:  deducted,
		PointsRemaining: newBalance,
		Exact:           exact,
	}, nil
}

// takeAward returns the points to deduct for order. Estimated reversals are
// stored as already reversed awards so a repeated cancellation deducts nothing.
func (s *Service) takeAward(ctx context.Context, customerID string, order OrderEvent) (int64, bool, error) {
	estimate := s.policy.EstimateEarned(order.TotalPrice, order.Gateway)
	if order.OrderID == "" {
		return estimate, false, nil
	}

	now := s.now()
	award, err := s.awards.Take(ctx, order.OrderID, now)
	switch {
	case err == nil:
		return award.Points, true, nil
	case errors.Is(err, ErrAwardReversed):
		return 0, true, err
	case !errors.Is(err, ErrAwardNotFound):
		return 0, false, fmt.Errorf("taking award: %w", err)
	}

	if _, err := s.awards.Reserve(ctx, OrderAward{
		OrderID:    order.OrderID,
		CustomerID: customerID,
		Points:     estimate,
		AwardedAt:  now,
	}); err != nil {
		return 0, false, fmt.Errorf("recording estimated award: %w", err)
	}
	if _, err := s.awards.Take(ctx, order.OrderID, now); err != nil {
		return 0, false, fmt.Errorf("reversing estimated award: %w", err)
	}
	return estimate, false, nil
}

func (s *Service) untakeAward(ctx context.Context, orderID string, exact bool) {
	ctx = context.WithoutCancel(ctx)
	var err error
	if exact {
		err = s.awards.Restore(ctx, orderID)
	} else {
		err = s.awards.Delete(ctx, orderID)
	}
	if err != nil {
		s.logger.Error("failed to undo award reversal", "order_id", orderID, "error", err)
	}
}

// CodeResult reports the outcome for one discount code of an order.
type CodeResult struct {
	Code    string `json:"code"`
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// ConsumeCodes marks the loyalty codes applied to an order as used. Codes
// without the loyalty prefix are skipped; each remaining code is handled
// independently.
func (s *Service) ConsumeCodes(ctx context.Context, order OrderEvent) []CodeResult {
	results := make([]CodeResult, 0, len(order.DiscountCodes))
	for _, raw := range order.DiscountCodes {
		code := strings.ToUpper(strings.TrimSpace(raw))
		if code == "" || !s.codes.HasPrefix(code) {
			continue
		}

		usedAt := s.now()
		err := s.holds.MarkUsed(ctx, code, usedAt)
		switch {
		case err == nil:
			results = append(results, CodeResult{Code: code, Success: true})
			s.publish(ctx, events.EventRedemptionUsed, events.AggregateRedemption, code, events.RedemptionUsedData{
				Code:    code,
				OrderID: order.OrderID,
				UsedAt:  usedAt,
			})
		case errors.Is(err, ErrHoldNotFound):
			results = append(results, CodeResult{Code: code, Error: "Discount code not found"})
		default:
			s.logger.Error("failed to mark code used", "code", code, "order_id", order.OrderID, "error", err)
			results = append(results, CodeResult{Code: code, Error: "Failed to update discount code"})
		}
	}
	return results
}
