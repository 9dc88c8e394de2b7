package loyalty

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"

	"loyaltyhub/internal/common/events"
	"loyaltyhub/internal/common/middleware"
)

// Config holds service configuration.
type Config struct {
	HoldTTL          time.Duration `envconfig:"LOYALTY_HOLD_TTL" default:"15m"`
	ProvisionTimeout time.Duration `envconfig:"LOYALTY_PROVISION_TIMEOUT" default:"10s"`
	UsedRetention    time.Duration `envconfig:"LOYALTY_USED_RETENTION" default:"24h"`
	CodePrefix       string        `envconfig:"LOYALTY_CODE_PREFIX" default:"PSKLTY"`
	CurrencySymbol   string        `envconfig:"LOYALTY_CURRENCY_SYMBOL" default:"₹"`
	SweepInterval    time.Duration `envconfig:"LOYALTY_SWEEP_INTERVAL" default:"1m"`
}

// DefaultConfig returns the reference settings.
func DefaultConfig() Config {
	return Config{
		HoldTTL:          DefaultHoldTTL,
		ProvisionTimeout: 10 * time.Second,
		UsedRetention:    24 * time.Hour,
		CodePrefix:       DefaultCodePrefix,
		CurrencySymbol:   "₹",
		SweepInterval:    time.Minute,
	}
}

// reservationSlack covers the ledger reads around provisioning.
const reservationSlack = 30 * time.Second

// compensationTimeout bounds the cleanup calls made after the caller is gone.
const compensationTimeout = 10 * time.Second

// Service orchestrates redemptions, order awards and hold cleanup.
type Service struct {
	cfg         Config
	holds       HoldStore
	awards      AwardStore
	ledger      PointsLedger
	provisioner DiscountProvisioner
	policy      *Policy
	codes       *CodeGenerator
	publisher   events.EventPublisher
	metrics     Metrics
	logger      *slog.Logger

	locks    *keyedMutex
	balances singleflight.Group
	now      func() time.Time
}

// NewService creates a new loyalty service.
func NewService(cfg Config, holds HoldStore, awards AwardStore, ledger PointsLedger, provisioner DiscountProvisioner, policy *Policy, logger *slog.Logger) *Service {
	if cfg.HoldTTL <= 0 {
		cfg.HoldTTL = DefaultHoldTTL
	}
	if cfg.ProvisionTimeout <= 0 {
		cfg.ProvisionTimeout = 10 * time.Second
	}
	return &Service{
		cfg:         cfg,
		holds:       holds,
		awards:      awards,
		ledger:      ledger,
		provisioner: provisioner,
		policy:      policy,
		codes:       NewCodeGenerator(cfg.CodePrefix),
		publisher:   events.LogPublisher{Logger: logger},
		metrics:     nopMetrics{},
		logger:      logger,
		locks:       newKeyedMutex(),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// SetPublisher sets the event publisher.
func (s *Service) SetPublisher(p events.EventPublisher) { s.publisher = p }

// SetMetrics sets the metrics sink.
func (s *Service) SetMetrics(m Metrics) { s.metrics = m }

// SetClock replaces the time source.
func (s *Service) SetClock(now func() time.Time) { s.now = now }

// Codes returns the code generator.
func (s *Service) Codes() *CodeGenerator { return s.codes }

// CurrencySymbol returns the symbol used in customer-facing amounts.
func (s *Service) CurrencySymbol() string { return s.cfg.CurrencySymbol }

// Policy returns the redemption policy.
func (s *Service) Policy() *Policy { return s.policy }

// RedeemRequest asks to exchange points for a discount code.
type RedeemRequest struct {
	CustomerID     string
	PointsToRedeem int64
	OrderValue     decimal.Decimal
	CartToken      string
}

// RedeemResult is returned on a completed redemption.
type RedeemResult struct {
	DiscountCode   string    `json:"discount_code"`
	PointsRedeemed int64     `json:"points_redeemed"`
	NewBalance     int64     `json:"new_balance"`
	ExpiresAt      time.Time `json:"expires_at"`
}

// maxPoints bounds parsed point counts so IntPart cannot wrap.
var maxPoints = decimal.NewFromInt(math.MaxInt64)

// ParseRedeemRequest builds a request from raw form or query values.
func ParseRedeemRequest(customerID, points, orderValue, cartToken string) (RedeemRequest, error) {
	req := RedeemRequest{
		CustomerID: strings.TrimSpace(customerID),
		CartToken:  strings.TrimSpace(cartToken),
	}
	if req.CustomerID == "" {
		return req, validationError(msgMissingCustomer)
	}

	p, err := decimal.NewFromString(strings.TrimSpace(points))
	if err != nil || !p.IsInteger() || !p.IsPositive() || p.GreaterThan(maxPoints) {
		return req, validationError(msgInvalidPoints)
	}
	req.PointsToRedeem = p.IntPart()

	v, err := decimal.NewFromString(strings.TrimSpace(orderValue))
	if err != nil || v.IsNegative() {
		return req, validationError(msgInvalidOrderValue)
	}
	req.OrderValue = v
	return req, nil
}

// Redeem exchanges points for a single-use discount code. At most one unused
// code exists per customer; the customer's slot is reserved before the
// platform discount is created, and a discount whose hold cannot be recorded
// is deleted again.
func (s *Service) Redeem(ctx context.Context, req RedeemRequest) (*RedeemResult, error) {
	attempt := newAttempt(ulid.Make().String(), req.CustomerID, s.now())
	result, err := s.redeem(ctx, attempt, &req)

	s.metrics.RedemptionFinished(attempt.Outcome())
	if err != nil {
		logger := s.logger.With(
			"attempt_id", attempt.ID,
			"customer_id", req.CustomerID,
			"stage", attempt.FailedAt,
			"error", err,
		)
		if attempt.State == StateFailed {
			logger.Error("redemption failed")
		} else {
			logger.Info("redemption rejected")
		}
		return nil, err
	}

	s.logger.Info("redemption completed",
		"attempt_id", attempt.ID,
		"customer_id", req.CustomerID,
		"code", result.DiscountCode,
		"points", result.PointsRedeemed,
		"new_balance", result.NewBalance,
	)
	return result, nil
}

func (s *Service) redeem(ctx context.Context, a *Attempt, req *RedeemRequest) (*RedeemResult, error) {
	if err := s.validate(req); err != nil {
		a.Reject(s.now())
		return nil, err
	}

	// CheckingExisting
	s.advance(a, StateCheckingExisting)
	reservationID, err := s.holds.Reserve(ctx, req.CustomerID, s.now().Add(2*s.cfg.ProvisionTimeout+reservationSlack))
	if err != nil {
		a.Reject(s.now())
		if errors.Is(err, ErrReservationPending) {
			return nil, &RedemptionError{Kind: KindConflict, Message: msgInProgress, Err: err}
		}
		if re, ok := AsRedemptionError(err); ok {
			return nil, re
		}
		return nil, &RedemptionError{Kind: KindUnavailable, Message: msgUnavailable, Err: fmt.Errorf("reserving slot: %w", err)}
	}
	reserved := true
	defer func() {
		if reserved {
			s.release(ctx, req.CustomerID, reservationID)
		}
	}()

	unlock := s.locks.Lock(req.CustomerID)
	defer unlock()

	// CheckingBalance
	s.advance(a, StateCheckingBalance)
	account, err := s.ledger.GetPoints(ctx, req.CustomerID)
	if err != nil {
		a.Reject(s.now())
		if errors.Is(err, ErrNoPointsAccount) {
			return nil, &RedemptionError{Kind: KindNoPointsAccount, Message: msgNoPoints, Err: err}
		}
		return nil, &RedemptionError{Kind: KindUnavailable, Message: msgUnavailable, Err: err}
	}
	if account.Points < req.PointsToRedeem {
		a.Reject(s.now())
		return nil, &RedemptionError{
			Kind:    KindInsufficientPoints,
			Message: fmt.Sprintf("You only have %d points available", account.Points),
			Limit:   account.Points,
		}
	}

	// CheckingPolicy
	s.advance(a, StateCheckingPolicy)
	if !s.policy.MeetsMinimum(req.OrderValue) {
		a.Reject(s.now())
		return nil, &RedemptionError{
			Kind:    KindPolicyViolation,
			Message: fmt.Sprintf("Minimum order value to redeem points is %s%s", s.cfg.CurrencySymbol, s.policy.Config().MinOrderValue.String()),
		}
	}
	if limit := s.policy.MaxRedeemable(req.OrderValue, account.Points); req.PointsToRedeem > limit {
		a.Reject(s.now())
		return nil, &RedemptionError{
			Kind:    KindPolicyViolation,
			Message: fmt.Sprintf("Maximum points you can redeem is %d", limit),
			Limit:   limit,
		}
	}

	// Provisioning
	s.advance(a, StateProvisioning)
	code, err := s.codes.Generate(req.CustomerID, req.CartToken)
	if err != nil {
		a.Reject(s.now())
		return nil, &RedemptionError{Kind: KindProvisioning, Message: msgProvisionFailed, Err: err}
	}
	issuedAt := s.now()
	expiresAt := issuedAt.Add(s.cfg.HoldTTL)

	pctx, cancel := context.WithTimeout(ctx, s.cfg.ProvisionTimeout)
	discount, err := s.provisioner.Create(pctx, DiscountSpec{
		CustomerID:  req.CustomerID,
		CartToken:   req.CartToken,
		Code:        code,
		Points:      req.PointsToRedeem,
		MinSubtotal: s.policy.Config().MinOrderValue,
		StartsAt:    issuedAt,
		EndsAt:      expiresAt,
	})
	cancel()
	if err != nil {
		a.Reject(s.now())
		return nil, &RedemptionError{Kind: KindProvisioning, Message: msgProvisionFailed, Err: err}
	}

	// The platform discount now exists; finish even if the caller goes away.
	ctx = context.WithoutCancel(ctx)

	// Recording
	s.advance(a, StateRecording)
	hold, err := NewRedemptionHold(ulid.Make().String(), discount.Code, req.CustomerID, req.CartToken,
		discount.PriceRuleID, req.PointsToRedeem, issuedAt, s.cfg.HoldTTL)
	if err == nil {
		err = s.holds.Record(ctx, reservationID, hold)
	}
	if err != nil {
		a.Fail(s.now())
		s.compensate(ctx, req, discount, err)
		s.publishFailed(ctx, a, discount.Code, KindRecording, err)
		return nil, &RedemptionError{Kind: KindRecording, Message: msgProvisionFailed, Err: err}
	}
	reserved = false

	// Debiting
	s.advance(a, StateDebiting)
	newBalance := account.Points - req.PointsToRedeem
	if err := s.ledger.SetPoints(ctx, account, newBalance); err != nil {
		a.Fail(s.now())
		s.logger.Error("points debit failed after discount was issued",
			"customer_id", req.CustomerID,
			"code", hold.Code,
			"points", req.PointsToRedeem,
			"error", err,
		)
		s.publish(ctx, events.EventReconciliationRequired, events.AggregateCustomer, req.CustomerID, events.ReconciliationRequiredData{
			CustomerID:  req.CustomerID,
			Code:        hold.Code,
			PriceRuleID: hold.PriceRuleID,
			Points:      req.PointsToRedeem,
			Reason:      "debit_failed",
			Error:       err.Error(),
		})
		s.publishFailed(ctx, a, hold.Code, KindLedgerUpdate, err)
		return nil, &RedemptionError{
			Kind:      KindLedgerUpdate,
			Message:   msgLedgerFailed,
			Code:      hold.Code,
			ExpiresAt: hold.ExpiresAt,
			Err:       err,
		}
	}

	s.advance(a, StateCompleted)
	s.metrics.PointsAdjusted("debit", req.PointsToRedeem)
	s.publish(ctx, events.EventRedemptionCompleted, events.AggregateRedemption, hold.Code, events.RedemptionCompletedData{
		Code:           hold.Code,
		CustomerID:     req.CustomerID,
		PriceRuleID:    hold.PriceRuleID,
		PointsRedeemed: req.PointsToRedeem,
		NewBalance:     newBalance,
		ExpiresAt:      hold.ExpiresAt,
	})

	return &RedeemResult{
		DiscountCode:   hold.Code,
		PointsRedeemed: req.PointsToRedeem,
		NewBalance:     newBalance,
		ExpiresAt:      hold.ExpiresAt,
	}, nil
}

func (s *Service) validate(req *RedeemRequest) error {
	req.CustomerID = strings.TrimSpace(req.CustomerID)
	if req.CustomerID == "" {
		return validationError(msgMissingCustomer)
	}
	if req.PointsToRedeem <= 0 {
		return validationError(msgInvalidPoints)
	}
	if req.OrderValue.IsNegative() {
		return validationError(msgInvalidOrderValue)
	}
	if strings.TrimSpace(req.CartToken) == "" {
		req.CartToken = "fallback-" + uuid.NewString()
	}
	return nil
}

// compensate removes the platform discount of a redemption whose hold could
// not be recorded. Delete is attempted exactly once.
func (s *Service) compensate(ctx context.Context, req *RedeemRequest, discount *ProvisionedDiscount, cause error) {
	cctx, cancel := context.WithTimeout(ctx, compensationTimeout)
	defer cancel()

	err := s.provisioner.Delete(cctx, discount.PriceRuleID)
	s.publish(ctx, events.EventRedemptionCompensated, events.AggregateRedemption, discount.Code, events.RedemptionCompensatedData{
		CustomerID:  req.CustomerID,
		Code:        discount.Code,
		PriceRuleID: discount.PriceRuleID,
		Deleted:     err == nil,
	})
	if err == nil {
		s.logger.Warn("discount compensated after recording failure",
			"customer_id", req.CustomerID,
			"code", discount.Code,
			"price_rule_id", discount.PriceRuleID,
			"cause", cause,
		)
		return
	}

	s.logger.Error("compensation failed, discount left on platform",
		"customer_id", req.CustomerID,
		"code", discount.Code,
		"price_rule_id", discount.PriceRuleID,
		"cause", cause,
		"error", err,
	)
	s.publish(ctx, events.EventReconciliationRequired, events.AggregateRedemption, discount.Code, events.ReconciliationRequiredData{
		CustomerID:  req.CustomerID,
		Code:        discount.Code,
		PriceRuleID: discount.PriceRuleID,
		Points:      req.PointsToRedeem,
		Reason:      "compensation_failed",
		Error:       err.Error(),
	})
}

func (s *Service) release(ctx context.Context, customerID, reservationID string) {
	if err := s.holds.Release(context.WithoutCancel(ctx), customerID, reservationID); err != nil && !errors.Is(err, ErrReservationLost) {
		s.logger.Warn("failed to release reservation",
			"customer_id", customerID,
			"reservation_id", reservationID,
			"error", err,
		)
	}
}

func (s *Service) advance(a *Attempt, next RedemptionState) {
	if err := a.Advance(next, s.now()); err != nil {
		// Steps are sequential in redeem; a rejected move is a programming error.
		panic(err)
	}
}

func (s *Service) publishFailed(ctx context.Context, a *Attempt, code string, kind ErrorKind, cause error) {
	s.publish(ctx, events.EventRedemptionFailed, events.AggregateCustomer, a.CustomerID, events.RedemptionFailedData{
		CustomerID: a.CustomerID,
		Code:       code,
		Stage:      string(a.FailedAt),
		Kind:       string(kind),
		Error:      cause.Error(),
	})
}

func (s *Service) publish(ctx context.Context, eventType, aggregateType, aggregateID string, data any) {
	event, err := events.NewEvent(eventType, aggregateType, aggregateID, data)
	if err != nil {
		s.logger.Error("failed to build event", "type", eventType, "error", err)
		return
	}
	event.WithCorrelation(middleware.GetCorrelationID(ctx))
	if err := s.publisher.Publish(ctx, event); err != nil {
		s.logger.Warn("failed to publish event", "type", eventType, "event_id", event.ID, "error", err)
	}
}

// Balance returns the customer's current points. Concurrent reads for the
// same customer share one platform call.
func (s *Service) Balance(ctx context.Context, customerID string) (*PointsAccount, error) {
	customerID = strings.TrimSpace(customerID)
	if customerID == "" {
		return nil, validationError(msgMissingCustomer)
	}
	// The shared call must not fail because the first caller went away.
	sharedCtx := context.WithoutCancel(ctx)
	v, err, _ := s.balances.Do(customerID, func() (any, error) {
		return s.ledger.GetPoints(sharedCtx, customerID)
	})
	if err != nil {
		return nil, err
	}
	account := *v.(*PointsAccount)
	return &account, nil
}

// ActiveDiscount describes what the customer currently has outstanding.
type ActiveDiscount struct {
	Hold *RedemptionHold
	// RemoteCount is set when only the platform knows about live discounts.
	RemoteCount int
}

// Active reports whether any discount is outstanding.
func (d *ActiveDiscount) Active() bool {
	return d.Hold != nil || d.RemoteCount > 0
}

// ActiveDiscount looks up the customer's unused code, falling back to the
// platform's live discounts when the local store has none.
func (s *Service) ActiveDiscount(ctx context.Context, customerID string) (*ActiveDiscount, error) {
	customerID = strings.TrimSpace(customerID)
	if customerID == "" {
		return nil, validationError(msgMissingCustomer)
	}

	hold, err := s.holds.FindActiveByCustomer(ctx, customerID)
	if err == nil {
		return &ActiveDiscount{Hold: hold}, nil
	}
	if !errors.Is(err, ErrHoldNotFound) {
		return nil, fmt.Errorf("finding active hold: %w", err)
	}

	n, err := s.provisioner.ListActive(ctx, customerID, s.now())
	if err != nil {
		s.logger.Warn("failed to list platform discounts", "customer_id", customerID, "error", err)
		return &ActiveDiscount{}, nil
	}
	return &ActiveDiscount{RemoteCount: n}, nil
}
