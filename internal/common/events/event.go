package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"
)

// Event represents a domain event envelope
type Event struct {
	ID            string          `json:"event_id"`
	Type          string          `json:"type"`
	Version       int             `json:"version"`
	OccurredAt    time.Time       `json:"occurred_at"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Shop          string          `json:"shop,omitempty"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	Data          json.RawMessage `json:"data"`
}

// NewEvent creates a new event
func NewEvent(eventType, aggregateType, aggregateID string, data interface{}) (*Event, error) {
	dataBytes, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}

	return &Event{
		ID:            ulid.Make().String(),
		Type:          eventType,
		Version:       1,
		OccurredAt:    time.Now().UTC(),
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		Data:          dataBytes,
	}, nil
}

// WithCorrelation sets the correlation ID
func (e *Event) WithCorrelation(correlationID string) *Event {
	e.CorrelationID = correlationID
	return e
}

// DecodeData decodes the event data into a struct
func (e *Event) DecodeData(v interface{}) error {
	return json.Unmarshal(e.Data, v)
}

// EventPublisher publishes events to a message broker
type EventPublisher interface {
	Publish(ctx context.Context, event *Event) error
}

// LogPublisher writes events to the log instead of a broker.
// Used when no broker is configured.
type LogPublisher struct {
	Logger *slog.Logger
}

// Publish implements EventPublisher
func (p LogPublisher) Publish(ctx context.Context, event *Event) error {
	p.Logger.Debug("event emitted",
		"event_id", event.ID,
		"type", event.Type,
		"aggregate_id", event.AggregateID,
		"correlation_id", event.CorrelationID,
	)
	return nil
}

// Aggregate types
const (
	AggregateRedemption = "redemption"
	AggregateCustomer   = "customer"
)

// Loyalty event types
const (
	EventRedemptionCompleted   = "loyalty.redemption.completed"
	EventRedemptionFailed      = "loyalty.redemption.failed"
	EventRedemptionCompensated = "loyalty.redemption.compensated"
	EventRedemptionUsed        = "loyalty.redemption.used"
	EventRedemptionExpired     = "loyalty.redemption.expired"

	EventPointsCredited = "loyalty.points.credited"
	EventPointsDebited  = "loyalty.points.debited"

	EventReconciliationRequired = "loyalty.ledger.reconciliation_required"
)

// RedemptionCompletedData is the data for loyalty.redemption.completed events
type RedemptionCompletedData struct {
	Code           string    `json:"code"`
	CustomerID     string    `json:"customer_id"`
	PriceRuleID    string    `json:"price_rule_id"`
	PointsRedeemed int64     `json:"points_redeemed"`
	NewBalance     int64     `json:"new_balance"`
	ExpiresAt      time.Time `json:"expires_at"`
}

// RedemptionFailedData is the data for loyalty.redemption.failed events
type RedemptionFailedData struct {
	CustomerID string `json:"customer_id"`
	Code       string `json:"code,omitempty"`
	Stage      string `json:"stage"`
	Kind       string `json:"kind"`
	Error      string `json:"error"`
}

// RedemptionCompensatedData is the data for loyalty.redemption.compensated events
type RedemptionCompensatedData struct {
	CustomerID  string `json:"customer_id"`
	Code        string `json:"code"`
	PriceRuleID string `json:"price_rule_id"`
	Deleted     bool   `json:"deleted"`
}

// RedemptionUsedData is the data for loyalty.redemption.used events
type RedemptionUsedData struct {
	Code    string    `json:"code"`
	OrderID string    `json:"order_id,omitempty"`
	UsedAt  time.Time `json:"used_at"`
}

// RedemptionExpiredData is the data for loyalty.redemption.expired events
type RedemptionExpiredData struct {
	Code          string `json:"code"`
	CustomerID    string `json:"customer_id"`
	PriceRuleID   string `json:"price_rule_id"`
	Deprovisioned bool   `json:"deprovisioned"`
}

// PointsAdjustedData is the data for loyalty.points.credited and debited events
type PointsAdjustedData struct {
	CustomerID string `json:"customer_id"`
	OrderID    string `json:"order_id,omitempty"`
	Points     int64  `json:"points"`
	NewBalance int64  `json:"new_balance"`
	Reason     string `json:"reason"`
}

// ReconciliationRequiredData is the data for loyalty.ledger.reconciliation_required events
type ReconciliationRequiredData struct {
	CustomerID  string `json:"customer_id"`
	Code        string `json:"code,omitempty"`
	PriceRuleID string `json:"price_rule_id,omitempty"`
	Points      int64  `json:"points"`
	Reason      string `json:"reason"`
	Error       string `json:"error"`
}
