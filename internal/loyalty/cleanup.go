package loyalty

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"loyaltyhub/internal/common/events"
)

const deprovisionConcurrency = 4

// CleanupResult is the outcome for one expired hold.
type CleanupResult struct {
	Code          string `json:"code"`
	CustomerID    string `json:"customer_id"`
	PriceRuleID   string `json:"price_rule_id,omitempty"`
	Deprovisioned bool   `json:"deprovisioned"`
	Error         string `json:"error,omitempty"`
}

// CleanupExpired removes expired holds and deletes their platform discounts.
// Holds are gone locally before deprovisioning starts; deprovisioning is best
// effort and reported per code.
func (s *Service) CleanupExpired(ctx context.Context) ([]CleanupResult, error) {
	expired, err := s.holds.SweepExpired(ctx, s.now())
	if err != nil {
		return nil, fmt.Errorf("sweeping expired holds: %w", err)
	}
	if len(expired) == 0 {
		return []CleanupResult{}, nil
	}

	results := make([]CleanupResult, len(expired))
	var g errgroup.Group
	g.SetLimit(deprovisionConcurrency)
	for i := range expired {
		i := i
		hold := expired[i]
		results[i] = CleanupResult{Code: hold.Code, CustomerID: hold.CustomerID, PriceRuleID: hold.PriceRuleID}
		if hold.PriceRuleID == "" {
			continue
		}
		g.Go(func() error {
			if err := s.provisioner.Delete(ctx, hold.PriceRuleID); err != nil {
				results[i].Error = err.Error()
				return nil
			}
			results[i].Deprovisioned = true
			return nil
		})
	}
	_ = g.Wait()

	failed := 0
	for _, r := range results {
		if r.Error != "" {
			failed++
			s.logger.Warn("failed to delete expired discount",
				"code", r.Code,
				"price_rule_id", r.PriceRuleID,
				"error", r.Error,
			)
		}
		s.publish(ctx, events.EventRedemptionExpired, events.AggregateRedemption, r.Code, events.RedemptionExpiredData{
			Code:          r.Code,
			CustomerID:    r.CustomerID,
			PriceRuleID:   r.PriceRuleID,
			Deprovisioned: r.Deprovisioned,
		})
	}

	s.metrics.HoldsSwept("expired", len(expired))
	s.logger.Info("expired holds cleaned up", "count", len(expired), "deprovision_failures", failed)
	return results, nil
}

// CleanupUsed deletes used holds past the retention window.
func (s *Service) CleanupUsed(ctx context.Context) (int, error) {
	n, err := s.holds.SweepUsed(ctx, s.now().Add(-s.cfg.UsedRetention))
	if err != nil {
		return 0, fmt.Errorf("sweeping used holds: %w", err)
	}
	if n > 0 {
		s.metrics.HoldsSwept("used", n)
		s.logger.Info("used holds cleaned up", "count", n)
	}
	return n, nil
}

// Sweeper runs the cleanups periodically.
type Sweeper struct {
	service  *Service
	interval time.Duration
	logger   *slog.Logger
}

// NewSweeper creates a sweeper. A non-positive interval defaults to one minute.
func NewSweeper(service *Service, interval time.Duration, logger *slog.Logger) *Sweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Sweeper{service: service, interval: interval, logger: logger}
}

// Run sweeps on every tick until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("sweeper started", "interval", s.interval)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("sweeper stopped")
			return nil
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	if _, err := s.service.CleanupExpired(ctx); err != nil {
		s.logger.Error("expired sweep failed", "error", err)
	}
	if _, err := s.service.CleanupUsed(ctx); err != nil {
		s.logger.Error("used sweep failed", "error", err)
	}
}
