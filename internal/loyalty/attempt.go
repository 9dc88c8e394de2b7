package loyalty

import (
	"fmt"
	"time"
)

// RedemptionState is a step of one redemption attempt.
type RedemptionState string

const (
	StateValidating       RedemptionState = "validating"
	StateCheckingExisting RedemptionState = "checking_existing"
	StateCheckingBalance  RedemptionState = "checking_balance"
	StateCheckingPolicy   RedemptionState = "checking_policy"
	StateProvisioning     RedemptionState = "provisioning"
	StateRecording        RedemptionState = "recording"
	StateDebiting         RedemptionState = "debiting"
	StateCompleted        RedemptionState = "completed"
	StateRejected         RedemptionState = "rejected"
	StateFailed           RedemptionState = "failed"
)

var nextStates = map[RedemptionState]RedemptionState{
	StateValidating:       StateCheckingExisting,
	StateCheckingExisting: StateCheckingBalance,
	StateCheckingBalance:  StateCheckingPolicy,
	StateCheckingPolicy:   StateProvisioning,
	StateProvisioning:     StateRecording,
	StateRecording:        StateDebiting,
	StateDebiting:         StateCompleted,
}

// Attempt tracks one pass through the redemption steps. Each attempt walks the
// steps in order and ends in Completed, Rejected or Failed.
type Attempt struct {
	ID         string
	CustomerID string
	State      RedemptionState
	// FailedAt is the step that was active when the attempt ended unsuccessfully.
	FailedAt  RedemptionState
	StartedAt time.Time
	EndedAt   *time.Time
}

func newAttempt(id, customerID string, now time.Time) *Attempt {
	return &Attempt{ID: id, CustomerID: customerID, State: StateValidating, StartedAt: now}
}

// Advance moves the attempt to the next step.
func (a *Attempt) Advance(next RedemptionState, now time.Time) error {
	if a.IsTerminal() {
		return fmt.Errorf("attempt already %s", a.State)
	}
	if nextStates[a.State] != next {
		return fmt.Errorf("cannot move from %s to %s", a.State, next)
	}
	a.State = next
	if next == StateCompleted {
		a.EndedAt = &now
	}
	return nil
}

// Reject ends the attempt before any external effect was left behind.
func (a *Attempt) Reject(now time.Time) {
	a.end(StateRejected, now)
}

// Fail ends the attempt after an external effect may have been left behind.
func (a *Attempt) Fail(now time.Time) {
	a.end(StateFailed, now)
}

func (a *Attempt) end(state RedemptionState, now time.Time) {
	if a.IsTerminal() {
		return
	}
	a.FailedAt = a.State
	a.State = state
	a.EndedAt = &now
}

// IsTerminal returns true if the attempt has ended.
func (a *Attempt) IsTerminal() bool {
	return a.State == StateCompleted || a.State == StateRejected || a.State == StateFailed
}

// Outcome is the metrics label for the attempt's end state.
func (a *Attempt) Outcome() string {
	if !a.IsTerminal() {
		return "in_progress"
	}
	return string(a.State)
}
