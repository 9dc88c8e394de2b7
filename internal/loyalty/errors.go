package loyalty

import (
	"errors"
	"fmt"
	"time"
)

// ErrorKind classifies why a redemption did not complete.
type ErrorKind string

const (
	KindValidation         ErrorKind = "validation"
	KindConflict           ErrorKind = "conflict"
	KindNoPointsAccount    ErrorKind = "no_points_account"
	KindInsufficientPoints ErrorKind = "insufficient_points"
	KindPolicyViolation    ErrorKind = "policy_violation"
	KindProvisioning       ErrorKind = "provisioning"
	KindRecording          ErrorKind = "recording"
	KindLedgerUpdate       ErrorKind = "ledger_update"
	KindUnavailable        ErrorKind = "unavailable"
)

// ErrNoPointsAccount is returned by a PointsLedger when the customer has no balance record.
var ErrNoPointsAccount = errors.New("no points account")

// User-facing messages.
const (
	msgMissingCustomer   = "Missing customer ID"
	msgInvalidPoints     = "Please enter a valid number of points"
	msgInvalidOrderValue = "Invalid order value"
	msgActiveCode        = "You already have an active discount code"
	msgInProgress        = "A redemption is already in progress for your account"
	msgNoPoints          = "No loyalty points found for your account"
	msgProvisionFailed   = "Failed to create discount code. Please try again."
	msgLedgerFailed      = "Your discount code was created but your points balance could not be updated. Please contact support."
	msgUnavailable       = "Unable to load your loyalty points. Please try again."
)

// RedemptionError is returned by Service.Redeem. Message is safe to show to
// customers; Err carries the internal cause and is only logged.
type RedemptionError struct {
	Kind    ErrorKind
	Message string

	// Conflict: the hold already issued to the customer.
	ExistingCode string
	ExpiresAt    time.Time

	// InsufficientPoints: the balance. PolicyViolation: the ceiling or minimum.
	Limit int64

	// LedgerUpdate: the code that remains valid.
	Code string

	Err error
}

func (e *RedemptionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *RedemptionError) Unwrap() error {
	return e.Err
}

// Failed reports whether the error left an external discount behind.
func (e *RedemptionError) Failed() bool {
	return e.Kind == KindRecording || e.Kind == KindLedgerUpdate
}

// AsRedemptionError extracts a *RedemptionError from err.
func AsRedemptionError(err error) (*RedemptionError, bool) {
	var re *RedemptionError
	if errors.As(err, &re) {
		return re, true
	}
	return nil, false
}

// IsKind reports whether err is a RedemptionError of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	re, ok := AsRedemptionError(err)
	return ok && re.Kind == kind
}

func validationError(message string) *RedemptionError {
	return &RedemptionError{Kind: KindValidation, Message: message}
}

// ConflictError reports the active hold already issued to a customer.
func ConflictError(hold *RedemptionHold) *RedemptionError {
	return &RedemptionError{
		Kind:         KindConflict,
		Message:      msgActiveCode,
		ExistingCode: hold.Code,
		ExpiresAt:    hold.ExpiresAt,
	}
}
