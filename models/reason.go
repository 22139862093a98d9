package models

import "fmt"

// Reason is a machine-readable rejection code. Callers branch on these:
// a rate-limit rejection means "try later" while a breaker rejection
// means "stop sending".
type Reason string

const (
	// Admission rejections (risk rails).
	ReasonTradingDisabled  Reason = "TRADING_DISABLED"
	ReasonSymbolNotAllowed Reason = "SYMBOL_NOT_ALLOWED"
	ReasonOrderShape       Reason = "ORDER_SHAPE_INVALID"
	ReasonNotionalTooSmall Reason = "NOTIONAL_TOO_SMALL"
	ReasonNotionalTooLarge Reason = "NOTIONAL_TOO_LARGE"
	ReasonExposureSymbol   Reason = "EXPOSURE_SYMBOL_CAP"
	ReasonExposureVenue    Reason = "EXPOSURE_VENUE_CAP"
	ReasonExposureTotal    Reason = "EXPOSURE_TOTAL_CAP"
	ReasonOrderRate        Reason = "ORDER_RATE_EXCEEDED"
	ReasonBreakerOpen      Reason = "VENUE_BREAKER_OPEN"
	ReasonEquityFloor      Reason = "EQUITY_FLOOR"
	ReasonDrawdownLimit    Reason = "DRAWDOWN_LIMIT"
	ReasonReduceOnly       Reason = "REDUCE_ONLY_VIOLATION"

	// Sizing rejections (router, before any network call).
	ReasonQtyTooSmall  Reason = "QTY_TOO_SMALL"
	ReasonMinNotional  Reason = "MIN_NOTIONAL"
	ReasonMaxNotional  Reason = "MAX_NOTIONAL"
	ReasonSpecMissing  Reason = "SPEC_MISSING"
	ReasonVenueUnknown Reason = "VENUE_UNKNOWN"
	ReasonSymbolCooled Reason = "SYMBOL_COOLDOWN"

	// Idempotency and venue outcomes.
	ReasonDuplicatePending Reason = "DUPLICATE_PENDING"
	ReasonVenueFailed      Reason = "VENUE_FAILED"
)

// Decision is the admission controller's verdict for one order attempt.
type Decision struct {
	Allowed bool
	Code    Reason
	Message string
}

// Allow returns an approving decision.
func Allow() Decision {
	return Decision{Allowed: true}
}

// Deny returns a rejecting decision with a structured reason.
func Deny(code Reason, format string, args ...interface{}) Decision {
	return Decision{Allowed: false, Code: code, Message: fmt.Sprintf(format, args...)}
}

// RejectError is a sizing/validation rejection raised by the router
// before any network call. It is a caller error and is never retried.
type RejectError struct {
	Code    Reason
	Message string
}

func (e *RejectError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Rejectf builds a RejectError with a formatted message.
func Rejectf(code Reason, format string, args ...interface{}) *RejectError {
	return &RejectError{Code: code, Message: fmt.Sprintf(format, args...)}
}
