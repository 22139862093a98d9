package venue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"orderflow/models"
)

// ErrQuoteOrdersUnsupported signals that the venue (or this symbol on
// it) has no native notional-order primitive. The router falls back to
// quantity submission without counting the attempt against the retry
// budget.
var ErrQuoteOrdersUnsupported = errors.New("venue does not support quote-notional orders")

// ErrorClass separates venue failures the router may retry from those
// it must surface immediately.
type ErrorClass int

const (
	ClassRejected ErrorClass = iota // non-retryable venue rejection
	ClassRateLimited                // retryable after backoff
	ClassTempBan                    // retryable, venue asked us to slow down
)

func (c ErrorClass) String() string {
	switch c {
	case ClassRateLimited:
		return "rate_limited"
	case ClassTempBan:
		return "temp_ban"
	default:
		return "rejected"
	}
}

// Error wraps a venue failure with its status code and body so retry
// policy and diagnostics both have what they need.
type Error struct {
	Venue string
	Class ErrorClass
	Code  int
	Body  string
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s venue error (%s, code=%d): %s", e.Venue, e.Class, e.Code, e.Body)
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether the router may retry after backoff.
func (e *Error) Retryable() bool {
	return e.Class == ClassRateLimited || e.Class == ClassTempBan
}

// Retryable classifies any error returned by a venue adapter.
func Retryable(err error) bool {
	var ve *Error
	if errors.As(err, &ve) {
		return ve.Retryable()
	}
	return false
}

// SizeSpec carries exactly one of a base quantity or a quote notional.
type SizeSpec struct {
	Quantity float64
	Quote    float64
}

// OrderRequest is a fully sized order handed to a venue adapter.
type OrderRequest struct {
	Symbol        string
	Side          models.Side
	Size          SizeSpec
	Type          models.OrderType
	Price         float64
	TimeInForce   models.TimeInForce
	ClientOrderID string
}

// OrderStatus mirrors the venue's view of a submitted order.
type OrderStatus string

const (
	OrderStatusNew        OrderStatus = "NEW"
	OrderStatusPartFilled OrderStatus = "PARTIALLY_FILLED"
	OrderStatusFilled     OrderStatus = "FILLED"
	OrderStatusCanceled   OrderStatus = "CANCELED"
	OrderStatusRejected   OrderStatus = "REJECTED"
)

// OrderResult is the venue's confirmation for one submission.
type OrderResult struct {
	Status         OrderStatus
	FilledQuantity float64
	AvgFillPrice   float64
	VenueOrderID   string
}

// Balance is one asset entry in an account snapshot.
type Balance struct {
	Asset  string
	Free   float64
	Locked float64
}

// AccountSnapshot is the venue's current balances and positions.
type AccountSnapshot struct {
	Balances  []Balance
	Positions []models.Position
}

// Policy describes venue-specific execution behavior the router must
// honor. RoundUp venues require notional-to-quantity conversion to
// round away from zero so orders clear their minimums; everywhere else
// the router rounds down.
type Policy struct {
	RoundUp             bool
	SupportsQuoteOrders bool
	FeeBps              float64
	RequestTimeout      time.Duration
}

// Capability is the per-venue adapter contract. Implementations must
// return *Error values so the router can classify failures.
type Capability interface {
	Name() string
	Policy() Policy
	Quote(ctx context.Context, symbol string) (float64, error)
	LotConstraints(ctx context.Context, symbol string) (models.SymbolSpec, error)
	SubmitOrder(ctx context.Context, req OrderRequest) (OrderResult, error)
	CancelOrder(ctx context.Context, symbol, venueOrderID string) error
	OrderStatus(ctx context.Context, symbol, venueOrderID string) (OrderResult, error)
	AccountSnapshot(ctx context.Context) (AccountSnapshot, error)
}
