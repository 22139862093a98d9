package models

import (
	"strings"
	"time"
)

// Side is the direction of an order.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Valid reports whether the side is one of the two known values.
func (s Side) Valid() bool {
	return s == SideBuy || s == SideSell
}

// Sign returns +1 for buys and -1 for sells.
func (s Side) Sign() float64 {
	if s == SideSell {
		return -1
	}
	return 1
}

// OrderType selects the venue order primitive used for submission.
type OrderType string

const (
	OrderTypeMarket OrderType = "MARKET"
	OrderTypeLimit  OrderType = "LIMIT"
)

// TimeInForce controls how long a limit order rests on the book.
type TimeInForce string

const (
	TimeInForceGTC TimeInForce = "GTC"
	TimeInForceIOC TimeInForce = "IOC"
	TimeInForceFOK TimeInForce = "FOK"
)

// OrderIntent is a single trade decision handed to the execution facade.
// Exactly one of Quote (notional in quote currency) or Quantity (base
// units) must be set. The intent is never mutated after creation.
type OrderIntent struct {
	Symbol     string            `json:"symbol"`
	Side       Side              `json:"side"`
	Quote      float64           `json:"quote,omitempty"`
	Quantity   float64           `json:"quantity,omitempty"`
	MarketHint string            `json:"market_hint,omitempty"`
	Strategy   string            `json:"strategy,omitempty"`
	Tag        string            `json:"tag,omitempty"`
	ReduceOnly bool              `json:"reduce_only,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`

	// IdempotencyKey names this logical attempt. When empty the facade
	// derives one from (strategy, symbol, side, time bucket).
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

// BaseSymbol strips an explicit "@venue" qualifier from the symbol and
// upper-cases the remainder.
func (i OrderIntent) BaseSymbol() string {
	base := i.Symbol
	if at := strings.IndexByte(base, '@'); at >= 0 {
		base = base[:at]
	}
	return strings.ToUpper(strings.TrimSpace(base))
}

// VenueQualifier returns the "@venue" qualifier of the symbol, or "".
func (i OrderIntent) VenueQualifier() string {
	if at := strings.IndexByte(i.Symbol, '@'); at >= 0 {
		return strings.ToLower(strings.TrimSpace(i.Symbol[at+1:]))
	}
	return ""
}

// FillResult describes a confirmed execution on a venue.
type FillResult struct {
	Venue         string    `json:"venue"`
	Symbol        string    `json:"symbol"`
	Side          Side      `json:"side"`
	Quantity      float64   `json:"quantity"`
	AvgPrice      float64   `json:"avg_price"`
	Notional      float64   `json:"notional"`
	Fee           float64   `json:"fee"`
	SlippageBps   float64   `json:"slippage_bps"`
	RefPrice      float64   `json:"ref_price"`
	VenueOrderID  string    `json:"venue_order_id"`
	ClientOrderID string    `json:"client_order_id"`
	Attempts      int       `json:"attempts"`
	Slices        int       `json:"slices,omitempty"`
	FilledAt      time.Time `json:"filled_at"`
}

// ExecStatus is the terminal outcome of one facade call.
type ExecStatus string

const (
	ExecStatusSubmitted ExecStatus = "submitted"
	ExecStatusRejected  ExecStatus = "rejected"
	ExecStatusDryRun    ExecStatus = "dry_run"
	ExecStatusReplayed  ExecStatus = "replayed"
)

// ExecutionResult is the structured response every caller receives.
// Venue faults are folded into a rejected status with a reason code; a
// bare venue error never escapes the facade.
type ExecutionResult struct {
	Status    ExecStatus  `json:"status"`
	Reason    Reason      `json:"reason,omitempty"`
	Message   string      `json:"message,omitempty"`
	Key       string      `json:"key"`
	Fill      *FillResult `json:"fill,omitempty"`
	Decided   time.Time   `json:"decided"`
}
