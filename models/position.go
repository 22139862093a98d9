package models

import "time"

// Position is a signed holding in a single symbol, owned exclusively by
// the position ledger and mutated only when the router applies a fill.
type Position struct {
	Symbol   string  `json:"symbol"`
	Quantity float64 `json:"quantity"`
	AvgPrice float64 `json:"avg_price"`
}

// PortfolioSnapshot is the derived, read-mostly view the admission
// controller uses to evaluate exposure caps.
type PortfolioSnapshot struct {
	Cash          float64    `json:"cash"`
	RealizedPnl   float64    `json:"realized_pnl"`
	UnrealizedPnl float64    `json:"unrealized_pnl"`
	Exposure      float64    `json:"exposure"`
	Positions     []Position `json:"positions"`
	Taken         time.Time  `json:"taken"`
}

// Equity is cash plus unrealized profit and loss.
func (s PortfolioSnapshot) Equity() float64 {
	return s.Cash + s.UnrealizedPnl
}

// AuditRecord is one append-only entry per facade call, written for
// post-hoc reconciliation of every decision.
type AuditRecord struct {
	ID          string     `json:"id"`
	Key         string     `json:"key"`
	Symbol      string     `json:"symbol"`
	Side        Side       `json:"side"`
	Quote       float64    `json:"quote,omitempty"`
	Quantity    float64    `json:"quantity,omitempty"`
	Strategy    string     `json:"strategy,omitempty"`
	Tag         string     `json:"tag,omitempty"`
	Status      ExecStatus `json:"status"`
	Reason      Reason     `json:"reason,omitempty"`
	Message     string     `json:"message,omitempty"`
	Venue       string     `json:"venue,omitempty"`
	FilledQty   float64    `json:"filled_qty,omitempty"`
	AvgPrice    float64    `json:"avg_price,omitempty"`
	Fee         float64    `json:"fee,omitempty"`
	SlippageBps float64    `json:"slippage_bps,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}
