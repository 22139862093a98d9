package models

// DefaultQuantityStep replaces a missing or non-positive step so that a
// broken venue response can never divide an order by zero.
const DefaultQuantityStep = 1e-6

// SymbolSpec holds per-venue, per-symbol lot constraints. Immutable
// once loaded into the registry.
type SymbolSpec struct {
	MinQuantity  float64 `yaml:"min_quantity" json:"min_quantity"`
	QuantityStep float64 `yaml:"quantity_step" json:"quantity_step"`
	MinNotional  float64 `yaml:"min_notional" json:"min_notional"`
	// MaxNotional == 0 means uncapped.
	MaxNotional float64 `yaml:"max_notional" json:"max_notional"`
	PriceTick   float64 `yaml:"price_tick" json:"price_tick"`
}

// Normalize replaces invalid values with safe defaults instead of
// failing the venue lookup.
func (s SymbolSpec) Normalize() SymbolSpec {
	if s.QuantityStep <= 0 {
		s.QuantityStep = DefaultQuantityStep
	}
	if s.MinQuantity < 0 {
		s.MinQuantity = 0
	}
	if s.MinNotional < 0 {
		s.MinNotional = 0
	}
	if s.MaxNotional <= 0 {
		s.MaxNotional = 0
	}
	if s.PriceTick < 0 {
		s.PriceTick = 0
	}
	return s
}
