package ledger

import (
	"math"
	"sync"
	"time"

	"orderflow/models"
)

// Ledger tracks signed positions, cash and the last observed price per
// symbol. The execution router is the only writer on the fill path;
// market-data feeds only touch the price cache; everyone else reads
// snapshots.
type Ledger struct {
	mu        sync.RWMutex
	cash      float64
	realized  float64
	positions map[string]*models.Position
	venues    map[string]string // symbol -> venue of last fill
	lastPrice map[string]float64
	now       func() time.Time
}

// New creates a ledger seeded with the given cash balance.
func New(cash float64) *Ledger {
	return &Ledger{
		cash:      cash,
		positions: make(map[string]*models.Position),
		venues:    make(map[string]string),
		lastPrice: make(map[string]float64),
		now:       time.Now,
	}
}

// SetLastPrice updates the price cache for a symbol. Called by market
// data feeds and by the router after each quote lookup.
func (l *Ledger) SetLastPrice(symbol string, price float64) {
	if price <= 0 {
		return
	}
	l.mu.Lock()
	l.lastPrice[symbol] = price
	l.mu.Unlock()
}

// LastPrice returns the cached price for a symbol.
func (l *Ledger) LastPrice(symbol string) (float64, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	price, ok := l.lastPrice[symbol]
	return price, ok
}

// Position returns a copy of the current position for a symbol.
func (l *Ledger) Position(symbol string) models.Position {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if p, ok := l.positions[symbol]; ok {
		return *p
	}
	return models.Position{Symbol: symbol}
}

// ApplyFill mutates the position for a confirmed fill, maintaining the
// volume-weighted average price and realizing PnL on reductions. It is
// called synchronously in the same step that receives the venue's fill
// confirmation.
func (l *Ledger) ApplyFill(venue, symbol string, side models.Side, qty, price, fee float64) models.Position {
	l.mu.Lock()
	defer l.mu.Unlock()

	p, ok := l.positions[symbol]
	if !ok {
		p = &models.Position{Symbol: symbol}
		l.positions[symbol] = p
	}

	delta := side.Sign() * qty
	prev := p.Quantity
	next := prev + delta

	switch {
	case prev == 0 || sameSign(prev, delta):
		// Opening or adding: blend into the VWAP.
		total := math.Abs(prev) + qty
		if total > 0 {
			p.AvgPrice = (p.AvgPrice*math.Abs(prev) + price*qty) / total
		}
	case math.Abs(delta) <= math.Abs(prev):
		// Reducing: average price stays, difference is realized.
		l.realized += (price - p.AvgPrice) * math.Abs(delta) * sign(prev)
	default:
		// Crossing through zero: realize the closed half, restart the
		// remainder at the fill price.
		l.realized += (price - p.AvgPrice) * math.Abs(prev) * sign(prev)
		p.AvgPrice = price
	}

	p.Quantity = next
	if next == 0 {
		p.AvgPrice = 0
	}

	l.cash -= delta*price + fee
	l.venues[symbol] = venue
	l.lastPrice[symbol] = price
	return *p
}

// Seed replaces all positions, typically from a venue account snapshot
// at startup.
func (l *Ledger) Seed(venue string, positions []models.Position) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, p := range positions {
		copied := p
		l.positions[p.Symbol] = &copied
		l.venues[p.Symbol] = venue
	}
}

// Venue returns the venue attributed to a symbol's position.
func (l *Ledger) Venue(symbol string) string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.venues[symbol]
}

// Snapshot derives the read-mostly portfolio view used for exposure
// checks and telemetry.
func (l *Ledger) Snapshot() models.PortfolioSnapshot {
	l.mu.RLock()
	defer l.mu.RUnlock()

	snapshot := models.PortfolioSnapshot{
		Cash:        l.cash,
		RealizedPnl: l.realized,
		Taken:       l.now(),
	}
	for symbol, p := range l.positions {
		if p.Quantity == 0 {
			continue
		}
		snapshot.Positions = append(snapshot.Positions, *p)
		price, ok := l.lastPrice[symbol]
		if !ok {
			price = p.AvgPrice
		}
		snapshot.Exposure += math.Abs(p.Quantity * price)
		snapshot.UnrealizedPnl += (price - p.AvgPrice) * p.Quantity
	}
	return snapshot
}

// ExposureBySymbol returns each open position's signed value at the
// last known price, keyed by symbol.
func (l *Ledger) ExposureBySymbol() map[string]float64 {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make(map[string]float64, len(l.positions))
	for symbol, p := range l.positions {
		if p.Quantity == 0 {
			continue
		}
		price, ok := l.lastPrice[symbol]
		if !ok {
			price = p.AvgPrice
		}
		out[symbol] = p.Quantity * price
	}
	return out
}

func sameSign(a, b float64) bool {
	return (a > 0 && b > 0) || (a < 0 && b < 0)
}

func sign(v float64) float64 {
	if v < 0 {
		return -1
	}
	return 1
}
