package paper

import (
	"context"
	"strconv"
	"sync"
	"time"

	"orderflow/internal/venue"
	"orderflow/models"
)

const venueName = "paper"

// Venue is an in-memory simulated venue used for dry runs and tests.
// Market orders fill immediately at the posted price plus a fixed
// slippage; limit orders fill when the posted price crosses them.
type Venue struct {
	mu          sync.Mutex
	prices      map[string]float64
	specs       map[string]models.SymbolSpec
	orders      map[string]venue.OrderResult
	nextID      int64
	SlippageBps float64
	policy      venue.Policy
}

// New creates an empty paper venue with sensible spot defaults.
func New() *Venue {
	return &Venue{
		prices: make(map[string]float64),
		specs:  make(map[string]models.SymbolSpec),
		orders: make(map[string]venue.OrderResult),
		policy: venue.Policy{
			RoundUp:             false,
			SupportsQuoteOrders: false,
			FeeBps:              10,
			RequestTimeout:      time.Second,
		},
	}
}

// SetPrice posts the current market price for a symbol.
func (v *Venue) SetPrice(symbol string, price float64) {
	v.mu.Lock()
	v.prices[symbol] = price
	v.mu.Unlock()
}

// SetSpec installs lot constraints for a symbol.
func (v *Venue) SetSpec(symbol string, spec models.SymbolSpec) {
	v.mu.Lock()
	v.specs[symbol] = spec.Normalize()
	v.mu.Unlock()
}

func (v *Venue) Name() string { return venueName }

func (v *Venue) Policy() venue.Policy { return v.policy }

func (v *Venue) Quote(ctx context.Context, symbol string) (float64, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	price, ok := v.prices[symbol]
	if !ok {
		return 0, &venue.Error{Venue: venueName, Class: venue.ClassRejected, Body: "no price for " + symbol}
	}
	return price, nil
}

func (v *Venue) LotConstraints(ctx context.Context, symbol string) (models.SymbolSpec, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	spec, ok := v.specs[symbol]
	if !ok {
		return models.SymbolSpec{}, &venue.Error{Venue: venueName, Class: venue.ClassRejected, Body: "symbol not listed: " + symbol}
	}
	return spec, nil
}

func (v *Venue) SubmitOrder(ctx context.Context, req venue.OrderRequest) (venue.OrderResult, error) {
	if req.Size.Quote > 0 && req.Size.Quantity <= 0 {
		return venue.OrderResult{}, venue.ErrQuoteOrdersUnsupported
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	price, ok := v.prices[req.Symbol]
	if !ok {
		return venue.OrderResult{}, &venue.Error{Venue: venueName, Class: venue.ClassRejected, Body: "no price for " + req.Symbol}
	}

	v.nextID++
	id := strconv.FormatInt(v.nextID, 10)

	fillPrice := price
	if req.Type == models.OrderTypeLimit {
		crossed := (req.Side == models.SideBuy && price <= req.Price) ||
			(req.Side == models.SideSell && price >= req.Price)
		if !crossed {
			result := venue.OrderResult{Status: venue.OrderStatusNew, VenueOrderID: id}
			v.orders[id] = result
			return result, nil
		}
		fillPrice = req.Price
	} else if v.SlippageBps > 0 {
		fillPrice = price * (1 + req.Side.Sign()*v.SlippageBps/10000)
	}

	result := venue.OrderResult{
		Status:         venue.OrderStatusFilled,
		FilledQuantity: req.Size.Quantity,
		AvgFillPrice:   fillPrice,
		VenueOrderID:   id,
	}
	v.orders[id] = result
	return result, nil
}

func (v *Venue) CancelOrder(ctx context.Context, symbol, venueOrderID string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	order, ok := v.orders[venueOrderID]
	if !ok {
		return &venue.Error{Venue: venueName, Class: venue.ClassRejected, Body: "order not found: " + venueOrderID}
	}
	if order.Status == venue.OrderStatusNew {
		order.Status = venue.OrderStatusCanceled
		v.orders[venueOrderID] = order
	}
	return nil
}

func (v *Venue) OrderStatus(ctx context.Context, symbol, venueOrderID string) (venue.OrderResult, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	order, ok := v.orders[venueOrderID]
	if !ok {
		return venue.OrderResult{}, &venue.Error{Venue: venueName, Class: venue.ClassRejected, Body: "order not found: " + venueOrderID}
	}
	return order, nil
}

func (v *Venue) AccountSnapshot(ctx context.Context) (venue.AccountSnapshot, error) {
	return venue.AccountSnapshot{}, nil
}

// Orders returns every order the venue has accepted, for assertions in
// tests and dry-run reports.
func (v *Venue) Orders() []venue.OrderResult {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]venue.OrderResult, 0, len(v.orders))
	for _, o := range v.orders {
		out = append(out, o)
	}
	return out
}

var _ venue.Capability = (*Venue)(nil)
