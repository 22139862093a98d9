package router

import (
	"context"
	"testing"
	"time"

	"orderflow/config"
	"orderflow/internal/ledger"
	"orderflow/internal/specs"
	"orderflow/internal/venue"
	"orderflow/models"
)

func newChaseRouter(fv *fakeVenue, chase config.ChaseConfig) (*Router, *ledger.Ledger) {
	book := ledger.New(1000000)
	registry := specs.NewRegistry(map[string]venue.Capability{fv.name: fv}, nil, nil)
	r := New(
		config.ExecutionConfig{DefaultVenue: fv.name, MaxAttempts: 3, BackoffBase: time.Millisecond, Chase: chase},
		map[string]venue.Capability{fv.name: fv},
		registry, book, &nopRecorder{},
		NewSlippageMonitor(config.SlippageConfig{}),
	)
	r.sleep = func(time.Duration) {}
	return r, book
}

// A limit order that part-fills before the market drifts away must have
// the partial settled and only the remainder taken at market; the venue
// must never see more size than the intent carried.
func TestLimitChaseSettlesPartialBeforeFallback(t *testing.T) {
	fv := defaultFake()
	fv.prices = []float64{50000, 51000}
	fv.results = []venue.OrderResult{{Status: venue.OrderStatusNew, VenueOrderID: "v-9"}}
	fv.statusSeq = []venue.OrderResult{
		{Status: venue.OrderStatusPartFilled, FilledQuantity: 0.0006, AvgFillPrice: 50000, VenueOrderID: "v-9"},
		{Status: venue.OrderStatusCanceled, FilledQuantity: 0.0006, AvgFillPrice: 50000, VenueOrderID: "v-9"},
	}
	r, book := newChaseRouter(fv, config.ChaseConfig{MaxChases: 0, ToleranceBps: 50, PollInterval: time.Millisecond})

	fill, err := r.LimitChase(context.Background(), models.OrderIntent{
		Symbol: "BTCUSDT", Side: models.SideBuy, Quantity: 0.001,
	})
	if err != nil {
		t.Fatalf("chase: %v", err)
	}

	if len(fv.canceled) != 1 || fv.canceled[0] != "v-9" {
		t.Fatalf("drifted order not canceled: %v", fv.canceled)
	}
	if len(fv.submits) != 2 {
		t.Fatalf("submissions: got %d want 2", len(fv.submits))
	}
	// Only the unfilled remainder goes to market.
	if !almostEqual(fv.submits[1].Size.Quantity, 0.0004) {
		t.Fatalf("market fallback size: got %v want 0.0004", fv.submits[1].Size.Quantity)
	}
	if !almostEqual(fill.Quantity, 0.001) {
		t.Fatalf("aggregate quantity: got %v want 0.001", fill.Quantity)
	}
	if fill.Slices != 2 {
		t.Fatalf("tranches: got %d want 2", fill.Slices)
	}
	if pos := book.Position("BTCUSDT"); !almostEqual(pos.Quantity, 0.001) {
		t.Fatalf("ledger: got %+v", pos)
	}
}

// When the poll budget runs out without a drift, the last observed
// partial still counts; the remainder, not the full intent, is taken
// at market.
func TestLimitChasePollBudgetKeepsPartial(t *testing.T) {
	fv := defaultFake()
	fv.results = []venue.OrderResult{{Status: venue.OrderStatusNew, VenueOrderID: "v-3"}}
	for i := 0; i < maxOrderPolls; i++ {
		fv.statusSeq = append(fv.statusSeq, venue.OrderResult{
			Status: venue.OrderStatusPartFilled, FilledQuantity: 0.0006, AvgFillPrice: 50000, VenueOrderID: "v-3",
		})
	}
	fv.statusSeq = append(fv.statusSeq, venue.OrderResult{
		Status: venue.OrderStatusCanceled, FilledQuantity: 0.0006, AvgFillPrice: 50000, VenueOrderID: "v-3",
	})
	r, book := newChaseRouter(fv, config.ChaseConfig{MaxChases: 0, ToleranceBps: 10000, PollInterval: time.Millisecond})

	fill, err := r.LimitChase(context.Background(), models.OrderIntent{
		Symbol: "BTCUSDT", Side: models.SideBuy, Quantity: 0.001,
	})
	if err != nil {
		t.Fatalf("chase: %v", err)
	}

	if !almostEqual(fv.submits[1].Size.Quantity, 0.0004) {
		t.Fatalf("market fallback size: got %v want 0.0004", fv.submits[1].Size.Quantity)
	}
	if !almostEqual(fill.Quantity, 0.001) {
		t.Fatalf("aggregate quantity: got %v", fill.Quantity)
	}
	if pos := book.Position("BTCUSDT"); !almostEqual(pos.Quantity, 0.001) {
		t.Fatalf("ledger: got %+v", pos)
	}
}

func TestLimitChaseFillsWhileWatching(t *testing.T) {
	fv := defaultFake()
	fv.results = []venue.OrderResult{{Status: venue.OrderStatusNew, VenueOrderID: "v-5"}}
	fv.statusSeq = []venue.OrderResult{
		{Status: venue.OrderStatusFilled, FilledQuantity: 0.001, AvgFillPrice: 50000, VenueOrderID: "v-5"},
	}
	r, book := newChaseRouter(fv, config.ChaseConfig{MaxChases: 2, ToleranceBps: 10000, PollInterval: time.Millisecond})

	fill, err := r.LimitChase(context.Background(), models.OrderIntent{
		Symbol: "BTCUSDT", Side: models.SideBuy, Quantity: 0.001,
	})
	if err != nil {
		t.Fatalf("chase: %v", err)
	}
	if len(fv.submits) != 1 {
		t.Fatalf("submissions: got %d want 1", len(fv.submits))
	}
	if len(fv.canceled) != 0 {
		t.Fatalf("filled order must not be canceled: %v", fv.canceled)
	}
	if !almostEqual(fill.Quantity, 0.001) || !almostEqual(fill.AvgPrice, 50000) {
		t.Fatalf("fill: %+v", fill)
	}
	if pos := book.Position("BTCUSDT"); !almostEqual(pos.Quantity, 0.001) {
		t.Fatalf("ledger: got %+v", pos)
	}
}
