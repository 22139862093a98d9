package router

import (
	"context"
	"math"
	"math/rand"
	"testing"
	"time"

	"orderflow/config"
	"orderflow/internal/ledger"
	"orderflow/internal/specs"
	"orderflow/internal/venue"
	"orderflow/models"
)

type nopRecorder struct{ successes, failures int }

func (n *nopRecorder) RecordResult(success bool) {
	if success {
		n.successes++
	} else {
		n.failures++
	}
}

// fakeVenue scripts submission outcomes per call and records every
// request it receives. prices and results are consumed per call, the
// last price sticking once the sequence runs out.
type fakeVenue struct {
	name       string
	policy     venue.Policy
	price      float64
	prices     []float64
	spec       models.SymbolSpec
	submitErrs []error
	submits    []venue.OrderRequest
	result     venue.OrderResult
	results    []venue.OrderResult
	statusSeq  []venue.OrderResult
	canceled   []string
}

func (f *fakeVenue) Name() string         { return f.name }
func (f *fakeVenue) Policy() venue.Policy { return f.policy }
func (f *fakeVenue) Quote(ctx context.Context, symbol string) (float64, error) {
	if len(f.prices) > 0 {
		p := f.prices[0]
		if len(f.prices) > 1 {
			f.prices = f.prices[1:]
		}
		return p, nil
	}
	return f.price, nil
}
func (f *fakeVenue) LotConstraints(ctx context.Context, symbol string) (models.SymbolSpec, error) {
	return f.spec, nil
}
func (f *fakeVenue) SubmitOrder(ctx context.Context, req venue.OrderRequest) (venue.OrderResult, error) {
	f.submits = append(f.submits, req)
	if len(f.submitErrs) > 0 {
		err := f.submitErrs[0]
		f.submitErrs = f.submitErrs[1:]
		if err != nil {
			return venue.OrderResult{}, err
		}
	}
	if len(f.results) > 0 {
		res := f.results[0]
		f.results = f.results[1:]
		return res, nil
	}
	res := f.result
	if res.Status == "" {
		qty := req.Size.Quantity
		if qty == 0 {
			qty = req.Size.Quote / f.price
		}
		res = venue.OrderResult{
			Status:         venue.OrderStatusFilled,
			FilledQuantity: qty,
			AvgFillPrice:   f.price,
			VenueOrderID:   "v-1",
		}
	}
	return res, nil
}
func (f *fakeVenue) CancelOrder(ctx context.Context, symbol, id string) error {
	f.canceled = append(f.canceled, id)
	return nil
}
func (f *fakeVenue) OrderStatus(ctx context.Context, symbol, id string) (venue.OrderResult, error) {
	if len(f.statusSeq) == 0 {
		return venue.OrderResult{Status: venue.OrderStatusNew}, nil
	}
	res := f.statusSeq[0]
	f.statusSeq = f.statusSeq[1:]
	return res, nil
}
func (f *fakeVenue) AccountSnapshot(ctx context.Context) (venue.AccountSnapshot, error) {
	return venue.AccountSnapshot{}, nil
}

func newTestRouter(fv *fakeVenue) (*Router, *ledger.Ledger, *nopRecorder, *[]time.Duration) {
	book := ledger.New(1000000)
	rec := &nopRecorder{}
	registry := specs.NewRegistry(map[string]venue.Capability{fv.name: fv}, nil, nil)
	r := New(
		config.ExecutionConfig{DefaultVenue: fv.name, MaxAttempts: 3, BackoffBase: 500 * time.Millisecond},
		map[string]venue.Capability{fv.name: fv},
		registry, book, rec,
		NewSlippageMonitor(config.SlippageConfig{}),
	)
	var slept []time.Duration
	r.sleep = func(d time.Duration) { slept = append(slept, d) }
	return r, book, rec, &slept
}

func defaultFake() *fakeVenue {
	return &fakeVenue{
		name:   "fake",
		policy: venue.Policy{FeeBps: 10},
		price:  50000,
		spec:   models.SymbolSpec{MinQuantity: 0.00001, QuantityStep: 0.00001, MinNotional: 5},
	}
}

func TestSubmitQuoteConversion(t *testing.T) {
	fv := defaultFake()
	r, book, _, _ := newTestRouter(fv)

	fill, err := r.Submit(context.Background(), models.OrderIntent{
		Symbol: "BTCUSDT", Side: models.SideBuy, Quote: 15,
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if !almostEqual(fill.Quantity, 0.0003) {
		t.Fatalf("quantity: got %v want 0.0003", fill.Quantity)
	}
	if fill.Attempts != 1 {
		t.Fatalf("attempts: got %d", fill.Attempts)
	}
	pos := book.Position("BTCUSDT")
	if !almostEqual(pos.Quantity, 0.0003) {
		t.Fatalf("ledger not updated: %+v", pos)
	}
}

func TestRetryTwiceThenSucceed(t *testing.T) {
	fv := defaultFake()
	rateLimited := &venue.Error{Venue: "fake", Class: venue.ClassRateLimited, Code: 429, Body: "slow down"}
	fv.submitErrs = []error{rateLimited, rateLimited, nil}
	r, _, _, slept := newTestRouter(fv)

	fill, err := r.Submit(context.Background(), models.OrderIntent{
		Symbol: "BTCUSDT", Side: models.SideBuy, Quote: 100,
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if len(fv.submits) != 3 {
		t.Fatalf("submissions: got %d want 3", len(fv.submits))
	}
	if fill.Attempts != 3 {
		t.Fatalf("attempts: got %d want 3", fill.Attempts)
	}
	want := []time.Duration{500 * time.Millisecond, time.Second}
	if len(*slept) != 2 || (*slept)[0] != want[0] || (*slept)[1] != want[1] {
		t.Fatalf("backoff: got %v want %v", *slept, want)
	}
}

func TestRetryBudgetExhausts(t *testing.T) {
	fv := defaultFake()
	rateLimited := &venue.Error{Venue: "fake", Class: venue.ClassRateLimited, Code: 429}
	fv.submitErrs = []error{rateLimited, rateLimited, rateLimited}
	r, book, _, _ := newTestRouter(fv)

	_, err := r.Submit(context.Background(), models.OrderIntent{
		Symbol: "BTCUSDT", Side: models.SideBuy, Quote: 100,
	})
	if err == nil {
		t.Fatal("expected failure after retry budget")
	}
	if len(fv.submits) != 3 {
		t.Fatalf("submissions: got %d want 3", len(fv.submits))
	}
	if pos := book.Position("BTCUSDT"); pos.Quantity != 0 {
		t.Fatalf("ledger must not change on failure: %+v", pos)
	}
}

func TestNonRetryableFailsImmediately(t *testing.T) {
	fv := defaultFake()
	fv.submitErrs = []error{&venue.Error{Venue: "fake", Class: venue.ClassRejected, Code: 400, Body: "bad lot"}}
	r, _, _, slept := newTestRouter(fv)

	_, err := r.Submit(context.Background(), models.OrderIntent{
		Symbol: "BTCUSDT", Side: models.SideBuy, Quote: 100,
	})
	if err == nil {
		t.Fatal("expected immediate failure")
	}
	if len(fv.submits) != 1 {
		t.Fatalf("submissions: got %d want 1", len(fv.submits))
	}
	if len(*slept) != 0 {
		t.Fatalf("must not back off on non-retryable errors: %v", *slept)
	}
}

func TestRoundDownVersusRoundUp(t *testing.T) {
	down := defaultFake()
	down.spec.QuantityStep = 0.001
	r, _, _, _ := newTestRouter(down)

	fill, err := r.Submit(context.Background(), models.OrderIntent{
		Symbol: "BTCUSDT", Side: models.SideBuy, Quote: 77, // 0.00154 raw
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if !almostEqual(fill.Quantity, 0.001) {
		t.Fatalf("round down: got %v want 0.001", fill.Quantity)
	}

	up := defaultFake()
	up.spec.QuantityStep = 0.001
	up.policy.RoundUp = true
	r2, _, _, _ := newTestRouter(up)

	fill, err = r2.Submit(context.Background(), models.OrderIntent{
		Symbol: "BTCUSDT", Side: models.SideBuy, Quote: 77,
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if !almostEqual(fill.Quantity, 0.002) {
		t.Fatalf("round up: got %v want 0.002", fill.Quantity)
	}
}

func TestQuotePrimitivePreferred(t *testing.T) {
	fv := defaultFake()
	fv.policy.SupportsQuoteOrders = true
	r, _, _, _ := newTestRouter(fv)

	_, err := r.Submit(context.Background(), models.OrderIntent{
		Symbol: "BTCUSDT", Side: models.SideBuy, Quote: 100,
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if got := fv.submits[0].Size; got.Quote != 100 || got.Quantity != 0 {
		t.Fatalf("expected quote-sized request, got %+v", got)
	}
}

func TestQuoteFallbackToQuantity(t *testing.T) {
	fv := defaultFake()
	fv.policy.SupportsQuoteOrders = true
	fv.submitErrs = []error{venue.ErrQuoteOrdersUnsupported, nil}
	r, _, _, _ := newTestRouter(fv)

	fill, err := r.Submit(context.Background(), models.OrderIntent{
		Symbol: "BTCUSDT", Side: models.SideBuy, Quote: 100,
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if len(fv.submits) != 2 {
		t.Fatalf("submissions: got %d want 2", len(fv.submits))
	}
	if fv.submits[1].Size.Quantity == 0 {
		t.Fatalf("fallback must be quantity-sized: %+v", fv.submits[1].Size)
	}
	// Fallback does not consume a retry attempt.
	if fill.Attempts != 1 {
		t.Fatalf("attempts: got %d want 1", fill.Attempts)
	}
}

// A price jump between the quote-primitive attempt and the quantity
// fallback can push the converted size under the venue floors; the
// resize must reject rather than submit a sub-minimum order.
func TestQuoteFallbackRevalidatesMinimums(t *testing.T) {
	fv := defaultFake()
	fv.policy.SupportsQuoteOrders = true
	fv.spec = models.SymbolSpec{MinQuantity: 0.0002, QuantityStep: 0.0001, MinNotional: 5}
	fv.submitErrs = []error{venue.ErrQuoteOrdersUnsupported}
	fv.prices = []float64{50000, 100000}
	r, book, _, _ := newTestRouter(fv)

	_, err := r.Submit(context.Background(), models.OrderIntent{
		Symbol: "BTCUSDT", Side: models.SideBuy, Quote: 15, // 0.0003 at 50000, 0.0001 at 100000
	})
	var rej *models.RejectError
	if !asReject(err, &rej) || rej.Code != models.ReasonQtyTooSmall {
		t.Fatalf("got %v", err)
	}
	if len(fv.submits) != 1 {
		t.Fatalf("sub-minimum fallback must not reach the venue: %d submissions", len(fv.submits))
	}
	if pos := book.Position("BTCUSDT"); pos.Quantity != 0 {
		t.Fatalf("ledger must not change on rejection: %+v", pos)
	}
}

func TestSizingRejectionsSkipVenue(t *testing.T) {
	fv := defaultFake()
	fv.spec.MinQuantity = 0.01
	r, _, _, _ := newTestRouter(fv)

	_, err := r.Submit(context.Background(), models.OrderIntent{
		Symbol: "BTCUSDT", Side: models.SideBuy, Quote: 15, // rounds to 0.0003 < 0.01
	})
	var rej *models.RejectError
	if !asReject(err, &rej) || rej.Code != models.ReasonQtyTooSmall {
		t.Fatalf("got %v", err)
	}
	if len(fv.submits) != 0 {
		t.Fatalf("venue must not be called: %d submissions", len(fv.submits))
	}
}

func TestMinNotionalRejection(t *testing.T) {
	fv := defaultFake()
	fv.spec.MinNotional = 20
	r, _, _, _ := newTestRouter(fv)

	_, err := r.Submit(context.Background(), models.OrderIntent{
		Symbol: "BTCUSDT", Side: models.SideBuy, Quote: 15,
	})
	var rej *models.RejectError
	if !asReject(err, &rej) || rej.Code != models.ReasonMinNotional {
		t.Fatalf("got %v", err)
	}
}

func TestUnknownVenueRejected(t *testing.T) {
	fv := defaultFake()
	r, _, _, _ := newTestRouter(fv)

	_, err := r.Submit(context.Background(), models.OrderIntent{
		Symbol: "BTCUSDT@nowhere", Side: models.SideBuy, Quote: 100,
	})
	var rej *models.RejectError
	if !asReject(err, &rej) || rej.Code != models.ReasonVenueUnknown {
		t.Fatalf("got %v", err)
	}
}

func TestRecorderSeesEveryVenueInteraction(t *testing.T) {
	fv := defaultFake()
	rateLimited := &venue.Error{Venue: "fake", Class: venue.ClassRateLimited, Code: 429}
	fv.submitErrs = []error{rateLimited, nil}
	r, _, rec, _ := newTestRouter(fv)

	if _, err := r.Submit(context.Background(), models.OrderIntent{
		Symbol: "BTCUSDT", Side: models.SideBuy, Quote: 100,
	}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	// One quote plus two submissions.
	if rec.failures != 1 || rec.successes != 2 {
		t.Fatalf("recorder: %d failures, %d successes", rec.failures, rec.successes)
	}
}

// Property check over the sizing space: whatever the inputs, the
// router never emits a quantity below the minimum nor a notional below
// the venue floor; it rejects instead.
func TestRoundingNeverUndershootsMinimums(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 5000; i++ {
		spec := models.SymbolSpec{
			MinQuantity:  rng.Float64() * 0.01,
			QuantityStep: math.Pow(10, -float64(rng.Intn(7))),
			MinNotional:  rng.Float64() * 50,
		}
		price := 1 + rng.Float64()*100000
		quote := rng.Float64() * 200
		up := rng.Intn(2) == 0

		sized, rej := sizeOrder("X", models.SideBuy, quote, 0, price, 1, spec.Normalize(), venue.Policy{RoundUp: up})
		if rej != nil {
			continue
		}
		if sized.Quantity < spec.MinQuantity {
			t.Fatalf("case %d: quantity %v below min %v (spec=%+v price=%v quote=%v up=%v)",
				i, sized.Quantity, spec.MinQuantity, spec, price, quote, up)
		}
		if spec.MinNotional > 0 && sized.Notional < spec.MinNotional {
			t.Fatalf("case %d: notional %v below min %v", i, sized.Notional, spec.MinNotional)
		}
		steps := sized.Quantity / spec.Normalize().QuantityStep
		if math.Abs(steps-math.Round(steps)) > 1e-6 {
			t.Fatalf("case %d: quantity %v off the step grid", i, sized.Quantity)
		}
	}
}

func TestExecuteSlicedAggregatesVWAP(t *testing.T) {
	fv := defaultFake()
	fv.spec = models.SymbolSpec{QuantityStep: 0.0001}
	r, book, _, _ := newTestRouter(fv)

	fill, err := r.ExecuteSliced(context.Background(), models.OrderIntent{
		Symbol: "BTCUSDT", Side: models.SideBuy, Quantity: 0.003,
	}, 3, time.Second)
	if err != nil {
		t.Fatalf("sliced: %v", err)
	}
	if fill.Slices != 3 {
		t.Fatalf("slices: got %d want 3", fill.Slices)
	}
	if !almostEqual(fill.Quantity, 0.003) {
		t.Fatalf("quantity: got %v", fill.Quantity)
	}
	if !almostEqual(fill.AvgPrice, 50000) {
		t.Fatalf("vwap: got %v", fill.AvgPrice)
	}
	if pos := book.Position("BTCUSDT"); !almostEqual(pos.Quantity, 0.003) {
		t.Fatalf("ledger: got %+v", pos)
	}
}

func TestExecuteSlicedContinuesPastFailures(t *testing.T) {
	fv := defaultFake()
	fv.spec = models.SymbolSpec{QuantityStep: 0.0001}
	fv.submitErrs = []error{&venue.Error{Venue: "fake", Class: venue.ClassRejected, Code: 400}, nil, nil}
	r, _, _, _ := newTestRouter(fv)

	fill, err := r.ExecuteSliced(context.Background(), models.OrderIntent{
		Symbol: "BTCUSDT", Side: models.SideBuy, Quantity: 0.003,
	}, 3, 0)
	if err != nil {
		t.Fatalf("sliced: %v", err)
	}
	if fill.Slices != 2 {
		t.Fatalf("filled slices: got %d want 2", fill.Slices)
	}
	if !almostEqual(fill.Quantity, 0.002) {
		t.Fatalf("quantity: got %v", fill.Quantity)
	}
}

func TestSubmitLimitRests(t *testing.T) {
	fv := defaultFake()
	fv.result = venue.OrderResult{Status: venue.OrderStatusNew, VenueOrderID: "v-9"}
	r, book, _, _ := newTestRouter(fv)

	fill, err := r.SubmitLimit(context.Background(), models.OrderIntent{
		Symbol: "BTCUSDT", Side: models.SideBuy, Quantity: 0.001,
	}, 49000, models.TimeInForceGTC)
	if err != nil {
		t.Fatalf("limit: %v", err)
	}
	if fill.Quantity != 0 {
		t.Fatalf("resting order must report zero fill, got %v", fill.Quantity)
	}
	if fill.VenueOrderID != "v-9" {
		t.Fatalf("order id: got %q", fill.VenueOrderID)
	}
	if pos := book.Position("BTCUSDT"); pos.Quantity != 0 {
		t.Fatalf("resting order must not touch the ledger: %+v", pos)
	}
	if got := fv.submits[0]; got.Type != models.OrderTypeLimit || got.Price != 49000 {
		t.Fatalf("request: %+v", got)
	}
}

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func asReject(err error, target **models.RejectError) bool {
	if err == nil {
		return false
	}
	rej, ok := err.(*models.RejectError)
	if !ok {
		return false
	}
	*target = rej
	return true
}
