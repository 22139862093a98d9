package router

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"orderflow/config"
	"orderflow/internal/ledger"
	"orderflow/internal/specs"
	"orderflow/internal/venue"
	"orderflow/logger"
	"orderflow/models"
)

// orderState tracks an order's lifecycle inside the router. REJECTED
// means sizing refused the order, normally before any network call and
// otherwise on the quote-primitive fallback resize; FAILED only after
// the retry budget is spent or a non-retryable venue error; FILLED is
// the only state that mutates the ledger.
type orderState string

const (
	stateSized      orderState = "SIZED"
	stateSubmitting orderState = "SUBMITTING"
	stateRetrying   orderState = "RETRYING"
	stateFilled     orderState = "FILLED"
	stateRejected   orderState = "REJECTED"
	stateFailed     orderState = "FAILED"
)

// resultRecorder receives the outcome of every venue interaction; the
// admission rails implement it to drive the error breaker.
type resultRecorder interface {
	RecordResult(success bool)
}

// Router sizes, rounds, submits and retries orders, and applies
// confirmed fills to the position ledger.
type Router struct {
	cfg      config.ExecutionConfig
	venues   map[string]venue.Capability
	registry *specs.Registry
	book     *ledger.Ledger
	recorder resultRecorder
	slippage *SlippageMonitor
	sleep    func(time.Duration)
	now      func() time.Time
	log      *logger.Entry
}

// New builds a router over the given venue adapters.
func New(cfg config.ExecutionConfig, venues map[string]venue.Capability, registry *specs.Registry, book *ledger.Ledger, recorder resultRecorder, slippage *SlippageMonitor) *Router {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 500 * time.Millisecond
	}
	return &Router{
		cfg:      cfg,
		venues:   venues,
		registry: registry,
		book:     book,
		recorder: recorder,
		slippage: slippage,
		sleep:    time.Sleep,
		now:      time.Now,
		log:      logger.GetLogger().WithComponent("router"),
	}
}

// ResolveVenue picks the adapter for an intent: an explicit "@venue"
// qualifier wins, then the market hint, then the configured default
// for the conventional USDT-quoted symbol.
func (r *Router) ResolveVenue(intent models.OrderIntent) (venue.Capability, *models.RejectError) {
	name := intent.VenueQualifier()
	if name == "" {
		name = strings.ToLower(intent.MarketHint)
	}
	if name == "" {
		name = strings.ToLower(r.cfg.DefaultVenue)
	}
	adapter, ok := r.venues[name]
	if !ok {
		return nil, models.Rejectf(models.ReasonVenueUnknown, "no adapter for venue %q", name)
	}
	return adapter, nil
}

// Submit executes a market order end to end: venue resolution, price
// and spec lookup, sizing, submission with bounded retry, then fill
// application. Sizing failures return a *models.RejectError; venue
// failures after retry exhaustion return the wrapped venue error.
func (r *Router) Submit(ctx context.Context, intent models.OrderIntent) (models.FillResult, error) {
	adapter, rerr := r.ResolveVenue(intent)
	if rerr != nil {
		return models.FillResult{}, rerr
	}
	symbol := intent.BaseSymbol()

	price, err := r.quote(ctx, adapter, symbol)
	if err != nil {
		return models.FillResult{}, err
	}

	spec, err := r.registry.Get(ctx, adapter.Name(), symbol)
	if err != nil {
		return models.FillResult{}, models.Rejectf(models.ReasonSpecMissing, "%s/%s: %v", adapter.Name(), symbol, err)
	}

	policy := adapter.Policy()
	sized, rerr := sizeOrder(symbol, intent.Side, intent.Quote, intent.Quantity, price, r.slippage.Scale(symbol), spec, policy)
	if rerr != nil {
		r.transition(symbol, stateRejected, rerr.Code)
		return models.FillResult{}, rerr
	}
	r.transition(symbol, stateSized, "")

	req := venue.OrderRequest{
		Symbol:        symbol,
		Side:          sized.Side,
		Type:          models.OrderTypeMarket,
		ClientOrderID: clientOrderID(),
	}
	if sized.QuoteMode && policy.SupportsQuoteOrders {
		req.Size = venue.SizeSpec{Quote: sized.Quote}
	} else {
		req.Size = venue.SizeSpec{Quantity: sized.Quantity}
	}

	result, attempts, err := r.submitWithRetry(ctx, adapter, req)
	if err != nil {
		var rej *models.RejectError
		if errors.As(err, &rej) {
			return models.FillResult{}, rej
		}
		r.transition(symbol, stateFailed, "")
		return models.FillResult{}, fmt.Errorf("submit %s %s on %s: %w", sized.Side, symbol, adapter.Name(), err)
	}

	fill := r.applyFill(adapter, sized, result, req.ClientOrderID, attempts)
	r.transition(symbol, stateFilled, "")
	return fill, nil
}

// quote fetches the reference price, feeding the breaker and the price
// cache on the way.
func (r *Router) quote(ctx context.Context, adapter venue.Capability, symbol string) (float64, error) {
	ctx, cancel := r.attemptContext(ctx, adapter)
	defer cancel()

	price, err := adapter.Quote(ctx, symbol)
	r.recorder.RecordResult(err == nil)
	if err != nil {
		return 0, fmt.Errorf("quote %s on %s: %w", symbol, adapter.Name(), err)
	}
	r.book.SetLastPrice(symbol, price)
	return price, nil
}

// submitWithRetry drives the SUBMITTING/RETRYING loop: up to
// MaxAttempts total submissions with linearly increasing backoff
// between them. A quote-primitive rejection falls back to quantity
// submission without consuming an attempt.
func (r *Router) submitWithRetry(ctx context.Context, adapter venue.Capability, req venue.OrderRequest) (venue.OrderResult, int, error) {
	var lastErr error
	for attempt := 1; attempt <= r.cfg.MaxAttempts; attempt++ {
		r.transition(req.Symbol, stateSubmitting, "")

		attemptCtx, cancel := r.attemptContext(ctx, adapter)
		start := r.now()
		result, err := adapter.SubmitOrder(attemptCtx, req)
		cancel()
		r.recorder.RecordResult(err == nil)

		if err == nil {
			logger.LogPerformanceEntry(r.log, "router", "venue_submit", r.now().Sub(start), logger.Fields{
				"venue":  adapter.Name(),
				"symbol": req.Symbol,
			})
			return result, attempt, nil
		}
		if errors.Is(err, venue.ErrQuoteOrdersUnsupported) && req.Size.Quote > 0 {
			price, qerr := r.quote(ctx, adapter, req.Symbol)
			if qerr != nil {
				return venue.OrderResult{}, attempt, qerr
			}
			spec, serr := r.registry.Get(ctx, adapter.Name(), req.Symbol)
			if serr != nil {
				return venue.OrderResult{}, attempt, serr
			}
			// The price moved since intake, so the conversion goes back
			// through full lot validation rather than a bare rounding;
			// the quote was already slippage-scaled once, hence scale 1.
			sized, rej := sizeOrder(req.Symbol, req.Side, req.Size.Quote, 0, price, 1, spec, adapter.Policy())
			if rej != nil {
				r.transition(req.Symbol, stateRejected, rej.Code)
				return venue.OrderResult{}, attempt, rej
			}
			req.Size = venue.SizeSpec{Quantity: sized.Quantity}
			attempt--
			continue
		}

		lastErr = err
		if !venue.Retryable(err) || attempt == r.cfg.MaxAttempts {
			return venue.OrderResult{}, attempt, lastErr
		}

		backoff := time.Duration(attempt) * r.cfg.BackoffBase
		r.transition(req.Symbol, stateRetrying, "")
		r.log.WithFields(logger.Fields{
			"venue":   adapter.Name(),
			"symbol":  req.Symbol,
			"attempt": attempt,
			"backoff": backoff.String(),
		}).WithError(err).Warn("transient venue error, backing off")
		r.sleep(backoff)
	}
	return venue.OrderResult{}, r.cfg.MaxAttempts, lastErr
}

// applyFill settles a confirmed fill into the ledger and produces the
// caller-facing result, including fee and slippage telemetry.
func (r *Router) applyFill(adapter venue.Capability, sized sizedOrder, result venue.OrderResult, clientID string, attempts int) models.FillResult {
	qty := result.FilledQuantity
	if qty <= 0 {
		qty = sized.Quantity
	}
	avg := result.AvgFillPrice
	if avg <= 0 {
		avg = sized.RefPrice
	}

	notional := qty * avg
	fee := notional * adapter.Policy().FeeBps / 10000
	slip := slippageBps(avg, sized.RefPrice)
	r.slippage.Observe(sized.Symbol, slip)
	r.log.LogMetric("router", "slippage_bps", slip, "gauge", logger.Fields{
		"venue":  adapter.Name(),
		"symbol": sized.Symbol,
	})

	r.book.ApplyFill(adapter.Name(), sized.Symbol, sized.Side, qty, avg, fee)

	fill := models.FillResult{
		Venue:         adapter.Name(),
		Symbol:        sized.Symbol,
		Side:          sized.Side,
		Quantity:      qty,
		AvgPrice:      avg,
		Notional:      notional,
		Fee:           fee,
		SlippageBps:   slip,
		RefPrice:      sized.RefPrice,
		VenueOrderID:  result.VenueOrderID,
		ClientOrderID: clientID,
		Attempts:      attempts,
		FilledAt:      r.now(),
	}
	r.log.WithFields(logger.Fields{
		"venue":        fill.Venue,
		"symbol":       fill.Symbol,
		"side":         string(fill.Side),
		"quantity":     fill.Quantity,
		"avg_price":    fill.AvgPrice,
		"slippage_bps": fill.SlippageBps,
		"attempts":     attempts,
	}).Info("order filled")
	return fill
}

func (r *Router) attemptContext(ctx context.Context, adapter venue.Capability) (context.Context, context.CancelFunc) {
	timeout := adapter.Policy().RequestTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return context.WithTimeout(ctx, timeout)
}

func (r *Router) transition(symbol string, state orderState, reason models.Reason) {
	entry := r.log.WithFields(logger.Fields{"symbol": symbol, "state": string(state)})
	if reason != "" {
		entry = entry.WithFields(logger.Fields{"reason": string(reason)})
	}
	entry.Debug("order state")
}

// clientOrderID generates a fresh venue client id per submission. The
// caller's idempotency key is not reused here because venues cap id
// length and reject duplicates across unrelated sessions.
func clientOrderID() string {
	return "of-" + uuid.NewString()[:18]
}
