package risk

import (
	"math"
	"strings"
	"sync"
	"time"

	"orderflow/config"
	"orderflow/logger"
	"orderflow/models"
)

// Book is the portfolio view the rails read for exposure checks. The
// position ledger satisfies it.
type Book interface {
	Snapshot() models.PortfolioSnapshot
	ExposureBySymbol() map[string]float64
	Venue(symbol string) string
	Position(symbol string) models.Position
	LastPrice(symbol string) (float64, bool)
}

// CheckRequest carries the already-resolved order parameters into the
// admission check.
type CheckRequest struct {
	Symbol     string
	Venue      string
	Side       models.Side
	Quote      float64
	Quantity   float64
	ReduceOnly bool
}

type observation struct {
	at      time.Time
	success bool
}

// Rails is the admission controller. CheckOrder runs the ordered risk
// checks and short-circuits on the first failure; RecordResult feeds
// the self-healing venue error breaker after every venue interaction.
type Rails struct {
	mu         sync.Mutex
	cfg        config.RiskConfig
	book       Book
	allowed    map[string]bool
	allowAll   bool
	accepted   []time.Time
	results    []observation
	tripped    bool
	peakEquity float64
	now        func() time.Time
	log        *logger.Entry
}

// New builds the rails over a risk config and a portfolio view.
func New(cfg config.RiskConfig, book Book) *Rails {
	r := &Rails{
		cfg:     cfg,
		book:    book,
		allowed: make(map[string]bool, len(cfg.AllowedSymbols)),
		now:     time.Now,
		log:     logger.GetLogger().WithComponent("risk"),
	}
	if cfg.Breaker.Window <= 0 {
		r.cfg.Breaker.Window = time.Minute
	}
	for _, s := range cfg.AllowedSymbols {
		if s == "*" {
			r.allowAll = true
		}
		r.allowed[strings.ToUpper(s)] = true
	}
	if len(cfg.AllowedSymbols) == 0 {
		r.allowAll = true
	}
	return r
}

// CheckOrder evaluates the rails in order: breaker, trading flag,
// allow-list, shape, notional bounds, equity guards, reduce-only,
// exposure caps, then the sliding rate window. The breaker runs first
// so a notional failure can never mask an open breaker. An accepted
// order consumes one rate-window slot.
func (r *Rails) CheckOrder(req CheckRequest) models.Decision {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.tripped {
		return models.Deny(models.ReasonBreakerOpen, "venue error rate over %.1f%%", r.cfg.Breaker.ThresholdPct)
	}
	if !r.cfg.TradingEnabled {
		return models.Deny(models.ReasonTradingDisabled, "trading is disabled by configuration")
	}

	symbol := strings.ToUpper(req.Symbol)
	if !r.allowAll && !r.allowed[symbol] {
		return models.Deny(models.ReasonSymbolNotAllowed, "%s is not on the allow-list", symbol)
	}

	if (req.Quote > 0) == (req.Quantity > 0) {
		return models.Deny(models.ReasonOrderShape, "exactly one of quote or quantity must be positive")
	}
	if !req.Side.Valid() {
		return models.Deny(models.ReasonOrderShape, "side must be BUY or SELL")
	}

	if req.Quote > 0 {
		if r.cfg.MinNotional > 0 && req.Quote < r.cfg.MinNotional {
			return models.Deny(models.ReasonNotionalTooSmall, "notional %.2f below minimum %.2f", req.Quote, r.cfg.MinNotional)
		}
		if r.cfg.MaxNotional > 0 && req.Quote > r.cfg.MaxNotional {
			return models.Deny(models.ReasonNotionalTooLarge, "notional %.2f above maximum %.2f", req.Quote, r.cfg.MaxNotional)
		}
	}

	snapshot := r.book.Snapshot()
	equity := snapshot.Equity()
	if equity > r.peakEquity {
		r.peakEquity = equity
	}
	if r.cfg.EquityFloor > 0 && equity < r.cfg.EquityFloor {
		return models.Deny(models.ReasonEquityFloor, "equity %.2f below floor %.2f", equity, r.cfg.EquityFloor)
	}
	if r.cfg.MaxDrawdownPct > 0 && r.peakEquity > 0 {
		drawdown := (r.peakEquity - equity) / r.peakEquity * 100
		if drawdown >= r.cfg.MaxDrawdownPct {
			return models.Deny(models.ReasonDrawdownLimit, "drawdown %.1f%% at limit %.1f%%", drawdown, r.cfg.MaxDrawdownPct)
		}
	}

	delta := r.orderDelta(symbol, req)
	position := r.book.Position(symbol)
	if req.ReduceOnly {
		if position.Quantity == 0 || position.Quantity*delta > 0 {
			return models.Deny(models.ReasonReduceOnly, "order would open or increase %s position", symbol)
		}
	}

	if d := r.checkExposure(symbol, req.Venue, delta); !d.Allowed {
		return d
	}

	if r.cfg.MaxOrdersPerMinute > 0 {
		cutoff := r.now().Add(-time.Minute)
		for len(r.accepted) > 0 && r.accepted[0].Before(cutoff) {
			r.accepted = r.accepted[1:]
		}
		if len(r.accepted) >= r.cfg.MaxOrdersPerMinute {
			return models.Deny(models.ReasonOrderRate, "%d orders in the last minute, limit %d", len(r.accepted), r.cfg.MaxOrdersPerMinute)
		}
		r.accepted = append(r.accepted, r.now())
	}

	return models.Allow()
}

// orderDelta converts the request into a signed notional at the best
// known price. A quantity-mode order with no known price contributes
// zero and is caught later by router sizing.
func (r *Rails) orderDelta(symbol string, req CheckRequest) float64 {
	if req.Quote > 0 {
		return req.Side.Sign() * req.Quote
	}
	price, ok := r.book.LastPrice(symbol)
	if !ok {
		price = r.book.Position(symbol).AvgPrice
	}
	return req.Side.Sign() * req.Quantity * price
}

func (r *Rails) checkExposure(symbol, venueName string, delta float64) models.Decision {
	exposures := r.book.ExposureBySymbol()
	after := exposures[symbol] + delta

	if r.cfg.MaxSymbolExposure > 0 && math.Abs(after) > r.cfg.MaxSymbolExposure {
		return models.Deny(models.ReasonExposureSymbol, "%s exposure %.2f would exceed cap %.2f", symbol, math.Abs(after), r.cfg.MaxSymbolExposure)
	}

	var total, venueTotal float64
	for sym, value := range exposures {
		if sym == symbol {
			continue
		}
		total += math.Abs(value)
		if r.book.Venue(sym) == venueName {
			venueTotal += math.Abs(value)
		}
	}
	total += math.Abs(after)
	venueTotal += math.Abs(after)

	if r.cfg.MaxVenueExposure > 0 && venueTotal > r.cfg.MaxVenueExposure {
		return models.Deny(models.ReasonExposureVenue, "%s exposure %.2f would exceed venue cap %.2f", venueName, venueTotal, r.cfg.MaxVenueExposure)
	}
	if r.cfg.MaxTotalExposure > 0 && total > r.cfg.MaxTotalExposure {
		return models.Deny(models.ReasonExposureTotal, "book exposure %.2f would exceed cap %.2f", total, r.cfg.MaxTotalExposure)
	}
	return models.Allow()
}

// RecordResult appends one venue interaction outcome, prunes the error
// window, and flips the breaker in either direction. The breaker only
// arms once the window holds at least MinSamples observations.
func (r *Rails) RecordResult(success bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	r.results = append(r.results, observation{at: now, success: success})
	cutoff := now.Add(-r.cfg.Breaker.Window)
	for len(r.results) > 0 && r.results[0].at.Before(cutoff) {
		r.results = r.results[1:]
	}

	if r.cfg.Breaker.ThresholdPct <= 0 {
		return
	}
	if len(r.results) < r.cfg.Breaker.MinSamples {
		return
	}

	failures := 0
	for _, o := range r.results {
		if !o.success {
			failures++
		}
	}
	pct := float64(failures) / float64(len(r.results)) * 100

	wasTripped := r.tripped
	r.tripped = pct >= r.cfg.Breaker.ThresholdPct
	if r.tripped != wasTripped {
		state := "closed"
		if r.tripped {
			state = "open"
		}
		r.log.WithFields(logger.Fields{
			"error_pct": pct,
			"threshold": r.cfg.Breaker.ThresholdPct,
			"samples":   len(r.results),
		}).Warn("venue breaker " + state)
	}
}

// Tripped reports the breaker state.
func (r *Rails) Tripped() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.tripped
}
