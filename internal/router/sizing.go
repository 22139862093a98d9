package router

import (
	"math"

	"orderflow/internal/venue"
	"orderflow/models"
)

// epsilon absorbs float division noise so a quantity that is exactly N
// steps does not round to N-1.
const epsilon = 1e-9

// sizedOrder is the outcome of notional-to-quantity conversion and lot
// validation, ready for submission.
type sizedOrder struct {
	Symbol   string
	Side     models.Side
	Quantity float64
	Notional float64
	RefPrice float64
	// QuoteMode marks an intent that arrived as a notional; the router
	// prefers the venue's native quote primitive for these.
	QuoteMode bool
	Quote     float64
}

// roundToStep snaps a quantity onto the venue's step grid. Rounding
// down keeps realized size at or under the request; round-up venues
// need the next step so orders at exactly the minimum still clear.
func roundToStep(qty, step float64, up bool) float64 {
	if step <= 0 {
		step = models.DefaultQuantityStep
	}
	steps := qty / step
	if up {
		steps = math.Ceil(steps - epsilon)
	} else {
		steps = math.Floor(steps + epsilon)
	}
	if steps < 0 {
		steps = 0
	}
	return steps * step
}

// sizeOrder converts an intent's quote or quantity into a lot-valid
// base quantity at the reference price, applying any slippage cutback
// scale first. All rejections here happen before any network call.
func sizeOrder(symbol string, side models.Side, quote, quantity, price, scale float64, spec models.SymbolSpec, policy venue.Policy) (sizedOrder, *models.RejectError) {
	if price <= 0 {
		return sizedOrder{}, models.Rejectf(models.ReasonSpecMissing, "no reference price for %s", symbol)
	}
	if scale > 0 && scale < 1 {
		quote *= scale
		quantity *= scale
	}

	raw := quantity
	quoteMode := quote > 0
	if quoteMode {
		raw = quote / price
	}

	qty := roundToStep(raw, spec.QuantityStep, policy.RoundUp)
	if qty <= 0 || qty < spec.MinQuantity {
		return sizedOrder{}, models.Rejectf(models.ReasonQtyTooSmall, "%s quantity %.10g below minimum %.10g", symbol, qty, spec.MinQuantity)
	}

	notional := qty * price
	if spec.MinNotional > 0 && notional < spec.MinNotional {
		return sizedOrder{}, models.Rejectf(models.ReasonMinNotional, "%s notional %.2f below venue minimum %.2f", symbol, notional, spec.MinNotional)
	}
	if spec.MaxNotional > 0 && notional > spec.MaxNotional {
		return sizedOrder{}, models.Rejectf(models.ReasonMaxNotional, "%s notional %.2f above venue maximum %.2f", symbol, notional, spec.MaxNotional)
	}

	return sizedOrder{
		Symbol:    symbol,
		Side:      side,
		Quantity:  qty,
		Notional:  notional,
		RefPrice:  price,
		QuoteMode: quoteMode,
		Quote:     quote,
	}, nil
}

// slippageBps measures realized slippage against the reference price in
// basis points.
func slippageBps(avgFill, ref float64) float64 {
	if ref <= 0 || avgFill <= 0 {
		return 0
	}
	return math.Abs(avgFill-ref) / ref * 10000
}
