package router

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"orderflow/internal/venue"
	"orderflow/logger"
	"orderflow/models"
)

// maxOrderPolls bounds how long a single chase iteration watches a
// resting order before handing control back to the chase loop.
const maxOrderPolls = 10

// roundPrice snaps a limit price onto the venue tick grid, toward the
// passive side so the order can only be cheaper than asked.
func roundPrice(price, tick float64, side models.Side) float64 {
	if tick <= 0 {
		return price
	}
	ticks := price / tick
	if side == models.SideBuy {
		ticks = math.Floor(ticks + epsilon)
	} else {
		ticks = math.Ceil(ticks - epsilon)
	}
	return ticks * tick
}

// SubmitLimit places a limit order at the given price with the given
// time-in-force, sharing the market path's sizing and retry machinery.
// A resting order returns with zero filled quantity and the venue
// order id; the ledger is only touched for actual fills.
func (r *Router) SubmitLimit(ctx context.Context, intent models.OrderIntent, limitPrice float64, tif models.TimeInForce) (models.FillResult, error) {
	adapter, rerr := r.ResolveVenue(intent)
	if rerr != nil {
		return models.FillResult{}, rerr
	}
	symbol := intent.BaseSymbol()
	if limitPrice <= 0 {
		return models.FillResult{}, models.Rejectf(models.ReasonOrderShape, "limit price must be positive")
	}
	if tif == "" {
		tif = models.TimeInForceGTC
	}

	spec, err := r.registry.Get(ctx, adapter.Name(), symbol)
	if err != nil {
		return models.FillResult{}, models.Rejectf(models.ReasonSpecMissing, "%s/%s: %v", adapter.Name(), symbol, err)
	}

	price := roundPrice(limitPrice, spec.PriceTick, intent.Side)
	sized, rerr := sizeOrder(symbol, intent.Side, intent.Quote, intent.Quantity, price, r.slippage.Scale(symbol), spec, adapter.Policy())
	if rerr != nil {
		r.transition(symbol, stateRejected, rerr.Code)
		return models.FillResult{}, rerr
	}
	r.transition(symbol, stateSized, "")

	req := venue.OrderRequest{
		Symbol:        symbol,
		Side:          sized.Side,
		Size:          venue.SizeSpec{Quantity: sized.Quantity},
		Type:          models.OrderTypeLimit,
		Price:         price,
		TimeInForce:   tif,
		ClientOrderID: clientOrderID(),
	}

	result, attempts, err := r.submitWithRetry(ctx, adapter, req)
	if err != nil {
		var rej *models.RejectError
		if errors.As(err, &rej) {
			return models.FillResult{}, rej
		}
		r.transition(symbol, stateFailed, "")
		return models.FillResult{}, fmt.Errorf("limit %s %s on %s: %w", sized.Side, symbol, adapter.Name(), err)
	}

	if result.FilledQuantity <= 0 {
		// Resting on the book; nothing to settle yet.
		return models.FillResult{
			Venue:         adapter.Name(),
			Symbol:        symbol,
			Side:          sized.Side,
			RefPrice:      price,
			VenueOrderID:  result.VenueOrderID,
			ClientOrderID: req.ClientOrderID,
			Attempts:      attempts,
			FilledAt:      r.now(),
		}, nil
	}

	fill := r.applyFill(adapter, sized, result, req.ClientOrderID, attempts)
	r.transition(symbol, stateFilled, "")
	return fill, nil
}

// LimitChase posts a passive limit at the current quote and keeps it
// pinned there: it polls the order, cancels and re-places when the
// market drifts beyond the tolerance, and after the chase budget is
// spent takes the remainder at market. Partial fills on a canceled
// order are settled into the ledger as they happen, and only the
// unexecuted remainder is re-placed; the result aggregates all
// tranches at the volume-weighted price.
func (r *Router) LimitChase(ctx context.Context, intent models.OrderIntent) (models.FillResult, error) {
	adapter, rerr := r.ResolveVenue(intent)
	if rerr != nil {
		return models.FillResult{}, rerr
	}
	symbol := intent.BaseSymbol()
	chase := r.cfg.Chase

	log := r.log.WithFields(logger.Fields{"venue": adapter.Name(), "symbol": symbol})

	remaining := intent
	var tranches []models.FillResult

	for attempt := 0; attempt <= chase.MaxChases; attempt++ {
		price, err := r.quote(ctx, adapter, symbol)
		if err != nil {
			return models.FillResult{}, err
		}

		fill, err := r.SubmitLimit(ctx, remaining, price, models.TimeInForceGTC)
		if err != nil {
			// A remainder cut below the venue minimums by partial fills
			// is done, not failed.
			var rej *models.RejectError
			if errors.As(err, &rej) && len(tranches) > 0 {
				log.WithError(err).Debug("remainder below venue minimums, stopping chase")
				return mergeTranches(tranches, r.now()), nil
			}
			return models.FillResult{}, err
		}
		applied := fill.Quantity
		if applied > 0 {
			tranches = append(tranches, fill)
			remaining = reduceBy(remaining, fill)
			if intentSpent(remaining) {
				return mergeTranches(tranches, r.now()), nil
			}
		}

		status, done, err := r.watchOrder(ctx, adapter, symbol, fill.VenueOrderID, price, chase.ToleranceBps, chase.PollInterval)
		if err != nil {
			return models.FillResult{}, err
		}

		// Drifted or poll budget spent; pull the order before re-placing
		// anything. A venue-side cancel or reject already cleared the
		// book. A fill can land between the last poll and the cancel, so
		// re-read the final cumulative quantity afterwards.
		if !done && status.Status != venue.OrderStatusCanceled && status.Status != venue.OrderStatusRejected {
			if err := r.cancel(ctx, adapter, symbol, fill.VenueOrderID); err != nil {
				return models.FillResult{}, err
			}
			statusCtx, cancelStatus := r.attemptContext(ctx, adapter)
			final, serr := adapter.OrderStatus(statusCtx, symbol, fill.VenueOrderID)
			cancelStatus()
			r.recorder.RecordResult(serr == nil)
			if serr == nil && final.FilledQuantity >= status.FilledQuantity {
				status = final
			}
		}

		// The venue reports cumulative filled quantity per order; settle
		// only the part not yet applied.
		if delta := status.FilledQuantity - applied; delta > epsilon {
			tranche := status
			tranche.FilledQuantity = delta
			if tranche.VenueOrderID == "" {
				tranche.VenueOrderID = fill.VenueOrderID
			}
			sized := sizedOrder{Symbol: symbol, Side: intent.Side, Quantity: delta, RefPrice: price}
			partial := r.applyFill(adapter, sized, tranche, fill.ClientOrderID, 1)
			tranches = append(tranches, partial)
			remaining = reduceBy(remaining, partial)
		}
		if done || intentSpent(remaining) {
			return mergeTranches(tranches, r.now()), nil
		}
		log.WithFields(logger.Fields{"chase": attempt + 1, "filled": status.FilledQuantity}).Debug("price drifted, re-pinning limit")
	}

	log.Info("chase budget spent, taking remainder at market")
	mkt, err := r.Submit(ctx, remaining)
	if err != nil {
		var rej *models.RejectError
		if errors.As(err, &rej) && len(tranches) > 0 {
			log.WithError(err).Debug("remainder below venue minimums, keeping settled tranches")
			return mergeTranches(tranches, r.now()), nil
		}
		return models.FillResult{}, err
	}
	tranches = append(tranches, mkt)
	return mergeTranches(tranches, r.now()), nil
}

// reduceBy shrinks the unexecuted part of an intent by a settled
// tranche: quantity intents by executed quantity, quote intents by
// executed notional. Dust below epsilon counts as spent.
func reduceBy(intent models.OrderIntent, fill models.FillResult) models.OrderIntent {
	if intent.Quantity > 0 {
		intent.Quantity -= fill.Quantity
		if intent.Quantity < epsilon {
			intent.Quantity = 0
		}
	} else if intent.Quote > 0 {
		intent.Quote -= fill.Notional
		if intent.Quote < epsilon {
			intent.Quote = 0
		}
	}
	return intent
}

func intentSpent(intent models.OrderIntent) bool {
	return intent.Quantity <= 0 && intent.Quote <= 0
}

// mergeTranches folds the settled tranches of one chase into a single
// result: summed quantity, notional and fee, the volume-weighted
// average price, and slippage against the first tranche's reference.
func mergeTranches(tranches []models.FillResult, at time.Time) models.FillResult {
	if len(tranches) == 0 {
		return models.FillResult{}
	}
	if len(tranches) == 1 {
		return tranches[0]
	}
	agg := tranches[0]
	agg.Quantity = 0
	agg.Notional = 0
	agg.Fee = 0
	agg.Attempts = 0
	for _, t := range tranches {
		agg.Quantity += t.Quantity
		agg.Notional += t.Notional
		agg.Fee += t.Fee
		agg.Attempts += t.Attempts
	}
	if agg.Quantity > 0 {
		agg.AvgPrice = agg.Notional / agg.Quantity
	}
	agg.SlippageBps = slippageBps(agg.AvgPrice, agg.RefPrice)
	agg.Slices = len(tranches)
	agg.VenueOrderID = tranches[len(tranches)-1].VenueOrderID
	agg.FilledAt = at
	return agg
}

// watchOrder polls a resting order until it fills, the market moves
// beyond tolerance, the poll budget runs out, or the context ends.
// done=true means the order filled. The returned status always carries
// the last observed cumulative fill so the caller can settle partials.
func (r *Router) watchOrder(ctx context.Context, adapter venue.Capability, symbol, orderID string, placed, toleranceBps float64, poll time.Duration) (venue.OrderResult, bool, error) {
	if poll <= 0 {
		poll = time.Second
	}
	var last venue.OrderResult
	for polls := 0; polls < maxOrderPolls; polls++ {
		select {
		case <-ctx.Done():
			return venue.OrderResult{}, false, ctx.Err()
		default:
		}
		r.sleep(poll)

		statusCtx, cancel := r.attemptContext(ctx, adapter)
		status, err := adapter.OrderStatus(statusCtx, symbol, orderID)
		cancel()
		r.recorder.RecordResult(err == nil)
		if err != nil {
			return venue.OrderResult{}, false, fmt.Errorf("poll order %s on %s: %w", orderID, adapter.Name(), err)
		}
		last = status

		switch status.Status {
		case venue.OrderStatusFilled:
			return status, true, nil
		case venue.OrderStatusCanceled, venue.OrderStatusRejected:
			return status, false, nil
		}

		price, err := r.quote(ctx, adapter, symbol)
		if err != nil {
			return venue.OrderResult{}, false, err
		}
		if driftBps(placed, price) > toleranceBps {
			return status, false, nil
		}
	}
	return last, false, nil
}

func (r *Router) cancel(ctx context.Context, adapter venue.Capability, symbol, orderID string) error {
	cancelCtx, cancel := r.attemptContext(ctx, adapter)
	defer cancel()
	err := adapter.CancelOrder(cancelCtx, symbol, orderID)
	r.recorder.RecordResult(err == nil)
	if err != nil {
		return fmt.Errorf("cancel order %s on %s: %w", orderID, adapter.Name(), err)
	}
	return nil
}

func driftBps(placed, current float64) float64 {
	if placed <= 0 {
		return 0
	}
	return math.Abs(current-placed) / placed * 10000
}
