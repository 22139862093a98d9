package router

import (
	"context"
	"fmt"
	"time"

	"orderflow/logger"
	"orderflow/models"
)

// ExecuteSliced splits an intent into count equal slices submitted at
// a fixed interval, aggregating the volume-weighted fill price. A
// failed slice is logged and skipped rather than aborting the plan;
// the call only errors when every slice fails.
func (r *Router) ExecuteSliced(ctx context.Context, intent models.OrderIntent, count int, interval time.Duration) (models.FillResult, error) {
	if count <= 0 {
		return models.FillResult{}, models.Rejectf(models.ReasonOrderShape, "slice count must be positive")
	}
	if intent.Quantity <= 0 {
		return models.FillResult{}, models.Rejectf(models.ReasonOrderShape, "sliced execution requires a base quantity")
	}

	slice := intent
	slice.Quote = 0
	slice.Quantity = intent.Quantity / float64(count)

	log := r.log.WithFields(logger.Fields{
		"symbol": intent.BaseSymbol(),
		"slices": count,
		"each":   slice.Quantity,
	})
	log.Info("starting sliced execution")

	var (
		agg      models.FillResult
		notional float64
		filled   int
		lastErr  error
	)
	for i := 0; i < count; i++ {
		if i > 0 && interval > 0 {
			if ctx.Err() != nil {
				lastErr = ctx.Err()
				break
			}
			r.sleep(interval)
		}

		fill, err := r.Submit(ctx, slice)
		if err != nil {
			lastErr = err
			log.WithFields(logger.Fields{"slice": i + 1}).WithError(err).Warn("slice failed, continuing")
			continue
		}

		filled++
		agg.Quantity += fill.Quantity
		agg.Fee += fill.Fee
		notional += fill.Notional
		agg.Venue = fill.Venue
		agg.Symbol = fill.Symbol
		agg.Side = fill.Side
		agg.RefPrice = fill.RefPrice
		agg.VenueOrderID = fill.VenueOrderID
	}

	if filled == 0 {
		return models.FillResult{}, fmt.Errorf("all %d slices failed: %w", count, lastErr)
	}

	agg.Notional = notional
	if agg.Quantity > 0 {
		agg.AvgPrice = notional / agg.Quantity
	}
	agg.SlippageBps = slippageBps(agg.AvgPrice, agg.RefPrice)
	agg.Slices = filled
	agg.Attempts = count
	agg.FilledAt = r.now()

	log.WithFields(logger.Fields{
		"filled_slices": filled,
		"quantity":      agg.Quantity,
		"vwap":          agg.AvgPrice,
	}).Info("sliced execution complete")
	return agg, nil
}
