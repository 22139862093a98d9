package paper

import (
	"context"
	"errors"
	"testing"

	"orderflow/internal/venue"
	"orderflow/models"
)

func TestMarketOrderFillsAtPostedPrice(t *testing.T) {
	v := New()
	v.SetPrice("BTCUSDT", 50000)

	res, err := v.SubmitOrder(context.Background(), venue.OrderRequest{
		Symbol: "BTCUSDT",
		Side:   models.SideBuy,
		Size:   venue.SizeSpec{Quantity: 0.001},
		Type:   models.OrderTypeMarket,
	})
	if err != nil {
		t.Fatalf("SubmitOrder failed: %v", err)
	}
	if res.Status != venue.OrderStatusFilled || res.AvgFillPrice != 50000 || res.FilledQuantity != 0.001 {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestMarketOrderAppliesConfiguredSlippage(t *testing.T) {
	v := New()
	v.SetPrice("BTCUSDT", 50000)
	v.SlippageBps = 10

	buy, err := v.SubmitOrder(context.Background(), venue.OrderRequest{
		Symbol: "BTCUSDT", Side: models.SideBuy,
		Size: venue.SizeSpec{Quantity: 1}, Type: models.OrderTypeMarket,
	})
	if err != nil {
		t.Fatalf("buy failed: %v", err)
	}
	if buy.AvgFillPrice <= 50000 {
		t.Fatalf("buy should fill above posted price, got %v", buy.AvgFillPrice)
	}

	sell, err := v.SubmitOrder(context.Background(), venue.OrderRequest{
		Symbol: "BTCUSDT", Side: models.SideSell,
		Size: venue.SizeSpec{Quantity: 1}, Type: models.OrderTypeMarket,
	})
	if err != nil {
		t.Fatalf("sell failed: %v", err)
	}
	if sell.AvgFillPrice >= 50000 {
		t.Fatalf("sell should fill below posted price, got %v", sell.AvgFillPrice)
	}
}

func TestLimitOrderRestsUntilCrossed(t *testing.T) {
	v := New()
	v.SetPrice("BTCUSDT", 50000)

	ctx := context.Background()
	res, err := v.SubmitOrder(ctx, venue.OrderRequest{
		Symbol: "BTCUSDT", Side: models.SideBuy,
		Size: venue.SizeSpec{Quantity: 0.01}, Type: models.OrderTypeLimit, Price: 49000,
	})
	if err != nil {
		t.Fatalf("SubmitOrder failed: %v", err)
	}
	if res.Status != venue.OrderStatusNew || res.FilledQuantity != 0 {
		t.Fatalf("expected resting order, got %+v", res)
	}

	// A crossed limit fills at the limit price.
	v.SetPrice("BTCUSDT", 48900)
	crossed, err := v.SubmitOrder(ctx, venue.OrderRequest{
		Symbol: "BTCUSDT", Side: models.SideBuy,
		Size: venue.SizeSpec{Quantity: 0.01}, Type: models.OrderTypeLimit, Price: 49000,
	})
	if err != nil {
		t.Fatalf("SubmitOrder failed: %v", err)
	}
	if crossed.Status != venue.OrderStatusFilled || crossed.AvgFillPrice != 49000 {
		t.Fatalf("expected fill at limit price, got %+v", crossed)
	}
}

func TestCancelRestingOrder(t *testing.T) {
	v := New()
	v.SetPrice("BTCUSDT", 50000)

	ctx := context.Background()
	res, err := v.SubmitOrder(ctx, venue.OrderRequest{
		Symbol: "BTCUSDT", Side: models.SideSell,
		Size: venue.SizeSpec{Quantity: 0.01}, Type: models.OrderTypeLimit, Price: 51000,
	})
	if err != nil {
		t.Fatalf("SubmitOrder failed: %v", err)
	}

	if err := v.CancelOrder(ctx, "BTCUSDT", res.VenueOrderID); err != nil {
		t.Fatalf("CancelOrder failed: %v", err)
	}
	status, err := v.OrderStatus(ctx, "BTCUSDT", res.VenueOrderID)
	if err != nil {
		t.Fatalf("OrderStatus failed: %v", err)
	}
	if status.Status != venue.OrderStatusCanceled {
		t.Fatalf("expected canceled order, got %+v", status)
	}
}

func TestQuoteSizedOrderIsUnsupported(t *testing.T) {
	v := New()
	v.SetPrice("BTCUSDT", 50000)

	_, err := v.SubmitOrder(context.Background(), venue.OrderRequest{
		Symbol: "BTCUSDT", Side: models.SideBuy,
		Size: venue.SizeSpec{Quote: 100}, Type: models.OrderTypeMarket,
	})
	if !errors.Is(err, venue.ErrQuoteOrdersUnsupported) {
		t.Fatalf("expected ErrQuoteOrdersUnsupported, got %v", err)
	}
}

func TestUnknownSymbolIsRejectedNotRetryable(t *testing.T) {
	v := New()

	_, err := v.Quote(context.Background(), "DOGEUSDT")
	if err == nil {
		t.Fatal("expected error for unknown symbol")
	}
	if venue.Retryable(err) {
		t.Fatalf("missing price should not be retryable: %v", err)
	}
}
