package binance

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	appconfig "orderflow/config"
	"orderflow/internal/venue"
	"orderflow/logger"
	"orderflow/models"

	binance "github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/common"
	"golang.org/x/time/rate"
)

const venueName = "binance"

// Client adapts the Binance spot API to the venue capability contract.
// Binance exposes a native quote-notional order primitive
// (quoteOrderQty), so the policy advertises quote-order support and the
// conventional round-toward-zero sizing.
type Client struct {
	api     *binance.Client
	limiter *rate.Limiter
	policy  venue.Policy
	log     *logger.Log
}

// NewClient builds a Binance adapter from the venue configuration.
func NewClient(cfg appconfig.VenueConfig) *Client {
	log := logger.GetLogger()

	transport := &http.Transport{
		MaxIdleConns:        cfg.ConnectionPool.MaxIdleConns,
		MaxIdleConnsPerHost: cfg.ConnectionPool.MaxIdleConns,
		MaxConnsPerHost:     cfg.ConnectionPool.MaxConnsPerHost,
		IdleConnTimeout:     cfg.ConnectionPool.IdleConnTimeout,
	}

	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	api := binance.NewClient(cfg.APIKey, cfg.APISecret)
	api.HTTPClient = &http.Client{Transport: transport, Timeout: timeout}
	if cfg.URL != "" {
		api.BaseURL = strings.TrimRight(cfg.URL, "/")
	}

	rps := cfg.RateLimit.RequestsPerSecond
	if rps <= 0 {
		rps = 10
	}
	burst := cfg.RateLimit.BurstSize
	if burst <= 0 {
		burst = 1
	}

	log.WithComponent("binance_venue").WithFields(logger.Fields{
		"timeout":             timeout,
		"requests_per_second": rps,
	}).Info("binance venue adapter initialized")

	return &Client{
		api:     api,
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
		policy: venue.Policy{
			RoundUp:             false,
			SupportsQuoteOrders: true,
			FeeBps:              cfg.FeeBps,
			RequestTimeout:      timeout,
		},
		log: log,
	}
}

func (c *Client) Name() string { return venueName }

func (c *Client) Policy() venue.Policy { return c.policy }

// Quote returns the last traded price for a symbol.
func (c *Client) Quote(ctx context.Context, symbol string) (float64, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return 0, err
	}
	prices, err := c.api.NewListPricesService().Symbol(symbol).Do(ctx)
	if err != nil {
		return 0, c.wrapErr(err)
	}
	if len(prices) == 0 {
		return 0, &venue.Error{Venue: venueName, Class: venue.ClassRejected, Body: "no price for " + symbol}
	}
	price, err := strconv.ParseFloat(prices[0].Price, 64)
	if err != nil {
		return 0, &venue.Error{Venue: venueName, Class: venue.ClassRejected, Body: "unparsable price " + prices[0].Price, Err: err}
	}
	return price, nil
}

// LotConstraints reads the exchange-info filters for a symbol.
func (c *Client) LotConstraints(ctx context.Context, symbol string) (models.SymbolSpec, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return models.SymbolSpec{}, err
	}
	info, err := c.api.NewExchangeInfoService().Symbol(symbol).Do(ctx)
	if err != nil {
		return models.SymbolSpec{}, c.wrapErr(err)
	}

	var spec models.SymbolSpec
	for _, s := range info.Symbols {
		if !strings.EqualFold(s.Symbol, symbol) {
			continue
		}
		for _, filter := range s.Filters {
			switch filter["filterType"] {
			case "LOT_SIZE":
				spec.MinQuantity = filterFloat(filter, "minQty")
				spec.QuantityStep = filterFloat(filter, "stepSize")
			case "NOTIONAL", "MIN_NOTIONAL":
				spec.MinNotional = filterFloat(filter, "minNotional")
				if max := filterFloat(filter, "maxNotional"); max > 0 {
					spec.MaxNotional = max
				}
			case "PRICE_FILTER":
				spec.PriceTick = filterFloat(filter, "tickSize")
			}
		}
		return spec.Normalize(), nil
	}
	return models.SymbolSpec{}, &venue.Error{Venue: venueName, Class: venue.ClassRejected, Body: "symbol not listed: " + symbol}
}

// SubmitOrder places a market or limit order. Quote-sized requests use
// the native quoteOrderQty primitive, avoiding an extra price
// round-trip.
func (c *Client) SubmitOrder(ctx context.Context, req venue.OrderRequest) (venue.OrderResult, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return venue.OrderResult{}, err
	}

	svc := c.api.NewCreateOrderService().
		Symbol(req.Symbol).
		Side(binance.SideType(req.Side)).
		Type(binance.OrderType(req.Type))

	if req.ClientOrderID != "" {
		svc = svc.NewClientOrderID(req.ClientOrderID)
	}

	switch {
	case req.Size.Quote > 0:
		if req.Type != models.OrderTypeMarket {
			return venue.OrderResult{}, venue.ErrQuoteOrdersUnsupported
		}
		svc = svc.QuoteOrderQty(formatFloat(req.Size.Quote))
	case req.Size.Quantity > 0:
		svc = svc.Quantity(formatFloat(req.Size.Quantity))
	default:
		return venue.OrderResult{}, &venue.Error{Venue: venueName, Class: venue.ClassRejected, Body: "empty order size"}
	}

	if req.Type == models.OrderTypeLimit {
		tif := req.TimeInForce
		if tif == "" {
			tif = models.TimeInForceGTC
		}
		svc = svc.Price(formatFloat(req.Price)).TimeInForce(binance.TimeInForceType(tif))
	}

	resp, err := svc.Do(ctx)
	if err != nil {
		return venue.OrderResult{}, c.wrapErr(err)
	}

	executed, _ := strconv.ParseFloat(resp.ExecutedQuantity, 64)
	quoteQty, _ := strconv.ParseFloat(resp.CummulativeQuoteQuantity, 64)
	avg := 0.0
	if executed > 0 {
		avg = quoteQty / executed
	}

	return venue.OrderResult{
		Status:         mapStatus(resp.Status),
		FilledQuantity: executed,
		AvgFillPrice:   avg,
		VenueOrderID:   strconv.FormatInt(resp.OrderID, 10),
	}, nil
}

// CancelOrder cancels a resting order by venue order id.
func (c *Client) CancelOrder(ctx context.Context, symbol, venueOrderID string) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	id, err := strconv.ParseInt(venueOrderID, 10, 64)
	if err != nil {
		return &venue.Error{Venue: venueName, Class: venue.ClassRejected, Body: "invalid order id " + venueOrderID, Err: err}
	}
	if _, err := c.api.NewCancelOrderService().Symbol(symbol).OrderID(id).Do(ctx); err != nil {
		return c.wrapErr(err)
	}
	return nil
}

// OrderStatus fetches the current state of an order.
func (c *Client) OrderStatus(ctx context.Context, symbol, venueOrderID string) (venue.OrderResult, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return venue.OrderResult{}, err
	}
	id, err := strconv.ParseInt(venueOrderID, 10, 64)
	if err != nil {
		return venue.OrderResult{}, &venue.Error{Venue: venueName, Class: venue.ClassRejected, Body: "invalid order id " + venueOrderID, Err: err}
	}
	order, err := c.api.NewGetOrderService().Symbol(symbol).OrderID(id).Do(ctx)
	if err != nil {
		return venue.OrderResult{}, c.wrapErr(err)
	}

	executed, _ := strconv.ParseFloat(order.ExecutedQuantity, 64)
	quoteQty, _ := strconv.ParseFloat(order.CummulativeQuoteQuantity, 64)
	avg := 0.0
	if executed > 0 {
		avg = quoteQty / executed
	}
	return venue.OrderResult{
		Status:         mapStatus(order.Status),
		FilledQuantity: executed,
		AvgFillPrice:   avg,
		VenueOrderID:   venueOrderID,
	}, nil
}

// AccountSnapshot returns non-zero spot balances as positions are not
// tracked natively on spot accounts.
func (c *Client) AccountSnapshot(ctx context.Context) (venue.AccountSnapshot, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return venue.AccountSnapshot{}, err
	}
	account, err := c.api.NewGetAccountService().Do(ctx)
	if err != nil {
		return venue.AccountSnapshot{}, c.wrapErr(err)
	}

	snapshot := venue.AccountSnapshot{}
	for _, b := range account.Balances {
		free, _ := strconv.ParseFloat(b.Free, 64)
		locked, _ := strconv.ParseFloat(b.Locked, 64)
		if free == 0 && locked == 0 {
			continue
		}
		snapshot.Balances = append(snapshot.Balances, venue.Balance{Asset: b.Asset, Free: free, Locked: locked})
	}
	return snapshot, nil
}

// wrapErr classifies a go-binance error into the router's taxonomy.
// -1003/-1015 are request-weight rejections; a "banned" message means
// the IP is temporarily banned and must back off harder.
func (c *Client) wrapErr(err error) error {
	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		class := venue.ClassRejected
		switch apiErr.Code {
		case -1003, -1015:
			class = venue.ClassRateLimited
			if strings.Contains(strings.ToLower(apiErr.Message), "banned") {
				class = venue.ClassTempBan
			}
		}
		return &venue.Error{Venue: venueName, Class: class, Code: int(apiErr.Code), Body: apiErr.Message, Err: err}
	}
	// Transport-level failures (timeouts, resets) are worth one more try.
	return &venue.Error{Venue: venueName, Class: venue.ClassTempBan, Body: err.Error(), Err: err}
}

func mapStatus(status binance.OrderStatusType) venue.OrderStatus {
	switch status {
	case binance.OrderStatusTypeFilled:
		return venue.OrderStatusFilled
	case binance.OrderStatusTypePartiallyFilled:
		return venue.OrderStatusPartFilled
	case binance.OrderStatusTypeCanceled, binance.OrderStatusTypeExpired:
		return venue.OrderStatusCanceled
	case binance.OrderStatusTypeRejected:
		return venue.OrderStatusRejected
	default:
		return venue.OrderStatusNew
	}
}

func filterFloat(filter map[string]interface{}, key string) float64 {
	raw, ok := filter[key]
	if !ok {
		return 0
	}
	switch v := raw.(type) {
	case string:
		f, _ := strconv.ParseFloat(v, 64)
		return f
	case float64:
		return v
	default:
		return 0
	}
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

var _ venue.Capability = (*Client)(nil)
