package bybit

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	appconfig "orderflow/config"
	"orderflow/internal/venue"
	"orderflow/logger"
	"orderflow/models"

	bybit "github.com/bybit-exchange/bybit.go.api"
	"golang.org/x/time/rate"
)

const (
	venueName = "bybit"
	category  = "spot"
)

// Client adapts the Bybit v5 unified trading API to the venue
// capability contract. Bybit has no quote-notional market primitive for
// this flow, and its minimum-amount enforcement rejects orders that
// round down to exactly the minimum, so the policy requires rounding
// away from zero on notional-to-quantity conversion.
type Client struct {
	api     *bybit.Client
	limiter *rate.Limiter
	policy  venue.Policy
	log     *logger.Log
}

// NewClient builds a Bybit adapter from the venue configuration.
func NewClient(cfg appconfig.VenueConfig) *Client {
	log := logger.GetLogger()

	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	opts := []bybit.ClientOption{}
	if cfg.URL != "" {
		opts = append(opts, bybit.WithBaseURL(strings.TrimRight(cfg.URL, "/")))
	}
	api := bybit.NewBybitHttpClient(cfg.APIKey, cfg.APISecret, opts...)

	rps := cfg.RateLimit.RequestsPerSecond
	if rps <= 0 {
		rps = 10
	}
	burst := cfg.RateLimit.BurstSize
	if burst <= 0 {
		burst = 1
	}

	log.WithComponent("bybit_venue").WithFields(logger.Fields{
		"timeout":             timeout,
		"requests_per_second": rps,
	}).Info("bybit venue adapter initialized")

	return &Client{
		api:     api,
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
		policy: venue.Policy{
			RoundUp:             true,
			SupportsQuoteOrders: false,
			FeeBps:              cfg.FeeBps,
			RequestTimeout:      timeout,
		},
		log: log,
	}
}

func (c *Client) Name() string { return venueName }

func (c *Client) Policy() venue.Policy { return c.policy }

type tickerResult struct {
	List []struct {
		Symbol    string `json:"symbol"`
		LastPrice string `json:"lastPrice"`
	} `json:"list"`
}

// Quote returns the last traded price for a symbol.
func (c *Client) Quote(ctx context.Context, symbol string) (float64, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return 0, err
	}
	params := map[string]interface{}{"category": category, "symbol": symbol}
	resp, err := c.api.NewUtaBybitServiceWithParams(params).GetMarketTickers(ctx)
	if err != nil {
		return 0, c.transportErr(err)
	}
	if err := c.retErr(resp.RetCode, resp.RetMsg); err != nil {
		return 0, err
	}

	var result tickerResult
	if err := decodeResult(resp.Result, &result); err != nil {
		return 0, err
	}
	if len(result.List) == 0 {
		return 0, &venue.Error{Venue: venueName, Class: venue.ClassRejected, Body: "no ticker for " + symbol}
	}
	price, err := strconv.ParseFloat(result.List[0].LastPrice, 64)
	if err != nil {
		return 0, &venue.Error{Venue: venueName, Class: venue.ClassRejected, Body: "unparsable price " + result.List[0].LastPrice, Err: err}
	}
	return price, nil
}

type instrumentResult struct {
	List []struct {
		Symbol        string `json:"symbol"`
		LotSizeFilter struct {
			MinOrderQty   string `json:"minOrderQty"`
			BasePrecision string `json:"basePrecision"`
			MinOrderAmt   string `json:"minOrderAmt"`
			MaxOrderAmt   string `json:"maxOrderAmt"`
		} `json:"lotSizeFilter"`
		PriceFilter struct {
			TickSize string `json:"tickSize"`
		} `json:"priceFilter"`
	} `json:"list"`
}

// LotConstraints reads the instruments-info filters for a symbol.
func (c *Client) LotConstraints(ctx context.Context, symbol string) (models.SymbolSpec, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return models.SymbolSpec{}, err
	}
	params := map[string]interface{}{"category": category, "symbol": symbol}
	resp, err := c.api.NewUtaBybitServiceWithParams(params).GetInstrumentInfo(ctx)
	if err != nil {
		return models.SymbolSpec{}, c.transportErr(err)
	}
	if err := c.retErr(resp.RetCode, resp.RetMsg); err != nil {
		return models.SymbolSpec{}, err
	}

	var result instrumentResult
	if err := decodeResult(resp.Result, &result); err != nil {
		return models.SymbolSpec{}, err
	}
	for _, inst := range result.List {
		if !strings.EqualFold(inst.Symbol, symbol) {
			continue
		}
		spec := models.SymbolSpec{
			MinQuantity:  parseFloat(inst.LotSizeFilter.MinOrderQty),
			QuantityStep: parseFloat(inst.LotSizeFilter.BasePrecision),
			MinNotional:  parseFloat(inst.LotSizeFilter.MinOrderAmt),
			MaxNotional:  parseFloat(inst.LotSizeFilter.MaxOrderAmt),
			PriceTick:    parseFloat(inst.PriceFilter.TickSize),
		}
		return spec.Normalize(), nil
	}
	return models.SymbolSpec{}, &venue.Error{Venue: venueName, Class: venue.ClassRejected, Body: "symbol not listed: " + symbol}
}

type createResult struct {
	OrderID string `json:"orderId"`
}

// SubmitOrder places an order and immediately queries its state so the
// caller gets fill quantity and average price in one logical step.
func (c *Client) SubmitOrder(ctx context.Context, req venue.OrderRequest) (venue.OrderResult, error) {
	if req.Size.Quote > 0 && req.Size.Quantity <= 0 {
		return venue.OrderResult{}, venue.ErrQuoteOrdersUnsupported
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return venue.OrderResult{}, err
	}

	params := map[string]interface{}{
		"category":  category,
		"symbol":    req.Symbol,
		"side":      titleSide(req.Side),
		"orderType": titleType(req.Type),
		"qty":       formatFloat(req.Size.Quantity),
	}
	if req.ClientOrderID != "" {
		params["orderLinkId"] = req.ClientOrderID
	}
	if req.Type == models.OrderTypeLimit {
		params["price"] = formatFloat(req.Price)
		tif := req.TimeInForce
		if tif == "" {
			tif = models.TimeInForceGTC
		}
		params["timeInForce"] = string(tif)
	}

	resp, err := c.api.NewUtaBybitServiceWithParams(params).PlaceOrder(ctx)
	if err != nil {
		return venue.OrderResult{}, c.transportErr(err)
	}
	if err := c.retErr(resp.RetCode, resp.RetMsg); err != nil {
		return venue.OrderResult{}, err
	}

	var created createResult
	if err := decodeResult(resp.Result, &created); err != nil {
		return venue.OrderResult{}, err
	}

	result, err := c.OrderStatus(ctx, req.Symbol, created.OrderID)
	if err != nil {
		// The order exists; report it as accepted even when the status
		// read fails so the caller can reconcile later.
		c.log.WithComponent("bybit_venue").WithError(err).Warn("order placed but status read failed")
		return venue.OrderResult{Status: venue.OrderStatusNew, VenueOrderID: created.OrderID}, nil
	}
	return result, nil
}

// CancelOrder cancels a resting order by venue order id.
func (c *Client) CancelOrder(ctx context.Context, symbol, venueOrderID string) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	params := map[string]interface{}{"category": category, "symbol": symbol, "orderId": venueOrderID}
	resp, err := c.api.NewUtaBybitServiceWithParams(params).CancelOrder(ctx)
	if err != nil {
		return c.transportErr(err)
	}
	return c.retErr(resp.RetCode, resp.RetMsg)
}

type orderListResult struct {
	List []struct {
		OrderID     string `json:"orderId"`
		OrderStatus string `json:"orderStatus"`
		AvgPrice    string `json:"avgPrice"`
		CumExecQty  string `json:"cumExecQty"`
	} `json:"list"`
}

// OrderStatus fetches the current state of an order via the realtime
// query, which covers open and recently closed spot orders.
func (c *Client) OrderStatus(ctx context.Context, symbol, venueOrderID string) (venue.OrderResult, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return venue.OrderResult{}, err
	}
	params := map[string]interface{}{"category": category, "symbol": symbol, "orderId": venueOrderID}
	resp, err := c.api.NewUtaBybitServiceWithParams(params).GetOpenOrders(ctx)
	if err != nil {
		return venue.OrderResult{}, c.transportErr(err)
	}
	if err := c.retErr(resp.RetCode, resp.RetMsg); err != nil {
		return venue.OrderResult{}, err
	}

	var result orderListResult
	if err := decodeResult(resp.Result, &result); err != nil {
		return venue.OrderResult{}, err
	}
	for _, o := range result.List {
		if o.OrderID != venueOrderID {
			continue
		}
		return venue.OrderResult{
			Status:         mapStatus(o.OrderStatus),
			FilledQuantity: parseFloat(o.CumExecQty),
			AvgFillPrice:   parseFloat(o.AvgPrice),
			VenueOrderID:   o.OrderID,
		}, nil
	}
	return venue.OrderResult{}, &venue.Error{Venue: venueName, Class: venue.ClassRejected, Body: "order not found: " + venueOrderID}
}

type walletResult struct {
	List []struct {
		AccountType string `json:"accountType"`
		Coin        []struct {
			Coin          string `json:"coin"`
			WalletBalance string `json:"walletBalance"`
			Locked        string `json:"locked"`
		} `json:"coin"`
	} `json:"list"`
}

// AccountSnapshot returns unified-account wallet balances.
func (c *Client) AccountSnapshot(ctx context.Context) (venue.AccountSnapshot, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return venue.AccountSnapshot{}, err
	}
	params := map[string]interface{}{"accountType": "UNIFIED"}
	resp, err := c.api.NewUtaBybitServiceWithParams(params).GetAccountWallet(ctx)
	if err != nil {
		return venue.AccountSnapshot{}, c.transportErr(err)
	}
	if err := c.retErr(resp.RetCode, resp.RetMsg); err != nil {
		return venue.AccountSnapshot{}, err
	}

	var result walletResult
	if err := decodeResult(resp.Result, &result); err != nil {
		return venue.AccountSnapshot{}, err
	}

	snapshot := venue.AccountSnapshot{}
	for _, account := range result.List {
		for _, coin := range account.Coin {
			balance := parseFloat(coin.WalletBalance)
			locked := parseFloat(coin.Locked)
			if balance == 0 && locked == 0 {
				continue
			}
			snapshot.Balances = append(snapshot.Balances, venue.Balance{
				Asset:  coin.Coin,
				Free:   balance - locked,
				Locked: locked,
			})
		}
	}
	return snapshot, nil
}

// retErr classifies a non-zero retCode. 10006/10018 are request-rate
// rejections; 10016 is a transient server error.
func (c *Client) retErr(code int, msg string) error {
	if code == 0 {
		return nil
	}
	class := venue.ClassRejected
	switch code {
	case 10006, 10018:
		class = venue.ClassRateLimited
	case 10016:
		class = venue.ClassTempBan
	}
	return &venue.Error{Venue: venueName, Class: class, Code: code, Body: msg}
}

func (c *Client) transportErr(err error) error {
	return &venue.Error{Venue: venueName, Class: venue.ClassTempBan, Body: err.Error(), Err: err}
}

func decodeResult(result interface{}, out interface{}) error {
	payload, err := json.Marshal(result)
	if err != nil {
		return &venue.Error{Venue: venueName, Class: venue.ClassRejected, Body: "unmarshalable result", Err: err}
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return &venue.Error{Venue: venueName, Class: venue.ClassRejected, Body: fmt.Sprintf("unexpected result shape: %s", payload), Err: err}
	}
	return nil
}

func mapStatus(status string) venue.OrderStatus {
	switch status {
	case "Filled":
		return venue.OrderStatusFilled
	case "PartiallyFilled", "PartiallyFilledCanceled":
		return venue.OrderStatusPartFilled
	case "Cancelled", "Deactivated":
		return venue.OrderStatusCanceled
	case "Rejected":
		return venue.OrderStatusRejected
	default:
		return venue.OrderStatusNew
	}
}

func titleSide(side models.Side) string {
	if side == models.SideSell {
		return "Sell"
	}
	return "Buy"
}

func titleType(orderType models.OrderType) string {
	if orderType == models.OrderTypeLimit {
		return "Limit"
	}
	return "Market"
}

func parseFloat(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

var _ venue.Capability = (*Client)(nil)
