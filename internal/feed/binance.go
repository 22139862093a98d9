package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	appconfig "orderflow/config"
	"orderflow/internal/ledger"
	"orderflow/logger"
)

// BinanceFeed streams best bid/ask over the bookTicker websocket and
// keeps the ledger's last-price cache at the mid. It never calls into
// the router or the rails; the price cache is the only shared surface.
type BinanceFeed struct {
	cfg     appconfig.BinanceFeedConfig
	book    *ledger.Ledger
	ctx     context.Context
	wg      *sync.WaitGroup
	mu      sync.RWMutex
	running bool
	log     *logger.Log
}

// NewBinanceFeed constructs the feed over the given price cache.
func NewBinanceFeed(cfg appconfig.BinanceFeedConfig, book *ledger.Ledger) *BinanceFeed {
	return &BinanceFeed{
		cfg:  cfg,
		book: book,
		wg:   &sync.WaitGroup{},
		log:  logger.GetLogger(),
	}
}

// Start launches one websocket worker per configured symbol.
func (f *BinanceFeed) Start(ctx context.Context) error {
	f.mu.Lock()
	if f.running {
		f.mu.Unlock()
		return fmt.Errorf("binance feed already running")
	}
	f.running = true
	f.ctx = ctx
	f.mu.Unlock()

	if !f.cfg.Enabled {
		return fmt.Errorf("binance feed disabled via configuration")
	}
	if len(f.cfg.Symbols) == 0 {
		return fmt.Errorf("no symbols configured for binance feed")
	}

	for _, sym := range f.cfg.Symbols {
		symbol := strings.ToUpper(sym)
		f.wg.Add(1)
		go f.streamSymbol(symbol)
	}

	f.log.WithComponent("binance_feed").WithFields(logger.Fields{
		"symbols": f.cfg.Symbols,
	}).Info("binance price feed started")
	return nil
}

// Stop waits for all websocket workers to exit.
func (f *BinanceFeed) Stop() {
	f.mu.Lock()
	if !f.running {
		f.mu.Unlock()
		return
	}
	f.running = false
	f.mu.Unlock()

	f.log.WithComponent("binance_feed").Info("stopping binance price feed")
	f.wg.Wait()
	f.log.WithComponent("binance_feed").Info("binance price feed stopped")
}

type bookTickerPayload struct {
	Symbol string `json:"s"`
	Bid    string `json:"b"`
	Ask    string `json:"a"`
}

func (f *BinanceFeed) streamSymbol(symbol string) {
	defer f.wg.Done()

	baseURL := strings.TrimSpace(f.cfg.URL)
	if baseURL == "" {
		baseURL = "wss://stream.binance.com:9443/ws"
	}
	baseURL = strings.TrimRight(baseURL, "/")
	endpoint := fmt.Sprintf("%s/%s@bookTicker", baseURL, strings.ToLower(symbol))

	reconnect := f.cfg.ReconnectDelay
	if reconnect <= 0 {
		reconnect = 5 * time.Second
	}

	log := f.log.WithComponent("binance_feed").WithFields(logger.Fields{
		"symbol":   symbol,
		"endpoint": endpoint,
	})

	dialer := websocket.Dialer{}

	for {
		if f.ctx.Err() != nil {
			return
		}

		conn, _, err := dialer.Dial(endpoint, nil)
		if err != nil {
			log.WithError(err).Warn("failed to connect to binance book ticker websocket")
			select {
			case <-time.After(reconnect):
				continue
			case <-f.ctx.Done():
				return
			}
		}

		// Count ticks per connection so the flow record on disconnect
		// shows how much the stream carried before it dropped.
		ticks := 0
		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				conn.Close()
				logger.LogDataFlowEntry(log, "binance_ws", "price_cache", ticks, "book_ticker")
				log.WithError(err).Warn("binance book ticker stream error, reconnecting")
				break
			}
			ticks++
			f.handleMessage(symbol, raw)
		}

		select {
		case <-time.After(reconnect):
		case <-f.ctx.Done():
			return
		}
	}
}

func (f *BinanceFeed) handleMessage(symbol string, raw []byte) {
	var payload bookTickerPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		f.log.WithComponent("binance_feed").WithError(err).Debug("failed to decode book ticker payload")
		return
	}

	bid, _ := strconv.ParseFloat(payload.Bid, 64)
	ask, _ := strconv.ParseFloat(payload.Ask, 64)
	if bid <= 0 || ask <= 0 {
		return
	}
	mid := (bid + ask) / 2

	f.book.SetLastPrice(symbol, mid)
	logger.RecordChannelMessage("binance_feed", len(raw))
}
