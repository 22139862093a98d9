package feed

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	sdkapi "github.com/Kucoin/kucoin-universal-sdk/sdk/golang/pkg/api"
	futuresmarket "github.com/Kucoin/kucoin-universal-sdk/sdk/golang/pkg/generate/futures/market"
	sdktype "github.com/Kucoin/kucoin-universal-sdk/sdk/golang/pkg/types"
	"golang.org/x/time/rate"

	appconfig "orderflow/config"
	"orderflow/internal/ledger"
	"orderflow/logger"
)

// KucoinFeed polls KuCoin futures mark prices over REST as a secondary
// reference price source, feeding the same last-price cache as the
// primary websocket feed.
type KucoinFeed struct {
	cfg       appconfig.KucoinFeedConfig
	marketAPI futuresmarket.MarketAPI
	book      *ledger.Ledger
	ctx       context.Context
	wg        *sync.WaitGroup
	mu        sync.RWMutex
	running   bool
	limiter   *rate.Limiter
	interval  time.Duration
	log       *logger.Log
}

// NewKucoinFeed builds the SDK client and the poller around it.
func NewKucoinFeed(cfg appconfig.KucoinFeedConfig, book *ledger.Ledger) *KucoinFeed {
	baseURL := cfg.URL
	if baseURL == "" {
		baseURL = "https://api-futures.kucoin.com"
	} else if u, err := url.Parse(cfg.URL); err == nil && u.Host != "" {
		baseURL = fmt.Sprintf("https://%s", u.Host)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	transportOpt := sdktype.NewTransportOptionBuilder().
		SetTimeout(timeout).
		Build()

	option := sdktype.NewClientOptionBuilder().
		WithFuturesEndpoint(baseURL).
		WithTransportOption(transportOpt).
		Build()

	client := sdkapi.NewClient(option)

	return &KucoinFeed{
		cfg:       cfg,
		marketAPI: client.RestService().GetFuturesService().GetMarketAPI(),
		book:      book,
		wg:        &sync.WaitGroup{},
		limiter:   rate.NewLimiter(rate.Limit(5), 1),
		log:       logger.GetLogger(),
	}
}

// Start begins the polling loops per symbol.
func (f *KucoinFeed) Start(ctx context.Context) error {
	f.mu.Lock()
	if f.running {
		f.mu.Unlock()
		return fmt.Errorf("kucoin feed already running")
	}
	f.running = true
	f.ctx = ctx
	f.mu.Unlock()

	if !f.cfg.Enabled {
		return fmt.Errorf("kucoin feed disabled via configuration")
	}
	if len(f.cfg.Symbols) == 0 {
		return fmt.Errorf("no symbols configured for kucoin feed")
	}

	interval := time.Duration(f.cfg.IntervalMs) * time.Millisecond
	if interval <= 0 {
		interval = 10 * time.Second
	}
	f.interval = interval

	for _, symbol := range f.cfg.Symbols {
		sym := strings.ToUpper(symbol)
		f.wg.Add(1)
		go f.pollSymbol(sym)
	}

	f.log.WithComponent("kucoin_feed").WithFields(logger.Fields{
		"symbols":  f.cfg.Symbols,
		"interval": interval.String(),
	}).Info("kucoin price feed started")
	return nil
}

// Stop cancels all polling goroutines.
func (f *KucoinFeed) Stop() {
	f.mu.Lock()
	if !f.running {
		f.mu.Unlock()
		return
	}
	f.running = false
	f.mu.Unlock()

	f.log.WithComponent("kucoin_feed").Info("stopping kucoin price feed")
	f.wg.Wait()
	f.log.WithComponent("kucoin_feed").Info("kucoin price feed stopped")
}

func (f *KucoinFeed) pollSymbol(symbol string) {
	defer f.wg.Done()

	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	for {
		if err := f.fetchOnce(symbol); err != nil {
			f.log.WithComponent("kucoin_feed").WithFields(logger.Fields{
				"symbol": symbol,
			}).WithError(err).Debug("failed to fetch kucoin mark price")
		}

		select {
		case <-ticker.C:
		case <-f.ctx.Done():
			return
		}
	}
}

func (f *KucoinFeed) fetchOnce(symbol string) error {
	if err := f.limiter.Wait(f.ctx); err != nil {
		return err
	}

	req := futuresmarket.NewGetSymbolReqBuilder().SetSymbol(symbol).Build()
	resp, err := f.marketAPI.GetSymbol(req, f.ctx)
	if err != nil {
		return err
	}
	if resp == nil {
		return fmt.Errorf("empty response for symbol %s", symbol)
	}
	if resp.MarkPrice <= 0 {
		return fmt.Errorf("no mark price for symbol %s", symbol)
	}

	// KuCoin futures contracts are "XBTUSDTM"; map back to the spot
	// style the ledger keys on.
	f.book.SetLastPrice(normalizeSymbol(symbol), resp.MarkPrice)
	logger.RecordChannelMessage("kucoin_feed", 1)
	return nil
}

func normalizeSymbol(contract string) string {
	s := strings.ToUpper(contract)
	s = strings.TrimSuffix(s, "M")
	if strings.HasPrefix(s, "XBT") {
		s = "BTC" + s[3:]
	}
	return s
}
