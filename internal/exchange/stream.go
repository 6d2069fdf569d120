package exchange

import (
	"context"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/adshao/go-binance/v2"
)

// LivePriceFeed maintains the latest traded price of the reference instrument
// from the Binance aggregated trade stream. It is a single continuously
// updated value; readers see ok=false until the first trade arrives.
type LivePriceFeed struct {
	logger *slog.Logger
	symbol string

	mu    sync.RWMutex
	price float64
	ok    bool

	ctx      context.Context
	cancel   context.CancelFunc
	stopChan chan struct{}
	done     chan struct{}
}

// NewLivePriceFeed creates a feed for the given reference symbol, e.g. BTCUSDT.
func NewLivePriceFeed(symbol string, logger *slog.Logger) *LivePriceFeed {
	ctx, cancel := context.WithCancel(context.Background())
	return &LivePriceFeed{
		logger:   logger,
		symbol:   symbol,
		ctx:      ctx,
		cancel:   cancel,
		stopChan: make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start opens the WebSocket subscription with auto-reconnection.
func (f *LivePriceFeed) Start() {
	go f.run()
}

// run manages the WebSocket connection, reconnecting with backoff.
func (f *LivePriceFeed) run() {
	defer close(f.done)

	symbol := strings.ToLower(f.symbol)
	backoff := time.Second
	maxBackoff := 30 * time.Second

	for {
		select {
		case <-f.stopChan:
			return
		case <-f.ctx.Done():
			return
		default:
		}

		handler := func(event *binance.WsAggTradeEvent) {
			price, err := strconv.ParseFloat(event.Price, 64)
			if err != nil {
				f.logger.Error("[FEED] Failed to parse price",
					"symbol", f.symbol,
					"error", err,
				)
				return
			}
			f.mu.Lock()
			f.price = price
			f.ok = true
			f.mu.Unlock()
		}

		errHandler := func(err error) {
			f.logger.Error("[FEED] WebSocket error",
				"symbol", f.symbol,
				"error", err,
			)
		}

		doneC, stopC, err := binance.WsAggTradeServe(symbol, handler, errHandler)
		if err != nil {
			f.logger.Error("[FEED] Failed to connect WebSocket",
				"symbol", f.symbol,
				"error", err,
				"retry_in", backoff,
			)
			select {
			case <-time.After(backoff):
				backoff = min(backoff*2, maxBackoff)
				continue
			case <-f.stopChan:
				return
			case <-f.ctx.Done():
				return
			}
		}

		f.logger.Info("[FEED] WebSocket connected", "symbol", f.symbol)
		backoff = time.Second

		select {
		case <-doneC:
			f.logger.Warn("[FEED] WebSocket disconnected, reconnecting...",
				"symbol", f.symbol,
			)
		case <-f.stopChan:
			close(stopC)
			return
		case <-f.ctx.Done():
			close(stopC)
			return
		}
	}
}

// Latest returns the most recent traded price. ok is false until the stream
// has delivered its first update.
func (f *LivePriceFeed) Latest() (float64, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.price, f.ok
}

// Close stops the subscription and waits briefly for the goroutine to exit.
func (f *LivePriceFeed) Close() error {
	f.cancel()
	close(f.stopChan)
	select {
	case <-f.done:
	case <-time.After(5 * time.Second):
		f.logger.Warn("[FEED] Timeout waiting for WebSocket to close",
			"symbol", f.symbol,
		)
	}
	f.logger.Info("[FEED] Price feed closed")
	return nil
}

// WaitForPrice blocks until the feed has a price or the grace period runs
// out. Loops that cannot operate without a price abort when ok is false.
func WaitForPrice(ctx context.Context, feed PriceFeed, grace time.Duration, logger *slog.Logger) (float64, bool) {
	deadline := time.Now().Add(grace)
	for {
		if price, ok := feed.Latest(); ok {
			return price, true
		}
		if time.Now().After(deadline) {
			return 0, false
		}
		logger.Info("[FEED] Waiting for live price update...")
		select {
		case <-ctx.Done():
			return 0, false
		case <-time.After(2 * time.Second):
		}
	}
}
