package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

const (
	pongWait          = 60 * time.Second
	pingPeriod        = (pongWait * 9) / 10
	writeWait         = 10 * time.Second
	reconnectDelay    = 2 * time.Second
	maxReconnectDelay = time.Minute
)

// markPriceUpdate is one element of the exchange's all-market mark price
// stream. Prices arrive as decimal strings.
type markPriceUpdate struct {
	Event  string `json:"e"`
	Symbol string `json:"s"`
	Price  string `json:"p"`
}

// MarkPriceFeed streams mark prices from the exchange WebSocket into the
// bridge. It reconnects with exponential backoff until ctx is cancelled.
type MarkPriceFeed struct {
	url    string
	sink   PriceSink
	dialer websocket.Dialer
	logger *slog.Logger
}

// NewMarkPriceFeed creates a feed for url, e.g.
// "wss://fstream.binance.com/ws/!markPrice@arr@1s".
func NewMarkPriceFeed(url string, sink PriceSink, logger *slog.Logger) *MarkPriceFeed {
	return &MarkPriceFeed{
		url:    url,
		sink:   sink,
		dialer: websocket.Dialer{HandshakeTimeout: 15 * time.Second},
		logger: logger.With(slog.String("component", "mark_price_feed")),
	}
}

// Run connects and forwards ticks until ctx is cancelled.
func (f *MarkPriceFeed) Run(ctx context.Context) error {
	delay := reconnectDelay
	for {
		started := time.Now()
		err := f.runConnection(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if time.Since(started) > maxReconnectDelay {
			delay = reconnectDelay
		}
		f.logger.Warn("mark price feed disconnected, reconnecting",
			slog.String("error", err.Error()),
			slog.Duration("delay", delay),
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay = min(delay*2, maxReconnectDelay)
	}
}

func (f *MarkPriceFeed) runConnection(ctx context.Context) error {
	conn, _, err := f.dialer.DialContext(ctx, f.url, nil)
	if err != nil {
		return fmt.Errorf("feed: dial mark price stream: %w", err)
	}
	defer conn.Close()
	f.logger.Info("mark price feed connected")

	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-connCtx.Done():
				// Unblock ReadMessage.
				_ = conn.SetReadDeadline(time.Now())
				return
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
					return
				}
			}
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("feed: read mark price stream: %w", err)
		}
		tick, err := parseMarkPrices(data)
		if err != nil {
			f.logger.Debug("skip mark price frame", slog.String("error", err.Error()))
			continue
		}
		if len(tick) > 0 {
			f.sink.OnPriceTick(ctx, tick)
		}
	}
}

// parseMarkPrices decodes either a single update or an array of them.
func parseMarkPrices(data []byte) (map[string]float64, error) {
	var updates []markPriceUpdate
	trimmed := strings.TrimSpace(string(data))
	if strings.HasPrefix(trimmed, "[") {
		if err := json.Unmarshal(data, &updates); err != nil {
			return nil, fmt.Errorf("decode mark prices: %w", err)
		}
	} else {
		var u markPriceUpdate
		if err := json.Unmarshal(data, &u); err != nil {
			return nil, fmt.Errorf("decode mark price: %w", err)
		}
		updates = []markPriceUpdate{u}
	}

	tick := make(map[string]float64, len(updates))
	for _, u := range updates {
		if u.Event != "" && u.Event != "markPriceUpdate" {
			continue
		}
		p, err := strconv.ParseFloat(u.Price, 64)
		if err != nil || p <= 0 || u.Symbol == "" {
			continue
		}
		tick[u.Symbol] = p
	}
	return tick, nil
}
