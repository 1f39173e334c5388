// Package feed turns external inputs into bridge calls: signals and price
// ticks from Redis streams, and mark prices from the exchange WebSocket.
package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/alanyoungcy/execbridge/internal/bridge"
	"github.com/alanyoungcy/execbridge/internal/domain"
)

const (
	readBatch    = 100
	errorBackoff = time.Second
)

// SignalSink accepts trading signals.
type SignalSink interface {
	ProcessSignal(ctx context.Context, sig domain.Signal) bridge.ProcessResult
}

// PriceSink accepts batches of symbol prices.
type PriceSink interface {
	OnPriceTick(ctx context.Context, prices map[string]float64) []domain.ExecutedTrade
}

// DeadLetterSuffix is appended to the signal stream name to form the stream
// that receives entries which could not be parsed.
const DeadLetterSuffix = ":dead"

// StreamConsumer reads the signal and price streams and forwards entries to
// the bridge. Only entries appended after start are consumed.
type StreamConsumer struct {
	bus          domain.SignalBus
	signalStream string
	priceStream  string
	signals      SignalSink
	prices       PriceSink
	logger       *slog.Logger
}

// NewStreamConsumer creates a consumer. An empty stream name disables that
// half of the consumer.
func NewStreamConsumer(bus domain.SignalBus, signalStream, priceStream string, signals SignalSink, prices PriceSink, logger *slog.Logger) *StreamConsumer {
	return &StreamConsumer{
		bus:          bus,
		signalStream: signalStream,
		priceStream:  priceStream,
		signals:      signals,
		prices:       prices,
		logger:       logger.With(slog.String("component", "stream_consumer")),
	}
}

// RunSignals consumes the signal stream until ctx is cancelled.
func (c *StreamConsumer) RunSignals(ctx context.Context) error {
	if c.signalStream == "" {
		return nil
	}
	return c.consume(ctx, c.signalStream, func(msgs []domain.StreamMessage) {
		for _, m := range msgs {
			sig, err := parseSignal(m.Payload)
			if err != nil {
				c.logger.WarnContext(ctx, "bad signal entry", slog.String("id", m.ID), slog.String("error", err.Error()))
				c.deadLetter(ctx, m, err)
				continue
			}
			res := c.signals.ProcessSignal(ctx, sig)
			c.logger.DebugContext(ctx, "signal consumed",
				slog.String("id", m.ID),
				slog.String("symbol", sig.Symbol),
				slog.String("action", string(res.Action)),
			)
		}
	})
}

// RunPrices consumes the price stream until ctx is cancelled. Entries read
// together are merged into one tick, latest price per symbol winning.
func (c *StreamConsumer) RunPrices(ctx context.Context) error {
	if c.priceStream == "" {
		return nil
	}
	return c.consume(ctx, c.priceStream, func(msgs []domain.StreamMessage) {
		tick := make(map[string]float64)
		for _, m := range msgs {
			if err := mergePrices(tick, m.Payload); err != nil {
				c.logger.WarnContext(ctx, "bad price entry", slog.String("id", m.ID), slog.String("error", err.Error()))
			}
		}
		if len(tick) > 0 {
			c.prices.OnPriceTick(ctx, tick)
		}
	})
}

// deadLetter keeps an unreadable signal for later inspection.
func (c *StreamConsumer) deadLetter(ctx context.Context, m domain.StreamMessage, cause error) {
	entry, err := json.Marshal(map[string]string{
		"id":      m.ID,
		"error":   cause.Error(),
		"payload": string(m.Payload),
	})
	if err == nil {
		err = c.bus.StreamAppend(ctx, c.signalStream+DeadLetterSuffix, entry)
	}
	if err != nil {
		c.logger.WarnContext(ctx, "dead-letter append failed", slog.String("id", m.ID), slog.String("error", err.Error()))
	}
}

func (c *StreamConsumer) consume(ctx context.Context, stream string, handle func([]domain.StreamMessage)) error {
	c.logger.Info("stream consumer started", slog.String("stream", stream))
	defer c.logger.Info("stream consumer stopped", slog.String("stream", stream))

	lastID := "$"
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		msgs, err := c.bus.StreamRead(ctx, stream, lastID, readBatch)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.logger.WarnContext(ctx, "stream read failed", slog.String("stream", stream), slog.String("error", err.Error()))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(errorBackoff):
			}
			continue
		}
		if len(msgs) == 0 {
			continue
		}
		lastID = msgs[len(msgs)-1].ID
		handle(msgs)
	}
}

func parseSignal(data []byte) (domain.Signal, error) {
	var sig domain.Signal
	if err := json.Unmarshal(data, &sig); err != nil {
		return domain.Signal{}, fmt.Errorf("decode signal: %w", err)
	}
	sig.Symbol = strings.ToUpper(strings.TrimSpace(sig.Symbol))
	sig.Direction = domain.Direction(strings.ToLower(string(sig.Direction)))
	if sig.Symbol == "" {
		return domain.Signal{}, errors.New("signal has no symbol")
	}
	return sig, nil
}

// priceEntry accepts either {"symbol":"BTCUSDT","price":1} or
// {"prices":{"BTCUSDT":1}}.
type priceEntry struct {
	Symbol string             `json:"symbol"`
	Price  float64            `json:"price"`
	Prices map[string]float64 `json:"prices"`
}

func mergePrices(into map[string]float64, data []byte) error {
	var e priceEntry
	if err := json.Unmarshal(data, &e); err != nil {
		return fmt.Errorf("decode price: %w", err)
	}
	n := 0
	if sym := strings.ToUpper(strings.TrimSpace(e.Symbol)); sym != "" && e.Price > 0 {
		into[sym] = e.Price
		n++
	}
	for sym, p := range e.Prices {
		if p > 0 {
			into[strings.ToUpper(sym)] = p
			n++
		}
	}
	if n == 0 {
		return errors.New("no usable price")
	}
	return nil
}
