package redis

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/alanyoungcy/execbridge/internal/domain"
)

// DefaultEventChannel is the Pub/Sub channel bridge events are published on.
const DefaultEventChannel = "execbridge:events"

// EventPublisher forwards bridge events to a Pub/Sub channel so other
// processes can follow the bridge without polling its API.
type EventPublisher struct {
	bus     domain.SignalBus
	channel string
	logger  *slog.Logger
}

// NewEventPublisher creates a publisher on channel (DefaultEventChannel if
// empty).
func NewEventPublisher(bus domain.SignalBus, channel string, logger *slog.Logger) *EventPublisher {
	if channel == "" {
		channel = DefaultEventChannel
	}
	return &EventPublisher{
		bus:     bus,
		channel: channel,
		logger:  logger.With(slog.String("component", "event_publisher")),
	}
}

// OnEvent publishes ev as JSON. Failures are logged and dropped.
func (p *EventPublisher) OnEvent(ctx context.Context, ev domain.Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		p.logger.ErrorContext(ctx, "marshal event", slog.String("type", string(ev.Type)), slog.String("error", err.Error()))
		return
	}
	if err := p.bus.Publish(ctx, p.channel, payload); err != nil {
		p.logger.WarnContext(ctx, "publish event failed", slog.String("type", string(ev.Type)), slog.String("error", err.Error()))
	}
}
