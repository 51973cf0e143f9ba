package hub

import (
	"context"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

const meterName = "github.com/thebtf/cohive/internal/hub"

// hubMetrics holds the hub instruments. Without a configured SDK the global
// meter provider is a no-op.
type hubMetrics struct {
	connections metric.Int64UpDownCounter
	rooms       metric.Int64UpDownCounter
	broadcasts  metric.Int64Counter
	deliveries  metric.Int64Counter
	dropped     metric.Int64Counter
}

func newHubMetrics(meter metric.Meter) *hubMetrics {
	if meter == nil {
		meter = otel.Meter(meterName)
	}
	m := &hubMetrics{}
	var err error

	if m.connections, err = meter.Int64UpDownCounter("cohive.hub.connections",
		metric.WithDescription("Authenticated connections currently joined to a room")); err != nil {
		log.Warn().Err(err).Msg("Failed to create connections instrument")
		m.connections = noop.Int64UpDownCounter{}
	}
	if m.rooms, err = meter.Int64UpDownCounter("cohive.hub.rooms",
		metric.WithDescription("Live room actors")); err != nil {
		log.Warn().Err(err).Msg("Failed to create rooms instrument")
		m.rooms = noop.Int64UpDownCounter{}
	}
	if m.broadcasts, err = meter.Int64Counter("cohive.hub.broadcasts",
		metric.WithDescription("Frames submitted to rooms")); err != nil {
		log.Warn().Err(err).Msg("Failed to create broadcasts instrument")
		m.broadcasts = noop.Int64Counter{}
	}
	if m.deliveries, err = meter.Int64Counter("cohive.hub.deliveries",
		metric.WithDescription("Frames queued to individual clients")); err != nil {
		log.Warn().Err(err).Msg("Failed to create deliveries instrument")
		m.deliveries = noop.Int64Counter{}
	}
	if m.dropped, err = meter.Int64Counter("cohive.hub.dropped_clients",
		metric.WithDescription("Clients evicted because their queue was full")); err != nil {
		log.Warn().Err(err).Msg("Failed to create dropped instrument")
		m.dropped = noop.Int64Counter{}
	}
	return m
}

func eventAttr(event string) metric.AddOption {
	return metric.WithAttributes(attribute.String("event", event))
}

func (m *hubMetrics) broadcast(event string) {
	m.broadcasts.Add(context.Background(), 1, eventAttr(event))
}

func (m *hubMetrics) delivered(n int) {
	if n > 0 {
		m.deliveries.Add(context.Background(), int64(n))
	}
}
