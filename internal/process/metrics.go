package process

import (
	"context"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

const meterName = "github.com/thebtf/cohive/internal/process"

type supervisorMetrics struct {
	running       metric.Int64UpDownCounter
	exits         metric.Int64Counter
	spawnFailures metric.Int64Counter
}

func newSupervisorMetrics(meter metric.Meter) *supervisorMetrics {
	if meter == nil {
		meter = otel.Meter(meterName)
	}
	m := &supervisorMetrics{}
	var err error

	if m.running, err = meter.Int64UpDownCounter("cohive.process.running",
		metric.WithDescription("Supervised processes that have not exited")); err != nil {
		log.Warn().Err(err).Msg("Failed to create running instrument")
		m.running = noop.Int64UpDownCounter{}
	}
	if m.exits, err = meter.Int64Counter("cohive.process.exits",
		metric.WithDescription("Process exits by outcome")); err != nil {
		log.Warn().Err(err).Msg("Failed to create exits instrument")
		m.exits = noop.Int64Counter{}
	}
	if m.spawnFailures, err = meter.Int64Counter("cohive.process.spawn_failures"); err != nil {
		log.Warn().Err(err).Msg("Failed to create spawn failures instrument")
		m.spawnFailures = noop.Int64Counter{}
	}
	return m
}

func (m *supervisorMetrics) started() {
	m.running.Add(context.Background(), 1)
}

func (m *supervisorMetrics) exited(code int) {
	m.running.Add(context.Background(), -1)
	m.exits.Add(context.Background(), 1, metric.WithAttributes(attribute.Bool("success", code == 0)))
}

func (m *supervisorMetrics) spawnFailed() {
	m.spawnFailures.Add(context.Background(), 1)
}
