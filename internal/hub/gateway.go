package hub

import (
	"context"
	"sync"

	"github.com/markus-barta/roomrelay/internal/telemetry"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Gateway is the send primitive shared by the protocol handlers and the
// HTTP triggers. Delivery problems are logged and counted, never returned
// to the caller that triggered the broadcast.
type Gateway struct {
	log      zerolog.Logger
	registry *Registry
	metrics  *telemetry.Metrics
	inflight sync.WaitGroup
}

// NewGateway creates a gateway on top of a registry.
func NewGateway(log zerolog.Logger, registry *Registry, metrics *telemetry.Metrics) *Gateway {
	if metrics == nil {
		metrics = telemetry.NoopMetrics()
	}
	return &Gateway{
		log:      log.With().Str("component", "gateway").Logger(),
		registry: registry,
		metrics:  metrics,
	}
}

// Broadcast sends a message to a room and waits for it to be enqueued.
func (g *Gateway) Broadcast(ctx context.Context, roomID, event string, payload any) (int, error) {
	delivered, err := g.registry.Send(ctx, roomID, event, payload)
	if err != nil {
		g.metrics.BroadcastFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("event", event)))
		g.log.Error().Err(err).Str("room", roomID).Str("event", event).Msg("broadcast failed")
		return 0, err
	}

	if delivered == 0 {
		g.log.Debug().Str("room", roomID).Str("event", event).Msg("no live members, message dropped")
	} else {
		g.log.Info().Str("room", roomID).Str("event", event).Int("delivered", delivered).Msg("broadcast sent")
	}
	return delivered, nil
}

// Publish broadcasts in the background. The caller never observes the outcome.
func (g *Gateway) Publish(roomID, event string, payload any) {
	g.inflight.Add(1)
	go func() {
		defer g.inflight.Done()
		_, _ = g.Broadcast(context.Background(), roomID, event, payload)
	}()
}

// Wait blocks until every Publish started so far has finished.
func (g *Gateway) Wait() {
	g.inflight.Wait()
}
