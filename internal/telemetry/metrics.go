package telemetry

import "go.opentelemetry.io/otel/metric"

// Metrics holds all relay instruments.
type Metrics struct {
	ActiveConnections   metric.Int64UpDownCounter
	Registrations       metric.Int64Counter
	MessagesDelivered   metric.Int64Counter
	MessagesDropped     metric.Int64Counter
	BroadcastFailures   metric.Int64Counter
	TransitionsApplied  metric.Int64Counter
	TransitionsRejected metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.ActiveConnections, err = meter.Int64UpDownCounter("roomrelay.connections.active",
		metric.WithDescription("Open WebSocket connections"),
	)
	if err != nil {
		return nil, err
	}

	m.Registrations, err = meter.Int64Counter("roomrelay.registrations",
		metric.WithDescription("Registration handshakes by result"),
	)
	if err != nil {
		return nil, err
	}

	m.MessagesDelivered, err = meter.Int64Counter("roomrelay.messages.delivered",
		metric.WithDescription("Messages enqueued to a member connection"),
	)
	if err != nil {
		return nil, err
	}

	m.MessagesDropped, err = meter.Int64Counter("roomrelay.messages.dropped",
		metric.WithDescription("Messages dropped because a member's buffer was full or closed"),
	)
	if err != nil {
		return nil, err
	}

	m.BroadcastFailures, err = meter.Int64Counter("roomrelay.broadcast.failures",
		metric.WithDescription("Broadcasts that could not be encoded or reached no member"),
	)
	if err != nil {
		return nil, err
	}

	m.TransitionsApplied, err = meter.Int64Counter("roomrelay.executions.transitions",
		metric.WithDescription("Execution status transitions applied"),
	)
	if err != nil {
		return nil, err
	}

	m.TransitionsRejected, err = meter.Int64Counter("roomrelay.executions.rejected",
		metric.WithDescription("Execution status events rejected or ignored"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

// NoopMetrics returns instruments that record nothing. Used by tests and
// by components constructed without telemetry.
func NoopMetrics() *Metrics {
	m, _ := NewMetrics(Init(Config{}).Meter)
	return m
}
