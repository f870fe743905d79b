// Package hub tracks which live connections belong to which room and fans
// messages out to them.
package hub

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/markus-barta/roomrelay/internal/protocol"
	"github.com/markus-barta/roomrelay/internal/telemetry"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// ErrEncode is returned when a payload cannot be serialized.
var ErrEncode = errors.New("encode message")

// Peer is a live connection that can receive room messages.
type Peer interface {
	ID() string
	// Enqueue hands data to the peer without blocking. It returns false if
	// the peer's buffer is full or the peer is closed.
	Enqueue(data []byte) bool
}

// Registry maps room ids to the set of peers currently joined to them.
type Registry struct {
	log     zerolog.Logger
	metrics *telemetry.Metrics

	mu          sync.RWMutex
	rooms       map[string]map[Peer]struct{}
	memberships map[Peer]map[string]struct{}
}

// NewRegistry creates an empty registry.
func NewRegistry(log zerolog.Logger, metrics *telemetry.Metrics) *Registry {
	if metrics == nil {
		metrics = telemetry.NoopMetrics()
	}
	return &Registry{
		log:         log.With().Str("component", "registry").Logger(),
		metrics:     metrics,
		rooms:       make(map[string]map[Peer]struct{}),
		memberships: make(map[Peer]map[string]struct{}),
	}
}

// Join adds the peer to a room. Joining twice is a no-op.
func (r *Registry) Join(roomID string, p Peer) {
	r.mu.Lock()
	defer r.mu.Unlock()

	members, ok := r.rooms[roomID]
	if !ok {
		members = make(map[Peer]struct{})
		r.rooms[roomID] = members
	}
	members[p] = struct{}{}

	joined, ok := r.memberships[p]
	if !ok {
		joined = make(map[string]struct{})
		r.memberships[p] = joined
	}
	joined[roomID] = struct{}{}

	r.log.Debug().Str("room", roomID).Str("conn", p.ID()).Int("members", len(members)).Msg("joined room")
}

// Leave removes the peer from every room it joined and returns those rooms.
// Unknown peers are ignored.
func (r *Registry) Leave(p Peer) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	joined, ok := r.memberships[p]
	if !ok {
		return nil
	}
	delete(r.memberships, p)

	left := make([]string, 0, len(joined))
	for roomID := range joined {
		members := r.rooms[roomID]
		delete(members, p)
		if len(members) == 0 {
			delete(r.rooms, roomID)
		}
		left = append(left, roomID)
	}

	r.log.Debug().Str("conn", p.ID()).Strs("rooms", left).Msg("left rooms")
	return left
}

// Members returns a snapshot of the peers joined to a room.
func (r *Registry) Members(roomID string) []Peer {
	r.mu.RLock()
	defer r.mu.RUnlock()

	members := r.rooms[roomID]
	out := make([]Peer, 0, len(members))
	for p := range members {
		out = append(out, p)
	}
	return out
}

// Count returns the number of peers joined to a room.
func (r *Registry) Count(roomID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms[roomID])
}

// Send delivers a named message to every peer joined to roomID at the time
// of the call. A room without members drops the message. A slow peer whose
// buffer is full misses the message; the others still receive it.
func (r *Registry) Send(ctx context.Context, roomID, event string, payload any) (int, error) {
	data, err := protocol.Encode(event, payload)
	if err != nil {
		return 0, fmt.Errorf("%w %s: %v", ErrEncode, event, err)
	}

	members := r.Members(roomID)
	attrs := metric.WithAttributes(attribute.String("event", event))

	delivered := 0
	for _, p := range members {
		if p.Enqueue(data) {
			delivered++
			continue
		}
		r.metrics.MessagesDropped.Add(ctx, 1, attrs)
		r.log.Warn().
			Str("room", roomID).
			Str("conn", p.ID()).
			Str("event", event).
			Msg("member not accepting messages, dropped")
	}
	if delivered > 0 {
		r.metrics.MessagesDelivered.Add(ctx, int64(delivered), attrs)
	}
	return delivered, nil
}
