// Package lifecycle owns the execution state machine: it creates executions
// when a run is requested, applies the status events agents report, and
// decides which rooms hear about each transition.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/markus-barta/roomrelay/internal/protocol"
	"github.com/markus-barta/roomrelay/internal/store"
	"github.com/markus-barta/roomrelay/internal/telemetry"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	ErrPresetNotFound    = errors.New("preset_not_found")
	ErrExecutionNotFound = errors.New("execution_not_found")
	ErrInvalidTransition = errors.New("invalid_transition")
	ErrForeignExecution  = errors.New("execution belongs to another room")
)

// DefaultRequester is recorded in run metadata when the caller does not say who it is.
const DefaultRequester = "mobile"

// Store is the subset of persistence the tracker needs.
type Store interface {
	GetPreset(ctx context.Context, roomID, presetID string) (*store.Preset, error)
	CreateExecution(ctx context.Context, e *store.Execution) error
	GetExecution(ctx context.Context, executionID string) (*store.Execution, error)
	TransitionExecution(ctx context.Context, executionID string, from []store.ExecutionStatus, upd store.ExecutionUpdate) (bool, error)
	RoomsForClient(ctx context.Context, clientID string) ([]string, error)
}

// Broadcaster delivers named messages to rooms.
type Broadcaster interface {
	Broadcast(ctx context.Context, roomID, event string, payload any) (int, error)
	Publish(roomID, event string, payload any)
}

// Reporter identifies the registered connection a status event came from.
type Reporter struct {
	ClientID string
	RoomID   string
}

// Tracker creates executions and applies their status transitions.
type Tracker struct {
	log     zerolog.Logger
	store   Store
	gateway Broadcaster
	metrics *telemetry.Metrics
	now     func() time.Time
}

// NewTracker creates a tracker.
func NewTracker(log zerolog.Logger, st Store, gateway Broadcaster, metrics *telemetry.Metrics) *Tracker {
	if metrics == nil {
		metrics = telemetry.NoopMetrics()
	}
	return &Tracker{
		log:     log.With().Str("component", "lifecycle").Logger(),
		store:   st,
		gateway: gateway,
		metrics: metrics,
		now:     time.Now,
	}
}

// ═══════════════════════════════════════════════════════════════════════════
// RUN REQUESTS
// ═══════════════════════════════════════════════════════════════════════════

// RequestRun records a pending execution of a preset and asks the room's
// agents to run it. The execution is durable before this returns; the
// broadcast happens in the background and its failure does not fail the run.
func (t *Tracker) RequestRun(ctx context.Context, roomID, presetID string, meta protocol.RunMeta) (*store.Execution, error) {
	preset, err := t.store.GetPreset(ctx, roomID, presetID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrPresetNotFound
		}
		return nil, err
	}

	args, err := preset.Args()
	if err != nil {
		return nil, fmt.Errorf("decode args of preset %s: %w", preset.ID, err)
	}

	if meta.RequestedBy == "" {
		meta.RequestedBy = DefaultRequester
	}

	exec := &store.Execution{
		ID:        newID(),
		PresetID:  preset.ID,
		RoomID:    roomID,
		Status:    store.StatusPending,
		CreatedAt: t.now().UTC(),
	}
	if err := t.store.CreateExecution(ctx, exec); err != nil {
		return nil, err
	}

	t.gateway.Publish(roomID, protocol.TypePresetRun, protocol.PresetRunPayload{
		ExecutionID: exec.ID,
		PresetID:    preset.ID,
		Command:     preset.Command,
		Args:        args,
		WorkDir:     preset.WorkDir,
		Meta:        meta,
	})

	t.log.Info().
		Str("room", roomID).
		Str("preset", preset.ID).
		Str("execution", exec.ID).
		Msg("run requested")

	return exec, nil
}

// ═══════════════════════════════════════════════════════════════════════════
// STATUS EVENTS
// ═══════════════════════════════════════════════════════════════════════════

// ApplyStarted moves an execution from pending to running.
func (t *Tracker) ApplyStarted(ctx context.Context, r Reporter, ev protocol.ExecutionStartedPayload) (*store.Execution, error) {
	startedAt := t.orNow(ev.StartedAt)
	pid := ev.PID
	ev.ClientID = r.authenticatedID(ev.ClientID)
	ev.StartedAt = startedAt

	exec, err := t.apply(ctx, r, ev.ExecutionID, store.ExecutionUpdate{
		Status:    store.StatusRunning,
		ClientID:  optional(r.ClientID),
		PID:       &pid,
		StartedAt: &startedAt,
	})
	if err != nil {
		return nil, err
	}

	t.log.Info().
		Str("execution", exec.ID).
		Str("client", r.ClientID).
		Int("pid", pid).
		Msg("execution started")

	if exec.RoomID != "" {
		_, _ = t.gateway.Broadcast(ctx, exec.RoomID, protocol.TypeExecutionStarted, ev)
		return exec, nil
	}

	// Only records stored without a room reach this; RequestRun always sets one.
	// Tell every room this client has been claimed into.
	rooms, err := t.store.RoomsForClient(ctx, r.ClientID)
	if err != nil {
		t.log.Error().Err(err).Str("client", r.ClientID).Msg("failed to resolve fallback rooms")
		return exec, nil
	}
	for _, roomID := range rooms {
		_, _ = t.gateway.Broadcast(ctx, roomID, protocol.TypeExecutionStarted, ev)
		t.log.Info().Str("room", roomID).Str("execution", exec.ID).Msg("fallback broadcast of execution.started")
	}
	return exec, nil
}

// ApplyFinished moves a running execution to exited.
func (t *Tracker) ApplyFinished(ctx context.Context, r Reporter, ev protocol.ExecutionFinishedPayload) (*store.Execution, error) {
	finishedAt := t.orNow(ev.FinishedAt)
	exitCode := ev.ExitCode
	ev.ClientID = r.authenticatedID(ev.ClientID)
	ev.FinishedAt = finishedAt

	exec, err := t.apply(ctx, r, ev.ExecutionID, store.ExecutionUpdate{
		Status:     store.StatusExited,
		ClientID:   optional(r.ClientID),
		ExitCode:   &exitCode,
		FinishedAt: &finishedAt,
	})
	if err != nil {
		return nil, err
	}

	t.log.Info().
		Str("execution", exec.ID).
		Str("client", r.ClientID).
		Int("exit_code", exitCode).
		Msg("execution finished")

	if exec.RoomID != "" {
		_, _ = t.gateway.Broadcast(ctx, exec.RoomID, protocol.TypeExecutionFinished, ev)
	}
	return exec, nil
}

// ApplyFailed moves a pending or running execution to failed.
func (t *Tracker) ApplyFailed(ctx context.Context, r Reporter, ev protocol.ExecutionFailedPayload) (*store.Execution, error) {
	finishedAt := t.orNow(ev.FinishedAt)
	ev.ClientID = r.authenticatedID(ev.ClientID)
	ev.FinishedAt = finishedAt

	exec, err := t.apply(ctx, r, ev.ExecutionID, store.ExecutionUpdate{
		Status:     store.StatusFailed,
		ClientID:   optional(r.ClientID),
		FinishedAt: &finishedAt,
	})
	if err != nil {
		return nil, err
	}

	t.log.Warn().
		Str("execution", exec.ID).
		Str("client", r.ClientID).
		Str("reason", ev.Message).
		Msg("execution failed")

	if exec.RoomID != "" {
		_, _ = t.gateway.Broadcast(ctx, exec.RoomID, protocol.TypeExecutionFailed, ev)
	}
	return exec, nil
}

// apply performs one guarded transition and returns the updated record.
func (t *Tracker) apply(ctx context.Context, r Reporter, executionID string, upd store.ExecutionUpdate) (*store.Execution, error) {
	attrs := metric.WithAttributes(attribute.String("status", string(upd.Status)))

	current, err := t.store.GetExecution(ctx, executionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			t.metrics.TransitionsRejected.Add(ctx, 1, attrs)
			return nil, fmt.Errorf("%w: %s", ErrExecutionNotFound, executionID)
		}
		return nil, err
	}
	if r.RoomID != "" && current.RoomID != "" && current.RoomID != r.RoomID {
		t.metrics.TransitionsRejected.Add(ctx, 1, attrs)
		return nil, fmt.Errorf("%w: %s", ErrForeignExecution, executionID)
	}
	if !CanTransition(current.Status, upd.Status) {
		t.metrics.TransitionsRejected.Add(ctx, 1, attrs)
		return nil, fmt.Errorf("%w: %s → %s", ErrInvalidTransition, current.Status, upd.Status)
	}

	// The record may have moved since the read; the update re-checks the status.
	ok, err := t.store.TransitionExecution(ctx, executionID, allowedFrom[upd.Status], upd)
	if err != nil {
		return nil, err
	}
	if !ok {
		t.metrics.TransitionsRejected.Add(ctx, 1, attrs)
		// Re-read to report what the record holds now; it may have moved since the first read.
		latest, gerr := t.store.GetExecution(ctx, executionID)
		if gerr != nil {
			return nil, fmt.Errorf("%w: %s", ErrExecutionNotFound, executionID)
		}
		return nil, fmt.Errorf("%w: %s → %s", ErrInvalidTransition, latest.Status, upd.Status)
	}

	t.metrics.TransitionsApplied.Add(ctx, 1, attrs)
	return t.store.GetExecution(ctx, executionID)
}

// Get returns an execution record.
func (t *Tracker) Get(ctx context.Context, executionID string) (*store.Execution, error) {
	exec, err := t.store.GetExecution(ctx, executionID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrExecutionNotFound
	}
	return exec, err
}

func (t *Tracker) orNow(ts time.Time) time.Time {
	if ts.IsZero() {
		return t.now().UTC()
	}
	return ts.UTC()
}

// authenticatedID is the client id resolved at registration. The id an agent
// puts in its own payload is only used when the reporter carries none.
func (r Reporter) authenticatedID(reported string) string {
	if r.ClientID != "" {
		return r.ClientID
	}
	return reported
}

func newID() string {
	id := uuid.New()
	return fmt.Sprintf("%x", id[:])
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
