// Package dispatch runs the per-connection protocol: registration, then
// relaying agent status events into the execution lifecycle.
package dispatch

import (
	"context"
	"errors"
	"time"

	"github.com/markus-barta/roomrelay/internal/hub"
	"github.com/markus-barta/roomrelay/internal/lifecycle"
	"github.com/markus-barta/roomrelay/internal/pairing"
	"github.com/markus-barta/roomrelay/internal/protocol"
	"github.com/markus-barta/roomrelay/internal/store"
	"github.com/markus-barta/roomrelay/internal/telemetry"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// State is the registration state of a connection.
type State int

const (
	StateUnregistered State = iota
	StateRegistered
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUnregistered:
		return "unregistered"
	case StateRegistered:
		return "registered"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Resolver maps an access token to the client holding it.
type Resolver interface {
	ResolveToken(ctx context.Context, token string) (*store.Client, error)
}

// Toucher records that a client was seen.
type Toucher interface {
	TouchClient(ctx context.Context, token string, at time.Time) error
}

// Lifecycle applies status events reported by agents.
type Lifecycle interface {
	ApplyStarted(ctx context.Context, r lifecycle.Reporter, ev protocol.ExecutionStartedPayload) (*store.Execution, error)
	ApplyFinished(ctx context.Context, r lifecycle.Reporter, ev protocol.ExecutionFinishedPayload) (*store.Execution, error)
	ApplyFailed(ctx context.Context, r lifecycle.Reporter, ev protocol.ExecutionFailedPayload) (*store.Execution, error)
}

// Replier sends a message to the connection a session belongs to.
type Replier interface {
	hub.Peer
	Reply(msgType string, payload any) bool
}

// Deps bundles what every session needs.
type Deps struct {
	Log       zerolog.Logger
	Resolver  Resolver
	Toucher   Toucher
	Registry  *hub.Registry
	Lifecycle Lifecycle
	Metrics   *telemetry.Metrics
}

// Session is the protocol state of one connection. Its methods are called
// from the connection's read loop only.
type Session struct {
	deps  Deps
	conn  Replier
	log   zerolog.Logger
	state State

	clientID string
	roomID   string
}

// NewSession creates an unregistered session for conn.
func NewSession(deps Deps, conn Replier) *Session {
	if deps.Metrics == nil {
		deps.Metrics = telemetry.NoopMetrics()
	}
	return &Session{
		deps:  deps,
		conn:  conn,
		log:   deps.Log.With().Str("component", "dispatch").Str("conn", conn.ID()).Logger(),
		state: StateUnregistered,
	}
}

// State returns the current state.
func (s *Session) State() State {
	return s.state
}

// ClientID returns the registered client id, or "" before registration.
func (s *Session) ClientID() string {
	return s.clientID
}

// RoomID returns the registered room id, or "" before registration.
func (s *Session) RoomID() string {
	return s.roomID
}

// HandleMessage implements hub.Handler.
func (s *Session) HandleMessage(ctx context.Context, msg *protocol.Message) bool {
	if s.state == StateClosed {
		return false
	}

	if msg.Type == protocol.TypeRegister {
		if s.state == StateRegistered {
			return s.fail(protocol.CodeAlreadyRegistered, "connection is already registered")
		}
		return s.handleRegister(ctx, msg)
	}

	if s.state != StateRegistered {
		return s.fail(protocol.CodeNotRegistered, "register first")
	}

	switch msg.Type {
	case protocol.TypeExecutionStarted:
		var payload protocol.ExecutionStartedPayload
		if err := msg.ParsePayload(&payload); err != nil || payload.ExecutionID == "" {
			return s.fail(protocol.CodeInvalidPayload, "execution.started needs executionId")
		}
		_, err := s.deps.Lifecycle.ApplyStarted(ctx, s.reporter(), payload)
		s.logApply(msg.Type, payload.ExecutionID, err)

	case protocol.TypeExecutionFinished:
		var payload protocol.ExecutionFinishedPayload
		if err := msg.ParsePayload(&payload); err != nil || payload.ExecutionID == "" {
			return s.fail(protocol.CodeInvalidPayload, "execution.finished needs executionId")
		}
		_, err := s.deps.Lifecycle.ApplyFinished(ctx, s.reporter(), payload)
		s.logApply(msg.Type, payload.ExecutionID, err)

	case protocol.TypeExecutionFailed:
		var payload protocol.ExecutionFailedPayload
		if err := msg.ParsePayload(&payload); err != nil || payload.ExecutionID == "" {
			return s.fail(protocol.CodeInvalidPayload, "execution.failed needs executionId")
		}
		_, err := s.deps.Lifecycle.ApplyFailed(ctx, s.reporter(), payload)
		s.logApply(msg.Type, payload.ExecutionID, err)

	default:
		return s.fail(protocol.CodeUnknownMessage, msg.Type)
	}
	return true
}

// Closed implements hub.Handler.
func (s *Session) Closed() {
	prev := s.state
	s.state = StateClosed
	rooms := s.deps.Registry.Leave(s.conn)
	if prev == StateRegistered {
		s.log.Info().
			Str("client", s.clientID).
			Strs("rooms", rooms).
			Msg("client disconnected")
	}
}

func (s *Session) handleRegister(ctx context.Context, msg *protocol.Message) bool {
	var payload protocol.RegisterPayload
	if err := msg.ParsePayload(&payload); err != nil {
		return s.rejectRegister(ctx, protocol.CodeInvalidPayload, "register needs accessToken")
	}
	if payload.AccessToken == "" {
		return s.rejectRegister(ctx, protocol.CodeMissingToken, "accessToken is required")
	}

	client, err := s.deps.Resolver.ResolveToken(ctx, payload.AccessToken)
	if err != nil {
		if errors.Is(err, pairing.ErrInvalidToken) {
			s.log.Warn().Msg("register with unknown token")
			return s.rejectRegister(ctx, protocol.CodeInvalidToken, "unknown access token")
		}
		s.log.Error().Err(err).Msg("token lookup failed")
		return s.rejectRegister(ctx, protocol.CodeRegisterFailed, "")
	}

	s.clientID = client.ClientID
	s.roomID = client.RoomID
	s.state = StateRegistered
	s.log = s.log.With().Str("client", client.ClientID).Str("room", client.RoomID).Logger()

	s.deps.Registry.Join(client.RoomID, s.conn)

	if err := s.deps.Toucher.TouchClient(ctx, payload.AccessToken, time.Now()); err != nil {
		s.log.Warn().Err(err).Msg("failed to update last seen")
	}

	s.deps.Metrics.Registrations.Add(ctx, 1, metric.WithAttributes(attribute.String("result", "ok")))
	s.conn.Reply(protocol.TypeRegistered, protocol.RegisteredPayload{
		RoomID:   client.RoomID,
		ClientID: client.ClientID,
	})

	s.log.Info().Msg("client registered")
	return true
}

func (s *Session) rejectRegister(ctx context.Context, code, message string) bool {
	s.deps.Metrics.Registrations.Add(ctx, 1, metric.WithAttributes(attribute.String("result", code)))
	return s.fail(code, message)
}

// fail sends an error to the connection and asks for it to be closed.
func (s *Session) fail(code, message string) bool {
	s.conn.Reply(protocol.TypeError, protocol.ErrorPayload{Code: code, Message: message})
	s.log.Debug().Str("code", code).Str("state", s.state.String()).Msg("closing connection")
	s.state = StateClosed
	return false
}

func (s *Session) reporter() lifecycle.Reporter {
	return lifecycle.Reporter{ClientID: s.clientID, RoomID: s.roomID}
}

func (s *Session) logApply(event, executionID string, err error) {
	if err == nil {
		return
	}
	ev := s.log.Warn()
	if !errors.Is(err, lifecycle.ErrExecutionNotFound) &&
		!errors.Is(err, lifecycle.ErrInvalidTransition) &&
		!errors.Is(err, lifecycle.ErrForeignExecution) {
		ev = s.log.Error()
	}
	ev.Err(err).Str("event", event).Str("execution", executionID).Msg("status event ignored")
}
