package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/markus-barta/roomrelay/internal/hub"
	"github.com/markus-barta/roomrelay/internal/lifecycle"
	"github.com/markus-barta/roomrelay/internal/pairing"
	"github.com/markus-barta/roomrelay/internal/protocol"
	"github.com/markus-barta/roomrelay/internal/store"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type reply struct {
	msgType string
	payload any
}

type fakeConn struct {
	mu      sync.Mutex
	replies []reply
}

func (c *fakeConn) ID() string              { return "conn-1" }
func (c *fakeConn) Enqueue(data []byte) bool { return true }

func (c *fakeConn) Reply(msgType string, payload any) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.replies = append(c.replies, reply{msgType, payload})
	return true
}

func (c *fakeConn) last() reply {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.replies[len(c.replies)-1]
}

type fakeResolver struct {
	clients map[string]*store.Client
	err     error
}

func (r *fakeResolver) ResolveToken(_ context.Context, token string) (*store.Client, error) {
	if r.err != nil {
		return nil, r.err
	}
	c, ok := r.clients[token]
	if !ok {
		return nil, pairing.ErrInvalidToken
	}
	return c, nil
}

type fakeToucher struct {
	touched []string
}

func (f *fakeToucher) TouchClient(_ context.Context, token string, _ time.Time) error {
	f.touched = append(f.touched, token)
	return nil
}

type fakeLifecycle struct {
	started  []lifecycle.Reporter
	finished []protocol.ExecutionFinishedPayload
	failed   []protocol.ExecutionFailedPayload
	err      error
}

func (f *fakeLifecycle) ApplyStarted(_ context.Context, r lifecycle.Reporter, _ protocol.ExecutionStartedPayload) (*store.Execution, error) {
	f.started = append(f.started, r)
	return nil, f.err
}

func (f *fakeLifecycle) ApplyFinished(_ context.Context, _ lifecycle.Reporter, ev protocol.ExecutionFinishedPayload) (*store.Execution, error) {
	f.finished = append(f.finished, ev)
	return nil, f.err
}

func (f *fakeLifecycle) ApplyFailed(_ context.Context, _ lifecycle.Reporter, ev protocol.ExecutionFailedPayload) (*store.Execution, error) {
	f.failed = append(f.failed, ev)
	return nil, f.err
}

type harness struct {
	conn     *fakeConn
	resolver *fakeResolver
	toucher  *fakeToucher
	life     *fakeLifecycle
	registry *hub.Registry
	session  *Session
}

func newHarness() *harness {
	h := &harness{
		conn: &fakeConn{},
		resolver: &fakeResolver{clients: map[string]*store.Client{
			"tok": {ClientID: "pc-1", RoomID: "R1", AccessToken: "tok"},
		}},
		toucher:  &fakeToucher{},
		life:     &fakeLifecycle{},
		registry: hub.NewRegistry(zerolog.Nop(), nil),
	}
	h.session = NewSession(Deps{
		Log:       zerolog.Nop(),
		Resolver:  h.resolver,
		Toucher:   h.toucher,
		Registry:  h.registry,
		Lifecycle: h.life,
	}, h.conn)
	return h
}

func message(t *testing.T, msgType string, payload any) *protocol.Message {
	t.Helper()
	msg, err := protocol.NewMessage(msgType, payload)
	require.NoError(t, err)
	return msg
}

func assertError(t *testing.T, r reply, code string) {
	t.Helper()
	require.Equal(t, protocol.TypeError, r.msgType)
	assert.Equal(t, code, r.payload.(protocol.ErrorPayload).Code)
}

func TestRegister_Success(t *testing.T) {
	h := newHarness()
	ctx := context.Background()

	keep := h.session.HandleMessage(ctx, message(t, protocol.TypeRegister, protocol.RegisterPayload{AccessToken: "tok"}))
	require.True(t, keep)

	assert.Equal(t, StateRegistered, h.session.State())
	assert.Equal(t, "pc-1", h.session.ClientID())
	assert.Equal(t, "R1", h.session.RoomID())
	assert.Equal(t, 1, h.registry.Count("R1"))
	assert.Equal(t, []string{"tok"}, h.toucher.touched)

	r := h.conn.last()
	assert.Equal(t, protocol.TypeRegistered, r.msgType)
	assert.Equal(t, protocol.RegisteredPayload{RoomID: "R1", ClientID: "pc-1"}, r.payload)

	h.session.Closed()
	assert.Equal(t, StateClosed, h.session.State())
	assert.Equal(t, 0, h.registry.Count("R1"))
}

func TestRegister_StoreFailure(t *testing.T) {
	h := newHarness()
	h.resolver.err = errors.New("database is locked")

	keep := h.session.HandleMessage(context.Background(), message(t, protocol.TypeRegister, protocol.RegisterPayload{AccessToken: "tok"}))
	assert.False(t, keep)
	assertError(t, h.conn.last(), protocol.CodeRegisterFailed)
	assert.Equal(t, 0, h.registry.Count("R1"))
}

func TestRegister_BadPayload(t *testing.T) {
	h := newHarness()
	msg := &protocol.Message{Type: protocol.TypeRegister, Payload: []byte(`"just a string"`)}

	assert.False(t, h.session.HandleMessage(context.Background(), msg))
	assertError(t, h.conn.last(), protocol.CodeInvalidPayload)
}

func TestStatusEvents_RoutedToLifecycle(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	require.True(t, h.session.HandleMessage(ctx, message(t, protocol.TypeRegister, protocol.RegisterPayload{AccessToken: "tok"})))
	replies := len(h.conn.replies)

	// Lifecycle errors are swallowed: no reply, connection stays open
	h.life.err = lifecycle.ErrInvalidTransition

	assert.True(t, h.session.HandleMessage(ctx, message(t, protocol.TypeExecutionStarted,
		protocol.ExecutionStartedPayload{ExecutionID: "e1", PID: 5})))
	assert.True(t, h.session.HandleMessage(ctx, message(t, protocol.TypeExecutionFinished,
		protocol.ExecutionFinishedPayload{ExecutionID: "e1", ExitCode: 2})))
	assert.True(t, h.session.HandleMessage(ctx, message(t, protocol.TypeExecutionFailed,
		protocol.ExecutionFailedPayload{ExecutionID: "e2", Message: "boom"})))

	require.Len(t, h.life.started, 1)
	assert.Equal(t, lifecycle.Reporter{ClientID: "pc-1", RoomID: "R1"}, h.life.started[0])
	require.Len(t, h.life.finished, 1)
	assert.Equal(t, 2, h.life.finished[0].ExitCode)
	require.Len(t, h.life.failed, 1)
	assert.Equal(t, "boom", h.life.failed[0].Message)

	assert.Len(t, h.conn.replies, replies)
}

func TestStatusEvent_MissingExecutionID(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	require.True(t, h.session.HandleMessage(ctx, message(t, protocol.TypeRegister, protocol.RegisterPayload{AccessToken: "tok"})))

	assert.False(t, h.session.HandleMessage(ctx, message(t, protocol.TypeExecutionStarted, map[string]int{"pid": 1})))
	assertError(t, h.conn.last(), protocol.CodeInvalidPayload)
	assert.Empty(t, h.life.started)
}

func TestClosedSessionIgnoresInput(t *testing.T) {
	h := newHarness()
	ctx := context.Background()

	assert.False(t, h.session.HandleMessage(ctx, message(t, protocol.TypeExecutionStarted, protocol.ExecutionStartedPayload{ExecutionID: "e"})))
	assertError(t, h.conn.last(), protocol.CodeNotRegistered)
	n := len(h.conn.replies)

	assert.False(t, h.session.HandleMessage(ctx, message(t, protocol.TypeRegister, protocol.RegisterPayload{AccessToken: "tok"})))
	assert.Len(t, h.conn.replies, n)
	assert.Equal(t, 0, h.registry.Count("R1"))
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "unregistered", StateUnregistered.String())
	assert.Equal(t, "registered", StateRegistered.String())
	assert.Equal(t, "closed", StateClosed.String())
}
