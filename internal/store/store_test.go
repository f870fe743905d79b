package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "relay.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return New(zerolog.Nop(), db)
}

func seedPreset(t *testing.T, s *Store, roomID, presetID string, args []string) *Preset {
	t.Helper()
	ctx := context.Background()
	if _, err := s.GetRoom(ctx, roomID); err != nil {
		require.NoError(t, s.CreateRoom(ctx, &Room{ID: roomID, SecretHash: "hash", CreatedAt: time.Now()}))
	}
	argsJSON, err := EncodeArgs(args)
	require.NoError(t, err)
	p := &Preset{
		ID:        presetID,
		RoomID:    roomID,
		Name:      "build",
		Command:   "make",
		ArgsJSON:  argsJSON,
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, s.CreatePreset(ctx, p))
	return p
}

func TestRoom_CreateAndGet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	created := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, s.CreateRoom(ctx, &Room{ID: "abc123", SecretHash: "h", CreatedAt: created}))

	room, err := s.GetRoom(ctx, "abc123")
	require.NoError(t, err)
	assert.Equal(t, "abc123", room.ID)
	assert.Equal(t, "h", room.SecretHash)
	assert.True(t, room.CreatedAt.Equal(created))

	err = s.CreateRoom(ctx, &Room{ID: "abc123", SecretHash: "other", CreatedAt: created})
	assert.ErrorIs(t, err, ErrDuplicate)

	_, err = s.GetRoom(ctx, "nope00")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestClient_ReusedClientIDGetsOwnRow(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateRoom(ctx, &Room{ID: "r1", SecretHash: "h", CreatedAt: time.Now()}))
	require.NoError(t, s.CreateRoom(ctx, &Room{ID: "r2", SecretHash: "h", CreatedAt: time.Now()}))

	require.NoError(t, s.CreateClient(ctx, &Client{ClientID: "pc", RoomID: "r1", AccessToken: "t1", LastSeen: time.Now()}))
	require.NoError(t, s.CreateClient(ctx, &Client{ClientID: "pc", RoomID: "r2", AccessToken: "t2", LastSeen: time.Now()}))

	err := s.CreateClient(ctx, &Client{ClientID: "other", RoomID: "r1", AccessToken: "t1", LastSeen: time.Now()})
	assert.ErrorIs(t, err, ErrDuplicate)

	c, err := s.GetClientByToken(ctx, "t2")
	require.NoError(t, err)
	assert.Equal(t, "pc", c.ClientID)
	assert.Equal(t, "r2", c.RoomID)

	rooms, err := s.RoomsForClient(ctx, "pc")
	require.NoError(t, err)
	assert.Equal(t, []string{"r1", "r2"}, rooms)

	n, err := s.CountClients(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = s.GetClientByToken(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestClient_Touch(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateRoom(ctx, &Room{ID: "r1", SecretHash: "h", CreatedAt: time.Now()}))
	require.NoError(t, s.CreateClient(ctx, &Client{ClientID: "pc", RoomID: "r1", AccessToken: "t1",
		LastSeen: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}))

	seen := time.Date(2025, 6, 1, 8, 30, 0, 0, time.UTC)
	require.NoError(t, s.TouchClient(ctx, "t1", seen))

	c, err := s.GetClientByToken(ctx, "t1")
	require.NoError(t, err)
	assert.True(t, c.LastSeen.Equal(seen))

	assert.ErrorIs(t, s.TouchClient(ctx, "nope", seen), ErrNotFound)
}

func TestPreset_ArgsRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	seedPreset(t, s, "r1", "with-args", []string{"--flag", "value"})
	seedPreset(t, s, "r1", "no-args", nil)

	p, err := s.GetPreset(ctx, "r1", "with-args")
	require.NoError(t, err)
	require.NotNil(t, p.ArgsJSON)
	assert.Equal(t, `["--flag","value"]`, *p.ArgsJSON)
	args, err := p.Args()
	require.NoError(t, err)
	assert.Equal(t, []string{"--flag", "value"}, args)

	p, err = s.GetPreset(ctx, "r1", "no-args")
	require.NoError(t, err)
	assert.Nil(t, p.ArgsJSON)
	args, err = p.Args()
	require.NoError(t, err)
	assert.Equal(t, []string{}, args)
}

func TestPreset_ScopedToRoom(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedPreset(t, s, "r1", "p1", nil)
	seedPreset(t, s, "r2", "p2", nil)

	_, err := s.GetPreset(ctx, "r2", "p1")
	assert.ErrorIs(t, err, ErrNotFound)

	n, err := s.CountPresets(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestListPresets_NewestFirst(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateRoom(ctx, &Room{ID: "r1", SecretHash: "h", CreatedAt: time.Now()}))

	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, id := range []string{"old", "mid", "new"} {
		require.NoError(t, s.CreatePreset(ctx, &Preset{
			ID: id, RoomID: "r1", Name: id, Command: "true",
			CreatedAt: base.Add(time.Duration(i) * time.Hour),
		}))
	}

	list, err := s.ListPresets(ctx, "r1")
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, "new", list[0].ID)
	assert.Equal(t, "mid", list[1].ID)
	assert.Equal(t, "old", list[2].ID)

	empty, err := s.ListPresets(ctx, "r9")
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestTransitionExecution_Guarded(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedPreset(t, s, "r1", "p1", nil)

	require.NoError(t, s.CreateExecution(ctx, &Execution{
		ID: "e1", PresetID: "p1", RoomID: "r1", Status: StatusPending, CreatedAt: time.Now(),
	}))

	// finished before started is refused
	code := 0
	finished := time.Now()
	ok, err := s.TransitionExecution(ctx, "e1", []ExecutionStatus{StatusRunning}, ExecutionUpdate{
		Status: StatusExited, ExitCode: &code, FinishedAt: &finished,
	})
	require.NoError(t, err)
	assert.False(t, ok)

	e, err := s.GetExecution(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, e.Status)
	assert.Nil(t, e.ExitCode)
	assert.Nil(t, e.FinishedAt)

	pid := 4242
	client := "pc"
	started := time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC)
	ok, err = s.TransitionExecution(ctx, "e1", []ExecutionStatus{StatusPending}, ExecutionUpdate{
		Status: StatusRunning, ClientID: &client, PID: &pid, StartedAt: &started,
	})
	require.NoError(t, err)
	assert.True(t, ok)

	// pid is write-once even if a later update carries another value
	otherPID := 1
	ok, err = s.TransitionExecution(ctx, "e1", []ExecutionStatus{StatusRunning}, ExecutionUpdate{
		Status: StatusExited, PID: &otherPID, ExitCode: &code, FinishedAt: &finished,
	})
	require.NoError(t, err)
	assert.True(t, ok)

	e, err = s.GetExecution(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, StatusExited, e.Status)
	require.NotNil(t, e.PID)
	assert.Equal(t, 4242, *e.PID)
	require.NotNil(t, e.ClientID)
	assert.Equal(t, "pc", *e.ClientID)
	require.NotNil(t, e.StartedAt)
	assert.True(t, e.StartedAt.Equal(started))
	require.NotNil(t, e.ExitCode)
	assert.Equal(t, 0, *e.ExitCode)

	ok, err = s.TransitionExecution(ctx, "missing", []ExecutionStatus{StatusPending}, ExecutionUpdate{Status: StatusRunning})
	require.NoError(t, err)
	assert.False(t, ok)

	n, err := s.CountExecutions(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestExecutionStatus_IsTerminal(t *testing.T) {
	assert.False(t, StatusPending.IsTerminal())
	assert.False(t, StatusRunning.IsTerminal())
	assert.True(t, StatusExited.IsTerminal())
	assert.True(t, StatusFailed.IsTerminal())
}
