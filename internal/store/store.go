// Package store persists rooms, clients, presets and executions in SQLite.
//
// Relationships are plain foreign keys looked up by query; no record holds
// a collection of its children.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite" // Pure-Go SQLite driver
)

var (
	// ErrNotFound is returned when a lookup matches no row.
	ErrNotFound = errors.New("not found")
	// ErrDuplicate is returned when an insert collides with an existing key.
	ErrDuplicate = errors.New("duplicate key")
)

// Store provides access to all persisted relay state.
type Store struct {
	log zerolog.Logger
	db  *sql.DB
}

// New creates a new Store with the given database.
func New(log zerolog.Logger, db *sql.DB) *Store {
	return &Store{
		log: log.With().Str("component", "store").Logger(),
		db:  db,
	}
}

// Open opens a SQLite database and runs migrations.
func Open(path string) (*sql.DB, error) {
	dsn := "file:" + path + "?_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Enable WAL mode for better concurrency
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}

	if err := runMigrations(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return db, nil
}

// runMigrations creates or updates the schema.
func runMigrations(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS rooms (
		id          TEXT PRIMARY KEY,
		secret_hash TEXT NOT NULL,
		created_at  DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	-- A client id may be claimed more than once; every claim gets its own token row.
	CREATE TABLE IF NOT EXISTS clients (
		access_token TEXT PRIMARY KEY,
		client_id    TEXT NOT NULL,
		room_id      TEXT NOT NULL,
		last_seen    DATETIME NOT NULL,
		FOREIGN KEY (room_id) REFERENCES rooms(id)
	);
	CREATE INDEX IF NOT EXISTS idx_clients_client ON clients(client_id);
	CREATE INDEX IF NOT EXISTS idx_clients_room ON clients(room_id);

	CREATE TABLE IF NOT EXISTS presets (
		id                    TEXT PRIMARY KEY,
		room_id               TEXT NOT NULL,
		name                  TEXT NOT NULL,
		command               TEXT NOT NULL,
		args_json             TEXT,
		work_dir              TEXT,
		requires_confirmation INTEGER NOT NULL DEFAULT 0,
		created_at            DATETIME NOT NULL,
		FOREIGN KEY (room_id) REFERENCES rooms(id)
	);
	CREATE INDEX IF NOT EXISTS idx_presets_room ON presets(room_id, created_at DESC);

	CREATE TABLE IF NOT EXISTS executions (
		id          TEXT PRIMARY KEY,
		preset_id   TEXT NOT NULL,
		room_id     TEXT NOT NULL DEFAULT '',
		client_id   TEXT,
		status      TEXT NOT NULL,
		pid         INTEGER,
		exit_code   INTEGER,
		created_at  DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		started_at  DATETIME,
		finished_at DATETIME,
		FOREIGN KEY (preset_id) REFERENCES presets(id)
	);
	CREATE INDEX IF NOT EXISTS idx_executions_room ON executions(room_id, created_at DESC);
	CREATE INDEX IF NOT EXISTS idx_executions_status ON executions(status);
	`

	_, err := db.Exec(schema)
	return err
}

// ═══════════════════════════════════════════════════════════════════════════
// ROOMS
// ═══════════════════════════════════════════════════════════════════════════

// CreateRoom inserts a room. Returns ErrDuplicate if the id is taken.
func (s *Store) CreateRoom(ctx context.Context, room *Room) error {
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO rooms (id, secret_hash, created_at) VALUES (?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`, room.ID, room.SecretHash, room.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("create room: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("create room %s: %w", room.ID, ErrDuplicate)
	}
	return nil
}

// GetRoom retrieves a room by id.
func (s *Store) GetRoom(ctx context.Context, roomID string) (*Room, error) {
	var room Room
	err := s.db.QueryRowContext(ctx, `
		SELECT id, secret_hash, created_at FROM rooms WHERE id = ?
	`, roomID).Scan(&room.ID, &room.SecretHash, &room.CreatedAt)
	if err != nil {
		return nil, wrapNotFound("get room", err)
	}
	return &room, nil
}

// CountPresets returns the number of presets in a room.
func (s *Store) CountPresets(ctx context.Context, roomID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM presets WHERE room_id = ?`, roomID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count presets: %w", err)
	}
	return n, nil
}

// ═══════════════════════════════════════════════════════════════════════════
// CLIENTS
// ═══════════════════════════════════════════════════════════════════════════

// CreateClient inserts a client row.
func (s *Store) CreateClient(ctx context.Context, c *Client) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO clients (access_token, client_id, room_id, last_seen) VALUES (?, ?, ?, ?)
	`, c.AccessToken, c.ClientID, c.RoomID, c.LastSeen.UTC())
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return fmt.Errorf("create client: %w", ErrDuplicate)
		}
		return fmt.Errorf("create client: %w", err)
	}
	return nil
}

// GetClientByToken resolves an access token to its client.
func (s *Store) GetClientByToken(ctx context.Context, token string) (*Client, error) {
	var c Client
	err := s.db.QueryRowContext(ctx, `
		SELECT access_token, client_id, room_id, last_seen FROM clients WHERE access_token = ?
	`, token).Scan(&c.AccessToken, &c.ClientID, &c.RoomID, &c.LastSeen)
	if err != nil {
		return nil, wrapNotFound("get client", err)
	}
	return &c, nil
}

// TouchClient updates last_seen for the client holding the token.
func (s *Store) TouchClient(ctx context.Context, token string, at time.Time) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE clients SET last_seen = ? WHERE access_token = ?
	`, at.UTC(), token)
	if err != nil {
		return fmt.Errorf("touch client: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("touch client: %w", ErrNotFound)
	}
	return nil
}

// CountClients returns the number of client rows in a room.
func (s *Store) CountClients(ctx context.Context, roomID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM clients WHERE room_id = ?`, roomID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count clients: %w", err)
	}
	return n, nil
}

// RoomsForClient returns the distinct rooms a client id has been claimed into.
func (s *Store) RoomsForClient(ctx context.Context, clientID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT room_id FROM clients WHERE client_id = ? ORDER BY room_id
	`, clientID)
	if err != nil {
		return nil, fmt.Errorf("rooms for client: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var rooms []string
	for rows.Next() {
		var roomID string
		if err := rows.Scan(&roomID); err != nil {
			return nil, fmt.Errorf("rooms for client: %w", err)
		}
		rooms = append(rooms, roomID)
	}
	return rooms, rows.Err()
}

// ═══════════════════════════════════════════════════════════════════════════
// PRESETS
// ═══════════════════════════════════════════════════════════════════════════

// CreatePreset inserts a preset.
func (s *Store) CreatePreset(ctx context.Context, p *Preset) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO presets (id, room_id, name, command, args_json, work_dir, requires_confirmation, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, p.ID, p.RoomID, p.Name, p.Command, p.ArgsJSON, p.WorkDir, p.RequiresConfirmation, p.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("create preset: %w", err)
	}
	return nil
}

// GetPreset retrieves a preset that belongs to the given room.
func (s *Store) GetPreset(ctx context.Context, roomID, presetID string) (*Preset, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, room_id, name, command, args_json, work_dir, requires_confirmation, created_at
		FROM presets WHERE id = ? AND room_id = ?
	`, presetID, roomID)
	p, err := scanPreset(row)
	if err != nil {
		return nil, wrapNotFound("get preset", err)
	}
	return p, nil
}

// ListPresets returns all presets of a room, newest first.
func (s *Store) ListPresets(ctx context.Context, roomID string) ([]*Preset, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, room_id, name, command, args_json, work_dir, requires_confirmation, created_at
		FROM presets WHERE room_id = ? ORDER BY created_at DESC
	`, roomID)
	if err != nil {
		return nil, fmt.Errorf("list presets: %w", err)
	}
	defer func() { _ = rows.Close() }()

	presets := []*Preset{}
	for rows.Next() {
		p, err := scanPreset(rows)
		if err != nil {
			return nil, fmt.Errorf("list presets: %w", err)
		}
		presets = append(presets, p)
	}
	return presets, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanPreset(row scanner) (*Preset, error) {
	var p Preset
	var argsJSON, workDir sql.NullString
	if err := row.Scan(&p.ID, &p.RoomID, &p.Name, &p.Command, &argsJSON, &workDir,
		&p.RequiresConfirmation, &p.CreatedAt); err != nil {
		return nil, err
	}
	if argsJSON.Valid {
		p.ArgsJSON = &argsJSON.String
	}
	if workDir.Valid {
		p.WorkDir = &workDir.String
	}
	return &p, nil
}

// ═══════════════════════════════════════════════════════════════════════════
// EXECUTIONS
// ═══════════════════════════════════════════════════════════════════════════

// CreateExecution inserts a new execution record.
func (s *Store) CreateExecution(ctx context.Context, e *Execution) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO executions (id, preset_id, room_id, client_id, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, e.ID, e.PresetID, e.RoomID, e.ClientID, string(e.Status), e.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("create execution: %w", err)
	}
	return nil
}

// GetExecution retrieves an execution by id.
func (s *Store) GetExecution(ctx context.Context, executionID string) (*Execution, error) {
	var e Execution
	var clientID sql.NullString
	var pid, exitCode sql.NullInt64
	var startedAt, finishedAt sql.NullTime
	var status string

	err := s.db.QueryRowContext(ctx, `
		SELECT id, preset_id, room_id, client_id, status, pid, exit_code, created_at, started_at, finished_at
		FROM executions WHERE id = ?
	`, executionID).Scan(&e.ID, &e.PresetID, &e.RoomID, &clientID, &status, &pid, &exitCode,
		&e.CreatedAt, &startedAt, &finishedAt)
	if err != nil {
		return nil, wrapNotFound("get execution", err)
	}

	e.Status = ExecutionStatus(status)
	if clientID.Valid {
		e.ClientID = &clientID.String
	}
	if pid.Valid {
		v := int(pid.Int64)
		e.PID = &v
	}
	if exitCode.Valid {
		v := int(exitCode.Int64)
		e.ExitCode = &v
	}
	if startedAt.Valid {
		t := startedAt.Time
		e.StartedAt = &t
	}
	if finishedAt.Valid {
		t := finishedAt.Time
		e.FinishedAt = &t
	}
	return &e, nil
}

// TransitionExecution moves an execution to upd.Status, but only while its
// current status is one of from. The check and the write are a single
// statement, so concurrent reporters cannot interleave. Returns false when
// no row matched (unknown id or disallowed current status).
func (s *Store) TransitionExecution(ctx context.Context, executionID string, from []ExecutionStatus, upd ExecutionUpdate) (bool, error) {
	if len(from) == 0 {
		return false, nil
	}

	placeholders := make([]string, len(from))
	args := []any{
		string(upd.Status),
		upd.ClientID,
		upd.PID,
		upd.ExitCode,
		nullTimePtr(upd.StartedAt),
		nullTimePtr(upd.FinishedAt),
		executionID,
	}
	for i, st := range from {
		placeholders[i] = "?"
		args = append(args, string(st))
	}

	query := `
		UPDATE executions SET
			status      = ?,
			client_id   = COALESCE(client_id, ?),
			pid         = COALESCE(pid, ?),
			exit_code   = COALESCE(exit_code, ?),
			started_at  = COALESCE(started_at, ?),
			finished_at = COALESCE(finished_at, ?)
		WHERE id = ? AND status IN (` + strings.Join(placeholders, ", ") + `)`

	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("transition execution: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("transition execution: %w", err)
	}
	return n == 1, nil
}

// CountExecutions returns the number of executions recorded in a room.
func (s *Store) CountExecutions(ctx context.Context, roomID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM executions WHERE room_id = ?`, roomID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count executions: %w", err)
	}
	return n, nil
}

// ═══════════════════════════════════════════════════════════════════════════
// HELPERS
// ═══════════════════════════════════════════════════════════════════════════

func wrapNotFound(op string, err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func nullTimePtr(t *time.Time) sql.NullTime {
	if t == nil || t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}
