package store

import (
	"encoding/json"
	"time"
)

// ExecutionStatus is the lifecycle state of an execution.
type ExecutionStatus string

const (
	StatusPending ExecutionStatus = "pending"
	StatusRunning ExecutionStatus = "running"
	StatusExited  ExecutionStatus = "exited"
	StatusFailed  ExecutionStatus = "failed"
)

// IsTerminal returns true if no further transition is possible.
func (s ExecutionStatus) IsTerminal() bool {
	return s == StatusExited || s == StatusFailed
}

// Room is a shared namespace identified by a short code.
type Room struct {
	ID         string
	SecretHash string
	CreatedAt  time.Time
}

// Client is an agent instance bound to one room.
type Client struct {
	ClientID    string
	RoomID      string
	AccessToken string
	LastSeen    time.Time
}

// Preset is a reusable command template scoped to a room.
type Preset struct {
	ID                   string    `json:"presetId"`
	RoomID               string    `json:"roomId"`
	Name                 string    `json:"name"`
	Command              string    `json:"command"`
	ArgsJSON             *string   `json:"argsJson"`
	WorkDir              *string   `json:"workDir"`
	RequiresConfirmation bool      `json:"requiresConfirmation"`
	CreatedAt            time.Time `json:"createdAt"`
}

// EncodeArgs serializes an argument list for storage. A nil list stays absent.
func EncodeArgs(args []string) (*string, error) {
	if args == nil {
		return nil, nil
	}
	data, err := json.Marshal(args)
	if err != nil {
		return nil, err
	}
	s := string(data)
	return &s, nil
}

// Args decodes the stored argument list. Absent args decode to an empty list.
func (p *Preset) Args() ([]string, error) {
	if p.ArgsJSON == nil || *p.ArgsJSON == "" {
		return []string{}, nil
	}
	var args []string
	if err := json.Unmarshal([]byte(*p.ArgsJSON), &args); err != nil {
		return nil, err
	}
	if args == nil {
		args = []string{}
	}
	return args, nil
}

// Execution is one invocation of a preset.
type Execution struct {
	ID         string          `json:"executionId"`
	PresetID   string          `json:"presetId"`
	RoomID     string          `json:"roomId"`
	ClientID   *string         `json:"clientId"`
	Status     ExecutionStatus `json:"status"`
	PID        *int            `json:"pid"`
	ExitCode   *int            `json:"exitCode"`
	CreatedAt  time.Time       `json:"createdAt"`
	StartedAt  *time.Time      `json:"startedAt"`
	FinishedAt *time.Time      `json:"finishedAt"`
}

// ExecutionUpdate carries the fields written by a status transition.
// Nil fields are left untouched; non-nil fields are only written if the
// column is still empty.
type ExecutionUpdate struct {
	Status     ExecutionStatus
	ClientID   *string
	PID        *int
	ExitCode   *int
	StartedAt  *time.Time
	FinishedAt *time.Time
}
