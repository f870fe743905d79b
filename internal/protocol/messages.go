// Package protocol defines the WebSocket messages exchanged between the relay,
// agents and controllers.
package protocol

import (
	"encoding/json"
	"time"
)

// Message is the envelope for all WebSocket messages.
type Message struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// NewMessage creates a message with the given type and payload.
func NewMessage(msgType string, payload any) (*Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Message{
		Type:    msgType,
		Payload: data,
	}, nil
}

// Encode builds the wire form of a message in one step.
func Encode(msgType string, payload any) ([]byte, error) {
	msg, err := NewMessage(msgType, payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(msg)
}

// ParsePayload unmarshals the payload into the given target.
func (m *Message) ParsePayload(target any) error {
	if len(m.Payload) == 0 {
		return json.Unmarshal([]byte("null"), target)
	}
	return json.Unmarshal(m.Payload, target)
}

// Message types (connection → relay)
const (
	TypeRegister = "register"
)

// Message types (relay → connection)
const (
	TypeRegistered    = "registered"
	TypeError         = "error"
	TypePresetCreated = "preset.created"
	TypePresetRun     = "preset.run"
)

// Lifecycle events. Agents report them; the relay fans them out to the room.
const (
	TypeExecutionStarted  = "execution.started"
	TypeExecutionFinished = "execution.finished"
	TypeExecutionFailed   = "execution.failed"
)

// Error codes carried in ErrorPayload.
const (
	CodeMissingToken      = "missing_token"
	CodeInvalidToken      = "invalid_token"
	CodeRegisterFailed    = "register_failed"
	CodeAlreadyRegistered = "already_registered"
	CodeNotRegistered     = "not_registered"
	CodeInvalidPayload    = "invalid_payload"
	CodeUnknownMessage    = "unknown_message"
)

// RegisterPayload is the first message a connection sends.
type RegisterPayload struct {
	AccessToken string `json:"accessToken"`
}

// RegisteredPayload confirms registration.
type RegisteredPayload struct {
	RoomID   string `json:"roomId"`
	ClientID string `json:"clientId"`
}

// ErrorPayload is sent to a single connection before it is closed.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
}

// PresetCreatedPayload announces a new preset to the room.
type PresetCreatedPayload struct {
	PresetID string `json:"presetId"`
	Name     string `json:"name"`
}

// RunMeta describes who asked for a run.
type RunMeta struct {
	RequestedBy string  `json:"requestedBy"`
	RequestID   *string `json:"requestId"`
}

// PresetRunPayload asks the agents in a room to run a preset.
type PresetRunPayload struct {
	ExecutionID string   `json:"executionId"`
	PresetID    string   `json:"presetId"`
	Command     string   `json:"command"`
	Args        []string `json:"args"`
	WorkDir     *string  `json:"workDir"`
	Meta        RunMeta  `json:"meta"`
}

// ExecutionStartedPayload is reported when the agent spawned the process.
type ExecutionStartedPayload struct {
	ExecutionID string    `json:"executionId"`
	ClientID    string    `json:"clientId"`
	PID         int       `json:"pid"`
	StartedAt   time.Time `json:"startedAt"`
}

// ExecutionFinishedPayload is reported when the process exited.
type ExecutionFinishedPayload struct {
	ExecutionID string    `json:"executionId"`
	ClientID    string    `json:"clientId"`
	ExitCode    int       `json:"exitCode"`
	FinishedAt  time.Time `json:"finishedAt"`
}

// ExecutionFailedPayload is reported when the agent could not run the command at all.
type ExecutionFailedPayload struct {
	ExecutionID string    `json:"executionId"`
	ClientID    string    `json:"clientId"`
	Message     string    `json:"message,omitempty"`
	FinishedAt  time.Time `json:"finishedAt"`
}
