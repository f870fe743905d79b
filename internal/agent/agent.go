// Package agent implements the reference roomrelay agent: it joins a room,
// runs the presets the room asks for and reports their lifecycle.
package agent

import (
	"context"
	"fmt"
	"os/exec"
	"sync"

	"github.com/markus-barta/roomrelay/internal/config"
	"github.com/markus-barta/roomrelay/internal/protocol"
	"github.com/markus-barta/roomrelay/internal/version"
	"github.com/rs/zerolog"
)

// Version is the agent version.
var Version = version.Version

// Sender delivers a message to the relay.
type Sender interface {
	SendMessage(msgType string, payload any) error
}

// Agent is the main agent struct that coordinates all components.
type Agent struct {
	cfg    *config.AgentConfig
	log    zerolog.Logger
	link   *Link
	sender Sender
	output *OutputStore // nil unless OutputDir is set
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// State
	mu         sync.RWMutex
	token      string
	registered bool
	roomID     string
	client     string
	running    map[string]*exec.Cmd
}

// New creates a new agent with the given configuration.
func New(cfg *config.AgentConfig, log zerolog.Logger) *Agent {
	ctx, cancel := context.WithCancel(context.Background())
	a := &Agent{
		cfg:     cfg,
		log:     log.With().Str("component", "agent").Logger(),
		ctx:     ctx,
		cancel:  cancel,
		token:   cfg.Token,
		client:  cfg.ClientID,
		running: make(map[string]*exec.Cmd),
	}
	a.link = NewLink(cfg.URL, a.log, a)
	a.sender = a.link
	return a
}

// Run claims a token if needed, then connects and blocks until shutdown.
func (a *Agent) Run() error {
	a.log.Info().
		Str("url", a.cfg.URL).
		Str("room", a.cfg.Room).
		Bool("claim", a.cfg.NeedsClaim()).
		Msg("starting agent")

	if a.cfg.OutputDir != "" {
		output, err := NewOutputStore(a.cfg.OutputDir)
		if err != nil {
			return err
		}
		a.output = output
		defer func() { _ = output.Close() }()
	}

	if a.cfg.NeedsClaim() {
		res, err := Claim(a.ctx, nil, a.cfg.Server, a.cfg.Room, a.cfg.RoomSecret, a.cfg.ClientID)
		if err != nil {
			return fmt.Errorf("claim room %s: %w", a.cfg.Room, err)
		}
		a.mu.Lock()
		a.token = res.AccessToken
		a.client = res.ClientID
		a.mu.Unlock()
		a.log.Info().Str("client", res.ClientID).Msg("claimed room")
	}

	var wg sync.WaitGroup

	// Message handler loop
	wg.Add(1)
	go func() {
		defer wg.Done()
		a.messageLoop()
	}()

	// Relay link (blocks until shutdown)
	a.link.Run(a.ctx)

	wg.Wait()
	a.wg.Wait()

	a.log.Info().Msg("agent stopped")
	return nil
}

// Shutdown initiates graceful shutdown. Running commands are terminated.
func (a *Agent) Shutdown() {
	a.log.Info().Msg("shutting down")
	a.cancel()
	if err := a.link.Close(); err != nil {
		a.log.Debug().Err(err).Msg("error closing relay link")
	}
}

// RelayUp sends the register message on every new connection.
func (a *Agent) RelayUp() {
	a.log.Info().Msg("connected to relay")

	a.mu.RLock()
	token := a.token
	a.mu.RUnlock()

	if err := a.sender.SendMessage(protocol.TypeRegister, protocol.RegisterPayload{AccessToken: token}); err != nil {
		a.log.Error().Err(err).Msg("failed to send registration")
		return
	}
	a.log.Debug().Msg("registration sent")
}

// RelayDown drops the registration until the relay confirms the next one.
func (a *Agent) RelayDown() {
	a.mu.Lock()
	a.registered = false
	a.mu.Unlock()
	a.log.Warn().Msg("disconnected from relay")
}

// OnMessage is called for each incoming message.
func (a *Agent) OnMessage(msg *protocol.Message) {
	switch msg.Type {
	case protocol.TypeRegistered:
		var payload protocol.RegisteredPayload
		if err := msg.ParsePayload(&payload); err != nil {
			a.log.Error().Err(err).Msg("failed to parse registered payload")
			return
		}
		a.mu.Lock()
		a.registered = true
		a.roomID = payload.RoomID
		a.client = payload.ClientID
		a.mu.Unlock()
		a.log.Info().
			Str("room", payload.RoomID).
			Str("client", payload.ClientID).
			Msg("registered with relay")

	case protocol.TypeError:
		var payload protocol.ErrorPayload
		if err := msg.ParsePayload(&payload); err != nil {
			a.log.Error().Err(err).Msg("failed to parse error payload")
			return
		}
		a.log.Error().Str("code", payload.Code).Str("message", payload.Message).Msg("relay rejected connection")

	case protocol.TypePresetRun:
		var payload protocol.PresetRunPayload
		if err := msg.ParsePayload(&payload); err != nil {
			a.log.Error().Err(err).Msg("failed to parse preset.run payload")
			return
		}
		a.handleRun(payload)

	case protocol.TypePresetCreated:
		var payload protocol.PresetCreatedPayload
		if err := msg.ParsePayload(&payload); err != nil {
			return
		}
		a.log.Info().Str("preset", payload.PresetID).Str("name", payload.Name).Msg("preset created")

	case protocol.TypeExecutionStarted, protocol.TypeExecutionFinished, protocol.TypeExecutionFailed:
		// Echo of the room's lifecycle traffic, including our own reports.
		a.log.Debug().Str("type", msg.Type).Msg("room event")

	default:
		a.log.Warn().Str("type", msg.Type).Msg("unknown message type")
	}
}

// IsRegistered returns whether the agent is registered with the relay.
func (a *Agent) IsRegistered() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.registered
}

// Running returns the number of commands in flight.
func (a *Agent) Running() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.running)
}

func (a *Agent) clientID() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.client
}

// messageLoop handles incoming messages.
func (a *Agent) messageLoop() {
	for {
		select {
		case <-a.ctx.Done():
			return
		case msg := <-a.link.Messages():
			if msg != nil {
				a.OnMessage(msg)
			}
		}
	}
}
