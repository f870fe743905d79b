package config

import (
	"errors"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// AgentConfig holds reference agent configuration.
type AgentConfig struct {
	// Connection
	URL   string // WebSocket URL (ws:// or wss://)
	Token string // access token; obtained by claiming when empty

	// Pairing, used when Token is empty
	Server     string // HTTP base URL of the relay
	Room       string
	RoomSecret string
	ClientID   string // optional, reused across claims

	// Behavior
	Shell     string // shell used for presets without args
	OutputDir string // optional, keeps command output per execution
	LogLevel  string
}

// NewAgent returns a viper instance with agent defaults and env binding.
func NewAgent() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()

	hostname, _ := os.Hostname()
	v.SetDefault("url", "")
	v.SetDefault("token", "")
	v.SetDefault("server", "")
	v.SetDefault("room", "")
	v.SetDefault("room_secret", "")
	v.SetDefault("client_id", hostname)
	v.SetDefault("shell", "/bin/sh")
	v.SetDefault("output_dir", "")
	v.SetDefault("log_level", "info")
	return v
}

// LoadAgentConfig reads agent configuration from v.
func LoadAgentConfig(v *viper.Viper) (*AgentConfig, error) {
	cfg := &AgentConfig{
		URL:        v.GetString("url"),
		Token:      v.GetString("token"),
		Server:     v.GetString("server"),
		Room:       v.GetString("room"),
		RoomSecret: v.GetString("room_secret"),
		ClientID:   v.GetString("client_id"),
		Shell:      v.GetString("shell"),
		OutputDir:  v.GetString("output_dir"),
		LogLevel:   v.GetString("log_level"),
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that the configuration is valid.
func (c *AgentConfig) Validate() error {
	if c.URL == "" {
		return errors.New("ROOMRELAY_URL is required")
	}
	if c.Token == "" {
		if c.Server == "" || c.Room == "" || c.RoomSecret == "" {
			return errors.New("ROOMRELAY_TOKEN or ROOMRELAY_SERVER, ROOMRELAY_ROOM and ROOMRELAY_ROOM_SECRET are required")
		}
	}
	if c.Shell == "" {
		return errors.New("ROOMRELAY_SHELL must not be empty")
	}
	return nil
}

// NeedsClaim reports whether the agent must claim a token before connecting.
func (c *AgentConfig) NeedsClaim() bool {
	return c.Token == ""
}
