// Package config provides configuration parsing and validation for duovoice.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete configuration for both the peer CLI and the
// rendezvous server.
type Config struct {
	Server ServerConfig `yaml:"server"`
	Client ClientConfig `yaml:"client"`
	Voice  VoiceConfig  `yaml:"voice"`
	Stream StreamConfig `yaml:"stream"`
	Log    LogConfig    `yaml:"log"`
}

// ServerConfig configures the rendezvous server.
type ServerConfig struct {
	// Listen is the TCP address for the line protocol.
	Listen string `yaml:"listen"`

	// HTTPListen optionally exposes /healthz and /metrics. Empty disables.
	HTTPListen string `yaml:"http_listen"`

	// CommandRate and CommandBurst bound per-IP commands. Zero rate disables.
	CommandRate  float64 `yaml:"command_rate"`
	CommandBurst int     `yaml:"command_burst"`
}

// ClientConfig configures the peer side.
type ClientConfig struct {
	// ServerAddr is the rendezvous address. The SERVER_ADDR environment
	// variable overrides it.
	ServerAddr string `yaml:"server_addr"`

	// IdentityFile is where the signing keypair is persisted.
	IdentityFile string `yaml:"identity_file"`
}

// VoiceConfig configures the UDP voice path.
//
// Ports are assigned by role so the two peers never collide on one machine:
// the client binds ClientLocalPort and sends to HostLocalPort; the host does
// the reverse.
type VoiceConfig struct {
	// Enabled starts the voice transport after the handshake.
	Enabled bool `yaml:"enabled"`

	// ClientLocalPort is the client's inbound UDP port.
	ClientLocalPort int `yaml:"client_local_port"`

	// HostLocalPort is the host's inbound UDP port.
	HostLocalPort int `yaml:"host_local_port"`

	// PeerHost is the address voice packets are sent to.
	PeerHost string `yaml:"peer_host"`

	// JitterCapacity is the reorder buffer depth in frames.
	JitterCapacity int `yaml:"jitter_capacity"`

	// PlaybackBuffer is the bounded playback channel capacity in frames.
	PlaybackBuffer int `yaml:"playback_buffer"`

	// FrameSamples is the PCM sample count per 20 ms frame.
	FrameSamples int `yaml:"frame_samples"`
}

// StreamConfig bounds secure stream blocking.
type StreamConfig struct {
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// LogConfig configures structured logging.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Listen:       ":9000",
			CommandRate:  5,
			CommandBurst: 10,
		},
		Client: ClientConfig{
			ServerAddr:   "127.0.0.1:9000",
			IdentityFile: "duovoice.key",
		},
		Voice: VoiceConfig{
			Enabled:         true,
			ClientLocalPort: 9001,
			HostLocalPort:   9002,
			PeerHost:        "127.0.0.1",
			JitterCapacity:  3,
			PlaybackBuffer:  4,
			FrameSamples:    960,
		},
		Stream: StreamConfig{
			ReadTimeout:  500 * time.Millisecond,
			WriteTimeout: 10 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads a YAML config file and overlays it on the defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for inconsistencies.
func (c *Config) Validate() error {
	if c.Server.Listen == "" {
		return fmt.Errorf("server.listen must not be empty")
	}
	if c.Server.CommandRate < 0 {
		return fmt.Errorf("server.command_rate must not be negative")
	}
	if c.Client.ServerAddr == "" {
		return fmt.Errorf("client.server_addr must not be empty")
	}
	if c.Client.IdentityFile == "" {
		return fmt.Errorf("client.identity_file must not be empty")
	}
	if err := validPort(c.Voice.ClientLocalPort, "voice.client_local_port"); err != nil {
		return err
	}
	if err := validPort(c.Voice.HostLocalPort, "voice.host_local_port"); err != nil {
		return err
	}
	if c.Voice.ClientLocalPort == c.Voice.HostLocalPort {
		return fmt.Errorf("voice ports must differ")
	}
	if c.Voice.JitterCapacity < 1 {
		return fmt.Errorf("voice.jitter_capacity must be at least 1")
	}
	if c.Voice.PlaybackBuffer < 1 {
		return fmt.Errorf("voice.playback_buffer must be at least 1")
	}
	if c.Voice.FrameSamples < 1 {
		return fmt.Errorf("voice.frame_samples must be at least 1")
	}
	if c.Stream.ReadTimeout <= 0 {
		return fmt.Errorf("stream.read_timeout must be positive")
	}
	if c.Stream.WriteTimeout <= 0 {
		return fmt.Errorf("stream.write_timeout must be positive")
	}
	return nil
}

func validPort(port int, name string) error {
	if port < 1 || port > 65535 {
		return fmt.Errorf("%s must be in 1..65535, got %d", name, port)
	}
	return nil
}

// ResolveServerAddr applies the SERVER_ADDR environment override.
func (c *Config) ResolveServerAddr() string {
	if addr := os.Getenv("SERVER_ADDR"); addr != "" {
		return addr
	}
	return c.Client.ServerAddr
}
