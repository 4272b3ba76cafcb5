package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfigIsValid(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Errorf("DefaultConfig().Validate() error = %v", err)
	}
}

func TestLoadOverlaysDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
server:
  listen: ":7000"
voice:
  jitter_capacity: 6
stream:
  read_timeout: 250ms
`
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Listen != ":7000" {
		t.Errorf("server.listen = %q", cfg.Server.Listen)
	}
	if cfg.Voice.JitterCapacity != 6 {
		t.Errorf("voice.jitter_capacity = %d", cfg.Voice.JitterCapacity)
	}
	if cfg.Stream.ReadTimeout != 250*time.Millisecond {
		t.Errorf("stream.read_timeout = %v", cfg.Stream.ReadTimeout)
	}

	// Untouched keys keep their defaults.
	if cfg.Voice.ClientLocalPort != 9001 {
		t.Errorf("voice.client_local_port = %d", cfg.Voice.ClientLocalPort)
	}
	if cfg.Client.ServerAddr != "127.0.0.1:9000" {
		t.Errorf("client.server_addr = %q", cfg.Client.ServerAddr)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"same ports": `
voice:
  client_local_port: 9001
  host_local_port: 9001
`,
		"bad jitter": `
voice:
  jitter_capacity: 0
`,
		"bad port": `
voice:
  client_local_port: 70000
`,
		"negative rate": `
server:
  command_rate: -1
`,
		"not yaml": `{{{`,
	}

	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config.yaml")
			if err := os.WriteFile(path, []byte(content), 0600); err != nil {
				t.Fatal(err)
			}
			if _, err := Load(path); err == nil {
				t.Error("Load() accepted invalid config")
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Error("Load() succeeded on a missing file")
	}
}

func TestResolveServerAddr(t *testing.T) {
	cfg := DefaultConfig()

	t.Setenv("SERVER_ADDR", "")
	if got := cfg.ResolveServerAddr(); got != "127.0.0.1:9000" {
		t.Errorf("ResolveServerAddr() = %q", got)
	}

	t.Setenv("SERVER_ADDR", "10.0.0.5:9000")
	if got := cfg.ResolveServerAddr(); got != "10.0.0.5:9000" {
		t.Errorf("ResolveServerAddr() with env = %q", got)
	}
}
