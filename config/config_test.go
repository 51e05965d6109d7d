package config

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "spikenet.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestDefaultIsValid(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
network_id: 7
database: /tmp/net.db
transport:
  kind: hub
  listen: 127.0.0.1:7400
  launcher: docker
  docker:
    image: registry.local/spikenet:1.2
simulation:
  handshake_timeout: 2s
  monitor_mode: spikes
  min_timestep: 500us
  params:
    dt: "0.1"
topology:
  groups:
    - id: 1
      neurons: [1, 2, 3]
    - id: 2
  edges:
    - [1, 2]
logging:
  level: debug
  format: json
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, uint32(7), cfg.NetworkID)
	assert.Equal(t, "/tmp/net.db", cfg.Database)
	assert.Equal(t, "hub", cfg.Transport.Kind)
	assert.Equal(t, "registry.local/spikenet:1.2", cfg.Transport.Docker.Image)
	assert.Equal(t, 2*time.Second, cfg.Simulation.HandshakeTimeout)
	assert.Equal(t, 500*time.Microsecond, cfg.Simulation.MinTimestep)
	assert.Equal(t, "spikes", cfg.Simulation.MonitorMode)
	assert.Equal(t, map[string]string{"dt": "0.1"}, cfg.Simulation.Params)
	assert.Equal(t, [][2]uint32{{1, 2}}, cfg.Topology.Edges)
	assert.Equal(t, []uint32{1, 2, 3}, cfg.Topology.Groups[0].Neurons)

	// Untouched values keep their defaults.
	assert.Equal(t, 5*time.Second, cfg.Simulation.ReceiveTimeout)
}

func TestLoadAppliesEnvironment(t *testing.T) {
	t.Setenv("SPIKENET_DATABASE", "env.db")
	t.Setenv("SPIKENET_NETWORK_ID", "12")
	t.Setenv("SPIKENET_LOG_LEVEL", "warn")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "env.db", cfg.Database)
	assert.Equal(t, uint32(12), cfg.NetworkID)
	assert.Equal(t, "warn", cfg.Logging.Level)
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"transport kind", func(c *Config) { c.Transport.Kind = "carrier-pigeon" }},
		{"launcher", func(c *Config) { c.Transport.Launcher = "ssh" }},
		{"docker image", func(c *Config) { c.Transport.Launcher = "docker"; c.Transport.Docker.Image = "" }},
		{"zero timeout", func(c *Config) { c.Simulation.HandshakeTimeout = 0 }},
		{"monitor mode", func(c *Config) { c.Simulation.MonitorMode = "voltage" }},
		{"duplicate group", func(c *Config) {
			c.Topology.Groups = []GroupConfig{{ID: 1}, {ID: 1}}
		}},
		{"dangling edge", func(c *Config) {
			c.Topology.Groups = []GroupConfig{{ID: 1}}
			c.Topology.Edges = [][2]uint32{{1, 2}}
		}},
		{"log level", func(c *Config) { c.Logging.Level = "loud" }},
		{"log format", func(c *Config) { c.Logging.Format = "xml" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLoadReportsParseErrors(t *testing.T) {
	_, err := Load(writeConfig(t, "simulation: [not, a, map]"))
	assert.Error(t, err)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewLogger(&buf, LoggingConfig{Level: "warn", Format: "json"})
	require.NoError(t, err)

	logger.Info("hidden")
	logger.Warn("shown", "group", 3)
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), `"group":3`)

	_, err = NewLogger(&buf, LoggingConfig{Level: "chatty"})
	assert.Error(t, err)
}
