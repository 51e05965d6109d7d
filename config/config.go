// Package config loads the spikenet configuration from YAML files and
// environment variables.
package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config contains all spikenet settings.
type Config struct {
	// NetworkID selects the network to simulate.
	NetworkID uint32 `yaml:"network_id"`

	// Database is the SQLite file holding networks and archives. Empty means
	// an in-memory store seeded from Topology.
	Database string `yaml:"database"`

	Transport  TransportConfig  `yaml:"transport"`
	Simulation SimulationConfig `yaml:"simulation"`
	Topology   TopologyConfig   `yaml:"topology"`
	Logging    LoggingConfig    `yaml:"logging"`
	Serve      ServeConfig      `yaml:"serve"`
}

// TransportConfig selects the message bus.
type TransportConfig struct {
	// Kind is "local" (workers run in process) or "hub" (workers are
	// launched as processes that dial back over TCP).
	Kind string `yaml:"kind"`

	// Listen is the hub's listen address.
	Listen string `yaml:"listen"`

	// Launcher is "exec" or "docker". Only used by the hub.
	Launcher string `yaml:"launcher"`

	Docker DockerConfig `yaml:"docker"`
}

// DockerConfig configures the container launcher.
type DockerConfig struct {
	Image   string   `yaml:"image"`
	Network string   `yaml:"network,omitempty"`
	Mounts  []string `yaml:"mounts,omitempty"`
}

// SimulationConfig holds the orchestrator's timeouts and modes.
type SimulationConfig struct {
	HandshakeTimeout    time.Duration `yaml:"handshake_timeout"`
	ReceiveTimeout      time.Duration `yaml:"receive_timeout"`
	MaxLoadDuration     time.Duration `yaml:"max_load_duration"`
	PollSlice           time.Duration `yaml:"poll_slice"`
	CleanupTimeout      time.Duration `yaml:"cleanup_timeout"`
	ArchiverExitTimeout time.Duration `yaml:"archiver_exit_timeout"`

	// MonitorMode is "firing_neurons" or "spikes".
	MonitorMode string `yaml:"monitor_mode"`

	// MinTimestep is applied to every worker after initialisation.
	MinTimestep time.Duration `yaml:"min_timestep"`

	// WorkerProgram and ArchiverProgram are the binaries a hub launches.
	// Empty means this executable's worker and archiver subcommands.
	WorkerProgram   string `yaml:"worker_program,omitempty"`
	ArchiverProgram string `yaml:"archiver_program,omitempty"`

	ArchiveName string            `yaml:"archive_name,omitempty"`
	Archive     bool              `yaml:"archive"`
	Params      map[string]string `yaml:"params,omitempty"`
}

// TopologyConfig seeds the in-memory store.
type TopologyConfig struct {
	Groups []GroupConfig `yaml:"groups"`
	Edges  [][2]uint32   `yaml:"edges"`
}

// GroupConfig is one neuron group of a seeded network.
type GroupConfig struct {
	ID      uint32   `yaml:"id"`
	Name    string   `yaml:"name,omitempty"`
	Neurons []uint32 `yaml:"neurons,omitempty"`
}

// LoggingConfig configures the slog logger.
type LoggingConfig struct {
	// Level is "debug", "info", "warn" or "error".
	Level string `yaml:"level"`

	// Format is "text" or "json".
	Format string `yaml:"format"`
}

// ServeConfig configures the HTTP API.
type ServeConfig struct {
	// Addr is the listen address. Empty disables the API.
	Addr string `yaml:"addr"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		NetworkID: 1,
		Transport: TransportConfig{
			Kind:     "local",
			Listen:   "127.0.0.1:0",
			Launcher: "exec",
			Docker: DockerConfig{
				Image: "spikenet:latest",
			},
		},
		Simulation: SimulationConfig{
			HandshakeTimeout:    30 * time.Second,
			ReceiveTimeout:      5 * time.Second,
			MaxLoadDuration:     2 * time.Minute,
			PollSlice:           200 * time.Millisecond,
			CleanupTimeout:      30 * time.Second,
			ArchiverExitTimeout: 10 * time.Second,
			MonitorMode:         "firing_neurons",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads a YAML file over the defaults, then applies environment
// overrides. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	switch c.Transport.Kind {
	case "local", "hub":
	default:
		return fmt.Errorf("invalid transport kind: %s (valid: local, hub)", c.Transport.Kind)
	}
	switch c.Transport.Launcher {
	case "exec":
	case "docker":
		if c.Transport.Docker.Image == "" {
			return fmt.Errorf("docker launcher needs transport.docker.image")
		}
	default:
		return fmt.Errorf("invalid launcher: %s (valid: exec, docker)", c.Transport.Launcher)
	}

	s := c.Simulation
	for name, d := range map[string]time.Duration{
		"handshake_timeout":     s.HandshakeTimeout,
		"receive_timeout":       s.ReceiveTimeout,
		"max_load_duration":     s.MaxLoadDuration,
		"poll_slice":            s.PollSlice,
		"cleanup_timeout":       s.CleanupTimeout,
		"archiver_exit_timeout": s.ArchiverExitTimeout,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %v", name, d)
		}
	}
	if s.MinTimestep < 0 {
		return fmt.Errorf("min_timestep must be non-negative, got %v", s.MinTimestep)
	}
	switch s.MonitorMode {
	case "firing_neurons", "spikes":
	default:
		return fmt.Errorf("invalid monitor mode: %s (valid: firing_neurons, spikes)", s.MonitorMode)
	}

	seen := make(map[uint32]bool, len(c.Topology.Groups))
	for _, g := range c.Topology.Groups {
		if g.ID == 0 {
			return fmt.Errorf("topology group IDs must be non-zero")
		}
		if seen[g.ID] {
			return fmt.Errorf("duplicate topology group %d", g.ID)
		}
		seen[g.ID] = true
	}
	for _, e := range c.Topology.Edges {
		if !seen[e[0]] || !seen[e[1]] {
			return fmt.Errorf("topology edge %d->%d references an unknown group", e[0], e[1])
		}
	}

	if _, err := parseLevel(c.Logging.Level); err != nil {
		return err
	}
	switch c.Logging.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("invalid log format: %s (valid: text, json)", c.Logging.Format)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("SPIKENET_DATABASE"); v != "" {
		cfg.Database = v
	}
	if v := os.Getenv("SPIKENET_NETWORK_ID"); v != "" {
		if n, err := strconv.ParseUint(v, 10, 32); err == nil {
			cfg.NetworkID = uint32(n)
		}
	}
	if v := os.Getenv("SPIKENET_TRANSPORT"); v != "" {
		cfg.Transport.Kind = v
	}
	if v := os.Getenv("SPIKENET_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("SPIKENET_SERVE_ADDR"); v != "" {
		cfg.Serve.Addr = v
	}
}

func parseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("invalid log level: %s (valid: debug, info, warn, error)", s)
	}
}

// NewLogger builds a slog logger writing to w.
func NewLogger(w io.Writer, c LoggingConfig) (*slog.Logger, error) {
	level, err := parseLevel(c.Level)
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}
	if c.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	}
	return slog.New(slog.NewTextHandler(w, opts)), nil
}
