package worker

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/pflag"
)

// Settings are the per-group arguments the orchestrator spawns a worker with.
type Settings struct {
	Network uint32
	Group   uint32
	Mode    string
	Params  map[string]string

	rawParams []string
}

// BindFlags registers the worker flags on fs.
func (s *Settings) BindFlags(fs *pflag.FlagSet) {
	fs.Uint32Var(&s.Network, "network", 0, "network the group belongs to")
	fs.Uint32Var(&s.Group, "group", 0, "neuron group to simulate")
	fs.StringVar(&s.Mode, "mode", "firing_neurons", "firing report mode: firing_neurons or spikes")
	fs.StringArrayVar(&s.rawParams, "param", nil, "model parameter as key=value (repeatable)")
}

// Finish validates the parsed flags and splits the params.
func (s *Settings) Finish() error {
	switch s.Mode {
	case "firing_neurons", "spikes":
	default:
		return fmt.Errorf("unknown mode %q", s.Mode)
	}

	s.Params = make(map[string]string, len(s.rawParams))
	for _, kv := range s.rawParams {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			return fmt.Errorf("param %q is not key=value", kv)
		}
		s.Params[k] = v
	}
	return nil
}

// ParseArgs parses a worker command line.
func ParseArgs(args []string) (Settings, error) {
	var s Settings
	fs := pflag.NewFlagSet("worker", pflag.ContinueOnError)
	fs.SetOutput(io.Discard)
	s.BindFlags(fs)
	if err := fs.Parse(args); err != nil {
		return Settings{}, err
	}
	if err := s.Finish(); err != nil {
		return Settings{}, err
	}
	return s, nil
}
