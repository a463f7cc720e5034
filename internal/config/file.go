package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/pendergraft/sourcewatch/internal/content"
)

// ErrInvalidConfig is returned when configuration fails validation
var ErrInvalidConfig = errors.New("invalid configuration")

// fileConfig is the part of the configuration read from a file
type fileConfig struct {
	Monitor  MonitorConfig   `toml:"monitor" yaml:"monitor"`
	Gateways []GatewayConfig `toml:"gateways" yaml:"gateways"`
	Chains   []ChainConfig   `toml:"chains" yaml:"chains"`
}

// LoadFile merges chains, gateways and monitor settings from a TOML or YAML
// file. The format is chosen by extension.
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config file: %w", err)
	}

	fc := fileConfig{Monitor: c.Monitor}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		md, err := toml.NewDecoder(bytes.NewReader(data)).Decode(&fc)
		if err != nil {
			return fmt.Errorf("parsing %s: %w", path, err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			return fmt.Errorf("%w: unknown keys in %s: %v", ErrInvalidConfig, path, undecoded)
		}
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&fc); err != nil {
			return fmt.Errorf("parsing %s: %w", path, err)
		}
	default:
		return fmt.Errorf("%w: unsupported config file extension %q", ErrInvalidConfig, filepath.Ext(path))
	}

	c.Monitor = fc.Monitor
	if len(fc.Gateways) > 0 {
		c.Gateways = fc.Gateways
	}
	if len(fc.Chains) > 0 {
		c.Chains = fc.Chains
	}
	return nil
}

// Validate checks pacing bounds, chain IDs and gateway origins
func (c *Config) Validate() error {
	var errs []error

	m := c.Monitor
	if m.PollLowerLimit.Duration <= 0 {
		errs = append(errs, errors.New("poll lower limit must be positive"))
	}
	if m.PollUpperLimit.Duration < m.PollLowerLimit.Duration {
		errs = append(errs, errors.New("poll upper limit must not be below the lower limit"))
	}
	if m.PollFactor <= 1 {
		errs = append(errs, errors.New("poll factor must be greater than 1"))
	}
	if m.BytecodeRetries < 0 {
		errs = append(errs, errors.New("bytecode retries must not be negative"))
	}
	if m.MaxConcurrentContracts <= 0 {
		errs = append(errs, errors.New("max concurrent contracts must be positive"))
	}

	switch c.Storage.Type {
	case "sqlite", "postgres":
	default:
		errs = append(errs, fmt.Errorf("unknown storage type %q", c.Storage.Type))
	}

	seenChains := make(map[uint64]bool)
	for _, ch := range c.Chains {
		if ch.ID == 0 {
			errs = append(errs, fmt.Errorf("chain %q has no id", ch.Name))
			continue
		}
		if seenChains[ch.ID] {
			errs = append(errs, fmt.Errorf("duplicate chain id %d", ch.ID))
		}
		seenChains[ch.ID] = true
		if ch.RPCURL == "" {
			errs = append(errs, fmt.Errorf("chain %d has no rpc_url", ch.ID))
		}
	}

	seenOrigins := make(map[content.Origin]bool)
	for _, g := range c.Gateways {
		origin, err := content.ParseOrigin(g.Origin)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if seenOrigins[origin] {
			errs = append(errs, fmt.Errorf("duplicate gateway for origin %s", origin))
		}
		seenOrigins[origin] = true
		if g.BaseURL == "" {
			errs = append(errs, fmt.Errorf("gateway %s has no base_url", origin))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}
