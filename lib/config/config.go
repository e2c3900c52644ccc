// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"
)

// Config is the configuration of a splicerelay process.
type Config struct {
	// Listen is the TCP address the bridge accepts connections on.
	// Default: 127.0.0.1:8642
	Listen string `yaml:"listen"`

	// Upstream is where every accepted connection is relayed to.
	Upstream UpstreamConfig `yaml:"upstream"`

	// Relay tunes the splice calls of every session.
	Relay RelayConfig `yaml:"relay"`

	// Dial governs upstream connection attempts.
	Dial DialConfig `yaml:"dial"`

	// Log configures the process logger.
	Log LogConfig `yaml:"log"`
}

// UpstreamConfig names the upstream endpoint.
type UpstreamConfig struct {
	// Network is "unix" or "tcp".
	// Default: unix
	Network string `yaml:"network"`

	// Address is a socket path for unix or host:port for tcp.
	// Default: /run/splicerelay/upstream.sock
	Address string `yaml:"address"`
}

// RelayConfig tunes the relay sessions.
type RelayConfig struct {
	// ChunkSize is the length requested from each splice call, written
	// as a human-readable size ("64MiB", "256 KB").
	// Default: 64MiB
	ChunkSize ByteSize `yaml:"chunk_size"`

	// MoreHint adds SPLICE_F_MORE to every splice call, telling the
	// kernel more data is coming. Useful when upstream writes are small.
	// Default: false
	MoreHint bool `yaml:"more_hint"`
}

// DialConfig governs upstream connection attempts. Durations use Go
// syntax ("500ms", "5s").
type DialConfig struct {
	// Timeout limits each attempt.
	// Default: 5s
	Timeout time.Duration `yaml:"timeout"`

	// Retries is the number of attempts after the first.
	// Default: 3
	Retries int `yaml:"retries"`

	// MinInterval and MaxInterval bound the backoff between attempts.
	// Default: 100ms and 2s
	MinInterval time.Duration `yaml:"min_interval"`
	MaxInterval time.Duration `yaml:"max_interval"`
}

// LogConfig configures the process logger.
type LogConfig struct {
	// Level is debug, info, warn or error.
	// Default: info
	Level string `yaml:"level"`

	// Format is text, json or auto. Auto writes text to a terminal and
	// JSON otherwise.
	// Default: auto
	Format string `yaml:"format"`
}

// ByteSize is a size in bytes that unmarshals from strings such as
// "64MiB" or plain integers.
type ByteSize uint64

// UnmarshalYAML parses the node's scalar value with go-humanize.
func (s *ByteSize) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: size must be a scalar", node.Line)
	}
	parsed, err := humanize.ParseBytes(node.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*s = ByteSize(parsed)
	return nil
}

// String formats the size with IEC units.
func (s ByteSize) String() string {
	return humanize.IBytes(uint64(s))
}

// maxChunkSize keeps the splice length within a positive int32, which
// is what the kernel accepts.
const maxChunkSize = ByteSize(1 << 30)

// Default returns the default configuration.
// These defaults are used as a base before loading the config file.
func Default() *Config {
	return &Config{
		Listen: "127.0.0.1:8642",
		Upstream: UpstreamConfig{
			Network: "unix",
			Address: "/run/splicerelay/upstream.sock",
		},
		Relay: RelayConfig{
			ChunkSize: 64 << 20,
		},
		Dial: DialConfig{
			Timeout:     5 * time.Second,
			Retries:     3,
			MinInterval: 100 * time.Millisecond,
			MaxInterval: 2 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "auto",
		},
	}
}

// Load loads configuration from the SPLICERELAY_CONFIG environment
// variable.
//
// This is the only way to load configuration without an explicit path.
// There are no fallbacks: if SPLICERELAY_CONFIG is not set, this fails.
func Load() (*Config, error) {
	configPath := os.Getenv("SPLICERELAY_CONFIG")
	if configPath == "" {
		return nil, fmt.Errorf("SPLICERELAY_CONFIG environment variable not set; " +
			"set it to the path of your splicerelay.yaml config file, or use --config flag")
	}

	return LoadFile(configPath)
}

// LoadFile loads configuration from a specific file path. Values in the
// file are merged over Default. The only expansion performed is
// ${VAR} and ${VAR:-default} in the listen and upstream addresses.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	cfg.expandVariables()
	return cfg, nil
}

// expandVariables expands ${VAR} and ${VAR:-default} patterns in
// addresses.
func (c *Config) expandVariables() {
	vars := map[string]string{
		"HOME": os.Getenv("HOME"),
	}
	c.Listen = expandVars(c.Listen, vars)
	c.Upstream.Address = expandVars(c.Upstream.Address, vars)
}

// expandVars expands ${VAR} and ${VAR:-default} patterns.
var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

func expandVars(s string, vars map[string]string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}

		name := parts[1]
		defaultValue := ""
		if len(parts) >= 3 {
			defaultValue = parts[2]
		}

		// Check provided vars first, then environment.
		if value, ok := vars[name]; ok && value != "" {
			return value
		}
		if value := os.Getenv(name); value != "" {
			return value
		}
		return defaultValue
	})
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	if c.Listen == "" {
		errs = append(errs, fmt.Errorf("listen is required"))
	}

	if c.Upstream.Network != "unix" && c.Upstream.Network != "tcp" {
		errs = append(errs, fmt.Errorf("upstream.network must be unix or tcp, got %q", c.Upstream.Network))
	}
	if c.Upstream.Address == "" {
		errs = append(errs, fmt.Errorf("upstream.address is required"))
	}

	if c.Relay.ChunkSize == 0 || c.Relay.ChunkSize > maxChunkSize {
		errs = append(errs, fmt.Errorf("relay.chunk_size must be between 1 B and %s, got %s", maxChunkSize, c.Relay.ChunkSize))
	}

	if c.Dial.Timeout < 0 {
		errs = append(errs, fmt.Errorf("dial.timeout must not be negative"))
	}
	if c.Dial.Retries < 0 {
		errs = append(errs, fmt.Errorf("dial.retries must not be negative"))
	}
	if c.Dial.MinInterval < 0 || c.Dial.MaxInterval < c.Dial.MinInterval {
		errs = append(errs, fmt.Errorf("dial intervals must satisfy 0 <= min_interval <= max_interval"))
	}

	if _, err := c.Log.SlogLevel(); err != nil {
		errs = append(errs, err)
	}
	switch c.Log.Format {
	case "auto", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format must be auto, text or json, got %q", c.Log.Format))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// SlogLevel parses Level.
func (l LogConfig) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(l.Level)); err != nil {
		return 0, fmt.Errorf("log.level: %w", err)
	}
	return level, nil
}
