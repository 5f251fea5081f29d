// Package config provides configuration parsing and validation for the
// whisp SSH dispatch server.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete server configuration.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Apps    AppsConfig    `yaml:"apps"`
	Logging LoggingConfig `yaml:"logging"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// ServerConfig contains the SSH transport's own settings. The listen
// address itself is owned by the embedding program; it is
// kept here only so the demonstration command (cmd/whispd) has somewhere
// to read it from.
type ServerConfig struct {
	// ListenAddress is the address the demonstration listener binds to.
	ListenAddress string `yaml:"listen_address"`

	// HostKeyDir is the directory holding ssh_host_key / ssh_host_key.pub.
	// Defaults to "$HOME/.whisp-<name>/" if empty.
	HostKeyDir string `yaml:"host_key_dir"`

	// InactivityTimeout disconnects a connection idle for this long.
	// Default 60s.
	InactivityTimeout time.Duration `yaml:"inactivity_timeout"`

	// DefaultMaxPacketSize is used until a channel's CHANNEL_OPEN sets its
	// own max_packet_size. Default 1 MiB.
	DefaultMaxPacketSize uint32 `yaml:"default_max_packet_size"`

	// MaxParseFailures is the number of tolerated framing/parse errors
	// before the connection is torn down. Default 4.
	MaxParseFailures int `yaml:"max_parse_failures"`

	// MaxInputBuffer bounds the unparsed input buffer. Default
	// 1 MiB.
	MaxInputBuffer int `yaml:"max_input_buffer"`
}

// AppsConfig configures the app registry the embedding program builds;
// this struct only carries the directory the demonstration command scans
// and an inline set of named/parameterized entries for tests and small
// deployments.
type AppsConfig struct {
	// Dir is scanned for executables; each file becomes an app named after
	// itself (auto-discovery, owned by the embedder).
	Dir string `yaml:"dir"`

	// Entries lists additional apps explicitly, including parameterized
	// patterns such as "chat-{room}".
	Entries []AppEntry `yaml:"entries"`
}

// AppEntry is one registry row: a pattern (exact name or "{param}"
// template) mapped to a command and its fixed arguments.
type AppEntry struct {
	Pattern string   `yaml:"pattern"`
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`
}

// LoggingConfig controls the structured logger.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// MetricsConfig controls the Prometheus metrics registry.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// Default returns a Config populated with sane defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddress:        ":2222",
			InactivityTimeout:    60 * time.Second,
			DefaultMaxPacketSize: 1 << 20,
			MaxParseFailures:     4,
			MaxInputBuffer:       1 << 20,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
	}
}

// Load reads and parses configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	return Parse(data)
}

// Parse parses configuration from YAML bytes, expanding ${VAR} /
// ${VAR:-default} environment references before unmarshaling, and applying
// defaults for anything left unset.
func Parse(data []byte) (*Config, error) {
	expanded := expandEnvVars(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// envVarRegex matches ${VAR}, ${VAR:-default}, or $VAR patterns.
var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

func expandEnvVars(s string) string {
	return envVarRegex.ReplaceAllStringFunc(s, func(match string) string {
		var name string
		if strings.HasPrefix(match, "${") {
			name = match[2 : len(match)-1]
		} else {
			name = match[1:]
		}

		if idx := strings.Index(name, ":-"); idx != -1 {
			varName := name[:idx]
			defaultVal := name[idx+2:]
			if val, ok := os.LookupEnv(varName); ok {
				return val
			}
			return defaultVal
		}

		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		return match
	})
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	var errs []string

	if c.Server.InactivityTimeout <= 0 {
		errs = append(errs, "server.inactivity_timeout must be positive")
	}
	if c.Server.DefaultMaxPacketSize == 0 {
		errs = append(errs, "server.default_max_packet_size must be positive")
	}
	if c.Server.MaxParseFailures <= 0 {
		errs = append(errs, "server.max_parse_failures must be positive")
	}
	if !isValidLogLevel(c.Logging.Level) {
		errs = append(errs, fmt.Sprintf("invalid logging.level: %s", c.Logging.Level))
	}
	if !isValidLogFormat(c.Logging.Format) {
		errs = append(errs, fmt.Sprintf("invalid logging.format: %s", c.Logging.Format))
	}

	seen := make(map[string]bool)
	for _, e := range c.Apps.Entries {
		if e.Pattern == "" {
			errs = append(errs, "apps.entries: pattern must not be empty")
			continue
		}
		if seen[e.Pattern] {
			errs = append(errs, fmt.Sprintf("apps.entries: duplicate pattern %q", e.Pattern))
		}
		seen[e.Pattern] = true
		if e.Command == "" {
			errs = append(errs, fmt.Sprintf("apps.entries[%s]: command must not be empty", e.Pattern))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func isValidLogLevel(level string) bool {
	switch strings.ToLower(level) {
	case "debug", "info", "warn", "warning", "error":
		return true
	}
	return false
}

func isValidLogFormat(format string) bool {
	switch strings.ToLower(format) {
	case "text", "json":
		return true
	}
	return false
}
