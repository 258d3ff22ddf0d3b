// ABOUTME: Configuration loading for the fake echo agent
// ABOUTME: Loads TOML config with environment variable expansion

package main

import (
	"fmt"
	"net"
	"os"
	"regexp"
	"strings"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Agent AgentConfig `toml:"agent"`
	Relay RelayConfig `toml:"relay"`
}

type AgentConfig struct {
	ID   string `toml:"id"`
	Role string `toml:"role"`
	Bind string `toml:"bind"`
}

type RelayConfig struct {
	Address string `toml:"address"`
}

// loadConfig reads config from the given path, expanding environment variables.
func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables (${VAR} syntax)
	expanded := expandEnvVars(string(data))

	var cfg Config
	if _, err := toml.Decode(expanded, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR} with environment variable values.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)
	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := strings.TrimSuffix(strings.TrimPrefix(match, "${"), "}")
		return os.Getenv(varName)
	})
}

func (c *Config) applyDefaults() {
	if c.Agent.Role == "" {
		c.Agent.Role = "worker"
	}
	if c.Agent.Bind == "" {
		c.Agent.Bind = "127.0.0.1:7421"
	}
}

// Validate checks that required config fields are present and valid.
func (c *Config) Validate() error {
	if c.Agent.ID == "" {
		return fmt.Errorf("agent.id is required")
	}
	if _, _, err := net.SplitHostPort(c.Agent.Bind); err != nil {
		return fmt.Errorf("agent.bind must be host:port: %w", err)
	}
	if c.Relay.Address == "" {
		return fmt.Errorf("relay.address is required")
	}
	if _, _, err := net.SplitHostPort(c.Relay.Address); err != nil {
		return fmt.Errorf("relay.address must be host:port: %w", err)
	}
	return nil
}
