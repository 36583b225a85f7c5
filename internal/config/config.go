/*---------------------------------------------------------------------------------------------
 *  Copyright (c) the dbgpmuxd authors. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

// Package config loads and validates the daemon configuration.
package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// DefaultListenAddress is where engines connect unless configured
	// otherwise. 9000 is the conventional DBGP port.
	DefaultListenAddress = "127.0.0.1:9000"

	// DefaultHandshakeTimeout bounds the DBGP init handshake.
	DefaultHandshakeTimeout = 30 * time.Second
)

// Config is the daemon configuration, read from a YAML file and overridable
// from the command line.
type Config struct {
	// ListenAddress is the TCP address engines attach to.
	ListenAddress string `yaml:"listen_address"`

	// ScriptRegex restricts debugging to scripts whose file URI matches.
	// Empty accepts every script.
	ScriptRegex string `yaml:"script_regex"`

	// IDEKeyRegex restricts debugging to engines whose IDE key matches.
	// Empty accepts every key.
	IDEKeyRegex string `yaml:"idekey_regex"`

	// EndDebugWhenNoRequests ends the session when the last connection goes
	// away even while still accepting new ones.
	EndDebugWhenNoRequests bool `yaml:"end_debug_when_no_requests"`

	// HandshakeTimeout is a duration string ("30s", "1m") bounding the DBGP
	// init handshake.
	HandshakeTimeout string `yaml:"handshake_timeout"`

	// Warmup configures the optional warm-up process.
	Warmup WarmupConfig `yaml:"warmup"`

	scriptRegex      *regexp.Regexp
	ideKeyRegex      *regexp.Regexp
	handshakeTimeout time.Duration
}

// WarmupConfig describes the process spawned to force the remote runtime to
// initialize before the first real request.
type WarmupConfig struct {
	// Command is the argv of the warm-up process. Empty disables warm-up.
	Command []string `yaml:"command"`
}

// Default returns the configuration used when no file and no flags are given.
func Default() *Config {
	return &Config{
		ListenAddress:    DefaultListenAddress,
		handshakeTimeout: DefaultHandshakeTimeout,
	}
}

// Load reads a YAML configuration file on top of the defaults and validates
// the result.
func Load(path string) (*Config, error) {
	data, readErr := os.ReadFile(path)
	if readErr != nil {
		return nil, fmt.Errorf("failed to read configuration file: %w", readErr)
	}

	cfg := Default()
	if unmarshalErr := yaml.Unmarshal(data, cfg); unmarshalErr != nil {
		return nil, fmt.Errorf("failed to parse configuration file %s: %w", path, unmarshalErr)
	}

	if validateErr := cfg.Validate(); validateErr != nil {
		return nil, validateErr
	}
	return cfg, nil
}

// Validate checks the configuration and compiles its patterns. Must be
// called before the compiled accessors are used.
func (c *Config) Validate() error {
	if c.ListenAddress == "" {
		return fmt.Errorf("listen_address must not be empty")
	}

	if c.ScriptRegex != "" {
		compiled, compileErr := regexp.Compile(c.ScriptRegex)
		if compileErr != nil {
			return fmt.Errorf("invalid script_regex: %w", compileErr)
		}
		c.scriptRegex = compiled
	} else {
		c.scriptRegex = nil
	}

	if c.IDEKeyRegex != "" {
		compiled, compileErr := regexp.Compile(c.IDEKeyRegex)
		if compileErr != nil {
			return fmt.Errorf("invalid idekey_regex: %w", compileErr)
		}
		c.ideKeyRegex = compiled
	} else {
		c.ideKeyRegex = nil
	}

	if c.HandshakeTimeout != "" {
		timeout, parseErr := time.ParseDuration(c.HandshakeTimeout)
		if parseErr != nil {
			return fmt.Errorf("invalid handshake_timeout: %w", parseErr)
		}
		if timeout <= 0 {
			return fmt.Errorf("handshake_timeout must be positive")
		}
		c.handshakeTimeout = timeout
	} else if c.handshakeTimeout == 0 {
		c.handshakeTimeout = DefaultHandshakeTimeout
	}

	return nil
}

// CompiledScriptRegex returns the compiled script filter, or nil when no
// filter is configured.
func (c *Config) CompiledScriptRegex() *regexp.Regexp {
	return c.scriptRegex
}

// CompiledIDEKeyRegex returns the compiled IDE key filter, or nil when no
// filter is configured.
func (c *Config) CompiledIDEKeyRegex() *regexp.Regexp {
	return c.ideKeyRegex
}

// ParsedHandshakeTimeout returns the handshake timeout as a duration.
func (c *Config) ParsedHandshakeTimeout() time.Duration {
	return c.handshakeTimeout
}
