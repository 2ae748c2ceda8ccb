// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

// Package config defines the configuration knobs consumed by channels and
// the object lifecycle manager, and loads them from TOML files.
//
// A configuration file looks like:
//
//	router-list = "127.0.0.1:8007; [::1]:8007/edu.berkeley.router"
//	reconnect-delay = 1000      # milliseconds
//	hash-algorithm-default = "sha256"
//	nagle-disable = true
//	discovery-enabled = false
//
//	[params]
//	"swarm.gdp.gob.cache-size" = "512"
//
// Keys that are not set keep their [Default] values. The params table holds
// free-form administrative parameters, see [Config.Param].
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Environment variables that override file settings.
const (
	EnvRouterList     = "GDP_ROUTER_LIST"
	EnvReconnectDelay = "GDP_RECONNECT_DELAY"
)

// DefaultPort is the router port used when an address omits one.
const DefaultPort = 8007

// DefaultReconnectDelay is the pause between reconnection attempts used when
// the configuration does not set one.
const DefaultReconnectDelay = time.Second

// Config holds the recognized configuration settings.
type Config struct {
	// RouterList is a semicolon-separated list of router addresses of the form
	// host[:port][/routername], tried in order.
	RouterList string

	// DefaultPort is used for router addresses without a port.
	DefaultPort int

	// ReconnectDelay is the pause between reconnection attempts.
	ReconnectDelay time.Duration

	// HashAlgorithm names the digest used for new objects.
	HashAlgorithm string

	// NagleDisable disables write batching on router connections.
	NagleDisable bool

	// DiscoveryEnabled prepends locally discovered routers to RouterList.
	DiscoveryEnabled bool

	// Params are free-form administrative parameters.
	Params map[string]string
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		RouterList:     fmt.Sprintf("127.0.0.1:%d", DefaultPort),
		DefaultPort:    DefaultPort,
		ReconnectDelay: DefaultReconnectDelay,
		HashAlgorithm:  "sha256",
		NagleDisable:   true,
	}
}

type fileConfig struct {
	RouterList       string            `toml:"router-list"`
	DefaultPort      int               `toml:"default-port"`
	ReconnectDelayMS int64             `toml:"reconnect-delay"`
	HashAlgorithm    string            `toml:"hash-algorithm-default"`
	NagleDisable     bool              `toml:"nagle-disable"`
	DiscoveryEnabled bool              `toml:"discovery-enabled"`
	Params           map[string]string `toml:"params"`
}

// Load reads the TOML configuration file at path, overlays it on the
// defaults, and applies environment overrides.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config load failed (%s): %w", path, err)
	}
	cfg, err := Parse(string(data))
	if err != nil {
		return Config{}, fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	return cfg, nil
}

// Parse parses TOML configuration text, overlays it on the defaults, and
// applies environment overrides.
func Parse(text string) (Config, error) {
	cfg := Default()

	var raw fileConfig
	meta, err := toml.Decode(text, &raw)
	if err != nil {
		return Config{}, err
	}
	if keys := meta.Undecoded(); len(keys) != 0 {
		return Config{}, fmt.Errorf("unknown config keys: %v", keys)
	}

	if meta.IsDefined("router-list") {
		cfg.RouterList = strings.TrimSpace(raw.RouterList)
	}
	if meta.IsDefined("default-port") {
		if raw.DefaultPort <= 0 || raw.DefaultPort > 65535 {
			return Config{}, fmt.Errorf("invalid default-port %d", raw.DefaultPort)
		}
		cfg.DefaultPort = raw.DefaultPort
	}
	if meta.IsDefined("reconnect-delay") {
		if raw.ReconnectDelayMS < 0 {
			return Config{}, fmt.Errorf("invalid reconnect-delay %d", raw.ReconnectDelayMS)
		}
		cfg.ReconnectDelay = time.Duration(raw.ReconnectDelayMS) * time.Millisecond
	}
	if meta.IsDefined("hash-algorithm-default") {
		cfg.HashAlgorithm = strings.TrimSpace(raw.HashAlgorithm)
	}
	if meta.IsDefined("nagle-disable") {
		cfg.NagleDisable = raw.NagleDisable
	}
	if meta.IsDefined("discovery-enabled") {
		cfg.DiscoveryEnabled = raw.DiscoveryEnabled
	}
	if meta.IsDefined("params") {
		cfg.Params = raw.Params
	}

	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	if v := strings.TrimSpace(os.Getenv(EnvRouterList)); v != "" {
		c.RouterList = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvReconnectDelay)); v != "" {
		ms, err := strconv.ParseInt(v, 10, 64)
		if err != nil || ms < 0 {
			return fmt.Errorf("invalid %s %q", EnvReconnectDelay, v)
		}
		c.ReconnectDelay = time.Duration(ms) * time.Millisecond
	}
	return nil
}

// Param returns the administrative parameter for key, or def if it is not set.
func (c Config) Param(key, def string) string {
	if v, ok := c.Params[key]; ok {
		return v
	}
	return def
}

// IntParam returns the integer value of the administrative parameter for key,
// or def if it is not set or is not an integer.
func (c Config) IntParam(key string, def int) int {
	v, ok := c.Params[key]
	if !ok {
		return def
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return def
	}
	return n
}

// BoolParam returns the Boolean value of the administrative parameter for
// key, or def if it is not set or is not a Boolean.
func (c Config) BoolParam(key string, def bool) bool {
	v, ok := c.Params[key]
	if !ok {
		return def
	}
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	if err != nil {
		return def
	}
	return b
}
