// Package config loads the server configuration from an optional YAML file.
package config

import (
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Config holds every tunable of the server. Zero values are replaced with
// defaults by Load.
type Config struct {
	// Addr is the listen address for HTTP/WebSocket clients. When TCPAddr is
	// empty, raw TCP clients are accepted on the same port.
	Addr    string `yaml:"addr"`
	TCPAddr string `yaml:"tcp_addr"`

	WSPath     string `yaml:"ws_path"`
	CORSOrigin string `yaml:"cors_origin"`

	PingInterval time.Duration `yaml:"ping_interval"`
	PingTimeout  time.Duration `yaml:"ping_timeout"`
	SniffTimeout time.Duration `yaml:"sniff_timeout"`

	OutgoingBuffer int `yaml:"outgoing_buffer"`
	MaxFrameBytes  int `yaml:"max_frame_bytes"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Addr:           ":3001",
		WSPath:         "/ws",
		CORSOrigin:     "*",
		PingInterval:   25 * time.Second,
		PingTimeout:    60 * time.Second,
		SniffTimeout:   500 * time.Millisecond,
		OutgoingBuffer: 16,
		MaxFrameBytes:  1 << 20,
		LogLevel:       "info",
		LogFormat:      "console",
	}
}

// Load reads the YAML file at path over the defaults. An empty path returns
// the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.Wrap(err, "read config")
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, errors.Wrapf(err, "parse config %s", path)
	}
	cfg.norm()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// norm fills fields an explicit empty YAML value cleared.
func (c *Config) norm() {
	d := Default()
	if c.Addr == "" {
		c.Addr = d.Addr
	}
	if c.WSPath == "" {
		c.WSPath = d.WSPath
	}
	if c.CORSOrigin == "" {
		c.CORSOrigin = d.CORSOrigin
	}
	if c.PingInterval <= 0 {
		c.PingInterval = d.PingInterval
	}
	if c.PingTimeout <= 0 {
		c.PingTimeout = d.PingTimeout
	}
	if c.SniffTimeout <= 0 {
		c.SniffTimeout = d.SniffTimeout
	}
	if c.OutgoingBuffer <= 0 {
		c.OutgoingBuffer = d.OutgoingBuffer
	}
	if c.MaxFrameBytes <= 0 {
		c.MaxFrameBytes = d.MaxFrameBytes
	}
	if c.LogLevel == "" {
		c.LogLevel = d.LogLevel
	}
	if c.LogFormat == "" {
		c.LogFormat = d.LogFormat
	}
}

// Validate reports configuration values the server cannot run with.
func (c Config) Validate() error {
	if !strings.HasPrefix(c.WSPath, "/") {
		return errors.Errorf("ws_path %q must start with /", c.WSPath)
	}
	if c.TCPAddr != "" && c.TCPAddr == c.Addr {
		return errors.Errorf("tcp_addr %q must differ from addr", c.TCPAddr)
	}
	switch c.LogFormat {
	case "console", "json":
	default:
		return errors.Errorf("log_format %q must be console or json", c.LogFormat)
	}
	return nil
}

// IdleTimeout is how long a WebSocket connection may stay silent before it
// is treated as gone.
func (c Config) IdleTimeout() time.Duration {
	return c.PingInterval + c.PingTimeout
}
