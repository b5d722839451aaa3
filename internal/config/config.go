// Package config loads the optional wssocks YAML configuration file.
// Command-line flags override anything set here.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/wssocks/wssocks/internal/portpool"
)

// ReverseToken declares a reverse proxy endpoint in the config file.
type ReverseToken struct {
	Token    string `yaml:"token"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// Config mirrors the wssocks.yaml layout.
type Config struct {
	WSHost       string  `yaml:"ws_host"`
	WSPort       int     `yaml:"ws_port"`
	SocksHost    string  `yaml:"socks_host"`
	PortRange    string  `yaml:"port_range"` // "lo-hi", half-open
	Ports        []int   `yaml:"ports"`      // explicit set; takes precedence over port_range
	WaitClient   *bool   `yaml:"wait_client"`
	GraceSeconds float64 `yaml:"grace_seconds"`
	LogLevel     string  `yaml:"log_level"`
	MetricsAddr  string  `yaml:"metrics_addr"`

	ReverseTokens []ReverseToken `yaml:"reverse_tokens"`
	ForwardTokens []string       `yaml:"forward_tokens"`
}

// Load reads a config file. Returns nil, nil if the file doesn't exist.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return &cfg, nil
}

// PortPool builds the SOCKS5 port pool from the explicit port set or the
// range string. An empty config selects the default 1024-10240 range.
func (c *Config) PortPool() (*portpool.Pool, error) {
	if c != nil && len(c.Ports) > 0 {
		return portpool.New(c.Ports), nil
	}
	spec := "1024-10240"
	if c != nil && c.PortRange != "" {
		spec = c.PortRange
	}
	lo, hi, err := ParsePortRange(spec)
	if err != nil {
		return nil, err
	}
	return portpool.NewRange(lo, hi), nil
}

// ParsePortRange parses "lo-hi" into a half-open interval.
func ParsePortRange(spec string) (lo, hi int, err error) {
	parts := strings.SplitN(spec, "-", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid port range %q: want lo-hi", spec)
	}
	lo, err = strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil {
		return 0, 0, fmt.Errorf("invalid port range %q: %w", spec, err)
	}
	hi, err = strconv.Atoi(strings.TrimSpace(parts[1]))
	if err != nil {
		return 0, 0, fmt.Errorf("invalid port range %q: %w", spec, err)
	}
	if lo <= 0 || hi <= lo || hi > 65536 {
		return 0, 0, fmt.Errorf("invalid port range %q", spec)
	}
	return lo, hi, nil
}
