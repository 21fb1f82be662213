// Package config loads the emulator's YAML configuration.
package config

import (
	"crypto/rand"
	"fmt"
	"net"
	"net/netip"
	"os"

	"gopkg.in/yaml.v3"
)

// Backend names accepted in the config file.
const (
	BackendTAP     = "tap"
	BackendUsernet = "usernet"
	BackendNone    = "none"
)

// Config is the top-level configuration.
type Config struct {
	// Socket is the unix socket path the monitor attaches through.
	Socket string `yaml:"socket"`
	// MAC is the device's ethernet address. Empty picks a random
	// locally-administered address.
	MAC string `yaml:"mac,omitempty"`
	// ITR preloads the interrupt throttle register, in 256ns units.
	ITR uint16 `yaml:"itr,omitempty"`

	Backend BackendConfig `yaml:"backend"`

	// Pcap enables frame capture to the given file.
	Pcap string `yaml:"pcap,omitempty"`
	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level,omitempty"`
}

// BackendConfig selects and configures the host packet path.
type BackendConfig struct {
	// Type is tap, usernet or none.
	Type string `yaml:"type"`
	// Tap is the TAP interface name (tap backend).
	Tap string `yaml:"tap,omitempty"`
	// Gateway overrides the usernet gateway address.
	Gateway string `yaml:"gateway,omitempty"`
	// DisableDNS turns off the usernet resolver.
	DisableDNS bool `yaml:"disable_dns,omitempty"`
}

// Default returns the built-in configuration: usernet backend, no
// capture, info logging.
func Default() Config {
	return Config{
		Socket:   "nicemu.sock",
		Backend:  BackendConfig{Type: BackendUsernet},
		LogLevel: "info",
	}
}

// Load reads and validates a config file, applying defaults for
// anything unset.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks field values without touching the host system.
func (c *Config) Validate() error {
	if c.Socket == "" {
		return fmt.Errorf("socket path is required")
	}
	if c.MAC != "" {
		if _, err := net.ParseMAC(c.MAC); err != nil {
			return fmt.Errorf("mac: %w", err)
		}
	}
	switch c.Backend.Type {
	case BackendTAP:
		if c.Backend.Tap == "" {
			return fmt.Errorf("backend: tap requires an interface name")
		}
	case BackendUsernet, BackendNone:
	default:
		return fmt.Errorf("backend: unknown type %q", c.Backend.Type)
	}
	if c.Backend.Gateway != "" {
		addr, err := netip.ParseAddr(c.Backend.Gateway)
		if err != nil {
			return fmt.Errorf("backend gateway: %w", err)
		}
		if !addr.Is4() {
			return fmt.Errorf("backend gateway: %s is not IPv4", addr)
		}
	}
	switch c.LogLevel {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log level %q", c.LogLevel)
	}
	return nil
}

// HardwareAddr returns the configured MAC, or a random
// locally-administered one when unset.
func (c *Config) HardwareAddr() (net.HardwareAddr, error) {
	if c.MAC != "" {
		return net.ParseMAC(c.MAC)
	}
	mac := make(net.HardwareAddr, 6)
	if _, err := rand.Read(mac); err != nil {
		return nil, err
	}
	mac[0] = mac[0]&0xfe | 0x02 // locally administered, unicast
	return mac, nil
}
