// Package config loads the slipbridge process configuration.
//
// Settings come from an optional YAML file and are then overridden by
// command line flags. Anything invalid is reported as a *ConfigError before
// the reactor starts.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/netip"
	"os"
	"strconv"
	"strings"

	"github.com/tinyrange/slipbridge/internal/bridge"
	"github.com/tinyrange/slipbridge/internal/slirp"
	"github.com/tinyrange/slipbridge/internal/transport"
	"gopkg.in/yaml.v3"
)

// Link modes.
const (
	ModeListen  = "listen"
	ModeConnect = "connect"
)

// Config is the on-disk configuration.
type Config struct {
	Mode     string  `yaml:"mode"`
	Endpoint string  `yaml:"endpoint,omitempty"`
	Network  Network `yaml:"network"`

	DisableHostAccess bool     `yaml:"disable_host_access,omitempty"`
	Forwards          []string `yaml:"forwards,omitempty"`

	Debug      bool   `yaml:"debug,omitempty"`
	Capture    string `yaml:"capture,omitempty"`
	StatusAddr string `yaml:"status_addr,omitempty"`
	Library    string `yaml:"library,omitempty"`
}

// Network is the virtual network layout.
type Network struct {
	Subnet    string `yaml:"subnet"`
	Gateway   string `yaml:"gateway"`
	DHCPStart string `yaml:"dhcp_start"`
	DNS       string `yaml:"dns"`
}

// ConfigError is a fatal configuration problem.
type ConfigError struct {
	Field string
	Value string
	Err   error
}

func (e *ConfigError) Error() string {
	if e.Value == "" {
		return fmt.Sprintf("config: %s: %v", e.Field, e.Err)
	}
	return fmt.Sprintf("config: %s %q: %v", e.Field, e.Value, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

var (
	errMissingColon = errors.New("expected HOST_PORT:GUEST_PORT")
	errPortRange    = errors.New("port must be between 1 and 65535")
)

// Default dials the default endpoint with the stock network layout.
func Default() Config {
	sc := slirp.DefaultConfig()
	return Config{
		Mode: ModeConnect,
		Network: Network{
			Subnet:    sc.Network.String(),
			Gateway:   sc.Gateway.String(),
			DHCPStart: sc.DHCPStart.String(),
			DNS:       sc.DNS.String(),
		},
	}
}

// Load reads a YAML file on top of Default. Unknown keys are rejected.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, &ConfigError{Field: "file", Value: path, Err: err}
	}
	return Parse(data)
}

// Parse decodes YAML on top of Default.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, &ConfigError{Field: "file", Err: err}
	}
	cfg.normalize()
	return cfg, nil
}

func (c *Config) normalize() {
	def := Default()
	if c.Mode == "" {
		c.Mode = def.Mode
	}
	if c.Network.Subnet == "" {
		c.Network.Subnet = def.Network.Subnet
	}
	if c.Network.Gateway == "" {
		c.Network.Gateway = def.Network.Gateway
	}
	if c.Network.DHCPStart == "" {
		c.Network.DHCPStart = def.Network.DHCPStart
	}
	if c.Network.DNS == "" {
		c.Network.DNS = def.Network.DNS
	}
}

// ParseForward parses HOST_PORT:GUEST_PORT with an optional /udp suffix.
// Both ports are decimal and in 1..65535.
func ParseForward(s string) (bridge.Forward, error) {
	ports, udp := strings.CutSuffix(s, "/udp")
	hostStr, guestStr, ok := strings.Cut(ports, ":")
	if !ok {
		return bridge.Forward{}, &ConfigError{Field: "forward", Value: s, Err: errMissingColon}
	}
	host, err := parsePort(hostStr)
	if err != nil {
		return bridge.Forward{}, &ConfigError{Field: "forward", Value: s, Err: fmt.Errorf("host port: %w", err)}
	}
	guest, err := parsePort(guestStr)
	if err != nil {
		return bridge.Forward{}, &ConfigError{Field: "forward", Value: s, Err: fmt.Errorf("guest port: %w", err)}
	}
	return bridge.Forward{HostPort: host, GuestPort: guest, UDP: udp}, nil
}

func parsePort(s string) (uint16, error) {
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		var numErr *strconv.NumError
		if errors.As(err, &numErr) && errors.Is(numErr.Err, strconv.ErrRange) {
			return 0, errPortRange
		}
		return 0, fmt.Errorf("invalid number %q", s)
	}
	if v < 1 || v > 65535 {
		return 0, errPortRange
	}
	return uint16(v), nil
}

// Validate checks every field without building anything.
func (c Config) Validate() error {
	switch c.Mode {
	case ModeListen, ModeConnect:
	default:
		return &ConfigError{Field: "mode", Value: c.Mode, Err: errors.New("must be listen or connect")}
	}
	if _, err := c.TransportEndpoint(); err != nil {
		return err
	}
	if _, err := c.BridgeConfig(); err != nil {
		return err
	}
	return nil
}

// Listen reports whether the process waits for the guest to connect.
func (c Config) Listen() bool { return c.Mode == ModeListen }

// TransportEndpoint parses Endpoint.
func (c Config) TransportEndpoint() (transport.Endpoint, error) {
	ep, err := transport.ParseEndpoint(c.Endpoint)
	if err != nil {
		return transport.Endpoint{}, &ConfigError{Field: "endpoint", Value: c.Endpoint, Err: err}
	}
	return ep, nil
}

// SlirpConfig builds the stack configuration.
func (c Config) SlirpConfig() (slirp.Config, error) {
	sc := slirp.Config{
		DisableHostLoopback: c.DisableHostAccess,
		Library:             c.Library,
	}
	var err error
	if sc.Network, err = netip.ParsePrefix(c.Network.Subnet); err != nil {
		return slirp.Config{}, &ConfigError{Field: "network.subnet", Value: c.Network.Subnet, Err: err}
	}
	sc.Network = sc.Network.Masked()
	for _, a := range []struct {
		field string
		value string
		dst   *netip.Addr
	}{
		{"network.gateway", c.Network.Gateway, &sc.Gateway},
		{"network.dhcp_start", c.Network.DHCPStart, &sc.DHCPStart},
		{"network.dns", c.Network.DNS, &sc.DNS},
	} {
		addr, err := netip.ParseAddr(a.value)
		if err != nil {
			return slirp.Config{}, &ConfigError{Field: a.field, Value: a.value, Err: err}
		}
		*a.dst = addr
	}
	if err := sc.Validate(); err != nil {
		return slirp.Config{}, &ConfigError{Field: "network", Err: err}
	}
	return sc, nil
}

// BridgeConfig builds the bridge configuration including port forwards.
func (c Config) BridgeConfig() (bridge.Config, error) {
	sc, err := c.SlirpConfig()
	if err != nil {
		return bridge.Config{}, err
	}
	bc := bridge.Config{Slirp: sc}
	for _, s := range c.Forwards {
		f, err := ParseForward(s)
		if err != nil {
			return bridge.Config{}, err
		}
		bc.Forwards = append(bc.Forwards, f)
	}
	return bc, nil
}
