// Package config loads the client configuration from YAML.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/1ureka/steamcm/internal/protocol"
)

// DefaultPort is the well-known UDP port CM servers listen on.
const DefaultPort = 27017

// DefaultServers is the built-in CM candidate list.
var DefaultServers = []string{
	"68.142.64.164", "68.142.64.165",
	"68.142.91.34", "68.142.91.35", "68.142.91.36",
	"68.142.116.178", "68.142.116.179",
	"69.28.145.170", "69.28.145.171", "69.28.145.172",
	"69.28.156.250",
	"72.165.61.185", "72.165.61.186", "72.165.61.187", "72.165.61.188",
	"208.111.133.84", "208.111.133.85",
	"208.111.158.52", "208.111.158.53",
	"208.111.171.82", "208.111.171.83",
}

// Config stores every client parameter. Zero values are filled by Default.
type Config struct {
	Servers          []string          `yaml:"servers"`
	Port             int               `yaml:"port"`
	LocalAddr        string            `yaml:"local_addr"`
	DiscoveryTimeout time.Duration     `yaml:"discovery_timeout"`
	ConnectTimeout   time.Duration     `yaml:"connect_timeout"`
	AccountType      string            `yaml:"account_type"`
	CachePath        string            `yaml:"cache_path"`
	MetricsAddr      string            `yaml:"metrics_addr"`
	UniverseKeys     map[string]string `yaml:"universe_keys"`
	Debug            bool              `yaml:"debug"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Servers:          append([]string(nil), DefaultServers...),
		Port:             DefaultPort,
		LocalAddr:        ":0",
		DiscoveryTimeout: 5 * time.Second,
		ConnectTimeout:   10 * time.Second,
		AccountType:      protocol.AccountTypeAnonUser.String(),
	}
}

// Load reads path over the defaults.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, cfg.Validate()
}

// Validate checks ranges and names.
func (c Config) Validate() error {
	var errs []error

	if c.Port < 1 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range 1~65535", c.Port))
	}
	if len(c.Servers) == 0 {
		errs = append(errs, errors.New("no servers configured"))
	}
	if c.DiscoveryTimeout <= 0 {
		errs = append(errs, errors.New("discovery_timeout must be positive"))
	}
	if c.ConnectTimeout <= 0 {
		errs = append(errs, errors.New("connect_timeout must be positive"))
	}
	if _, err := protocol.ParseAccountType(c.AccountType); err != nil {
		errs = append(errs, err)
	}
	for name := range c.UniverseKeys {
		if _, err := protocol.ParseUniverse(name); err != nil {
			errs = append(errs, fmt.Errorf("universe_keys: %w", err))
		}
	}

	return errors.Join(errs...)
}

// Addresses returns the servers as host:port, applying Port to entries
// without one.
func (c Config) Addresses() []string {
	out := make([]string, 0, len(c.Servers))
	for _, s := range c.Servers {
		if _, _, err := net.SplitHostPort(s); err == nil {
			out = append(out, s)
			continue
		}
		out = append(out, net.JoinHostPort(s, strconv.Itoa(c.Port)))
	}
	return out
}

// Account returns the parsed account type.
func (c Config) Account() protocol.AccountType {
	a, err := protocol.ParseAccountType(c.AccountType)
	if err != nil {
		return protocol.AccountTypeAnonUser
	}
	return a
}
