// Package config loads the client's YAML configuration, the way
// uole-nrgo's config.Config models a small typed settings tree loaded from
// disk rather than built up piecemeal from flags.
package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the on-disk configuration for one tunnel client instance.
type Config struct {
	// Listen is the local "host:port" the TCP listener binds to.
	Listen string `yaml:"listen"`
	// Upstream is the "host:port" of the RUDP server this client tunnels to.
	Upstream string `yaml:"upstream"`
	// ReadTimeout bounds how long a multiplexed TCP connection may go
	// without readable bytes before it is torn down. Zero disables it.
	ReadTimeout time.Duration `yaml:"readTimeout"`
	// WriteTimeout bounds a single write to a multiplexed TCP connection.
	// Zero disables it.
	WriteTimeout time.Duration `yaml:"writeTimeout"`
	// StatusListen is the "host:port" the status HTTP API binds to. Empty
	// disables the status API.
	StatusListen string `yaml:"statusListen"`
	// LogLevel is one of "debug", "info", "warn", "error".
	LogLevel string `yaml:"logLevel"`
}

// New returns a Config with the client's defaults.
func New() *Config {
	return &Config{
		Listen:       "127.0.0.1:1080",
		StatusListen: "127.0.0.1:9090",
		LogLevel:     "info",
	}
}

// Load reads and parses the YAML config file at path, starting from New's
// defaults so an on-disk config may omit any field.
func Load(path string) (*Config, error) {
	cfg := New()
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err = yaml.Unmarshal(buf, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
