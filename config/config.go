// Package config loads the options of a registry, server or client instance from YAML.
package config

import (
	"bytes"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"tiny-rpc/codec"
	"tiny-rpc/rpcerr"
)

// Role selects which options Validate requires.
type Role string

const (
	RoleRegistry Role = "registry"
	RoleServer   Role = "server"
	RoleClient   Role = "client"
)

// Registry backends.
const (
	BackendMemory = "memory"
	BackendEtcd   = "etcd"
)

const (
	DefaultCodec                    = codec.NameNative
	DefaultHeartbeatIntervalSeconds = 10
	DefaultLeaseTTLSeconds          = 30
	DefaultReadTimeoutMillis        = 5000
)

type Config struct {
	Codec                    string `yaml:"codec"`
	RegistryAddress          string `yaml:"registryAddress"`
	ServiceAddress           string `yaml:"serviceAddress"`
	HeartbeatIntervalSeconds int    `yaml:"heartbeatIntervalSeconds"`
	LeaseTTLSeconds          int    `yaml:"leaseTtlSeconds"`
	// CallTimeoutMillis has no default; client and server must set it.
	CallTimeoutMillis int `yaml:"callTimeoutMillis"`

	RegistryBackend     string   `yaml:"registryBackend"`
	EtcdEndpoints       []string `yaml:"etcdEndpoints"`
	RateLimit           float64  `yaml:"rateLimit"`
	RateBurst           int      `yaml:"rateBurst"`
	HandleTimeoutMillis int      `yaml:"handleTimeoutMillis"`
	// ReadTimeoutMillis bounds how long an accepted connection may take to send its frame.
	ReadTimeoutMillis int    `yaml:"readTimeoutMillis"`
	LogLevel          string `yaml:"logLevel"`
}

// Default returns a config with every defaulted option set.
func Default() *Config {
	return &Config{
		Codec:                    DefaultCodec,
		HeartbeatIntervalSeconds: DefaultHeartbeatIntervalSeconds,
		LeaseTTLSeconds:          DefaultLeaseTTLSeconds,
		ReadTimeoutMillis:        DefaultReadTimeoutMillis,
		RegistryBackend:          BackendMemory,
		LogLevel:                 "info",
	}
}

// Load reads a YAML file on top of Default.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, rpcerr.Wrap(rpcerr.KindConfiguration, err, "read config")
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, errors.Wrap(err, path)
	}
	return cfg, nil
}

// Parse decodes YAML bytes on top of Default. Unknown keys are rejected; an empty document
// yields the defaults.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, rpcerr.Wrap(rpcerr.KindConfiguration, err, "parse config")
	}
	return cfg, nil
}

// Validate checks the options role needs and returns a ConfigurationError naming the first
// problem found.
func (c *Config) Validate(role Role) error {
	if _, err := codec.NewRegistry().Lookup(c.Codec); err != nil {
		return err
	}
	if c.HeartbeatIntervalSeconds <= 0 {
		return invalid("heartbeatIntervalSeconds must be positive, got %d", c.HeartbeatIntervalSeconds)
	}
	if c.LeaseTTLSeconds <= 0 {
		return invalid("leaseTtlSeconds must be positive, got %d", c.LeaseTTLSeconds)
	}
	if c.HeartbeatIntervalSeconds >= c.LeaseTTLSeconds {
		logrus.Warnf("heartbeatIntervalSeconds (%d) is not below leaseTtlSeconds (%d): instances will flap",
			c.HeartbeatIntervalSeconds, c.LeaseTTLSeconds)
	}
	if c.RateLimit < 0 || c.RateBurst < 0 || c.HandleTimeoutMillis < 0 {
		return invalid("rateLimit, rateBurst and handleTimeoutMillis must not be negative")
	}
	if c.ReadTimeoutMillis <= 0 && role != RoleClient {
		return invalid("readTimeoutMillis must be positive, got %d", c.ReadTimeoutMillis)
	}
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return invalid("logLevel: %v", err)
	}

	switch role {
	case RoleRegistry:
		if err := checkAddress("registryAddress", c.RegistryAddress); err != nil {
			return err
		}
		switch strings.ToLower(c.RegistryBackend) {
		case BackendMemory:
		case BackendEtcd:
			if len(c.EtcdEndpoints) == 0 {
				return invalid("registryBackend etcd needs etcdEndpoints")
			}
		default:
			return invalid("unknown registryBackend %q", c.RegistryBackend)
		}
	case RoleServer:
		if err := checkAddress("serviceAddress", c.ServiceAddress); err != nil {
			return err
		}
		if err := checkAddress("registryAddress", c.RegistryAddress); err != nil {
			return err
		}
		if c.CallTimeoutMillis <= 0 {
			return invalid("callTimeoutMillis is required")
		}
	case RoleClient:
		if err := checkAddress("registryAddress", c.RegistryAddress); err != nil {
			return err
		}
		if c.CallTimeoutMillis <= 0 {
			return invalid("callTimeoutMillis is required")
		}
	default:
		return invalid("unknown role %q", role)
	}
	return nil
}

func (c *Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatIntervalSeconds) * time.Second
}

func (c *Config) LeaseTTL() time.Duration {
	return time.Duration(c.LeaseTTLSeconds) * time.Second
}

func (c *Config) CallTimeout() time.Duration {
	return time.Duration(c.CallTimeoutMillis) * time.Millisecond
}

func (c *Config) ReadTimeout() time.Duration {
	return time.Duration(c.ReadTimeoutMillis) * time.Millisecond
}

func (c *Config) HandleTimeout() time.Duration {
	return time.Duration(c.HandleTimeoutMillis) * time.Millisecond
}

// CodecFactory resolves the configured codec tag.
func (c *Config) CodecFactory() (codec.Factory, error) {
	return codec.NewRegistry().Lookup(c.Codec)
}

// Level returns the configured log level, info when unset or malformed.
func (c *Config) Level() logrus.Level {
	lvl, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return logrus.InfoLevel
	}
	return lvl
}

func checkAddress(key, addr string) error {
	if addr == "" {
		return invalid("%s is required", key)
	}
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return rpcerr.Wrap(rpcerr.KindConfiguration, err, "%s %q", key, addr)
	}
	if host == "" {
		return invalid("%s %q has no host", key, addr)
	}
	if p, err := strconv.Atoi(port); err != nil || p <= 0 || p > 65535 {
		return invalid("%s %q has a bad port", key, addr)
	}
	return nil
}

func invalid(format string, args ...any) error {
	return rpcerr.New(rpcerr.KindConfiguration, format, args...)
}
