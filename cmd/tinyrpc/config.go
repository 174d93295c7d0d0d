package main

import (
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"tiny-rpc/config"
)

// loadConfig reads --config when given, applies the command-line overrides and validates the
// result for role. It also sets the log level.
func loadConfig(c *cli.Context, role config.Role) (*config.Config, error) {
	cfg := config.Default()
	if path := c.Path("config"); path != "" {
		var err error
		if cfg, err = config.Load(path); err != nil {
			return nil, err
		}
	}

	if v := c.String("codec"); v != "" {
		cfg.Codec = v
	}
	if v := c.String("registry"); v != "" {
		cfg.RegistryAddress = v
	}
	if v := c.String("listen"); v != "" {
		switch role {
		case config.RoleRegistry:
			cfg.RegistryAddress = v
		case config.RoleServer:
			cfg.ServiceAddress = v
		}
	}
	if v := c.String("backend"); v != "" {
		cfg.RegistryBackend = v
	}
	if v := c.StringSlice("etcd"); len(v) > 0 {
		cfg.EtcdEndpoints = v
	}
	if v := c.Int("timeout"); v > 0 {
		cfg.CallTimeoutMillis = v
	}

	if err := cfg.Validate(role); err != nil {
		return nil, err
	}
	logrus.SetLevel(cfg.Level())
	return cfg, nil
}
