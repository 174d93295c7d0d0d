package main

import (
	"context"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"tiny-rpc/config"
	"tiny-rpc/registry"
)

func runRegistry(c *cli.Context) error {
	cfg, err := loadConfig(c, config.RoleRegistry)
	if err != nil {
		return err
	}
	f, err := cfg.CodecFactory()
	if err != nil {
		return err
	}
	log := logrus.WithField("component", "registry")

	var backend registry.Registry
	switch strings.ToLower(cfg.RegistryBackend) {
	case config.BackendEtcd:
		etcd, err := registry.NewEtcdRegistry(registry.EtcdOptions{
			Endpoints: cfg.EtcdEndpoints,
			LeaseTTL:  cfg.LeaseTTL(),
			Logger:    log,
		})
		if err != nil {
			return err
		}
		defer etcd.Close()
		backend = etcd
	default:
		backend = registry.NewMemoryRegistry(registry.MemoryOptions{LeaseTTL: cfg.LeaseTTL()})
	}

	srv, err := registry.NewServer(backend, registry.ServerOptions{
		Codec:       f,
		Logger:      log,
		ReadTimeout: cfg.ReadTimeout(),
		RateLimit:   cfg.RateLimit,
		RateBurst:   cfg.RateBurst,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe(cfg.RegistryAddress) }()
	log.Infof("Registry on %s, codec %s, backend %s, lease %s",
		cfg.RegistryAddress, cfg.Codec, cfg.RegistryBackend, cfg.LeaseTTL())

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	log.Info("Shutting down registry...")
	return srv.Shutdown(5 * time.Second)
}
