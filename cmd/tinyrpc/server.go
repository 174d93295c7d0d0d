package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofrs/flock"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"tiny-rpc/config"
	"tiny-rpc/example/userservice"
	"tiny-rpc/registry"
	"tiny-rpc/server"
)

func runServer(c *cli.Context) error {
	cfg, err := loadConfig(c, config.RoleServer)
	if err != nil {
		return err
	}

	if path := c.Path("config"); path != "" {
		fl := flock.New(path)
		if locked, _ := fl.TryLock(); !locked {
			return errors.New("Unable to lock the config file," +
				" make sure there isn't another instance running.")
		}
		defer func() {
			_ = fl.Unlock()
		}()
	}

	f, err := cfg.CodecFactory()
	if err != nil {
		return err
	}
	host, port, err := server.SplitHostPort(cfg.ServiceAddress)
	if err != nil {
		return err
	}

	srv, err := server.NewServer(server.Options{
		Codec:         f,
		HandleTimeout: cfg.HandleTimeout(),
		ReadTimeout:   cfg.ReadTimeout(),
		RateLimit:     cfg.RateLimit,
		RateBurst:     cfg.RateBurst,
	})
	if err != nil {
		return err
	}
	log := logrus.WithFields(logrus.Fields{"component": "provider", "instance": srv.InstanceID()})
	if err := srv.Register(&userservice.ServiceDesc, &userservice.Impl{Logger: log}); err != nil {
		return err
	}
	reg, err := registry.NewClient(cfg.RegistryAddress, registry.ClientOptions{
		Codec:   f,
		Timeout: cfg.CallTimeout(),
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe(cfg.ServiceAddress) }()

	// Announce only once the listener is up, so discovered instances are reachable.
	for srv.Addr() == nil {
		select {
		case err := <-errc:
			return err
		case <-time.After(10 * time.Millisecond):
		}
	}
	if err := srv.Announce(context.Background(), reg, host, port, cfg.HeartbeatInterval()); err != nil {
		return err
	}
	log.Infof("Serving %v on %s, registry %s, codec %s", srv.Services(), cfg.ServiceAddress, cfg.RegistryAddress, cfg.Codec)

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	log.Info("Shutting down provider...")
	return srv.Shutdown(5 * time.Second)
}
