// Command tinyrpc runs the pieces of a tiny-rpc deployment: the registry, a provider exposing
// the demo UserService, and a client calling it.
package main

import (
	"os"

	figure "github.com/common-nighthawk/go-figure"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
)

func main() {
	configFlag := &cli.PathFlag{Name: "config", Aliases: []string{"c"}, Usage: "YAML config file path"}
	codecFlag := &cli.StringFlag{Name: "codec", Usage: "codec tag: native, json, compact-binary or fast-binary"}
	registryFlag := &cli.StringFlag{Name: "registry", Usage: "registry address host:port"}

	// run the registry
	cmdRegistry := &cli.Command{
		Name:  "registry",
		Usage: "run the service registry",
		Flags: []cli.Flag{
			configFlag, codecFlag,
			&cli.StringFlag{Name: "listen", Usage: "address to listen on, overrides registryAddress"},
			&cli.StringFlag{Name: "backend", Usage: "lease table backend: memory or etcd"},
			&cli.StringSliceFlag{Name: "etcd", Usage: "etcd endpoints"},
		},
		Action: runRegistry,
	}
	// run a provider
	cmdServer := &cli.Command{
		Name:  "server",
		Usage: "run a provider exposing UserService",
		Flags: []cli.Flag{
			configFlag, codecFlag, registryFlag,
			&cli.StringFlag{Name: "listen", Usage: "address to serve on, overrides serviceAddress"},
		},
		Action: runServer,
	}
	// run the demo client
	cmdClient := &cli.Command{
		Name:  "client",
		Usage: "call UserService through the registry",
		Flags: []cli.Flag{
			configFlag, codecFlag, registryFlag,
			&cli.IntFlag{Name: "user-id", Value: 1001, Usage: "user id to look up"},
			&cli.IntFlag{Name: "timeout", Usage: "call timeout in milliseconds, overrides callTimeoutMillis"},
		},
		Action: runClient,
	}

	app := &cli.App{
		Name:  "tinyrpc",
		Usage: "a small RPC framework with a service registry",
		Before: func(c *cli.Context) error {
			if c.Args().Present() {
				figure.NewFigure("tiny-rpc", "", true).Print()
			}
			return nil
		},
		Commands: []*cli.Command{
			cmdRegistry,
			cmdServer,
			cmdClient,
		},
	}

	if err := app.Run(os.Args); err != nil {
		logrus.Fatal(err)
	}
}
