package main

import (
	"context"

	"github.com/fatih/color"
	"github.com/urfave/cli/v2"

	"tiny-rpc/client"
	"tiny-rpc/config"
	"tiny-rpc/example/userservice"
	"tiny-rpc/registry"
)

func runClient(c *cli.Context) error {
	cfg, err := loadConfig(c, config.RoleClient)
	if err != nil {
		return err
	}
	f, err := cfg.CodecFactory()
	if err != nil {
		return err
	}
	reg, err := registry.NewClient(cfg.RegistryAddress, registry.ClientOptions{
		Codec:   f,
		Timeout: cfg.CallTimeout(),
	})
	if err != nil {
		return err
	}
	rpc, err := client.New(client.Options{
		Resolver:    reg,
		Codec:       f,
		CallTimeout: cfg.CallTimeout(),
	})
	if err != nil {
		return err
	}
	users := userservice.NewClient(rpc)

	ctx := context.Background()
	id := int32(c.Int("user-id"))
	color.Cyan("codec %s, registry %s", cfg.Codec, cfg.RegistryAddress)

	failed := 0
	report := func(call string, v any, err error) {
		if err != nil {
			failed++
			color.Red("%-22s %v", call, err)
			return
		}
		color.Green("%-22s %v", call, v)
	}

	name, err := users.GetUserName(ctx, id)
	report("GetUserName", name, err)
	created, err := users.CreateUser(ctx, "zhangsan", 25)
	report("CreateUser", created, err)
	info, err := users.GetUserInfo(ctx, id)
	report("GetUserInfo", info, err)

	if failed > 0 {
		return cli.Exit(color.RedString("%d of 3 calls failed", failed), 1)
	}
	return nil
}
