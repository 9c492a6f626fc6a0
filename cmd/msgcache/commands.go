package main

import (
	"context"
	"fmt"
	"os"
	"sort"

	"github.com/urfave/cli/v3"

	"msgcache/internal/app"
	"msgcache/internal/infra/config"
)

// openApp loads the configuration, applies the global flags and opens the
// cache.
func openApp(ctx context.Context, cmd *cli.Command) (*app.App, error) {
	return openAppAt(ctx, cmd, cmd.String("store-path"))
}

func openAppAt(ctx context.Context, cmd *cli.Command, storePath string) (*app.App, error) {
	cfg, err := config.Load(cmd.String("config"))
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if storePath != "" {
		cfg.StorePath = storePath
	}
	if v := cmd.String("log-level"); v != "" {
		cfg.LogLevel = v
	}
	return app.New(ctx, cfg)
}

func runCommand() *cli.Command {
	return &cli.Command{
		Name:  "run",
		Usage: "Connect to WhatsApp and keep the cache in sync",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			a, err := openApp(ctx, cmd)
			if err != nil {
				return err
			}
			defer a.Close()
			return a.Run(ctx)
		},
	}
}

func pairCommand() *cli.Command {
	return &cli.Command{
		Name:  "pair",
		Usage: "Link this device to a WhatsApp account",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "qr-file",
				Usage: "Also write each QR code to this PNG file",
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			a, err := openApp(ctx, cmd)
			if err != nil {
				return err
			}
			defer a.Close()
			return a.Pair(ctx, os.Stdout, cmd.String("qr-file"))
		},
	}
}

func demoCommand() *cli.Command {
	return &cli.Command{
		Name:  "demo",
		Usage: "Exchange messages on an in-memory network and print the cache",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			dir := cmd.String("store-path")
			if dir == "" {
				tmp, err := os.MkdirTemp("", "msgcache-demo-")
				if err != nil {
					return err
				}
				defer os.RemoveAll(tmp)
				dir = tmp
			}
			a, err := openAppAt(ctx, cmd, dir)
			if err != nil {
				return err
			}
			defer a.Close()
			return a.RunDemo(ctx, os.Stdout)
		},
	}
}

func reprocessCommand() *cli.Command {
	return &cli.Command{
		Name:  "reprocess",
		Usage: "Decode and process cached messages that were stored undecoded",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			a, err := openApp(ctx, cmd)
			if err != nil {
				return err
			}
			defer a.Close()
			client, err := a.AttachWhatsApp(ctx)
			if err != nil {
				return err
			}
			n, err := a.Pipeline.ProcessUnprocessed(ctx, client)
			fmt.Printf("Reprocessed %d messages\n", n)
			return err
		},
	}
}

func clearCommand() *cli.Command {
	return &cli.Command{
		Name:  "clear",
		Usage: "Delete every cached record",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			a, err := openApp(ctx, cmd)
			if err != nil {
				return err
			}
			defer a.Close()
			return a.SyncService.ClearCache(ctx)
		},
	}
}

func statsCommand() *cli.Command {
	return &cli.Command{
		Name:  "stats",
		Usage: "Print row counts per cache table",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			a, err := openApp(ctx, cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			stats, err := a.Store.Stats(ctx)
			if err != nil {
				return err
			}
			tables := make([]string, 0, len(stats))
			for t := range stats {
				tables = append(tables, t)
			}
			sort.Strings(tables)
			fmt.Printf("Schema version %d at %s\n", a.Store.Version(), a.Store.Path())
			for _, t := range tables {
				fmt.Printf("  %-14s %d\n", t, stats[t])
			}
			return nil
		},
	}
}
