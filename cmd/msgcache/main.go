package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v3"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cmd := &cli.Command{
		Name:  "msgcache",
		Usage: "Local message cache and content-type pipeline for WhatsApp",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Sources: cli.EnvVars("MSGCACHE_CONFIG"),
				Usage:   "JSON or YAML config file",
			},
			&cli.StringFlag{
				Name:  "store-path",
				Usage: "Directory holding the cache and session databases",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "DEBUG, INFO, WARN or ERROR",
			},
		},
		Commands: []*cli.Command{
			runCommand(),
			pairCommand(),
			demoCommand(),
			reprocessCommand(),
			clearCommand(),
			statsCommand(),
		},
	}
	if err := cmd.Run(ctx, os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
