// Command cellrun serves the stateful interpreter engine over HTTP and runs
// one-off snippets from the command line.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v3"
)

// Version is set during build using ldflags
var Version = "dev"

func newApp() *cli.Command {
	return &cli.Command{
		Name:    "cellrun",
		Version: Version,
		Usage:   "Run code cells against a persistent, isolated interpreter",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Usage:   "Path to TOML configuration file (overrides CELLRUN_CONFIG)",
				Aliases: []string{"c"},
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "Log level: debug, info, warn or error",
			},
		},
		Commands: []*cli.Command{
			serveCmd,
			execCmd,
			versionCmd,
		},
	}
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newApp().Run(ctx, os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
