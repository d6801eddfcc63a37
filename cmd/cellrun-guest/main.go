// Command cellrun-guest runs inside a microVM. It listens on vsock and bridges
// each host connection to a fresh session worker over stdio.
//
// Build with: CGO_ENABLED=0 GOOS=linux GOARCH=amd64 go build -o cellrun-guest ./cmd/cellrun-guest
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/mdlayher/vsock"
	"github.com/urfave/cli/v3"

	"github.com/seantiz/cellrun/internal/config"
	"github.com/seantiz/cellrun/internal/guest"
	"github.com/seantiz/cellrun/internal/session"
)

// Version is set during build using ldflags
var Version = "dev"

func main() {
	app := &cli.Command{
		Name:    "cellrun-guest",
		Version: Version,
		Usage:   "Relay vsock connections to session workers",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "port",
				Usage: "vsock port to listen on",
				Value: strconv.FormatUint(uint64(session.DefaultVsockPort), 10),
			},
			&cli.StringFlag{
				Name:  "python",
				Usage: "Interpreter used for session workers",
				Value: session.DefaultPython,
			},
			&cli.StringFlag{
				Name:  "workdir",
				Usage: "Working directory for session workers",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "Log level: debug, info, warn or error",
				Value: "info",
			},
		},
		Action: run,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := app.Run(ctx, os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cmd *cli.Command) error {
	logger := config.NewLogger(os.Stderr, config.ParseLogLevel(cmd.String("log-level")), config.FormatJSON)
	guest.SetupInit(logger)

	port64, err := strconv.ParseUint(cmd.String("port"), 10, 32)
	if err != nil {
		return cli.Exit(fmt.Errorf("invalid port %q: %w", cmd.String("port"), err), 1)
	}
	port := uint32(port64)

	l, err := vsock.Listen(port, nil)
	if err != nil {
		return fmt.Errorf("vsock listen on port %d: %w", port, err)
	}

	logger.Info("cellrun-guest listening", "port", port, "version", Version)

	agent := guest.New(l, &session.ProcessLauncher{
		Python:  cmd.String("python"),
		WorkDir: cmd.String("workdir"),
		Logger:  logger,
	}, logger)

	go func() {
		<-ctx.Done()
		agent.Close()
	}()

	if err := agent.Serve(); err != nil {
		return fmt.Errorf("serve: %w", err)
	}
	return nil
}
