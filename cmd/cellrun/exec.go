package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/seantiz/cellrun/internal/config"
	"github.com/seantiz/cellrun/internal/engine"
)

var errGuestFailed = errors.New("code raised an error")

var execCmd = &cli.Command{
	Name:      "exec",
	Usage:     "Run one snippet and print its result",
	ArgsUsage: "[file|-]",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  "isolation",
			Usage: "Backend isolation: auto, vsock, process or inprocess",
		},
		&cli.BoolFlag{
			Name:  "raw",
			Usage: "Run the code verbatim, without the capture harness",
		},
		&cli.StringFlag{
			Name:  "packages",
			Usage: "Comma-separated packages to make available first",
		},
	},
	Action: func(ctx context.Context, cmd *cli.Command) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return cli.Exit(err, 1)
		}
		if err := applyIsolation(&cfg, cmd); err != nil {
			return cli.Exit(err, 1)
		}
		if cmd.IsSet("packages") {
			cfg.Packages = config.ParsePackages(cmd.String("packages"))
		}

		code, err := readSource(cmd.Args().First(), cmd.Root().Reader)
		if err != nil {
			return cli.Exit(err, 1)
		}

		// Progress logs go to stderr so stdout holds only the result.
		logger := newLogger(cmd.Root().ErrWriter, cfg)
		eng := engine.New(newRegistry(cfg, logger),
			engine.WithIsolation(cfg.Isolation),
			engine.WithPackages(cfg.Packages),
			engine.WithLogger(logger),
		)
		defer eng.Close(context.Background())

		ready, err := eng.Initialize(ctx, nil)
		if err != nil {
			return cli.Exit(fmt.Errorf("initialize: %w", err), 1)
		}
		if len(ready.Failed) > 0 {
			fmt.Fprintf(cmd.Root().ErrWriter, "warning: packages unavailable: %v\n", ready.Failed)
		}

		res, err := eng.Execute(ctx, code, !cmd.Bool("raw"))
		if err != nil {
			return cli.Exit(fmt.Errorf("execute: %w", err), 1)
		}

		out := cmd.Root().Writer
		if res.Text != "" {
			fmt.Fprintln(out, res.Text)
		}
		for i, img := range res.Images {
			fmt.Fprintf(out, "[image %d: %d bytes base64 PNG]\n", i+1, len(img))
		}
		if res.Error != "" {
			fmt.Fprintln(cmd.Root().ErrWriter, res.Error)
			return cli.Exit(errGuestFailed, 2)
		}
		return nil
	},
}

// readSource reads code from path, or from stdin when path is "" or "-".
func readSource(path string, stdin io.Reader) (string, error) {
	if path == "" || path == "-" {
		if stdin == nil {
			stdin = os.Stdin
		}
		data, err := io.ReadAll(stdin)
		if err != nil {
			return "", fmt.Errorf("read stdin: %w", err)
		}
		return string(data), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read source: %w", err)
	}
	return string(data), nil
}
