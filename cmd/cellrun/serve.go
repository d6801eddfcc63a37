package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/seantiz/cellrun/internal/api"
	"github.com/seantiz/cellrun/internal/engine"
	"github.com/seantiz/cellrun/internal/store"
)

const engineCloseTimeout = 15 * time.Second

var serveCmd = &cli.Command{
	Name:  "serve",
	Usage: "Start the HTTP API",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:    "listen",
			Usage:   "Address to listen on",
			Aliases: []string{"l"},
		},
		&cli.StringFlag{
			Name:  "db",
			Usage: "Path to the SQLite execution history",
		},
		&cli.StringFlag{
			Name:  "isolation",
			Usage: "Backend isolation: auto, vsock, process or inprocess",
		},
		&cli.BoolFlag{
			Name:  "eager",
			Usage: "Initialize the interpreter before accepting requests",
		},
	},
	Action: func(ctx context.Context, cmd *cli.Command) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return cli.Exit(err, 1)
		}
		if v := cmd.String("listen"); v != "" {
			cfg.ListenAddr = v
		}
		if v := cmd.String("db"); v != "" {
			cfg.DBPath = v
		}
		if err := applyIsolation(&cfg, cmd); err != nil {
			return cli.Exit(err, 1)
		}

		logger := newLogger(os.Stdout, cfg)
		logger.Info("cellrun: starting",
			"version", Version,
			"listen_addr", cfg.ListenAddr,
			"db_path", cfg.DBPath,
			"isolation", cfg.Isolation,
		)

		db, err := store.NewSQLiteStore(cfg.DBPath)
		if err != nil {
			return cli.Exit(fmt.Errorf("failed to open database: %w", err), 1)
		}
		defer db.Close()

		reg := newRegistry(cfg, logger)
		eng := engine.New(reg,
			engine.WithIsolation(cfg.Isolation),
			engine.WithPackages(cfg.Packages),
			engine.WithStore(db),
			engine.WithLogger(logger),
		)
		defer func() {
			closeCtx, cancel := context.WithTimeout(context.Background(), engineCloseTimeout)
			defer cancel()
			if err := eng.Close(closeCtx); err != nil {
				logger.Error("close engine", "error", err)
			}
		}()

		if cmd.Bool("eager") {
			// A failed start is reported on /v1/engine and recovered by reset.
			if _, err := eng.Initialize(ctx, nil); err != nil {
				logger.Error("initialize engine", "error", err)
			}
		}

		srv := api.NewServer(cfg.ListenAddr, db, reg, eng, logger)
		if err := srv.Run(ctx); err != nil {
			return cli.Exit(fmt.Errorf("server error: %w", err), 1)
		}
		return nil
	},
}
