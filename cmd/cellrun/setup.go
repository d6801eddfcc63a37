package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/urfave/cli/v3"

	"github.com/seantiz/cellrun/internal/backend"
	"github.com/seantiz/cellrun/internal/backend/inprocess"
	"github.com/seantiz/cellrun/internal/backend/isolated"
	"github.com/seantiz/cellrun/internal/config"
	"github.com/seantiz/cellrun/internal/microvm"
	"github.com/seantiz/cellrun/internal/model"
	"github.com/seantiz/cellrun/internal/session"
)

// loadConfig loads configuration and applies the flags shared by every
// command. Command flags are applied by the caller.
func loadConfig(cmd *cli.Command) (config.Config, error) {
	if path := cmd.String("config"); path != "" {
		os.Setenv("CELLRUN_CONFIG", path)
	}
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, fmt.Errorf("load config: %w", err)
	}
	if level := cmd.String("log-level"); level != "" {
		cfg.LogLevel = config.ParseLogLevel(level)
	}
	return cfg, nil
}

// applyIsolation overrides the configured isolation when the flag is set.
func applyIsolation(cfg *config.Config, cmd *cli.Command) error {
	if !cmd.IsSet("isolation") {
		return nil
	}
	mode := strings.ToLower(cmd.String("isolation"))
	if !model.ValidIsolation(mode) {
		return fmt.Errorf("unknown isolation %q", mode)
	}
	cfg.Isolation = mode
	return cfg.Validate()
}

// newRegistry registers every backend the configuration can reach. The vsock
// backend is only available when a guest is configured, and the firecracker
// backend only when its images verify.
func newRegistry(cfg config.Config, logger *slog.Logger) *backend.Registry {
	reg := backend.NewRegistry()

	if cfg.FirecrackerEnabled() {
		launcher, err := microvm.New(cfg.MicroVMConfig(), logger)
		if err != nil {
			logger.Warn("firecracker backend unavailable", "error", err)
		} else {
			reg.Register(model.IsolationFirecracker, func() backend.Backend {
				return isolated.New(model.IsolationFirecracker, launcher, cfg.SessionConfig(), logger)
			})
		}
	}

	if cfg.VsockEnabled() {
		reg.Register(model.IsolationVsock, func() backend.Backend {
			return isolated.New(model.IsolationVsock, &session.VsockLauncher{
				CID:     cfg.VsockCID,
				Port:    cfg.VsockPort,
				UDSPath: cfg.VsockUDS,
				Logger:  logger,
			}, cfg.SessionConfig(), logger)
		})
	}

	reg.Register(model.IsolationProcess, func() backend.Backend {
		return isolated.New(model.IsolationProcess, &session.ProcessLauncher{
			Python: cfg.Python,
			Logger: logger,
		}, cfg.SessionConfig(), logger)
	})

	reg.Register(model.IsolationInProcess, func() backend.Backend {
		return inprocess.New(cfg.CallTimeout, logger)
	})

	return reg
}

func newLogger(w io.Writer, cfg config.Config) *slog.Logger {
	return config.NewLogger(w, cfg.LogLevel, cfg.LogFormat)
}
