// Package cli defines the gpu-monitor command tree.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/urfave/cli/v3"

	"github.com/skobkin/gpu-monitor/internal/config"
	"github.com/skobkin/gpu-monitor/internal/logging"
	"github.com/skobkin/gpu-monitor/internal/version"
)

const name = "gpu-monitor"

// session holds what the Before hook resolved for the selected command.
type session struct {
	cfg    config.Config
	logs   *logging.Context
	logger *slog.Logger
}

func (s *session) close() error {
	if s.logs == nil {
		return nil
	}
	return s.logs.Close()
}

// New builds the root command. Running it without a subcommand starts the daemon.
func New() *cli.Command {
	s := &session{}

	return &cli.Command{
		Name:                  name,
		EnableShellCompletion: true,
		Usage:                 "Sample NVIDIA GPU telemetry into a rolling SQLite history",
		Version:               version.Current().Version,
		Description: `gpu-monitor polls nvidia-smi on a fixed interval, keeps a rolling
window of samples in SQLite and publishes two JSON files for dashboards:

  history.json            - the retained window as parallel arrays
  gpu_current_stats.json  - the latest sample and sampler state

Configuration comes from defaults, an optional YAML file and APP_* environment
variables, in that order. A .env file is loaded first when present.`,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "YAML configuration file",
				Sources: cli.EnvVars("APP_CONFIG_FILE"),
			},
			&cli.StringFlag{
				Name:    "env-file",
				Usage:   "dotenv file loaded before configuration",
				Sources: cli.EnvVars("APP_ENV_FILE"),
				Value:   ".env",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "override the configured log level (debug, info, warn, error)",
			},
		},
		Before: func(ctx context.Context, cmd *cli.Command) (context.Context, error) {
			return ctx, s.setup(cmd)
		},
		After: func(_ context.Context, _ *cli.Command) error {
			return s.close()
		},
		Action: func(ctx context.Context, _ *cli.Command) error {
			return runDaemon(ctx, s)
		},
		Commands: []*cli.Command{
			runCmd(s),
			probeCmd(s),
			statusCmd(s),
			trimCmd(s),
			loadgenCmd(s),
			versionCmd(),
		},
	}
}

// Execute runs the command tree against os.Args.
func Execute(ctx context.Context) error {
	return New().Run(ctx, os.Args)
}

func (s *session) setup(cmd *cli.Command) error {
	if cmd.Args().First() == "version" {
		return nil
	}
	if _, err := config.LoadDotEnv(cmd.String("env-file")); err != nil {
		return err
	}

	path := strings.TrimSpace(cmd.String("config"))
	if path == "" {
		path = strings.TrimSpace(os.Getenv("APP_CONFIG_FILE"))
	}
	cfg, err := config.LoadFile(path)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	if raw := cmd.String("log-level"); raw != "" {
		level, err := logging.ParseLevel(raw)
		if err != nil {
			return err
		}
		cfg.Log.Level = level
	}

	logs, err := logging.New(cfg.LoggingOptions())
	if err != nil {
		return err
	}

	s.cfg = cfg
	s.logs = logs
	s.logger = logs.Logger()
	return nil
}

func outputFlag() cli.Flag {
	return &cli.StringFlag{
		Name:    "format",
		Aliases: []string{"f"},
		Usage:   "output format (text, json)",
		Value:   "text",
	}
}

// report prints v as indented JSON or through the text renderer.
func report(cmd *cli.Command, v any, text func(io.Writer) error) error {
	w := cmd.Root().Writer
	if w == nil {
		w = os.Stdout
	}

	switch format := strings.ToLower(cmd.String("format")); format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case "", "text":
		return text(w)
	default:
		return fmt.Errorf("unknown output format: %q", format)
	}
}
