package cli

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/skobkin/gpu-monitor/internal/app"
	"github.com/skobkin/gpu-monitor/internal/loadgen"
	"github.com/skobkin/gpu-monitor/internal/snapshot"
	"github.com/skobkin/gpu-monitor/internal/version"
)

func runDaemon(ctx context.Context, s *session) error {
	s.logger.Info("starting",
		"name", name,
		"version", version.Current().Version,
		"store", s.cfg.StorePath,
		"interval", s.cfg.SampleInterval)
	return app.Run(ctx, s.logger, s.cfg, app.Options{})
}

func runCmd(s *session) *cli.Command {
	return &cli.Command{
		Name:  "run",
		Usage: "Run the sampling daemon (default)",
		Description: `Resolve nvidia-smi, open the history store and sample until SIGINT or
SIGTERM. Each tick stores one sample, refreshes history.json and rewrites the
status file. Compaction runs on its own schedule inside the same process.`,
		Action: func(ctx context.Context, _ *cli.Command) error {
			return runDaemon(ctx, s)
		},
	}
}

func probeCmd(s *session) *cli.Command {
	return &cli.Command{
		Name:  "probe",
		Usage: "Locate nvidia-smi and take one sample",
		Description: `Walk the nvidia-smi probe order (explicit path, $PATH, native install
locations, WSL locations), report which one matched and print a single
sanitized sample. Nothing is written to the store.`,
		Flags: []cli.Flag{outputFlag()},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			rep, err := app.Probe(ctx, s.logger, s.cfg, nil)
			if err != nil {
				return err
			}
			return report(cmd, rep, func(w io.Writer) error {
				_, err := fmt.Fprintf(w, "nvidia-smi: %s (probe %s)\n", rep.Resolution.Path, rep.Resolution.Probe)
				if err != nil {
					return err
				}
				if rep.GPU.Name != "" {
					fmt.Fprintf(w, "gpu:         %s %s\n", rep.GPU.Name, rep.GPU.PCI)
				}
				fmt.Fprintf(w, "temperature: %.0f C\n", rep.Sample.Temperature)
				fmt.Fprintf(w, "utilization: %.0f %%\n", rep.Sample.Utilization)
				fmt.Fprintf(w, "memory:      %.0f MiB\n", rep.Sample.Memory)
				if p := rep.Sample.PowerWatts(); p != nil {
					fmt.Fprintf(w, "power:       %.2f W\n", *p)
				} else {
					fmt.Fprintln(w, "power:       unavailable")
				}
				for _, proc := range rep.Processes {
					fmt.Fprintf(w, "process:     %d %s\n", proc.PID, proc.Name)
				}
				return nil
			})
		},
	}
}

func statusCmd(s *session) *cli.Command {
	return &cli.Command{
		Name:  "status",
		Usage: "Print the daemon status file",
		Description: `Read gpu_current_stats.json, waiting up to the configured grace period
for it to appear. Exits non-zero when no valid status file shows up, which
makes it usable as a container health check.`,
		Flags: []cli.Flag{
			outputFlag(),
			&cli.DurationFlag{
				Name:  "poll",
				Usage: "interval between status file reads",
				Value: 5 * time.Second,
			},
			&cli.DurationFlag{
				Name:  "max-age",
				Usage: "fail when the status is older than this (0 disables)",
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			st, err := app.Status(ctx, s.cfg, cmd.Duration("poll"))
			if err != nil {
				return err
			}
			if maxAge := cmd.Duration("max-age"); maxAge > 0 {
				if age := time.Since(st.UpdatedAt); age > maxAge {
					return fmt.Errorf("status is stale: updated %s ago", age.Round(time.Second))
				}
			}
			return report(cmd, st, func(w io.Writer) error {
				return printStatus(w, st)
			})
		},
	}
}

func printStatus(w io.Writer, st snapshot.Status) error {
	power := "unavailable"
	if st.Power != nil {
		power = fmt.Sprintf("%.2f W", *st.Power)
	}
	_, err := fmt.Fprintf(w, "%s state=%s stored=%t pending=%d temp=%.0fC util=%.0f%% mem=%.0fMiB power=%s\n",
		st.Timestamp, st.State, st.Stored, st.Pending, st.Temperature, st.Utilization, st.Memory, power)
	if err != nil {
		return err
	}
	if st.LastError != "" {
		_, err = fmt.Fprintf(w, "last error: %s\n", st.LastError)
	}
	return err
}

func trimCmd(s *session) *cli.Command {
	return &cli.Command{
		Name:  "trim",
		Usage: "Prune expired samples and reclaim space now",
		Description: `Run one forced compaction against the configured store: delete samples
older than the retention horizon, then vacuum and truncate the WAL.
Safe to run while the daemon is active.`,
		Flags: []cli.Flag{outputFlag()},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			rep, err := app.Trim(ctx, s.logger, s.cfg)
			if err != nil {
				return err
			}
			return report(cmd, rep, func(w io.Writer) error {
				_, err := fmt.Fprintf(w, "rows: %d -> %d (deleted %d)\nsize: %d -> %d bytes\nelapsed: %s\n",
					rep.RowsBefore, rep.RowsAfter, rep.Result.Deleted,
					rep.Result.Before.TotalBytes(), rep.Result.After.TotalBytes(),
					rep.Elapsed.Round(time.Millisecond))
				if err == nil && rep.Result.SkipReason != "" {
					_, err = fmt.Fprintf(w, "reclaim skipped: %s\n", rep.Result.SkipReason)
				}
				return err
			})
		},
	}
}

func loadgenCmd(s *session) *cli.Command {
	return &cli.Command{
		Name:  "loadgen",
		Usage: "Fill the store with synthetic history",
		Description: `Generate realistic multi-day telemetry (idle baselines, gaming sessions,
overnight mining runs) and insert it in batches. Useful for sizing the
store and exercising compaction.

  gpu-monitor loadgen --span 168h --batch 5000`,
		Flags: []cli.Flag{
			outputFlag(),
			&cli.DurationFlag{
				Name:  "span",
				Usage: "length of history to generate, ending now",
				Value: 3 * 24 * time.Hour,
			},
			&cli.DurationFlag{
				Name:  "interval",
				Usage: "spacing between generated samples",
				Value: loadgen.DefaultInterval,
			},
			&cli.IntFlag{
				Name:  "batch",
				Usage: "samples per insert transaction",
				Value: loadgen.DefaultBatchSize,
			},
			&cli.IntFlag{
				Name:  "seed",
				Usage: "random seed (0 picks one from the clock)",
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			seed := uint64(cmd.Int("seed"))
			if seed == 0 {
				seed = uint64(time.Now().UnixNano())
			}
			res, err := app.LoadGen(ctx, s.logger, s.cfg, loadgen.Options{
				Span:      cmd.Duration("span"),
				Interval:  cmd.Duration("interval"),
				BatchSize: int(cmd.Int("batch")),
				Seed:      seed,
			})
			if err != nil {
				return err
			}
			return report(cmd, res, func(w io.Writer) error {
				_, err := fmt.Fprintf(w, "inserted %d samples in %d batches (%.0f/s)\n",
					res.Samples, res.Batches, res.RatePerSecond())
				return err
			})
		},
	}
}

func versionCmd() *cli.Command {
	return &cli.Command{
		Name:  "version",
		Usage: "Print build information",
		Action: func(_ context.Context, cmd *cli.Command) error {
			w := cmd.Root().Writer
			_, err := fmt.Fprintf(w, "%s %s\n", name, version.Current())
			return err
		},
	}
}
