package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/skobkin/gpu-monitor/internal/config"
	"github.com/skobkin/gpu-monitor/internal/gpu"
	"github.com/skobkin/gpu-monitor/internal/loadgen"
	"github.com/skobkin/gpu-monitor/internal/retention"
	"github.com/skobkin/gpu-monitor/internal/sampler"
	"github.com/skobkin/gpu-monitor/internal/smi"
	"github.com/skobkin/gpu-monitor/internal/snapshot"
	"github.com/skobkin/gpu-monitor/internal/store"
)

// ProbeReport is what the probe command prints.
type ProbeReport struct {
	Resolution smi.Resolution `json:"resolution"`
	GPU        gpu.Info       `json:"gpu"`
	Sample     sampler.Sample `json:"sample"`
	Raw        smi.RawReading `json:"-"`
	Processes  []smi.Process  `json:"processes"`
}

// Probe resolves nvidia-smi and takes one sanitized sample without
// touching the store.
func Probe(ctx context.Context, logger *slog.Logger, cfg config.Config, probes []smi.Probe) (ProbeReport, error) {
	source, err := newSource(cfg, probes, logger)
	if err != nil {
		return ProbeReport{}, err
	}

	raw, err := source.Acquire(ctx)
	if err != nil {
		return ProbeReport{}, err
	}

	report := ProbeReport{
		Resolution: source.Resolution(),
		GPU:        describeGPU(ctx, cfg, source, logger),
		Sample:     sampler.Sanitize(raw, time.Now()),
		Raw:        raw,
	}
	if procs, err := source.Processes(ctx); err == nil {
		report.Processes = procs
	}
	return report, nil
}

// TrimReport is what the trim command prints.
type TrimReport struct {
	RowsBefore int64            `json:"rows_before"`
	RowsAfter  int64            `json:"rows_after"`
	Result     retention.Result `json:"result"`
	Elapsed    time.Duration    `json:"elapsed"`
}

// Trim runs one forced compaction against the configured store.
func Trim(ctx context.Context, logger *slog.Logger, cfg config.Config) (TrimReport, error) {
	st, err := store.Open(ctx, cfg.StorePath, logger)
	if err != nil {
		return TrimReport{}, err
	}
	defer st.Close()

	compactor, err := retention.NewCompactor(st, retention.Options{
		Horizon:             cfg.Retention,
		MinReclaimGap:       cfg.ReclaimMinGap,
		ReclaimMinFreeBytes: cfg.ReclaimMinFreeBytes,
	}, logger)
	if err != nil {
		return TrimReport{}, fmt.Errorf("init compactor: %w", err)
	}

	var report TrimReport
	if report.RowsBefore, err = st.Count(ctx); err != nil {
		return TrimReport{}, fmt.Errorf("count rows: %w", err)
	}

	start := time.Now()
	report.Result, err = compactor.Compact(ctx, time.Now(), true)
	report.Elapsed = time.Since(start)
	if err != nil {
		return report, err
	}

	if report.RowsAfter, err = st.Count(ctx); err != nil {
		return report, fmt.Errorf("count rows: %w", err)
	}
	return report, nil
}

// LoadGen fills the configured store with synthetic history.
func LoadGen(ctx context.Context, logger *slog.Logger, cfg config.Config, opts loadgen.Options) (loadgen.Result, error) {
	st, err := store.Open(ctx, cfg.StorePath, logger)
	if err != nil {
		return loadgen.Result{}, err
	}
	defer st.Close()

	return loadgen.Load(ctx, st, opts, logger)
}

// Status waits for a valid status file within the configured grace period.
func Status(ctx context.Context, cfg config.Config, poll time.Duration) (snapshot.Status, error) {
	return snapshot.WaitForStatus(ctx, cfg.StatusPath, cfg.StatusGrace, poll)
}
