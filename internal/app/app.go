// Package app wires up and runs the application services.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/skobkin/gpu-monitor/internal/config"
	"github.com/skobkin/gpu-monitor/internal/gpu"
	"github.com/skobkin/gpu-monitor/internal/httpserver"
	"github.com/skobkin/gpu-monitor/internal/retention"
	"github.com/skobkin/gpu-monitor/internal/sampler"
	"github.com/skobkin/gpu-monitor/internal/smi"
	"github.com/skobkin/gpu-monitor/internal/snapshot"
	"github.com/skobkin/gpu-monitor/internal/store"
	"github.com/skobkin/gpu-monitor/internal/telemetry"
	"github.com/skobkin/gpu-monitor/internal/version"
)

const (
	shutdownTimeout = 10 * time.Second
	identityTimeout = 10 * time.Second
)

// Notifier reports lifecycle to a supervisor.
type Notifier interface {
	Notify(state string) error
	WatchdogInterval() time.Duration
}

type systemdNotifier struct{}

func (systemdNotifier) Notify(state string) error {
	_, err := daemon.SdNotify(false, state)
	return err
}

func (systemdNotifier) WatchdogInterval() time.Duration {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		return 0
	}
	return interval
}

// Options tune Run for embedding and tests.
type Options struct {
	Notifier Notifier
	// Probes overrides the nvidia-smi discovery order.
	Probes []smi.Probe
}

// Run bootstraps the daemon and blocks until ctx is canceled or a service
// fails. Startup errors (unresolvable nvidia-smi, store corruption) are
// returned before anything runs.
func Run(ctx context.Context, logger *slog.Logger, cfg config.Config, opts Options) error {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Notifier == nil {
		opts.Notifier = systemdNotifier{}
	}
	appLogger := logger.With("component", "app")

	source, err := newSource(cfg, opts.Probes, logger)
	if err != nil {
		return err
	}

	st, err := store.Open(ctx, cfg.StorePath, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := st.Close(); err != nil {
			appLogger.Warn("store close", "err", err)
		}
	}()

	info := describeGPU(ctx, cfg, source, logger)
	instanceID := uuid.NewString()
	appLogger.Info("starting",
		"instance_id", instanceID,
		"version", version.Current().Version,
		"gpu", info.Name,
		"store", cfg.StorePath,
		"snapshot", cfg.SnapshotPath,
	)

	metrics := telemetry.New(telemetry.Options{Runtime: true})

	exporter, err := snapshot.NewExporter(st, snapshot.Options{
		SnapshotPath: cfg.SnapshotPath,
		StatusPath:   cfg.StatusPath,
		Horizon:      cfg.Retention,
		Meta: snapshot.Meta{
			InstanceID: instanceID,
			Version:    version.Current().Version,
			SMIPath:    source.Resolution().Path,
			GPU:        &info,
		},
	}, logger)
	if err != nil {
		return fmt.Errorf("init exporter: %w", err)
	}

	compactor, err := retention.NewCompactor(st, retention.Options{
		Horizon:             cfg.Retention,
		Interval:            cfg.CompactInterval,
		MinReclaimGap:       cfg.ReclaimMinGap,
		ReclaimMinFreeBytes: cfg.ReclaimMinFreeBytes,
		Recorder:            metrics,
	}, logger)
	if err != nil {
		return fmt.Errorf("init compactor: %w", err)
	}

	manager, err := sampler.NewManager(source, st, exporter, sampler.Options{
		Interval:      cfg.SampleInterval,
		AppendTimeout: cfg.AppendTimeout,
		PendingLimit:  cfg.PendingLimit,
		ExportEvery:   cfg.ExportEvery,
		CompactEvery:  CompactEveryTicks(cfg),
		Compactor:     compactor,
		Processes:     source,
		Recorder:      metrics,
	}, logger)
	if err != nil {
		return fmt.Errorf("init sampler: %w", err)
	}
	metrics.MustRegister(telemetry.NewSampleCollector(manager, info.Name, nil))

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return manager.Run(gctx) })
	g.Go(func() error { return compactor.Run(gctx) })
	g.Go(func() error {
		return superviseTicks(gctx, manager, metrics, st, cfg, opts.Notifier, appLogger)
	})

	if cfg.SocketPath != "" {
		srv := httpserver.New(cfg, httpserver.Deps{
			Sampler: manager,
			History: exporter,
			Metrics: metrics.Handler(),
			GPU:     &info,
		}, logger)
		metrics.MustRegister(srv.Collectors()...)

		appLogger.Info("starting control socket", "path", cfg.SocketPath)
		g.Go(srv.Start)
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("control socket shutdown: %w", err)
			}
			return nil
		})
	}

	<-gctx.Done()
	appLogger.Info("shutdown initiated", "reason", context.Cause(gctx))
	if err := opts.Notifier.Notify(daemon.SdNotifyStopping); err != nil {
		appLogger.Debug("supervisor notify failed", "err", err)
	}

	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	appLogger.Info("stopped")
	return nil
}

// superviseTicks follows published samples: READY once the first tick
// completed, a watchdog ping per tick, and the optional metrics textfile.
func superviseTicks(ctx context.Context, manager *sampler.Manager, metrics *telemetry.Metrics, st *store.Store, cfg config.Config, notifier Notifier, logger *slog.Logger) error {
	samples, unsubscribe := manager.Subscribe()
	defer unsubscribe()

	watchdog := notifier.WatchdogInterval()
	if watchdog > 0 && cfg.SampleInterval >= watchdog/2 {
		logger.Warn("sample interval is close to the watchdog timeout", "interval", cfg.SampleInterval, "watchdog", watchdog)
	}

	ready := false
	for {
		select {
		case <-ctx.Done():
			return nil
		case _, ok := <-samples:
			if !ok {
				return nil
			}
			if !ready {
				ready = true
				if err := notifier.Notify(daemon.SdNotifyReady); err != nil {
					logger.Debug("supervisor notify failed", "err", err)
				}
				logger.Info("first sample collected")
			}
			if watchdog > 0 {
				if err := notifier.Notify(daemon.SdNotifyWatchdog); err != nil {
					logger.Debug("watchdog notify failed", "err", err)
				}
			}
			if cfg.MetricsTextfile != "" {
				if stats, err := st.Stats(ctx); err == nil {
					metrics.ObserveStoreStats(stats)
				}
				if err := metrics.WriteTextfile(cfg.MetricsTextfile); err != nil {
					logger.Warn("metrics textfile write failed", "err", err)
				}
			}
		}
	}
}

// CompactEveryTicks converts the compaction cadence into sampling ticks.
func CompactEveryTicks(cfg config.Config) int {
	if cfg.SampleInterval <= 0 {
		return 1
	}
	return max(1, int(cfg.CompactInterval/cfg.SampleInterval))
}

func newSource(cfg config.Config, probes []smi.Probe, logger *slog.Logger) (*smi.Source, error) {
	if probes == nil {
		probes = smi.DefaultProbes(cfg.SMIPath, "")
	}
	resolution, err := smi.Resolve(probes, logger)
	if err != nil {
		return nil, err
	}
	return smi.NewSource(resolution, cfg.AcquireTimeout, logger)
}

// describeGPU combines nvidia-smi identity with sysfs data. Both are
// optional; failures only reduce the detail in the status file.
func describeGPU(ctx context.Context, cfg config.Config, source *smi.Source, logger *slog.Logger) gpu.Info {
	idCtx, cancel := context.WithTimeout(ctx, identityTimeout)
	defer cancel()

	identity, err := source.Identity(idCtx)
	if err != nil {
		logger.Warn("gpu identity query failed", "err", err)
	}

	infos, err := gpu.Discover(cfg.SysfsRoot, logger)
	if err != nil {
		logger.Warn("gpu discovery failed", "err", err)
	}

	info, ok := gpu.Select(infos, identity.BusID)
	if !ok {
		info = gpu.Info{PCI: gpu.NormalizeBusID(identity.BusID)}
	}
	if identity.Name != "" {
		info.Name = identity.Name
	}
	return info
}
