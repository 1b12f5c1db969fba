package app

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skobkin/gpu-monitor/internal/config"
	gmerrors "github.com/skobkin/gpu-monitor/internal/errors"
	"github.com/skobkin/gpu-monitor/internal/loadgen"
	"github.com/skobkin/gpu-monitor/internal/smi"
	"github.com/skobkin/gpu-monitor/internal/snapshot"
)

const fakeSMI = `#!/bin/sh
case "$1" in
  --query-gpu=temperature*) echo "61, 37, 4821, [N/A]" ;;
  --query-gpu=name*) echo "NVIDIA GeForce RTX 4090, 00000000:01:00.0, 550.54, 24564" ;;
  --query-compute-apps*) echo "1234, python, 2048" ;;
  *) exit 2 ;;
esac
`

type recordingNotifier struct {
	mu     sync.Mutex
	states []string
}

func (n *recordingNotifier) Notify(state string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.states = append(n.states, state)
	return nil
}

func (n *recordingNotifier) WatchdogInterval() time.Duration { return time.Minute }

func (n *recordingNotifier) has(state string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, s := range n.states {
		if s == state {
			return true
		}
	}
	return false
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig(t *testing.T) (config.Config, []smi.Probe) {
	t.Helper()
	dir := t.TempDir()
	script := filepath.Join(dir, "nvidia-smi")
	require.NoError(t, os.WriteFile(script, []byte(fakeSMI), 0o755))

	cfg := config.Default()
	cfg.SampleInterval = 20 * time.Millisecond
	cfg.AcquireTimeout = 2 * time.Second
	cfg.CompactInterval = 100 * time.Millisecond
	cfg.DataDir = dir
	cfg.StorePath = filepath.Join(dir, "gpu_metrics.db")
	cfg.SnapshotPath = filepath.Join(dir, "history.json")
	cfg.StatusPath = filepath.Join(dir, "gpu_current_stats.json")
	cfg.MetricsTextfile = filepath.Join(dir, "gpu_monitor.prom")
	cfg.SysfsRoot = filepath.Join(dir, "sys")
	require.NoError(t, cfg.Validate())

	return cfg, []smi.Probe{smi.ExplicitPath{Path: script}}
}

func TestRunCollectsAndShutsDown(t *testing.T) {
	t.Parallel()

	cfg, probes := testConfig(t)
	notifier := &recordingNotifier{}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- Run(ctx, discard(), cfg, Options{Notifier: notifier, Probes: probes}) }()

	require.Eventually(t, func() bool { return notifier.has(daemon.SdNotifyReady) }, 5*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		_, err := os.Stat(cfg.MetricsTextfile)
		return err == nil
	}, 5*time.Second, 10*time.Millisecond)

	st, err := snapshot.ReadStatus(cfg.StatusPath)
	require.NoError(t, err)
	assert.Equal(t, 61.0, st.Temperature)
	assert.False(t, st.PowerAvailable)
	assert.Nil(t, st.Power)
	assert.NotEmpty(t, st.InstanceID)
	require.NotNil(t, st.GPU)
	assert.Equal(t, "NVIDIA GeForce RTX 4090", st.GPU.Name)
	require.Len(t, st.Processes, 1)

	_, err = os.Stat(cfg.SnapshotPath)
	require.NoError(t, err)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop")
	}
	assert.True(t, notifier.has(daemon.SdNotifyStopping))
	assert.True(t, notifier.has(daemon.SdNotifyWatchdog))
}

func TestRunFailsWithoutTool(t *testing.T) {
	t.Parallel()

	cfg, _ := testConfig(t)
	probes := []smi.Probe{smi.ExplicitPath{Path: filepath.Join(t.TempDir(), "missing")}}

	err := Run(context.Background(), discard(), cfg, Options{Notifier: &recordingNotifier{}, Probes: probes})
	require.Error(t, err)
	assert.True(t, gmerrors.HasCode(err, gmerrors.ErrCodeConfig))
}

func TestRunFailsOnCorruptStore(t *testing.T) {
	t.Parallel()

	cfg, probes := testConfig(t)
	require.NoError(t, os.WriteFile(cfg.StorePath, []byte("this is not a database, just some bytes padding the header"), 0o644))

	err := Run(context.Background(), discard(), cfg, Options{Notifier: &recordingNotifier{}, Probes: probes})
	require.Error(t, err)
	assert.True(t, gmerrors.HasCode(err, gmerrors.ErrCodeStoreCorruption))
}

func TestProbe(t *testing.T) {
	t.Parallel()

	cfg, probes := testConfig(t)
	report, err := Probe(context.Background(), discard(), cfg, probes)
	require.NoError(t, err)

	assert.Equal(t, "explicit", report.Resolution.Probe)
	assert.Equal(t, 61.0, report.Sample.Temperature)
	assert.Equal(t, 37.0, report.Sample.Utilization)
	assert.False(t, report.Sample.PowerAvailable)
	assert.Equal(t, "0000:01:00.0", report.GPU.PCI)
	require.Len(t, report.Processes, 1)
	assert.Equal(t, 1234, report.Processes[0].PID)
}

func TestLoadGenThenTrim(t *testing.T) {
	t.Parallel()

	cfg, _ := testConfig(t)
	ctx := context.Background()

	res, err := LoadGen(ctx, discard(), cfg, loadgen.Options{
		End:      time.Now(),
		Span:     48 * time.Hour,
		Interval: time.Minute,
		Seed:     7,
	})
	require.NoError(t, err)
	require.Positive(t, res.Samples)

	report, err := Trim(ctx, discard(), cfg)
	require.NoError(t, err)
	assert.Equal(t, int64(res.Samples), report.RowsBefore)
	assert.Less(t, report.RowsAfter, report.RowsBefore)
	assert.Equal(t, report.RowsBefore-report.RowsAfter, report.Result.Deleted)
	assert.True(t, report.Result.Reclaimed)
}

func TestStatusWaitsForFile(t *testing.T) {
	t.Parallel()

	cfg, _ := testConfig(t)
	cfg.StatusGrace = 50 * time.Millisecond

	_, err := Status(context.Background(), cfg, 10*time.Millisecond)
	require.Error(t, err)

	require.NoError(t, os.WriteFile(cfg.StatusPath, []byte(`{"epoch":1,"state":"idle"}`), 0o644))
	st, err := Status(context.Background(), cfg, 10*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, int64(1), st.Epoch)
}

func TestCompactEveryTicks(t *testing.T) {
	t.Parallel()

	cfg := config.Default()
	assert.Equal(t, 900, CompactEveryTicks(cfg))

	cfg.CompactInterval = cfg.SampleInterval
	assert.Equal(t, 1, CompactEveryTicks(cfg))
}
