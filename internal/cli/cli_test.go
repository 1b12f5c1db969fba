package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v3"

	"github.com/skobkin/gpu-monitor/internal/snapshot"
)

func hasName(flag cli.Flag, name string) bool {
	for _, n := range flag.Names() {
		if n == name {
			return true
		}
	}
	return false
}

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := New()
	cmd.Writer = &out
	cmd.ErrWriter = &out
	err := cmd.Run(context.Background(), append([]string{name, "--env-file", filepath.Join(t.TempDir(), "none.env")}, args...))
	return out.String(), err
}

func useDataDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("APP_DATA_DIR", dir)
	t.Setenv("APP_CONFIG_FILE", "")
	t.Setenv("APP_LOG_OUTPUT", filepath.Join(dir, "gpu-monitor.log"))
	return dir
}

func TestCommandTree(t *testing.T) {
	root := New()

	names := make(map[string]*cli.Command)
	for _, c := range root.Commands {
		names[c.Name] = c
		assert.NotNil(t, c.Action, "command %s has no action", c.Name)
	}
	for _, want := range []string{"run", "probe", "status", "trim", "loadgen", "version"} {
		assert.Contains(t, names, want)
	}
	assert.NotNil(t, root.Action, "root must default to the daemon")

	for _, flag := range []string{"config", "env-file", "log-level"} {
		found := false
		for _, f := range root.Flags {
			if hasName(f, flag) {
				found = true
			}
		}
		assert.True(t, found, "root flag %q missing", flag)
	}

	for _, flag := range []string{"span", "interval", "batch", "seed", "format"} {
		found := false
		for _, f := range names["loadgen"].Flags {
			if hasName(f, flag) {
				found = true
			}
		}
		assert.True(t, found, "loadgen flag %q missing", flag)
	}
}

func TestVersionSkipsConfiguration(t *testing.T) {
	t.Setenv("APP_SAMPLE_INTERVAL", "not-a-duration")

	out, err := runCLI(t, "version")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, name+" "), "unexpected output %q", out)
}

func TestInvalidConfigurationFails(t *testing.T) {
	useDataDir(t)
	t.Setenv("APP_SAMPLE_INTERVAL", "not-a-duration")

	_, err := runCLI(t, "status")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "APP_SAMPLE_INTERVAL")
}

func TestLoadgenThenTrimJSON(t *testing.T) {
	dir := useDataDir(t)

	out, err := runCLI(t, "loadgen", "--span", "2h", "--batch", "500", "--seed", "7", "--format", "json")
	require.NoError(t, err)

	var gen struct {
		Samples int `json:"samples"`
		Batches int `json:"batches"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &gen))
	assert.Equal(t, 1800, gen.Samples)
	assert.Equal(t, 4, gen.Batches)
	assert.FileExists(t, filepath.Join(dir, "gpu_metrics.db"))

	out, err = runCLI(t, "trim", "--format", "json")
	require.NoError(t, err)

	var trim struct {
		RowsBefore int64 `json:"rows_before"`
		RowsAfter  int64 `json:"rows_after"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &trim))
	assert.Equal(t, int64(1800), trim.RowsBefore)
	assert.Equal(t, int64(1800), trim.RowsAfter, "nothing in a 2h window is past retention")
}

func TestStatusText(t *testing.T) {
	dir := useDataDir(t)
	t.Setenv("APP_STATUS_GRACE", "1s")

	power := 151.5
	st := snapshot.Status{
		Timestamp:      "2026-01-02 03:04:05",
		Epoch:          1767323045,
		Temperature:    64,
		Utilization:    88,
		Memory:         7000,
		Power:          &power,
		PowerAvailable: true,
		State:          "idle",
		Stored:         true,
		UpdatedAt:      time.Now().UTC(),
		Processes:      nil,
	}
	data, err := json.Marshal(st)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "gpu_current_stats.json"), data, 0o644))

	out, err := runCLI(t, "status", "--poll", "10ms")
	require.NoError(t, err)
	assert.Contains(t, out, "state=idle")
	assert.Contains(t, out, "power=151.50 W")

	_, err = runCLI(t, "status", "--poll", "10ms", "--max-age", "1ns")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "stale")
}

func TestStatusMissingFileFails(t *testing.T) {
	useDataDir(t)
	t.Setenv("APP_STATUS_GRACE", "50ms")

	_, err := runCLI(t, "status", "--poll", "10ms")
	require.Error(t, err)
}

func TestReportRejectsUnknownFormat(t *testing.T) {
	useDataDir(t)
	t.Setenv("APP_STATUS_GRACE", "1s")

	_, err := runCLI(t, "loadgen", "--span", "1m", "--format", "xml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown output format")
}
