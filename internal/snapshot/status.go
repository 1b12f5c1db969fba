package snapshot

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/skobkin/gpu-monitor/internal/gpu"
	"github.com/skobkin/gpu-monitor/internal/smi"
)

// Status is the current-tick status file used by health checks.
type Status struct {
	Timestamp      string        `json:"timestamp"`
	Epoch          int64         `json:"epoch"`
	Temperature    float64       `json:"temperature"`
	Utilization    float64       `json:"utilization"`
	Memory         float64       `json:"memory"`
	Power          *float64      `json:"power"`
	PowerAvailable bool          `json:"power_available"`
	State          string        `json:"state"`
	Stored         bool          `json:"stored"`
	Pending        int           `json:"pending"`
	LastError      string        `json:"last_error,omitempty"`
	UpdatedAt      time.Time     `json:"updated_at"`
	InstanceID     string        `json:"instance_id"`
	Version        string        `json:"version"`
	SMIPath        string        `json:"smi_path,omitempty"`
	GPU            *gpu.Info     `json:"gpu,omitempty"`
	Processes      []smi.Process `json:"processes"`
}

// ReadStatus parses a status file.
func ReadStatus(path string) (Status, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Status{}, err
	}
	var st Status
	if err := json.Unmarshal(data, &st); err != nil {
		return Status{}, fmt.Errorf("parse %s: %w", path, err)
	}
	return st, nil
}

// WaitForStatus polls path until it parses as a status file or grace elapses.
func WaitForStatus(ctx context.Context, path string, grace, poll time.Duration) (Status, error) {
	if poll <= 0 {
		poll = time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, grace)
	defer cancel()

	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	var lastErr error
	for {
		st, err := ReadStatus(path)
		if err == nil {
			return st, nil
		}
		lastErr = err

		select {
		case <-ctx.Done():
			return Status{}, fmt.Errorf("status file not valid within %s: %w", grace, lastErr)
		case <-ticker.C:
		}
	}
}
