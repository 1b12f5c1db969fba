// Package smi runs nvidia-smi and parses its CSV output into raw readings.
package smi

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"math"
	"os/exec"
	"strconv"
	"strings"
	"time"

	gmerrors "github.com/skobkin/gpu-monitor/internal/errors"
)

const (
	metricsQuery  = "--query-gpu=temperature.gpu,utilization.gpu,memory.used,power.draw"
	identityQuery = "--query-gpu=name,pci.bus_id,driver_version,memory.total"
	appsQuery     = "--query-compute-apps=pid,process_name,used_memory"
	csvFormat     = "--format=csv,noheader,nounits"

	metricsFields = 4
	waitDelay     = 500 * time.Millisecond
)

// RawValue is one CSV field. Valid is false for sentinels such as "[N/A]".
type RawValue struct {
	Value float64
	Valid bool
	Text  string
}

// RawReading holds the four metric fields of the first GPU line.
type RawReading struct {
	Temperature RawValue
	Utilization RawValue
	MemoryUsed  RawValue
	PowerDraw   RawValue
}

// Identity describes the queried GPU.
type Identity struct {
	Name          string  `json:"name"`
	BusID         string  `json:"bus_id"`
	DriverVersion string  `json:"driver_version"`
	MemoryTotal   float64 `json:"memory_total_mib"`
}

// Process is a compute application holding GPU memory.
type Process struct {
	PID           int      `json:"pid"`
	Name          string   `json:"name"`
	UsedMemoryMiB *float64 `json:"used_memory_mib"`
}

// Source invokes a resolved nvidia-smi binary.
type Source struct {
	resolution Resolution
	timeout    time.Duration
	logger     *slog.Logger
}

// NewSource builds a Source around a resolved binary.
func NewSource(resolution Resolution, timeout time.Duration, logger *slog.Logger) (*Source, error) {
	if resolution.Path == "" {
		return nil, fmt.Errorf("nvidia-smi path must be set")
	}
	if timeout <= 0 {
		return nil, fmt.Errorf("acquire timeout must be > 0")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Source{
		resolution: resolution,
		timeout:    timeout,
		logger:     logger.With("component", "smi_source"),
	}, nil
}

// Resolution returns the cached probe result.
func (s *Source) Resolution() Resolution {
	return s.resolution
}

// Acquire runs one metrics query. It performs no retries.
func (s *Source) Acquire(ctx context.Context) (RawReading, error) {
	out, err := s.run(ctx, metricsQuery, csvFormat)
	if err != nil {
		return RawReading{}, err
	}
	reading, err := ParseReading(out)
	if err != nil {
		return RawReading{}, gmerrors.WrapWithContext(gmerrors.ErrCodeAcquisition, "unexpected nvidia-smi output", err, map[string]any{
			"output": truncate(string(out), 256),
		})
	}
	return reading, nil
}

// Identity queries the GPU name, bus id and driver version.
func (s *Source) Identity(ctx context.Context) (Identity, error) {
	out, err := s.run(ctx, identityQuery, csvFormat)
	if err != nil {
		return Identity{}, err
	}
	fields, err := firstLineFields(out, 4)
	if err != nil {
		return Identity{}, gmerrors.Wrap(gmerrors.ErrCodeAcquisition, "unexpected nvidia-smi identity output", err)
	}
	total := parseValue(fields[3])
	return Identity{
		Name:          fields[0],
		BusID:         fields[1],
		DriverVersion: fields[2],
		MemoryTotal:   total.Value,
	}, nil
}

// Processes lists compute applications on the GPU.
func (s *Source) Processes(ctx context.Context) ([]Process, error) {
	out, err := s.run(ctx, appsQuery, csvFormat)
	if err != nil {
		return nil, err
	}
	return ParseProcesses(out), nil
}

func (s *Source) run(ctx context.Context, args ...string) ([]byte, error) {
	runCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(runCtx, s.resolution.Path, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = waitDelay

	start := time.Now()
	err := cmd.Run()
	elapsed := time.Since(start)

	details := map[string]any{
		"path":    s.resolution.Path,
		"elapsed": elapsed,
	}

	switch {
	case err == nil:
		s.logger.Debug("nvidia-smi finished", "args", args, "elapsed", elapsed)
		return stdout.Bytes(), nil
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		details["timeout"] = s.timeout
		return nil, gmerrors.WrapWithContext(gmerrors.ErrCodeAcquisition, "nvidia-smi timed out",
			gmerrors.Wrap(gmerrors.ErrCodeTimeout, "acquire", runCtx.Err()), details)
	case errors.Is(err, exec.ErrNotFound), errors.Is(err, fs.ErrNotExist):
		return nil, gmerrors.WrapWithContext(gmerrors.ErrCodeAcquisition, "nvidia-smi missing", err, details)
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		details["exit_code"] = exitErr.ExitCode()
		details["stderr"] = truncate(strings.TrimSpace(stderr.String()), 256)
		if details["stderr"] == "" {
			details["stderr"] = truncate(strings.TrimSpace(stdout.String()), 256)
		}
		return nil, gmerrors.WrapWithContext(gmerrors.ErrCodeAcquisition, "nvidia-smi failed", err, details)
	}
	return nil, gmerrors.WrapWithContext(gmerrors.ErrCodeAcquisition, "run nvidia-smi", err, details)
}

// ParseReading parses the first non-empty line of a metrics query.
func ParseReading(out []byte) (RawReading, error) {
	fields, err := firstLineFields(out, metricsFields)
	if err != nil {
		return RawReading{}, err
	}
	return RawReading{
		Temperature: parseValue(fields[0]),
		Utilization: parseValue(fields[1]),
		MemoryUsed:  parseValue(fields[2]),
		PowerDraw:   parseValue(fields[3]),
	}, nil
}

// ParseProcesses parses compute-apps output, skipping malformed lines.
func ParseProcesses(out []byte) []Process {
	var procs []Process
	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "No running") {
			continue
		}
		parts := splitFields(line)
		if len(parts) != 3 {
			continue
		}
		pid, err := strconv.Atoi(parts[0])
		if err != nil {
			continue
		}
		proc := Process{PID: pid, Name: parts[1]}
		if mem := parseValue(parts[2]); mem.Valid {
			v := mem.Value
			proc.UsedMemoryMiB = &v
		}
		procs = append(procs, proc)
	}
	return procs
}

func firstLineFields(out []byte, want int) ([]string, error) {
	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		fields := splitFields(line)
		if len(fields) != want {
			return nil, fmt.Errorf("expected %d fields, got %d in %q", want, len(fields), line)
		}
		return fields, nil
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return nil, fmt.Errorf("empty output")
}

func splitFields(line string) []string {
	parts := strings.Split(line, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

func parseValue(field string) RawValue {
	text := strings.TrimSpace(field)
	value, err := strconv.ParseFloat(text, 64)
	if err != nil || math.IsNaN(value) || math.IsInf(value, 0) {
		return RawValue{Text: text}
	}
	return RawValue{Value: value, Valid: true, Text: text}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
