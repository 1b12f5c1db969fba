package snapshot

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/skobkin/gpu-monitor/internal/atomicfile"
	gmerrors "github.com/skobkin/gpu-monitor/internal/errors"
	"github.com/skobkin/gpu-monitor/internal/gpu"
	"github.com/skobkin/gpu-monitor/internal/sampler"
	"github.com/skobkin/gpu-monitor/internal/smi"
)

// Reader is the store surface the exporter needs.
type Reader interface {
	Since(ctx context.Context, afterEpoch int64) ([]sampler.Sample, error)
}

// Meta is static information attached to every status file.
type Meta struct {
	InstanceID string
	Version    string
	SMIPath    string
	GPU        *gpu.Info
}

// Options configure an Exporter.
type Options struct {
	SnapshotPath string
	StatusPath   string
	Horizon      time.Duration
	Perm         os.FileMode
	Meta         Meta
}

// Exporter writes the history document and status file atomically.
type Exporter struct {
	reader Reader
	opts   Options
	logger *slog.Logger
}

// NewExporter validates options and builds an Exporter.
func NewExporter(reader Reader, opts Options, logger *slog.Logger) (*Exporter, error) {
	if reader == nil {
		return nil, fmt.Errorf("reader must be set")
	}
	if opts.SnapshotPath == "" || opts.StatusPath == "" {
		return nil, fmt.Errorf("snapshot and status paths must be set")
	}
	if opts.Horizon <= 0 {
		return nil, fmt.Errorf("horizon must be > 0")
	}
	if opts.Perm == 0 {
		opts.Perm = atomicfile.DefaultPerm
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Exporter{
		reader: reader,
		opts:   opts,
		logger: logger.With("component", "snapshot_exporter"),
	}, nil
}

// Document reads the window (now - horizon, now] from the store.
func (e *Exporter) Document(ctx context.Context, now time.Time) (Document, error) {
	cutoff := now.Add(-e.opts.Horizon).Unix()
	samples, err := e.reader.Since(ctx, cutoff)
	if err != nil {
		return Document{}, gmerrors.WrapWithContext(gmerrors.ErrCodeExport, "read window", err, map[string]any{"cutoff": cutoff})
	}
	return Build(samples), nil
}

// Export regenerates the history document. On failure the previously
// published document is left in place.
func (e *Exporter) Export(ctx context.Context, now time.Time) error {
	doc, err := e.Document(ctx, now)
	if err != nil {
		return err
	}
	if err := doc.Validate(); err != nil {
		return gmerrors.Wrap(gmerrors.ErrCodeExport, "inconsistent document", err)
	}

	if err := e.publish(e.opts.SnapshotPath, doc); err != nil {
		return err
	}
	e.logger.Debug("snapshot exported", "samples", doc.Len(), "path", e.opts.SnapshotPath)
	return nil
}

// WriteStatus publishes the current-tick status file.
func (e *Exporter) WriteStatus(_ context.Context, tick sampler.Status) error {
	return e.publish(e.opts.StatusPath, e.status(tick))
}

func (e *Exporter) status(tick sampler.Status) Status {
	st := Status{
		Timestamp:      tick.Sample.Timestamp,
		Epoch:          tick.Sample.Epoch,
		Temperature:    tick.Sample.Temperature,
		Utilization:    tick.Sample.Utilization,
		Memory:         tick.Sample.Memory,
		Power:          tick.Sample.PowerWatts(),
		PowerAvailable: tick.Sample.PowerAvailable,
		State:          tick.State,
		Stored:         tick.Stored,
		Pending:        tick.Pending,
		LastError:      tick.LastError,
		UpdatedAt:      tick.UpdatedAt.UTC(),
		InstanceID:     e.opts.Meta.InstanceID,
		Version:        e.opts.Meta.Version,
		SMIPath:        e.opts.Meta.SMIPath,
		GPU:            e.opts.Meta.GPU,
		Processes:      tick.Processes,
	}
	if st.Processes == nil {
		st.Processes = []smi.Process{}
	}
	return st
}

func (e *Exporter) publish(path string, payload any) error {
	err := atomicfile.Write(path, e.opts.Perm, func(w io.Writer) error {
		return json.NewEncoder(w).Encode(payload)
	})
	if err != nil {
		return gmerrors.WrapWithContext(gmerrors.ErrCodeExport, "publish", err, map[string]any{"path": path})
	}
	return nil
}
