package sampler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	gmerrors "github.com/skobkin/gpu-monitor/internal/errors"
	"github.com/skobkin/gpu-monitor/internal/smi"
)

// State is the phase of the current tick.
type State string

const (
	StateIdle       State = "idle"
	StateAcquiring  State = "acquiring"
	StateSanitizing State = "sanitizing"
	StateStoring    State = "storing"
	StateCompacting State = "compacting"
	StateExporting  State = "exporting"
)

const defaultProcessTimeout = 2 * time.Second

// Acquirer produces one raw reading per call.
type Acquirer interface {
	Acquire(ctx context.Context) (smi.RawReading, error)
}

// ProcessLister lists compute processes for the status file.
type ProcessLister interface {
	Processes(ctx context.Context) ([]smi.Process, error)
}

// Store persists samples.
type Store interface {
	Append(ctx context.Context, sample Sample) error
	AppendBatch(ctx context.Context, samples []Sample) error
}

// Exporter publishes the history document and the status file.
type Exporter interface {
	Export(ctx context.Context, now time.Time) error
	WriteStatus(ctx context.Context, status Status) error
}

// CompactionTrigger asks a compactor to run a cycle. It must not block.
type CompactionTrigger interface {
	Trigger() bool
}

// Recorder receives per-tick observations.
type Recorder interface {
	ObserveAcquire(elapsed time.Duration, err error)
	ObserveStore(err error, pending int)
	ObserveExport(err error)
	ObserveSample(sample Sample)
}

// Status is the outcome of the most recent successful acquisition.
type Status struct {
	Sample    Sample
	State     string
	Stored    bool
	Pending   int
	LastError string
	UpdatedAt time.Time
	Processes []smi.Process
}

// Options configure a Manager.
type Options struct {
	Interval      time.Duration
	AppendTimeout time.Duration
	// PendingLimit caps samples kept for retry after failed writes. Oldest
	// samples are dropped first.
	PendingLimit int
	// ExportEvery regenerates the snapshot every N ticks.
	ExportEvery int
	// CompactEvery signals Compactor every N ticks. Zero disables it.
	CompactEvery int
	Compactor    CompactionTrigger
	Processes    ProcessLister
	// ProcessTimeout bounds the per-tick process listing. Defaults to
	// half the interval, at most two seconds.
	ProcessTimeout time.Duration
	Recorder     Recorder
	Now          func() time.Time
}

// Manager runs the sampling loop: acquire, sanitize, store, export.
type Manager struct {
	acquirer Acquirer
	store    Store
	exporter Exporter
	opts     Options
	logger   *slog.Logger

	state atomic.Value
	ticks uint64

	// Owned by the loop goroutine.
	lastEpoch int64
	pending   []Sample

	mu          sync.RWMutex
	latest      Sample
	hasLatest   bool
	status      Status
	subscribers map[*subscriber]struct{}
}

// NewManager validates options and builds a Manager.
func NewManager(acquirer Acquirer, store Store, exporter Exporter, opts Options, logger *slog.Logger) (*Manager, error) {
	if acquirer == nil {
		return nil, fmt.Errorf("acquirer must be set")
	}
	if store == nil {
		return nil, fmt.Errorf("store must be set")
	}
	if opts.Interval <= 0 {
		return nil, fmt.Errorf("interval must be > 0")
	}
	if opts.AppendTimeout <= 0 {
		return nil, fmt.Errorf("append timeout must be > 0")
	}
	if opts.PendingLimit < 0 {
		return nil, fmt.Errorf("pending limit must be >= 0")
	}
	if opts.ExportEvery <= 0 {
		opts.ExportEvery = 1
	}
	if opts.CompactEvery < 0 {
		return nil, fmt.Errorf("compact every must be >= 0")
	}
	if opts.ProcessTimeout <= 0 {
		opts.ProcessTimeout = min(defaultProcessTimeout, opts.Interval/2)
	}
	if opts.Recorder == nil {
		opts.Recorder = noopRecorder{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}

	m := &Manager{
		acquirer:    acquirer,
		store:       store,
		exporter:    exporter,
		opts:        opts,
		logger:      logger.With("component", "sampler_manager"),
		subscribers: make(map[*subscriber]struct{}),
	}
	m.state.Store(StateIdle)
	return m, nil
}

// Run ticks until ctx is canceled. Cancellation is honored between ticks;
// a tick in progress runs to completion under its own timeouts.
func (m *Manager) Run(ctx context.Context) error {
	m.logger.Info("sampler started", "interval", m.opts.Interval)
	tickCtx := context.WithoutCancel(ctx)

	// Initial tick so the status file exists right away.
	m.tick(tickCtx)

	ticker := time.NewTicker(m.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("sampler stopping", "reason", ctx.Err(), "pending", len(m.pending))
			m.flushPending(tickCtx)
			m.closeSubscribers()
			return nil
		case <-ticker.C:
			m.tick(tickCtx)
		}
	}
}

func (m *Manager) tick(ctx context.Context) {
	if err := m.Tick(ctx); err != nil {
		attrs := append([]any{"err", err}, gmerrors.LogAttrs(err)...)
		if gmerrors.IsTransient(err) {
			m.logger.Warn("tick failed", attrs...)
		} else {
			m.logger.Error("tick failed", attrs...)
		}
	}
}

// Tick runs one full cycle. The returned error joins every step that
// failed; later steps still run when an earlier one fails, except that a
// failed acquisition ends the tick.
func (m *Manager) Tick(ctx context.Context) error {
	defer m.setState(StateIdle)
	m.ticks++

	m.setState(StateAcquiring)
	start := time.Now()
	raw, err := m.acquirer.Acquire(ctx)
	m.opts.Recorder.ObserveAcquire(time.Since(start), err)
	if err != nil {
		m.maybeCompact()
		return err
	}

	m.setState(StateSanitizing)
	sample := m.sanitize(raw)
	m.opts.Recorder.ObserveSample(sample)

	m.setState(StateStoring)
	storeErr := m.persist(ctx, sample)

	m.maybeCompact()

	var exportErr error
	if m.exporter != nil && m.ticks%uint64(m.opts.ExportEvery) == 0 {
		m.setState(StateExporting)
		exportErr = m.exporter.Export(ctx, m.opts.Now())
		m.opts.Recorder.ObserveExport(exportErr)
	}

	status := Status{
		Sample:    sample,
		State:     string(m.State()),
		Stored:    storeErr == nil,
		Pending:   len(m.pending),
		UpdatedAt: m.opts.Now(),
		Processes: m.processes(ctx),
	}
	if failed := errors.Join(storeErr, exportErr); failed != nil {
		status.LastError = failed.Error()
	}

	var statusErr error
	if m.exporter != nil {
		if statusErr = m.exporter.WriteStatus(ctx, status); statusErr != nil {
			m.opts.Recorder.ObserveExport(statusErr)
		}
	}

	m.publish(sample, status)

	m.logger.Debug("tick complete",
		"epoch", sample.Epoch,
		"temperature", sample.Temperature,
		"utilization", sample.Utilization,
		"memory", sample.Memory,
		"power_available", sample.PowerAvailable,
		"pending", len(m.pending),
	)

	return errors.Join(storeErr, exportErr, statusErr)
}

func (m *Manager) sanitize(raw smi.RawReading) Sample {
	sample := Sanitize(raw, m.opts.Now())
	// Wall clock steps backwards must not reorder the series.
	if sample.Epoch < m.lastEpoch {
		m.logger.Debug("clock moved backwards", "epoch", sample.Epoch, "previous", m.lastEpoch)
		sample.Epoch = m.lastEpoch
		sample.Timestamp = FormatTimestamp(sample.Epoch)
	}
	m.lastEpoch = sample.Epoch
	return sample
}

// persist writes pending samples plus the current one. On failure the
// batch is kept, bounded by PendingLimit, for the next tick.
func (m *Manager) persist(ctx context.Context, sample Sample) error {
	batch := append(m.pending, sample)

	appendCtx, cancel := context.WithTimeout(ctx, m.opts.AppendTimeout)
	defer cancel()

	var err error
	if len(batch) == 1 {
		err = m.store.Append(appendCtx, sample)
	} else {
		err = m.store.AppendBatch(appendCtx, batch)
	}

	if err == nil {
		if len(m.pending) > 0 {
			m.logger.Info("pending samples flushed", "count", len(m.pending))
		}
		m.pending = nil
		m.opts.Recorder.ObserveStore(nil, 0)
		return nil
	}

	if dropped := len(batch) - m.opts.PendingLimit; dropped > 0 {
		m.logger.Warn("pending buffer full, dropping oldest samples", "dropped", dropped)
		batch = batch[dropped:]
	}
	m.pending = append([]Sample(nil), batch...)
	m.opts.Recorder.ObserveStore(err, len(m.pending))
	return err
}

// flushPending makes one last bounded attempt to store samples kept from
// failed writes.
func (m *Manager) flushPending(ctx context.Context) {
	if len(m.pending) == 0 {
		return
	}
	flushCtx, cancel := context.WithTimeout(ctx, m.opts.AppendTimeout)
	defer cancel()

	if err := m.store.AppendBatch(flushCtx, m.pending); err != nil {
		m.logger.Warn("pending samples lost at shutdown", "count", len(m.pending), "err", err)
		m.opts.Recorder.ObserveStore(err, len(m.pending))
		return
	}
	m.logger.Info("pending samples flushed at shutdown", "count", len(m.pending))
	m.pending = nil
	m.opts.Recorder.ObserveStore(nil, 0)
}

func (m *Manager) maybeCompact() {
	if m.opts.Compactor == nil || m.opts.CompactEvery == 0 {
		return
	}
	if m.ticks%uint64(m.opts.CompactEvery) != 0 {
		return
	}
	m.setState(StateCompacting)
	if !m.opts.Compactor.Trigger() {
		m.logger.Debug("compaction already pending")
	}
}

func (m *Manager) processes(ctx context.Context) []smi.Process {
	if m.opts.Processes == nil {
		return nil
	}
	listCtx, cancel := context.WithTimeout(ctx, m.opts.ProcessTimeout)
	defer cancel()
	procs, err := m.opts.Processes.Processes(listCtx)
	if err != nil {
		m.logger.Debug("process listing failed", "err", err)
		return nil
	}
	return procs
}

func (m *Manager) setState(state State) {
	if prev := m.state.Swap(state); prev != state {
		m.logger.Debug("state", "from", prev, "to", state)
	}
}

// State returns the current loop phase.
func (m *Manager) State() State {
	return m.state.Load().(State)
}

// Latest returns the most recent sanitized sample.
func (m *Manager) Latest() (Sample, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.latest, m.hasLatest
}

// Status returns the status published by the most recent tick.
func (m *Manager) Status() (Status, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status, m.hasLatest
}

// Ready reports whether at least one sample has been acquired.
func (m *Manager) Ready() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.hasLatest
}

// Subscribe registers a listener for new samples. The channel holds at
// most one sample; slow readers only see the newest.
func (m *Manager) Subscribe() (<-chan Sample, func()) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sub := newSubscriber()
	m.subscribers[sub] = struct{}{}
	if m.hasLatest {
		sub.send(m.latest)
	}

	return sub.channel(), func() { m.removeSubscriber(sub) }
}

func (m *Manager) publish(sample Sample, status Status) {
	m.mu.Lock()
	m.latest = sample
	m.hasLatest = true
	m.status = status
	targets := make([]*subscriber, 0, len(m.subscribers))
	for sub := range m.subscribers {
		targets = append(targets, sub)
	}
	m.mu.Unlock()

	for _, sub := range targets {
		sub.send(sample)
	}
}

func (m *Manager) removeSubscriber(sub *subscriber) {
	m.mu.Lock()
	delete(m.subscribers, sub)
	m.mu.Unlock()
	sub.close()
}

func (m *Manager) closeSubscribers() {
	m.mu.Lock()
	subs := m.subscribers
	m.subscribers = make(map[*subscriber]struct{})
	m.mu.Unlock()
	for sub := range subs {
		sub.close()
	}
}

type noopRecorder struct{}

func (noopRecorder) ObserveAcquire(time.Duration, error) {}
func (noopRecorder) ObserveStore(error, int)             {}
func (noopRecorder) ObserveExport(error)                 {}
func (noopRecorder) ObserveSample(Sample)                {}

type subscriber struct {
	ch     chan Sample
	mu     sync.Mutex
	closed bool
}

func newSubscriber() *subscriber {
	return &subscriber{ch: make(chan Sample, 1)}
}

func (s *subscriber) channel() <-chan Sample {
	return s.ch
}

func (s *subscriber) send(sample Sample) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- sample:
		return
	default:
		// Drop oldest to make room for new sample.
		select {
		case <-s.ch:
		default:
		}
		select {
		case s.ch <- sample:
		default:
		}
	}
}

func (s *subscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	close(s.ch)
	s.closed = true
}
