package sampler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	gmerrors "github.com/skobkin/gpu-monitor/internal/errors"
	"github.com/skobkin/gpu-monitor/internal/smi"
)

type fakeAcquirer struct {
	mu      sync.Mutex
	reading smi.RawReading
	err     error
	block   chan struct{}
	calls   int
}

func (f *fakeAcquirer) Acquire(ctx context.Context) (smi.RawReading, error) {
	f.mu.Lock()
	f.calls++
	block := f.block
	reading, err := f.reading, f.err
	f.mu.Unlock()
	if block != nil {
		<-block
	}
	return reading, err
}

func (f *fakeAcquirer) set(reading smi.RawReading, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reading, f.err = reading, err
}

type fakeStore struct {
	mu       sync.Mutex
	samples  []Sample
	batches  [][]Sample
	failures int
	block    bool
}

var errDiskFull = gmerrors.New(gmerrors.ErrCodeStoreWrite, "disk full")

func (f *fakeStore) Append(ctx context.Context, sample Sample) error {
	return f.AppendBatch(ctx, []Sample{sample})
}

func (f *fakeStore) AppendBatch(ctx context.Context, samples []Sample) error {
	f.mu.Lock()
	block := f.block
	f.mu.Unlock()
	if block {
		<-ctx.Done()
		return ctx.Err()
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.batches = append(f.batches, append([]Sample(nil), samples...))
	if f.failures > 0 {
		f.failures--
		return errDiskFull
	}
	f.samples = append(f.samples, samples...)
	return nil
}

func (f *fakeStore) stored() []Sample {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Sample(nil), f.samples...)
}

type fakeExporter struct {
	mu       sync.Mutex
	exports  int
	statuses []Status
	err      error
}

func (f *fakeExporter) Export(context.Context, time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.exports++
	return f.err
}

func (f *fakeExporter) WriteStatus(_ context.Context, status Status) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses = append(f.statuses, status)
	return nil
}

func (f *fakeExporter) exportCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.exports
}

type fakeTrigger struct {
	mu    sync.Mutex
	count int
}

func (f *fakeTrigger) Trigger() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.count++
	return true
}

type stepClock struct {
	mu    sync.Mutex
	times []time.Time
	i     int
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.times[c.i]
	if c.i < len(c.times)-1 {
		c.i++
	}
	return t
}

func goodReading() smi.RawReading {
	v := func(f float64) smi.RawValue { return smi.RawValue{Value: f, Valid: true} }
	return smi.RawReading{Temperature: v(55), Utilization: v(40), MemoryUsed: v(3000), PowerDraw: v(120)}
}

func newTestManager(t *testing.T, acq Acquirer, store Store, exp Exporter, opts Options) *Manager {
	t.Helper()
	if opts.Interval == 0 {
		opts.Interval = time.Hour
	}
	if opts.AppendTimeout == 0 {
		opts.AppendTimeout = time.Second
	}
	if opts.PendingLimit == 0 {
		opts.PendingLimit = 8
	}
	m, err := NewManager(acq, store, exp, opts, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("NewManager returned error: %v", err)
	}
	return m
}

func TestManagerTickStoresThenExports(t *testing.T) {
	t.Parallel()

	acq := &fakeAcquirer{reading: goodReading()}
	store := &fakeStore{}
	exp := &fakeExporter{}
	m := newTestManager(t, acq, store, exp, Options{})

	if err := m.Tick(context.Background()); err != nil {
		t.Fatalf("Tick returned error: %v", err)
	}

	stored := store.stored()
	if len(stored) != 1 {
		t.Fatalf("expected 1 stored sample, got %d", len(stored))
	}
	if exp.exportCount() != 1 {
		t.Fatalf("expected 1 export, got %d", exp.exportCount())
	}
	if len(exp.statuses) != 1 || !exp.statuses[0].Stored {
		t.Fatalf("expected stored status, got %+v", exp.statuses)
	}
	if m.State() != StateIdle {
		t.Fatalf("expected idle after tick, got %s", m.State())
	}
	latest, ok := m.Latest()
	if !ok || latest.Temperature != 55 || !latest.PowerAvailable {
		t.Fatalf("unexpected latest sample: %+v", latest)
	}
}

func TestManagerEpochNeverGoesBackwards(t *testing.T) {
	t.Parallel()

	base := time.Unix(1_700_000_000, 0)
	// Two clock reads per tick without an exporter: sanitize and status.
	clock := &stepClock{times: []time.Time{
		base.Add(10 * time.Second), base.Add(10 * time.Second),
		base, base,
	}}
	store := &fakeStore{}
	m := newTestManager(t, &fakeAcquirer{reading: goodReading()}, store, nil, Options{Now: clock.Now})

	for range 2 {
		if err := m.Tick(context.Background()); err != nil {
			t.Fatalf("Tick returned error: %v", err)
		}
	}

	stored := store.stored()
	if len(stored) != 2 {
		t.Fatalf("expected 2 samples, got %d", len(stored))
	}
	if stored[1].Epoch < stored[0].Epoch {
		t.Fatalf("epoch went backwards: %d then %d", stored[0].Epoch, stored[1].Epoch)
	}
	if stored[1].Timestamp != FormatTimestamp(stored[1].Epoch) {
		t.Fatalf("timestamp not derived from adjusted epoch: %q", stored[1].Timestamp)
	}
}

func TestManagerAcquisitionFailureSkipsStore(t *testing.T) {
	t.Parallel()

	acqErr := gmerrors.New(gmerrors.ErrCodeAcquisition, "nvidia-smi missing")
	store := &fakeStore{}
	exp := &fakeExporter{}
	m := newTestManager(t, &fakeAcquirer{err: acqErr}, store, exp, Options{})

	err := m.Tick(context.Background())
	if !gmerrors.HasCode(err, gmerrors.ErrCodeAcquisition) {
		t.Fatalf("expected acquisition error, got %v", err)
	}
	if len(store.stored()) != 0 || exp.exportCount() != 0 {
		t.Fatalf("expected no store or export after failed acquisition")
	}
	if m.Ready() {
		t.Fatalf("manager must not be ready without a sample")
	}
}

func TestManagerExportsAfterStoreFailure(t *testing.T) {
	t.Parallel()

	store := &fakeStore{failures: 1}
	exp := &fakeExporter{}
	m := newTestManager(t, &fakeAcquirer{reading: goodReading()}, store, exp, Options{})

	err := m.Tick(context.Background())
	if !errors.Is(err, errDiskFull) {
		t.Fatalf("expected store error, got %v", err)
	}
	if exp.exportCount() != 1 {
		t.Fatalf("snapshot must still be regenerated, exports=%d", exp.exportCount())
	}
	if st := exp.statuses[0]; st.Stored || st.Pending != 1 || st.LastError == "" {
		t.Fatalf("unexpected status after failed store: %+v", st)
	}
}

func TestManagerFlushesPendingSamples(t *testing.T) {
	t.Parallel()

	var epoch int64 = 1_700_000_000
	now := func() time.Time {
		epoch += 4
		return time.Unix(epoch, 0)
	}
	store := &fakeStore{failures: 2}
	m := newTestManager(t, &fakeAcquirer{reading: goodReading()}, store, &fakeExporter{}, Options{Now: now})

	for range 3 {
		_ = m.Tick(context.Background())
	}

	stored := store.stored()
	if len(stored) != 3 {
		t.Fatalf("expected 3 samples after flush, got %d", len(stored))
	}
	for i := 1; i < len(stored); i++ {
		if stored[i].Epoch < stored[i-1].Epoch {
			t.Fatalf("flushed samples out of order: %+v", stored)
		}
	}
	last := store.batches[len(store.batches)-1]
	if len(last) != 3 {
		t.Fatalf("expected final batch of 3, got %d", len(last))
	}
}

func TestManagerPendingLimitDropsOldest(t *testing.T) {
	t.Parallel()

	var epoch int64 = 1_700_000_000
	now := func() time.Time {
		epoch++
		return time.Unix(epoch, 0)
	}
	store := &fakeStore{failures: 100}
	exp := &fakeExporter{}
	m := newTestManager(t, &fakeAcquirer{reading: goodReading()}, store, exp, Options{PendingLimit: 2, Now: now})

	for range 5 {
		_ = m.Tick(context.Background())
	}

	last := exp.statuses[len(exp.statuses)-1]
	if last.Pending != 2 {
		t.Fatalf("expected 2 pending samples, got %d", last.Pending)
	}
	if got := len(m.pending); got != 2 {
		t.Fatalf("expected pending buffer of 2, got %d", got)
	}
	if m.pending[1].Epoch != last.Sample.Epoch {
		t.Fatalf("newest sample must be kept")
	}
}

func TestManagerExportEvery(t *testing.T) {
	t.Parallel()

	exp := &fakeExporter{}
	m := newTestManager(t, &fakeAcquirer{reading: goodReading()}, &fakeStore{}, exp, Options{ExportEvery: 3})

	for range 6 {
		if err := m.Tick(context.Background()); err != nil {
			t.Fatalf("Tick returned error: %v", err)
		}
	}
	if exp.exportCount() != 2 {
		t.Fatalf("expected 2 exports, got %d", exp.exportCount())
	}
	if len(exp.statuses) != 6 {
		t.Fatalf("status file must be written every tick, got %d", len(exp.statuses))
	}
}

func TestManagerCompactionTrigger(t *testing.T) {
	t.Parallel()

	trigger := &fakeTrigger{}
	acq := &fakeAcquirer{reading: goodReading()}
	m := newTestManager(t, acq, &fakeStore{}, nil, Options{CompactEvery: 2, Compactor: trigger})

	_ = m.Tick(context.Background())
	acq.set(smi.RawReading{}, gmerrors.New(gmerrors.ErrCodeAcquisition, "boom"))
	_ = m.Tick(context.Background())
	acq.set(goodReading(), nil)
	_ = m.Tick(context.Background())
	_ = m.Tick(context.Background())

	if trigger.count != 2 {
		t.Fatalf("expected 2 compaction triggers over 4 ticks, got %d", trigger.count)
	}
}

func TestManagerAppendTimeoutBoundsTick(t *testing.T) {
	t.Parallel()

	store := &fakeStore{block: true}
	m := newTestManager(t, &fakeAcquirer{reading: goodReading()}, store, nil, Options{AppendTimeout: 30 * time.Millisecond})

	start := time.Now()
	err := m.Tick(context.Background())
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("tick blocked for %s", elapsed)
	}
	if len(m.pending) != 1 {
		t.Fatalf("sample must be kept for retry")
	}
}

func TestManagerStateObservable(t *testing.T) {
	t.Parallel()

	acq := &fakeAcquirer{reading: goodReading(), block: make(chan struct{})}
	m := newTestManager(t, acq, &fakeStore{}, nil, Options{})

	done := make(chan error, 1)
	go func() { done <- m.Tick(context.Background()) }()

	waitFor(t, time.Second, func() bool { return m.State() == StateAcquiring })
	close(acq.block)

	if err := <-done; err != nil {
		t.Fatalf("Tick returned error: %v", err)
	}
	if m.State() != StateIdle {
		t.Fatalf("expected idle, got %s", m.State())
	}
}

func TestManagerRunPublishesAndStops(t *testing.T) {
	t.Parallel()

	store := &fakeStore{}
	m := newTestManager(t, &fakeAcquirer{reading: goodReading()}, store, &fakeExporter{}, Options{Interval: 10 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	waitFor(t, time.Second, m.Ready)

	ch, unsubscribe := m.Subscribe()
	defer unsubscribe()
	first := awaitSample(t, ch)
	if first.Temperature != 55 {
		t.Fatalf("unexpected sample %+v", first)
	}
	awaitSample(t, ch)

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned error: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not stop after cancel")
	}

	if len(store.stored()) < 2 {
		t.Fatalf("expected at least 2 stored samples")
	}
	for range ch {
	}
}

type hangingLister struct{}

func (hangingLister) Processes(ctx context.Context) ([]smi.Process, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestManagerProcessListingIsBounded(t *testing.T) {
	t.Parallel()

	exp := &fakeExporter{}
	m := newTestManager(t, &fakeAcquirer{reading: goodReading()}, &fakeStore{}, exp, Options{
		Processes:      hangingLister{},
		ProcessTimeout: 30 * time.Millisecond,
	})

	start := time.Now()
	if err := m.Tick(context.Background()); err != nil {
		t.Fatalf("Tick returned error: %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("hung process listing stretched the tick to %s", elapsed)
	}
	if len(exp.statuses) != 1 || exp.statuses[0].Processes != nil {
		t.Fatalf("status must still be written without processes, got %+v", exp.statuses)
	}
}

func TestManagerProcessTimeoutDefault(t *testing.T) {
	m := newTestManager(t, &fakeAcquirer{}, &fakeStore{}, nil, Options{Interval: time.Second})
	if m.opts.ProcessTimeout != 500*time.Millisecond {
		t.Fatalf("expected half the interval, got %s", m.opts.ProcessTimeout)
	}
	m = newTestManager(t, &fakeAcquirer{}, &fakeStore{}, nil, Options{Interval: time.Minute})
	if m.opts.ProcessTimeout != 2*time.Second {
		t.Fatalf("expected the 2s cap, got %s", m.opts.ProcessTimeout)
	}
}

func TestManagerFlushesPendingOnShutdown(t *testing.T) {
	t.Parallel()

	store := &fakeStore{failures: 1}
	m := newTestManager(t, &fakeAcquirer{reading: goodReading()}, store, nil, Options{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	waitFor(t, time.Second, m.Ready)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned error: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not stop after cancel")
	}

	if got := len(store.stored()); got != 1 {
		t.Fatalf("expected the pending sample to be stored at shutdown, got %d", got)
	}
	if len(m.pending) != 0 {
		t.Fatalf("pending buffer should be empty after the final flush")
	}
}

func TestSubscriberDropsOldest(t *testing.T) {
	t.Parallel()

	sub := newSubscriber()
	sub.send(Sample{Epoch: 1})
	sub.send(Sample{Epoch: 2})

	got := <-sub.channel()
	if got.Epoch != 2 {
		t.Fatalf("expected newest sample, got %d", got.Epoch)
	}
	sub.close()
	sub.close()
	sub.send(Sample{Epoch: 3})
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

func awaitSample(t *testing.T, ch <-chan Sample) Sample {
	t.Helper()
	select {
	case sample, ok := <-ch:
		if !ok {
			t.Fatal("subscription closed")
		}
		return sample
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for sample")
	}
	return Sample{}
}
