// Package retention enforces the history horizon: it prunes expired samples
// and occasionally reclaims the space they leave behind.
package retention

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	gmerrors "github.com/skobkin/gpu-monitor/internal/errors"
	"github.com/skobkin/gpu-monitor/internal/store"
)

// Store is the subset of the time-series store the compactor drives.
type Store interface {
	Prune(ctx context.Context, cutoff int64) (int64, error)
	Reclaim(ctx context.Context) error
	Stats(ctx context.Context) (store.Stats, error)
}

// Recorder receives the outcome of every cycle.
type Recorder interface {
	ObserveCompaction(result Result, err error)
}

// Options configure a Compactor.
type Options struct {
	Horizon time.Duration
	// Interval between scheduled cycles. Zero runs cycles only on Trigger.
	Interval time.Duration
	// MinReclaimGap bounds how often the file is rewritten.
	MinReclaimGap time.Duration
	// ReclaimMinFreeBytes is the free-page volume that makes a reclaim worthwhile.
	ReclaimMinFreeBytes int64
	Recorder            Recorder
	Now                 func() time.Time
}

// Result describes one compaction cycle.
type Result struct {
	Cutoff          int64         `json:"cutoff"`
	Deleted         int64         `json:"deleted"`
	Reclaimed       bool          `json:"reclaimed"`
	SkipReason      string        `json:"skip_reason,omitempty"`
	Before          store.Stats   `json:"before"`
	After           store.Stats   `json:"after"`
	PruneDuration   time.Duration `json:"prune_duration"`
	ReclaimDuration time.Duration `json:"reclaim_duration"`
}

// ReclaimedBytes is the change in on-disk size across the cycle.
func (r Result) ReclaimedBytes() int64 {
	return r.Before.TotalBytes() - r.After.TotalBytes()
}

// Compactor prunes and reclaims on its own goroutine.
type Compactor struct {
	store   Store
	opts    Options
	limiter *rate.Limiter
	trigger chan struct{}
	logger  *slog.Logger

	mu sync.Mutex
}

// NewCompactor validates options and builds a Compactor.
func NewCompactor(st Store, opts Options, logger *slog.Logger) (*Compactor, error) {
	if st == nil {
		return nil, fmt.Errorf("store must be set")
	}
	if opts.Horizon <= 0 {
		return nil, fmt.Errorf("horizon must be > 0")
	}
	if opts.Interval < 0 || opts.MinReclaimGap < 0 || opts.ReclaimMinFreeBytes < 0 {
		return nil, fmt.Errorf("interval, reclaim gap and free bytes must not be negative")
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}

	limit := rate.Inf
	if opts.MinReclaimGap > 0 {
		limit = rate.Every(opts.MinReclaimGap)
	}

	return &Compactor{
		store:   st,
		opts:    opts,
		limiter: rate.NewLimiter(limit, 1),
		trigger: make(chan struct{}, 1),
		logger:  logger.With("component", "compactor"),
	}, nil
}

// Trigger requests a cycle without waiting for it. It reports false when a
// request is already queued.
func (c *Compactor) Trigger() bool {
	select {
	case c.trigger <- struct{}{}:
		return true
	default:
		return false
	}
}

// Run performs a cycle at startup, then on every tick of Interval and on
// every Trigger. Failures are logged and retried on the next cycle.
func (c *Compactor) Run(ctx context.Context) error {
	c.logger.Info("compactor started", "interval", c.opts.Interval, "horizon", c.opts.Horizon)
	c.cycle(ctx)

	var tick <-chan time.Time
	var ticker *time.Ticker
	if c.opts.Interval > 0 {
		ticker = time.NewTicker(c.opts.Interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("compactor stopping", "reason", ctx.Err())
			return nil
		case <-tick:
			c.cycle(ctx)
		case <-c.trigger:
			c.cycle(ctx)
			if ticker != nil {
				ticker.Reset(c.opts.Interval)
			}
		}
	}
}

func (c *Compactor) cycle(ctx context.Context) {
	res, err := c.Compact(ctx, c.opts.Now(), false)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		attrs := append([]any{"operation", "compact", "cutoff", res.Cutoff, "err", err}, gmerrors.LogAttrs(err)...)
		c.logger.Warn("compaction failed", attrs...)
		return
	}
	if res.Deleted > 0 || res.Reclaimed {
		c.logger.Info("compaction finished",
			"cutoff", res.Cutoff,
			"deleted", res.Deleted,
			"reclaimed", res.Reclaimed,
			"reclaimed_bytes", res.ReclaimedBytes(),
			"prune_duration", res.PruneDuration,
			"reclaim_duration", res.ReclaimDuration,
		)
		return
	}
	c.logger.Debug("compaction finished", "cutoff", res.Cutoff, "skip_reason", res.SkipReason)
}

// Compact runs one cycle synchronously: prune everything older than
// now - Horizon, then reclaim when enough pages are free and the rate
// limit allows. force reclaims regardless of both.
func (c *Compactor) Compact(ctx context.Context, now time.Time, force bool) (res Result, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	defer func() {
		if c.opts.Recorder != nil {
			c.opts.Recorder.ObserveCompaction(res, err)
		}
	}()

	res.Cutoff = now.Add(-c.opts.Horizon).Unix()

	if res.Before, err = c.store.Stats(ctx); err != nil {
		c.logger.Debug("stats before prune unavailable", "err", err)
	}

	start := time.Now()
	res.Deleted, err = c.store.Prune(ctx, res.Cutoff)
	res.PruneDuration = time.Since(start)
	if err != nil {
		return res, err
	}

	pruned, statsErr := c.store.Stats(ctx)
	if statsErr != nil && !force {
		res.SkipReason = "stats unavailable"
		res.After = res.Before
		return res, nil
	}

	switch {
	case force:
		c.limiter.AllowN(now, 1)
	case pruned.ReclaimableBytes() < c.opts.ReclaimMinFreeBytes:
		res.SkipReason = "below free threshold"
	case !c.limiter.AllowN(now, 1):
		res.SkipReason = "rate limited"
	}

	if res.SkipReason == "" {
		start = time.Now()
		if err = c.store.Reclaim(ctx); err != nil {
			return res, err
		}
		res.ReclaimDuration = time.Since(start)
		res.Reclaimed = true
	}

	if res.After, statsErr = c.store.Stats(ctx); statsErr != nil {
		c.logger.Debug("stats after compaction unavailable", "err", statsErr)
	}
	return res, nil
}
