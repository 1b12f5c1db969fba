// Package loadgen produces synthetic multi-day GPU telemetry for load and
// retention testing.
package loadgen

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/skobkin/gpu-monitor/internal/sampler"
)

const (
	// DefaultInterval matches the daemon's default sampling cadence.
	DefaultInterval = 4 * time.Second
	// DefaultBatchSize is the number of samples per transaction.
	DefaultBatchSize = 1000

	powerDropoutRate = 0.005
)

// Activity is the usage profile active at a point in time.
type Activity int

const (
	Idle Activity = iota
	Gaming
	Mining
)

func (a Activity) String() string {
	switch a {
	case Gaming:
		return "gaming"
	case Mining:
		return "mining"
	default:
		return "idle"
	}
}

type session struct {
	from, to time.Time
	kind     Activity
}

type dayBase struct {
	temp, util, mem, power float64
}

// Generator yields samples for a fixed time span. Sessions and daily baselines
// are planned up front so a seed fully determines the series.
type Generator struct {
	rng      *rand.Rand
	start    time.Time
	end      time.Time
	interval time.Duration
	sessions []session
	bases    map[string]dayBase
}

// New plans a series covering [start, end).
func New(start, end time.Time, interval time.Duration, seed uint64) (*Generator, error) {
	if interval <= 0 {
		return nil, fmt.Errorf("interval must be > 0")
	}
	if !end.After(start) {
		return nil, fmt.Errorf("end must be after start")
	}
	g := &Generator{
		rng:      rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
		start:    start,
		end:      end,
		interval: interval,
		bases:    make(map[string]dayBase),
	}
	g.plan()
	return g, nil
}

// Len returns the number of samples the generator yields.
func (g *Generator) Len() int {
	return int((g.end.Sub(g.start) + g.interval - 1) / g.interval)
}

// Each calls fn for every sample in ascending epoch order until fn returns an error.
func (g *Generator) Each(fn func(sampler.Sample) error) error {
	for t := g.start; t.Before(g.end); t = t.Add(g.interval) {
		if err := fn(g.sampleAt(t)); err != nil {
			return err
		}
	}
	return nil
}

// ActivityAt reports the planned profile at t.
func (g *Generator) ActivityAt(t time.Time) Activity {
	active := Idle
	for _, s := range g.sessions {
		if t.Before(s.from) || t.After(s.to) {
			continue
		}
		if s.kind > active {
			active = s.kind
		}
	}
	return active
}

func (g *Generator) plan() {
	first := time.Date(g.start.Year(), g.start.Month(), g.start.Day(), 0, 0, 0, 0, g.start.Location())
	for day := first; day.Before(g.end); day = day.AddDate(0, 0, 1) {
		g.bases[dayKey(day)] = dayBase{
			temp:  g.uniform(30, 50),
			util:  g.uniform(10, 30),
			mem:   g.uniform(1000, 3000),
			power: g.uniform(30, 100),
		}

		weekend := day.Weekday() == time.Saturday || day.Weekday() == time.Sunday
		if weekend {
			for n := 3 + g.rng.IntN(2); n > 0; n-- {
				g.addSession(day, 10+g.rng.IntN(13), g.rng.IntN(46), time.Duration(45+g.rng.IntN(196))*time.Minute, Gaming)
			}
		} else {
			g.addSession(day, 18+g.rng.IntN(3), g.rng.IntN(31), time.Duration(60+g.rng.IntN(121))*time.Minute, Gaming)
			if g.rng.Float64() > 0.5 {
				g.addSession(day, 21+g.rng.IntN(3), g.rng.IntN(31), time.Duration(30+g.rng.IntN(91))*time.Minute, Gaming)
			}
		}

		if g.rng.Float64() > 0.8 {
			g.addSession(day, g.rng.IntN(4), g.rng.IntN(31), time.Duration(4+g.rng.IntN(5))*time.Hour, Mining)
		}
	}
}

func (g *Generator) addSession(day time.Time, hour, minute int, length time.Duration, kind Activity) {
	from := day.Add(time.Duration(hour)*time.Hour + time.Duration(minute)*time.Minute)
	if from.Before(g.start) || from.After(g.end) {
		return
	}
	g.sessions = append(g.sessions, session{from: from, to: from.Add(length), kind: kind})
}

func (g *Generator) sampleAt(t time.Time) sampler.Sample {
	base, ok := g.bases[dayKey(t)]
	if !ok {
		base = dayBase{temp: 40, util: 20, mem: 2000, power: 50}
	}

	var s sampler.Sample
	switch g.ActivityAt(t) {
	case Mining:
		s.Temperature = base.temp + g.uniform(25, 30) + g.uniform(-1, 1)
		s.Utilization = 95 + g.uniform(-5, 5)
		s.Memory = base.mem + g.uniform(5000, 8000) + g.uniform(-100, 100)
		s.Power = base.power + g.uniform(150, 200) + g.uniform(-5, 5)
	case Gaming:
		s.Temperature = base.temp + g.uniform(20, 40) + g.uniform(-3, 3)
		s.Utilization = base.util + g.uniform(50, 90) + g.uniform(-10, 10)
		s.Memory = base.mem + g.uniform(3000, 6000) + g.uniform(-200, 200)
		s.Power = base.power + g.uniform(100, 180) + g.uniform(-15, 15)
	default:
		f := g.dayFactor(t.Hour())
		s.Temperature = base.temp + g.uniform(-5, 15)*f
		s.Utilization = base.util + g.uniform(-10, 40)*f
		s.Memory = base.mem + g.uniform(-500, 1500)*f
		s.Power = base.power + g.uniform(-20, 60)*f
	}

	s.Epoch = t.Unix()
	s.PowerAvailable = g.rng.Float64() >= powerDropoutRate
	return sampler.Clamp(s)
}

func (g *Generator) dayFactor(hour int) float64 {
	switch {
	case hour >= 8 && hour <= 18:
		return g.uniform(0.6, 1.0)
	case hour >= 19:
		return g.uniform(0.3, 0.7)
	default:
		return g.uniform(0.1, 0.3)
	}
}

func (g *Generator) uniform(lo, hi float64) float64 {
	return lo + g.rng.Float64()*(hi-lo)
}

func dayKey(t time.Time) string {
	return t.Format(time.DateOnly)
}

// BatchWriter is the store surface the loader needs.
type BatchWriter interface {
	AppendBatch(ctx context.Context, samples []sampler.Sample) error
}

// Options configure Load.
type Options struct {
	End       time.Time
	Span      time.Duration
	Interval  time.Duration
	BatchSize int
	Seed      uint64
}

// Result summarises a load run.
type Result struct {
	Samples  int           `json:"samples"`
	Batches  int           `json:"batches"`
	Elapsed  time.Duration `json:"elapsed"`
	FromUnix int64         `json:"from_epoch"`
	ToUnix   int64         `json:"to_epoch"`
}

// RatePerSecond is the insert throughput.
func (r Result) RatePerSecond() float64 {
	if r.Elapsed <= 0 {
		return 0
	}
	return float64(r.Samples) / r.Elapsed.Seconds()
}

// Load generates Span worth of samples ending at End and writes them in batches.
func Load(ctx context.Context, w BatchWriter, opts Options, logger *slog.Logger) (Result, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "loadgen")

	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.Span <= 0 {
		return Result{}, fmt.Errorf("span must be > 0")
	}
	if opts.End.IsZero() {
		opts.End = time.Now()
	}
	start := opts.End.Add(-opts.Span)

	gen, err := New(start, opts.End, opts.Interval, opts.Seed)
	if err != nil {
		return Result{}, err
	}

	logger.Info("generating samples", "from", start, "to", opts.End, "expected", gen.Len())

	res := Result{FromUnix: start.Unix(), ToUnix: opts.End.Unix()}
	began := time.Now()
	batch := make([]sampler.Sample, 0, opts.BatchSize)

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := w.AppendBatch(ctx, batch); err != nil {
			return fmt.Errorf("write batch %d: %w", res.Batches+1, err)
		}
		res.Samples += len(batch)
		res.Batches++
		if res.Batches%10 == 0 {
			logger.Info("progress", "inserted", res.Samples, "rate", fmt.Sprintf("%.0f/s", float64(res.Samples)/time.Since(began).Seconds()))
		}
		batch = batch[:0]
		return nil
	}

	err = gen.Each(func(s sampler.Sample) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		batch = append(batch, s)
		if len(batch) == opts.BatchSize {
			return flush()
		}
		return nil
	})
	if err == nil {
		err = flush()
	}
	res.Elapsed = time.Since(began)
	if err != nil {
		return res, err
	}

	logger.Info("load complete", "samples", res.Samples, "elapsed", res.Elapsed)
	return res, nil
}
