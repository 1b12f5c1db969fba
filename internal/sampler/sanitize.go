package sampler

import (
	"math"
	"time"

	"github.com/skobkin/gpu-monitor/internal/smi"
)

// Plausible sensor ranges. Readings outside are clamped, never rejected.
const (
	TemperatureMin = 20.0
	TemperatureMax = 95.0
	UtilizationMin = 0.0
	UtilizationMax = 100.0
	MemoryMin      = 500.0
	MemoryMax      = 12000.0
	PowerMin       = 10.0
	PowerMax       = 350.0
)

// Sanitize turns a raw reading into a Sample. It never fails: numeric fields
// are clamped, an invalid temperature, utilization or memory field falls back
// to the lower bound, and an invalid power field marks power unavailable.
func Sanitize(raw smi.RawReading, now time.Time) Sample {
	epoch := now.Unix()
	sample := Sample{
		Epoch:       epoch,
		Timestamp:   FormatTimestamp(epoch),
		Temperature: sanitizeValue(raw.Temperature, TemperatureMin, TemperatureMax),
		Utilization: sanitizeValue(raw.Utilization, UtilizationMin, UtilizationMax),
		Memory:      sanitizeValue(raw.MemoryUsed, MemoryMin, MemoryMax),
	}
	if usable(raw.PowerDraw) {
		sample.Power = clamp(raw.PowerDraw.Value, PowerMin, PowerMax)
		sample.PowerAvailable = true
	}
	return sample
}

// Clamp applies the documented bounds to an already-built sample. Used by
// the load generator.
func Clamp(s Sample) Sample {
	s.Temperature = clamp(s.Temperature, TemperatureMin, TemperatureMax)
	s.Utilization = clamp(s.Utilization, UtilizationMin, UtilizationMax)
	s.Memory = clamp(s.Memory, MemoryMin, MemoryMax)
	if s.PowerAvailable {
		s.Power = clamp(s.Power, PowerMin, PowerMax)
	} else {
		s.Power = 0
	}
	if s.Timestamp == "" {
		s.Timestamp = FormatTimestamp(s.Epoch)
	}
	return s
}

func sanitizeValue(v smi.RawValue, lo, hi float64) float64 {
	if !usable(v) {
		return lo
	}
	return clamp(v.Value, lo, hi)
}

func usable(v smi.RawValue) bool {
	return v.Valid && !math.IsNaN(v.Value) && !math.IsInf(v.Value, 0)
}

func clamp(value, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, value))
}
