// Package snapshot publishes the dashboard history document and the
// current-tick status file.
package snapshot

import (
	"fmt"

	"github.com/skobkin/gpu-monitor/internal/sampler"
)

// Document is the dashboard history: parallel arrays aligned by index.
// Power entries are null when the sensor reading was unavailable.
type Document struct {
	Timestamps   []string   `json:"timestamps"`
	Temperatures []float64  `json:"temperatures"`
	Utilizations []float64  `json:"utilizations"`
	Memory       []float64  `json:"memory"`
	Power        []*float64 `json:"power"`
}

// Build projects samples into a Document. Arrays are never nil so an empty
// window still serializes as empty arrays.
func Build(samples []sampler.Sample) Document {
	doc := Document{
		Timestamps:   make([]string, 0, len(samples)),
		Temperatures: make([]float64, 0, len(samples)),
		Utilizations: make([]float64, 0, len(samples)),
		Memory:       make([]float64, 0, len(samples)),
		Power:        make([]*float64, 0, len(samples)),
	}
	for _, s := range samples {
		doc.Timestamps = append(doc.Timestamps, s.Timestamp)
		doc.Temperatures = append(doc.Temperatures, s.Temperature)
		doc.Utilizations = append(doc.Utilizations, s.Utilization)
		doc.Memory = append(doc.Memory, s.Memory)
		doc.Power = append(doc.Power, s.PowerWatts())
	}
	return doc
}

// Len is the number of samples in the document.
func (d Document) Len() int {
	return len(d.Timestamps)
}

// Validate checks that all arrays have the same length.
func (d Document) Validate() error {
	n := len(d.Timestamps)
	for name, l := range map[string]int{
		"temperatures": len(d.Temperatures),
		"utilizations": len(d.Utilizations),
		"memory":       len(d.Memory),
		"power":        len(d.Power),
	} {
		if l != n {
			return fmt.Errorf("%s has %d entries, timestamps has %d", name, l, n)
		}
	}
	return nil
}
