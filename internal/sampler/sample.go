package sampler

import (
	"encoding/json"
	"time"
)

// DisplayLayout renders epochs for the dashboard (month-day hour:minute:second).
const DisplayLayout = "01-02 15:04:05"

// Sample is one sanitized observation. Epoch is authoritative; Timestamp is
// derived from it for display.
type Sample struct {
	Epoch          int64
	Timestamp      string
	Temperature    float64
	Utilization    float64
	Memory         float64
	Power          float64
	PowerAvailable bool
}

// Time returns the sample epoch as a time.Time.
func (s Sample) Time() time.Time {
	return time.Unix(s.Epoch, 0)
}

// PowerWatts returns nil when the power sensor reading was unavailable.
func (s Sample) PowerWatts() *float64 {
	if !s.PowerAvailable {
		return nil
	}
	return float64Ptr(s.Power)
}

type sampleJSON struct {
	Epoch          int64    `json:"epoch"`
	Timestamp      string   `json:"timestamp"`
	Temperature    float64  `json:"temperature"`
	Utilization    float64  `json:"utilization"`
	Memory         float64  `json:"memory"`
	Power          *float64 `json:"power"`
	PowerAvailable bool     `json:"power_available"`
}

// MarshalJSON renders unavailable power as null.
func (s Sample) MarshalJSON() ([]byte, error) {
	return json.Marshal(sampleJSON{
		Epoch:          s.Epoch,
		Timestamp:      s.Timestamp,
		Temperature:    s.Temperature,
		Utilization:    s.Utilization,
		Memory:         s.Memory,
		Power:          s.PowerWatts(),
		PowerAvailable: s.PowerAvailable,
	})
}

// UnmarshalJSON accepts the MarshalJSON form.
func (s *Sample) UnmarshalJSON(data []byte) error {
	var raw sampleJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*s = Sample{
		Epoch:          raw.Epoch,
		Timestamp:      raw.Timestamp,
		Temperature:    raw.Temperature,
		Utilization:    raw.Utilization,
		Memory:         raw.Memory,
		PowerAvailable: raw.Power != nil,
	}
	if raw.Power != nil {
		s.Power = *raw.Power
	}
	return nil
}

// FormatTimestamp renders epoch in the display layout using local time.
func FormatTimestamp(epoch int64) string {
	return time.Unix(epoch, 0).Format(DisplayLayout)
}

func float64Ptr(v float64) *float64 {
	return &v
}
