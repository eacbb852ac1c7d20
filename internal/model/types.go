package model

import "time"

type Thresholds struct {
	Lower float64 `json:"Lower" yaml:"Lower"`
	Upper float64 `json:"Upper" yaml:"Upper"`
}

// DeviceProfile is the stored record for one printer: its debounce policy and
// the two running counters.
type DeviceProfile struct {
	PrinterID        string     `json:"PrinterId" yaml:"PrinterId"`
	Thresholds       Thresholds `json:"Thresholds" yaml:"Thresholds"`
	Window           int        `json:"Window" yaml:"Window"`
	OutOfBoundsCount int        `json:"OutOfBoundsCount" yaml:"OutOfBoundsCount"`
	EventCount       int        `json:"EventCount" yaml:"EventCount"`
}

// Counters returns the mutable part of the profile.
func (p DeviceProfile) Counters() Counters {
	return Counters{OutOfBoundsCount: p.OutOfBoundsCount, EventCount: p.EventCount}
}

type Counters struct {
	OutOfBoundsCount int `json:"out_of_bounds_count"`
	EventCount       int `json:"event_count"`
}

// Observation is one validated reading. MessageKey, when set, identifies the
// transport message; Redelivered marks a message the transport says may have
// been seen before.
type Observation struct {
	DeviceID    string  `json:"PrinterId"`
	Value       float64 `json:"value"`
	Source      string  `json:"source,omitempty"`
	MessageKey  string  `json:"-"`
	Redelivered bool    `json:"-"`
}

type Event struct {
	DeviceID   string    `json:"PrinterId"`
	EventCount int       `json:"events"`
	FiredAt    time.Time `json:"fired_at"`
}

// Outcome describes what handling one observation did.
type Outcome struct {
	DeviceID         string `json:"PrinterId"`
	Fired            bool   `json:"fired"`
	OutOfBounds      bool   `json:"out_of_bounds"`
	OutOfBoundsCount int    `json:"out_of_bounds_count"`
	EventCount       int    `json:"event_count"`
	Attempts         int    `json:"attempts"`
	Duplicate        bool   `json:"duplicate,omitempty"`
}

type RankEntry struct {
	PrinterID  string `json:"PrinterId"`
	EventCount int    `json:"EventCount"`
}
