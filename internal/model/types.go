// Package model defines shared data structures.
package model

import "time"

// DefaultFields is the static sensor schema emitted by the rig firmware:
// motor current, IMU acceleration and rate, and loop frequency.
var DefaultFields = []string{"Current", "AcX", "AcY", "AcZ", "GyX", "GyY", "GyZ", "Freq"}

// Schema is the ordered list of named fields in a sensor line. It is fixed
// for the lifetime of a session.
type Schema struct {
	Fields []string
}

// Len returns the number of declared fields.
func (s Schema) Len() int {
	return len(s.Fields)
}

// IsZero reports whether the schema has not been determined yet.
func (s Schema) IsZero() bool {
	return len(s.Fields) == 0
}

// SensorRecord is one accepted sensor line stamped with its capture time.
type SensorRecord struct {
	Timestamp time.Time
	Values    []float64
}

// FrameRecord references one persisted camera frame.
type FrameRecord struct {
	Timestamp time.Time
	Path      string
}

// Session describes one acquisition run on disk.
type Session struct {
	ID        string    `json:"id"`
	Dir       string    `json:"dir"`
	SensorLog string    `json:"sensor_log"`
	FrameDir  string    `json:"frame_dir"`
	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at,omitempty"`
	Fields    []string  `json:"fields,omitempty"`
	State     string    `json:"state"`

	SensorRecords   int `json:"sensor_records"`
	SensorDiscarded int `json:"sensor_discarded"`
	Frames          int `json:"frames"`
	FrameTimeouts   int `json:"frame_timeouts"`

	MotionError   string `json:"motion_error,omitempty"`
	TeardownError string `json:"teardown_error,omitempty"`
}

// SessionSummary is a catalog row for listing sessions.
type SessionSummary struct {
	ID              string
	Dir             string
	StartedAt       time.Time
	EndedAt         time.Time
	State           string
	SensorRecords   int
	SensorDiscarded int
	Frames          int
	MotionError     string
}

// Duration returns the run length, or zero while it is still open.
func (s SessionSummary) Duration() time.Duration {
	if s.EndedAt.IsZero() || s.EndedAt.Before(s.StartedAt) {
		return 0
	}
	return s.EndedAt.Sub(s.StartedAt)
}
