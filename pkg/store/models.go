package store

import (
	"time"

	"github.com/ethpandaops/energyoor/pkg/report"
)

// Session statuses.
const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

// Session is one measurement session of a workload.
type Session struct {
	ID             uint   `gorm:"primaryKey" json:"-"`
	SessionID      string `gorm:"not null;uniqueIndex" json:"session_id"`
	Workload       string `gorm:"not null;index" json:"workload"`
	Image          string `json:"image,omitempty"`
	ImageDigest    string `json:"image_digest,omitempty"`
	Command        string `gorm:"type:text" json:"command"`
	Sampler        string `json:"sampler"`
	RunsConfigured int    `json:"runs_configured"`
	RunsRecorded   int    `json:"runs_recorded"`
	RunsFailed     int    `json:"runs_failed"`
	Status         string `gorm:"index" json:"status"`
	Dir            string `json:"dir,omitempty"`

	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// RunRecord is one persisted measurement. Records are only ever inserted.
type RunRecord struct {
	ID              uint      `gorm:"primaryKey" json:"-"`
	SessionID       string    `gorm:"not null;index" json:"session_id"`
	Workload        string    `gorm:"not null;index" json:"workload"`
	Run             int       `json:"run"`
	EnergyJoules    float64   `json:"energy_joules"`
	DurationSeconds float64   `json:"duration_seconds"`
	RecordedAt      time.Time `json:"recorded_at"`
}

// Record converts the stored row to a table record.
func (r RunRecord) Record() report.Record {
	return report.Record{
		Run:             r.Run,
		EnergyJoules:    r.EnergyJoules,
		DurationSeconds: r.DurationSeconds,
	}
}

// Records converts stored rows to table records, preserving order.
func Records(runs []RunRecord) []report.Record {
	out := make([]report.Record, 0, len(runs))
	for _, r := range runs {
		out = append(out, r.Record())
	}

	return out
}
