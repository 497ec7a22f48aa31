package domain

import "time"

// Outcome is how a single entry was reconciled
type Outcome string

const (
	OutcomeCreated Outcome = "created"
	OutcomeUpdated Outcome = "updated"
	OutcomeSkipped Outcome = "skipped"
	OutcomeFailed  Outcome = "failed"
)

// BatchStats summarizes one ProcessBatch call, and the purge of the same cycle when run by the scheduler
type BatchStats struct {
	RunID           string    `json:"run_id" yaml:"run_id"`
	Processed       int       `json:"processed" yaml:"processed"`
	Created         int       `json:"created" yaml:"created"`
	Updated         int       `json:"updated" yaml:"updated"`
	Failed          int       `json:"failed" yaml:"failed"`
	Skipped         int       `json:"skipped" yaml:"skipped"`
	Duplicates      int       `json:"duplicates" yaml:"duplicates"`
	Purged          int       `json:"purged" yaml:"purged"`
	Interrupted     bool      `json:"interrupted,omitempty" yaml:"interrupted,omitempty"`
	StartedAt       time.Time `json:"started_at" yaml:"started_at"`
	EndedAt         time.Time `json:"ended_at" yaml:"ended_at"`
	DurationSeconds float64   `json:"duration_seconds" yaml:"duration_seconds"`
}

// Record counts one processed entry. Updated and skipped entries are both duplicates.
func (s *BatchStats) Record(o Outcome) {
	s.Processed++
	switch o {
	case OutcomeCreated:
		s.Created++
	case OutcomeUpdated:
		s.Updated++
		s.Duplicates++
	case OutcomeSkipped:
		s.Skipped++
		s.Duplicates++
	case OutcomeFailed:
		s.Failed++
	}
}

// Finish stamps the end of the batch
func (s *BatchStats) Finish(now time.Time) {
	s.EndedAt = now
	s.DurationSeconds = now.Sub(s.StartedAt).Seconds()
}
