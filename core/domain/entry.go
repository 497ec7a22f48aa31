package domain

import "time"

// ProcessingStatus is the lifecycle state of a RawEntry
type ProcessingStatus string

const (
	StatusPending    ProcessingStatus = "pending"
	StatusProcessing ProcessingStatus = "processing"
	StatusCompleted  ProcessingStatus = "completed"
	StatusFailed     ProcessingStatus = "failed"
)

// MaxProcessingAttempts is the retry ceiling for a failed entry
const MaxProcessingAttempts = 3

// RawEntry is an ingested feed payload waiting to be turned into a Vulnerability.
// Entries are created by the ingestion side and only mutated by the processing pipeline.
type RawEntry struct {
	ID                  uint              `json:"id"`
	SourceID            uint              `json:"source_id"`
	RawPayload          string            `json:"raw_payload"`
	RawMetadata         map[string]string `json:"raw_metadata,omitempty"`
	Status              ProcessingStatus  `json:"processing_status"`
	ProcessingAttempts  int               `json:"processing_attempts"`
	LastProcessingError string            `json:"last_processing_error,omitempty"`
	IngestedAt          time.Time         `json:"ingested_at"`
	ProcessedAt         *time.Time        `json:"processed_at,omitempty"`
}

// Eligible reports whether the entry can be picked up by a batch
func (e RawEntry) Eligible() bool {
	switch e.Status {
	case StatusPending:
		return true
	case StatusFailed:
		return e.ProcessingAttempts < MaxProcessingAttempts
	}
	return false
}

// Purgeable reports whether a completed entry was processed before cutoff
func (e RawEntry) Purgeable(cutoff time.Time) bool {
	return e.Status == StatusCompleted && e.ProcessedAt != nil && e.ProcessedAt.Before(cutoff)
}

// MarkProcessing bumps the attempt counter and moves the entry to StatusProcessing
func (e *RawEntry) MarkProcessing() {
	e.ProcessingAttempts++
	e.Status = StatusProcessing
}

// MarkCompleted moves the entry to its successful terminal state
func (e *RawEntry) MarkCompleted(now time.Time) {
	e.Status = StatusCompleted
	e.LastProcessingError = ""
	e.ProcessedAt = &now
}

// MarkFailed records the failure; the entry is retried while attempts remain
func (e *RawEntry) MarkFailed(now time.Time, reason string) {
	e.Status = StatusFailed
	e.LastProcessingError = reason
	e.ProcessedAt = &now
}
