package domain

import "time"

// QueueStatus is a snapshot of the raw entry queue and the curated store
type QueueStatus struct {
	Pending         int `json:"pending" yaml:"pending"`
	Processing      int `json:"processing" yaml:"processing"`
	Completed       int `json:"completed" yaml:"completed"`
	Failed          int `json:"failed" yaml:"failed"`
	Exhausted       int `json:"exhausted" yaml:"exhausted"`
	Vulnerabilities int `json:"vulnerabilities" yaml:"vulnerabilities"`
	NeedsReview     int `json:"needs_review" yaml:"needs_review"`
	Approved        int `json:"approved" yaml:"approved"`
}

// EntryCounts are raw entry totals per status, plus failed entries past the retry ceiling
type EntryCounts struct {
	ByStatus  map[ProcessingStatus]int
	Exhausted int
}

// VulnerabilityCounts are curated store totals
type VulnerabilityCounts struct {
	Total       int
	NeedsReview int
}

// SchedulerStatus describes the background processing loop
type SchedulerStatus struct {
	Running         bool        `json:"running" yaml:"running"`
	IntervalMinutes int         `json:"interval_minutes" yaml:"interval_minutes"`
	LastRun         *time.Time  `json:"last_run,omitempty" yaml:"last_run,omitempty"`
	NextRun         *time.Time  `json:"next_run,omitempty" yaml:"next_run,omitempty"`
	LastStats       *BatchStats `json:"last_stats,omitempty" yaml:"last_stats,omitempty"`
	LastError       string      `json:"last_error,omitempty" yaml:"last_error,omitempty"`
}

// ReviewPage is one page of the review queue
type ReviewPage struct {
	Items  []Vulnerability `json:"items" yaml:"items"`
	Total  int             `json:"total" yaml:"total"`
	Limit  int             `json:"limit" yaml:"limit"`
	Offset int             `json:"offset" yaml:"offset"`
}

// BulkResult reports per item outcomes of a bulk review action
type BulkResult struct {
	Succeeded []string          `json:"succeeded" yaml:"succeeded"`
	Failed    map[string]string `json:"failed,omitempty" yaml:"failed,omitempty"`
}
