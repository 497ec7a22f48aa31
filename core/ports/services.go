package ports

import (
	"context"

	"github.com/kubescape/vulndash/core/domain"
)

// ProcessingService is the port implemented by the business component ProcessingService
type ProcessingService interface {
	AddEntry(ctx context.Context, sourceID uint, rawText string, metadata map[string]string) (domain.RawEntry, error)
	Approve(ctx context.Context, cveID string, overrides domain.ReviewOverrides) (domain.Vulnerability, error)
	BulkApprove(ctx context.Context, cveIDs []string) domain.BulkResult
	BulkReject(ctx context.Context, cveIDs []string) domain.BulkResult
	ProcessBatch(ctx context.Context, limit int) (domain.BatchStats, error)
	ProviderModels(ctx context.Context) []domain.ProviderModels
	ProviderStatuses(ctx context.Context) []domain.ConnectionStatus
	PurgeOldEntries(ctx context.Context, retentionDays int) (int, error)
	Ready(ctx context.Context) bool
	Reject(ctx context.Context, cveID string) error
	ReviewQueue(ctx context.Context, limit, offset int) (domain.ReviewPage, error)
	RunCycle(ctx context.Context, limit, retentionDays int) (domain.BatchStats, error)
	Status(ctx context.Context) (domain.QueueStatus, error)
	TestExtraction(ctx context.Context, rawText string) (domain.ExtractionResult, error)
}

// Scheduler is the port implemented by the background processing loop
type Scheduler interface {
	Start(ctx context.Context) error
	Status() domain.SchedulerStatus
	Stop(ctx context.Context) error
	TriggerNow(ctx context.Context) (domain.BatchStats, error)
}
