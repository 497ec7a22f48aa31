package services

import (
	"context"
	"time"

	"github.com/kubescape/vulndash/core/domain"
	"github.com/kubescape/vulndash/core/ports"
)

type MockProcessingService struct {
	happy bool
}

var _ ports.ProcessingService = (*MockProcessingService)(nil)

func NewMockProcessingService(happy bool) *MockProcessingService {
	return &MockProcessingService{happy: happy}
}

func (m MockProcessingService) err() error {
	if m.happy {
		return nil
	}
	return domain.ErrMockError
}

func (m MockProcessingService) AddEntry(_ context.Context, sourceID uint, rawText string, metadata map[string]string) (domain.RawEntry, error) {
	return domain.RawEntry{ID: 1, SourceID: sourceID, RawPayload: rawText, RawMetadata: metadata, Status: domain.StatusPending}, m.err()
}

func (m MockProcessingService) Approve(_ context.Context, cveID string, _ domain.ReviewOverrides) (domain.Vulnerability, error) {
	return domain.Vulnerability{CVEID: cveID}, m.err()
}

func (m MockProcessingService) BulkApprove(_ context.Context, cveIDs []string) domain.BulkResult {
	return m.bulk(cveIDs)
}

func (m MockProcessingService) BulkReject(_ context.Context, cveIDs []string) domain.BulkResult {
	return m.bulk(cveIDs)
}

func (m MockProcessingService) bulk(cveIDs []string) domain.BulkResult {
	if m.happy {
		return domain.BulkResult{Succeeded: cveIDs}
	}
	failed := map[string]string{}
	for _, id := range cveIDs {
		failed[id] = domain.ErrMockError.Error()
	}
	return domain.BulkResult{Succeeded: []string{}, Failed: failed}
}

func (m MockProcessingService) ProcessBatch(context.Context, int) (domain.BatchStats, error) {
	now := time.Now()
	return domain.BatchStats{RunID: "mock", StartedAt: now, EndedAt: now}, m.err()
}

func (m MockProcessingService) ProviderModels(context.Context) []domain.ProviderModels {
	return []domain.ProviderModels{{Provider: "mock", Models: []domain.ModelInfo{{Name: "mock-model"}}}}
}

func (m MockProcessingService) ProviderStatuses(context.Context) []domain.ConnectionStatus {
	return []domain.ConnectionStatus{{Provider: "mock", Connected: m.happy}}
}

func (m MockProcessingService) PurgeOldEntries(context.Context, int) (int, error) {
	return 0, m.err()
}

func (m MockProcessingService) Ready(context.Context) bool {
	return m.happy
}

func (m MockProcessingService) Reject(context.Context, string) error {
	return m.err()
}

func (m MockProcessingService) ReviewQueue(_ context.Context, limit, offset int) (domain.ReviewPage, error) {
	return domain.ReviewPage{Items: []domain.Vulnerability{}, Limit: limit, Offset: offset}, m.err()
}

func (m MockProcessingService) RunCycle(ctx context.Context, limit, _ int) (domain.BatchStats, error) {
	return m.ProcessBatch(ctx, limit)
}

func (m MockProcessingService) Status(context.Context) (domain.QueueStatus, error) {
	return domain.QueueStatus{}, m.err()
}

func (m MockProcessingService) TestExtraction(_ context.Context, rawText string) (domain.ExtractionResult, error) {
	cveID, _ := domain.FindCVEID(rawText)
	return domain.ExtractionResult{CVEID: cveID, Severity: domain.SeverityUnknown, NeedsReview: true}, m.err()
}
