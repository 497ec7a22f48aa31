package services

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kubescape/go-logger"
	"github.com/kubescape/go-logger/helpers"
	"github.com/kubescape/vulndash/core/domain"
	"github.com/kubescape/vulndash/core/ports"
	"github.com/kubescape/vulndash/internal/metrics"
	"github.com/kubescape/vulndash/internal/tools"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const (
	defaultReviewPageSize = 50
	maxReviewPageSize     = 500
	maxErrorLength        = 1000
)

// ProcessingService implements ProcessingService from ports, this is the business component
// business logic should be independent of implementations
type ProcessingService struct {
	extractor       ports.Extractor
	entries         ports.EntryRepository
	vulnerabilities ports.VulnerabilityRepository
	runLock         ports.RunLock
	now             func() time.Time
}

var _ ports.ProcessingService = (*ProcessingService)(nil)

// NewProcessingService initializes the ProcessingService with all injected dependencies
func NewProcessingService(extractor ports.Extractor, entries ports.EntryRepository, vulnerabilities ports.VulnerabilityRepository, runLock ports.RunLock) *ProcessingService {
	return &ProcessingService{
		extractor:       extractor,
		entries:         entries,
		vulnerabilities: vulnerabilities,
		runLock:         runLock,
		now:             time.Now,
	}
}

// AddEntry enqueues raw text as a pending entry
func (s *ProcessingService) AddEntry(ctx context.Context, sourceID uint, rawText string, metadata map[string]string) (domain.RawEntry, error) {
	ctx, span := otel.Tracer("").Start(ctx, "ProcessingService.AddEntry")
	defer span.End()
	if strings.TrimSpace(rawText) == "" {
		return domain.RawEntry{}, domain.ErrEmptyText
	}
	return s.entries.AddEntry(ctx, domain.RawEntry{
		SourceID:    sourceID,
		RawPayload:  rawText,
		RawMetadata: metadata,
		Status:      domain.StatusPending,
		IngestedAt:  s.now(),
	})
}

// ProcessBatch drives up to limit eligible entries through extraction and reconciliation, one at a time.
// Cancelling ctx stops the batch between entries, never during one.
func (s *ProcessingService) ProcessBatch(ctx context.Context, limit int) (domain.BatchStats, error) {
	ctx, span := otel.Tracer("").Start(ctx, "ProcessingService.ProcessBatch")
	defer span.End()
	stats := domain.BatchStats{RunID: uuid.NewString(), StartedAt: s.now()}

	locked, err := s.runLock.TryLock(ctx)
	if err != nil {
		return stats, fmt.Errorf("acquire run lock: %w", err)
	}
	if !locked {
		return stats, domain.ErrBatchInProgress
	}
	defer func() {
		if err := s.runLock.Unlock(context.WithoutCancel(ctx)); err != nil {
			logger.L().Ctx(ctx).Error("failed to release run lock", helpers.Error(err))
		}
	}()

	entries, err := s.entries.GetPendingEntries(ctx, limit, domain.MaxProcessingAttempts)
	if err != nil {
		stats.Finish(s.now())
		return stats, fmt.Errorf("get pending entries: %w", err)
	}
	logger.L().Info("processing batch",
		helpers.String("runID", stats.RunID),
		helpers.Int("entries", len(entries)))

	for _, entry := range entries {
		if ctx.Err() != nil {
			stats.Interrupted = true
			logger.L().Info("batch stopped between entries",
				helpers.String("runID", stats.RunID),
				helpers.Int("processed", stats.Processed))
			break
		}
		// an entry in flight is finished even if a stop arrives meanwhile
		outcome := s.processEntry(context.WithoutCancel(ctx), entry)
		stats.Record(outcome)
		metrics.EntriesProcessed.WithLabelValues(string(outcome)).Inc()
	}

	stats.Finish(s.now())
	metrics.BatchDuration.Observe(stats.DurationSeconds)
	logger.L().Info("batch processing complete",
		helpers.String("runID", stats.RunID),
		helpers.Int("processed", stats.Processed),
		helpers.Int("created", stats.Created),
		helpers.Int("updated", stats.Updated),
		helpers.Int("failed", stats.Failed),
		helpers.Int("skipped", stats.Skipped))
	return stats, nil
}

func (s *ProcessingService) processEntry(ctx context.Context, entry domain.RawEntry) domain.Outcome {
	ctx, span := otel.Tracer("").Start(ctx, "ProcessingService.processEntry",
		trace.WithAttributes(attribute.Int("entryID", int(entry.ID))))
	defer span.End()

	entry.MarkProcessing()
	if err := s.entries.UpdateEntry(ctx, entry); err != nil {
		logger.L().Ctx(ctx).Error("failed to mark entry processing",
			helpers.Int("entryID", int(entry.ID)),
			helpers.Error(err))
		return domain.OutcomeFailed
	}

	result := s.extractor.Extract(ctx, entry.RawPayload)
	span.SetAttributes(
		attribute.String("cveID", result.CVEID),
		attribute.Float64("confidence", result.ConfidenceScore))

	// provider outages are retried through the queue, the salvaged result is only kept on the last attempt
	if result.Metadata.Fallback && entry.ProcessingAttempts < domain.MaxProcessingAttempts {
		return s.fail(ctx, entry, fmt.Errorf("extraction failed: %s", result.Metadata.Error))
	}
	if !result.HasCVEID() {
		return s.fail(ctx, entry, domain.ErrNoCVEID)
	}

	outcome, err := s.reconcile(ctx, result)
	if err != nil {
		return s.fail(ctx, entry, err)
	}

	entry.MarkCompleted(s.now())
	if err := s.entries.UpdateEntry(ctx, entry); err != nil {
		logger.L().Ctx(ctx).Error("failed to mark entry completed",
			helpers.Int("entryID", int(entry.ID)),
			helpers.String("cveID", result.CVEID),
			helpers.Error(err))
		return domain.OutcomeFailed
	}
	logger.L().Info("entry processed",
		helpers.Int("entryID", int(entry.ID)),
		helpers.String("cveID", result.CVEID),
		helpers.String("outcome", string(outcome)),
		helpers.String("provider", result.Metadata.Provider),
		helpers.Interface("confidence", result.ConfidenceScore))
	return outcome
}

// reconcile classifies the extraction against the store at the point of decision
func (s *ProcessingService) reconcile(ctx context.Context, result domain.ExtractionResult) (domain.Outcome, error) {
	existing, err := s.vulnerabilities.GetVulnerability(ctx, result.CVEID)
	if err != nil {
		return domain.OutcomeFailed, fmt.Errorf("get vulnerability %s: %w", result.CVEID, err)
	}
	now := s.now()
	if existing == nil {
		if err := s.vulnerabilities.CreateVulnerability(ctx, domain.NewVulnerability(result, now)); err != nil {
			return domain.OutcomeFailed, fmt.Errorf("create vulnerability %s: %w", result.CVEID, err)
		}
		return domain.OutcomeCreated, nil
	}
	previous := existing.ConfidenceScore
	if !existing.Upgrade(result, now) {
		logger.L().Debug("skipping duplicate",
			helpers.String("cveID", result.CVEID),
			helpers.Interface("confidence", result.ConfidenceScore),
			helpers.Interface("stored", previous))
		return domain.OutcomeSkipped, nil
	}
	if err := s.vulnerabilities.UpdateVulnerability(ctx, *existing); err != nil {
		return domain.OutcomeFailed, fmt.Errorf("update vulnerability %s: %w", result.CVEID, err)
	}
	return domain.OutcomeUpdated, nil
}

func (s *ProcessingService) fail(ctx context.Context, entry domain.RawEntry, cause error) domain.Outcome {
	entry.MarkFailed(s.now(), tools.Truncate(cause.Error(), maxErrorLength))
	logger.L().Ctx(ctx).Warning("entry failed",
		helpers.Int("entryID", int(entry.ID)),
		helpers.Int("attempts", entry.ProcessingAttempts),
		helpers.Error(cause))
	if err := s.entries.UpdateEntry(ctx, entry); err != nil {
		logger.L().Ctx(ctx).Error("failed to mark entry failed",
			helpers.Int("entryID", int(entry.ID)),
			helpers.Error(err))
	}
	return domain.OutcomeFailed
}

// PurgeOldEntries removes completed entries processed more than retentionDays ago
func (s *ProcessingService) PurgeOldEntries(ctx context.Context, retentionDays int) (int, error) {
	ctx, span := otel.Tracer("").Start(ctx, "ProcessingService.PurgeOldEntries")
	defer span.End()
	if retentionDays < 0 {
		return 0, fmt.Errorf("retention of %d days: %w", retentionDays, domain.ErrInvalidInput)
	}
	cutoff := s.now().Add(-time.Duration(retentionDays) * 24 * time.Hour)
	purged, err := s.entries.PurgeCompletedBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge entries: %w", err)
	}
	metrics.EntriesPurged.Add(float64(purged))
	logger.L().Info("purged raw entries",
		helpers.Int("purged", purged),
		helpers.Int("retentionDays", retentionDays))
	return purged, nil
}

// RunCycle is one scheduler tick: a batch followed by the retention purge
func (s *ProcessingService) RunCycle(ctx context.Context, limit, retentionDays int) (domain.BatchStats, error) {
	ctx, span := otel.Tracer("").Start(ctx, "ProcessingService.RunCycle")
	defer span.End()
	stats, err := s.ProcessBatch(ctx, limit)
	if err != nil {
		return stats, err
	}
	purged, err := s.PurgeOldEntries(context.WithoutCancel(ctx), retentionDays)
	if err != nil {
		logger.L().Ctx(ctx).Warning("purge failed", helpers.Error(err))
	}
	stats.Purged = purged
	return stats, nil
}

// Status counts the raw entry queue and the curated store
func (s *ProcessingService) Status(ctx context.Context) (domain.QueueStatus, error) {
	ctx, span := otel.Tracer("").Start(ctx, "ProcessingService.Status")
	defer span.End()
	entries, err := s.entries.CountEntries(ctx)
	if err != nil {
		return domain.QueueStatus{}, fmt.Errorf("count entries: %w", err)
	}
	vulns, err := s.vulnerabilities.CountVulnerabilities(ctx)
	if err != nil {
		return domain.QueueStatus{}, fmt.Errorf("count vulnerabilities: %w", err)
	}
	return domain.QueueStatus{
		Pending:         entries.ByStatus[domain.StatusPending],
		Processing:      entries.ByStatus[domain.StatusProcessing],
		Completed:       entries.ByStatus[domain.StatusCompleted],
		Failed:          entries.ByStatus[domain.StatusFailed],
		Exhausted:       entries.Exhausted,
		Vulnerabilities: vulns.Total,
		NeedsReview:     vulns.NeedsReview,
		Approved:        vulns.Total - vulns.NeedsReview,
	}, nil
}

// ReviewQueue pages through vulnerabilities flagged for review, least confident first
func (s *ProcessingService) ReviewQueue(ctx context.Context, limit, offset int) (domain.ReviewPage, error) {
	ctx, span := otel.Tracer("").Start(ctx, "ProcessingService.ReviewQueue")
	defer span.End()
	if limit <= 0 {
		limit = defaultReviewPageSize
	}
	limit = min(limit, maxReviewPageSize)
	offset = max(offset, 0)
	items, total, err := s.vulnerabilities.ListNeedsReview(ctx, limit, offset)
	if err != nil {
		return domain.ReviewPage{}, err
	}
	if items == nil {
		items = []domain.Vulnerability{}
	}
	return domain.ReviewPage{Items: items, Total: total, Limit: limit, Offset: offset}, nil
}

func (s *ProcessingService) pendingReview(ctx context.Context, cveID string) (*domain.Vulnerability, error) {
	cveID = strings.ToUpper(strings.TrimSpace(cveID))
	vuln, err := s.vulnerabilities.GetVulnerability(ctx, cveID)
	if err != nil {
		return nil, err
	}
	if vuln == nil {
		return nil, fmt.Errorf("vulnerability %s: %w", cveID, domain.ErrNotFound)
	}
	if !vuln.NeedsReview {
		return nil, fmt.Errorf("vulnerability %s: %w", cveID, domain.ErrAlreadyReviewed)
	}
	return vuln, nil
}

// Approve clears the review flag, applying the reviewer's corrections
func (s *ProcessingService) Approve(ctx context.Context, cveID string, overrides domain.ReviewOverrides) (domain.Vulnerability, error) {
	ctx, span := otel.Tracer("").Start(ctx, "ProcessingService.Approve")
	defer span.End()
	if overrides.CVSSScore != nil && (*overrides.CVSSScore < 0 || *overrides.CVSSScore > 10) {
		return domain.Vulnerability{}, fmt.Errorf("cvss score %v out of range: %w", *overrides.CVSSScore, domain.ErrInvalidInput)
	}
	vuln, err := s.pendingReview(ctx, cveID)
	if err != nil {
		return domain.Vulnerability{}, err
	}
	vuln.Approve(overrides, s.now())
	if err := s.vulnerabilities.UpdateVulnerability(ctx, *vuln); err != nil {
		return domain.Vulnerability{}, err
	}
	logger.L().Info("vulnerability approved", helpers.String("cveID", vuln.CVEID))
	return *vuln, nil
}

// Reject deletes a vulnerability pending review, this is the only deletion path
func (s *ProcessingService) Reject(ctx context.Context, cveID string) error {
	ctx, span := otel.Tracer("").Start(ctx, "ProcessingService.Reject")
	defer span.End()
	vuln, err := s.pendingReview(ctx, cveID)
	if err != nil {
		return err
	}
	if err := s.vulnerabilities.DeleteVulnerability(ctx, vuln.CVEID); err != nil {
		return err
	}
	logger.L().Info("vulnerability rejected", helpers.String("cveID", vuln.CVEID))
	return nil
}

func (s *ProcessingService) BulkApprove(ctx context.Context, cveIDs []string) domain.BulkResult {
	return bulk(cveIDs, func(id string) error {
		_, err := s.Approve(ctx, id, domain.ReviewOverrides{})
		return err
	})
}

func (s *ProcessingService) BulkReject(ctx context.Context, cveIDs []string) domain.BulkResult {
	return bulk(cveIDs, func(id string) error {
		return s.Reject(ctx, id)
	})
}

func bulk(cveIDs []string, action func(string) error) domain.BulkResult {
	result := domain.BulkResult{Succeeded: []string{}}
	for _, id := range cveIDs {
		if err := action(id); err != nil {
			if result.Failed == nil {
				result.Failed = map[string]string{}
			}
			result.Failed[id] = err.Error()
			continue
		}
		result.Succeeded = append(result.Succeeded, id)
	}
	return result
}

// TestExtraction runs the extraction engine on ad-hoc text without touching the store
func (s *ProcessingService) TestExtraction(ctx context.Context, rawText string) (domain.ExtractionResult, error) {
	ctx, span := otel.Tracer("").Start(ctx, "ProcessingService.TestExtraction")
	defer span.End()
	if strings.TrimSpace(rawText) == "" {
		return domain.ExtractionResult{}, domain.ErrEmptyText
	}
	return s.extractor.Extract(ctx, rawText), nil
}

// ProviderStatuses probes every provider of the chain
func (s *ProcessingService) ProviderStatuses(ctx context.Context) []domain.ConnectionStatus {
	ctx, span := otel.Tracer("").Start(ctx, "ProcessingService.ProviderStatuses")
	defer span.End()
	var statuses []domain.ConnectionStatus
	for _, p := range s.extractor.Providers() {
		status, err := p.TestConnection(ctx)
		status.Provider = p.Name()
		if err != nil {
			status.Connected = false
			status.Error = err.Error()
		}
		statuses = append(statuses, status)
	}
	return statuses
}

// ProviderModels lists the models of every provider of the chain
func (s *ProcessingService) ProviderModels(ctx context.Context) []domain.ProviderModels {
	ctx, span := otel.Tracer("").Start(ctx, "ProcessingService.ProviderModels")
	defer span.End()
	var out []domain.ProviderModels
	for _, p := range s.extractor.Providers() {
		models, err := p.ListModels(ctx)
		pm := domain.ProviderModels{Provider: p.Name(), Models: models}
		if err != nil {
			pm.Error = err.Error()
		}
		if pm.Models == nil {
			pm.Models = []domain.ModelInfo{}
		}
		out = append(out, pm)
	}
	return out
}

// Ready reports whether the primary provider answers
func (s *ProcessingService) Ready(ctx context.Context) bool {
	providers := s.extractor.Providers()
	if len(providers) == 0 {
		return false
	}
	status, err := providers[0].TestConnection(ctx)
	if err != nil {
		logger.L().Ctx(ctx).Warning("primary provider not ready", helpers.Error(err))
		return false
	}
	return status.Connected
}

