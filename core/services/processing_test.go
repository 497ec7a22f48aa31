package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/kubescape/vulndash/adapters"
	"github.com/kubescape/vulndash/core/domain"
	"github.com/kubescape/vulndash/core/ports"
	"github.com/kubescape/vulndash/goroutinelimits"
	"github.com/kubescape/vulndash/internal/tools"
	"github.com/kubescape/vulndash/repositories"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedExtractor returns a canned result per raw text, unknown texts yield an empty result
type scriptedExtractor struct {
	results map[string]domain.ExtractionResult
	onCall  func()
	calls   int
}

func (s *scriptedExtractor) Extract(_ context.Context, rawText string) domain.ExtractionResult {
	s.calls++
	if s.onCall != nil {
		s.onCall()
	}
	return s.results[rawText]
}

func (s *scriptedExtractor) Providers() []ports.LLMProvider {
	return []ports.LLMProvider{adapters.NewMockProvider("mock", nil)}
}

// flakyStore fails writes for a single CVE
type flakyStore struct {
	*repositories.MemoryStore
	failCVE string
}

func (f flakyStore) CreateVulnerability(ctx context.Context, v domain.Vulnerability) error {
	if v.CVEID == f.failCVE {
		return errors.New("disk full")
	}
	return f.MemoryStore.CreateVulnerability(ctx, v)
}

func result(cveID string, confidence float64, vendor string) domain.ExtractionResult {
	return domain.ExtractionResult{
		CVEID:           cveID,
		Vendor:          vendor,
		Severity:        domain.SeverityHigh,
		ConfidenceScore: confidence,
		NeedsReview:     confidence < 0.8,
	}
}

func newTestService(extractor ports.Extractor, store *repositories.MemoryStore) *ProcessingService {
	return NewProcessingService(extractor, store, store, goroutinelimits.CreateCoroutineGuardian(1))
}

func addEntries(t *testing.T, store *repositories.MemoryStore, texts ...string) []domain.RawEntry {
	base := time.Now().Add(-time.Hour)
	var out []domain.RawEntry
	for i, text := range texts {
		e, err := store.AddEntry(context.TODO(), domain.RawEntry{RawPayload: text, IngestedAt: base.Add(time.Duration(i) * time.Second)})
		tools.EnsureSetup(t, err == nil)
		out = append(out, e)
	}
	return out
}

func TestProcessingService_ProcessBatch(t *testing.T) {
	tests := []struct {
		name      string
		texts     []string
		results   map[string]domain.ExtractionResult
		wantStats domain.BatchStats
		wantVulns int
	}{
		{
			name:      "new vulnerability",
			texts:     []string{"a"},
			results:   map[string]domain.ExtractionResult{"a": result("CVE-2024-1234", 0.9, "Acme")},
			wantStats: domain.BatchStats{Processed: 1, Created: 1},
			wantVulns: 1,
		},
		{
			name:  "same extraction twice is one row",
			texts: []string{"a", "a"},
			results: map[string]domain.ExtractionResult{
				"a": result("CVE-2024-1234", 0.9, "Acme"),
			},
			wantStats: domain.BatchStats{Processed: 2, Created: 1, Skipped: 1, Duplicates: 1},
			wantVulns: 1,
		},
		{
			name:  "higher confidence upgrades",
			texts: []string{"low", "high"},
			results: map[string]domain.ExtractionResult{
				"low":  result("CVE-2024-1234", 0.5, "Acme"),
				"high": result("CVE-2024-1234", 0.9, "Acme Corp"),
			},
			wantStats: domain.BatchStats{Processed: 2, Created: 1, Updated: 1, Duplicates: 1},
			wantVulns: 1,
		},
		{
			name:  "no cve id fails the entry",
			texts: []string{"noise", "a"},
			results: map[string]domain.ExtractionResult{
				"a": result("CVE-2024-1234", 0.9, "Acme"),
			},
			wantStats: domain.BatchStats{Processed: 2, Created: 1, Failed: 1},
			wantVulns: 1,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := repositories.NewMemoryStorage()
			addEntries(t, store, tt.texts...)
			s := newTestService(&scriptedExtractor{results: tt.results}, store)
			got, err := s.ProcessBatch(context.TODO(), 10)
			require.NoError(t, err)
			assert.NotEmpty(t, got.RunID)
			assert.Equal(t, tt.wantStats.Processed, got.Processed)
			assert.Equal(t, tt.wantStats.Created, got.Created)
			assert.Equal(t, tt.wantStats.Updated, got.Updated)
			assert.Equal(t, tt.wantStats.Skipped, got.Skipped)
			assert.Equal(t, tt.wantStats.Duplicates, got.Duplicates)
			assert.Equal(t, tt.wantStats.Failed, got.Failed)
			assert.False(t, got.EndedAt.Before(got.StartedAt))
			counts, _ := store.CountVulnerabilities(context.TODO())
			assert.Equal(t, tt.wantVulns, counts.Total)
		})
	}
}

func TestProcessingService_EndToEnd(t *testing.T) {
	store := repositories.NewMemoryStorage()
	entries := addEntries(t, store, acmeText)
	extractor := NewExtractionService(adapters.NewMockProvider("mock", acmeData()), nil, ExtractionOptions{})
	s := newTestService(extractor, store)
	stats, err := s.ProcessBatch(context.TODO(), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Created)

	v, err := store.GetVulnerability(context.TODO(), "CVE-2024-1234")
	require.NoError(t, err)
	require.NotNil(t, v)
	assert.GreaterOrEqual(t, v.ConfidenceScore, 0.9)
	assert.False(t, v.NeedsReview)
	assert.Equal(t, domain.SeverityCritical, v.Severity)
	assert.Equal(t, "mock", v.ExtractionMetadata.Provider)

	e, _ := store.GetEntry(context.TODO(), entries[0].ID)
	assert.Equal(t, domain.StatusCompleted, e.Status)
	assert.Equal(t, 1, e.ProcessingAttempts)
	assert.NotNil(t, e.ProcessedAt)
}

func TestProcessingService_MonotonicConfidence(t *testing.T) {
	store := repositories.NewMemoryStorage()
	addEntries(t, store, "high", "low")
	s := newTestService(&scriptedExtractor{results: map[string]domain.ExtractionResult{
		"high": result("CVE-2024-1234", 0.9, "Acme"),
		"low":  result("CVE-2024-1234", 0.4, "Other"),
	}}, store)
	stats, err := s.ProcessBatch(context.TODO(), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Skipped)
	v, _ := store.GetVulnerability(context.TODO(), "CVE-2024-1234")
	assert.Equal(t, 0.9, v.ConfidenceScore)
	assert.Equal(t, "Acme", v.Vendor)
}

func TestProcessingService_RetryCeiling(t *testing.T) {
	store := repositories.NewMemoryStorage()
	entries := addEntries(t, store, "noise")
	extractor := &scriptedExtractor{results: map[string]domain.ExtractionResult{}}
	s := newTestService(extractor, store)
	for i := 1; i <= domain.MaxProcessingAttempts; i++ {
		stats, err := s.ProcessBatch(context.TODO(), 10)
		require.NoError(t, err)
		assert.Equal(t, 1, stats.Failed)
		e, _ := store.GetEntry(context.TODO(), entries[0].ID)
		assert.Equal(t, i, e.ProcessingAttempts)
		assert.Equal(t, domain.StatusFailed, e.Status)
		assert.Equal(t, domain.ErrNoCVEID.Error(), e.LastProcessingError)
	}
	stats, err := s.ProcessBatch(context.TODO(), 10)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Processed)
	assert.Equal(t, domain.MaxProcessingAttempts, extractor.calls)
}

func TestProcessingService_ProviderOutageRequeues(t *testing.T) {
	store := repositories.NewMemoryStorage()
	entries := addEntries(t, store, acmeText)
	provider := adapters.NewFailingProvider("ollama", domain.NewConnectionError("ollama", errors.New("connection refused")))
	s := newTestService(NewExtractionService(provider, nil, ExtractionOptions{}), store)

	for i := 1; i < domain.MaxProcessingAttempts; i++ {
		stats, err := s.ProcessBatch(context.TODO(), 10)
		require.NoError(t, err)
		assert.Equal(t, 1, stats.Failed)
		e, _ := store.GetEntry(context.TODO(), entries[0].ID)
		assert.Equal(t, domain.StatusFailed, e.Status)
		assert.Contains(t, e.LastProcessingError, "connection refused")
	}
	// the last attempt keeps what the fallback salvaged
	stats, err := s.ProcessBatch(context.TODO(), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Created)
	v, _ := store.GetVulnerability(context.TODO(), "CVE-2024-1234")
	require.NotNil(t, v)
	assert.Equal(t, 0.1, v.ConfidenceScore)
	assert.True(t, v.NeedsReview)
	assert.True(t, v.ExtractionMetadata.Fallback)

	// a later successful extraction upgrades the salvaged record
	provider.SetResponse(acmeData(), nil)
	addEntries(t, store, acmeText)
	stats, err = s.ProcessBatch(context.TODO(), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Updated)
	v, _ = store.GetVulnerability(context.TODO(), "CVE-2024-1234")
	assert.Equal(t, 0.9, v.ConfidenceScore)
	assert.False(t, v.NeedsReview)
}

func TestProcessingService_EntryIsolation(t *testing.T) {
	mem := repositories.NewMemoryStorage()
	addEntries(t, mem, "bad", "good")
	vulns := flakyStore{MemoryStore: mem, failCVE: "CVE-2024-0001"}
	s := NewProcessingService(&scriptedExtractor{results: map[string]domain.ExtractionResult{
		"bad":  result("CVE-2024-0001", 0.9, "Acme"),
		"good": result("CVE-2024-0002", 0.9, "Acme"),
	}}, mem, vulns, goroutinelimits.CreateCoroutineGuardian(1))
	stats, err := s.ProcessBatch(context.TODO(), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Failed)
	assert.Equal(t, 1, stats.Created)
	pending, _ := mem.GetPendingEntries(context.TODO(), 10, domain.MaxProcessingAttempts)
	require.Len(t, pending, 1)
	assert.Contains(t, pending[0].LastProcessingError, "disk full")
}

func TestProcessingService_RunGuard(t *testing.T) {
	store := repositories.NewMemoryStorage()
	lock := goroutinelimits.CreateCoroutineGuardian(1)
	s := NewProcessingService(&scriptedExtractor{}, store, store, lock)
	ok, _ := lock.TryLock(context.TODO())
	tools.EnsureSetup(t, ok)
	_, err := s.ProcessBatch(context.TODO(), 10)
	assert.ErrorIs(t, err, domain.ErrBatchInProgress)
	_ = lock.Unlock(context.TODO())
	_, err = s.ProcessBatch(context.TODO(), 10)
	assert.NoError(t, err)
	assert.Equal(t, 0, lock.InFlight())

	broken := NewProcessingService(&scriptedExtractor{}, store, store, repositories.BrokenStore{})
	_, err = broken.ProcessBatch(context.TODO(), 10)
	assert.Error(t, err)
}

func TestProcessingService_StopBetweenEntries(t *testing.T) {
	store := repositories.NewMemoryStorage()
	entries := addEntries(t, store, "a", "b", "c")
	ctx, cancel := context.WithCancel(context.TODO())
	defer cancel()
	extractor := &scriptedExtractor{
		results: map[string]domain.ExtractionResult{
			"a": result("CVE-2024-0001", 0.9, ""),
			"b": result("CVE-2024-0002", 0.9, ""),
			"c": result("CVE-2024-0003", 0.9, ""),
		},
		onCall: cancel,
	}
	s := newTestService(extractor, store)
	stats, err := s.ProcessBatch(ctx, 10)
	require.NoError(t, err)
	assert.True(t, stats.Interrupted)
	assert.Equal(t, 1, stats.Processed)
	assert.Equal(t, 1, stats.Created)
	first, _ := store.GetEntry(context.TODO(), entries[0].ID)
	assert.Equal(t, domain.StatusCompleted, first.Status)
	second, _ := store.GetEntry(context.TODO(), entries[1].ID)
	assert.Equal(t, domain.StatusPending, second.Status)
}

func TestProcessingService_BrokenStore(t *testing.T) {
	s := NewProcessingService(&scriptedExtractor{}, repositories.BrokenStore{}, repositories.BrokenStore{}, goroutinelimits.CreateCoroutineGuardian(1))
	_, err := s.ProcessBatch(context.TODO(), 10)
	assert.Error(t, err)
	_, err = s.PurgeOldEntries(context.TODO(), 7)
	assert.Error(t, err)
	_, err = s.Status(context.TODO())
	assert.Error(t, err)
}

func TestProcessingService_PurgeOldEntries(t *testing.T) {
	store := repositories.NewMemoryStorage()
	ctx := context.TODO()
	old := time.Now().Add(-30 * 24 * time.Hour)
	_, _ = store.AddEntry(ctx, domain.RawEntry{RawPayload: "done", Status: domain.StatusCompleted, IngestedAt: old, ProcessedAt: &old})
	_, _ = store.AddEntry(ctx, domain.RawEntry{RawPayload: "pending", IngestedAt: old})
	_, _ = store.AddEntry(ctx, domain.RawEntry{RawPayload: "failed", Status: domain.StatusFailed, ProcessingAttempts: 3, IngestedAt: old, ProcessedAt: &old})
	s := newTestService(&scriptedExtractor{}, store)

	n, err := s.PurgeOldEntries(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	status, err := s.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, status.Pending)
	assert.Equal(t, 1, status.Failed)
	assert.Equal(t, 1, status.Exhausted)
	assert.Equal(t, 0, status.Completed)

	_, err = s.PurgeOldEntries(ctx, -1)
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestProcessingService_RunCycle(t *testing.T) {
	store := repositories.NewMemoryStorage()
	ctx := context.TODO()
	old := time.Now().Add(-30 * 24 * time.Hour)
	_, _ = store.AddEntry(ctx, domain.RawEntry{RawPayload: "done", Status: domain.StatusCompleted, IngestedAt: old, ProcessedAt: &old})
	addEntries(t, store, "a")
	s := newTestService(&scriptedExtractor{results: map[string]domain.ExtractionResult{"a": result("CVE-2024-1234", 0.9, "")}}, store)
	stats, err := s.RunCycle(ctx, 10, 7)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Created)
	assert.Equal(t, 1, stats.Purged)
}

func TestProcessingService_Review(t *testing.T) {
	store := repositories.NewMemoryStorage()
	ctx := context.TODO()
	for _, v := range []domain.Vulnerability{
		{CVEID: "CVE-2024-0001", ConfidenceScore: 0.3, NeedsReview: true, Severity: domain.SeverityUnknown},
		{CVEID: "CVE-2024-0002", ConfidenceScore: 0.6, NeedsReview: true},
		{CVEID: "CVE-2024-0003", ConfidenceScore: 0.9},
		{CVEID: "CVE-2024-0004", ConfidenceScore: 0.5, NeedsReview: true},
		{CVEID: "CVE-2024-0005", ConfidenceScore: 0.5, NeedsReview: true},
	} {
		tools.EnsureSetup(t, store.CreateVulnerability(ctx, v) == nil)
	}
	s := newTestService(&scriptedExtractor{}, store)

	page, err := s.ReviewQueue(ctx, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, 4, page.Total)
	assert.Equal(t, defaultReviewPageSize, page.Limit)
	assert.Equal(t, "CVE-2024-0001", page.Items[0].CVEID)

	sev := domain.SeverityHigh
	v, err := s.Approve(ctx, "cve-2024-0001", domain.ReviewOverrides{Severity: &sev})
	require.NoError(t, err)
	assert.False(t, v.NeedsReview)
	assert.Equal(t, domain.SeverityHigh, v.Severity)

	_, err = s.Approve(ctx, "CVE-2024-0001", domain.ReviewOverrides{})
	assert.ErrorIs(t, err, domain.ErrAlreadyReviewed)
	_, err = s.Approve(ctx, "CVE-1999-0001", domain.ReviewOverrides{})
	assert.ErrorIs(t, err, domain.ErrNotFound)
	_, err = s.Approve(ctx, "CVE-2024-0002", domain.ReviewOverrides{CVSSScore: ptr(11.0)})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	require.NoError(t, s.Reject(ctx, "CVE-2024-0002"))
	got, _ := store.GetVulnerability(ctx, "CVE-2024-0002")
	assert.Nil(t, got)
	assert.ErrorIs(t, s.Reject(ctx, "CVE-2024-0003"), domain.ErrAlreadyReviewed)

	res := s.BulkApprove(ctx, []string{"CVE-2024-0004", "CVE-1999-0001"})
	assert.Equal(t, []string{"CVE-2024-0004"}, res.Succeeded)
	assert.Contains(t, res.Failed, "CVE-1999-0001")
	res = s.BulkReject(ctx, []string{"CVE-2024-0005"})
	assert.Equal(t, []string{"CVE-2024-0005"}, res.Succeeded)
	assert.Empty(t, res.Failed)

	status, err := s.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, status.Vulnerabilities)
	assert.Equal(t, 0, status.NeedsReview)
	assert.Equal(t, 3, status.Approved)
}

func TestProcessingService_Diagnostics(t *testing.T) {
	store := repositories.NewMemoryStorage()
	primary := adapters.NewFailingProvider("ollama", domain.NewConnectionError("ollama", errors.New("refused")))
	fallback := adapters.NewMockProvider("claude", acmeData())
	s := newTestService(NewExtractionService(primary, []ports.LLMProvider{fallback}, ExtractionOptions{}), store)
	ctx := context.TODO()

	statuses := s.ProviderStatuses(ctx)
	require.Len(t, statuses, 2)
	assert.Equal(t, "ollama", statuses[0].Provider)
	assert.False(t, statuses[0].Connected)
	assert.NotEmpty(t, statuses[0].Error)
	assert.True(t, statuses[1].Connected)

	models := s.ProviderModels(ctx)
	require.Len(t, models, 2)
	assert.Empty(t, models[0].Models)
	assert.NotEmpty(t, models[0].Error)
	assert.Equal(t, "mock-model", models[1].Models[0].Name)

	assert.False(t, s.Ready(ctx))

	r, err := s.TestExtraction(ctx, acmeText)
	require.NoError(t, err)
	assert.Equal(t, "claude", r.Metadata.Provider)
	assert.Equal(t, 1, r.Metadata.FallbackAttempt)
	_, err = s.TestExtraction(ctx, " ")
	assert.ErrorIs(t, err, domain.ErrEmptyText)
	counts, _ := store.CountEntries(ctx)
	assert.Empty(t, counts.ByStatus)
}

func TestProcessingService_AddEntry(t *testing.T) {
	store := repositories.NewMemoryStorage()
	s := newTestService(&scriptedExtractor{}, store)
	e, err := s.AddEntry(context.TODO(), 3, acmeText, map[string]string{"feed": "nvd"})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, e.Status)
	assert.Equal(t, uint(3), e.SourceID)
	_, err = s.AddEntry(context.TODO(), 3, "", nil)
	assert.ErrorIs(t, err, domain.ErrEmptyText)
}
