package repositories

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/kubescape/vulndash/core/domain"
	"github.com/kubescape/vulndash/core/ports"
	"go.opentelemetry.io/otel"
)

// MemoryStore implements both EntryRepository and VulnerabilityRepository with in-memory storage (maps) to be used for tests
type MemoryStore struct {
	mu              sync.RWMutex
	nextID          uint
	entries         map[uint]domain.RawEntry
	vulnerabilities map[string]domain.Vulnerability
}

var _ ports.EntryRepository = (*MemoryStore)(nil)

var _ ports.VulnerabilityRepository = (*MemoryStore)(nil)

// NewMemoryStorage initializes the MemoryStore struct and its maps
func NewMemoryStorage() *MemoryStore {
	return &MemoryStore{
		entries:         map[uint]domain.RawEntry{},
		vulnerabilities: map[string]domain.Vulnerability{},
	}
}

// AddEntry assigns an ID to a new raw entry and stores it
func (m *MemoryStore) AddEntry(ctx context.Context, entry domain.RawEntry) (domain.RawEntry, error) {
	_, span := otel.Tracer("").Start(ctx, "MemoryStore.AddEntry")
	defer span.End()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	entry.ID = m.nextID
	if entry.Status == "" {
		entry.Status = domain.StatusPending
	}
	if entry.IngestedAt.IsZero() {
		entry.IngestedAt = time.Now()
	}
	m.entries[entry.ID] = entry
	return entry, nil
}

// GetEntry returns a raw entry by ID
func (m *MemoryStore) GetEntry(_ context.Context, id uint) (domain.RawEntry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[id]
	return e, ok
}

// GetPendingEntries returns the oldest eligible entries first
func (m *MemoryStore) GetPendingEntries(ctx context.Context, limit, maxAttempts int) ([]domain.RawEntry, error) {
	_, span := otel.Tracer("").Start(ctx, "MemoryStore.GetPendingEntries")
	defer span.End()
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []domain.RawEntry
	for _, e := range m.entries {
		if e.Status == domain.StatusPending || (e.Status == domain.StatusFailed && e.ProcessingAttempts < maxAttempts) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].IngestedAt.Equal(out[j].IngestedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].IngestedAt.Before(out[j].IngestedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// UpdateEntry replaces a stored raw entry
func (m *MemoryStore) UpdateEntry(ctx context.Context, entry domain.RawEntry) error {
	_, span := otel.Tracer("").Start(ctx, "MemoryStore.UpdateEntry")
	defer span.End()
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.entries[entry.ID]; !ok {
		return fmt.Errorf("entry %d: %w", entry.ID, domain.ErrNotFound)
	}
	m.entries[entry.ID] = entry
	return nil
}

// PurgeCompletedBefore deletes completed entries processed before cutoff
func (m *MemoryStore) PurgeCompletedBefore(ctx context.Context, cutoff time.Time) (int, error) {
	_, span := otel.Tracer("").Start(ctx, "MemoryStore.PurgeCompletedBefore")
	defer span.End()
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for id, e := range m.entries {
		if e.Purgeable(cutoff) {
			delete(m.entries, id)
			count++
		}
	}
	return count, nil
}

// CountEntries returns entry totals per status
func (m *MemoryStore) CountEntries(ctx context.Context) (domain.EntryCounts, error) {
	_, span := otel.Tracer("").Start(ctx, "MemoryStore.CountEntries")
	defer span.End()
	m.mu.RLock()
	defer m.mu.RUnlock()
	counts := domain.EntryCounts{ByStatus: map[domain.ProcessingStatus]int{}}
	for _, e := range m.entries {
		counts.ByStatus[e.Status]++
		if e.Status == domain.StatusFailed && e.ProcessingAttempts >= domain.MaxProcessingAttempts {
			counts.Exhausted++
		}
	}
	return counts, nil
}

// GetVulnerability returns nil when the CVE is unknown
func (m *MemoryStore) GetVulnerability(ctx context.Context, cveID string) (*domain.Vulnerability, error) {
	_, span := otel.Tracer("").Start(ctx, "MemoryStore.GetVulnerability")
	defer span.End()
	m.mu.RLock()
	defer m.mu.RUnlock()
	if v, ok := m.vulnerabilities[cveID]; ok {
		return &v, nil
	}
	return nil, nil
}

// CreateVulnerability fails if the CVE is already stored
func (m *MemoryStore) CreateVulnerability(ctx context.Context, vuln domain.Vulnerability) error {
	_, span := otel.Tracer("").Start(ctx, "MemoryStore.CreateVulnerability")
	defer span.End()
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.vulnerabilities[vuln.CVEID]; ok {
		return fmt.Errorf("vulnerability %s already exists", vuln.CVEID)
	}
	m.vulnerabilities[vuln.CVEID] = vuln
	return nil
}

func (m *MemoryStore) UpdateVulnerability(ctx context.Context, vuln domain.Vulnerability) error {
	_, span := otel.Tracer("").Start(ctx, "MemoryStore.UpdateVulnerability")
	defer span.End()
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.vulnerabilities[vuln.CVEID]; !ok {
		return fmt.Errorf("vulnerability %s: %w", vuln.CVEID, domain.ErrNotFound)
	}
	m.vulnerabilities[vuln.CVEID] = vuln
	return nil
}

func (m *MemoryStore) DeleteVulnerability(ctx context.Context, cveID string) error {
	_, span := otel.Tracer("").Start(ctx, "MemoryStore.DeleteVulnerability")
	defer span.End()
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.vulnerabilities[cveID]; !ok {
		return fmt.Errorf("vulnerability %s: %w", cveID, domain.ErrNotFound)
	}
	delete(m.vulnerabilities, cveID)
	return nil
}

// ListNeedsReview pages through flagged vulnerabilities, least confident first
func (m *MemoryStore) ListNeedsReview(ctx context.Context, limit, offset int) ([]domain.Vulnerability, int, error) {
	_, span := otel.Tracer("").Start(ctx, "MemoryStore.ListNeedsReview")
	defer span.End()
	m.mu.RLock()
	defer m.mu.RUnlock()
	var flagged []domain.Vulnerability
	for _, v := range m.vulnerabilities {
		if v.NeedsReview {
			flagged = append(flagged, v)
		}
	}
	sort.Slice(flagged, func(i, j int) bool {
		if flagged[i].ConfidenceScore == flagged[j].ConfidenceScore {
			return flagged[i].CVEID < flagged[j].CVEID
		}
		return flagged[i].ConfidenceScore < flagged[j].ConfidenceScore
	})
	total := len(flagged)
	if offset >= total {
		return []domain.Vulnerability{}, total, nil
	}
	end := total
	if limit > 0 && offset+limit < total {
		end = offset + limit
	}
	return flagged[offset:end], total, nil
}

func (m *MemoryStore) CountVulnerabilities(ctx context.Context) (domain.VulnerabilityCounts, error) {
	_, span := otel.Tracer("").Start(ctx, "MemoryStore.CountVulnerabilities")
	defer span.End()
	m.mu.RLock()
	defer m.mu.RUnlock()
	counts := domain.VulnerabilityCounts{Total: len(m.vulnerabilities)}
	for _, v := range m.vulnerabilities {
		if v.NeedsReview {
			counts.NeedsReview++
		}
	}
	return counts, nil
}
