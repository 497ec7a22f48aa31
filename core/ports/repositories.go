package ports

import (
	"context"
	"time"

	"github.com/kubescape/vulndash/core/domain"
)

// EntryRepository is the port implemented by adapters to be used in ProcessingService to read and retire raw entries
type EntryRepository interface {
	AddEntry(ctx context.Context, entry domain.RawEntry) (domain.RawEntry, error)
	CountEntries(ctx context.Context) (domain.EntryCounts, error)
	GetPendingEntries(ctx context.Context, limit, maxAttempts int) ([]domain.RawEntry, error)
	PurgeCompletedBefore(ctx context.Context, cutoff time.Time) (int, error)
	UpdateEntry(ctx context.Context, entry domain.RawEntry) error
}

// VulnerabilityRepository is the port implemented by adapters to be used in ProcessingService to store curated vulnerabilities.
// GetVulnerability returns nil without error when the CVE is unknown.
type VulnerabilityRepository interface {
	CountVulnerabilities(ctx context.Context) (domain.VulnerabilityCounts, error)
	CreateVulnerability(ctx context.Context, vuln domain.Vulnerability) error
	DeleteVulnerability(ctx context.Context, cveID string) error
	GetVulnerability(ctx context.Context, cveID string) (*domain.Vulnerability, error)
	ListNeedsReview(ctx context.Context, limit, offset int) ([]domain.Vulnerability, int, error)
	UpdateVulnerability(ctx context.Context, vuln domain.Vulnerability) error
}

// RunLock is the single in-flight guard around a processing batch
type RunLock interface {
	TryLock(ctx context.Context) (bool, error)
	Unlock(ctx context.Context) error
}
