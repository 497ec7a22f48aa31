package repositories

import (
	"context"
	"errors"
	"time"

	"github.com/kubescape/vulndash/core/domain"
	"github.com/kubescape/vulndash/core/ports"
)

var errExpected = errors.New("expected error")

type BrokenStore struct{}

var _ ports.EntryRepository = (*BrokenStore)(nil)

var _ ports.VulnerabilityRepository = (*BrokenStore)(nil)

var _ ports.RunLock = (*BrokenStore)(nil)

func (b BrokenStore) AddEntry(context.Context, domain.RawEntry) (domain.RawEntry, error) {
	return domain.RawEntry{}, errExpected
}

func (b BrokenStore) CountEntries(context.Context) (domain.EntryCounts, error) {
	return domain.EntryCounts{}, errExpected
}

func (b BrokenStore) GetPendingEntries(context.Context, int, int) ([]domain.RawEntry, error) {
	return nil, errExpected
}

func (b BrokenStore) PurgeCompletedBefore(context.Context, time.Time) (int, error) {
	return 0, errExpected
}

func (b BrokenStore) UpdateEntry(context.Context, domain.RawEntry) error {
	return errExpected
}

func (b BrokenStore) CountVulnerabilities(context.Context) (domain.VulnerabilityCounts, error) {
	return domain.VulnerabilityCounts{}, errExpected
}

func (b BrokenStore) CreateVulnerability(context.Context, domain.Vulnerability) error {
	return errExpected
}

func (b BrokenStore) DeleteVulnerability(context.Context, string) error {
	return errExpected
}

func (b BrokenStore) GetVulnerability(context.Context, string) (*domain.Vulnerability, error) {
	return nil, errExpected
}

func (b BrokenStore) ListNeedsReview(context.Context, int, int) ([]domain.Vulnerability, int, error) {
	return nil, 0, errExpected
}

func (b BrokenStore) UpdateVulnerability(context.Context, domain.Vulnerability) error {
	return errExpected
}

func (b BrokenStore) TryLock(context.Context) (bool, error) {
	return false, errExpected
}

func (b BrokenStore) Unlock(context.Context) error {
	return errExpected
}
