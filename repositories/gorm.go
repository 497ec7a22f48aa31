package repositories

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/kubescape/go-logger"
	"github.com/kubescape/go-logger/helpers"
	"github.com/kubescape/vulndash/core/domain"
	"github.com/kubescape/vulndash/core/ports"
	"go.opentelemetry.io/otel"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
	"gorm.io/plugin/opentelemetry/tracing"
)

// RawEntryModel is the GORM model for raw feed entries
type RawEntryModel struct {
	ID                  uint `gorm:"primaryKey"`
	SourceID            uint `gorm:"index"`
	RawPayload          string
	RawMetadata         map[string]string `gorm:"serializer:json"`
	Status              string            `gorm:"index"`
	ProcessingAttempts  int
	LastProcessingError string
	IngestedAt          time.Time `gorm:"index"`
	ProcessedAt         *time.Time
}

func (RawEntryModel) TableName() string {
	return "raw_entries"
}

// VulnerabilityModel is the GORM model for curated vulnerabilities, one row per CVE
type VulnerabilityModel struct {
	CVEID              string `gorm:"column:cve_id;primaryKey"`
	Title              string
	Description        string
	Vendor             string `gorm:"index"`
	Product            string
	Severity           string `gorm:"index"`
	CVSSScore          *float64 `gorm:"column:cvss_score"`
	CVSSVector         string   `gorm:"column:cvss_vector"`
	ConfidenceScore    float64
	NeedsReview        bool                      `gorm:"index"`
	ExtractionMetadata domain.ExtractionMetadata `gorm:"serializer:json"`
	CreatedAt          time.Time                 `gorm:"autoCreateTime:false"`
	UpdatedAt          time.Time                 `gorm:"autoUpdateTime:false"`
}

func (VulnerabilityModel) TableName() string {
	return "vulnerabilities"
}

// GormStore implements both EntryRepository and VulnerabilityRepository on SQLite to be used for production
type GormStore struct {
	db *gorm.DB
}

var _ ports.EntryRepository = (*GormStore)(nil)

var _ ports.VulnerabilityRepository = (*GormStore)(nil)

// NewGormStore opens (and creates if needed) the SQLite database at path and migrates the schema
func NewGormStore(path string) (*GormStore, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Use(tracing.NewPlugin(tracing.WithoutMetrics())); err != nil {
		return nil, fmt.Errorf("database tracing: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	// SQLite allows a single writer
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(&RawEntryModel{}, &VulnerabilityModel{}); err != nil {
		return nil, fmt.Errorf("migrate database: %w", err)
	}
	logger.L().Info("database ready", helpers.String("path", path))
	return &GormStore{db: db}, nil
}

// Close releases the underlying connection pool
func (g *GormStore) Close() error {
	sqlDB, err := g.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (g *GormStore) AddEntry(ctx context.Context, entry domain.RawEntry) (domain.RawEntry, error) {
	ctx, span := otel.Tracer("").Start(ctx, "GormStore.AddEntry")
	defer span.End()
	if entry.Status == "" {
		entry.Status = domain.StatusPending
	}
	if entry.IngestedAt.IsZero() {
		entry.IngestedAt = time.Now()
	}
	model := entryToModel(entry)
	model.ID = 0
	if err := g.db.WithContext(ctx).Create(&model).Error; err != nil {
		return domain.RawEntry{}, err
	}
	return entryFromModel(model), nil
}

// GetPendingEntries returns the oldest eligible entries first
func (g *GormStore) GetPendingEntries(ctx context.Context, limit, maxAttempts int) ([]domain.RawEntry, error) {
	ctx, span := otel.Tracer("").Start(ctx, "GormStore.GetPendingEntries")
	defer span.End()
	if limit <= 0 {
		limit = -1
	}
	var models []RawEntryModel
	err := g.db.WithContext(ctx).
		Where("status = ? OR (status = ? AND processing_attempts < ?)", domain.StatusPending, domain.StatusFailed, maxAttempts).
		Order("ingested_at asc, id asc").
		Limit(limit).
		Find(&models).Error
	if err != nil {
		return nil, err
	}
	entries := make([]domain.RawEntry, 0, len(models))
	for _, m := range models {
		entries = append(entries, entryFromModel(m))
	}
	return entries, nil
}

func (g *GormStore) UpdateEntry(ctx context.Context, entry domain.RawEntry) error {
	ctx, span := otel.Tracer("").Start(ctx, "GormStore.UpdateEntry")
	defer span.End()
	model := entryToModel(entry)
	res := g.db.WithContext(ctx).Model(&RawEntryModel{}).Where("id = ?", entry.ID).Select("*").Updates(&model)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("entry %d: %w", entry.ID, domain.ErrNotFound)
	}
	return nil
}

// PurgeCompletedBefore deletes completed entries processed before cutoff, pending and failed rows are kept
func (g *GormStore) PurgeCompletedBefore(ctx context.Context, cutoff time.Time) (int, error) {
	ctx, span := otel.Tracer("").Start(ctx, "GormStore.PurgeCompletedBefore")
	defer span.End()
	res := g.db.WithContext(ctx).
		Where("status = ? AND processed_at IS NOT NULL AND processed_at < ?", domain.StatusCompleted, cutoff.UTC()).
		Delete(&RawEntryModel{})
	if res.Error != nil {
		return 0, res.Error
	}
	return int(res.RowsAffected), nil
}

func (g *GormStore) CountEntries(ctx context.Context) (domain.EntryCounts, error) {
	ctx, span := otel.Tracer("").Start(ctx, "GormStore.CountEntries")
	defer span.End()
	var rows []struct {
		Status string
		Count  int
	}
	if err := g.db.WithContext(ctx).Model(&RawEntryModel{}).Select("status, count(*) as count").Group("status").Scan(&rows).Error; err != nil {
		return domain.EntryCounts{}, err
	}
	counts := domain.EntryCounts{ByStatus: map[domain.ProcessingStatus]int{}}
	for _, r := range rows {
		counts.ByStatus[domain.ProcessingStatus(r.Status)] = r.Count
	}
	var exhausted int64
	if err := g.db.WithContext(ctx).Model(&RawEntryModel{}).
		Where("status = ? AND processing_attempts >= ?", domain.StatusFailed, domain.MaxProcessingAttempts).
		Count(&exhausted).Error; err != nil {
		return domain.EntryCounts{}, err
	}
	counts.Exhausted = int(exhausted)
	return counts, nil
}

// GetVulnerability returns nil when the CVE is unknown
func (g *GormStore) GetVulnerability(ctx context.Context, cveID string) (*domain.Vulnerability, error) {
	ctx, span := otel.Tracer("").Start(ctx, "GormStore.GetVulnerability")
	defer span.End()
	var model VulnerabilityModel
	err := g.db.WithContext(ctx).Where("cve_id = ?", cveID).First(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	v := vulnerabilityFromModel(model)
	return &v, nil
}

// CreateVulnerability fails on an existing CVE, the primary key keeps one row per CVE
func (g *GormStore) CreateVulnerability(ctx context.Context, vuln domain.Vulnerability) error {
	ctx, span := otel.Tracer("").Start(ctx, "GormStore.CreateVulnerability")
	defer span.End()
	model := vulnerabilityToModel(vuln)
	return g.db.WithContext(ctx).Create(&model).Error
}

func (g *GormStore) UpdateVulnerability(ctx context.Context, vuln domain.Vulnerability) error {
	ctx, span := otel.Tracer("").Start(ctx, "GormStore.UpdateVulnerability")
	defer span.End()
	model := vulnerabilityToModel(vuln)
	res := g.db.WithContext(ctx).Model(&VulnerabilityModel{}).Where("cve_id = ?", vuln.CVEID).Select("*").Updates(&model)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("vulnerability %s: %w", vuln.CVEID, domain.ErrNotFound)
	}
	return nil
}

func (g *GormStore) DeleteVulnerability(ctx context.Context, cveID string) error {
	ctx, span := otel.Tracer("").Start(ctx, "GormStore.DeleteVulnerability")
	defer span.End()
	res := g.db.WithContext(ctx).Where("cve_id = ?", cveID).Delete(&VulnerabilityModel{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("vulnerability %s: %w", cveID, domain.ErrNotFound)
	}
	return nil
}

// ListNeedsReview pages through flagged vulnerabilities, least confident first
func (g *GormStore) ListNeedsReview(ctx context.Context, limit, offset int) ([]domain.Vulnerability, int, error) {
	ctx, span := otel.Tracer("").Start(ctx, "GormStore.ListNeedsReview")
	defer span.End()
	query := g.db.WithContext(ctx).Model(&VulnerabilityModel{}).Where("needs_review = ?", true)
	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}
	if limit <= 0 {
		limit = -1
	}
	var models []VulnerabilityModel
	err := g.db.WithContext(ctx).
		Where("needs_review = ?", true).
		Order("confidence_score asc, cve_id asc").
		Limit(limit).
		Offset(offset).
		Find(&models).Error
	if err != nil {
		return nil, 0, err
	}
	vulns := make([]domain.Vulnerability, 0, len(models))
	for _, m := range models {
		vulns = append(vulns, vulnerabilityFromModel(m))
	}
	return vulns, int(total), nil
}

func (g *GormStore) CountVulnerabilities(ctx context.Context) (domain.VulnerabilityCounts, error) {
	ctx, span := otel.Tracer("").Start(ctx, "GormStore.CountVulnerabilities")
	defer span.End()
	var total, flagged int64
	if err := g.db.WithContext(ctx).Model(&VulnerabilityModel{}).Count(&total).Error; err != nil {
		return domain.VulnerabilityCounts{}, err
	}
	if err := g.db.WithContext(ctx).Model(&VulnerabilityModel{}).Where("needs_review = ?", true).Count(&flagged).Error; err != nil {
		return domain.VulnerabilityCounts{}, err
	}
	return domain.VulnerabilityCounts{Total: int(total), NeedsReview: int(flagged)}, nil
}

// times are stored in UTC so that SQLite compares them as text consistently
func entryToModel(e domain.RawEntry) RawEntryModel {
	var processedAt *time.Time
	if e.ProcessedAt != nil {
		t := e.ProcessedAt.UTC()
		processedAt = &t
	}
	return RawEntryModel{
		ID:                  e.ID,
		SourceID:            e.SourceID,
		RawPayload:          e.RawPayload,
		RawMetadata:         e.RawMetadata,
		Status:              string(e.Status),
		ProcessingAttempts:  e.ProcessingAttempts,
		LastProcessingError: e.LastProcessingError,
		IngestedAt:          e.IngestedAt.UTC(),
		ProcessedAt:         processedAt,
	}
}

func entryFromModel(m RawEntryModel) domain.RawEntry {
	return domain.RawEntry{
		ID:                  m.ID,
		SourceID:            m.SourceID,
		RawPayload:          m.RawPayload,
		RawMetadata:         m.RawMetadata,
		Status:              domain.ProcessingStatus(m.Status),
		ProcessingAttempts:  m.ProcessingAttempts,
		LastProcessingError: m.LastProcessingError,
		IngestedAt:          m.IngestedAt,
		ProcessedAt:         m.ProcessedAt,
	}
}

func vulnerabilityToModel(v domain.Vulnerability) VulnerabilityModel {
	return VulnerabilityModel{
		CVEID:              v.CVEID,
		Title:              v.Title,
		Description:        v.Description,
		Vendor:             v.Vendor,
		Product:            v.Product,
		Severity:           string(v.Severity),
		CVSSScore:          v.CVSSScore,
		CVSSVector:         v.CVSSVector,
		ConfidenceScore:    v.ConfidenceScore,
		NeedsReview:        v.NeedsReview,
		ExtractionMetadata: v.ExtractionMetadata,
		CreatedAt:          v.CreatedAt.UTC(),
		UpdatedAt:          v.UpdatedAt.UTC(),
	}
}

func vulnerabilityFromModel(m VulnerabilityModel) domain.Vulnerability {
	return domain.Vulnerability{
		CVEID:              m.CVEID,
		Title:              m.Title,
		Description:        m.Description,
		Vendor:             m.Vendor,
		Product:            m.Product,
		Severity:           domain.Severity(m.Severity),
		CVSSScore:          m.CVSSScore,
		CVSSVector:         m.CVSSVector,
		ConfidenceScore:    m.ConfidenceScore,
		NeedsReview:        m.NeedsReview,
		ExtractionMetadata: m.ExtractionMetadata,
		CreatedAt:          m.CreatedAt,
		UpdatedAt:          m.UpdatedAt,
	}
}
