package domain

import "time"

// Vulnerability is the curated record, unique per CVE identifier
type Vulnerability struct {
	CVEID              string             `json:"cve_id" yaml:"cve_id"`
	Title              string             `json:"title,omitempty" yaml:"title,omitempty"`
	Description        string             `json:"description,omitempty" yaml:"description,omitempty"`
	Vendor             string             `json:"vendor,omitempty" yaml:"vendor,omitempty"`
	Product            string             `json:"product,omitempty" yaml:"product,omitempty"`
	Severity           Severity           `json:"severity" yaml:"severity"`
	CVSSScore          *float64           `json:"cvss_score,omitempty" yaml:"cvss_score,omitempty"`
	CVSSVector         string             `json:"cvss_vector,omitempty" yaml:"cvss_vector,omitempty"`
	ConfidenceScore    float64            `json:"confidence_score" yaml:"confidence_score"`
	NeedsReview        bool               `json:"needs_review" yaml:"needs_review"`
	ExtractionMetadata ExtractionMetadata `json:"extraction_metadata" yaml:"extraction_metadata"`
	CreatedAt          time.Time          `json:"created_at" yaml:"created_at"`
	UpdatedAt          time.Time          `json:"updated_at" yaml:"updated_at"`
}

// NewVulnerability builds the first curated record of a CVE from an extraction
func NewVulnerability(r ExtractionResult, now time.Time) Vulnerability {
	return Vulnerability{
		CVEID:              r.CVEID,
		Title:              r.Title,
		Description:        r.Description,
		Vendor:             r.Vendor,
		Product:            r.Product,
		Severity:           r.Severity,
		CVSSScore:          r.CVSSScore,
		CVSSVector:         r.CVSSVector,
		ConfidenceScore:    r.ConfidenceScore,
		NeedsReview:        r.NeedsReview,
		ExtractionMetadata: r.Metadata,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
}

// Upgrade overwrites v with a strictly more confident extraction and reports whether it did.
// Empty fields of r keep the stored value, a known severity is never replaced by UNKNOWN.
func (v *Vulnerability) Upgrade(r ExtractionResult, now time.Time) bool {
	if r.ConfidenceScore <= v.ConfidenceScore {
		return false
	}
	v.Title = orExisting(r.Title, v.Title)
	v.Description = orExisting(r.Description, v.Description)
	v.Vendor = orExisting(r.Vendor, v.Vendor)
	v.Product = orExisting(r.Product, v.Product)
	v.CVSSVector = orExisting(r.CVSSVector, v.CVSSVector)
	if r.Severity.Known() || v.Severity == "" {
		v.Severity = r.Severity
	}
	if r.CVSSScore != nil {
		v.CVSSScore = r.CVSSScore
	}
	v.ConfidenceScore = r.ConfidenceScore
	v.NeedsReview = r.NeedsReview
	v.ExtractionMetadata = r.Metadata
	v.UpdatedAt = now
	return true
}

// ReviewOverrides are optional corrections applied when a reviewer approves a record
type ReviewOverrides struct {
	Severity  *Severity `json:"severity,omitempty"`
	Vendor    *string   `json:"vendor,omitempty"`
	Product   *string   `json:"product,omitempty"`
	CVSSScore *float64  `json:"cvss_score,omitempty"`
}

// Approve clears the review flag and applies the overrides
func (v *Vulnerability) Approve(o ReviewOverrides, now time.Time) {
	if o.Severity != nil {
		v.Severity = *o.Severity
	}
	if o.Vendor != nil {
		v.Vendor = *o.Vendor
	}
	if o.Product != nil {
		v.Product = *o.Product
	}
	if o.CVSSScore != nil {
		v.CVSSScore = o.CVSSScore
	}
	v.NeedsReview = false
	v.UpdatedAt = now
}

func orExisting(newValue, existing string) string {
	if newValue != "" {
		return newValue
	}
	return existing
}
