package domain

import (
	"regexp"
	"strings"
)

var cvePattern = regexp.MustCompile(`(?i)CVE-\d{4}-\d{4,}`)

// ValidCVEID reports whether s is a well-formed CVE identifier, ignoring case and surrounding space
func ValidCVEID(s string) bool {
	s = strings.TrimSpace(s)
	loc := cvePattern.FindStringIndex(s)
	return loc != nil && loc[0] == 0 && loc[1] == len(s)
}

// FindCVEID returns the first CVE identifier found in text, uppercased
func FindCVEID(text string) (string, bool) {
	m := cvePattern.FindString(text)
	if m == "" {
		return "", false
	}
	return strings.ToUpper(m), true
}

// ExtractionMetadata records the provenance of an ExtractionResult
type ExtractionMetadata struct {
	Provider         string         `json:"provider,omitempty" yaml:"provider,omitempty"`
	Model            string         `json:"model,omitempty" yaml:"model,omitempty"`
	Temperature      float64        `json:"temperature" yaml:"temperature"`
	ExtractionTime   string         `json:"extraction_time" yaml:"extraction_time"`
	DurationMs       int64          `json:"duration_ms" yaml:"duration_ms"`
	ProviderMetadata map[string]any `json:"provider_metadata,omitempty" yaml:"provider_metadata,omitempty"`
	ValidationIssues []string       `json:"validation_issues" yaml:"validation_issues"`
	FallbackAttempt  int            `json:"fallback_attempt" yaml:"fallback_attempt"`
	Fallback         bool           `json:"fallback,omitempty" yaml:"fallback,omitempty"`
	Error            string         `json:"error,omitempty" yaml:"error,omitempty"`
	ProviderErrors   []string       `json:"provider_errors,omitempty" yaml:"provider_errors,omitempty"`
}

// ExtractionResult is the validated, confidence scored output of one extraction.
// It is never shared across entries.
type ExtractionResult struct {
	CVEID           string             `json:"cve_id,omitempty" yaml:"cve_id,omitempty"`
	Title           string             `json:"title,omitempty" yaml:"title,omitempty"`
	Description     string             `json:"description,omitempty" yaml:"description,omitempty"`
	Vendor          string             `json:"vendor,omitempty" yaml:"vendor,omitempty"`
	Product         string             `json:"product,omitempty" yaml:"product,omitempty"`
	Severity        Severity           `json:"severity" yaml:"severity"`
	CVSSScore       *float64           `json:"cvss_score,omitempty" yaml:"cvss_score,omitempty"`
	CVSSVector      string             `json:"cvss_vector,omitempty" yaml:"cvss_vector,omitempty"`
	ConfidenceScore float64            `json:"confidence_score" yaml:"confidence_score"`
	NeedsReview     bool               `json:"needs_review" yaml:"needs_review"`
	Metadata        ExtractionMetadata `json:"extraction_metadata" yaml:"extraction_metadata"`
}

// HasCVEID is false when neither the model nor the raw text yielded an identifier
func (r ExtractionResult) HasCVEID() bool {
	return r.CVEID != ""
}
