package domain

import (
	"strings"

	mapset "github.com/deckarep/golang-set/v2"
)

// Severity is the normalized severity label of a vulnerability
type Severity string

const (
	SeverityCritical Severity = "CRITICAL"
	SeverityHigh     Severity = "HIGH"
	SeverityMedium   Severity = "MEDIUM"
	SeverityLow      Severity = "LOW"
	SeverityNone     Severity = "NONE"
	SeverityUnknown  Severity = "UNKNOWN"
)

var validSeverities = mapset.NewSet(
	SeverityCritical,
	SeverityHigh,
	SeverityMedium,
	SeverityLow,
	SeverityNone,
	SeverityUnknown,
)

// ParseSeverity normalizes s case-insensitively, the boolean is false for unknown labels
func ParseSeverity(s string) (Severity, bool) {
	sev := Severity(strings.ToUpper(strings.TrimSpace(s)))
	if !validSeverities.Contains(sev) {
		return SeverityUnknown, false
	}
	return sev, true
}

// Known is true for every label except UNKNOWN
func (s Severity) Known() bool {
	return s != "" && s != SeverityUnknown
}
