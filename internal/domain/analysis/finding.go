package analysis

import "strings"

// Severity classifies how serious a finding is. The classifier assigns one
// severity per finding; the engine materializes alerts for the upper buckets.
type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

func (s Severity) String() string { return string(s) }

// rank orders severities for threshold comparisons.
func (s Severity) rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	default:
		return 0
	}
}

// AtLeast reports whether s is at or above the given severity.
func (s Severity) AtLeast(min Severity) bool { return s.rank() >= min.rank() }

// ParseSeverity converts a string to a Severity. Matching is case-insensitive
// since the classifier does not guarantee a casing.
func ParseSeverity(s string) Severity {
	switch strings.ToUpper(s) {
	case "LOW":
		return SeverityLow
	case "MEDIUM":
		return SeverityMedium
	case "HIGH":
		return SeverityHigh
	case "CRITICAL":
		return SeverityCritical
	default:
		return "" // represents unspecified
	}
}

// Finding is a candidate security issue surfaced by the classifier for a
// single log line within a batch.
type Finding struct {
	lineNumber int64
	excerpt    string
	category   string
	severity   Severity
	rationale  string
}

// NewFinding creates a Finding for a classified log line.
func NewFinding(lineNumber int64, excerpt, category string, severity Severity, rationale string) Finding {
	return Finding{
		lineNumber: lineNumber,
		excerpt:    excerpt,
		category:   category,
		severity:   severity,
		rationale:  rationale,
	}
}

// LineNumber returns the 0-based line index within the analyzed file.
func (f Finding) LineNumber() int64 { return f.lineNumber }

// Excerpt returns the offending log line content.
func (f Finding) Excerpt() string { return f.excerpt }

// Category returns the classifier's label, e.g. "brute_force" or "privilege_escalation".
func (f Finding) Category() string { return f.category }

// Severity returns the classifier's severity bucket.
func (f Finding) Severity() Severity { return f.severity }

// Rationale returns the classifier's explanation for the finding.
func (f Finding) Rationale() string { return f.rationale }
