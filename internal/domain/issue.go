package domain

import "math"

// Severity ranks a validation issue. Only Error and Critical make a result invalid.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Weight is the quality-score penalty applied for one issue of this severity.
func (s Severity) Weight() float64 {
	switch s {
	case SeverityInfo:
		return 0.05
	case SeverityWarning:
		return 0.15
	case SeverityError:
		return 0.35
	case SeverityCritical:
		return 0.50
	}
	return 0
}

// Blocking reports whether an issue of this severity flips IsValid.
func (s Severity) Blocking() bool {
	return s == SeverityError || s == SeverityCritical
}

// ValidationIssue is one structured finding about a record.
type ValidationIssue struct {
	Severity   Severity `json:"severity"`
	Code       string   `json:"code"`
	Message    string   `json:"message"`
	Field      string   `json:"field,omitempty"`
	Value      any      `json:"value,omitempty"`
	Suggestion string   `json:"suggestion,omitempty"`
}

// ValidationResult aggregates the issues found for a record.
type ValidationResult struct {
	IsValid      bool              `json:"is_valid"`
	QualityScore float64           `json:"quality_score"`
	Issues       []ValidationIssue `json:"issues"`
}

// NewValidationResult scores issues and derives validity.
func NewValidationResult(issues []ValidationIssue) ValidationResult {
	if issues == nil {
		issues = []ValidationIssue{}
	}
	return ValidationResult{
		IsValid:      !HasBlocking(issues),
		QualityScore: QualityScore(issues),
		Issues:       issues,
	}
}

// QualityScore is 1.0 minus the summed severity weights, floored at 0 and
// rounded to two decimals.
func QualityScore(issues []ValidationIssue) float64 {
	score := 1.0
	for _, is := range issues {
		score -= is.Severity.Weight()
	}
	return RoundScore(score)
}

// RoundScore floors a score at 0, caps it at 1 and rounds to two decimals.
func RoundScore(score float64) float64 {
	if score < 0 {
		score = 0
	}
	if score > 1 {
		score = 1
	}
	return math.Round(score*100) / 100
}

// HasBlocking reports whether any issue is Error or Critical.
func HasBlocking(issues []ValidationIssue) bool {
	for _, is := range issues {
		if is.Severity.Blocking() {
			return true
		}
	}
	return false
}

// HasCode reports whether issues contain the given code.
func (r ValidationResult) HasCode(code string) bool {
	return r.CountCode(code) > 0
}

// CountCode counts issues with the given code.
func (r ValidationResult) CountCode(code string) int {
	n := 0
	for _, is := range r.Issues {
		if is.Code == code {
			n++
		}
	}
	return n
}
