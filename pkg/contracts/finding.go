package contracts

import "time"

// Severity is the ordinal threat level of a finding.
type Severity string

const (
	SeverityNone     Severity = "none"
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Rank returns the ordinal position of the severity, none = 0.
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	}
	return 0
}

// Score maps a severity to its numeric contribution:
// none 0, low 0.2, medium 0.4, high 0.7, critical 1.0.
func (s Severity) Score() float64 {
	switch s {
	case SeverityLow:
		return 0.2
	case SeverityMedium:
		return 0.4
	case SeverityHigh:
		return 0.7
	case SeverityCritical:
		return 1.0
	}
	return 0
}

// MaxSeverity returns the higher of two severities.
func MaxSeverity(a, b Severity) Severity {
	if b.Rank() > a.Rank() {
		return b
	}
	return a
}

// Location is a logical pointer into the request. Start and End are
// byte offsets into the NFKC-normalized text of the message at
// MessageIndex; a zero span means the finding has no usable span.
type Location struct {
	MessageIndex int `json:"message_index"`
	Start        int `json:"start,omitempty"`
	End          int `json:"end,omitempty"`
}

// Finding is a single inspection outcome emitted by a scanner.
// Findings are append-only and carry the originating scanner id.
type Finding struct {
	ScannerID   string   `json:"scanner_id"`
	Type        string   `json:"type"`
	Severity    Severity `json:"severity"`
	Confidence  float64  `json:"confidence"` // [0,1]
	Location    Location `json:"location"`
	Evidence    string   `json:"evidence,omitempty"` // may be masked
	Remediation string   `json:"remediation,omitempty"`
}

// ScannerVerdict is the result of one scanner over one request.
type ScannerVerdict struct {
	ScannerID   string        `json:"scanner_id"`
	Passed      bool          `json:"passed"`
	Score       float64       `json:"score"` // [0,1]; 1.0 = clean
	Findings    []Finding     `json:"findings,omitempty"`
	ThreatLevel Severity      `json:"threat_level"`
	Duration    time.Duration `json:"duration_ms"`
}

// AggregatedVerdict combines all scanner verdicts for one request.
// ThreatLevel is the max scanner threat level, Score the mean scanner
// score, Findings the union, Passed the conjunction.
type AggregatedVerdict struct {
	Passed      bool          `json:"passed"`
	ThreatLevel Severity      `json:"threat_level"`
	Score       float64       `json:"score"`
	Findings    []Finding     `json:"findings,omitempty"`
	Duration    time.Duration `json:"duration_ms"`
}

// HighestFinding returns the finding with the highest severity, or nil
// when the verdict is clean.
func (v *AggregatedVerdict) HighestFinding() *Finding {
	var best *Finding
	for i := range v.Findings {
		if best == nil || v.Findings[i].Severity.Rank() > best.Severity.Rank() {
			best = &v.Findings[i]
		}
	}
	return best
}

// AuditEvent is the structured record handed to audit sinks.
type AuditEvent struct {
	Timestamp     time.Time `json:"ts"`
	CorrelationID string    `json:"correlation_id"`
	TenantID      string    `json:"tenant_id,omitempty"`
	UserID        string    `json:"user_id,omitempty"`
	Decision      string    `json:"decision"`
	DecisionHash  string    `json:"decision_hash,omitempty"`
	ThreatLevel   Severity  `json:"threat_level"`
	Findings      []Finding `json:"findings,omitempty"`
	Reason        string    `json:"reason,omitempty"`
}
