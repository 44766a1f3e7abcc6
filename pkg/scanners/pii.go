package scanners

import (
	"context"
	"regexp"
	"time"

	"github.com/clay-good/proxilion-grc-sub001/pkg/contracts"
)

// piiPattern is one pattern-based PII detector.
type piiPattern struct {
	name     string
	severity contracts.Severity
	re       *regexp.Regexp
	// validate, when set, must also accept the match for it to fire.
	validate   func(string) bool
	confidence float64
}

var piiPatterns = []piiPattern{
	{
		name:       "SSN",
		severity:   contracts.SeverityCritical,
		re:         regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`),
		confidence: 0.95,
	},
	{
		name:       "CreditCard",
		severity:   contracts.SeverityCritical,
		re:         regexp.MustCompile(`\b(?:\d[ -]?){13,19}\b`),
		validate:   luhnValid,
		confidence: 0.9,
	},
	{
		name:       "Email",
		severity:   contracts.SeverityMedium,
		re:         regexp.MustCompile(`\b[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}\b`),
		confidence: 0.9,
	},
	{
		name:       "Phone",
		severity:   contracts.SeverityMedium,
		re:         regexp.MustCompile(`\b(?:\+?1[ .\-]?)?\(?\d{3}\)?[ .\-]?\d{3}[ .\-]?\d{4}\b`),
		confidence: 0.75,
	},
	{
		name:       "IPAddress",
		severity:   contracts.SeverityLow,
		re:         regexp.MustCompile(`\b(?:(?:25[0-5]|2[0-4]\d|1?\d?\d)\.){3}(?:25[0-5]|2[0-4]\d|1?\d?\d)\b`),
		confidence: 0.8,
	},
	{
		name:       "Passport",
		severity:   contracts.SeverityHigh,
		re:         regexp.MustCompile(`\b[A-Z]{1,2}\d{7,8}\b`),
		confidence: 0.6,
	},
	{
		name:       "IBAN",
		severity:   contracts.SeverityHigh,
		re:         regexp.MustCompile(`\b[A-Z]{2}\d{2}[A-Z0-9]{11,30}\b`),
		confidence: 0.7,
	},
}

// PIIScanner detects personally identifiable information with regex
// patterns, optionally backed by a validator (Luhn for card numbers).
type PIIScanner struct{}

// NewPIIScanner returns the built-in PII scanner.
func NewPIIScanner() *PIIScanner { return &PIIScanner{} }

func (s *PIIScanner) ID() string   { return "pii" }
func (s *PIIScanner) Name() string { return "PII Scanner" }

// Scan inspects every message individually so findings carry a usable
// location pointer.
func (s *PIIScanner) Scan(ctx context.Context, req *contracts.Request) (contracts.ScannerVerdict, error) {
	started := time.Now()
	var findings []contracts.Finding

	for idx, msg := range req.Messages {
		if msg.Role != contracts.RoleUser {
			continue
		}
		text := normalizeText(msg.Text())
		for _, p := range piiPatterns {
			if err := ctx.Err(); err != nil {
				return contracts.ScannerVerdict{}, err
			}
			for _, loc := range p.re.FindAllStringIndex(text, -1) {
				match := text[loc[0]:loc[1]]
				if p.validate != nil && !p.validate(match) {
					continue
				}
				findings = append(findings, contracts.Finding{
					ScannerID:   s.ID(),
					Type:        "PII_" + p.name,
					Severity:    p.severity,
					Confidence:  p.confidence,
					Location:    contracts.Location{MessageIndex: idx, Start: loc[0], End: loc[1]},
					Evidence:    maskValue(match),
					Remediation: "Remove or tokenize " + p.name + " values before sending to external AI providers.",
				})
			}
		}
	}

	return Verdict(s.ID(), findings, time.Since(started)), nil
}

// luhnValid checks a card-like digit string with the Luhn algorithm.
func luhnValid(s string) bool {
	var digits []int
	for _, r := range s {
		if r >= '0' && r <= '9' {
			digits = append(digits, int(r-'0'))
		}
	}
	if len(digits) < 13 || len(digits) > 19 {
		return false
	}
	sum, double := 0, false
	for i := len(digits) - 1; i >= 0; i-- {
		d := digits[i]
		if double {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		double = !double
	}
	return sum%10 == 0
}
