package scanners

import (
	"context"
	"regexp"
	"time"

	"github.com/clay-good/proxilion-grc-sub001/pkg/contracts"
)

// dlpRule is one data-loss-prevention detector for secrets and
// confidential material leaving the organization.
type dlpRule struct {
	name       string
	severity   contracts.Severity
	re         *regexp.Regexp
	confidence float64
}

var dlpRules = []dlpRule{
	{
		name:       "AWSAccessKey",
		severity:   contracts.SeverityCritical,
		re:         regexp.MustCompile(`\b(AKIA|ASIA)[0-9A-Z]{16}\b`),
		confidence: 0.95,
	},
	{
		name:       "PrivateKeyBlock",
		severity:   contracts.SeverityCritical,
		re:         regexp.MustCompile(`-----BEGIN (RSA |EC |OPENSSH |)PRIVATE KEY-----`),
		confidence: 0.98,
	},
	{
		name:       "GenericAPIKey",
		severity:   contracts.SeverityHigh,
		re:         regexp.MustCompile(`(?i)\b(api[_-]?key|secret[_-]?key|access[_-]?token)\b\s*[:=]\s*['"]?[A-Za-z0-9_\-]{16,}`),
		confidence: 0.85,
	},
	{
		name:       "BearerToken",
		severity:   contracts.SeverityHigh,
		re:         regexp.MustCompile(`(?i)\bbearer\s+[A-Za-z0-9\-_.]{20,}\b`),
		confidence: 0.8,
	},
	{
		name:       "ConnectionString",
		severity:   contracts.SeverityHigh,
		re:         regexp.MustCompile(`(?i)\b(postgres|mysql|mongodb(\+srv)?|redis)://[^\s]+:[^\s]+@[^\s]+`),
		confidence: 0.9,
	},
	{
		name:       "ConfidentialMarking",
		severity:   contracts.SeverityMedium,
		re:         regexp.MustCompile(`(?i)\b(company confidential|internal use only|trade secret|do not distribute)\b`),
		confidence: 0.7,
	},
	{
		name:       "JWTToken",
		severity:   contracts.SeverityMedium,
		re:         regexp.MustCompile(`\beyJ[A-Za-z0-9_-]{10,}\.[A-Za-z0-9_-]{10,}\.[A-Za-z0-9_-]{10,}\b`),
		confidence: 0.9,
	},
}

// DLPScanner prevents secrets and confidential material from being sent
// to external providers. Unlike the PII scanner it inspects all roles:
// system prompts leak credentials too.
type DLPScanner struct{}

// NewDLPScanner returns the built-in DLP scanner.
func NewDLPScanner() *DLPScanner { return &DLPScanner{} }

func (s *DLPScanner) ID() string   { return "dlp" }
func (s *DLPScanner) Name() string { return "Data Loss Prevention Scanner" }

func (s *DLPScanner) Scan(ctx context.Context, req *contracts.Request) (contracts.ScannerVerdict, error) {
	started := time.Now()
	var findings []contracts.Finding

	for idx, msg := range req.Messages {
		if err := ctx.Err(); err != nil {
			return contracts.ScannerVerdict{}, err
		}
		text := normalizeText(msg.Text())
		for _, r := range dlpRules {
			for _, loc := range r.re.FindAllStringIndex(text, -1) {
				findings = append(findings, contracts.Finding{
					ScannerID:   s.ID(),
					Type:        "DLP_" + r.name,
					Severity:    r.severity,
					Confidence:  r.confidence,
					Location:    contracts.Location{MessageIndex: idx, Start: loc[0], End: loc[1]},
					Evidence:    maskValue(text[loc[0]:loc[1]]),
					Remediation: "Rotate the exposed credential and strip secrets from prompts.",
				})
			}
		}
	}

	return Verdict(s.ID(), findings, time.Since(started)), nil
}
