package scanners

import (
	"context"
	"regexp"
	"time"

	"github.com/clay-good/proxilion-grc-sub001/pkg/contracts"
)

// toxicityCategory groups term patterns under a labeled category.
type toxicityCategory struct {
	name       string
	severity   contracts.Severity
	re         *regexp.Regexp
	confidence float64
}

var toxicityCategories = []toxicityCategory{
	{
		name:       "ViolentThreat",
		severity:   contracts.SeverityHigh,
		re:         regexp.MustCompile(`(?i)\b(kill|murder|hurt|attack|shoot|stab)\b.{0,30}\b(you|him|her|them|everyone|myself)\b`),
		confidence: 0.8,
	},
	{
		name:       "Harassment",
		severity:   contracts.SeverityMedium,
		re:         regexp.MustCompile(`(?i)\b(worthless|pathetic|disgusting)\b.{0,20}\b(person|human|people)\b|\bnobody (likes|wants) you\b`),
		confidence: 0.7,
	},
	{
		name:       "SelfHarm",
		severity:   contracts.SeverityCritical,
		re:         regexp.MustCompile(`(?i)\bhow (to|do i|can i)\b.{0,30}\b(end my life|hurt myself|self.?harm)\b`),
		confidence: 0.85,
	},
	{
		name:       "HatefulSlur",
		severity:   contracts.SeverityHigh,
		re:         regexp.MustCompile(`(?i)\b(exterminate|subhuman|vermin)\b.{0,30}\b(race|ethnic|religion|people)\b`),
		confidence: 0.75,
	},
	{
		name:       "Profanity",
		severity:   contracts.SeverityLow,
		re:         regexp.MustCompile(`(?i)\b(damn|hell|crap)\b`),
		confidence: 0.5,
	},
}

// ToxicityScanner flags harmful or abusive language by category.
type ToxicityScanner struct{}

// NewToxicityScanner returns the built-in toxicity scanner.
func NewToxicityScanner() *ToxicityScanner { return &ToxicityScanner{} }

func (s *ToxicityScanner) ID() string   { return "toxicity" }
func (s *ToxicityScanner) Name() string { return "Toxicity Scanner" }

func (s *ToxicityScanner) Scan(ctx context.Context, req *contracts.Request) (contracts.ScannerVerdict, error) {
	started := time.Now()
	var findings []contracts.Finding

	for idx, msg := range req.Messages {
		if msg.Role != contracts.RoleUser {
			continue
		}
		if err := ctx.Err(); err != nil {
			return contracts.ScannerVerdict{}, err
		}
		text := normalizeText(msg.Text())
		for _, c := range toxicityCategories {
			if loc := c.re.FindStringIndex(text); loc != nil {
				findings = append(findings, contracts.Finding{
					ScannerID:   s.ID(),
					Type:        "Toxicity_" + c.name,
					Severity:    c.severity,
					Confidence:  c.confidence,
					Location:    contracts.Location{MessageIndex: idx, Start: loc[0], End: loc[1]},
					Evidence:    maskEvidence(text[loc[0]:loc[1]]),
					Remediation: "Review flagged content against the acceptable-use policy.",
				})
			}
		}
	}

	return Verdict(s.ID(), findings, time.Since(started)), nil
}
