package scanners

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/clay-good/proxilion-grc-sub001/pkg/contracts"
)

// Standard names a regulatory or certification regime.
type Standard string

const (
	StandardHIPAA    Standard = "HIPAA"
	StandardPCIDSS   Standard = "PCI-DSS"
	StandardSOX      Standard = "SOX"
	StandardGLBA     Standard = "GLBA"
	StandardFERPA    Standard = "FERPA"
	StandardCOPPA    Standard = "COPPA"
	StandardCCPA     Standard = "CCPA"
	StandardCPRA     Standard = "CPRA"
	StandardGDPR     Standard = "GDPR"
	StandardPIPEDA   Standard = "PIPEDA"
	StandardLGPD     Standard = "LGPD"
	StandardPDPA     Standard = "PDPA"
	StandardSOC2     Standard = "SOC2"
	StandardISO27001 Standard = "ISO27001"
	StandardNIST     Standard = "NIST"
)

// DefaultComplianceStandards enables every supported standard.
var DefaultComplianceStandards = []Standard{
	StandardHIPAA, StandardPCIDSS, StandardSOX, StandardGLBA, StandardFERPA,
	StandardCOPPA, StandardCCPA, StandardCPRA, StandardGDPR, StandardPIPEDA,
	StandardLGPD, StandardPDPA, StandardSOC2, StandardISO27001, StandardNIST,
}

// ComplianceRule is one entry of the rule table. A rule fires when its
// pattern matches the flattened user text OR its validator returns true.
type ComplianceRule struct {
	ID          string
	Standard    Standard
	Name        string
	Severity    contracts.Severity
	Pattern     *regexp.Regexp
	Validator   func(text string) bool
	Confidence  float64
	Remediation string
}

// rawComplianceRules is the catalog as shipped. It intentionally carries
// the upstream duplicate id (hipaa-002 appears twice with different
// content); buildRuleTable re-keys later duplicates because ids are
// unique per standard.
var rawComplianceRules = []ComplianceRule{
	// HIPAA: protected health information.
	{
		ID: "hipaa-001", Standard: StandardHIPAA, Name: "PHI_MedicalRecordNumber",
		Severity:   contracts.SeverityCritical,
		Pattern:    regexp.MustCompile(`(?i)\b(MRN|medical record (number|no\.?))\b\s*[:#]?\s*\d{6,10}\b`),
		Confidence: 0.9, Remediation: "Strip medical record numbers; PHI may not leave covered systems.",
	},
	{
		ID: "hipaa-002", Standard: StandardHIPAA, Name: "PHI_Diagnosis",
		Severity:   contracts.SeverityHigh,
		Pattern:    regexp.MustCompile(`(?i)\b(diagnosed with|diagnosis of|icd-10( code)?)\b`),
		Confidence: 0.85, Remediation: "De-identify diagnosis details per the Safe Harbor method.",
	},
	{
		ID: "hipaa-002", Standard: StandardHIPAA, Name: "PHI_HealthInsuranceID",
		Severity:   contracts.SeverityHigh,
		Pattern:    regexp.MustCompile(`(?i)\b(health (insurance|plan) (id|number|member id))\b\s*[:#]?\s*[A-Z0-9]{6,12}\b`),
		Confidence: 0.88, Remediation: "Remove insurance member identifiers before external processing.",
	},
	// PCI-DSS: cardholder data.
	{
		ID: "pci-001", Standard: StandardPCIDSS, Name: "CardholderPAN",
		Severity:   contracts.SeverityCritical,
		Validator:  containsValidPAN,
		Confidence: 0.9, Remediation: "Primary account numbers must never be sent to external AI services.",
	},
	{
		ID: "pci-002", Standard: StandardPCIDSS, Name: "CardSecurityCode",
		Severity:   contracts.SeverityCritical,
		Pattern:    regexp.MustCompile(`(?i)\b(cvv2?|cvc|security code)\b\s*[:#]?\s*\d{3,4}\b`),
		Confidence: 0.9, Remediation: "Security codes may not be stored or transmitted after authorization.",
	},
	// SOX: financial reporting integrity.
	{
		ID: "sox-001", Standard: StandardSOX, Name: "MaterialNonPublic",
		Severity:   contracts.SeverityHigh,
		Pattern:    regexp.MustCompile(`(?i)\b(pre.?release (earnings|results)|material non.?public|unreleased financials)\b`),
		Confidence: 0.85, Remediation: "Material non-public information is restricted until disclosure.",
	},
	{
		ID: "sox-002", Standard: StandardSOX, Name: "AuditWorkpaper",
		Severity:   contracts.SeverityMedium,
		Pattern:    regexp.MustCompile(`(?i)\b(audit workpaper|internal control deficiency|management override)\b`),
		Confidence: 0.85, Remediation: "Audit materials require controlled handling.",
	},
	// GLBA: consumer financial privacy.
	{
		ID: "glba-001", Standard: StandardGLBA, Name: "AccountNumber",
		Severity:   contracts.SeverityHigh,
		Pattern:    regexp.MustCompile(`(?i)\b(bank account|account number|routing number)\b\s*[:#]?\s*\d{6,17}\b`),
		Confidence: 0.88, Remediation: "Mask consumer account numbers before external processing.",
	},
	{
		ID: "glba-002", Standard: StandardGLBA, Name: "CreditScore",
		Severity:   contracts.SeverityMedium,
		Pattern:    regexp.MustCompile(`(?i)\b(credit score|fico)\b\s*[:#]?\s*\d{3}\b`),
		Confidence: 0.85, Remediation: "Consumer credit data is nonpublic personal information.",
	},
	// FERPA: education records.
	{
		ID: "ferpa-001", Standard: StandardFERPA, Name: "StudentRecord",
		Severity:   contracts.SeverityHigh,
		Pattern:    regexp.MustCompile(`(?i)\b(student id|transcript|gpa)\b\s*[:#]?\s*[\d.]{1,9}\b`),
		Confidence: 0.85, Remediation: "Education records require written consent for disclosure.",
	},
	// COPPA: children's data.
	{
		ID: "coppa-001", Standard: StandardCOPPA, Name: "ChildData",
		Severity:   contracts.SeverityHigh,
		Pattern:    regexp.MustCompile(`(?i)\b(child|minor|under 13|kid)('s)?\b.{0,40}\b(name|address|email|birthday|location)\b`),
		Confidence: 0.85, Remediation: "Collecting children's personal data requires verified parental consent.",
	},
	// CCPA / CPRA: California consumer privacy.
	{
		ID: "ccpa-001", Standard: StandardCCPA, Name: "ConsumerProfile",
		Severity:   contracts.SeverityMedium,
		Pattern:    regexp.MustCompile(`(?i)\b(browsing history|purchase history|geolocation data)\b.{0,40}\b(consumer|customer|user)\b`),
		Confidence: 0.85, Remediation: "Consumer profiles fall under CCPA sale/share restrictions.",
	},
	{
		ID: "cpra-001", Standard: StandardCPRA, Name: "SensitivePersonalInfo",
		Severity:   contracts.SeverityHigh,
		Pattern:    regexp.MustCompile(`(?i)\b(precise geolocation|racial or ethnic origin|union membership|genetic data)\b`),
		Confidence: 0.88, Remediation: "Sensitive personal information has dedicated CPRA limits.",
	},
	// GDPR: EU data protection.
	{
		ID: "gdpr-001", Standard: StandardGDPR, Name: "SpecialCategory",
		Severity:   contracts.SeverityHigh,
		Pattern:    regexp.MustCompile(`(?i)\b(political opinions?|religious beliefs?|sexual orientation|biometric data|health data)\b`),
		Confidence: 0.88, Remediation: "Article 9 special category data needs an explicit lawful basis.",
	},
	{
		ID: "gdpr-002", Standard: StandardGDPR, Name: "EUNationalID",
		Severity:   contracts.SeverityHigh,
		Pattern:    regexp.MustCompile(`(?i)\b(passport|national id|identity card)\b\s*(number|no\.?)?\s*[:#]?\s*[A-Z0-9]{6,12}\b`),
		Confidence: 0.85, Remediation: "National identifiers are personal data under Article 4.",
	},
	// PIPEDA: Canada.
	{
		ID: "pipeda-001", Standard: StandardPIPEDA, Name: "SIN",
		Severity:   contracts.SeverityCritical,
		Validator:  containsSIN,
		Confidence: 0.88, Remediation: "Social Insurance Numbers require express consent for disclosure.",
	},
	// LGPD: Brazil.
	{
		ID: "lgpd-001", Standard: StandardLGPD, Name: "CPF",
		Severity:   contracts.SeverityHigh,
		Pattern:    regexp.MustCompile(`\b\d{3}\.\d{3}\.\d{3}-\d{2}\b`),
		Confidence: 0.9, Remediation: "CPF numbers are personal data under LGPD Article 5.",
	},
	// PDPA: Singapore.
	{
		ID: "pdpa-001", Standard: StandardPDPA, Name: "NRIC",
		Severity:   contracts.SeverityHigh,
		Pattern:    regexp.MustCompile(`\b[STFG]\d{7}[A-Z]\b`),
		Confidence: 0.9, Remediation: "NRIC numbers may only be collected where required by law.",
	},
	// SOC2: service organization controls.
	{
		ID: "soc2-001", Standard: StandardSOC2, Name: "ProductionCredential",
		Severity:   contracts.SeverityHigh,
		Pattern:    regexp.MustCompile(`(?i)\b(prod(uction)? (password|credential|secret))\b`),
		Confidence: 0.85, Remediation: "Production credentials violate the confidentiality criteria.",
	},
	// ISO 27001: information security management.
	{
		ID: "iso-001", Standard: StandardISO27001, Name: "ClassifiedAsset",
		Severity:   contracts.SeverityMedium,
		Pattern:    regexp.MustCompile(`(?i)\b(classification:\s*(secret|restricted|confidential))\b`),
		Confidence: 0.85, Remediation: "Handle per the information classification policy (A.5.12).",
	},
	// NIST: federal controls.
	{
		ID: "nist-001", Standard: StandardNIST, Name: "CUIMarking",
		Severity:   contracts.SeverityHigh,
		Pattern:    regexp.MustCompile(`(?i)\b(CUI|controlled unclassified information|FOUO|for official use only)\b`),
		Confidence: 0.88, Remediation: "CUI requires safeguarding per SP 800-171.",
	},
}

var panCandidateRe = regexp.MustCompile(`(?:\d[ -]?){13,19}`)

// containsValidPAN scans digit runs in the text for a Luhn-valid PAN.
func containsValidPAN(text string) bool {
	for _, m := range panCandidateRe.FindAllString(text, -1) {
		if luhnValid(m) {
			return true
		}
	}
	return false
}

var sinShapeRe = regexp.MustCompile(`\b\d{3}[ -]\d{3}[ -]\d{3}\b`)

// containsSIN requires a Canadian context cue alongside the 3-3-3 digit
// shape, which otherwise collides with phone fragments.
func containsSIN(text string) bool {
	if !sinShapeRe.MatchString(text) {
		return false
	}
	lower := strings.ToLower(text)
	return strings.Contains(lower, "sin") || strings.Contains(lower, "social insurance")
}

// buildRuleTable dedups rule ids per standard: the first definition wins
// its id, later duplicates are re-keyed with the next free sequence
// number for that standard.
func buildRuleTable(raw []ComplianceRule) []ComplianceRule {
	seen := make(map[string]bool, len(raw))
	maxSeq := make(map[Standard]int)
	out := make([]ComplianceRule, 0, len(raw))

	for _, r := range raw {
		if n := ruleSeq(r.ID); n > maxSeq[r.Standard] {
			maxSeq[r.Standard] = n
		}
	}
	for _, r := range raw {
		if seen[r.ID] {
			maxSeq[r.Standard]++
			prefix := r.ID
			if i := strings.LastIndex(prefix, "-"); i >= 0 {
				prefix = prefix[:i]
			}
			r.ID = fmt.Sprintf("%s-%03d", prefix, maxSeq[r.Standard])
		}
		seen[r.ID] = true
		out = append(out, r)
	}
	return out
}

func ruleSeq(id string) int {
	i := strings.LastIndex(id, "-")
	if i < 0 {
		return 0
	}
	var n int
	fmt.Sscanf(id[i+1:], "%d", &n)
	return n
}

// ComplianceScanner evaluates the rule table for the enabled standards
// against the flattened text of all user-role messages.
type ComplianceScanner struct {
	rules []ComplianceRule
}

// NewComplianceScanner returns a scanner restricted to the given
// standards (all of them when none are specified).
func NewComplianceScanner(standards ...Standard) *ComplianceScanner {
	enabled := make(map[Standard]bool, len(standards))
	for _, s := range standards {
		enabled[s] = true
	}
	var rules []ComplianceRule
	for _, r := range buildRuleTable(rawComplianceRules) {
		if len(standards) == 0 || enabled[r.Standard] {
			rules = append(rules, r)
		}
	}
	return &ComplianceScanner{rules: rules}
}

// Rules exposes the active (deduplicated) rule table.
func (s *ComplianceScanner) Rules() []ComplianceRule { return s.rules }

func (s *ComplianceScanner) ID() string   { return "compliance" }
func (s *ComplianceScanner) Name() string { return "Compliance Scanner" }

func (s *ComplianceScanner) Scan(ctx context.Context, req *contracts.Request) (contracts.ScannerVerdict, error) {
	started := time.Now()
	var findings []contracts.Finding

	for idx, msg := range req.Messages {
		if msg.Role != contracts.RoleUser {
			continue
		}
		text := normalizeText(msg.Text())
		for _, r := range s.rules {
			if err := ctx.Err(); err != nil {
				return contracts.ScannerVerdict{}, err
			}
			var evidence string
			location := contracts.Location{MessageIndex: idx}
			fired := false
			if r.Pattern != nil {
				if loc := r.Pattern.FindStringIndex(text); loc != nil {
					fired = true
					evidence = maskEvidence(text[loc[0]:loc[1]])
					location.Start, location.End = loc[0], loc[1]
				}
			}
			// Validator matches fire on the whole message; they carry no
			// span, so a redact action leaves the message untouched.
			if !fired && r.Validator != nil && r.Validator(text) {
				fired = true
				evidence = "(validator match)"
			}
			if !fired {
				continue
			}
			findings = append(findings, contracts.Finding{
				ScannerID:   s.ID(),
				Type:        fmt.Sprintf("%s_%s", r.Standard, r.Name),
				Severity:    r.Severity,
				Confidence:  r.Confidence,
				Location:    location,
				Evidence:    evidence,
				Remediation: r.Remediation,
			})
		}
	}

	return Verdict(s.ID(), findings, time.Since(started)), nil
}
