package scanners

import (
	"context"
	"regexp"
	"strings"
	"time"

	"github.com/clay-good/proxilion-grc-sub001/pkg/contracts"
)

// injectionHeuristic is one prompt-injection signal.
type injectionHeuristic struct {
	name       string
	severity   contracts.Severity
	re         *regexp.Regexp
	confidence float64
}

var injectionHeuristics = []injectionHeuristic{
	{
		name:       "InstructionOverride",
		severity:   contracts.SeverityHigh,
		re:         regexp.MustCompile(`(?i)\b(ignore|disregard|forget)\b.{0,40}\b(previous|prior|above|all)\b.{0,40}\b(instructions?|prompts?|rules?)\b`),
		confidence: 0.9,
	},
	{
		name:       "SystemPromptProbe",
		severity:   contracts.SeverityHigh,
		re:         regexp.MustCompile(`(?i)\b(reveal|show|print|repeat|output)\b.{0,40}\b(system prompt|initial instructions|hidden instructions)\b`),
		confidence: 0.9,
	},
	{
		name:       "RoleHijack",
		severity:   contracts.SeverityMedium,
		re:         regexp.MustCompile(`(?i)\byou are (now|no longer)\b|\bpretend (to be|you are)\b|\bact as (if|though)?\b`),
		confidence: 0.7,
	},
	{
		name:       "JailbreakPersona",
		severity:   contracts.SeverityHigh,
		re:         regexp.MustCompile(`(?i)\b(DAN mode|developer mode|jailbreak|do anything now)\b`),
		confidence: 0.85,
	},
	{
		name:       "DelimiterSmuggling",
		severity:   contracts.SeverityMedium,
		re:         regexp.MustCompile(`(?i)(<\|im_start\|>|<\|im_end\|>|\[INST\]|\[/INST\]|<<SYS>>)`),
		confidence: 0.8,
	},
	{
		name:       "ExfiltrationLure",
		severity:   contracts.SeverityMedium,
		re:         regexp.MustCompile(`(?i)\b(send|post|forward)\b.{0,40}\b(conversation|chat history|context)\b.{0,40}\b(to|at)\b.{0,40}https?://`),
		confidence: 0.75,
	},
}

// InjectionScanner detects prompt-injection attempts with layered
// heuristics. Base64-looking blobs inside user text raise an extra
// low-severity obfuscation finding.
type InjectionScanner struct{}

// NewInjectionScanner returns the built-in prompt-injection scanner.
func NewInjectionScanner() *InjectionScanner { return &InjectionScanner{} }

func (s *InjectionScanner) ID() string   { return "prompt_injection" }
func (s *InjectionScanner) Name() string { return "Prompt Injection Scanner" }

var base64BlobRe = regexp.MustCompile(`\b[A-Za-z0-9+/]{80,}={0,2}\b`)

func (s *InjectionScanner) Scan(ctx context.Context, req *contracts.Request) (contracts.ScannerVerdict, error) {
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
		for _, h := range injectionHeuristics {
			if loc := h.re.FindStringIndex(text); loc != nil {
				findings = append(findings, contracts.Finding{
					ScannerID:   s.ID(),
					Type:        "PromptInjection_" + h.name,
					Severity:    h.severity,
					Confidence:  h.confidence,
					Location:    contracts.Location{MessageIndex: idx, Start: loc[0], End: loc[1]},
					Evidence:    maskEvidence(text[loc[0]:loc[1]]),
					Remediation: "Reject or sanitize adversarial instructions before forwarding.",
				})
			}
		}
		if loc := base64BlobRe.FindStringIndex(text); loc != nil && !strings.Contains(text, "http") {
			findings = append(findings, contracts.Finding{
				ScannerID:   s.ID(),
				Type:        "PromptInjection_EncodedPayload",
				Severity:    contracts.SeverityLow,
				Confidence:  0.5,
				Location:    contracts.Location{MessageIndex: idx, Start: loc[0], End: loc[1]},
				Evidence:    maskEvidence(text[loc[0]:loc[1]]),
				Remediation: "Decode and inspect embedded payloads before forwarding.",
			})
		}
	}

	return Verdict(s.ID(), findings, time.Since(started)), nil
}
