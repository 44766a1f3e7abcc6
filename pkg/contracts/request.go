// Package contracts defines the provider-agnostic types shared across the
// gateway: normalized requests and responses, scanner findings and verdicts,
// and the audit event shape. Every subsystem speaks these types; provider
// adapters own the translation to and from wire formats.
package contracts

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Priority is the admission band of a request.
type Priority string

const (
	PriorityCritical   Priority = "critical"
	PriorityHigh       Priority = "high"
	PriorityNormal     Priority = "normal"
	PriorityLow        Priority = "low"
	PriorityBackground Priority = "background"
)

// Bands lists all priority bands from highest to lowest.
var Bands = [...]Priority{PriorityCritical, PriorityHigh, PriorityNormal, PriorityLow, PriorityBackground}

// Rank returns the band's position: 0 = critical, 4 = background.
// Unknown priorities rank as normal.
func (p Priority) Rank() int {
	switch p {
	case PriorityCritical:
		return 0
	case PriorityHigh:
		return 1
	case PriorityNormal:
		return 2
	case PriorityLow:
		return 3
	case PriorityBackground:
		return 4
	}
	return 2
}

// Valid reports whether p names one of the five bands.
func (p Priority) Valid() bool {
	for _, b := range Bands {
		if p == b {
			return true
		}
	}
	return false
}

// Role identifies the author of a message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ContentPart is one segment of structured message content.
type ContentPart struct {
	Type string `json:"type"` // "text", "image", ...
	Text string `json:"text,omitempty"`
	URL  string `json:"url,omitempty"`
}

// Message is one turn of a normalized conversation.
type Message struct {
	Role    Role          `json:"role"`
	Content string        `json:"content,omitempty"`
	Parts   []ContentPart `json:"parts,omitempty"`
}

// Text returns the flattened text of the message: Content if set,
// otherwise the concatenation of text parts.
func (m Message) Text() string {
	if m.Content != "" {
		return m.Content
	}
	var sb strings.Builder
	for _, p := range m.Parts {
		if p.Type == "text" {
			sb.WriteString(p.Text)
		}
	}
	return sb.String()
}

// Parameters holds the numeric sampling knobs of a request.
// Pointer fields distinguish "unset" from zero.
type Parameters struct {
	Temperature *float64 `json:"temperature,omitempty"`
	TopP        *float64 `json:"top_p,omitempty"`
	MaxTokens   *int     `json:"max_tokens,omitempty"`
	Seed        *int64   `json:"seed,omitempty"`
}

// Request is the provider-agnostic form of an intercepted AI request.
// It is immutable from normalization through scanning; only the redact
// phase may rewrite message content.
type Request struct {
	CorrelationID string     `json:"correlation_id"`
	TenantID      string     `json:"tenant_id,omitempty"`
	UserID        string     `json:"user_id,omitempty"`
	UserGroups    []string   `json:"user_groups,omitempty"`
	Provider      string     `json:"provider"`
	Model         string     `json:"model"`
	Messages      []Message  `json:"messages"`
	Parameters    Parameters `json:"parameters"`
	Streaming     bool       `json:"streaming,omitempty"`
	Priority      Priority   `json:"priority"`
	Deadline      time.Time  `json:"deadline,omitempty"`
	ReceivedAt    time.Time  `json:"received_at"`
}

// NewCorrelationID returns a fresh opaque correlation id.
func NewCorrelationID() string {
	return "req_" + uuid.New().String()
}

// UserText returns the flattened text of all user-role messages, newline
// joined. This is the stable text extraction scanners operate on.
func (r *Request) UserText() string {
	var parts []string
	for _, m := range r.Messages {
		if m.Role == RoleUser {
			if t := m.Text(); t != "" {
				parts = append(parts, t)
			}
		}
	}
	return strings.Join(parts, "\n")
}

// AllText returns the flattened text of every message regardless of role.
func (r *Request) AllText() string {
	var parts []string
	for _, m := range r.Messages {
		if t := m.Text(); t != "" {
			parts = append(parts, t)
		}
	}
	return strings.Join(parts, "\n")
}

// Clone returns a deep copy of the request. The redact phase operates on
// a clone so that earlier pipeline stages keep a stable view.
func (r *Request) Clone() *Request {
	cp := *r
	cp.Messages = make([]Message, len(r.Messages))
	copy(cp.Messages, r.Messages)
	for i := range cp.Messages {
		if len(cp.Messages[i].Parts) > 0 {
			parts := make([]ContentPart, len(cp.Messages[i].Parts))
			copy(parts, cp.Messages[i].Parts)
			cp.Messages[i].Parts = parts
		}
	}
	if len(r.UserGroups) > 0 {
		cp.UserGroups = append([]string(nil), r.UserGroups...)
	}
	return &cp
}

// TokenUsage reports the token counts of one upstream exchange.
type TokenUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Response is the provider-agnostic form of an upstream response.
type Response struct {
	CorrelationID string     `json:"correlation_id"`
	Provider      string     `json:"provider"`
	Model         string     `json:"model"`
	Content       string     `json:"content"`
	FinishReason  string     `json:"finish_reason,omitempty"`
	Usage         TokenUsage `json:"usage"`
	Cached        bool       `json:"cached,omitempty"`
	EndpointID    string     `json:"endpoint_id,omitempty"`
	LatencyMs     int64      `json:"latency_ms,omitempty"`
}
