// Package policy implements the prioritized rule engine that turns a
// scanned request into a terminal action: allow, block, alert, redact
// or log.
//
// The active policy set is published copy-on-write: evaluation reads an
// immutable snapshot sorted by priority, updates swap the snapshot
// atomically. Malformed policies are rejected at load time so that
// evaluation never fails on a well-formed set.
package policy

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
)

// ActionType enumerates the terminal actions a policy can produce.
type ActionType string

const (
	ActionAllow  ActionType = "allow"
	ActionBlock  ActionType = "block"
	ActionAlert  ActionType = "alert"
	ActionRedact ActionType = "redact"
	ActionLog    ActionType = "log"
)

// Valid reports whether the action is a known type.
func (a ActionType) Valid() bool {
	switch a {
	case ActionAllow, ActionBlock, ActionAlert, ActionRedact, ActionLog:
		return true
	}
	return false
}

// Op is a condition comparison operator.
type Op string

const (
	OpEquals   Op = "eq"
	OpContains Op = "contains"
	OpGT       Op = "gt"
	OpGTE      Op = "gte"
	OpLT       Op = "lt"
	OpLTE      Op = "lte"
)

// Condition fields predicate over the request and aggregated verdict.
const (
	FieldThreatLevel     = "threatLevel"
	FieldEventType       = "eventType"
	FieldUserGroup       = "userGroup"
	FieldProvider        = "provider"
	FieldModel           = "model"
	FieldFindingType     = "findingType"
	FieldFindingSeverity = "findingSeverity"
)

// Condition is one predicate. All conditions of a policy must match
// (conjunction); disjunction is expressed across policies by priority.
type Condition struct {
	Field string `json:"field"`
	Op    Op     `json:"op"`
	Value string `json:"value"`
}

// Action is a terminal action plus its parameters (e.g. redaction
// replacement, alert channel hints).
type Action struct {
	Type   ActionType        `json:"type"`
	Params map[string]string `json:"params,omitempty"`
}

// Policy is one prioritized rule. Higher priority is evaluated first;
// the first enabled policy whose conditions all match wins.
type Policy struct {
	ID         string      `json:"id"`
	Name       string      `json:"name"`
	Priority   int         `json:"priority"`
	Enabled    bool        `json:"enabled"`
	Conditions []Condition `json:"conditions"`
	// Expression is an optional CEL predicate evaluated alongside the
	// structured conditions; both must hold for the policy to match.
	Expression string   `json:"expression,omitempty"`
	Actions    []Action `json:"actions"`
}

// Validate rejects malformed policies at load time.
func (p *Policy) Validate() error {
	if p.ID == "" {
		return fmt.Errorf("policy: id must not be empty")
	}
	if len(p.Actions) == 0 {
		return fmt.Errorf("policy %s: at least one action required", p.ID)
	}
	for _, a := range p.Actions {
		if !a.Type.Valid() {
			return fmt.Errorf("policy %s: unknown action %q", p.ID, a.Type)
		}
	}
	for _, c := range p.Conditions {
		if c.Field == "" {
			return fmt.Errorf("policy %s: condition field must not be empty", p.ID)
		}
		switch c.Op {
		case OpEquals, OpContains, OpGT, OpGTE, OpLT, OpLTE:
		default:
			return fmt.Errorf("policy %s: unknown operator %q", p.ID, c.Op)
		}
	}
	return nil
}

// Decision is the engine's output. Default (no policy matched) is an
// allow decision with an empty policy reference.
type Decision struct {
	Action     ActionType        `json:"action"`
	Params     map[string]string `json:"params,omitempty"`
	PolicyID   string            `json:"policy_id,omitempty"`
	PolicyName string            `json:"policy_name,omitempty"`
	Reason     string            `json:"reason,omitempty"`
	Hash       string            `json:"hash,omitempty"`
}

// computeHash produces a deterministic sha256: hash of the JCS-canonical
// decision, excluding the hash field itself. Bound into audit events.
func computeHash(d *Decision) (string, error) {
	input := struct {
		Action   ActionType `json:"action"`
		PolicyID string     `json:"policy_id"`
		Reason   string     `json:"reason"`
	}{d.Action, d.PolicyID, d.Reason}

	raw, err := json.Marshal(input)
	if err != nil {
		return "", fmt.Errorf("policy: decision hash marshal: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("policy: decision hash canonicalization: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return "sha256:" + hex.EncodeToString(sum[:]), nil
}
