package policy

import (
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/clay-good/proxilion-grc-sub001/pkg/contracts"
)

// Engine evaluates the active policy snapshot against a request and its
// aggregated verdict. Evaluation is deterministic and never panics on a
// validated policy set.
type Engine struct {
	snapshot atomic.Pointer[[]Policy]
	cel      *celEvaluator
	logger   *slog.Logger
}

// NewEngine creates an engine with an empty policy set.
func NewEngine() (*Engine, error) {
	cel, err := newCELEvaluator()
	if err != nil {
		return nil, err
	}
	e := &Engine{cel: cel, logger: slog.Default().With("component", "policy")}
	e.snapshot.Store(&[]Policy{})
	return e, nil
}

// SetPolicies validates, sorts and publishes a new snapshot. Malformed
// policies are skipped with a warning rather than failing the whole set;
// CEL expressions are compiled here so Evaluate never compiles.
func (e *Engine) SetPolicies(policies []Policy) {
	kept := make([]Policy, 0, len(policies))
	for _, p := range policies {
		if err := p.Validate(); err != nil {
			e.logger.Warn("skipping malformed policy", "policy", p.ID, "error", err)
			continue
		}
		if p.Expression != "" {
			if err := e.cel.compile(p.Expression); err != nil {
				e.logger.Warn("skipping policy with bad expression", "policy", p.ID, "error", err)
				continue
			}
		}
		kept = append(kept, p)
	}
	// Higher priority wins; ties broken by id for determinism.
	sort.SliceStable(kept, func(i, j int) bool {
		if kept[i].Priority != kept[j].Priority {
			return kept[i].Priority > kept[j].Priority
		}
		return kept[i].ID < kept[j].ID
	})
	e.snapshot.Store(&kept)
}

// Policies returns the current snapshot (sorted, validated).
func (e *Engine) Policies() []Policy {
	return *e.snapshot.Load()
}

// Evaluate returns the action of the first enabled policy whose
// conditions all match; the default decision is allow.
func (e *Engine) Evaluate(req *contracts.Request, verdict *contracts.AggregatedVerdict) Decision {
	for _, p := range e.Policies() {
		if !p.Enabled {
			continue
		}
		if !e.matches(&p, req, verdict) {
			continue
		}
		action := p.Actions[0]
		d := Decision{
			Action:     action.Type,
			Params:     action.Params,
			PolicyID:   p.ID,
			PolicyName: p.Name,
			Reason:     fmt.Sprintf("policy %s matched", p.ID),
		}
		if h, err := computeHash(&d); err == nil {
			d.Hash = h
		}
		return d
	}

	d := Decision{Action: ActionAllow, Reason: "no policy matched"}
	if h, err := computeHash(&d); err == nil {
		d.Hash = h
	}
	return d
}

func (e *Engine) matches(p *Policy, req *contracts.Request, verdict *contracts.AggregatedVerdict) bool {
	for _, c := range p.Conditions {
		if !matchCondition(c, req, verdict) {
			return false
		}
	}
	if p.Expression != "" {
		ok, err := e.cel.eval(p.Expression, req, verdict)
		if err != nil {
			// Fail closed on expression errors: treat as no match so the
			// default-allow chain continues deterministically.
			e.logger.Warn("expression evaluation failed", "policy", p.ID, "error", err)
			return false
		}
		if !ok {
			return false
		}
	}
	return true
}

// matchCondition evaluates one predicate. Finding-scoped fields match
// when any finding satisfies the predicate.
func matchCondition(c Condition, req *contracts.Request, verdict *contracts.AggregatedVerdict) bool {
	switch c.Field {
	case FieldThreatLevel:
		return compareSeverity(verdict.ThreatLevel, c)
	case FieldEventType:
		return matchString("request", c)
	case FieldProvider:
		return matchString(req.Provider, c)
	case FieldModel:
		return matchString(req.Model, c)
	case FieldUserGroup:
		for _, g := range req.UserGroups {
			if matchString(g, c) {
				return true
			}
		}
		return false
	case FieldFindingType:
		for _, f := range verdict.Findings {
			if matchString(f.Type, c) {
				return true
			}
		}
		return false
	case FieldFindingSeverity:
		for _, f := range verdict.Findings {
			if compareSeverity(f.Severity, c) {
				return true
			}
		}
		return false
	}
	return false
}

func matchString(actual string, c Condition) bool {
	switch c.Op {
	case OpEquals:
		return actual == c.Value
	case OpContains:
		return strings.Contains(actual, c.Value)
	case OpGT, OpGTE, OpLT, OpLTE:
		av, err1 := strconv.ParseFloat(actual, 64)
		bv, err2 := strconv.ParseFloat(c.Value, 64)
		if err1 != nil || err2 != nil {
			return false
		}
		return compareFloat(av, bv, c.Op)
	}
	return false
}

// compareSeverity compares by ordinal rank so "gt medium" works.
func compareSeverity(actual contracts.Severity, c Condition) bool {
	want := contracts.Severity(c.Value)
	switch c.Op {
	case OpEquals:
		return actual == want
	case OpContains:
		return strings.Contains(string(actual), c.Value)
	default:
		return compareFloat(float64(actual.Rank()), float64(want.Rank()), c.Op)
	}
}

func compareFloat(a, b float64, op Op) bool {
	switch op {
	case OpGT:
		return a > b
	case OpGTE:
		return a >= b
	case OpLT:
		return a < b
	case OpLTE:
		return a <= b
	}
	return false
}
