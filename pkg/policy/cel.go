package policy

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/clay-good/proxilion-grc-sub001/pkg/contracts"
)

// celEvaluator compiles and caches CEL programs for policy expressions.
// Programs are compiled once at publish time; evaluation only looks up
// the cache.
type celEvaluator struct {
	env   *cel.Env
	mu    sync.RWMutex
	cache map[string]cel.Program
}

func newCELEvaluator() (*celEvaluator, error) {
	env, err := cel.NewEnv(
		cel.Variable("request", cel.DynType),
		cel.Variable("verdict", cel.DynType),
	)
	if err != nil {
		return nil, fmt.Errorf("policy: cel environment: %w", err)
	}
	return &celEvaluator{env: env, cache: make(map[string]cel.Program)}, nil
}

// compile builds and caches the program for expr. Used at publish time
// so malformed expressions are rejected before evaluation.
func (e *celEvaluator) compile(expr string) error {
	e.mu.RLock()
	_, ok := e.cache[expr]
	e.mu.RUnlock()
	if ok {
		return nil
	}

	ast, issues := e.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return fmt.Errorf("policy: compile expression: %w", issues.Err())
	}
	prg, err := e.env.Program(ast)
	if err != nil {
		return fmt.Errorf("policy: build program: %w", err)
	}

	e.mu.Lock()
	e.cache[expr] = prg
	e.mu.Unlock()
	return nil
}

// eval runs a previously compiled expression. Unknown expressions are an
// error (the engine only evaluates what it compiled at publish).
func (e *celEvaluator) eval(expr string, req *contracts.Request, verdict *contracts.AggregatedVerdict) (bool, error) {
	e.mu.RLock()
	prg, ok := e.cache[expr]
	e.mu.RUnlock()
	if !ok {
		return false, fmt.Errorf("policy: expression not compiled")
	}

	out, _, err := prg.Eval(map[string]any{
		"request": requestActivation(req),
		"verdict": verdictActivation(verdict),
	})
	if err != nil {
		return false, fmt.Errorf("policy: evaluate expression: %w", err)
	}
	b, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("policy: expression did not yield bool")
	}
	return b, nil
}

func requestActivation(req *contracts.Request) map[string]any {
	groups := make([]any, 0, len(req.UserGroups))
	for _, g := range req.UserGroups {
		groups = append(groups, g)
	}
	return map[string]any{
		"tenant_id":   req.TenantID,
		"user_id":     req.UserID,
		"user_groups": groups,
		"provider":    req.Provider,
		"model":       req.Model,
		"priority":    string(req.Priority),
		"streaming":   req.Streaming,
	}
}

func verdictActivation(v *contracts.AggregatedVerdict) map[string]any {
	findings := make([]any, 0, len(v.Findings))
	for _, f := range v.Findings {
		findings = append(findings, map[string]any{
			"type":       f.Type,
			"severity":   string(f.Severity),
			"confidence": f.Confidence,
		})
	}
	return map[string]any{
		"passed":       v.Passed,
		"threat_level": string(v.ThreatLevel),
		"score":        v.Score,
		"findings":     findings,
	}
}
