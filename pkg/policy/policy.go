// Package policy implements the ordered-rule policy evaluator: the
// first matching rule decides; absent a match, the decision is allow.
// Each rule's "when" clause is a CEL predicate, compiled once and
// cached by rule source, evaluated over a fixed input record.
package policy

import (
	"context"
	"fmt"
	"sync"

	"github.com/agentoshq/agentos/pkg/manifest"
	"github.com/agentoshq/agentos/pkg/store"
	"github.com/google/cel-go/cel"
)

// OriginKind identifies what emitted the effect intent under evaluation.
type OriginKind string

const (
	OriginReducer  OriginKind = "Reducer"
	OriginWorkflow OriginKind = "Workflow"
	OriginPlan     OriginKind = "Plan"
)

// Action is the rule's outcome when its "when" clause matches.
type Action string

const (
	ActionAllow Action = "Allow"
	ActionDeny  Action = "Deny"
)

// Rule is one ordered entry in a Policy. When is a CEL expression over
// the variables effect_kind (string), origin_kind (string), and cap
// (string), evaluating to bool.
type Rule struct {
	When   string `cbor:"when"`
	Action Action `cbor:"action"`
}

// Policy is a named, ordered list of rules. Policy nodes are stored in
// the content-addressed store and referenced from a manifest's
// policies[] list by hash, so the struct carries cbor tags directly.
type Policy struct {
	Name  string `cbor:"name"`
	Rules []Rule `cbor:"rules"`
}

// Decision is the outcome of evaluating a policy against one intent.
type Decision struct {
	Allow      bool
	PolicyName string
	RuleIndex  *int // nil when no rule matched (default-allow)
}

// Evaluator compiles and caches CEL programs per rule source so repeated
// evaluation against the same manifest does not recompile on every tick.
type Evaluator struct {
	env *cel.Env

	mu    sync.Mutex
	progs map[string]cel.Program
}

// NewEvaluator builds a CEL environment declaring the fixed input record
// every rule's "when" clause is evaluated against.
func NewEvaluator() (*Evaluator, error) {
	env, err := cel.NewEnv(
		cel.Variable("effect_kind", cel.StringType),
		cel.Variable("origin_kind", cel.StringType),
		cel.Variable("cap", cel.StringType),
	)
	if err != nil {
		return nil, fmt.Errorf("policy: build cel env: %w", err)
	}
	return &Evaluator{env: env, progs: make(map[string]cel.Program)}, nil
}

func (e *Evaluator) program(expr string) (cel.Program, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if p, ok := e.progs[expr]; ok {
		return p, nil
	}
	ast, issues := e.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("policy: compile %q: %w", expr, issues.Err())
	}
	if err := checkDeterminism(ast); err != nil {
		return nil, fmt.Errorf("policy: %q: %w", expr, err)
	}
	prg, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("policy: program %q: %w", expr, err)
	}
	e.progs[expr] = prg
	return prg, nil
}

// Evaluate finds the first rule in p whose "when" clause matches
// (effectKind, origin, capName) and returns its action; absent a match
// the decision is allow.
func (e *Evaluator) Evaluate(p Policy, effectKind string, origin OriginKind, capName string) (Decision, error) {
	inputs := map[string]interface{}{
		"effect_kind": effectKind,
		"origin_kind": string(origin),
		"cap":         capName,
	}
	for i, rule := range p.Rules {
		prg, err := e.program(rule.When)
		if err != nil {
			return Decision{}, err
		}
		out, _, err := prg.Eval(inputs)
		if err != nil {
			return Decision{}, fmt.Errorf("policy: eval rule %d of %q: %w", i, p.Name, err)
		}
		matched, ok := out.Value().(bool)
		if !ok {
			return Decision{}, fmt.Errorf("policy: rule %d of %q did not evaluate to bool", i, p.Name)
		}
		if matched {
			idx := i
			return Decision{Allow: rule.Action == ActionAllow, PolicyName: p.Name, RuleIndex: &idx}, nil
		}
	}
	return Decision{Allow: true, PolicyName: p.Name, RuleIndex: nil}, nil
}

// LoadAll resolves a manifest's policies[] refs into a name-keyed table by
// reading each ref's hash as a Policy node from the store, the shape
// pkg/governance needs to re-resolve policies after a proposed patch.
func LoadAll(ctx context.Context, s store.Store, refs []manifest.NamedRef) (map[string]Policy, error) {
	out := make(map[string]Policy, len(refs))
	for _, ref := range refs {
		var p Policy
		if err := s.GetNode(ctx, ref.Hash, &p); err != nil {
			return nil, fmt.Errorf("policy: load %q (%s): %w", ref.Name, ref.Hash, err)
		}
		out[ref.Name] = p
	}
	return out, nil
}

// Store writes p as a content-addressed node and returns the ref the
// manifest's policies[] list should carry.
func Store(ctx context.Context, s store.Store, p Policy) (manifest.NamedRef, error) {
	h, err := s.PutNode(ctx, p)
	if err != nil {
		return manifest.NamedRef{}, err
	}
	return manifest.NamedRef{Name: p.Name, Hash: h}, nil
}
