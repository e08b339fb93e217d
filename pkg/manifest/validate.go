package manifest

import (
	"context"
	"fmt"

	"github.com/agentoshq/agentos/pkg/store"
)

// PlanStep is one node of a plan/workflow graph: an effect emission, a
// receipt wait, a local assignment, or a terminal step. Kind is left as
// an opaque string here (the runtime ABI interprets it); validation only
// needs the step id and, for AwaitReceipt/Assign/End-less steps, nothing
// beyond uniqueness and edge reachability.
type PlanStep struct {
	ID   string `cbor:"id"`
	Kind string `cbor:"kind"`
}

// PlanEdge connects two plan steps by id, per the original implementation's
// DefPlan.edges.
type PlanEdge struct {
	From string `cbor:"from"`
	To   string `cbor:"to"`
	When string `cbor:"when,omitempty"`
}

// Plan is the content-addressed node shape for a manifest's Plans[]
// references: a named step graph a workflow module compiles against.
// Plans are validated statically at manifest load, before any instance
// runs against them.
type Plan struct {
	Name         string     `cbor:"name"`
	Steps        []PlanStep `cbor:"steps"`
	Edges        []PlanEdge `cbor:"edges"`
	RequiredCaps []string   `cbor:"required_caps,omitempty"`
}

// ValidationError reports one plan failing its static structural check.
type ValidationError struct {
	PlanName string
	Reason   string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("manifest: plan %q: %s", e.PlanName, e.Reason)
}

// ValidatePlans loads every plan node a manifest's Plans[] section names
// and checks step-id uniqueness and edge reachability. A plan ref whose
// node cannot be loaded or decoded into a Plan is reported as an error.
func ValidatePlans(ctx context.Context, s store.Store, m Manifest) error {
	for _, ref := range m.Plans {
		var p Plan
		if err := s.GetNode(ctx, ref.Hash, &p); err != nil {
			return fmt.Errorf("manifest: load plan %q (%s): %w", ref.Name, ref.Hash, err)
		}
		if err := validatePlan(p); err != nil {
			return err
		}
	}
	return nil
}

func validatePlan(p Plan) error {
	ids := make(map[string]bool, len(p.Steps))
	for _, st := range p.Steps {
		if st.ID == "" {
			return &ValidationError{PlanName: p.Name, Reason: "step with empty id"}
		}
		if ids[st.ID] {
			return &ValidationError{PlanName: p.Name, Reason: fmt.Sprintf("duplicate step id %q", st.ID)}
		}
		ids[st.ID] = true
	}
	for _, e := range p.Edges {
		if !ids[e.From] {
			return &ValidationError{PlanName: p.Name, Reason: fmt.Sprintf("edge references unknown step %q", e.From)}
		}
		if !ids[e.To] {
			return &ValidationError{PlanName: p.Name, Reason: fmt.Sprintf("edge references unknown step %q", e.To)}
		}
	}
	return nil
}
