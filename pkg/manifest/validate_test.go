package manifest

import (
	"context"
	"testing"

	"github.com/agentoshq/agentos/pkg/store"
)

func TestValidatePlansRejectsDuplicateStepID(t *testing.T) {
	s := store.NewMemStore()
	ctx := context.Background()

	plan := Plan{
		Name: "com.acme/plan@1",
		Steps: []PlanStep{
			{ID: "emit", Kind: "emit-effect"},
			{ID: "emit", Kind: "end"},
		},
	}
	h, err := s.PutNode(ctx, plan)
	if err != nil {
		t.Fatal(err)
	}

	m := Manifest{Plans: []NamedRef{{Name: plan.Name, Hash: h}}}
	err = ValidatePlans(ctx, s, m)
	if err == nil {
		t.Fatal("expected duplicate step id to fail validation")
	}
}

func TestValidatePlansRejectsDanglingEdge(t *testing.T) {
	s := store.NewMemStore()
	ctx := context.Background()

	plan := Plan{
		Name: "com.acme/plan@1",
		Steps: []PlanStep{
			{ID: "emit", Kind: "emit-effect"},
		},
		Edges: []PlanEdge{{From: "emit", To: "missing"}},
	}
	h, err := s.PutNode(ctx, plan)
	if err != nil {
		t.Fatal(err)
	}

	m := Manifest{Plans: []NamedRef{{Name: plan.Name, Hash: h}}}
	if err := ValidatePlans(ctx, s, m); err == nil {
		t.Fatal("expected dangling edge to fail validation")
	}
}

func TestValidatePlansAcceptsWellFormedPlan(t *testing.T) {
	s := store.NewMemStore()
	ctx := context.Background()

	plan := Plan{
		Name: "com.acme/plan@1",
		Steps: []PlanStep{
			{ID: "emit", Kind: "emit-effect"},
			{ID: "await", Kind: "await-receipt"},
			{ID: "end", Kind: "end"},
		},
		Edges: []PlanEdge{
			{From: "emit", To: "await"},
			{From: "await", To: "end"},
		},
	}
	h, err := s.PutNode(ctx, plan)
	if err != nil {
		t.Fatal(err)
	}

	m := Manifest{Plans: []NamedRef{{Name: plan.Name, Hash: h}}}
	if err := ValidatePlans(ctx, s, m); err != nil {
		t.Fatalf("well-formed plan rejected: %v", err)
	}
}
