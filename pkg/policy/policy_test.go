package policy

import "testing"

func TestEvaluateFirstMatchWins(t *testing.T) {
	e, err := NewEvaluator()
	if err != nil {
		t.Fatal(err)
	}
	p := Policy{
		Name: "default",
		Rules: []Rule{
			{When: `effect_kind == "llm.generate"`, Action: ActionDeny},
			{When: `true`, Action: ActionAllow},
		},
	}
	d, err := e.Evaluate(p, "llm.generate", OriginReducer, "g1")
	if err != nil {
		t.Fatal(err)
	}
	if d.Allow || d.RuleIndex == nil || *d.RuleIndex != 0 {
		t.Fatalf("expected deny at rule 0, got %+v", d)
	}
}

func TestEvaluateDefaultAllowWhenNoRuleMatches(t *testing.T) {
	e, err := NewEvaluator()
	if err != nil {
		t.Fatal(err)
	}
	p := Policy{Name: "empty", Rules: []Rule{{When: `effect_kind == "nonexistent"`, Action: ActionDeny}}}
	d, err := e.Evaluate(p, "http.fetch", OriginWorkflow, "g1")
	if err != nil {
		t.Fatal(err)
	}
	if !d.Allow || d.RuleIndex != nil {
		t.Fatalf("expected default-allow decision, got %+v", d)
	}
}

func TestEvaluateMatchesOnOriginAndCap(t *testing.T) {
	e, err := NewEvaluator()
	if err != nil {
		t.Fatal(err)
	}
	p := Policy{Rules: []Rule{
		{When: `origin_kind == "Plan" && cap == "dangerous"`, Action: ActionDeny},
	}}
	d, err := e.Evaluate(p, "http.fetch", OriginPlan, "dangerous")
	if err != nil {
		t.Fatal(err)
	}
	if d.Allow {
		t.Fatal("expected deny for Plan origin with dangerous cap")
	}
	d2, err := e.Evaluate(p, "http.fetch", OriginReducer, "dangerous")
	if err != nil {
		t.Fatal(err)
	}
	if !d2.Allow {
		t.Fatal("expected allow for non-Plan origin")
	}
}

func TestProgramRejectsFloatingPointLiteral(t *testing.T) {
	e, err := NewEvaluator()
	if err != nil {
		t.Fatal(err)
	}
	if _, err := e.program(`1.5 > 1.0`); err == nil {
		t.Fatal("expected compile of a rule with a floating point literal to be rejected")
	}
}

func TestCompiledProgramIsCached(t *testing.T) {
	e, err := NewEvaluator()
	if err != nil {
		t.Fatal(err)
	}
	if _, err := e.program(`true`); err != nil {
		t.Fatal(err)
	}
	p1 := e.progs[`true`]
	if _, err := e.program(`true`); err != nil {
		t.Fatal(err)
	}
	if e.progs[`true`] != p1 {
		t.Fatal("expected cached program to be reused")
	}
}
