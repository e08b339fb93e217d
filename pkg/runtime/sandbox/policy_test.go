package sandbox

import (
	"strings"
	"testing"
	"time"
)

func fixedClock() func() time.Time {
	at := time.Unix(1700000000, 0)
	return func() time.Time { return at }
}

func TestDefaultPolicyIsRestrictive(t *testing.T) {
	p := DefaultPolicy()
	if p.MountDir != "" {
		t.Fatalf("default policy must expose no filesystem, got mount %q", p.MountDir)
	}
	if p.inputLimit() <= 0 || p.outputLimit() <= 0 {
		t.Fatal("default policy must bound stdin and stdout")
	}
}

func TestCheckMountRefusesDenylistedPrefix(t *testing.T) {
	e := NewPolicyEnforcer(&SandboxPolicy{
		PolicyID:   "test",
		MountDir:   "/etc/world-data",
		FSDenylist: []string{"/etc"},
	}).WithClock(fixedClock())

	res := e.CheckMount("/etc/world-data")
	if res.Allowed {
		t.Fatal("denylist must veto the policy's own mount dir")
	}
	if got := e.Violations(); len(got) != 1 || got[0].ViolationType != "FS_DENY" {
		t.Fatalf("expected one FS_DENY violation, got %+v", got)
	}
}

func TestCheckMountRefusesUnnamedDir(t *testing.T) {
	e := NewPolicyEnforcer(&SandboxPolicy{PolicyID: "test", MountDir: "/srv/assets"}).WithClock(fixedClock())

	if res := e.CheckMount("/srv/other"); res.Allowed {
		t.Fatal("a dir the policy never named must be refused")
	}
	if res := e.CheckMount("/srv/assets"); !res.Allowed {
		t.Fatalf("the policy's own mount dir must be allowed: %s", res.Reason)
	}
}

func TestCheckMountDenylistMatchesWholePathElements(t *testing.T) {
	e := NewPolicyEnforcer(&SandboxPolicy{
		PolicyID:   "test",
		MountDir:   "/etcetera",
		FSDenylist: []string{"/etc"},
	}).WithClock(fixedClock())

	// "/etcetera" shares a string prefix with "/etc" but is a different
	// path element; the denylist must not catch it.
	if res := e.CheckMount("/etcetera"); !res.Allowed {
		t.Fatalf("sibling path wrongly denied: %s", res.Reason)
	}
}

func TestCheckInputAndOutputLimits(t *testing.T) {
	e := NewPolicyEnforcer(&SandboxPolicy{
		PolicyID:       "test",
		MaxInputBytes:  16,
		MaxOutputBytes: 16,
	}).WithClock(fixedClock())

	if res := e.CheckInput(16); !res.Allowed {
		t.Fatalf("input at the limit must pass: %s", res.Reason)
	}
	if res := e.CheckInput(17); res.Allowed {
		t.Fatal("input over the limit must be refused")
	}
	if res := e.CheckOutput(17); res.Allowed {
		t.Fatal("output over the limit must be refused")
	}

	got := e.Violations()
	if len(got) != 2 {
		t.Fatalf("expected two recorded violations, got %d", len(got))
	}
	if got[0].ViolationType != "INPUT_TOO_LARGE" || got[1].ViolationType != "OUTPUT_TOO_LARGE" {
		t.Fatalf("unexpected violation types: %+v", got)
	}
	if !strings.Contains(got[0].Detail, "17 bytes") {
		t.Fatalf("violation detail should name the offending size, got %q", got[0].Detail)
	}
	if !got[0].Timestamp.Equal(time.Unix(1700000000, 0)) {
		t.Fatalf("expected the injected clock on the audit record, got %v", got[0].Timestamp)
	}
}

func TestViolationsReturnsACopy(t *testing.T) {
	e := NewPolicyEnforcer(&SandboxPolicy{PolicyID: "test", MaxInputBytes: 1}).WithClock(fixedClock())
	e.CheckInput(2)

	first := e.Violations()
	first[0].ViolationType = "MUTATED"
	if e.Violations()[0].ViolationType != "INPUT_TOO_LARGE" {
		t.Fatal("Violations must return a copy, not the backing slice")
	}
}
