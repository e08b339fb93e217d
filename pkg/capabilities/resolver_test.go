package capabilities

import (
	"testing"

	"github.com/agentoshq/agentos/pkg/canon"
	"github.com/agentoshq/agentos/pkg/manifest"
	"github.com/agentoshq/agentos/pkg/schema"
)

func sampleManifestWithGrant(capName string) manifest.Manifest {
	return manifest.Manifest{
		AirVersion: "1.0.0",
		Caps:       []manifest.NamedRef{{Name: capName}},
		Defaults: manifest.Defaults{
			Grants: []manifest.Grant{{Name: "g1", CapName: capName}},
		},
	}
}

func TestResolveSucceedsForMatchingEffectKind(t *testing.T) {
	m := sampleManifestWithGrant("sys/http.out@1")
	defs := map[string]Def{"sys/http.out@1": {Name: "sys/http.out@1", EffectKind: "http.fetch"}}
	r, err := NewResolver(m, defs, schema.NewIndex(nil))
	if err != nil {
		t.Fatal(err)
	}
	grant, def, err := r.Resolve("g1", "http.fetch")
	if err != nil {
		t.Fatalf("expected resolve to succeed: %v", err)
	}
	if grant.Name != "g1" || def.Name != "sys/http.out@1" {
		t.Fatalf("unexpected resolve result: %+v %+v", grant, def)
	}
}

func TestResolveFailsOnCapabilityTypeMismatch(t *testing.T) {
	m := sampleManifestWithGrant("sys/http.out@1")
	defs := map[string]Def{"sys/http.out@1": {Name: "sys/http.out@1", EffectKind: "http.fetch"}}
	r, err := NewResolver(m, defs, schema.NewIndex(nil))
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := r.Resolve("g1", "llm.generate"); err == nil {
		t.Fatal("expected capability type mismatch error")
	}
}

func TestResolveFailsOnUnknownGrant(t *testing.T) {
	m := sampleManifestWithGrant("sys/http.out@1")
	defs := map[string]Def{"sys/http.out@1": {Name: "sys/http.out@1", EffectKind: "http.fetch"}}
	r, err := NewResolver(m, defs, schema.NewIndex(nil))
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := r.Resolve("ghost", "http.fetch"); err == nil {
		t.Fatal("expected grant-not-found error")
	}
}

func TestNewResolverFailsOnMissingCapDefinition(t *testing.T) {
	m := sampleManifestWithGrant("sys/http.out@1")
	if _, err := NewResolver(m, map[string]Def{}, schema.NewIndex(nil)); err == nil {
		t.Fatal("expected missing capability definition error")
	}
}

func TestNewResolverFailsOnDuplicateGrant(t *testing.T) {
	m := sampleManifestWithGrant("sys/http.out@1")
	m.Defaults.Grants = append(m.Defaults.Grants, manifest.Grant{Name: "g1", CapName: "sys/http.out@1"})
	defs := map[string]Def{"sys/http.out@1": {Name: "sys/http.out@1", EffectKind: "http.fetch"}}
	if _, err := NewResolver(m, defs, schema.NewIndex(nil)); err == nil {
		t.Fatal("expected duplicate grant error")
	}
}

func TestDecodeEnforcerVerdict(t *testing.T) {
	allow, err := canon.Encode(map[string]interface{}{"constraints_ok": true})
	if err != nil {
		t.Fatal(err)
	}
	ok, _, _, err := decodeEnforcerVerdict(allow)
	if err != nil || !ok {
		t.Fatalf("expected allow verdict, got ok=%v err=%v", ok, err)
	}

	deny, err := canon.Encode(map[string]interface{}{
		"constraints_ok": false,
		"deny":           map[string]interface{}{"code": "host_blocked", "message": "host not in allowlist"},
	})
	if err != nil {
		t.Fatal(err)
	}
	ok, code, msg, err := decodeEnforcerVerdict(deny)
	if err != nil || ok {
		t.Fatalf("expected deny verdict, got ok=%v err=%v", ok, err)
	}
	if code != "host_blocked" || msg != "host not in allowlist" {
		t.Fatalf("unexpected deny detail: %s / %s", code, msg)
	}

	// A bare deny with no detail still carries a stable default code.
	bare, err := canon.Encode(map[string]interface{}{"constraints_ok": false})
	if err != nil {
		t.Fatal(err)
	}
	ok, code, _, err = decodeEnforcerVerdict(bare)
	if err != nil || ok {
		t.Fatalf("expected deny verdict, got ok=%v err=%v", ok, err)
	}
	if code != "constraints_failed" {
		t.Fatalf("unexpected default deny code %q", code)
	}

	// Garbage stdout is an error, never an allow.
	if ok, _, _, err = decodeEnforcerVerdict([]byte{0xff, 0x00}); err == nil || ok {
		t.Fatalf("expected decode error for garbage verdict, got ok=%v err=%v", ok, err)
	}
}
