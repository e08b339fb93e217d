package governance

import (
	"github.com/agentoshq/agentos/pkg/canon"
	"github.com/agentoshq/agentos/pkg/manifest"
)

// Patch is a content-addressed set of additions, removals, and updates to
// a manifest, pinned to the base it was computed against. An update is
// expressed as an upsert carrying a different hash for the same name --
// there is no separate "update" verb.
type Patch struct {
	BaseManifestHash canon.Hash `cbor:"base_manifest_hash"`

	UpsertSchemas []manifest.NamedRef `cbor:"upsert_schemas,omitempty"`
	RemoveSchemas []string            `cbor:"remove_schemas,omitempty"`

	UpsertModules []manifest.NamedRef `cbor:"upsert_modules,omitempty"`
	RemoveModules []string            `cbor:"remove_modules,omitempty"`

	UpsertPlans []manifest.NamedRef `cbor:"upsert_plans,omitempty"`
	RemovePlans []string            `cbor:"remove_plans,omitempty"`

	UpsertCaps []manifest.NamedRef `cbor:"upsert_caps,omitempty"`
	RemoveCaps []string            `cbor:"remove_caps,omitempty"`

	UpsertEffects []manifest.NamedRef `cbor:"upsert_effects,omitempty"`
	RemoveEffects []string            `cbor:"remove_effects,omitempty"`

	UpsertPolicies []manifest.NamedRef `cbor:"upsert_policies,omitempty"`
	RemovePolicies []string            `cbor:"remove_policies,omitempty"`

	UpsertSecrets []manifest.NamedRef `cbor:"upsert_secrets,omitempty"`
	RemoveSecrets []string            `cbor:"remove_secrets,omitempty"`

	SetModuleBindings map[string]map[string]string `cbor:"set_module_bindings,omitempty"`
	SetRouting        []manifest.Route              `cbor:"set_routing,omitempty"`
	SetTriggers       []manifest.Trigger             `cbor:"set_triggers,omitempty"`
	SetDefaults       *manifest.Defaults             `cbor:"set_defaults,omitempty"`
}

// Apply produces the patched manifest. The result is not yet canonical or
// hashed -- callers must call Canonical().Hash() themselves, since apply
// and shadow need the hash for different purposes (comparison vs attaching
// to a proposal).
func (p Patch) Apply(base manifest.Manifest) manifest.Manifest {
	out := base
	out.Schemas = applyRefs(base.Schemas, p.UpsertSchemas, p.RemoveSchemas)
	out.Modules = applyRefs(base.Modules, p.UpsertModules, p.RemoveModules)
	out.Plans = applyRefs(base.Plans, p.UpsertPlans, p.RemovePlans)
	out.Caps = applyRefs(base.Caps, p.UpsertCaps, p.RemoveCaps)
	out.Effects = applyRefs(base.Effects, p.UpsertEffects, p.RemoveEffects)
	out.Policies = applyRefs(base.Policies, p.UpsertPolicies, p.RemovePolicies)
	out.Secrets = applyRefs(base.Secrets, p.UpsertSecrets, p.RemoveSecrets)

	if p.SetModuleBindings != nil {
		out.ModuleBindings = p.SetModuleBindings
	}
	if p.SetRouting != nil {
		out.Routing = p.SetRouting
	}
	if p.SetTriggers != nil {
		out.Triggers = p.SetTriggers
	}
	if p.SetDefaults != nil {
		out.Defaults = *p.SetDefaults
	}
	return out
}

// applyRefs upserts and removes named refs while preserving the base's
// relative order for unchanged names and appending new ones at the end,
// since manifest.Canonical sorts the result anyway.
func applyRefs(base, upsert []manifest.NamedRef, remove []string) []manifest.NamedRef {
	byName := make(map[string]manifest.NamedRef, len(base)+len(upsert))
	order := make([]string, 0, len(base)+len(upsert))
	for _, r := range base {
		byName[r.Name] = r
		order = append(order, r.Name)
	}
	removeSet := make(map[string]bool, len(remove))
	for _, n := range remove {
		removeSet[n] = true
	}
	for _, r := range upsert {
		if _, existed := byName[r.Name]; !existed {
			order = append(order, r.Name)
		}
		byName[r.Name] = r
	}
	out := make([]manifest.NamedRef, 0, len(order))
	for _, n := range order {
		if removeSet[n] {
			continue
		}
		out = append(out, byName[n])
	}
	return out
}
