// Package manifest implements the content-addressed world manifest: an
// ordered set of named references per node kind, plus defaults, module
// bindings, routing, and triggers. Two manifests with the same
// field-wise content hash identically regardless of input ordering.
package manifest

import (
	"fmt"
	"sort"

	"github.com/Masterminds/semver/v3"

	"github.com/agentoshq/agentos/pkg/canon"
)

// NamedRef is a name -> content hash pair, the unit every manifest
// subsection is built from.
type NamedRef struct {
	Name string     `cbor:"name"`
	Hash canon.Hash `cbor:"hash"`
}

// Budget is an optional resource budget attached to a capability grant.
type Budget struct {
	Tokens *uint64 `cbor:"tokens,omitempty"`
	Bytes  *uint64 `cbor:"bytes,omitempty"`
	Cents  *uint64 `cbor:"cents,omitempty"`
}

// Grant is a named binding from grant-name to a capability definition,
// with canonical parameters, an optional expiry, and an optional budget.
//
type Grant struct {
	Name        string     `cbor:"name"`
	CapName     string     `cbor:"cap_name"` // references a Caps NamedRef
	ParamsCBOR  []byte     `cbor:"params_cbor"`
	ExpiresAtNs *int64     `cbor:"expires_at_ns,omitempty"`
	Budget      *Budget    `cbor:"budget,omitempty"`
}

// Route maps an event schema to a target module, with an optional dotted
// key-extraction path.
type Route struct {
	EventSchema  string `cbor:"event_schema"`
	TargetModule string `cbor:"target_module"`
	KeyField     string `cbor:"key_field,omitempty"`
}

// Trigger names a standing rule that fires a module outside the direct
// event-routing path (e.g. a timer-driven or startup trigger).
type Trigger struct {
	Name         string `cbor:"name"`
	EventSchema  string `cbor:"event_schema"`
	TargetModule string `cbor:"target_module"`
}

// Defaults bundles the manifest-wide default policy name and the ordered
// list of capability grants materialized at manifest load.
type Defaults struct {
	DefaultPolicy string  `cbor:"default_policy"`
	Grants        []Grant `cbor:"grants"`
}

// Manifest is the immutable bundle of all named definitions for a world.
// Field order here is for readability only; Canonical/Hash sort every
// subsection independently so insertion order never affects the hash.
type Manifest struct {
	AirVersion string `cbor:"air_version"`

	Schemas  []NamedRef `cbor:"schemas"`
	Modules  []NamedRef `cbor:"modules"`
	Plans    []NamedRef `cbor:"plans"`
	Caps     []NamedRef `cbor:"caps"`
	Effects  []NamedRef `cbor:"effects"`
	Policies []NamedRef `cbor:"policies"`
	Secrets  []NamedRef `cbor:"secrets"`

	// ModuleBindings maps module name -> (capability slot -> grant name).
	ModuleBindings map[string]map[string]string `cbor:"module_bindings"`

	Routing  []Route   `cbor:"routing"`
	Triggers []Trigger `cbor:"triggers"`
	Defaults Defaults  `cbor:"defaults"`
}

// Canonical returns a copy of m with every orderable subsection sorted by
// its natural key, so that two manifests with identical content produce
// byte-identical canonical-CBOR encodings regardless of how they were
// assembled.
func (m Manifest) Canonical() Manifest {
	out := m
	out.Schemas = sortedRefs(m.Schemas)
	out.Modules = sortedRefs(m.Modules)
	out.Plans = sortedRefs(m.Plans)
	out.Caps = sortedRefs(m.Caps)
	out.Effects = sortedRefs(m.Effects)
	out.Policies = sortedRefs(m.Policies)
	out.Secrets = sortedRefs(m.Secrets)

	out.Routing = append([]Route(nil), m.Routing...)
	sort.Slice(out.Routing, func(i, j int) bool {
		if out.Routing[i].EventSchema != out.Routing[j].EventSchema {
			return out.Routing[i].EventSchema < out.Routing[j].EventSchema
		}
		return out.Routing[i].TargetModule < out.Routing[j].TargetModule
	})

	out.Triggers = append([]Trigger(nil), m.Triggers...)
	sort.Slice(out.Triggers, func(i, j int) bool { return out.Triggers[i].Name < out.Triggers[j].Name })

	out.Defaults.Grants = append([]Grant(nil), m.Defaults.Grants...)
	sort.Slice(out.Defaults.Grants, func(i, j int) bool { return out.Defaults.Grants[i].Name < out.Defaults.Grants[j].Name })

	return out
}

func sortedRefs(in []NamedRef) []NamedRef {
	out := append([]NamedRef(nil), in...)
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Hash returns the canonical-CBOR content digest of the manifest.
func (m Manifest) Hash() (canon.Hash, error) {
	return canon.HashValue(m.Canonical())
}

// Validate checks the manifest's static structural invariants: no
// duplicate names within a subsection, routing/trigger targets reference
// declared modules, module bindings reference declared modules, and the
// air_version parses as semver.
func (m Manifest) Validate() error {
	if _, err := semver.NewVersion(m.AirVersion); err != nil {
		return fmt.Errorf("manifest: invalid air_version %q: %w", m.AirVersion, err)
	}
	if err := noDuplicates("schemas", m.Schemas); err != nil {
		return err
	}
	if err := noDuplicates("modules", m.Modules); err != nil {
		return err
	}
	if err := noDuplicates("plans", m.Plans); err != nil {
		return err
	}
	if err := noDuplicates("caps", m.Caps); err != nil {
		return err
	}
	if err := noDuplicates("effects", m.Effects); err != nil {
		return err
	}
	if err := noDuplicates("policies", m.Policies); err != nil {
		return err
	}
	if err := noDuplicates("secrets", m.Secrets); err != nil {
		return err
	}

	modules := make(map[string]bool, len(m.Modules))
	for _, r := range m.Modules {
		modules[r.Name] = true
	}
	for _, r := range m.Routing {
		if !modules[r.TargetModule] {
			return fmt.Errorf("manifest: routing %q targets undeclared module %q", r.EventSchema, r.TargetModule)
		}
	}
	for _, t := range m.Triggers {
		if !modules[t.TargetModule] {
			return fmt.Errorf("manifest: trigger %q targets undeclared module %q", t.Name, t.TargetModule)
		}
	}
	for modName, bindings := range m.ModuleBindings {
		if !modules[modName] {
			return fmt.Errorf("manifest: module_bindings reference undeclared module %q", modName)
		}
		_ = bindings
	}

	grantNames := make(map[string]bool, len(m.Defaults.Grants))
	caps := make(map[string]bool, len(m.Caps))
	for _, r := range m.Caps {
		caps[r.Name] = true
	}
	for _, g := range m.Defaults.Grants {
		if grantNames[g.Name] {
			return fmt.Errorf("manifest: duplicate grant name %q", g.Name)
		}
		grantNames[g.Name] = true
		if !caps[g.CapName] {
			return fmt.Errorf("manifest: grant %q references undeclared cap %q", g.Name, g.CapName)
		}
	}
	return nil
}

func noDuplicates(kind string, refs []NamedRef) error {
	seen := make(map[string]bool, len(refs))
	for _, r := range refs {
		if seen[r.Name] {
			return fmt.Errorf("manifest: duplicate %s name %q", kind, r.Name)
		}
		seen[r.Name] = true
	}
	return nil
}

// GrantByName looks up a grant by name across the defaults list.
func (m Manifest) GrantByName(name string) (Grant, bool) {
	for _, g := range m.Defaults.Grants {
		if g.Name == name {
			return g, true
		}
	}
	return Grant{}, false
}

// defKinds lists the manifest subsections addressable by the control
// channel's defs-ls/defs-get commands, in a stable order.
var defKinds = []string{"schemas", "modules", "plans", "caps", "effects", "policies", "secrets"}

// RefsByKind returns the NamedRef list for one of the manifest's node
// subsections ("schemas", "modules", "plans", "caps", "effects",
// "policies", "secrets"), or false for an unknown kind.
func (m Manifest) RefsByKind(kind string) ([]NamedRef, bool) {
	switch kind {
	case "schemas":
		return m.Schemas, true
	case "modules":
		return m.Modules, true
	case "plans":
		return m.Plans, true
	case "caps":
		return m.Caps, true
	case "effects":
		return m.Effects, true
	case "policies":
		return m.Policies, true
	case "secrets":
		return m.Secrets, true
	default:
		return nil, false
	}
}

// DefKinds returns the ordered set of subsection kinds RefsByKind
// accepts, for a defs-ls command with no kind filter.
func DefKinds() []string {
	return append([]string(nil), defKinds...)
}

// RefByName looks up a single NamedRef by (kind, name).
func (m Manifest) RefByName(kind, name string) (NamedRef, bool) {
	refs, ok := m.RefsByKind(kind)
	if !ok {
		return NamedRef{}, false
	}
	for _, r := range refs {
		if r.Name == name {
			return r, true
		}
	}
	return NamedRef{}, false
}

// RouteFor returns the routing entry for an event schema, if any.
func (m Manifest) RouteFor(eventSchema string) (Route, bool) {
	for _, r := range m.Routing {
		if r.EventSchema == eventSchema {
			return r, true
		}
	}
	return Route{}, false
}
