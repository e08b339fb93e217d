// Package capabilities implements the capability resolver and enforcer
// dispatch A grant binds a name to a
// capability definition and canonical parameters; resolve(cap_name,
// effect_kind) looks the grant up and checks its capability type matches
// the effect being emitted before the enforcer predicate runs.
package capabilities

import (
	"context"

	"github.com/agentoshq/agentos/pkg/canon"
	"github.com/agentoshq/agentos/pkg/kernelerr"
	"github.com/agentoshq/agentos/pkg/manifest"
	"github.com/agentoshq/agentos/pkg/schema"
	"github.com/agentoshq/agentos/pkg/store"
)

// Def is a capability definition: the schema its grants' params must
// validate against, the effect kind it authorizes, and the name of the
// sandboxed enforcer module invoked during dispatch.
type Def struct {
	Name         string
	EffectKind   string
	ParamsSchema *schema.Type
	Enforcer     string
}

// DefNode is the content-addressed storage shape of a capability
// definition: the params schema is referenced by name into the
// manifest's schema index rather than embedded, keeping capability nodes
// small and consistent with how routes reference schemas by name.
type DefNode struct {
	Name            string `cbor:"name"`
	EffectKind      string `cbor:"effect_kind"`
	ParamsSchemaRef string `cbor:"params_schema_ref,omitempty"`
	Enforcer        string `cbor:"enforcer"`
}

// LoadDefs resolves a manifest's caps[] refs into a name-keyed Def table,
// reading each ref's hash as a DefNode and expanding its params schema
// reference through idx.
func LoadDefs(ctx context.Context, s store.Store, refs []manifest.NamedRef, idx *schema.Index) (map[string]Def, error) {
	out := make(map[string]Def, len(refs))
	for _, ref := range refs {
		var n DefNode
		if err := s.GetNode(ctx, ref.Hash, &n); err != nil {
			return nil, kernelerr.Wrap(kernelerr.CodeCapDefMissing, err).WithField("cap", ref.Name)
		}
		def := Def{Name: n.Name, EffectKind: n.EffectKind, Enforcer: n.Enforcer}
		if n.ParamsSchemaRef != "" {
			t, ok := idx.Lookup(n.ParamsSchemaRef)
			if !ok {
				return nil, kernelerr.New(kernelerr.CodeCapDefMissing, "cap %q: unknown params schema %q", ref.Name, n.ParamsSchemaRef)
			}
			def.ParamsSchema = t
		}
		out[ref.Name] = def
	}
	return out, nil
}

// StoreDef writes a capability definition as a content-addressed DefNode
// and returns the ref the manifest's caps[] list should carry.
func StoreDef(ctx context.Context, s store.Store, n DefNode) (manifest.NamedRef, error) {
	h, err := s.PutNode(ctx, n)
	if err != nil {
		return manifest.NamedRef{}, err
	}
	return manifest.NamedRef{Name: n.Name, Hash: h}, nil
}

// resolved pairs a materialized grant with the capability definition it
// was bound to, per "Maintains a name->(grant, capability-type) table."
type resolved struct {
	grant   manifest.Grant
	def     Def
}

// Resolver is the name -> (grant, capability-type) table, materialized
// once from a manifest's defaults.
type Resolver struct {
	byGrantName map[string]resolved
}

// Enforcer is the pure, sandboxed predicate named by a capability
// definition. It receives the effect kind plus the capability's own
// params and the effect's params, both already canonical CBOR, and
// returns whether the call is within the capability's constraints.
type Enforcer interface {
	Enforce(ctx context.Context, effectKind string, capParamsCBOR, effectParamsCBOR []byte) (ok bool, denyCode, denyMessage string, err error)
}

// NewResolver materializes the grant table from a manifest: each grant's
// parameters are validated against its capability definition's schema
// (expanded through idx) and canonically encoded.
func NewResolver(m manifest.Manifest, defs map[string]Def, idx *schema.Index) (*Resolver, error) {
	r := &Resolver{byGrantName: make(map[string]resolved, len(m.Defaults.Grants))}
	for _, g := range m.Defaults.Grants {
		if _, dup := r.byGrantName[g.Name]; dup {
			return nil, kernelerr.New(kernelerr.CodeCapGrantDuplicate, "duplicate grant %q", g.Name).WithField("grant", g.Name)
		}
		def, ok := defs[g.CapName]
		if !ok {
			return nil, kernelerr.New(kernelerr.CodeCapDefMissing, "no capability definition %q for grant %q", g.CapName, g.Name).
				WithField("cap", g.CapName).WithField("grant", g.Name)
		}
		if def.ParamsSchema != nil {
			var params interface{}
			if len(g.ParamsCBOR) > 0 {
				if err := canon.Decode(g.ParamsCBOR, &params); err != nil {
					return nil, kernelerr.Wrap(kernelerr.CodeCapParamsInvalid, err).WithField("grant", g.Name)
				}
			}
			if err := schema.Validate(params, def.ParamsSchema, idx); err != nil {
				return nil, kernelerr.Wrap(kernelerr.CodeCapParamsInvalid, err).WithField("grant", g.Name)
			}
			canonical, err := schema.Canonicalize(params, def.ParamsSchema, idx)
			if err != nil {
				return nil, kernelerr.Wrap(kernelerr.CodeCapParamsEncode, err).WithField("grant", g.Name)
			}
			encoded, err := canon.Encode(canonical)
			if err != nil {
				return nil, kernelerr.Wrap(kernelerr.CodeCapParamsEncode, err).WithField("grant", g.Name)
			}
			g.ParamsCBOR = encoded
		}
		r.byGrantName[g.Name] = resolved{grant: g, def: def}
	}
	return r, nil
}

// Resolve looks up the grant bound to capName and checks that its
// capability type matches the effect kind a module is trying to emit.
func (r *Resolver) Resolve(capName, effectKind string) (manifest.Grant, Def, error) {
	res, ok := r.byGrantName[capName]
	if !ok {
		return manifest.Grant{}, Def{}, kernelerr.New(kernelerr.CodeCapGrantMissing, "no grant named %q", capName).WithField("cap", capName)
	}
	if res.def.EffectKind != effectKind {
		return manifest.Grant{}, Def{}, kernelerr.New(
			kernelerr.CodeCapTypeMismatch,
			"cap %q provides %q, effect requires %q", capName, res.def.EffectKind, effectKind,
		).WithField("cap", capName).WithField("effect_kind", effectKind)
	}
	return res.grant, res.def, nil
}

// StaticEnforcer is a simple, non-sandboxed Enforcer backed by a Go
// closure, used for internal capabilities and tests. Effect-kind
// enforcers that need real isolation run inside pkg/runtime/sandbox and
// are adapted to this interface by SandboxEnforcer.
type StaticEnforcer struct {
	Fn func(ctx context.Context, effectKind string, capParamsCBOR, effectParamsCBOR []byte) (bool, string, string, error)
}

func (s StaticEnforcer) Enforce(ctx context.Context, effectKind string, capParamsCBOR, effectParamsCBOR []byte) (bool, string, string, error) {
	if s.Fn == nil {
		return true, "", "", nil
	}
	return s.Fn(ctx, effectKind, capParamsCBOR, effectParamsCBOR)
}

// AllowAllEnforcer is the trivial enforcer used for capabilities without
// an additional constraint predicate.
var AllowAllEnforcer = StaticEnforcer{}
