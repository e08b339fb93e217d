// Package schema implements the typed literal validator and
// canonicalizer for AgentOS's closed type language. Canonicalization
// NFC-normalizes text, sorts maps and sets by canonical key bytes, and
// removes duplicates, so equal values always encode identically.
package schema

import (
	"context"
	"fmt"
	"sort"
	"strconv"

	"golang.org/x/text/unicode/norm"

	"github.com/agentoshq/agentos/pkg/canon"
	"github.com/agentoshq/agentos/pkg/manifest"
	"github.com/agentoshq/agentos/pkg/store"
)

// Kind enumerates the primitive and composite type shapes.
type Kind string

const (
	KindBool     Kind = "bool"
	KindInt      Kind = "int"
	KindNat      Kind = "nat"
	KindDec128   Kind = "dec128"
	KindBytes    Kind = "bytes"
	KindText     Kind = "text"
	KindTimeNs   Kind = "time-ns"
	KindDuration Kind = "duration-ns"
	KindHash     Kind = "hash"
	KindUUID     Kind = "uuid"
	KindUnit     Kind = "unit"
	KindRecord   Kind = "record"
	KindVariant  Kind = "variant"
	KindList     Kind = "list"
	KindSet      Kind = "set"
	KindMap      Kind = "map"
	KindOption   Kind = "option"
	KindRef      Kind = "ref"
)

// Field is one named, typed member of a record, in declaration order.
type Field struct {
	Name     string `cbor:"name"`
	Type     *Type  `cbor:"type"`
	Optional bool   `cbor:"optional,omitempty"`
}

// Arm is one named, typed member of a variant (tag -> type). A unit-typed
// arm accepts a missing value; any other arm requires one.
type Arm struct {
	Tag  string `cbor:"tag"`
	Type *Type  `cbor:"type"`
}

// Type is a node in the schema type language. Exactly the fields relevant
// to Kind are populated.
type Type struct {
	Kind    Kind     `cbor:"kind"`
	Fields  []Field  `cbor:"fields,omitempty"`  // record
	Arms    []Arm    `cbor:"arms,omitempty"`    // variant
	Elem    *Type    `cbor:"elem,omitempty"`    // list, set, option
	Key     Kind     `cbor:"key,omitempty"`     // map: int, nat, text, uuid, hash
	Value   *Type    `cbor:"value,omitempty"`   // map
	RefName string   `cbor:"ref_name,omitempty"` // ref
}

// Def is a named schema definition, the unit of a manifest's schemas[].
type Def struct {
	Name string `cbor:"name"`
	Type *Type  `cbor:"type"`
}

// Index resolves ref types by name at validation time, so a type may
// refer to itself through an option/list/set position. NewIndex does not
// check definitions for cycles.
type Index struct {
	defs map[string]*Type
}

// NewIndex builds a lookup index from a manifest's schema definitions.
func NewIndex(defs []Def) *Index {
	idx := &Index{defs: make(map[string]*Type, len(defs))}
	for _, d := range defs {
		idx.defs[d.Name] = d.Type
	}
	return idx
}

func (idx *Index) resolve(name string) (*Type, error) {
	t, ok := idx.defs[name]
	if !ok {
		return nil, fmt.Errorf("schema: unknown ref %q", name)
	}
	return t, nil
}

// Lookup resolves a named schema type for callers outside this package,
// such as a capability definition's params_schema_ref.
func (idx *Index) Lookup(name string) (*Type, bool) {
	t, ok := idx.defs[name]
	return t, ok
}

// LoadIndex resolves a manifest's schemas[] refs into an Index by reading
// each ref's hash as a Def node from the store.
func LoadIndex(ctx context.Context, s store.Store, refs []manifest.NamedRef) (*Index, error) {
	defs := make([]Def, 0, len(refs))
	for _, ref := range refs {
		var d Def
		if err := s.GetNode(ctx, ref.Hash, &d); err != nil {
			return nil, fmt.Errorf("schema: load %q (%s): %w", ref.Name, ref.Hash, err)
		}
		if d.Name == "" {
			d.Name = ref.Name
		}
		defs = append(defs, d)
	}
	return NewIndex(defs), nil
}

// StoreDef writes d as a content-addressed node and returns the ref the
// manifest's schemas[] list should carry.
func StoreDef(ctx context.Context, s store.Store, d Def) (manifest.NamedRef, error) {
	h, err := s.PutNode(ctx, d)
	if err != nil {
		return manifest.NamedRef{}, err
	}
	return manifest.NamedRef{Name: d.Name, Hash: h}, nil
}

// Error is a validation failure with the field path at which it occurred.
type Error struct {
	Path    string
	Message string
}

func (e *Error) Error() string {
	if e.Path == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

func errAt(path, format string, args ...interface{}) error {
	return &Error{Path: path, Message: fmt.Sprintf(format, args...)}
}

// Validate checks a decoded value (the shape canon.Decode produces into
// interface{}: map[string]interface{}, []interface{}, scalars) against t,
// expanding refs through idx. Record validation requires all non-optional
// fields present and rejects unknown fields. Variant validation requires
// the tag to exist in the schema.
func Validate(v interface{}, t *Type, idx *Index) error {
	return validateAt(v, t, idx, "$")
}

func validateAt(v interface{}, t *Type, idx *Index, path string) error {
	switch t.Kind {
	case KindBool:
		if _, ok := v.(bool); !ok {
			return errAt(path, "expected bool, got %T", v)
		}
	case KindInt, KindNat:
		n, ok := asInt64(v)
		if !ok {
			return errAt(path, "expected %s, got %T", t.Kind, v)
		}
		if t.Kind == KindNat && n < 0 {
			return errAt(path, "nat must be non-negative, got %d", n)
		}
	case KindDec128:
		switch v.(type) {
		case string, float64, int64:
		default:
			return errAt(path, "expected dec128, got %T", v)
		}
	case KindBytes:
		if _, ok := v.([]byte); !ok {
			return errAt(path, "expected bytes, got %T", v)
		}
	case KindText:
		if _, ok := v.(string); !ok {
			return errAt(path, "expected text, got %T", v)
		}
	case KindTimeNs, KindDuration:
		if _, ok := asInt64(v); !ok {
			return errAt(path, "expected %s (int64 ns), got %T", t.Kind, v)
		}
	case KindHash:
		s, ok := v.(string)
		if !ok {
			return errAt(path, "expected hash string, got %T", v)
		}
		if _, err := canon.ParseHash(s); err != nil {
			return errAt(path, "invalid hash: %v", err)
		}
	case KindUUID:
		s, ok := v.(string)
		if !ok || len(s) != 36 {
			return errAt(path, "expected uuid string, got %T", v)
		}
	case KindUnit:
		if v != nil {
			return errAt(path, "expected unit (absent value), got %T", v)
		}
	case KindRecord:
		m, ok := v.(map[string]interface{})
		if !ok {
			return errAt(path, "expected record, got %T", v)
		}
		known := make(map[string]bool, len(t.Fields))
		for _, f := range t.Fields {
			known[f.Name] = true
			val, present := m[f.Name]
			if !present {
				if !f.Optional {
					return errAt(path, "missing required field %q", f.Name)
				}
				continue
			}
			if err := validateAt(val, f.Type, idx, path+"."+f.Name); err != nil {
				return err
			}
		}
		for k := range m {
			if !known[k] {
				return errAt(path, "unknown field %q", k)
			}
		}
	case KindVariant:
		m, ok := v.(map[string]interface{})
		if !ok {
			return errAt(path, "expected variant record, got %T", v)
		}
		tag, ok := m["tag"].(string)
		if !ok {
			return errAt(path, "variant missing string \"tag\"")
		}
		var arm *Arm
		for i := range t.Arms {
			if t.Arms[i].Tag == tag {
				arm = &t.Arms[i]
				break
			}
		}
		if arm == nil {
			return errAt(path, "unknown variant tag %q", tag)
		}
		val, present := m["value"]
		if arm.Type.Kind == KindUnit {
			if present && val != nil {
				return errAt(path, "unit arm %q must not carry a value", tag)
			}
			return nil
		}
		if !present {
			return errAt(path, "variant arm %q requires a value", tag)
		}
		return validateAt(val, arm.Type, idx, path+"."+tag)
	case KindList, KindSet:
		s, ok := v.([]interface{})
		if !ok {
			return errAt(path, "expected list, got %T", v)
		}
		for i, elem := range s {
			if err := validateAt(elem, t.Elem, idx, fmt.Sprintf("%s[%d]", path, i)); err != nil {
				return err
			}
		}
	case KindMap:
		m, ok := v.(map[string]interface{})
		if !ok {
			return errAt(path, "expected map, got %T", v)
		}
		for k, val := range m {
			if err := validateKeyKind(k, t.Key); err != nil {
				return errAt(path, "invalid map key %q: %v", k, err)
			}
			if err := validateAt(val, t.Value, idx, path+"["+k+"]"); err != nil {
				return err
			}
		}
	case KindOption:
		if v == nil {
			return nil
		}
		return validateAt(v, t.Elem, idx, path)
	case KindRef:
		resolved, err := idx.resolve(t.RefName)
		if err != nil {
			return errAt(path, "%v", err)
		}
		return validateAt(v, resolved, idx, path)
	default:
		return errAt(path, "unknown type kind %q", t.Kind)
	}
	return nil
}

func validateKeyKind(k string, kind Kind) error {
	switch kind {
	case KindInt, KindNat:
		n, err := strconv.ParseInt(k, 10, 64)
		if err != nil {
			return fmt.Errorf("not an integer")
		}
		if kind == KindNat && n < 0 {
			return fmt.Errorf("must be non-negative")
		}
	case KindText:
	case KindUUID:
		if len(k) != 36 {
			return fmt.Errorf("not a uuid")
		}
	case KindHash:
		if _, err := canon.ParseHash(k); err != nil {
			return err
		}
	default:
		return fmt.Errorf("unsupported map key kind %q", kind)
	}
	return nil
}

func asInt64(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case uint64:
		return int64(n), true
	case float64:
		return int64(n), n == float64(int64(n))
	}
	return 0, false
}

// Canonicalize rewrites a value so maps and sets are sorted by canonical
// key bytes and duplicates are removed. Text is NFC-normalized so that
// visually identical strings with different Unicode representations
// compare and hash equal. Canonicalization is idempotent.
func Canonicalize(v interface{}, t *Type, idx *Index) (interface{}, error) {
	switch t.Kind {
	case KindText:
		s, ok := v.(string)
		if !ok {
			return v, nil
		}
		return norm.NFC.String(s), nil
	case KindRecord:
		m, ok := v.(map[string]interface{})
		if !ok {
			return v, nil
		}
		out := make(map[string]interface{}, len(m))
		for _, f := range t.Fields {
			if val, present := m[f.Name]; present {
				c, err := Canonicalize(val, f.Type, idx)
				if err != nil {
					return nil, err
				}
				out[f.Name] = c
			}
		}
		return out, nil
	case KindVariant:
		m, ok := v.(map[string]interface{})
		if !ok {
			return v, nil
		}
		tag, _ := m["tag"].(string)
		for i := range t.Arms {
			if t.Arms[i].Tag == tag {
				out := map[string]interface{}{"tag": tag}
				if val, present := m["value"]; present && t.Arms[i].Type.Kind != KindUnit {
					c, err := Canonicalize(val, t.Arms[i].Type, idx)
					if err != nil {
						return nil, err
					}
					out["value"] = c
				}
				return out, nil
			}
		}
		return v, nil
	case KindList:
		s, ok := v.([]interface{})
		if !ok {
			return v, nil
		}
		out := make([]interface{}, len(s))
		for i, elem := range s {
			c, err := Canonicalize(elem, t.Elem, idx)
			if err != nil {
				return nil, err
			}
			out[i] = c
		}
		return out, nil
	case KindSet:
		s, ok := v.([]interface{})
		if !ok {
			return v, nil
		}
		canon := make([]interface{}, len(s))
		for i, elem := range s {
			c, err := Canonicalize(elem, t.Elem, idx)
			if err != nil {
				return nil, err
			}
			canon[i] = c
		}
		return dedupeAndSortSet(canon)
	case KindMap:
		m, ok := v.(map[string]interface{})
		if !ok {
			return v, nil
		}
		out := make(map[string]interface{}, len(m))
		keys := make([]string, 0, len(m))
		for k := range m {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			c, err := Canonicalize(m[k], t.Value, idx)
			if err != nil {
				return nil, err
			}
			out[k] = c
		}
		return out, nil
	case KindOption:
		if v == nil {
			return nil, nil
		}
		return Canonicalize(v, t.Elem, idx)
	case KindRef:
		resolved, err := idx.resolve(t.RefName)
		if err != nil {
			return nil, err
		}
		return Canonicalize(v, resolved, idx)
	default:
		return v, nil
	}
}

// dedupeAndSortSet sorts set elements by their canonical CBOR byte
// encoding and removes duplicates, matching the wire-level ordering
// canonical CBOR requires of maps.
func dedupeAndSortSet(elems []interface{}) ([]interface{}, error) {
	type keyed struct {
		key []byte
		val interface{}
	}
	ks := make([]keyed, 0, len(elems))
	for _, e := range elems {
		b, err := canon.Encode(e)
		if err != nil {
			return nil, err
		}
		ks = append(ks, keyed{key: b, val: e})
	}
	sort.Slice(ks, func(i, j int) bool {
		return string(ks[i].key) < string(ks[j].key)
	})
	out := make([]interface{}, 0, len(ks))
	var prev []byte
	for _, k := range ks {
		if prev != nil && string(prev) == string(k.key) {
			continue
		}
		out = append(out, k.val)
		prev = k.key
	}
	return out, nil
}
