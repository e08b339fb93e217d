// Package secrets implements the $tag:"secret" substitution pass over
// params CBOR trees: every {$tag, $value: {alias, version}} subtree is
// replaced with the plaintext a host resolver returns for the
// manifest-declared alias@version binding.
package secrets

import (
	"context"
	"fmt"

	"github.com/agentoshq/agentos/pkg/kernelerr"
)

// Decl binds an alias@version to a host-resolver binding, per the
// manifest's secrets[] section.
type Decl struct {
	Alias       string   `cbor:"alias"`
	Version     string   `cbor:"version"`
	BindingID   string   `cbor:"binding_id"`
	DigestPin   string   `cbor:"digest_pin,omitempty"`
	AllowedCaps []string `cbor:"allowed_caps,omitempty"`
}

// Resolver resolves a declared secret to its plaintext value. Plaintext
// is never journaled; only the pre-substitution params hash is.
type Resolver interface {
	Resolve(ctx context.Context, decl Decl) (Value, error)
}

// Value is a resolved secret's plaintext, as either text or raw bytes.
type Value struct {
	Text   string
	Bytes  []byte
	IsText bool
}

// tagRef is the {$tag: "secret", $value: {alias, version}} subtree shape.
type tagRef struct {
	Alias   string `cbor:"alias"`
	Version string `cbor:"version"`
}

const (
	tagKey   = "$tag"
	valueKey = "$value"
	tagName  = "secret"
)

// Catalog looks up declarations by alias@version.
type Catalog struct {
	decls map[string]Decl
}

// NewCatalog builds a lookup catalog from a manifest's secrets[] list.
func NewCatalog(decls []Decl) *Catalog {
	c := &Catalog{decls: make(map[string]Decl, len(decls))}
	for _, d := range decls {
		c.decls[key(d.Alias, d.Version)] = d
	}
	return c
}

func key(alias, version string) string { return alias + "@" + version }

// Lookup returns the declaration for alias@version, if any.
func (c *Catalog) Lookup(alias, version string) (Decl, bool) {
	d, ok := c.decls[key(alias, version)]
	return d, ok
}

// Substitute walks a decoded CBOR value (maps/slices/scalars, the shape
// produced by canon.Decode into interface{}) and replaces every
// {$tag:"secret", $value:{alias,version}} subtree with its resolved
// plaintext. The policy check that gates allowed_caps runs against the
// pre-substitution tree by the caller, before Substitute is invoked.
func Substitute(ctx context.Context, v interface{}, cat *Catalog, allowedCap string, resolver Resolver) (interface{}, error) {
	switch val := v.(type) {
	case map[string]interface{}:
		if ref, ok := asSecretTag(val); ok {
			decl, ok := cat.Lookup(ref.Alias, ref.Version)
			if !ok {
				return nil, kernelerr.New(kernelerr.CodeSecretResolverMissing, "no secret declared for %s@%s", ref.Alias, ref.Version)
			}
			if len(decl.AllowedCaps) > 0 && !containsCap(decl.AllowedCaps, allowedCap) {
				return nil, kernelerr.New(kernelerr.CodeSecretPolicyDenied, "cap %q not in allowed_caps for secret %s@%s", allowedCap, ref.Alias, ref.Version)
			}
			resolved, err := resolver.Resolve(ctx, decl)
			if err != nil {
				return nil, kernelerr.Wrap(kernelerr.CodeSecretResolveError, err)
			}
			if resolved.IsText {
				return resolved.Text, nil
			}
			return resolved.Bytes, nil
		}
		out := make(map[string]interface{}, len(val))
		for k, elem := range val {
			sub, err := Substitute(ctx, elem, cat, allowedCap, resolver)
			if err != nil {
				return nil, err
			}
			out[k] = sub
		}
		return out, nil

	case []interface{}:
		out := make([]interface{}, len(val))
		for i, elem := range val {
			sub, err := Substitute(ctx, elem, cat, allowedCap, resolver)
			if err != nil {
				return nil, err
			}
			out[i] = sub
		}
		return out, nil

	default:
		return v, nil
	}
}

func asSecretTag(m map[string]interface{}) (tagRef, bool) {
	tag, ok := m[tagKey].(string)
	if !ok || tag != tagName {
		return tagRef{}, false
	}
	raw, ok := m[valueKey].(map[string]interface{})
	if !ok {
		return tagRef{}, false
	}
	alias, _ := raw["alias"].(string)
	version, _ := raw["version"].(string)
	if alias == "" {
		return tagRef{}, false
	}
	return tagRef{Alias: alias, Version: version}, true
}

func containsCap(caps []string, cap string) bool {
	for _, c := range caps {
		if c == cap {
			return true
		}
	}
	return false
}

// ValidateDecl checks a single secret declaration's required fields,
// matching pkg/kernel/secret_ref.go's ValidateSecretRef shape.
func ValidateDecl(d Decl) error {
	if d.Alias == "" {
		return fmt.Errorf("secrets: alias is required")
	}
	if d.Version == "" {
		return fmt.Errorf("secrets: version is required")
	}
	if d.BindingID == "" {
		return fmt.Errorf("secrets: binding_id is required")
	}
	return nil
}
