// Package worldboot loads a world directory's air/ definitions into the
// content-addressed store and assembles the manifest that names them:
// read canonical-CBOR node files off disk, content-address them, and
// produce a Manifest ready for kernel.Config.
package worldboot

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/agentoshq/agentos/pkg/canon"
	"github.com/agentoshq/agentos/pkg/capabilities"
	"github.com/agentoshq/agentos/pkg/manifest"
	"github.com/agentoshq/agentos/pkg/policy"
	"github.com/agentoshq/agentos/pkg/schema"
	"github.com/agentoshq/agentos/pkg/secrets"
	"github.com/agentoshq/agentos/pkg/store"
)

// World is a loaded, content-addressed world directory, ready to seed a
// kernel.Config.
type World struct {
	Manifest     manifest.Manifest
	ManifestHash canon.Hash
	SchemaIndex  *schema.Index
	Resolver     *capabilities.Resolver
	CapDefs      map[string]capabilities.Def
	Policies     map[string]policy.Policy
	Secrets      *secrets.Catalog
}

// airKindDirs maps a manifest subsection to the air/ subdirectory its
// node files live in, each file named "<ref-name>.cbor".
var airKindDirs = map[string]string{
	"schemas":  "schemas",
	"caps":     "caps",
	"policies": "policies",
	"secrets":  "secrets",
	"plans":    "plans",
}

// Load reads worldRoot/air/manifest.cbor plus the per-kind node files
// it names, ingests every node into s, and assembles the resulting
// Manifest. moduleNames restricts the
// Modules subsection to refs the host can actually instantiate: module
// bodies are native Go code or wasm bytes supplied by the host binary,
// not data this package can load generically.
func Load(ctx context.Context, worldRoot string, s store.Store, moduleNames []string) (*World, error) {
	airDir := filepath.Join(worldRoot, "air")

	manifestPath := filepath.Join(airDir, "manifest.cbor")
	raw, err := os.ReadFile(manifestPath)
	if err != nil {
		return nil, fmt.Errorf("worldboot: read %s: %w", manifestPath, err)
	}

	var m manifest.Manifest
	if err := canon.Decode(raw, &m); err != nil {
		return nil, fmt.Errorf("worldboot: decode manifest: %w", err)
	}

	for kind, dir := range airKindDirs {
		refs, err := ingestKind(ctx, s, filepath.Join(airDir, dir))
		if err != nil {
			return nil, fmt.Errorf("worldboot: ingest %s: %w", kind, err)
		}
		if len(refs) == 0 {
			continue
		}
		mergeRefs(&m, kind, refs)
	}

	m.Modules = filterModuleRefs(m.Modules, moduleNames)
	m = m.Canonical()

	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("worldboot: validate manifest: %w", err)
	}
	if err := manifest.ValidatePlans(ctx, s, m); err != nil {
		return nil, fmt.Errorf("worldboot: validate plans: %w", err)
	}

	hash, err := m.Hash()
	if err != nil {
		return nil, fmt.Errorf("worldboot: hash manifest: %w", err)
	}
	// The manifest itself is a content-addressed node like everything it
	// references: exact-height reads load it back by the hash a snapshot
	// records, so it must live in the store, not just in memory.
	storedHash, err := s.PutNode(ctx, m)
	if err != nil {
		return nil, fmt.Errorf("worldboot: store manifest: %w", err)
	}
	if storedHash != hash {
		return nil, fmt.Errorf("worldboot: stored manifest hash %s does not match computed %s", storedHash, hash)
	}

	idx, err := schema.LoadIndex(ctx, s, m.Schemas)
	if err != nil {
		return nil, fmt.Errorf("worldboot: load schema index: %w", err)
	}

	capDefs, err := capabilities.LoadDefs(ctx, s, m.Caps, idx)
	if err != nil {
		return nil, fmt.Errorf("worldboot: load capability defs: %w", err)
	}
	resolver, err := capabilities.NewResolver(m, capDefs, idx)
	if err != nil {
		return nil, fmt.Errorf("worldboot: build resolver: %w", err)
	}

	policies, err := policy.LoadAll(ctx, s, m.Policies)
	if err != nil {
		return nil, fmt.Errorf("worldboot: load policies: %w", err)
	}

	cat, err := loadSecretCatalog(ctx, s, m.Secrets)
	if err != nil {
		return nil, fmt.Errorf("worldboot: load secret catalog: %w", err)
	}

	return &World{
		Manifest: m, ManifestHash: hash, SchemaIndex: idx,
		Resolver: resolver, CapDefs: capDefs, Policies: policies, Secrets: cat,
	}, nil
}

// ingestKind content-addresses every "<name>.cbor" file in dir and
// returns the resulting NamedRefs, sorted by name for determinism.
func ingestKind(ctx context.Context, s store.Store, dir string) ([]manifest.NamedRef, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var refs []manifest.NamedRef
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".cbor" {
			continue
		}
		name := e.Name()[:len(e.Name())-len(".cbor")]
		raw, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, err
		}
		var node interface{}
		if err := canon.Decode(raw, &node); err != nil {
			return nil, fmt.Errorf("decode %s: %w", e.Name(), err)
		}
		h, err := s.PutNode(ctx, node)
		if err != nil {
			return nil, fmt.Errorf("store %s: %w", e.Name(), err)
		}
		refs = append(refs, manifest.NamedRef{Name: name, Hash: h})
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i].Name < refs[j].Name })
	return refs, nil
}

func mergeRefs(m *manifest.Manifest, kind string, refs []manifest.NamedRef) {
	switch kind {
	case "schemas":
		m.Schemas = append(m.Schemas, refs...)
	case "caps":
		m.Caps = append(m.Caps, refs...)
	case "policies":
		m.Policies = append(m.Policies, refs...)
	case "secrets":
		m.Secrets = append(m.Secrets, refs...)
	case "plans":
		m.Plans = append(m.Plans, refs...)
	}
}

// filterModuleRefs keeps only the Modules entries the host actually
// instantiated, so a manifest naming a module the host binary does not
// ship fails loudly instead of silently dangling.
func filterModuleRefs(refs []manifest.NamedRef, moduleNames []string) []manifest.NamedRef {
	if moduleNames == nil {
		return refs
	}
	allowed := make(map[string]bool, len(moduleNames))
	for _, n := range moduleNames {
		allowed[n] = true
	}
	out := refs[:0:0]
	for _, r := range refs {
		if allowed[r.Name] {
			out = append(out, r)
		}
	}
	return out
}

// loadSecretCatalog decodes every secrets NamedRef into a secrets.Decl
// and builds a Catalog, mirroring schema/capabilities.LoadDefs' shape
// since pkg/secrets has no equivalent batch loader of its own.
func loadSecretCatalog(ctx context.Context, s store.Store, refs []manifest.NamedRef) (*secrets.Catalog, error) {
	decls := make([]secrets.Decl, 0, len(refs))
	for _, ref := range refs {
		var d secrets.Decl
		if err := s.GetNode(ctx, ref.Hash, &d); err != nil {
			return nil, fmt.Errorf("load secret decl %q: %w", ref.Name, err)
		}
		if err := secrets.ValidateDecl(d); err != nil {
			return nil, fmt.Errorf("secret decl %q: %w", ref.Name, err)
		}
		decls = append(decls, d)
	}
	return secrets.NewCatalog(decls), nil
}
