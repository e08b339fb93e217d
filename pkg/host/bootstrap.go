package host

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/redis/go-redis/v9"

	"github.com/agentoshq/agentos/internal/telemetry"
	"github.com/agentoshq/agentos/pkg/adapter"
	"github.com/agentoshq/agentos/pkg/canon"
	"github.com/agentoshq/agentos/pkg/capabilities"
	"github.com/agentoshq/agentos/pkg/cellindex"
	"github.com/agentoshq/agentos/pkg/config"
	"github.com/agentoshq/agentos/pkg/effect"
	"github.com/agentoshq/agentos/pkg/effect/ratelimit"
	"github.com/agentoshq/agentos/pkg/governance"
	"github.com/agentoshq/agentos/pkg/host/controlauth"
	"github.com/agentoshq/agentos/pkg/internaleffects"
	"github.com/agentoshq/agentos/pkg/journal"
	"github.com/agentoshq/agentos/pkg/kernel"
	"github.com/agentoshq/agentos/pkg/kernelerr"
	"github.com/agentoshq/agentos/pkg/policy"
	"github.com/agentoshq/agentos/pkg/snapshot"
	"github.com/agentoshq/agentos/pkg/schema/envelope"
	"github.com/agentoshq/agentos/pkg/secrets"
	"github.com/agentoshq/agentos/pkg/store"
	"github.com/agentoshq/agentos/pkg/store/cloud"
	"github.com/agentoshq/agentos/pkg/store/pg"
	"github.com/agentoshq/agentos/pkg/worldboot"
)

// Bootstrap assembles a fully wired, not-yet-running Host from a daemon
// Config: the collaborator-wiring code a cmd/ main() calls into before
// owning the process lifecycle itself. It loads the
// world directory, selects the configured storage/ratelimit/egress
// backends, and builds every collaborator kernel.New needs.
//
// Like reducer/workflow module bodies, enforcer bodies are supplied by
// the host binary: enforcers maps each enforcer name a capability
// definition may reference to its implementation (a native Go Enforcer
// or a capabilities.SandboxEnforcer wrapping a compiled WASM module).
// A manifest capability naming an enforcer absent from this map fails
// the bootstrap rather than running unenforced.
func Bootstrap(ctx context.Context, cfg *config.Config, moduleNames []string, modules map[string]kernel.ModuleEntry, enforcers map[string]capabilities.Enforcer, log *slog.Logger) (*Host, error) {
	if log == nil {
		log = slog.Default()
	}

	blobStore, err := buildStore(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: store: %w", err)
	}

	world, err := worldboot.Load(ctx, cfg.WorldRoot, blobStore, moduleNames)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: load world: %w", err)
	}

	j, err := buildJournal(ctx, cfg, log)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: journal: %w", err)
	}

	budgets, err := buildBudgetStore(cfg)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: budget store: %w", err)
	}

	evaluator, err := policy.NewEvaluator()
	if err != nil {
		return nil, fmt.Errorf("bootstrap: policy evaluator: %w", err)
	}

	for name, def := range world.CapDefs {
		if def.Enforcer == "" {
			continue
		}
		if _, ok := enforcers[def.Enforcer]; !ok {
			return nil, fmt.Errorf("bootstrap: capability %q names enforcer %q, which the host binary does not supply", name, def.Enforcer)
		}
	}

	secretResolver := secrets.EnvResolver{}

	eff := effect.New(effect.Config{
		Store: blobStore, Journal: j,
		Resolver: world.Resolver, Enforcers: enforcers, Evaluator: evaluator,
		SecretCatalog: world.Secrets, SecretResolver: secretResolver,
		SchemaIndex: world.SchemaIndex, BudgetStore: budgets,
	})

	idx := cellindex.New(blobStore)

	k := kernel.New(kernel.Config{
		Store: blobStore, Journal: j, CellIndex: idx, Effects: eff,
		Resolver: world.Resolver, Policies: evaluator,
		Manifest: world.Manifest, ManifestHash: world.ManifestHash,
		Modules: modules, PolicyDefs: world.Policies,
	})

	// A fresh journal opens with a manifest record naming the world's
	// starting manifest, so a replay always knows which manifest every
	// subsequent entry was produced under.
	seq, err := j.NextSeq(ctx)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: journal head: %w", err)
	}
	if seq == 0 {
		payload, err := canon.Encode(struct {
			ManifestHash canon.Hash `cbor:"manifest_hash"`
		}{world.ManifestHash})
		if err != nil {
			return nil, fmt.Errorf("bootstrap: encode manifest record: %w", err)
		}
		if _, err := j.Append(ctx, journal.KindManifest, payload); err != nil {
			return nil, fmt.Errorf("bootstrap: journal manifest record: %w", err)
		}
	}

	gov, err := governance.NewEngine(k)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: governance engine: %w", err)
	}

	ws := internaleffects.NewWorkspace(blobStore)
	k.SetInternal(internaleffects.New(k, ws, gov))

	// Hydrate from the latest checkpoint the journal records, or replay
	// the whole journal from genesis when no checkpoint exists yet.
	snap, _, err := snapshot.Open(ctx, blobStore, j)
	switch {
	case err == nil:
		if err := snapshot.Restore(ctx, k, ws, snap, snapshot.ReadHead, 0); err != nil {
			return nil, fmt.Errorf("bootstrap: restore snapshot: %w", err)
		}
	default:
		var kerr *kernelerr.Error
		if !errors.As(err, &kerr) || kerr.Code != kernelerr.CodeSnapshotUnavailable {
			return nil, fmt.Errorf("bootstrap: open snapshot: %w", err)
		}
		genesis := snapshot.Snapshot{ManifestHash: world.ManifestHash}
		if err := snapshot.Restore(ctx, k, ws, genesis, snapshot.ReadHead, 0); err != nil {
			return nil, fmt.Errorf("bootstrap: replay journal: %w", err)
		}
	}

	tel, err := telemetry.New(ctx, telemetry.Config{
		ServiceName:  "agentosd",
		OTLPEndpoint: cfg.OTLPEndpoint,
		Enabled:      cfg.OTLPEndpoint != "",
	})
	if err != nil {
		return nil, fmt.Errorf("bootstrap: telemetry: %w", err)
	}

	adapters := adapter.NewSet()
	if profile, perr := loadEgressPolicy(cfg); perr == nil && profile != nil {
		adapters.SetEgressPolicy(profile)
	}

	h := New(k, adapters, ws, gov, tel, log, cfg.SnapshotIntervalTicks)
	if err := h.RehydrateTimers(); err != nil {
		return nil, fmt.Errorf("bootstrap: rehydrate timers: %w", err)
	}
	return h, nil
}

// BuildControlServer wraps h in a ControlServer. When
// cfg.ControlAuthRequired is set it installs a JWT validator over a
// freshly generated in-memory key set; cfg.ControlAuthSecret is not read.
// A non-empty envelopeSchemas turns on request-envelope validation.
func BuildControlServer(h *Host, cfg *config.Config, envelopeSchemas map[string][]byte, log *slog.Logger) (*ControlServer, error) {
	var auth *controlauth.Validator
	if cfg.ControlAuthRequired {
		ks, err := controlauth.NewInMemoryKeySet()
		if err != nil {
			return nil, fmt.Errorf("bootstrap: control auth keyset: %w", err)
		}
		auth = controlauth.NewValidator(ks)
	}

	srv := NewControlServer(h, auth, log)

	if len(envelopeSchemas) > 0 {
		cache := envelope.NewCache()
		for name, doc := range envelopeSchemas {
			if err := cache.Register(name, doc); err != nil {
				return nil, fmt.Errorf("bootstrap: register envelope schema %q: %w", name, err)
			}
		}
		srv.Envelope = cache
	}

	return srv, nil
}

func buildStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	local, err := store.NewFSStore(filepath.Join(cfg.WorldRoot, ".aos", "store"))
	if err != nil {
		return nil, err
	}
	if cfg.ArtifactStorageType == "" || cfg.ArtifactStorageType == "fs" {
		return local, nil
	}
	cloudTier, err := cloud.NewFromConfig(ctx, cloud.Config{
		Kind: cloud.BackendKind(cfg.ArtifactStorageType), Bucket: cfg.ArtifactBucket,
		Prefix: cfg.ArtifactPrefix, Region: cfg.ArtifactRegion, Endpoint: cfg.ArtifactEndpoint,
	})
	if err != nil {
		return nil, err
	}
	return store.NewTieredStore(local, cloudTier), nil
}

func buildJournal(ctx context.Context, cfg *config.Config, log *slog.Logger) (journal.Journal, error) {
	primary, err := journal.OpenFileJournal(filepath.Join(cfg.WorldRoot, ".aos", "journal"))
	if err != nil {
		return nil, err
	}
	if cfg.DatabaseURL == "" {
		return primary, nil
	}
	mirror, err := pg.Open(cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	if err := mirror.Init(ctx); err != nil {
		return nil, err
	}
	return pg.NewMirroringJournal(primary, mirror, func(err error) {
		log.Warn("host: journal mirror write failed", "error", err)
	}), nil
}

func buildBudgetStore(cfg *config.Config) (ratelimit.Store, error) {
	if cfg.RedisURL == "" {
		return ratelimit.NewMemoryStore(), nil
	}
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return ratelimit.NewRedisStore(redis.NewClient(opts)), nil
}

func loadEgressPolicy(cfg *config.Config) (*config.DeploymentProfile, error) {
	if cfg.DeploymentProfilesDir == "" {
		return nil, nil
	}
	return config.LoadDeploymentProfile(cfg.DeploymentProfilesDir, cfg.DeploymentEnv)
}
