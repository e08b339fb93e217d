// Package effect implements the effect manager: the
// choke point between reducer/workflow modules and adapters. It
// resolves capabilities, normalizes and hashes params (substituting
// secrets), evaluates the capability enforcer and policy, computes the
// idempotency key and intent hash, journals the intent, and later
// correlates an adapter's receipt back to its originating module.
package effect

import (
	"context"
	"fmt"
	"sort"

	"github.com/agentoshq/agentos/pkg/canon"
	"github.com/agentoshq/agentos/pkg/capabilities"
	"github.com/agentoshq/agentos/pkg/effect/ratelimit"
	"github.com/agentoshq/agentos/pkg/journal"
	"github.com/agentoshq/agentos/pkg/kernelerr"
	"github.com/agentoshq/agentos/pkg/manifest"
	"github.com/agentoshq/agentos/pkg/policy"
	"github.com/agentoshq/agentos/pkg/schema"
	"github.com/agentoshq/agentos/pkg/secrets"
	"github.com/agentoshq/agentos/pkg/store"
)

// defaultBudgetRefillPerSec is the refill rate applied to a grant's
// resource budget when the manifest does not state one explicitly. Both
// ratelimit stores treat a non-positive rate as one unit per second, so
// an exhausted allowance recovers one unit per second; that is slow
// enough that exhausting it within one tick still denies the next effect
// in the same tick.
const defaultBudgetRefillPerSec = 0.0

// InlineThresholdBytes: intent params and receipt payloads at or below
// this size are journaled inline; larger payloads are stored in the
// blob store and journaled as a (ref, size, sha256) sentinel.
const InlineThresholdBytes = 32 * 1024

// recentReceiptsWindow bounds the receipt-dedup window. Hashes are
// evicted in the order they were first remembered; a duplicate hit does
// not refresh an entry's position, so eviction is not least-recently-used.
const recentReceiptsWindow = 1024

// Origin identifies what emitted an effect: a reducer cell or a workflow
// instance, optionally keyed.
type Origin struct {
	Kind          policy.OriginKind
	ModuleID      string
	InstanceKey   string
	ModuleVersion string
}

func (o Origin) tag() string {
	return string(o.Kind) + ":" + o.ModuleID + ":" + o.InstanceKey
}

// Intent is the effect manager's hashable record of a side effect to
// perform.
type Intent struct {
	Kind           string     `cbor:"kind"`
	CapName        string     `cbor:"cap_name"`
	ParamsCBOR     []byte     `cbor:"params_cbor"`
	IdempotencyKey canon.Hash `cbor:"idempotency_key"`
	IntentHash     canon.Hash `cbor:"-"`

	Origin       Origin `cbor:"-"`
	EmittedAtSeq uint64 `cbor:"-"`
}

// Receipt is an adapter's hashable reply to an intent.
type Receipt struct {
	IntentHash  canon.Hash
	AdapterID   string
	Status      Status
	PayloadCBOR []byte
	CostCents   *uint64
	Signature   []byte
}

// Status is the adapter-reported outcome of executing an intent.
type Status string

const (
	StatusOk      Status = "Ok"
	StatusError   Status = "Error"
	StatusTimeout Status = "Timeout"
)

// EffectParamSchema describes the expected parameter shape for one
// effect kind.
type EffectParamSchema struct {
	ParamsType *schema.Type
}

// Manager is the central effect dispatch choke point.
type Manager struct {
	store     store.Store
	journal   journal.Journal
	resolver  *capabilities.Resolver
	enforcers map[string]capabilities.Enforcer // keyed by Def.Enforcer
	evaluator *policy.Evaluator
	secretCat *secrets.Catalog
	secretRes secrets.Resolver
	schemaIdx *schema.Index
	paramSchemas map[string]EffectParamSchema
	budgets   ratelimit.Store

	queue    []Intent
	inflight map[canon.Hash]Intent

	recentOrder []canon.Hash
	recentSet   map[canon.Hash]bool
}

// Config bundles the collaborators a Manager needs.
type Config struct {
	Store        store.Store
	Journal      journal.Journal
	Resolver     *capabilities.Resolver
	Enforcers    map[string]capabilities.Enforcer
	Evaluator    *policy.Evaluator
	SecretCatalog *secrets.Catalog
	SecretResolver secrets.Resolver
	SchemaIndex  *schema.Index
	ParamSchemas map[string]EffectParamSchema
	// BudgetStore enforces each grant's optional resource budget
	// (manifest.Grant.Budget). Nil disables budget enforcement, leaving
	// capability/policy as the only gate.
	BudgetStore ratelimit.Store
}

// New builds an effect manager from its collaborators.
func New(cfg Config) *Manager {
	return &Manager{
		store:        cfg.Store,
		journal:      cfg.Journal,
		resolver:     cfg.Resolver,
		enforcers:    cfg.Enforcers,
		evaluator:    cfg.Evaluator,
		secretCat:    cfg.SecretCatalog,
		secretRes:    cfg.SecretResolver,
		schemaIdx:    cfg.SchemaIndex,
		paramSchemas: cfg.ParamSchemas,
		budgets:      cfg.BudgetStore,
		inflight:     make(map[canon.Hash]Intent),
		recentSet:    make(map[canon.Hash]bool),
	}
}

// MaxIdempotencySaltBytes bounds a caller-supplied idempotency salt. A
// salt this package folds into the content-addressed idempotency key
// must stay small enough that it cannot be used to smuggle meaningful
// payload data past the cap/policy checks that run on the normalized
// params instead.
const MaxIdempotencySaltBytes = 128

// Enqueue runs the full check-hash-journal pipeline and appends the
// resulting intent to the dispatch queue in insertion order.
func (m *Manager) Enqueue(ctx context.Context, origin Origin, activePolicy policy.Policy, effectKind, capName string, rawParams interface{}, salt []byte) (Intent, error) {
	intent, err := m.Prepare(ctx, origin, activePolicy, effectKind, capName, rawParams, salt)
	if err != nil {
		return Intent{}, err
	}
	return m.Commit(ctx, intent)
}

// Prepare runs every check of the enqueue pipeline -- capability resolve,
// budget, schema validation, policy, secret substitution, enforcer -- and
// computes the intent's hashes, without journaling the intent or touching
// the dispatch queue. A tick that emits several effects prepares them all
// before committing any, so a deny on the last effect leaves no intent
// record behind for the earlier ones. Decision records (policy, cap) are
// still journaled here; those are audit records a rejected tick keeps.
func (m *Manager) Prepare(ctx context.Context, origin Origin, activePolicy policy.Policy, effectKind, capName string, rawParams interface{}, salt []byte) (Intent, error) {
	if len(salt) > MaxIdempotencySaltBytes {
		return Intent{}, kernelerr.New(kernelerr.CodeIdempotencyInvalid,
			"idempotency salt of %d bytes exceeds the %d byte limit", len(salt), MaxIdempotencySaltBytes).
			WithField("effect_kind", effectKind)
	}

	grant, def, err := m.resolver.Resolve(capName, effectKind)
	if err != nil {
		return Intent{}, err
	}

	if grant.Budget != nil && m.budgets != nil {
		if err := checkGrantBudget(ctx, m.budgets, capName, *grant.Budget); err != nil {
			return Intent{}, kernelerr.Wrap(kernelerr.CodeCapBudgetExhausted, err).
				WithField("cap", capName).WithField("effect_kind", effectKind)
		}
	}

	preSubstitution := rawParams
	var normalized interface{} = rawParams
	if ps, ok := m.paramSchemas[effectKind]; ok && ps.ParamsType != nil {
		if err := schema.Validate(preSubstitution, ps.ParamsType, m.schemaIdx); err != nil {
			return Intent{}, kernelerr.Wrap(kernelerr.CodeCapParamsInvalid, err)
		}
	}

	decision, err := m.evaluator.Evaluate(activePolicy, effectKind, origin.Kind, capName)
	if err != nil {
		return Intent{}, err
	}
	if err := m.journalPolicyDecision(ctx, decision, effectKind, origin, capName); err != nil {
		return Intent{}, err
	}

	if m.secretCat != nil && m.secretRes != nil {
		substituted, err := secrets.Substitute(ctx, normalized, m.secretCat, capName, m.secretRes)
		if err != nil {
			return Intent{}, err
		}
		normalized = substituted
	}

	if ps, ok := m.paramSchemas[effectKind]; ok && ps.ParamsType != nil {
		canonical, err := schema.Canonicalize(normalized, ps.ParamsType, m.schemaIdx)
		if err != nil {
			return Intent{}, err
		}
		normalized = canonical
	}

	paramsCBOR, err := canon.Encode(normalized)
	if err != nil {
		return Intent{}, fmt.Errorf("effect: encode params: %w", err)
	}

	if enforcer, ok := m.enforcers[def.Enforcer]; ok {
		ok2, denyCode, denyMsg, err := enforcer.Enforce(ctx, effectKind, grant.ParamsCBOR, paramsCBOR)
		if err != nil {
			return Intent{}, kernelerr.Wrap(kernelerr.CodeCapParamsInvalid, err)
		}
		if !ok2 {
			if jerr := m.journalCapDecision(ctx, capName, effectKind, denyCode+": "+denyMsg); jerr != nil {
				return Intent{}, jerr
			}
			return Intent{}, kernelerr.New(kernelerr.CodeCapParamsInvalid, "capability denied: %s: %s", denyCode, denyMsg).
				WithField("cap", capName).WithField("effect_kind", effectKind).WithField("reason", denyCode)
		}
	}

	if !decision.Allow {
		return Intent{}, kernelerr.New(kernelerr.CodePolicyDenied, "policy %q denied %s via cap %q", decision.PolicyName, effectKind, capName).
			WithField("policy", decision.PolicyName).WithField("effect_kind", effectKind).WithField("cap", capName)
	}

	idemKey, err := computeIdempotencyKey(origin.tag(), effectKind, paramsCBOR, salt)
	if err != nil {
		return Intent{}, err
	}

	intentHash, err := canon.HashValue(struct {
		Kind       string     `cbor:"kind"`
		CapName    string     `cbor:"cap_name"`
		ParamsCBOR []byte     `cbor:"params_cbor"`
		IdemKey    canon.Hash `cbor:"idempotency_key"`
	}{effectKind, capName, paramsCBOR, idemKey})
	if err != nil {
		return Intent{}, err
	}

	return Intent{
		Kind: effectKind, CapName: capName, ParamsCBOR: paramsCBOR,
		IdempotencyKey: idemKey, IntentHash: intentHash, Origin: origin,
	}, nil
}

// Commit journals a prepared intent (and its origin context) and appends
// it to the dispatch queue and inflight table. Journal failures here are
// fatal to the caller.
func (m *Manager) Commit(ctx context.Context, intent Intent) (Intent, error) {
	seq, err := m.journalIntent(ctx, intent)
	if err != nil {
		return Intent{}, err
	}
	intent.EmittedAtSeq = seq
	if err := m.journalEffectContext(ctx, intent); err != nil {
		return Intent{}, err
	}

	m.queue = append(m.queue, intent)
	m.inflight[intent.IntentHash] = intent
	return intent, nil
}

func (m *Manager) journalPolicyDecision(ctx context.Context, d policy.Decision, effectKind string, origin Origin, capName string) error {
	verdict := "allow"
	if !d.Allow {
		verdict = "deny"
	}
	payload, err := canon.Encode(struct {
		EffectKind string `cbor:"effect_kind"`
		Origin     string `cbor:"origin"`
		Cap        string `cbor:"cap,omitempty"`
		PolicyName string `cbor:"policy_name"`
		RuleIndex  *int   `cbor:"rule_index,omitempty"`
		Decision   string `cbor:"decision"`
	}{effectKind, origin.tag(), capName, d.PolicyName, d.RuleIndex, verdict})
	if err != nil {
		return err
	}
	if _, err := m.journal.Append(ctx, journal.KindPolicyDecision, payload); err != nil {
		return kernelerr.Wrap(kernelerr.CodeJournalError, err)
	}
	return nil
}

func (m *Manager) journalCapDecision(ctx context.Context, capName, effectKind, reason string) error {
	payload, err := canon.Encode(struct {
		Cap        string `cbor:"cap"`
		EffectKind string `cbor:"effect_kind"`
		Decision   string `cbor:"decision"`
		Reason     string `cbor:"reason,omitempty"`
	}{capName, effectKind, "deny", reason})
	if err != nil {
		return err
	}
	if _, err := m.journal.Append(ctx, journal.KindCapDecision, payload); err != nil {
		return kernelerr.Wrap(kernelerr.CodeJournalError, err)
	}
	return nil
}

// journalEffectContext records the origin side of an intent: which module
// and instance emitted it and at what seq, so a recovery that finds the
// intent without its receipt still knows where the receipt must route.
func (m *Manager) journalEffectContext(ctx context.Context, intent Intent) error {
	payload, err := canon.Encode(struct {
		IntentHash     canon.Hash `cbor:"intent_hash"`
		OriginModuleID string     `cbor:"origin_module_id"`
		OriginInstance string     `cbor:"origin_instance_key,omitempty"`
		EffectKind     string     `cbor:"effect_kind"`
		ParamsCBOR     []byte     `cbor:"params_cbor"`
		EmittedAtSeq   uint64     `cbor:"emitted_at_seq"`
		ModuleVersion  string     `cbor:"module_version,omitempty"`
	}{intent.IntentHash, intent.Origin.ModuleID, intent.Origin.InstanceKey,
		intent.Kind, intent.ParamsCBOR, intent.EmittedAtSeq, intent.Origin.ModuleVersion})
	if err != nil {
		return err
	}
	if _, err := m.journal.Append(ctx, journal.KindReducerEffectCtx, payload); err != nil {
		return kernelerr.Wrap(kernelerr.CodeJournalError, err)
	}
	return nil
}

// SetJournal swaps the journal this manager appends to. Used by
// pkg/snapshot.Restore, which replays through the live enqueue path
// against a counting cursor so replayed appends observe the same seq
// values the original run did without re-writing the journal.
func (m *Manager) SetJournal(j journal.Journal) { m.journal = j }

// Dequeue pops the next intent in FIFO order, if any.
func (m *Manager) Dequeue() (Intent, bool) {
	if len(m.queue) == 0 {
		return Intent{}, false
	}
	i := m.queue[0]
	m.queue = m.queue[1:]
	return i, true
}

// QueueLen reports the number of intents awaiting dispatch.
func (m *Manager) QueueLen() int { return len(m.queue) }

// PendingCount reports the number of inflight intents awaiting a receipt.
func (m *Manager) PendingCount() int { return len(m.inflight) }

// checkGrantBudget spends one unit of dispatch against each resource
// dimension a grant's budget declares (tokens, bytes, cents), using a
// separate bucket per dimension so exhausting one does not mask the
// others. A dimension left nil in the manifest is not enforced.
func checkGrantBudget(ctx context.Context, budgetStore ratelimit.Store, capName string, b manifest.Budget) error {
	if b.Tokens != nil {
		budget := ratelimit.Budget{RatePerSec: defaultBudgetRefillPerSec, Capacity: float64(*b.Tokens)}
		if err := ratelimit.Check(ctx, budgetStore, capName+"#tokens", budget, 1); err != nil {
			return err
		}
	}
	if b.Bytes != nil {
		budget := ratelimit.Budget{RatePerSec: defaultBudgetRefillPerSec, Capacity: float64(*b.Bytes)}
		if err := ratelimit.Check(ctx, budgetStore, capName+"#bytes", budget, 1); err != nil {
			return err
		}
	}
	if b.Cents != nil {
		budget := ratelimit.Budget{RatePerSec: defaultBudgetRefillPerSec, Capacity: float64(*b.Cents)}
		if err := ratelimit.Check(ctx, budgetStore, capName+"#cents", budget, 1); err != nil {
			return err
		}
	}
	return nil
}

func computeIdempotencyKey(originTag, effectKind string, paramsCBOR, salt []byte) (canon.Hash, error) {
	return canon.HashValue(struct {
		Origin     string `cbor:"origin_tag"`
		EffectKind string `cbor:"effect_kind"`
		ParamsCBOR []byte `cbor:"params_cbor"`
		Salt       []byte `cbor:"salt,omitempty"`
	}{originTag, effectKind, paramsCBOR, salt})
}

func (m *Manager) journalIntent(ctx context.Context, intent Intent) (uint64, error) {
	type inlinePayload struct {
		IntentHash  canon.Hash `cbor:"intent_hash"`
		Kind        string     `cbor:"kind"`
		CapName     string     `cbor:"cap_name"`
		ParamsCBOR  []byte     `cbor:"params_cbor,omitempty"`
		ParamsRef   *canon.Hash `cbor:"params_ref,omitempty"`
		ParamsSize  int        `cbor:"params_size,omitempty"`
		ParamsSha256 *canon.Hash `cbor:"params_sha256,omitempty"`
	}
	rec := inlinePayload{IntentHash: intent.IntentHash, Kind: intent.Kind, CapName: intent.CapName}
	if len(intent.ParamsCBOR) <= InlineThresholdBytes {
		rec.ParamsCBOR = intent.ParamsCBOR
	} else {
		h, err := m.store.PutBlob(ctx, intent.ParamsCBOR)
		if err != nil {
			return 0, kernelerr.Wrap(kernelerr.CodeStoreError, err)
		}
		rec.ParamsRef = &h
		rec.ParamsSize = len(intent.ParamsCBOR)
		rec.ParamsSha256 = &h
	}
	payload, err := canon.Encode(rec)
	if err != nil {
		return 0, err
	}
	seq, err := m.journal.Append(ctx, journal.KindEffectIntent, payload)
	if err != nil {
		return 0, kernelerr.Wrap(kernelerr.CodeJournalError, err)
	}
	return seq, nil
}

// Handle correlates a receipt to its inflight intent and journals it.
// Duplicate receipts within the recent-receipts window are dropped
// silently (idempotent no-op) 8
// universal property.
func (m *Manager) Handle(ctx context.Context, r Receipt) (*Intent, error) {
	if m.recentSet[r.IntentHash] {
		return nil, nil
	}
	intent, ok := m.inflight[r.IntentHash]
	if !ok {
		return nil, kernelerr.New(kernelerr.CodeReceiptUnknown, "no inflight intent for %s", r.IntentHash).WithField("intent_hash", r.IntentHash.String())
	}

	if err := m.journalReceipt(ctx, r); err != nil {
		return nil, err
	}

	delete(m.inflight, r.IntentHash)
	m.rememberRecent(r.IntentHash)
	return &intent, nil
}

func (m *Manager) rememberRecent(h canon.Hash) {
	m.recentSet[h] = true
	m.recentOrder = append(m.recentOrder, h)
	if len(m.recentOrder) > recentReceiptsWindow {
		evict := m.recentOrder[0]
		m.recentOrder = m.recentOrder[1:]
		delete(m.recentSet, evict)
	}
}

func (m *Manager) journalReceipt(ctx context.Context, r Receipt) error {
	type inlinePayload struct {
		IntentHash   canon.Hash  `cbor:"intent_hash"`
		AdapterID    string      `cbor:"adapter_id"`
		Status       Status      `cbor:"status"`
		PayloadCBOR  []byte      `cbor:"payload_cbor,omitempty"`
		PayloadRef   *canon.Hash `cbor:"payload_ref,omitempty"`
		PayloadSize  int         `cbor:"payload_size,omitempty"`
		PayloadSha256 *canon.Hash `cbor:"payload_sha256,omitempty"`
		CostCents    *uint64     `cbor:"cost_cents,omitempty"`
		Signature    []byte      `cbor:"signature,omitempty"`
	}
	rec := inlinePayload{IntentHash: r.IntentHash, AdapterID: r.AdapterID, Status: r.Status, CostCents: r.CostCents, Signature: r.Signature}
	if len(r.PayloadCBOR) <= InlineThresholdBytes {
		rec.PayloadCBOR = r.PayloadCBOR
	} else {
		h, err := m.store.PutBlob(ctx, r.PayloadCBOR)
		if err != nil {
			return kernelerr.Wrap(kernelerr.CodeStoreError, err)
		}
		rec.PayloadRef = &h
		rec.PayloadSize = len(r.PayloadCBOR)
		rec.PayloadSha256 = &h
	}
	payload, err := canon.Encode(rec)
	if err != nil {
		return err
	}
	if _, err := m.journal.Append(ctx, journal.KindEffectReceipt, payload); err != nil {
		return kernelerr.Wrap(kernelerr.CodeJournalError, err)
	}
	return nil
}

// IntentSnapshot is an Intent's fully serializable form: Intent itself
// tags Origin/EmittedAtSeq as cbor:"-" since they never belong in the
// journaled intent record, but a checkpoint needs them back to resume
// receipt correlation correctly.
type IntentSnapshot struct {
	Kind           string         `cbor:"kind"`
	CapName        string         `cbor:"cap_name"`
	ParamsCBOR     []byte         `cbor:"params_cbor"`
	IdempotencyKey canon.Hash     `cbor:"idempotency_key"`
	IntentHash     canon.Hash     `cbor:"intent_hash"`
	OriginKind     policy.OriginKind `cbor:"origin_kind"`
	OriginModuleID string         `cbor:"origin_module_id"`
	OriginInstance string         `cbor:"origin_instance_key,omitempty"`
	OriginVersion  string         `cbor:"origin_module_version,omitempty"`
	EmittedAtSeq   uint64         `cbor:"emitted_at_seq"`
}

func toIntentSnapshot(i Intent) IntentSnapshot {
	return IntentSnapshot{
		Kind: i.Kind, CapName: i.CapName, ParamsCBOR: i.ParamsCBOR,
		IdempotencyKey: i.IdempotencyKey, IntentHash: i.IntentHash,
		OriginKind: i.Origin.Kind, OriginModuleID: i.Origin.ModuleID,
		OriginInstance: i.Origin.InstanceKey, OriginVersion: i.Origin.ModuleVersion,
		EmittedAtSeq: i.EmittedAtSeq,
	}
}

func fromIntentSnapshot(s IntentSnapshot) Intent {
	return Intent{
		Kind: s.Kind, CapName: s.CapName, ParamsCBOR: s.ParamsCBOR,
		IdempotencyKey: s.IdempotencyKey, IntentHash: s.IntentHash,
		Origin: Origin{Kind: s.OriginKind, ModuleID: s.OriginModuleID, InstanceKey: s.OriginInstance, ModuleVersion: s.OriginVersion},
		EmittedAtSeq: s.EmittedAtSeq,
	}
}

// SnapshotState returns the manager's queued intents (awaiting dispatch),
// inflight intents (dispatched, awaiting a receipt), and the
// recent-receipts dedup window in eviction order, for pkg/snapshot.
func (m *Manager) SnapshotState() (queued []IntentSnapshot, inflight []IntentSnapshot, recent []canon.Hash) {
	for _, i := range m.queue {
		queued = append(queued, toIntentSnapshot(i))
	}
	var infl []Intent
	for _, in := range m.inflight {
		infl = append(infl, in)
	}
	sort.Slice(infl, func(i, j int) bool {
		return string(infl[i].IntentHash[:]) < string(infl[j].IntentHash[:])
	})
	for _, i := range infl {
		inflight = append(inflight, toIntentSnapshot(i))
	}
	recent = append([]canon.Hash(nil), m.recentOrder...)
	return
}

// RestoreState rehydrates the queue, inflight table, and recent-receipts
// window from a loaded snapshot. Callers must restore before the kernel
// resumes ticking.
func (m *Manager) RestoreState(queued, inflight []IntentSnapshot, recent []canon.Hash) {
	m.queue = make([]Intent, 0, len(queued))
	for _, s := range queued {
		m.queue = append(m.queue, fromIntentSnapshot(s))
	}
	m.inflight = make(map[canon.Hash]Intent, len(inflight))
	for _, s := range inflight {
		in := fromIntentSnapshot(s)
		m.inflight[in.IntentHash] = in
	}
	m.recentOrder = append([]canon.Hash(nil), recent...)
	m.recentSet = make(map[canon.Hash]bool, len(recent))
	for _, h := range recent {
		m.recentSet[h] = true
	}
}

// ReceiptEventSchema returns the synthetic event schema a receipt is
// routed back to the originating module as.
func ReceiptEventSchema(effectKind string) string {
	return "effect-receipt/" + effectKind
}

// InflightByKind returns every inflight intent of one effect kind, for
// the host's post-restore timer rehydration: after pkg/snapshot.Restore
// repopulates this manager's inflight table, the host needs the full
// "timer.set" intents (deliver_at_ns and all) back to rebuild the timer
// scheduler's min-heap, which a snapshot's IntentSnapshot blocks already
// carry in full.
func (m *Manager) InflightByKind(kind string) []Intent {
	var out []Intent
	for _, in := range m.inflight {
		if in.Kind == kind {
			out = append(out, in)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return string(out[i].IntentHash[:]) < string(out[j].IntentHash[:])
	})
	return out
}
