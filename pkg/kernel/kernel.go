// Package kernel implements the single-threaded, cooperative tick
// loop: it ties the store, journal, cell index, capability resolver,
// policy evaluator, effect manager, and the reducer/workflow runtime
// together into the event -> reducer -> effect -> receipt cycle. One
// writer per key, inputs applied in a deterministic order.
package kernel

import (
	"context"
	"sort"

	"github.com/agentoshq/agentos/pkg/canon"
	"github.com/agentoshq/agentos/pkg/capabilities"
	"github.com/agentoshq/agentos/pkg/cellindex"
	"github.com/agentoshq/agentos/pkg/effect"
	"github.com/agentoshq/agentos/pkg/internaleffects"
	"github.com/agentoshq/agentos/pkg/journal"
	"github.com/agentoshq/agentos/pkg/kernelerr"
	"github.com/agentoshq/agentos/pkg/manifest"
	"github.com/agentoshq/agentos/pkg/policy"
	"github.com/agentoshq/agentos/pkg/runtime"
	"github.com/agentoshq/agentos/pkg/store"
)

// ModuleKind distinguishes the two module shapes.
type ModuleKind string

const (
	KindReducer  ModuleKind = "reducer"
	KindWorkflow ModuleKind = "workflow"
)

// ModuleEntry binds a compiled module to its kind for kernel dispatch.
// The kernel treats the module itself as a black box behind the
// runtime.Module ABI; whether it was compiled to WASM or is an
// in-process Func does not affect the tick loop.
type ModuleEntry struct {
	Kind    ModuleKind
	Module  runtime.Module
	Version string

	// AcceptedReceiptSchemas, if non-nil, restricts which
	// "effect-receipt/<kind>" schemas this module accepts; a receipt
	// for a kind outside the list is rejected with
	// kernelerr.CodeReceiptReducerUnsupported rather than silently
	// routed to the module. A nil slice accepts every kind, matching
	// the original routing behavior for modules that declare no
	// allowlist.
	AcceptedReceiptSchemas []string
}

// WorkflowStatus is the lifecycle state of a workflow instance.
type WorkflowStatus string

const (
	StatusRunning   WorkflowStatus = "Running"
	StatusWaiting   WorkflowStatus = "Waiting"
	StatusCompleted WorkflowStatus = "Completed"
	StatusFailed    WorkflowStatus = "Failed"
)

// InflightIntent is an intent emitted by a workflow whose receipt has
// not yet been applied.
type InflightIntent struct {
	IntentHash      canon.Hash `cbor:"intent_id"`
	OriginModuleID  string     `cbor:"origin_module_id"`
	OriginInstance  string     `cbor:"origin_instance_key,omitempty"`
	EffectKind      string     `cbor:"effect_kind"`
	ParamsHash      *canon.Hash `cbor:"params_hash,omitempty"`
	EmittedAtSeq    uint64     `cbor:"emitted_at_seq"`
}

// WorkflowInstance is the long-lived per-instance state a workflow
// module keeps across ticks.
type WorkflowInstance struct {
	InstanceID            string           `cbor:"instance_id"`
	Module                string           `cbor:"module"`
	StateBytes            []byte           `cbor:"state_bytes,omitempty"`
	Inflight              []InflightIntent `cbor:"inflight_intents,omitempty"`
	Status                WorkflowStatus   `cbor:"status"`
	LastProcessedEventSeq uint64           `cbor:"last_processed_event_seq"`
	ModuleVersion         string           `cbor:"module_version,omitempty"`
}

// Event is an external or re-enqueued domain event awaiting routing.
// Emitted marks events a module produced mid-cycle, as opposed to events
// injected from outside the kernel; replay re-feeds only external events
// and lets the replaying modules regenerate the emitted ones.
type Event struct {
	Schema      string `cbor:"schema"`
	PayloadCBOR []byte `cbor:"payload_cbor"`
	Emitted     bool   `cbor:"emitted,omitempty"`
}

// Config bundles every collaborator the kernel needs. All are required
// except Policies, which may be nil if the manifest defines no default
// policy (the evaluator's absent-match default-allow then always
// applies via an empty rule set).
type Config struct {
	Store     store.Store
	Journal   journal.Journal
	CellIndex *cellindex.Index
	Effects   *effect.Manager
	Resolver  *capabilities.Resolver
	Policies  *policy.Evaluator

	Manifest     manifest.Manifest
	ManifestHash canon.Hash
	Modules      map[string]ModuleEntry
	PolicyDefs   map[string]policy.Policy

	// Entropy derives the per-call entropy pool deterministically from
	// (manifest_hash, journal seq, event hash) rather than reading any
	// real randomness source
	// requirement.
	Entropy func(manifestHash canon.Hash, seq uint64, eventHash canon.Hash) [64]byte

	// LogicalClock advances the kernel's logical_now_ns. Supplied by the
	// host; defaults to a monotonically-incrementing counter seeded at 0
	// if nil, which is enough for deterministic replay (the value is
	// read back from the journal/snapshot, never recomputed from wall
	// time).
	LogicalClock func(prev int64) int64

	// Internal is the in-process handler for the fixed internal effect
	// kinds Nil means no effect kind is treated as
	// internal (every effect is externalized to the adapter set).
	Internal InternalDispatcher
}

// InternalDispatcher is implemented by pkg/internaleffects. It reports
// whether it handles a given effect kind and, if so, produces the
// receipt payload synchronously.
type InternalDispatcher interface {
	Handles(effectKind string) bool
	Dispatch(ctx context.Context, intent effect.Intent) (payloadCBOR []byte, err error)
}

// Kernel is the single-threaded tick loop.
type Kernel struct {
	store     store.Store
	journal   journal.Journal
	cellIdx   *cellindex.Index
	effects   *effect.Manager
	resolver  *capabilities.Resolver
	policies  *policy.Evaluator

	manifest     manifest.Manifest
	manifestHash canon.Hash
	modules      map[string]ModuleEntry
	policyDefs   map[string]policy.Policy

	entropyFn func(canon.Hash, uint64, canon.Hash) [64]byte
	clockFn   func(int64) int64
	internal  InternalDispatcher

	logicalNowNs int64

	eventQueue   []Event
	receiptQueue []effect.Receipt

	reducerRoots       map[string]canon.Hash
	workflowInstances  map[string]map[string]*WorkflowInstance
	pendingExternal    []effect.Intent
}

// New builds a kernel from its collaborators.
func New(cfg Config) *Kernel {
	k := &Kernel{
		store: cfg.Store, journal: cfg.Journal, cellIdx: cfg.CellIndex,
		effects: cfg.Effects, resolver: cfg.Resolver, policies: cfg.Policies,
		manifest: cfg.Manifest, manifestHash: cfg.ManifestHash,
		modules: cfg.Modules, policyDefs: cfg.PolicyDefs,
		entropyFn: cfg.Entropy, clockFn: cfg.LogicalClock, internal: cfg.Internal,
		reducerRoots:      make(map[string]canon.Hash),
		workflowInstances: make(map[string]map[string]*WorkflowInstance),
	}
	if k.entropyFn == nil {
		k.entropyFn = defaultEntropy
	}
	if k.clockFn == nil {
		k.clockFn = func(prev int64) int64 { return prev + 1 }
	}
	return k
}

func defaultEntropy(manifestHash canon.Hash, seq uint64, eventHash canon.Hash) [64]byte {
	h, _ := canon.HashValue(struct {
		M canon.Hash `cbor:"m"`
		S uint64     `cbor:"s"`
		E canon.Hash `cbor:"e"`
	}{manifestHash, seq, eventHash})
	var out [64]byte
	copy(out[:32], h[:])
	h2 := canon.HashBytes(h[:])
	copy(out[32:], h2[:])
	return out
}

// InjectEvent enqueues an external domain event for the next tick.
// Ordering is strict FIFO over a single queue, across all keys.
func (k *Kernel) InjectEvent(schema string, payloadCBOR []byte) {
	k.eventQueue = append(k.eventQueue, Event{Schema: schema, PayloadCBOR: payloadCBOR})
}

// InjectReceipt enqueues an adapter-produced receipt (including a timer
// firing synthesized by the host) for the next tick.
func (k *Kernel) InjectReceipt(r effect.Receipt) {
	k.receiptQueue = append(k.receiptQueue, r)
}

// DrainPendingExternalIntents returns and clears the intents emitted
// since the last drain that are not handled internally, for the host to
// hand to its adapter set.
func (k *Kernel) DrainPendingExternalIntents() []effect.Intent {
	out := k.pendingExternal
	k.pendingExternal = nil
	return out
}

// ManifestHash returns the hash of the manifest currently in force.
func (k *Kernel) ManifestHash() canon.Hash { return k.manifestHash }

// Manifest returns the manifest currently in force.
func (k *Kernel) Manifest() manifest.Manifest { return k.manifest }

// LogicalNowNs returns the kernel's current logical clock reading.
func (k *Kernel) LogicalNowNs() int64 { return k.logicalNowNs }

// Quiescent reports whether the kernel has no running plan/workflow
// instances, no waiting events, no pending receipts, and no queued
// effects -- the strict-quiescence predicate governance apply gates on.
func (k *Kernel) Quiescent() QuiescenceReport {
	r := QuiescenceReport{
		QueuedEvents:   len(k.eventQueue),
		QueuedReceipts: len(k.receiptQueue),
		QueuedEffects:  k.effects.QueueLen() + k.effects.PendingCount(),
	}
	for _, byInstance := range k.workflowInstances {
		for _, inst := range byInstance {
			if inst.Status == StatusRunning || inst.Status == StatusWaiting {
				r.RunningInstances++
			}
			r.PendingWorkflowReceipts += len(inst.Inflight)
		}
	}
	return r
}

// QuiescenceReport is the set of predicates the governance apply gate
// checks; Blocked reports true when any is non-empty.
type QuiescenceReport struct {
	RunningInstances        int
	QueuedEvents            int
	QueuedReceipts          int
	QueuedEffects           int
	PendingWorkflowReceipts int
}

func (r QuiescenceReport) Blocked() bool {
	return r.RunningInstances > 0 || r.QueuedEvents > 0 || r.QueuedReceipts > 0 ||
		r.QueuedEffects > 0 || r.PendingWorkflowReceipts > 0
}

// QuiescenceBlocked is Quiescent().Blocked() flattened to primitive types,
// the shape pkg/governance's apply gate checks without importing this
// package's QuiescenceReport type.
func (k *Kernel) QuiescenceBlocked() (bool, map[string]int) {
	r := k.Quiescent()
	counts := map[string]int{
		"running_instances":        r.RunningInstances,
		"queued_events":            r.QueuedEvents,
		"queued_receipts":          r.QueuedReceipts,
		"queued_effects":           r.QueuedEffects,
		"pending_workflow_receipts": r.PendingWorkflowReceipts,
	}
	return r.Blocked(), counts
}

// ApplyManifest swaps the active manifest and its resolved capability
// table after a governance apply
// already verified quiescence via Quiescent().Blocked().
func (k *Kernel) ApplyManifest(m manifest.Manifest, h canon.Hash, resolver *capabilities.Resolver, policyDefs map[string]policy.Policy, modules map[string]ModuleEntry) {
	k.manifest = m
	k.manifestHash = h
	k.resolver = resolver
	k.policyDefs = policyDefs
	if modules != nil {
		k.modules = modules
	}
}

// ApplyManifestPatch is ApplyManifest with the module set left untouched,
// the shape pkg/governance needs: a patch changes schemas, capabilities,
// policies, routing and triggers, but module bytecode reloading is the
// host's concern, outside a governance apply.
func (k *Kernel) ApplyManifestPatch(m manifest.Manifest, h canon.Hash, resolver *capabilities.Resolver, policyDefs map[string]policy.Policy) {
	k.ApplyManifest(m, h, resolver, policyDefs, nil)
}

// WorkflowStateView implements internaleffects.KernelView's workflow-state
// query: returns the durable fields of one instance without exposing the
// kernel's internal inflight-intent bookkeeping.
func (k *Kernel) WorkflowStateView(module, key string) (internaleffects.WorkflowStateSnapshot, bool) {
	byInstance, ok := k.workflowInstances[module]
	if !ok {
		return internaleffects.WorkflowStateSnapshot{}, false
	}
	inst, ok := byInstance[key]
	if !ok {
		return internaleffects.WorkflowStateSnapshot{}, false
	}
	return internaleffects.WorkflowStateSnapshot{
		InstanceID:             inst.InstanceID,
		Status:                 string(inst.Status),
		LastProcessedEventSeq:  inst.LastProcessedEventSeq,
		ModuleVersion:          inst.ModuleVersion,
		StateBytes:             inst.StateBytes,
	}, true
}

// ReducerRoot returns the current cell index root for a reducer module,
// for the internal cell_list query.
func (k *Kernel) ReducerRoot(module string) (canon.Hash, bool) {
	h, ok := k.reducerRoots[module]
	return h, ok
}

// Tick runs a single step of the kernel cycle: pop one event or
// receipt, route and invoke its module, commit state, re-enqueue
// domain events, and dispatch effects. Returns idle=true when there was
// nothing to do.
func (k *Kernel) Tick(ctx context.Context) (idle bool, err error) {
	// The clock advances only when a tick does work: idle ticks happen a
	// host-dependent number of times between events, and a replay that
	// counted them differently would hand modules different
	// logical_now_ns values than the original run did.
	if len(k.eventQueue) > 0 {
		k.logicalNowNs = k.clockFn(k.logicalNowNs)
		ev := k.eventQueue[0]
		k.eventQueue = k.eventQueue[1:]
		return false, k.processEvent(ctx, ev)
	}
	if len(k.receiptQueue) > 0 {
		k.logicalNowNs = k.clockFn(k.logicalNowNs)
		r := k.receiptQueue[0]
		k.receiptQueue = k.receiptQueue[1:]
		return false, k.processReceipt(ctx, r)
	}
	return true, nil
}

// TickUntilIdle iterates Tick until it reports idle.
func (k *Kernel) TickUntilIdle(ctx context.Context) error {
	for {
		idle, err := k.Tick(ctx)
		if err != nil {
			return err
		}
		if idle {
			return nil
		}
	}
}

func (k *Kernel) processEvent(ctx context.Context, ev Event) error {
	eventHash := canon.HashBytes(ev.PayloadCBOR)
	if err := k.journalEvent(ctx, ev, eventHash); err != nil {
		return err
	}

	route, ok := k.manifest.RouteFor(ev.Schema)
	if !ok {
		// No module subscribes to this schema;
		// cross-key-ordering note this is not an error, just a no-op
		// tick -- the event was still durably journaled above.
		return nil
	}
	entry, ok := k.modules[route.TargetModule]
	if !ok {
		return kernelerr.New(kernelerr.CodeReducerMissing, "module %q not registered", route.TargetModule).
			WithField("module", route.TargetModule)
	}

	var decoded interface{}
	if len(ev.PayloadCBOR) > 0 {
		if err := canon.Decode(ev.PayloadCBOR, &decoded); err != nil {
			return kernelerr.Wrap(kernelerr.CodeReducerOutputInvalid, err)
		}
	}
	keyBytes, hasKey, err := runtime.ExtractKey(decoded, route.KeyField)
	if err != nil {
		return kernelerr.Wrap(kernelerr.CodeReducerOutputInvalid, err)
	}
	if !hasKey {
		keyBytes, _ = canon.Encode(route.TargetModule)
	}

	switch entry.Kind {
	case KindReducer:
		return k.stepReducer(ctx, route.TargetModule, entry, keyBytes, ev.PayloadCBOR, eventHash)
	case KindWorkflow:
		return k.stepWorkflow(ctx, route.TargetModule, entry, string(keyBytes), ev.PayloadCBOR, eventHash)
	default:
		return kernelerr.New(kernelerr.CodeReducerMissing, "module %q has unknown kind", route.TargetModule)
	}
}

func (k *Kernel) journalEvent(ctx context.Context, ev Event, eventHash canon.Hash) error {
	type rec struct {
		Schema     string     `cbor:"schema"`
		EventHash  canon.Hash `cbor:"event_hash"`
		ParamsCBOR []byte     `cbor:"params_cbor,omitempty"`
		Origin     string     `cbor:"origin"`
	}
	origin := "external"
	if ev.Emitted {
		origin = "module"
	}
	payload, err := canon.Encode(rec{Schema: ev.Schema, EventHash: eventHash, ParamsCBOR: ev.PayloadCBOR, Origin: origin})
	if err != nil {
		return err
	}
	if _, err := k.journal.Append(ctx, journal.KindDomainEvent, payload); err != nil {
		return kernelerr.Wrap(kernelerr.CodeJournalError, err)
	}
	return nil
}

func (k *Kernel) callContext(ctx context.Context, moduleName string, key []byte, eventHash canon.Hash) (runtime.CallContext, error) {
	seq, err := k.journal.NextSeq(ctx)
	if err != nil {
		return runtime.CallContext{}, kernelerr.Wrap(kernelerr.CodeJournalError, err)
	}
	return runtime.CallContext{
		LogicalNowNs:  k.logicalNowNs,
		JournalHeight: seq,
		Entropy:       k.entropyFn(k.manifestHash, seq, eventHash),
		EventHash:     eventHash,
		ManifestHash:  k.manifestHash,
		ReducerName:   moduleName,
		Key:           key,
	}, nil
}

func (k *Kernel) stepReducer(ctx context.Context, moduleName string, entry ModuleEntry, keyBytes []byte, eventCBOR []byte, eventHash canon.Hash) error {
	keyHash := canon.HashBytes(keyBytes)
	root, ok := k.reducerRoots[moduleName]
	if !ok {
		var err error
		root, err = k.cellIdx.Empty(ctx)
		if err != nil {
			return kernelerr.Wrap(kernelerr.CodeStoreError, err)
		}
		k.reducerRoots[moduleName] = root
	}

	var stateBytes []byte
	meta, err := k.cellIdx.Get(ctx, root, keyHash)
	if err != nil {
		return kernelerr.Wrap(kernelerr.CodeStoreError, err)
	}
	if meta != nil {
		stateBytes, err = k.store.GetBlob(ctx, meta.StateHash)
		if err != nil {
			return kernelerr.Wrap(kernelerr.CodeStoreError, err)
		}
	}

	callCtx, err := k.callContext(ctx, moduleName, keyBytes, eventHash)
	if err != nil {
		return err
	}
	out, err := entry.Module.Step(ctx, callCtx, stateBytes, eventCBOR)
	if err != nil {
		return kernelerr.Wrap(kernelerr.CodeReducerOutputInvalid, err).WithField("module", moduleName)
	}

	// Effects clear capability/policy before the cell commits: a denied
	// effect aborts this tick with the cell untouched.
	origin := effect.Origin{Kind: policy.OriginReducer, ModuleID: moduleName, InstanceKey: string(keyBytes), ModuleVersion: entry.Version}
	if err := k.applyOutput(ctx, origin, out); err != nil {
		return err
	}

	stateHash, err := k.store.PutBlob(ctx, out.StateBytes)
	if err != nil {
		return kernelerr.Wrap(kernelerr.CodeStoreError, err)
	}
	newMeta := cellindex.CellMeta{
		KeyHash: keyHash, KeyBytes: keyBytes, StateHash: stateHash,
		Size: uint64(len(out.StateBytes)), LastActiveNs: uint64(k.logicalNowNs),
	}
	newRoot, err := k.cellIdx.Upsert(ctx, root, newMeta)
	if err != nil {
		return kernelerr.Wrap(kernelerr.CodeStoreError, err)
	}
	k.reducerRoots[moduleName] = newRoot
	return nil
}

func (k *Kernel) stepWorkflow(ctx context.Context, moduleName string, entry ModuleEntry, instanceKey string, eventCBOR []byte, eventHash canon.Hash) error {
	byInst, ok := k.workflowInstances[moduleName]
	if !ok {
		byInst = make(map[string]*WorkflowInstance)
		k.workflowInstances[moduleName] = byInst
	}
	inst, ok := byInst[instanceKey]
	if !ok {
		inst = &WorkflowInstance{InstanceID: instanceKey, Module: moduleName, Status: StatusRunning}
		byInst[instanceKey] = inst
	}
	if inst.Status == StatusCompleted || inst.Status == StatusFailed {
		return nil
	}

	callCtx, err := k.callContext(ctx, moduleName, []byte(instanceKey), eventHash)
	if err != nil {
		return err
	}
	out, err := entry.Module.Step(ctx, callCtx, inst.StateBytes, eventCBOR)
	if err != nil {
		inst.Status = StatusFailed
		return kernelerr.Wrap(kernelerr.CodeReducerOutputInvalid, err).WithField("module", moduleName)
	}

	origin := effect.Origin{Kind: policy.OriginWorkflow, ModuleID: moduleName, InstanceKey: instanceKey, ModuleVersion: entry.Version}
	if err := k.applyOutput(ctx, origin, out); err != nil {
		return err
	}

	seq, err := k.journal.NextSeq(ctx)
	if err != nil {
		return kernelerr.Wrap(kernelerr.CodeJournalError, err)
	}
	inst.StateBytes = out.StateBytes
	inst.LastProcessedEventSeq = seq
	inst.ModuleVersion = entry.Version
	if len(inst.Inflight) > 0 {
		inst.Status = StatusWaiting
	} else if inst.Status == StatusWaiting {
		inst.Status = StatusRunning
	}
	return nil
}

// applyOutput re-enqueues domain events and dispatches effects emitted
// by a module invocation 7-8. Every emitted
// effect is prepared (capability+policy checked, hashed) before any is
// committed to the journal and queue, and all are enqueued before any is
// dispatched to an adapter -- so a deny anywhere in the batch aborts the
// tick with nothing enqueued.
func (k *Kernel) applyOutput(ctx context.Context, origin effect.Origin, out runtime.Output) error {
	activePolicy := k.activePolicyFor(origin)
	prepared := make([]effect.Intent, 0, len(out.Effects))
	for _, req := range out.Effects {
		var params interface{}
		if len(req.ParamsCBOR) > 0 {
			if err := canon.Decode(req.ParamsCBOR, &params); err != nil {
				return kernelerr.Wrap(kernelerr.CodeEffectManager, err)
			}
		}
		intent, err := k.effects.Prepare(ctx, origin, activePolicy, req.Kind, req.CapName, params, req.Salt)
		if err != nil {
			return err
		}
		prepared = append(prepared, intent)
	}

	for _, de := range out.DomainEvents {
		k.eventQueue = append(k.eventQueue, Event{Schema: de.Schema, PayloadCBOR: de.PayloadCBOR, Emitted: true})
	}

	var intents []effect.Intent
	for _, p := range prepared {
		intent, err := k.effects.Commit(ctx, p)
		if err != nil {
			return err
		}
		intents = append(intents, intent)
	}

	for _, intent := range intents {
		k.recordInflightIfWorkflow(origin, intent)
		if k.internal != nil && k.internal.Handles(intent.Kind) {
			payload, err := k.internal.Dispatch(ctx, intent)
			status := effect.StatusOk
			if err != nil {
				status = effect.StatusError
				payload, _ = canon.Encode(map[string]interface{}{"error": err.Error()})
			}
			k.receiptQueue = append(k.receiptQueue, effect.Receipt{
				IntentHash: intent.IntentHash, AdapterID: "internal", Status: status, PayloadCBOR: payload,
			})
			continue
		}
		k.pendingExternal = append(k.pendingExternal, intent)
	}
	return nil
}

func (k *Kernel) recordInflightIfWorkflow(origin effect.Origin, intent effect.Intent) {
	if origin.Kind != policy.OriginWorkflow {
		return
	}
	byInst, ok := k.workflowInstances[origin.ModuleID]
	if !ok {
		return
	}
	inst, ok := byInst[origin.InstanceKey]
	if !ok {
		return
	}
	inst.Inflight = append(inst.Inflight, InflightIntent{
		IntentHash: intent.IntentHash, OriginModuleID: origin.ModuleID,
		OriginInstance: origin.InstanceKey, EffectKind: intent.Kind,
		EmittedAtSeq: intent.EmittedAtSeq,
	})
	if inst.Status == StatusRunning {
		inst.Status = StatusWaiting
	}
}

func (k *Kernel) activePolicyFor(origin effect.Origin) policy.Policy {
	name := k.manifest.Defaults.DefaultPolicy
	if p, ok := k.policyDefs[name]; ok {
		return p
	}
	return policy.Policy{Name: name}
}

func (k *Kernel) processReceipt(ctx context.Context, r effect.Receipt) error {
	intent, err := k.effects.Handle(ctx, r)
	if err != nil {
		return err
	}
	if intent == nil {
		// Duplicate within the recent-receipts window: idempotent no-op.
		return nil
	}

	k.clearInflight(intent.Origin, r.IntentHash)

	schema := effect.ReceiptEventSchema(intent.Kind)
	var decodedPayload interface{}
	if len(r.PayloadCBOR) > 0 {
		if err := canon.Decode(r.PayloadCBOR, &decodedPayload); err != nil {
			return kernelerr.Wrap(kernelerr.CodeReceiptDecode, err)
		}
	}
	syntheticEvent := map[string]interface{}{
		"intent_hash": intent.IntentHash.String(),
		"status":      string(r.Status),
		"payload":     decodedPayload,
	}
	payloadCBOR, err := canon.Encode(syntheticEvent)
	if err != nil {
		return err
	}

	entry, ok := k.modules[intent.Origin.ModuleID]
	if !ok {
		// Origin module no longer registered (e.g. removed by a
		// governance patch); the receipt is still journaled above via
		// effects.Handle, just not redelivered.
		return nil
	}

	if !acceptsReceiptSchema(entry.AcceptedReceiptSchemas, schema) {
		return kernelerr.New(kernelerr.CodeReceiptReducerUnsupported,
			"module %q does not accept receipt schema %q", intent.Origin.ModuleID, schema).
			WithField("module", intent.Origin.ModuleID).WithField("schema", schema)
	}

	eventHash := canon.HashBytes(payloadCBOR)
	switch entry.Kind {
	case KindReducer:
		return k.stepReducer(ctx, intent.Origin.ModuleID, entry, []byte(intent.Origin.InstanceKey), payloadCBOR, eventHash)
	case KindWorkflow:
		return k.stepWorkflowReceipt(ctx, intent.Origin.ModuleID, entry, intent.Origin.InstanceKey, payloadCBOR, eventHash, schema)
	}
	return nil
}

// acceptsReceiptSchema reports whether a module's declared receipt
// allowlist admits schema. A nil list accepts everything.
func acceptsReceiptSchema(accepted []string, schema string) bool {
	if accepted == nil {
		return true
	}
	for _, s := range accepted {
		if s == schema {
			return true
		}
	}
	return false
}

func (k *Kernel) stepWorkflowReceipt(ctx context.Context, moduleName string, entry ModuleEntry, instanceKey string, payloadCBOR []byte, eventHash canon.Hash, schema string) error {
	_ = schema
	return k.stepWorkflow(ctx, moduleName, entry, instanceKey, payloadCBOR, eventHash)
}

func (k *Kernel) clearInflight(origin effect.Origin, intentHash canon.Hash) {
	if origin.Kind != policy.OriginWorkflow {
		return
	}
	byInst, ok := k.workflowInstances[origin.ModuleID]
	if !ok {
		return
	}
	inst, ok := byInst[origin.InstanceKey]
	if !ok {
		return
	}
	kept := inst.Inflight[:0:0]
	for _, in := range inst.Inflight {
		if in.IntentHash != intentHash {
			kept = append(kept, in)
		}
	}
	inst.Inflight = kept
	if len(kept) == 0 && inst.Status == StatusWaiting {
		inst.Status = StatusRunning
	}
}

// ReducerRoots returns a copy of the per-module cell index roots, keyed
// by module name, for pkg/snapshot.
func (k *Kernel) ReducerRoots() map[string]canon.Hash {
	out := make(map[string]canon.Hash, len(k.reducerRoots))
	for name, h := range k.reducerRoots {
		out[name] = h
	}
	return out
}

// SetReducerRoots restores per-module cell index roots, used by replay.
func (k *Kernel) SetReducerRoots(roots map[string]canon.Hash) {
	k.reducerRoots = make(map[string]canon.Hash, len(roots))
	for k2, v := range roots {
		k.reducerRoots[k2] = v
	}
}

// WorkflowInstances returns every tracked workflow instance across all
// modules, sorted by (module, instance_id) for deterministic iteration.
func (k *Kernel) WorkflowInstances() []WorkflowInstance {
	var out []WorkflowInstance
	for _, byInst := range k.workflowInstances {
		for _, inst := range byInst {
			out = append(out, *inst)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Module != out[j].Module {
			return out[i].Module < out[j].Module
		}
		return out[i].InstanceID < out[j].InstanceID
	})
	return out
}

// SetWorkflowInstances restores workflow instance state, used by replay.
func (k *Kernel) SetWorkflowInstances(instances []WorkflowInstance) {
	k.workflowInstances = make(map[string]map[string]*WorkflowInstance)
	for i := range instances {
		inst := instances[i]
		byInst, ok := k.workflowInstances[inst.Module]
		if !ok {
			byInst = make(map[string]*WorkflowInstance)
			k.workflowInstances[inst.Module] = byInst
		}
		byInst[inst.InstanceID] = &inst
	}
}

// WorkflowState looks up a single instance by (module, key), for the
// read-consistency query surface.
func (k *Kernel) WorkflowState(module, key string) (WorkflowInstance, bool) {
	byInst, ok := k.workflowInstances[module]
	if !ok {
		return WorkflowInstance{}, false
	}
	inst, ok := byInst[key]
	if !ok {
		return WorkflowInstance{}, false
	}
	return *inst, true
}

// SetLogicalNowNs restores the logical clock, used by replay/snapshot.
func (k *Kernel) SetLogicalNowNs(ns int64) { k.logicalNowNs = ns }

// SetInternal installs the in-process handler for the fixed internal
// effect kinds, once it exists. A host builds this after
// k itself since pkg/internaleffects.Handler needs k as its KernelView.
func (k *Kernel) SetInternal(d InternalDispatcher) { k.internal = d }

// QueueEventsForReplay restores the external event queue, used when
// resuming from a snapshot whose queued_effects/queued events must be
// replayed in order.
func (k *Kernel) QueueEventsForReplay(events []Event) {
	k.eventQueue = append(k.eventQueue, events...)
}

// QueuedEvents returns a copy of the pending event queue, for snapshot.
func (k *Kernel) QueuedEvents() []Event {
	return append([]Event(nil), k.eventQueue...)
}

// QueueReceiptsForReplay restores the pending receipt queue, used when
// resuming from a snapshot.
func (k *Kernel) QueueReceiptsForReplay(receipts []effect.Receipt) {
	k.receiptQueue = append(k.receiptQueue, receipts...)
}

// QueuedReceipts returns a copy of the pending receipt queue, for snapshot.
func (k *Kernel) QueuedReceipts() []effect.Receipt {
	return append([]effect.Receipt(nil), k.receiptQueue...)
}

// Effects exposes the effect manager for components (governance shadow
// runs, internal effects) that need direct access.
func (k *Kernel) Effects() *effect.Manager { return k.effects }

// Resolver exposes the capability resolver in force.
func (k *Kernel) Resolver() *capabilities.Resolver { return k.resolver }

// CellIndex exposes the cell index for introspection (internal effects'
// cell-listing verb).
func (k *Kernel) CellIndex() *cellindex.Index { return k.cellIdx }

// Store exposes the backing content-addressed store.
func (k *Kernel) Store() store.Store { return k.store }

// Journal exposes the backing journal.
func (k *Kernel) Journal() journal.Journal { return k.journal }

// SetJournal swaps the journal the kernel appends to. Used by
// pkg/snapshot.Restore to point the replaying kernel at a counting
// cursor, so replayed ticks observe original seq values without
// re-writing entries the journal already holds.
func (k *Kernel) SetJournal(j journal.Journal) { k.journal = j }

// Modules returns the registered module table.
func (k *Kernel) Modules() map[string]ModuleEntry { return k.modules }
