// Package adapter implements the adapter registry and the real-time
// timer scheduler. An adapter executes an intent asynchronously and
// reports back through a receipt; the timer scheduler is the one
// adapter kind the core itself understands well enough to give it a
// dedicated min-heap, keyed (deliver_at_ns, intent_hash) so ties break
// deterministically.
package adapter

import (
	"container/heap"
	"context"
	"strings"
	"sync"

	"github.com/agentoshq/agentos/pkg/canon"
	"github.com/agentoshq/agentos/pkg/effect"
	"github.com/agentoshq/agentos/pkg/kernelerr"
)

// Adapter is the uniform contract every external effect executor
// implements.
type Adapter interface {
	Kind() string
	Execute(ctx context.Context, intent effect.Intent) (effect.Receipt, error)
}

// Set is a registry of adapters keyed by kind, plus the timer
// scheduler's special-cased handling of "timer.set" intents.
type Set struct {
	mu       sync.Mutex
	adapters map[string]Adapter
	timers   *TimerScheduler
	egress   EgressPolicy
}

// EgressPolicy gates outbound network intents by target hostname,
// satisfied by *config.DeploymentProfile. Left nil, Dispatch allows
// every network-kind intent through unconditionally.
type EgressPolicy interface {
	IsHostAllowed(hostname string) bool
}

// hostParams is the subset of a network adapter's intent params Dispatch
// inspects to enforce egress policy, before handing the intent to the
// adapter itself.
type hostParams struct {
	Host string `cbor:"host"`
}

const networkKindPrefix = "net."

// NewSet builds an adapter registry with a fresh timer scheduler.
func NewSet() *Set {
	return &Set{adapters: make(map[string]Adapter), timers: NewTimerScheduler()}
}

// SetEgressPolicy installs the policy Dispatch consults for "net."-kind
// intents. Passing nil disables the check.
func (s *Set) SetEgressPolicy(p EgressPolicy) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.egress = p
}

// Register adds an adapter under its own Kind().
func (s *Set) Register(a Adapter) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.adapters[a.Kind()] = a
}

// Timers exposes the timer scheduler for the host's select loop.
func (s *Set) Timers() *TimerScheduler { return s.timers }

const timerKind = "timer.set"

// Dispatch routes an external intent: "timer.set" intents are parsed and
// pushed onto the timer min-heap instead of being executed by a
// per-kind adapter; everything else is handed to the adapter registered
// for its kind. Dispatch does not block on the adapter's own timeout
// handling -- callers run it in its own goroutine/task.
func (s *Set) Dispatch(ctx context.Context, intent effect.Intent) (effect.Receipt, bool, error) {
	if intent.Kind == timerKind {
		entry, err := parseTimerIntent(intent)
		if err != nil {
			return effect.Receipt{}, true, err
		}
		s.timers.Push(entry)
		return effect.Receipt{}, false, nil
	}

	s.mu.Lock()
	a, ok := s.adapters[intent.Kind]
	egress := s.egress
	s.mu.Unlock()
	if !ok {
		return effect.Receipt{}, true, kernelerr.New(kernelerr.CodeEffectKindUnsupported, "no adapter registered for kind %q", intent.Kind).
			WithField("kind", intent.Kind)
	}

	if egress != nil && strings.HasPrefix(intent.Kind, networkKindPrefix) {
		var hp hostParams
		if err := canon.Decode(intent.ParamsCBOR, &hp); err == nil && hp.Host != "" {
			if !egress.IsHostAllowed(hp.Host) {
				return effect.Receipt{}, true, kernelerr.New(kernelerr.CodePolicyDenied,
					"egress policy denies host %q for intent kind %q", hp.Host, intent.Kind).
					WithField("host", hp.Host)
			}
		}
	}
	r, err := a.Execute(ctx, intent)
	if err != nil {
		return effect.Receipt{
			IntentHash: intent.IntentHash, AdapterID: intent.Kind, Status: effect.StatusError,
		}, true, nil
	}
	if r.IntentHash != intent.IntentHash {
		return effect.Receipt{}, true, kernelerr.New(kernelerr.CodeReceiptUnknown, "adapter %q returned receipt for %s, expected %s", intent.Kind, r.IntentHash, intent.IntentHash)
	}
	return r, true, nil
}

// timerParams is the decoded shape of a "timer.set" intent's params.
type timerParams struct {
	DeliverAtNs int64  `cbor:"deliver_at_ns"`
	Key         string `cbor:"key,omitempty"`
}

func parseTimerIntent(intent effect.Intent) (TimerEntry, error) {
	var p timerParams
	if err := canon.Decode(intent.ParamsCBOR, &p); err != nil {
		return TimerEntry{}, kernelerr.Wrap(kernelerr.CodeEffectManager, err)
	}
	return TimerEntry{
		DeliverAtNs: p.DeliverAtNs,
		Key:         p.Key,
		IntentHash:  intent.IntentHash,
	}, nil
}

// TimerEntry is one pending timer firing, keyed by (deliver_at_ns,
// intent_hash) for a stable, deterministic tie-break across timers
// scheduled for the same instant.
type TimerEntry struct {
	DeliverAtNs int64
	Key         string
	IntentHash  canon.Hash
}

type timerHeap []TimerEntry

func (h timerHeap) Len() int { return len(h) }
func (h timerHeap) Less(i, j int) bool {
	if h[i].DeliverAtNs != h[j].DeliverAtNs {
		return h[i].DeliverAtNs < h[j].DeliverAtNs
	}
	return less(h[i].IntentHash, h[j].IntentHash)
}
func (h timerHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *timerHeap) Push(x interface{}) { *h = append(*h, x.(TimerEntry)) }
func (h *timerHeap) Pop() interface{} {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

func less(a, b canon.Hash) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}

// TimerScheduler is the real-time min-heap of pending "timer.set"
// intents.
type TimerScheduler struct {
	mu sync.Mutex
	h  timerHeap
}

// NewTimerScheduler builds an empty scheduler.
func NewTimerScheduler() *TimerScheduler {
	s := &TimerScheduler{}
	heap.Init(&s.h)
	return s
}

// Push adds a pending timer firing.
func (s *TimerScheduler) Push(e TimerEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	heap.Push(&s.h, e)
}

// Len reports the number of pending timers.
func (s *TimerScheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.h.Len()
}

// NextDeadline returns the earliest pending deliver_at_ns, if any.
func (s *TimerScheduler) NextDeadline(nowNs int64) (int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.h.Len() == 0 {
		return 0, false
	}
	return s.h[0].DeliverAtNs, true
}

// PopDue removes and returns every timer entry whose deliver_at_ns is
// <= nowNs, in ascending (deliver_at_ns, intent_hash) order.
func (s *TimerScheduler) PopDue(nowNs int64) []TimerEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []TimerEntry
	for s.h.Len() > 0 && s.h[0].DeliverAtNs <= nowNs {
		due = append(due, heap.Pop(&s.h).(TimerEntry))
	}
	return due
}

// PendingReceiptContext mirrors the journal's reducer_effect_context
// record shape for a "timer.set" intent, the form rehydrate_from_pending
// consumes when recovering timers from a snapshot.
type PendingReceiptContext struct {
	IntentHash canon.Hash
	EffectKind string
	ParamsCBOR []byte
}

// RehydrateFromPending reconstructs the timer heap from the pending
// receipt contexts a loaded snapshot carries, so timers set before a
// crash still fire after recovery.
func (s *TimerScheduler) RehydrateFromPending(pending []PendingReceiptContext) error {
	for _, p := range pending {
		if p.EffectKind != timerKind {
			continue
		}
		var tp timerParams
		if err := canon.Decode(p.ParamsCBOR, &tp); err != nil {
			return kernelerr.Wrap(kernelerr.CodeSnapshotDecode, err)
		}
		s.Push(TimerEntry{DeliverAtNs: tp.DeliverAtNs, Key: tp.Key, IntentHash: p.IntentHash})
	}
	return nil
}

// DeliveredReceipt synthesizes the Ok receipt the host injects into the
// kernel when a timer fires.
func DeliveredReceipt(e TimerEntry, deliveredAtNs int64) (effect.Receipt, error) {
	payload, err := canon.Encode(struct {
		DeliveredAtNs int64  `cbor:"delivered_at_ns"`
		Key           string `cbor:"key,omitempty"`
	}{deliveredAtNs, e.Key})
	if err != nil {
		return effect.Receipt{}, err
	}
	return effect.Receipt{
		IntentHash: e.IntentHash, AdapterID: "timer", Status: effect.StatusOk, PayloadCBOR: payload,
	}, nil
}
