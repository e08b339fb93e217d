// Package journal provides the append-only, crash-safe sequence of
// records the kernel replays from.
package journal

import (
	"context"
	"fmt"

	"github.com/agentoshq/agentos/pkg/canon"
)

// Kind identifies the disjoint journal record kinds.
type Kind string

const (
	KindDomainEvent      Kind = "domain_event"
	KindEffectIntent     Kind = "effect_intent"
	KindEffectReceipt    Kind = "effect_receipt"
	KindReducerEffectCtx Kind = "reducer_effect_context"
	KindPolicyDecision   Kind = "policy_decision"
	KindCapDecision      Kind = "cap_decision"
	KindGovernance       Kind = "governance"
	KindSnapshot         Kind = "snapshot"
	KindManifest         Kind = "manifest"
)

var validKinds = map[Kind]bool{
	KindDomainEvent: true, KindEffectIntent: true, KindEffectReceipt: true,
	KindReducerEffectCtx: true, KindPolicyDecision: true, KindCapDecision: true,
	KindGovernance: true, KindSnapshot: true, KindManifest: true,
}

// Entry is one journal record: (seq, kind, payload_bytes). seq is strictly
// monotonic from 0. cumulativeHash chains each entry to its predecessor,
// grounded on pkg/kernel/event_log.go's hash-chained InMemoryEventLog.
type Entry struct {
	Seq            uint64     `cbor:"seq"`
	Kind           Kind       `cbor:"kind"`
	Payload        []byte     `cbor:"payload"`
	PrevHash       canon.Hash `cbor:"prev_hash"`
	CumulativeHash canon.Hash `cbor:"cumulative_hash"`
}

// Journal is the append/read/recover contract.
type Journal interface {
	// Append writes kind+payload durably before returning, and returns
	// the assigned seq.
	Append(ctx context.Context, kind Kind, payload []byte) (uint64, error)
	// ReadRange returns entries with seq in [from, to).
	ReadRange(ctx context.Context, from, to uint64) ([]Entry, error)
	// NextSeq returns the seq that would be assigned to the next Append.
	NextSeq(ctx context.Context) (uint64, error)
	// TruncateTo discards all entries with seq >= seq (snapshot compaction
	// only).
	TruncateTo(ctx context.Context, seq uint64) error
}

func computeCumulativeHash(prev canon.Hash, kind Kind, payload []byte) canon.Hash {
	chained := struct {
		Prev    canon.Hash `cbor:"prev"`
		Kind    Kind       `cbor:"kind"`
		Payload []byte     `cbor:"payload"`
	}{prev, kind, payload}
	h, err := canon.HashValue(chained)
	if err != nil {
		// canon.Encode only fails on unsupported Go types; the struct
		// above is always encodable, so this path is unreachable in
		// practice. Fall back to hashing the raw payload rather than
		// panicking.
		return canon.HashBytes(payload)
	}
	return h
}

func validateKind(kind Kind) error {
	if !validKinds[kind] {
		return fmt.Errorf("journal: unknown kind %q", kind)
	}
	return nil
}
