// Package runtime implements the reducer/workflow module ABI: a fixed
// input/output contract that a sandboxed WASM
// module (or, for internal modules, a plain Go function) implements.
package runtime

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/agentoshq/agentos/pkg/canon"
	"github.com/agentoshq/agentos/pkg/kernelerr"
	"github.com/agentoshq/agentos/pkg/runtime/sandbox"
)

// CallContext is the fixed context record passed to every module call.
// Every field a module could use to introduce nondeterminism (time,
// randomness) is supplied here instead of left to the module to source
// itself.
type CallContext struct {
	LogicalNowNs  int64      `cbor:"logical_now_ns"`
	JournalHeight uint64     `cbor:"journal_height"`
	Entropy       [64]byte   `cbor:"entropy"`
	EventHash     canon.Hash `cbor:"event_hash"`
	ManifestHash  canon.Hash `cbor:"manifest_hash"`
	ReducerName   string     `cbor:"reducer_name"`
	Key           []byte     `cbor:"key,omitempty"`
}

// DomainEvent is an event a module emits for re-enqueue onto the kernel's
// event queue.
type DomainEvent struct {
	Schema      string `cbor:"schema"`
	PayloadCBOR []byte `cbor:"payload_cbor"`
}

// EffectRequest is a side effect a module asks the effect manager to
// enqueue on its behalf.
type EffectRequest struct {
	Kind       string `cbor:"kind"`
	CapName    string `cbor:"cap_name"`
	ParamsCBOR []byte `cbor:"params_cbor"`
	Salt       []byte `cbor:"salt,omitempty"`
}

// Output is a module call's canonical-CBOR return value.
type Output struct {
	StateBytes   []byte          `cbor:"state_bytes,omitempty"`
	DomainEvents []DomainEvent   `cbor:"domain_events,omitempty"`
	Effects      []EffectRequest `cbor:"effects,omitempty"`
	Ann          interface{}     `cbor:"ann,omitempty"`
}

// Module is the reducer/workflow ABI: step(state_bytes?, event) ->
// output. Both reducers and workflows implement this; the kernel is
// what gives workflow invocations their long-lived, per-instance
// treatment.
type Module interface {
	Step(ctx context.Context, call CallContext, stateBytes []byte, eventCBOR []byte) (Output, error)
}

// wireInput is the canonical-CBOR envelope a sandboxed module receives
// on stdin.
type wireInput struct {
	Context    CallContext `cbor:"context"`
	StateBytes []byte      `cbor:"state_bytes,omitempty"`
	EventCBOR  []byte      `cbor:"event_cbor"`
}

// SandboxModule adapts a compiled WASM reducer/workflow binary to the
// Module interface by shuttling canonical CBOR across the sandbox's
// stdin/stdout boundary. No host calls are available to the module: it
// only sees what CallContext and the event carry.
type SandboxModule struct {
	Sandbox    *sandbox.Sandbox
	ModuleHash canon.Hash
	WasmBytes  []byte
}

func (m *SandboxModule) Step(ctx context.Context, call CallContext, stateBytes []byte, eventCBOR []byte) (Output, error) {
	in := wireInput{Context: call, StateBytes: stateBytes, EventCBOR: eventCBOR}
	inBytes, err := canon.Encode(in)
	if err != nil {
		return Output{}, kernelerr.Wrap(kernelerr.CodeWasmError, err)
	}

	outBytes, err := m.Sandbox.Call(ctx, m.ModuleHash, m.WasmBytes, inBytes)
	if err != nil {
		return Output{}, kernelerr.Wrap(kernelerr.CodeWasmError, err)
	}

	var out Output
	if err := canon.Decode(outBytes, &out); err != nil {
		return Output{}, kernelerr.New(kernelerr.CodeReducerOutputInvalid, "module %s: %v", call.ReducerName, err)
	}
	return out, nil
}

// Func adapts a plain Go function to the Module interface, used for
// internal (in-kernel) modules that do not need sandboxing.
type Func func(ctx context.Context, call CallContext, stateBytes []byte, eventCBOR []byte) (Output, error)

func (f Func) Step(ctx context.Context, call CallContext, stateBytes []byte, eventCBOR []byte) (Output, error) {
	return f(ctx, call, stateBytes, eventCBOR)
}

// ExtractKey walks a dotted path (e.g. "order.id") through a decoded
// event record and canonically encodes the value found there to form
// the cell key. Returns (nil, false) when keyField is
// empty (the routing entry declared no key).
func ExtractKey(event interface{}, keyField string) ([]byte, bool, error) {
	if keyField == "" {
		return nil, false, nil
	}
	cur := event
	for _, segment := range strings.Split(keyField, ".") {
		m, ok := cur.(map[string]interface{})
		if !ok {
			if idx, err := strconv.Atoi(segment); err == nil {
				arr, ok := cur.([]interface{})
				if !ok || idx < 0 || idx >= len(arr) {
					return nil, false, fmt.Errorf("runtime: key_field %q: index %d out of range", keyField, idx)
				}
				cur = arr[idx]
				continue
			}
			return nil, false, fmt.Errorf("runtime: key_field %q: segment %q not addressable on %T", keyField, segment, cur)
		}
		next, ok := m[segment]
		if !ok {
			return nil, false, fmt.Errorf("runtime: key_field %q: field %q missing", keyField, segment)
		}
		cur = next
	}
	encoded, err := canon.Encode(cur)
	if err != nil {
		return nil, false, fmt.Errorf("runtime: key_field %q: encode: %w", keyField, err)
	}
	return encoded, true, nil
}
