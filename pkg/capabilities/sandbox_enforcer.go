package capabilities

import (
	"context"

	"github.com/agentoshq/agentos/pkg/canon"
	"github.com/agentoshq/agentos/pkg/kernelerr"
	"github.com/agentoshq/agentos/pkg/runtime/sandbox"
)

// enforcerInput is the canonical-CBOR record an enforcer module reads
// from stdin: the effect kind being emitted, the grant's canonical
// parameters, and the normalized effect parameters.
type enforcerInput struct {
	EffectKind       string `cbor:"effect_kind"`
	CapParamsCBOR    []byte `cbor:"cap_params_cbor"`
	EffectParamsCBOR []byte `cbor:"effect_params_cbor"`
}

// enforcerDeny is the structured denial an enforcer module may return.
type enforcerDeny struct {
	Code    string `cbor:"code"`
	Message string `cbor:"message,omitempty"`
}

// enforcerOutput is the canonical-CBOR record an enforcer module writes
// to stdout.
type enforcerOutput struct {
	ConstraintsOk bool          `cbor:"constraints_ok"`
	Deny          *enforcerDeny `cbor:"deny,omitempty"`
}

// SandboxEnforcer runs a compiled WASM enforcer module through the
// module sandbox. The module is a pure predicate: it sees only the
// enforcerInput record on stdin and must reply with an enforcerOutput
// on stdout. It has no network or clock, and no filesystem unless the
// sandbox's policy names a read-only mount; without one, the same inputs
// always produce the same verdict.
type SandboxEnforcer struct {
	Sandbox    *sandbox.Sandbox
	ModuleHash canon.Hash
	WasmBytes  []byte
}

func (e *SandboxEnforcer) Enforce(ctx context.Context, effectKind string, capParamsCBOR, effectParamsCBOR []byte) (bool, string, string, error) {
	in, err := canon.Encode(enforcerInput{
		EffectKind:       effectKind,
		CapParamsCBOR:    capParamsCBOR,
		EffectParamsCBOR: effectParamsCBOR,
	})
	if err != nil {
		return false, "", "", kernelerr.Wrap(kernelerr.CodeWasmError, err)
	}

	out, err := e.Sandbox.Call(ctx, e.ModuleHash, e.WasmBytes, in)
	if err != nil {
		return false, "", "", kernelerr.Wrap(kernelerr.CodeWasmError, err).
			WithField("enforcer_module", e.ModuleHash.String()).
			WithField("effect_kind", effectKind)
	}
	return decodeEnforcerVerdict(out)
}

// decodeEnforcerVerdict maps an enforcer module's stdout to the
// Enforcer contract. A verdict that fails to decode is treated as an
// error, never as an allow.
func decodeEnforcerVerdict(out []byte) (bool, string, string, error) {
	var verdict enforcerOutput
	if err := canon.Decode(out, &verdict); err != nil {
		return false, "", "", kernelerr.Wrap(kernelerr.CodeWasmError, err)
	}
	if verdict.ConstraintsOk {
		return true, "", "", nil
	}
	code, msg := "constraints_failed", ""
	if verdict.Deny != nil {
		if verdict.Deny.Code != "" {
			code = verdict.Deny.Code
		}
		msg = verdict.Deny.Message
	}
	return false, code, msg, nil
}
