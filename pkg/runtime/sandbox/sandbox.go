// Package sandbox runs reducer and workflow WASM modules under wazero
// with deny-by-default WASI capabilities: no network, no ambient
// authority, no filesystem beyond the one read-only mount a policy may
// name, and a context deadline standing in for CPU time.
// Every module call is deterministic and resource-bounded.
package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"

	"github.com/agentoshq/agentos/pkg/canon"
	"github.com/agentoshq/agentos/pkg/runtime/budget"
)

// Sandbox compiles and runs WASM modules with a fixed resource budget
// and filesystem/network policy. One Sandbox may run many module calls
// sequentially; it is not safe for concurrent use, matching the
// kernel's single-threaded cooperative tick loop.
type Sandbox struct {
	runtime  wazero.Runtime
	budget   budget.ComputeBudget
	policy   *SandboxPolicy
	enforcer *PolicyEnforcer

	mu      sync.Mutex
	cache   map[canon.Hash]wazero.CompiledModule
}

// New builds a sandbox runtime bounded by budget's memory limit, with
// policy governing the one filesystem mount a module may see and the
// stdin/stdout ceilings every call is held to.
func New(ctx context.Context, cb budget.ComputeBudget, policy *SandboxPolicy) (*Sandbox, error) {
	if policy == nil {
		policy = DefaultPolicy()
	}
	runtimeCfg := wazero.NewRuntimeConfig()
	if cb.MemoryLimitBytes > 0 {
		pages := uint32(cb.MemoryLimitBytes / (64 * 1024))
		if pages == 0 {
			pages = 1
		}
		runtimeCfg = runtimeCfg.WithMemoryLimitPages(pages)
	}

	r := wazero.NewRuntimeWithConfig(ctx, runtimeCfg)
	if _, err := wasi_snapshot_preview1.Instantiate(ctx, r); err != nil {
		return nil, fmt.Errorf("sandbox: instantiate wasi: %w", err)
	}

	return &Sandbox{
		runtime:  r,
		budget:   cb,
		policy:   policy,
		enforcer: NewPolicyEnforcer(policy),
		cache:    make(map[canon.Hash]wazero.CompiledModule),
	}, nil
}

// Call runs a module's exported entrypoint, feeding input on stdin and
// returning whatever it wrote to stdout. moduleHash names the module in
// the compiled-module cache so repeated calls against the same module
// (e.g. across kernel ticks) skip recompilation. Deny-by-default: no
// network, environment variables, or wall-clock/random sources are
// wired into the module config, so nondeterministic host calls simply
// fail to link; the only filesystem a module can see is the single
// read-only mount the policy names, vetoed by its denylist.
func (s *Sandbox) Call(ctx context.Context, moduleHash canon.Hash, wasmBytes []byte, input []byte) ([]byte, error) {
	start := time.Now()
	if s.budget.TimeLimitMs > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.budget.TimeLimit())
		defer cancel()
	}

	if res := s.enforcer.CheckInput(int64(len(input))); !res.Allowed {
		return nil, fmt.Errorf("sandbox: module %s: %s", moduleHash, res.Reason)
	}

	compiled, err := s.compiled(ctx, moduleHash, wasmBytes)
	if err != nil {
		return nil, err
	}

	var stdout, stderr bytes.Buffer
	modCfg := wazero.NewModuleConfig().
		WithName(moduleHash.String()).
		WithStartFunctions("_start").
		WithStdin(bytes.NewReader(input)).
		WithStdout(&stdout).
		WithStderr(&stderr)

	if s.policy.MountDir != "" {
		res := s.enforcer.CheckMount(s.policy.MountDir)
		if !res.Allowed {
			return nil, fmt.Errorf("sandbox: module %s: %s", moduleHash, res.Reason)
		}
		modCfg = modCfg.WithFSConfig(wazero.NewFSConfig().WithReadOnlyDirMount(s.policy.MountDir, "/data"))
	}

	mod, err := s.runtime.InstantiateModule(ctx, compiled, modCfg)
	if err != nil {
		if ctx.Err() != nil {
			if berr := budget.CheckTime(s.budget, time.Since(start)); berr != nil {
				return nil, berr
			}
			return nil, &budget.ComputeBudgetError{Code: budget.ErrComputeTimeExhausted, Message: "module call timed out", Limit: s.budget.TimeLimitMs}
		}
		return nil, fmt.Errorf("sandbox: instantiate %s: %w", moduleHash, err)
	}
	defer func() { _ = mod.Close(ctx) }()

	if mem := mod.Memory(); mem != nil && !(reflect.ValueOf(mem).Kind() == reflect.Ptr && reflect.ValueOf(mem).IsNil()) {
		if berr := budget.CheckMemory(s.budget, int64(mem.Size())); berr != nil {
			return nil, berr
		}
	}
	if res := s.enforcer.CheckOutput(int64(stdout.Len())); !res.Allowed {
		return nil, fmt.Errorf("sandbox: module %s: %s", moduleHash, res.Reason)
	}

	if stderr.Len() > 0 {
		return stdout.Bytes(), fmt.Errorf("sandbox: module %s wrote to stderr: %s", moduleHash, stderr.String())
	}
	return stdout.Bytes(), nil
}

func (s *Sandbox) compiled(ctx context.Context, moduleHash canon.Hash, wasmBytes []byte) (wazero.CompiledModule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c, ok := s.cache[moduleHash]; ok {
		return c, nil
	}
	c, err := s.runtime.CompileModule(ctx, wasmBytes)
	if err != nil {
		return nil, fmt.Errorf("sandbox: compile %s: %w", moduleHash, err)
	}
	s.cache[moduleHash] = c
	return c, nil
}

// Close releases every compiled module and shuts down the runtime.
func (s *Sandbox) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for h, c := range s.cache {
		_ = c.Close(ctx)
		delete(s.cache, h)
	}
	return s.runtime.Close(ctx)
}

// CloseWithTimeout is a convenience for callers shutting down outside
// any existing context (e.g. a signal handler).
func (s *Sandbox) CloseWithTimeout(d time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	return s.Close(ctx)
}
