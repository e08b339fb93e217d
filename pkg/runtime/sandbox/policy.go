package sandbox

import (
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// SandboxPolicy bounds what a module call may touch beyond stdin and
// stdout. The zero state of every field is the most restrictive one: no
// filesystem mount and default I/O ceilings. Network access has no
// policy knob at all -- nothing ever wires a network into the module
// config, so there is no operation to gate.
type SandboxPolicy struct {
	PolicyID string `json:"policy_id"`

	// MountDir, if non-empty, is the single host directory exposed to
	// the module, read-only, at /data. Empty means the module sees no
	// filesystem at all.
	MountDir string `json:"mount_dir,omitempty"`

	// FSDenylist are host path prefixes that may never be mounted, even
	// when MountDir names them. Checked before MountDir is honored.
	FSDenylist []string `json:"fs_denylist,omitempty"`

	// MaxInputBytes and MaxOutputBytes bound the stdin handed to a
	// module and the stdout it may produce. Zero means the default.
	MaxInputBytes  int64 `json:"max_input_bytes,omitempty"`
	MaxOutputBytes int64 `json:"max_output_bytes,omitempty"`
}

const defaultIOLimitBytes = 8 * 1024 * 1024

// DefaultPolicy returns the restrictive default: no mount, sensitive
// host prefixes unmountable, 8 MiB stdin/stdout ceilings.
func DefaultPolicy() *SandboxPolicy {
	return &SandboxPolicy{
		PolicyID:       "default",
		FSDenylist:     []string{"/etc", "/root", "/proc", "/sys"},
		MaxInputBytes:  defaultIOLimitBytes,
		MaxOutputBytes: defaultIOLimitBytes,
	}
}

func (p *SandboxPolicy) inputLimit() int64 {
	if p.MaxInputBytes > 0 {
		return p.MaxInputBytes
	}
	return defaultIOLimitBytes
}

func (p *SandboxPolicy) outputLimit() int64 {
	if p.MaxOutputBytes > 0 {
		return p.MaxOutputBytes
	}
	return defaultIOLimitBytes
}

// PolicyViolation records a blocked boundary crossing, kept for audit.
type PolicyViolation struct {
	ViolationType string    `json:"violation_type"`
	Detail        string    `json:"detail"`
	Timestamp     time.Time `json:"timestamp"`
}

// PolicyEnforcer evaluates module-call operations against a
// SandboxPolicy and records every denial.
type PolicyEnforcer struct {
	mu         sync.Mutex
	policy     *SandboxPolicy
	violations []PolicyViolation
	clock      func() time.Time
}

// NewPolicyEnforcer creates an enforcer; a nil policy means the default.
func NewPolicyEnforcer(policy *SandboxPolicy) *PolicyEnforcer {
	if policy == nil {
		policy = DefaultPolicy()
	}
	return &PolicyEnforcer{policy: policy, clock: time.Now}
}

// WithClock overrides the audit clock for testing.
func (e *PolicyEnforcer) WithClock(clock func() time.Time) *PolicyEnforcer {
	e.clock = clock
	return e
}

// CheckResult carries the enforcement decision.
type CheckResult struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason"`
}

func (e *PolicyEnforcer) deny(violationType, detail string) CheckResult {
	e.violations = append(e.violations, PolicyViolation{
		ViolationType: violationType,
		Detail:        detail,
		Timestamp:     e.clock(),
	})
	return CheckResult{Allowed: false, Reason: detail}
}

// CheckMount decides whether dir may be exposed to a module. The
// denylist wins over the policy's own MountDir; a dir the policy never
// named is refused outright.
func (e *PolicyEnforcer) CheckMount(dir string) CheckResult {
	e.mu.Lock()
	defer e.mu.Unlock()

	clean := filepath.Clean(dir)
	for _, prefix := range e.policy.FSDenylist {
		if clean == prefix || strings.HasPrefix(clean, prefix+string(filepath.Separator)) {
			return e.deny("FS_DENY", fmt.Sprintf("mount %s matches denylist entry %s", clean, prefix))
		}
	}
	if e.policy.MountDir == "" || filepath.Clean(e.policy.MountDir) != clean {
		return e.deny("FS_NOT_ALLOWED", fmt.Sprintf("mount %s is not the policy's mount dir", clean))
	}
	return CheckResult{Allowed: true, Reason: "policy mount dir"}
}

// CheckInput bounds the stdin handed to a module call.
func (e *PolicyEnforcer) CheckInput(n int64) CheckResult {
	e.mu.Lock()
	defer e.mu.Unlock()

	if limit := e.policy.inputLimit(); n > limit {
		return e.deny("INPUT_TOO_LARGE", fmt.Sprintf("input of %d bytes exceeds the %d byte limit", n, limit))
	}
	return CheckResult{Allowed: true, Reason: "within input limit"}
}

// CheckOutput bounds the stdout a module call produced.
func (e *PolicyEnforcer) CheckOutput(n int64) CheckResult {
	e.mu.Lock()
	defer e.mu.Unlock()

	if limit := e.policy.outputLimit(); n > limit {
		return e.deny("OUTPUT_TOO_LARGE", fmt.Sprintf("output of %d bytes exceeds the %d byte limit", n, limit))
	}
	return CheckResult{Allowed: true, Reason: "within output limit"}
}

// Violations returns every recorded denial.
func (e *PolicyEnforcer) Violations() []PolicyViolation {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]PolicyViolation, len(e.violations))
	copy(out, e.violations)
	return out
}
