package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/agentoshq/agentos/pkg/adapter"
)

// DeploymentProfile satisfies adapter.EgressPolicy, so a loaded profile
// can be installed directly via (*adapter.Set).SetEgressPolicy.
var _ adapter.EgressPolicy = (*DeploymentProfile)(nil)

// DeploymentProfile is a per-environment operational profile: the
// host-level settings that vary between a developer's laptop, a staging
// cluster, and a production deployment but never belong in the
// content-addressed world directory (air/), since they describe how the
// daemon is run rather than what it runs.
type DeploymentProfile struct {
	Name        string           `yaml:"name" json:"name"`
	Environment string           `yaml:"environment" json:"environment"`
	Networking  NetworkingPolicy `yaml:"networking" json:"networking"`
	Retention   RetentionPolicy  `yaml:"retention" json:"retention"`
}

// NetworkingPolicy controls which hostnames an outbound adapter (a
// "net."-kind effect) may reach.
type NetworkingPolicy struct {
	OutboundMode string   `yaml:"outbound_mode" json:"outbound_mode"` // "allowlist" | "denylist" | "island"
	Allowlist    []string `yaml:"allowlist,omitempty" json:"allowlist,omitempty"`
	Denylist     []string `yaml:"denylist,omitempty" json:"denylist,omitempty"`
}

// RetentionPolicy bounds how long the journal and snapshot store keep
// superseded data before a host-level pruning pass may reclaim it.
type RetentionPolicy struct {
	JournalDays  int `yaml:"journal_days" json:"journal_days"`
	SnapshotDays int `yaml:"snapshot_days" json:"snapshot_days"`
}

// LoadDeploymentProfile loads profilesDir/profile_<env>.yaml.
func LoadDeploymentProfile(profilesDir, env string) (*DeploymentProfile, error) {
	env = strings.ToLower(env)
	path := filepath.Join(profilesDir, fmt.Sprintf("profile_%s.yaml", env))

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load deployment profile %q: %w", env, err)
	}

	var p DeploymentProfile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse deployment profile %q: %w", env, err)
	}
	if p.Environment == "" {
		p.Environment = env
	}
	return &p, nil
}

// LoadAllDeploymentProfiles loads every profile_*.yaml file in profilesDir.
func LoadAllDeploymentProfiles(profilesDir string) (map[string]*DeploymentProfile, error) {
	matches, err := filepath.Glob(filepath.Join(profilesDir, "profile_*.yaml"))
	if err != nil {
		return nil, err
	}

	profiles := make(map[string]*DeploymentProfile, len(matches))
	for _, path := range matches {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}

		var p DeploymentProfile
		if err := yaml.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
		if p.Environment == "" {
			base := filepath.Base(path)
			p.Environment = strings.TrimSuffix(strings.TrimPrefix(base, "profile_"), ".yaml")
		}
		profiles[p.Environment] = &p
	}
	return profiles, nil
}

// IsIslandMode reports whether the profile blocks all outbound network
// effects, e.g. for an air-gapped deployment.
func (p *DeploymentProfile) IsIslandMode() bool {
	return p.Networking.OutboundMode == "island"
}

// IsHostAllowed checks hostname against the profile's networking policy.
func (p *DeploymentProfile) IsHostAllowed(hostname string) bool {
	if p.IsIslandMode() {
		return false
	}
	switch p.Networking.OutboundMode {
	case "allowlist":
		for _, h := range p.Networking.Allowlist {
			if h == hostname {
				return true
			}
		}
		return false
	case "denylist":
		for _, h := range p.Networking.Denylist {
			if h == hostname {
				return false
			}
		}
		return true
	default:
		return true
	}
}
