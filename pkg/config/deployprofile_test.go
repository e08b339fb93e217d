package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeProfile(t *testing.T, dir, env, body string) {
	t.Helper()
	path := filepath.Join(dir, "profile_"+env+".yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestLoadDeploymentProfileAllowlist(t *testing.T) {
	dir := t.TempDir()
	writeProfile(t, dir, "staging", `
name: staging
networking:
  outbound_mode: allowlist
  allowlist:
    - api.example.com
retention:
  journal_days: 30
  snapshot_days: 7
`)

	p, err := LoadDeploymentProfile(dir, "staging")
	if err != nil {
		t.Fatal(err)
	}
	if p.Environment != "staging" {
		t.Fatalf("environment = %q, want staging", p.Environment)
	}
	if p.Retention.JournalDays != 30 {
		t.Fatalf("journal_days = %d, want 30", p.Retention.JournalDays)
	}
	if !p.IsHostAllowed("api.example.com") {
		t.Fatal("expected api.example.com to be allowed")
	}
	if p.IsHostAllowed("evil.example.com") {
		t.Fatal("expected evil.example.com to be denied")
	}
}

func TestLoadDeploymentProfileIslandMode(t *testing.T) {
	dir := t.TempDir()
	writeProfile(t, dir, "airgapped", `
networking:
  outbound_mode: island
`)

	p, err := LoadDeploymentProfile(dir, "airgapped")
	if err != nil {
		t.Fatal(err)
	}
	if !p.IsIslandMode() {
		t.Fatal("expected island mode")
	}
	if p.IsHostAllowed("anything.example.com") {
		t.Fatal("island mode must deny every host")
	}
}

func TestLoadAllDeploymentProfiles(t *testing.T) {
	dir := t.TempDir()
	writeProfile(t, dir, "dev", "networking:\n  outbound_mode: allowlist\n")
	writeProfile(t, dir, "prod", "networking:\n  outbound_mode: denylist\n  denylist: [blocked.example.com]\n")

	profiles, err := LoadAllDeploymentProfiles(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(profiles) != 2 {
		t.Fatalf("expected 2 profiles, got %d", len(profiles))
	}
	if !profiles["prod"].IsHostAllowed("anything.example.com") {
		t.Fatal("denylist mode should allow hosts not in the denylist")
	}
	if profiles["prod"].IsHostAllowed("blocked.example.com") {
		t.Fatal("denylist mode should deny a listed host")
	}
}
