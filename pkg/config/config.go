// Package config loads the daemon's environment-driven configuration:
// a plain struct plus a Load() function, no config framework.
package config

import (
	"os"
	"strconv"
)

// Config holds agentosd's daemon configuration.
type Config struct {
	// WorldRoot is the on-disk world directory (air/, .aos/store,
	// .aos/journal, .aos/cache) layout.
	WorldRoot string
	// ListenSocket is the Unix socket path the NDJSON control channel
	// listens on.
	ListenSocket string
	LogLevel     string

	SnapshotIntervalTicks int
	RecentReceiptsWindow  int

	// DatabaseURL, if set, enables an optional Postgres-backed journal/
	// receipt mirror for query-only replay auditing (pkg/store/pg).
	DatabaseURL string
	// RedisURL, if set, selects the Redis-backed resource-budget limiter
	// (pkg/effect/ratelimit) instead of the in-memory token bucket.
	RedisURL string

	// ArtifactStorageType selects the blob store backend: "fs" (default),
	// "s3", or "gcs".
	ArtifactStorageType string
	// ArtifactBucket/Prefix/Region/Endpoint configure the "s3"/"gcs"
	// backends (pkg/store/cloud); unused when ArtifactStorageType is "fs".
	ArtifactBucket   string
	ArtifactPrefix   string
	ArtifactRegion   string
	ArtifactEndpoint string

	// ControlAuthRequired gates the control channel behind a JWT bearer
	// check (pkg/host/controlauth) when true.
	ControlAuthRequired bool
	ControlAuthSecret   string

	// OTLPEndpoint, if set, enables OTLP trace/metric export
	// (internal/telemetry); empty disables telemetry with a no-op Provider.
	OTLPEndpoint string

	// DeploymentProfilesDir, if set, names a directory of profile_<env>.yaml
	// files (DeploymentProfile) and DeploymentEnv selects which one gates
	// outbound "net."-kind effects via (*adapter.Set).SetEgressPolicy.
	DeploymentProfilesDir string
	DeploymentEnv         string
}

// Load reads configuration from the environment, defaulting anything
// unset.
func Load() *Config {
	worldRoot := os.Getenv("AGENTOS_WORLD_ROOT")
	if worldRoot == "" {
		worldRoot = "."
	}

	listenSocket := os.Getenv("AGENTOS_LISTEN_SOCKET")
	if listenSocket == "" {
		listenSocket = "/tmp/agentosd.sock"
	}

	logLevel := os.Getenv("AGENTOS_LOG_LEVEL")
	if logLevel == "" {
		logLevel = "INFO"
	}

	snapshotInterval := 1000
	if v := os.Getenv("AGENTOS_SNAPSHOT_INTERVAL_TICKS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			snapshotInterval = n
		}
	}

	recentWindow := 1024
	if v := os.Getenv("AGENTOS_RECENT_RECEIPTS_WINDOW"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			recentWindow = n
		}
	}

	artifactStorage := os.Getenv("AGENTOS_ARTIFACT_STORAGE")
	if artifactStorage == "" {
		artifactStorage = "fs"
	}

	return &Config{
		WorldRoot:             worldRoot,
		ListenSocket:          listenSocket,
		LogLevel:              logLevel,
		SnapshotIntervalTicks: snapshotInterval,
		RecentReceiptsWindow:  recentWindow,
		DatabaseURL:           os.Getenv("AGENTOS_DATABASE_URL"),
		RedisURL:              os.Getenv("AGENTOS_REDIS_URL"),
		ArtifactStorageType:   artifactStorage,
		ArtifactBucket:        os.Getenv("AGENTOS_ARTIFACT_BUCKET"),
		ArtifactPrefix:        os.Getenv("AGENTOS_ARTIFACT_PREFIX"),
		ArtifactRegion:        os.Getenv("AGENTOS_ARTIFACT_REGION"),
		ArtifactEndpoint:      os.Getenv("AGENTOS_ARTIFACT_ENDPOINT"),
		ControlAuthRequired:   os.Getenv("AGENTOS_CONTROL_AUTH_REQUIRED") == "true",
		ControlAuthSecret:     os.Getenv("AGENTOS_CONTROL_AUTH_SECRET"),
		OTLPEndpoint:          os.Getenv("AGENTOS_OTLP_ENDPOINT"),
		DeploymentProfilesDir: os.Getenv("AGENTOS_DEPLOYMENT_PROFILES_DIR"),
		DeploymentEnv:         os.Getenv("AGENTOS_DEPLOYMENT_ENV"),
	}
}
