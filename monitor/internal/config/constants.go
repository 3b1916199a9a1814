package config

import "time"

// HTTP surface.
const (
	// DefaultPort is the listen port of monitord.
	DefaultPort = 8080

	// DefaultBasePath is where the monitoring routes are mounted.
	DefaultBasePath = "/api/system-monitoring"

	// TelemetryPath serves Prometheus metrics, outside the base path.
	TelemetryPath = "/telemetry"

	// DefaultRefreshRate limits POST /refresh calls per second.
	DefaultRefreshRate = 1.0

	// DefaultRefreshBurst is the burst allowance of the refresh throttle.
	DefaultRefreshBurst = 3

	// Server timeouts.
	DefaultReadTimeout     = 15 * time.Second
	DefaultWriteTimeout    = 30 * time.Second
	DefaultShutdownTimeout = 10 * time.Second
)

// Refresh classes.
const (
	// ClassLive holds the fast-moving resource metrics.
	ClassLive = "live"

	// ClassStatus holds the slower service checks.
	ClassStatus = "status"

	// ClassDefault is the single class of the flat configuration form.
	ClassDefault = "default"

	DefaultLiveInterval   = 5 * time.Second
	DefaultLiveDeadline   = 3 * time.Second
	DefaultStatusInterval = 30 * time.Second
	DefaultStatusDeadline = 8 * time.Second

	// DefaultMinReportingRatio requires every probe to report.
	DefaultMinReportingRatio = 1.0
)

// Reachability thresholds applied when a service declares none, in ms.
const (
	DefaultReachabilityWarnMs = 500.0
	DefaultReachabilityCritMs = 1500.0
)

// Storage.
const (
	// DefaultMirrorTTL bounds how long a mirrored snapshot may be restored.
	DefaultMirrorTTL = 10 * time.Minute

	// DefaultRunRetention is how long refresh runs are kept in the journal.
	DefaultRunRetention = 7 * 24 * time.Hour

	// DefaultRetentionInterval is how often old runs are pruned.
	DefaultRetentionInterval = time.Hour

	// DefaultPersistTimeout bounds a single mirror or journal write.
	DefaultPersistTimeout = 5 * time.Second
)

// GitHub API.
const (
	DefaultGitHubURL = "https://api.github.com"

	// DefaultGitHubRateLimit is requests per minute across GitHub probes.
	DefaultGitHubRateLimit = 30
)
