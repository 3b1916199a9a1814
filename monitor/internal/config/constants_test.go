package config

import (
	"strings"
	"testing"
	"time"
)

func TestClassTimings(t *testing.T) {
	classes := []struct {
		name     string
		interval time.Duration
		deadline time.Duration
	}{
		{ClassLive, DefaultLiveInterval, DefaultLiveDeadline},
		{ClassStatus, DefaultStatusInterval, DefaultStatusDeadline},
	}

	for _, tt := range classes {
		t.Run(tt.name, func(t *testing.T) {
			// A refresh must finish before the next tick.
			if tt.deadline >= tt.interval {
				t.Errorf("deadline %v should be shorter than interval %v", tt.deadline, tt.interval)
			}
		})
	}

	if DefaultLiveInterval >= DefaultStatusInterval {
		t.Errorf("live interval (%v) should be shorter than status interval (%v)",
			DefaultLiveInterval, DefaultStatusInterval)
	}
}

func TestReachabilityThresholds(t *testing.T) {
	if DefaultReachabilityWarnMs >= DefaultReachabilityCritMs {
		t.Errorf("warn (%v) should be below crit (%v)", DefaultReachabilityWarnMs, DefaultReachabilityCritMs)
	}
}

func TestRetention(t *testing.T) {
	if DefaultRetentionInterval >= DefaultRunRetention {
		t.Errorf("retention interval (%v) should be shorter than retention (%v)",
			DefaultRetentionInterval, DefaultRunRetention)
	}
	if DefaultMirrorTTL < DefaultStatusInterval {
		t.Errorf("mirror TTL (%v) should outlive a status refresh (%v)", DefaultMirrorTTL, DefaultStatusInterval)
	}
}

func TestPaths(t *testing.T) {
	if !strings.HasPrefix(DefaultBasePath, "/") || strings.HasSuffix(DefaultBasePath, "/") {
		t.Errorf("DefaultBasePath %q should start and not end with /", DefaultBasePath)
	}
	if strings.HasPrefix(TelemetryPath, DefaultBasePath) {
		t.Errorf("TelemetryPath %q should be outside the base path", TelemetryPath)
	}
}
