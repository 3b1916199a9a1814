// Package types defines the wire and domain types shared by the probes,
// the aggregator, the snapshot server and the HTTP API.
//
// # Design Principles
//
// 1. Simplicity: Types represent the domain model directly
// 2. Serialization: All externally visible types are JSON-serializable
// 3. Immutability: Descriptors and snapshots are never mutated once built
// 4. Validation: Types include Validate() methods for configuration rules
package types

import (
	"fmt"
	"time"
)

// =============================================================================
// PROBE DESCRIPTOR
// =============================================================================

// ProbeKind classifies what a probe measures and how its reading is judged.
type ProbeKind string

const (
	// KindResource - OS/runtime utilization (percentages, rates)
	KindResource ProbeKind = "resource"
	// KindReachability - bounded request to an endpoint, value is latency in ms
	KindReachability ProbeKind = "reachability"
	// KindSynthetic - fixed value used when no live signal is wired up
	KindSynthetic ProbeKind = "synthetic"
)

// Valid reports whether k is a known kind.
func (k ProbeKind) Valid() bool {
	switch k {
	case KindResource, KindReachability, KindSynthetic:
		return true
	}
	return false
}

// Section names the snapshot array a probe's result is placed in.
type Section string

const (
	SectionMetrics  Section = "metrics"
	SectionServices Section = "services"
)

// ProbeDescriptor is the immutable configuration of one probe.
//
// Descriptors are created once at startup from static configuration and
// shared read-only by every refresh cycle.
type ProbeDescriptor struct {
	Name    string    `yaml:"name" json:"name"`
	Kind    ProbeKind `yaml:"kind" json:"kind"`
	Probe   string    `yaml:"probe" json:"probe"`                         // registered implementation (cpu, http, ...)
	Section Section   `yaml:"section,omitempty" json:"section,omitempty"` // defaults by kind
	Unit    string    `yaml:"unit,omitempty" json:"unit,omitempty"`

	// Target is probe specific: URL for http, path for disk, DSN for postgres,
	// owner/repo for github_actions.
	Target string `yaml:"target,omitempty" json:"target,omitempty"`
	// TargetSecret is a secret reference (env:NAME, op:Item/field) resolved
	// into Target at startup. Never serialized.
	TargetSecret string            `yaml:"target_secret,omitempty" json:"-"`
	Method       string            `yaml:"method,omitempty" json:"method,omitempty"`
	Params       map[string]string `yaml:"params,omitempty" json:"params,omitempty"`

	// Thresholds. Nil means the bound is never triggered.
	Warn *float64 `yaml:"warn,omitempty" json:"warn,omitempty"`
	Crit *float64 `yaml:"crit,omitempty" json:"crit,omitempty"`

	Timeout time.Duration `yaml:"timeout,omitempty" json:"timeout,omitempty"`

	// Value is the fixed reading of a synthetic probe.
	Value float64 `yaml:"value,omitempty" json:"value,omitempty"`
}

// ResultSection returns the snapshot section this descriptor reports into.
func (d ProbeDescriptor) ResultSection() Section {
	if d.Section != "" {
		return d.Section
	}
	if d.Kind == KindReachability {
		return SectionServices
	}
	return SectionMetrics
}

// Param returns a named parameter or def when unset.
func (d ProbeDescriptor) Param(key, def string) string {
	if v, ok := d.Params[key]; ok && v != "" {
		return v
	}
	return def
}

// Validate checks the descriptor's static rules.
func (d ProbeDescriptor) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("probe name is required")
	}
	if !d.Kind.Valid() {
		return fmt.Errorf("probe %q: invalid kind %q", d.Name, d.Kind)
	}
	if d.Probe == "" {
		return fmt.Errorf("probe %q: probe implementation is required", d.Name)
	}
	switch d.Section {
	case "", SectionMetrics, SectionServices:
	default:
		return fmt.Errorf("probe %q: invalid section %q", d.Name, d.Section)
	}
	if d.Timeout < 0 {
		return fmt.Errorf("probe %q: negative timeout", d.Name)
	}
	if d.Warn != nil && d.Crit != nil && *d.Warn > *d.Crit {
		return fmt.Errorf("probe %q: warn threshold %.2f exceeds crit threshold %.2f", d.Name, *d.Warn, *d.Crit)
	}
	return nil
}

// Threshold returns a pointer to v, for building descriptors in code.
func Threshold(v float64) *float64 {
	return &v
}

// =============================================================================
// READING
// =============================================================================

// Reading is the raw output of one probe execution.
//
// OK reports whether the probe completed. For reachability probes that
// means a response was obtained; the HTTP outcome is in StatusCode.
// A failed reading carries Value 0 and a non-empty Error.
type Reading struct {
	ProbeName  string    `json:"probe_name"`
	Value      float64   `json:"value"`
	Timestamp  time.Time `json:"timestamp"`
	OK         bool      `json:"ok"`
	StatusCode int       `json:"status_code,omitempty"`
	// Degraded is a probe-level signal that forces at least a warning,
	// e.g. the latest CI run failed although the API answered quickly.
	Degraded  bool   `json:"degraded,omitempty"`
	Synthetic bool   `json:"synthetic,omitempty"`
	Error     string `json:"error,omitempty"`
	Detail    string `json:"detail,omitempty"`
}

// FailedReading builds the sentinel reading for a probe failure.
func FailedReading(name string, err error) Reading {
	msg := "probe failed"
	if err != nil {
		msg = err.Error()
	}
	return Reading{
		ProbeName: name,
		Timestamp: time.Now(),
		OK:        false,
		Error:     msg,
	}
}
