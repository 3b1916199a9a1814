// Package classify maps probe readings to status levels.
//
// # Policy
//
// All classification happens here and nowhere else:
//
//   - A failed reachability probe is unknown: nothing was learned about the
//     endpoint.
//   - A failed resource probe is critical: failing to read the host implies
//     the worst case.
//   - A failed synthetic probe is unknown. Results of synthetic descriptors
//     are always tagged Synthetic, failed or not.
//   - Otherwise the value is compared against crit first, then warn. Both
//     bounds are inclusive (value >= crit is critical).
//   - Reachability results additionally honour the response status: a code
//     outside 2xx/3xx forces at least warning, and 5xx forces critical. A
//     Degraded reading forces at least warning.
package classify

import "github.com/pilot-net/portal-health/pkg/types"

// Classify returns the status level of reading under desc's thresholds.
// It performs no I/O.
func Classify(reading types.Reading, desc types.ProbeDescriptor) types.StatusLevel {
	if !reading.OK {
		if desc.Kind == types.KindResource {
			return types.StatusCritical
		}
		return types.StatusUnknown
	}

	level := byThreshold(reading.Value, desc.Warn, desc.Crit)

	if desc.Kind == types.KindReachability {
		level = level.AtLeast(byResponseCode(reading.StatusCode))
	}
	if reading.Degraded {
		level = level.AtLeast(types.StatusWarning)
	}
	return level
}

func byThreshold(value float64, warn, crit *float64) types.StatusLevel {
	if crit != nil && value >= *crit {
		return types.StatusCritical
	}
	if warn != nil && value >= *warn {
		return types.StatusWarning
	}
	return types.StatusHealthy
}

// byResponseCode treats 0 as "no HTTP status" (postgres, redis pings).
func byResponseCode(code int) types.StatusLevel {
	switch {
	case code == 0, code >= 200 && code < 400:
		return types.StatusHealthy
	case code >= 500:
		return types.StatusCritical
	default:
		return types.StatusWarning
	}
}

// Metric builds the metric result for a classified reading.
func Metric(reading types.Reading, desc types.ProbeDescriptor) types.MetricResult {
	return types.MetricResult{
		Name:      desc.Name,
		Value:     reading.Value,
		Unit:      desc.Unit,
		Status:    Classify(reading, desc),
		Synthetic: isSynthetic(reading, desc),
	}
}

func isSynthetic(reading types.Reading, desc types.ProbeDescriptor) bool {
	return reading.Synthetic || desc.Kind == types.KindSynthetic
}

// Service builds the service result for a classified reading. UptimeRatio
// is filled in by the snapshot server, which owns the history.
func Service(reading types.Reading, desc types.ProbeDescriptor) types.ServiceResult {
	detail := reading.Detail
	if !reading.OK && reading.Error != "" {
		detail = reading.Error
	}
	return types.ServiceResult{
		Name:           desc.Name,
		Status:         Classify(reading, desc),
		ResponseTimeMs: reading.Value,
		Synthetic:      isSynthetic(reading, desc),
		Detail:         detail,
	}
}
