package types

import (
	"encoding/json"
	"fmt"
)

// StatusLevel is the ordered health classification of a single result.
//
// The order is unknown < healthy < warning < critical. Unknown is reserved
// for reachability probes that could not determine anything (the probe
// itself failed), which is distinct from a bad reading.
type StatusLevel int

const (
	StatusUnknown StatusLevel = iota
	StatusHealthy
	StatusWarning
	StatusCritical
)

var statusNames = [...]string{
	StatusUnknown:  "unknown",
	StatusHealthy:  "healthy",
	StatusWarning:  "warning",
	StatusCritical: "critical",
}

// String returns the lowercase wire name.
func (s StatusLevel) String() string {
	if s < StatusUnknown || s > StatusCritical {
		return fmt.Sprintf("StatusLevel(%d)", int(s))
	}
	return statusNames[s]
}

// AtLeast returns s raised to floor if s is lower.
func (s StatusLevel) AtLeast(floor StatusLevel) StatusLevel {
	if s < floor {
		return floor
	}
	return s
}

// Available reports whether the level counts as "up" for uptime purposes.
func (s StatusLevel) Available() bool {
	return s == StatusHealthy || s == StatusWarning
}

// ParseStatusLevel parses a wire name.
func ParseStatusLevel(name string) (StatusLevel, error) {
	for i, n := range statusNames {
		if n == name {
			return StatusLevel(i), nil
		}
	}
	return StatusUnknown, fmt.Errorf("unknown status level: %q", name)
}

// MarshalJSON encodes the level as its wire name.
func (s StatusLevel) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON decodes a wire name.
func (s *StatusLevel) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	level, err := ParseStatusLevel(name)
	if err != nil {
		return err
	}
	*s = level
	return nil
}
