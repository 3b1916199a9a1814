package classify

import "github.com/pilot-net/portal-health/pkg/types"

// Hint is the presentation of a status level for UI consumers.
type Hint struct {
	Status       types.StatusLevel `json:"status"`
	Label        string            `json:"label"`        // metric wording
	ServiceLabel string            `json:"serviceLabel"` // service wording
	Color        string            `json:"color"`
}

var hints = map[types.StatusLevel]Hint{
	types.StatusUnknown:  {Status: types.StatusUnknown, Label: "unknown", ServiceLabel: "unknown", Color: "grey"},
	types.StatusHealthy:  {Status: types.StatusHealthy, Label: "healthy", ServiceLabel: "online", Color: "green"},
	types.StatusWarning:  {Status: types.StatusWarning, Label: "warning", ServiceLabel: "degraded", Color: "amber"},
	types.StatusCritical: {Status: types.StatusCritical, Label: "critical", ServiceLabel: "offline", Color: "red"},
}

// HintFor returns the presentation hint of a level.
// Out-of-range levels fall back to the unknown hint.
func HintFor(level types.StatusLevel) Hint {
	if h, ok := hints[level]; ok {
		return h
	}
	return hints[types.StatusUnknown]
}

// Legend returns every hint ordered by severity.
func Legend() []Hint {
	return []Hint{
		hints[types.StatusUnknown],
		hints[types.StatusHealthy],
		hints[types.StatusWarning],
		hints[types.StatusCritical],
	}
}
