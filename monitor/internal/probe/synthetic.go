package probe

import (
	"context"

	"github.com/pilot-net/portal-health/pkg/types"
)

// SyntheticProbe returns the descriptor's fixed value. Its readings are
// always tagged Synthetic so consumers never mistake them for live data.
type SyntheticProbe struct{}

// NewSyntheticProbe creates the synthetic probe.
func NewSyntheticProbe() *SyntheticProbe { return &SyntheticProbe{} }

func (p *SyntheticProbe) Name() string          { return "synthetic" }
func (p *SyntheticProbe) Kind() types.ProbeKind { return types.KindSynthetic }

func (p *SyntheticProbe) Execute(ctx context.Context, desc types.ProbeDescriptor) types.Reading {
	return execute(ctx, desc.Name, func(ctx context.Context) (types.Reading, error) {
		return types.Reading{
			Value:     desc.Value,
			Synthetic: true,
			Detail:    "synthetic value, no live signal configured",
		}, nil
	})
}
