package evaluator

import (
	"context"

	"github.com/KafClaw/KafGenome/internal/evolution"
	"github.com/KafClaw/KafGenome/internal/store"
)

// Measurement is the result of running a capability inside a staging environment.
type Measurement struct {
	EffectSize float64
	Conclusive bool
	Metrics    evolution.Doc
}

// Measurer runs a capability in a ready staging environment.
type Measurer interface {
	Measure(ctx context.Context, env store.StagingEnvironment, capability string, candidate evolution.Doc) (Measurement, error)
}

// EvidenceMeasurer reads a pre-computed effect_size from the candidate
// evidence. A candidate without one is inconclusive.
type EvidenceMeasurer struct{}

// Measure implements Measurer.
func (EvidenceMeasurer) Measure(ctx context.Context, env store.StagingEnvironment, capability string, candidate evolution.Doc) (Measurement, error) {
	effect, ok := candidate.Number("effect_size")
	if !ok {
		return Measurement{Conclusive: false, Metrics: evolution.Doc{}}, nil
	}
	return Measurement{
		EffectSize: effect,
		Conclusive: true,
		Metrics: evolution.Doc{
			"effect_size": evolution.Number(effect),
			"staging_env": evolution.String(env.ID),
		},
	}, nil
}
