package evaluator

import (
	"math"
	"strings"

	"github.com/KafClaw/KafGenome/internal/evolution"
	"github.com/KafClaw/KafGenome/internal/store"
)

// Dimension names, also used as gate_results keys.
const (
	DimVolume      = "volume"
	DimConfidence  = "confidence"
	DimConsistency = "consistency"
	DimEffect      = "effect"
)

// Weights are the fixed per-dimension weights. They come from configuration,
// never from a request.
type Weights struct {
	Volume      float64 `json:"volume"`
	Confidence  float64 `json:"confidence"`
	Consistency float64 `json:"consistency"`
	Effect      float64 `json:"effect"`
}

// DefaultWeights returns the standard weighting.
func DefaultWeights() Weights {
	return Weights{Volume: 0.20, Confidence: 0.30, Consistency: 0.25, Effect: 0.25}
}

func (w Weights) of(dim string) float64 {
	switch dim {
	case DimVolume:
		return w.Volume
	case DimConfidence:
		return w.Confidence
	case DimConsistency:
		return w.Consistency
	case DimEffect:
		return w.Effect
	}
	return 0
}

// Evidence is the aggregate view of every report for one capability.
type Evidence struct {
	Reports          int
	DistinctChildren int
	Contradicting    int
	MeanConfidence   float64 // mean over children of each child's mean
	ErrorRate        *float64
}

// Aggregate summarizes behaviors. Repeated reports from one child count toward
// volume but not toward the spread across children.
func Aggregate(behaviors []store.LearnedBehavior) Evidence {
	var ev Evidence
	perChild := map[string][]float64{}
	var order []string
	var errSum float64
	var errN int
	for _, b := range behaviors {
		ev.Reports++
		if _, ok := perChild[b.ChildID]; !ok {
			order = append(order, b.ChildID)
		}
		perChild[b.ChildID] = append(perChild[b.ChildID], b.Confidence)
		if Contradicts(b.Evidence) {
			ev.Contradicting++
		}
		if r, ok := b.Evidence.Number("error_rate"); ok {
			errSum += r
			errN++
		}
	}
	ev.DistinctChildren = len(order)
	if len(order) > 0 {
		var total float64
		for _, child := range order {
			total += mean(perChild[child])
		}
		ev.MeanConfidence = total / float64(len(order))
	}
	if errN > 0 {
		r := errSum / float64(errN)
		ev.ErrorRate = &r
	}
	return ev
}

// Contradicts reports whether a behavior's evidence argues against the capability.
func Contradicts(evidence evolution.Doc) bool {
	if c, ok := evidence.Bool("contradicts"); ok && c {
		return true
	}
	if outcome, ok := evidence.String("outcome"); ok {
		switch strings.ToLower(strings.TrimSpace(outcome)) {
		case "failure", "regression":
			return true
		}
	}
	return false
}

// Dimensions computes each present dimension in [0,1]. effect is nil when no
// conclusive measurement exists.
func Dimensions(ev Evidence, effect *float64, volumeTarget, minChildren int) map[string]float64 {
	if volumeTarget <= 0 {
		volumeTarget = 1
	}
	if minChildren <= 0 {
		minChildren = 1
	}
	dims := map[string]float64{
		DimVolume:      math.Min(float64(ev.Reports)/float64(volumeTarget), 1),
		DimConfidence:  evolution.ClampUnit(ev.MeanConfidence * math.Min(float64(ev.DistinctChildren)/float64(minChildren), 1)),
		DimConsistency: 0,
	}
	if ev.Reports > 0 {
		dims[DimConsistency] = 1 - float64(ev.Contradicting)/float64(ev.Reports)
	}
	if effect != nil {
		dims[DimEffect] = evolution.ClampUnit(*effect)
	}
	return dims
}

// Score combines dimensions with w, renormalised over the dimensions present.
func Score(dims map[string]float64, w Weights) float64 {
	var sum, weight float64
	for _, dim := range []string{DimVolume, DimConfidence, DimConsistency, DimEffect} {
		v, ok := dims[dim]
		if !ok {
			continue
		}
		wt := w.of(dim)
		sum += wt * v
		weight += wt
	}
	if weight == 0 {
		return 0
	}
	return evolution.ClampUnit(sum / weight)
}

// VerdictFor maps a score onto approved, rejected or needs_review.
func VerdictFor(score, high, low float64) evolution.Verdict {
	switch {
	case score >= high:
		return evolution.VerdictApproved
	case score <= low:
		return evolution.VerdictRejected
	default:
		return evolution.VerdictNeedsReview
	}
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var s float64
	for _, x := range xs {
		s += x
	}
	return s / float64(len(xs))
}
