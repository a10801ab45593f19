package decision

import (
	"fmt"
	"math"

	"github.com/ShayCichocki/cadence/internal/config"
)

// Scorer computes confidence from factors.
type Scorer struct {
	weights config.Weights
}

// NewScorer validates weights and returns a scorer.
func NewScorer(w config.Weights) (*Scorer, error) {
	if err := w.Validate(); err != nil {
		return nil, err
	}
	return &Scorer{weights: w}, nil
}

// Score returns the weighted sum of clamped factors. accuracy is used when
// f.HistoricalAccuracy is nil. The result is in [0,1].
func (s *Scorer) Score(f Factors, accuracy float64) (float64, error) {
	acc := accuracy
	if f.HistoricalAccuracy != nil {
		acc = *f.HistoricalAccuracy
	}
	for _, x := range []float64{f.Similarity, f.UpstreamValidation, f.TestCoverage, acc, f.Complexity} {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return 0, fmt.Errorf("%w: %v", ErrInvalidFactors, x)
		}
	}

	w := s.weights
	score := w.Similarity*clamp(f.Similarity) +
		w.UpstreamValidation*clamp(f.UpstreamValidation) +
		w.TestCoverage*clamp(f.TestCoverage) +
		w.HistoricalAccuracy*clamp(acc) +
		w.InverseComplexity*(1-clamp(f.Complexity))
	return clamp(score), nil
}

// BandFor maps a confidence score to a band.
func BandFor(score float64, t config.Thresholds) Band {
	switch {
	case score >= t.Auto:
		return BandAuto
	case score >= t.Notice:
		return BandNotice
	case score >= t.Preview:
		return BandPreview
	default:
		return BandApproval
	}
}

func clamp(x float64) float64 {
	if x < 0 {
		return 0
	}
	if x > 1 {
		return 1
	}
	return x
}
