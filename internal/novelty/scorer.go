package novelty

import (
	"math"

	"github.com/plc-sentinel/backend/internal/storage/models"
)

// minSeriesSamples is the floor below which step-history recency scoring is
// skipped entirely.
const minSeriesSamples = 10

// ScoreCandidates fits a fresh forest on the rule-flagged rows and writes
// AnomalyScore and IsAnomaly back onto each of them. It is only ever called
// on the candidate subset: scoring the full feature set would drown real
// signals in nominal noise.
//
// Below two distinct feature vectors there is nothing for the model to
// separate, so every row keeps a neutral score.
func ScoreCandidates(rows []*models.CycleFeature) {
	if len(rows) == 0 {
		return
	}

	vectors := make([][]float64, len(rows))
	for i, row := range rows {
		vectors[i] = featureVector(row)
	}

	if countDistinct(vectors) < 2 {
		for _, row := range rows {
			row.AnomalyScore = 0
			row.IsAnomaly = false
		}
		return
	}

	forest := Fit(vectors)
	for i, row := range rows {
		score := forest.Score(vectors[i])
		row.AnomalyScore = score
		row.IsAnomaly = score >= DecisionBoundary
	}
}

// ScoreSeries scores a one-dimensional duration series and min-max
// normalises the result to [0, 1]. Returns nil below the sample floor; the
// caller treats that as "no recency signal".
func ScoreSeries(values []float64) []float64 {
	if len(values) < minSeriesSamples {
		return nil
	}

	vectors := make([][]float64, len(values))
	for i, v := range values {
		vectors[i] = []float64{v}
	}

	forest := Fit(vectors)
	scores := make([]float64, len(values))
	lo, hi := math.Inf(1), math.Inf(-1)
	for i := range vectors {
		scores[i] = forest.Score(vectors[i])
		if scores[i] < lo {
			lo = scores[i]
		}
		if scores[i] > hi {
			hi = scores[i]
		}
	}

	span := hi - lo
	for i := range scores {
		scores[i] = (scores[i] - lo) / (span + 1e-9)
	}
	return scores
}

func featureVector(row *models.CycleFeature) []float64 {
	return []float64{
		float64(row.NEvents),
		float64(row.NErrors),
		row.DurationS,
		float64(row.NSteps),
		float64(row.MachineOrder),
		row.CycleDurationS,
	}
}

func countDistinct(vectors [][]float64) int {
	distinct := 0
	for i, v := range vectors {
		dup := false
		for j := 0; j < i; j++ {
			if equalVec(v, vectors[j]) {
				dup = true
				break
			}
		}
		if !dup {
			distinct++
		}
	}
	return distinct
}

func equalVec(a, b []float64) bool {
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
