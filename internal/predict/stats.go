package predict

import (
	"math"
	"sort"
	"time"

	"github.com/plc-sentinel/backend/internal/storage/models"
)

// EWMARatio smooths the duration series with an exponential moving average
// seeded from the median of the first three samples, and reports the smoothed
// value relative to that seed. A ratio above 1 means the recent durations
// have drifted up from the early baseline.
//
// Returns (0, false) below three usable samples: the baseline would be
// meaningless.
func EWMARatio(values []float64, alpha float64) (float64, bool) {
	usable := make([]float64, 0, len(values))
	for _, v := range values {
		if !math.IsNaN(v) && !math.IsInf(v, 0) && v > 0 {
			usable = append(usable, v)
		}
	}
	if len(usable) < 3 {
		return 0, false
	}

	base := median(usable[:3])
	e := base
	for _, v := range usable {
		e = alpha*v + (1-alpha)*e
	}

	return e / math.Max(base, 1e-9), true
}

func median(values []float64) float64 {
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	n := len(sorted)
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}

// HawkesProxy approximates self-exciting recurrence without fitting a point
// process: burstiness of inter-arrival gaps, plus the event rate of the most
// recent ~30% of the window relative to the whole window.
type HawkesProxy struct {
	RateRatio  float64
	Burstiness float64
}

// ComputeHawkesProxy needs at least three timestamps to have two gaps.
func ComputeHawkesProxy(timestamps []time.Time) (HawkesProxy, bool) {
	if len(timestamps) < 3 {
		return HawkesProxy{}, false
	}

	sorted := append([]time.Time(nil), timestamps...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Before(sorted[j]) })

	gaps := make([]float64, 0, len(sorted)-1)
	for i := 1; i < len(sorted); i++ {
		gaps = append(gaps, sorted[i].Sub(sorted[i-1]).Seconds())
	}

	mu := mean(gaps)
	sigma := stddev(gaps, mu)

	burstiness := 0.0
	if mu+sigma > 0 {
		burstiness = (sigma - mu) / (sigma + mu)
	}

	totalSpan := math.Max(sorted[len(sorted)-1].Sub(sorted[0]).Seconds(), 1)
	totalRate := float64(len(sorted)) / totalSpan

	recent := sorted[int(float64(len(sorted))*0.7):]
	recentSpan := math.Max(recent[len(recent)-1].Sub(recent[0]).Seconds(), 1)
	recentRate := float64(len(recent)) / recentSpan

	return HawkesProxy{
		RateRatio:  recentRate / totalRate,
		Burstiness: burstiness,
	}, true
}

func mean(values []float64) float64 {
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

func stddev(values []float64, mu float64) float64 {
	var sum float64
	for _, v := range values {
		d := v - mu
		sum += d * d
	}
	return math.Sqrt(sum / float64(len(values)))
}

// ConfidenceLabel grades the predictive verdict by historical sample count
// alone. The cuts are the calibrated defaults (30/20/10).
func ConfidenceLabel(nEvents int, th Thresholds) models.Confidence {
	switch {
	case nEvents >= th.ConfidenceHighSamples:
		return models.ConfidenceHigh
	case nEvents >= th.ConfidenceMedSamples:
		return models.ConfidenceMedium
	case nEvents >= th.ConfidenceLowSamples:
		return models.ConfidenceLow
	default:
		return models.ConfidenceInsufficient
	}
}
