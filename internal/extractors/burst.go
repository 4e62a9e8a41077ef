package extractors

import (
	"math"
	"sort"
	"time"

	"github.com/miradorstack/deploywatch-rca/internal/models"
)

// BurstDetector flags seconds whose error volume stands out from the rest of the excerpt.
type BurstDetector struct {
	threshold float64
	minCount  int
}

// NewBurstDetector constructs a detector with a z-score threshold (default 2.0).
func NewBurstDetector(threshold float64) *BurstDetector {
	if threshold <= 0 {
		threshold = 2.0
	}
	return &BurstDetector{threshold: threshold, minCount: 3}
}

// Detect buckets error timestamps per second and returns buckets scoring above the threshold.
func (d *BurstDetector) Detect(timestamps []time.Time) []models.ErrorBurst {
	if len(timestamps) < d.minCount {
		return nil
	}

	buckets := make(map[time.Time]int)
	for _, ts := range timestamps {
		buckets[ts.Truncate(time.Second)]++
	}

	starts := make([]time.Time, 0, len(buckets))
	counts := make([]float64, 0, len(buckets))
	for start := range buckets {
		starts = append(starts, start)
	}
	sort.Slice(starts, func(i, j int) bool { return starts[i].Before(starts[j]) })
	for _, start := range starts {
		counts = append(counts, float64(buckets[start]))
	}

	// A single bucket holding every error is a burst by definition.
	if len(starts) == 1 {
		return []models.ErrorBurst{{Start: starts[0], Count: buckets[starts[0]], Score: d.threshold}}
	}

	avg := mean(counts)
	std := stdDev(counts, avg)
	if std == 0 {
		return nil
	}

	var bursts []models.ErrorBurst
	for i, start := range starts {
		score := (counts[i] - avg) / std
		if score >= d.threshold && buckets[start] >= d.minCount {
			bursts = append(bursts, models.ErrorBurst{Start: start, Count: buckets[start], Score: score})
		}
	}
	return bursts
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	total := 0.0
	for _, v := range values {
		total += v
	}
	return total / float64(len(values))
}

func stdDev(values []float64, avg float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		diff := v - avg
		sum += diff * diff
	}
	return math.Sqrt(sum / float64(len(values)))
}
