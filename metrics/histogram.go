package metrics

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// DefaultBins is the bucket count used for training histograms.
const DefaultBins = 30

// Histogram summarises a sample of values. Edges has len(Counts)+1 entries.
type Histogram struct {
	Count  int       `json:"count"`
	Min    float64   `json:"min"`
	Max    float64   `json:"max"`
	Mean   float64   `json:"mean"`
	StdDev float64   `json:"std_dev"`
	Edges  []float64 `json:"edges"`
	Counts []float64 `json:"counts"`
}

// NewHistogram buckets the finite entries of values into bins equal-width
// buckets. Non-finite values are dropped. An empty sample yields a zero
// Histogram.
func NewHistogram(values []float64, bins int) *Histogram {
	if bins < 1 {
		bins = DefaultBins
	}
	x := make([]float64, 0, len(values))
	for _, v := range values {
		if !math.IsNaN(v) && !math.IsInf(v, 0) {
			x = append(x, v)
		}
	}
	if len(x) == 0 {
		return &Histogram{}
	}
	sort.Float64s(x)

	lo, hi := x[0], x[len(x)-1]
	if hi == lo {
		hi = lo + 1
	}
	edges := floats.Span(make([]float64, bins+1), lo, hi)
	// stat.Histogram treats the last divider as exclusive.
	edges[bins] = math.Nextafter(hi, math.Inf(1))

	mean, std := stat.MeanStdDev(x, nil)
	if len(x) == 1 {
		std = 0
	}
	return &Histogram{
		Count:  len(x),
		Min:    x[0],
		Max:    x[len(x)-1],
		Mean:   mean,
		StdDev: std,
		Edges:  edges,
		Counts: stat.Histogram(nil, edges, x, nil),
	}
}
