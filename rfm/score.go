package rfm

import (
	"errors"
	"fmt"
	"math"
	"sort"
)

// ErrInsufficientDistinctValues is returned when a dimension cannot be cut
// into equal-population bins.
var ErrInsufficientDistinctValues = errors.New("insufficient distinct values for quartile segmentation")

// Dimension names used in errors and metrics.
const (
	DimRecency   = "recency"
	DimFrequency = "frequency"
	DimMonetary  = "monetary"
)

// DimensionError reports which dimension could not be scored.
type DimensionError struct {
	Dimension string
	Distinct  int
	Quantiles int
	Err       error
}

func (e *DimensionError) Error() string {
	return fmt.Sprintf("%s: %v (%d distinct, %d bins)", e.Dimension, e.Err, e.Distinct, e.Quantiles)
}

func (e *DimensionError) Unwrap() error { return e.Err }

// Score assigns sub-scores, composite score and segment to each row. The
// input is not modified. An empty input yields an empty result.
func Score(rows []CustomerRFM, cfg Config) ([]CustomerRFM, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	out := make([]CustomerRFM, len(rows))
	copy(out, rows)
	if len(out) == 0 {
		return out, nil
	}

	recency := make([]float64, len(out))
	frequency := make([]float64, len(out))
	monetary := make([]float64, len(out))
	for i, r := range out {
		recency[i] = float64(r.Recency)
		frequency[i] = float64(r.Frequency)
		monetary[i] = r.Monetary.InexactFloat64()
	}

	switch cfg.FrequencyTieBreak {
	case TieBreakFirst:
		frequency = ordinalRanks(frequency)
	default:
		frequency = denseRanks(frequency)
	}

	r, err := QuantileCut(DimRecency, recency, cfg.Quantiles, cfg.RecencyLabels)
	if err != nil {
		return nil, err
	}
	f, err := QuantileCut(DimFrequency, frequency, cfg.Quantiles, cfg.FrequencyLabels)
	if err != nil {
		return nil, err
	}
	m, err := QuantileCut(DimMonetary, monetary, cfg.Quantiles, cfg.MonetaryLabels)
	if err != nil {
		return nil, err
	}

	for i := range out {
		out[i].RScore = r[i]
		out[i].FScore = f[i]
		out[i].MScore = m[i]
		out[i].Score = r[i] + f[i] + m[i]
		out[i].Segment = cfg.Ladder.Segment(out[i].Score)
	}
	return out, nil
}

// QuantileCut splits values into q equal-population bins using linearly
// interpolated quantile edges. Bins are right-closed and the first bin also
// holds the minimum. The returned labels follow order. Fewer than q distinct
// values, or edges that coincide, yield ErrInsufficientDistinctValues.
func QuantileCut(dimension string, values []float64, q int, order LabelOrder) ([]int, error) {
	distinct := countDistinct(values)
	if distinct < q {
		return nil, &DimensionError{Dimension: dimension, Distinct: distinct, Quantiles: q, Err: ErrInsufficientDistinctValues}
	}

	edges := QuantileEdges(values, q)
	for i := 1; i < len(edges); i++ {
		if !(edges[i] > edges[i-1]) {
			return nil, &DimensionError{Dimension: dimension, Distinct: distinct, Quantiles: q, Err: ErrInsufficientDistinctValues}
		}
	}

	labels := make([]int, len(values))
	for i, v := range values {
		bin := sort.SearchFloat64s(edges[1:], v)
		if bin >= q {
			bin = q - 1
		}
		labels[i] = order.label(bin, q)
	}
	return labels, nil
}

// QuantileEdges returns the q+1 bin edges of values at probabilities
// 0, 1/q, ..., 1, interpolating linearly between order statistics.
func QuantileEdges(values []float64, q int) []float64 {
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	n := len(sorted)

	edges := make([]float64, q+1)
	for i := 0; i <= q; i++ {
		pos := float64(i) * float64(n-1) / float64(q)
		lo := int(math.Floor(pos))
		frac := pos - float64(lo)
		edges[i] = sorted[lo]
		if frac > 0 && lo+1 < n {
			edges[i] += (sorted[lo+1] - sorted[lo]) * frac
		}
	}
	return edges
}

func countDistinct(values []float64) int {
	seen := make(map[float64]struct{}, len(values))
	for _, v := range values {
		seen[v] = struct{}{}
	}
	return len(seen)
}

// denseRanks ranks values 1..k where k is the number of distinct values.
func denseRanks(values []float64) []float64 {
	distinct := make([]float64, 0, len(values))
	seen := make(map[float64]struct{}, len(values))
	for _, v := range values {
		if _, ok := seen[v]; !ok {
			seen[v] = struct{}{}
			distinct = append(distinct, v)
		}
	}
	sort.Float64s(distinct)
	rank := make(map[float64]float64, len(distinct))
	for i, v := range distinct {
		rank[v] = float64(i + 1)
	}
	out := make([]float64, len(values))
	for i, v := range values {
		out[i] = rank[v]
	}
	return out
}

// ordinalRanks ranks values 1..n, breaking ties by position.
func ordinalRanks(values []float64) []float64 {
	idx := make([]int, len(values))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool { return values[idx[a]] < values[idx[b]] })
	out := make([]float64, len(values))
	for rank, i := range idx {
		out[i] = float64(rank + 1)
	}
	return out
}
