// Package bias implements quantile-mapping bias correction: a monotonic
// transfer function per station that moves simulated water levels onto the
// observed gauge scale, fitted from the overlapping window of historical
// simulation and satellite observations.
package bias

import (
	"sort"

	"gonum.org/v1/gonum/stat"
)

// DefaultBreakpoints is the number of probability breakpoints the empirical
// CDFs are sampled at (the 1st through 99th percentile).
const DefaultBreakpoints = 99

// Mapping is a fitted simulated-to-observed transfer function. It is
// immutable after construction and safe for concurrent use.
type Mapping struct {
	simQ []float64
	obsQ []float64
}

// newMapping samples both distributions at n equally spaced probability
// breakpoints. Inputs need not be sorted; both slices must be non-empty.
func newMapping(sim, obs []float64, n int) *Mapping {
	simSorted := append([]float64(nil), sim...)
	obsSorted := append([]float64(nil), obs...)
	sort.Float64s(simSorted)
	sort.Float64s(obsSorted)

	m := &Mapping{
		simQ: make([]float64, n),
		obsQ: make([]float64, n),
	}
	for i := 0; i < n; i++ {
		p := float64(i+1) / float64(n+1)
		m.simQ[i] = stat.Quantile(p, stat.LinInterp, simSorted, nil)
		m.obsQ[i] = stat.Quantile(p, stat.LinInterp, obsSorted, nil)
	}
	return m
}

// Correct maps a simulated value to the observed scale. Values beyond the
// fitted range are extrapolated with the boundary segment's slope rather
// than clamped, so extreme-event magnitude is preserved.
func (m *Mapping) Correct(x float64) float64 {
	if x != x { // NaN stays missing
		return x
	}
	n := len(m.simQ)
	if x <= m.simQ[0] {
		return m.obsQ[0] + (x-m.simQ[0])*m.slopeAfter(0)
	}
	if x >= m.simQ[n-1] {
		return m.obsQ[n-1] + (x-m.simQ[n-1])*m.slopeBefore(n-1)
	}
	i := sort.SearchFloat64s(m.simQ, x)
	// simQ[i-1] < x <= simQ[i]
	lo, hi := m.simQ[i-1], m.simQ[i]
	if hi == lo {
		return m.obsQ[i]
	}
	t := (x - lo) / (hi - lo)
	return m.obsQ[i-1] + t*(m.obsQ[i]-m.obsQ[i-1])
}

// slopeAfter returns the slope of the first non-degenerate segment at or
// after breakpoint i, falling back to unity when the simulated CDF is flat.
func (m *Mapping) slopeAfter(i int) float64 {
	for j := i; j < len(m.simQ)-1; j++ {
		if w := m.simQ[j+1] - m.simQ[j]; w > 0 {
			return (m.obsQ[j+1] - m.obsQ[j]) / w
		}
	}
	return 1
}

// slopeBefore returns the slope of the last non-degenerate segment at or
// before breakpoint i.
func (m *Mapping) slopeBefore(i int) float64 {
	for j := i; j > 0; j-- {
		if w := m.simQ[j] - m.simQ[j-1]; w > 0 {
			return (m.obsQ[j] - m.obsQ[j-1]) / w
		}
	}
	return 1
}
