// Package ordering implements fractional indexing: a dense total-order key
// over the reals that lets a new task be inserted between two neighbors
// without touching any other task's order.
package ordering

import (
	"math"

	"github.com/mistervvp/board-coordinator/internal/domain"
)

// exhaustionEpsilon is the authoritative threshold for "the gap between two
// neighbors is too small to subdivide again". The source this spec derives
// from documents both Number.EPSILON and 1e-9 for this check; 1e-9 is
// authoritative because Number.EPSILON is too tight to ever trigger (see
// spec §9, open question).
const exhaustionEpsilon = 1e-9

// Bound represents one side of a Between call: either a concrete order
// value or "unbounded" (the start/end of a column).
type Bound struct {
	set   bool
	value float64
}

// Unbounded is the zero Bound, meaning "no neighbor on this side".
var Unbounded = Bound{}

// At returns a bounded value.
func At(v float64) Bound {
	return Bound{set: true, value: v}
}

// Valid reports whether the bound carries a concrete value.
func (b Bound) Valid() bool { return b.set }

// Value returns the bound's concrete value; callers must check Valid first.
func (b Bound) Value() float64 { return b.value }

// Between computes an order key strictly between prev and next. Per spec
// §4.1: low = prev ?? 0, high = next ?? low + 1, result = (low+high)/2.
// Returns domain.ErrInvalidRange when both sides are bounded and prev >= next.
func Between(prev, next Bound) (float64, error) {
	if prev.set && next.set && prev.value >= next.value {
		return 0, domain.ErrInvalidRange
	}
	low := 0.0
	if prev.set {
		low = prev.value
	}
	high := low + 1
	if next.set {
		high = next.value
	}
	mid := (low + high) / 2
	if math.IsNaN(mid) || math.IsInf(mid, 0) {
		return 0, domain.ErrInvalidRange
	}
	return mid, nil
}

// Exhausted reports whether the gap between two neighboring order keys is
// too small to safely subdivide again, signaling that a rebalance is due.
func Exhausted(a, b float64) bool {
	return math.Abs(b-a) < exhaustionEpsilon
}

// Rebalanced returns n strictly increasing keys with gaps of 1000, dense
// enough for roughly a thousand future insertions between any pair before
// the column needs rebalancing again.
func Rebalanced(n int) []float64 {
	if n <= 0 {
		return nil
	}
	out := make([]float64, n)
	for i := 0; i < n; i++ {
		out[i] = float64(i+1) * 1000
	}
	return out
}
