package source

import (
	"github.com/jiyeyuran/mppdec/internal/util"
	"golang.org/x/exp/constraints"
)

// IsSeqLowerThan compares serial numbers that wrap at max (default: the
// largest value of T).
func IsSeqLowerThan[T constraints.Unsigned](lhs, rhs T, max ...T) bool {
	maxValue := seqMax(max...)

	return ((rhs > lhs) && (rhs-lhs <= maxValue/2)) ||
		((lhs > rhs) && (lhs-rhs > maxValue/2))
}

func IsSeqHigherThan[T constraints.Unsigned](lhs, rhs T, max ...T) bool {
	maxValue := seqMax(max...)

	return ((lhs > rhs) && (lhs-rhs <= maxValue/2)) ||
		((rhs > lhs) && (rhs-lhs > maxValue/2))
}

func seqMax[T constraints.Unsigned](max ...T) T {
	if len(max) > 0 {
		return max[0]
	}
	return util.MaxOf[T]()
}
