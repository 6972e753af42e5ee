package util

import (
	"sync/atomic"
	"unsafe"

	"golang.org/x/exp/constraints"
)

// MaxOf returns maximum value of type T.
func MaxOf[T constraints.Integer]() T {
	if ^T(0) > 0 {
		return ^T(0)
	}
	var v T
	bits := 8 * unsafe.Sizeof(v)
	return 1<<(bits-1) - 1
}

// AlignUp rounds v up to the next multiple of align. align must be a power of two.
func AlignUp[T constraints.Integer](v, align T) T {
	return (v + align - 1) &^ (align - 1)
}

// Peak keeps the largest value observed. Safe for concurrent use.
type Peak struct {
	v atomic.Int64
}

// Observe records v and reports whether it raised the peak.
func (p *Peak) Observe(v int64) bool {
	for {
		cur := p.v.Load()
		if v <= cur {
			return false
		}
		if p.v.CompareAndSwap(cur, v) {
			return true
		}
	}
}

func (p *Peak) Value() int64 {
	return p.v.Load()
}
