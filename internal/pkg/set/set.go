package set

import (
	"github.com/zhangyunhao116/skipset"
)

// Set is an ordered set safe for concurrent use.
type Set[T any] struct {
	*skipset.FuncSet[T]
	less func(a, b T) bool
}

func NewFunc[T any](less func(a, b T) bool) *Set[T] {
	return &Set[T]{
		FuncSet: skipset.NewFunc(less),
		less:    less,
	}
}

// NewOrdered returns a set of integers in ascending order.
func NewOrdered[T ~int | ~int32 | ~int64 | ~uint32 | ~uint64]() *Set[T] {
	return NewFunc(func(a, b T) bool { return a < b })
}

func (s *Set[T]) Clear() {
	s.FuncSet = skipset.NewFunc(s.less)
}

func (s *Set[T]) First() (val T, ok bool) {
	s.Range(func(value T) bool {
		val = value
		ok = true
		return false
	})
	return val, ok
}

// PopFirst removes and returns the smallest element. Concurrent callers never
// receive the same element.
func (s *Set[T]) PopFirst() (val T, ok bool) {
	for {
		val, ok = s.First()
		if !ok {
			return val, false
		}
		if s.Remove(val) {
			return val, true
		}
	}
}
