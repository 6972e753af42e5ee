package bufpool

import (
	"errors"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/jiyeyuran/mppdec/internal/pkg/set"
	"github.com/zhangyunhao116/skipmap"
)

var (
	ErrPoolInUse         = errors.New("bufpool: pool still referenced")
	ErrPoolDestroyed     = errors.New("bufpool: pool destroyed")
	ErrPoolExhausted     = errors.New("bufpool: no free buffer")
	ErrResourceExhausted = errors.New("bufpool: resource exhausted")
	ErrInvalidSize       = errors.New("bufpool: invalid buffer size")
)

// Mode selects how a pool allocates its buffers.
type Mode int

const (
	// ModeHalfInternal allocates lazily up to the pool count.
	ModeHalfInternal Mode = iota
	// ModeInternal allocates lazily without a count limit.
	ModeInternal
	// ModeExternal preallocates every buffer when the pool is created.
	ModeExternal
)

func (m Mode) String() string {
	switch m {
	case ModeHalfInternal:
		return "half_internal"
	case ModeInternal:
		return "internal"
	case ModeExternal:
		return "external"
	}
	return fmt.Sprintf("mode(%d)", int(m))
}

func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(s) {
	case "", "half_internal", "half-internal":
		return ModeHalfInternal, nil
	case "internal":
		return ModeInternal, nil
	case "external":
		return ModeExternal, nil
	}
	return 0, fmt.Errorf("unknown buffer mode %q", s)
}

// Allocator returns backing memory for one buffer.
type Allocator func(size int) ([]byte, error)

func defaultAllocator(size int) ([]byte, error) {
	return make([]byte, size), nil
}

// Buffer is one fixed-size, reference counted block owned by a Pool.
type Buffer struct {
	pool  *Pool
	index int
	data  []byte
	refs  atomic.Int32
}

func (b *Buffer) Bytes() []byte {
	return b.data
}

func (b *Buffer) Size() int {
	return len(b.data)
}

func (b *Buffer) Index() int {
	return b.index
}

func (b *Buffer) Pool() *Pool {
	return b.pool
}

// Ref adds a reference. The caller must already hold one.
func (b *Buffer) Ref() {
	if b.refs.Add(1) <= 1 {
		panic("bufpool: ref on released buffer")
	}
}

// Release drops a reference. The buffer returns to its pool at zero.
func (b *Buffer) Release() {
	refs := b.refs.Add(-1)
	if refs < 0 {
		panic("bufpool: release at 0 refs")
	}
	if refs == 0 {
		b.pool.put(b)
	}
}

// Pool is a set of equally sized buffers. Pools are replaced, never resized.
type Pool struct {
	generation uint64
	size       int
	count      int
	mode       Mode
	alloc      Allocator
	reserve    func(n int64) error
	unreserve  func(n int64)

	buffers   *skipmap.IntMap[*Buffer]
	free      *set.Set[int]
	nextIndex atomic.Int64
	allocated atomic.Int32
	inUse     atomic.Int32
	getting   atomic.Int32
	destroyed atomic.Bool
}

func newPool(generation uint64, size, count int, mode Mode, alloc Allocator) *Pool {
	return &Pool{
		generation: generation,
		size:       size,
		count:      count,
		mode:       mode,
		alloc:      alloc,
		buffers:    skipmap.NewInt[*Buffer](),
		free:       set.NewOrdered[int](),
	}
}

func (p *Pool) Generation() uint64 {
	return p.generation
}

// Size is the size in bytes of every buffer in the pool.
func (p *Pool) Size() int {
	return p.size
}

func (p *Pool) Count() int {
	return p.count
}

func (p *Pool) Mode() Mode {
	return p.mode
}

// Allocated returns the number of buffers currently backed by memory.
func (p *Pool) Allocated() int {
	return int(p.allocated.Load())
}

// InUse returns the number of referenced buffers.
func (p *Pool) InUse() int {
	return int(p.inUse.Load())
}

// Usage returns the bytes held by referenced buffers. It never blocks.
func (p *Pool) Usage() int64 {
	return int64(p.inUse.Load()) * int64(p.size)
}

func (p *Pool) Destroyed() bool {
	return p.destroyed.Load()
}

// Get hands out a free buffer holding one reference.
func (p *Pool) Get() (*Buffer, error) {
	// destroy backs off while a Get is between this check and inUse.
	p.getting.Add(1)
	defer p.getting.Add(-1)

	if p.destroyed.Load() {
		return nil, ErrPoolDestroyed
	}

	if idx, ok := p.free.PopFirst(); ok {
		if b, found := p.buffers.Load(idx); found {
			b.refs.Store(1)
			p.inUse.Add(1)
			return b, nil
		}
	}

	b, err := p.allocate()
	if err != nil {
		return nil, err
	}
	b.refs.Store(1)
	p.inUse.Add(1)
	return b, nil
}

func (p *Pool) allocate() (*Buffer, error) {
	n := p.allocated.Add(1)
	if p.mode != ModeInternal && int(n) > p.count {
		p.allocated.Add(-1)
		return nil, ErrPoolExhausted
	}

	if p.reserve != nil {
		if err := p.reserve(int64(p.size)); err != nil {
			p.allocated.Add(-1)
			return nil, err
		}
	}

	data, err := p.alloc(p.size)
	if err == nil && len(data) < p.size {
		err = fmt.Errorf("short allocation %d < %d", len(data), p.size)
	}
	if err != nil {
		p.allocated.Add(-1)
		if p.unreserve != nil {
			p.unreserve(int64(p.size))
		}
		return nil, fmt.Errorf("%w: %v", ErrResourceExhausted, err)
	}

	b := &Buffer{
		pool:  p,
		index: int(p.nextIndex.Add(1) - 1),
		data:  data[:p.size],
	}
	p.buffers.Store(b.index, b)
	return b, nil
}

// preallocate fills the free list with the full buffer count.
func (p *Pool) preallocate() error {
	for i := 0; i < p.count; i++ {
		b, err := p.allocate()
		if err != nil {
			return err
		}
		p.free.Add(b.index)
	}
	return nil
}

func (p *Pool) put(b *Buffer) {
	p.inUse.Add(-1)
	if p.destroyed.Load() {
		p.drop(b)
		return
	}
	p.free.Add(b.index)
}

func (p *Pool) drop(b *Buffer) {
	if _, found := p.buffers.LoadAndDelete(b.index); !found {
		return
	}
	p.allocated.Add(-1)
	if p.unreserve != nil {
		p.unreserve(int64(p.size))
	}
}

// destroy marks the pool first and then looks for users, so that a racing Get
// either sees the mark or is seen here.
func (p *Pool) destroy() error {
	if !p.destroyed.CompareAndSwap(false, true) {
		return ErrPoolDestroyed
	}
	if inUse, getting := p.inUse.Load(), p.getting.Load(); inUse > 0 || getting > 0 {
		p.destroyed.Store(false)
		return fmt.Errorf("%w: generation %d has %d buffers referenced", ErrPoolInUse, p.generation, inUse)
	}
	p.buffers.Range(func(_ int, b *Buffer) bool {
		p.drop(b)
		return true
	})
	p.free.Clear()
	return nil
}
