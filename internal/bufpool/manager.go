package bufpool

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/btree"
)

// DefaultBufferCount is the headroom requested on an info change on top of the
// engine minimum. It covers the decoder reference set plus the frames in
// flight to the output.
const DefaultBufferCount = 24

type Option func(*Manager)

// WithAllocator replaces the memory allocator used by every pool.
func WithAllocator(alloc Allocator) Option {
	return func(m *Manager) {
		m.alloc = alloc
	}
}

// WithMaxBytes caps the memory backing all pools of the manager.
func WithMaxBytes(n int64) Option {
	return func(m *Manager) {
		m.maxBytes = n
	}
}

// Manager owns the frame buffer pools of one decoder. Only the manager creates
// and destroys pools; users acquire and release buffers.
type Manager struct {
	mu         sync.Mutex
	alloc      Allocator
	maxBytes   int64
	reserved   atomic.Int64
	generation uint64
	current    *Pool
	retired    *btree.BTreeG[*Pool]
}

func NewManager(options ...Option) *Manager {
	m := &Manager{
		alloc: defaultAllocator,
		retired: btree.NewG(2, func(lhs, rhs *Pool) bool {
			return lhs.generation < rhs.generation
		}),
	}
	for _, option := range options {
		option(m)
	}
	return m
}

// Setup returns a pool of buffers of the given size. The current pool is
// returned unchanged when it already matches; otherwise a new pool replaces it
// and the old one is retired until its buffers come back.
func (m *Manager) Setup(size, count int, mode Mode) (*Pool, error) {
	if size <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidSize, size)
	}
	if count <= 0 && mode != ModeInternal {
		return nil, fmt.Errorf("bufpool: invalid buffer count %d for mode %s", count, mode)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.collectLocked()

	if m.current != nil && m.current.size == size && m.current.mode == mode {
		return m.current, nil
	}

	m.generation++
	pool := newPool(m.generation, size, count, mode, m.alloc)
	pool.reserve = m.reserve
	pool.unreserve = m.unreserve

	if mode == ModeExternal {
		if err := pool.preallocate(); err != nil {
			_ = pool.destroy()
			return nil, err
		}
	}

	if old := m.current; old != nil {
		if err := old.destroy(); err != nil {
			m.retired.ReplaceOrInsert(old)
		}
	}
	m.current = pool

	return pool, nil
}

// Current returns the active pool, nil before the first Setup.
func (m *Manager) Current() *Pool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Usage returns the referenced bytes across the active and retired pools.
func (m *Manager) Usage() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	var usage int64
	if m.current != nil {
		usage = m.current.Usage()
	}
	m.retired.Ascend(func(p *Pool) bool {
		usage += p.Usage()
		return true
	})
	return usage
}

// Reserved returns the bytes of memory backing all live pools.
func (m *Manager) Reserved() int64 {
	return m.reserved.Load()
}

// Retired returns the number of replaced pools still waiting for their buffers.
func (m *Manager) Retired() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.retired.Len()
}

// Collect destroys retired pools that no longer have referenced buffers and
// returns how many were destroyed.
func (m *Manager) Collect() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.collectLocked()
}

func (m *Manager) collectLocked() int {
	var idle []*Pool
	m.retired.Ascend(func(p *Pool) bool {
		if p.InUse() == 0 {
			idle = append(idle, p)
		}
		return true
	})
	for _, p := range idle {
		m.retired.Delete(p)
		_ = p.destroy()
	}
	return len(idle)
}

// Destroy releases the memory of a pool. It fails with ErrPoolInUse while any
// buffer of the pool is referenced.
func (m *Manager) Destroy(p *Pool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := p.destroy(); err != nil {
		return err
	}
	if m.current == p {
		m.current = nil
	}
	m.retired.Delete(p)
	return nil
}

// Close destroys every pool. Pools that are still referenced are kept and the
// first ErrPoolInUse is returned.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var firstErr error
	if m.current != nil {
		if err := m.current.destroy(); err != nil {
			firstErr = err
			m.retired.ReplaceOrInsert(m.current)
		}
		m.current = nil
	}

	var pools []*Pool
	m.retired.Ascend(func(p *Pool) bool {
		pools = append(pools, p)
		return true
	})
	for _, p := range pools {
		if err := p.destroy(); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		m.retired.Delete(p)
	}
	return firstErr
}

func (m *Manager) reserve(n int64) error {
	if m.maxBytes <= 0 {
		m.reserved.Add(n)
		return nil
	}
	if m.reserved.Add(n) > m.maxBytes {
		m.reserved.Add(-n)
		return fmt.Errorf("%w: limit %d bytes", ErrResourceExhausted, m.maxBytes)
	}
	return nil
}

func (m *Manager) unreserve(n int64) {
	m.reserved.Add(-n)
}
