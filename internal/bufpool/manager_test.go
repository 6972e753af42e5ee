package bufpool

import (
	"errors"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManagerSetup(t *testing.T) {
	t.Run("same size returns the current pool", func(t *testing.T) {
		m := NewManager()
		p1, err := m.Setup(4096, DefaultBufferCount, ModeHalfInternal)
		require.NoError(t, err)

		p2, err := m.Setup(4096, DefaultBufferCount, ModeHalfInternal)
		require.NoError(t, err)
		require.Same(t, p1, p2)
		require.Equal(t, uint64(1), p2.Generation())
	})

	t.Run("new size replaces an idle pool", func(t *testing.T) {
		m := NewManager()
		p1, err := m.Setup(4096, 4, ModeHalfInternal)
		require.NoError(t, err)

		p2, err := m.Setup(8192, 4, ModeHalfInternal)
		require.NoError(t, err)
		require.NotSame(t, p1, p2)
		require.True(t, p1.Destroyed())
		require.Equal(t, 0, m.Retired())
		require.Same(t, p2, m.Current())
	})

	t.Run("referenced pool is retired until released", func(t *testing.T) {
		m := NewManager()
		p1, err := m.Setup(4096, 4, ModeHalfInternal)
		require.NoError(t, err)
		b, err := p1.Get()
		require.NoError(t, err)

		p2, err := m.Setup(1024, 4, ModeHalfInternal)
		require.NoError(t, err)
		require.False(t, p1.Destroyed())
		require.Equal(t, 1, m.Retired())
		require.EqualValues(t, 4096, m.Usage())

		// buffers of the old pool stay valid while referenced
		require.Len(t, b.Bytes(), 4096)
		b.Release()

		require.Equal(t, 1, m.Collect())
		require.True(t, p1.Destroyed())
		require.False(t, p2.Destroyed())
		require.Zero(t, m.Usage())
	})

	t.Run("invalid arguments", func(t *testing.T) {
		m := NewManager()
		_, err := m.Setup(0, 4, ModeHalfInternal)
		require.ErrorIs(t, err, ErrInvalidSize)

		_, err = m.Setup(16, 0, ModeExternal)
		require.Error(t, err)

		_, err = m.Setup(16, 0, ModeInternal)
		require.NoError(t, err)
	})
}

func TestManagerDestroy(t *testing.T) {
	m := NewManager()
	p, err := m.Setup(256, 2, ModeHalfInternal)
	require.NoError(t, err)

	b, err := p.Get()
	require.NoError(t, err)

	err = m.Destroy(p)
	require.ErrorIs(t, err, ErrPoolInUse)
	require.False(t, p.Destroyed())

	b.Release()
	require.NoError(t, m.Destroy(p))
	require.Nil(t, m.Current())
	require.ErrorIs(t, m.Destroy(p), ErrPoolDestroyed)

	_, err = p.Get()
	require.ErrorIs(t, err, ErrPoolDestroyed)
	require.Zero(t, m.Reserved())
}

func TestManagerClose(t *testing.T) {
	m := NewManager()
	p, err := m.Setup(128, 2, ModeHalfInternal)
	require.NoError(t, err)

	b, err := p.Get()
	require.NoError(t, err)

	require.ErrorIs(t, m.Close(), ErrPoolInUse)

	b.Release()
	require.NoError(t, m.Close())
	require.True(t, p.Destroyed())
	require.Zero(t, m.Reserved())
}

func TestManagerResourceExhaustion(t *testing.T) {
	t.Run("allocator failure", func(t *testing.T) {
		m := NewManager(WithAllocator(func(size int) ([]byte, error) {
			return nil, errors.New("out of memory")
		}))
		p, err := m.Setup(64, 2, ModeHalfInternal)
		require.NoError(t, err)

		_, err = p.Get()
		require.ErrorIs(t, err, ErrResourceExhausted)
		require.Zero(t, p.Allocated())
		require.Zero(t, m.Reserved())
	})

	t.Run("external mode fails on setup", func(t *testing.T) {
		m := NewManager(WithMaxBytes(3 * 64))
		_, err := m.Setup(64, 4, ModeExternal)
		require.ErrorIs(t, err, ErrResourceExhausted)
		require.Nil(t, m.Current())
		require.Zero(t, m.Reserved())
	})

	t.Run("byte limit", func(t *testing.T) {
		m := NewManager(WithMaxBytes(2 * 64))
		p, err := m.Setup(64, 8, ModeInternal)
		require.NoError(t, err)

		b1, err := p.Get()
		require.NoError(t, err)
		_, err = p.Get()
		require.NoError(t, err)
		_, err = p.Get()
		require.ErrorIs(t, err, ErrResourceExhausted)

		b1.Release()
		_, err = p.Get()
		require.NoError(t, err)
	})
}

func TestPoolGet(t *testing.T) {
	t.Run("count limit", func(t *testing.T) {
		m := NewManager()
		p, err := m.Setup(32, 2, ModeHalfInternal)
		require.NoError(t, err)

		b1, err := p.Get()
		require.NoError(t, err)
		b2, err := p.Get()
		require.NoError(t, err)
		_, err = p.Get()
		require.ErrorIs(t, err, ErrPoolExhausted)
		require.EqualValues(t, 64, p.Usage())

		b1.Release()
		b3, err := p.Get()
		require.NoError(t, err)
		require.Equal(t, b1.Index(), b3.Index())
		require.Equal(t, 2, p.Allocated())

		b2.Release()
		b3.Release()
		require.Zero(t, p.Usage())
	})

	t.Run("external preallocates", func(t *testing.T) {
		m := NewManager()
		p, err := m.Setup(32, 3, ModeExternal)
		require.NoError(t, err)
		require.Equal(t, 3, p.Allocated())
		require.Zero(t, p.InUse())
		require.EqualValues(t, 96, m.Reserved())
	})

	t.Run("refs keep the buffer out of the free list", func(t *testing.T) {
		m := NewManager()
		p, err := m.Setup(32, 1, ModeHalfInternal)
		require.NoError(t, err)

		b, err := p.Get()
		require.NoError(t, err)
		b.Ref()
		b.Release()
		_, err = p.Get()
		require.ErrorIs(t, err, ErrPoolExhausted)

		b.Release()
		require.Panics(t, func() { b.Release() })
	})

	t.Run("concurrent get and release", func(t *testing.T) {
		m := NewManager()
		p, err := m.Setup(16, 4, ModeHalfInternal)
		require.NoError(t, err)

		var wg sync.WaitGroup
		for g := 0; g < 8; g++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for i := 0; i < 500; i++ {
					b, err := p.Get()
					if err != nil {
						continue
					}
					assert.LessOrEqual(t, p.InUse(), 4)
					b.Release()
				}
			}()
		}
		wg.Wait()

		require.Zero(t, p.InUse())
		require.LessOrEqual(t, p.Allocated(), 4)
	})
}

func TestPoolDestroyRacingGet(t *testing.T) {
	for round := 0; round < 50; round++ {
		m := NewManager()
		p, err := m.Setup(64, 4, ModeHalfInternal)
		require.NoError(t, err)

		var (
			wg         sync.WaitGroup
			stale      atomic.Int32
			unexpected atomic.Int32
		)
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 1000; i++ {
				b, err := p.Get()
				if errors.Is(err, ErrPoolDestroyed) {
					return
				}
				if err != nil {
					unexpected.Add(1)
					continue
				}
				if _, ok := p.buffers.Load(b.Index()); !ok {
					stale.Add(1)
				}
				b.Release()
			}
		}()

		for {
			err := m.Destroy(p)
			if err == nil {
				break
			}
			require.ErrorIs(t, err, ErrPoolInUse)
			runtime.Gosched()
		}
		wg.Wait()

		require.Zero(t, stale.Load(), "a buffer was handed out of a destroyed pool")
		require.Zero(t, unexpected.Load())
		require.True(t, p.Destroyed())
		require.Zero(t, p.Allocated())
		require.Zero(t, m.Reserved())
	}
}

func TestParseMode(t *testing.T) {
	for _, mode := range []Mode{ModeHalfInternal, ModeInternal, ModeExternal} {
		parsed, err := ParseMode(mode.String())
		require.NoError(t, err)
		require.Equal(t, mode, parsed)
	}
	_, err := ParseMode("bogus")
	require.Error(t, err)
}
