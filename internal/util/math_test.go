package util

import (
	"math"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMaxOf(t *testing.T) {
	assert.EqualValues(t, math.MaxInt8, MaxOf[int8]())
	assert.EqualValues(t, math.MaxUint8, MaxOf[uint8]())
	assert.EqualValues(t, math.MaxInt16, MaxOf[int16]())
	assert.EqualValues(t, math.MaxUint16, MaxOf[uint16]())
	assert.EqualValues(t, math.MaxInt32, MaxOf[int32]())
	assert.EqualValues(t, math.MaxUint32, MaxOf[uint32]())
	assert.EqualValues(t, math.MaxInt64, MaxOf[int64]())
	assert.EqualValues(t, uint64(math.MaxUint64), MaxOf[uint64]())
}

func TestAlignUp(t *testing.T) {
	assert.Equal(t, 16, AlignUp(1, 16))
	assert.Equal(t, 16, AlignUp(16, 16))
	assert.Equal(t, 1088, AlignUp(1080, 16))
	assert.Equal(t, uint32(0), AlignUp(uint32(0), 16))
}

func TestPeak(t *testing.T) {
	t.Run("keeps maximum", func(t *testing.T) {
		var p Peak
		samples := []int64{3, 10, 4, 10, 2, 12, 0}
		var want int64
		for _, s := range samples {
			raised := p.Observe(s)
			require.Equal(t, s > want, raised)
			if s > want {
				want = s
			}
			require.Equal(t, want, p.Value())
		}
	})

	t.Run("concurrent observers", func(t *testing.T) {
		var (
			p  Peak
			wg sync.WaitGroup
		)
		for g := 0; g < 8; g++ {
			wg.Add(1)
			go func(base int64) {
				defer wg.Done()
				for i := int64(0); i < 1000; i++ {
					p.Observe(base*1000 + i)
				}
			}(int64(g))
		}
		wg.Wait()
		require.EqualValues(t, 7999, p.Value())
	})
}
