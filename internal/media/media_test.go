package media

import (
	"testing"

	"github.com/jiyeyuran/mppdec/internal/bufpool"
	"github.com/stretchr/testify/require"
)

func TestPacket(t *testing.T) {
	p := NewPacket()
	p.Reset([]byte("abcdef"))
	require.Equal(t, 6, p.Length())
	require.False(t, p.EOS())

	p.Consume(4)
	require.Equal(t, 2, p.Length())
	require.Equal(t, []byte("ef"), p.Remaining())

	p.Consume(10)
	require.Zero(t, p.Length())
	require.Equal(t, 6, p.Size())

	p.SetEOS()
	p.Reset([]byte("x"))
	require.False(t, p.EOS(), "Reset must clear eos")
	require.Equal(t, 0, p.Pos())
}

func TestFramePlanesAndRows(t *testing.T) {
	m := bufpool.NewManager()
	defer m.Close()

	pool, err := m.Setup(FormatNV12.BufferSize(8, 4), 1, bufpool.ModeHalfInternal)
	require.NoError(t, err)
	buf, err := pool.Get()
	require.NoError(t, err)
	for i := range buf.Bytes() {
		buf.Bytes()[i] = byte(i)
	}

	f := &Frame{Width: 6, Height: 4, HorStride: 8, VerStride: 4, Buffer: buf}
	luma, chroma := f.Planes()
	require.Len(t, luma, 32)
	require.Len(t, chroma, 16)

	var rows [][]byte
	err = f.Rows(func(plane int, row []byte) error {
		rows = append(rows, row)
		return nil
	})
	require.NoError(t, err)
	require.Len(t, rows, 6)
	require.Equal(t, []byte{8, 9, 10, 11, 12, 13}, rows[1])
	require.Equal(t, []byte{40, 41, 42, 43, 44, 45}, rows[5])

	f.Release()
	f.Release()
	require.Nil(t, f.Buffer)
	require.Zero(t, pool.InUse())
}

func TestFrameRowsRejectsBadGeometry(t *testing.T) {
	m := bufpool.NewManager()
	defer m.Close()

	pool, err := m.Setup(18, 1, bufpool.ModeHalfInternal)
	require.NoError(t, err)
	buf, err := pool.Get()
	require.NoError(t, err)
	defer buf.Release()

	testCases := []struct {
		name  string
		frame Frame
	}{
		{"odd height without chroma padding", Frame{Width: 4, Height: 3, HorStride: 4, VerStride: 3}},
		{"width beyond stride", Frame{Width: 6, Height: 2, HorStride: 4, VerStride: 3}},
		{"height beyond stride", Frame{Width: 2, Height: 4, HorStride: 4, VerStride: 3}},
		{"strides beyond buffer", Frame{Width: 4, Height: 4, HorStride: 4, VerStride: 4}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			f := tc.frame
			f.Buffer = buf

			calls := 0
			err := f.Rows(func(int, []byte) error {
				calls++
				return nil
			})
			require.ErrorIs(t, err, ErrBadGeometry)
			require.Zero(t, calls)
		})
	}
}
