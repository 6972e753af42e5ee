package rawvideo

import (
	"errors"
	"testing"
	"time"

	"github.com/jiyeyuran/mppdec/internal/bufpool"
	"github.com/jiyeyuran/mppdec/internal/codec"
	"github.com/jiyeyuran/mppdec/internal/media"
	"github.com/stretchr/testify/require"
)

const (
	testWidth  = 4
	testHeight = 2
	testPic    = testWidth * testHeight * 3 / 2
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	e := New()
	t.Cleanup(func() { _ = e.Close() })

	cfg, err := e.GetConfig()
	require.NoError(t, err)
	cfg.Width, cfg.Height = testWidth, testHeight
	require.NoError(t, e.SetConfig(cfg))
	return e
}

// poll decodes until a frame arrives or the deadline passes.
func poll(t *testing.T, e *Engine, pkt *media.Packet) *media.Frame {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		f, err := e.Decode(pkt)
		if err != nil && !errors.Is(err, codec.ErrAgain) {
			require.NoError(t, err)
		}
		if f != nil {
			return f
		}
		if pkt != nil && pkt.Length() == 0 {
			pkt = nil
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("timed out waiting for a frame")
	return nil
}

func negotiate(t *testing.T, e *Engine, m *bufpool.Manager, f *media.Frame) *bufpool.Pool {
	t.Helper()
	require.True(t, f.InfoChange)
	pool, err := m.Setup(f.BufSize, 4, bufpool.ModeHalfInternal)
	require.NoError(t, err)
	require.NoError(t, e.SetBufferPool(pool))
	require.NoError(t, e.InfoChangeReady())
	f.Release()
	return pool
}

func picture(seed byte) []byte {
	data := make([]byte, testPic)
	for i := range data {
		data[i] = seed + byte(i)
	}
	return data
}

func TestEngineDecode(t *testing.T) {
	t.Run("info change precedes the first picture", func(t *testing.T) {
		e := newTestEngine(t)
		m := bufpool.NewManager()

		pkt := media.NewPacket()
		pkt.Reset(picture(0))
		f := poll(t, e, pkt)
		require.True(t, f.InfoChange)
		require.Equal(t, testWidth, f.Width)
		require.Equal(t, 16, f.HorStride)
		require.Equal(t, 16, f.VerStride)
		require.Equal(t, 16*16*3/2, f.BufSize)
		require.Nil(t, f.Buffer)

		negotiate(t, e, m, f)
	})

	t.Run("data before acknowledgment is rejected", func(t *testing.T) {
		e := newTestEngine(t)

		pkt := media.NewPacket()
		pkt.Reset(picture(0))
		f := poll(t, e, pkt)
		require.True(t, f.InfoChange)

		pkt.Reset(picture(1))
		_, err := e.Decode(pkt)
		require.ErrorIs(t, err, codec.ErrInfoChangePending)
		require.Equal(t, testPic, pkt.Length())
	})

	t.Run("pictures across packets with eos on the last", func(t *testing.T) {
		e := newTestEngine(t)
		m := bufpool.NewManager()

		stream := append(append(picture(0), picture(10)...), picture(20)...)
		pkt := media.NewPacket()
		// split unevenly so pictures straddle packet boundaries
		pkt.Reset(stream[:5])
		f := poll(t, e, pkt)
		pool := negotiate(t, e, m, f)

		pkt.Reset(stream[5:20])
		for pkt.Length() > 0 {
			_, err := e.Decode(pkt)
			if err != nil {
				require.ErrorIs(t, err, codec.ErrAgain)
			}
		}
		pkt.Reset(stream[20:])
		pkt.SetEOS()

		var frames []*media.Frame
		for {
			f := poll(t, e, pkt)
			pkt = nil
			frames = append(frames, f)
			if f.EOS {
				break
			}
		}

		require.Len(t, frames, 3)
		for i, f := range frames {
			require.False(t, f.InfoChange)
			require.Zero(t, f.ErrInfo)
			require.Equal(t, i == 2, f.EOS)
			luma, chroma := f.Planes()
			require.Equal(t, byte(i*10), luma[0])
			require.Equal(t, byte(i*10+4), luma[16])
			require.Equal(t, byte(i*10+8), chroma[0])
		}
		require.Equal(t, 3, pool.InUse())
		for _, f := range frames {
			f.Release()
		}
		require.Zero(t, pool.InUse())
	})

	t.Run("eos without pending picture yields an empty frame", func(t *testing.T) {
		e := newTestEngine(t)

		pkt := media.NewPacket()
		pkt.SetEOS()
		f := poll(t, e, pkt)
		require.True(t, f.EOS)
		require.True(t, f.Discard)
		require.Nil(t, f.Buffer)
	})

	t.Run("size change is announced again", func(t *testing.T) {
		e := newTestEngine(t)
		m := bufpool.NewManager()

		pkt := media.NewPacket()
		pkt.Reset(picture(0))
		negotiate(t, e, m, poll(t, e, pkt))

		cfg, err := e.GetConfig()
		require.NoError(t, err)
		cfg.Width, cfg.Height = 32, 32
		require.NoError(t, e.SetConfig(cfg))

		pkt = media.NewPacket()
		pkt.Reset(make([]byte, 32*32*3/2))
		f := poll(t, e, pkt)
		// the held picture of the old size is flushed first
		require.False(t, f.InfoChange)
		require.Equal(t, testWidth, f.Width)
		f.Release()

		f = poll(t, e, nil)
		require.True(t, f.InfoChange)
		require.Equal(t, 32, f.Width)
		require.Equal(t, 32*32*3/2, f.BufSize)
	})
}

func TestEngineControl(t *testing.T) {
	e := newTestEngine(t)

	require.Error(t, e.InfoChangeReady(), "nothing to acknowledge")
	require.ErrorIs(t, e.SetBufferPool(nil), codec.ErrNoBufferPool)

	cfg, err := e.GetConfig()
	require.NoError(t, err)
	require.Equal(t, Coding, cfg.Coding)

	bad := cfg
	bad.Width = 3
	require.ErrorIs(t, e.SetConfig(bad), codec.ErrUnsupported)
	bad = cfg
	bad.Coding = "h264"
	require.ErrorIs(t, e.SetConfig(bad), codec.ErrUnsupported)

	require.NoError(t, e.Reset())
	_, err = e.Decode(nil)
	require.ErrorIs(t, err, codec.ErrAgain)

	require.NoError(t, e.Close())
	require.NoError(t, e.Close())
	_, err = e.Decode(nil)
	require.ErrorIs(t, err, codec.ErrClosed)
}

func TestEngineResetReleasesBuffers(t *testing.T) {
	e := newTestEngine(t)
	m := bufpool.NewManager()

	pkt := media.NewPacket()
	pkt.Reset(append(picture(0), picture(1)...))
	pool := negotiate(t, e, m, poll(t, e, pkt))

	// one picture waits in the output queue, the newest one is held back
	require.Eventually(t, func() bool {
		return pool.InUse() == 2
	}, 2*time.Second, time.Millisecond)

	require.NoError(t, e.Reset())
	require.Zero(t, pool.InUse())
	require.NoError(t, m.Close())
}
