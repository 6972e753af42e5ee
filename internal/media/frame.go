package media

import (
	"errors"
	"fmt"

	"github.com/jiyeyuran/mppdec/internal/bufpool"
)

// ErrBadGeometry is returned when the visible area of a frame does not fit its
// strides or its buffer.
var ErrBadGeometry = errors.New("media: frame geometry does not fit its buffer")

// Format is the pixel layout of a decoded frame.
type Format int

const (
	FormatNV12 Format = iota
)

func (f Format) String() string {
	switch f {
	case FormatNV12:
		return "nv12"
	}
	return fmt.Sprintf("format(%d)", int(f))
}

func ParseFormat(s string) (Format, error) {
	switch s {
	case "", "nv12", "yuv420sp":
		return FormatNV12, nil
	}
	return 0, fmt.Errorf("unsupported pixel format %q", s)
}

// BufferSize returns the bytes one picture needs at the given strides.
func (f Format) BufferSize(horStride, verStride int) int {
	return horStride * verStride * 3 / 2
}

// Meta carries optional per-frame side information.
type Meta struct {
	TemporalID int
}

// Frame is a decoded picture or an info change notification. The receiver must
// call Release once it is done with the frame.
type Frame struct {
	Width     int
	Height    int
	HorStride int
	VerStride int
	BufSize   int
	Format    Format

	ErrInfo    uint32
	Discard    bool
	EOS        bool
	InfoChange bool
	Meta       *Meta

	Buffer *bufpool.Buffer
}

func (f *Frame) HasMeta() bool {
	return f.Meta != nil
}

// Release drops the reference to the backing buffer. Safe to call twice.
func (f *Frame) Release() {
	if f.Buffer != nil {
		f.Buffer.Release()
		f.Buffer = nil
	}
}

// Planes returns the luma and chroma planes in stride layout. Both are nil for
// frames without a usable buffer.
func (f *Frame) Planes() (luma, chroma []byte) {
	if f.Buffer == nil {
		return nil, nil
	}
	data := f.Buffer.Bytes()
	lumaSize := f.HorStride * f.VerStride
	chromaSize := lumaSize / 2
	if lumaSize <= 0 || len(data) < lumaSize+chromaSize {
		return nil, nil
	}
	return data[:lumaSize], data[lumaSize : lumaSize+chromaSize]
}

// Rows calls fn for each visible row of the frame, luma rows first, then the
// interleaved chroma rows. Frames without a buffer have no rows; fn is not
// called at all when the geometry is bad.
func (f *Frame) Rows(fn func(plane int, row []byte) error) error {
	if f.Buffer == nil {
		return nil
	}
	luma, chroma := f.Planes()
	if luma == nil {
		return fmt.Errorf("%w: strides %dx%d need more than %d bytes",
			ErrBadGeometry, f.HorStride, f.VerStride, f.Buffer.Size())
	}
	if err := f.checkGeometry(len(chroma)); err != nil {
		return err
	}
	for y := 0; y < f.Height; y++ {
		off := y * f.HorStride
		if err := fn(0, luma[off:off+f.Width]); err != nil {
			return err
		}
	}
	for y := 0; y < (f.Height+1)/2; y++ {
		off := y * f.HorStride
		if err := fn(1, chroma[off:off+f.Width]); err != nil {
			return err
		}
	}
	return nil
}

func (f *Frame) checkGeometry(chromaLen int) error {
	if f.Width < 0 || f.Height < 0 || f.Width > f.HorStride || f.Height > f.VerStride {
		return fmt.Errorf("%w: %dx%d in strides %dx%d",
			ErrBadGeometry, f.Width, f.Height, f.HorStride, f.VerStride)
	}
	if rows := (f.Height + 1) / 2; rows > 0 && (rows-1)*f.HorStride+f.Width > chromaLen {
		return fmt.Errorf("%w: %d chroma rows of %d bytes in a %d byte plane",
			ErrBadGeometry, rows, f.Width, chromaLen)
	}
	return nil
}
