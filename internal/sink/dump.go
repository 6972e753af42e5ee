// Package sink holds the consumers of decoded frames.
package sink

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/jiyeyuran/mppdec/internal/media"
	"github.com/klauspost/compress/zstd"
)

// FrameWriter receives decoded frames in output order.
type FrameWriter interface {
	WriteFrame(f *media.Frame) error
	Close() error
}

// Dumper writes the visible area of every frame as raw NV12, without stride
// padding.
type Dumper struct {
	w       *bufio.Writer
	closers []io.Closer
	frames  int
}

// NewDumper writes to w. Close flushes but does not close w.
func NewDumper(w io.Writer) *Dumper {
	return &Dumper{w: bufio.NewWriter(w)}
}

// NewFileDumper creates path. Paths ending in ".zst" are zstd compressed.
func NewFileDumper(path string) (*Dumper, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("sink: %w", err)
	}
	if !strings.HasSuffix(path, ".zst") {
		d := NewDumper(f)
		d.closers = append(d.closers, f)
		return d, nil
	}

	enc, err := zstd.NewWriter(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("sink: zstd: %w", err)
	}
	d := NewDumper(enc)
	d.closers = append(d.closers, enc, f)
	return d, nil
}

// Frames returns the number of frames written.
func (d *Dumper) Frames() int {
	return d.frames
}

func (d *Dumper) WriteFrame(f *media.Frame) error {
	if f.Buffer == nil {
		return nil
	}
	err := f.Rows(func(_ int, row []byte) error {
		_, err := d.w.Write(row)
		return err
	})
	if err != nil {
		return fmt.Errorf("sink: dump: %w", err)
	}
	d.frames++
	return nil
}

func (d *Dumper) Close() error {
	err := d.w.Flush()
	for _, c := range d.closers {
		if cerr := c.Close(); err == nil {
			err = cerr
		}
	}
	d.closers = nil
	return err
}
