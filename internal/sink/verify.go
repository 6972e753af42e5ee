package sink

import (
	"bufio"
	"fmt"
	"hash/crc32"
	"io"
	"os"

	"github.com/jiyeyuran/mppdec/internal/media"
)

// DefaultCRCSums is the number of row accumulators per plane.
const DefaultCRCSums = 512

// PlaneCRC is the checksum state of one plane. Row byte sums are folded into
// Sums by row index modulo len(Sums).
type PlaneCRC struct {
	Len  int
	Sums []uint64
	CRC  uint32
}

func (p *PlaneCRC) reset() {
	p.Len = 0
	p.CRC = 0
	clear(p.Sums)
}

func (p *PlaneCRC) add(row int, data []byte) {
	var sum uint64
	for _, b := range data {
		sum += uint64(b)
	}
	if len(p.Sums) > 0 {
		p.Sums[row%len(p.Sums)] += sum
	}
	p.CRC = crc32.Update(p.CRC, crc32.IEEETable, data)
	p.Len += len(data)
}

// Digest folds the row sums into one value.
func (p *PlaneCRC) Digest() uint64 {
	var d uint64
	for _, s := range p.Sums {
		d = d*31 + s
	}
	return d
}

// FrameCRC is the per-run scratch state of the verifier.
type FrameCRC struct {
	Luma   PlaneCRC
	Chroma PlaneCRC
}

func NewFrameCRC(sums int) *FrameCRC {
	return &FrameCRC{
		Luma:   PlaneCRC{Sums: make([]uint64, sums)},
		Chroma: PlaneCRC{Sums: make([]uint64, sums)},
	}
}

// Calc replaces the state with the checksums of the visible area of f.
func (c *FrameCRC) Calc(f *media.Frame) error {
	c.Luma.reset()
	c.Chroma.reset()

	lumaRow, chromaRow := 0, 0
	return f.Rows(func(plane int, row []byte) error {
		if plane == 0 {
			c.Luma.add(lumaRow, row)
			lumaRow++
		} else {
			c.Chroma.add(chromaRow, row)
			chromaRow++
		}
		return nil
	})
}

// Verifier appends one checksum record per frame.
type Verifier struct {
	w       *bufio.Writer
	closer  io.Closer
	records int
}

func NewVerifier(w io.Writer) *Verifier {
	return &Verifier{w: bufio.NewWriter(w)}
}

func NewFileVerifier(path string) (*Verifier, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("sink: %w", err)
	}
	v := NewVerifier(f)
	v.closer = f
	return v, nil
}

func (v *Verifier) Records() int {
	return v.records
}

// WriteFrame computes the checksums of f into crc and records them.
func (v *Verifier) WriteFrame(index int, f *media.Frame, crc *FrameCRC) error {
	if err := crc.Calc(f); err != nil {
		return fmt.Errorf("sink: verify: %w", err)
	}
	_, err := fmt.Fprintf(v.w, "frame %d luma %d %08x %016x chroma %d %08x %016x\n",
		index,
		crc.Luma.Len, crc.Luma.CRC, crc.Luma.Digest(),
		crc.Chroma.Len, crc.Chroma.CRC, crc.Chroma.Digest())
	if err != nil {
		return fmt.Errorf("sink: verify: %w", err)
	}
	v.records++
	return nil
}

func (v *Verifier) Close() error {
	err := v.w.Flush()
	if v.closer != nil {
		if cerr := v.closer.Close(); err == nil {
			err = cerr
		}
		v.closer = nil
	}
	return err
}
