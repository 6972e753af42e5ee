package source

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/jiyeyuran/mppdec/internal/bufpool"
)

type FileOption func(*FileSource)

// WithPacketSize sets the chunk size in bytes.
func WithPacketSize(size int) FileOption {
	return func(s *FileSource) {
		if size > 0 {
			s.size = size
		}
	}
}

// WithPacketPool makes the source hand out chunks copied into buffers of pool.
func WithPacketPool(pool *bufpool.Pool) FileOption {
	return func(s *FileSource) {
		s.pool = pool
	}
}

// FileSource cuts an unframed byte stream into fixed size packets. The packet
// that reaches the end of the input carries the end-of-stream flag.
type FileSource struct {
	r      io.ReadSeeker
	closer io.Closer
	size   int
	pool   *bufpool.Pool
	buf    []byte
	held   *bufpool.Buffer
	slot   Slot
	eos    bool
}

func OpenFile(path string, options ...FileOption) (*FileSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("source: %w", err)
	}
	s, err := newFileSource(f, options...)
	if err != nil {
		f.Close()
		return nil, err
	}
	s.closer = f
	return s, nil
}

// NewReader wraps an in-memory or already opened stream.
func NewReader(r io.ReadSeeker, options ...FileOption) (*FileSource, error) {
	return newFileSource(r, options...)
}

func newFileSource(r io.ReadSeeker, options ...FileOption) (*FileSource, error) {
	s := &FileSource{
		r:    r,
		size: DefaultPacketSize,
	}
	for _, option := range options {
		option(s)
	}
	if s.pool != nil && s.pool.Size() < s.size {
		return nil, fmt.Errorf("source: packet pool buffer %d smaller than packet size %d", s.pool.Size(), s.size)
	}
	s.buf = make([]byte, s.size)
	return s, nil
}

func (s *FileSource) Next() (*Slot, error) {
	if s.eos {
		return nil, ErrExhausted
	}
	s.release()

	n, err := io.ReadFull(s.r, s.buf)
	eos := false
	switch {
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		eos = true
	case err != nil:
		return nil, fmt.Errorf("source: read: %w", err)
	}

	data := s.buf[:n]
	if s.pool != nil && n > 0 {
		b, err := s.pool.Get()
		if err != nil {
			return nil, fmt.Errorf("source: packet buffer: %w", err)
		}
		copy(b.Bytes(), data)
		data = b.Bytes()[:n]
		s.held = b
	}

	s.slot = Slot{Data: data, EOS: eos, Buffer: s.held}
	s.eos = eos
	return &s.slot, nil
}

func (s *FileSource) Rewind() error {
	s.release()
	if _, err := s.r.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("source: rewind: %w", err)
	}
	s.eos = false
	return nil
}

func (s *FileSource) Close() error {
	s.release()
	if s.closer != nil {
		return s.closer.Close()
	}
	return nil
}

func (s *FileSource) release() {
	if s.held != nil {
		s.held.Release()
		s.held = nil
	}
	s.slot = Slot{}
}
