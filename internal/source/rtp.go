package source

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/pion/rtp"
)

// RTPSource reads a capture of RTP packets, each stored behind a 16 bit big
// endian length. Payloads up to and including a marker packet form one access
// unit, which is handed out as one packet.
type RTPSource struct {
	r       io.ReadSeeker
	closer  io.Closer
	hdr     [2]byte
	rec     []byte
	pkt     rtp.Packet
	data    []byte
	slot    Slot
	started bool
	lastSeq uint16
	dropped int
	lost    int
	eos     bool
}

func OpenRTP(path string) (*RTPSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("source: %w", err)
	}
	s := NewRTPReader(f)
	s.closer = f
	return s, nil
}

func NewRTPReader(r io.ReadSeeker) *RTPSource {
	return &RTPSource{r: r}
}

// Dropped returns the number of late or duplicated packets skipped so far.
func (s *RTPSource) Dropped() int {
	return s.dropped
}

// Lost returns the number of sequence numbers skipped over so far. A late
// packet filling a gap is still dropped and the gap stays counted.
func (s *RTPSource) Lost() int {
	return s.lost
}

func (s *RTPSource) Next() (*Slot, error) {
	if s.eos {
		return nil, ErrExhausted
	}
	s.data = s.data[:0]

	for {
		if _, err := io.ReadFull(s.r, s.hdr[:]); err != nil {
			if errors.Is(err, io.EOF) {
				s.eos = true
				s.slot = Slot{Data: s.data, EOS: true}
				return &s.slot, nil
			}
			return nil, fmt.Errorf("source: rtp record header: %w", err)
		}

		n := int(binary.BigEndian.Uint16(s.hdr[:]))
		if cap(s.rec) < n {
			s.rec = make([]byte, n)
		}
		s.rec = s.rec[:n]
		if _, err := io.ReadFull(s.r, s.rec); err != nil {
			return nil, fmt.Errorf("source: rtp record truncated: %w", err)
		}

		if err := s.pkt.Unmarshal(s.rec); err != nil {
			return nil, fmt.Errorf("source: rtp: %w", err)
		}

		seq := s.pkt.SequenceNumber
		if s.started && (seq == s.lastSeq || IsSeqLowerThan(seq, s.lastSeq)) {
			s.dropped++
			continue
		}
		if s.started && IsSeqHigherThan(seq, s.lastSeq+1) {
			s.lost += int(seq - s.lastSeq - 1)
		}
		s.started = true
		s.lastSeq = seq

		s.data = append(s.data, s.pkt.Payload...)
		if s.pkt.Marker {
			s.slot = Slot{Data: s.data}
			return &s.slot, nil
		}
	}
}

func (s *RTPSource) Rewind() error {
	if _, err := s.r.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("source: rewind: %w", err)
	}
	s.started = false
	s.lastSeq = 0
	s.dropped = 0
	s.lost = 0
	s.eos = false
	return nil
}

func (s *RTPSource) Close() error {
	if s.closer != nil {
		return s.closer.Close()
	}
	return nil
}

// WriteRTPRecord appends p to a capture in the format RTPSource reads.
func WriteRTPRecord(w io.Writer, p *rtp.Packet) error {
	raw, err := p.Marshal()
	if err != nil {
		return err
	}
	if len(raw) > 0xffff {
		return fmt.Errorf("source: rtp packet of %d bytes does not fit a record", len(raw))
	}
	var hdr [2]byte
	binary.BigEndian.PutUint16(hdr[:], uint16(len(raw)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err = w.Write(raw)
	return err
}
