package media

import "github.com/jiyeyuran/mppdec/internal/bufpool"

// Packet is a view over one unit of compressed input. The decoder reuses a
// single Packet for the whole run and rebinds it with Reset.
type Packet struct {
	data   []byte
	pos    int
	eos    bool
	buffer *bufpool.Buffer
}

func NewPacket() *Packet {
	return &Packet{}
}

// Reset rebinds the packet to data with the cursor at the start.
func (p *Packet) Reset(data []byte) {
	p.data = data
	p.pos = 0
	p.eos = false
	p.buffer = nil
}

// Data returns the whole bound input, consumed or not.
func (p *Packet) Data() []byte {
	return p.data
}

func (p *Packet) Size() int {
	return len(p.data)
}

func (p *Packet) Pos() int {
	return p.pos
}

// Length returns the number of bytes not yet consumed by the engine.
func (p *Packet) Length() int {
	return len(p.data) - p.pos
}

// Remaining returns the unconsumed bytes.
func (p *Packet) Remaining() []byte {
	return p.data[p.pos:]
}

// Consume advances the cursor by n bytes, clamped to the packet end.
func (p *Packet) Consume(n int) {
	if n < 0 {
		return
	}
	p.pos += n
	if p.pos > len(p.data) {
		p.pos = len(p.data)
	}
}

func (p *Packet) SetEOS() {
	p.eos = true
}

func (p *Packet) EOS() bool {
	return p.eos
}

// SetBuffer binds the pool buffer the data lives in. The packet does not take
// a reference.
func (p *Packet) SetBuffer(b *bufpool.Buffer) {
	p.buffer = b
}

func (p *Packet) Buffer() *bufpool.Buffer {
	return p.buffer
}

// Deinit drops every binding of the packet.
func (p *Packet) Deinit() {
	p.Reset(nil)
}
