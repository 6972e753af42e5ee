// Package codec defines the decoder engine boundary. The engine is opaque:
// the driver pushes packets, polls frames and answers buffer negotiation
// requests through a small typed control surface.
package codec

import (
	"errors"

	"github.com/jiyeyuran/mppdec/internal/bufpool"
	"github.com/jiyeyuran/mppdec/internal/media"
)

var (
	// ErrAgain means the engine made no progress on this poll; retry later.
	ErrAgain = errors.New("codec: try again")
	// ErrInfoChangePending is returned when data is submitted before an
	// announced info change was acknowledged.
	ErrInfoChangePending = errors.New("codec: info change not acknowledged")
	ErrNoBufferPool      = errors.New("codec: no buffer pool set")
	ErrClosed            = errors.New("codec: engine closed")
	ErrUnsupported       = errors.New("codec: unsupported configuration")
)

// MinBufferCount is the frame buffer count an engine needs to make progress:
// one picture held back for output order and one handed to the driver. Pools
// get this many buffers plus the configured headroom.
const MinBufferCount = 2

// Config is the negotiable engine configuration.
type Config struct {
	Coding     string
	Width      int
	Height     int
	Format     media.Format
	SplitParse bool
}

// Engine is a decoder instance.
type Engine interface {
	// Decode submits pkt, which may be nil to only poll, and returns at most
	// one frame. The engine advances the packet cursor by what it accepted.
	Decode(pkt *media.Packet) (*media.Frame, error)

	// SetBufferPool hands the engine the pool its output frames live in.
	SetBufferPool(pool *bufpool.Pool) error

	// InfoChangeReady acknowledges the last info change frame.
	InfoChangeReady() error

	GetConfig() (Config, error)
	SetConfig(cfg Config) error

	// Reset returns the engine to idle and drops every buffer reference.
	Reset() error
	Close() error
}
