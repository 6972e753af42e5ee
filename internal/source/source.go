// Package source supplies compressed packets to the decoder.
package source

import (
	"errors"

	"github.com/jiyeyuran/mppdec/internal/bufpool"
)

// DefaultPacketSize is the chunk size used when reading unframed input.
const DefaultPacketSize = 4096

// ErrExhausted is returned by Next after the end-of-stream slot was handed out
// and the source was not rewound.
var ErrExhausted = errors.New("source: exhausted")

// Slot is one packet worth of input. Data and Buffer stay valid until the next
// call to Next, Rewind or Close.
type Slot struct {
	Data   []byte
	EOS    bool
	Buffer *bufpool.Buffer
}

type Source interface {
	Next() (*Slot, error)
	Rewind() error
	Close() error
}
