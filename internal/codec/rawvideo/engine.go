// Package rawvideo is a software engine for headerless NV12 streams. Pictures
// of the configured size are cut out of the byte stream regardless of packet
// boundaries and copied into frame buffers from the negotiated pool.
package rawvideo

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jiyeyuran/mppdec/internal/bufpool"
	"github.com/jiyeyuran/mppdec/internal/codec"
	"github.com/jiyeyuran/mppdec/internal/media"
	"github.com/jiyeyuran/mppdec/internal/util"
)

const (
	Coding = "rawvideo"

	strideAlign     = 16
	inputQueueSize  = 4
	outputQueueSize = 4
	bufferWait      = time.Millisecond
)

var errNoInfoChange = errors.New("rawvideo: no info change to acknowledge")

type input struct {
	data []byte
	eos  bool
}

type Option func(*Engine)

func WithLogger(log *slog.Logger) Option {
	return func(e *Engine) {
		e.log = log
	}
}

// Engine decodes on its own goroutine. Decode, Reset and Close must be called
// from a single goroutine; the control calls may come from anywhere.
type Engine struct {
	log *slog.Logger

	mu          sync.Mutex
	cfg         codec.Config
	pool        *bufpool.Pool
	awaitingAck bool
	closed      bool

	// owned by the Decode caller
	eosPending bool

	in   chan input
	out  chan *media.Frame
	ack  chan struct{}
	quit chan struct{}
	wg   sync.WaitGroup

	// owned by the worker
	width     int
	height    int
	horStride int
	verStride int
	pending   []byte
	held      *media.Frame
}

func New(options ...Option) *Engine {
	e := &Engine{
		log: slog.With("component", "rawvideo"),
		cfg: codec.Config{
			Coding: Coding,
			Format: media.FormatNV12,
		},
	}
	for _, option := range options {
		option(e)
	}
	e.start()
	return e
}

func (e *Engine) start() {
	e.in = make(chan input, inputQueueSize)
	e.out = make(chan *media.Frame, outputQueueSize)
	e.ack = make(chan struct{}, 1)
	e.quit = make(chan struct{})
	e.wg.Add(1)
	go e.run()
}

func (e *Engine) stop() {
	close(e.quit)
	e.wg.Wait()

	for drained := false; !drained; {
		select {
		case f := <-e.out:
			f.Release()
		default:
			drained = true
		}
	}
	if e.held != nil {
		e.held.Release()
		e.held = nil
	}
	e.pending = nil
	e.width, e.height = 0, 0
	e.eosPending = false
}

func (e *Engine) Decode(pkt *media.Packet) (*media.Frame, error) {
	e.mu.Lock()
	closed, awaitingAck := e.closed, e.awaitingAck
	e.mu.Unlock()

	if closed {
		return nil, codec.ErrClosed
	}

	progress := false

	if pkt != nil && pkt.Length() > 0 {
		if awaitingAck {
			return nil, codec.ErrInfoChangePending
		}
		if len(e.in) < cap(e.in) {
			data := append([]byte(nil), pkt.Remaining()...)
			e.in <- input{data: data}
			pkt.Consume(len(data))
			progress = true
		}
	}
	if pkt != nil && pkt.EOS() && pkt.Length() == 0 {
		e.eosPending = true
	}
	if e.eosPending && len(e.in) < cap(e.in) {
		e.in <- input{eos: true}
		e.eosPending = false
		progress = true
	}

	select {
	case f := <-e.out:
		if f.InfoChange {
			e.mu.Lock()
			e.awaitingAck = true
			e.mu.Unlock()
		}
		return f, nil
	default:
	}

	if !progress {
		return nil, codec.ErrAgain
	}
	return nil, nil
}

func (e *Engine) SetBufferPool(pool *bufpool.Pool) error {
	if pool == nil {
		return codec.ErrNoBufferPool
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return codec.ErrClosed
	}
	e.pool = pool
	return nil
}

func (e *Engine) InfoChangeReady() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return codec.ErrClosed
	}
	if !e.awaitingAck {
		return errNoInfoChange
	}
	if e.pool == nil {
		return codec.ErrNoBufferPool
	}
	e.awaitingAck = false

	select {
	case e.ack <- struct{}{}:
	default:
	}
	return nil
}

func (e *Engine) GetConfig() (codec.Config, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return codec.Config{}, codec.ErrClosed
	}
	return e.cfg, nil
}

// SetConfig applies a new configuration. A picture size change takes effect at
// the next input and is announced as an info change.
func (e *Engine) SetConfig(cfg codec.Config) error {
	if cfg.Coding != "" && cfg.Coding != Coding {
		return fmt.Errorf("%w: coding %q", codec.ErrUnsupported, cfg.Coding)
	}
	if cfg.Format != media.FormatNV12 {
		return fmt.Errorf("%w: format %s", codec.ErrUnsupported, cfg.Format)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 || cfg.Width%2 != 0 || cfg.Height%2 != 0 {
		return fmt.Errorf("%w: picture size %dx%d", codec.ErrUnsupported, cfg.Width, cfg.Height)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return codec.ErrClosed
	}
	cfg.Coding = Coding
	e.cfg = cfg
	return nil
}

func (e *Engine) Reset() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return codec.ErrClosed
	}
	e.mu.Unlock()

	e.stop()

	e.mu.Lock()
	e.pool = nil
	e.awaitingAck = false
	e.mu.Unlock()

	e.start()
	return nil
}

func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	e.stop()

	e.mu.Lock()
	e.pool = nil
	e.mu.Unlock()
	return nil
}

func (e *Engine) run() {
	defer e.wg.Done()

	for {
		select {
		case <-e.quit:
			return
		case in := <-e.in:
			if !e.process(in) {
				return
			}
		}
	}
}

// process returns false when the engine is shutting down.
func (e *Engine) process(in input) bool {
	e.mu.Lock()
	cfg := e.cfg
	e.mu.Unlock()

	if len(in.data) > 0 && (cfg.Width != e.width || cfg.Height != e.height) {
		if !e.announce(cfg) {
			return false
		}
	}

	e.pending = append(e.pending, in.data...)

	picSize := e.width * e.height * 3 / 2
	for picSize > 0 && len(e.pending) >= picSize {
		f := e.picture(e.pending[:picSize])
		e.pending = e.pending[picSize:]
		if f == nil {
			return false
		}
		if e.held != nil {
			if !e.emit(e.held) {
				e.held = nil
				f.Release()
				return false
			}
		}
		e.held = f
	}
	if len(e.pending) == 0 {
		e.pending = nil
	}

	if in.eos {
		last := e.held
		e.held = nil
		if last == nil {
			last = &media.Frame{
				Width:     e.width,
				Height:    e.height,
				HorStride: e.horStride,
				VerStride: e.verStride,
				Format:    cfg.Format,
				Discard:   true,
			}
		}
		last.EOS = true
		if n := len(e.pending); n > 0 {
			e.log.Warn("dropping incomplete picture at end of stream", "bytes", n)
			e.pending = nil
		}
		return e.emit(last)
	}
	return true
}

// announce emits an info change for the configured size and waits for the
// acknowledgment.
func (e *Engine) announce(cfg codec.Config) bool {
	if e.held != nil {
		if !e.emit(e.held) {
			e.held = nil
			return false
		}
		e.held = nil
	}
	e.pending = nil

	e.width, e.height = cfg.Width, cfg.Height
	e.horStride = util.AlignUp(cfg.Width, strideAlign)
	e.verStride = util.AlignUp(cfg.Height, strideAlign)

	f := &media.Frame{
		Width:      e.width,
		Height:     e.height,
		HorStride:  e.horStride,
		VerStride:  e.verStride,
		BufSize:    cfg.Format.BufferSize(e.horStride, e.verStride),
		Format:     cfg.Format,
		InfoChange: true,
	}
	e.log.Debug("info change", "width", f.Width, "height", f.Height,
		"hor_stride", f.HorStride, "ver_stride", f.VerStride, "buf_size", f.BufSize)

	if !e.emit(f) {
		return false
	}

	select {
	case <-e.ack:
		return true
	case <-e.quit:
		return false
	}
}

func (e *Engine) picture(src []byte) *media.Frame {
	f := &media.Frame{
		Width:     e.width,
		Height:    e.height,
		HorStride: e.horStride,
		VerStride: e.verStride,
		BufSize:   media.FormatNV12.BufferSize(e.horStride, e.verStride),
		Format:    media.FormatNV12,
	}

	buf, err := e.getBuffer(f.BufSize)
	if errors.Is(err, codec.ErrClosed) {
		return nil
	}
	if err != nil {
		e.log.Warn("no frame buffer", "error", err)
		f.ErrInfo = 1
		f.Discard = true
		return f
	}
	f.Buffer = buf

	dst := buf.Bytes()
	lumaSize := e.width * e.height
	for y := 0; y < e.height; y++ {
		copy(dst[y*e.horStride:], src[y*e.width:(y+1)*e.width])
	}
	chroma := dst[e.horStride*e.verStride:]
	for y := 0; y < e.height/2; y++ {
		off := lumaSize + y*e.width
		copy(chroma[y*e.horStride:], src[off:off+e.width])
	}
	return f
}

func (e *Engine) getBuffer(size int) (*bufpool.Buffer, error) {
	for {
		e.mu.Lock()
		pool := e.pool
		e.mu.Unlock()

		if pool == nil {
			return nil, codec.ErrNoBufferPool
		}
		if pool.Size() < size {
			return nil, fmt.Errorf("rawvideo: pool buffer %d smaller than picture %d", pool.Size(), size)
		}

		buf, err := pool.Get()
		if err == nil {
			return buf, nil
		}
		if !errors.Is(err, bufpool.ErrPoolExhausted) {
			return nil, err
		}

		select {
		case <-e.quit:
			return nil, codec.ErrClosed
		case <-time.After(bufferWait):
		}
	}
}

func (e *Engine) emit(f *media.Frame) bool {
	select {
	case e.out <- f:
		return true
	case <-e.quit:
		f.Release()
		return false
	}
}
