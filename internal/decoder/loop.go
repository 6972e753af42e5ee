package decoder

import (
	"errors"
	"log/slog"
	"time"

	"github.com/jiyeyuran/mppdec/internal/bufpool"
	"github.com/jiyeyuran/mppdec/internal/codec"
	"github.com/jiyeyuran/mppdec/internal/media"
	"github.com/jiyeyuran/mppdec/internal/sink"
	"github.com/jiyeyuran/mppdec/internal/source"
	"github.com/jiyeyuran/mppdec/internal/util"
)

const (
	DefaultPollInterval   = time.Millisecond
	DefaultMaxEmptyPasses = 8
)

// Options controls one decode run.
type Options struct {
	// FrameNum is the number of frames to produce. Zero or negative runs until
	// the end of stream frame, or forever with Repeat.
	FrameNum int
	// Repeat rewinds the input at end of stream even without a frame target.
	Repeat bool
	Quiet  bool

	// BufferCount is the pool headroom above codec.MinBufferCount.
	BufferCount int
	BufferMode  bufpool.Mode

	PollInterval time.Duration
	// MaxEmptyPasses aborts the run after that many rewinds in a row without a
	// decoded frame. Zero disables the check.
	MaxEmptyPasses int
	// Timeout stops the run after the given duration. Zero means no deadline.
	Timeout time.Duration
}

func (o *Options) setDefaults() {
	if o.BufferCount <= 0 {
		o.BufferCount = bufpool.DefaultBufferCount
	}
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
}

// Sinks are the optional consumers of decoded frames.
type Sinks struct {
	Dump   sink.FrameWriter
	Verify *sink.Verifier
	Rate   *sink.RateCounter
}

// loop is the driver side of a run. All fields except state are owned by the
// driver goroutine.
type loop struct {
	opts   Options
	log    *slog.Logger
	state  *State
	src    source.Source
	engine codec.Engine
	pools  *bufpool.Manager
	sinks  Sinks
	now    func() time.Time

	pkt   *media.Packet
	frame *media.Frame
	pool  *bufpool.Pool
	crc   *sink.FrameCRC

	frameCount   int
	firstPacket  time.Time
	firstFrame   time.Time
	peak         util.Peak
	rewinds      int
	infoChanges  int
	decodeErrors int

	pktEOS      bool
	finalPacket bool
	passFrames  int
	emptyPasses int
}

// run executes fetch cycles until the termination flag is set.
func (l *loop) run() error {
	defer l.state.setPhase(PhaseDone)

	for !l.state.Stopped() {
		if err := l.cycle(); err != nil {
			l.state.Stop()
			return err
		}
		if l.finalPacket {
			l.state.Stop()
		}
	}
	return nil
}

func (l *loop) cycle() error {
	if err := l.fetchNextPacket(); err != nil {
		return err
	}
	return l.submitAndDrain()
}

func (l *loop) wantsMore() bool {
	if l.opts.FrameNum > 0 {
		return l.frameCount < l.opts.FrameNum
	}
	return l.opts.Repeat
}

func (l *loop) fetchNextPacket() error {
	l.state.setPhase(PhaseFetch)

	slot, err := l.src.Next()
	if err != nil {
		return newError(KindResource, "read packet", err)
	}

	l.pktEOS = slot.EOS
	if l.pktEOS {
		if l.wantsMore() {
			if err := l.rewind(); err != nil {
				return err
			}
			l.pktEOS = false
		} else {
			l.debug("found last packet")
			l.finalPacket = true
		}
	}

	l.pkt.Reset(slot.Data)
	if slot.Buffer != nil {
		l.pkt.SetBuffer(slot.Buffer)
	}
	if l.pktEOS {
		l.pkt.SetEOS()
	}
	return nil
}

func (l *loop) rewind() error {
	if l.passFrames == 0 {
		l.emptyPasses++
	} else {
		l.emptyPasses = 0
	}
	l.passFrames = 0
	if l.opts.MaxEmptyPasses > 0 && l.emptyPasses >= l.opts.MaxEmptyPasses {
		return newError(KindStall, "rewind", ErrNoProgress)
	}

	l.debug("loop again", "frames", l.frameCount)
	if err := l.src.Rewind(); err != nil {
		return newError(KindResource, "rewind", err)
	}
	l.rewinds++
	return nil
}

// submitAndDrain feeds the current packet to the engine and collects frames
// until the packet is consumed, or until the end of stream frame arrived when
// the packet carried end of stream.
func (l *loop) submitAndDrain() error {
	pkt := l.pkt
	pktDone := false

	for {
		frmEOS, gotFrame := false, false

		l.state.setPhase(PhaseSubmit)
		var (
			in       *media.Packet
			submitAt time.Time
			before   int
		)
		if !pktDone {
			in = pkt
			if l.firstPacket.IsZero() {
				submitAt, before = l.now(), pkt.Length()
			}
		}
		frame, err := l.engine.Decode(in)
		// The first packet counts from the submission that got data accepted.
		if in != nil && l.firstPacket.IsZero() && (pkt.Length() < before || pkt.Length() == 0) {
			l.firstPacket = submitAt
		}
		if err != nil && !errors.Is(err, codec.ErrAgain) {
			l.decodeErrors++
			l.log.Error("decode failed", "error", newError(KindDecode, "submit", err))
		}

		if frame != nil {
			l.frame = frame
			if frame.InfoChange {
				l.state.setPhase(PhaseInfoChange)
				if err := l.handleInfoChange(frame); err != nil {
					return err
				}
				continue
			}

			l.state.setPhase(PhaseFrame)
			frmEOS = frame.EOS
			err := l.emit(frame)
			l.releaseFrame()
			if err != nil {
				return err
			}
			gotFrame = true
		}

		l.samplePeak()

		l.state.setPhase(PhaseCheck)
		if gotFrame {
			if l.opts.FrameNum > 0 {
				if l.frameCount >= l.opts.FrameNum {
					l.state.Stop()
					return nil
				}
			} else if frmEOS {
				l.debug("found last frame")
				l.state.Stop()
				return nil
			}
		}

		if !pktDone {
			if pkt.Length() > 0 {
				if !l.backoff() {
					return nil
				}
				continue
			}
			pktDone = true
		}

		// The end of stream packet is in but its frame is not out yet.
		if l.pktEOS && !frmEOS {
			if !l.backoff() {
				return nil
			}
			continue
		}
		return nil
	}
}

// handleInfoChange sets up a pool for the announced buffer size and
// acknowledges it. Any failure ends the run.
func (l *loop) handleInfoChange(frame *media.Frame) error {
	l.debug("decode_get_frame get info changed found")
	l.debug("decoder require buffer",
		"width", frame.Width,
		"height", frame.Height,
		"hor_stride", frame.HorStride,
		"ver_stride", frame.VerStride,
		"buf_size", frame.BufSize,
	)
	bufSize := frame.BufSize
	l.releaseFrame()

	pool, err := l.pools.Setup(bufSize, codec.MinBufferCount+l.opts.BufferCount, l.opts.BufferMode)
	if err != nil {
		return newError(KindProtocol, "setup buffer pool", err)
	}
	if err := l.engine.SetBufferPool(pool); err != nil {
		return newError(KindProtocol, "set buffer pool", err)
	}
	l.pool = pool

	if err := l.engine.InfoChangeReady(); err != nil {
		return newError(KindProtocol, "info change ready", err)
	}
	l.infoChanges++
	return nil
}

func (l *loop) emit(frame *media.Frame) error {
	if l.firstFrame.IsZero() {
		l.firstFrame = l.now()
	}

	if !l.opts.Quiet {
		attrs := []any{"index", l.frameCount}
		if frame.HasMeta() {
			attrs = append(attrs, "tid", frame.Meta.TemporalID)
		}
		if frame.ErrInfo != 0 || frame.Discard {
			attrs = append(attrs, "err", frame.ErrInfo, "discard", frame.Discard)
		}
		l.log.Info("decode get frame", attrs...)
	}

	index := l.frameCount
	l.frameCount++
	l.passFrames++

	if l.sinks.Dump != nil && frame.ErrInfo == 0 && !frame.Discard {
		if err := l.sinks.Dump.WriteFrame(frame); err != nil {
			return newError(KindResource, "dump frame", err)
		}
	}
	if l.sinks.Verify != nil {
		if err := l.sinks.Verify.WriteFrame(index, frame, l.crc); err != nil {
			return newError(KindResource, "verify frame", err)
		}
	}
	if l.sinks.Rate != nil {
		l.sinks.Rate.Inc()
	}
	return nil
}

func (l *loop) samplePeak() {
	if l.pool == nil {
		return
	}
	l.peak.Observe(l.pools.Usage())
}

// backoff sleeps one poll interval. It returns false when the run was stopped
// meanwhile.
func (l *loop) backoff() bool {
	if l.state.Stopped() {
		return false
	}
	time.Sleep(l.opts.PollInterval)
	return !l.state.Stopped()
}

func (l *loop) releaseFrame() {
	if l.frame != nil {
		l.frame.Release()
		l.frame = nil
	}
}

func (l *loop) debug(msg string, args ...any) {
	if !l.opts.Quiet {
		l.log.Debug(msg, args...)
	}
}
