package decoder

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/jiyeyuran/mppdec/internal/bufpool"
	"github.com/jiyeyuran/mppdec/internal/codec"
	"github.com/jiyeyuran/mppdec/internal/media"
	"github.com/jiyeyuran/mppdec/internal/sink"
	"github.com/jiyeyuran/mppdec/internal/source"
)

var ErrAlreadyRun = errors.New("decoder: runner already used")

type RunnerOption func(*Runner)

func WithLogger(log *slog.Logger) RunnerOption {
	return func(r *Runner) {
		r.log = log
	}
}

// WithClock replaces the time source used for statistics.
func WithClock(now func() time.Time) RunnerOption {
	return func(r *Runner) {
		r.now = now
	}
}

// Runner drives one decode run on its own goroutine and reports the
// statistics once it is joined.
type Runner struct {
	log   *slog.Logger
	now   func() time.Time
	state State
	loop  *loop
	ran   atomic.Bool
}

func NewRunner(src source.Source, engine codec.Engine, pools *bufpool.Manager, sinks Sinks, opts Options, options ...RunnerOption) *Runner {
	opts.setDefaults()

	r := &Runner{
		log: slog.Default(),
		now: time.Now,
	}
	for _, option := range options {
		option(r)
	}

	r.loop = &loop{
		opts:   opts,
		log:    r.log,
		state:  &r.state,
		src:    src,
		engine: engine,
		pools:  pools,
		sinks:  sinks,
		now:    r.now,
		pkt:    media.NewPacket(),
	}
	return r
}

// State exposes the shared part of the run.
func (r *Runner) State() *State {
	return &r.state
}

// Stop requests the run to end. Safe to call from any goroutine, any number of
// times.
func (r *Runner) Stop() {
	r.state.Stop()
}

// Run starts the driver and blocks until it finishes, ctx is done or Stop is
// called. The returned error is the first fatal error of the run.
func (r *Runner) Run(ctx context.Context) (Result, error) {
	if !r.ran.CompareAndSwap(false, true) {
		return Result{}, ErrAlreadyRun
	}

	l := r.loop
	l.crc = sink.NewFrameCRC(sink.DefaultCRCSums)
	defer func() {
		l.crc = nil
	}()

	var timer *SafeTimer
	if l.opts.Timeout > 0 {
		timer = NewSafeTimer(l.opts.Timeout, func() {
			r.log.Warn("run deadline reached, stopping", "timeout", l.opts.Timeout)
			r.Stop()
		})
	}

	g, gctx := errgroup.WithContext(ctx)
	done := make(chan struct{})

	start := r.now()
	g.Go(func() error {
		defer close(done)
		return l.run()
	})
	g.Go(func() error {
		select {
		case <-gctx.Done():
			r.Stop()
		case <-done:
		}
		return nil
	})
	err := g.Wait()
	elapsed := r.now().Sub(start)

	res := r.result(elapsed)
	if timer != nil {
		res.TimedOut = !timer.Stop()
	}
	r.log.Info("decode finished",
		"frames", res.FrameCount,
		"time_ms", res.Elapsed.Milliseconds(),
		"delay_ms", res.Delay.Milliseconds(),
		"fps", res.FrameRate,
	)
	return res, err
}

func (r *Runner) result(elapsed time.Duration) Result {
	l := r.loop
	res := Result{
		FrameCount:   l.frameCount,
		Elapsed:      elapsed,
		MaxUsage:     l.peak.Value(),
		Rewinds:      l.rewinds,
		InfoChanges:  l.infoChanges,
		DecodeErrors: l.decodeErrors,
	}
	if us := elapsed.Microseconds(); us > 0 {
		res.FrameRate = float64(l.frameCount) * 1e6 / float64(us)
	}
	if !l.firstFrame.IsZero() && !l.firstPacket.IsZero() {
		res.Delay = l.firstFrame.Sub(l.firstPacket)
	}
	return res
}

// release drops the packet and any frame still held by the driver. Only
// valid once Run returned or if it never started.
func (r *Runner) release() {
	r.loop.pkt.Deinit()
	r.loop.releaseFrame()
}
