package decoder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jiyeyuran/mppdec/internal/bufpool"
	"github.com/jiyeyuran/mppdec/internal/codec"
	"github.com/jiyeyuran/mppdec/internal/media"
	"github.com/jiyeyuran/mppdec/internal/sink"
	"github.com/jiyeyuran/mppdec/internal/source"
)

// packetPoolCount covers the packet held by the source plus the one being read.
const packetPoolCount = 2

type (
	// SourceFactory opens the input. packets is nil unless the session was
	// configured with a packet buffer size.
	SourceFactory func(packets *bufpool.Pool) (source.Source, error)
	EngineFactory func(log *slog.Logger) (codec.Engine, error)
)

// SessionConfig describes everything a session opens.
type SessionConfig struct {
	Options

	// Output receives the decoded pictures, Verify the checksum records. Both
	// are optional.
	Output string
	Verify string

	Coding string
	Width  int
	Height int
	Format media.Format

	MaxPoolBytes int64
	RateInterval time.Duration

	// PacketBufferSize enables a pool of input packet buffers of that size.
	PacketBufferSize int

	NewSource SourceFactory
	NewEngine EngineFactory
}

// Session owns the resources of one decode run and tears them down in
// dependency order.
type Session struct {
	log    *slog.Logger
	dump   *sink.Dumper
	verify *sink.Verifier
	rate   *sink.RateCounter
	pools  *bufpool.Manager
	src    source.Source
	engine codec.Engine
	runner *Runner
	closed bool

	// backs the input slots when enabled
	packets *bufpool.Manager
}

// Open acquires every resource of a run. On failure whatever was acquired is
// released and the error is of kind KindInit.
func Open(cfg SessionConfig, log *slog.Logger) (*Session, error) {
	if log == nil {
		log = slog.Default()
	}
	s := &Session{log: log}

	fail := func(op string, err error) (*Session, error) {
		if cerr := s.Close(); cerr != nil {
			log.Warn("teardown after failed open", "error", cerr)
		}
		return nil, newError(KindInit, op, err)
	}

	if cfg.NewSource == nil || cfg.NewEngine == nil {
		return fail("open", errors.New("source and engine factories are required"))
	}

	if cfg.Output != "" {
		d, err := sink.NewFileDumper(cfg.Output)
		if err != nil {
			return fail("open output", err)
		}
		s.dump = d
	}

	if cfg.Verify != "" {
		v, err := sink.NewFileVerifier(cfg.Verify)
		if err != nil {
			// Verification is best effort.
			log.Error("failed to open verify file", "path", cfg.Verify, "error", err)
		} else {
			s.verify = v
		}
	}

	var poolOptions []bufpool.Option
	if cfg.MaxPoolBytes > 0 {
		poolOptions = append(poolOptions, bufpool.WithMaxBytes(cfg.MaxPoolBytes))
	}
	s.pools = bufpool.NewManager(poolOptions...)

	var packetPool *bufpool.Pool
	if cfg.PacketBufferSize > 0 {
		s.packets = bufpool.NewManager()
		pool, err := s.packets.Setup(cfg.PacketBufferSize, packetPoolCount, bufpool.ModeExternal)
		if err != nil {
			return fail("setup packet pool", err)
		}
		packetPool = pool
	}

	src, err := cfg.NewSource(packetPool)
	if err != nil {
		return fail("open source", err)
	}
	s.src = src

	engine, err := cfg.NewEngine(log.With("component", "engine"))
	if err != nil {
		return fail("create engine", err)
	}
	s.engine = engine

	log.Info("decoder test start", "width", cfg.Width, "height", cfg.Height, "coding", cfg.Coding)

	if err := s.configure(cfg); err != nil {
		return fail("configure engine", err)
	}

	rateInterval := cfg.RateInterval
	if cfg.Quiet {
		rateInterval = 0
	}
	s.rate = sink.NewRateCounter(log.With("component", "rate"), sink.WithLogInterval(rateInterval))

	sinks := Sinks{Rate: s.rate}
	if s.dump != nil {
		sinks.Dump = s.dump
	}
	if s.verify != nil {
		sinks.Verify = s.verify
	}
	s.runner = NewRunner(s.src, s.engine, s.pools, sinks, cfg.Options, WithLogger(log))
	return s, nil
}

// configure reads the engine defaults, turns on input splitting and writes
// the configuration back.
func (s *Session) configure(cfg SessionConfig) error {
	ecfg, err := s.engine.GetConfig()
	if err != nil {
		return fmt.Errorf("get config: %w", err)
	}

	ecfg.SplitParse = true
	if cfg.Coding != "" {
		ecfg.Coding = cfg.Coding
	}
	if cfg.Width > 0 && cfg.Height > 0 {
		ecfg.Width, ecfg.Height = cfg.Width, cfg.Height
	}
	ecfg.Format = cfg.Format

	if err := s.engine.SetConfig(ecfg); err != nil {
		return fmt.Errorf("set config: %w", err)
	}
	return nil
}

func (s *Session) Runner() *Runner {
	return s.runner
}

// Run decodes until the run ends and reports its statistics.
func (s *Session) Run(ctx context.Context) (Result, error) {
	return s.runner.Run(ctx)
}

// Stop is the manual stop trigger.
func (s *Session) Stop() {
	s.runner.Stop()
}

type sequenceStats interface {
	Dropped() int
	Lost() int
}

// Close releases the packet, any held frame, the engine, the pools, the
// source and the sinks, in that order. It returns every error it met.
func (s *Session) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true

	var errs []error

	if s.runner != nil {
		s.runner.release()
	}

	if s.engine != nil {
		if err := s.engine.Reset(); err != nil {
			errs = append(errs, fmt.Errorf("reset engine: %w", err))
		}
		if err := s.engine.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close engine: %w", err))
		}
	}

	if s.pools != nil {
		if err := s.pools.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close pools: %w", err))
		}
	}

	if s.src != nil {
		if st, ok := s.src.(sequenceStats); ok {
			s.log.Debug("source stats", "dropped", st.Dropped(), "lost", st.Lost())
		}
		if err := s.src.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close source: %w", err))
		}
	}
	if s.packets != nil {
		if err := s.packets.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close packet pool: %w", err))
		}
	}

	if s.dump != nil {
		if err := s.dump.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close output: %w", err))
		}
	}
	if s.verify != nil {
		if err := s.verify.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close verify: %w", err))
		}
	}

	return errors.Join(errs...)
}
