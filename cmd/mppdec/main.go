package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"

	"github.com/jiyeyuran/mppdec/internal/bufpool"
	"github.com/jiyeyuran/mppdec/internal/codec"
	"github.com/jiyeyuran/mppdec/internal/codec/rawvideo"
	"github.com/jiyeyuran/mppdec/internal/config"
	"github.com/jiyeyuran/mppdec/internal/decoder"
	"github.com/jiyeyuran/mppdec/internal/media"
	"github.com/jiyeyuran/mppdec/internal/source"
)

const (
	exitOK      = 0
	exitInit    = 1
	exitRuntime = 2
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func bindFlags(fs *flag.FlagSet, cfg *config.Config, configPath *string) {
	fs.StringVar(configPath, "config", "", "YAML configuration file, flags override its values")
	fs.StringVar(&cfg.Input, "i", cfg.Input, "input file (required)")
	fs.StringVar(&cfg.InputFormat, "f", cfg.InputFormat, "input format: raw, rtp")
	fs.IntVar(&cfg.PacketSize, "packet-size", cfg.PacketSize, "packet size for raw input")
	fs.BoolVar(&cfg.PacketPool, "packet-pool", cfg.PacketPool, "copy raw input packets into pooled buffers")
	fs.StringVar(&cfg.Output, "o", cfg.Output, "output file for decoded pictures, .zst compresses")
	fs.StringVar(&cfg.Verify, "v", cfg.Verify, "checksum record file")
	fs.IntVar(&cfg.FrameNum, "n", cfg.FrameNum, "frames to decode, 0 = until end of stream")
	fs.BoolVar(&cfg.Repeat, "repeat", cfg.Repeat, "loop the input until stopped")
	fs.BoolVar(&cfg.Interactive, "interactive", cfg.Interactive, "stop on Enter")
	fs.BoolVar(&cfg.Quiet, "q", cfg.Quiet, "quiet, no per frame logs")
	fs.BoolVar(&cfg.Debug, "debug", cfg.Debug, "enable debug logging")
	fs.StringVar(&cfg.Coding, "t", cfg.Coding, "coding type")
	fs.IntVar(&cfg.Width, "width", cfg.Width, "picture width")
	fs.IntVar(&cfg.Height, "height", cfg.Height, "picture height")
	fs.StringVar(&cfg.Format, "format", cfg.Format, "output pixel format")
	fs.StringVar(&cfg.BufferMode, "buf-mode", cfg.BufferMode, "frame buffer mode: half_internal, internal, external")
	fs.IntVar(&cfg.BufferCount, "buf-count", cfg.BufferCount, "frame buffers per pool on top of the engine minimum")
	fs.Int64Var(&cfg.MaxPoolBytes, "max-pool-bytes", cfg.MaxPoolBytes, "limit of frame pool memory, 0 = unlimited")
	fs.DurationVar(&cfg.PollInterval, "poll-interval", cfg.PollInterval, "wait between engine polls")
	fs.DurationVar(&cfg.Timeout, "timeout", cfg.Timeout, "stop the run after this long, 0 = never")
}

func parseConfig(args []string) (*config.Config, error) {
	var configPath string

	cfg := config.Default()
	fs := flag.NewFlagSet("mppdec", flag.ContinueOnError)
	bindFlags(fs, cfg, &configPath)
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if configPath != "" {
		var err error
		if cfg, err = config.Read(configPath); err != nil {
			return nil, err
		}
		// Parse again so that flags win over the file.
		fs = flag.NewFlagSet("mppdec", flag.ContinueOnError)
		bindFlags(fs, cfg, &configPath)
		if err := fs.Parse(args); err != nil {
			return nil, err
		}
	}

	if err := config.Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func run(args []string) int {
	cfg, err := parseConfig(args)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return exitOK
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitInit
	}

	level := slog.LevelInfo
	if cfg.Debug || os.Getenv("DEBUG") != "" {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
	log := slog.Default().With("run", uuid.NewString())

	scfg, err := sessionConfig(cfg)
	if err != nil {
		log.Error("invalid configuration", "error", err)
		return exitInit
	}

	log.Info("mpi_dec_test start", "input", cfg.Input, "format", cfg.InputFormat, "coding", cfg.Coding)

	session, err := decoder.Open(scfg, log)
	if err != nil {
		log.Error("test failed", "error", err)
		return exitInit
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case sig := <-sigCh:
			log.Info("received signal, stopping", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	if cfg.Interactive {
		fmt.Println("*******************************************")
		fmt.Println("**** Press Enter to stop loop decoding ****")
		fmt.Println("*******************************************")
		go func() {
			_, _ = bufio.NewReader(os.Stdin).ReadString('\n')
			session.Stop()
		}()
	}

	res, runErr := session.Run(ctx)
	if cerr := session.Close(); cerr != nil {
		log.Warn("teardown failed", "error", cerr)
		if runErr == nil {
			runErr = cerr
		}
	}

	if runErr != nil {
		log.Error("test failed", "error", runErr)
		if decoder.IsKind(runErr, decoder.KindInit) {
			return exitInit
		}
		return exitRuntime
	}

	fmt.Printf("test success max memory %.2f MB\n", res.MaxUsageMB())
	return exitOK
}

func sessionConfig(cfg *config.Config) (decoder.SessionConfig, error) {
	mode, err := bufpool.ParseMode(cfg.BufferMode)
	if err != nil {
		return decoder.SessionConfig{}, err
	}
	format, err := media.ParseFormat(cfg.Format)
	if err != nil {
		return decoder.SessionConfig{}, err
	}

	packetBufferSize := 0
	if cfg.PacketPool {
		packetBufferSize = cfg.PacketSize
	}

	return decoder.SessionConfig{
		Options: decoder.Options{
			FrameNum:       cfg.FrameNum,
			Repeat:         cfg.Repeat || (cfg.Interactive && cfg.FrameNum <= 0),
			Quiet:          cfg.Quiet,
			BufferCount:    cfg.BufferCount,
			BufferMode:     mode,
			PollInterval:   cfg.PollInterval,
			MaxEmptyPasses: cfg.MaxEmptyPasses,
			Timeout:        cfg.Timeout,
		},
		Output:       cfg.Output,
		Verify:       cfg.Verify,
		Coding:       cfg.Coding,
		Width:        cfg.Width,
		Height:       cfg.Height,
		Format:       format,
		MaxPoolBytes: cfg.MaxPoolBytes,
		RateInterval: cfg.RateInterval,

		PacketBufferSize: packetBufferSize,

		NewSource: newSource(cfg),
		NewEngine: newEngine(cfg.Coding),
	}, nil
}

func newSource(cfg *config.Config) decoder.SourceFactory {
	return func(packets *bufpool.Pool) (source.Source, error) {
		if cfg.InputFormat == config.InputRTP {
			s, err := source.OpenRTP(cfg.Input)
			if err != nil {
				return nil, err
			}
			return s, nil
		}
		options := []source.FileOption{source.WithPacketSize(cfg.PacketSize)}
		if packets != nil {
			options = append(options, source.WithPacketPool(packets))
		}
		s, err := source.OpenFile(cfg.Input, options...)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
}

func newEngine(coding string) decoder.EngineFactory {
	return func(log *slog.Logger) (codec.Engine, error) {
		switch coding {
		case rawvideo.Coding:
			return rawvideo.New(rawvideo.WithLogger(log)), nil
		}
		return nil, fmt.Errorf("%w: coding %q", codec.ErrUnsupported, coding)
	}
}
