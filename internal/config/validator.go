package config

import (
	"fmt"
	"time"

	"github.com/jiyeyuran/mppdec/internal/bufpool"
	"github.com/jiyeyuran/mppdec/internal/media"
)

// Validate checks the configuration and fills in defaults for unset values.
func Validate(cfg *Config) error {
	if cfg.Input == "" {
		return fmt.Errorf("input is required")
	}

	switch cfg.InputFormat {
	case "":
		cfg.InputFormat = InputRaw
	case InputRaw, InputRTP:
	default:
		return fmt.Errorf("input_format must be %q or %q, got %q", InputRaw, InputRTP, cfg.InputFormat)
	}

	if cfg.PacketSize < 0 {
		return fmt.Errorf("packet_size must be >= 0")
	}
	if cfg.PacketSize == 0 {
		cfg.PacketSize = 4096
	}
	if cfg.PacketPool && cfg.InputFormat != InputRaw {
		return fmt.Errorf("packet_pool needs %q input", InputRaw)
	}

	if cfg.Coding == "" {
		cfg.Coding = "rawvideo"
	}
	if cfg.Width < 0 || cfg.Height < 0 {
		return fmt.Errorf("width and height must be >= 0")
	}
	if (cfg.Width == 0) != (cfg.Height == 0) {
		return fmt.Errorf("width and height must be set together")
	}
	if _, err := media.ParseFormat(cfg.Format); err != nil {
		return err
	}

	if _, err := bufpool.ParseMode(cfg.BufferMode); err != nil {
		return err
	}
	if cfg.BufferCount < 0 {
		return fmt.Errorf("buf_count must be >= 0")
	}
	if cfg.BufferCount == 0 {
		cfg.BufferCount = bufpool.DefaultBufferCount
	}
	if cfg.MaxPoolBytes < 0 {
		return fmt.Errorf("max_pool_bytes must be >= 0")
	}

	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Millisecond
	}
	if cfg.PollInterval > 100*time.Millisecond {
		return fmt.Errorf("poll_interval %s is too long", cfg.PollInterval)
	}
	if cfg.RateInterval < 0 {
		return fmt.Errorf("rate_interval must be >= 0")
	}
	if cfg.Timeout < 0 {
		return fmt.Errorf("timeout must be >= 0")
	}
	if cfg.MaxEmptyPasses < 0 {
		return fmt.Errorf("max_empty_passes must be >= 0")
	}

	if cfg.Output != "" && cfg.Output == cfg.Input {
		return fmt.Errorf("output must differ from input")
	}

	return nil
}
