// Package config holds the run configuration of the decoder command.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	InputRaw = "raw"
	InputRTP = "rtp"
)

// Config represents one decode run
type Config struct {
	Input       string `yaml:"input"`
	InputFormat string `yaml:"input_format"` // raw, rtp
	PacketSize  int    `yaml:"packet_size"`  // chunk size for raw input
	PacketPool  bool   `yaml:"packet_pool"`  // copy raw input chunks into pooled buffers

	Output string `yaml:"output"` // decoded pictures, zstd compressed when it ends in .zst
	Verify string `yaml:"verify"` // per frame checksum records

	FrameNum    int  `yaml:"frame_num"`   // frames to decode, <= 0 runs to end of stream
	Repeat      bool `yaml:"repeat"`      // loop the input until stopped
	Interactive bool `yaml:"interactive"` // stop on Enter
	Quiet       bool `yaml:"quiet"`
	Debug       bool `yaml:"debug"`

	Coding string `yaml:"coding"`
	Width  int    `yaml:"width"`
	Height int    `yaml:"height"`
	Format string `yaml:"format"`

	BufferMode   string `yaml:"buf_mode"`  // half_internal, internal, external
	BufferCount  int    `yaml:"buf_count"` // headroom of every frame pool
	MaxPoolBytes int64  `yaml:"max_pool_bytes"`

	PollInterval   time.Duration `yaml:"poll_interval"`
	RateInterval   time.Duration `yaml:"rate_interval"`
	Timeout        time.Duration `yaml:"timeout"`
	MaxEmptyPasses int           `yaml:"max_empty_passes"`
}

// Default returns the configuration used when neither a file nor flags say
// otherwise.
func Default() *Config {
	return &Config{
		InputFormat:    InputRaw,
		PacketSize:     4096,
		Coding:         "rawvideo",
		Format:         "nv12",
		BufferMode:     "half_internal",
		BufferCount:    24,
		PollInterval:   time.Millisecond,
		RateInterval:   time.Second,
		MaxEmptyPasses: 8,
	}
}

// Read parses a YAML configuration file on top of the defaults without
// validating it, so that command line flags can still be applied.
func Read(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return cfg, nil
}

// Load reads and validates a YAML configuration file
func Load(path string) (*Config, error) {
	cfg, err := Read(path)
	if err != nil {
		return nil, err
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}
