package nso

import (
	"fmt"
)

// Config is the user facing conversion configuration.
type Config struct {
	Parallelism      int    `yaml:"parallelism"`
	CompressionLevel string `yaml:"compression_level"`
}

// DefaultConfig returns a sequential conversion with the fast compressor.
func DefaultConfig() Config {
	return Config{
		Parallelism:      1,
		CompressionLevel: Fast.String(),
	}
}

func (cfg *Config) Validate() error {
	if cfg.Parallelism < 1 {
		return fmt.Errorf("invalid parallelism %d: must be at least 1", cfg.Parallelism)
	}
	if _, err := ParseCompressionLevel(cfg.CompressionLevel); err != nil {
		return err
	}
	return nil
}

// Options validates the configuration and turns it into conversion options.
func (cfg *Config) Options() ([]Option, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	level, err := ParseCompressionLevel(cfg.CompressionLevel)
	if err != nil {
		return nil, err
	}
	c, err := NewLZ4Compressor(level)
	if err != nil {
		return nil, err
	}
	return []Option{
		WithParallelism(cfg.Parallelism),
		WithCompressor(c),
	}, nil
}
