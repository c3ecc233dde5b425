package nso

import (
	"github.com/go-kit/log"
)

// Option configures a conversion.
type Option func(*options)

type options struct {
	parallelism int
	compressor  Compressor
	logger      log.Logger
	metrics     *Metrics
}

func defaultOptions() options {
	return options{
		parallelism: 1,
		compressor:  lz4Compressor{},
		logger:      log.NewNopLogger(),
	}
}

// WithParallelism hashes and compresses up to n segments concurrently.
// Values below 2 keep the conversion sequential.
func WithParallelism(n int) Option {
	return func(o *options) {
		if n < 1 {
			n = 1
		}
		o.parallelism = n
	}
}

// WithCompressor replaces the default LZ4 fast compressor.
func WithCompressor(c Compressor) Option {
	return func(o *options) {
		if c != nil {
			o.compressor = c
		}
	}
}

func WithLogger(l log.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

func WithMetrics(m *Metrics) Option {
	return func(o *options) {
		o.metrics = m
	}
}
