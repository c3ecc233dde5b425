package nso

import (
	"fmt"
	"strconv"

	"github.com/pierrec/lz4/v4"
)

// Compressor compresses a whole segment into a single LZ4 block.
//
// Implementations must be safe for concurrent use: segments may be
// compressed in parallel.
type Compressor interface {
	// Bound returns the worst-case compressed size of an n byte input.
	Bound(n int) int
	// CompressBlock compresses src into dst and returns the compressed length.
	CompressBlock(src, dst []byte) (int, error)
}

// CompressionLevel selects the LZ4 compressor. Fast is the default block
// compressor; levels 1 to 9 use the high compression variant.
type CompressionLevel int

const (
	Fast                CompressionLevel = 0
	MaxCompressionLevel CompressionLevel = 9
)

var lz4Levels = [...]lz4.CompressionLevel{
	lz4.Fast,
	lz4.Level1,
	lz4.Level2,
	lz4.Level3,
	lz4.Level4,
	lz4.Level5,
	lz4.Level6,
	lz4.Level7,
	lz4.Level8,
	lz4.Level9,
}

// ParseCompressionLevel parses "fast" or a level between 0 and 9.
func ParseCompressionLevel(s string) (CompressionLevel, error) {
	if s == "fast" || s == "" {
		return Fast, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < int(Fast) || n > int(MaxCompressionLevel) {
		return 0, fmt.Errorf("invalid compression level %q: expected fast or 0-%d", s, MaxCompressionLevel)
	}
	return CompressionLevel(n), nil
}

func (l CompressionLevel) String() string {
	if l == Fast {
		return "fast"
	}
	return strconv.Itoa(int(l))
}

type lz4Compressor struct {
	level lz4.CompressionLevel
}

// NewLZ4Compressor returns an LZ4 block compressor for the given level.
func NewLZ4Compressor(level CompressionLevel) (Compressor, error) {
	if level < Fast || level > MaxCompressionLevel {
		return nil, fmt.Errorf("invalid compression level %d", level)
	}
	return lz4Compressor{level: lz4Levels[level]}, nil
}

func (c lz4Compressor) Bound(n int) int {
	return lz4.CompressBlockBound(n)
}

func (c lz4Compressor) CompressBlock(src, dst []byte) (int, error) {
	// lz4 compressors carry their hash tables and aren't safe to share.
	if c.level == lz4.Fast {
		var cc lz4.Compressor
		return cc.CompressBlock(src, dst)
	}
	cc := lz4.CompressorHC{Level: c.level}
	return cc.CompressBlock(src, dst)
}
