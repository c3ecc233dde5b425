package nso

import (
	"bytes"
	"context"
	"crypto/sha256"
	"debug/elf"
	"encoding/binary"
	"errors"
	"math"
	"math/rand"
	"testing"

	"github.com/pierrec/lz4/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/grafana/elf2nso/pkg/nso/nsotest"
)

func minimalELF() []byte {
	return nsotest.BuildELF(elf.EM_AARCH64,
		nsotest.Load(0x0, nsotest.Zeros(64)),
		nsotest.Load(0x1000, nsotest.Zeros(16)),
		nsotest.LoadBSS(0x2000, nsotest.Zeros(32), 16),
	)
}

func decodeHeader(t *testing.T, b []byte) Header {
	t.Helper()
	require.GreaterOrEqual(t, len(b), HeaderSize)
	var hdr Header
	require.NoError(t, binary.Read(bytes.NewReader(b[:HeaderSize]), binary.LittleEndian, &hdr))
	return hdr
}

func payload(t *testing.T, b []byte, hdr Header, kind SegmentKind) []byte {
	t.Helper()
	off := int(hdr.Segments[kind].FileOff)
	end := off + int(hdr.CompSz[kind])
	require.LessOrEqual(t, end, len(b))
	return b[off:end]
}

func decompress(t *testing.T, b []byte, hdr Header, kind SegmentKind) []byte {
	t.Helper()
	dst := make([]byte, hdr.Segments[kind].DecompSz)
	n, err := lz4.UncompressBlock(payload(t, b, hdr, kind), dst)
	require.NoError(t, err)
	return dst[:n]
}

func TestConvert_Minimal(t *testing.T) {
	in := minimalELF()
	var out bytes.Buffer

	res, err := Convert(context.Background(), in, &out)
	require.NoError(t, err)

	b := out.Bytes()
	hdr := decodeHeader(t, b)
	require.Equal(t, *res, hdr)
	require.Equal(t, []byte("NSO0"), b[:4])
	require.Equal(t, Flags, binary.LittleEndian.Uint32(b[0xc:]))

	require.Equal(t, Align(1), hdr.Segments[Text].Size(Text))
	require.Equal(t, Align(1), hdr.Segments[ROData].Size(ROData))
	require.Equal(t, BSSSize(16), hdr.Segments[Data].Size(Data))

	expected := [][]byte{nsotest.Zeros(64), nsotest.Zeros(16), nsotest.Zeros(32)}
	for _, kind := range SegmentKinds {
		require.Equal(t, expected[kind], decompress(t, b, hdr, kind), kind.String())
		require.Equal(t, sha256.Sum256(expected[kind]), hdr.Hashes[kind], kind.String())
	}

	require.Equal(t, uint32(0x0), hdr.Segments[Text].DstOff)
	require.Equal(t, uint32(0x1000), hdr.Segments[ROData].DstOff)
	require.Equal(t, uint32(0x2000), hdr.Segments[Data].DstOff)
	require.Equal(t, HeaderSize+int(hdr.PayloadSize()), len(b))
}

func TestConvert_Layout(t *testing.T) {
	r := rand.New(rand.NewSource(42))
	random := func(n int) []byte {
		b := make([]byte, n)
		r.Read(b)
		return b
	}
	in := nsotest.BuildELF(elf.EM_AARCH64,
		nsotest.Segment{Type: elf.PT_PHDR, Data: nsotest.Zeros(8)},
		nsotest.Load(0x0, nsotest.Pattern(4096, 3)),
		nsotest.Segment{Type: elf.PT_NOTE, Data: random(12)},
		nsotest.Load(0x20000, random(777)),
		nsotest.LoadBSS(0x30000, nsotest.Pattern(1500, 9), 0x4000),
		// Only the first three loadable segments are converted.
		nsotest.Load(0x90000, random(100)),
	)
	var out bytes.Buffer
	_, err := Convert(context.Background(), in, &out)
	require.NoError(t, err)

	b := out.Bytes()
	hdr := decodeHeader(t, b)

	offset := uint32(HeaderSize)
	for _, kind := range SegmentKinds {
		require.Equal(t, offset, hdr.Segments[kind].FileOff, kind.String())
		offset += hdr.CompSz[kind]
	}
	require.Equal(t, int(offset), len(b))

	loads := []int{1, 3, 4}
	for _, kind := range SegmentKinds {
		src := nsotest.SegmentData(in, loads[kind])
		require.Equal(t, uint32(len(src)), hdr.Segments[kind].DecompSz)
		require.Equal(t, sha256.Sum256(src), hdr.Hashes[kind])
		require.Equal(t, src, decompress(t, b, hdr, kind))
	}
	require.Equal(t, BSSSize(0x4000), hdr.Segments[Data].Size(Data))
}

func TestConvert_ParallelMatchesSequential(t *testing.T) {
	in := nsotest.BuildELF(elf.EM_AARCH64,
		nsotest.Load(0x0, nsotest.Pattern(1<<16, 1)),
		nsotest.Load(0x10000, nsotest.Pattern(1<<12, 2)),
		nsotest.LoadBSS(0x20000, nsotest.Pattern(1<<10, 3), 0x100),
	)

	var seq, par bytes.Buffer
	_, err := Convert(context.Background(), in, &seq)
	require.NoError(t, err)
	_, err = Convert(context.Background(), in, &par, WithParallelism(3))
	require.NoError(t, err)
	require.Equal(t, seq.Bytes(), par.Bytes())
}

func TestConvert_HighCompression(t *testing.T) {
	in := nsotest.BuildELF(elf.EM_AARCH64,
		nsotest.Load(0x0, nsotest.Pattern(8192, 1)),
		nsotest.Load(0x4000, nsotest.Pattern(2048, 2)),
		nsotest.LoadBSS(0x8000, nsotest.Pattern(1024, 3), 8),
	)
	c, err := NewLZ4Compressor(9)
	require.NoError(t, err)

	var out bytes.Buffer
	_, err = Convert(context.Background(), in, &out, WithCompressor(c))
	require.NoError(t, err)

	b := out.Bytes()
	hdr := decodeHeader(t, b)
	require.Equal(t, nsotest.Pattern(8192, 1), decompress(t, b, hdr, Text))
	require.Equal(t, nsotest.Pattern(1024, 3), decompress(t, b, hdr, Data))
}

func TestConvert_Errors(t *testing.T) {
	for _, tt := range []struct {
		name   string
		input  func() []byte
		reason Reason
	}{
		{
			name:   "nil input",
			input:  func() []byte { return nil },
			reason: NoInput,
		},
		{
			name:   "empty input",
			input:  func() []byte { return []byte{} },
			reason: NoInput,
		},
		{
			name:   "truncated header",
			input:  func() []byte { return minimalELF()[:elfHeaderSize-1] },
			reason: TruncatedHeader,
		},
		{
			name: "wrong architecture",
			input: func() []byte {
				b := minimalELF()
				nsotest.SetHeader(b, func(h *elf.Header64) { h.Machine = uint16(elf.EM_X86_64) })
				return b
			},
			reason: WrongArchitecture,
		},
		{
			name: "program headers past the end",
			input: func() []byte {
				b := minimalELF()
				nsotest.SetHeader(b, func(h *elf.Header64) { h.Phoff = uint64(len(b)) - progHeaderSize + 1 })
				return b
			},
			reason: PhdrsOutOfBounds,
		},
		{
			name: "program header table overflows",
			input: func() []byte {
				b := minimalELF()
				nsotest.SetHeader(b, func(h *elf.Header64) { h.Phoff = math.MaxUint64 - progHeaderSize })
				return b
			},
			reason: PhdrsOutOfBounds,
		},
		{
			name: "two loadable segments",
			input: func() []byte {
				return nsotest.BuildELF(elf.EM_AARCH64,
					nsotest.Load(0x0, nsotest.Zeros(64)),
					nsotest.Segment{Type: elf.PT_DYNAMIC, Data: nsotest.Zeros(16)},
					nsotest.Load(0x1000, nsotest.Zeros(16)),
				)
			},
			reason: MissingSegments,
		},
		{
			name: "segment outside the file",
			input: func() []byte {
				b := minimalELF()
				nsotest.SetProg(b, 1, func(p *elf.Prog64) { p.Off = uint64(len(b)) - 8 })
				return b
			},
			reason: SegmentOutOfBounds,
		},
		{
			name: "segment range overflows",
			input: func() []byte {
				b := minimalELF()
				nsotest.SetProg(b, 0, func(p *elf.Prog64) { p.Off = math.MaxUint64 - 8 })
				return b
			},
			reason: SegmentOutOfBounds,
		},
		{
			name: "data memory size below file size",
			input: func() []byte {
				b := minimalELF()
				nsotest.SetProg(b, 2, func(p *elf.Prog64) { p.Memsz = p.Filesz - 1 })
				return b
			},
			reason: BadBSS,
		},
		{
			name: "address wider than 32 bits",
			input: func() []byte {
				b := minimalELF()
				nsotest.SetProg(b, 0, func(p *elf.Prog64) { p.Vaddr = 0x7100000000 })
				return b
			},
			reason: FieldOverflow,
		},
	} {
		t.Run(tt.name, func(t *testing.T) {
			var out bytes.Buffer
			hdr, err := Convert(context.Background(), tt.input(), &out)
			require.Error(t, err)
			require.Nil(t, hdr)
			require.Equal(t, tt.reason, ReasonOf(err), err.Error())
			require.Zero(t, out.Len())
		})
	}
}

type failingCompressor struct {
	n   int
	err error
}

func (c failingCompressor) Bound(n int) int { return lz4.CompressBlockBound(n) }

func (c failingCompressor) CompressBlock(_, _ []byte) (int, error) { return c.n, c.err }

type tinyBoundCompressor struct{ failingCompressor }

func (tinyBoundCompressor) Bound(int) int { return 0 }

func TestConvert_CompressorErrors(t *testing.T) {
	for _, tt := range []struct {
		name       string
		compressor Compressor
		reason     Reason
	}{
		{"error", failingCompressor{err: errors.New("boom")}, CompressionFailed},
		{"zero length", failingCompressor{n: 0}, CompressionFailed},
		{"negative length", failingCompressor{n: -1}, CompressionFailed},
		{"invalid bound", tinyBoundCompressor{}, OutOfMemory},
	} {
		for _, parallelism := range []int{1, 3} {
			t.Run(tt.name, func(t *testing.T) {
				var out bytes.Buffer
				_, err := Convert(context.Background(), minimalELF(), &out,
					WithCompressor(tt.compressor),
					WithParallelism(parallelism),
				)
				require.Equal(t, tt.reason, ReasonOf(err))
				require.Zero(t, out.Len())
			})
		}
	}
}

type shortWriter struct {
	limit int
	buf   bytes.Buffer
}

func (w *shortWriter) Write(p []byte) (int, error) {
	if w.buf.Len()+len(p) > w.limit {
		n := w.limit - w.buf.Len()
		w.buf.Write(p[:n])
		return n, nil
	}
	return w.buf.Write(p)
}

type errWriter struct{}

func (errWriter) Write([]byte) (int, error) { return 0, errors.New("disk full") }

func TestConvert_WriteErrors(t *testing.T) {
	t.Run("short header write", func(t *testing.T) {
		w := &shortWriter{limit: 10}
		_, err := Convert(context.Background(), minimalELF(), w)
		require.True(t, IsReason(err, WriteFailed))
		require.Equal(t, 10, w.buf.Len())
	})
	t.Run("short payload write", func(t *testing.T) {
		w := &shortWriter{limit: HeaderSize + 1}
		_, err := Convert(context.Background(), minimalELF(), w)
		require.True(t, IsReason(err, WriteFailed))
		require.ErrorContains(t, err, "text segment")
	})
	t.Run("writer error", func(t *testing.T) {
		_, err := Convert(context.Background(), minimalELF(), errWriter{})
		require.True(t, IsReason(err, WriteFailed))
		require.ErrorContains(t, err, "disk full")
	})
	t.Run("nil output", func(t *testing.T) {
		_, err := Convert(context.Background(), minimalELF(), nil)
		require.True(t, IsReason(err, OutputUnavailable))
	})
}

func TestConvert_Canceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var out bytes.Buffer
	_, err := Convert(ctx, minimalELF(), &out)
	require.True(t, IsReason(err, Canceled))
	require.ErrorIs(t, err, context.Canceled)
	require.Zero(t, out.Len())
}

func TestConvert_Metrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	var out bytes.Buffer
	_, err := Convert(context.Background(), minimalELF(), &out, WithMetrics(m))
	require.NoError(t, err)
	_, err = Convert(context.Background(), []byte{}, &out, WithMetrics(m))
	require.Error(t, err)

	require.Equal(t, 1.0, testutil.ToFloat64(m.conversions.WithLabelValues("success")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.conversions.WithLabelValues(string(NoInput))))
	require.Equal(t, 64.0, testutil.ToFloat64(m.segmentBytes.WithLabelValues("text", "uncompressed")))
	require.Equal(t, 32.0, testutil.ToFloat64(m.segmentBytes.WithLabelValues("data", "uncompressed")))
	require.Equal(t, 1, testutil.CollectAndCount(m.duration))
}
