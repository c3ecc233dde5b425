// Package nso converts AArch64 ELF executables into NSO0 images.
//
// An NSO0 image is a fixed 0x100 byte header followed by the LZ4 compressed
// text, rodata and data segments of the executable, in that order. The
// header records where each segment lands in the file and in memory, its
// uncompressed and compressed sizes and the SHA-256 of its uncompressed bytes.
package nso

import (
	"context"
	"crypto/sha256"
	"debug/elf"
	"encoding/hex"
	"io"
	"math"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

type segment struct {
	kind    SegmentKind
	prog    elf.Prog64
	data    []byte
	size    SizeField
	hash    [sha256.Size]byte
	payload []byte
}

// Convert writes the NSO0 image of the ELF executable elfData to out.
//
// The first three PT_LOAD program headers, in table order, become the text,
// rodata and data segments. Nothing is written to out unless the input is
// valid and every segment compressed; a failed write leaves whatever was
// already written in place.
//
// The returned header describes the written image. Errors carry a Reason,
// see ReasonOf.
func Convert(ctx context.Context, elfData []byte, out io.Writer, opts ...Option) (*Header, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	start := time.Now()
	hdr, err := convert(ctx, elfData, out, &o)
	o.metrics.observeConversion(err, time.Since(start))
	if err != nil {
		return nil, err
	}
	return hdr, nil
}

func convert(ctx context.Context, elfData []byte, out io.Writer, o *options) (*Header, error) {
	if sz := headerLayoutSize(); sz != HeaderSize {
		return nil, NewErrorf(BadEnvironment, "bad compile environment: header is %#x bytes, expected %#x", sz, HeaderSize)
	}

	im, err := newImage(elfData)
	if err != nil {
		return nil, err
	}
	progs, err := im.loadSegments()
	if err != nil {
		return nil, err
	}

	var segs [numSegments]*segment
	for _, kind := range SegmentKinds {
		if segs[kind], err = newSegment(im, kind, progs[kind]); err != nil {
			return nil, err
		}
	}

	if err = compressSegments(ctx, segs, o); err != nil {
		return nil, err
	}

	hdr, err := assembleHeader(segs)
	if err != nil {
		return nil, err
	}
	for _, s := range segs {
		logSegment(o.logger, hdr, s)
		o.metrics.observeSegment(s.kind, len(s.data), len(s.payload))
	}

	if err = ctx.Err(); err != nil {
		return nil, Wrapf(Canceled, err, "conversion canceled")
	}
	if err = writeImage(out, hdr, segs); err != nil {
		return nil, err
	}
	return hdr, nil
}

func newSegment(im *image, kind SegmentKind, p elf.Prog64) (*segment, error) {
	data, err := im.bytes(p.Off, p.Filesz)
	if err != nil {
		return nil, errors.WithMessagef(err, "%s segment", kind)
	}
	if p.Filesz > math.MaxUint32 {
		return nil, NewErrorf(FieldOverflow, "%s segment size %#x doesn't fit the NSO header", kind, p.Filesz)
	}
	if p.Vaddr > math.MaxUint32 {
		return nil, NewErrorf(FieldOverflow, "%s segment address %#x doesn't fit the NSO header", kind, p.Vaddr)
	}

	s := &segment{
		kind: kind,
		prog: p,
		data: data,
		size: Align(segmentAlign),
	}
	if kind == Data {
		if p.Memsz < p.Filesz {
			return nil, NewErrorf(BadBSS, "%s segment memory size %#x is smaller than its file size %#x", kind, p.Memsz, p.Filesz)
		}
		bss := p.Memsz - p.Filesz
		if bss > math.MaxUint32 {
			return nil, NewErrorf(FieldOverflow, "%s segment bss size %#x doesn't fit the NSO header", kind, bss)
		}
		s.size = BSSSize(uint32(bss))
	}
	return s, nil
}

// compress hashes and compresses the segment. It only touches s, so
// different segments may be compressed concurrently.
func (s *segment) compress(c Compressor) error {
	s.hash = sha256.Sum256(s.data)

	bound := c.Bound(len(s.data))
	if bound < len(s.data) {
		return NewErrorf(OutOfMemory, "compressing %s segment: no room for %d bytes (bound %d)", s.kind, len(s.data), bound)
	}
	buf := make([]byte, bound)
	n, err := c.CompressBlock(s.data, buf)
	if err != nil {
		return Wrapf(CompressionFailed, err, "compressing %s segment", s.kind)
	}
	if n <= 0 || n > len(buf) {
		return NewErrorf(CompressionFailed, "compressing %s segment: compressor returned %d bytes", s.kind, n)
	}
	s.payload = buf[:n]
	return nil
}

func compressSegments(ctx context.Context, segs [numSegments]*segment, o *options) error {
	if o.parallelism < 2 {
		for _, s := range segs {
			if err := ctx.Err(); err != nil {
				return Wrapf(Canceled, err, "conversion canceled")
			}
			if err := s.compress(o.compressor); err != nil {
				return err
			}
		}
		return nil
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(o.parallelism)
	for _, s := range segs {
		s := s
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return Wrapf(Canceled, err, "conversion canceled")
			}
			return s.compress(o.compressor)
		})
	}
	return g.Wait()
}

// assembleHeader lays the compressed segments out back to back after the
// header, in segment order.
func assembleHeader(segs [numSegments]*segment) (*Header, error) {
	hdr := newHeader()
	cursor := uint64(HeaderSize)
	for i, s := range segs {
		if cursor > math.MaxUint32 {
			return nil, NewErrorf(FieldOverflow, "%s segment file offset %#x doesn't fit the NSO header", s.kind, cursor)
		}
		hdr.Segments[i] = SegmentHeader{
			FileOff:  uint32(cursor),
			DstOff:   uint32(s.prog.Vaddr),
			DecompSz: uint32(s.prog.Filesz),
		}
		hdr.Segments[i].setSize(s.size)
		hdr.CompSz[i] = uint32(len(s.payload))
		hdr.Hashes[i] = s.hash
		cursor += uint64(len(s.payload))
	}
	return hdr, nil
}

func writeImage(out io.Writer, hdr *Header, segs [numSegments]*segment) error {
	if out == nil {
		return NewErrorf(OutputUnavailable, "failed to open output")
	}
	w := withOffsetWriter(out)
	if _, err := hdr.WriteTo(w); err != nil {
		return Wrapf(WriteFailed, err, "writing header")
	}
	for _, s := range segs {
		if _, err := w.Write(s.payload); err != nil {
			return Wrapf(WriteFailed, err, "writing %s segment at %#x", s.kind, w.offset)
		}
	}
	return nil
}

func logSegment(logger log.Logger, hdr *Header, s *segment) {
	sh := hdr.Segment(s.kind)
	level.Debug(logger).Log(
		"msg", "segment converted",
		"segment", s.kind,
		"file_offset", sh.FileOff,
		"address", sh.DstOff,
		"size", sh.DecompSz,
		"compressed", hdr.CompSz[s.kind],
		"size_field", sh.Size(s.kind),
		"sha256", hex.EncodeToString(s.hash[:]),
	)
}
