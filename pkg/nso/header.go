package nso

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"
)

const (
	// HeaderSize is the size of the NSO0 header. Segment payloads start right after it.
	HeaderSize = 0x100

	// Flags is written verbatim into the header flags word.
	Flags uint32 = 0x3f

	// segmentAlign is the alignment recorded for the text and rodata segments.
	segmentAlign uint32 = 1
)

// Magic identifies an NSO0 image.
var Magic = [4]byte{'N', 'S', 'O', '0'}

// SegmentKind names one of the three fixed NSO segment slots.
type SegmentKind int

const (
	Text SegmentKind = iota
	ROData
	Data

	numSegments = 3
)

// SegmentKinds lists the segment slots in file order.
var SegmentKinds = [numSegments]SegmentKind{Text, ROData, Data}

func (k SegmentKind) String() string {
	switch k {
	case Text:
		return "text"
	case ROData:
		return "rodata"
	case Data:
		return "data"
	default:
		return fmt.Sprintf("segment(%d)", int(k))
	}
}

// SegmentHeader is the on-disk segment descriptor.
//
// AlignOrBSS is an overloaded slot: it holds the alignment for the text and
// rodata segments and the BSS size for the data segment. Use Size to read it.
type SegmentHeader struct {
	FileOff    uint32
	DstOff     uint32
	DecompSz   uint32
	AlignOrBSS uint32
}

// Size decodes the AlignOrBSS slot according to the segment it belongs to.
func (s SegmentHeader) Size(kind SegmentKind) SizeField {
	if kind == Data {
		return BSSSize(s.AlignOrBSS)
	}
	return Align(s.AlignOrBSS)
}

func (s *SegmentHeader) setSize(f SizeField) {
	s.AlignOrBSS = f.n
}

type sizeKind uint8

const (
	sizeAlign sizeKind = iota
	sizeBSS
)

// SizeField is the value stored in a segment descriptor's AlignOrBSS slot.
type SizeField struct {
	kind sizeKind
	n    uint32
}

func Align(n uint32) SizeField   { return SizeField{kind: sizeAlign, n: n} }
func BSSSize(n uint32) SizeField { return SizeField{kind: sizeBSS, n: n} }

func (f SizeField) IsBSS() bool   { return f.kind == sizeBSS }
func (f SizeField) Value() uint32 { return f.n }

func (f SizeField) String() string {
	if f.IsBSS() {
		return fmt.Sprintf("bss=%#x", f.n)
	}
	return fmt.Sprintf("align=%#x", f.n)
}

// Extent is a (offset, size) pair relative to the rodata segment.
type Extent struct {
	Offset uint32
	Size   uint32
}

// Header is the fixed 0x100 byte NSO0 header, laid out exactly as on disk.
type Header struct {
	Magic    [4]byte
	Version  uint32
	_        uint32
	Flags    uint32
	Segments [numSegments]SegmentHeader
	BuildID  [0x20]byte
	CompSz   [numSegments]uint32
	_        [0x1c]byte
	APIInfo  Extent
	DynStr   Extent
	DynSym   Extent
	Hashes   [numSegments][sha256.Size]byte
}

func newHeader() *Header {
	return &Header{
		Magic: Magic,
		Flags: Flags,
	}
}

// Segment returns the descriptor of the given segment.
func (h *Header) Segment(kind SegmentKind) SegmentHeader {
	return h.Segments[kind]
}

// PayloadSize returns the total size of the compressed payloads following the header.
func (h *Header) PayloadSize() uint64 {
	var n uint64
	for _, sz := range h.CompSz {
		n += uint64(sz)
	}
	return n
}

// MarshalBinary encodes the header in little-endian byte order.
func (h *Header) MarshalBinary() ([]byte, error) {
	buf := bytes.NewBuffer(make([]byte, 0, HeaderSize))
	if err := binary.Write(buf, binary.LittleEndian, h); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// WriteTo writes the encoded header to w as a single block.
func (h *Header) WriteTo(w io.Writer) (int64, error) {
	b, err := h.MarshalBinary()
	if err != nil {
		return 0, err
	}
	n, err := w.Write(b)
	return int64(n), err
}

func headerLayoutSize() int {
	return binary.Size(Header{})
}
