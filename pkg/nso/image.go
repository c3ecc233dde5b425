package nso

import (
	"bytes"
	"debug/elf"
	"encoding/binary"

	"github.com/pkg/errors"
)

const (
	elfHeaderSize  = 64 // binary.Size(elf.Header64{})
	progHeaderSize = 56 // binary.Size(elf.Prog64{})
)

// image is a read-only view over an in-memory ELF64 executable.
type image struct {
	data []byte
	hdr  elf.Header64
}

func newImage(b []byte) (*image, error) {
	if len(b) == 0 {
		return nil, NewErrorf(NoInput, "input is empty")
	}
	if len(b) < elfHeaderSize {
		return nil, NewErrorf(TruncatedHeader, "input of %d bytes doesn't fit an ELF header", len(b))
	}

	im := &image{data: b}
	if err := binary.Read(bytes.NewReader(b[:elfHeaderSize]), binary.LittleEndian, &im.hdr); err != nil {
		return nil, Wrapf(TruncatedHeader, err, "decoding ELF header")
	}

	if m := elf.Machine(im.hdr.Machine); m != elf.EM_AARCH64 {
		return nil, NewErrorf(WrongArchitecture, "invalid ELF: expected %s, got %s", elf.EM_AARCH64, m)
	}

	// Phnum is 16 bits wide so the table size can't overflow on its own.
	end := im.hdr.Phoff + uint64(im.hdr.Phnum)*progHeaderSize
	if end < im.hdr.Phoff || end > uint64(len(b)) {
		return nil, NewErrorf(PhdrsOutOfBounds,
			"invalid ELF: program headers at %#x (%d entries) outside file of %d bytes",
			im.hdr.Phoff, im.hdr.Phnum, len(b))
	}
	return im, nil
}

func (im *image) prog(i int) (elf.Prog64, error) {
	var p elf.Prog64
	off := im.hdr.Phoff + uint64(i)*progHeaderSize
	raw, err := im.bytes(off, progHeaderSize)
	if err != nil {
		return p, err
	}
	err = binary.Read(bytes.NewReader(raw), binary.LittleEndian, &p)
	return p, err
}

// loadSegments returns the first three PT_LOAD program headers in table
// order. Anything past the third is never looked at.
func (im *image) loadSegments() ([numSegments]elf.Prog64, error) {
	var (
		res   [numSegments]elf.Prog64
		found int
	)
	for i := 0; i < int(im.hdr.Phnum) && found < numSegments; i++ {
		p, err := im.prog(i)
		if err != nil {
			return res, errors.Wrapf(err, "reading program header %d", i)
		}
		if elf.ProgType(p.Type) != elf.PT_LOAD {
			continue
		}
		res[found] = p
		found++
	}
	if found < numSegments {
		return res, NewErrorf(MissingSegments, "invalid ELF: expected %d loadable segments, found %d", numSegments, found)
	}
	return res, nil
}

// bytes returns the size bytes starting at off. The returned slice is capped
// so that appending to it can't clobber the input.
func (im *image) bytes(off, size uint64) ([]byte, error) {
	end := off + size
	if end < off || end > uint64(len(im.data)) {
		return nil, NewErrorf(SegmentOutOfBounds, "range [%#x, %#x) outside file of %d bytes", off, off+size, len(im.data))
	}
	return im.data[off:end:end], nil
}
