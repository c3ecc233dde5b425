// Package nsotest builds synthetic ELF64 images for tests.
package nsotest

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
)

const (
	headerSize = 64
	progSize   = 56
)

// Segment is one program header of a synthetic image. Data is placed in the
// file right after the program header table, segments back to back.
type Segment struct {
	Type  elf.ProgType
	Flags elf.ProgFlag
	Vaddr uint64
	Data  []byte
	// Memsz defaults to len(Data) when zero.
	Memsz uint64
}

// Load is a PT_LOAD segment holding data at vaddr.
func Load(vaddr uint64, data []byte) Segment {
	return Segment{Type: elf.PT_LOAD, Flags: elf.PF_R, Vaddr: vaddr, Data: data}
}

// LoadBSS is a PT_LOAD segment with bss extra zero bytes in memory.
func LoadBSS(vaddr uint64, data []byte, bss uint64) Segment {
	s := Load(vaddr, data)
	s.Flags = elf.PF_R | elf.PF_W
	s.Memsz = uint64(len(data)) + bss
	return s
}

// Zeros returns n zero bytes.
func Zeros(n int) []byte { return make([]byte, n) }

// Pattern returns n bytes of a repeating, compressible pattern seeded by seed.
func Pattern(n int, seed byte) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = seed + byte(i%7)*byte(i%13)
	}
	return b
}

// BuildELF returns a little-endian ELF64 executable for machine with the given segments.
func BuildELF(machine elf.Machine, segs ...Segment) []byte {
	hdr := elf.Header64{
		Type:      uint16(elf.ET_EXEC),
		Machine:   uint16(machine),
		Version:   uint32(elf.EV_CURRENT),
		Phoff:     headerSize,
		Ehsize:    headerSize,
		Phentsize: progSize,
		Phnum:     uint16(len(segs)),
	}
	copy(hdr.Ident[:], elf.ELFMAG)
	hdr.Ident[elf.EI_CLASS] = byte(elf.ELFCLASS64)
	hdr.Ident[elf.EI_DATA] = byte(elf.ELFDATA2LSB)
	hdr.Ident[elf.EI_VERSION] = byte(elf.EV_CURRENT)

	buf := new(bytes.Buffer)
	_ = binary.Write(buf, binary.LittleEndian, hdr)

	off := uint64(headerSize + progSize*len(segs))
	for _, s := range segs {
		memsz := s.Memsz
		if memsz == 0 {
			memsz = uint64(len(s.Data))
		}
		_ = binary.Write(buf, binary.LittleEndian, elf.Prog64{
			Type:   uint32(s.Type),
			Flags:  uint32(s.Flags),
			Off:    off,
			Vaddr:  s.Vaddr,
			Paddr:  s.Vaddr,
			Filesz: uint64(len(s.Data)),
			Memsz:  memsz,
			Align:  0x1000,
		})
		off += uint64(len(s.Data))
	}
	for _, s := range segs {
		buf.Write(s.Data)
	}
	return buf.Bytes()
}

// Prog decodes program header i of an image built by BuildELF.
func Prog(b []byte, i int) elf.Prog64 {
	var p elf.Prog64
	off := headerSize + progSize*i
	_ = binary.Read(bytes.NewReader(b[off:off+progSize]), binary.LittleEndian, &p)
	return p
}

// SetProg rewrites program header i in place.
func SetProg(b []byte, i int, fn func(p *elf.Prog64)) {
	p := Prog(b, i)
	fn(&p)
	buf := bytes.NewBuffer(b[headerSize+progSize*i : headerSize+progSize*i])
	_ = binary.Write(buf, binary.LittleEndian, p)
}

// SetHeader rewrites the ELF header in place.
func SetHeader(b []byte, fn func(h *elf.Header64)) {
	var h elf.Header64
	_ = binary.Read(bytes.NewReader(b[:headerSize]), binary.LittleEndian, &h)
	fn(&h)
	buf := bytes.NewBuffer(b[:0])
	_ = binary.Write(buf, binary.LittleEndian, h)
}

// SegmentData returns the file bytes of program header i.
func SegmentData(b []byte, i int) []byte {
	p := Prog(b, i)
	return b[p.Off : p.Off+p.Filesz]
}
