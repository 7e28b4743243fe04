package elf

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/fortiblox/bpf-vet/pkg/ebpf"
)

// secDef is one section of a synthesized test object.
type secDef struct {
	name    string
	typ     uint32
	data    []byte
	link    uint32
	info    uint32
	entSize uint64
}

// buildELF assembles a minimal little-endian ELF64 object from sections.
// A null section and the section name string table are added automatically.
func buildELF(secs []secDef) []byte {
	le := binary.LittleEndian

	// Section name string table.
	shstr := []byte{0}
	nameOff := make([]uint32, len(secs))
	for i, s := range secs {
		nameOff[i] = uint32(len(shstr))
		shstr = append(shstr, []byte(s.name)...)
		shstr = append(shstr, 0)
	}
	shstrNameOff := uint32(len(shstr))
	shstr = append(shstr, []byte(".shstrtab")...)
	shstr = append(shstr, 0)

	// Data layout: header, section payloads, shstrtab, header table.
	out := make([]byte, 64)
	copy(out, elfMagic)
	out[4] = elfClass64
	out[5] = elfDataLSB
	out[6] = 1 // version

	dataOff := make([]uint64, len(secs))
	for i, s := range secs {
		dataOff[i] = uint64(len(out))
		out = append(out, s.data...)
	}
	shstrOff := uint64(len(out))
	out = append(out, shstr...)

	shOff := uint64(len(out))
	shNum := uint16(len(secs) + 2)

	writeHdr := func(name uint32, typ uint32, off, size uint64, link, info uint32, entSize uint64) {
		hdr := make([]byte, 64)
		le.PutUint32(hdr[0:], name)
		le.PutUint32(hdr[4:], typ)
		le.PutUint64(hdr[24:], off)
		le.PutUint64(hdr[32:], size)
		le.PutUint32(hdr[40:], link)
		le.PutUint32(hdr[44:], info)
		le.PutUint64(hdr[56:], entSize)
		out = append(out, hdr...)
	}

	writeHdr(0, 0, 0, 0, 0, 0, 0) // null section
	for i, s := range secs {
		writeHdr(nameOff[i], s.typ, dataOff[i], uint64(len(s.data)), s.link, s.info, s.entSize)
	}
	writeHdr(shstrNameOff, 3, shstrOff, uint64(len(shstr)), 0, 0, 0)

	le.PutUint16(out[16:], 1)   // ET_REL
	le.PutUint16(out[18:], 247) // EM_BPF
	le.PutUint64(out[40:], shOff)
	le.PutUint16(out[58:], 64)
	le.PutUint16(out[60:], shNum)
	le.PutUint16(out[62:], shNum-1)
	return out
}

func mapDef(typ, keySize, valueSize, maxEntries uint32) []byte {
	le := binary.LittleEndian
	b := make([]byte, mapDefSize)
	le.PutUint32(b[0:], typ)
	le.PutUint32(b[4:], keySize)
	le.PutUint32(b[8:], valueSize)
	le.PutUint32(b[12:], maxEntries)
	return b
}

func symbolEntry(shndx uint16, value uint64) []byte {
	le := binary.LittleEndian
	b := make([]byte, 24)
	b[4] = 2 // STT_FUNC-ish info; the reader only needs value and shndx
	le.PutUint16(b[6:], shndx)
	le.PutUint64(b[8:], value)
	return b
}

func relEntry(offset uint64, symIdx uint32) []byte {
	le := binary.LittleEndian
	b := make([]byte, 16)
	le.PutUint64(b[0:], offset)
	le.PutUint64(b[8:], uint64(symIdx)<<32|1)
	return b
}

func testObject() []byte {
	prog := ebpf.BytesOf([]ebpf.Word{
		ebpf.NewWord(ebpf.OpLddw, 1, 0, 0, 0),
		0,
		ebpf.NewWord(ebpf.OpMov64Imm, 0, 0, 0, 0),
		ebpf.NewWord(ebpf.OpExit, 0, 0, 0, 0),
	})

	maps := append(mapDef(1, 4, 8, 64), mapDef(2, 8, 16, 128)...)

	symtab := append(symbolEntry(0, 0), symbolEntry(2, mapDefSize)...)

	rel := relEntry(0, 1) // the lddw at pc 0 refers to map index 1

	return buildELF([]secDef{
		{name: "xdp", typ: shtProgbits, data: prog},
		{name: "maps", typ: shtProgbits, data: maps},
		{name: ".symtab", typ: shtSymtab, data: symtab, entSize: 24},
		{name: ".relxdp", typ: shtRel, data: rel, entSize: 16},
	})
}

func TestReadObject(t *testing.T) {
	progs, err := Read("test.o", testObject(), "")
	if err != nil {
		t.Fatalf("Read() failed: %v", err)
	}
	if len(progs) != 1 {
		t.Fatalf("Read() returned %d programs, want 1", len(progs))
	}

	p := progs[0]
	if p.Section != "xdp" {
		t.Errorf("section = %q, want xdp", p.Section)
	}
	if p.Info.Type != ebpf.ProgTypeXdp {
		t.Errorf("program type = %v, want xdp", p.Info.Type)
	}
	if len(p.Words) != 4 {
		t.Errorf("program has %d words, want 4", len(p.Words))
	}

	if len(p.Info.Maps) != 2 {
		t.Fatalf("parsed %d maps, want 2", len(p.Info.Maps))
	}
	if m := p.Info.Maps[1]; m.KeySize != 8 || m.ValueSize != 16 || m.MaxEntries != 128 {
		t.Errorf("map 1 = %+v, want key 8, value 16, entries 128", m)
	}

	if idx, ok := p.Relocs[0]; !ok || idx != 1 {
		t.Errorf("relocation at pc 0 = %d (%v), want map index 1", idx, ok)
	}

	// The relocated program must decode to a LoadMapFd.
	decoded, err := ebpf.Decode(p.Words, p.Relocs)
	if err != nil {
		t.Fatalf("Decode() failed: %v", err)
	}
	lmf, ok := decoded[0].Inst.(ebpf.LoadMapFd)
	if !ok || lmf.Fd != 1 {
		t.Errorf("instruction 0 = %+v, want LoadMapFd with fd 1", decoded[0].Inst)
	}
}

func TestReadDesiredSection(t *testing.T) {
	if _, err := Read("test.o", testObject(), "xdp"); err != nil {
		t.Errorf("Read() with matching section failed: %v", err)
	}
	if _, err := Read("test.o", testObject(), "socket1"); !errors.Is(err, ErrNoPrograms) {
		t.Errorf("Read() with missing section = %v, want ErrNoPrograms", err)
	}
}

func TestReadRejectsGarbage(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		want error
	}{
		{"empty", nil, ErrInvalidELF},
		{"short", []byte{0x7f, 'E', 'L', 'F'}, ErrInvalidELF},
		{"not elf", make([]byte, 128), ErrInvalidELF},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Read("x", tt.data, ""); !errors.Is(err, tt.want) {
				t.Errorf("Read() = %v, want %v", err, tt.want)
			}
		})
	}

	wrongClass := testObject()
	wrongClass[4] = 1
	if _, err := Read("x", wrongClass, ""); !errors.Is(err, ErrUnsupportedClass) {
		t.Errorf("Read() 32-bit = %v, want ErrUnsupportedClass", err)
	}

	bigEndian := testObject()
	bigEndian[5] = 2
	if _, err := Read("x", bigEndian, ""); !errors.Is(err, ErrUnsupportedEndian) {
		t.Errorf("Read() big-endian = %v, want ErrUnsupportedEndian", err)
	}
}
