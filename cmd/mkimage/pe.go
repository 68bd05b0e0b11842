package main

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"fmt"
)

// The packager turns the stub ELF and the payload into one PE boot image:
// every stub load segment becomes a PE section, the payload travels in a
// .blob section behind a little-endian length prefix, and a minimal
// .reloc directory keeps PE validators content.
const (
	sectionAlignment = 0x1000
	fileAlignment    = 0x200

	dosHeaderSize      = 0x40
	peSignatureSize    = 4
	coffHeaderSize     = 20
	optionalHeaderSize = 240
	sectionHeaderSize  = 40

	machineAMD64 = 0x8664

	// IMAGE_FILE_EXECUTABLE_IMAGE | IMAGE_FILE_LARGE_ADDRESS_AWARE
	imageCharacteristics = 0x0002 | 0x0020

	subsystemEFIApplication = 10

	secCode         = 0x0000_0020
	secInitData     = 0x0000_0040
	secExecute      = 0x2000_0000
	secRead         = 0x4000_0000
	secWrite        = 0x8000_0000
	secDiscardable  = 0x0200_0000
	dirBaseRelocIdx = 5
)

// peSection is one section record under construction.
type peSection struct {
	name            string
	virtualAddress  uint64
	virtualSize     uint64
	rawData         []byte
	characteristics uint32
}

// CreateImage packages the stub ELF and the payload into a PE image.
func CreateImage(stub, payload []byte) ([]byte, error) {
	stubELF, err := elf.NewFile(bytes.NewReader(stub))
	if err != nil {
		return nil, fmt.Errorf("parsing stub: %w", err)
	}
	if stubELF.Machine != elf.EM_X86_64 {
		return nil, fmt.Errorf("unsupported stub machine %s", stubELF.Machine)
	}

	var loadSegs []*elf.Prog
	imageBase := ^uint64(0)
	for _, prog := range stubELF.Progs {
		if prog.Type != elf.PT_LOAD {
			continue
		}
		loadSegs = append(loadSegs, prog)
		if prog.Vaddr < imageBase {
			imageBase = prog.Vaddr
		}
	}
	if len(loadSegs) == 0 {
		return nil, fmt.Errorf("stub has no loadable segments")
	}
	imageBase &^= uint64(sectionAlignment - 1)

	var (
		sections   []peSection
		baseOfCode uint64
	)

	for i, prog := range loadSegs {
		raw := make([]byte, prog.Filesz)
		if _, err := prog.ReadAt(raw, 0); err != nil && prog.Filesz != 0 {
			return nil, fmt.Errorf("reading stub segment %d: %w", i, err)
		}

		characteristics := uint32(secRead | secInitData)
		if prog.Flags&elf.PF_W != 0 {
			characteristics |= secWrite
		}
		if prog.Flags&elf.PF_X != 0 {
			characteristics |= secExecute | secCode
			characteristics &^= secInitData
		}

		va := prog.Vaddr - imageBase + sectionAlignment
		if prog.Flags&elf.PF_X != 0 && (baseOfCode == 0 || va < baseOfCode) {
			baseOfCode = va
		}

		sections = append(sections, peSection{
			name:            fmt.Sprintf(".seg%d", i),
			virtualAddress:  va,
			virtualSize:     prog.Memsz,
			rawData:         raw,
			characteristics: characteristics,
		})
	}

	// The payload blob: 8 bytes of length followed by the image bytes.
	blob := make([]byte, 8+len(payload))
	binary.LittleEndian.PutUint64(blob, uint64(len(payload)))
	copy(blob[8:], payload)

	blobVA := nextVA(sections)
	sections = append(sections, peSection{
		name:            ".blob",
		virtualAddress:  blobVA,
		virtualSize:     uint64(len(blob)),
		rawData:         blob,
		characteristics: secRead | secInitData,
	})

	// A minimal relocation directory: one empty block pointing at the
	// code base.
	reloc := make([]byte, 8)
	binary.LittleEndian.PutUint32(reloc, uint32(baseOfCode))
	binary.LittleEndian.PutUint32(reloc[4:], 8)

	relocVA := nextVA(sections)
	sections = append(sections, peSection{
		name:            ".reloc",
		virtualAddress:  relocVA,
		virtualSize:     uint64(len(reloc)),
		rawData:         reloc,
		characteristics: secRead | secInitData | secDiscardable,
	})

	return writePE(stubELF.Entry-imageBase+sectionAlignment, imageBase, baseOfCode, relocVA, sections)
}

// nextVA returns the next section-aligned virtual address behind the
// existing sections.
func nextVA(sections []peSection) uint64 {
	last := sections[len(sections)-1]
	return alignUp(last.virtualAddress+last.virtualSize, sectionAlignment)
}

func alignUp(v, alignment uint64) uint64 {
	return (v + alignment - 1) &^ (alignment - 1)
}

// writePE assembles the final image bytes.
func writePE(entryRVA, imageBase, baseOfCode, relocVA uint64, sections []peSection) ([]byte, error) {
	headersSize := uint64(dosHeaderSize + peSignatureSize + coffHeaderSize +
		optionalHeaderSize + len(sections)*sectionHeaderSize)
	alignedHeaders := alignUp(headersSize, fileAlignment)

	// Assign file offsets.
	rawOffsets := make([]uint64, len(sections))
	rawSizes := make([]uint64, len(sections))
	offset := alignedHeaders
	for i, sec := range sections {
		rawOffsets[i] = offset
		rawSizes[i] = alignUp(uint64(len(sec.rawData)), fileAlignment)
		offset += rawSizes[i]
	}

	sizeOfImage := alignUp(sections[len(sections)-1].virtualAddress+
		sections[len(sections)-1].virtualSize, sectionAlignment)

	buf := make([]byte, offset)

	// DOS header: the magic and the PE header offset.
	copy(buf, []byte{'M', 'Z'})
	binary.LittleEndian.PutUint32(buf[0x3C:], dosHeaderSize)

	// PE signature + COFF header.
	pe := buf[dosHeaderSize:]
	copy(pe, []byte{'P', 'E', 0, 0})

	coff := pe[peSignatureSize:]
	binary.LittleEndian.PutUint16(coff[0:], machineAMD64)
	binary.LittleEndian.PutUint16(coff[2:], uint16(len(sections)))
	binary.LittleEndian.PutUint16(coff[16:], optionalHeaderSize)
	binary.LittleEndian.PutUint16(coff[18:], imageCharacteristics)

	// Optional header (PE32+).
	opt := coff[coffHeaderSize:]
	binary.LittleEndian.PutUint16(opt[0:], 0x20B)
	binary.LittleEndian.PutUint32(opt[16:], uint32(entryRVA))
	binary.LittleEndian.PutUint32(opt[20:], uint32(baseOfCode))
	binary.LittleEndian.PutUint64(opt[24:], imageBase)
	binary.LittleEndian.PutUint32(opt[32:], sectionAlignment)
	binary.LittleEndian.PutUint32(opt[36:], fileAlignment)
	binary.LittleEndian.PutUint16(opt[48:], 6) // major subsystem version
	binary.LittleEndian.PutUint32(opt[56:], uint32(sizeOfImage))
	binary.LittleEndian.PutUint32(opt[60:], uint32(alignedHeaders))
	binary.LittleEndian.PutUint16(opt[68:], subsystemEFIApplication)
	binary.LittleEndian.PutUint64(opt[72:], 0x10000)  // stack reserve
	binary.LittleEndian.PutUint64(opt[80:], 0x10000)  // stack commit
	binary.LittleEndian.PutUint64(opt[88:], 0x100000) // heap reserve
	binary.LittleEndian.PutUint64(opt[96:], 0x1000)   // heap commit
	binary.LittleEndian.PutUint32(opt[108:], 16)      // directory count

	// Base relocation directory.
	binary.LittleEndian.PutUint32(opt[112+dirBaseRelocIdx*8:], uint32(relocVA))
	binary.LittleEndian.PutUint32(opt[112+dirBaseRelocIdx*8+4:], 8)

	// Section headers.
	secHeaders := opt[optionalHeaderSize:]
	for i, sec := range sections {
		h := secHeaders[i*sectionHeaderSize:]

		if len(sec.name) > 8 {
			return nil, fmt.Errorf("section name %q too long", sec.name)
		}
		copy(h[0:8], sec.name)

		binary.LittleEndian.PutUint32(h[8:], uint32(sec.virtualSize))
		binary.LittleEndian.PutUint32(h[12:], uint32(sec.virtualAddress))
		binary.LittleEndian.PutUint32(h[16:], uint32(rawSizes[i]))
		binary.LittleEndian.PutUint32(h[20:], uint32(rawOffsets[i]))
		binary.LittleEndian.PutUint32(h[36:], sec.characteristics)

		copy(buf[rawOffsets[i]:], sec.rawData)
	}

	return buf, nil
}
