package main

import (
	"bytes"
	"encoding/binary"
	"testing"

	saferwall "github.com/saferwall/pe"
	"github.com/stretchr/testify/require"
)

// makeStubELF builds a minimal two-segment stub executable: one
// executable segment and one writable data segment.
func makeStubELF(t *testing.T) []byte {
	t.Helper()

	const (
		ehsize    = 64
		phentsize = 56
		dataStart = 0x1000
		imageBase = 0x20_0000
	)

	code := []byte{0xF4, 0xC3}
	data := []byte{1, 2, 3, 4}

	buf := make([]byte, dataStart+0x1000+len(data))
	copy(buf, []byte{0x7F, 'E', 'L', 'F', 2, 1, 1})
	binary.LittleEndian.PutUint16(buf[16:], 2)  // ET_EXEC
	binary.LittleEndian.PutUint16(buf[18:], 62) // EM_X86_64
	binary.LittleEndian.PutUint32(buf[20:], 1)
	binary.LittleEndian.PutUint64(buf[24:], imageBase) // entry
	binary.LittleEndian.PutUint64(buf[32:], ehsize)
	binary.LittleEndian.PutUint16(buf[52:], ehsize)
	binary.LittleEndian.PutUint16(buf[54:], phentsize)
	binary.LittleEndian.PutUint16(buf[56:], 2)

	phdr := func(index int, flags uint32, off, vaddr, filesz, memsz uint64) {
		p := buf[ehsize+index*phentsize:]
		binary.LittleEndian.PutUint32(p[0:], 1) // PT_LOAD
		binary.LittleEndian.PutUint32(p[4:], flags)
		binary.LittleEndian.PutUint64(p[8:], off)
		binary.LittleEndian.PutUint64(p[16:], vaddr)
		binary.LittleEndian.PutUint64(p[24:], vaddr)
		binary.LittleEndian.PutUint64(p[32:], filesz)
		binary.LittleEndian.PutUint64(p[40:], memsz)
		binary.LittleEndian.PutUint64(p[48:], 0x1000)
	}

	phdr(0, 0x5, dataStart, imageBase, uint64(len(code)), uint64(len(code)))
	phdr(1, 0x6, dataStart+0x1000, imageBase+0x1000, uint64(len(data)), uint64(len(data))+0x100)

	copy(buf[dataStart:], code)
	copy(buf[dataStart+0x1000:], data)
	return buf
}

func TestCreateImage(t *testing.T) {
	stub := makeStubELF(t)
	payload := []byte("payload-elf-bytes")

	image, err := CreateImage(stub, payload)
	require.NoError(t, err)

	// DOS magic and PE signature.
	require.Equal(t, []byte{'M', 'Z'}, image[:2])
	peOff := binary.LittleEndian.Uint32(image[0x3C:])
	require.Equal(t, []byte{'P', 'E', 0, 0}, image[peOff:peOff+4])

	// Two stub segments plus .blob and .reloc.
	numSections := binary.LittleEndian.Uint16(image[peOff+4+2:])
	require.Equal(t, uint16(4), numSections)

	// The optional header records the fixed image base and alignments.
	opt := image[peOff+4+coffHeaderSize:]
	require.Equal(t, uint16(0x20B), binary.LittleEndian.Uint16(opt))
	require.Equal(t, uint64(0x20_0000), binary.LittleEndian.Uint64(opt[24:]))
	require.Equal(t, uint32(sectionAlignment), binary.LittleEndian.Uint32(opt[32:]))
	require.Equal(t, uint32(fileAlignment), binary.LittleEndian.Uint32(opt[36:]))

	// The first section starts one section alignment past the base.
	secHeaders := opt[optionalHeaderSize:]
	require.Equal(t, uint32(sectionAlignment), binary.LittleEndian.Uint32(secHeaders[12:]))

	// The blob section carries the length-prefixed payload.
	blobHeader := secHeaders[2*sectionHeaderSize:]
	require.Equal(t, ".blob", string(bytes.TrimRight(blobHeader[:8], "\x00")))

	blobOffset := binary.LittleEndian.Uint32(blobHeader[20:])
	require.Equal(t, uint64(len(payload)),
		binary.LittleEndian.Uint64(image[blobOffset:]))
	require.Equal(t, payload,
		image[blobOffset+8:blobOffset+8+uint32(len(payload))])

	// Raw section data is file aligned.
	require.Zero(t, blobOffset%fileAlignment)
}

func TestCreateImageParsesWithPEValidator(t *testing.T) {
	image, err := CreateImage(makeStubELF(t), []byte("payload"))
	require.NoError(t, err)

	f, err := saferwall.NewBytes(image, &saferwall.Options{})
	require.NoError(t, err)
	require.NoError(t, f.Parse())

	require.Equal(t, uint16(4), f.NtHeader.FileHeader.NumberOfSections)
	require.Len(t, f.Sections, 4)

	names := make([]string, 0, len(f.Sections))
	for _, sec := range f.Sections {
		names = append(names, string(bytes.TrimRight(sec.Header.Name[:], "\x00")))
	}
	require.Contains(t, names, ".blob")
	require.Contains(t, names, ".reloc")
}

func TestCreateImageRejectsForeignStub(t *testing.T) {
	_, err := CreateImage([]byte("not an elf"), nil)
	require.Error(t, err)
}
