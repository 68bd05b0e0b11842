package loader

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"

	"revmstub/kernel/mm"
	"revmstub/kernel/mm/pmm"
	"revmstub/kernel/mm/vmm"
	"revmstub/stubapi"
)

// elfSegment describes one program header of a synthetic test image.
type elfSegment struct {
	ptype  uint32
	flags  uint32
	offset uint64
	vaddr  uint64
	filesz uint64
	memsz  uint64
	align  uint64
}

// makeELF assembles a minimal ELF64 image: header, program headers and
// the raw content placed at file offset 0x1000.
func makeELF(t *testing.T, elfType uint16, entry uint64, segments []elfSegment, content []byte) []byte {
	t.Helper()

	const (
		ehsize    = 64
		phentsize = 56
		dataStart = 0x1000
	)

	buf := make([]byte, dataStart+len(content))

	// ELF identification.
	copy(buf, []byte{0x7F, 'E', 'L', 'F', 2, 1, 1})

	binary.LittleEndian.PutUint16(buf[16:], elfType)
	binary.LittleEndian.PutUint16(buf[18:], 62) // EM_X86_64
	binary.LittleEndian.PutUint32(buf[20:], 1)
	binary.LittleEndian.PutUint64(buf[24:], entry)
	binary.LittleEndian.PutUint64(buf[32:], ehsize) // phoff
	binary.LittleEndian.PutUint16(buf[52:], ehsize)
	binary.LittleEndian.PutUint16(buf[54:], phentsize)
	binary.LittleEndian.PutUint16(buf[56:], uint16(len(segments)))

	for i, seg := range segments {
		p := buf[ehsize+i*phentsize:]
		binary.LittleEndian.PutUint32(p[0:], seg.ptype)
		binary.LittleEndian.PutUint32(p[4:], seg.flags)
		binary.LittleEndian.PutUint64(p[8:], seg.offset)
		binary.LittleEndian.PutUint64(p[16:], seg.vaddr)
		binary.LittleEndian.PutUint64(p[24:], seg.vaddr)
		binary.LittleEndian.PutUint64(p[32:], seg.filesz)
		binary.LittleEndian.PutUint64(p[40:], seg.memsz)
		binary.LittleEndian.PutUint64(p[48:], seg.align)
	}

	copy(buf[dataStart:], content)
	return buf
}

func newLoaderEnv(t *testing.T) (*mm.SparseMem, *pmm.Allocator) {
	t.Helper()

	mem := mm.NewSparseMem()
	allocator := pmm.New(mem)
	allocator.Initialize([]stubapi.MemoryDescriptor{
		{Frame: 0, Count: 16, Type: stubapi.MemReserved},
		{Frame: 16, Count: 1 << 14, Type: stubapi.MemFree},
	})
	return mem, allocator
}

func TestExtractBlob(t *testing.T) {
	section := make([]byte, 8+5)
	binary.LittleEndian.PutUint64(section, 5)
	copy(section[8:], "hello")

	blob, err := ExtractBlob(section)
	require.Nil(t, err)
	require.Equal(t, []byte("hello"), blob)

	// Truncated sections and oversized length prefixes are rejected.
	_, err = ExtractBlob(section[:4])
	require.Equal(t, ErrBlobTooShort, err)

	binary.LittleEndian.PutUint64(section, 100)
	_, err = ExtractBlob(section)
	require.Equal(t, ErrBlobTooShort, err)
}

func TestLoadFixedExecutable(t *testing.T) {
	code := []byte{0xF4, 0x90, 0x90, 0xC3} // hlt; nop; nop; ret
	image := makeELF(t, 2 /* ET_EXEC */, 0x40_0000, []elfSegment{
		{
			ptype:  1, // PT_LOAD
			flags:  0x5,
			offset: 0x1000,
			vaddr:  0x40_0000,
			filesz: uint64(len(code)),
			memsz:  uint64(len(code)) + 0x100,
			align:  0x1000,
		},
	}, code)

	mem, allocator := newLoaderEnv(t)
	space, entry, imagePhys, imageVirt, err := Load(image, mem, allocator)
	require.Nil(t, err)
	defer space.Destroy()

	require.Equal(t, uint64(0x40_0000), entry)
	require.Equal(t, uint64(0x40_0000), imageVirt)

	// The code bytes landed at the mapped location.
	phys, flags, terr := space.Translate(0x40_0000)
	require.Nil(t, terr)
	require.Equal(t, imagePhys, phys)

	loaded := make([]byte, len(code))
	mem.ReadBytes(phys, loaded)
	require.Equal(t, code, loaded)

	// Execute-only-with-read segment: no write access.
	require.Zero(t, flags&vmm.FlagWrite)

	// The BSS tail reads as zeroes.
	tail := make([]byte, 0x100)
	mem.ReadBytes(phys.StrictAdd(uint64(len(code))), tail)
	require.Equal(t, make([]byte, 0x100), tail)
}

func TestLoadPositionIndependent(t *testing.T) {
	// Segment content, mapped at vaddr 0:
	//   [0:8]    relocation target slot
	//   [8:32]   one RELA record: offset 0, R_X86_64_RELATIVE, addend
	//   [32:96]  dynamic table: RELA, RELASZ, RELAENT, NULL
	const addend = 0x1234

	content := make([]byte, 96)
	binary.LittleEndian.PutUint64(content[8:], 0)      // r_offset
	binary.LittleEndian.PutUint64(content[16:], 8)     // R_X86_64_RELATIVE
	binary.LittleEndian.PutUint64(content[24:], addend)

	dyn := content[32:]
	binary.LittleEndian.PutUint64(dyn[0:], 7) // DT_RELA
	binary.LittleEndian.PutUint64(dyn[8:], 8)
	binary.LittleEndian.PutUint64(dyn[16:], 8) // DT_RELASZ
	binary.LittleEndian.PutUint64(dyn[24:], 24)
	binary.LittleEndian.PutUint64(dyn[32:], 9) // DT_RELAENT
	binary.LittleEndian.PutUint64(dyn[40:], 24)
	binary.LittleEndian.PutUint64(dyn[48:], 0) // DT_NULL

	image := makeELF(t, 3 /* ET_DYN */, 0x40, []elfSegment{
		{
			ptype:  1, // PT_LOAD
			flags:  0x6,
			offset: 0x1000,
			vaddr:  0,
			filesz: uint64(len(content)),
			memsz:  uint64(len(content)),
			align:  0x1000,
		},
		{
			ptype:  2, // PT_DYNAMIC
			flags:  0x4,
			offset: 0x1000 + 32,
			vaddr:  32,
			filesz: 64,
			memsz:  64,
			align:  8,
		},
	}, content)

	mem, allocator := newLoaderEnv(t)
	space, entry, _, imageVirt, err := Load(image, mem, allocator)
	require.Nil(t, err)
	defer space.Destroy()

	// The image slides to the top of the low canonical half.
	slide := imageVirt
	require.NotZero(t, slide)
	require.Zero(t, slide%0x1000)
	require.Equal(t, slide+0x40, entry)
	require.Less(t, slide+uint64(len(content)), uint64(1)<<47)

	// The relocated slot holds slide+addend.
	phys, _, terr := space.Translate(mm.VirtAddr(slide))
	require.Nil(t, terr)
	require.Equal(t, slide+addend, mem.ReadU64(phys))
}

func TestLoadRejectsForeignImages(t *testing.T) {
	mem, allocator := newLoaderEnv(t)

	_, _, _, _, err := Load([]byte("not an elf"), mem, allocator)
	require.Equal(t, ErrInvalidExecutable, err)

	// A 32-bit machine has no trampoline.
	image := makeELF(t, 2, 0, []elfSegment{}, nil)
	binary.LittleEndian.PutUint16(image[18:], 3) // EM_386
	image[4] = 1                                 // ELFCLASS32

	_, _, _, _, err = Load(image, mem, allocator)
	require.NotNil(t, err)
}

func TestBlobRoundTripThroughLoader(t *testing.T) {
	code := []byte{0xC3}
	image := makeELF(t, 2, 0x40_0000, []elfSegment{
		{
			ptype:  1,
			flags:  0x5,
			offset: 0x1000,
			vaddr:  0x40_0000,
			filesz: 1,
			memsz:  1,
			align:  0x1000,
		},
	}, code)

	section := make([]byte, 8+len(image))
	binary.LittleEndian.PutUint64(section, uint64(len(image)))
	copy(section[8:], image)

	blob, err := ExtractBlob(section)
	require.Nil(t, err)
	require.True(t, bytes.Equal(blob, image))

	mem, allocator := newLoaderEnv(t)
	space, entry, _, _, lerr := Load(blob, mem, allocator)
	require.Nil(t, lerr)
	defer space.Destroy()
	require.Equal(t, uint64(0x40_0000), entry)
}
