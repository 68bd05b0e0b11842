package stubapi

import "encoding/binary"

const (
	// TableVersion is the protocol table version encoded into the header.
	TableVersion = 1

	// TableLastMajorVersion is the oldest protocol version the current
	// layout remains compatible with.
	TableLastMajorVersion = 1

	// GenericTableVersion identifies the generic service table layout.
	GenericTableVersion = 1

	// ArchTableVersion identifies the architecture table layout.
	ArchTableVersion = 1
)

// GenericTable lists the services the stub exposes to the executable. The
// function fields hold virtual addresses, in the executable's address
// space, of thunks that enter the switch trampoline with the matching
// function id pre-encoded.
type GenericTable struct {
	PageFrameSize uint64
	ImagePhys     uint64
	ImageVirt     uint64

	Write            uint64
	AllocateFrames   uint64
	DeallocateFrames uint64
	GetMemoryMap     uint64
	Map              uint64
	Unmap            uint64
	Takeover         uint64
}

// ArchTable carries the firmware pointers discovered during stub
// initialization. A zero field means the item is not present on this
// platform.
type ArchTable struct {
	UEFISystemTable uint64
	RSDP            uint64
	XSDP            uint64
	DeviceTree      uint64
	SMBIOS32        uint64
	SMBIOS64        uint64
}

// ProtocolTable is the packed record passed as the sole argument to the
// executable's entry point.
type ProtocolTable struct {
	Generic GenericTable
	Arch    ArchTable
}

const (
	tableHeaderSize  = 32
	archTableSize    = 8 + 6*8
	genericFixedSize = 8 + 3*8
	genericFuncCount = 7
)

// EncodedSize returns the size, in bytes, of the encoding produced by
// Encode for an executable with 32- or 64-bit pointers.
func (t *ProtocolTable) EncodedSize(bits32 bool) int {
	ptrSize := 8
	if bits32 {
		ptrSize = 4
	}
	return tableHeaderSize + genericFixedSize + genericFuncCount*ptrSize + archTableSize
}

// Encode produces the packed protocol table. Function pointer fields are
// encoded with the pointer width of the executable's address space.
func (t *ProtocolTable) Encode(bits32 bool) []byte {
	size := t.EncodedSize(bits32)
	buf := make([]byte, size)

	genericOffset := tableHeaderSize
	archOffset := size - archTableSize

	// Header.
	binary.LittleEndian.PutUint32(buf[0:], TableVersion)
	binary.LittleEndian.PutUint32(buf[4:], TableLastMajorVersion)
	binary.LittleEndian.PutUint64(buf[8:], uint64(size))
	binary.LittleEndian.PutUint64(buf[16:], uint64(genericOffset))
	binary.LittleEndian.PutUint64(buf[24:], uint64(archOffset))

	// Generic table.
	g := buf[genericOffset:]
	binary.LittleEndian.PutUint32(g[0:], GenericTableVersion)
	binary.LittleEndian.PutUint64(g[8:], t.Generic.PageFrameSize)
	binary.LittleEndian.PutUint64(g[16:], t.Generic.ImagePhys)
	binary.LittleEndian.PutUint64(g[24:], t.Generic.ImageVirt)

	funcs := [genericFuncCount]uint64{
		t.Generic.Write,
		t.Generic.AllocateFrames,
		t.Generic.DeallocateFrames,
		t.Generic.GetMemoryMap,
		t.Generic.Map,
		t.Generic.Unmap,
		t.Generic.Takeover,
	}
	for i, fn := range funcs {
		if bits32 {
			binary.LittleEndian.PutUint32(g[genericFixedSize+i*4:], uint32(fn))
		} else {
			binary.LittleEndian.PutUint64(g[genericFixedSize+i*8:], fn)
		}
	}

	// Architecture table.
	a := buf[archOffset:]
	binary.LittleEndian.PutUint32(a[0:], ArchTableVersion)
	binary.LittleEndian.PutUint64(a[8:], t.Arch.UEFISystemTable)
	binary.LittleEndian.PutUint64(a[16:], t.Arch.RSDP)
	binary.LittleEndian.PutUint64(a[24:], t.Arch.XSDP)
	binary.LittleEndian.PutUint64(a[32:], t.Arch.DeviceTree)
	binary.LittleEndian.PutUint64(a[40:], t.Arch.SMBIOS32)
	binary.LittleEndian.PutUint64(a[48:], t.Arch.SMBIOS64)

	return buf
}
