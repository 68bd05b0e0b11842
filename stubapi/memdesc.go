package stubapi

import "encoding/binary"

// MemoryType classifies a physical memory region.
type MemoryType uint32

const (
	// MemFree marks memory that is available for allocation.
	MemFree = MemoryType(iota + 1)

	// MemReserved marks memory that must never be touched.
	MemReserved

	// MemBootloaderReclaimable marks memory in use by the stub itself.
	// The executable may reclaim it after taking over the machine.
	MemBootloaderReclaimable

	// MemFirmwareReclaimable marks memory in use by firmware boot
	// services. It becomes free after takeover.
	MemFirmwareReclaimable

	// MemACPIReclaimable marks memory holding ACPI tables that the
	// executable may reclaim once it has consumed them.
	MemACPIReclaimable

	// MemACPINonVolatile marks memory that must be preserved when
	// hibernating.
	MemACPINonVolatile

	// MemUnusable marks memory reported as defective.
	MemUnusable
)

// String implements fmt.Stringer for MemoryType.
func (t MemoryType) String() string {
	switch t {
	case MemFree:
		return "free"
	case MemReserved:
		return "reserved"
	case MemBootloaderReclaimable:
		return "bootloader-reclaimable"
	case MemFirmwareReclaimable:
		return "firmware-reclaimable"
	case MemACPIReclaimable:
		return "ACPI-reclaimable"
	case MemACPINonVolatile:
		return "ACPI-NVS"
	case MemUnusable:
		return "unusable"
	default:
		return "unknown"
	}
}

// MemoryDescriptor describes one physical memory region as a frame number,
// a frame count and a region type.
type MemoryDescriptor struct {
	Frame uint64
	Count uint64
	Type  MemoryType
}

const (
	// MemoryDescriptorSize is the size, in bytes, of the wire encoding of
	// a MemoryDescriptor.
	MemoryDescriptorSize = 20

	// MemoryDescriptorVersion identifies the wire encoding above.
	MemoryDescriptorVersion = 1

	// Field offsets within an encoded MemoryDescriptor.
	memDescFrameOffset = 0
	memDescCountOffset = 8
	memDescTypeOffset  = 16
)

// Encode writes the wire encoding of this descriptor into p, which must be
// at least MemoryDescriptorSize bytes long.
func (d MemoryDescriptor) Encode(p []byte) {
	binary.LittleEndian.PutUint64(p[memDescFrameOffset:], d.Frame)
	binary.LittleEndian.PutUint64(p[memDescCountOffset:], d.Count)
	binary.LittleEndian.PutUint32(p[memDescTypeOffset:], uint32(d.Type))
}

// DecodeMemoryDescriptor reads the wire encoding of a descriptor from p,
// which must be at least MemoryDescriptorSize bytes long.
func DecodeMemoryDescriptor(p []byte) MemoryDescriptor {
	return MemoryDescriptor{
		Frame: binary.LittleEndian.Uint64(p[memDescFrameOffset:]),
		Count: binary.LittleEndian.Uint64(p[memDescCountOffset:]),
		Type:  MemoryType(binary.LittleEndian.Uint32(p[memDescTypeOffset:])),
	}
}
