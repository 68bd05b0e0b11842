// Package uefi adapts the UEFI boot-services memory map into the frame
// granular descriptors the physical memory tracker consumes.
package uefi

import (
	"encoding/binary"

	"revmstub/stubapi"
)

// MemoryType enumerates the UEFI memory descriptor types the adapter
// distinguishes.
type MemoryType uint32

const (
	ReservedMemoryType = MemoryType(iota)
	LoaderCode
	LoaderData
	BootServicesCode
	BootServicesData
	RuntimeServicesCode
	RuntimeServicesData
	ConventionalMemory
	UnusableMemory
	ACPIReclaimMemory
	ACPIMemoryNVS
	MemoryMappedIO
	MemoryMappedIOPortSpace
	PalCode
	PersistentMemory
)

// MemoryDescriptor mirrors the UEFI EFI_MEMORY_DESCRIPTOR layout.
type MemoryDescriptor struct {
	Type          MemoryType
	PhysicalStart uint64
	VirtualStart  uint64
	NumberOfPages uint64
	Attribute     uint64
}

// descriptorMinSize is the packed size of the fields this adapter reads.
// Firmware may report a larger stride; the tail is vendor padding.
const descriptorMinSize = 40

// ParseMemoryMap decodes a raw UEFI memory map with the firmware-reported
// descriptor stride.
func ParseMemoryMap(data []byte, descriptorSize uint64) []MemoryDescriptor {
	if descriptorSize < descriptorMinSize {
		return nil
	}

	var descriptors []MemoryDescriptor
	for off := uint64(0); off+descriptorSize <= uint64(len(data)); off += descriptorSize {
		p := data[off:]
		descriptors = append(descriptors, MemoryDescriptor{
			Type:          MemoryType(binary.LittleEndian.Uint32(p)),
			PhysicalStart: binary.LittleEndian.Uint64(p[8:]),
			VirtualStart:  binary.LittleEndian.Uint64(p[16:]),
			NumberOfPages: binary.LittleEndian.Uint64(p[24:]),
			Attribute:     binary.LittleEndian.Uint64(p[32:]),
		})
	}

	return descriptors
}

// TrackerType maps a UEFI memory type onto the tracker's region types.
// Loader regions hold the stub itself; boot-services regions become free
// only after the executable takes over.
func TrackerType(t MemoryType) stubapi.MemoryType {
	switch t {
	case ConventionalMemory:
		return stubapi.MemFree
	case LoaderCode, LoaderData:
		return stubapi.MemBootloaderReclaimable
	case BootServicesCode, BootServicesData:
		return stubapi.MemFirmwareReclaimable
	case ACPIReclaimMemory:
		return stubapi.MemACPIReclaimable
	case ACPIMemoryNVS:
		return stubapi.MemACPINonVolatile
	case UnusableMemory:
		return stubapi.MemUnusable
	default:
		return stubapi.MemReserved
	}
}

// MemoryDescriptors converts a raw UEFI memory map into tracker
// descriptors. UEFI pages are always 4 KiB, so the conversion is a type
// mapping only.
func MemoryDescriptors(data []byte, descriptorSize uint64) []stubapi.MemoryDescriptor {
	var descriptors []stubapi.MemoryDescriptor

	for _, d := range ParseMemoryMap(data, descriptorSize) {
		if d.NumberOfPages == 0 {
			continue
		}

		descriptors = append(descriptors, stubapi.MemoryDescriptor{
			Frame: d.PhysicalStart >> 12,
			Count: d.NumberOfPages,
			Type:  TrackerType(d.Type),
		})
	}

	return descriptors
}
