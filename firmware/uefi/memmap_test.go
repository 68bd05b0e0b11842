package uefi

import (
	"encoding/binary"
	"testing"

	"revmstub/stubapi"
)

func encodeDescriptors(stride uint64, descriptors ...MemoryDescriptor) []byte {
	buf := make([]byte, uint64(len(descriptors))*stride)
	for i, d := range descriptors {
		p := buf[uint64(i)*stride:]
		binary.LittleEndian.PutUint32(p, uint32(d.Type))
		binary.LittleEndian.PutUint64(p[8:], d.PhysicalStart)
		binary.LittleEndian.PutUint64(p[16:], d.VirtualStart)
		binary.LittleEndian.PutUint64(p[24:], d.NumberOfPages)
		binary.LittleEndian.PutUint64(p[32:], d.Attribute)
	}
	return buf
}

func TestParseMemoryMapHonorsStride(t *testing.T) {
	// Firmware commonly reports a 48-byte stride with 8 bytes of
	// vendor padding.
	data := encodeDescriptors(48,
		MemoryDescriptor{Type: ConventionalMemory, PhysicalStart: 0x100000, NumberOfPages: 256},
		MemoryDescriptor{Type: BootServicesData, PhysicalStart: 0x200000, NumberOfPages: 16},
	)

	descriptors := ParseMemoryMap(data, 48)
	if len(descriptors) != 2 {
		t.Fatalf("expected 2 descriptors; got %d", len(descriptors))
	}
	if descriptors[1].PhysicalStart != 0x200000 || descriptors[1].NumberOfPages != 16 {
		t.Errorf("unexpected second descriptor %+v", descriptors[1])
	}

	if ParseMemoryMap(data, 8) != nil {
		t.Error("expected an undersized stride to be rejected")
	}
}

func TestMemoryDescriptorsTypeMapping(t *testing.T) {
	data := encodeDescriptors(descriptorMinSize,
		MemoryDescriptor{Type: ConventionalMemory, PhysicalStart: 0x100000, NumberOfPages: 256},
		MemoryDescriptor{Type: LoaderCode, PhysicalStart: 0x200000, NumberOfPages: 8},
		MemoryDescriptor{Type: BootServicesCode, PhysicalStart: 0x300000, NumberOfPages: 8},
		MemoryDescriptor{Type: ACPIReclaimMemory, PhysicalStart: 0x400000, NumberOfPages: 4},
		MemoryDescriptor{Type: MemoryMappedIO, PhysicalStart: 0xFEE00000, NumberOfPages: 1},
		MemoryDescriptor{Type: ConventionalMemory, PhysicalStart: 0x500000, NumberOfPages: 0},
	)

	descriptors := MemoryDescriptors(data, descriptorMinSize)
	if len(descriptors) != 5 {
		t.Fatalf("expected 5 descriptors; got %d", len(descriptors))
	}

	expTypes := []stubapi.MemoryType{
		stubapi.MemFree,
		stubapi.MemBootloaderReclaimable,
		stubapi.MemFirmwareReclaimable,
		stubapi.MemACPIReclaimable,
		stubapi.MemReserved,
	}
	for i, expType := range expTypes {
		if descriptors[i].Type != expType {
			t.Errorf("descriptor %d: expected type %s; got %s", i, expType, descriptors[i].Type)
		}
	}

	if descriptors[0].Frame != 0x100 || descriptors[0].Count != 256 {
		t.Errorf("unexpected free descriptor %+v", descriptors[0])
	}
}
