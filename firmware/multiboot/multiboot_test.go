package multiboot

import (
	"encoding/binary"
	"testing"

	"revmstub/stubapi"
)

// buildInfo assembles a multiboot2 info block from raw tags.
func buildInfo(tags ...[]byte) []byte {
	var buf []byte
	buf = append(buf, make([]byte, 8)...)

	for _, tag := range tags {
		buf = append(buf, tag...)
		for len(buf)%8 != 0 {
			buf = append(buf, 0)
		}
	}

	// End tag.
	end := make([]byte, 8)
	binary.LittleEndian.PutUint32(end[4:], 8)
	buf = append(buf, end...)

	binary.LittleEndian.PutUint32(buf, uint32(len(buf)))
	return buf
}

func memoryMapTag(entries ...MemoryMapEntry) []byte {
	tag := make([]byte, 16+len(entries)*24)
	binary.LittleEndian.PutUint32(tag[0:], uint32(tagMemoryMap))
	binary.LittleEndian.PutUint32(tag[4:], uint32(len(tag)))
	binary.LittleEndian.PutUint32(tag[8:], 24) // entry size
	binary.LittleEndian.PutUint32(tag[12:], 0) // entry version

	for i, entry := range entries {
		p := tag[16+i*24:]
		binary.LittleEndian.PutUint64(p[0:], entry.PhysAddress)
		binary.LittleEndian.PutUint64(p[8:], entry.Length)
		binary.LittleEndian.PutUint32(p[16:], uint32(entry.Type))
	}

	return tag
}

func cmdLineTag(cmdline string) []byte {
	tag := make([]byte, 8+len(cmdline)+1)
	binary.LittleEndian.PutUint32(tag[0:], uint32(tagBootCmdLine))
	binary.LittleEndian.PutUint32(tag[4:], uint32(len(tag)))
	copy(tag[8:], cmdline)
	return tag
}

func TestVisitMemRegions(t *testing.T) {
	SetInfo(buildInfo(memoryMapTag(
		MemoryMapEntry{PhysAddress: 0, Length: 0x9FC00, Type: MemAvailable},
		MemoryMapEntry{PhysAddress: 0xF0000, Length: 0x10000, Type: MemReserved},
		MemoryMapEntry{PhysAddress: 0x100000, Length: 0x7EE0000, Type: MemAvailable},
		MemoryMapEntry{PhysAddress: 0x7FE0000, Length: 0x20000, Type: 99},
	)))

	var entries []MemoryMapEntry
	VisitMemRegions(func(entry MemoryMapEntry) bool {
		entries = append(entries, entry)
		return true
	})

	if len(entries) != 4 {
		t.Fatalf("expected 4 regions; got %d", len(entries))
	}
	if entries[0].Length != 0x9FC00 || entries[0].Type != MemAvailable {
		t.Errorf("unexpected first region %+v", entries[0])
	}

	// Unknown types are reported as reserved.
	if entries[3].Type != MemReserved {
		t.Errorf("expected unknown type to map to reserved; got %s", entries[3].Type)
	}
}

func TestMemoryDescriptors(t *testing.T) {
	SetInfo(buildInfo(memoryMapTag(
		// Misaligned available region: must shrink to whole frames.
		MemoryMapEntry{PhysAddress: 0x1200, Length: 0x3000, Type: MemAvailable},
		// Misaligned reserved region: must expand to whole frames.
		MemoryMapEntry{PhysAddress: 0xF800, Length: 0x800, Type: MemReserved},
		MemoryMapEntry{PhysAddress: 0x100000, Length: 0x1000, Type: MemAcpiReclaimable},
	)))

	descriptors := MemoryDescriptors()
	if len(descriptors) != 3 {
		t.Fatalf("expected 3 descriptors; got %d", len(descriptors))
	}

	if descriptors[0] != (stubapi.MemoryDescriptor{Frame: 2, Count: 2, Type: stubapi.MemFree}) {
		t.Errorf("unexpected free descriptor %+v", descriptors[0])
	}
	if descriptors[1] != (stubapi.MemoryDescriptor{Frame: 0xF, Count: 1, Type: stubapi.MemReserved}) {
		t.Errorf("unexpected reserved descriptor %+v", descriptors[1])
	}
	if descriptors[2].Type != stubapi.MemACPIReclaimable {
		t.Errorf("unexpected ACPI descriptor %+v", descriptors[2])
	}
}

func TestGetBootCmdLine(t *testing.T) {
	SetInfo(buildInfo(cmdLineTag("console=vga debug loglevel=3")))

	kv := GetBootCmdLine()
	if kv["console"] != "vga" {
		t.Errorf("unexpected console value %q", kv["console"])
	}
	if kv["debug"] != "debug" {
		t.Errorf("unexpected debug value %q", kv["debug"])
	}
	if kv["loglevel"] != "3" {
		t.Errorf("unexpected loglevel value %q", kv["loglevel"])
	}
}

func TestMissingTags(t *testing.T) {
	SetInfo(buildInfo())

	called := false
	VisitMemRegions(func(MemoryMapEntry) bool {
		called = true
		return true
	})
	if called {
		t.Error("visitor invoked although no memory map tag is present")
	}

	if descriptors := MemoryDescriptors(); len(descriptors) != 0 {
		t.Errorf("expected no descriptors; got %d", len(descriptors))
	}
}
