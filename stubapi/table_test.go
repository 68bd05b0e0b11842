package stubapi

import (
	"encoding/binary"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestProtocolTableEncoding(t *testing.T) {
	table := &ProtocolTable{
		Generic: GenericTable{
			PageFrameSize:    4096,
			ImagePhys:        0x20_0000,
			ImageVirt:        0xFFFF_FFFF_8000_0000,
			Write:            0x1000,
			AllocateFrames:   0x1008,
			DeallocateFrames: 0x1010,
			GetMemoryMap:     0x1018,
			Map:              0x1020,
			Unmap:            0x1028,
			Takeover:         0x1030,
		},
		Arch: ArchTable{
			RSDP:     0xE_0040,
			XSDP:     0xE_0080,
			SMBIOS32: 0xF_0000,
		},
	}

	for _, bits32 := range []bool{false, true} {
		buf := table.Encode(bits32)

		if len(buf) != table.EncodedSize(bits32) {
			t.Fatalf("encoded size mismatch: %d != %d", len(buf), table.EncodedSize(bits32))
		}

		if got := binary.LittleEndian.Uint32(buf[0:]); got != TableVersion {
			t.Errorf("unexpected version %d", got)
		}
		if got := binary.LittleEndian.Uint64(buf[8:]); got != uint64(len(buf)) {
			t.Errorf("unexpected length field %d", got)
		}

		genericOffset := binary.LittleEndian.Uint64(buf[16:])
		archOffset := binary.LittleEndian.Uint64(buf[24:])
		if genericOffset >= archOffset || archOffset+archTableSize != uint64(len(buf)) {
			t.Fatalf("bad table offsets: generic=%d arch=%d len=%d", genericOffset, archOffset, len(buf))
		}

		g := buf[genericOffset:]
		if got := binary.LittleEndian.Uint64(g[8:]); got != 4096 {
			t.Errorf("unexpected page/frame size %d", got)
		}

		var gotWrite uint64
		if bits32 {
			gotWrite = uint64(binary.LittleEndian.Uint32(g[genericFixedSize:]))
		} else {
			gotWrite = binary.LittleEndian.Uint64(g[genericFixedSize:])
		}
		if gotWrite != table.Generic.Write&0xFFFF_FFFF && gotWrite != table.Generic.Write {
			t.Errorf("unexpected write pointer %#x", gotWrite)
		}

		a := buf[archOffset:]
		if got := binary.LittleEndian.Uint64(a[16:]); got != table.Arch.RSDP {
			t.Errorf("unexpected RSDP pointer %#x", got)
		}
		if got := binary.LittleEndian.Uint64(a[8:]); got != 0 {
			t.Errorf("expected absent UEFI system table to encode as zero; got %#x", got)
		}
	}
}

func TestMemoryDescriptorRoundTrip(t *testing.T) {
	in := MemoryDescriptor{Frame: 16, Count: 1008, Type: MemFree}

	var buf [MemoryDescriptorSize]byte
	in.Encode(buf[:])
	out := DecodeMemoryDescriptor(buf[:])

	if diff := cmp.Diff(in, out); diff != "" {
		t.Errorf("descriptor mismatch (-want +got):\n%s", diff)
	}
}
