package table

import (
	"testing"

	"revmstub/kernel/mm"
)

// placeRSDP writes a checksummed RSDP descriptor at the given address.
func placeRSDP(mem mm.PhysMem, addr mm.PhysAddr, revision uint8) {
	desc := make([]byte, rsdpExtSize)
	copy(desc, rsdpSignature)
	copy(desc[9:], "REVMST")
	desc[15] = revision

	// ACPI 1.0 checksum over the first 20 bytes.
	var sum uint8
	for _, b := range desc[:rsdpBaseSize] {
		sum += b
	}
	desc[8] = uint8(0) - sum

	if revision >= 2 {
		desc[20] = rsdpExtSize // length
		var extSum uint8
		for _, b := range desc[:rsdpExtSize] {
			extSum += b
		}
		desc[32] = uint8(0) - extSum
	}

	mem.WriteBytes(addr, desc)
}

func TestDiscoverRSDP(t *testing.T) {
	mem := mm.NewSparseMem()
	placeRSDP(mem, 0xE0040, 0)

	p := Discover(mem)
	if p.RSDP != 0xE0040 {
		t.Errorf("expected RSDP at 0xE0040; got %#x", p.RSDP)
	}
	if p.XSDP != 0 {
		t.Errorf("expected no XSDP for a revision 0 descriptor; got %#x", p.XSDP)
	}
}

func TestDiscoverExtendedRSDP(t *testing.T) {
	mem := mm.NewSparseMem()
	placeRSDP(mem, 0xE0100, 2)

	p := Discover(mem)
	if p.RSDP != 0xE0100 || p.XSDP != 0xE0100 {
		t.Errorf("expected RSDP and XSDP at 0xE0100; got %#x / %#x", p.RSDP, p.XSDP)
	}
}

func TestDiscoverRejectsBadChecksum(t *testing.T) {
	mem := mm.NewSparseMem()
	placeRSDP(mem, 0xE0040, 0)

	// Corrupt one byte without fixing the checksum.
	var b [1]byte
	mem.ReadBytes(0xE0049, b[:])
	mem.WriteBytes(0xE0049, []byte{b[0] + 1})

	if p := Discover(mem); p.RSDP != 0 {
		t.Errorf("expected no RSDP; got %#x", p.RSDP)
	}
}

func TestDiscoverSMBIOS(t *testing.T) {
	mem := mm.NewSparseMem()
	mem.WriteBytes(0xF0100, []byte("_SM_"))
	mem.WriteBytes(0xF0200, []byte("_SM3_"))

	p := Discover(mem)
	if p.SMBIOS32 != 0xF0100 {
		t.Errorf("expected SMBIOS32 at 0xF0100; got %#x", p.SMBIOS32)
	}
	if p.SMBIOS64 != 0xF0200 {
		t.Errorf("expected SMBIOS64 at 0xF0200; got %#x", p.SMBIOS64)
	}
}
