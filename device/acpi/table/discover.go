package table

import (
	"bytes"

	"revmstub/kernel/mm"
)

// The RSDP must be located in the physical memory region 0xE0000 to
// 0xFFFFF at a 16-byte alignment. SMBIOS entry points live in the upper
// half of that window.
const (
	rsdpLocationLow  = mm.PhysAddr(0xE0000)
	rsdpLocationHigh = mm.PhysAddr(0xFFFFF)
	rsdpAlignment    = 16

	smbiosLocationLow = mm.PhysAddr(0xF0000)
)

var (
	rsdpSignature     = []byte("RSD PTR ")
	smbios32Signature = []byte("_SM_")
	smbios64Signature = []byte("_SM3_")
)

// Pointers carries the firmware structure addresses discovered during
// stub initialization. A zero field means the structure is not present.
type Pointers struct {
	// RSDP holds the address of the ACPI 1.0 descriptor, XSDP the
	// address of the extended ACPI 2.0+ descriptor. Both may point at
	// the same physical descriptor.
	RSDP uint64
	XSDP uint64

	SMBIOS32 uint64
	SMBIOS64 uint64
}

// Discover scans the BIOS region for the RSDP and the SMBIOS entry
// points. The RSDP and XSDP are reported only when their checksums hold;
// the SMBIOS entry points are matched by their anchor strings alone.
func Discover(mem mm.PhysMem) Pointers {
	var p Pointers

	var buf [rsdpExtSize]byte
	for addr := rsdpLocationLow; addr < rsdpLocationHigh; addr = addr.StrictAdd(rsdpAlignment) {
		mem.ReadBytes(addr, buf[:len(rsdpSignature)])
		if !bytes.Equal(buf[:len(rsdpSignature)], rsdpSignature) {
			continue
		}

		mem.ReadBytes(addr, buf[:rsdpBaseSize])
		if !checksumOK(buf[:rsdpBaseSize]) {
			continue
		}

		p.RSDP = uint64(addr)

		// Revision 2+ descriptors carry the extended fields.
		if buf[15] >= 2 {
			mem.ReadBytes(addr, buf[:rsdpExtSize])
			if checksumOK(buf[:rsdpExtSize]) {
				p.XSDP = uint64(addr)
			}
		}

		break
	}

	for addr := smbiosLocationLow; addr < rsdpLocationHigh; addr = addr.StrictAdd(rsdpAlignment) {
		var sig [5]byte
		mem.ReadBytes(addr, sig[:])

		if p.SMBIOS64 == 0 && bytes.Equal(sig[:], smbios64Signature) {
			p.SMBIOS64 = uint64(addr)
		} else if p.SMBIOS32 == 0 && bytes.Equal(sig[:4], smbios32Signature) {
			p.SMBIOS32 = uint64(addr)
		}

		if p.SMBIOS32 != 0 && p.SMBIOS64 != 0 {
			break
		}
	}

	return p
}

// checksumOK returns true if the bytes sum to zero modulo 256.
func checksumOK(data []byte) bool {
	var sum uint8
	for _, b := range data {
		sum += b
	}
	return sum == 0
}
