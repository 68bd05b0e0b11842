package vmm

import "revmstub/kernel/mm"

// The engines identify page-table entries by their semantic role: table
// pointer, block mapping, page mapping or not-present. The bit-level
// encodings below are shared by PAE and long mode (8-byte entries) with a
// separate codec for legacy 32-bit paging (4-byte entries) and for the
// PAE page-directory-pointer entries, which carry no access bits.

const (
	entryPresentBit  = 1 << 0
	entryWritableBit = 1 << 1
	entryBlockBit    = 1 << 7
	entryNXBit       = uint64(1) << 63

	// Table and 4 KiB page addresses occupy bits 12..51.
	entry64AddrMask = uint64(0x000F_FFFF_FFFF_F000)

	// 1 GiB block addresses occupy bits 30..51.
	entry64BlockPML3Mask = uint64(0x000F_FFFF_C000_0000)

	// 2 MiB block addresses occupy bits 21..51.
	entry64BlockPML2Mask = uint64(0x000F_FFFF_FFE0_0000)

	entry32AddrMask = uint32(0xFFFF_F000)

	// 4 MiB block addresses occupy bits 22..31 plus, with PSE-36, the
	// physical bits 32..35 stored in entry bits 13..16.
	entry32BlockMask      = uint32(0xFFC0_0000)
	entry32BlockHighMask  = uint32(0x0001_E000)
	entry32BlockHighShift = 13
)

// entry64 is an 8-byte page-table entry as used by PAE tables and all
// long-mode tables.
type entry64 uint64

func (e entry64) Present() bool  { return uint64(e)&entryPresentBit != 0 }
func (e entry64) Writable() bool { return uint64(e)&entryWritableBit != 0 }
func (e entry64) Block() bool    { return uint64(e)&entryBlockBit != 0 }
func (e entry64) NoExec() bool   { return uint64(e)&entryNXBit != 0 }

// TableAddr returns the physical address of the next-level table.
func (e entry64) TableAddr() mm.PhysAddr {
	return mm.PhysAddr(uint64(e) & entry64AddrMask)
}

// PageAddr returns the physical address a 4 KiB page entry maps.
func (e entry64) PageAddr() mm.PhysAddr {
	return mm.PhysAddr(uint64(e) & entry64AddrMask)
}

// BlockPML3Addr returns the physical address a 1 GiB block entry maps.
func (e entry64) BlockPML3Addr() mm.PhysAddr {
	return mm.PhysAddr(uint64(e) & entry64BlockPML3Mask)
}

// BlockPML2Addr returns the physical address a 2 MiB block entry maps.
func (e entry64) BlockPML2Addr() mm.PhysAddr {
	return mm.PhysAddr(uint64(e) & entry64BlockPML2Mask)
}

// tableEntry64 encodes a present, writable pointer to a next-level table.
func tableEntry64(table mm.PhysAddr) entry64 {
	return entry64(uint64(table)&entry64AddrMask | entryPresentBit | entryWritableBit)
}

// pageEntry64 encodes a 4 KiB leaf mapping. A leaf without any access
// flag is encoded as not-present.
func pageEntry64(page mm.PhysAddr, flags MapFlag, nxe bool) entry64 {
	var e uint64
	if present(flags) {
		e |= entryPresentBit
	}
	if flags&FlagWrite != 0 {
		e |= entryWritableBit
	}
	if nxe && flags&FlagExec == 0 {
		e |= entryNXBit
	}
	return entry64(e | uint64(page)&entry64AddrMask)
}

// entry32 is a 4-byte page-table entry as used by legacy 32-bit paging.
type entry32 uint32

func (e entry32) Present() bool  { return uint32(e)&entryPresentBit != 0 }
func (e entry32) Writable() bool { return uint32(e)&entryWritableBit != 0 }
func (e entry32) Block() bool    { return uint32(e)&entryBlockBit != 0 }

// TableAddr returns the physical address of the next-level table.
func (e entry32) TableAddr() mm.PhysAddr {
	return mm.PhysAddr(uint32(e) & entry32AddrMask)
}

// PageAddr returns the physical address a 4 KiB page entry maps.
func (e entry32) PageAddr() mm.PhysAddr {
	return mm.PhysAddr(uint32(e) & entry32AddrMask)
}

// BlockAddr returns the physical address a 4 MiB block entry maps. With
// PSE-36 the physical bits 32..35 are carried in entry bits 13..16.
func (e entry32) BlockAddr(pse36 bool) mm.PhysAddr {
	addr := uint64(uint32(e) & entry32BlockMask)
	if pse36 {
		addr |= uint64(uint32(e)&entry32BlockHighMask>>entry32BlockHighShift) << 32
	}
	return mm.PhysAddr(addr)
}

// tableEntry32 encodes a present, writable pointer to a page table.
func tableEntry32(table mm.PhysAddr) entry32 {
	return entry32(uint32(table)&entry32AddrMask | entryPresentBit | entryWritableBit)
}

// pageEntry32 encodes a 4 KiB leaf mapping. A leaf without any access
// flag is encoded as not-present.
func pageEntry32(page mm.PhysAddr, flags MapFlag) entry32 {
	var e uint32
	if present(flags) {
		e |= entryPresentBit
	}
	if flags&FlagWrite != 0 {
		e |= entryWritableBit
	}
	return entry32(e | uint32(page)&entry32AddrMask)
}

// pdpte is a PAE page-directory-pointer entry. Unlike ordinary entries it
// carries no writable or no-execute bits.
type pdpte uint64

func (e pdpte) Present() bool { return uint64(e)&entryPresentBit != 0 }

// Addr returns the physical address of the page directory.
func (e pdpte) Addr() mm.PhysAddr {
	return mm.PhysAddr(uint64(e) & entry64AddrMask)
}

// pdpteEntry encodes a present pointer to a page directory.
func pdpteEntry(table mm.PhysAddr) pdpte {
	return pdpte(uint64(table)&entry64AddrMask | entryPresentBit)
}
