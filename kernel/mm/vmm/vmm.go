// Package vmm implements the x86 page-table translation engines. Three
// engines share one contract: legacy 32-bit 2-level paging, PAE 3-level
// paging and long-mode 4/5-level paging. Each engine exclusively owns
// every page-table frame reachable from its root; the frames holding
// mapped data belong to the engine's callers.
//
// Engines access page-table memory through mm.PhysMem, so they operate on
// both the live machine (identity-mapped memory) and inactive address
// spaces under construction.
package vmm

import (
	"revmstub/kernel"
	"revmstub/kernel/mm"
)

// MapFlag describes the access rights requested for a mapping.
type MapFlag uint8

const (
	// FlagRead requests readable pages.
	FlagRead = MapFlag(1 << iota)

	// FlagWrite requests writable pages.
	FlagWrite

	// FlagExec requests executable pages.
	FlagExec

	// FlagMayOverwrite allows Map to replace existing mappings instead
	// of failing with ErrOverlap.
	FlagMayOverwrite
)

var (
	// ErrInvalidRange is returned when a range lies outside the engine's
	// address space descriptors or is empty where a non-empty range is
	// required.
	ErrInvalidRange = &kernel.Error{Module: "vmm", Message: "address range is invalid for this address space"}

	// ErrMappingMismatch is returned when the virtual and physical range
	// sizes disagree.
	ErrMappingMismatch = &kernel.Error{Module: "vmm", Message: "virtual and physical range sizes differ"}

	// ErrOverlap is returned when a mapping without FlagMayOverwrite
	// would replace a present mapping.
	ErrOverlap = &kernel.Error{Module: "vmm", Message: "range is already mapped"}

	// ErrOutOfMemory is returned when a page-table frame cannot be
	// allocated.
	ErrOutOfMemory = &kernel.Error{Module: "vmm", Message: "out of memory allocating page table"}

	// ErrNoMapping is returned by Translate for unmapped addresses.
	ErrNoMapping = &kernel.Error{Module: "vmm", Message: "virtual address is not mapped"}

	// ErrNotFound is returned by FindFreeRegion when no free virtual
	// region of the requested size exists.
	ErrNotFound = &kernel.Error{Module: "vmm", Message: "no free virtual region of the requested size"}

	// ErrNotActive is returned when the requested paging mode is not the
	// one the hardware is using and cannot be switched to.
	ErrNotActive = &kernel.Error{Module: "vmm", Message: "requested paging mode is not active"}

	// ErrNotSupported is returned when an operation would need to split
	// a block mapping. The engines never create block mappings of their
	// own; adopted tables may contain them.
	ErrNotSupported = &kernel.Error{Module: "vmm", Message: "block mapping split is not supported"}
)

// AllocFrameFn allocates one physical frame for use as a page table.
type AllocFrameFn func() (mm.Frame, *kernel.Error)

// DeallocFrameFn returns a page-table frame to its allocator.
type DeallocFrameFn func(mm.Frame)

// AddressSpace is the contract shared by the three translation engines.
type AddressSpace interface {
	// ChunkSize returns the page/frame size of this engine.
	ChunkSize() uint64

	// InputDescriptor describes the virtual addresses this engine
	// translates.
	InputDescriptor() mm.AddrSpaceDesc

	// OutputDescriptor describes the physical addresses this engine
	// translates to.
	OutputDescriptor() mm.AddrSpaceDesc

	// RootPhysAddr returns the physical address of the top-level page
	// table.
	RootPhysAddr() mm.PhysAddr

	// CR3 returns the control register value that activates this
	// address space.
	CR3() uint64

	// Map establishes a mapping from the virtual range to the equally
	// sized physical range. Missing intermediate tables are allocated
	// lazily; on allocation failure partial state may remain and the
	// address space must be abandoned.
	Map(virt mm.PageRange, phys mm.FrameRange, flags MapFlag) *kernel.Error

	// Unmap removes the leaf mappings covering the virtual range.
	// Unmapped pages within the range are ignored.
	Unmap(virt mm.PageRange) *kernel.Error

	// Translate returns the physical address a virtual address maps to
	// together with the effective access flags along the walk.
	Translate(addr mm.VirtAddr) (mm.PhysAddr, MapFlag, *kernel.Error)

	// FindFreeRegion returns the start of a virtual region of count
	// contiguous unmapped pages.
	FindFreeRegion(count uint64) (mm.VirtAddr, *kernel.Error)

	// Destroy returns every page-table frame owned by this engine to
	// the allocator. Mapped data frames are untouched. Destroy is
	// idempotent; the engine is unusable afterwards.
	Destroy()
}

// entriesPerTable is the number of entries in 8-byte entry tables.
const entriesPerTable = 512

// present synthesizes the present bit from the access flags: a leaf with
// no access bits at all is written as not-present.
func present(flags MapFlag) bool {
	return flags&(FlagRead|FlagWrite|FlagExec) != 0
}

// allocZeroedTable allocates one frame and clears it for use as a page
// table.
func allocZeroedTable(mem mm.PhysMem, alloc AllocFrameFn) (mm.Frame, *kernel.Error) {
	frame, err := alloc()
	if err != nil {
		return 0, ErrOutOfMemory
	}

	addr := frame.Address()
	for i := uint64(0); i < mm.FrameSize/8; i++ {
		mem.WriteU64(addr.StrictAdd(i*8), 0)
	}

	return frame, nil
}

// validRange reports whether every byte covered by the chunk range
// [start, start+count) lies inside the address space desc describes.
func validRange(desc mm.AddrSpaceDesc, start uint64, count uint64) bool {
	if count == 0 {
		return false
	}

	first := start
	last := start + count*mm.PageSize - 1
	if last < first {
		return false
	}

	return desc.IsValidRange(first, last)
}
