package vmm

import (
	"revmstub/kernel"
	"revmstub/kernel/cpu"
	"revmstub/kernel/mm"
)

// Bits32 implements AddressSpace for legacy 2-level 32-bit paging: a
// 1024-entry page directory of 4-byte entries pointing at 1024-entry page
// tables. With PSE enabled, directory entries may map 4 MiB blocks
// directly; with PSE-36 those blocks may address 36 bits of physical
// memory.
type Bits32 struct {
	root      mm.PhysAddr
	pse       bool
	pse36     bool
	mem       mm.PhysMem
	alloc     AllocFrameFn
	dealloc   DeallocFrameFn
	destroyed bool
}

// NewBits32 creates a 32-bit address space with a freshly allocated empty
// page directory. The requested feature flags must be supported by the
// hardware and 32-bit paging must be the active mode.
func NewBits32(pse, pse36 bool, mem mm.PhysMem, alloc AllocFrameFn, dealloc DeallocFrameFn) (*Bits32, *kernel.Error) {
	if cpu.CurrentPagingMode() != cpu.PagingBits32 {
		return nil, ErrNotActive
	}
	if (pse && !cpu.SupportsPSE()) || (pse36 && !cpu.SupportsPSE36()) {
		return nil, ErrNotActive
	}

	space := &Bits32{pse: pse, pse36: pse36, mem: mem, alloc: alloc, dealloc: dealloc}

	root, err := allocZeroedTable(mem, alloc)
	if err != nil {
		return nil, err
	}
	space.root = root.Address()

	return space, nil
}

// NewBits32Current creates a 32-bit address space configured like the
// mode the hardware is currently using.
func NewBits32Current(mem mm.PhysMem, alloc AllocFrameFn, dealloc DeallocFrameFn) (*Bits32, *kernel.Error) {
	pse := cpu.SupportsPSE()
	return NewBits32(pse, pse && cpu.SupportsPSE36(), mem, alloc, dealloc)
}

// AdoptBits32 takes over the live page tables referenced by CR3. For the
// lifetime of the returned engine it must have exclusive control over the
// adopted tables; Destroy frees them.
func AdoptBits32(mem mm.PhysMem, alloc AllocFrameFn, dealloc DeallocFrameFn) (*Bits32, *kernel.Error) {
	if cpu.CurrentPagingMode() != cpu.PagingBits32 {
		return nil, ErrNotActive
	}

	pse := cpu.SupportsPSE()
	return &Bits32{
		root:    mm.PhysAddr(cpu.ActiveCR3() & 0xFFFF_F000),
		pse:     pse,
		pse36:   pse && cpu.SupportsPSE36(),
		mem:     mem,
		alloc:   alloc,
		dealloc: dealloc,
	}, nil
}

// ChunkSize returns the page/frame size of this engine.
func (s *Bits32) ChunkSize() uint64 { return mm.PageSize }

// InputDescriptor describes the 32-bit virtual address space.
func (s *Bits32) InputDescriptor() mm.AddrSpaceDesc {
	return mm.AddrSpaceDesc{Bits: 32}
}

// OutputDescriptor describes the reachable physical address space: 36
// bits with PSE-36, 32 bits otherwise.
func (s *Bits32) OutputDescriptor() mm.AddrSpaceDesc {
	if s.pse36 {
		return mm.AddrSpaceDesc{Bits: 36}
	}
	return mm.AddrSpaceDesc{Bits: 32}
}

// RootPhysAddr returns the physical address of the page directory.
func (s *Bits32) RootPhysAddr() mm.PhysAddr { return s.root }

// CR3 returns the control register value that activates this address
// space.
func (s *Bits32) CR3() uint64 { return uint64(s.root) }

func (s *Bits32) indices(addr mm.VirtAddr) (pd, pt uint64) {
	return uint64(addr) >> 22 & 0x3FF, uint64(addr) >> 12 & 0x3FF
}

// Map establishes the requested mappings, allocating page tables as
// needed.
func (s *Bits32) Map(virt mm.PageRange, phys mm.FrameRange, flags MapFlag) *kernel.Error {
	if !validRange(s.InputDescriptor(), uint64(virt.Start().Address()), virt.Count()) ||
		!validRange(s.OutputDescriptor(), uint64(phys.Start().Address()), phys.Count()) {
		return ErrInvalidRange
	}
	if virt.Count() != phys.Count() {
		return ErrMappingMismatch
	}

	if flags&FlagMayOverwrite == 0 {
		for page := virt.Start(); page < virt.EndExclusive(); page++ {
			if _, _, err := s.Translate(page.Address()); err == nil {
				return ErrOverlap
			}
		}
	}

	frame := phys.Start()
	for page := virt.Start(); page < virt.EndExclusive(); page, frame = page+1, frame+1 {
		pdIndex, ptIndex := s.indices(page.Address())

		pdeAddr := s.root.StrictAdd(pdIndex * 4)
		pde := entry32(s.mem.ReadU32(pdeAddr))

		if pde.Present() && pde.Block() {
			return ErrNotSupported
		}

		if !pde.Present() {
			table, err := allocZeroedTable(s.mem, s.alloc)
			if err != nil {
				return err
			}

			pde = tableEntry32(table.Address())
			s.mem.WriteU32(pdeAddr, uint32(pde))
		}

		// 4 KiB entries cannot express physical addresses beyond 32
		// bits even when PSE-36 widens block mappings.
		if uint64(frame.Address()) >= 1<<32 {
			return ErrInvalidRange
		}

		pteAddr := pde.TableAddr().StrictAdd(ptIndex * 4)
		s.mem.WriteU32(pteAddr, uint32(pageEntry32(frame.Address(), flags)))
	}

	return nil
}

// Unmap removes the leaf mappings covering the virtual range.
func (s *Bits32) Unmap(virt mm.PageRange) *kernel.Error {
	if !validRange(s.InputDescriptor(), uint64(virt.Start().Address()), virt.Count()) {
		return ErrInvalidRange
	}

	for page := virt.Start(); page < virt.EndExclusive(); page++ {
		pdIndex, ptIndex := s.indices(page.Address())

		pde := entry32(s.mem.ReadU32(s.root.StrictAdd(pdIndex * 4)))
		if !pde.Present() {
			continue
		}
		if pde.Block() {
			return ErrNotSupported
		}

		s.mem.WriteU32(pde.TableAddr().StrictAdd(ptIndex*4), 0)
	}

	return nil
}

// Translate returns the physical address addr maps to and the effective
// access flags of the walk. Legacy 32-bit paging has no no-execute bit,
// so the executable flag is never reported.
func (s *Bits32) Translate(addr mm.VirtAddr) (mm.PhysAddr, MapFlag, *kernel.Error) {
	if !s.InputDescriptor().IsValid(uint64(addr)) {
		return 0, 0, ErrNoMapping
	}

	pdIndex, ptIndex := s.indices(addr)

	pde := entry32(s.mem.ReadU32(s.root.StrictAdd(pdIndex * 4)))
	if !pde.Present() {
		return 0, 0, ErrNoMapping
	}

	writable := pde.Writable()

	if s.pse && pde.Block() {
		offset := uint64(addr) % (1024 * mm.PageSize)
		flags := FlagRead
		if writable {
			flags |= FlagWrite
		}
		return pde.BlockAddr(s.pse36).StrictAdd(offset), flags, nil
	}

	pte := entry32(s.mem.ReadU32(pde.TableAddr().StrictAdd(ptIndex * 4)))
	if !pte.Present() {
		return 0, 0, ErrNoMapping
	}

	writable = writable && pte.Writable()

	flags := FlagRead
	if writable {
		flags |= FlagWrite
	}
	return pte.PageAddr().StrictAdd(addr.PageOffset()), flags, nil
}

// FindFreeRegion returns the start of a run of count contiguous unmapped
// pages. Absent page tables contribute 1024 pages at a time; block
// mappings break the run. Page zero is never part of a returned region.
func (s *Bits32) FindFreeRegion(count uint64) (mm.VirtAddr, *kernel.Error) {
	if count == 0 {
		return 0, ErrNotFound
	}

	var checked uint64
	for pdIndex := uint64(0); pdIndex < 1024; pdIndex++ {
		pde := entry32(s.mem.ReadU32(s.root.StrictAdd(pdIndex * 4)))

		if !pde.Present() {
			if pdIndex == 0 && checked == 0 {
				// Exclude page zero from the run.
				checked += 1023
			} else {
				checked += 1024
			}
			if checked >= count {
				return s.regionStart((pdIndex+1)<<10, count), nil
			}
			continue
		}

		if pde.Block() {
			checked = 0
			continue
		}

		for ptIndex := uint64(0); ptIndex < 1024; ptIndex++ {
			if pdIndex == 0 && ptIndex == 0 {
				continue
			}

			pte := entry32(s.mem.ReadU32(pde.TableAddr().StrictAdd(ptIndex * 4)))
			if !pte.Present() {
				checked++
				if checked >= count {
					return s.regionStart((pdIndex<<10)+ptIndex+1, count), nil
				}
			} else {
				checked = 0
			}
		}
	}

	return 0, ErrNotFound
}

// regionStart converts an exclusive end page number into the region start
// address.
func (s *Bits32) regionStart(endPage, count uint64) mm.VirtAddr {
	return mm.VirtAddr((endPage - count) * mm.PageSize)
}

// Destroy walks the directory post-order and returns every page-table
// frame to the allocator. Frames referenced by leaf or block entries
// belong to the mapper's callers and stay untouched.
func (s *Bits32) Destroy() {
	if s.destroyed {
		return
	}
	s.destroyed = true

	for pdIndex := uint64(0); pdIndex < 1024; pdIndex++ {
		pde := entry32(s.mem.ReadU32(s.root.StrictAdd(pdIndex * 4)))
		if !pde.Present() || pde.Block() {
			continue
		}

		s.dealloc(mm.FrameContaining(pde.TableAddr()))
	}

	s.dealloc(mm.FrameContaining(s.root))
}
