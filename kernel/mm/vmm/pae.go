package vmm

import (
	"revmstub/kernel"
	"revmstub/kernel/cpu"
	"revmstub/kernel/mm"
)

// PAE implements AddressSpace for 3-level physical-address-extension
// paging: a 4-entry page-directory-pointer table selecting 512-entry page
// directories of 8-byte entries. PAE reaches 52 physical address bits and
// optionally honors the no-execute bit.
type PAE struct {
	root      mm.PhysAddr
	nxe       bool
	mem       mm.PhysMem
	alloc     AllocFrameFn
	dealloc   DeallocFrameFn
	destroyed bool
}

// NewPAE creates a PAE address space with a freshly allocated empty
// pointer table. The hardware must support PAE paging; requesting the
// no-execute bit on hardware without it fails with ErrNotActive.
func NewPAE(nxe bool, mem mm.PhysMem, alloc AllocFrameFn, dealloc DeallocFrameFn) (*PAE, *kernel.Error) {
	switch cpu.MaxPagingMode() {
	case cpu.PagingPAE, cpu.PagingLevel4, cpu.PagingLevel5:
	default:
		return nil, ErrNotActive
	}

	if nxe && !cpu.SupportsNX() {
		return nil, ErrNotActive
	}

	space := &PAE{nxe: nxe, mem: mem, alloc: alloc, dealloc: dealloc}

	root, err := allocZeroedTable(mem, alloc)
	if err != nil {
		return nil, err
	}
	space.root = root.Address()

	return space, nil
}

// NewPAECurrent creates a PAE address space configured like the mode the
// hardware is currently using.
func NewPAECurrent(mem mm.PhysMem, alloc AllocFrameFn, dealloc DeallocFrameFn) (*PAE, *kernel.Error) {
	switch cpu.CurrentPagingMode() {
	case cpu.PagingPAE, cpu.PagingLevel4, cpu.PagingLevel5:
	default:
		return nil, ErrNotActive
	}

	return NewPAE(cpu.NXEnabled(), mem, alloc, dealloc)
}

// AdoptPAE takes over the live page tables referenced by CR3. For the
// lifetime of the returned engine it must have exclusive control over the
// adopted tables; Destroy frees them.
func AdoptPAE(mem mm.PhysMem, alloc AllocFrameFn, dealloc DeallocFrameFn) (*PAE, *kernel.Error) {
	if cpu.CurrentPagingMode() != cpu.PagingPAE {
		return nil, ErrNotActive
	}

	return &PAE{
		root:    mm.PhysAddr(cpu.ActiveCR3() & 0xFFFF_FFE0),
		nxe:     cpu.NXEnabled(),
		mem:     mem,
		alloc:   alloc,
		dealloc: dealloc,
	}, nil
}

// ChunkSize returns the page/frame size of this engine.
func (s *PAE) ChunkSize() uint64 { return mm.PageSize }

// InputDescriptor describes the 32-bit virtual address space.
func (s *PAE) InputDescriptor() mm.AddrSpaceDesc {
	return mm.AddrSpaceDesc{Bits: 32}
}

// OutputDescriptor describes the 52-bit physical address space.
func (s *PAE) OutputDescriptor() mm.AddrSpaceDesc {
	return mm.AddrSpaceDesc{Bits: 52}
}

// RootPhysAddr returns the physical address of the pointer table.
func (s *PAE) RootPhysAddr() mm.PhysAddr { return s.root }

// CR3 returns the control register value that activates this address
// space.
func (s *PAE) CR3() uint64 { return uint64(s.root) }

func (s *PAE) indices(addr mm.VirtAddr) (pdpt, pd, pt uint64) {
	return uint64(addr) >> 30 & 0b11, uint64(addr) >> 21 & 0x1FF, uint64(addr) >> 12 & 0x1FF
}

// pageDirectory returns the page directory covering addr, allocating the
// pointer entry when allocate is set.
func (s *PAE) pageDirectory(addr mm.VirtAddr, allocate bool) (mm.PhysAddr, bool, *kernel.Error) {
	pdptIndex, _, _ := s.indices(addr)

	pdpteAddr := s.root.StrictAdd(pdptIndex * 8)
	entry := pdpte(s.mem.ReadU64(pdpteAddr))

	if !entry.Present() {
		if !allocate {
			return 0, false, nil
		}

		table, err := allocZeroedTable(s.mem, s.alloc)
		if err != nil {
			return 0, false, err
		}

		entry = pdpteEntry(table.Address())
		s.mem.WriteU64(pdpteAddr, uint64(entry))
	}

	return entry.Addr(), true, nil
}

// Map establishes the requested mappings, allocating page tables as
// needed.
func (s *PAE) Map(virt mm.PageRange, phys mm.FrameRange, flags MapFlag) *kernel.Error {
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
		_, pdIndex, ptIndex := s.indices(page.Address())

		directory, _, err := s.pageDirectory(page.Address(), true)
		if err != nil {
			return err
		}

		pdeAddr := directory.StrictAdd(pdIndex * 8)
		pde := entry64(s.mem.ReadU64(pdeAddr))

		if pde.Present() && pde.Block() {
			return ErrNotSupported
		}

		if !pde.Present() {
			table, err := allocZeroedTable(s.mem, s.alloc)
			if err != nil {
				return err
			}

			pde = tableEntry64(table.Address())
			s.mem.WriteU64(pdeAddr, uint64(pde))
		}

		pteAddr := pde.TableAddr().StrictAdd(ptIndex * 8)
		s.mem.WriteU64(pteAddr, uint64(pageEntry64(frame.Address(), flags, s.nxe)))
	}

	return nil
}

// Unmap removes the leaf mappings covering the virtual range.
func (s *PAE) Unmap(virt mm.PageRange) *kernel.Error {
	if !validRange(s.InputDescriptor(), uint64(virt.Start().Address()), virt.Count()) {
		return ErrInvalidRange
	}

	for page := virt.Start(); page < virt.EndExclusive(); page++ {
		_, pdIndex, ptIndex := s.indices(page.Address())

		directory, ok, _ := s.pageDirectory(page.Address(), false)
		if !ok {
			continue
		}

		pde := entry64(s.mem.ReadU64(directory.StrictAdd(pdIndex * 8)))
		if !pde.Present() {
			continue
		}
		if pde.Block() {
			return ErrNotSupported
		}

		s.mem.WriteU64(pde.TableAddr().StrictAdd(ptIndex*8), 0)
	}

	return nil
}

// Translate returns the physical address addr maps to and the effective
// access flags of the walk: writable only if every level permits writes,
// executable only if the no-execute bit is honored and clear along the
// walk.
func (s *PAE) Translate(addr mm.VirtAddr) (mm.PhysAddr, MapFlag, *kernel.Error) {
	if !s.InputDescriptor().IsValid(uint64(addr)) {
		return 0, 0, ErrNoMapping
	}

	_, pdIndex, ptIndex := s.indices(addr)

	directory, ok, _ := s.pageDirectory(addr, false)
	if !ok {
		return 0, 0, ErrNoMapping
	}

	pde := entry64(s.mem.ReadU64(directory.StrictAdd(pdIndex * 8)))
	if !pde.Present() {
		return 0, 0, ErrNoMapping
	}

	writable := pde.Writable()
	executable := s.nxe && !pde.NoExec()

	if pde.Block() {
		offset := uint64(addr) % (entriesPerTable * mm.PageSize)
		return pde.BlockPML2Addr().StrictAdd(offset), effectiveFlags(writable, executable), nil
	}

	pte := entry64(s.mem.ReadU64(pde.TableAddr().StrictAdd(ptIndex * 8)))
	if !pte.Present() {
		return 0, 0, ErrNoMapping
	}

	writable = writable && pte.Writable()
	executable = executable && !pte.NoExec()

	return pte.PageAddr().StrictAdd(addr.PageOffset()), effectiveFlags(writable, executable), nil
}

// FindFreeRegion returns the start of a run of count contiguous unmapped
// pages. Absent tables contribute whole subtrees; block mappings break
// the run. Page zero is never part of a returned region.
func (s *PAE) FindFreeRegion(count uint64) (mm.VirtAddr, *kernel.Error) {
	if count == 0 {
		return 0, ErrNotFound
	}

	var checked uint64
	for pdptIndex := uint64(0); pdptIndex < 4; pdptIndex++ {
		entry := pdpte(s.mem.ReadU64(s.root.StrictAdd(pdptIndex * 8)))

		if !entry.Present() {
			checked += entriesPerTable * entriesPerTable
			if pdptIndex == 0 {
				checked--
			}
			if checked >= count {
				return s.regionStart((pdptIndex+1)<<18, count), nil
			}
			continue
		}

		for pdIndex := uint64(0); pdIndex < entriesPerTable; pdIndex++ {
			pde := entry64(s.mem.ReadU64(entry.Addr().StrictAdd(pdIndex * 8)))

			if !pde.Present() {
				checked += entriesPerTable
				if pdptIndex == 0 && pdIndex == 0 {
					checked--
				}
				if checked >= count {
					return s.regionStart((pdptIndex<<18)+((pdIndex+1)<<9), count), nil
				}
				continue
			}

			if pde.Block() {
				checked = 0
				continue
			}

			for ptIndex := uint64(0); ptIndex < entriesPerTable; ptIndex++ {
				if pdptIndex == 0 && pdIndex == 0 && ptIndex == 0 {
					continue
				}

				pte := entry64(s.mem.ReadU64(pde.TableAddr().StrictAdd(ptIndex * 8)))
				if !pte.Present() {
					checked++
					if checked >= count {
						return s.regionStart((pdptIndex<<18)+(pdIndex<<9)+ptIndex+1, count), nil
					}
				} else {
					checked = 0
				}
			}
		}
	}

	return 0, ErrNotFound
}

// regionStart converts an exclusive end page number into the region start
// address.
func (s *PAE) regionStart(endPage, count uint64) mm.VirtAddr {
	return mm.VirtAddr((endPage - count) * mm.PageSize)
}

// Destroy walks the tables post-order and returns every page-table frame
// to the allocator. Frames referenced by leaf or block entries belong to
// the mapper's callers and stay untouched.
func (s *PAE) Destroy() {
	if s.destroyed {
		return
	}
	s.destroyed = true

	for pdptIndex := uint64(0); pdptIndex < 4; pdptIndex++ {
		entry := pdpte(s.mem.ReadU64(s.root.StrictAdd(pdptIndex * 8)))
		if !entry.Present() {
			continue
		}

		for pdIndex := uint64(0); pdIndex < entriesPerTable; pdIndex++ {
			pde := entry64(s.mem.ReadU64(entry.Addr().StrictAdd(pdIndex * 8)))
			if !pde.Present() || pde.Block() {
				continue
			}

			s.dealloc(mm.FrameContaining(pde.TableAddr()))
		}

		s.dealloc(mm.FrameContaining(entry.Addr()))
	}

	s.dealloc(mm.FrameContaining(s.root))
}

// effectiveFlags folds the ANDed walk bits into the flag set Translate
// reports. A reachable mapping is always readable.
func effectiveFlags(writable, executable bool) MapFlag {
	flags := FlagRead
	if writable {
		flags |= FlagWrite
	}
	if executable {
		flags |= FlagExec
	}
	return flags
}
