package vmm

import (
	"revmstub/kernel"
	"revmstub/kernel/cpu"
	"revmstub/kernel/mm"
)

// LongMode implements AddressSpace for 4-level and 5-level long-mode
// paging: 512-entry tables of 8-byte entries at every level, canonical
// 48- or 57-bit virtual addresses and 52 physical address bits. Levels 2
// and 3 may hold block mappings (2 MiB and 1 GiB).
type LongMode struct {
	root      mm.PhysAddr
	la57      bool
	nxe       bool
	mem       mm.PhysMem
	alloc     AllocFrameFn
	dealloc   DeallocFrameFn
	destroyed bool
}

// pageLevelShifts lists the virtual address bit offset of the table index
// for each level, topmost first.
var pageLevelShifts = [5]uint{48, 39, 30, 21, 12}

// NewLongMode creates a long-mode address space with a freshly allocated
// empty top-level table. Requesting 57-bit addressing or the no-execute
// bit on hardware without them fails with ErrNotActive.
func NewLongMode(la57, nxe bool, mem mm.PhysMem, alloc AllocFrameFn, dealloc DeallocFrameFn) (*LongMode, *kernel.Error) {
	switch cpu.MaxPagingMode() {
	case cpu.PagingLevel5:
	case cpu.PagingLevel4:
		if la57 {
			return nil, ErrNotActive
		}
	default:
		return nil, ErrNotActive
	}

	if nxe && !cpu.SupportsNX() {
		return nil, ErrNotActive
	}

	space := &LongMode{la57: la57, nxe: nxe, mem: mem, alloc: alloc, dealloc: dealloc}

	root, err := allocZeroedTable(mem, alloc)
	if err != nil {
		return nil, err
	}
	space.root = root.Address()

	return space, nil
}

// NewLongModeCurrent creates a long-mode address space configured like
// the mode the hardware is currently using.
func NewLongModeCurrent(mem mm.PhysMem, alloc AllocFrameFn, dealloc DeallocFrameFn) (*LongMode, *kernel.Error) {
	mode := cpu.CurrentPagingMode()
	if mode != cpu.PagingLevel4 && mode != cpu.PagingLevel5 {
		return nil, ErrNotActive
	}

	return NewLongMode(mode == cpu.PagingLevel5, cpu.NXEnabled(), mem, alloc, dealloc)
}

// AdoptLongMode takes over the live page tables referenced by CR3. For
// the lifetime of the returned engine it must have exclusive control over
// the adopted tables; Destroy frees them.
func AdoptLongMode(mem mm.PhysMem, alloc AllocFrameFn, dealloc DeallocFrameFn) (*LongMode, *kernel.Error) {
	mode := cpu.CurrentPagingMode()
	if mode != cpu.PagingLevel4 && mode != cpu.PagingLevel5 {
		return nil, ErrNotActive
	}

	return &LongMode{
		root:    mm.PhysAddr(cpu.ActiveCR3() & uint64(entry64AddrMask)),
		la57:    mode == cpu.PagingLevel5,
		nxe:     cpu.NXEnabled(),
		mem:     mem,
		alloc:   alloc,
		dealloc: dealloc,
	}, nil
}

// ChunkSize returns the page/frame size of this engine.
func (s *LongMode) ChunkSize() uint64 { return mm.PageSize }

// InputDescriptor describes the canonical 48- or 57-bit virtual address
// space.
func (s *LongMode) InputDescriptor() mm.AddrSpaceDesc {
	if s.la57 {
		return mm.AddrSpaceDesc{Bits: 57, SignExtended: true}
	}
	return mm.AddrSpaceDesc{Bits: 48, SignExtended: true}
}

// OutputDescriptor describes the 52-bit physical address space.
func (s *LongMode) OutputDescriptor() mm.AddrSpaceDesc {
	return mm.AddrSpaceDesc{Bits: 52}
}

// RootPhysAddr returns the physical address of the top-level table.
func (s *LongMode) RootPhysAddr() mm.PhysAddr { return s.root }

// CR3 returns the control register value that activates this address
// space.
func (s *LongMode) CR3() uint64 { return uint64(s.root) }

// levels returns the number of paging levels of this engine.
func (s *LongMode) levels() int {
	if s.la57 {
		return 5
	}
	return 4
}

// index extracts the table index for the given level (5 down to 1).
func index(addr mm.VirtAddr, level int) uint64 {
	return uint64(addr) >> pageLevelShifts[5-level] & 0x1FF
}

// leafTable walks from the root down to the level-1 table covering addr.
// Missing intermediate tables are allocated when allocate is set;
// otherwise the walk reports absence. Block mappings at levels 2 and 3
// surface ErrNotSupported since the engine cannot split them.
func (s *LongMode) leafTable(addr mm.VirtAddr, allocate bool) (mm.PhysAddr, bool, *kernel.Error) {
	table := s.root

	for level := s.levels(); level > 1; level-- {
		entryAddr := table.StrictAdd(index(addr, level) * 8)
		entry := entry64(s.mem.ReadU64(entryAddr))

		if entry.Present() && (level == 2 || level == 3) && entry.Block() {
			return 0, false, ErrNotSupported
		}

		if !entry.Present() {
			if !allocate {
				return 0, false, nil
			}

			frame, err := allocZeroedTable(s.mem, s.alloc)
			if err != nil {
				return 0, false, err
			}

			entry = tableEntry64(frame.Address())
			s.mem.WriteU64(entryAddr, uint64(entry))
		}

		table = entry.TableAddr()
	}

	return table, true, nil
}

// Map establishes the requested mappings, allocating intermediate tables
// as needed.
func (s *LongMode) Map(virt mm.PageRange, phys mm.FrameRange, flags MapFlag) *kernel.Error {
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
		table, _, err := s.leafTable(page.Address(), true)
		if err != nil {
			return err
		}

		entryAddr := table.StrictAdd(index(page.Address(), 1) * 8)
		s.mem.WriteU64(entryAddr, uint64(pageEntry64(frame.Address(), flags, s.nxe)))
	}

	return nil
}

// Unmap removes the leaf mappings covering the virtual range.
func (s *LongMode) Unmap(virt mm.PageRange) *kernel.Error {
	if !validRange(s.InputDescriptor(), uint64(virt.Start().Address()), virt.Count()) {
		return ErrInvalidRange
	}

	for page := virt.Start(); page < virt.EndExclusive(); page++ {
		table, ok, err := s.leafTable(page.Address(), false)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}

		s.mem.WriteU64(table.StrictAdd(index(page.Address(), 1)*8), 0)
	}

	return nil
}

// Translate returns the physical address addr maps to and the effective
// access flags of the walk: writable only if every level permits writes,
// executable only if the no-execute bit is honored and clear along the
// walk.
func (s *LongMode) Translate(addr mm.VirtAddr) (mm.PhysAddr, MapFlag, *kernel.Error) {
	if !s.InputDescriptor().IsValid(uint64(addr)) {
		return 0, 0, ErrNoMapping
	}

	var (
		table      = s.root
		writable   = true
		executable = true
	)

	for level := s.levels(); level > 1; level-- {
		entry := entry64(s.mem.ReadU64(table.StrictAdd(index(addr, level) * 8)))
		if !entry.Present() {
			return 0, 0, ErrNoMapping
		}

		writable = writable && entry.Writable()
		executable = executable && s.nxe && !entry.NoExec()

		if level == 3 && entry.Block() {
			offset := uint64(addr) % (entriesPerTable * entriesPerTable * mm.PageSize)
			return entry.BlockPML3Addr().StrictAdd(offset), effectiveFlags(writable, executable), nil
		}
		if level == 2 && entry.Block() {
			offset := uint64(addr) % (entriesPerTable * mm.PageSize)
			return entry.BlockPML2Addr().StrictAdd(offset), effectiveFlags(writable, executable), nil
		}

		table = entry.TableAddr()
	}

	entry := entry64(s.mem.ReadU64(table.StrictAdd(index(addr, 1) * 8)))
	if !entry.Present() {
		return 0, 0, ErrNoMapping
	}

	writable = writable && entry.Writable()
	executable = executable && s.nxe && !entry.NoExec()

	return entry.PageAddr().StrictAdd(addr.PageOffset()), effectiveFlags(writable, executable), nil
}

// FindFreeRegion returns the start of a run of count contiguous unmapped
// pages, walking the tree in virtual address order. Absent subtrees
// contribute their full page count without being descended into; block
// mappings break the run. Page zero is never part of a returned region.
func (s *LongMode) FindFreeRegion(count uint64) (mm.VirtAddr, *kernel.Error) {
	if count == 0 {
		return 0, ErrNotFound
	}

	const fanout = uint64(entriesPerTable)

	var checked uint64
	end := func(i5, i4, i3, i2, i1 uint64) (mm.VirtAddr, *kernel.Error) {
		endPage := ((((i5*fanout+i4)*fanout+i3)*fanout+i2)*fanout + i1)
		return mm.VirtAddr((endPage - count) * mm.PageSize), nil
	}

	for i5 := uint64(0); i5 < fanout; i5++ {
		if i5 != 0 && !s.la57 {
			break
		}

		pml4Table := s.root
		if s.la57 {
			pml5e := entry64(s.mem.ReadU64(s.root.StrictAdd(i5 * 8)))
			if !pml5e.Present() {
				checked += fanout * fanout * fanout * fanout
				if i5 == 0 {
					checked--
				}
				if checked >= count {
					return end(i5+1, 0, 0, 0, 0)
				}
				continue
			}
			pml4Table = pml5e.TableAddr()
		}

		for i4 := uint64(0); i4 < fanout; i4++ {
			pml4e := entry64(s.mem.ReadU64(pml4Table.StrictAdd(i4 * 8)))
			if !pml4e.Present() {
				checked += fanout * fanout * fanout
				if i5 == 0 && i4 == 0 {
					checked--
				}
				if checked >= count {
					return end(i5, i4+1, 0, 0, 0)
				}
				continue
			}

			for i3 := uint64(0); i3 < fanout; i3++ {
				pml3e := entry64(s.mem.ReadU64(pml4e.TableAddr().StrictAdd(i3 * 8)))
				if !pml3e.Present() {
					checked += fanout * fanout
					if i5 == 0 && i4 == 0 && i3 == 0 {
						checked--
					}
					if checked >= count {
						return end(i5, i4, i3+1, 0, 0)
					}
					continue
				}
				if pml3e.Block() {
					checked = 0
					continue
				}

				for i2 := uint64(0); i2 < fanout; i2++ {
					pml2e := entry64(s.mem.ReadU64(pml3e.TableAddr().StrictAdd(i2 * 8)))
					if !pml2e.Present() {
						checked += fanout
						if i5 == 0 && i4 == 0 && i3 == 0 && i2 == 0 {
							checked--
						}
						if checked >= count {
							return end(i5, i4, i3, i2+1, 0)
						}
						continue
					}
					if pml2e.Block() {
						checked = 0
						continue
					}

					for i1 := uint64(0); i1 < fanout; i1++ {
						if i5 == 0 && i4 == 0 && i3 == 0 && i2 == 0 && i1 == 0 {
							continue
						}

						pml1e := entry64(s.mem.ReadU64(pml2e.TableAddr().StrictAdd(i1 * 8)))
						if !pml1e.Present() {
							checked++
							if checked >= count {
								return end(i5, i4, i3, i2, i1+1)
							}
						} else {
							checked = 0
						}
					}
				}
			}
		}
	}

	return 0, ErrNotFound
}

// Destroy walks the tables post-order and returns every page-table frame
// to the allocator. Frames referenced by leaf or block entries belong to
// the mapper's callers and stay untouched.
func (s *LongMode) Destroy() {
	if s.destroyed {
		return
	}
	s.destroyed = true

	s.freeTableRecursive(s.root, s.levels())
}

// freeTableRecursive frees the table at the given level and all tables
// reachable from it. Block entries terminate the recursion at their
// level.
func (s *LongMode) freeTableRecursive(table mm.PhysAddr, level int) {
	if level == 0 {
		return
	}

	if level > 1 {
		for i := uint64(0); i < entriesPerTable; i++ {
			entry := entry64(s.mem.ReadU64(table.StrictAdd(i * 8)))
			if !entry.Present() {
				continue
			}
			if (level == 2 || level == 3) && entry.Block() {
				continue
			}

			s.freeTableRecursive(entry.TableAddr(), level-1)
		}
	}

	s.dealloc(mm.FrameContaining(table))
}
