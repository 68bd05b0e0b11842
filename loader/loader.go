// Package loader extracts the embedded executable payload, builds its
// address space and loads its segments into freshly allocated physical
// frames. The payload travels as a length-prefixed ELF image inside a
// dedicated section of the stub's own image.
package loader

import (
	"bytes"
	"debug/elf"
	"encoding/binary"

	"revmstub/kernel"
	"revmstub/kernel/kfmt"
	"revmstub/kernel/mm"
	"revmstub/kernel/mm/pmm"
	"revmstub/kernel/mm/vmm"
)

var (
	// ErrBlobTooShort is returned when the payload section cannot hold
	// its own length prefix.
	ErrBlobTooShort = &kernel.Error{Module: "loader", Message: "payload section too short"}

	// ErrInvalidExecutable is returned when the payload is not a
	// loadable ELF image.
	ErrInvalidExecutable = &kernel.Error{Module: "loader", Message: "payload is not a loadable ELF image"}

	// ErrUnsupportedMachine is returned for payload architectures the
	// stub has no translation engine or trampoline for.
	ErrUnsupportedMachine = &kernel.Error{Module: "loader", Message: "unsupported payload machine"}

	// ErrUnsupportedRelocation is returned when a relocation record is
	// not of a supported type.
	ErrUnsupportedRelocation = &kernel.Error{Module: "loader", Message: "unsupported relocation type"}

	// ErrExecutableTooLarge is returned when no slide can place the
	// image inside the payload's virtual address space.
	ErrExecutableTooLarge = &kernel.Error{Module: "loader", Message: "payload does not fit its address space"}
)

// ExtractBlob reads the length-prefixed payload out of the stub's blob
// section: the first 8 bytes hold a little-endian length N, the next N
// bytes are the payload image.
func ExtractBlob(section []byte) ([]byte, *kernel.Error) {
	if len(section) < 8 {
		return nil, ErrBlobTooShort
	}

	size := binary.LittleEndian.Uint64(section)
	if size > uint64(len(section)-8) {
		return nil, ErrBlobTooShort
	}

	return section[8 : 8+size], nil
}

// Load parses the payload image, creates its address space, loads every
// segment and applies relocations. It returns the new address space, the
// relocated entry point and the physical/virtual addresses of the loaded
// image base.
func Load(blob []byte, mem mm.PhysMem, allocator *pmm.Allocator) (vmm.AddressSpace, uint64, mm.PhysAddr, uint64, *kernel.Error) {
	file, err := elf.NewFile(bytes.NewReader(blob))
	if err != nil {
		return nil, 0, 0, 0, ErrInvalidExecutable
	}

	if file.Machine != elf.EM_X86_64 {
		return nil, 0, 0, 0, ErrUnsupportedMachine
	}
	if file.Type != elf.ET_EXEC && file.Type != elf.ET_DYN {
		return nil, 0, 0, 0, ErrInvalidExecutable
	}

	allocFrame := func() (mm.Frame, *kernel.Error) {
		r, allocErr := allocator.AllocateFrames(1, pmm.Any())
		if allocErr != nil {
			return 0, allocErr
		}
		return r.Start(), nil
	}
	deallocFrame := func(frame mm.Frame) {
		allocator.DeallocateFrames(mm.NewFrameRange(frame, 1))
	}

	space, kerr := vmm.NewLongModeCurrent(mem, allocFrame, deallocFrame)
	if kerr != nil {
		return nil, 0, 0, 0, kerr
	}

	slide, kerr := selectSlide(file, space)
	if kerr != nil {
		space.Destroy()
		return nil, 0, 0, 0, kerr
	}
	if slide != 0 {
		kfmt.Printf("[loader] slide: 0x%x\n", slide)
	}

	var (
		imagePhys mm.PhysAddr
		imageVirt uint64
	)

	maxPhys := mm.PhysAddr(space.OutputDescriptor().MaxAddr())

	for index, prog := range file.Progs {
		if prog.Type != elf.PT_LOAD {
			continue
		}

		startAddr := slide + prog.Vaddr
		endAddr := startAddr + prog.Memsz

		alignedStart := mm.VirtAddr(startAddr).AlignDown(mm.PageSize)
		alignedEnd, ok := mm.VirtAddr(endAddr).CheckedAlignUp(mm.PageSize)
		if !ok {
			space.Destroy()
			return nil, 0, 0, 0, ErrExecutableTooLarge
		}

		pageBytes := uint64(alignedEnd) - uint64(alignedStart)
		frames, allocErr := allocator.AllocateFrames(pageBytes/mm.FrameSize, pmm.Below(maxPhys))
		if allocErr != nil {
			space.Destroy()
			return nil, 0, 0, 0, allocErr
		}

		flags := vmm.FlagRead
		if prog.Flags&elf.PF_W != 0 {
			flags |= vmm.FlagWrite
		}
		if prog.Flags&elf.PF_X != 0 {
			flags |= vmm.FlagExec
		}

		if mapErr := space.Map(
			mm.NewPageRange(mm.PageContaining(alignedStart), pageBytes/mm.PageSize),
			frames,
			flags,
		); mapErr != nil {
			space.Destroy()
			return nil, 0, 0, 0, mapErr
		}

		// Copy the file bytes and zero the BSS tail.
		offset := startAddr - uint64(alignedStart)
		segBase := frames.Start().Address().StrictAdd(offset)

		fileBytes := make([]byte, prog.Filesz)
		if _, err := prog.ReadAt(fileBytes, 0); err != nil && prog.Filesz != 0 {
			space.Destroy()
			return nil, 0, 0, 0, ErrInvalidExecutable
		}
		mem.WriteBytes(segBase, fileBytes)

		if tail := prog.Memsz - prog.Filesz; tail != 0 {
			zeroRegion(mem, segBase.StrictAdd(prog.Filesz), tail)
		}

		if imageVirt == 0 || startAddr < imageVirt {
			imagePhys = segBase
			imageVirt = startAddr
		}

		kfmt.Printf("[loader] segment %d loaded at 0x%x (0x%x)\n",
			index, startAddr, uint64(segBase))
	}

	if kerr := applyRelocations(file, space, mem, slide); kerr != nil {
		space.Destroy()
		return nil, 0, 0, 0, kerr
	}

	entry := slide + file.Entry
	kfmt.Printf("[loader] entry point at 0x%x\n", entry)

	return space, entry, imagePhys, imageVirt, nil
}

// selectSlide chooses the displacement applied to the image. Fixed
// executables load where they ask; position-independent images are placed
// at the top of the address space's low canonical half, aligned to the
// largest segment alignment.
func selectSlide(file *elf.File, space vmm.AddressSpace) (uint64, *kernel.Error) {
	if file.Type == elf.ET_EXEC {
		return 0, nil
	}

	var (
		minAddr   = ^uint64(0)
		maxAddr   uint64
		alignment = mm.PageSize
	)

	for _, prog := range file.Progs {
		if prog.Type != elf.PT_LOAD {
			continue
		}

		if prog.Align > alignment {
			alignment = prog.Align
		}
		if prog.Vaddr < minAddr {
			minAddr = prog.Vaddr
		}
		if end := prog.Vaddr + prog.Memsz; end > maxAddr {
			maxAddr = end
		}
	}

	if maxAddr == 0 {
		return 0, ErrInvalidExecutable
	}
	if alignment&(alignment-1) != 0 {
		return 0, ErrInvalidExecutable
	}

	alignedMin := minAddr &^ (alignment - 1)
	alignedMax, ok := mm.VirtAddr(maxAddr).CheckedAlignUp(alignment)
	if !ok {
		return 0, ErrExecutableTooLarge
	}
	span := uint64(alignedMax) - alignedMin

	// The top of the low canonical half.
	limit := space.InputDescriptor().ValidRanges()[0][1] + 1
	if span > limit {
		return 0, ErrExecutableTooLarge
	}

	base := limit - span
	return base &^ (alignment - 1), nil
}

// dynamic table entry tags used for relocation discovery.
const (
	dtNull     = 0
	dtRela     = 7
	dtRelaSize = 8
	dtRelaEnt  = 9
)

// relaRelative is the x86-64 base relocation: the relocated value is the
// slide plus the record's addend.
const relaRelative = 8

// applyRelocations walks the image's dynamic segments and applies every
// RELA record. Records are read back through the newly built address
// space so that the applied values land in the loaded copy.
func applyRelocations(file *elf.File, space vmm.AddressSpace, mem mm.PhysMem, slide uint64) *kernel.Error {
	for _, prog := range file.Progs {
		if prog.Type != elf.PT_DYNAMIC {
			continue
		}

		data := make([]byte, prog.Filesz)
		if _, err := prog.ReadAt(data, 0); err != nil {
			return ErrInvalidExecutable
		}

		var (
			relaOff, relaSize uint64
			relaEnt           = uint64(24)
		)

	dynLoop:
		for off := 0; off+16 <= len(data); off += 16 {
			tag := binary.LittleEndian.Uint64(data[off:])
			val := binary.LittleEndian.Uint64(data[off+8:])

			switch tag {
			case dtNull:
				break dynLoop
			case dtRela:
				relaOff = val
			case dtRelaSize:
				relaSize = val
			case dtRelaEnt:
				relaEnt = val
			}
		}

		if relaOff == 0 || relaSize == 0 || relaEnt == 0 {
			continue
		}

		count := relaSize / relaEnt
		kfmt.Printf("[loader] applying %d relocation entries\n", count)

		for i := uint64(0); i < count; i++ {
			var record [24]byte
			if !readVirt(space, mem, slide+relaOff+i*relaEnt, record[:]) {
				return ErrInvalidExecutable
			}

			offset := binary.LittleEndian.Uint64(record[0:])
			info := binary.LittleEndian.Uint64(record[8:])
			addend := binary.LittleEndian.Uint64(record[16:])

			if info&0xFFFF_FFFF != relaRelative {
				return ErrUnsupportedRelocation
			}

			var value [8]byte
			binary.LittleEndian.PutUint64(value[:], slide+addend)
			if !writeVirt(space, mem, slide+offset, value[:]) {
				return ErrInvalidExecutable
			}
		}
	}

	return nil
}

// readVirt reads through the address space, honoring page boundaries.
func readVirt(space vmm.AddressSpace, mem mm.PhysMem, va uint64, p []byte) bool {
	for len(p) > 0 {
		phys, _, err := space.Translate(mm.VirtAddr(va))
		if err != nil {
			return false
		}

		chunk := mm.PageSize - va%mm.PageSize
		if chunk > uint64(len(p)) {
			chunk = uint64(len(p))
		}

		mem.ReadBytes(phys, p[:chunk])
		va += chunk
		p = p[chunk:]
	}
	return true
}

// writeVirt writes through the address space, honoring page boundaries.
func writeVirt(space vmm.AddressSpace, mem mm.PhysMem, va uint64, p []byte) bool {
	for len(p) > 0 {
		phys, _, err := space.Translate(mm.VirtAddr(va))
		if err != nil {
			return false
		}

		chunk := mm.PageSize - va%mm.PageSize
		if chunk > uint64(len(p)) {
			chunk = uint64(len(p))
		}

		mem.WriteBytes(phys, p[:chunk])
		va += chunk
		p = p[chunk:]
	}
	return true
}

// zeroRegion clears size bytes of physical memory starting at addr.
func zeroRegion(mem mm.PhysMem, addr mm.PhysAddr, size uint64) {
	var zeros [256]byte
	for size > 0 {
		chunk := uint64(len(zeros))
		if chunk > size {
			chunk = size
		}
		mem.WriteBytes(addr, zeros[:chunk])
		addr = addr.StrictAdd(chunk)
		size -= chunk
	}
}
