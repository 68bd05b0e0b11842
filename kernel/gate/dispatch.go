package gate

import (
	"unicode/utf8"

	"revmstub/kernel/cpu"
	"revmstub/kernel/irq"
	"revmstub/kernel/kfmt"
	"revmstub/kernel/mm"
	"revmstub/kernel/mm/pmm"
	"revmstub/kernel/mm/vmm"
	"revmstub/stubapi"
)

var (
	// takeoverFn is installed by the platform adapter and relinquishes
	// firmware boot services. The default succeeds, which is correct on
	// platforms without boot services.
	takeoverFn = func(flags uint64) stubapi.Status { return stubapi.StatusSuccess }

	// fatalExceptionFn is invoked after an executable-side exception has
	// been reported. Tests override it; the default halts.
	fatalExceptionFn = func() {
		kfmt.Panic(errExecutableFault)
	}
)

// HandleCall dispatches the pending service call from the switch storage
// and stores its result. The platform adapter's trampoline bridge invokes
// this on the stub side of every crossing; the handler body runs with
// interrupts enabled, and they are masked again before the inverse switch.
func (s *Switch) HandleCall() stubapi.Status {
	cpu.EnableInterrupts()

	call := s.readCallStorage()
	status := s.dispatch(&call)

	call.Ret = uint64(status)
	s.writeCallStorage(&call)

	cpu.DisableInterrupts()
	return status
}

func (s *Switch) dispatch(call *CallStorage) stubapi.Status {
	switch {
	case call.FuncID == stubapi.FuncWrite:
		return s.handleWrite(call.Args[0], call.Args[1])
	case call.FuncID == stubapi.FuncAllocateFrames:
		return s.handleAllocateFrames(call.Args[0], call.Args[1], call.Args[2], call.Args[3])
	case call.FuncID == stubapi.FuncDeallocateFrames:
		return s.handleDeallocateFrames(call.Args[0], call.Args[1])
	case call.FuncID == stubapi.FuncGetMemoryMap:
		return s.handleGetMemoryMap(call.Args[0], call.Args[1], call.Args[2], call.Args[3], call.Args[4])
	case call.FuncID == stubapi.FuncMap:
		return s.handleMap(call.Args[0], call.Args[1], call.Args[2], call.Args[3])
	case call.FuncID == stubapi.FuncUnmap:
		return s.handleUnmap(call.Args[0], call.Args[1])
	case call.FuncID == stubapi.FuncTakeover:
		return s.handleTakeover(call.Args[0], call.Args[1])
	case call.FuncID >= stubapi.FuncExceptionBase && call.FuncID < stubapi.FuncExceptionBase+256:
		return s.handleException(uint8(call.FuncID-stubapi.FuncExceptionBase), call)
	default:
		return stubapi.StatusNotSupported
	}
}

// handleWrite copies a string out of the executable's address space and
// writes it to the log output. The string may span pages that are not
// physically contiguous.
func (s *Switch) handleWrite(ptr, length uint64) stubapi.Status {
	if ptr == 0 {
		return stubapi.StatusInvalidUsage
	}

	var buf [mm.PageSize]byte
	w := kfmt.GetOutputSink()

	for length != 0 {
		phys, _, err := s.space.Translate(mm.VirtAddr(ptr))
		if err != nil {
			return stubapi.StatusInvalidUsage
		}

		chunk := mm.PageSize - ptr%mm.PageSize
		if chunk > length {
			chunk = length
		}

		s.mem.ReadBytes(phys, buf[:chunk])
		if !utf8.Valid(buf[:chunk]) && length == chunk {
			return stubapi.StatusInvalidUsage
		}

		kfmt.Fprintf(w, "%s", buf[:chunk])
		ptr += chunk
		length -= chunk
	}

	return stubapi.StatusSuccess
}

func (s *Switch) handleAllocateFrames(count, alignment, flags, resultPtr uint64) stubapi.Status {
	if count == 0 || resultPtr == 0 || resultPtr%8 != 0 || flags&stubapi.AllocFlagsValid != flags {
		return stubapi.StatusInvalidUsage
	}
	if alignment == 0 || alignment&(alignment-1) != 0 {
		return stubapi.StatusInvalidUsage
	}

	resultPhys, _, err := s.space.Translate(mm.VirtAddr(resultPtr))
	if err != nil {
		return stubapi.StatusInvalidUsage
	}

	var policy pmm.Policy
	switch flags & stubapi.AllocFlagsValid {
	case stubapi.AllocAny:
		policy = pmm.Any()
	case stubapi.AllocBelow:
		policy = pmm.Below(mm.PhysAddr(s.mem.ReadU64(resultPhys)))
	case stubapi.AllocAt:
		addr := mm.PhysAddr(s.mem.ReadU64(resultPhys))
		if !addr.IsAligned(mm.FrameSize) {
			return stubapi.StatusInvalidUsage
		}
		policy = pmm.At(addr)
	default:
		return stubapi.StatusInvalidUsage
	}

	r, allocErr := s.allocator.AllocateFramesAligned(count, alignment, policy)
	if allocErr != nil {
		return stubapi.StatusOutOfMemory
	}

	s.mem.WriteU64(resultPhys, uint64(r.Start().Address()))
	return stubapi.StatusSuccess
}

func (s *Switch) handleDeallocateFrames(physAddr, count uint64) stubapi.Status {
	if count == 0 || !mm.PhysAddr(physAddr).IsAligned(mm.FrameSize) {
		return stubapi.StatusInvalidUsage
	}

	s.allocator.DeallocateFrames(mm.NewFrameRange(mm.FrameContaining(mm.PhysAddr(physAddr)), count))
	return stubapi.StatusSuccess
}

func (s *Switch) handleGetMemoryMap(sizePtr, bufPtr, keyPtr, descSizePtr, descVersionPtr uint64) stubapi.Status {
	if sizePtr == 0 || sizePtr%8 != 0 {
		return stubapi.StatusInvalidUsage
	}

	sizePhys, _, err := s.space.Translate(mm.VirtAddr(sizePtr))
	if err != nil {
		return stubapi.StatusInvalidUsage
	}

	required := s.allocator.RangeCount() * stubapi.MemoryDescriptorSize

	// The remaining pointers must be present and aligned; on any
	// violation the required size is still reported so the executable
	// can retry with a correct request.
	if bufPtr == 0 || bufPtr%8 != 0 ||
		keyPtr == 0 || keyPtr%8 != 0 ||
		descSizePtr == 0 || descSizePtr%8 != 0 ||
		descVersionPtr == 0 || descVersionPtr%8 != 0 {
		s.mem.WriteU64(sizePhys, required)
		return stubapi.StatusInvalidUsage
	}

	if provided := s.mem.ReadU64(sizePhys); provided < required {
		s.mem.WriteU64(sizePhys, required)
		return stubapi.StatusInvalidUsage
	}

	keyPhys, _, err := s.space.Translate(mm.VirtAddr(keyPtr))
	if err != nil {
		s.mem.WriteU64(sizePhys, required)
		return stubapi.StatusInvalidUsage
	}
	descSizePhys, _, err := s.space.Translate(mm.VirtAddr(descSizePtr))
	if err != nil {
		s.mem.WriteU64(sizePhys, required)
		return stubapi.StatusInvalidUsage
	}
	descVersionPhys, _, err := s.space.Translate(mm.VirtAddr(descVersionPtr))
	if err != nil {
		s.mem.WriteU64(sizePhys, required)
		return stubapi.StatusInvalidUsage
	}

	descriptors := make([]stubapi.MemoryDescriptor, s.allocator.RangeCount())
	n, key, mapErr := s.allocator.MemoryMap(descriptors)
	if mapErr != nil {
		return stubapi.StatusInvalidUsage
	}

	var encoded [stubapi.MemoryDescriptorSize]byte
	for i := 0; i < n; i++ {
		descriptors[i].Encode(encoded[:])
		if !s.copyToExecutable(bufPtr+uint64(i)*stubapi.MemoryDescriptorSize, encoded[:]) {
			return stubapi.StatusInvalidUsage
		}
	}

	s.mem.WriteU64(sizePhys, uint64(n)*stubapi.MemoryDescriptorSize)
	s.mem.WriteU64(keyPhys, key)
	s.mem.WriteU64(descSizePhys, stubapi.MemoryDescriptorSize)
	s.mem.WriteU64(descVersionPhys, stubapi.MemoryDescriptorVersion)

	return stubapi.StatusSuccess
}

func (s *Switch) handleMap(physAddr, virtAddr, count, flags uint64) stubapi.Status {
	if flags&stubapi.MapFlagsValid != flags {
		return stubapi.StatusInvalidUsage
	}
	if !mm.PhysAddr(physAddr).IsAligned(mm.FrameSize) || !mm.VirtAddr(virtAddr).IsAligned(mm.PageSize) {
		return stubapi.StatusInvalidUsage
	}

	var mapFlags vmm.MapFlag
	if flags&stubapi.MapRead != 0 {
		mapFlags |= vmm.FlagRead
	}
	if flags&stubapi.MapWrite != 0 {
		mapFlags |= vmm.FlagWrite
	}
	if flags&stubapi.MapExec != 0 {
		mapFlags |= vmm.FlagExec
	}

	err := s.space.Map(
		mm.NewPageRange(mm.PageContaining(mm.VirtAddr(virtAddr)), count),
		mm.NewFrameRange(mm.FrameContaining(mm.PhysAddr(physAddr)), count),
		mapFlags,
	)
	switch err {
	case nil:
		return stubapi.StatusSuccess
	case vmm.ErrOutOfMemory:
		return stubapi.StatusOutOfMemory
	default:
		return stubapi.StatusInvalidUsage
	}
}

func (s *Switch) handleUnmap(virtAddr, count uint64) stubapi.Status {
	if !mm.VirtAddr(virtAddr).IsAligned(mm.PageSize) {
		return stubapi.StatusInvalidUsage
	}

	if err := s.space.Unmap(mm.NewPageRange(mm.PageContaining(mm.VirtAddr(virtAddr)), count)); err != nil {
		return stubapi.StatusInvalidUsage
	}
	return stubapi.StatusSuccess
}

// handleTakeover relinquishes firmware services. The supplied key must
// identify the current memory map so the executable only takes over with
// a coherent view of memory.
func (s *Switch) handleTakeover(key, flags uint64) stubapi.Status {
	if flags&stubapi.TakeoverFlagsValid != flags {
		return stubapi.StatusInvalidUsage
	}

	if key != s.allocator.Key() {
		return stubapi.StatusStaleKey
	}

	return takeoverFn(flags)
}

// handleException reports an executable-side CPU exception. The faulting
// context travels in the call arguments: error code, instruction pointer,
// code segment, flags, stack pointer and, for page faults, the faulting
// linear address.
func (s *Switch) handleException(vector uint8, call *CallStorage) stubapi.Status {
	kfmt.Printf("\n[gate] executable raised %s (vector %d)\n", irq.VectorName(vector), vector)
	if irq.HasErrorCode(vector) {
		kfmt.Printf("[gate] error code: %16x\n", call.Args[0])
	}

	frame := irq.Frame{
		RIP:    call.Args[1],
		CS:     call.Args[2],
		RFlags: call.Args[3],
		RSP:    call.Args[4],
	}
	frame.Print()

	if vector == 14 {
		kfmt.Printf("[gate] faulting address: %16x\n", call.Args[5])
	}

	fatalExceptionFn()
	return stubapi.StatusNotSupported
}

// copyToExecutable writes p into the executable's address space at the
// given virtual address, honoring page boundaries.
func (s *Switch) copyToExecutable(va uint64, p []byte) bool {
	for len(p) > 0 {
		phys, _, err := s.space.Translate(mm.VirtAddr(va))
		if err != nil {
			return false
		}

		chunk := mm.PageSize - va%mm.PageSize
		if chunk > uint64(len(p)) {
			chunk = uint64(len(p))
		}

		s.mem.WriteBytes(phys, p[:chunk])
		va += chunk
		p = p[chunk:]
	}

	return true
}
