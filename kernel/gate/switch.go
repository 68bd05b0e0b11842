package gate

import (
	"revmstub/kernel"
	"revmstub/kernel/cpu"
	"revmstub/kernel/kfmt"
	"revmstub/kernel/mm"
	"revmstub/kernel/mm/pmm"
	"revmstub/kernel/mm/vmm"
	"revmstub/kernel/sync"
	"revmstub/stubapi"
)

// stackSize is the size, in bytes, of the stack handed to the executable.
const stackSize = 64 * 1024

// protectedModeLimit bounds allocations that must stay reachable from a
// 32-bit mode during the transition.
const protectedModeLimit = mm.PhysAddr(1) << 32

var (
	// ErrUnsupportedTarget is returned when the executable's address
	// space is not a long-mode space. The trampoline for 32-bit
	// executables is not implemented.
	ErrUnsupportedTarget = &kernel.Error{Module: "gate", Message: "only long-mode executables are supported"}

	errExecutableFault = &kernel.Error{Module: "gate", Message: "executable raised an unrecoverable exception"}

	// mapIdentityFn identity-maps a physical region into the stub's own
	// address space. The platform adapter installs the real helper; the
	// default assumes the stub runs fully identity-mapped already.
	mapIdentityFn = func(addr mm.PhysAddr, size uint64) *kernel.Error { return nil }

	// enterTrampolineFn transfers control to the stub-side trampoline
	// entry point. It is installed by the platform adapter as a thin
	// assembly bridge; everything after the call happens under the
	// executable's CR3 until the executable returns.
	enterTrampolineFn = func(entry uint64) stubapi.Status {
		panic("gate: no trampoline entry bridge installed")
	}
)

// InstallBridge registers the platform's trampoline entry bridge: a thin
// assembly shim that jumps to the given trampoline address and returns
// the executable's final status.
func InstallBridge(enter func(entry uint64) stubapi.Status) {
	enterTrampolineFn = enter
}

// InstallIdentityMapper registers the platform helper that identity-maps
// physical regions into the stub's own address space.
func InstallIdentityMapper(mapIdentity func(addr mm.PhysAddr, size uint64) *kernel.Error) {
	mapIdentityFn = mapIdentity
}

// InstallTakeover registers the platform hook that relinquishes firmware
// boot services.
func InstallTakeover(takeover func(flags uint64) stubapi.Status) {
	takeoverFn = takeover
}

// Config carries everything needed to build a switch to a loaded
// executable.
type Config struct {
	Mem       mm.PhysMem
	Allocator *pmm.Allocator

	// Space is the executable's address space, as built by the loader.
	Space vmm.AddressSpace

	// EntryPoint is the executable's entry point in its own address
	// space; ImagePhys/ImageVirt locate the loaded image.
	EntryPoint uint64
	ImagePhys  mm.PhysAddr
	ImageVirt  uint64

	// Arch carries the firmware pointers published through the protocol
	// table.
	Arch stubapi.ArchTable

	// StubDispatcher is the address of the platform bridge that invokes
	// HandleCall when the executable calls back into the stub.
	StubDispatcher uint64
}

// Switch owns the shared state of one stub/executable pairing: the switch
// storage, the two trampoline blobs, the executable's IDT, stack and
// protocol table.
type Switch struct {
	lock sync.Spinlock

	mem       mm.PhysMem
	allocator *pmm.Allocator
	space     vmm.AddressSpace

	storageAddr mm.PhysAddr

	stubCodeAddr   mm.PhysAddr
	targetCodeAddr mm.PhysAddr
	stubLayout     CodeLayout
	targetLayout   CodeLayout

	// ProtocolTableVA is the protocol table's address in the
	// executable's address space.
	ProtocolTableVA uint64

	allocations []mm.FrameRange
	destroyed   bool
}

// NewSwitch builds the full switch state for the given executable:
// stack, shared storage, both trampolines, the executable IDT and the
// protocol table, all identity-mapped where the transition requires it.
func NewSwitch(cfg Config) (*Switch, *kernel.Error) {
	if !cfg.Space.InputDescriptor().SignExtended {
		return nil, ErrUnsupportedTarget
	}

	s := &Switch{
		mem:       cfg.Mem,
		allocator: cfg.Allocator,
		space:     cfg.Space,
	}

	storage := Storage{
		GDT:        executableGDT,
		EntryPoint: cfg.EntryPoint,
	}
	storage.Target.Segs = [segCount]uint16{
		segCS: selectorCode64, segDS: selectorData64, segES: selectorData64,
		segFS: selectorData64, segGS: selectorData64, segSS: selectorData64,
	}
	storage.Target.CR0 = 1<<31 | 1<<16 | 1<<0 // PG, WP, PE
	storage.Target.CR3 = cfg.Space.CR3()
	storage.Target.CR4 = 1<<5 | 1<<4 // PAE, PSE

	if err := s.allocateStack(&storage); err != nil {
		s.Destroy()
		return nil, err
	}
	if err := s.allocateStorage(&storage); err != nil {
		s.Destroy()
		return nil, err
	}
	if err := s.allocateCode(&storage, cfg.StubDispatcher); err != nil {
		s.Destroy()
		return nil, err
	}
	if err := s.allocateIDT(&storage); err != nil {
		s.Destroy()
		return nil, err
	}
	if err := s.allocateProtocolTable(cfg); err != nil {
		s.Destroy()
		return nil, err
	}

	storage.Call = CallStorage{
		FuncID:   stubapi.FuncEntry,
		ArgCount: 1,
		Args:     [6]uint64{s.ProtocolTableVA},
	}

	s.mem.WriteBytes(s.storageAddr, storage.Encode())

	kfmt.Printf("[gate] storage at 0x%x, stub code at 0x%x, executable code at 0x%x\n",
		uint64(s.storageAddr), uint64(s.stubCodeAddr), uint64(s.targetCodeAddr))
	kfmt.Printf("[gate] protocol table at 0x%x, entry point 0x%x\n",
		s.ProtocolTableVA, cfg.EntryPoint)

	return s, nil
}

// allocBelow4G allocates frames that stay reachable during the mode
// transition and records them for cleanup.
func (s *Switch) allocBelow4G(count uint64) (mm.FrameRange, *kernel.Error) {
	r, err := s.allocator.AllocateFramesAligned(count, mm.FrameSize, pmm.Below(protectedModeLimit))
	if err != nil {
		return mm.FrameRange{}, err
	}

	s.allocations = append(s.allocations, r)
	return r, nil
}

// allocateStack builds the executable's stack and records the initial
// stack pointer in its mode storage.
func (s *Switch) allocateStack(storage *Storage) *kernel.Error {
	const stackPages = stackSize / mm.PageSize

	r, err := s.allocBelow4G(stackPages)
	if err != nil {
		return err
	}

	base, err := s.space.FindFreeRegion(stackPages)
	if err != nil {
		return err
	}

	if err := s.space.Map(
		mm.NewPageRange(mm.PageContaining(base), stackPages),
		r,
		vmm.FlagRead|vmm.FlagWrite,
	); err != nil {
		return err
	}

	storage.Target.Regs[regRSP] = uint64(base) + stackSize
	return nil
}

// allocateStorage places the switch storage and identity-maps it into
// both address spaces.
func (s *Switch) allocateStorage(storage *Storage) *kernel.Error {
	r, err := s.allocBelow4G((storageSize + mm.FrameSize - 1) / mm.FrameSize)
	if err != nil {
		return err
	}
	s.storageAddr = r.Start().Address()

	if err := mapIdentityFn(s.storageAddr, storageSize); err != nil {
		return err
	}

	if err := s.space.Map(
		mm.NewPageRange(mm.PageContaining(mm.VirtAddr(s.storageAddr)), r.Count()),
		r,
		vmm.FlagRead|vmm.FlagWrite,
	); err != nil {
		return err
	}

	storage.Target.GDTR = TablePointer{
		Limit: storageGDTEntries*8 - 1,
		Base:  uint64(s.storageAddr) + storageGDTOffset,
	}

	return nil
}

// allocateCode emits, patches and places both trampoline blobs,
// identity-mapped in both address spaces.
func (s *Switch) allocateCode(storage *Storage, stubDispatcher uint64) *kernel.Error {
	stubMode := uint64(s.storageAddr) + storageStubModeOffset
	targetMode := uint64(s.storageAddr) + storageTargetModeOffset

	place := func(ownMode, otherMode uint64) (mm.PhysAddr, CodeLayout, *kernel.Error) {
		code, layout := trampolineCode()

		r, err := s.allocBelow4G((uint64(len(code)) + mm.FrameSize - 1) / mm.FrameSize)
		if err != nil {
			return 0, CodeLayout{}, err
		}
		base := r.Start().Address()

		PatchPointers(code, uint64(s.storageAddr), ownMode, otherMode)
		s.mem.WriteBytes(base, code)

		if err := mapIdentityFn(base, uint64(len(code))); err != nil {
			return 0, CodeLayout{}, err
		}

		if err := s.space.Map(
			mm.NewPageRange(mm.PageContaining(mm.VirtAddr(base)), r.Count()),
			r,
			vmm.FlagRead|vmm.FlagWrite|vmm.FlagExec,
		); err != nil {
			return 0, CodeLayout{}, err
		}

		return base, layout, nil
	}

	stubBase, stubLayout, err := place(stubMode, targetMode)
	if err != nil {
		return err
	}
	targetBase, targetLayout, err := place(targetMode, stubMode)
	if err != nil {
		return err
	}

	s.stubCodeAddr, s.stubLayout = stubBase, stubLayout
	s.targetCodeAddr, s.targetLayout = targetBase, targetLayout

	storage.Stub.HandleCallInternal = uint64(stubBase) + stubLayout.HandleCallInternal
	storage.Stub.HandleCallExternal = stubDispatcher

	storage.Target.HandleCallInternal = uint64(targetBase) + targetLayout.HandleCallInternal
	storage.Target.HandleCallExternal = uint64(targetBase) + targetLayout.HandleCallExternal

	return nil
}

// allocateIDT builds the executable-side IDT whose gates re-enter the
// trampoline.
func (s *Switch) allocateIDT(storage *Storage) *kernel.Error {
	r, err := s.allocBelow4G(idtSize / mm.FrameSize)
	if err != nil {
		return err
	}
	base := r.Start().Address()

	idt := buildIDT(uint64(s.targetCodeAddr) + s.targetLayout.PageFaultHandler)
	s.mem.WriteBytes(base, idt)

	if err := s.space.Map(
		mm.NewPageRange(mm.PageContaining(mm.VirtAddr(base)), r.Count()),
		r,
		vmm.FlagRead,
	); err != nil {
		return err
	}

	storage.Target.IDTR = TablePointer{Limit: idtSize - 1, Base: uint64(base)}
	return nil
}

// allocateProtocolTable encodes the protocol table, places it in physical
// memory reachable by the executable's address space and maps it there.
func (s *Switch) allocateProtocolTable(cfg Config) *kernel.Error {
	targetBase := uint64(s.targetCodeAddr)

	table := stubapi.ProtocolTable{
		Generic: stubapi.GenericTable{
			PageFrameSize:    mm.PageSize,
			ImagePhys:        uint64(cfg.ImagePhys),
			ImageVirt:        cfg.ImageVirt,
			Write:            targetBase + s.targetLayout.Write,
			AllocateFrames:   targetBase + s.targetLayout.AllocateFrames,
			DeallocateFrames: targetBase + s.targetLayout.DeallocateFrames,
			GetMemoryMap:     targetBase + s.targetLayout.GetMemoryMap,
			Map:              targetBase + s.targetLayout.Map,
			Unmap:            targetBase + s.targetLayout.Unmap,
			Takeover:         targetBase + s.targetLayout.Takeover,
		},
		Arch: cfg.Arch,
	}

	encoded := table.Encode(false)
	pages := (uint64(len(encoded)) + mm.PageSize - 1) / mm.PageSize

	r, err := s.allocBelow4G(pages)
	if err != nil {
		return err
	}

	base, err := s.space.FindFreeRegion(pages)
	if err != nil {
		return err
	}

	if err := s.space.Map(
		mm.NewPageRange(mm.PageContaining(base), pages),
		r,
		vmm.FlagRead|vmm.FlagWrite,
	); err != nil {
		return err
	}

	s.mem.WriteBytes(r.Start().Address(), encoded)
	s.ProtocolTableVA = uint64(base)

	return nil
}

// Run performs the switch: interrupts are masked, control enters the
// trampoline and the call returns when the executable does. The switch
// lock is held across the entire round trip.
func (s *Switch) Run() stubapi.Status {
	s.lock.Acquire()
	defer s.lock.Release()

	cpu.DisableInterrupts()
	status := enterTrampolineFn(uint64(s.stubCodeAddr) + s.stubLayout.Entry)
	cpu.EnableInterrupts()

	kfmt.Printf("[gate] executable result: %s\n", status.String())
	return status
}

// Destroy returns every allocation made for this switch. The executable
// must not be running.
func (s *Switch) Destroy() {
	if s.destroyed {
		return
	}
	s.destroyed = true

	for _, r := range s.allocations {
		s.allocator.DeallocateFrames(r)
	}
	s.allocations = nil
}

func (s *Switch) readCallStorage() CallStorage {
	var buf [callStorageSize]byte
	s.mem.ReadBytes(s.storageAddr.StrictAdd(storageCallOffset), buf[:])
	return DecodeCallStorage(buf[:])
}

func (s *Switch) writeCallStorage(call *CallStorage) {
	var buf [callStorageSize]byte
	call.Encode(buf[:])
	s.mem.WriteBytes(s.storageAddr.StrictAdd(storageCallOffset), buf[:])
}

// StorageAddr returns the identity-mapped address of the switch storage.
func (s *Switch) StorageAddr() mm.PhysAddr { return s.storageAddr }

// TargetLayout returns the label layout of the executable-side
// trampoline blob.
func (s *Switch) TargetLayout() CodeLayout { return s.targetLayout }

// TargetCodeAddr returns the identity-mapped base of the executable-side
// trampoline blob.
func (s *Switch) TargetCodeAddr() mm.PhysAddr { return s.targetCodeAddr }
