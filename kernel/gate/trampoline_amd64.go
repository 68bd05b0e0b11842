package gate

import (
	"encoding/binary"

	"revmstub/stubapi"
)

// The first bytes of the trampoline blob are three patch slots filled in
// at placement time: the identity-mapped addresses of the switch storage,
// of this side's mode storage and of the other side's mode storage.
// Everything after the slots is position independent.
const (
	patchStorageOffset   = 0
	patchOwnModeOffset   = 8
	patchOtherModeOffset = 16
)

// CodeLayout reports the offset of every externally relevant label inside
// the emitted trampoline blob.
type CodeLayout struct {
	Size uint64

	// Entry performs the initial switch into the other side.
	Entry uint64

	// HandleCallInternal is this side's resume point; its address is
	// stored in the mode storage so the other side can enter it.
	HandleCallInternal uint64

	// HandleCallExternal is the default target-side dispatcher that
	// forwards the pending call to the executable's entry point.
	HandleCallExternal uint64

	// Service thunks. Their identity-mapped addresses become the
	// function pointers published in the protocol table.
	Write            uint64
	AllocateFrames   uint64
	DeallocateFrames uint64
	GetMemoryMap     uint64
	Map              uint64
	Unmap            uint64
	Takeover         uint64

	// PageFaultHandler re-enters the trampoline with the page-fault
	// function id and the faulting context as arguments.
	PageFaultHandler uint64
}

// argRegs lists the argument registers in SysV order, as stored into the
// call storage by the trampoline.
var argRegs = [6]int{rDI, rSI, rDX, rCX, r8, r9}

// segmentSlots pairs each mode-storage segment slot with its segment
// register. CS leads: it is saved like the rest but restored through a
// far return.
var segmentSlots = [segCount]struct{ slot, sreg int }{
	{segCS, sregCS},
	{segDS, sregDS},
	{segES, sregES},
	{segFS, sregFS},
	{segGS, sregGS},
	{segSS, sregSS},
}

// trampolineCode emits the switch trampoline for a long-mode side and
// returns the blob together with its label layout. The blob's patch slots
// are zero; PatchPointers fills them at placement time.
func trampolineCode() ([]byte, CodeLayout) {
	a := newAssembler()

	// Patch slots.
	a.label("storagePtr")
	a.emitU64(0)
	a.label("ownModePtr")
	a.emitU64(0)
	a.label("otherModePtr")
	a.emitU64(0)

	// callInternal: r10 holds the function id, r11 the argument count;
	// the arguments follow the SysV register convention.
	a.label("callInternal")
	a.cmpRegImm8(r10, int8(stubapi.FuncReturn))
	a.jne("storeCall")

	// Unwinding a call: publish the handler's return value and clear
	// the function id to the return sentinel.
	a.movRegRip(r10, "storagePtr")
	a.movMemReg(r10, storageCallOffset+callRetOffset, rAX)
	a.xorRegReg(rAX, rAX)
	a.movMemReg16(r10, storageCallOffset+callFuncIDOffset, rAX)
	a.jmp("saveState")

	// Publishing a new call: function id, argument count and exactly
	// argCount argument slots.
	a.label("storeCall")
	a.pushReg(r11)
	a.pushReg(r10)

	a.movRegRip(r10, "storagePtr")
	a.movMemReg8(r10, storageCallOffset+callArgCountOffset, r11)
	a.movRegMem(r11, rSP, 0)
	a.movMemReg16(r10, storageCallOffset+callFuncIDOffset, r11)

	a.popReg(r11)
	a.popReg(r11)

	for i, reg := range argRegs {
		a.cmpRegImm8(r11, int8(i))
		a.je("saveState")
		a.movMemReg(r10, int32(storageCallOffset+callArg0Offset+i*callArgStride), reg)
	}
	a.jmp("saveState")

	// saveState stores the full CPU state into this side's mode storage
	// and transfers to the other side's resume point.
	a.label("saveState")
	a.pushReg(rBX)
	a.pushReg(rAX)

	a.movRegRip(rAX, "ownModePtr")
	a.movMemReg(rAX, modeRegsOffset+regRBX*8, rBX)
	a.movRegMem(rBX, rSP, 0)
	a.movMemReg(rAX, modeRegsOffset+regRAX*8, rBX)
	a.popReg(rBX)
	a.popReg(rBX)

	a.movMemReg(rAX, modeRegsOffset+regRCX*8, rCX)
	a.movMemReg(rAX, modeRegsOffset+regRDX*8, rDX)
	a.movMemReg(rAX, modeRegsOffset+regRSI*8, rSI)
	a.movMemReg(rAX, modeRegsOffset+regRDI*8, rDI)
	a.movMemReg(rAX, modeRegsOffset+regRSP*8, rSP)
	a.movMemReg(rAX, modeRegsOffset+regRBP*8, rBP)
	a.movMemReg(rAX, modeRegsOffset+regR8*8, r8)
	a.movMemReg(rAX, modeRegsOffset+regR9*8, r9)
	a.movMemReg(rAX, modeRegsOffset+regR10*8, r10)
	a.movMemReg(rAX, modeRegsOffset+regR11*8, r11)
	a.movMemReg(rAX, modeRegsOffset+regR12*8, r12)
	a.movMemReg(rAX, modeRegsOffset+regR13*8, r13)
	a.movMemReg(rAX, modeRegsOffset+regR14*8, r14)
	a.movMemReg(rAX, modeRegsOffset+regR15*8, r15)

	for _, seg := range segmentSlots {
		a.movReg16Sreg(rBX, seg.sreg)
		a.movMemReg16(rAX, int32(modeSegsOffset+seg.slot*2), rBX)
	}

	a.movRegCR(rBX, cr0)
	a.movMemReg(rAX, modeCR0Offset, rBX)
	a.movRegCR(rBX, cr3)
	a.movMemReg(rAX, modeCR3Offset, rBX)
	a.movRegCR(rBX, cr4)
	a.movMemReg(rAX, modeCR4Offset, rBX)

	a.sgdt(rAX, modeGDTROffset)
	a.sidt(rAX, modeIDTROffset)

	// Hand over: the other side's resume point runs with rsp pointing
	// at its own mode storage.
	a.movRegRip(rSP, "otherModePtr")
	a.movRegRip(rDI, "storagePtr")
	a.jmpMem(rSP, modeHandleCallInternalOffset)

	// handleCallInternal: entered by the other side with rsp pointing
	// at this side's mode storage. Restores the paging mode, the
	// descriptor tables, the segments and the register file, then
	// either unwinds a completed call or dispatches a new one.
	a.label("handleCallInternal")
	a.movRegMem(rCX, rSP, modeCR3Offset)
	a.movCRReg(cr3, rCX)
	a.movRegMem(rCX, rSP, modeCR4Offset)
	a.movCRReg(cr4, rCX)
	a.movRegMem(rCX, rSP, modeCR0Offset)
	a.movCRReg(cr0, rCX)

	a.movRegReg(rBX, rSP)
	a.lgdt(rBX, modeGDTROffset)
	a.lidt(rBX, modeIDTROffset)

	// Reload CS with a far return.
	a.movzxRegMem16(rAX, rBX, modeSegsOffset+segCS*2)
	a.pushReg(rAX)
	a.leaRegRip(rCX, "csReloaded")
	a.pushReg(rCX)
	a.retfq()
	a.label("csReloaded")

	for _, seg := range segmentSlots[1:] {
		a.movzxRegMem16(rAX, rBX, int32(modeSegsOffset+seg.slot*2))
		a.movSregReg(seg.sreg, rAX)
	}

	a.movRegReg(r15, rBX)
	a.movRegMem(rAX, r15, modeRegsOffset+regRAX*8)
	a.movRegMem(rBX, r15, modeRegsOffset+regRBX*8)
	a.movRegMem(rCX, r15, modeRegsOffset+regRCX*8)
	a.movRegMem(rDX, r15, modeRegsOffset+regRDX*8)
	a.movRegMem(rSI, r15, modeRegsOffset+regRSI*8)
	a.movRegMem(rDI, r15, modeRegsOffset+regRDI*8)
	a.movRegMem(rSP, r15, modeRegsOffset+regRSP*8)
	a.movRegMem(rBP, r15, modeRegsOffset+regRBP*8)
	a.movRegMem(r8, r15, modeRegsOffset+regR8*8)
	a.movRegMem(r9, r15, modeRegsOffset+regR9*8)
	a.movRegMem(r10, r15, modeRegsOffset+regR10*8)
	a.movRegMem(r11, r15, modeRegsOffset+regR11*8)
	a.movRegMem(r12, r15, modeRegsOffset+regR12*8)
	a.movRegMem(r13, r15, modeRegsOffset+regR13*8)
	a.movRegMem(r14, r15, modeRegsOffset+regR14*8)
	a.movRegMem(r15, r15, modeRegsOffset+regR15*8)

	a.movRegRip(r10, "storagePtr")
	a.movzxRegMem16(r11, r10, storageCallOffset+callFuncIDOffset)
	a.cmpRegImm8(r11, int8(stubapi.FuncReturn))
	a.jne("dispatch")

	// A completed call: deliver the return value to our caller.
	a.movRegMem(rAX, r10, storageCallOffset+callRetOffset)
	a.ret()

	// A new call: forward to this side's external handler, then unwind
	// through callInternal with the return sentinel.
	a.label("dispatch")
	a.movRegRip(r10, "ownModePtr")
	a.movRegMem(r10, r10, modeHandleCallExternalOffset)
	a.callReg(r10)

	a.movRegImm64(r10, uint64(stubapi.FuncReturn))
	a.movRegImm64(r11, 1)
	a.jmp("callInternal")

	// handleCallExternal: the default dispatcher on the executable
	// side. The first (and only) entry call carries the protocol table
	// address in the first argument slot.
	a.label("handleCallExternal")
	a.movRegRip(r10, "storagePtr")
	a.movRegMem(rDI, r10, storageCallOffset+callArg0Offset)
	a.movRegMem(r10, r10, storageEntryPointOffset)
	a.callReg(r10)
	a.ret()

	// entry: the initial switch. The call storage is pre-populated, so
	// only the state save and transfer remain.
	a.label("entry")
	a.call("saveState")
	a.ret()

	serviceThunk := func(label string, id stubapi.FuncID, argCount uint64) {
		a.label(label)
		a.movRegImm64(r10, uint64(id))
		a.movRegImm64(r11, argCount)
		a.call("callInternal")
		a.ret()
	}

	serviceThunk("write", stubapi.FuncWrite, 2)
	serviceThunk("allocateFrames", stubapi.FuncAllocateFrames, 4)
	serviceThunk("deallocateFrames", stubapi.FuncDeallocateFrames, 2)
	serviceThunk("getMemoryMap", stubapi.FuncGetMemoryMap, 5)
	serviceThunk("map", stubapi.FuncMap, 4)
	serviceThunk("unmap", stubapi.FuncUnmap, 2)
	serviceThunk("takeover", stubapi.FuncTakeover, 2)

	// pageFaultHandler: the interrupt gate target. The CPU pushed the
	// error code and the interrupt frame; forward the error code, RIP,
	// CS, RFLAGS and RSP as arguments, followed by the faulting linear
	// address from CR2.
	a.label("pageFaultHandler")
	a.movRegImm64(r10, uint64(stubapi.FuncExceptionBase)+14)
	a.movRegImm64(r11, 6)
	for i := 0; i < 5; i++ {
		a.movRegMem(argRegs[i], rSP, int32(i*8))
	}
	a.movRegCR(argRegs[5], 2)
	a.call("callInternal")
	a.ret()

	code := a.finalize()

	layout := CodeLayout{
		Size:               uint64(len(code)),
		Entry:              uint64(a.labels["entry"]),
		HandleCallInternal: uint64(a.labels["handleCallInternal"]),
		HandleCallExternal: uint64(a.labels["handleCallExternal"]),
		Write:              uint64(a.labels["write"]),
		AllocateFrames:     uint64(a.labels["allocateFrames"]),
		DeallocateFrames:   uint64(a.labels["deallocateFrames"]),
		GetMemoryMap:       uint64(a.labels["getMemoryMap"]),
		Map:                uint64(a.labels["map"]),
		Unmap:              uint64(a.labels["unmap"]),
		Takeover:           uint64(a.labels["takeover"]),
		PageFaultHandler:   uint64(a.labels["pageFaultHandler"]),
	}

	return code, layout
}

// PatchPointers writes the placement-time absolute addresses into the
// trampoline's patch slots.
func PatchPointers(code []byte, storagePtr, ownMode, otherMode uint64) {
	binary.LittleEndian.PutUint64(code[patchStorageOffset:], storagePtr)
	binary.LittleEndian.PutUint64(code[patchOwnModeOffset:], ownMode)
	binary.LittleEndian.PutUint64(code[patchOtherModeOffset:], otherMode)
}
