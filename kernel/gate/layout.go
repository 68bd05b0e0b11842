// Package gate implements the cross-address-space call gateway: the shared
// switch storage that holds both sides' saved CPU state, the
// position-independent trampoline that performs the transition, and the
// stub-side dispatch of the enumerated service calls.
//
// The storage block and the trampoline code blocks are identity-mapped in
// both address spaces, so either side may invoke services in the other
// without abandoning its own mappings.
package gate

import (
	"encoding/binary"

	"revmstub/stubapi"
)

// The switch storage layout is shared between the Go code and the
// trampoline machine code; every offset below is part of that contract.
const (
	// CallStorage layout.
	callFuncIDOffset   = 0
	callArgCountOffset = 2
	callArg0Offset     = 8
	callArgStride      = 8
	callRetOffset      = 56
	callStorageSize    = 64

	// ModeStorage layout.
	modeHandleCallInternalOffset = 0
	modeHandleCallExternalOffset = 8
	modeRegsOffset               = 16 // rax..r15, 16 registers
	modeSegsOffset               = 144
	modeCR0Offset                = 160
	modeCR3Offset                = 168
	modeCR4Offset                = 176
	modeGDTROffset               = 184 // 2-byte limit + 8-byte base
	modeIDTROffset               = 194
	modeTmpOffset                = 208 // 5 scratch slots
	modeStorageSize              = 248

	// Storage layout.
	storageCallOffset       = 0
	storageStubModeOffset   = callStorageSize
	storageTargetModeOffset = storageStubModeOffset + modeStorageSize
	storageGDTOffset        = storageTargetModeOffset + modeStorageSize
	storageGDTEntries       = 5
	storageEntryPointOffset = storageGDTOffset + storageGDTEntries*8
	storageSize             = storageEntryPointOffset + 8
)

// Register slot indices within the ModeStorage register area.
const (
	regRAX = iota
	regRBX
	regRCX
	regRDX
	regRSI
	regRDI
	regRSP
	regRBP
	regR8
	regR9
	regR10
	regR11
	regR12
	regR13
	regR14
	regR15
	regCount
)

// Segment selector slot indices within the ModeStorage segment area.
const (
	segCS = iota
	segDS
	segES
	segFS
	segGS
	segSS
	segCount
)

// The shared GDT installed for the executable: a null descriptor, 32-bit
// code and data, 64-bit code and data. Selector values follow from the
// slot positions.
var executableGDT = [storageGDTEntries]uint64{
	0x0000_0000_0000_0000,
	0x00CF_9B00_0000_FFFF,
	0x00CF_9300_0000_FFFF,
	0x00AF_9B00_0000_FFFF,
	0x00CF_9300_0000_FFFF,
}

const (
	selectorCode32 = 8
	selectorData32 = 16
	selectorCode64 = 24
	selectorData64 = 32
)

// CallStorage mirrors the call record at the head of the switch storage:
// the function id, argument count, up to six arguments and the return
// value slot.
type CallStorage struct {
	FuncID   stubapi.FuncID
	ArgCount uint8
	Args     [6]uint64
	Ret      uint64
}

// TablePointer describes a GDTR/IDTR value: a 16-bit limit and a linear
// base address.
type TablePointer struct {
	Limit uint16
	Base  uint64
}

// ModeStorage holds one side's saved CPU state: every general-purpose
// register, the segment selectors, the paging control registers, the
// descriptor table pointers and the trampoline scratch slots.
type ModeStorage struct {
	// HandleCallInternal is the address of this side's trampoline
	// resume point; HandleCallExternal is the address of this side's
	// call dispatcher.
	HandleCallInternal uint64
	HandleCallExternal uint64

	Regs [regCount]uint64
	Segs [segCount]uint16

	CR0 uint64
	CR3 uint64
	CR4 uint64

	GDTR TablePointer
	IDTR TablePointer

	Tmp [5]uint64
}

// Storage is the full switch record: the call storage, the two mode
// storages, the shared descriptor table and the executable entry point.
type Storage struct {
	Call CallStorage

	Stub   ModeStorage
	Target ModeStorage

	GDT        [storageGDTEntries]uint64
	EntryPoint uint64
}

// Encode writes the wire representation of the call storage into p.
func (c *CallStorage) Encode(p []byte) {
	binary.LittleEndian.PutUint16(p[callFuncIDOffset:], uint16(c.FuncID))
	p[callArgCountOffset] = c.ArgCount
	for i, arg := range c.Args {
		binary.LittleEndian.PutUint64(p[callArg0Offset+i*callArgStride:], arg)
	}
	binary.LittleEndian.PutUint64(p[callRetOffset:], c.Ret)
}

// DecodeCallStorage reads a call storage record from p.
func DecodeCallStorage(p []byte) CallStorage {
	var c CallStorage
	c.FuncID = stubapi.FuncID(binary.LittleEndian.Uint16(p[callFuncIDOffset:]))
	c.ArgCount = p[callArgCountOffset]
	for i := range c.Args {
		c.Args[i] = binary.LittleEndian.Uint64(p[callArg0Offset+i*callArgStride:])
	}
	c.Ret = binary.LittleEndian.Uint64(p[callRetOffset:])
	return c
}

func (m *ModeStorage) encode(p []byte) {
	binary.LittleEndian.PutUint64(p[modeHandleCallInternalOffset:], m.HandleCallInternal)
	binary.LittleEndian.PutUint64(p[modeHandleCallExternalOffset:], m.HandleCallExternal)

	for i, reg := range m.Regs {
		binary.LittleEndian.PutUint64(p[modeRegsOffset+i*8:], reg)
	}
	for i, seg := range m.Segs {
		binary.LittleEndian.PutUint16(p[modeSegsOffset+i*2:], seg)
	}

	binary.LittleEndian.PutUint64(p[modeCR0Offset:], m.CR0)
	binary.LittleEndian.PutUint64(p[modeCR3Offset:], m.CR3)
	binary.LittleEndian.PutUint64(p[modeCR4Offset:], m.CR4)

	binary.LittleEndian.PutUint16(p[modeGDTROffset:], m.GDTR.Limit)
	binary.LittleEndian.PutUint64(p[modeGDTROffset+2:], m.GDTR.Base)
	binary.LittleEndian.PutUint16(p[modeIDTROffset:], m.IDTR.Limit)
	binary.LittleEndian.PutUint64(p[modeIDTROffset+2:], m.IDTR.Base)

	for i, v := range m.Tmp {
		binary.LittleEndian.PutUint64(p[modeTmpOffset+i*8:], v)
	}
}

func decodeModeStorage(p []byte) ModeStorage {
	var m ModeStorage
	m.HandleCallInternal = binary.LittleEndian.Uint64(p[modeHandleCallInternalOffset:])
	m.HandleCallExternal = binary.LittleEndian.Uint64(p[modeHandleCallExternalOffset:])

	for i := range m.Regs {
		m.Regs[i] = binary.LittleEndian.Uint64(p[modeRegsOffset+i*8:])
	}
	for i := range m.Segs {
		m.Segs[i] = binary.LittleEndian.Uint16(p[modeSegsOffset+i*2:])
	}

	m.CR0 = binary.LittleEndian.Uint64(p[modeCR0Offset:])
	m.CR3 = binary.LittleEndian.Uint64(p[modeCR3Offset:])
	m.CR4 = binary.LittleEndian.Uint64(p[modeCR4Offset:])

	m.GDTR.Limit = binary.LittleEndian.Uint16(p[modeGDTROffset:])
	m.GDTR.Base = binary.LittleEndian.Uint64(p[modeGDTROffset+2:])
	m.IDTR.Limit = binary.LittleEndian.Uint16(p[modeIDTROffset:])
	m.IDTR.Base = binary.LittleEndian.Uint64(p[modeIDTROffset+2:])

	for i := range m.Tmp {
		m.Tmp[i] = binary.LittleEndian.Uint64(p[modeTmpOffset+i*8:])
	}
	return m
}

// Encode writes the full wire representation of the switch storage.
func (s *Storage) Encode() []byte {
	buf := make([]byte, storageSize)

	s.Call.Encode(buf[storageCallOffset:])
	s.Stub.encode(buf[storageStubModeOffset:])
	s.Target.encode(buf[storageTargetModeOffset:])

	for i, entry := range s.GDT {
		binary.LittleEndian.PutUint64(buf[storageGDTOffset+i*8:], entry)
	}
	binary.LittleEndian.PutUint64(buf[storageEntryPointOffset:], s.EntryPoint)

	return buf
}

// DecodeStorage reads a full switch storage record from p.
func DecodeStorage(p []byte) Storage {
	var s Storage

	s.Call = DecodeCallStorage(p[storageCallOffset:])
	s.Stub = decodeModeStorage(p[storageStubModeOffset:])
	s.Target = decodeModeStorage(p[storageTargetModeOffset:])

	for i := range s.GDT {
		s.GDT[i] = binary.LittleEndian.Uint64(p[storageGDTOffset+i*8:])
	}
	s.EntryPoint = binary.LittleEndian.Uint64(p[storageEntryPointOffset:])

	return s
}
