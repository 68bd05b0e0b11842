package stubapi

// FuncID selects the service invoked by a cross-address-space call.
type FuncID uint16

const (
	// FuncReturn is the sentinel stored in the call storage while a call
	// unwinds back to its caller. It is never dispatched.
	FuncReturn = FuncID(0)

	// FuncWrite writes a string, located in the caller's address space,
	// to the stub's log output. Arguments: pointer, length.
	FuncWrite = FuncID(1)

	// FuncAllocateFrames allocates physical frames. Arguments: count,
	// alignment, policy flags, pointer to the result slot (which also
	// carries the policy address for AllocBelow and AllocAt).
	FuncAllocateFrames = FuncID(2)

	// FuncDeallocateFrames returns previously allocated frames.
	// Arguments: physical address, count.
	FuncDeallocateFrames = FuncID(3)

	// FuncGetMemoryMap snapshots the current memory map. Arguments:
	// in/out size pointer, buffer pointer, key pointer, descriptor size
	// pointer, descriptor version pointer.
	FuncGetMemoryMap = FuncID(4)

	// FuncMap maps physical frames into the executable's address space.
	// Arguments: physical address, virtual address, count, flags.
	FuncMap = FuncID(5)

	// FuncUnmap removes mappings from the executable's address space.
	// Arguments: virtual address, count.
	FuncUnmap = FuncID(6)

	// FuncTakeover relinquishes firmware services. Arguments: memory map
	// key, flags.
	FuncTakeover = FuncID(7)

	// FuncEntry is the pseudo call dispatched on the executable side when
	// the stub first enters it. Argument: protocol table address.
	FuncEntry = FuncID(8)

	// FuncExceptionBase is the first of 256 function ids used by the
	// executable-side interrupt gates to report exceptions back to the
	// stub. FuncExceptionBase+N reports vector N.
	FuncExceptionBase = FuncID(0x100)
)

// MaxGenericID is the highest function id that the generic service
// dispatcher understands.
const MaxGenericID = FuncTakeover

// Allocation policy flags for FuncAllocateFrames.
const (
	// AllocAny places the allocation anywhere.
	AllocAny = uint64(0)

	// AllocBelow places the allocation below the address stored in the
	// result slot.
	AllocBelow = uint64(1)

	// AllocAt places the allocation exactly at the address stored in the
	// result slot.
	AllocAt = uint64(2)

	// AllocFlagsValid masks the defined allocation flag bits.
	AllocFlagsValid = uint64(0b11)
)

// Mapping flags for FuncMap.
const (
	// MapRead requests readable pages.
	MapRead = uint64(1 << 0)

	// MapWrite requests writable pages.
	MapWrite = uint64(1 << 1)

	// MapExec requests executable pages.
	MapExec = uint64(1 << 2)

	// MapFlagsValid masks the defined mapping flag bits.
	MapFlagsValid = MapRead | MapWrite | MapExec
)

// Takeover flags for FuncTakeover. No flag bits are currently defined.
const TakeoverFlagsValid = uint64(0)
