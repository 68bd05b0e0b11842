// Package irq defines the x86 exception vectors and the register frame
// types used when reporting faults raised by the loaded executable.
package irq

// VectorNumber describes an x86 interrupt/exception/trap slot.
type VectorNumber uint8

const (
	// DivideByZero occurs when dividing any number by 0 using the DIV
	// or IDIV instruction.
	DivideByZero = VectorNumber(0)

	// Debug occurs on instruction or data breakpoints.
	Debug = VectorNumber(1)

	// NMI is a hardware interrupt that indicates issues with RAM or
	// unrecoverable hardware problems.
	NMI = VectorNumber(2)

	// Breakpoint occurs when an INT3 instruction executes.
	Breakpoint = VectorNumber(3)

	// Overflow occurs when the INTO instruction executes with the
	// overflow flag set.
	Overflow = VectorNumber(4)

	// BoundRangeExceeded occurs when the BOUND instruction is invoked
	// with an index out of range.
	BoundRangeExceeded = VectorNumber(5)

	// InvalidOpcode occurs when the CPU attempts to execute an invalid
	// or undefined instruction opcode.
	InvalidOpcode = VectorNumber(6)

	// DeviceNotAvailable occurs when an FPU/MMX/SSE instruction executes
	// while the FPU is unavailable or disabled via CR0.
	DeviceNotAvailable = VectorNumber(7)

	// DoubleFault occurs when an exception is raised while the CPU is
	// trying to invoke the handler for a previous exception.
	DoubleFault = VectorNumber(8)

	// InvalidTSS occurs when the TSS points to an invalid task segment
	// selector.
	InvalidTSS = VectorNumber(10)

	// SegmentNotPresent occurs when the CPU attempts to invoke a present
	// gate with an invalid stack segment selector.
	SegmentNotPresent = VectorNumber(11)

	// StackSegmentFault occurs when attempting to push/pop from a
	// non-canonical stack address or when stack base/limit checks fail.
	StackSegmentFault = VectorNumber(12)

	// GPFException occurs when a general protection fault is raised.
	GPFException = VectorNumber(13)

	// PageFaultException occurs when a page table or one of its entries
	// is not present or when a privilege and/or RW protection check
	// fails.
	PageFaultException = VectorNumber(14)

	// FloatingPointException occurs when an unmasked x87 exception is
	// pending.
	FloatingPointException = VectorNumber(16)

	// AlignmentCheck occurs when alignment checks are enabled and an
	// unaligned memory access is performed.
	AlignmentCheck = VectorNumber(17)

	// MachineCheck occurs when the CPU detects internal errors such as
	// memory-, bus- or cache-related errors.
	MachineCheck = VectorNumber(18)

	// SIMDFloatingPointException occurs when an unmasked SSE exception
	// is raised while CR4.OSXMMEXCPT is set.
	SIMDFloatingPointException = VectorNumber(19)
)

// VectorName returns a human-readable name for an exception vector.
func VectorName(vector uint8) string {
	switch VectorNumber(vector) {
	case DivideByZero:
		return "divide error"
	case Debug:
		return "debug"
	case NMI:
		return "non-maskable interrupt"
	case Breakpoint:
		return "breakpoint"
	case Overflow:
		return "overflow"
	case BoundRangeExceeded:
		return "bound range exceeded"
	case InvalidOpcode:
		return "invalid opcode"
	case DeviceNotAvailable:
		return "device not available"
	case DoubleFault:
		return "double fault"
	case InvalidTSS:
		return "invalid TSS"
	case SegmentNotPresent:
		return "segment not present"
	case StackSegmentFault:
		return "stack segment fault"
	case GPFException:
		return "general protection fault"
	case PageFaultException:
		return "page fault"
	case FloatingPointException:
		return "x87 floating point exception"
	case AlignmentCheck:
		return "alignment check"
	case MachineCheck:
		return "machine check"
	case SIMDFloatingPointException:
		return "SIMD floating point exception"
	default:
		return "unknown"
	}
}

// HasErrorCode returns true if the CPU pushes an error code for the
// given vector.
func HasErrorCode(vector uint8) bool {
	switch VectorNumber(vector) {
	case DoubleFault, InvalidTSS, SegmentNotPresent, StackSegmentFault,
		GPFException, PageFaultException, AlignmentCheck:
		return true
	default:
		return false
	}
}
