// Package cpu provides access to the processor state the paging and
// switching code depends on: the active paging mode, feature bits and the
// control registers.
//
// Every accessor is exposed as a function variable. The platform adapter
// installs the real implementations during early boot; tests and host-side
// tooling install fakes. The defaults describe a modern long-mode
// processor so that code built on top of this package behaves sensibly
// before the adapter runs.
package cpu

// PagingMode enumerates the x86 paging modes.
type PagingMode uint8

const (
	// PagingDisabled means the MMU performs no translation.
	PagingDisabled = PagingMode(iota)

	// PagingBits32 is legacy 2-level 32-bit paging.
	PagingBits32

	// PagingPAE is 3-level physical address extension paging.
	PagingPAE

	// PagingLevel4 is 4-level long mode paging.
	PagingLevel4

	// PagingLevel5 is 5-level long mode paging.
	PagingLevel5
)

// String implements fmt.Stringer for PagingMode.
func (m PagingMode) String() string {
	switch m {
	case PagingDisabled:
		return "disabled"
	case PagingBits32:
		return "32-bit"
	case PagingPAE:
		return "PAE"
	case PagingLevel4:
		return "4-level"
	case PagingLevel5:
		return "5-level"
	default:
		return "unknown"
	}
}

var (
	// CurrentPagingMode returns the paging mode the hardware is using
	// right now.
	CurrentPagingMode = func() PagingMode { return PagingLevel4 }

	// MaxPagingMode returns the most capable paging mode the hardware
	// supports.
	MaxPagingMode = func() PagingMode { return PagingLevel5 }

	// SupportsPSE reports whether 4 MiB pages are available in 32-bit
	// paging.
	SupportsPSE = func() bool { return true }

	// SupportsPSE36 reports whether the 36-bit physical extension of
	// 4 MiB pages is available.
	SupportsPSE36 = func() bool { return true }

	// SupportsNX reports whether the no-execute page protection bit is
	// available.
	SupportsNX = func() bool { return true }

	// NXEnabled reports whether the no-execute bit is currently enabled
	// in the EFER register.
	NXEnabled = func() bool { return true }

	// ActiveCR3 returns the current value of the CR3 register.
	ActiveCR3 = func() uint64 { return 0 }

	// EnableInterrupts re-enables interrupt handling.
	EnableInterrupts = func() {}

	// DisableInterrupts masks interrupt handling.
	DisableInterrupts = func() {}

	// Halt stops instruction execution.
	Halt = func() {
		for {
		}
	}
)
