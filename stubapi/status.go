// Package stubapi defines the wire-level contract between the stub and the
// loaded executable: service call numbers, status codes, the memory
// descriptor layout and the protocol table handed to the executable's entry
// point.
package stubapi

// Status is the numeric result of a cross-address-space service call.
type Status uint64

const (
	// StatusSuccess indicates that the call completed.
	StatusSuccess = Status(0)

	// StatusInvalidUsage indicates that a call violated its contract
	// (bad pointer, bad alignment, unknown flag bits).
	StatusInvalidUsage = Status(1)

	// StatusOutOfMemory indicates that no free region satisfied an
	// allocation request.
	StatusOutOfMemory = Status(2)

	// StatusNotSupported indicates an unknown function id or a feature
	// that is unimplemented on this platform.
	StatusNotSupported = Status(3)

	// StatusStaleKey indicates that a takeover request carried a memory
	// map key that no longer identifies the current memory map.
	StatusStaleKey = Status(4)
)

// String implements fmt.Stringer for Status.
func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusInvalidUsage:
		return "invalid usage"
	case StatusOutOfMemory:
		return "out of memory"
	case StatusNotSupported:
		return "not supported"
	case StatusStaleKey:
		return "stale key"
	default:
		return "unknown"
	}
}
