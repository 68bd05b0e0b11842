package mm

const (
	// PageShift is equal to log2(PageSize). This constant is used when
	// we need to convert a physical address to a frame number (shift right
	// by PageShift) and vice-versa.
	PageShift = 12

	// PageSize defines the system's page size in bytes. All paging modes
	// supported by the translation engines use 4096-byte chunks.
	PageSize = uint64(1 << PageShift)

	// FrameSize defines the system's physical frame size in bytes. Frames
	// and pages always share the same chunk size.
	FrameSize = PageSize
)
