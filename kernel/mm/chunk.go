package mm

// Frame describes a physical memory chunk index. The chunk covered by a
// frame is FrameSize bytes long.
type Frame uint64

// Page describes a virtual memory chunk index. The chunk covered by a page
// is PageSize bytes long.
type Page uint64

// FrameContaining returns the Frame that contains the given physical
// address. Addresses that are not frame-aligned are rounded down to the
// frame that contains them.
func FrameContaining(addr PhysAddr) Frame {
	return Frame(uint64(addr) >> PageShift)
}

// Number returns the index of this frame.
func (f Frame) Number() uint64 { return uint64(f) }

// Address returns the physical address at the start of this frame.
func (f Frame) Address() PhysAddr {
	return PhysAddr(uint64(f) << PageShift)
}

// EndAddress returns the physical address one byte past the end of this
// frame.
func (f Frame) EndAddress() PhysAddr {
	return f.Address().StrictAdd(FrameSize)
}

// CheckedAdd returns f + count or false if the sum wraps around.
func (f Frame) CheckedAdd(count uint64) (Frame, bool) {
	v, ok := checkedAdd(uint64(f), count)
	return Frame(v), ok
}

// StrictAdd behaves like CheckedAdd but panics on overflow.
func (f Frame) StrictAdd(count uint64) Frame {
	v, ok := checkedAdd(uint64(f), count)
	if !ok {
		panic("mm: Frame add overflow")
	}
	return Frame(v)
}

// StrictSub returns f - count, panicking on underflow.
func (f Frame) StrictSub(count uint64) Frame {
	v, ok := checkedSub(uint64(f), count)
	if !ok {
		panic("mm: Frame sub underflow")
	}
	return Frame(v)
}

// AlignUp rounds this frame up to the nearest multiple of alignment frames.
// Alignment must be a power of two.
func (f Frame) AlignUp(alignment uint64) Frame {
	v, ok := checkedAlignUp(uint64(f), alignment)
	if !ok {
		panic("mm: Frame align up overflow")
	}
	return Frame(v)
}

// PageContaining returns the Page that contains the given virtual address.
// Addresses that are not page-aligned are rounded down to the page that
// contains them.
func PageContaining(addr VirtAddr) Page {
	return Page(uint64(addr) >> PageShift)
}

// Number returns the index of this page.
func (p Page) Number() uint64 { return uint64(p) }

// Address returns the virtual address at the start of this page.
func (p Page) Address() VirtAddr {
	return VirtAddr(uint64(p) << PageShift)
}

// EndAddress returns the virtual address one byte past the end of this page.
func (p Page) EndAddress() VirtAddr {
	return p.Address().StrictAdd(PageSize)
}

// CheckedAdd returns p + count or false if the sum wraps around.
func (p Page) CheckedAdd(count uint64) (Page, bool) {
	v, ok := checkedAdd(uint64(p), count)
	return Page(v), ok
}

// StrictAdd behaves like CheckedAdd but panics on overflow.
func (p Page) StrictAdd(count uint64) Page {
	v, ok := checkedAdd(uint64(p), count)
	if !ok {
		panic("mm: Page add overflow")
	}
	return Page(v)
}

// StrictSub returns p - count, panicking on underflow.
func (p Page) StrictSub(count uint64) Page {
	v, ok := checkedSub(uint64(p), count)
	if !ok {
		panic("mm: Page sub underflow")
	}
	return Page(v)
}

// AlignUp rounds this page up to the nearest multiple of alignment pages.
// Alignment must be a power of two.
func (p Page) AlignUp(alignment uint64) Page {
	v, ok := checkedAlignUp(uint64(p), alignment)
	if !ok {
		panic("mm: Page align up overflow")
	}
	return Page(v)
}
