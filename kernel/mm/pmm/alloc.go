package pmm

import (
	"revmstub/kernel"
	"revmstub/kernel/mm"
	"revmstub/stubapi"
)

// AllocateFrames returns a contiguous range of exactly count frames
// matching the placement policy. The returned range is recorded as
// bootloader-reclaimable; it becomes ordinary free memory again through
// DeallocateFrames or when the executable takes over the machine.
func (a *Allocator) AllocateFrames(count uint64, policy Policy) (mm.FrameRange, *kernel.Error) {
	return a.AllocateFramesAligned(count, mm.FrameSize, policy)
}

// AllocateFramesAligned behaves like AllocateFrames but additionally
// aligns the start of the returned range to alignment bytes. The alignment
// must be a power of two; passing any other value is a contract violation
// and aborts.
func (a *Allocator) AllocateFramesAligned(count, alignment uint64, policy Policy) (mm.FrameRange, *kernel.Error) {
	if alignment == 0 || alignment&(alignment-1) != 0 {
		panic("pmm: allocation alignment must be a power of two")
	}

	frameAlignment := alignment / mm.FrameSize
	if frameAlignment == 0 {
		frameAlignment = 1
	}

	if count == 0 {
		return mm.FrameRange{}, ErrOutOfMemory
	}

	a.lock.Acquire()
	defer a.lock.Release()

	for {
		r, err := a.findPlacement(count, frameAlignment, policy)
		if err != nil {
			a.validate()
			return mm.FrameRange{}, err
		}

		inserted := a.tryInsertRegion(stubapi.MemoryDescriptor{
			Frame: r.Start().Number(),
			Count: r.Count(),
			Type:  stubapi.MemBootloaderReclaimable,
		})
		if inserted {
			a.validate()
			return r, nil
		}

		a.allocateLink()
	}
}

// findPlacement locates a free range satisfying the policy without
// modifying the tracker. The zero frame is never part of a candidate:
// free regions beginning at frame 0 are treated as beginning at frame 1.
func (a *Allocator) findPlacement(count, frameAlignment uint64, policy Policy) (mm.FrameRange, *kernel.Error) {
	var (
		result mm.FrameRange
		found  bool
	)

	a.visitDescriptors(func(d stubapi.MemoryDescriptor) bool {
		if d.Type != stubapi.MemFree {
			return true
		}

		free := mm.NewFrameRange(mm.Frame(d.Frame), d.Count)
		if free.Start() == 0 {
			if free.Count() == 1 {
				return true
			}
			free = mm.NewFrameRange(1, free.Count()-1)
		}

		switch policy.Kind {
		case PolicyAny:
			start := free.Start().AlignUp(frameAlignment)
			if start < free.EndExclusive() && free.EndExclusive()-start >= mm.Frame(count) {
				result = mm.NewFrameRange(start, count)
				found = true
				return false
			}

		case PolicyAt:
			if !policy.Addr.IsAligned(mm.FrameSize) {
				panic("pmm: PolicyAt address must be frame aligned")
			}

			want := mm.NewFrameRange(mm.FrameContaining(policy.Addr), count)
			if want.Intersection(free) == want {
				result = want
				found = true
				return false
			}

		case PolicyBelow:
			limit := mm.FrameContaining(policy.Addr.AlignDown(mm.FrameSize))
			if free.EndExclusive() > limit {
				return true
			}

			start := free.Start().AlignUp(frameAlignment)
			if start < free.EndExclusive() && free.EndExclusive()-start >= mm.Frame(count) {
				result = mm.NewFrameRange(start, count)
				found = true
				return false
			}
		}

		return true
	})

	if !found {
		return mm.FrameRange{}, ErrOutOfMemory
	}
	return result, nil
}

// DeallocateFrames marks the range free. Returning frames that were never
// handed out by AllocateFrames is a contract violation and aborts.
func (a *Allocator) DeallocateFrames(r mm.FrameRange) {
	if r.IsEmpty() {
		return
	}

	a.lock.Acquire()
	defer a.lock.Release()

	// Every frame in the range must currently be tracked as
	// bootloader-reclaimable, which is the state AllocateFrames leaves
	// allocations in.
	covered := uint64(0)
	a.visitDescriptors(func(d stubapi.MemoryDescriptor) bool {
		if d.Type != stubapi.MemBootloaderReclaimable {
			return true
		}
		covered += r.Intersection(mm.NewFrameRange(mm.Frame(d.Frame), d.Count)).Count()
		return true
	})
	if covered != r.Count() {
		panic("pmm: deallocating frames that were never allocated")
	}

	for !a.tryInsertRegion(stubapi.MemoryDescriptor{
		Frame: r.Start().Number(),
		Count: r.Count(),
		Type:  stubapi.MemFree,
	}) {
		a.allocateLink()
	}

	a.validate()
}
