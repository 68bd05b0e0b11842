// Package pmm tracks the system's physical memory map and allocates frames
// from it.
//
// The tracker keeps an ordered, non-overlapping list of typed memory
// regions. The list itself lives in dedicated physical frames: the first 8
// bytes of each such frame link to the next one and the remainder holds an
// array of encoded memory descriptors. Storing the tracker inside the
// memory it tracks means the allocator needs no heap, only the firmware
// memory map it is initialized with.
package pmm

import (
	"revmstub/kernel"
	"revmstub/kernel/kfmt"
	"revmstub/kernel/mm"
	"revmstub/kernel/sync"
	"revmstub/stubapi"
)

// endLink terminates the linked list of descriptor storage frames. The
// value is never a valid link target since links are frame-aligned.
const endLink = mm.PhysAddr(1)

var (
	// ErrOutOfMemory is returned when no free region satisfies an
	// allocation request.
	ErrOutOfMemory = &kernel.Error{Module: "pmm", Message: "out of memory"}

	// ErrBufferTooSmall is returned by MemoryMap when the supplied buffer
	// cannot hold the current memory map. Use RangeCount to size the
	// buffer.
	ErrBufferTooSmall = &kernel.Error{Module: "pmm", Message: "memory map buffer too small"}
)

// PolicyKind selects a frame allocation placement policy.
type PolicyKind uint8

const (
	// PolicyAny places the allocation in any free region.
	PolicyAny = PolicyKind(iota)

	// PolicyAt places the allocation at a fixed physical address.
	PolicyAt

	// PolicyBelow places the allocation so it ends at or below a
	// physical address.
	PolicyBelow
)

// Policy describes a frame allocation placement policy.
type Policy struct {
	Kind PolicyKind
	Addr mm.PhysAddr
}

// Any returns the unconstrained placement policy.
func Any() Policy { return Policy{Kind: PolicyAny} }

// At returns the policy that places allocations exactly at addr. The
// address must be frame-aligned.
func At(addr mm.PhysAddr) Policy { return Policy{Kind: PolicyAt, Addr: addr} }

// Below returns the policy that places allocations entirely below addr.
func Below(addr mm.PhysAddr) Policy { return Policy{Kind: PolicyBelow, Addr: addr} }

// Allocator tracks the physical memory map and hands out frame ranges.
// All mutations happen behind an internal spinlock; the zero frame is
// never part of any allocation result.
type Allocator struct {
	lock sync.Spinlock
	mem  mm.PhysMem

	// link points to the first descriptor storage frame.
	link mm.PhysAddr

	// rangeCount holds the total number of stored descriptors.
	rangeCount uint64

	// linkCount holds the number of storage frames in use.
	linkCount uint64

	// descriptorsPerLink holds the number of descriptor slots that fit
	// in one storage frame after the link header.
	descriptorsPerLink uint64

	// checkInvariants enables the full invariant validation after every
	// mutation. New enables it and nothing in this package clears it.
	checkInvariants bool
}

// location identifies one descriptor slot in the tracker's storage.
type location struct {
	link  mm.PhysAddr
	index uint64
}

// New returns an Allocator that accesses descriptor storage through mem.
// The allocator is unusable until Initialize is called.
func New(mem mm.PhysMem) *Allocator {
	return &Allocator{
		mem:             mem,
		link:            endLink,
		checkInvariants: true,
	}
}

// Initialize primes the tracker with the firmware-provided memory map.
// Free regions are inserted first, then every other region type, and
// finally the frames claimed for the tracker's own storage are marked
// bootloader-reclaimable.
func (a *Allocator) Initialize(descriptors []stubapi.MemoryDescriptor) {
	a.lock.Acquire()
	defer a.lock.Release()

	a.descriptorsPerLink = (mm.FrameSize - 8) / stubapi.MemoryDescriptorSize

	for _, pass := range []bool{true, false} {
		for _, descriptor := range descriptors {
			if (descriptor.Type == stubapi.MemFree) != pass {
				continue
			}

			for !a.tryInsertRegion(descriptor) {
				link, ok := a.findLinkInit(descriptors)
				if !ok {
					panic("pmm: no usable frame for tracker storage")
				}
				a.addLink(link)
			}
			a.validateOrder()
		}
	}

	// The storage links themselves occupy free frames; record them so
	// they are never handed out. Claiming storage for these descriptors
	// may itself add links, so rescan until the list is stable.
linkLoop:
	for {
		link := a.link
		for link != endLink {
			descriptor := stubapi.MemoryDescriptor{
				Frame: mm.FrameContaining(link).Number(),
				Count: 1,
				Type:  stubapi.MemBootloaderReclaimable,
			}

			if !a.tryInsertRegion(descriptor) {
				newLink, ok := a.findLinkInit(descriptors)
				if !ok {
					panic("pmm: no usable frame for tracker storage")
				}
				a.addLink(newLink)
				continue linkLoop
			}

			link = mm.PhysAddr(a.mem.ReadU64(link))
		}

		break
	}

	a.validate()
}

// RangeCount returns the number of descriptors a MemoryMap snapshot
// currently requires.
func (a *Allocator) RangeCount() uint64 {
	a.lock.Acquire()
	defer a.lock.Release()
	return a.rangeCount
}

// PrintMemoryMap writes the current memory map to the active log sink.
func (a *Allocator) PrintMemoryMap() {
	a.lock.Acquire()
	defer a.lock.Release()

	kfmt.Printf("[pmm] system memory map:\n")
	a.visitDescriptors(func(d stubapi.MemoryDescriptor) bool {
		start := mm.Frame(d.Frame).Address()
		kfmt.Printf("\t[0x%10x - 0x%10x], frames: %8d, type: %s\n",
			uint64(start), uint64(start)+d.Count*mm.FrameSize, d.Count, d.Type.String())
		return true
	})
}

// readDescriptor loads the descriptor at the given link and slot index.
func (a *Allocator) readDescriptor(link mm.PhysAddr, index uint64) stubapi.MemoryDescriptor {
	var buf [stubapi.MemoryDescriptorSize]byte
	a.mem.ReadBytes(link.StrictAdd(8+index*stubapi.MemoryDescriptorSize), buf[:])
	return stubapi.DecodeMemoryDescriptor(buf[:])
}

// writeDescriptor stores the descriptor at the given link and slot index.
func (a *Allocator) writeDescriptor(link mm.PhysAddr, index uint64, d stubapi.MemoryDescriptor) {
	var buf [stubapi.MemoryDescriptorSize]byte
	d.Encode(buf[:])
	a.mem.WriteBytes(link.StrictAdd(8+index*stubapi.MemoryDescriptorSize), buf[:])
}

// nextLocation advances a (link, index) pair to its successor slot.
func (a *Allocator) nextLocation(loc *location) {
	if loc.link == endLink {
		return
	}

	if loc.index >= a.descriptorsPerLink-1 {
		loc.link = mm.PhysAddr(a.mem.ReadU64(loc.link))
		loc.index = 0
		return
	}

	loc.index++
}

// currentCapacity returns the number of descriptors the tracker can store
// without allocating another storage frame.
func (a *Allocator) currentCapacity() uint64 {
	return a.linkCount * a.descriptorsPerLink
}

// visitDescriptors invokes visit for each stored descriptor in physical
// address order until visit returns false.
func (a *Allocator) visitDescriptors(visit func(stubapi.MemoryDescriptor) bool) {
	loc := location{link: a.link}
	for i := uint64(0); i < a.rangeCount && loc.link != endLink; i++ {
		if !visit(a.readDescriptor(loc.link, loc.index)) {
			return
		}
		a.nextLocation(&loc)
	}
}

// addLink appends an allocated storage frame to the tracker's linked list.
func (a *Allocator) addLink(link mm.PhysAddr) {
	previous := endLink
	current := a.link
	for current != endLink {
		previous = current
		current = mm.PhysAddr(a.mem.ReadU64(current))
	}

	if previous == endLink {
		a.link = link
	} else {
		a.mem.WriteU64(previous, uint64(link))
	}
	a.mem.WriteU64(link, uint64(endLink))

	a.linkCount++
}

// findLinkInit locates a frame usable as tracker storage while Initialize
// is still populating the list. It scans the raw firmware descriptors
// directly: a candidate must be free, must not be the zero frame, must not
// overlap any non-free firmware region and must not already be in use as a
// link.
func (a *Allocator) findLinkInit(descriptors []stubapi.MemoryDescriptor) (mm.PhysAddr, bool) {
	for _, descriptor := range descriptors {
		if descriptor.Type != stubapi.MemFree {
			continue
		}

		r := mm.NewFrameRange(mm.Frame(descriptor.Frame), descriptor.Count)
	frameLoop:
		for frame := r.Start(); frame < r.EndExclusive(); frame++ {
			if frame == 0 {
				continue
			}

			for _, check := range descriptors {
				if check.Type == stubapi.MemFree {
					continue
				}
				if mm.NewFrameRange(mm.Frame(check.Frame), check.Count).Contains(frame) {
					continue frameLoop
				}
			}

			for link := a.link; link != endLink; link = mm.PhysAddr(a.mem.ReadU64(link)) {
				if mm.FrameContaining(link) == frame {
					continue frameLoop
				}
			}

			return frame.Address(), true
		}
	}

	return 0, false
}

// allocateLink grows the tracker's storage by stealing the first free
// non-zero frame. This path is distinct from AllocateFrames to avoid
// recursing into the insertion machinery while it is out of capacity.
func (a *Allocator) allocateLink() {
	loc := location{link: a.link}
	for i := uint64(0); i < a.rangeCount && loc.link != endLink; i++ {
		descriptor := a.readDescriptor(loc.link, loc.index)

		if descriptor.Type != stubapi.MemFree || (descriptor.Frame == 0 && descriptor.Count == 1) {
			a.nextLocation(&loc)
			continue
		}

		// A free region beginning at the zero frame is used from frame 1.
		if descriptor.Frame == 0 {
			descriptor.Frame = 1
		}

		a.addLink(mm.Frame(descriptor.Frame).Address())

		descriptor.Count = 1
		descriptor.Type = stubapi.MemBootloaderReclaimable
		if !a.tryInsertRegion(descriptor) {
			panic("pmm: storage link failed to record itself")
		}

		a.validate()
		return
	}

	panic("pmm: no free frame available for tracker storage")
}

// validateOrder checks the ordering invariants of the descriptor list:
// no empty descriptors, strictly increasing, non-overlapping ranges and no
// two touching descriptors of the same type.
func (a *Allocator) validateOrder() {
	if !a.checkInvariants {
		return
	}

	var (
		emptyDescriptor  bool
		outOfOrder       bool
		sameTypeAdjacent bool
		currentEnd       mm.Frame
		currentType      stubapi.MemoryType
	)

	a.visitDescriptors(func(d stubapi.MemoryDescriptor) bool {
		r := mm.NewFrameRange(mm.Frame(d.Frame), d.Count)
		emptyDescriptor = emptyDescriptor || r.IsEmpty()
		outOfOrder = outOfOrder || currentEnd > r.Start()
		sameTypeAdjacent = sameTypeAdjacent || (currentType == d.Type && currentEnd == r.Start())
		currentEnd = r.EndExclusive()
		currentType = d.Type
		return true
	})

	if emptyDescriptor || outOfOrder || sameTypeAdjacent {
		a.dumpDescriptors()
		if emptyDescriptor {
			panic("pmm: empty memory descriptor in tracker")
		}
		if outOfOrder {
			panic("pmm: out of order memory descriptor in tracker")
		}
		panic("pmm: touching memory descriptors of the same type in tracker")
	}
}

// validate checks every tracker invariant: ordering plus the requirement
// that no storage link frame is marked free.
func (a *Allocator) validate() {
	if !a.checkInvariants {
		return
	}

	a.validateOrder()

	linkInFreeMemory := false
	for link := a.link; link != endLink; link = mm.PhysAddr(a.mem.ReadU64(link)) {
		linkFrame := mm.FrameContaining(link)

		a.visitDescriptors(func(d stubapi.MemoryDescriptor) bool {
			if d.Type == stubapi.MemFree &&
				mm.NewFrameRange(mm.Frame(d.Frame), d.Count).Contains(linkFrame) {
				linkInFreeMemory = true
			}
			return true
		})
	}

	if linkInFreeMemory {
		a.dumpDescriptors()
		panic("pmm: storage link frame is marked free")
	}
}

func (a *Allocator) dumpDescriptors() {
	a.visitDescriptors(func(d stubapi.MemoryDescriptor) bool {
		kfmt.Printf("[pmm] frame %16x count %16x type %s\n", d.Frame, d.Count, d.Type.String())
		return true
	})
}
