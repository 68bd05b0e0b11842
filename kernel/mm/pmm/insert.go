package pmm

import (
	"revmstub/kernel/mm"
	"revmstub/stubapi"
)

// tryInsertRegion merges the descriptor into the tracker's sorted list. It
// returns false when the required writes would exceed the current storage
// capacity, in which case the caller must add a storage link and retry.
//
// Walking the sorted list, each stored descriptor e overlapping or touching
// the incoming range is classified:
//
//   - same type: e is merged into the incoming range and removed
//   - e contained in the range (different type): e is removed
//   - e strictly contains the range: e is split around the range
//   - partial overlap low: e's end moves down to the range start
//   - partial overlap high: e's start moves up to the range end
func (a *Allocator) tryInsertRegion(descriptor stubapi.MemoryDescriptor) bool {
	if descriptor.Count == 0 {
		return true
	}

	r := mm.NewFrameRange(mm.Frame(descriptor.Frame), descriptor.Count)

	var (
		lowerLoc, upperLoc, subsumeLoc location
		lowerOK, upperOK, subsumeOK    bool
		subsumeCount                   uint64
	)

	cur := location{link: a.link}
	curIndex := uint64(0)

walk:
	for cur.link != endLink && curIndex < a.rangeCount {
		stored := a.readDescriptor(cur.link, cur.index)
		storedRange := mm.NewFrameRange(mm.Frame(stored.Frame), stored.Count)

		// Strictly below the incoming range with a gap: keep walking.
		// The list is sorted, so overlap or adjacency begins later.
		if storedRange.EndExclusive() < r.Start() {
			a.nextLocation(&cur)
			curIndex++
			continue
		}

		// Strictly above with a gap: every possible overlap has been
		// processed.
		if storedRange.Start() > r.EndExclusive() {
			break
		}

		// Overlapping or adjacent regions of the same type merge into
		// the incoming range; the stored copy is removed.
		if stored.Type == descriptor.Type {
			if !subsumeOK {
				subsumeLoc, subsumeOK = cur, true
			}
			subsumeCount++

			merged, ok := r.Merge(storedRange)
			if !ok {
				panic("pmm: adjacent regions failed to merge")
			}
			r = merged

			a.nextLocation(&cur)
			curIndex++
			continue
		}

		// lower and upper are the parts of the stored descriptor
		// outside the incoming range.
		lower, overlap, upper := storedRange.Partition(r)

		// Adjacent regions of differing types stay untouched.
		if overlap.IsEmpty() {
			if storedRange.Start() >= r.EndExclusive() {
				break
			}

			a.nextLocation(&cur)
			curIndex++
			continue
		}

		switch {
		case lower.IsEmpty() && upper.IsEmpty():
			// The stored descriptor is subsumed by the incoming
			// range and will be overwritten.
			if !subsumeOK {
				subsumeLoc, subsumeOK = cur, true
			}
			subsumeCount++

		case lower.IsEmpty():
			upperLoc, upperOK = cur, true

		case upper.IsEmpty():
			lowerLoc, lowerOK = cur, true

		default:
			// The stored descriptor strictly contains the incoming
			// range: split it into its parts below and above with
			// the new descriptor in between.
			if a.rangeCount+2 > a.currentCapacity() {
				return false
			}

			a.writeDescriptor(cur.link, cur.index, stubapi.MemoryDescriptor{
				Frame: lower.Start().Number(),
				Count: lower.Count(),
				Type:  stored.Type,
			})

			a.nextLocation(&cur)
			a.shiftOneUp(cur)
			a.writeDescriptor(cur.link, cur.index, descriptor)

			a.nextLocation(&cur)
			a.shiftOneUp(cur)
			a.writeDescriptor(cur.link, cur.index, stubapi.MemoryDescriptor{
				Frame: upper.Start().Number(),
				Count: upper.Count(),
				Type:  stored.Type,
			})

			a.rangeCount += 2
			return true
		}

		a.nextLocation(&cur)
		curIndex++
		continue walk
	}

	if lowerOK {
		lowerDescriptor := a.readDescriptor(lowerLoc.link, lowerLoc.index)
		lowerDescriptor.Count = r.Start().Number() - lowerDescriptor.Frame
		a.writeDescriptor(lowerLoc.link, lowerLoc.index, lowerDescriptor)
	}

	if upperOK {
		upperDescriptor := a.readDescriptor(upperLoc.link, upperLoc.index)
		upperEnd := upperDescriptor.Frame + upperDescriptor.Count

		upperDescriptor.Frame = r.EndExclusive().Number()
		upperDescriptor.Count = upperEnd - upperDescriptor.Frame
		a.writeDescriptor(upperLoc.link, upperLoc.index, upperDescriptor)
	}

	descriptor.Frame = r.Start().Number()
	descriptor.Count = r.Count()

	if subsumeOK {
		// Overwrite the first removed slot with the merged range and
		// compact the remaining removed slots away.
		a.writeDescriptor(subsumeLoc.link, subsumeLoc.index, descriptor)

		write := subsumeLoc
		a.nextLocation(&write)

		read := subsumeLoc
		for i := uint64(0); i < subsumeCount; i++ {
			a.nextLocation(&read)
		}

		for read.link != endLink {
			a.writeDescriptor(write.link, write.index, a.readDescriptor(read.link, read.index))
			a.nextLocation(&write)
			a.nextLocation(&read)
		}

		a.rangeCount -= subsumeCount - 1
		return true
	}

	// A new slot is needed: shift every descriptor from the insertion
	// point up by one.
	if a.rangeCount+1 > a.currentCapacity() {
		return false
	}

	insertAt := cur
	if upperOK {
		insertAt = upperLoc
	}
	a.shiftOneUp(insertAt)
	a.writeDescriptor(insertAt.link, insertAt.index, descriptor)

	a.rangeCount++
	return true
}

// shiftOneUp moves every descriptor from loc onwards one slot up, rippling
// the last descriptor of each storage frame into the first slot of the
// next one.
func (a *Allocator) shiftOneUp(loc location) {
	carry := a.readDescriptor(loc.link, a.descriptorsPerLink-1)
	for index := a.descriptorsPerLink - 1; index > loc.index; index-- {
		a.writeDescriptor(loc.link, index, a.readDescriptor(loc.link, index-1))
	}

	link := mm.PhysAddr(a.mem.ReadU64(loc.link))
	for link != endLink {
		next := a.readDescriptor(link, a.descriptorsPerLink-1)

		for index := a.descriptorsPerLink - 1; index > 0; index-- {
			a.writeDescriptor(link, index, a.readDescriptor(link, index-1))
		}
		a.writeDescriptor(link, 0, carry)

		carry = next
		link = mm.PhysAddr(a.mem.ReadU64(link))
	}
}
