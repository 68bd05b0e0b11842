package mm

// FrameRange describes a contiguous run of physical memory frames.
type FrameRange struct {
	start Frame
	count uint64
}

// PageRange describes a contiguous run of virtual memory pages.
type PageRange struct {
	start Page
	count uint64
}

// NewFrameRange returns the frame range that begins at start and contains
// count frames.
func NewFrameRange(start Frame, count uint64) FrameRange {
	return FrameRange{start: start, count: count}
}

// FrameRangeFromInclusive returns the frame range [start, end].
func FrameRangeFromInclusive(start, end Frame) FrameRange {
	return FrameRange{start: start, count: fromInclusiveCount(uint64(start), uint64(end))}
}

// FrameRangeFromExclusive returns the frame range [start, end).
func FrameRangeFromExclusive(start, end Frame) FrameRange {
	return FrameRange{start: start, count: fromExclusiveCount(uint64(start), uint64(end))}
}

// Start returns the first frame in this range.
func (r FrameRange) Start() Frame { return r.start }

// Count returns the number of frames in this range.
func (r FrameRange) Count() uint64 { return r.count }

// ByteCount returns the number of bytes covered by this range.
func (r FrameRange) ByteCount() uint64 { return r.count * FrameSize }

// IsEmpty returns true if this range contains no frames.
func (r FrameRange) IsEmpty() bool { return r.count == 0 }

// EndInclusive returns the last frame in this range. The result for an
// empty range is indistinguishable from that of a single-frame range.
func (r FrameRange) EndInclusive() Frame {
	return r.start.StrictAdd(saturatingDec(r.count))
}

// EndExclusive returns the frame one past the end of this range.
func (r FrameRange) EndExclusive() Frame { return r.start.StrictAdd(r.count) }

// Contains returns true if frame lies within this range.
func (r FrameRange) Contains(frame Frame) bool {
	return rangeContains(uint64(r.start), r.count, uint64(frame))
}

// SplitAtIndex splits this range into [start, start+index) and
// [start+index, end). It returns false if index exceeds the range count.
func (r FrameRange) SplitAtIndex(index uint64) (FrameRange, FrameRange, bool) {
	if index > r.count {
		return FrameRange{}, FrameRange{}, false
	}

	lower := NewFrameRange(r.start, index)
	return lower, NewFrameRange(lower.EndExclusive(), r.count-index), true
}

// SplitAt splits this range into [start, at) and [at, end). It returns
// false if at lies outside the range.
func (r FrameRange) SplitAt(at Frame) (FrameRange, FrameRange, bool) {
	if at < r.start || uint64(at-r.start) > r.count {
		return FrameRange{}, FrameRange{}, false
	}
	return r.SplitAtIndex(uint64(at - r.start))
}

// Overlaps returns true if this range and other share at least one frame.
func (r FrameRange) Overlaps(other FrameRange) bool {
	return rangesOverlap(uint64(r.start), r.count, uint64(other.start), other.count)
}

// Merge combines this range with an overlapping or adjacent range. Merging
// disjoint non-adjacent ranges returns false.
func (r FrameRange) Merge(other FrameRange) (FrameRange, bool) {
	start, count, ok := rangesMerge(uint64(r.start), r.count, uint64(other.start), other.count)
	return NewFrameRange(Frame(start), count), ok
}

// Intersection returns the frames shared by this range and other. Disjoint
// ranges intersect in the empty range.
func (r FrameRange) Intersection(other FrameRange) FrameRange {
	start, count := rangesIntersect(uint64(r.start), r.count, uint64(other.start), other.count)
	return NewFrameRange(Frame(start), count)
}

// Partition classifies the frames in this range relative to other returning
// the frames strictly below other, the frames shared with other and the
// frames strictly above other. The three results are pairwise disjoint and
// their union is this range.
func (r FrameRange) Partition(other FrameRange) (below, overlap, above FrameRange) {
	ls, lc, os, oc, hs, hc := rangesPartition(uint64(r.start), r.count, uint64(other.start), other.count)
	return NewFrameRange(Frame(ls), lc), NewFrameRange(Frame(os), oc), NewFrameRange(Frame(hs), hc)
}

// NewPageRange returns the page range that begins at start and contains
// count pages.
func NewPageRange(start Page, count uint64) PageRange {
	return PageRange{start: start, count: count}
}

// PageRangeFromInclusive returns the page range [start, end].
func PageRangeFromInclusive(start, end Page) PageRange {
	return PageRange{start: start, count: fromInclusiveCount(uint64(start), uint64(end))}
}

// PageRangeFromExclusive returns the page range [start, end).
func PageRangeFromExclusive(start, end Page) PageRange {
	return PageRange{start: start, count: fromExclusiveCount(uint64(start), uint64(end))}
}

// Start returns the first page in this range.
func (r PageRange) Start() Page { return r.start }

// Count returns the number of pages in this range.
func (r PageRange) Count() uint64 { return r.count }

// ByteCount returns the number of bytes covered by this range.
func (r PageRange) ByteCount() uint64 { return r.count * PageSize }

// IsEmpty returns true if this range contains no pages.
func (r PageRange) IsEmpty() bool { return r.count == 0 }

// EndInclusive returns the last page in this range. The result for an
// empty range is indistinguishable from that of a single-page range.
func (r PageRange) EndInclusive() Page {
	return r.start.StrictAdd(saturatingDec(r.count))
}

// EndExclusive returns the page one past the end of this range.
func (r PageRange) EndExclusive() Page { return r.start.StrictAdd(r.count) }

// Contains returns true if page lies within this range.
func (r PageRange) Contains(page Page) bool {
	return rangeContains(uint64(r.start), r.count, uint64(page))
}

// SplitAtIndex splits this range into [start, start+index) and
// [start+index, end). It returns false if index exceeds the range count.
func (r PageRange) SplitAtIndex(index uint64) (PageRange, PageRange, bool) {
	if index > r.count {
		return PageRange{}, PageRange{}, false
	}

	lower := NewPageRange(r.start, index)
	return lower, NewPageRange(lower.EndExclusive(), r.count-index), true
}

// SplitAt splits this range into [start, at) and [at, end). It returns
// false if at lies outside the range.
func (r PageRange) SplitAt(at Page) (PageRange, PageRange, bool) {
	if at < r.start || uint64(at-r.start) > r.count {
		return PageRange{}, PageRange{}, false
	}
	return r.SplitAtIndex(uint64(at - r.start))
}

// Overlaps returns true if this range and other share at least one page.
func (r PageRange) Overlaps(other PageRange) bool {
	return rangesOverlap(uint64(r.start), r.count, uint64(other.start), other.count)
}

// Merge combines this range with an overlapping or adjacent range. Merging
// disjoint non-adjacent ranges returns false.
func (r PageRange) Merge(other PageRange) (PageRange, bool) {
	start, count, ok := rangesMerge(uint64(r.start), r.count, uint64(other.start), other.count)
	return NewPageRange(Page(start), count), ok
}

// Intersection returns the pages shared by this range and other. Disjoint
// ranges intersect in the empty range.
func (r PageRange) Intersection(other PageRange) PageRange {
	start, count := rangesIntersect(uint64(r.start), r.count, uint64(other.start), other.count)
	return NewPageRange(Page(start), count)
}

// Partition classifies the pages in this range relative to other returning
// the pages strictly below other, the pages shared with other and the pages
// strictly above other. The three results are pairwise disjoint and their
// union is this range.
func (r PageRange) Partition(other PageRange) (below, overlap, above PageRange) {
	ls, lc, os, oc, hs, hc := rangesPartition(uint64(r.start), r.count, uint64(other.start), other.count)
	return NewPageRange(Page(ls), lc), NewPageRange(Page(os), oc), NewPageRange(Page(hs), hc)
}

func fromInclusiveCount(start, end uint64) uint64 {
	if end < start {
		return 1
	}
	return end - start + 1
}

func fromExclusiveCount(start, end uint64) uint64 {
	if end < start {
		return 0
	}
	return end - start
}

func saturatingDec(v uint64) uint64 {
	if v == 0 {
		return 0
	}
	return v - 1
}

func rangeContains(start, count, v uint64) bool {
	return start <= v && v-start < count
}

// Empty ranges overlap nothing.
func rangesOverlap(aStart, aCount, bStart, bCount uint64) bool {
	return aCount != 0 && bCount != 0 &&
		aStart <= bStart+bCount-1 && bStart <= aStart+aCount-1
}

// rangesMerge requires overlap or adjacency; touching edges count.
func rangesMerge(aStart, aCount, bStart, bCount uint64) (uint64, uint64, bool) {
	if aStart+aCount < bStart || bStart+bCount < aStart {
		return 0, 0, false
	}

	start := aStart
	if bStart < start {
		start = bStart
	}

	end := aStart + aCount
	if bStart+bCount > end {
		end = bStart + bCount
	}

	return start, end - start, true
}

func rangesIntersect(aStart, aCount, bStart, bCount uint64) (uint64, uint64) {
	start := aStart
	if bStart > start {
		start = bStart
	}

	end := aStart + aCount
	if bStart+bCount < end {
		end = bStart + bCount
	}

	return start, fromExclusiveCount(start, end)
}

// rangesPartition computes the overlap first; the below and above pieces are
// the parts of range a that lie outside range b.
func rangesPartition(aStart, aCount, bStart, bCount uint64) (ls, lc, os, oc, hs, hc uint64) {
	aEnd := aStart + aCount
	bEnd := bStart + bCount

	lowerEnd := bStart
	if aEnd <= bStart {
		lowerEnd = aEnd
	}

	upperStart := bEnd
	if aStart >= bEnd {
		upperStart = aStart
	}

	os, oc = rangesIntersect(aStart, aCount, bStart, bCount)
	return aStart, fromExclusiveCount(aStart, lowerEnd), os, oc, upperStart, fromExclusiveCount(upperStart, aEnd)
}
