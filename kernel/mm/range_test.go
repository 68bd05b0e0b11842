package mm

import "testing"

func TestFrameRangeRoundTrip(t *testing.T) {
	specs := []struct {
		start, end Frame
		expCount   uint64
	}{
		{0, 0, 0},
		{0, 1, 1},
		{16, 1024, 1008},
		{512, 512, 0},
	}

	for specIndex, spec := range specs {
		r := FrameRangeFromExclusive(spec.start, spec.end)
		if got := r.Start(); got != spec.start {
			t.Errorf("[spec %d] expected start %d; got %d", specIndex, spec.start, got)
		}
		if got := r.Count(); got != spec.expCount {
			t.Errorf("[spec %d] expected count %d; got %d", specIndex, spec.expCount, got)
		}
		if spec.expCount != 0 {
			if got := r.EndExclusive(); got != spec.end {
				t.Errorf("[spec %d] expected exclusive end %d; got %d", specIndex, spec.end, got)
			}
		}
	}
}

func TestFrameRangeOverlapMatchesIntersection(t *testing.T) {
	ranges := []FrameRange{
		NewFrameRange(0, 0),
		NewFrameRange(0, 1),
		NewFrameRange(0, 16),
		NewFrameRange(8, 8),
		NewFrameRange(15, 1),
		NewFrameRange(16, 16),
		NewFrameRange(100, 0),
		NewFrameRange(100, 50),
	}

	for _, a := range ranges {
		for _, b := range ranges {
			overlaps := a.Overlaps(b)
			intersection := a.Intersection(b)

			if overlaps != !intersection.IsEmpty() {
				t.Errorf("%+v vs %+v: Overlaps() = %t but intersection count = %d",
					a, b, overlaps, intersection.Count())
			}
		}
	}
}

func TestFrameRangeMerge(t *testing.T) {
	specs := []struct {
		a, b     FrameRange
		expMerge FrameRange
		expOK    bool
	}{
		// Overlapping ranges merge.
		{NewFrameRange(0, 16), NewFrameRange(8, 16), NewFrameRange(0, 24), true},
		// Touching edges count as adjacent.
		{NewFrameRange(0, 16), NewFrameRange(16, 4), NewFrameRange(0, 20), true},
		{NewFrameRange(16, 4), NewFrameRange(0, 16), NewFrameRange(0, 20), true},
		// A range fully inside another.
		{NewFrameRange(0, 32), NewFrameRange(8, 4), NewFrameRange(0, 32), true},
		// Disjoint and non-adjacent ranges do not merge.
		{NewFrameRange(0, 16), NewFrameRange(17, 4), FrameRange{}, false},
	}

	for specIndex, spec := range specs {
		merged, ok := spec.a.Merge(spec.b)
		if ok != spec.expOK {
			t.Errorf("[spec %d] expected merge ok to be %t; got %t", specIndex, spec.expOK, ok)
			continue
		}

		if !ok {
			continue
		}

		if merged != spec.expMerge {
			t.Errorf("[spec %d] expected merged range %+v; got %+v", specIndex, spec.expMerge, merged)
		}

		// The merged range must contain a frame iff one of the inputs does.
		for f := Frame(0); f < 40; f++ {
			if merged.Contains(f) != (spec.a.Contains(f) || spec.b.Contains(f)) {
				t.Errorf("[spec %d] merged containment mismatch at frame %d", specIndex, f)
			}
		}
	}
}

func TestFrameRangePartition(t *testing.T) {
	specs := []struct {
		name string
		a, b FrameRange
	}{
		{"other strictly below", NewFrameRange(32, 16), NewFrameRange(0, 16)},
		{"other strictly above", NewFrameRange(0, 16), NewFrameRange(32, 16)},
		{"exact match", NewFrameRange(16, 16), NewFrameRange(16, 16)},
		{"partial overlap low", NewFrameRange(8, 16), NewFrameRange(0, 16)},
		{"partial overlap high", NewFrameRange(0, 16), NewFrameRange(8, 16)},
		{"other contains self", NewFrameRange(8, 4), NewFrameRange(0, 32)},
		{"self contains other", NewFrameRange(0, 32), NewFrameRange(8, 4)},
		{"touching lower boundary", NewFrameRange(16, 16), NewFrameRange(0, 16)},
		{"touching upper boundary", NewFrameRange(0, 16), NewFrameRange(16, 16)},
		{"empty other", NewFrameRange(0, 16), NewFrameRange(8, 0)},
	}

	for _, spec := range specs {
		t.Run(spec.name, func(t *testing.T) {
			below, overlap, above := spec.a.Partition(spec.b)

			if exp := spec.a.Intersection(spec.b); overlap != exp {
				t.Errorf("expected overlap %+v; got %+v", exp, overlap)
			}

			total := below.Count() + overlap.Count() + above.Count()
			if total != spec.a.Count() {
				t.Errorf("partition pieces cover %d frames; expected %d", total, spec.a.Count())
			}

			for f := Frame(0); f < 48; f++ {
				inPieces := 0
				for _, piece := range []FrameRange{below, overlap, above} {
					if piece.Contains(f) {
						inPieces++
					}
				}

				expected := 0
				if spec.a.Contains(f) {
					expected = 1
				}

				if inPieces != expected {
					t.Errorf("frame %d appears in %d pieces; expected %d", f, inPieces, expected)
				}

				if below.Contains(f) && !spec.b.IsEmpty() && f >= spec.b.Start() {
					t.Errorf("frame %d in below piece is not strictly below %+v", f, spec.b)
				}
				if above.Contains(f) && !spec.b.IsEmpty() && f < spec.b.EndExclusive() {
					t.Errorf("frame %d in above piece is not strictly above %+v", f, spec.b)
				}
			}
		})
	}
}

func TestPageRangeSplit(t *testing.T) {
	r := NewPageRange(10, 6)

	lower, upper, ok := r.SplitAt(13)
	if !ok {
		t.Fatal("expected SplitAt(13) to succeed")
	}
	if lower != NewPageRange(10, 3) || upper != NewPageRange(13, 3) {
		t.Errorf("unexpected split results: %+v / %+v", lower, upper)
	}

	// Splitting at the range boundaries yields one empty piece.
	lower, upper, ok = r.SplitAtIndex(0)
	if !ok || !lower.IsEmpty() || upper != r {
		t.Errorf("unexpected boundary split results: %+v / %+v (ok=%t)", lower, upper, ok)
	}

	lower, upper, ok = r.SplitAtIndex(6)
	if !ok || lower != r || !upper.IsEmpty() {
		t.Errorf("unexpected boundary split results: %+v / %+v (ok=%t)", lower, upper, ok)
	}

	if _, _, ok = r.SplitAtIndex(7); ok {
		t.Error("expected SplitAtIndex(7) to fail")
	}

	if _, _, ok = r.SplitAt(9); ok {
		t.Error("expected SplitAt(9) to fail")
	}
}

func TestEmptyRangeBehavior(t *testing.T) {
	empty := NewFrameRange(100, 0)
	full := NewFrameRange(90, 20)

	if empty.Contains(100) {
		t.Error("empty range must not contain its start frame")
	}
	if empty.Overlaps(full) || full.Overlaps(empty) {
		t.Error("empty range must not overlap anything")
	}
	if !full.Intersection(empty).IsEmpty() {
		t.Error("intersection with an empty range must be empty")
	}
}
