package mm

import "testing"

func TestAddrSpaceDescValidity(t *testing.T) {
	specs := []struct {
		name     string
		desc     AddrSpaceDesc
		addr     uint64
		expValid bool
	}{
		{"48-bit low half top", AddrSpaceDesc{48, true}, 0x0000_7FFF_FFFF_FFFF, true},
		{"48-bit high half bottom", AddrSpaceDesc{48, true}, 0xFFFF_8000_0000_0000, true},
		{"48-bit gap bottom", AddrSpaceDesc{48, true}, 0x0000_8000_0000_0000, false},
		{"48-bit gap top", AddrSpaceDesc{48, true}, 0xFFFF_7FFF_FFFF_FFFF, false},
		{"57-bit low half top", AddrSpaceDesc{57, true}, 0x00FF_FFFF_FFFF_FFFF, true},
		{"57-bit high half bottom", AddrSpaceDesc{57, true}, 0xFF00_0000_0000_0000, true},
		{"57-bit gap", AddrSpaceDesc{57, true}, 0x0100_0000_0000_0000, false},
		{"32-bit max", AddrSpaceDesc{32, false}, 0xFFFF_FFFF, true},
		{"32-bit out of range", AddrSpaceDesc{32, false}, 0x1_0000_0000, false},
		{"52-bit physical max", AddrSpaceDesc{52, false}, 0xF_FFFF_FFFF_FFFF, true},
		{"52-bit physical out of range", AddrSpaceDesc{52, false}, 0x10_0000_0000_0000, false},
		{"64-bit anything", AddrSpaceDesc{64, false}, ^uint64(0), true},
		{"zero-bit nothing", AddrSpaceDesc{0, false}, 0, false},
	}

	for _, spec := range specs {
		t.Run(spec.name, func(t *testing.T) {
			if got := spec.desc.IsValid(spec.addr); got != spec.expValid {
				t.Errorf("expected IsValid(%#x) to return %t; got %t", spec.addr, spec.expValid, got)
			}
		})
	}
}

func TestAddrSpaceDescValidRange(t *testing.T) {
	canonical48 := AddrSpaceDesc{48, true}

	specs := []struct {
		name       string
		desc       AddrSpaceDesc
		start, end uint64
		expValid   bool
	}{
		{"inside low half", canonical48, 0x1000, 0x0000_7FFF_FFFF_FFFF, true},
		{"inside high half", canonical48, 0xFFFF_8000_0000_0000, 0xFFFF_FFFF_FFFF_F000, true},
		{"crossing the gap", canonical48, 0x0000_7FFF_FFFF_FFFF, 0xFFFF_8000_0000_0000, false},
		{"ending in the gap", canonical48, 0x1000, 0x0000_8000_0000_0000, false},
		{"wrapped endpoints", canonical48, 0x2000, 0x1000, false},
		{"non-canonical full", AddrSpaceDesc{32, false}, 0, 0xFFFF_FFFF, true},
		{"non-canonical out of range", AddrSpaceDesc{32, false}, 0, 0x1_0000_0000, false},
	}

	for _, spec := range specs {
		t.Run(spec.name, func(t *testing.T) {
			if got := spec.desc.IsValidRange(spec.start, spec.end); got != spec.expValid {
				t.Errorf("expected IsValidRange(%#x, %#x) to return %t; got %t",
					spec.start, spec.end, spec.expValid, got)
			}
		})
	}
}

func TestAddrSpaceDescValidRanges(t *testing.T) {
	ranges := AddrSpaceDesc{48, true}.ValidRanges()

	if ranges[0] != [2]uint64{0, 0x0000_7FFF_FFFF_FFFF} {
		t.Errorf("unexpected low half: %#x", ranges[0])
	}
	if ranges[1] != [2]uint64{0xFFFF_8000_0000_0000, ^uint64(0)} {
		t.Errorf("unexpected high half: %#x", ranges[1])
	}

	ranges = AddrSpaceDesc{32, false}.ValidRanges()
	if ranges[0] != [2]uint64{0, 0xFFFF_FFFF} {
		t.Errorf("unexpected interval: %#x", ranges[0])
	}
	if ranges[1][0] <= ranges[1][1] {
		t.Error("expected the second interval to be empty")
	}
}

func TestAlignUp(t *testing.T) {
	specs := []struct {
		addr      PhysAddr
		alignment uint64
		expAddr   PhysAddr
		expOK     bool
	}{
		// Aligning an already-aligned value is a no-op.
		{0x1000, 0x1000, 0x1000, true},
		{0x1001, 0x1000, 0x2000, true},
		{0, 0x1000, 0, true},
		// Overflowing alignments fail.
		{^PhysAddr(0), 0x1000, 0, false},
		{^PhysAddr(0) - 0xFFE, 0x1000, 0, false},
	}

	for specIndex, spec := range specs {
		got, ok := spec.addr.CheckedAlignUp(spec.alignment)
		if ok != spec.expOK {
			t.Errorf("[spec %d] expected ok to be %t; got %t", specIndex, spec.expOK, ok)
			continue
		}
		if ok && got != spec.expAddr {
			t.Errorf("[spec %d] expected %#x; got %#x", specIndex, spec.expAddr, got)
		}
	}
}
