package gate

import "encoding/binary"

// The executable runs under a minimal IDT installed by the switch
// builder: the page-fault vector re-enters the trampoline, which reports
// the faulting context back to the stub side. No other vector has a gate.

const (
	idtEntrySize = 16
	idtEntries   = 256
	idtSize      = idtEntries * idtEntrySize

	// Present 64-bit interrupt gate, DPL 0.
	gateAttributes = 0x8E
)

// encodeGate writes one 64-bit interrupt gate descriptor.
func encodeGate(p []byte, handler uint64, selector uint16) {
	binary.LittleEndian.PutUint16(p[0:], uint16(handler))
	binary.LittleEndian.PutUint16(p[2:], selector)
	p[4] = 0 // no interrupt stack table
	p[5] = gateAttributes
	binary.LittleEndian.PutUint16(p[6:], uint16(handler>>16))
	binary.LittleEndian.PutUint32(p[8:], uint32(handler>>32))
	binary.LittleEndian.PutUint32(p[12:], 0)
}

// buildIDT returns the executable-side IDT. Only the page-fault vector
// carries a gate; every other vector is left not-present and triple
// faults rather than running unvetted memory as handler code.
func buildIDT(pageFaultHandler uint64) []byte {
	idt := make([]byte, idtSize)
	encodeGate(idt[14*idtEntrySize:], pageFaultHandler, selectorCode64)
	return idt
}
