package gate

import "encoding/binary"

// The trampoline is emitted at runtime as position-independent x86-64
// machine code. assembler is the minimal encoder this needs: 64-bit
// register/memory moves, the control and descriptor-table instructions of
// the mode switch, and rel32 branches with label fixups.

// General purpose register numbers as encoded in ModRM fields.
const (
	rAX = 0
	rCX = 1
	rDX = 2
	rBX = 3
	rSP = 4
	rBP = 5
	rSI = 6
	rDI = 7
	r8  = 8
	r9  = 9
	r10 = 10
	r11 = 11
	r12 = 12
	r13 = 13
	r14 = 14
	r15 = 15
)

// Segment register numbers as encoded in ModRM reg fields.
const (
	sregES = 0
	sregCS = 1
	sregSS = 2
	sregDS = 3
	sregFS = 4
	sregGS = 5
)

// Control register numbers.
const (
	cr0 = 0
	cr3 = 3
	cr4 = 4
)

type fixup struct {
	pos   int
	label string
}

type assembler struct {
	buf    []byte
	labels map[string]int
	fixups []fixup
}

func newAssembler() *assembler {
	return &assembler{labels: make(map[string]int)}
}

func (a *assembler) emit(bytes ...byte) {
	a.buf = append(a.buf, bytes...)
}

func (a *assembler) emitU32(v uint32) {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], v)
	a.buf = append(a.buf, tmp[:]...)
}

func (a *assembler) emitU64(v uint64) {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], v)
	a.buf = append(a.buf, tmp[:]...)
}

// label records the current offset under the given name.
func (a *assembler) label(name string) {
	a.labels[name] = len(a.buf)
}

// finalize resolves every rel32 fixup and returns the code.
func (a *assembler) finalize() []byte {
	for _, f := range a.fixups {
		target, ok := a.labels[f.label]
		if !ok {
			panic("gate: undefined assembler label " + f.label)
		}

		rel := int32(target - (f.pos + 4))
		binary.LittleEndian.PutUint32(a.buf[f.pos:], uint32(rel))
	}

	return a.buf
}

// rex emits a REX prefix. w selects 64-bit operands, reg/base extend the
// ModRM reg and rm fields.
func (a *assembler) rex(w bool, reg, base int) {
	prefix := byte(0x40)
	if w {
		prefix |= 0x08
	}
	if reg >= 8 {
		prefix |= 0x04
	}
	if base >= 8 {
		prefix |= 0x01
	}
	a.emit(prefix)
}

// modrmDisp32 emits a ModRM byte (plus SIB where the base register
// requires one) addressing [base+disp32].
func (a *assembler) modrmDisp32(reg, base int, disp int32) {
	a.emit(0x80 | byte(reg&7)<<3 | byte(base&7))
	if base&7 == rSP {
		a.emit(0x24)
	}
	a.emitU32(uint32(disp))
}

// movRegImm64 emits mov reg, imm64.
func (a *assembler) movRegImm64(reg int, imm uint64) {
	a.rex(true, 0, reg)
	a.emit(0xB8 | byte(reg&7))
	a.emitU64(imm)
}

// movRegReg emits mov dst, src (64-bit).
func (a *assembler) movRegReg(dst, src int) {
	a.rex(true, src, dst)
	a.emit(0x89, 0xC0|byte(src&7)<<3|byte(dst&7))
}

// xorRegReg emits xor dst, src (64-bit).
func (a *assembler) xorRegReg(dst, src int) {
	a.rex(true, src, dst)
	a.emit(0x31, 0xC0|byte(src&7)<<3|byte(dst&7))
}

// movRegRip emits mov reg, [rip+label].
func (a *assembler) movRegRip(reg int, label string) {
	a.rex(true, reg, 0)
	a.emit(0x8B, byte(reg&7)<<3|0x05)
	a.fixups = append(a.fixups, fixup{pos: len(a.buf), label: label})
	a.emitU32(0)
}

// leaRegRip emits lea reg, [rip+label].
func (a *assembler) leaRegRip(reg int, label string) {
	a.rex(true, reg, 0)
	a.emit(0x8D, byte(reg&7)<<3|0x05)
	a.fixups = append(a.fixups, fixup{pos: len(a.buf), label: label})
	a.emitU32(0)
}

// movMemReg emits mov [base+disp], reg (64-bit).
func (a *assembler) movMemReg(base int, disp int32, reg int) {
	a.rex(true, reg, base)
	a.emit(0x89)
	a.modrmDisp32(reg, base, disp)
}

// movRegMem emits mov reg, [base+disp] (64-bit).
func (a *assembler) movRegMem(reg, base int, disp int32) {
	a.rex(true, reg, base)
	a.emit(0x8B)
	a.modrmDisp32(reg, base, disp)
}

// movMemReg16 emits mov word [base+disp], reg16.
func (a *assembler) movMemReg16(base int, disp int32, reg int) {
	a.emit(0x66)
	a.rex(false, reg, base)
	a.emit(0x89)
	a.modrmDisp32(reg, base, disp)
}

// movMemReg8 emits mov byte [base+disp], reg8.
func (a *assembler) movMemReg8(base int, disp int32, reg int) {
	a.rex(false, reg, base)
	a.emit(0x88)
	a.modrmDisp32(reg, base, disp)
}

// movzxRegMem16 emits movzx reg, word [base+disp].
func (a *assembler) movzxRegMem16(reg, base int, disp int32) {
	a.rex(true, reg, base)
	a.emit(0x0F, 0xB7)
	a.modrmDisp32(reg, base, disp)
}

// movSregReg emits mov sreg, reg16.
func (a *assembler) movSregReg(sreg, reg int) {
	a.rex(false, sreg, reg)
	a.emit(0x8E, 0xC0|byte(sreg&7)<<3|byte(reg&7))
}

// movReg16Sreg emits mov reg16, sreg.
func (a *assembler) movReg16Sreg(reg, sreg int) {
	a.emit(0x66)
	a.rex(false, sreg, reg)
	a.emit(0x8C, 0xC0|byte(sreg&7)<<3|byte(reg&7))
}

// movRegCR emits mov reg, crN.
func (a *assembler) movRegCR(reg, cr int) {
	a.rex(false, cr, reg)
	a.emit(0x0F, 0x20, 0xC0|byte(cr&7)<<3|byte(reg&7))
}

// movCRReg emits mov crN, reg.
func (a *assembler) movCRReg(cr, reg int) {
	a.rex(false, cr, reg)
	a.emit(0x0F, 0x22, 0xC0|byte(cr&7)<<3|byte(reg&7))
}

// descriptor table loads and stores: sgdt/sidt/lgdt/lidt [base+disp].
func (a *assembler) descriptorOp(op int, base int, disp int32) {
	a.rex(false, op, base)
	a.emit(0x0F, 0x01)
	a.modrmDisp32(op, base, disp)
}

func (a *assembler) sgdt(base int, disp int32) { a.descriptorOp(0, base, disp) }
func (a *assembler) sidt(base int, disp int32) { a.descriptorOp(1, base, disp) }
func (a *assembler) lgdt(base int, disp int32) { a.descriptorOp(2, base, disp) }
func (a *assembler) lidt(base int, disp int32) { a.descriptorOp(3, base, disp) }

// cmpRegImm8 emits cmp reg, imm8 (64-bit, sign extended).
func (a *assembler) cmpRegImm8(reg int, imm int8) {
	a.rex(true, 7, reg)
	a.emit(0x83, 0xF8|byte(reg&7), byte(imm))
}

// jcc emits a rel32 conditional jump to label. cc is the condition code
// nibble (0x4 = e, 0x5 = ne).
func (a *assembler) jcc(cc byte, label string) {
	a.emit(0x0F, 0x80|cc)
	a.fixups = append(a.fixups, fixup{pos: len(a.buf), label: label})
	a.emitU32(0)
}

func (a *assembler) je(label string)  { a.jcc(0x4, label) }
func (a *assembler) jne(label string) { a.jcc(0x5, label) }

// jmp emits a rel32 jump to label.
func (a *assembler) jmp(label string) {
	a.emit(0xE9)
	a.fixups = append(a.fixups, fixup{pos: len(a.buf), label: label})
	a.emitU32(0)
}

// jmpMem emits jmp qword [base+disp].
func (a *assembler) jmpMem(base int, disp int32) {
	if base >= 8 {
		a.emit(0x41)
	}
	a.emit(0xFF)
	a.modrmDisp32(4, base, disp)
}

// call emits a rel32 call to label.
func (a *assembler) call(label string) {
	a.emit(0xE8)
	a.fixups = append(a.fixups, fixup{pos: len(a.buf), label: label})
	a.emitU32(0)
}

// callReg emits call reg.
func (a *assembler) callReg(reg int) {
	if reg >= 8 {
		a.emit(0x41)
	}
	a.emit(0xFF, 0xD0|byte(reg&7))
}

// pushReg emits push reg.
func (a *assembler) pushReg(reg int) {
	if reg >= 8 {
		a.emit(0x41)
	}
	a.emit(0x50 | byte(reg&7))
}

// popReg emits pop reg.
func (a *assembler) popReg(reg int) {
	if reg >= 8 {
		a.emit(0x41)
	}
	a.emit(0x58 | byte(reg&7))
}

func (a *assembler) ret()   { a.emit(0xC3) }
func (a *assembler) retfq() { a.emit(0x48, 0xCB) }
