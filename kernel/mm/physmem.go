package mm

import (
	"encoding/binary"
	"reflect"
	"unsafe"

	"revmstub/kernel"
)

// PhysMem provides access to raw physical memory. The stub, which runs
// identity-mapped, accesses memory directly (IdentityMem); tests supply
// an in-memory implementation.
//
// Multi-byte accesses are little-endian and must be naturally aligned.
type PhysMem interface {
	ReadU32(addr PhysAddr) uint32
	WriteU32(addr PhysAddr, value uint32)
	ReadU64(addr PhysAddr) uint64
	WriteU64(addr PhysAddr, value uint64)
	ReadBytes(addr PhysAddr, p []byte)
	WriteBytes(addr PhysAddr, p []byte)
}

// IdentityMem implements PhysMem for an environment where all physical
// memory of interest is identity-mapped, which is the state the firmware
// hands the stub.
type IdentityMem struct{}

// ReadU32 reads the little-endian uint32 at addr.
func (IdentityMem) ReadU32(addr PhysAddr) uint32 {
	return *(*uint32)(unsafe.Pointer(uintptr(addr)))
}

// WriteU32 writes value to addr in little-endian order.
func (IdentityMem) WriteU32(addr PhysAddr, value uint32) {
	*(*uint32)(unsafe.Pointer(uintptr(addr))) = value
}

// ReadU64 reads the little-endian uint64 at addr.
func (IdentityMem) ReadU64(addr PhysAddr) uint64 {
	return *(*uint64)(unsafe.Pointer(uintptr(addr)))
}

// WriteU64 writes value to addr in little-endian order.
func (IdentityMem) WriteU64(addr PhysAddr, value uint64) {
	*(*uint64)(unsafe.Pointer(uintptr(addr))) = value
}

// ReadBytes fills p with the bytes starting at addr.
func (IdentityMem) ReadBytes(addr PhysAddr, p []byte) {
	if len(p) == 0 {
		return
	}
	kernel.Memcopy(uintptr(addr), sliceAddr(p), uintptr(len(p)))
}

// WriteBytes copies p to the bytes starting at addr.
func (IdentityMem) WriteBytes(addr PhysAddr, p []byte) {
	if len(p) == 0 {
		return
	}
	kernel.Memcopy(sliceAddr(p), uintptr(addr), uintptr(len(p)))
}

// sliceAddr returns the address of the first byte of p.
func sliceAddr(p []byte) uintptr {
	return (*reflect.SliceHeader)(unsafe.Pointer(&p)).Data
}

// SparseMem implements PhysMem with frame-granular lazily allocated
// storage. It backs the translation engine and frame allocator tests and
// the host-side tooling that needs to build page tables without touching
// real memory.
type SparseMem struct {
	frames map[Frame][]byte
}

// NewSparseMem returns an empty SparseMem. Reads of untouched memory
// return zeroes.
func NewSparseMem() *SparseMem {
	return &SparseMem{frames: make(map[Frame][]byte)}
}

func (m *SparseMem) frame(addr PhysAddr, dirty bool) []byte {
	f := FrameContaining(addr)
	data, ok := m.frames[f]
	if !ok {
		if !dirty {
			return nil
		}
		data = make([]byte, FrameSize)
		m.frames[f] = data
	}
	return data
}

// ReadU32 reads the little-endian uint32 at addr.
func (m *SparseMem) ReadU32(addr PhysAddr) uint32 {
	data := m.frame(addr, false)
	if data == nil {
		return 0
	}
	off := addr.FrameOffset()
	return binary.LittleEndian.Uint32(data[off : off+4])
}

// WriteU32 writes value to addr in little-endian order.
func (m *SparseMem) WriteU32(addr PhysAddr, value uint32) {
	data := m.frame(addr, true)
	off := addr.FrameOffset()
	binary.LittleEndian.PutUint32(data[off:off+4], value)
}

// ReadU64 reads the little-endian uint64 at addr.
func (m *SparseMem) ReadU64(addr PhysAddr) uint64 {
	data := m.frame(addr, false)
	if data == nil {
		return 0
	}
	off := addr.FrameOffset()
	return binary.LittleEndian.Uint64(data[off : off+8])
}

// WriteU64 writes value to addr in little-endian order.
func (m *SparseMem) WriteU64(addr PhysAddr, value uint64) {
	data := m.frame(addr, true)
	off := addr.FrameOffset()
	binary.LittleEndian.PutUint64(data[off:off+8], value)
}

// ReadBytes fills p with the bytes starting at addr.
func (m *SparseMem) ReadBytes(addr PhysAddr, p []byte) {
	for len(p) > 0 {
		off := addr.FrameOffset()
		n := int(FrameSize - off)
		if n > len(p) {
			n = len(p)
		}

		if data := m.frame(addr, false); data != nil {
			copy(p[:n], data[off:])
		} else {
			for i := 0; i < n; i++ {
				p[i] = 0
			}
		}

		p = p[n:]
		addr = addr.StrictAdd(uint64(n))
	}
}

// WriteBytes copies p to the bytes starting at addr.
func (m *SparseMem) WriteBytes(addr PhysAddr, p []byte) {
	for len(p) > 0 {
		off := addr.FrameOffset()
		n := int(FrameSize - off)
		if n > len(p) {
			n = len(p)
		}

		copy(m.frame(addr, true)[off:], p[:n])

		p = p[n:]
		addr = addr.StrictAdd(uint64(n))
	}
}
