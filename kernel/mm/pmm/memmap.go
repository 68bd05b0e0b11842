package pmm

import (
	"hash/fnv"

	"revmstub/kernel"
	"revmstub/stubapi"
)

// MemoryMap copies the current memory map into buf and returns the number
// of descriptors written together with the map key. The key is a hash of
// the full snapshot contents: it changes exactly when the tracker's
// logical content changes, so key equality is evidence of content
// equality. If buf cannot hold the snapshot, ErrBufferTooSmall is
// returned; use RangeCount to size the buffer.
func (a *Allocator) MemoryMap(buf []stubapi.MemoryDescriptor) (int, uint64, *kernel.Error) {
	a.lock.Acquire()
	defer a.lock.Release()

	if uint64(len(buf)) < a.rangeCount {
		return 0, 0, ErrBufferTooSmall
	}

	n := 0
	a.visitDescriptors(func(d stubapi.MemoryDescriptor) bool {
		buf[n] = d
		n++
		return true
	})

	return n, mapKey(buf[:n]), nil
}

// Key returns the key identifying the current memory map without copying
// the snapshot out.
func (a *Allocator) Key() uint64 {
	a.lock.Acquire()
	defer a.lock.Release()

	descriptors := make([]stubapi.MemoryDescriptor, 0, a.rangeCount)
	a.visitDescriptors(func(d stubapi.MemoryDescriptor) bool {
		descriptors = append(descriptors, d)
		return true
	})

	return mapKey(descriptors)
}

// mapKey hashes the encoded descriptors with FNV-1a.
func mapKey(descriptors []stubapi.MemoryDescriptor) uint64 {
	h := fnv.New64a()

	var buf [stubapi.MemoryDescriptorSize]byte
	for _, d := range descriptors {
		d.Encode(buf[:])
		h.Write(buf[:])
	}

	return h.Sum64()
}
