package console

import (
	"reflect"
	"unsafe"
)

// fbSlice overlays a cell slice on top of the memory-mapped framebuffer.
func fbSlice(physAddr uintptr, cells int) []uint16 {
	return *(*[]uint16)(unsafe.Pointer(&reflect.SliceHeader{
		Len:  cells,
		Cap:  cells,
		Data: physAddr,
	}))
}
