//go:build darwin

package machkit

/*
#include <mach/mach.h>
#include <mach/mach_vm.h>
*/
import "C"

import "unsafe"

// ReadMemory copies length bytes from addr in task's address space. It
// corresponds to Task_readMemory, used both
// for the decoder's read-ahead window and for walking dyld's image-info
// structures.
func ReadMemory(task Port, addr uint64, length int) ([]byte, error) {
	buf := make([]byte, length)
	if length == 0 {
		return buf, nil
	}
	var outSize C.mach_vm_size_t
	kr := C.mach_vm_read_overwrite(
		C.vm_map_t(task),
		C.mach_vm_address_t(addr),
		C.mach_vm_size_t(length),
		C.mach_vm_address_t(uintptr(unsafe.Pointer(&buf[0]))),
		&outSize,
	)
	if err := machError("mach_vm_read_overwrite", kr); err != nil {
		return nil, err
	}
	return buf[:int(outSize)], nil
}
