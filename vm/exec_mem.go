package jitvm

import (
	"fmt"
	"unsafe"

	mmap "github.com/edsrzf/mmap-go"
)

// allocExec copies machine code into a fresh page-aligned executable region
// and returns the mapping plus its entry address. The region is stable until
// unmapped: other JIT buffers bake this address in as a call target.
func allocExec(code []byte) (mmap.MMap, uintptr, error) {
	if len(code) == 0 {
		return nil, 0, fmt.Errorf("empty code segment")
	}
	buf, err := mmap.MapRegion(nil, len(code), mmap.RDWR|mmap.EXEC, mmap.ANON, 0)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to map executable region: %w", err)
	}
	copy(buf, code)
	return buf, uintptr(unsafe.Pointer(&buf[0])), nil
}
