//go:build !amd64

package jitvm

import "fmt"

type runtimeBlobs struct {
	returnStub uintptr
}

func (rt *runtimeBlobs) release() error { return nil }

// Compile is unavailable off amd64; programs run interpreted.
func (p *Program) Compile(index int) error {
	if p.Function(index) == nil {
		return fmt.Errorf("no function at index %d", index)
	}
	return fmt.Errorf("jit compilation is not supported on this architecture")
}
