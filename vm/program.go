package jitvm

import (
	"fmt"
	"unsafe"

	mmap "github.com/edsrzf/mmap-go"
)

// maxFunctions is fixed by the 12-bit index operand of call.
const maxFunctions = 1 << 12

// Address describes where a function currently executes: in the interpreter
// from its bytecode, or directly on the CPU from its JIT buffer. The
// transition is monotonic; Compile never reverts a native function.
type Address struct {
	native bool
	entry  uintptr
}

// Native reports whether the function has been compiled.
func (a Address) Native() bool { return a.native }

// Function owns a bytecode buffer and, once compiled, the executable buffer
// holding its native body plus a small entry stub. Both buffers live until
// the Program is closed: entry addresses are baked as constants into other
// functions' JIT buffers, so nothing may move or be freed earlier.
type Function struct {
	code []uint16
	addr Address

	// stub is the uniform call target emitted callers use while (or in case)
	// the function is still virtual. Emitted lazily, never patched.
	stub    uintptr
	stubBuf mmap.MMap

	codeBuf mmap.MMap // executable buffer for the compiled body
}

func (f *Function) codeAddr() uintptr {
	return uintptr(unsafe.Pointer(&f.code[0]))
}

// Code returns the function's bytecode.
func (f *Function) Code() []uint16 { return f.code }

// Addr returns the function's current address descriptor.
func (f *Function) Addr() Address { return f.addr }

// Program is an owned sequence of functions. The entry point is function 0.
type Program struct {
	funcs []*Function
	rt    *runtimeBlobs // shared bridge blobs, emitted on first compile
}

// NewProgram builds a program from function bodies, entry point first.
func NewProgram(bodies ...[]uint16) (*Program, error) {
	p := &Program{}
	for _, body := range bodies {
		if _, err := p.AddFunction(body); err != nil {
			p.Close()
			return nil, err
		}
	}
	return p, nil
}

// AddFunction appends a function and returns its call index.
func (p *Program) AddFunction(code []uint16) (int, error) {
	if len(code) == 0 {
		return 0, fmt.Errorf("function body must not be empty")
	}
	if len(p.funcs) >= maxFunctions {
		return 0, fmt.Errorf("too many functions: call operands are 12-bit")
	}
	fn := &Function{code: code}
	fn.addr = Address{native: false, entry: fn.codeAddr()}
	p.funcs = append(p.funcs, fn)
	return len(p.funcs) - 1, nil
}

// Function returns the function at index, or nil when out of range.
func (p *Program) Function(index int) *Function {
	if index < 0 || index >= len(p.funcs) {
		return nil
	}
	return p.funcs[index]
}

// NumFunctions returns the number of functions in the program.
func (p *Program) NumFunctions() int { return len(p.funcs) }

// JITSupported reports whether this build can compile functions to native
// code.
func JITSupported() bool { return jitSupported }

// CompileAll compiles every function in index order.
func (p *Program) CompileAll() error {
	for i := range p.funcs {
		if err := p.Compile(i); err != nil {
			return err
		}
	}
	return nil
}

// Close releases every executable buffer. Contexts bound to the program must
// not run afterwards.
func (p *Program) Close() error {
	var first error
	keep := func(err error) {
		if err != nil && first == nil {
			first = err
		}
	}
	for _, fn := range p.funcs {
		if fn.codeBuf != nil {
			keep(fn.codeBuf.Unmap())
			fn.codeBuf = nil
		}
		if fn.stubBuf != nil {
			keep(fn.stubBuf.Unmap())
			fn.stubBuf = nil
		}
	}
	if p.rt != nil {
		keep(p.rt.release())
		p.rt = nil
	}
	return first
}
