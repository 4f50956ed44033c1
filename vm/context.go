package jitvm

import (
	"fmt"
	"io"
	"os"
	"unsafe"

	mmap "github.com/edsrzf/mmap-go"
)

const (
	// NumRegisters is fixed by the 3-bit register fields in the encoding.
	NumRegisters = 8

	// MemorySize is the size of the linear memory. Addresses wrap by masking
	// to 16 bits; the guard tail keeps an 8-byte access at 0xffff in bounds.
	MemorySize    = 1 << 16
	memoryGuard   = 8
	addressMask   = MemorySize - 1
	wordSize      = 2 // one instruction, in bytes
	stackSlotSize = 8 // one call stack slot, in bytes

	// DefaultStackSlots is the call stack capacity used by NewContext.
	DefaultStackSlots = 4096
)

// The leading fields of Context up to and including scratch form a fixed
// header that JIT-compiled code addresses at constant byte offsets relative
// to its reserved context register. offsets_amd64_test.go pins the layout.
const (
	ctxRegsOffset    = 0
	ctxMemBaseOffset = 64
	ctxVSPOffset     = 72
	ctxPCOffset      = 80
	ctxStatusOffset  = 88
	ctxScratchOffset = 96
)

// Exit statuses written by emitted code before control returns to Go.
const (
	statusNone = iota
	statusReturned
	statusEnterVirtual
	statusPrint
	statusHalted
	statusDivideByZero
)

// Context is the execution state of one program: the register file, the
// linear memory, and the virtual call stack. The call stack region doubles
// as the machine stack for JIT-compiled code, which is why both it and the
// memory are mmap regions: their addresses never move, unlike Go heap
// objects reachable from a goroutine stack that may be copied.
type Context struct {
	regs    [NumRegisters]uint64
	memBase uintptr
	vsp     uintptr // virtual call stack pointer, grows down
	pc      uintptr // address of the current instruction word
	status  uint64  // exit status of the last native episode
	scratch uint64  // operand slot for print/diagnostic exits

	// The fields below are not visible to emitted code.

	stackBase  uintptr // one past the highest slot
	stackLimit uintptr // lowest valid slot
	mem        mmap.MMap
	stack      mmap.MMap
	prog       *Program

	// Allows the program to write PRINT output and diagnostics to some type
	// of output
	stdout io.Writer
	stderr io.Writer
}

// NewContext creates a Context bound to prog with the default call stack
// capacity and the process stdout/stderr as sinks.
func NewContext(prog *Program) (*Context, error) {
	return NewContextSize(prog, DefaultStackSlots)
}

// NewContextSize creates a Context with an explicit call stack capacity.
func NewContextSize(prog *Program, stackSlots int) (*Context, error) {
	if stackSlots <= 0 {
		return nil, fmt.Errorf("call stack capacity must be positive, got %d", stackSlots)
	}

	mem, err := mmap.MapRegion(nil, MemorySize+memoryGuard, mmap.RDWR, mmap.ANON, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to map linear memory: %w", err)
	}

	stack, err := mmap.MapRegion(nil, stackSlots*stackSlotSize, mmap.RDWR, mmap.ANON, 0)
	if err != nil {
		mem.Unmap()
		return nil, fmt.Errorf("failed to map call stack: %w", err)
	}

	ctx := &Context{
		memBase: uintptr(unsafe.Pointer(&mem[0])),
		mem:     mem,
		stack:   stack,
		prog:    prog,
		stdout:  os.Stdout,
		stderr:  os.Stderr,
	}
	ctx.stackLimit = uintptr(unsafe.Pointer(&stack[0]))
	ctx.stackBase = ctx.stackLimit + uintptr(len(stack))
	ctx.vsp = ctx.stackBase
	return ctx, nil
}

// SetOutput redirects PRINT output.
func (c *Context) SetOutput(w io.Writer) { c.stdout = w }

// SetErrorOutput redirects diagnostics.
func (c *Context) SetErrorOutput(w io.Writer) { c.stderr = w }

// Register returns the value of register r.
func (c *Context) Register(r int) uint64 { return c.regs[r] }

// SetRegister sets register r.
func (c *Context) SetRegister(r int, v uint64) { c.regs[r] = v }

// Memory exposes the linear memory (without the guard tail).
func (c *Context) Memory() []byte { return c.mem[:MemorySize] }

// EnterFunction arms the program counter at the start of function index.
// The entry function always begins interpreted from its bytecode, even when
// it has been compiled; the first CALL out of it crosses into native code.
func (c *Context) EnterFunction(index int) error {
	fn := c.prog.Function(index)
	if fn == nil {
		return fmt.Errorf("no function at index %d", index)
	}
	c.pc = fn.codeAddr()
	c.vsp = c.stackBase
	return nil
}

// Close releases the memory and call stack regions. The Context must not be
// used afterwards.
func (c *Context) Close() error {
	var first error
	if c.stack != nil {
		if err := c.stack.Unmap(); err != nil {
			first = err
		}
		c.stack = nil
	}
	if c.mem != nil {
		if err := c.mem.Unmap(); err != nil && first == nil {
			first = err
		}
		c.mem = nil
	}
	return first
}

// depth reports the current call stack depth in slots.
func (c *Context) depth() int {
	return int(c.stackBase-c.vsp) / stackSlotSize
}

// willOverflow is true when fewer than n free slots remain.
func (c *Context) willOverflow(n int) bool {
	return c.vsp-uintptr(n*stackSlotSize) < c.stackLimit
}

// willUnderflow is true when there is nothing left to pop.
func (c *Context) willUnderflow() bool {
	return c.vsp >= c.stackBase
}

// push pre-decrements the stack pointer and stores v in the new top slot.
func (c *Context) push(v uintptr) {
	c.vsp -= stackSlotSize
	*(*uintptr)(unsafe.Pointer(c.vsp)) = v
}

// pop returns the top slot and post-increments the stack pointer.
func (c *Context) pop() uintptr {
	v := *(*uintptr)(unsafe.Pointer(c.vsp))
	c.vsp += stackSlotSize
	return v
}

// memLoad reads the 8-byte value at addr after masking to 16 bits. The value
// is read in host byte order, the same view JIT code gets from a plain load.
func (c *Context) memLoad(addr uint64) uint64 {
	return *(*uint64)(unsafe.Pointer(c.memBase + uintptr(addr&addressMask)))
}

// memStore writes the 8-byte value at addr after masking to 16 bits.
func (c *Context) memStore(addr, value uint64) {
	*(*uint64)(unsafe.Pointer(c.memBase + uintptr(addr&addressMask))) = value
}
