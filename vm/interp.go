package jitvm

import (
	"fmt"
	"unsafe"
)

// This is considered a tight loop. The dispatch switch stays flat and the
// helpers it calls are small enough for Go's inlining rules to take over.
//
// step executes the instruction under the program counter and leaves the
// counter on the next one, unless the instruction assigned it (branches,
// calls, returns) or ended the run.
func (c *Context) step(r *Runner) {
	insn := c.fetch()

	switch Opcode(insn & classMask) {
	case 0:
		switch Opcode(insn & smallMask) {
		case OpNoop:
		case OpMove:
			c.regs[dstReg(insn)] = c.regs[srcReg(insn)]
		case OpMemload:
			c.regs[dstReg(insn)] = c.memLoad(c.regs[srcReg(insn)])
		case OpMemstore:
			c.memStore(c.regs[dstReg(insn)], c.regs[srcReg(insn)])
		case OpReturn:
			if c.willUnderflow() {
				// Returning past the entry function ends the program.
				r.running = 0
				return
			}
			ret := c.pop()
			if ret == sentinel {
				// The caller is native code suspended on the call stack.
				c.resumeNative(r)
				return
			}
			c.pc = ret
			return
		case OpAdd:
			c.regs[dstReg(insn)] += c.regs[srcReg(insn)]
		case OpSub:
			c.regs[dstReg(insn)] -= c.regs[srcReg(insn)]
		case OpMul:
			c.regs[dstReg(insn)] *= c.regs[srcReg(insn)]
		case OpImul:
			v := int64(c.regs[dstReg(insn)]) * int64(c.regs[srcReg(insn)])
			c.regs[dstReg(insn)] = uint64(v)
		case OpDiv:
			src := c.regs[srcReg(insn)]
			if src == 0 {
				c.fail(r, "Division by zero", insn)
				return
			}
			c.regs[dstReg(insn)] /= src
		case OpIdiv:
			src := int64(c.regs[srcReg(insn)])
			if src == 0 {
				c.fail(r, "Division by zero", insn)
				return
			}
			c.regs[dstReg(insn)] = uint64(int64(c.regs[dstReg(insn)]) / src)
		case OpRem:
			src := c.regs[srcReg(insn)]
			if src == 0 {
				c.fail(r, "Division by zero", insn)
				return
			}
			c.regs[dstReg(insn)] %= src
		case OpIrem:
			src := int64(c.regs[srcReg(insn)])
			if src == 0 {
				c.fail(r, "Division by zero", insn)
				return
			}
			c.regs[dstReg(insn)] = uint64(int64(c.regs[dstReg(insn)]) % src)
		case OpPrint:
			fmt.Fprintf(c.stdout, "%d\n", int64(c.regs[insn&regMask]))
		case OpHalt:
			r.running = 0
			return
		default:
			c.fail(r, "Invalid instruction", insn)
			return
		}
	case OpLoad:
		c.regs[dstReg(insn)] = uint64(imm9(insn))
	case OpIload:
		c.regs[dstReg(insn)] = uint64(signExtend(imm9(insn), 9))
	case OpJump:
		c.pc = branchTarget(c.pc, signExtend(imm12(insn), 12))
		return
	case OpJumpz:
		if c.regs[insn&regMask] == 0 {
			c.pc = branchTarget(c.pc, signExtend(imm9(insn), 9))
			return
		}
	case OpJumpnz:
		if c.regs[insn&regMask] != 0 {
			c.pc = branchTarget(c.pc, signExtend(imm9(insn), 9))
			return
		}
	case OpCall:
		index := int(imm12(insn))
		fn := c.prog.Function(index)
		if fn == nil {
			c.fail(r, "Invalid function", insn)
			return
		}
		if fn.addr.native {
			// Two slots: the virtual return address and the stub that turns
			// the callee's final host ret back into an interpreter resume.
			if c.willOverflow(2) {
				c.fail(r, "Callstack overflow", insn)
				return
			}
			c.push(c.pc + wordSize)
			c.push(c.prog.rt.returnStub)
			c.runNative(r, fn.addr.entry)
			return
		}
		if c.willOverflow(1) {
			c.fail(r, "Callstack overflow", insn)
			return
		}
		c.push(c.pc + wordSize)
		c.pc = fn.addr.entry
		return
	default:
		c.fail(r, "Invalid instruction", insn)
		return
	}

	c.pc += wordSize
}

// sentinel is the call stack value that marks "the caller is native; return
// through the bridge". The null address is never a valid return target.
const sentinel uintptr = 0

// fetch reads the instruction word under the program counter.
func (c *Context) fetch() uint16 {
	return *(*uint16)(unsafe.Pointer(c.pc))
}

// branchTarget applies a signed word offset relative to the instruction
// itself, not the next word.
func branchTarget(pc uintptr, offset int64) uintptr {
	return uintptr(int64(pc) + offset*wordSize)
}

// fail reports a diagnostic on the error sink and stops the runner.
func (c *Context) fail(r *Runner, msg string, insn uint16) {
	fmt.Fprintf(c.stderr, "%s: 0x%04x\n", msg, insn)
	r.running = 0
}

// runNative transfers control to compiled code at entry and services the
// episode until it returns, enters a virtual function, or halts.
func (c *Context) runNative(r *Runner, entry uintptr) {
	nativecall(r, c, entry)
	c.completeNative(r)
}

// resumeNative resumes the native caller suspended under the sentinel that
// was just popped, then services the episode like runNative.
func (c *Context) resumeNative(r *Runner) {
	nativeresume(r, c)
	c.completeNative(r)
}

func (c *Context) completeNative(r *Runner) {
	for {
		switch c.status {
		case statusPrint:
			fmt.Fprintf(c.stdout, "%d\n", int64(c.scratch))
			nativeresume(r, c)
		case statusReturned:
			// The callee's host ret reached the return stub; the virtual
			// return address is back on top of the call stack.
			c.pc = c.pop()
			return
		case statusEnterVirtual:
			// An entry stub parked its native caller under the sentinel and
			// pointed pc at the callee's bytecode.
			return
		case statusHalted:
			return
		case statusDivideByZero:
			c.fail(r, "Division by zero", uint16(c.scratch))
			return
		default:
			panic("jitvm: unexpected exit status from native code")
		}
	}
}
