//go:build amd64

package jitvm

import (
	"fmt"

	asm "github.com/twitchyliquid64/golang-asm"
	"github.com/twitchyliquid64/golang-asm/obj"
	"github.com/twitchyliquid64/golang-asm/obj/x86"

	mmap "github.com/edsrzf/mmap-go"
)

// Reserved registers. Emitted code addresses the Context and Runner through
// these; the trampolines install them on every crossing and emitted code
// never clobbers them. R14 is the goroutine pointer under the Go register
// ABI and is avoided entirely.
const (
	// ctxReg R12: pointer to the Context header.
	ctxReg = x86.REG_R12
	// runnerReg R13: pointer to the Runner (halt clears running through it).
	runnerReg = x86.REG_R13
)

// runtimeBlobs are the per-program emitted helpers shared by every compiled
// function: the native->virtual return stub and the exit tail that restores
// the snapshot and hands control back to Go.
type runtimeBlobs struct {
	buf        mmap.MMap
	returnStub uintptr
	exitTail   uintptr
}

func (rt *runtimeBlobs) release() error {
	if rt.buf == nil {
		return nil
	}
	err := rt.buf.Unmap()
	rt.buf = nil
	return err
}

// Compile translates function index to native code. On success the function
// descriptor flips to native and its entry points into the fresh executable
// buffer; the bytecode is retained. On any error the function stays virtual.
func (p *Program) Compile(index int) error {
	fn := p.Function(index)
	if fn == nil {
		return fmt.Errorf("no function at index %d", index)
	}
	if fn.addr.native {
		return nil
	}
	if err := p.ensureRuntime(); err != nil {
		return err
	}

	// First pass: validate every encoding and every branch/call target, and
	// make sure each virtual callee has an entry stub to bake in.
	callees, err := p.scanFunction(fn)
	if err != nil {
		return fmt.Errorf("failed to compile function %d: %w", index, err)
	}
	for _, ci := range callees {
		if err := p.ensureStub(ci); err != nil {
			return err
		}
	}

	// Second pass: emit, with one anchor per bytecode index so branches
	// resolve through the assembler.
	c, err := newCompiler(p, fn)
	if err != nil {
		return err
	}
	for i, insn := range fn.code {
		c.add(c.anchors[i])
		c.emitInstruction(i, insn)
	}

	code := c.b.Assemble()
	buf, entry, err := allocExec(code)
	if err != nil {
		return fmt.Errorf("failed to compile function %d: %w", index, err)
	}
	fn.codeBuf = buf
	fn.addr = Address{native: true, entry: entry}
	return nil
}

// scanFunction validates fn's bytecode and returns the indexes of the
// virtual functions it calls.
func (p *Program) scanFunction(fn *Function) ([]int, error) {
	var callees []int
	for i, insn := range fn.code {
		op, ok := Decode(insn)
		if !ok {
			return nil, fmt.Errorf("invalid instruction 0x%04x at word %d", insn, i)
		}
		switch op {
		case OpJump:
			if t := i + int(signExtend(imm12(insn), 12)); t < 0 || t >= len(fn.code) {
				return nil, fmt.Errorf("invalid jump target %d at word %d", t, i)
			}
		case OpJumpz, OpJumpnz:
			if t := i + int(signExtend(imm9(insn), 9)); t < 0 || t >= len(fn.code) {
				return nil, fmt.Errorf("invalid jump target %d at word %d", t, i)
			}
		case OpCall:
			ci := int(imm12(insn))
			callee := p.Function(ci)
			if callee == nil {
				return nil, fmt.Errorf("invalid call target %d at word %d", ci, i)
			}
			if !callee.addr.native {
				callees = append(callees, ci)
			}
		}
	}
	// Emitted code has no dispatcher to fall back into, so control may not
	// run off the end of the buffer.
	if op, _ := Decode(fn.code[len(fn.code)-1]); op != OpReturn && op != OpHalt && op != OpJump {
		return nil, fmt.Errorf("control falls off the end of the function")
	}
	return callees, nil
}

// ensureRuntime emits the shared blobs once per program.
func (p *Program) ensureRuntime() error {
	if p.rt != nil {
		return nil
	}

	b, err := asm.NewBuilder("amd64", 128)
	if err != nil {
		return fmt.Errorf("failed to create assembly builder: %w", err)
	}
	c := &compiler{b: b}

	// Return stub: the outermost host ret of a native callee lands here
	// because the interpreter pushed this address under the callee.
	c.emitConstToReg(statusReturned, x86.REG_CX)
	c.emitRegToCtx(x86.REG_CX, ctxStatusOffset)

	// Exit tail (fallthrough): record the machine stack pointer into the
	// Context, then restore the snapshot and return to the Go call site.
	tail := c.anop()
	c.add(tail)
	c.emitExitTail()

	code := b.Assemble()
	buf, base, err := allocExec(code)
	if err != nil {
		return fmt.Errorf("failed to emit bridge blobs: %w", err)
	}
	p.rt = &runtimeBlobs{
		buf:        buf,
		returnStub: base,
		exitTail:   base + uintptr(tail.Pc),
	}
	return nil
}

// ensureStub emits the entry stub for function index. The stub is the
// uniform call target baked into callers compiled while the function is
// still virtual: it parks the native caller under the sentinel, points the
// program counter at the bytecode, and exits to the interpreter.
func (p *Program) ensureStub(index int) error {
	fn := p.funcs[index]
	if fn.stub != 0 {
		return nil
	}

	b, err := asm.NewBuilder("amd64", 128)
	if err != nil {
		return fmt.Errorf("failed to create assembly builder: %w", err)
	}
	c := &compiler{b: b}

	push := c.newProg()
	push.As = x86.APUSHQ
	push.From.Type = obj.TYPE_CONST
	push.From.Offset = int64(sentinel)
	c.add(push)

	c.emitConstToReg(int64(fn.codeAddr()), x86.REG_DX)
	c.emitRegToCtx(x86.REG_DX, ctxPCOffset)
	c.emitConstToReg(statusEnterVirtual, x86.REG_CX)
	c.emitRegToCtx(x86.REG_CX, ctxStatusOffset)
	c.emitJmpAddr(p.rt.exitTail)

	code := b.Assemble()
	buf, base, err := allocExec(code)
	if err != nil {
		return fmt.Errorf("failed to emit entry stub for function %d: %w", index, err)
	}
	fn.stubBuf = buf
	fn.stub = base
	return nil
}

type compiler struct {
	b       *asm.Builder
	prog    *Program
	fn      *Function
	anchors []*obj.Prog
}

func newCompiler(p *Program, fn *Function) (*compiler, error) {
	b, err := asm.NewBuilder("amd64", 1024)
	if err != nil {
		return nil, fmt.Errorf("failed to create assembly builder: %w", err)
	}
	c := &compiler{b: b, prog: p, fn: fn}
	// Allocate every anchor up front so forward branches can take their
	// target before it has been placed.
	c.anchors = make([]*obj.Prog, len(fn.code))
	for i := range c.anchors {
		c.anchors[i] = c.anop()
	}
	return c, nil
}

// emitInstruction emits the template for one bytecode word. The encodings
// were validated by the scan pass.
func (c *compiler) emitInstruction(i int, insn uint16) {
	op, _ := Decode(insn)
	switch op {
	case OpNoop:
	case OpMove:
		c.emitRegFromCtx(regSlot(srcReg(insn)), x86.REG_AX)
		c.emitRegToCtx(x86.REG_AX, regSlot(dstReg(insn)))
	case OpMemload:
		c.emitRegFromCtx(regSlot(srcReg(insn)), x86.REG_CX)
		c.emitMaskAddress(x86.REG_CX)
		c.emitRegFromCtx(ctxMemBaseOffset, x86.REG_DX)
		c.emitIndexedLoad(x86.REG_DX, x86.REG_CX, x86.REG_AX)
		c.emitRegToCtx(x86.REG_AX, regSlot(dstReg(insn)))
	case OpMemstore:
		c.emitRegFromCtx(regSlot(dstReg(insn)), x86.REG_CX)
		c.emitMaskAddress(x86.REG_CX)
		c.emitRegFromCtx(ctxMemBaseOffset, x86.REG_DX)
		c.emitRegFromCtx(regSlot(srcReg(insn)), x86.REG_AX)
		c.emitIndexedStore(x86.REG_AX, x86.REG_DX, x86.REG_CX)
	case OpReturn:
		ret := c.newProg()
		ret.As = obj.ARET
		c.add(ret)
	case OpAdd:
		c.emitBinop(insn, x86.AADDQ)
	case OpSub:
		c.emitBinop(insn, x86.ASUBQ)
	case OpMul, OpImul:
		// The low 64 bits of the product are the same either way.
		c.emitBinop(insn, x86.AIMULQ)
	case OpDiv:
		c.emitDivide(insn, false, false)
	case OpIdiv:
		c.emitDivide(insn, true, false)
	case OpRem:
		c.emitDivide(insn, false, true)
	case OpIrem:
		c.emitDivide(insn, true, true)
	case OpPrint:
		c.emitRegFromCtx(regSlot(insn&regMask), x86.REG_AX)
		c.emitRegToCtx(x86.REG_AX, ctxScratchOffset)
		c.emitConstToReg(statusPrint, x86.REG_CX)
		c.emitRegToCtx(x86.REG_CX, ctxStatusOffset)
		// A call, not a jump: the pushed return address is where
		// nativeresume continues after the interpreter has printed.
		c.emitConstToReg(int64(c.prog.rt.exitTail), x86.REG_DX)
		call := c.newProg()
		call.As = obj.ACALL
		call.To.Type = obj.TYPE_REG
		call.To.Reg = x86.REG_DX
		c.add(call)
	case OpHalt:
		// Clear running through the runner register, then unwind every
		// outstanding native frame through the exit tail.
		clr := c.newProg()
		clr.As = x86.AMOVL
		clr.From.Type = obj.TYPE_CONST
		clr.From.Offset = 0
		clr.To.Type = obj.TYPE_MEM
		clr.To.Reg = runnerReg
		clr.To.Offset = runnerRunningOffset
		c.add(clr)
		c.emitConstToReg(statusHalted, x86.REG_CX)
		c.emitRegToCtx(x86.REG_CX, ctxStatusOffset)
		c.emitJmpAddr(c.prog.rt.exitTail)
	case OpLoad:
		c.emitConstToReg(int64(imm9(insn)), x86.REG_AX)
		c.emitRegToCtx(x86.REG_AX, regSlot(dstReg(insn)))
	case OpIload:
		c.emitConstToReg(signExtend(imm9(insn), 9), x86.REG_AX)
		c.emitRegToCtx(x86.REG_AX, regSlot(dstReg(insn)))
	case OpJump:
		jmp := c.newProg()
		jmp.As = obj.AJMP
		jmp.To.Type = obj.TYPE_BRANCH
		jmp.To.SetTarget(c.anchors[i+int(signExtend(imm12(insn), 12))])
		c.add(jmp)
	case OpJumpz:
		c.emitCondBranch(insn, i, x86.AJEQ)
	case OpJumpnz:
		c.emitCondBranch(insn, i, x86.AJNE)
	case OpCall:
		callee := c.prog.funcs[imm12(insn)]
		target := callee.addr.entry
		if !callee.addr.native {
			target = callee.stub
		}
		c.emitConstToReg(int64(target), x86.REG_DX)
		call := c.newProg()
		call.As = obj.ACALL
		call.To.Type = obj.TYPE_REG
		call.To.Reg = x86.REG_DX
		c.add(call)
	}
}

// emitBinop loads both operand registers, applies as, and stores the result.
func (c *compiler) emitBinop(insn uint16, as obj.As) {
	c.emitRegFromCtx(regSlot(dstReg(insn)), x86.REG_AX)
	c.emitRegFromCtx(regSlot(srcReg(insn)), x86.REG_CX)
	p := c.newProg()
	p.As = as
	p.From.Type = obj.TYPE_REG
	p.From.Reg = x86.REG_CX
	p.To.Type = obj.TYPE_REG
	p.To.Reg = x86.REG_AX
	c.add(p)
	c.emitRegToCtx(x86.REG_AX, regSlot(dstReg(insn)))
}

// emitDivide emits div/idiv/rem/irem with the zero guard and, for the
// signed forms, the divisor == -1 path that keeps MinInt64 wrapping the way
// the interpreter (and Go) evaluate it instead of raising #DE.
func (c *compiler) emitDivide(insn uint16, signed, remainder bool) {
	trap := c.anop()
	done := c.anop()

	c.emitRegFromCtx(regSlot(dstReg(insn)), x86.REG_AX)
	c.emitRegFromCtx(regSlot(srcReg(insn)), x86.REG_CX)

	tst := c.newProg()
	tst.As = x86.ATESTQ
	tst.From.Type = obj.TYPE_REG
	tst.From.Reg = x86.REG_CX
	tst.To.Type = obj.TYPE_REG
	tst.To.Reg = x86.REG_CX
	c.add(tst)
	jz := c.newProg()
	jz.As = x86.AJEQ
	jz.To.Type = obj.TYPE_BRANCH
	jz.To.SetTarget(trap)
	c.add(jz)

	if signed {
		divide := c.anop()
		cmp := c.newProg()
		cmp.As = x86.ACMPQ
		cmp.From.Type = obj.TYPE_REG
		cmp.From.Reg = x86.REG_CX
		cmp.To.Type = obj.TYPE_CONST
		cmp.To.Offset = -1
		c.add(cmp)
		jne := c.newProg()
		jne.As = x86.AJNE
		jne.To.Type = obj.TYPE_BRANCH
		jne.To.SetTarget(divide)
		c.add(jne)
		if remainder {
			// x % -1 is always zero.
			zero := c.newProg()
			zero.As = x86.AXORQ
			zero.From.Type = obj.TYPE_REG
			zero.From.Reg = x86.REG_AX
			zero.To.Type = obj.TYPE_REG
			zero.To.Reg = x86.REG_AX
			c.add(zero)
		} else {
			// x / -1 is -x, and MinInt64 negates onto itself.
			neg := c.newProg()
			neg.As = x86.ANEGQ
			neg.To.Type = obj.TYPE_REG
			neg.To.Reg = x86.REG_AX
			c.add(neg)
		}
		skip := c.newProg()
		skip.As = obj.AJMP
		skip.To.Type = obj.TYPE_BRANCH
		skip.To.SetTarget(done)
		c.add(skip)

		c.add(divide)
		cqo := c.newProg()
		cqo.As = x86.ACQO
		c.add(cqo)
	} else {
		clr := c.newProg()
		clr.As = x86.AXORQ
		clr.From.Type = obj.TYPE_REG
		clr.From.Reg = x86.REG_DX
		clr.To.Type = obj.TYPE_REG
		clr.To.Reg = x86.REG_DX
		c.add(clr)
	}

	div := c.newProg()
	if signed {
		div.As = x86.AIDIVQ
	} else {
		div.As = x86.ADIVQ
	}
	div.From.Type = obj.TYPE_REG
	div.From.Reg = x86.REG_CX
	c.add(div)
	if remainder {
		mov := c.newProg()
		mov.As = x86.AMOVQ
		mov.From.Type = obj.TYPE_REG
		mov.From.Reg = x86.REG_DX
		mov.To.Type = obj.TYPE_REG
		mov.To.Reg = x86.REG_AX
		c.add(mov)
	}

	c.add(done)
	c.emitRegToCtx(x86.REG_AX, regSlot(dstReg(insn)))

	after := c.newProg()
	after.As = obj.AJMP
	after.To.Type = obj.TYPE_BRANCH
	c.add(after)

	// Trap path: stash the offending word and exit with the diagnostic
	// status; the interpreter side reports and stops the runner.
	c.add(trap)
	c.emitConstToReg(int64(insn), x86.REG_CX)
	c.emitRegToCtx(x86.REG_CX, ctxScratchOffset)
	c.emitConstToReg(statusDivideByZero, x86.REG_CX)
	c.emitRegToCtx(x86.REG_CX, ctxStatusOffset)
	c.emitJmpAddr(c.prog.rt.exitTail)

	end := c.anop()
	c.add(end)
	after.To.SetTarget(end)
}

// emitCondBranch tests the condition register and branches on as.
func (c *compiler) emitCondBranch(insn uint16, i int, as obj.As) {
	c.emitRegFromCtx(regSlot(insn&regMask), x86.REG_AX)
	tst := c.newProg()
	tst.As = x86.ATESTQ
	tst.From.Type = obj.TYPE_REG
	tst.From.Reg = x86.REG_AX
	tst.To.Type = obj.TYPE_REG
	tst.To.Reg = x86.REG_AX
	c.add(tst)
	jcc := c.newProg()
	jcc.As = as
	jcc.To.Type = obj.TYPE_BRANCH
	jcc.To.SetTarget(c.anchors[i+int(signExtend(imm9(insn), 9))])
	c.add(jcc)
}

// emitExitTail records the machine stack pointer into the Context, restores
// the snapshot and returns to the Go call site of the last trampoline.
func (c *compiler) emitExitTail() {
	c.emitRegToCtx(x86.REG_SP, ctxVSPOffset)

	// AX keeps the runner base while R13 itself is being restored.
	mov := c.newProg()
	mov.As = x86.AMOVQ
	mov.From.Type = obj.TYPE_REG
	mov.From.Reg = runnerReg
	mov.To.Type = obj.TYPE_REG
	mov.To.Reg = x86.REG_AX
	c.add(mov)

	spSlot := -1
	for i, reg := range snapshotRegOrder {
		if reg == x86.REG_SP {
			spSlot = i
			continue
		}
		c.emitLoad(x86.REG_AX, int64(i)*8, reg)
	}
	// SP last, so the stack-top writes below land on the restored stack.
	c.emitLoad(x86.REG_AX, int64(spSlot)*8, x86.REG_SP)
	for i := 0; i < snapshotStackSlots; i++ {
		c.emitLoad(x86.REG_AX, int64(snapshotRegSlots+i)*8, x86.REG_CX)
		st := c.newProg()
		st.As = x86.AMOVQ
		st.From.Type = obj.TYPE_REG
		st.From.Reg = x86.REG_CX
		st.To.Type = obj.TYPE_MEM
		st.To.Reg = x86.REG_SP
		st.To.Offset = int64(i) * 8
		c.add(st)
	}
	ret := c.newProg()
	ret.As = obj.ARET
	c.add(ret)
}

// Low-level emission helpers.

func (c *compiler) newProg() *obj.Prog {
	return c.b.NewProg()
}

func (c *compiler) add(p *obj.Prog) {
	c.b.AddInstruction(p)
}

func (c *compiler) anop() *obj.Prog {
	p := c.b.NewProg()
	p.As = obj.ANOP
	return p
}

// regSlot is the Context byte offset of virtual register r.
func regSlot(r uint16) int64 {
	return ctxRegsOffset + int64(r)*8
}

// emitRegFromCtx loads the 8-byte Context field at off into reg.
func (c *compiler) emitRegFromCtx(off int64, reg int16) {
	c.emitLoad(ctxReg, off, reg)
}

// emitRegToCtx stores reg into the 8-byte Context field at off.
func (c *compiler) emitRegToCtx(reg int16, off int64) {
	p := c.newProg()
	p.As = x86.AMOVQ
	p.From.Type = obj.TYPE_REG
	p.From.Reg = reg
	p.To.Type = obj.TYPE_MEM
	p.To.Reg = ctxReg
	p.To.Offset = off
	c.add(p)
}

func (c *compiler) emitLoad(base int16, off int64, dst int16) {
	p := c.newProg()
	p.As = x86.AMOVQ
	p.From.Type = obj.TYPE_MEM
	p.From.Reg = base
	p.From.Offset = off
	p.To.Type = obj.TYPE_REG
	p.To.Reg = dst
	c.add(p)
}

func (c *compiler) emitConstToReg(v int64, reg int16) {
	p := c.newProg()
	p.As = x86.AMOVQ
	p.From.Type = obj.TYPE_CONST
	p.From.Offset = v
	p.To.Type = obj.TYPE_REG
	p.To.Reg = reg
	c.add(p)
}

// emitMaskAddress wraps a memory address to the 16-bit space, exactly like
// the interpreter's mask.
func (c *compiler) emitMaskAddress(reg int16) {
	p := c.newProg()
	p.As = x86.AANDQ
	p.From.Type = obj.TYPE_CONST
	p.From.Offset = addressMask
	p.To.Type = obj.TYPE_REG
	p.To.Reg = reg
	c.add(p)
}

// emitIndexedLoad emits dst = *(base + index).
func (c *compiler) emitIndexedLoad(base, index, dst int16) {
	p := c.newProg()
	p.As = x86.AMOVQ
	p.From.Type = obj.TYPE_MEM
	p.From.Reg = base
	p.From.Index = index
	p.From.Scale = 1
	p.To.Type = obj.TYPE_REG
	p.To.Reg = dst
	c.add(p)
}

// emitIndexedStore emits *(base + index) = src.
func (c *compiler) emitIndexedStore(src, base, index int16) {
	p := c.newProg()
	p.As = x86.AMOVQ
	p.From.Type = obj.TYPE_REG
	p.From.Reg = src
	p.To.Type = obj.TYPE_MEM
	p.To.Reg = base
	p.To.Index = index
	p.To.Scale = 1
	c.add(p)
}

// emitJmpAddr jumps to an absolute address through DX.
func (c *compiler) emitJmpAddr(addr uintptr) {
	c.emitConstToReg(int64(addr), x86.REG_DX)
	p := c.newProg()
	p.As = obj.AJMP
	p.To.Type = obj.TYPE_REG
	p.To.Reg = x86.REG_DX
	c.add(p)
}
