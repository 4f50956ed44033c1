package jitvm

// snapshotStackSlots is the number of host stack slots (32 bytes) captured
// alongside the callee-saved registers. They include the return address that
// leads back out of the trampoline call site, which is what lets halt unwind
// an arbitrary native depth with a single restore.
const snapshotStackSlots = 4

// Snapshot records the host callee-saved register set and the top of the
// host stack at the moment execution last entered the virtual runtime. It is
// written by the bridge trampolines and consumed by the emitted exit paths.
type Snapshot struct {
	regs     [snapshotRegSlots]uintptr
	stackTop [snapshotStackSlots]uintptr
}

// Runner drives one Context. The leading fields are read and written by
// emitted code through its reserved runner register (halt clears running
// directly), so their layout is fixed and pinned by offsets_amd64_test.go.
type Runner struct {
	snapshot Snapshot
	ctx      *Context
	running  uint32
}

// NewRunner binds a runner to a context. The runner keeps the reference for
// its whole lifetime; every Run drives that same context.
func NewRunner(ctx *Context) *Runner {
	return &Runner{ctx: ctx}
}

// Running reports whether a program is currently executing.
func (r *Runner) Running() bool { return r.running != 0 }

// Run executes the context's program until it halts, returns from the entry
// function, or fails with a diagnostic. A halted runner can be reused by
// re-arming the context with EnterFunction and calling Run again.
func (r *Runner) Run() {
	snapshot(r)
	r.running = 1
	for r.running != 0 {
		r.ctx.step(r)
	}
}
