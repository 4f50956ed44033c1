//go:build amd64

package jitvm

const jitSupported = true

// The three trampolines below are the only places where control crosses
// between the Go world and emitted code. Each one refreshes the snapshot
// before the crossing, so the emitted exit paths always restore to the most
// recent Go-side call site. Between a crossing and the next exit no Go code
// runs on this goroutine, so the captured stack pointer cannot go stale even
// though Go is free to move goroutine stacks between crossings.

// snapshot captures the host callee-saved registers, the stack pointer and
// the top 32 bytes of the host stack into r.snapshot.
//
//go:noescape
func snapshot(r *Runner)

// nativecall installs the reserved registers (R12 = ctx, R13 = r), switches
// the machine stack to the virtual call stack, and jumps to entry.
//
//go:noescape
func nativecall(r *Runner, ctx *Context, entry uintptr)

// nativeresume switches to the virtual call stack and returns through the
// native return address on top of it, resuming a suspended native frame.
//
//go:noescape
func nativeresume(r *Runner, ctx *Context)
