//go:build amd64

package jitvm

import (
	"bytes"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

// buildCompiled builds a program and compiles the given functions (all of
// them when none are named).
func buildCompiled(t *testing.T, bodies [][]uint16, indexes ...int) *Program {
	t.Helper()
	prog, err := NewProgram(bodies...)
	require.NoError(t, err)
	t.Cleanup(func() { prog.Close() })
	if len(indexes) == 0 {
		require.NoError(t, prog.CompileAll())
	} else {
		for _, i := range indexes {
			require.NoError(t, prog.Compile(i))
		}
	}
	return prog
}

// runBoth executes the same bodies interpreted and fully compiled, requiring
// identical printed output and final register files.
func runBoth(t *testing.T, bodies ...[]uint16) (*Context, string) {
	t.Helper()
	interpCtx, interpOut, interpErr := runProgram(t, buildBodies(t, bodies...))
	jitCtx, jitOut, jitErr := runProgram(t, buildCompiled(t, bodies))

	require.Equal(t, interpOut, jitOut)
	require.Equal(t, interpErr, jitErr)
	for r := 0; r < NumRegisters; r++ {
		require.Equal(t, interpCtx.Register(r), jitCtx.Register(r), "register %d", r)
	}
	return jitCtx, jitOut
}

func TestCompiledAnswer(t *testing.T) {
	bodies, err := AssembleSource(answerSource)
	require.NoError(t, err)
	prog := buildCompiled(t, bodies)
	require.True(t, prog.Function(1).Addr().Native())

	ctx, err := NewContext(prog)
	require.NoError(t, err)
	t.Cleanup(func() { ctx.Close() })
	var stdout bytes.Buffer
	ctx.SetOutput(&stdout)
	require.NoError(t, ctx.EnterFunction(0))
	NewRunner(ctx).Run()
	require.Equal(t, "-42\n", stdout.String())
}

func TestCompiledArithmetic(t *testing.T) {
	for _, tc := range []struct {
		name string
		body []uint16
		want uint64
	}{
		{"add", []uint16{Load(0, 3), Load(1, 5), Add(0, 1), Return()}, 8},
		{"sub", []uint16{Load(0, 3), Load(1, 5), Sub(0, 1), Return()}, asUint64(-2)},
		{"mul", []uint16{Load(0, 6), Load(1, 7), Mul(0, 1), Return()}, 42},
		{"imul", []uint16{Iload(0, -6), Iload(1, 7), Imul(0, 1), Return()}, asUint64(-42)},
		{"div", []uint16{Load(0, 15), Load(1, 5), Div(0, 1), Return()}, 3},
		{"idiv", []uint16{Iload(0, 15), Iload(1, -5), Idiv(0, 1), Return()}, asUint64(-3)},
		{"rem", []uint16{Load(0, 17), Load(1, 5), Rem(0, 1), Return()}, 2},
		{"irem", []uint16{Iload(0, -17), Iload(1, 5), Irem(0, 1), Return()}, asUint64(-2)},
		{"move", []uint16{Load(0, 9), Move(1, 0), Add(0, 1), Return()}, 18},
		{"noop", []uint16{Noop(), Load(0, 4), Noop(), Return()}, 4},
	} {
		t.Run(tc.name, func(t *testing.T) {
			// Route through a virtual entry so the arithmetic runs natively.
			ctx, _ := runBoth(t, []uint16{Call(1), Return()}, tc.body)
			require.Equal(t, tc.want, ctx.Register(0))
		})
	}
}

func TestCompiledBranches(t *testing.T) {
	// Countdown with a backward jumpnz and a forward jump over a halt.
	_, out := runBoth(t,
		[]uint16{Call(1), Return()},
		[]uint16{
			Load(0, 5),
			Load(1, 1),
			Sub(0, 1),   // 2: loop head
			Print(0),    // 3
			Jumpnz(0, -2), // 4
			Jump(2),     // 5: skip the halt
			Halt(),      // 6
			Return(),    // 7
		},
	)
	require.Equal(t, "4\n3\n2\n1\n0\n", out)
}

func TestCompiledJumpz(t *testing.T) {
	ctx, _ := runBoth(t,
		[]uint16{Call(1), Return()},
		[]uint16{
			Load(0, 0),
			Jumpz(0, 2),
			Halt(),
			Load(1, 5),
			Return(),
		},
	)
	require.Equal(t, uint64(5), ctx.Register(1))
}

func TestCompiledMemory(t *testing.T) {
	// Store and load through an address above 16 bits; both accesses wrap.
	ctx, _ := runBoth(t,
		[]uint16{Call(1), Return()},
		[]uint16{
			Load(0, 0x1f0),
			Load(1, 0x1f0),
			Mul(0, 1),     // r0 = 0x3c100, masked to 0xc100 on access
			Iload(2, -9),
			Memstore(0, 2),
			Memload(3, 0),
			Return(),
		},
	)
	require.Equal(t, asUint64(-9), ctx.Register(3))
}

func TestCompiledDivideByZero(t *testing.T) {
	for _, op := range []uint16{Div(0, 1), Idiv(0, 1), Rem(0, 1), Irem(0, 1)} {
		bodies := [][]uint16{
			{Call(1), Return()},
			{Load(0, 1), Load(1, 0), op, Return()},
		}
		prog := buildCompiled(t, bodies)
		ctx, err := NewContext(prog)
		require.NoError(t, err)
		t.Cleanup(func() { ctx.Close() })
		var stderr bytes.Buffer
		ctx.SetErrorOutput(&stderr)
		require.NoError(t, ctx.EnterFunction(0))
		r := NewRunner(ctx)
		r.Run()
		require.False(t, r.Running())
		require.Equal(t, fmt.Sprintf("Division by zero: 0x%04x\n", op), stderr.String())
	}
}

func TestCompiledSignedDivisionOverflow(t *testing.T) {
	minInt := uint64(1) << 63
	for _, tc := range []struct {
		op   uint16
		want uint64
	}{
		{Idiv(0, 1), minInt},
		{Irem(0, 1), 0},
	} {
		prog := buildCompiled(t, [][]uint16{
			{Call(1), Return()},
			{Iload(1, -1), tc.op, Return()},
		})
		ctx, err := NewContext(prog)
		require.NoError(t, err)
		t.Cleanup(func() { ctx.Close() })
		ctx.SetRegister(0, minInt)
		require.NoError(t, ctx.EnterFunction(0))
		NewRunner(ctx).Run()
		require.Equal(t, tc.want, ctx.Register(0))
	}
}

func TestMixedVirtualNativeCalls(t *testing.T) {
	// main (virtual) -> f1 (native) -> f2 (virtual) -> f3 (native); every
	// crossing direction is exercised and the stack balances out.
	bodies := [][]uint16{
		{Load(0, 1), Call(1), Return()},
		{Load(1, 2), Add(0, 1), Call(2), Return()},
		{Load(2, 4), Add(0, 2), Call(3), Return()},
		{Load(3, 8), Add(0, 3), Print(0), Return()},
	}
	prog := buildCompiled(t, bodies, 1, 3)
	require.True(t, prog.Function(1).Addr().Native())
	require.False(t, prog.Function(2).Addr().Native())

	ctx, err := NewContext(prog)
	require.NoError(t, err)
	t.Cleanup(func() { ctx.Close() })
	var stdout bytes.Buffer
	ctx.SetOutput(&stdout)
	require.NoError(t, ctx.EnterFunction(0))
	NewRunner(ctx).Run()
	require.Equal(t, "15\n", stdout.String())
	require.Equal(t, uint64(15), ctx.Register(0))
	require.Zero(t, ctx.depth())
}

func TestCompiledCalleeThroughStub(t *testing.T) {
	// f1 is compiled while f2 is still virtual, so f1 calls f2's entry stub
	// and execution re-enters the interpreter mid-native-frame.
	bodies := [][]uint16{
		{Call(1), Return()},
		{Load(0, 10), Call(2), Print(0), Return()},
		{Load(1, 3), Add(0, 1), Return()},
	}
	prog := buildCompiled(t, bodies, 1)
	ctx, err := NewContext(prog)
	require.NoError(t, err)
	t.Cleanup(func() { ctx.Close() })
	var stdout bytes.Buffer
	ctx.SetOutput(&stdout)
	require.NoError(t, ctx.EnterFunction(0))
	NewRunner(ctx).Run()
	require.Equal(t, "13\n", stdout.String())
}

func TestHaltFromNativeDepth(t *testing.T) {
	// halt two native frames deep unwinds straight back to Run's caller.
	bodies := [][]uint16{
		{Call(1), Print(0), Return()}, // the print must never run
		{Load(0, 1), Call(2), Return()},
		{Print(0), Halt()},
	}
	// f2 first, so f1 bakes f2's native entry and the halt really fires
	// from two native frames down.
	prog := buildCompiled(t, bodies, 2, 1)
	ctx, err := NewContext(prog)
	require.NoError(t, err)
	t.Cleanup(func() { ctx.Close() })
	var stdout bytes.Buffer
	ctx.SetOutput(&stdout)
	require.NoError(t, ctx.EnterFunction(0))
	r := NewRunner(ctx)
	r.Run()
	require.False(t, r.Running())
	require.Equal(t, "1\n", stdout.String())
}

func TestCompiledRecursion(t *testing.T) {
	// f1 calls itself through its own stub; the countdown crosses the
	// bridge on every level.
	bodies := [][]uint16{
		{Load(0, 5), Load(1, 1), Call(1), Return()},
		{
			Jumpz(0, 4),
			Print(0),
			Sub(0, 1),
			Call(1),
			Return(),
		},
	}
	_, out := runBoth(t, bodies...)
	require.Equal(t, "5\n4\n3\n2\n1\n", out)
}

func TestCompileErrors(t *testing.T) {
	for name, body := range map[string][]uint16{
		"invalid instruction": {0x3000, Return()},
		"invalid small":       {0x0f00, Return()},
		"jump out of range":   {Jump(5), Return()},
		"jump before start":   {Jump(-3), Return()},
		"call out of range":   {Call(5), Return()},
		"falls off the end":   {Load(0, 1)},
	} {
		prog, err := NewProgram(body)
		require.NoError(t, err)
		t.Cleanup(func() { prog.Close() })
		require.Error(t, prog.Compile(0), name)
		require.False(t, prog.Function(0).Addr().Native(), name)
	}
}

func TestCompileMonotonic(t *testing.T) {
	prog := buildCompiled(t, [][]uint16{{Return()}})
	fn := prog.Function(0)
	require.True(t, fn.Addr().Native())
	entry := fn.Addr()

	// Compiling again is a no-op, never a downgrade.
	require.NoError(t, prog.Compile(0))
	require.Equal(t, entry, fn.Addr())
}

func TestCompileBadIndex(t *testing.T) {
	prog := buildBodies(t, []uint16{Return()})
	require.Error(t, prog.Compile(3))
}
