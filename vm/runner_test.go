package jitvm

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRunnerReuseAfterHalt(t *testing.T) {
	prog := buildBodies(t, []uint16{
		Load(0, 1), Add(1, 0), Print(1), Halt(),
	})
	ctx, err := NewContext(prog)
	require.NoError(t, err)
	t.Cleanup(func() { ctx.Close() })

	var stdout bytes.Buffer
	ctx.SetOutput(&stdout)

	r := NewRunner(ctx)
	for i := 0; i < 3; i++ {
		// Re-arming with a fresh pc is all a halted runner needs.
		require.NoError(t, ctx.EnterFunction(0))
		r.Run()
		require.False(t, r.Running())
	}
	require.Equal(t, "1\n2\n3\n", stdout.String())
}

func TestRunnerStopsOnDiagnostic(t *testing.T) {
	prog := buildBodies(t, []uint16{0x0f00})
	ctx, err := NewContext(prog)
	require.NoError(t, err)
	t.Cleanup(func() { ctx.Close() })

	var stderr bytes.Buffer
	ctx.SetErrorOutput(&stderr)
	require.NoError(t, ctx.EnterFunction(0))

	r := NewRunner(ctx)
	r.Run()
	require.False(t, r.Running())
	require.Equal(t, "Invalid instruction: 0x0f00\n", stderr.String())
}

func TestEnterFunctionRange(t *testing.T) {
	prog := buildBodies(t, []uint16{Return()})
	ctx, err := NewContext(prog)
	require.NoError(t, err)
	t.Cleanup(func() { ctx.Close() })
	require.Error(t, ctx.EnterFunction(1))
	require.Error(t, ctx.EnterFunction(-1))
}
