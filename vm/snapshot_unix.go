//go:build !windows

package jitvm

import "github.com/twitchyliquid64/golang-asm/obj/x86"

// SysV-style hosts preserve seven registers across calls.
const snapshotRegSlots = 7

// Snapshot slot order as written by the trampolines. The emitted exit tail
// restores the same slots, so the two lists must stay in sync.
var snapshotRegOrder = [snapshotRegSlots]int16{
	x86.REG_BX,
	x86.REG_SP,
	x86.REG_BP,
	x86.REG_R12,
	x86.REG_R13,
	x86.REG_R14,
	x86.REG_R15,
}

// Runner field offsets as seen from emitted code (halt clears running
// through runnerRunningOffset); offsets_amd64_test.go pins them.
const (
	runnerCtxOffset     = (snapshotRegSlots + snapshotStackSlots) * 8
	runnerRunningOffset = runnerCtxOffset + 8
)
