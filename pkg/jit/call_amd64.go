//go:build linux && amd64

package jit

import (
	"github.com/ascrivener/a64jit/pkg/jit/asm"
)

const hostSupported = true

// callBlock runs the block at entry through the assembly trampoline.
// Returns: exit kind (RAX), parameter (RDX)
func callBlock(entry uintptr) (exit uint64, param uint64) {
	return asm.CallBlock(entry)
}
