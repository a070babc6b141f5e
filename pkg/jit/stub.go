//go:build !linux || !amd64

package jit

// Translated code only runs on linux/amd64. Elsewhere the package still
// builds, so blocks can be assembled and disassembled, but NewContext refuses.
const hostSupported = false

func callBlock(entry uintptr) (exit uint64, param uint64) {
	return uint64(ExitHalt), 0
}
