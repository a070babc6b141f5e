package jit

import (
	"fmt"

	"golang.org/x/arch/x86/x86asm"
)

// Disassemble renders host code in GNU syntax, one line per instruction,
// prefixed with its address assuming the code starts at base. Bytes that
// do not decode are shown as a .byte directive and skipped.
func Disassemble(code []byte, base uint64) []string {
	var lines []string
	for off := 0; off < len(code); {
		pc := base + uint64(off)
		inst, err := x86asm.Decode(code[off:], 64)
		if err != nil || inst.Len == 0 {
			lines = append(lines, fmt.Sprintf("%#x: .byte %#02x", pc, code[off]))
			off++
			continue
		}
		lines = append(lines, fmt.Sprintf("%#x: %s", pc, x86asm.GNUSyntax(inst, pc, nil)))
		off += inst.Len
	}
	return lines
}
