//go:build linux

package jit

import (
	"testing"

	"github.com/ascrivener/a64jit/pkg/decoder"

	"golang.org/x/arch/x86/x86asm"
)

func TestEmitUpdateSequence(t *testing.T) {
	regs, err := NewRegisterFile()
	if err != nil {
		t.Fatalf("NewRegisterFile failed: %v", err)
	}
	defer regs.Close()

	b := NewBuilder()
	alloc := NewAllocator()
	alloc.Reserve(RAX)
	if err := NewFlagUnit(regs).EmitUpdate(b, alloc, CarryFromSub); err != nil {
		t.Fatalf("EmitUpdate failed: %v", err)
	}
	code, err := b.Assemble()
	if err != nil {
		t.Fatalf("Assemble failed: %v", err)
	}
	insts := decodeAll(t, code)
	want := []x86asm.Op{x86asm.LAHF, x86asm.SETO, x86asm.MOVZX}
	for i, op := range want {
		if insts[i].Op != op {
			t.Errorf("instruction %d = %v, want %v", i, insts[i].Op, op)
		}
	}
	last := insts[len(insts)-1]
	if _, ok := last.Args[0].(x86asm.Mem); last.Op != x86asm.MOV || !ok {
		t.Errorf("last instruction = %v, want a store to the flag cell", last)
	}

	// Scratch registers are released again; only the reservation stays.
	for _, r := range scratchPool[1:] {
		if alloc.InUse(r) {
			t.Errorf("%v still claimed after EmitUpdate", r)
		}
	}
}

func TestEmitBranchIfUsesTableForOrderedConditions(t *testing.T) {
	regs, err := NewRegisterFile()
	if err != nil {
		t.Fatalf("NewRegisterFile failed: %v", err)
	}
	defer regs.Close()
	flags := NewFlagUnit(regs)

	tests := []struct {
		cond   decoder.Condition
		usesBt bool
		branch x86asm.Op
	}{
		{decoder.EQ, false, x86asm.JNE},
		{decoder.NE, false, x86asm.JE},
		{decoder.GT, true, x86asm.JB},
		{decoder.AL, false, x86asm.JMP},
	}
	for _, tt := range tests {
		t.Run(tt.cond.String(), func(t *testing.T) {
			b := NewBuilder()
			target := b.CreateLabel()
			if err := flags.EmitBranchIf(b, NewAllocator(), tt.cond, target); err != nil {
				t.Fatalf("EmitBranchIf failed: %v", err)
			}
			b.AddWithLabel(Ret(), target)
			code, err := b.Assemble()
			if err != nil {
				t.Fatalf("Assemble failed: %v", err)
			}
			insts := decodeAll(t, code)
			usesBt := false
			for _, inst := range insts {
				if inst.Op == x86asm.BT {
					usesBt = true
				}
			}
			if usesBt != tt.usesBt {
				t.Errorf("uses bt = %v, want %v", usesBt, tt.usesBt)
			}
			if got := insts[len(insts)-2].Op; got != tt.branch {
				t.Errorf("branch = %v, want %v", got, tt.branch)
			}
		})
	}
}
