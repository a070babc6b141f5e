package jit

import (
	"testing"

	"github.com/ascrivener/a64jit/pkg/errors"
)

func TestAllocatorExhaustion(t *testing.T) {
	alloc := NewAllocator()
	seen := make(map[Reg]bool)
	for i := 0; i < ScratchPoolSize; i++ {
		r, err := alloc.GetFree()
		if err != nil {
			t.Fatalf("GetFree #%d failed: %v", i, err)
		}
		if seen[r] {
			t.Fatalf("GetFree returned %v twice", r)
		}
		seen[r] = true
	}

	_, err := alloc.GetFree()
	if err == nil {
		t.Fatal("GetFree succeeded with an exhausted pool")
	}
	if !errors.IsKind(err, errors.KindResourceExhaustion) {
		t.Errorf("error kind: got %v, want resource exhaustion", err)
	}
}

func TestAllocatorReserve(t *testing.T) {
	alloc := NewAllocator()
	alloc.Reserve(RAX)
	alloc.Reserve(RDX)

	for {
		r, err := alloc.GetFree()
		if err != nil {
			break
		}
		if r == RAX || r == RDX {
			t.Fatalf("GetFree returned reserved register %v", r)
		}
	}
}

func TestAllocatorNarrowViewsCollide(t *testing.T) {
	alloc := NewAllocator()
	alloc.Reserve(EAX)
	if !alloc.InUse(RAX) || !alloc.InUse(AL) {
		t.Fatal("reserving eax did not block rax/al")
	}

	r, err := alloc.GetFree()
	if err != nil {
		t.Fatalf("GetFree failed: %v", err)
	}
	if r.Full() == RAX {
		t.Errorf("GetFree returned %v after eax was reserved", r)
	}

	alloc.Release(AX)
	if alloc.InUse(RAX) {
		t.Error("releasing ax did not free rax")
	}
}

func TestAllocatorNeverHandsOutCalleeSaved(t *testing.T) {
	alloc := NewAllocator()
	regs, err := alloc.GetFreeN(ScratchPoolSize)
	if err != nil {
		t.Fatalf("GetFreeN failed: %v", err)
	}
	for _, r := range regs {
		switch r {
		case RBX, RSP, RBP, R12, R13, R14, R15:
			t.Errorf("GetFree returned callee-saved register %v", r)
		}
	}
}
