//go:build linux

package jit

import (
	"testing"

	"github.com/ascrivener/a64jit/pkg/errors"
)

func TestBuilderFinalizeOnce(t *testing.T) {
	mem := NewExecutableMemory()
	defer mem.Free()

	b := NewBuilder()
	b.Add(Ret())
	region, err := b.Finalize(mem)
	if err != nil {
		t.Fatalf("Finalize failed: %v", err)
	}
	if region.Size != 1 || region.Bytes()[0] != 0xC3 {
		t.Errorf("region holds % x, want c3", region.Bytes())
	}
	if mem.Used() != 1 || mem.Mapped() == 0 {
		t.Errorf("Used() = %d, Mapped() = %d", mem.Used(), mem.Mapped())
	}
	if _, err := b.Finalize(mem); !errors.IsKind(err, errors.KindEncoding) {
		t.Errorf("second Finalize: got %v, want an encoding error", err)
	}
}

func TestBuilderFailedFinalizeAllocatesNothing(t *testing.T) {
	mem := NewExecutableMemory()
	defer mem.Free()

	b := NewBuilder()
	b.AddBranch(Always, b.CreateLabel())
	if _, err := b.Finalize(mem); err == nil {
		t.Fatal("Finalize succeeded with an unbound label")
	}
	if mem.Mapped() != 0 {
		t.Errorf("Mapped() = %d after a failed finalize, want 0", mem.Mapped())
	}
}
