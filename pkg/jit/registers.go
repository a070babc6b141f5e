package jit

import (
	"github.com/ascrivener/a64jit/pkg/errors"
)

// scratchPool lists the caller-saved registers generated code may clobber,
// in allocation order. RBX, RBP and R12-R15 are never handed out, so a block
// leaves the frame pointer and the runtime's g register intact.
var scratchPool = [...]Reg{RAX, RCX, RDX, RSI, RDI, R8, R9, R10, R11}

// ScratchPoolSize is the number of registers one instruction may hold live.
const ScratchPoolSize = len(scratchPool)

// Allocator tracks the host registers claimed while one guest instruction
// is emitted. A fresh Allocator is used per instruction; there is no spilling.
type Allocator struct {
	used uint16
}

// NewAllocator returns an allocator with every scratch register free
func NewAllocator() *Allocator {
	return &Allocator{}
}

// Reserve marks r (any width view) unavailable for the rest of the emission
func (a *Allocator) Reserve(r Reg) {
	a.used |= 1 << r.Num()
}

// Release returns r to the pool
func (a *Allocator) Release(r Reg) {
	a.used &^= 1 << r.Num()
}

// InUse reports whether any view of r is claimed
func (a *Allocator) InUse(r Reg) bool {
	return a.used&(1<<r.Num()) != 0
}

// GetFree claims the first unused scratch register
func (a *Allocator) GetFree() (Reg, error) {
	for _, r := range scratchPool {
		if !a.InUse(r) {
			a.Reserve(r)
			return r, nil
		}
	}
	return 0, errors.Errorf(errors.KindResourceExhaustion, 0, "all %d scratch registers in use", ScratchPoolSize)
}

// GetFreeN claims n scratch registers
func (a *Allocator) GetFreeN(n int) ([]Reg, error) {
	regs := make([]Reg, n)
	for i := range regs {
		r, err := a.GetFree()
		if err != nil {
			return nil, err
		}
		regs[i] = r
	}
	return regs, nil
}
