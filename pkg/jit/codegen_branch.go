package jit

import (
	"github.com/ascrivener/a64jit/pkg/decoder"
)

// Branches end the block. The dispatcher resolves the displacement against
// the PC cell, which the translator keeps at the address of the current
// instruction.

// emitB: b label
func emitB(e *Emission, inst decoder.Instruction) (bool, error) {
	if err := wantArgs(inst, 1); err != nil {
		return false, err
	}
	off, err := labelArg(inst, 0)
	if err != nil {
		return false, err
	}
	e.exit(ExitBranch, uint64(int64(off)))
	return false, nil
}

// emitBCond: b.cond label. The not-taken path falls out of the emitter and
// picks up the block tail, which continues at the next instruction.
func emitBCond(e *Emission, inst decoder.Instruction) (bool, error) {
	if err := wantArgs(inst, 2); err != nil {
		return false, err
	}
	cond, err := condArg(inst, 0)
	if err != nil {
		return false, err
	}
	off, err := labelArg(inst, 1)
	if err != nil {
		return false, err
	}
	if cond >= decoder.AL {
		e.exit(ExitBranch, uint64(int64(off)))
		return false, nil
	}

	notTaken := e.b.CreateLabel()
	if err := e.flags.EmitBranchIf(e.b, e.alloc, cond.Invert(), notTaken); err != nil {
		return false, err
	}
	e.exit(ExitBranch, uint64(int64(off)))
	e.b.Bind(notTaken)
	return false, nil
}

// emitRet: ret. There is no link register mapping, so a return ends the run.
func emitRet(e *Emission, inst decoder.Instruction) (bool, error) {
	e.exit(ExitHalt, 0)
	return false, nil
}

func emitNop(e *Emission, inst decoder.Instruction) (bool, error) {
	return true, nil
}
