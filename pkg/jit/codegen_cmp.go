package jit

import (
	"github.com/ascrivener/a64jit/pkg/decoder"
	"github.com/ascrivener/a64jit/pkg/errors"
)

// emitCmp: cmp Rn, #imm | Rm
func emitCmp(e *Emission, inst decoder.Instruction) (bool, error) {
	if err := wantArgs(inst, 2); err != nil {
		return false, err
	}
	rn, err := regArg(inst, 0)
	if err != nil {
		return false, err
	}
	return true, e.compare(rn, inst.Args[1], false)
}

// emitCmn: cmn Rn, #imm | Rm
func emitCmn(e *Emission, inst decoder.Instruction) (bool, error) {
	if err := wantArgs(inst, 2); err != nil {
		return false, err
	}
	rn, err := regArg(inst, 0)
	if err != nil {
		return false, err
	}
	return true, e.compare(rn, inst.Args[1], true)
}

// emitCcmp: ccmp Rn, #imm | Rm, #nzcv, cond
func emitCcmp(e *Emission, inst decoder.Instruction) (bool, error) {
	return true, e.conditionalCompare(inst, false)
}

// emitCcmn: ccmn Rn, #imm | Rm, #nzcv, cond
func emitCcmn(e *Emission, inst decoder.Instruction) (bool, error) {
	return true, e.conditionalCompare(inst, true)
}

// compare emits a flag-setting subtraction (or, for cmn, addition) and
// updates NZCV. cmn #imm subtracts the negated immediate; cmn #0 has to add
// instead, because subtracting zero borrows nothing and would set C.
func (e *Emission) compare(rn decoder.Register, operand decoder.Operand, negate bool) error {
	// lahf target
	e.alloc.Reserve(RAX)

	lhs, err := e.readReg(rn)
	if err != nil {
		return err
	}
	width := rn.Width

	carry := CarryFromSub
	switch op := operand.(type) {
	case decoder.Immediate:
		imm := op.Shifted()
		switch {
		case !negate:
			e.b.Add(ALUImm(ALUCmp, width, lhs, int64(imm)))
		case imm == 0:
			e.b.Add(ALUImm(ALUAdd, width, lhs, 0))
			carry = CarryFromAdd
		default:
			e.b.Add(ALUImm(ALUSub, width, lhs, -int64(imm)))
		}
	case decoder.Register, decoder.ShiftedRegister:
		rhs, err := e.readOperand(op)
		if err != nil {
			return err
		}
		if negate {
			e.b.Add(ALU(ALUAdd, width, lhs, rhs))
			carry = CarryFromAdd
		} else {
			e.b.Add(ALU(ALUCmp, width, lhs, rhs))
		}
	default:
		return errors.Errorf(errors.KindDecode, 0, "unsupported compare operand %v", operand)
	}
	return e.flags.EmitUpdate(e.b, e.alloc, carry)
}

// conditionalCompare runs the compare when cond holds and otherwise writes
// the literal #nzcv into the flags. Both paths meet after the false path.
func (e *Emission) conditionalCompare(inst decoder.Instruction, negate bool) error {
	if err := wantArgs(inst, 4); err != nil {
		return err
	}
	rn, err := regArg(inst, 0)
	if err != nil {
		return err
	}
	nzcv, err := immArg(inst, 2)
	if err != nil {
		return err
	}
	cond, err := condArg(inst, 3)
	if err != nil {
		return err
	}
	if nzcv.Value > 0xF {
		return errors.Errorf(errors.KindDecode, 0, "nzcv immediate %#x out of range", nzcv.Value)
	}
	if cond >= decoder.AL {
		return e.compare(rn, inst.Args[1], negate)
	}

	otherwise := e.b.CreateLabel()
	done := e.b.CreateLabel()

	if err := e.flags.EmitBranchIf(e.b, e.alloc, cond.Invert(), otherwise); err != nil {
		return err
	}
	if err := e.compare(rn, inst.Args[1], negate); err != nil {
		return err
	}
	e.b.AddBranch(Always, done)

	e.b.Bind(otherwise)
	if err := e.flags.EmitSet(e.b, e.alloc, uint8(nzcv.Value)); err != nil {
		return err
	}
	e.b.Bind(done)
	return nil
}
