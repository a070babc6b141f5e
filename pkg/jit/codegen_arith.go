package jit

import (
	"github.com/ascrivener/a64jit/pkg/decoder"
	"github.com/ascrivener/a64jit/pkg/errors"
)

func emitAdd(e *Emission, inst decoder.Instruction) (bool, error) {
	return true, e.arith(inst, ALUAdd, false)
}

func emitAdds(e *Emission, inst decoder.Instruction) (bool, error) {
	return true, e.arith(inst, ALUAdd, true)
}

func emitSub(e *Emission, inst decoder.Instruction) (bool, error) {
	return true, e.arith(inst, ALUSub, false)
}

func emitSubs(e *Emission, inst decoder.Instruction) (bool, error) {
	return true, e.arith(inst, ALUSub, true)
}

// arith: op Rd, Rn, #imm | Rm{, shift #n}
func (e *Emission) arith(inst decoder.Instruction, op ALUOp, setFlags bool) error {
	if err := wantArgs(inst, 3); err != nil {
		return err
	}
	rd, err := regArg(inst, 0)
	if err != nil {
		return err
	}
	rn, err := regArg(inst, 1)
	if err != nil {
		return err
	}
	if setFlags {
		// lahf target
		e.alloc.Reserve(RAX)
	}

	dst, err := e.readReg(rn)
	if err != nil {
		return err
	}
	switch src := inst.Args[2].(type) {
	case decoder.Immediate:
		e.b.Add(ALUImm(op, rd.Width, dst, int64(src.Shifted())))
	case decoder.Register, decoder.ShiftedRegister:
		r, err := e.readOperand(src)
		if err != nil {
			return err
		}
		e.b.Add(ALU(op, rd.Width, dst, r))
	default:
		return errors.Errorf(errors.KindDecode, 0, "%v: unsupported operand %v", inst.Op, src)
	}

	// Register stores do not touch the host flags.
	if err := e.writeReg(rd, dst); err != nil {
		return err
	}
	if !setFlags {
		return nil
	}
	carry := CarryFromAdd
	if op == ALUSub {
		carry = CarryFromSub
	}
	return e.flags.EmitUpdate(e.b, e.alloc, carry)
}

// emitAdr: adr Rd, label
func emitAdr(e *Emission, inst decoder.Instruction) (bool, error) {
	if err := wantArgs(inst, 2); err != nil {
		return false, err
	}
	rd, err := regArg(inst, 0)
	if err != nil {
		return false, err
	}
	off, err := labelArg(inst, 1)
	if err != nil {
		return false, err
	}
	return true, e.writeRegImm(rd, uint64(int64(e.pc)+int64(off)))
}
