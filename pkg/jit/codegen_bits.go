package jit

import (
	"github.com/ascrivener/a64jit/pkg/decoder"
	"github.com/ascrivener/a64jit/pkg/errors"
)

func emitAnd(e *Emission, inst decoder.Instruction) (bool, error) {
	return true, e.logical(inst, ALUAnd, false)
}

func emitAnds(e *Emission, inst decoder.Instruction) (bool, error) {
	return true, e.logical(inst, ALUAnd, true)
}

func emitOrr(e *Emission, inst decoder.Instruction) (bool, error) {
	return true, e.logical(inst, ALUOr, false)
}

func emitEor(e *Emission, inst decoder.Instruction) (bool, error) {
	return true, e.logical(inst, ALUXor, false)
}

// logical: op Rd, Rn, #bitmask | Rm{, shift #n}
// Host and/or/xor clear CF and OF, which is exactly what ands leaves in C and V.
func (e *Emission) logical(inst decoder.Instruction, op ALUOp, setFlags bool) error {
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
		e.alloc.Reserve(RAX)
	}

	dst, err := e.readReg(rn)
	if err != nil {
		return err
	}
	switch src := inst.Args[2].(type) {
	case decoder.Immediate:
		if err := e.aluImm(op, rd.Width, dst, src.Shifted()); err != nil {
			return err
		}
	case decoder.Register, decoder.ShiftedRegister:
		r, err := e.readOperand(src)
		if err != nil {
			return err
		}
		e.b.Add(ALU(op, rd.Width, dst, r))
	default:
		return errors.Errorf(errors.KindDecode, 0, "%v: unsupported operand %v", inst.Op, src)
	}

	if err := e.writeReg(rd, dst); err != nil {
		return err
	}
	if !setFlags {
		return nil
	}
	return e.flags.EmitUpdate(e.b, e.alloc, CarryFromAdd)
}

// emitMov: mov Rd, Rm
func emitMov(e *Emission, inst decoder.Instruction) (bool, error) {
	if err := wantArgs(inst, 2); err != nil {
		return false, err
	}
	rd, err := regArg(inst, 0)
	if err != nil {
		return false, err
	}
	rm, err := regArg(inst, 1)
	if err != nil {
		return false, err
	}
	h, err := e.readReg(rm)
	if err != nil {
		return false, err
	}
	return true, e.writeReg(rd, h)
}

// emitMovz: movz Rd, #imm16{, lsl #hw}
func emitMovz(e *Emission, inst decoder.Instruction) (bool, error) {
	rd, imm, err := moveWideArgs(inst)
	if err != nil {
		return false, err
	}
	return true, e.writeRegImm(rd, imm.Shifted())
}

// emitMovn: movn Rd, #imm16{, lsl #hw}
func emitMovn(e *Emission, inst decoder.Instruction) (bool, error) {
	rd, imm, err := moveWideArgs(inst)
	if err != nil {
		return false, err
	}
	return true, e.writeRegImm(rd, ^imm.Shifted())
}

// emitMovk: movk Rd, #imm16{, lsl #hw} keeps every bit outside the field
func emitMovk(e *Emission, inst decoder.Instruction) (bool, error) {
	rd, imm, err := moveWideArgs(inst)
	if err != nil {
		return false, err
	}
	h, err := e.readReg(rd)
	if err != nil {
		return false, err
	}
	keep := ^(uint64(0xFFFF) << imm.Shift)
	if err := e.aluImm(ALUAnd, 64, h, keep); err != nil {
		return false, err
	}
	if imm.Value != 0 {
		if err := e.aluImm(ALUOr, 64, h, imm.Shifted()); err != nil {
			return false, err
		}
	}
	return true, e.writeReg(rd, h)
}

func moveWideArgs(inst decoder.Instruction) (decoder.Register, decoder.Immediate, error) {
	if err := wantArgs(inst, 2); err != nil {
		return decoder.Register{}, decoder.Immediate{}, err
	}
	rd, err := regArg(inst, 0)
	if err != nil {
		return rd, decoder.Immediate{}, err
	}
	imm, err := immArg(inst, 1)
	return rd, imm, err
}
