package jit

import (
	"github.com/ascrivener/a64jit/pkg/decoder"
	"github.com/ascrivener/a64jit/pkg/errors"
)

// accessSize returns the number of bytes a load or store of rt moves
func accessSize(op decoder.Op, rt decoder.Register) int {
	switch op {
	case decoder.OpLDRB, decoder.OpSTRB:
		return 1
	case decoder.OpLDRH, decoder.OpSTRH:
		return 2
	}
	return rt.Width / 8
}

// guestPointer emits the address computation and bounds check for an access
// of size bytes at [base + offset]. It returns a scratch register holding
// the host address. Out-of-range accesses leave the block with ExitFault and
// the guest address; stores are also confined to the writable part of the image.
func (e *Emission) guestPointer(base decoder.Register, offset int64, size int, write bool) (Reg, error) {
	if e.mem == nil {
		return 0, errors.Errorf(errors.KindFault, 0, "no guest memory attached")
	}
	t, err := e.readReg(base)
	if err != nil {
		return 0, err
	}
	if offset != 0 {
		if err := e.aluImm(ALUAdd, 64, t, uint64(offset)); err != nil {
			return 0, err
		}
	}

	guest, err := e.alloc.GetFree()
	if err != nil {
		return 0, err
	}
	defer e.alloc.Release(guest)
	e.b.Add(MovReg(guest, t))

	lo := e.mem.Base()
	if write {
		lo = e.mem.WritableStart()
	}
	end := e.mem.End()
	inRange := e.b.CreateLabel()

	if end-lo >= uint64(size) {
		if err := e.aluImm(ALUSub, 64, t, lo); err != nil {
			return 0, err
		}
		if err := e.aluImm(ALUCmp, 64, t, end-lo-uint64(size)); err != nil {
			return 0, err
		}
		e.b.AddBranch(CondBE, inRange)
	}
	e.exitWithReg(ExitFault, guest)
	e.b.Bind(inRange)

	host, err := e.alloc.GetFree()
	if err != nil {
		return 0, err
	}
	defer e.alloc.Release(host)
	e.b.Add(MovAbs(host, uint64(e.mem.HostAddr())+(lo-e.mem.Base())))
	e.b.Add(ALU(ALUAdd, 64, t, host))
	return t, nil
}

func memoryArgs(inst decoder.Instruction, regs int) ([]decoder.Register, decoder.Memory, error) {
	if err := wantArgs(inst, regs+1); err != nil {
		return nil, decoder.Memory{}, err
	}
	rts := make([]decoder.Register, regs)
	for i := range rts {
		r, err := regArg(inst, i)
		if err != nil {
			return nil, decoder.Memory{}, err
		}
		rts[i] = r
	}
	m, err := memArg(inst, regs)
	return rts, m, err
}

// emitLoad: ldr{b,h} Rt, [Xn, #imm]
func emitLoad(e *Emission, inst decoder.Instruction) (bool, error) {
	rts, m, err := memoryArgs(inst, 1)
	if err != nil {
		return false, err
	}
	size := accessSize(inst.Op, rts[0])
	ptr, err := e.guestPointer(m.Base, m.Offset, size, false)
	if err != nil {
		return false, err
	}
	e.b.Add(Load(ptr, ptr, 0, size))
	return true, e.writeReg(rts[0], ptr)
}

// emitStore: str{b,h} Rt, [Xn, #imm]
func emitStore(e *Emission, inst decoder.Instruction) (bool, error) {
	rts, m, err := memoryArgs(inst, 1)
	if err != nil {
		return false, err
	}
	size := accessSize(inst.Op, rts[0])
	val, err := e.readReg(rts[0])
	if err != nil {
		return false, err
	}
	ptr, err := e.guestPointer(m.Base, m.Offset, size, true)
	if err != nil {
		return false, err
	}
	e.b.Add(Store(ptr, 0, val, size))
	return true, nil
}

// emitLoadPair: ldp Rt, Rt2, [Xn, #imm]
func emitLoadPair(e *Emission, inst decoder.Instruction) (bool, error) {
	rts, m, err := memoryArgs(inst, 2)
	if err != nil {
		return false, err
	}
	size := rts[0].Width / 8
	ptr, err := e.guestPointer(m.Base, m.Offset, 2*size, false)
	if err != nil {
		return false, err
	}
	vals, err := e.alloc.GetFreeN(2)
	if err != nil {
		return false, err
	}
	e.b.Add(Load(vals[0], ptr, 0, size))
	e.b.Add(Load(vals[1], ptr, int32(size), size))
	if err := e.writeReg(rts[0], vals[0]); err != nil {
		return false, err
	}
	return true, e.writeReg(rts[1], vals[1])
}

// emitStorePair: stp Rt, Rt2, [Xn, #imm]
func emitStorePair(e *Emission, inst decoder.Instruction) (bool, error) {
	rts, m, err := memoryArgs(inst, 2)
	if err != nil {
		return false, err
	}
	size := rts[0].Width / 8
	first, err := e.readReg(rts[0])
	if err != nil {
		return false, err
	}
	second, err := e.readReg(rts[1])
	if err != nil {
		return false, err
	}
	ptr, err := e.guestPointer(m.Base, m.Offset, 2*size, true)
	if err != nil {
		return false, err
	}
	e.b.Add(Store(ptr, 0, first, size))
	e.b.Add(Store(ptr, int32(size), second, size))
	return true, nil
}
