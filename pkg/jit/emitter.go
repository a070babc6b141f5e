package jit

import (
	"fmt"

	"github.com/ascrivener/a64jit/pkg/decoder"
	"github.com/ascrivener/a64jit/pkg/errors"
	"github.com/ascrivener/a64jit/pkg/ram"
)

// ExitKind is the reason a block returned to the dispatcher. It travels in
// RAX; the parameter travels in RDX.
type ExitKind uint64

const (
	// ExitHalt stops the run.
	ExitHalt ExitKind = iota
	// ExitBranch continues at the PC cell plus the signed displacement in the parameter.
	ExitBranch
	// ExitFault reports a guest memory access outside the image; the parameter is the address.
	ExitFault
)

func (k ExitKind) String() string {
	switch k {
	case ExitHalt:
		return "halt"
	case ExitBranch:
		return "branch"
	case ExitFault:
		return "fault"
	}
	return fmt.Sprintf("exit(%d)", uint64(k))
}

// Emitter translates one guest operation. It reports whether translation
// of the block continues with the next guest instruction.
type Emitter interface {
	Emit(e *Emission, inst decoder.Instruction) (bool, error)
}

// EmitterFunc adapts a function to the Emitter interface
type EmitterFunc func(e *Emission, inst decoder.Instruction) (bool, error)

// Emit calls f
func (f EmitterFunc) Emit(e *Emission, inst decoder.Instruction) (bool, error) {
	return f(e, inst)
}

// emitters maps every translated operation to its emitter
var emitters = map[decoder.Op]Emitter{
	decoder.OpCMP:   EmitterFunc(emitCmp),
	decoder.OpCMN:   EmitterFunc(emitCmn),
	decoder.OpCCMP:  EmitterFunc(emitCcmp),
	decoder.OpCCMN:  EmitterFunc(emitCcmn),
	decoder.OpADD:   EmitterFunc(emitAdd),
	decoder.OpADDS:  EmitterFunc(emitAdds),
	decoder.OpSUB:   EmitterFunc(emitSub),
	decoder.OpSUBS:  EmitterFunc(emitSubs),
	decoder.OpADR:   EmitterFunc(emitAdr),
	decoder.OpAND:   EmitterFunc(emitAnd),
	decoder.OpANDS:  EmitterFunc(emitAnds),
	decoder.OpORR:   EmitterFunc(emitOrr),
	decoder.OpEOR:   EmitterFunc(emitEor),
	decoder.OpMOV:   EmitterFunc(emitMov),
	decoder.OpMOVZ:  EmitterFunc(emitMovz),
	decoder.OpMOVN:  EmitterFunc(emitMovn),
	decoder.OpMOVK:  EmitterFunc(emitMovk),
	decoder.OpLDR:   EmitterFunc(emitLoad),
	decoder.OpLDRB:  EmitterFunc(emitLoad),
	decoder.OpLDRH:  EmitterFunc(emitLoad),
	decoder.OpSTR:   EmitterFunc(emitStore),
	decoder.OpSTRB:  EmitterFunc(emitStore),
	decoder.OpSTRH:  EmitterFunc(emitStore),
	decoder.OpLDP:   EmitterFunc(emitLoadPair),
	decoder.OpSTP:   EmitterFunc(emitStorePair),
	decoder.OpB:     EmitterFunc(emitB),
	decoder.OpBCond: EmitterFunc(emitBCond),
	decoder.OpRET:   EmitterFunc(emitRet),
	decoder.OpNOP:   EmitterFunc(emitNop),
}

func lookupEmitter(op decoder.Op) (Emitter, error) {
	em, ok := emitters[op]
	if !ok {
		return nil, errors.Errorf(errors.KindDecode, 0, "no emitter for %v", op)
	}
	return em, nil
}

// Emission is everything one emitter invocation works with: the block's
// builder, a fresh scratch allocator, and the fixed-address state the
// generated code touches.
type Emission struct {
	b     *Builder
	alloc *Allocator
	regs  *RegisterFile
	flags *FlagUnit
	mem   *ram.RAM
	pc    uint64
}

func newEmission(b *Builder, regs *RegisterFile, flags *FlagUnit, mem *ram.RAM, pc uint64) *Emission {
	return &Emission{
		b:     b,
		alloc: NewAllocator(),
		regs:  regs,
		flags: flags,
		mem:   mem,
		pc:    pc,
	}
}

// loadCell: dst = *cell
func (e *Emission) loadCell(dst Reg, c Cell) {
	e.b.Add(MovAbs(dst, uint64(e.regs.Addr(c))))
	e.b.Add(Load(dst, dst, 0, 8))
}

// storeCell: *cell = src
func (e *Emission) storeCell(c Cell, src Reg) error {
	e.alloc.Reserve(src)
	addr, err := e.alloc.GetFree()
	if err != nil {
		return err
	}
	defer e.alloc.Release(addr)
	e.b.Add(MovAbs(addr, uint64(e.regs.Addr(c))))
	e.b.Add(Store(addr, 0, src, 8))
	return nil
}

// storeCellImm: *cell = v
func (e *Emission) storeCellImm(c Cell, v uint64) error {
	addr, err := e.alloc.GetFree()
	if err != nil {
		return err
	}
	defer e.alloc.Release(addr)
	e.b.Add(MovAbs(addr, uint64(e.regs.Addr(c))))
	if fitsInt32(int64(v)) {
		e.b.Add(StoreImm32(addr, 0, int32(int64(v))))
		return nil
	}
	val, err := e.alloc.GetFree()
	if err != nil {
		return err
	}
	defer e.alloc.Release(val)
	e.b.Add(MovImm(val, v))
	e.b.Add(Store(addr, 0, val, 8))
	return nil
}

// readReg claims a scratch register holding guest register r
func (e *Emission) readReg(r decoder.Register) (Reg, error) {
	h, err := e.alloc.GetFree()
	if err != nil {
		return 0, err
	}
	if r.IsZero() {
		e.b.Add(ALU(ALUXor, 32, h, h))
		return h, nil
	}
	c, err := e.regs.Cell(r)
	if err != nil {
		return 0, err
	}
	e.loadCell(h, c)
	return h, nil
}

// readOperand claims a scratch register holding a register or shifted
// register operand
func (e *Emission) readOperand(op decoder.Operand) (Reg, error) {
	switch o := op.(type) {
	case decoder.Register:
		return e.readReg(o)
	case decoder.ShiftedRegister:
		h, err := e.readReg(o.Register)
		if err != nil {
			return 0, err
		}
		if o.Amount != 0 {
			e.b.Add(Shift(hostShift[o.Shift], o.Width, h, o.Amount))
		}
		return h, nil
	}
	return 0, errors.Errorf(errors.KindDecode, 0, "expected register operand, got %v", op)
}

var hostShift = [...]ShiftOp{
	decoder.LSL: ShiftShl,
	decoder.LSR: ShiftShr,
	decoder.ASR: ShiftSar,
	decoder.ROR: ShiftRor,
}

// writeReg stores h into guest register r. W destinations are
// zero-extended; writes to the zero register are discarded.
func (e *Emission) writeReg(r decoder.Register, h Reg) error {
	if r.IsZero() {
		return nil
	}
	c, err := e.regs.Cell(r)
	if err != nil {
		return err
	}
	if r.Width == 32 {
		e.b.Add(assemble(func(a *Assembler) { a.MovRegReg(32, h, h) }))
	}
	return e.storeCell(c, h)
}

// writeRegImm stores a constant into guest register r
func (e *Emission) writeRegImm(r decoder.Register, v uint64) error {
	if r.IsZero() {
		return nil
	}
	c, err := e.regs.Cell(r)
	if err != nil {
		return err
	}
	if r.Width == 32 {
		v &= 0xFFFFFFFF
	}
	return e.storeCellImm(c, v)
}

// aluImm emits op dst, v, going through a scratch register when v has no
// sign-extended imm32 form at this width
func (e *Emission) aluImm(op ALUOp, width int, dst Reg, v uint64) error {
	imm := int64(v)
	if width == 32 {
		imm = int64(int32(uint32(v)))
	}
	if fitsInt32(imm) {
		e.b.Add(ALUImm(op, width, dst, imm))
		return nil
	}
	tmp, err := e.alloc.GetFree()
	if err != nil {
		return err
	}
	defer e.alloc.Release(tmp)
	e.b.Add(MovImm(tmp, v))
	e.b.Add(ALU(op, width, dst, tmp))
	return nil
}

// exit returns (kind, param) to the dispatcher
func (e *Emission) exit(kind ExitKind, param uint64) {
	e.b.Add(MovImm(RAX, uint64(kind)))
	e.b.Add(MovImm(RDX, param))
	e.b.Add(Ret())
}

// exitWithReg returns (kind, src) to the dispatcher
func (e *Emission) exitWithReg(kind ExitKind, src Reg) {
	if src.Full() != RDX {
		e.b.Add(MovReg(RDX, src))
	}
	e.b.Add(MovImm(RAX, uint64(kind)))
	e.b.Add(Ret())
}

// Operand accessors. A shape mismatch is a decode error for the instruction.

func wantArgs(inst decoder.Instruction, n int) error {
	if len(inst.Args) != n {
		return errors.Errorf(errors.KindDecode, 0, "%v: expected %d operands, got %d", inst.Op, n, len(inst.Args))
	}
	return nil
}

func regArg(inst decoder.Instruction, i int) (decoder.Register, error) {
	r, ok := inst.Args[i].(decoder.Register)
	if !ok {
		return r, errors.Errorf(errors.KindDecode, 0, "%v: operand %d must be a register, got %v", inst.Op, i, inst.Args[i])
	}
	return r, nil
}

func immArg(inst decoder.Instruction, i int) (decoder.Immediate, error) {
	imm, ok := inst.Args[i].(decoder.Immediate)
	if !ok {
		return imm, errors.Errorf(errors.KindDecode, 0, "%v: operand %d must be an immediate, got %v", inst.Op, i, inst.Args[i])
	}
	return imm, nil
}

func condArg(inst decoder.Instruction, i int) (decoder.Condition, error) {
	c, ok := inst.Args[i].(decoder.Condition)
	if !ok {
		return c, errors.Errorf(errors.KindDecode, 0, "%v: operand %d must be a condition, got %v", inst.Op, i, inst.Args[i])
	}
	return c, nil
}

func labelArg(inst decoder.Instruction, i int) (decoder.Label, error) {
	l, ok := inst.Args[i].(decoder.Label)
	if !ok {
		return l, errors.Errorf(errors.KindDecode, 0, "%v: operand %d must be a label, got %v", inst.Op, i, inst.Args[i])
	}
	return l, nil
}

func memArg(inst decoder.Instruction, i int) (decoder.Memory, error) {
	m, ok := inst.Args[i].(decoder.Memory)
	if !ok {
		return m, errors.Errorf(errors.KindDecode, 0, "%v: operand %d must be a memory reference, got %v", inst.Op, i, inst.Args[i])
	}
	return m, nil
}
