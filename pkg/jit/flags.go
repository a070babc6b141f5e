package jit

import (
	"github.com/ascrivener/a64jit/pkg/decoder"
)

// CarryMode says how the host carry flag maps to the guest C flag.
type CarryMode int

const (
	// CarryFromSub inverts the host borrow: A64 sets C when no borrow occurred.
	CarryFromSub CarryMode = iota
	// CarryFromAdd copies the host carry unchanged.
	CarryFromAdd
)

// NZCV bit positions in the flag cell
const (
	nzcvShift = 28
	flagN     = 1 << 31
	flagZ     = 1 << 30
	flagC     = 1 << 29
	flagV     = 1 << 28
)

// FlagUnit emits the code that keeps the guest NZCV cell in sync with the
// host flags of the arithmetic that just ran.
type FlagUnit struct {
	cell uintptr
}

// NewFlagUnit binds the unit to the register file's flag cell
func NewFlagUnit(regs *RegisterFile) *FlagUnit {
	return &FlagUnit{cell: regs.Addr(CellNZCV)}
}

// EmitUpdate captures the host flags set by the immediately preceding
// instruction and stores them as guest NZCV. RAX must already be reserved
// by the caller and hold nothing live.
//
// After lahf and seto, AX holds SF in bit 15, ZF in bit 14, CF in bit 8 and
// OF in bit 0.
func (f *FlagUnit) EmitUpdate(b *Builder, alloc *Allocator, carry CarryMode) error {
	alloc.Reserve(RAX)
	regs, err := alloc.GetFreeN(2)
	if err != nil {
		return err
	}
	nzcv, tmp := regs[0], regs[1]
	defer alloc.Release(nzcv)
	defer alloc.Release(tmp)

	b.Add(Lahf())
	b.Add(Setcc(CondO, AL))
	b.Add(Movzx16(EAX, AX))

	// N, Z
	b.Add(MovReg(nzcv, RAX))
	b.Add(ALUImm(ALUAnd, 32, nzcv, 0xC000))
	b.Add(Shift(ShiftShl, 32, nzcv, 16))

	// C
	b.Add(MovReg(tmp, RAX))
	b.Add(ALUImm(ALUAnd, 32, tmp, 0x100))
	if carry == CarryFromSub {
		b.Add(ALUImm(ALUXor, 32, tmp, 0x100))
	}
	b.Add(Shift(ShiftShl, 32, tmp, 21))
	b.Add(ALU(ALUOr, 32, nzcv, tmp))

	// V
	b.Add(ALUImm(ALUAnd, 32, RAX, 1))
	b.Add(Shift(ShiftShl, 32, RAX, 28))
	b.Add(ALU(ALUOr, 32, nzcv, RAX))

	b.Add(MovAbs(tmp, uint64(f.cell)))
	b.Add(Store(tmp, 0, nzcv, 8))
	return nil
}

// EmitGetZ loads the Z flag (0 or 1) into dest
func (f *FlagUnit) EmitGetZ(b *Builder, dest Reg) {
	b.Add(MovAbs(dest, uint64(f.cell)))
	b.Add(Load(dest, dest, 0, 8))
	b.Add(Shift(ShiftShr, 64, dest, 30))
	b.Add(ALUImm(ALUAnd, 32, dest, 1))
}

// EmitSet stores a literal NZCV nibble into the flag cell
func (f *FlagUnit) EmitSet(b *Builder, alloc *Allocator, nzcv uint8) error {
	val, err := alloc.GetFree()
	if err != nil {
		return err
	}
	defer alloc.Release(val)
	b.Add(MovImm(val, uint64(nzcv&0xF)<<nzcvShift))
	return f.EmitSetVar(b, alloc, val)
}

// EmitSetVar stores an already packed NZCV value from src into the flag cell
func (f *FlagUnit) EmitSetVar(b *Builder, alloc *Allocator, src Reg) error {
	alloc.Reserve(src)
	addr, err := alloc.GetFree()
	if err != nil {
		return err
	}
	defer alloc.Release(addr)
	b.Add(MovAbs(addr, uint64(f.cell)))
	b.Add(Store(addr, 0, src, 8))
	return nil
}

// EmitBranchIf jumps to target when cond holds for the current guest flags.
// EQ and NE test Z directly; other conditions look up the NZCV nibble in
// the condition's 16-entry truth table.
func (f *FlagUnit) EmitBranchIf(b *Builder, alloc *Allocator, cond decoder.Condition, target Label) error {
	if cond >= decoder.AL {
		b.AddBranch(Always, target)
		return nil
	}

	t, err := alloc.GetFree()
	if err != nil {
		return err
	}
	defer alloc.Release(t)

	if cond == decoder.EQ || cond == decoder.NE {
		f.EmitGetZ(b, t)
		b.Add(Test(32, t, t))
		if cond == decoder.EQ {
			b.AddBranch(CondNE, target)
		} else {
			b.AddBranch(CondE, target)
		}
		return nil
	}

	table, err := alloc.GetFree()
	if err != nil {
		return err
	}
	defer alloc.Release(table)

	b.Add(MovAbs(t, uint64(f.cell)))
	b.Add(Load(t, t, 0, 8))
	b.Add(Shift(ShiftShr, 32, t, nzcvShift))
	b.Add(MovImm(table, uint64(conditionTables[cond])))
	b.Add(Bt(table, t))
	b.AddBranch(CondB, target)
	return nil
}

// ConditionHolds evaluates an A64 condition against an NZCV nibble
// (N in bit 3, V in bit 0).
func ConditionHolds(cond decoder.Condition, nzcv uint8) bool {
	n := nzcv&8 != 0
	z := nzcv&4 != 0
	c := nzcv&2 != 0
	v := nzcv&1 != 0

	var result bool
	switch cond >> 1 {
	case 0:
		result = z
	case 1:
		result = c
	case 2:
		result = n
	case 3:
		result = v
	case 4:
		result = c && !z
	case 5:
		result = n == v
	case 6:
		result = !z && n == v
	default:
		return true
	}
	if cond&1 == 1 {
		return !result
	}
	return result
}

// conditionTables holds, per condition, a bit per NZCV nibble value that
// satisfies it.
var conditionTables = func() (t [16]uint16) {
	for cond := range t {
		for nzcv := 0; nzcv < 16; nzcv++ {
			if ConditionHolds(decoder.Condition(cond), uint8(nzcv)) {
				t[cond] |= 1 << nzcv
			}
		}
	}
	return
}()
