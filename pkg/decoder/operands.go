package decoder

import (
	"fmt"
	"strings"
)

// Operand is one decoded operand: Register, ShiftedRegister, Immediate,
// Condition, Label or Memory.
type Operand interface {
	isOperand()
	String() string
}

// ZR is the register number that reads as zero (or names SP, see Register.SP).
const ZR = 31

// Register is a general-purpose register reference. Number 31 is the zero
// register unless SP is set.
type Register struct {
	N     uint8
	Width int // 32 or 64
	SP    bool
}

// X returns the 64-bit view of register n.
func X(n uint8) Register { return Register{N: n, Width: 64} }

// W returns the 32-bit view of register n.
func W(n uint8) Register { return Register{N: n, Width: 32} }

// IsZero reports whether the register is the zero register.
func (r Register) IsZero() bool {
	return r.N == ZR && !r.SP
}

func (r Register) String() string {
	switch {
	case r.N == ZR && r.SP:
		if r.Width == 32 {
			return "wsp"
		}
		return "sp"
	case r.N == ZR:
		if r.Width == 32 {
			return "wzr"
		}
		return "xzr"
	case r.Width == 32:
		return fmt.Sprintf("w%d", r.N)
	}
	return fmt.Sprintf("x%d", r.N)
}

// ShiftKind is the shift applied to a register operand.
type ShiftKind uint8

const (
	LSL ShiftKind = iota
	LSR
	ASR
	ROR
)

func (s ShiftKind) String() string {
	return [...]string{"lsl", "lsr", "asr", "ror"}[s&3]
}

// ShiftedRegister is a register operand with an optional shift.
type ShiftedRegister struct {
	Register
	Shift  ShiftKind
	Amount uint8
}

func (s ShiftedRegister) String() string {
	if s.Amount == 0 {
		return s.Register.String()
	}
	return fmt.Sprintf("%s, %s #%d", s.Register, s.Shift, s.Amount)
}

// Immediate is an unsigned immediate, optionally shifted left by Shift bits.
type Immediate struct {
	Value uint64
	Shift uint8
}

// Shifted returns Value << Shift.
func (i Immediate) Shifted() uint64 {
	return i.Value << i.Shift
}

func (i Immediate) String() string {
	if i.Shift == 0 {
		return fmt.Sprintf("#%#x", i.Value)
	}
	return fmt.Sprintf("#%#x, lsl #%d", i.Value, i.Shift)
}

// Condition is an A64 condition code.
type Condition uint8

const (
	EQ Condition = iota
	NE
	CS
	CC
	MI
	PL
	VS
	VC
	HI
	LS
	GE
	LT
	GT
	LE
	AL
	NV
)

var conditionNames = [...]string{"eq", "ne", "cs", "cc", "mi", "pl", "vs", "vc", "hi", "ls", "ge", "lt", "gt", "le", "al", "nv"}

func (c Condition) String() string {
	return conditionNames[c&0xF]
}

// Invert returns the opposite condition. AL and NV have no opposite and
// are returned unchanged.
func (c Condition) Invert() Condition {
	if c >= AL {
		return c
	}
	return c ^ 1
}

// Label is a PC-relative byte displacement.
type Label int64

func (l Label) String() string {
	if l < 0 {
		return fmt.Sprintf(".-%#x", -int64(l))
	}
	return fmt.Sprintf(".+%#x", int64(l))
}

// Memory is a base register plus signed byte offset.
type Memory struct {
	Base   Register
	Offset int64
}

func (m Memory) String() string {
	if m.Offset == 0 {
		return fmt.Sprintf("[%s]", m.Base)
	}
	return fmt.Sprintf("[%s, #%d]", m.Base, m.Offset)
}

func (Register) isOperand()        {}
func (ShiftedRegister) isOperand() {}
func (Immediate) isOperand()       {}
func (Condition) isOperand()       {}
func (Label) isOperand()           {}
func (Memory) isOperand()          {}

func formatOperands(args []Operand) string {
	parts := make([]string, len(args))
	for i, a := range args {
		parts[i] = a.String()
	}
	return strings.Join(parts, ", ")
}
