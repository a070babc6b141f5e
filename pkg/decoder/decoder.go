// Package decoder turns 32-bit A64 instruction words into an operation tag
// and an ordered operand list for the translator.
package decoder

import (
	"encoding/binary"
	"fmt"

	"github.com/ascrivener/a64jit/pkg/errors"

	"golang.org/x/arch/arm64/arm64asm"
)

// InstructionSize is the width of every guest instruction in bytes.
const InstructionSize = 4

// Op identifies a translated guest operation.
type Op int

const (
	OpUnknown Op = iota
	OpADD
	OpADDS
	OpSUB
	OpSUBS
	OpCMP
	OpCMN
	OpCCMP
	OpCCMN
	OpADR
	OpAND
	OpANDS
	OpORR
	OpEOR
	OpMOV
	OpMOVZ
	OpMOVN
	OpMOVK
	OpLDR
	OpLDRB
	OpLDRH
	OpSTR
	OpSTRB
	OpSTRH
	OpLDP
	OpSTP
	OpB
	OpBCond
	OpRET
	OpNOP
	numOps
)

var opNames = [...]string{
	OpUnknown: "unknown",
	OpADD:     "add",
	OpADDS:    "adds",
	OpSUB:     "sub",
	OpSUBS:    "subs",
	OpCMP:     "cmp",
	OpCMN:     "cmn",
	OpCCMP:    "ccmp",
	OpCCMN:    "ccmn",
	OpADR:     "adr",
	OpAND:     "and",
	OpANDS:    "ands",
	OpORR:     "orr",
	OpEOR:     "eor",
	OpMOV:     "mov",
	OpMOVZ:    "movz",
	OpMOVN:    "movn",
	OpMOVK:    "movk",
	OpLDR:     "ldr",
	OpLDRB:    "ldrb",
	OpLDRH:    "ldrh",
	OpSTR:     "str",
	OpSTRB:    "strb",
	OpSTRH:    "strh",
	OpLDP:     "ldp",
	OpSTP:     "stp",
	OpB:       "b",
	OpBCond:   "b.cond",
	OpRET:     "ret",
	OpNOP:     "nop",
}

func (o Op) String() string {
	if o >= 0 && o < numOps {
		return opNames[o]
	}
	return fmt.Sprintf("op(%d)", int(o))
}

// Instruction is one decoded guest instruction.
type Instruction struct {
	Op   Op
	Word uint32
	Args []Operand
	// Text is the GNU assembler rendering of the word.
	Text string
}

func (i Instruction) String() string {
	if i.Text != "" {
		return i.Text
	}
	if len(i.Args) == 0 {
		return i.Op.String()
	}
	return i.Op.String() + " " + formatOperands(i.Args)
}

// Decode decodes one guest word. Words that are not valid A64 encodings,
// and valid encodings the translator does not support, are KindDecode errors.
func Decode(word uint32) (Instruction, error) {
	var raw [4]byte
	binary.LittleEndian.PutUint32(raw[:], word)
	ref, err := arm64asm.Decode(raw[:])
	if err != nil {
		return Instruction{}, errors.Wrap(errors.KindDecode, 0, err, fmt.Sprintf("undefined encoding %#08x", word))
	}

	inst, ok, err := decodeWord(word)
	if err != nil {
		return Instruction{}, err
	}
	if !ok {
		return Instruction{}, errors.Errorf(errors.KindDecode, 0, "unsupported instruction %q (%#08x)", arm64asm.GNUSyntax(ref), word)
	}
	inst.Word = word
	inst.Text = arm64asm.GNUSyntax(ref)
	return inst, nil
}

func decodeWord(w uint32) (Instruction, bool, error) {
	switch {
	case w == 0xD503201F:
		return Instruction{Op: OpNOP}, true, nil
	case w&0xFFFFFC1F == 0xD65F0000:
		return Instruction{Op: OpRET, Args: []Operand{X(uint8(bits(w, 5, 5)))}}, true, nil
	case w&0xFC000000 == 0x14000000:
		return Instruction{Op: OpB, Args: []Operand{Label(signExtend(bits(w, 0, 26), 26) * 4)}}, true, nil
	case w&0xFF000010 == 0x54000000:
		return Instruction{Op: OpBCond, Args: []Operand{
			Condition(bits(w, 0, 4)),
			Label(signExtend(bits(w, 5, 19), 19) * 4),
		}}, true, nil
	case w&0x9F000000 == 0x10000000:
		imm := bits(w, 5, 19)<<2 | bits(w, 29, 2)
		return Instruction{Op: OpADR, Args: []Operand{X(uint8(bits(w, 0, 5))), Label(signExtend(imm, 21))}}, true, nil
	case w&0x1F800000 == 0x11000000:
		return decodeAddSubImm(w)
	case w&0x1F200000 == 0x0B000000:
		return decodeAddSubReg(w)
	case w&0x1F800000 == 0x12000000:
		return decodeLogicalImm(w)
	case w&0x1F000000 == 0x0A000000:
		return decodeLogicalReg(w)
	case w&0x1F800000 == 0x12800000:
		return decodeMoveWide(w)
	case w&0x3FE00410 == 0x3A400000:
		return decodeCondCompare(w)
	case w&0x3B000000 == 0x39000000:
		return decodeLoadStore(w)
	case w&0x7FC00000 == 0x29000000, w&0x7FC00000 == 0x29400000:
		return decodePair(w)
	}
	return Instruction{}, false, nil
}

func decodeAddSubImm(w uint32) (Instruction, bool, error) {
	width := regWidth(w)
	rd := Register{N: uint8(bits(w, 0, 5)), Width: width}
	rn := Register{N: uint8(bits(w, 5, 5)), Width: width, SP: true}
	imm := Immediate{Value: uint64(bits(w, 10, 12))}
	if bits(w, 22, 1) == 1 {
		imm.Shift = 12
	}
	sub := bits(w, 30, 1) == 1
	setFlags := bits(w, 29, 1) == 1

	if !setFlags {
		rd.SP = true
		op := OpADD
		if sub {
			op = OpSUB
		}
		return Instruction{Op: op, Args: []Operand{rd, rn, imm}}, true, nil
	}
	if rd.N == ZR {
		op := OpCMN
		if sub {
			op = OpCMP
		}
		return Instruction{Op: op, Args: []Operand{rn, imm}}, true, nil
	}
	op := OpADDS
	if sub {
		op = OpSUBS
	}
	return Instruction{Op: op, Args: []Operand{rd, rn, imm}}, true, nil
}

func decodeAddSubReg(w uint32) (Instruction, bool, error) {
	width := regWidth(w)
	shift := ShiftKind(bits(w, 22, 2))
	amount := uint8(bits(w, 10, 6))
	if shift == ROR || (width == 32 && amount >= 32) {
		return Instruction{}, false, nil
	}
	rd := Register{N: uint8(bits(w, 0, 5)), Width: width}
	rn := Register{N: uint8(bits(w, 5, 5)), Width: width}
	rm := ShiftedRegister{Register: Register{N: uint8(bits(w, 16, 5)), Width: width}, Shift: shift, Amount: amount}
	sub := bits(w, 30, 1) == 1
	setFlags := bits(w, 29, 1) == 1

	switch {
	case !setFlags && sub:
		return Instruction{Op: OpSUB, Args: []Operand{rd, rn, rm}}, true, nil
	case !setFlags:
		return Instruction{Op: OpADD, Args: []Operand{rd, rn, rm}}, true, nil
	case rd.N == ZR && sub:
		return Instruction{Op: OpCMP, Args: []Operand{rn, rm}}, true, nil
	case rd.N == ZR:
		return Instruction{Op: OpCMN, Args: []Operand{rn, rm}}, true, nil
	case sub:
		return Instruction{Op: OpSUBS, Args: []Operand{rd, rn, rm}}, true, nil
	}
	return Instruction{Op: OpADDS, Args: []Operand{rd, rn, rm}}, true, nil
}

var logicalOps = [4]Op{OpAND, OpORR, OpEOR, OpANDS}

func decodeLogicalImm(w uint32) (Instruction, bool, error) {
	width := regWidth(w)
	n := bits(w, 22, 1)
	if width == 32 && n == 1 {
		return Instruction{}, false, nil
	}
	value, ok := DecodeBitMask(n, bits(w, 10, 6), bits(w, 16, 6), width)
	if !ok {
		return Instruction{}, false, nil
	}
	op := logicalOps[bits(w, 29, 2)]
	rd := Register{N: uint8(bits(w, 0, 5)), Width: width, SP: op != OpANDS}
	rn := Register{N: uint8(bits(w, 5, 5)), Width: width}
	return Instruction{Op: op, Args: []Operand{rd, rn, Immediate{Value: value}}}, true, nil
}

func decodeLogicalReg(w uint32) (Instruction, bool, error) {
	width := regWidth(w)
	amount := uint8(bits(w, 10, 6))
	// BIC, ORN, EON and BICS invert the second operand.
	if bits(w, 21, 1) == 1 || (width == 32 && amount >= 32) {
		return Instruction{}, false, nil
	}
	op := logicalOps[bits(w, 29, 2)]
	rd := Register{N: uint8(bits(w, 0, 5)), Width: width}
	rn := Register{N: uint8(bits(w, 5, 5)), Width: width}
	rm := ShiftedRegister{
		Register: Register{N: uint8(bits(w, 16, 5)), Width: width},
		Shift:    ShiftKind(bits(w, 22, 2)),
		Amount:   amount,
	}
	if op == OpORR && rn.N == ZR && rm.Amount == 0 {
		return Instruction{Op: OpMOV, Args: []Operand{rd, rm.Register}}, true, nil
	}
	return Instruction{Op: op, Args: []Operand{rd, rn, rm}}, true, nil
}

func decodeMoveWide(w uint32) (Instruction, bool, error) {
	width := regWidth(w)
	hw := bits(w, 21, 2)
	if width == 32 && hw >= 2 {
		return Instruction{}, false, nil
	}
	var op Op
	switch bits(w, 29, 2) {
	case 0:
		op = OpMOVN
	case 2:
		op = OpMOVZ
	case 3:
		op = OpMOVK
	default:
		return Instruction{}, false, nil
	}
	rd := Register{N: uint8(bits(w, 0, 5)), Width: width}
	imm := Immediate{Value: uint64(bits(w, 5, 16)), Shift: uint8(hw * 16)}
	return Instruction{Op: op, Args: []Operand{rd, imm}}, true, nil
}

func decodeCondCompare(w uint32) (Instruction, bool, error) {
	width := regWidth(w)
	op := OpCCMN
	if bits(w, 30, 1) == 1 {
		op = OpCCMP
	}
	rn := Register{N: uint8(bits(w, 5, 5)), Width: width}
	var second Operand
	if bits(w, 11, 1) == 1 {
		second = Immediate{Value: uint64(bits(w, 16, 5))}
	} else {
		second = Register{N: uint8(bits(w, 16, 5)), Width: width}
	}
	nzcv := Immediate{Value: uint64(bits(w, 0, 4))}
	cond := Condition(bits(w, 12, 4))
	return Instruction{Op: op, Args: []Operand{rn, second, nzcv, cond}}, true, nil
}

func decodeLoadStore(w uint32) (Instruction, bool, error) {
	// SIMD&FP registers
	if bits(w, 26, 1) == 1 {
		return Instruction{}, false, nil
	}
	size := bits(w, 30, 2)
	load := false
	switch bits(w, 22, 2) {
	case 0:
	case 1:
		load = true
	default:
		// sign-extending loads and prefetch
		return Instruction{}, false, nil
	}

	var op Op
	width := 32
	switch size {
	case 0:
		op = pick(load, OpLDRB, OpSTRB)
	case 1:
		op = pick(load, OpLDRH, OpSTRH)
	case 2:
		op = pick(load, OpLDR, OpSTR)
	case 3:
		op = pick(load, OpLDR, OpSTR)
		width = 64
	}
	rt := Register{N: uint8(bits(w, 0, 5)), Width: width}
	mem := Memory{
		Base:   Register{N: uint8(bits(w, 5, 5)), Width: 64, SP: true},
		Offset: int64(bits(w, 10, 12)) << size,
	}
	return Instruction{Op: op, Args: []Operand{rt, mem}}, true, nil
}

func decodePair(w uint32) (Instruction, bool, error) {
	var width int
	var scale uint
	switch bits(w, 30, 2) {
	case 0:
		width, scale = 32, 2
	case 2:
		width, scale = 64, 3
	default:
		return Instruction{}, false, nil
	}
	op := OpSTP
	if bits(w, 22, 1) == 1 {
		op = OpLDP
	}
	rt := Register{N: uint8(bits(w, 0, 5)), Width: width}
	rt2 := Register{N: uint8(bits(w, 10, 5)), Width: width}
	mem := Memory{
		Base:   Register{N: uint8(bits(w, 5, 5)), Width: 64, SP: true},
		Offset: signExtend(bits(w, 15, 7), 7) << scale,
	}
	return Instruction{Op: op, Args: []Operand{rt, rt2, mem}}, true, nil
}

// DecodeBitMask expands the N:imms:immr logical immediate field into its
// value for a register of the given width. ok is false for reserved encodings.
func DecodeBitMask(n, imms, immr uint32, width int) (value uint64, ok bool) {
	combined := n<<6 | (^imms & 0x3F)
	length := -1
	for i := 6; i >= 0; i-- {
		if combined&(1<<uint(i)) != 0 {
			length = i
			break
		}
	}
	if length < 1 {
		return 0, false
	}
	levels := uint32(1)<<uint(length) - 1
	if imms&levels == levels {
		return 0, false
	}
	s := imms & levels
	r := immr & levels
	esize := uint(1) << uint(length)

	welem := uint64(1)<<(s+1) - 1
	if esize < 64 {
		mask := uint64(1)<<esize - 1
		welem = (welem>>r | welem<<(esize-uint(r))) & mask
	} else if r != 0 {
		welem = welem>>r | welem<<(64-uint(r))
	}
	for e := esize; e < uint(width); e *= 2 {
		welem |= welem << e
	}
	if width == 32 {
		welem &= 0xFFFFFFFF
	}
	return welem, true
}

func regWidth(w uint32) int {
	if w>>31 == 1 {
		return 64
	}
	return 32
}

func bits(w uint32, lo, n uint) uint32 {
	return (w >> lo) & (1<<n - 1)
}

func signExtend(v uint32, n uint) int64 {
	shift := 64 - n
	return int64(uint64(v)<<shift) >> shift
}

func pick(cond bool, a, b Op) Op {
	if cond {
		return a
	}
	return b
}
