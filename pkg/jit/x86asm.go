package jit

import (
	"encoding/binary"
	"fmt"
)

// Reg is an x86-64 general-purpose register view. The low 4 bits are the
// hardware register number, the next 2 bits select the width of the view.
type Reg uint8

const (
	RAX Reg = iota
	RCX
	RDX
	RBX
	RSP
	RBP
	RSI
	RDI
	R8
	R9
	R10
	R11
	R12
	R13
	R14
	R15
)

const (
	view64 Reg = 0 << 4
	view32 Reg = 1 << 4
	view16 Reg = 2 << 4
	view8  Reg = 3 << 4
)

// Narrow views used by the flag unit.
const (
	EAX = RAX | view32
	AX  = RAX | view16
	AL  = RAX | view8
)

// Num returns the hardware register number
func (r Reg) Num() byte { return byte(r & 0xF) }

// Full returns the 64-bit view of the same physical register
func (r Reg) Full() Reg { return r & 0xF }

// Width returns the view's width in bits
func (r Reg) Width() int {
	switch r &^ 0xF {
	case view32:
		return 32
	case view16:
		return 16
	case view8:
		return 8
	}
	return 64
}

var regNames = [4][16]string{
	{"rax", "rcx", "rdx", "rbx", "rsp", "rbp", "rsi", "rdi", "r8", "r9", "r10", "r11", "r12", "r13", "r14", "r15"},
	{"eax", "ecx", "edx", "ebx", "esp", "ebp", "esi", "edi", "r8d", "r9d", "r10d", "r11d", "r12d", "r13d", "r14d", "r15d"},
	{"ax", "cx", "dx", "bx", "sp", "bp", "si", "di", "r8w", "r9w", "r10w", "r11w", "r12w", "r13w", "r14w", "r15w"},
	{"al", "cl", "dl", "bl", "spl", "bpl", "sil", "dil", "r8b", "r9b", "r10b", "r11b", "r12b", "r13b", "r14b", "r15b"},
}

func (r Reg) String() string {
	return regNames[(r>>4)&3][r.Num()]
}

// HostCond is an x86 condition code (the low nibble of Jcc/SETcc opcodes).
type HostCond uint8

const (
	CondO  HostCond = 0x0
	CondNO HostCond = 0x1
	CondB  HostCond = 0x2 // carry set
	CondAE HostCond = 0x3 // carry clear
	CondE  HostCond = 0x4
	CondNE HostCond = 0x5
	CondBE HostCond = 0x6
	CondA  HostCond = 0x7
	CondS  HostCond = 0x8
	CondNS HostCond = 0x9
	CondL  HostCond = 0xC
	CondGE HostCond = 0xD
	CondLE HostCond = 0xE
	CondG  HostCond = 0xF
	// Always is an unconditional jump.
	Always HostCond = 0x10
)

// ALUOp selects the operation of the classic two-operand ALU group.
type ALUOp byte

const (
	ALUAdd ALUOp = 0
	ALUOr  ALUOp = 1
	ALUAnd ALUOp = 4
	ALUSub ALUOp = 5
	ALUXor ALUOp = 6
	ALUCmp ALUOp = 7
)

// ShiftOp selects the /digit of the C1 shift group.
type ShiftOp byte

const (
	ShiftRol ShiftOp = 0
	ShiftRor ShiftOp = 1
	ShiftShl ShiftOp = 4
	ShiftShr ShiftOp = 5
	ShiftSar ShiftOp = 7
)

// Instruction is one encoded host instruction, or the reason it could not
// be encoded.
type Instruction struct {
	code []byte
	err  error
}

// Len returns the encoded length in bytes
func (i Instruction) Len() int { return len(i.code) }

// Bytes returns the encoding
func (i Instruction) Bytes() []byte { return i.code }

// Err returns the encoding error, if any
func (i Instruction) Err() error { return i.err }

// Assembler emits x86-64 machine code
type Assembler struct {
	buf []byte
	err error
}

// Bytes returns the assembled code
func (a *Assembler) Bytes() []byte {
	return a.buf
}

// Err returns the first encoding error
func (a *Assembler) Err() error {
	return a.err
}

func (a *Assembler) emit(bytes ...byte) {
	a.buf = append(a.buf, bytes...)
}

func (a *Assembler) emitUint32(v uint32) {
	a.buf = binary.LittleEndian.AppendUint32(a.buf, v)
}

func (a *Assembler) emitUint64(v uint64) {
	a.buf = binary.LittleEndian.AppendUint64(a.buf, v)
}

func (a *Assembler) fail(format string, args ...interface{}) {
	if a.err == nil {
		a.err = fmt.Errorf(format, args...)
	}
}

func assemble(f func(a *Assembler)) Instruction {
	var a Assembler
	f(&a)
	return Instruction{code: a.buf, err: a.err}
}

// rex builds REX prefix: 0100WRXB
// W=1 for 64-bit operand size
// R=1 if reg field uses R8-R15
// X=1 if SIB index uses R8-R15
// B=1 if rm field uses R8-R15
func rex(w, r, x, b bool) byte {
	var prefix byte = 0x40
	if w {
		prefix |= 0x08
	}
	if r {
		prefix |= 0x04
	}
	if x {
		prefix |= 0x02
	}
	if b {
		prefix |= 0x01
	}
	return prefix
}

// prefix emits the operand-size and REX prefixes for an instruction whose
// ModR/M reg and rm fields hold reg and rm. byteRegs lists register operands
// used as 8-bit views; SPL..DIL are only reachable with a REX prefix.
func (a *Assembler) prefix(width int, reg, rm byte, byteRegs ...byte) {
	if width == 16 {
		a.emit(0x66)
	}
	need := width == 64 || reg >= 8 || rm >= 8
	for _, r := range byteRegs {
		if r >= 4 {
			need = true
		}
	}
	if need {
		a.emit(rex(width == 64, reg >= 8, false, rm >= 8))
	}
}

// modRM builds ModR/M byte: [mod:2][reg:3][rm:3]
// mod should be pre-shifted: 0x00=no disp, 0x40=disp8, 0x80=disp32, 0xC0=register
func modRM(mod byte, reg, rm byte) byte {
	return mod | ((reg & 7) << 3) | (rm & 7)
}

// mem emits ModR/M, SIB and displacement for [base + disp]
func (a *Assembler) mem(reg byte, base Reg, disp int32) {
	b := base.Num()
	switch {
	case disp == 0 && b&7 != 5:
		a.emit(modRM(0x00, reg, b))
	case fitsInt8(int64(disp)):
		a.emit(modRM(0x40, reg, b))
	default:
		a.emit(modRM(0x80, reg, b))
	}
	if b&7 == 4 {
		// SIB: scale=0, index=none, base=RSP/R12
		a.emit(0x24)
	}
	switch {
	case disp == 0 && b&7 != 5:
	case fitsInt8(int64(disp)):
		a.emit(byte(int8(disp)))
	default:
		a.emitUint32(uint32(disp))
	}
}

func (a *Assembler) checkWidth(width int, allowed ...int) bool {
	for _, w := range allowed {
		if w == width {
			return true
		}
	}
	a.fail("unsupported operand width %d", width)
	return false
}

func fitsInt8(v int64) bool {
	return v >= -128 && v <= 127
}

func fitsInt32(v int64) bool {
	return v >= -1<<31 && v <= 1<<31-1
}

// MovRegReg: mov dst, src
func (a *Assembler) MovRegReg(width int, dst, src Reg) {
	if !a.checkWidth(width, 32, 64) {
		return
	}
	a.prefix(width, src.Num(), dst.Num())
	a.emit(0x89, modRM(0xC0, src.Num(), dst.Num()))
}

// MovRegImm64: mov reg, imm64
func (a *Assembler) MovRegImm64(reg Reg, imm uint64) {
	// REX.W + B8+rd + imm64
	a.emit(rex(true, false, false, reg.Num() >= 8), 0xB8|(reg.Num()&7))
	a.emitUint64(imm)
}

// MovRegImm picks the shortest encoding of mov reg, imm
func (a *Assembler) MovRegImm(reg Reg, imm uint64) {
	switch {
	case imm <= 0xFFFFFFFF:
		// B8+rd id, zero-extends into the full register
		if reg.Num() >= 8 {
			a.emit(rex(false, false, false, true))
		}
		a.emit(0xB8 | (reg.Num() & 7))
		a.emitUint32(uint32(imm))
	case fitsInt32(int64(imm)):
		// REX.W + C7 /0 id, sign-extended
		a.emit(rex(true, false, false, reg.Num() >= 8), 0xC7, modRM(0xC0, 0, reg.Num()))
		a.emitUint32(uint32(imm))
	default:
		a.MovRegImm64(reg, imm)
	}
}

// Load: mov/movzx dst, size [base + disp], zero-extended into dst
func (a *Assembler) Load(dst, base Reg, disp int32, size int) {
	switch size {
	case 1, 2:
		a.prefix(32, dst.Num(), base.Num())
		if size == 1 {
			a.emit(0x0F, 0xB6)
		} else {
			a.emit(0x0F, 0xB7)
		}
	case 4:
		a.prefix(32, dst.Num(), base.Num())
		a.emit(0x8B)
	case 8:
		a.prefix(64, dst.Num(), base.Num())
		a.emit(0x8B)
	default:
		a.fail("unsupported load size %d", size)
		return
	}
	a.mem(dst.Num(), base, disp)
}

// Store: mov size [base + disp], src
func (a *Assembler) Store(base Reg, disp int32, src Reg, size int) {
	switch size {
	case 1:
		a.prefix(8, src.Num(), base.Num(), src.Num())
		a.emit(0x88)
	case 2:
		a.prefix(16, src.Num(), base.Num())
		a.emit(0x89)
	case 4:
		a.prefix(32, src.Num(), base.Num())
		a.emit(0x89)
	case 8:
		a.prefix(64, src.Num(), base.Num())
		a.emit(0x89)
	default:
		a.fail("unsupported store size %d", size)
		return
	}
	a.mem(src.Num(), base, disp)
}

// StoreImm32: mov qword [base + disp], imm32 (sign-extended)
func (a *Assembler) StoreImm32(base Reg, disp int32, imm int32) {
	a.prefix(64, 0, base.Num())
	a.emit(0xC7)
	a.mem(0, base, disp)
	a.emitUint32(uint32(imm))
}

// ALURegReg: op dst, src
func (a *Assembler) ALURegReg(op ALUOp, width int, dst, src Reg) {
	if !a.checkWidth(width, 32, 64) {
		return
	}
	a.prefix(width, src.Num(), dst.Num())
	a.emit(byte(op)<<3|0x01, modRM(0xC0, src.Num(), dst.Num()))
}

// ALURegImm: op dst, imm32 (sign-extended to the operand width)
func (a *Assembler) ALURegImm(op ALUOp, width int, dst Reg, imm int64) {
	if !a.checkWidth(width, 32, 64) {
		return
	}
	if !fitsInt32(imm) {
		a.fail("immediate %#x does not fit in 32 bits", imm)
		return
	}
	a.prefix(width, 0, dst.Num())
	if fitsInt8(imm) {
		a.emit(0x83, modRM(0xC0, byte(op), dst.Num()), byte(int8(imm)))
		return
	}
	a.emit(0x81, modRM(0xC0, byte(op), dst.Num()))
	a.emitUint32(uint32(int32(imm)))
}

// TestRegReg: test a, b
func (a *Assembler) TestRegReg(width int, x, y Reg) {
	if !a.checkWidth(width, 32, 64) {
		return
	}
	a.prefix(width, y.Num(), x.Num())
	a.emit(0x85, modRM(0xC0, y.Num(), x.Num()))
}

// ShiftImm: shl/shr/sar/ror reg, imm8
func (a *Assembler) ShiftImm(op ShiftOp, width int, reg Reg, amount uint8) {
	if !a.checkWidth(width, 32, 64) {
		return
	}
	if int(amount) >= width {
		a.fail("shift amount %d out of range for width %d", amount, width)
		return
	}
	a.prefix(width, 0, reg.Num())
	if amount == 1 {
		a.emit(0xD1, modRM(0xC0, byte(op), reg.Num()))
		return
	}
	a.emit(0xC1, modRM(0xC0, byte(op), reg.Num()), amount)
}

// Lahf: AH = SF:ZF:0:AF:0:PF:1:CF
func (a *Assembler) Lahf() {
	a.emit(0x9F)
}

// Setcc: setcc r8
func (a *Assembler) Setcc(cc HostCond, reg Reg) {
	if cc >= Always {
		a.fail("setcc needs a condition, got %#x", cc)
		return
	}
	a.prefix(8, 0, reg.Num(), reg.Num())
	a.emit(0x0F, 0x90|byte(cc), modRM(0xC0, 0, reg.Num()))
}

// MovzxRegReg16: movzx dst32, src16
func (a *Assembler) MovzxRegReg16(dst, src Reg) {
	a.prefix(32, dst.Num(), src.Num())
	a.emit(0x0F, 0xB7, modRM(0xC0, dst.Num(), src.Num()))
}

// BtRegReg: bt base, bit (64-bit); CF = bit `bit` of base
func (a *Assembler) BtRegReg(base, bit Reg) {
	a.prefix(64, bit.Num(), base.Num())
	a.emit(0x0F, 0xA3, modRM(0xC0, bit.Num(), base.Num()))
}

// Ret: ret
func (a *Assembler) Ret() {
	a.emit(0xC3)
}

// Nop: nop
func (a *Assembler) Nop() {
	a.emit(0x90)
}

// Jump: jmp/jcc rel8 or rel32. rel is relative to the end of the instruction.
func (a *Assembler) Jump(cc HostCond, rel int32, wide bool) {
	switch {
	case !wide && !fitsInt8(int64(rel)):
		a.fail("displacement %d does not fit in rel8", rel)
	case cc == Always && wide:
		a.emit(0xE9)
		a.emitUint32(uint32(rel))
	case cc == Always:
		a.emit(0xEB, byte(int8(rel)))
	case wide:
		a.emit(0x0F, 0x80|byte(cc))
		a.emitUint32(uint32(rel))
	default:
		a.emit(0x70|byte(cc), byte(int8(rel)))
	}
}

// jumpLen returns the encoded length of a jump
func jumpLen(cc HostCond, wide bool) int {
	switch {
	case !wide:
		return 2
	case cc == Always:
		return 5
	}
	return 6
}

// Instruction constructors used by the emitters.

// MovReg: mov dst, src (64-bit)
func MovReg(dst, src Reg) Instruction {
	return assemble(func(a *Assembler) { a.MovRegReg(64, dst, src) })
}

// MovImm: mov dst, imm with the shortest encoding
func MovImm(dst Reg, imm uint64) Instruction {
	return assemble(func(a *Assembler) { a.MovRegImm(dst, imm) })
}

// MovAbs: mov dst, imm64; always the 10-byte form, used for embedded host addresses
func MovAbs(dst Reg, imm uint64) Instruction {
	return assemble(func(a *Assembler) { a.MovRegImm64(dst, imm) })
}

// Load: zero-extending load of size bytes from [base + disp]
func Load(dst, base Reg, disp int32, size int) Instruction {
	return assemble(func(a *Assembler) { a.Load(dst, base, disp, size) })
}

// Store: store the low size bytes of src to [base + disp]
func Store(base Reg, disp int32, src Reg, size int) Instruction {
	return assemble(func(a *Assembler) { a.Store(base, disp, src, size) })
}

// StoreImm32: mov qword [base + disp], sign-extended imm32
func StoreImm32(base Reg, disp int32, imm int32) Instruction {
	return assemble(func(a *Assembler) { a.StoreImm32(base, disp, imm) })
}

// ALU: op dst, src
func ALU(op ALUOp, width int, dst, src Reg) Instruction {
	return assemble(func(a *Assembler) { a.ALURegReg(op, width, dst, src) })
}

// ALUImm: op dst, imm
func ALUImm(op ALUOp, width int, dst Reg, imm int64) Instruction {
	return assemble(func(a *Assembler) { a.ALURegImm(op, width, dst, imm) })
}

// Test: test x, y
func Test(width int, x, y Reg) Instruction {
	return assemble(func(a *Assembler) { a.TestRegReg(width, x, y) })
}

// Shift: shift reg by an immediate
func Shift(op ShiftOp, width int, reg Reg, amount uint8) Instruction {
	return assemble(func(a *Assembler) { a.ShiftImm(op, width, reg, amount) })
}

// Lahf: lahf
func Lahf() Instruction {
	return assemble(func(a *Assembler) { a.Lahf() })
}

// Setcc: setcc r8
func Setcc(cc HostCond, reg Reg) Instruction {
	return assemble(func(a *Assembler) { a.Setcc(cc, reg) })
}

// Movzx16: movzx dst32, src16
func Movzx16(dst, src Reg) Instruction {
	return assemble(func(a *Assembler) { a.MovzxRegReg16(dst, src) })
}

// Bt: bt base, bit
func Bt(base, bit Reg) Instruction {
	return assemble(func(a *Assembler) { a.BtRegReg(base, bit) })
}

// Ret: ret
func Ret() Instruction {
	return assemble(func(a *Assembler) { a.Ret() })
}

// Nop: nop
func Nop() Instruction {
	return assemble(func(a *Assembler) { a.Nop() })
}
