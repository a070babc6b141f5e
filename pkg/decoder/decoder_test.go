package decoder

import (
	"testing"

	"github.com/ascrivener/a64jit/pkg/errors"

	"github.com/google/go-cmp/cmp"
)

func TestDecode(t *testing.T) {
	tests := []struct {
		name string
		word uint32
		op   Op
		args []Operand
	}{
		{"cmp imm", 0xF100141F, OpCMP, []Operand{Register{N: 0, Width: 64, SP: true}, Immediate{Value: 5}}},
		{"cmn imm", 0xB100081F, OpCMN, []Operand{Register{N: 0, Width: 64, SP: true}, Immediate{Value: 2}}},
		{"b.eq", 0x54000040, OpBCond, []Operand{EQ, Label(8)}},
		{"b.ne backwards", 0x54FFFFE1, OpBCond, []Operand{NE, Label(-4)}},
		{"b", 0x17FFFFFF, OpB, []Operand{Label(-4)}},
		{"ccmn imm", 0xBA431804, OpCCMN, []Operand{X(0), Immediate{Value: 3}, Immediate{Value: 4}, NE}},
		{"ccmp reg", 0xFA410000, OpCCMP, []Operand{X(0), X(1), Immediate{Value: 0}, EQ}},
		{"movz", 0xD28000A0, OpMOVZ, []Operand{X(0), Immediate{Value: 5}}},
		{"movk hw1", 0xF2A00020, OpMOVK, []Operand{X(0), Immediate{Value: 1, Shift: 16}}},
		{"movn w", 0x12800000, OpMOVN, []Operand{W(0), Immediate{Value: 0}}},
		{"add imm", 0x91000400, OpADD, []Operand{Register{N: 0, Width: 64, SP: true}, Register{N: 0, Width: 64, SP: true}, Immediate{Value: 1}}},
		{"sub imm lsl 12", 0xD1400420, OpSUB, []Operand{Register{N: 0, Width: 64, SP: true}, Register{N: 1, Width: 64, SP: true}, Immediate{Value: 1, Shift: 12}}},
		{"subs reg", 0xEB010000, OpSUBS, []Operand{X(0), X(0), ShiftedRegister{Register: X(1)}}},
		{"add reg lsl", 0x8B011000, OpADD, []Operand{X(0), X(0), ShiftedRegister{Register: X(1), Shift: LSL, Amount: 4}}},
		{"and imm", 0x92401C00, OpAND, []Operand{Register{N: 0, Width: 64, SP: true}, X(0), Immediate{Value: 0xFF}}},
		{"eor reg", 0xCA010000, OpEOR, []Operand{X(0), X(0), ShiftedRegister{Register: X(1)}}},
		{"mov reg", 0xAA0103E0, OpMOV, []Operand{X(0), X(1)}},
		{"adr", 0x10000040, OpADR, []Operand{X(0), Label(8)}},
		{"ldr x", 0xF9400420, OpLDR, []Operand{X(0), Memory{Base: Register{N: 1, Width: 64, SP: true}, Offset: 8}}},
		{"strb", 0x39000420, OpSTRB, []Operand{W(0), Memory{Base: Register{N: 1, Width: 64, SP: true}, Offset: 1}}},
		{"stp x", 0xA9010420, OpSTP, []Operand{X(0), X(1), Memory{Base: Register{N: 1, Width: 64, SP: true}, Offset: 16}}},
		{"ldp w negative", 0x297F0420, OpLDP, []Operand{W(0), W(1), Memory{Base: Register{N: 1, Width: 64, SP: true}, Offset: -8}}},
		{"ret", 0xD65F03C0, OpRET, []Operand{X(30)}},
		{"nop", 0xD503201F, OpNOP, nil},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			inst, err := Decode(tc.word)
			if err != nil {
				t.Fatalf("Decode(%#08x) failed: %v", tc.word, err)
			}
			if inst.Op != tc.op {
				t.Errorf("op = %v, want %v", inst.Op, tc.op)
			}
			if diff := cmp.Diff(tc.args, inst.Args); diff != "" {
				t.Errorf("operands mismatch (-want +got):\n%s", diff)
			}
			if inst.Text == "" {
				t.Errorf("missing GNU syntax text for %#08x", tc.word)
			}
		})
	}
}

func TestDecodeUnsupported(t *testing.T) {
	tests := []struct {
		name string
		word uint32
	}{
		{"udf", 0x00000000},
		{"bl", 0x94000001},
		{"adrp", 0x90000000},
		{"bic", 0x8A210000},
		{"ldrsw", 0xB9800020},
		{"fp load", 0xFD400020},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Decode(tc.word)
			if err == nil {
				t.Fatalf("Decode(%#08x) succeeded, want error", tc.word)
			}
			if !errors.IsKind(err, errors.KindDecode) {
				t.Errorf("error kind: got %v, want decode", err)
			}
		})
	}
}

func TestDecodeBitMask(t *testing.T) {
	tests := []struct {
		n, imms, immr uint32
		width         int
		want          uint64
		ok            bool
	}{
		{1, 7, 0, 64, 0xFF, true},
		{0, 0, 0, 64, 0x0000000100000001, true},
		{0, 0, 0, 32, 0x00000001, true},
		{1, 0, 1, 64, 0x8000000000000000, true},
		{0, 0x3C, 0, 64, 0x5555555555555555, true},
		{0, 0x3F, 0, 64, 0, false},
		{1, 0x3F, 0, 64, 0, false},
	}
	for _, tc := range tests {
		got, ok := DecodeBitMask(tc.n, tc.imms, tc.immr, tc.width)
		if ok != tc.ok || got != tc.want {
			t.Errorf("DecodeBitMask(%d, %#x, %#x, %d) = %#x, %v; want %#x, %v",
				tc.n, tc.imms, tc.immr, tc.width, got, ok, tc.want, tc.ok)
		}
	}
}

func TestConditionInvert(t *testing.T) {
	if EQ.Invert() != NE || GE.Invert() != LT || AL.Invert() != AL {
		t.Errorf("Invert mismatch: eq->%v ge->%v al->%v", EQ.Invert(), GE.Invert(), AL.Invert())
	}
}
