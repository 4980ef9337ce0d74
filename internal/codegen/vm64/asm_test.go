package vm64

import (
	"testing"

	"github.com/jolt-lang/jolt/internal/codegen"
	"github.com/jolt-lang/jolt/internal/ir"
)

// TestEncodedLengths checks every emitter against the instruction length
// table; the interpreter and the patching logic both depend on it.
func TestEncodedLengths(t *testing.T) {
	var asm Asm
	tests := []struct {
		name string
		op   byte
		emit func(buf *codegen.Buffer)
	}{
		{"MovRegReg", opMovRR, func(buf *codegen.Buffer) { asm.MovRegReg(buf, G1, G2) }},
		{"MovRegImm64", opMovRI, func(buf *codegen.Buffer) { asm.MovRegImm64(buf, G1, -5) }},
		{"MovRegLocalData", opMovRI, func(buf *codegen.Buffer) { asm.MovRegLocalData(buf, G1, []byte("x")) }},
		{"MovRegBase", opLoadB, func(buf *codegen.Buffer) { asm.MovRegBase(buf, codegen.W64, G1, -8) }},
		{"MovBaseReg", opStoreB, func(buf *codegen.Buffer) { asm.MovBaseReg(buf, codegen.W32, -8, G1) }},
		{"MovSXRegBase", opLoadBSX, func(buf *codegen.Buffer) { asm.MovSXRegBase(buf, G1, -8, 2) }},
		{"MovZXRegBase", opLoadB, func(buf *codegen.Buffer) { asm.MovZXRegBase(buf, G1, -8, 4) }},
		{"MovRegMem", opLoadM, func(buf *codegen.Buffer) { asm.MovRegMem(buf, codegen.W64, G1, G2, 16) }},
		{"MovMemReg", opStoreM, func(buf *codegen.Buffer) { asm.MovMemReg(buf, codegen.W8, G2, 16, G1) }},
		{"MovStackReg", opStoreS, func(buf *codegen.Buffer) { asm.MovStackReg(buf, 8, G1) }},
		{"MovStackFReg", opStoreSF, func(buf *codegen.Buffer) { asm.MovStackFReg(buf, 8, F1) }},
		{"MovFRegFReg", opFMovRR, func(buf *codegen.Buffer) { asm.MovFRegFReg(buf, F1, F2) }},
		{"MovFRegBase", opFLoadB, func(buf *codegen.Buffer) { asm.MovFRegBase(buf, F1, -8) }},
		{"MovBaseFReg", opFStoreB, func(buf *codegen.Buffer) { asm.MovBaseFReg(buf, -8, F1) }},
		{"MovFRegImm64", opFMovI64, func(buf *codegen.Buffer) { asm.MovFRegImm64(buf, F1, 1.5) }},
		{"MovFRegImm32", opFMovI32, func(buf *codegen.Buffer) { asm.MovFRegImm32(buf, F1, 1.5) }},
		{"MovMemFReg", opFStoreM, func(buf *codegen.Buffer) { asm.MovMemFReg(buf, G2, 16, F1) }},
		{"AddRegRegImm32", opAddI, func(buf *codegen.Buffer) { asm.AddRegRegImm32(buf, G1, G2, -16) }},
		{"AddRegRegReg", opAdd, func(buf *codegen.Buffer) { asm.AddRegRegReg(buf, G1, G2, G3) }},
		{"SubRegRegReg", opSub, func(buf *codegen.Buffer) { asm.SubRegRegReg(buf, G1, G2, G3) }},
		{"MulSignedRegRegReg", opIMul, func(buf *codegen.Buffer) { asm.MulSignedRegRegReg(buf, G1, G2, G3) }},
		{"DivSignedRegRegReg", opIDiv, func(buf *codegen.Buffer) { asm.DivSignedRegRegReg(buf, nil, G1, G2, G3) }},
		{"NegRegReg", opNeg, func(buf *codegen.Buffer) { asm.NegRegReg(buf, G1, G2) }},
		{"ShlRegRegReg", opShl, func(buf *codegen.Buffer) { asm.ShlRegRegReg(buf, nil, G1, G2, G3) }},
		{"SetIfOverflow", opSetO, func(buf *codegen.Buffer) { asm.SetIfOverflow(buf, G1) }},
		{"EqRegRegReg", opEq, func(buf *codegen.Buffer) { asm.EqRegRegReg(buf, codegen.W8, G1, G2, G3) }},
		{"SignedCompare", opCmpS, func(buf *codegen.Buffer) { asm.SignedCompare(buf, codegen.W64, codegen.CompareLess, G1, G2, G3) }},
		{"FloatCompare", opFCmp, func(buf *codegen.Buffer) { asm.FloatCompare(buf, ir.F64, codegen.CompareGreater, G1, F2, F3) }},
		{"FAddRegRegReg", opFAdd, func(buf *codegen.Buffer) { asm.FAddRegRegReg(buf, ir.F64, F1, F2, F3) }},
		{"ToFloat", opIToF, func(buf *codegen.Buffer) { asm.ToFloat(buf, ir.F64, F1, G2) }},
		{"Call", opCall, func(buf *codegen.Buffer) { asm.Call(buf, "f") }},
		{"JmpImm32", opJmp, func(buf *codegen.Buffer) { asm.JmpImm32(buf, 4) }},
		{"JneRegImm64Imm32", opJne, func(buf *codegen.Buffer) { asm.JneRegImm64Imm32(buf, G1, 7, 4) }},
		{"Ret", opRet, func(buf *codegen.Buffer) { asm.Ret(buf) }},
	}
	for _, tt := range tests {
		var buf codegen.Buffer
		tt.emit(&buf)
		if buf.Len() != instLengths[tt.op] {
			t.Errorf("%s: emitted %d bytes, want %d", tt.name, buf.Len(), instLengths[tt.op])
		}
		if buf.Bytes()[0] != tt.op {
			t.Errorf("%s: opcode = %#x, want %#x", tt.name, buf.Bytes()[0], tt.op)
		}
	}
}

func TestJumpEmittersReturnDisplacementBase(t *testing.T) {
	var asm Asm
	var buf codegen.Buffer
	asm.MovRegImm64(&buf, G0, 1)

	base := asm.JmpImm32(&buf, 0)
	if base != buf.Len() {
		t.Errorf("JmpImm32 base = %d, want %d", base, buf.Len())
	}
	base = asm.JneRegImm64Imm32(&buf, G0, 1, 0)
	if base != buf.Len() {
		t.Errorf("JneRegImm64Imm32 base = %d, want %d", base, buf.Len())
	}
}

func TestDisassemble(t *testing.T) {
	var asm Asm
	var buf codegen.Buffer
	asm.MovRegImm64(&buf, G0, 42)
	asm.AddRegRegReg(&buf, G0, G0, G1)
	asm.MovBaseReg(&buf, codegen.W64, -8, G0)
	asm.JneRegImm64Imm32(&buf, G0, 7, 10)
	asm.Ret(&buf)

	insts, err := Disassemble(buf.Bytes())
	if err != nil {
		t.Fatalf("Disassemble: %v", err)
	}
	want := []string{
		"mov.i g0, 42",
		"add g0, g0, g1",
		"store w64, [bp-8], g0",
		"jne g0, 7, 10",
		"ret",
	}
	if len(insts) != len(want) {
		t.Fatalf("decoded %d instructions, want %d", len(insts), len(want))
	}
	for i, w := range want {
		if got := insts[i].String(); got != w {
			t.Errorf("instruction %d = %q, want %q", i, got, w)
		}
	}
}

func TestDisassembleRejectsUnknownOpcode(t *testing.T) {
	if _, err := Disassemble([]byte{0xff}); err == nil {
		t.Error("expected an error for an unknown opcode")
	}
}

func TestMovRegLocalDataRecordsRelocation(t *testing.T) {
	var asm Asm
	var buf codegen.Buffer
	asm.MovRegLocalData(&buf, G3, []byte("payload"))

	relocs := buf.Relocations()
	if len(relocs) != 1 {
		t.Fatalf("got %d relocations, want 1", len(relocs))
	}
	local, ok := relocs[0].(codegen.LocalData)
	if !ok {
		t.Fatalf("relocation is %T, want LocalData", relocs[0])
	}
	// The immediate field starts after the opcode and register bytes.
	if local.Offset != 2 {
		t.Errorf("relocation offset = %d, want 2", local.Offset)
	}
	if string(local.Data) != "payload" {
		t.Errorf("relocation data = %q", local.Data)
	}
}
