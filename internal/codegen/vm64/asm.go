package vm64

import (
	"math"

	"github.com/jolt-lang/jolt/internal/codegen"
	"github.com/jolt-lang/jolt/internal/ir"
)

// Asm emits vm64 encodings. The ISA is three-address and 64-bit throughout,
// so nearly every contract operation maps to exactly one instruction and no
// operation needs scratch registers.
type Asm struct{}

var _ codegen.Assembler = Asm{}

func sizeWidth(size uint8) codegen.Width {
	return codegen.WidthForSize(uint32(size))
}

func (Asm) MovRegReg(buf *codegen.Buffer, dst, src codegen.GeneralReg) {
	buf.U8(opMovRR)
	buf.U8(uint8(dst))
	buf.U8(uint8(src))
}

func (Asm) MovRegImm64(buf *codegen.Buffer, dst codegen.GeneralReg, imm int64) {
	buf.U8(opMovRI)
	buf.U8(uint8(dst))
	buf.I64(imm)
}

func (Asm) MovRegLocalData(buf *codegen.Buffer, dst codegen.GeneralReg, data []byte) {
	buf.U8(opMovRI)
	buf.U8(uint8(dst))
	buf.AddReloc(codegen.LocalData{Offset: buf.Len(), Data: data})
	buf.U64(0)
}

func (Asm) MovRegBase(buf *codegen.Buffer, w codegen.Width, dst codegen.GeneralReg, offset int32) {
	buf.U8(opLoadB)
	buf.U8(uint8(w))
	buf.U8(uint8(dst))
	buf.I32(offset)
}

func (Asm) MovBaseReg(buf *codegen.Buffer, w codegen.Width, offset int32, src codegen.GeneralReg) {
	buf.U8(opStoreB)
	buf.U8(uint8(w))
	buf.I32(offset)
	buf.U8(uint8(src))
}

func (Asm) MovSXRegBase(buf *codegen.Buffer, dst codegen.GeneralReg, offset int32, size uint8) {
	buf.U8(opLoadBSX)
	buf.U8(uint8(sizeWidth(size)))
	buf.U8(uint8(dst))
	buf.I32(offset)
}

func (Asm) MovZXRegBase(buf *codegen.Buffer, dst codegen.GeneralReg, offset int32, size uint8) {
	buf.U8(opLoadB)
	buf.U8(uint8(sizeWidth(size)))
	buf.U8(uint8(dst))
	buf.I32(offset)
}

func (Asm) MovRegMem(buf *codegen.Buffer, w codegen.Width, dst, ptr codegen.GeneralReg, offset int32) {
	buf.U8(opLoadM)
	buf.U8(uint8(w))
	buf.U8(uint8(dst))
	buf.U8(uint8(ptr))
	buf.I32(offset)
}

func (Asm) MovMemReg(buf *codegen.Buffer, w codegen.Width, ptr codegen.GeneralReg, offset int32, src codegen.GeneralReg) {
	buf.U8(opStoreM)
	buf.U8(uint8(w))
	buf.U8(uint8(ptr))
	buf.I32(offset)
	buf.U8(uint8(src))
}

func (Asm) MovStackReg(buf *codegen.Buffer, offset int32, src codegen.GeneralReg) {
	buf.U8(opStoreS)
	buf.I32(offset)
	buf.U8(uint8(src))
}

func (Asm) MovStackFReg(buf *codegen.Buffer, offset int32, src codegen.FloatReg) {
	buf.U8(opStoreSF)
	buf.I32(offset)
	buf.U8(uint8(src))
}

func (Asm) MovFRegFReg(buf *codegen.Buffer, dst, src codegen.FloatReg) {
	buf.U8(opFMovRR)
	buf.U8(uint8(dst))
	buf.U8(uint8(src))
}

func (Asm) MovFRegBase(buf *codegen.Buffer, dst codegen.FloatReg, offset int32) {
	buf.U8(opFLoadB)
	buf.U8(uint8(dst))
	buf.I32(offset)
}

func (Asm) MovBaseFReg(buf *codegen.Buffer, offset int32, src codegen.FloatReg) {
	buf.U8(opFStoreB)
	buf.I32(offset)
	buf.U8(uint8(src))
}

func (Asm) MovFRegImm64(buf *codegen.Buffer, dst codegen.FloatReg, imm float64) {
	buf.U8(opFMovI64)
	buf.U8(uint8(dst))
	buf.U64(math.Float64bits(imm))
}

func (Asm) MovFRegImm32(buf *codegen.Buffer, dst codegen.FloatReg, imm float32) {
	buf.U8(opFMovI32)
	buf.U8(uint8(dst))
	buf.U32(math.Float32bits(imm))
}

func (Asm) MovMemFReg(buf *codegen.Buffer, ptr codegen.GeneralReg, offset int32, src codegen.FloatReg) {
	buf.U8(opFStoreM)
	buf.U8(uint8(ptr))
	buf.I32(offset)
	buf.U8(uint8(src))
}

func alu3(buf *codegen.Buffer, op uint8, dst, s1, s2 codegen.GeneralReg) {
	buf.U8(op)
	buf.U8(uint8(dst))
	buf.U8(uint8(s1))
	buf.U8(uint8(s2))
}

func (Asm) AddRegRegImm32(buf *codegen.Buffer, dst, src codegen.GeneralReg, imm int32) {
	buf.U8(opAddI)
	buf.U8(uint8(dst))
	buf.U8(uint8(src))
	buf.I32(imm)
}

func (Asm) AddRegRegReg(buf *codegen.Buffer, dst, s1, s2 codegen.GeneralReg) {
	alu3(buf, opAdd, dst, s1, s2)
}

func (Asm) SubRegRegReg(buf *codegen.Buffer, dst, s1, s2 codegen.GeneralReg) {
	alu3(buf, opSub, dst, s1, s2)
}

func (Asm) MulSignedRegRegReg(buf *codegen.Buffer, dst, s1, s2 codegen.GeneralReg) {
	alu3(buf, opIMul, dst, s1, s2)
}

func (Asm) MulUnsignedRegRegReg(buf *codegen.Buffer, _ *codegen.StorageManager, dst, s1, s2 codegen.GeneralReg) {
	alu3(buf, opUMul, dst, s1, s2)
}

func (Asm) DivSignedRegRegReg(buf *codegen.Buffer, _ *codegen.StorageManager, dst, s1, s2 codegen.GeneralReg) {
	alu3(buf, opIDiv, dst, s1, s2)
}

func (Asm) DivUnsignedRegRegReg(buf *codegen.Buffer, _ *codegen.StorageManager, dst, s1, s2 codegen.GeneralReg) {
	alu3(buf, opUDiv, dst, s1, s2)
}

func (Asm) NegRegReg(buf *codegen.Buffer, dst, src codegen.GeneralReg) {
	buf.U8(opNeg)
	buf.U8(uint8(dst))
	buf.U8(uint8(src))
}

func (Asm) AndRegRegReg(buf *codegen.Buffer, dst, s1, s2 codegen.GeneralReg) {
	alu3(buf, opAnd, dst, s1, s2)
}

func (Asm) OrRegRegReg(buf *codegen.Buffer, dst, s1, s2 codegen.GeneralReg) {
	alu3(buf, opOr, dst, s1, s2)
}

func (Asm) XorRegRegReg(buf *codegen.Buffer, dst, s1, s2 codegen.GeneralReg) {
	alu3(buf, opXor, dst, s1, s2)
}

func (Asm) ShlRegRegReg(buf *codegen.Buffer, _ *codegen.StorageManager, dst, s1, s2 codegen.GeneralReg) {
	alu3(buf, opShl, dst, s1, s2)
}

func (Asm) ShrRegRegReg(buf *codegen.Buffer, _ *codegen.StorageManager, dst, s1, s2 codegen.GeneralReg) {
	alu3(buf, opShr, dst, s1, s2)
}

func (Asm) SarRegRegReg(buf *codegen.Buffer, _ *codegen.StorageManager, dst, s1, s2 codegen.GeneralReg) {
	alu3(buf, opSar, dst, s1, s2)
}

func (Asm) SetIfOverflow(buf *codegen.Buffer, dst codegen.GeneralReg) {
	buf.U8(opSetO)
	buf.U8(uint8(dst))
}

func (Asm) EqRegRegReg(buf *codegen.Buffer, w codegen.Width, dst, s1, s2 codegen.GeneralReg) {
	buf.U8(opEq)
	buf.U8(uint8(w))
	buf.U8(uint8(dst))
	buf.U8(uint8(s1))
	buf.U8(uint8(s2))
}

func (Asm) NeqRegRegReg(buf *codegen.Buffer, w codegen.Width, dst, s1, s2 codegen.GeneralReg) {
	buf.U8(opNeq)
	buf.U8(uint8(w))
	buf.U8(uint8(dst))
	buf.U8(uint8(s1))
	buf.U8(uint8(s2))
}

func (Asm) SignedCompare(buf *codegen.Buffer, w codegen.Width, op codegen.CompareOp, dst, s1, s2 codegen.GeneralReg) {
	buf.U8(opCmpS)
	buf.U8(uint8(w))
	buf.U8(uint8(op))
	buf.U8(uint8(dst))
	buf.U8(uint8(s1))
	buf.U8(uint8(s2))
}

func (Asm) UnsignedCompare(buf *codegen.Buffer, w codegen.Width, op codegen.CompareOp, dst, s1, s2 codegen.GeneralReg) {
	buf.U8(opCmpU)
	buf.U8(uint8(w))
	buf.U8(uint8(op))
	buf.U8(uint8(dst))
	buf.U8(uint8(s1))
	buf.U8(uint8(s2))
}

func (Asm) FloatCompare(buf *codegen.Buffer, w ir.FloatWidth, op codegen.CompareOp, dst codegen.GeneralReg, s1, s2 codegen.FloatReg) {
	buf.U8(opFCmp)
	buf.U8(uint8(w))
	buf.U8(uint8(op))
	buf.U8(uint8(dst))
	buf.U8(uint8(s1))
	buf.U8(uint8(s2))
}

func falu3(buf *codegen.Buffer, op uint8, w ir.FloatWidth, dst, s1, s2 codegen.FloatReg) {
	buf.U8(op)
	buf.U8(uint8(w))
	buf.U8(uint8(dst))
	buf.U8(uint8(s1))
	buf.U8(uint8(s2))
}

func (Asm) FAddRegRegReg(buf *codegen.Buffer, w ir.FloatWidth, dst, s1, s2 codegen.FloatReg) {
	falu3(buf, opFAdd, w, dst, s1, s2)
}

func (Asm) FSubRegRegReg(buf *codegen.Buffer, w ir.FloatWidth, dst, s1, s2 codegen.FloatReg) {
	falu3(buf, opFSub, w, dst, s1, s2)
}

func (Asm) FMulRegRegReg(buf *codegen.Buffer, w ir.FloatWidth, dst, s1, s2 codegen.FloatReg) {
	falu3(buf, opFMul, w, dst, s1, s2)
}

func (Asm) FDivRegRegReg(buf *codegen.Buffer, w ir.FloatWidth, dst, s1, s2 codegen.FloatReg) {
	falu3(buf, opFDiv, w, dst, s1, s2)
}

func (Asm) ToFloat(buf *codegen.Buffer, w ir.FloatWidth, dst codegen.FloatReg, src codegen.GeneralReg) {
	buf.U8(opIToF)
	buf.U8(uint8(w))
	buf.U8(uint8(dst))
	buf.U8(uint8(src))
}

func (Asm) Call(buf *codegen.Buffer, name string) {
	buf.U8(opCall)
	buf.AddReloc(codegen.LinkedFunction{Offset: buf.Len(), Name: name})
	buf.I32(0)
}

func (Asm) JmpImm32(buf *codegen.Buffer, offset int32) int {
	buf.U8(opJmp)
	buf.I32(offset)
	return buf.Len()
}

func (Asm) JneRegImm64Imm32(buf *codegen.Buffer, reg codegen.GeneralReg, imm uint64, offset int32) int {
	buf.U8(opJne)
	buf.U8(uint8(reg))
	buf.U64(imm)
	buf.I32(offset)
	return buf.Len()
}

func (Asm) Ret(buf *codegen.Buffer) {
	buf.U8(opRet)
}
