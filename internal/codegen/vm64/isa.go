// Package vm64 is the reference target: a compact little-endian 64-bit ISA
// with sixteen general and sixteen float registers, fixed-length encodings
// per opcode, and an in-process interpreter so generated code can run in
// tests and the CLI. g14 is the base pointer and g15 the stack pointer.
package vm64

import "github.com/jolt-lang/jolt/internal/codegen"

// General registers.
const (
	G0 codegen.GeneralReg = iota
	G1
	G2
	G3
	G4
	G5
	G6
	G7
	G8
	G9
	G10
	G11
	G12
	G13
	G14 // base pointer
	G15 // stack pointer
)

// Float registers.
const (
	F0 codegen.FloatReg = iota
	F1
	F2
	F3
	F4
	F5
	F6
	F7
	F8
	F9
	F10
	F11
	F12
	F13
	F14
	F15
)

// Opcodes. Every opcode has one fixed encoded length; width-parameterized
// instructions carry the width as an operand byte (0=8, 1=16, 2=32, 3=64
// bits, matching codegen.Width) rather than splitting into per-width opcodes.
const (
	opMovRR   = 0x01 // dst, src
	opMovRI   = 0x02 // dst, imm64
	opLoadB   = 0x03 // width, dst, off32      dst = zext mem[bp+off]
	opLoadBSX = 0x04 // width, dst, off32      dst = sext mem[bp+off]
	opStoreB  = 0x05 // width, off32, src      mem[bp+off] = src
	opLoadM   = 0x06 // width, dst, ptr, off32 dst = zext mem[ptr+off]
	opStoreM  = 0x07 // width, ptr, off32, src mem[ptr+off] = src
	opStoreS  = 0x08 // off32, src             mem[sp+off] = src (64-bit)
	opStoreSF = 0x09 // off32, fsrc            mem[sp+off] = fsrc (64-bit)
	opFMovRR  = 0x0A // dst, src
	opFLoadB  = 0x0B // dst, off32             dst = mem[bp+off] (64-bit)
	opFStoreB = 0x0C // off32, src             mem[bp+off] = src (64-bit)
	opFMovI64 = 0x0D // dst, imm64 (f64 bits)
	opFMovI32 = 0x0E // dst, imm32 (f32 bits)
	opFStoreM = 0x0F // ptr, off32, fsrc       mem[ptr+off] = fsrc (64-bit)

	opAdd  = 0x10 // dst, s1, s2; sets the overflow flag (signed 64-bit)
	opAddI = 0x11 // dst, src, imm32
	opSub  = 0x12 // dst, s1, s2
	opIMul = 0x13 // dst, s1, s2
	opUMul = 0x14 // dst, s1, s2
	opIDiv = 0x15 // dst, s1, s2
	opUDiv = 0x16 // dst, s1, s2
	opNeg  = 0x17 // dst, src
	opAnd  = 0x18 // dst, s1, s2
	opOr   = 0x19 // dst, s1, s2
	opXor  = 0x1A // dst, s1, s2
	opShl  = 0x1B // dst, s1, s2 (amount masked to 63)
	opShr  = 0x1C // dst, s1, s2
	opSar  = 0x1D // dst, s1, s2
	opSetO = 0x1E // dst = overflow flag

	opEq   = 0x20 // width, dst, s1, s2
	opNeq  = 0x21 // width, dst, s1, s2
	opCmpS = 0x22 // width, cmp, dst, s1, s2 (signed)
	opCmpU = 0x23 // width, cmp, dst, s1, s2 (unsigned)
	opFCmp = 0x24 // fwidth, cmp, dst, fs1, fs2

	opFAdd = 0x28 // fwidth, dst, s1, s2
	opFSub = 0x29 // fwidth, dst, s1, s2
	opFMul = 0x2A // fwidth, dst, s1, s2
	opFDiv = 0x2B // fwidth, dst, s1, s2
	opIToF = 0x2C // fwidth, fdst, gsrc

	opCall = 0x30 // disp32 from instruction end
	opJmp  = 0x31 // disp32 from instruction end
	opJne  = 0x32 // reg, imm64, disp32; jump when reg != imm
	opRet  = 0x33
	opHost = 0x3E // host function index; loader-generated stubs only
)

// instLengths gives the full encoded length of each opcode, operand bytes
// included. Jump and call instructions must stay fixed length so placeholder
// displacements can be patched in place.
var instLengths = map[byte]int{
	opMovRR:   3,
	opMovRI:   10,
	opLoadB:   7,
	opLoadBSX: 7,
	opStoreB:  7,
	opLoadM:   8,
	opStoreM:  8,
	opStoreS:  6,
	opStoreSF: 6,
	opFMovRR:  3,
	opFLoadB:  6,
	opFStoreB: 6,
	opFMovI64: 10,
	opFMovI32: 6,
	opFStoreM: 7,
	opAdd:     4,
	opAddI:    7,
	opSub:     4,
	opIMul:    4,
	opUMul:    4,
	opIDiv:    4,
	opUDiv:    4,
	opNeg:     3,
	opAnd:     4,
	opOr:      4,
	opXor:     4,
	opShl:     4,
	opShr:     4,
	opSar:     4,
	opSetO:    2,
	opEq:      5,
	opNeq:     5,
	opCmpS:    6,
	opCmpU:    6,
	opFCmp:    6,
	opFAdd:    5,
	opFSub:    5,
	opFMul:    5,
	opFDiv:    5,
	opIToF:    4,
	opCall:    5,
	opJmp:     5,
	opJne:     14,
	opRet:     1,
	opHost:    2,
}

func widthBytes(w byte) uint32 {
	return 1 << w
}
