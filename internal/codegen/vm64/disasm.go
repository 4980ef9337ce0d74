package vm64

import (
	"encoding/binary"
	"fmt"
	"strings"
)

// Inst is one decoded instruction.
type Inst struct {
	Offset   int
	Mnemonic string
	Args     []string
}

func (i Inst) String() string {
	if len(i.Args) == 0 {
		return i.Mnemonic
	}
	return i.Mnemonic + " " + strings.Join(i.Args, ", ")
}

var mnemonics = map[byte]string{
	opMovRR:   "mov",
	opMovRI:   "mov.i",
	opLoadB:   "load",
	opLoadBSX: "load.sx",
	opStoreB:  "store",
	opLoadM:   "load.m",
	opStoreM:  "store.m",
	opStoreS:  "store.s",
	opStoreSF: "store.sf",
	opFMovRR:  "fmov",
	opFLoadB:  "fload",
	opFStoreB: "fstore",
	opFMovI64: "fmov.i64",
	opFMovI32: "fmov.i32",
	opFStoreM: "fstore.m",
	opAdd:     "add",
	opAddI:    "add.i",
	opSub:     "sub",
	opIMul:    "imul",
	opUMul:    "umul",
	opIDiv:    "idiv",
	opUDiv:    "udiv",
	opNeg:     "neg",
	opAnd:     "and",
	opOr:      "or",
	opXor:     "xor",
	opShl:     "shl",
	opShr:     "shr",
	opSar:     "sar",
	opSetO:    "seto",
	opEq:      "eq",
	opNeq:     "neq",
	opCmpS:    "cmp.s",
	opCmpU:    "cmp.u",
	opFCmp:    "fcmp",
	opFAdd:    "fadd",
	opFSub:    "fsub",
	opFMul:    "fmul",
	opFDiv:    "fdiv",
	opIToF:    "itof",
	opCall:    "call",
	opJmp:     "jmp",
	opJne:     "jne",
	opRet:     "ret",
	opHost:    "host",
}

func greg(b byte) string  { return fmt.Sprintf("g%d", b) }
func freg(b byte) string  { return fmt.Sprintf("f%d", b) }
func width(b byte) string { return fmt.Sprintf("w%d", 8*widthBytes(b)) }

func imm32(inst []byte, at int) string {
	return fmt.Sprintf("%d", int32(binary.LittleEndian.Uint32(inst[at:])))
}

func imm64(inst []byte, at int) string {
	return fmt.Sprintf("%d", int64(binary.LittleEndian.Uint64(inst[at:])))
}

// Disassemble decodes a full code region into instructions. It fails on an
// unknown opcode or a truncated final instruction.
func Disassemble(code []byte) ([]Inst, error) {
	var insts []Inst
	for pc := 0; pc < len(code); {
		op := code[pc]
		length, ok := instLengths[op]
		if !ok {
			return nil, fmt.Errorf("vm64: unknown opcode %#x at %#x", op, pc)
		}
		if pc+length > len(code) {
			return nil, fmt.Errorf("vm64: truncated instruction %#x at %#x", op, pc)
		}
		inst := code[pc : pc+length]

		var args []string
		switch op {
		case opMovRR:
			args = []string{greg(inst[1]), greg(inst[2])}
		case opMovRI:
			args = []string{greg(inst[1]), imm64(inst, 2)}
		case opLoadB, opLoadBSX:
			args = []string{width(inst[1]), greg(inst[2]), "[bp" + plus(imm32(inst, 3)) + "]"}
		case opStoreB:
			args = []string{width(inst[1]), "[bp" + plus(imm32(inst, 2)) + "]", greg(inst[6])}
		case opLoadM:
			args = []string{width(inst[1]), greg(inst[2]), "[" + greg(inst[3]) + plus(imm32(inst, 4)) + "]"}
		case opStoreM:
			args = []string{width(inst[1]), "[" + greg(inst[2]) + plus(imm32(inst, 3)) + "]", greg(inst[7])}
		case opStoreS:
			args = []string{"[sp" + plus(imm32(inst, 1)) + "]", greg(inst[5])}
		case opStoreSF:
			args = []string{"[sp" + plus(imm32(inst, 1)) + "]", freg(inst[5])}
		case opFMovRR:
			args = []string{freg(inst[1]), freg(inst[2])}
		case opFLoadB:
			args = []string{freg(inst[1]), "[bp" + plus(imm32(inst, 2)) + "]"}
		case opFStoreB:
			args = []string{"[bp" + plus(imm32(inst, 1)) + "]", freg(inst[5])}
		case opFMovI64:
			args = []string{freg(inst[1]), imm64(inst, 2)}
		case opFMovI32:
			args = []string{freg(inst[1]), imm32(inst, 2)}
		case opFStoreM:
			args = []string{"[" + greg(inst[1]) + plus(imm32(inst, 2)) + "]", freg(inst[6])}
		case opAdd, opSub, opIMul, opUMul, opIDiv, opUDiv, opAnd, opOr, opXor, opShl, opShr, opSar:
			args = []string{greg(inst[1]), greg(inst[2]), greg(inst[3])}
		case opAddI:
			args = []string{greg(inst[1]), greg(inst[2]), imm32(inst, 3)}
		case opNeg:
			args = []string{greg(inst[1]), greg(inst[2])}
		case opSetO:
			args = []string{greg(inst[1])}
		case opEq, opNeq:
			args = []string{width(inst[1]), greg(inst[2]), greg(inst[3]), greg(inst[4])}
		case opCmpS, opCmpU:
			args = []string{width(inst[1]), cmpName(inst[2]), greg(inst[3]), greg(inst[4]), greg(inst[5])}
		case opFCmp:
			args = []string{fwidth(inst[1]), cmpName(inst[2]), greg(inst[3]), freg(inst[4]), freg(inst[5])}
		case opFAdd, opFSub, opFMul, opFDiv:
			args = []string{fwidth(inst[1]), freg(inst[2]), freg(inst[3]), freg(inst[4])}
		case opIToF:
			args = []string{fwidth(inst[1]), freg(inst[2]), greg(inst[3])}
		case opCall, opJmp:
			args = []string{imm32(inst, 1)}
		case opJne:
			args = []string{greg(inst[1]), imm64(inst, 2), imm32(inst, 10)}
		case opRet:
		case opHost:
			args = []string{fmt.Sprintf("%d", inst[1])}
		}

		insts = append(insts, Inst{Offset: pc, Mnemonic: mnemonics[op], Args: args})
		pc += length
	}
	return insts, nil
}

func plus(offset string) string {
	if strings.HasPrefix(offset, "-") {
		return offset
	}
	return "+" + offset
}

func fwidth(b byte) string {
	if b == 0 {
		return "f32"
	}
	return "f64"
}

func cmpName(b byte) string {
	switch b {
	case 0:
		return "lt"
	case 1:
		return "lte"
	case 2:
		return "gt"
	case 3:
		return "gte"
	}
	return fmt.Sprintf("cmp%d", b)
}
