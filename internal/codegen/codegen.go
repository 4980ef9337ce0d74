// Package codegen lowers IR procedures straight to machine code in a single
// pass. It contains the storage manager (register and stack liveness), the
// instruction selector, and the contracts a concrete target must satisfy.
// Decisions are made symbol by symbol as statements are visited and never
// revisited; the design trades code quality for compile speed.
package codegen

import (
	"encoding/binary"
	"fmt"
)

// GeneralReg identifies one general-purpose register of the target.
type GeneralReg uint8

// FloatReg identifies one floating-point register of the target.
type FloatReg uint8

// Width selects the operand width of a width-parameterized instruction.
type Width int

const (
	W8 Width = iota
	W16
	W32
	W64
)

func (w Width) Bytes() uint32 {
	switch w {
	case W8:
		return 1
	case W16:
		return 2
	case W32:
		return 4
	case W64:
		return 8
	}
	panic(fmt.Sprintf("codegen: unknown width %d", w))
}

// WidthForSize maps a primitive byte size onto an instruction width.
func WidthForSize(size uint32) Width {
	switch size {
	case 1:
		return W8
	case 2:
		return W16
	case 4:
		return W32
	case 8:
		return W64
	}
	panic(fmt.Sprintf("codegen: no register width for size %d", size))
}

// CompareOp is an ordered comparison; equality has dedicated emitters.
type CompareOp int

const (
	CompareLess CompareOp = iota
	CompareLessOrEqual
	CompareGreater
	CompareGreaterOrEqual
)

func (op CompareOp) String() string {
	switch op {
	case CompareLess:
		return "lt"
	case CompareLessOrEqual:
		return "lte"
	case CompareGreater:
		return "gt"
	case CompareGreaterOrEqual:
		return "gte"
	}
	return fmt.Sprintf("cmp(%d)", int(op))
}

// Buffer accumulates machine code and the relocations referencing it. Offsets
// in relocations are relative to the start of the buffer; the backend shifts
// them when the prologue is prepended during finalization.
type Buffer struct {
	code   []byte
	relocs []Relocation
}

func (b *Buffer) Len() int {
	return len(b.code)
}

func (b *Buffer) Bytes() []byte {
	return b.code
}

func (b *Buffer) U8(v uint8) {
	b.code = append(b.code, v)
}

func (b *Buffer) U32(v uint32) {
	b.code = binary.LittleEndian.AppendUint32(b.code, v)
}

func (b *Buffer) U64(v uint64) {
	b.code = binary.LittleEndian.AppendUint64(b.code, v)
}

func (b *Buffer) I32(v int32) {
	b.U32(uint32(v))
}

func (b *Buffer) I64(v int64) {
	b.U64(uint64(v))
}

func (b *Buffer) Append(data []byte) {
	b.code = append(b.code, data...)
}

// Overwrite replaces len(data) bytes at off in place. Every patch site is
// emitted with a fixed-length encoding, so overwriting never shifts code.
func (b *Buffer) Overwrite(off int, data []byte) {
	if off < 0 || off+len(data) > len(b.code) {
		panic(fmt.Sprintf("codegen: overwrite [%d:%d) outside buffer of %d bytes", off, off+len(data), len(b.code)))
	}
	copy(b.code[off:], data)
}

func (b *Buffer) AddReloc(r Relocation) {
	b.relocs = append(b.relocs, r)
}

func (b *Buffer) Relocations() []Relocation {
	return b.relocs
}

func (b *Buffer) Reset() {
	b.code = b.code[:0]
	b.relocs = b.relocs[:0]
}

// Relocation is a deferred address reference. LocalData, LinkedData and
// LinkedFunction survive into the Object and are resolved downstream;
// JmpToReturn is internal and consumed during finalization.
type Relocation interface {
	relocOffset() int
	shifted(by int) Relocation
}

// LocalData references literal bytes carried with the procedure. Offset names
// the 64-bit immediate field to patch with the data's final address.
type LocalData struct {
	Offset int
	Data   []byte
}

// LinkedData references an external data symbol resolved by the linker.
type LinkedData struct {
	Offset int
	Name   string
}

// LinkedFunction references a call target resolved by the linker or loader.
// Offset names the 32-bit displacement field of the call instruction.
type LinkedFunction struct {
	Offset int
	Name   string
}

// JmpToReturn marks a jump to the procedure epilogue whose target is unknown
// until the body is complete. InstLoc/InstSize identify the whole instruction
// so finalization can elide a trailing jump; Offset is the displacement base.
type JmpToReturn struct {
	InstLoc  int
	InstSize int
	Offset   int
}

func (r LocalData) relocOffset() int      { return r.Offset }
func (r LinkedData) relocOffset() int     { return r.Offset }
func (r LinkedFunction) relocOffset() int { return r.Offset }
func (r JmpToReturn) relocOffset() int    { return r.InstLoc }

func (r LocalData) shifted(by int) Relocation {
	r.Offset += by
	return r
}

func (r LinkedData) shifted(by int) Relocation {
	r.Offset += by
	return r
}

func (r LinkedFunction) shifted(by int) Relocation {
	r.Offset += by
	return r
}

func (r JmpToReturn) shifted(by int) Relocation {
	r.InstLoc += by
	r.Offset += by
	return r
}

// Object is the per-procedure output: final machine code plus the relocation
// records a downstream object writer (or the vm64 loader) must resolve. No
// absolute addresses appear anywhere in Code.
type Object struct {
	Name   string
	Code   []byte
	Relocs []Relocation
}
