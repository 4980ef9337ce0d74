package codegen

import "github.com/jolt-lang/jolt/internal/ir"

// Assembler is the catalogue of emit operations a concrete target provides.
// Calls do not necessarily map to single instructions; a target may expand one
// into several. Destination registers always come before sources, and sources
// are always explicit (`dst = src1 + src2`, never `dst += src`).
//
// Jump emitters must always produce the same encoded length regardless of the
// (possibly still unknown) displacement, so that patching a placeholder never
// shifts subsequent code. They return the base offset the displacement counts
// from, which is the end of the emitted instruction.
type Assembler interface {
	// Register and frame moves. Base-relative operations address
	// [base pointer + offset]; stack-relative ones address
	// [stack pointer + offset] and exist for outgoing call arguments.
	MovRegReg(buf *Buffer, dst, src GeneralReg)
	MovRegImm64(buf *Buffer, dst GeneralReg, imm int64)
	// MovRegLocalData emits an immediate move whose 64-bit field is patched
	// with the final address of data, recorded as a LocalData relocation.
	MovRegLocalData(buf *Buffer, dst GeneralReg, data []byte)
	MovRegBase(buf *Buffer, w Width, dst GeneralReg, offset int32)
	MovBaseReg(buf *Buffer, w Width, offset int32, src GeneralReg)
	// MovSXRegBase loads size bytes at [base+offset] and sign extends to 64
	// bits; MovZXRegBase zero extends. size must be 1, 2 or 4.
	MovSXRegBase(buf *Buffer, dst GeneralReg, offset int32, size uint8)
	MovZXRegBase(buf *Buffer, dst GeneralReg, offset int32, size uint8)
	MovRegMem(buf *Buffer, w Width, dst, ptr GeneralReg, offset int32)
	MovMemReg(buf *Buffer, w Width, ptr GeneralReg, offset int32, src GeneralReg)
	MovStackReg(buf *Buffer, offset int32, src GeneralReg)
	MovStackFReg(buf *Buffer, offset int32, src FloatReg)

	MovFRegFReg(buf *Buffer, dst, src FloatReg)
	MovFRegBase(buf *Buffer, dst FloatReg, offset int32)
	MovBaseFReg(buf *Buffer, offset int32, src FloatReg)
	MovFRegImm64(buf *Buffer, dst FloatReg, imm float64)
	MovFRegImm32(buf *Buffer, dst FloatReg, imm float32)
	MovMemFReg(buf *Buffer, ptr GeneralReg, offset int32, src FloatReg)

	// Integer arithmetic. Wide operations receive the storage manager so
	// targets needing scratch registers or register pairs can claim them.
	AddRegRegImm32(buf *Buffer, dst, src GeneralReg, imm int32)
	AddRegRegReg(buf *Buffer, dst, src1, src2 GeneralReg)
	SubRegRegReg(buf *Buffer, dst, src1, src2 GeneralReg)
	MulSignedRegRegReg(buf *Buffer, dst, src1, src2 GeneralReg)
	MulUnsignedRegRegReg(buf *Buffer, sm *StorageManager, dst, src1, src2 GeneralReg)
	DivSignedRegRegReg(buf *Buffer, sm *StorageManager, dst, src1, src2 GeneralReg)
	DivUnsignedRegRegReg(buf *Buffer, sm *StorageManager, dst, src1, src2 GeneralReg)
	NegRegReg(buf *Buffer, dst, src GeneralReg)
	AndRegRegReg(buf *Buffer, dst, src1, src2 GeneralReg)
	OrRegRegReg(buf *Buffer, dst, src1, src2 GeneralReg)
	XorRegRegReg(buf *Buffer, dst, src1, src2 GeneralReg)
	ShlRegRegReg(buf *Buffer, sm *StorageManager, dst, src1, src2 GeneralReg)
	ShrRegRegReg(buf *Buffer, sm *StorageManager, dst, src1, src2 GeneralReg)
	SarRegRegReg(buf *Buffer, sm *StorageManager, dst, src1, src2 GeneralReg)
	// SetIfOverflow materializes the overflow flag of the immediately
	// preceding arithmetic instruction as 0 or 1 in dst.
	SetIfOverflow(buf *Buffer, dst GeneralReg)

	// Comparisons produce 0 or 1 in a general register.
	EqRegRegReg(buf *Buffer, w Width, dst, src1, src2 GeneralReg)
	NeqRegRegReg(buf *Buffer, w Width, dst, src1, src2 GeneralReg)
	SignedCompare(buf *Buffer, w Width, op CompareOp, dst, src1, src2 GeneralReg)
	UnsignedCompare(buf *Buffer, w Width, op CompareOp, dst, src1, src2 GeneralReg)
	FloatCompare(buf *Buffer, w ir.FloatWidth, op CompareOp, dst GeneralReg, src1, src2 FloatReg)

	FAddRegRegReg(buf *Buffer, w ir.FloatWidth, dst, src1, src2 FloatReg)
	FSubRegRegReg(buf *Buffer, w ir.FloatWidth, dst, src1, src2 FloatReg)
	FMulRegRegReg(buf *Buffer, w ir.FloatWidth, dst, src1, src2 FloatReg)
	FDivRegRegReg(buf *Buffer, w ir.FloatWidth, dst, src1, src2 FloatReg)
	ToFloat(buf *Buffer, w ir.FloatWidth, dst FloatReg, src GeneralReg)

	// Call emits a call to a named procedure and records a LinkedFunction
	// relocation on the buffer; the target address is resolved downstream.
	Call(buf *Buffer, name string)

	// JmpImm32 emits an unconditional relative jump; JneRegImm64Imm32 jumps
	// when reg does not equal imm. Both are fixed length for any offset and
	// return the displacement base.
	JmpImm32(buf *Buffer, offset int32) int
	JneRegImm64Imm32(buf *Buffer, reg GeneralReg, imm uint64, offset int32) int

	Ret(buf *Buffer)
}

// CallConv describes a target's calling convention: register roles, the
// prologue/epilogue shape, and how arguments and complex values cross call
// boundaries. The storage manager consults it for register classification and
// the backend for call and return marshalling.
type CallConv interface {
	BasePtr() GeneralReg
	StackPtr() GeneralReg

	GeneralParamRegs() []GeneralReg
	GeneralReturnRegs() []GeneralReg
	GeneralDefaultFreeRegs() []GeneralReg
	FloatParamRegs() []FloatReg
	FloatReturnRegs() []FloatReg
	FloatDefaultFreeRegs() []FloatReg

	// ShadowSpace is stack space the caller must reserve below outgoing
	// arguments regardless of use.
	ShadowSpace() uint32

	GeneralCalleeSaved(reg GeneralReg) bool
	FloatCalleeSaved(reg FloatReg) bool

	// SetupStack emits the prologue (callee-saved saves plus stack pointer
	// adjustment) and returns the aligned frame size CleanupStack must undo.
	SetupStack(buf *Buffer, generalSaved []GeneralReg, floatSaved []FloatReg, frameSize, fnCallStackSize int32) int32
	CleanupStack(buf *Buffer, generalSaved []GeneralReg, floatSaved []FloatReg, alignedSize, fnCallStackSize int32)

	// LoadArgs records where the convention placed every incoming parameter,
	// without moving data. A complex return layout may consume a parameter
	// register for the hidden return pointer.
	LoadArgs(sm *StorageManager, params []ir.JoinParam, ret ir.Layout)

	// StoreArgs marshals outgoing arguments into registers and the outgoing
	// stack area, updating the storage manager's call-stack high-water mark.
	StoreArgs(buf *Buffer, sm *StorageManager, dst ir.Symbol, args []ir.Symbol, argLayouts []ir.Layout, ret ir.Layout)

	// ReturnComplexSymbol emits the return sequence for a value that does not
	// fit the return registers; LoadReturnedComplexSymbol is the caller-side
	// counterpart binding the returned value to dst.
	ReturnComplexSymbol(buf *Buffer, sm *StorageManager, sym ir.Symbol, layout ir.Layout)
	LoadReturnedComplexSymbol(buf *Buffer, sm *StorageManager, dst ir.Symbol, layout ir.Layout)
}
