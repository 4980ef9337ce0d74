package vm64

import (
	"github.com/jolt-lang/jolt/internal/codegen"
	"github.com/jolt-lang/jolt/internal/ir"
)

// CallConv is the vm64 calling convention. The first four general and float
// arguments travel in g0-g3 and f0-f3, the rest in the caller's outgoing
// stack area. g0-g7 and f0-f7 are caller-saved. Complex values up to 16 bytes
// return in g0:g1; larger ones are written through a hidden pointer passed in
// g0. There is no shadow space.
//
// Stack frame, descending:
//
//	[bp+16+n]  stack-passed arguments
//	[bp+8]     return address
//	[bp]       caller's base pointer
//	[bp-n]     locals (claimStackSize offsets)
//	...        saved callee-saved registers
//	[sp+n]     outgoing arguments
type CallConv struct{}

var _ codegen.CallConv = CallConv{}

var (
	generalParamRegs = []codegen.GeneralReg{G0, G1, G2, G3}
	floatParamRegs   = []codegen.FloatReg{F0, F1, F2, F3}

	// Callee-saved registers sit at the tail-popped end last, so scratch
	// allocation prefers caller-saved registers and short procedures need no
	// prologue saves.
	generalDefaultFree = []codegen.GeneralReg{
		G8, G9, G10, G11, G12, G13,
		G7, G6, G5, G4, G3, G2, G1, G0,
	}
	floatDefaultFree = []codegen.FloatReg{
		F8, F9, F10, F11, F12, F13, F14, F15,
		F7, F6, F5, F4, F3, F2, F1, F0,
	}
)

func (CallConv) BasePtr() codegen.GeneralReg  { return G14 }
func (CallConv) StackPtr() codegen.GeneralReg { return G15 }

func (CallConv) GeneralParamRegs() []codegen.GeneralReg  { return generalParamRegs }
func (CallConv) GeneralReturnRegs() []codegen.GeneralReg { return []codegen.GeneralReg{G0, G1} }
func (CallConv) FloatParamRegs() []codegen.FloatReg      { return floatParamRegs }
func (CallConv) FloatReturnRegs() []codegen.FloatReg     { return []codegen.FloatReg{F0} }

func (CallConv) GeneralDefaultFreeRegs() []codegen.GeneralReg {
	return append([]codegen.GeneralReg(nil), generalDefaultFree...)
}

func (CallConv) FloatDefaultFreeRegs() []codegen.FloatReg {
	return append([]codegen.FloatReg(nil), floatDefaultFree...)
}

func (CallConv) ShadowSpace() uint32 { return 0 }

func (CallConv) GeneralCalleeSaved(reg codegen.GeneralReg) bool {
	return reg >= G8 && reg <= G13
}

func (CallConv) FloatCalleeSaved(reg codegen.FloatReg) bool {
	return reg >= F8
}

// returnedViaPointer reports whether a return layout does not fit g0:g1 and
// travels through memory the caller provides.
func returnedViaPointer(ret ir.Layout) bool {
	return !ret.InGeneralReg() && !ret.InFloatReg() && ret.Size() > 16
}

func align8(n int32) int32 {
	return (n + 7) &^ 7
}

// SetupStack pushes the caller's base pointer, points the base pointer at it
// and reserves the frame: locals, callee-saved saves, outgoing arguments. The
// saves live below the locals so claimStackSize offsets stay valid.
func (cc CallConv) SetupStack(buf *codegen.Buffer, generalSaved []codegen.GeneralReg, floatSaved []codegen.FloatReg, frameSize, fnCallStackSize int32) int32 {
	var asm Asm
	asm.AddRegRegImm32(buf, G15, G15, -8)
	asm.MovMemReg(buf, codegen.W64, G15, 0, G14)
	asm.MovRegReg(buf, G14, G15)

	saved := int32(len(generalSaved)+len(floatSaved)) * 8
	alignedSize := align8(frameSize) + saved + align8(fnCallStackSize)
	if alignedSize > 0 {
		asm.AddRegRegImm32(buf, G15, G15, -alignedSize)
	}

	offset := -align8(frameSize)
	for _, reg := range generalSaved {
		offset -= 8
		asm.MovBaseReg(buf, codegen.W64, offset, reg)
	}
	for _, reg := range floatSaved {
		offset -= 8
		asm.MovBaseFReg(buf, offset, reg)
	}
	return alignedSize
}

// CleanupStack restores the callee-saved registers and unwinds the frame. The
// locals size is recovered from the aligned size, so the save offsets match
// SetupStack exactly.
func (cc CallConv) CleanupStack(buf *codegen.Buffer, generalSaved []codegen.GeneralReg, floatSaved []codegen.FloatReg, alignedSize, fnCallStackSize int32) {
	var asm Asm
	saved := int32(len(generalSaved)+len(floatSaved)) * 8
	offset := -(alignedSize - saved - align8(fnCallStackSize))
	for _, reg := range generalSaved {
		offset -= 8
		asm.MovRegBase(buf, codegen.W64, reg, offset)
	}
	for _, reg := range floatSaved {
		offset -= 8
		asm.MovFRegBase(buf, reg, offset)
	}

	asm.MovRegReg(buf, G15, G14)
	asm.MovRegMem(buf, codegen.W64, G14, G15, 0)
	asm.AddRegRegImm32(buf, G15, G15, 8)
}

// LoadArgs records where the convention placed every incoming parameter. No
// data moves; register parameters are claimed in place and stack parameters
// become views above the base pointer (past the saved base pointer and the
// return address). A pointer-returned layout consumes g0.
func (cc CallConv) LoadArgs(sm *codegen.StorageManager, params []ir.JoinParam, ret ir.Layout) {
	gIdx, fIdx := 0, 0
	stackOffset := int32(0)
	if returnedViaPointer(ret) {
		sm.RetPointerArg(generalParamRegs[0])
		gIdx = 1
	}
	for _, p := range params {
		size := p.Layout.Size()
		switch {
		case p.Layout.InGeneralReg():
			if gIdx < len(generalParamRegs) {
				sm.GeneralRegArg(p.Sym, generalParamRegs[gIdx])
				gIdx++
			} else {
				sm.PrimitiveStackArg(p.Sym, 16+stackOffset)
				stackOffset += 8
			}
		case p.Layout.InFloatReg():
			if fIdx < len(floatParamRegs) {
				sm.FloatRegArg(p.Sym, floatParamRegs[fIdx])
				fIdx++
			} else {
				sm.PrimitiveStackArg(p.Sym, 16+stackOffset)
				stackOffset += 8
			}
		case size == 0:
			sm.NoDataArg(p.Sym)
		default:
			sm.ComplexStackArg(p.Sym, 16+stackOffset, size)
			stackOffset += align8(int32(size))
		}
	}
}

// argClass says where StoreArgs puts one outgoing argument.
type argClass int

const (
	argGeneralReg argClass = iota
	argFloatReg
	argStack
	argNoData
)

type argSlot struct {
	class       argClass
	gReg        codegen.GeneralReg
	fReg        codegen.FloatReg
	stackOffset int32
}

// StoreArgs marshals the outgoing arguments. Stack arguments are written
// first through scratch registers, then the argument registers are filled;
// the caller already spilled every caller-saved register, so no source can
// occupy a register about to be written. A pointer-returned call claims the
// destination's stack area here and passes its address in g0.
func (cc CallConv) StoreArgs(buf *codegen.Buffer, sm *codegen.StorageManager, dst ir.Symbol, args []ir.Symbol, argLayouts []ir.Layout, ret ir.Layout) {
	var asm Asm

	gIdx, fIdx := 0, 0
	stackOffset := int32(0)
	if returnedViaPointer(ret) {
		gIdx = 1
	}
	slots := make([]argSlot, len(args))
	for i, layout := range argLayouts {
		switch {
		case layout.InGeneralReg():
			if gIdx < len(generalParamRegs) {
				slots[i] = argSlot{class: argGeneralReg, gReg: generalParamRegs[gIdx]}
				gIdx++
			} else {
				slots[i] = argSlot{class: argStack, stackOffset: stackOffset}
				stackOffset += 8
			}
		case layout.InFloatReg():
			if fIdx < len(floatParamRegs) {
				slots[i] = argSlot{class: argFloatReg, fReg: floatParamRegs[fIdx]}
				fIdx++
			} else {
				slots[i] = argSlot{class: argStack, stackOffset: stackOffset}
				stackOffset += 8
			}
		case layout.Size() == 0:
			slots[i] = argSlot{class: argNoData}
		default:
			slots[i] = argSlot{class: argStack, stackOffset: stackOffset}
			stackOffset += align8(int32(layout.Size()))
		}
	}
	sm.UpdateFnCallStackSize(uint32(stackOffset) + cc.ShadowSpace())

	for i, slot := range slots {
		if slot.class != argStack {
			continue
		}
		layout := argLayouts[i]
		switch {
		case layout.InGeneralReg():
			sm.WithTmpGeneralReg(buf, func(tmp codegen.GeneralReg) {
				sm.LoadToSpecifiedGeneralReg(buf, args[i], tmp)
				asm.MovStackReg(buf, slot.stackOffset, tmp)
			})
		case layout.InFloatReg():
			sm.WithTmpFloatReg(buf, func(tmp codegen.FloatReg) {
				sm.LoadToSpecifiedFloatReg(buf, args[i], tmp)
				asm.MovStackFReg(buf, slot.stackOffset, tmp)
			})
		default:
			fromOffset, _ := sm.StackOffsetAndSize(args[i])
			copyToCallStack(buf, sm, layout.Size(), fromOffset, slot.stackOffset)
		}
	}

	if returnedViaPointer(ret) {
		retOffset := sm.ClaimStackArea(dst, ret.Size())
		asm.AddRegRegImm32(buf, generalParamRegs[0], G14, retOffset)
	}
	for i, slot := range slots {
		switch slot.class {
		case argGeneralReg:
			sm.LoadToSpecifiedGeneralReg(buf, args[i], slot.gReg)
		case argFloatReg:
			sm.LoadToSpecifiedFloatReg(buf, args[i], slot.fReg)
		}
	}
}

// copyToCallStack copies a stack-resident aggregate into the outgoing
// argument area, in descending power-of-two strides.
func copyToCallStack(buf *codegen.Buffer, sm *codegen.StorageManager, size uint32, fromOffset, toOffset int32) {
	var asm Asm
	sm.WithTmpGeneralReg(buf, func(tmp codegen.GeneralReg) {
		copied := int32(0)
		remaining := int32(size)
		for _, w := range []codegen.Width{codegen.W64, codegen.W32, codegen.W16, codegen.W8} {
			step := int32(w.Bytes())
			for remaining-copied >= step {
				asm.MovRegBase(buf, w, tmp, fromOffset+copied)
				asm.MovMemReg(buf, w, G15, toOffset+copied, tmp)
				copied += step
			}
		}
	})
}

// ReturnComplexSymbol places a complex return value: up to 16 bytes in g0:g1,
// larger values written through the hidden pointer. The return registers are
// clobbered directly; the jump to the epilogue follows immediately.
func (cc CallConv) ReturnComplexSymbol(buf *codegen.Buffer, sm *codegen.StorageManager, sym ir.Symbol, layout ir.Layout) {
	var asm Asm
	size := layout.Size()
	if size > 16 {
		sm.CopySymbolToArgPointer(buf, sym)
		return
	}
	offset, _ := sm.StackOffsetAndSize(sym)
	asm.MovRegBase(buf, codegen.W64, G0, offset)
	if size > 8 {
		asm.MovRegBase(buf, codegen.W64, G1, offset+8)
	}
}

// LoadReturnedComplexSymbol binds a complex call result to dst. A
// pointer-returned value is already in place (StoreArgs claimed the area);
// register-pair results are stored out of g0:g1.
func (cc CallConv) LoadReturnedComplexSymbol(buf *codegen.Buffer, sm *codegen.StorageManager, dst ir.Symbol, layout ir.Layout) {
	size := layout.Size()
	if size > 16 {
		return
	}
	var asm Asm
	baseOffset := sm.ClaimStackArea(dst, size)
	asm.MovBaseReg(buf, codegen.W64, baseOffset, G0)
	if size > 8 {
		asm.MovBaseReg(buf, codegen.W64, baseOffset+8, G1)
	}
}
