package codegen

import (
	"math"
	"sort"

	"github.com/jolt-lang/jolt/internal/ir"
)

// RetPointer is the reserved symbol holding the hidden return pointer when a
// complex value is returned through memory. It never appears in the IR.
const RetPointer = ^ir.Symbol(0)

// StorageKind discriminates the storage variants below.
type StorageKind int

const (
	// StorageNone is the zero value; no symbol ever carries it.
	StorageNone StorageKind = iota
	// StorageGeneralReg: the value lives in a general-purpose register.
	StorageGeneralReg
	// StorageFloatReg: the value lives in a floating-point register.
	StorageFloatReg
	// StorageStackPrimitive: an 8-byte-aligned spill slot holding a single
	// register's worth of data, optionally mirrored in a register. The slot
	// is always written and read as a full 8-byte block.
	StorageStackPrimitive
	// StorageReferenced: a primitive inside a larger stack object. It has no
	// guarantees about the surrounding bits and must be loaded at its exact
	// size with the recorded extension.
	StorageReferenced
	// StorageComplex: stack bytes of an aggregate (struct, union, str, list)
	// or a view into one. No alignment guarantees.
	StorageComplex
	// StorageNoData: a zero-sized value.
	StorageNoData
)

type mirrorKind int

const (
	mirrorNone mirrorKind = iota
	mirrorGeneral
	mirrorFloat
)

// Storage records where one symbol's value currently lives. It is a plain
// comparable value so jump setup can test "already in the wanted place" with
// ==. Fields outside the active kind stay zero.
type Storage struct {
	Kind       StorageKind
	GReg       GeneralReg
	FReg       FloatReg
	Mirror     mirrorKind // StorageStackPrimitive only
	Offset     int32      // base-pointer relative
	Size       uint32     // StorageReferenced and StorageComplex
	SignExtend bool       // StorageReferenced only
}

func generalRegStorage(reg GeneralReg) Storage {
	return Storage{Kind: StorageGeneralReg, GReg: reg}
}

func floatRegStorage(reg FloatReg) Storage {
	return Storage{Kind: StorageFloatReg, FReg: reg}
}

// StackChunk is one region of reusable frame space. Exported for tests that
// assert the free-list coalescing invariant.
type StackChunk struct {
	Offset int32
	Size   uint32
}

// allocation is one claimed stack region shared by every symbol that views
// into it. refs counts the viewing symbols; the region returns to the free
// list when the count reaches zero.
type allocation struct {
	offset int32
	size   uint32
	refs   int
}

type usedGeneralReg struct {
	reg GeneralReg
	sym ir.Symbol
}

type usedFloatReg struct {
	reg FloatReg
	sym ir.Symbol
}

// StorageManager tracks, for a single procedure, where every live symbol is
// stored and which registers and frame bytes are free. All decisions are made
// at the moment of the call and are never revisited; eviction is FIFO over
// the in-use register list.
type StorageManager struct {
	asm Assembler
	cc  CallConv

	symbolStorage map[ir.Symbol]Storage

	// Shared stack regions. allocFor maps a symbol to its region's index in
	// allocations; several symbols alias one region (a struct and its
	// fields), and the region is freed only when the last one goes.
	allocations []allocation
	allocFor    map[ir.Symbol]int

	joinParams map[ir.JoinID][]Storage

	generalFreeRegs []GeneralReg
	floatFreeRegs   []FloatReg
	generalUsedRegs []usedGeneralReg
	floatUsedRegs   []usedFloatReg

	generalUsedCalleeSaved map[GeneralReg]struct{}
	floatUsedCalleeSaved   map[FloatReg]struct{}

	// freeStackChunks is ordered by offset; adjacent chunks are always
	// merged, so no two entries touch.
	freeStackChunks []StackChunk
	stackSize       uint32
	fnCallStackSize uint32
}

func NewStorageManager(asm Assembler, cc CallConv) *StorageManager {
	sm := &StorageManager{asm: asm, cc: cc}
	sm.Reset()
	return sm
}

// Reset returns the manager to its initial state: no symbols, no frame, free
// registers refilled from the calling convention's default lists.
func (sm *StorageManager) Reset() {
	sm.symbolStorage = make(map[ir.Symbol]Storage)
	sm.allocations = sm.allocations[:0]
	sm.allocFor = make(map[ir.Symbol]int)
	sm.joinParams = make(map[ir.JoinID][]Storage)
	sm.generalFreeRegs = append(sm.generalFreeRegs[:0], sm.cc.GeneralDefaultFreeRegs()...)
	sm.floatFreeRegs = append(sm.floatFreeRegs[:0], sm.cc.FloatDefaultFreeRegs()...)
	sm.generalUsedRegs = sm.generalUsedRegs[:0]
	sm.floatUsedRegs = sm.floatUsedRegs[:0]
	sm.generalUsedCalleeSaved = make(map[GeneralReg]struct{})
	sm.floatUsedCalleeSaved = make(map[FloatReg]struct{})
	sm.freeStackChunks = sm.freeStackChunks[:0]
	sm.stackSize = 0
	sm.fnCallStackSize = 0
}

// Clone snapshots the full state so a conditional arm can be compiled without
// disturbing the state the next arm starts from.
func (sm *StorageManager) Clone() *StorageManager {
	c := &StorageManager{
		asm:             sm.asm,
		cc:              sm.cc,
		symbolStorage:   make(map[ir.Symbol]Storage, len(sm.symbolStorage)),
		allocations:     append([]allocation(nil), sm.allocations...),
		allocFor:        make(map[ir.Symbol]int, len(sm.allocFor)),
		joinParams:      make(map[ir.JoinID][]Storage, len(sm.joinParams)),
		generalFreeRegs: append([]GeneralReg(nil), sm.generalFreeRegs...),
		floatFreeRegs:   append([]FloatReg(nil), sm.floatFreeRegs...),
		generalUsedRegs: append([]usedGeneralReg(nil), sm.generalUsedRegs...),
		floatUsedRegs:   append([]usedFloatReg(nil), sm.floatUsedRegs...),

		generalUsedCalleeSaved: make(map[GeneralReg]struct{}, len(sm.generalUsedCalleeSaved)),
		floatUsedCalleeSaved:   make(map[FloatReg]struct{}, len(sm.floatUsedCalleeSaved)),

		freeStackChunks: append([]StackChunk(nil), sm.freeStackChunks...),
		stackSize:       sm.stackSize,
		fnCallStackSize: sm.fnCallStackSize,
	}
	for k, v := range sm.symbolStorage {
		c.symbolStorage[k] = v
	}
	for k, v := range sm.allocFor {
		c.allocFor[k] = v
	}
	for k, v := range sm.joinParams {
		c.joinParams[k] = append([]Storage(nil), v...)
	}
	for k := range sm.generalUsedCalleeSaved {
		c.generalUsedCalleeSaved[k] = struct{}{}
	}
	for k := range sm.floatUsedCalleeSaved {
		c.floatUsedCalleeSaved[k] = struct{}{}
	}
	return c
}

func (sm *StorageManager) StackSize() uint32 {
	return sm.stackSize
}

func (sm *StorageManager) FnCallStackSize() uint32 {
	return sm.fnCallStackSize
}

// FreeChunks returns a copy of the free-list, ordered by offset.
func (sm *StorageManager) FreeChunks() []StackChunk {
	return append([]StackChunk(nil), sm.freeStackChunks...)
}

// GeneralUsedCalleeSavedRegs lists every callee-saved general register the
// procedure touched, in ascending order so the prologue is deterministic.
func (sm *StorageManager) GeneralUsedCalleeSavedRegs() []GeneralReg {
	regs := make([]GeneralReg, 0, len(sm.generalUsedCalleeSaved))
	for reg := range sm.generalUsedCalleeSaved {
		regs = append(regs, reg)
	}
	sort.Slice(regs, func(i, j int) bool { return regs[i] < regs[j] })
	return regs
}

// FloatUsedCalleeSavedRegs is the float counterpart of
// GeneralUsedCalleeSavedRegs.
func (sm *StorageManager) FloatUsedCalleeSavedRegs() []FloatReg {
	regs := make([]FloatReg, 0, len(sm.floatUsedCalleeSaved))
	for reg := range sm.floatUsedCalleeSaved {
		regs = append(regs, reg)
	}
	sort.Slice(regs, func(i, j int) bool { return regs[i] < regs[j] })
	return regs
}

// IsStoredPrimitive reports whether the symbol holds a single-register value.
func (sm *StorageManager) IsStoredPrimitive(sym ir.Symbol) bool {
	switch sm.storageFor("IsStoredPrimitive", sym).Kind {
	case StorageGeneralReg, StorageFloatReg, StorageStackPrimitive, StorageReferenced:
		return true
	}
	return false
}

// getGeneralReg pops a free general register, spilling the oldest in-use one
// when none are free. Callee-saved registers are recorded on first use.
func (sm *StorageManager) getGeneralReg(buf *Buffer) GeneralReg {
	if n := len(sm.generalFreeRegs); n > 0 {
		reg := sm.generalFreeRegs[n-1]
		sm.generalFreeRegs = sm.generalFreeRegs[:n-1]
		if sm.cc.GeneralCalleeSaved(reg) {
			sm.generalUsedCalleeSaved[reg] = struct{}{}
		}
		return reg
	}
	if len(sm.generalUsedRegs) > 0 {
		victim := sm.generalUsedRegs[0]
		sm.generalUsedRegs = append(sm.generalUsedRegs[:0], sm.generalUsedRegs[1:]...)
		sm.freeGeneralToStack(buf, victim.sym, victim.reg)
		return victim.reg
	}
	failf("getGeneralReg", "completely out of general purpose registers")
	return 0
}

func (sm *StorageManager) getFloatReg(buf *Buffer) FloatReg {
	if n := len(sm.floatFreeRegs); n > 0 {
		reg := sm.floatFreeRegs[n-1]
		sm.floatFreeRegs = sm.floatFreeRegs[:n-1]
		if sm.cc.FloatCalleeSaved(reg) {
			sm.floatUsedCalleeSaved[reg] = struct{}{}
		}
		return reg
	}
	if len(sm.floatUsedRegs) > 0 {
		victim := sm.floatUsedRegs[0]
		sm.floatUsedRegs = append(sm.floatUsedRegs[:0], sm.floatUsedRegs[1:]...)
		sm.freeFloatToStack(buf, victim.sym, victim.reg)
		return victim.reg
	}
	failf("getFloatReg", "completely out of floating point registers")
	return 0
}

// ClaimGeneralReg claims a general register for a symbol that has no storage
// yet.
func (sm *StorageManager) ClaimGeneralReg(buf *Buffer, sym ir.Symbol) GeneralReg {
	if _, ok := sm.symbolStorage[sym]; ok {
		failf("ClaimGeneralReg", "symbol %s already has storage", sym)
	}
	reg := sm.getGeneralReg(buf)
	sm.generalUsedRegs = append(sm.generalUsedRegs, usedGeneralReg{reg, sym})
	sm.symbolStorage[sym] = generalRegStorage(reg)
	return reg
}

// ClaimFloatReg claims a float register for a symbol that has no storage yet.
func (sm *StorageManager) ClaimFloatReg(buf *Buffer, sym ir.Symbol) FloatReg {
	if _, ok := sm.symbolStorage[sym]; ok {
		failf("ClaimFloatReg", "symbol %s already has storage", sym)
	}
	reg := sm.getFloatReg(buf)
	sm.floatUsedRegs = append(sm.floatUsedRegs, usedFloatReg{reg, sym})
	sm.symbolStorage[sym] = floatRegStorage(reg)
	return reg
}

// WithTmpGeneralReg runs f with a scratch general register that is released
// afterwards. The scratch register is not safe across a call instruction.
func (sm *StorageManager) WithTmpGeneralReg(buf *Buffer, f func(reg GeneralReg)) {
	reg := sm.getGeneralReg(buf)
	f(reg)
	sm.generalFreeRegs = append(sm.generalFreeRegs, reg)
}

// WithTmpFloatReg is the float counterpart of WithTmpGeneralReg.
func (sm *StorageManager) WithTmpFloatReg(buf *Buffer, f func(reg FloatReg)) {
	reg := sm.getFloatReg(buf)
	f(reg)
	sm.floatFreeRegs = append(sm.floatFreeRegs, reg)
}

// LoadToGeneralReg makes the symbol's value live in some general register and
// returns it. A register hit emits nothing. Fails for float-class, complex
// and zero-sized storage.
func (sm *StorageManager) LoadToGeneralReg(buf *Buffer, sym ir.Symbol) GeneralReg {
	storage := sm.storageFor("LoadToGeneralReg", sym)
	switch storage.Kind {
	case StorageGeneralReg:
		return storage.GReg
	case StorageFloatReg:
		failf("LoadToGeneralReg", "cannot load float symbol %s into a general register", sym)
	case StorageStackPrimitive:
		switch storage.Mirror {
		case mirrorGeneral:
			return storage.GReg
		case mirrorFloat:
			failf("LoadToGeneralReg", "cannot load float symbol %s into a general register", sym)
		}
		if storage.Offset%8 != 0 {
			failf("LoadToGeneralReg", "misaligned primitive slot %d for %s", storage.Offset, sym)
		}
		reg := sm.getGeneralReg(buf)
		sm.asm.MovRegBase(buf, W64, reg, storage.Offset)
		sm.generalUsedRegs = append(sm.generalUsedRegs, usedGeneralReg{reg, sym})
		storage.Mirror = mirrorGeneral
		storage.GReg = reg
		sm.symbolStorage[sym] = storage
		return reg
	case StorageReferenced:
		reg := sm.getGeneralReg(buf)
		if storage.SignExtend {
			sm.asm.MovSXRegBase(buf, reg, storage.Offset, uint8(storage.Size))
		} else {
			sm.asm.MovZXRegBase(buf, reg, storage.Offset, uint8(storage.Size))
		}
		sm.generalUsedRegs = append(sm.generalUsedRegs, usedGeneralReg{reg, sym})
		sm.symbolStorage[sym] = generalRegStorage(reg)
		sm.freeReference(sym)
		return reg
	case StorageComplex:
		failf("LoadToGeneralReg", "cannot load %d bytes of %s into a general register", storage.Size, sym)
	case StorageNoData:
		failf("LoadToGeneralReg", "cannot load zero-sized %s into a general register", sym)
	}
	failf("LoadToGeneralReg", "unknown storage kind %d for %s", storage.Kind, sym)
	return 0
}

// LoadToFloatReg is the float counterpart of LoadToGeneralReg.
func (sm *StorageManager) LoadToFloatReg(buf *Buffer, sym ir.Symbol) FloatReg {
	storage := sm.storageFor("LoadToFloatReg", sym)
	switch storage.Kind {
	case StorageFloatReg:
		return storage.FReg
	case StorageGeneralReg:
		failf("LoadToFloatReg", "cannot load general symbol %s into a float register", sym)
	case StorageStackPrimitive:
		switch storage.Mirror {
		case mirrorFloat:
			return storage.FReg
		case mirrorGeneral:
			failf("LoadToFloatReg", "cannot load general symbol %s into a float register", sym)
		}
		if storage.Offset%8 != 0 {
			failf("LoadToFloatReg", "misaligned primitive slot %d for %s", storage.Offset, sym)
		}
		reg := sm.getFloatReg(buf)
		sm.asm.MovFRegBase(buf, reg, storage.Offset)
		sm.floatUsedRegs = append(sm.floatUsedRegs, usedFloatReg{reg, sym})
		storage.Mirror = mirrorFloat
		storage.FReg = reg
		sm.symbolStorage[sym] = storage
		return reg
	case StorageReferenced:
		if storage.Offset%8 == 0 && storage.Size == 8 {
			reg := sm.getFloatReg(buf)
			sm.asm.MovFRegBase(buf, reg, storage.Offset)
			sm.floatUsedRegs = append(sm.floatUsedRegs, usedFloatReg{reg, sym})
			sm.symbolStorage[sym] = floatRegStorage(reg)
			sm.freeReference(sym)
			return reg
		}
		todof("LoadToFloatReg", "loading narrow referenced float %s (size %d)", sym, storage.Size)
	case StorageComplex:
		failf("LoadToFloatReg", "cannot load %d bytes of %s into a float register", storage.Size, sym)
	case StorageNoData:
		failf("LoadToFloatReg", "cannot load zero-sized %s into a float register", sym)
	}
	failf("LoadToFloatReg", "unknown storage kind %d for %s", storage.Kind, sym)
	return 0
}

// LoadToSpecifiedGeneralReg emits moves placing the value in reg without
// changing ownership. For call and return marshalling only; the caller must
// know the register is safe to clobber.
func (sm *StorageManager) LoadToSpecifiedGeneralReg(buf *Buffer, sym ir.Symbol, reg GeneralReg) {
	storage := sm.storageFor("LoadToSpecifiedGeneralReg", sym)
	switch storage.Kind {
	case StorageGeneralReg:
		if storage.GReg != reg {
			sm.asm.MovRegReg(buf, reg, storage.GReg)
		}
	case StorageStackPrimitive:
		switch storage.Mirror {
		case mirrorGeneral:
			if storage.GReg != reg {
				sm.asm.MovRegReg(buf, reg, storage.GReg)
			}
		case mirrorFloat:
			failf("LoadToSpecifiedGeneralReg", "cannot load float symbol %s into a general register", sym)
		default:
			if storage.Offset%8 != 0 {
				failf("LoadToSpecifiedGeneralReg", "misaligned primitive slot %d for %s", storage.Offset, sym)
			}
			sm.asm.MovRegBase(buf, W64, reg, storage.Offset)
		}
	case StorageReferenced:
		if storage.Size > 8 {
			failf("LoadToSpecifiedGeneralReg", "referenced primitive %s too wide (%d bytes)", sym, storage.Size)
		}
		if storage.SignExtend {
			sm.asm.MovSXRegBase(buf, reg, storage.Offset, uint8(storage.Size))
		} else {
			sm.asm.MovZXRegBase(buf, reg, storage.Offset, uint8(storage.Size))
		}
	case StorageFloatReg:
		failf("LoadToSpecifiedGeneralReg", "cannot load float symbol %s into a general register", sym)
	case StorageComplex:
		failf("LoadToSpecifiedGeneralReg", "cannot load %d bytes of %s into a general register", storage.Size, sym)
	default:
		failf("LoadToSpecifiedGeneralReg", "cannot load zero-sized %s into a general register", sym)
	}
}

// LoadToSpecifiedFloatReg is the float counterpart of
// LoadToSpecifiedGeneralReg.
func (sm *StorageManager) LoadToSpecifiedFloatReg(buf *Buffer, sym ir.Symbol, reg FloatReg) {
	storage := sm.storageFor("LoadToSpecifiedFloatReg", sym)
	switch storage.Kind {
	case StorageFloatReg:
		if storage.FReg != reg {
			sm.asm.MovFRegFReg(buf, reg, storage.FReg)
		}
	case StorageStackPrimitive:
		switch storage.Mirror {
		case mirrorFloat:
			if storage.FReg != reg {
				sm.asm.MovFRegFReg(buf, reg, storage.FReg)
			}
		case mirrorGeneral:
			failf("LoadToSpecifiedFloatReg", "cannot load general symbol %s into a float register", sym)
		default:
			if storage.Offset%8 != 0 {
				failf("LoadToSpecifiedFloatReg", "misaligned primitive slot %d for %s", storage.Offset, sym)
			}
			sm.asm.MovFRegBase(buf, reg, storage.Offset)
		}
	case StorageReferenced:
		if storage.Offset%8 == 0 && storage.Size == 8 {
			sm.asm.MovFRegBase(buf, reg, storage.Offset)
			return
		}
		todof("LoadToSpecifiedFloatReg", "loading narrow referenced float %s (size %d)", sym, storage.Size)
	case StorageGeneralReg:
		failf("LoadToSpecifiedFloatReg", "cannot load general symbol %s into a float register", sym)
	case StorageComplex:
		failf("LoadToSpecifiedFloatReg", "cannot load %d bytes of %s into a float register", storage.Size, sym)
	default:
		failf("LoadToSpecifiedFloatReg", "cannot load zero-sized %s into a float register", sym)
	}
}

// LoadFieldAtIndex binds sym to a lazy view of one field of structure: no
// bytes move, the field's offset is recorded and the backing allocation is
// shared. Primitive fields become referenced primitives, aggregates complex
// views.
func (sm *StorageManager) LoadFieldAtIndex(sym, structure ir.Symbol, index uint32, fieldLayouts []ir.Layout) {
	if int(index) >= len(fieldLayouts) {
		failf("LoadFieldAtIndex", "field index %d out of range for %d fields", index, len(fieldLayouts))
	}
	storage := sm.storageFor("LoadFieldAtIndex", structure)
	if storage.Kind != StorageComplex {
		failf("LoadFieldAtIndex", "cannot load a field from %s with storage kind %d", structure, storage.Kind)
	}
	dataOffset := storage.Offset
	for _, l := range fieldLayouts[:index] {
		dataOffset += int32(l.Size())
	}
	if dataOffset > storage.Offset+int32(storage.Size) {
		failf("LoadFieldAtIndex", "field %d of %s lies outside its allocation", index, structure)
	}
	layout := fieldLayouts[index]
	size := layout.Size()
	sm.shareAllocation(sym, structure)
	if layout.IsPrimitive() {
		sm.symbolStorage[sym] = Storage{
			Kind:       StorageReferenced,
			Offset:     dataOffset,
			Size:       size,
			SignExtend: layout.SignExtend(),
		}
	} else {
		sm.symbolStorage[sym] = Storage{Kind: StorageComplex, Offset: dataOffset, Size: size}
	}
}

// LoadUnionTagID binds sym to the discriminant of a union value: an unsigned
// narrow view at the trailing alignment slot, sharing the union's allocation.
func (sm *StorageManager) LoadUnionTagID(sym, structure ir.Symbol, union ir.Layout) {
	dataSize, dataAlign := union.UnionDataSizeAlign()
	unionOffset, _ := sm.StackOffsetAndSize(structure)
	sm.shareAllocation(sym, structure)
	sm.symbolStorage[sym] = Storage{
		Kind:   StorageReferenced,
		Offset: unionOffset + int32(dataSize-dataAlign),
		Size:   union.TagSize(),
		// tag ids are always unsigned
		SignExtend: false,
	}
}

// ListLen binds dst to the length word of a list header (second 8-byte
// field), sharing the list's allocation.
func (sm *StorageManager) ListLen(dst, list ir.Symbol) {
	listOffset, _ := sm.StackOffsetAndSize(list)
	sm.shareAllocation(dst, list)
	sm.symbolStorage[dst] = Storage{
		Kind:   StorageReferenced,
		Offset: listOffset + 8,
		Size:   8,
	}
}

// CreateStruct claims stack space for a record and copies each field value in
// layout order. Zero-sized records become NoData.
func (sm *StorageManager) CreateStruct(buf *Buffer, sym ir.Symbol, layout ir.Layout, fields []ir.Symbol) {
	size := layout.Size()
	if size == 0 {
		sm.symbolStorage[sym] = Storage{Kind: StorageNoData}
		return
	}
	baseOffset := sm.ClaimStackArea(sym, size)
	if layout.Kind == ir.KindStruct {
		offset := baseOffset
		for i, field := range fields {
			fieldLayout := layout.Fields[i]
			sm.CopySymbolToStackOffset(buf, offset, field, fieldLayout)
			offset += int32(fieldLayout.Size())
		}
		return
	}
	// Single element wrapper. Copy the one field directly.
	if len(fields) != 1 {
		failf("CreateStruct", "non-struct layout %s with %d fields", layout, len(fields))
	}
	sm.CopySymbolToStackOffset(buf, baseOffset, fields[0], layout)
}

// CreateUnion claims stack space for a union value, copies the variant's
// fields, then writes the discriminant into the trailing alignment slot.
func (sm *StorageManager) CreateUnion(buf *Buffer, sym ir.Symbol, union ir.Layout, variant uint16, args []ir.Symbol) {
	if union.Kind != ir.KindUnion {
		failf("CreateUnion", "layout %s is not a union", union)
	}
	if int(variant) >= len(union.Variants) {
		failf("CreateUnion", "variant %d out of range for %d variants", variant, len(union.Variants))
	}
	dataSize, dataAlign := union.UnionDataSizeAlign()
	idOffset := dataSize - dataAlign
	baseOffset := sm.ClaimStackArea(sym, dataSize)

	offset := baseOffset
	for i, field := range args {
		fieldLayout := union.Variants[variant][i]
		sm.CopySymbolToStackOffset(buf, offset, field, fieldLayout)
		offset += int32(fieldLayout.Size())
	}

	sm.WithTmpGeneralReg(buf, func(reg GeneralReg) {
		sm.asm.MovRegImm64(buf, reg, int64(variant))
		tagOffset := baseOffset + int32(idOffset)
		if union.TagSize() == 1 {
			sm.asm.MovBaseReg(buf, W8, tagOffset, reg)
		} else {
			sm.asm.MovBaseReg(buf, W16, tagOffset, reg)
		}
	})
}

// CopySymbolToArgPointer writes a complex symbol through the hidden return
// pointer. Used by calling conventions returning large values via memory.
func (sm *StorageManager) CopySymbolToArgPointer(buf *Buffer, sym ir.Symbol) {
	retReg := sm.LoadToGeneralReg(buf, RetPointer)
	baseOffset, size := sm.StackOffsetAndSize(sym)
	if baseOffset%8 != 0 || size%8 != 0 {
		failf("CopySymbolToArgPointer", "unaligned complex value %s (offset %d, size %d)", sym, baseOffset, size)
	}
	sm.WithTmpGeneralReg(buf, func(tmp GeneralReg) {
		for i := int32(0); i < int32(size); i += 8 {
			sm.asm.MovRegBase(buf, W64, tmp, baseOffset+i)
			sm.asm.MovMemReg(buf, W64, retReg, i, tmp)
		}
	})
}

// CopySymbolToStackOffset materializes sym at an absolute frame offset, for
// example when filling a struct. The destination need only be aligned to the
// value's own alignment, never to 8.
func (sm *StorageManager) CopySymbolToStackOffset(buf *Buffer, toOffset int32, sym ir.Symbol, layout ir.Layout) {
	switch layout.Kind {
	case ir.KindInt:
		size := layout.Int.Size()
		if toOffset%int32(size) != 0 {
			failf("CopySymbolToStackOffset", "offset %d misaligned for %s", toOffset, layout)
		}
		reg := sm.LoadToGeneralReg(buf, sym)
		sm.asm.MovBaseReg(buf, WidthForSize(size), toOffset, reg)
	case ir.KindBool:
		reg := sm.LoadToGeneralReg(buf, sym)
		sm.asm.MovBaseReg(buf, W8, toOffset, reg)
	case ir.KindFloat:
		if layout.Float != ir.F64 {
			todof("CopySymbolToStackOffset", "storing %s fields", layout)
		}
		if toOffset%8 != 0 {
			failf("CopySymbolToStackOffset", "offset %d misaligned for %s", toOffset, layout)
		}
		reg := sm.LoadToFloatReg(buf, sym)
		sm.asm.MovBaseFReg(buf, toOffset, reg)
	case ir.KindStr, ir.KindList, ir.KindStruct, ir.KindUnion:
		size := layout.Size()
		if size == 0 {
			return
		}
		if size <= 8 {
			todof("CopySymbolToStackOffset", "copying %d-byte aggregate %s", size, layout)
		}
		fromOffset, storedSize := sm.StackOffsetAndSize(sym)
		if fromOffset%8 != 0 {
			failf("CopySymbolToStackOffset", "unaligned source %d for %s", fromOffset, sym)
		}
		if storedSize != size {
			failf("CopySymbolToStackOffset", "stored size %d does not match layout size %d for %s", storedSize, size, sym)
		}
		sm.CopyToStackOffset(buf, size, fromOffset, toOffset)
	case ir.KindUnit:
		// zero-sized, nothing to copy
	default:
		todof("CopySymbolToStackOffset", "copying layout %s", layout)
	}
}

// CopyToStackOffset block-copies size bytes between frame locations through a
// scratch register, in descending power-of-two strides.
func (sm *StorageManager) CopyToStackOffset(buf *Buffer, size uint32, fromOffset, toOffset int32) {
	sm.WithTmpGeneralReg(buf, func(reg GeneralReg) {
		copied := int32(0)
		remaining := int32(size)
		for _, w := range []Width{W64, W32, W16, W8} {
			step := int32(w.Bytes())
			for remaining-copied >= step {
				sm.asm.MovRegBase(buf, w, reg, fromOffset+copied)
				sm.asm.MovBaseReg(buf, w, toOffset+copied, reg)
				copied += step
			}
		}
	})
}

// EnsureGeneralRegFree evicts whatever occupies reg, spilling its value to
// the stack. Fails if the register is neither free nor in use.
func (sm *StorageManager) EnsureGeneralRegFree(buf *Buffer, reg GeneralReg) {
	for _, free := range sm.generalFreeRegs {
		if free == reg {
			return
		}
	}
	for i, used := range sm.generalUsedRegs {
		if used.reg == reg {
			sm.generalUsedRegs = append(sm.generalUsedRegs[:i], sm.generalUsedRegs[i+1:]...)
			sm.freeGeneralToStack(buf, used.sym, used.reg)
			sm.generalFreeRegs = append(sm.generalFreeRegs, reg)
			return
		}
	}
	failf("EnsureGeneralRegFree", "register %d is neither used nor free", reg)
}

// EnsureFloatRegFree is the float counterpart of EnsureGeneralRegFree.
func (sm *StorageManager) EnsureFloatRegFree(buf *Buffer, reg FloatReg) {
	for _, free := range sm.floatFreeRegs {
		if free == reg {
			return
		}
	}
	for i, used := range sm.floatUsedRegs {
		if used.reg == reg {
			sm.floatUsedRegs = append(sm.floatUsedRegs[:i], sm.floatUsedRegs[i+1:]...)
			sm.freeFloatToStack(buf, used.sym, used.reg)
			sm.floatFreeRegs = append(sm.floatFreeRegs, reg)
			return
		}
	}
	failf("EnsureFloatRegFree", "register %d is neither used nor free", reg)
}

// EnsureSymbolOnStack gives a register-resident primitive a stack home while
// keeping the register mirror. Everything else already has one.
func (sm *StorageManager) EnsureSymbolOnStack(buf *Buffer, sym ir.Symbol) {
	storage := sm.storageFor("EnsureSymbolOnStack", sym)
	switch storage.Kind {
	case StorageGeneralReg:
		baseOffset := sm.claimStackSize(8)
		sm.asm.MovBaseReg(buf, W64, baseOffset, storage.GReg)
		sm.symbolStorage[sym] = Storage{
			Kind:   StorageStackPrimitive,
			Offset: baseOffset,
			Mirror: mirrorGeneral,
			GReg:   storage.GReg,
		}
	case StorageFloatReg:
		baseOffset := sm.claimStackSize(8)
		sm.asm.MovBaseFReg(buf, baseOffset, storage.FReg)
		sm.symbolStorage[sym] = Storage{
			Kind:   StorageStackPrimitive,
			Offset: baseOffset,
			Mirror: mirrorFloat,
			FReg:   storage.FReg,
		}
	}
}

// FreeAllToStack spills every register-resident value, leaving all registers
// free. Run before control-flow merges so every path agrees on locations.
func (sm *StorageManager) FreeAllToStack(buf *Buffer) {
	used := sm.generalUsedRegs
	sm.generalUsedRegs = nil
	for _, u := range used {
		sm.generalFreeRegs = append(sm.generalFreeRegs, u.reg)
		sm.freeGeneralToStack(buf, u.sym, u.reg)
	}
	fused := sm.floatUsedRegs
	sm.floatUsedRegs = nil
	for _, u := range fused {
		sm.floatFreeRegs = append(sm.floatFreeRegs, u.reg)
		sm.freeFloatToStack(buf, u.sym, u.reg)
	}
}

// PushUsedCallerSavedToStack spills every in-use register the callee is
// allowed to clobber. Callee-saved residents stay put.
func (sm *StorageManager) PushUsedCallerSavedToStack(buf *Buffer) {
	used := sm.generalUsedRegs
	sm.generalUsedRegs = nil
	for _, u := range used {
		if !sm.cc.GeneralCalleeSaved(u.reg) {
			sm.generalFreeRegs = append(sm.generalFreeRegs, u.reg)
			sm.freeGeneralToStack(buf, u.sym, u.reg)
		} else {
			sm.generalUsedRegs = append(sm.generalUsedRegs, u)
		}
	}
	fused := sm.floatUsedRegs
	sm.floatUsedRegs = nil
	for _, u := range fused {
		if !sm.cc.FloatCalleeSaved(u.reg) {
			sm.floatFreeRegs = append(sm.floatFreeRegs, u.reg)
			sm.freeFloatToStack(buf, u.sym, u.reg)
		} else {
			sm.floatUsedRegs = append(sm.floatUsedRegs, u)
		}
	}
}

// freeGeneralToStack moves sym's value out of reg and onto the stack. The
// used and free register lists are maintained by the caller.
func (sm *StorageManager) freeGeneralToStack(buf *Buffer, sym ir.Symbol, reg GeneralReg) {
	storage := sm.storageFor("freeGeneralToStack", sym)
	switch {
	case storage.Kind == StorageGeneralReg:
		if storage.GReg != reg {
			failf("freeGeneralToStack", "symbol %s is in register %d, not %d", sym, storage.GReg, reg)
		}
		baseOffset := sm.claimStackSize(8)
		sm.asm.MovBaseReg(buf, W64, baseOffset, reg)
		sm.symbolStorage[sym] = Storage{Kind: StorageStackPrimitive, Offset: baseOffset}
	case storage.Kind == StorageStackPrimitive && storage.Mirror == mirrorGeneral:
		if storage.GReg != reg {
			failf("freeGeneralToStack", "symbol %s is mirrored in register %d, not %d", sym, storage.GReg, reg)
		}
		sm.symbolStorage[sym] = Storage{Kind: StorageStackPrimitive, Offset: storage.Offset}
	default:
		failf("freeGeneralToStack", "cannot free a register from %s without one", sym)
	}
}

func (sm *StorageManager) freeFloatToStack(buf *Buffer, sym ir.Symbol, reg FloatReg) {
	storage := sm.storageFor("freeFloatToStack", sym)
	switch {
	case storage.Kind == StorageFloatReg:
		if storage.FReg != reg {
			failf("freeFloatToStack", "symbol %s is in register %d, not %d", sym, storage.FReg, reg)
		}
		baseOffset := sm.claimStackSize(8)
		sm.asm.MovBaseFReg(buf, baseOffset, reg)
		sm.symbolStorage[sym] = Storage{Kind: StorageStackPrimitive, Offset: baseOffset}
	case storage.Kind == StorageStackPrimitive && storage.Mirror == mirrorFloat:
		if storage.FReg != reg {
			failf("freeFloatToStack", "symbol %s is mirrored in register %d, not %d", sym, storage.FReg, reg)
		}
		sm.symbolStorage[sym] = Storage{Kind: StorageStackPrimitive, Offset: storage.Offset}
	default:
		failf("freeFloatToStack", "cannot free a register from %s without one", sym)
	}
}

// StackOffsetAndSize reports where a stack-resident symbol lives. Primitives
// always occupy a full 8-byte slot.
func (sm *StorageManager) StackOffsetAndSize(sym ir.Symbol) (int32, uint32) {
	storage := sm.storageFor("StackOffsetAndSize", sym)
	switch storage.Kind {
	case StorageStackPrimitive:
		return storage.Offset, 8
	case StorageReferenced, StorageComplex:
		return storage.Offset, storage.Size
	}
	failf("StackOffsetAndSize", "symbol %s is not on the stack (storage kind %d)", sym, storage.Kind)
	return 0, 0
}

// GeneralRegArg records that an incoming parameter arrived in reg.
func (sm *StorageManager) GeneralRegArg(sym ir.Symbol, reg GeneralReg) {
	sm.symbolStorage[sym] = generalRegStorage(reg)
	sm.removeGeneralFree(reg)
	sm.generalUsedRegs = append(sm.generalUsedRegs, usedGeneralReg{reg, sym})
}

// FloatRegArg records that an incoming parameter arrived in reg.
func (sm *StorageManager) FloatRegArg(sym ir.Symbol, reg FloatReg) {
	sm.symbolStorage[sym] = floatRegStorage(reg)
	sm.removeFloatFree(reg)
	sm.floatUsedRegs = append(sm.floatUsedRegs, usedFloatReg{reg, sym})
}

// PrimitiveStackArg records a primitive parameter passed in the caller's
// frame, at a positive offset above the base pointer.
func (sm *StorageManager) PrimitiveStackArg(sym ir.Symbol, baseOffset int32) {
	sm.symbolStorage[sym] = Storage{Kind: StorageStackPrimitive, Offset: baseOffset}
	sm.newAllocation(sym, baseOffset, 8)
}

// ComplexStackArg records an aggregate parameter passed in the caller's frame.
func (sm *StorageManager) ComplexStackArg(sym ir.Symbol, baseOffset int32, size uint32) {
	sm.symbolStorage[sym] = Storage{Kind: StorageComplex, Offset: baseOffset, Size: size}
	sm.newAllocation(sym, baseOffset, size)
}

// NoDataArg records a zero-sized parameter.
func (sm *StorageManager) NoDataArg(sym ir.Symbol) {
	sm.symbolStorage[sym] = Storage{Kind: StorageNoData}
}

// RetPointerArg records the hidden return pointer's register.
func (sm *StorageManager) RetPointerArg(reg GeneralReg) {
	sm.GeneralRegArg(RetPointer, reg)
}

// UpdateStackSize raises the frame high-water mark.
func (sm *StorageManager) UpdateStackSize(size uint32) {
	if size > sm.stackSize {
		sm.stackSize = size
	}
}

// UpdateFnCallStackSize raises the outgoing-argument high-water mark.
func (sm *StorageManager) UpdateFnCallStackSize(size uint32) {
	if size > sm.fnCallStackSize {
		sm.fnCallStackSize = size
	}
}

// SetupJoinPoint assigns every join parameter a fixed stack location and
// records the list so later jumps can write arguments into place. Parameters
// are stack-homed unconditionally; simplicity beats keeping them in
// registers across merges.
func (sm *StorageManager) SetupJoinPoint(id ir.JoinID, params []ir.JoinParam) {
	paramStorage := make([]Storage, 0, len(params))
	for _, p := range params {
		if p.Layout.IsPrimitive() {
			baseOffset := sm.claimStackSize(8)
			sm.symbolStorage[p.Sym] = Storage{Kind: StorageStackPrimitive, Offset: baseOffset}
			sm.newAllocation(p.Sym, baseOffset, 8)
		} else if size := p.Layout.Size(); size == 0 {
			sm.symbolStorage[p.Sym] = Storage{Kind: StorageNoData}
		} else {
			sm.ClaimStackArea(p.Sym, size)
		}
		paramStorage = append(paramStorage, sm.symbolStorage[p.Sym])
	}
	sm.joinParams[id] = paramStorage
}

// JoinParamStorage returns the recorded parameter locations of a join point.
func (sm *StorageManager) JoinParamStorage(id ir.JoinID) []Storage {
	storage, ok := sm.joinParams[id]
	if !ok {
		failf("JoinParamStorage", "unknown join point %s", id)
	}
	return storage
}

// SetupJump writes each argument into the matching join-parameter location.
// Arguments already in the wanted place are skipped. Join parameters are
// never register- or reference-stored, so those wanted kinds are invariant
// violations.
func (sm *StorageManager) SetupJump(buf *Buffer, id ir.JoinID, args []ir.Symbol, argLayouts []ir.Layout) {
	paramStorage, ok := sm.joinParams[id]
	if !ok {
		failf("SetupJump", "jump to unknown join point %s", id)
	}
	for i, sym := range args {
		wanted := paramStorage[i]
		if sm.storageFor("SetupJump", sym) == wanted {
			continue
		}
		switch wanted.Kind {
		case StorageComplex:
			sm.CopySymbolToStackOffset(buf, wanted.Offset, sym, argLayouts[i])
		case StorageStackPrimitive:
			if wanted.Mirror != mirrorNone {
				failf("SetupJump", "join parameter %d of %s has a register mirror", i, id)
			}
			layout := argLayouts[i]
			switch {
			case layout.InGeneralReg():
				reg := sm.LoadToGeneralReg(buf, sym)
				sm.asm.MovBaseReg(buf, W64, wanted.Offset, reg)
			case layout.InFloatReg():
				reg := sm.LoadToFloatReg(buf, sym)
				sm.asm.MovBaseFReg(buf, wanted.Offset, reg)
			default:
				failf("SetupJump", "cannot pass %s to a primitive join slot", layout)
			}
		case StorageNoData:
		case StorageGeneralReg, StorageFloatReg:
			failf("SetupJump", "join parameter %d of %s is register-stored", i, id)
		case StorageReferenced:
			failf("SetupJump", "join parameter %d of %s is reference-stored", i, id)
		default:
			failf("SetupJump", "join parameter %d of %s has unknown storage", i, id)
		}
	}
}

// ClaimStackArea claims size bytes of frame space for an aggregate symbol and
// registers a fresh single-reference allocation.
func (sm *StorageManager) ClaimStackArea(sym ir.Symbol, size uint32) int32 {
	baseOffset := sm.claimStackSize(size)
	sm.symbolStorage[sym] = Storage{Kind: StorageComplex, Offset: baseOffset, Size: size}
	sm.newAllocation(sym, baseOffset, size)
	return baseOffset
}

// claimStackSize hands out amount bytes of frame space, rounded up to 8-byte
// alignment: the smallest fitting free chunk if one exists (splitting off the
// remainder), otherwise new space grown at the frame bottom. Offsets are
// base-pointer relative and negative.
func (sm *StorageManager) claimStackSize(amount uint32) int32 {
	if amount == 0 {
		failf("claimStackSize", "zero-sized stack claim")
	}
	if amount%8 != 0 {
		amount += 8 - amount%8
	}
	best := -1
	for i, chunk := range sm.freeStackChunks {
		if chunk.Size < amount {
			continue
		}
		if best == -1 || chunk.Size < sm.freeStackChunks[best].Size {
			best = i
		}
	}
	if best != -1 {
		chunk := sm.freeStackChunks[best]
		if chunk.Size == amount {
			sm.freeStackChunks = append(sm.freeStackChunks[:best], sm.freeStackChunks[best+1:]...)
		} else {
			sm.freeStackChunks[best] = StackChunk{Offset: chunk.Offset + int32(amount), Size: chunk.Size - amount}
		}
		return chunk.Offset
	}
	newSize := uint64(sm.stackSize) + uint64(amount)
	if newSize > math.MaxInt32 {
		failf("claimStackSize", "ran out of stack space")
	}
	sm.stackSize = uint32(newSize)
	return -int32(sm.stackSize)
}

// FreeSymbol releases a symbol's storage. Stack primitives release their
// 8-byte slot; views decrement their allocation's reference count and release
// the whole region at zero. Any register ownership is scrubbed. Unknown
// symbols are tolerated (literals never enter the storage map).
func (sm *StorageManager) FreeSymbol(sym ir.Symbol) {
	storage, ok := sm.symbolStorage[sym]
	if ok {
		delete(sm.symbolStorage, sym)
		switch storage.Kind {
		case StorageStackPrimitive:
			if _, shared := sm.allocFor[sym]; shared {
				sm.freeReference(sym)
			} else {
				sm.freeStackChunk(storage.Offset, 8)
			}
		case StorageComplex, StorageReferenced:
			sm.freeReference(sym)
		}
	}
	for i, u := range sm.generalUsedRegs {
		if u.sym == sym {
			sm.generalFreeRegs = append(sm.generalFreeRegs, u.reg)
			sm.generalUsedRegs = append(sm.generalUsedRegs[:i], sm.generalUsedRegs[i+1:]...)
			break
		}
	}
	for i, u := range sm.floatUsedRegs {
		if u.sym == sym {
			sm.floatFreeRegs = append(sm.floatFreeRegs, u.reg)
			sm.floatUsedRegs = append(sm.floatUsedRegs[:i], sm.floatUsedRegs[i+1:]...)
			break
		}
	}
}

// newAllocation registers a fresh allocation for sym with one reference.
func (sm *StorageManager) newAllocation(sym ir.Symbol, offset int32, size uint32) {
	sm.allocations = append(sm.allocations, allocation{offset: offset, size: size, refs: 1})
	sm.allocFor[sym] = len(sm.allocations) - 1
}

// shareAllocation makes sym an additional reference to structure's backing
// allocation.
func (sm *StorageManager) shareAllocation(sym, structure ir.Symbol) {
	id, ok := sm.allocFor[structure]
	if !ok {
		failf("shareAllocation", "symbol %s has no allocation", structure)
	}
	sm.allocations[id].refs++
	sm.allocFor[sym] = id
}

// freeReference drops sym's reference to its allocation, releasing the
// region when it was the last one.
func (sm *StorageManager) freeReference(sym ir.Symbol) {
	id, ok := sm.allocFor[sym]
	if !ok {
		failf("freeReference", "symbol %s has no allocation", sym)
	}
	delete(sm.allocFor, sym)
	sm.allocations[id].refs--
	if sm.allocations[id].refs == 0 {
		sm.freeStackChunk(sm.allocations[id].offset, sm.allocations[id].size)
	}
}

// freeStackChunk returns a region to the free list, merging with adjacent
// chunks. Overlap with an existing free chunk means the region was freed
// twice, which is an invariant violation.
func (sm *StorageManager) freeStackChunk(baseOffset int32, size uint32) {
	pos := sort.Search(len(sm.freeStackChunks), func(i int) bool {
		return sm.freeStackChunks[i].Offset >= baseOffset
	})

	mergePrev := false
	if pos > 0 {
		prev := sm.freeStackChunks[pos-1]
		prevEnd := prev.Offset + int32(prev.Size)
		if prevEnd > baseOffset {
			failf("freeStackChunk", "double free: chunk at %d overlaps freed region [%d, %d)", prev.Offset, baseOffset, baseOffset+int32(size))
		}
		mergePrev = prevEnd == baseOffset
	}
	mergeNext := false
	if pos < len(sm.freeStackChunks) {
		next := sm.freeStackChunks[pos]
		end := baseOffset + int32(size)
		if end > next.Offset {
			failf("freeStackChunk", "double free: freed region [%d, %d) overlaps chunk at %d", baseOffset, end, next.Offset)
		}
		mergeNext = end == next.Offset
	}

	switch {
	case mergePrev && mergeNext:
		sm.freeStackChunks[pos-1].Size += size + sm.freeStackChunks[pos].Size
		sm.freeStackChunks = append(sm.freeStackChunks[:pos], sm.freeStackChunks[pos+1:]...)
	case mergePrev:
		sm.freeStackChunks[pos-1].Size += size
	case mergeNext:
		sm.freeStackChunks[pos] = StackChunk{Offset: baseOffset, Size: sm.freeStackChunks[pos].Size + size}
	default:
		sm.freeStackChunks = append(sm.freeStackChunks, StackChunk{})
		copy(sm.freeStackChunks[pos+1:], sm.freeStackChunks[pos:])
		sm.freeStackChunks[pos] = StackChunk{Offset: baseOffset, Size: size}
	}
}

func (sm *StorageManager) removeGeneralFree(reg GeneralReg) {
	for i, r := range sm.generalFreeRegs {
		if r == reg {
			sm.generalFreeRegs = append(sm.generalFreeRegs[:i], sm.generalFreeRegs[i+1:]...)
			return
		}
	}
}

func (sm *StorageManager) removeFloatFree(reg FloatReg) {
	for i, r := range sm.floatFreeRegs {
		if r == reg {
			sm.floatFreeRegs = append(sm.floatFreeRegs[:i], sm.floatFreeRegs[i+1:]...)
			return
		}
	}
}

// storageFor looks up a symbol's storage; the symbol must be known.
func (sm *StorageManager) storageFor(op string, sym ir.Symbol) Storage {
	storage, ok := sm.symbolStorage[sym]
	if !ok {
		failf(op, "unknown symbol %s", sym)
	}
	return storage
}
