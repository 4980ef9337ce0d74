package codegen

import (
	"encoding/binary"
	"sort"

	"github.com/jolt-lang/jolt/internal/ir"
)

// Temporary symbols the backend materializes mid-expression. They live in the
// reserved band at the top of the symbol space, far away from anything the IR
// producer hands out.
const (
	devTmp  = RetPointer - 1
	devTmp2 = RetPointer - 2
	devTmp3 = RetPointer - 3
)

// Runtime helpers generated code calls by name. The vm64 machine provides
// jolt_alloc and jolt_str_eq; jolt_struct_eq is emitted as an external call
// and left to the linker.
const (
	RuntimeAlloc    = "jolt_alloc"
	RuntimeStrEq    = "jolt_str_eq"
	RuntimeStructEq = "jolt_struct_eq"
)

// literalEntry is a constant bound by a Let but not yet materialized.
type literalEntry struct {
	lit    ir.Literal
	layout ir.Layout
}

type jumpPatch struct {
	loc    int // first byte of the placeholder jump instruction
	offset int // base the displacement counts from
}

// Backend lowers one procedure at a time to machine code for the target
// described by its Assembler and CallConv. It is single pass: statements are
// visited once, and jumps whose targets are not yet known are emitted with
// placeholder displacements and patched in place once the target offset is
// fixed.
type Backend struct {
	asm Assembler
	cc  CallConv

	sm  *StorageManager
	buf Buffer

	procName  string
	retLayout ir.Layout

	// Literals are not loaded at their binding; they are cached here and
	// materialized at first use, so a constant that feeds a single
	// instruction never occupies a register ahead of time.
	literalMap map[ir.Symbol]literalEntry

	layoutOf map[ir.Symbol]ir.Layout

	// Statement ids are assigned in a fixed traversal order shared by the
	// pre-scan and the build walk, so freeAt entries computed up front line
	// up with the statements the build visits.
	stmtID   int
	lastSeen map[ir.Symbol]int
	freeAt   map[int][]ir.Symbol

	// Pending jumps into each join point, patched once the join body's
	// offset is known.
	joinJumps map[ir.JoinID][]jumpPatch
}

func NewBackend(asm Assembler, cc CallConv) *Backend {
	return &Backend{
		asm: asm,
		cc:  cc,
		sm:  NewStorageManager(asm, cc),
	}
}

func (b *Backend) reset(name string) {
	b.procName = name
	b.buf.Reset()
	b.sm.Reset()
	b.literalMap = make(map[ir.Symbol]literalEntry)
	b.layoutOf = make(map[ir.Symbol]ir.Layout)
	b.stmtID = 0
	b.lastSeen = make(map[ir.Symbol]int)
	b.freeAt = make(map[int][]ir.Symbol)
	b.joinJumps = make(map[ir.JoinID][]jumpPatch)
}

// Build lowers every procedure of a module in order.
func (b *Backend) Build(mod *ir.Module) ([]*Object, error) {
	objects := make([]*Object, 0, len(mod.Procs))
	for i := range mod.Procs {
		obj, err := b.BuildProc(&mod.Procs[i])
		if err != nil {
			return nil, err
		}
		objects = append(objects, obj)
	}
	return objects, nil
}

// BuildProc lowers one procedure and returns its finalized object. Invariant
// violations and unimplemented layout combinations surface as *Diagnostic
// errors; this is the only recovery point in the package.
func (b *Backend) BuildProc(proc *ir.Proc) (obj *Object, err error) {
	defer func() {
		if r := recover(); r != nil {
			d, ok := r.(*Diagnostic)
			if !ok {
				panic(r)
			}
			d.Proc = proc.Name
			obj, err = nil, d
		}
	}()

	b.reset(proc.Name)
	b.retLayout = proc.Ret
	for _, p := range proc.Params {
		b.layoutOf[p.Sym] = p.Layout
	}
	b.cc.LoadArgs(b.sm, proc.Params, proc.Ret)

	b.scanBlock(proc.Body)
	for sym, id := range b.lastSeen {
		b.freeAt[id] = append(b.freeAt[id], sym)
	}
	for _, syms := range b.freeAt {
		sort.Slice(syms, func(i, j int) bool { return syms[i] < syms[j] })
	}

	b.stmtID = 0
	b.buildBlock(proc.Body)

	code, relocs := b.finalize()
	return &Object{Name: proc.Name, Code: code, Relocs: relocs}, nil
}

func (b *Backend) nextID() int {
	id := b.stmtID
	b.stmtID++
	return id
}

// scanBlock walks the body in the same order buildBlock will, recording the
// statement id at which each symbol is last mentioned. Definitions count as
// mentions so a value that is never read is freed right after its binding.
func (b *Backend) scanBlock(block ir.Block) {
	for _, stmt := range block {
		id := b.nextID()
		switch s := stmt.(type) {
		case ir.Let:
			b.lastSeen[s.Dst] = id
			for _, sym := range exprUses(s.Expr) {
				b.lastSeen[sym] = id
			}
		case ir.Ret:
			b.lastSeen[s.Sym] = id
		case ir.Switch:
			b.lastSeen[s.Cond] = id
			for _, branch := range s.Branches {
				b.scanBlock(branch.Body)
			}
			b.scanBlock(s.Default)
		case ir.Join:
			for _, p := range s.Params {
				b.lastSeen[p.Sym] = id
			}
			b.scanBlock(s.Remainder)
			b.scanBlock(s.Body)
		case ir.Jump:
			for _, sym := range s.Args {
				b.lastSeen[sym] = id
			}
		default:
			failf("scan", "unknown statement type %T", stmt)
		}
	}
}

func exprUses(expr ir.Expr) []ir.Symbol {
	switch e := expr.(type) {
	case ir.Lit:
		return nil
	case ir.Call:
		return e.Args
	case ir.NumOp:
		return e.Args
	case ir.Struct:
		return e.Fields
	case ir.StructAtIndex:
		return []ir.Symbol{e.Structure}
	case ir.Union:
		return e.Args
	case ir.GetTagID:
		return []ir.Symbol{e.Structure}
	case ir.Array:
		return e.Elems
	case ir.ListLen:
		return []ir.Symbol{e.List}
	}
	failf("scan", "unknown expression type %T", expr)
	return nil
}

func (b *Backend) buildBlock(block ir.Block) {
	for _, stmt := range block {
		id := b.nextID()
		switch s := stmt.(type) {
		case ir.Let:
			b.layoutOf[s.Dst] = s.Layout
			b.buildExpr(s.Dst, s.Layout, s.Expr)
		case ir.Ret:
			b.loadLiteralSymbols(s.Sym)
			b.returnSymbol(s.Sym, b.retLayout)
		case ir.Switch:
			b.buildSwitch(s)
		case ir.Join:
			b.buildJoin(s)
		case ir.Jump:
			b.buildJump(s)
		}
		for _, sym := range b.freeAt[id] {
			b.freeSymbol(sym)
		}
	}
}

func (b *Backend) freeSymbol(sym ir.Symbol) {
	delete(b.literalMap, sym)
	b.sm.FreeSymbol(sym)
}

// loadLiteralSymbols materializes any of the given symbols still sitting in
// the literal cache. Each literal is loaded at most once; afterwards it has
// ordinary storage.
func (b *Backend) loadLiteralSymbols(syms ...ir.Symbol) {
	for _, sym := range syms {
		if entry, ok := b.literalMap[sym]; ok {
			delete(b.literalMap, sym)
			b.loadLiteral(sym, entry.layout, entry.lit)
		}
	}
}

func (b *Backend) buildExpr(dst ir.Symbol, layout ir.Layout, expr ir.Expr) {
	switch e := expr.(type) {
	case ir.Lit:
		b.literalMap[dst] = literalEntry{lit: e.Value, layout: layout}
	case ir.Call:
		b.loadLiteralSymbols(e.Args...)
		b.buildFnCall(dst, e.Name, e.Args, e.ArgLayouts, e.Ret)
	case ir.NumOp:
		b.loadLiteralSymbols(e.Args...)
		b.buildNumOp(dst, layout, e)
	case ir.Struct:
		b.loadLiteralSymbols(e.Fields...)
		b.sm.CreateStruct(&b.buf, dst, layout, e.Fields)
	case ir.StructAtIndex:
		b.sm.LoadFieldAtIndex(dst, e.Structure, e.Index, e.FieldLayouts)
	case ir.Union:
		b.loadLiteralSymbols(e.Args...)
		b.sm.CreateUnion(&b.buf, dst, layout, e.Variant, e.Args)
	case ir.GetTagID:
		b.sm.LoadUnionTagID(dst, e.Structure, b.layoutOf[e.Structure])
	case ir.Array:
		b.createArray(dst, e.Elem, e.Elems)
	case ir.ListLen:
		b.sm.ListLen(dst, e.List)
	default:
		failf("buildExpr", "unknown expression type %T", expr)
	}
}

func (b *Backend) buildNumOp(dst ir.Symbol, dstLayout ir.Layout, e ir.NumOp) {
	switch e.Op {
	case ir.OpAdd:
		b.buildIntOrFloatOp(dst, dstLayout, e.Args,
			b.asm.AddRegRegReg, b.asm.FAddRegRegReg)
	case ir.OpSub:
		b.buildIntOrFloatOp(dst, dstLayout, e.Args,
			b.asm.SubRegRegReg, b.asm.FSubRegRegReg)
	case ir.OpMul:
		b.buildMul(dst, dstLayout, e.Args)
	case ir.OpDiv:
		b.buildDiv(dst, dstLayout, e.Args)
	case ir.OpAddChecked:
		b.buildAddChecked(dst, dstLayout, e.Args)
	case ir.OpNeg:
		b.buildNeg(dst, dstLayout, e.Args)
	case ir.OpNot:
		b.buildNot(dst, dstLayout, e.Args)
	case ir.OpAnd:
		b.buildBitwise(dst, dstLayout, e.Args, b.asm.AndRegRegReg)
	case ir.OpOr:
		b.buildBitwise(dst, dstLayout, e.Args, b.asm.OrRegRegReg)
	case ir.OpXor:
		b.buildBitwise(dst, dstLayout, e.Args, b.asm.XorRegRegReg)
	case ir.OpShl:
		b.buildShift(dst, dstLayout, e.Args, b.asm.ShlRegRegReg)
	case ir.OpShrLogical:
		b.buildShift(dst, dstLayout, e.Args, b.asm.ShrRegRegReg)
	case ir.OpShrArith:
		b.buildShift(dst, dstLayout, e.Args, b.asm.SarRegRegReg)
	case ir.OpEq:
		b.buildEq(dst, e.Args, false)
	case ir.OpNeq:
		b.buildEq(dst, e.Args, true)
	case ir.OpLt:
		b.buildCompare(dst, e.Args, CompareLess)
	case ir.OpLte:
		b.buildCompare(dst, e.Args, CompareLessOrEqual)
	case ir.OpGt:
		b.buildCompare(dst, e.Args, CompareGreater)
	case ir.OpGte:
		b.buildCompare(dst, e.Args, CompareGreaterOrEqual)
	case ir.OpToFloat:
		b.buildToFloat(dst, dstLayout, e.Args)
	default:
		todof("buildNumOp", "operation %s", e.Op)
	}
}

func (b *Backend) buildIntOrFloatOp(
	dst ir.Symbol, layout ir.Layout, args []ir.Symbol,
	intOp func(*Buffer, GeneralReg, GeneralReg, GeneralReg),
	floatOp func(*Buffer, ir.FloatWidth, FloatReg, FloatReg, FloatReg),
) {
	switch layout.Kind {
	case ir.KindInt:
		dstReg := b.sm.ClaimGeneralReg(&b.buf, dst)
		src1 := b.sm.LoadToGeneralReg(&b.buf, args[0])
		src2 := b.sm.LoadToGeneralReg(&b.buf, args[1])
		intOp(&b.buf, dstReg, src1, src2)
	case ir.KindFloat:
		dstReg := b.sm.ClaimFloatReg(&b.buf, dst)
		src1 := b.sm.LoadToFloatReg(&b.buf, args[0])
		src2 := b.sm.LoadToFloatReg(&b.buf, args[1])
		floatOp(&b.buf, layout.Float, dstReg, src1, src2)
	default:
		todof("buildNumOp", "arithmetic on layout %s", layout)
	}
}

func (b *Backend) buildMul(dst ir.Symbol, layout ir.Layout, args []ir.Symbol) {
	switch layout.Kind {
	case ir.KindInt:
		dstReg := b.sm.ClaimGeneralReg(&b.buf, dst)
		src1 := b.sm.LoadToGeneralReg(&b.buf, args[0])
		src2 := b.sm.LoadToGeneralReg(&b.buf, args[1])
		if layout.Int.Signed() {
			b.asm.MulSignedRegRegReg(&b.buf, dstReg, src1, src2)
		} else {
			b.asm.MulUnsignedRegRegReg(&b.buf, b.sm, dstReg, src1, src2)
		}
	case ir.KindFloat:
		dstReg := b.sm.ClaimFloatReg(&b.buf, dst)
		src1 := b.sm.LoadToFloatReg(&b.buf, args[0])
		src2 := b.sm.LoadToFloatReg(&b.buf, args[1])
		b.asm.FMulRegRegReg(&b.buf, layout.Float, dstReg, src1, src2)
	default:
		todof("buildNumOp", "multiplication on layout %s", layout)
	}
}

func (b *Backend) buildDiv(dst ir.Symbol, layout ir.Layout, args []ir.Symbol) {
	switch layout.Kind {
	case ir.KindInt:
		dstReg := b.sm.ClaimGeneralReg(&b.buf, dst)
		src1 := b.sm.LoadToGeneralReg(&b.buf, args[0])
		src2 := b.sm.LoadToGeneralReg(&b.buf, args[1])
		if layout.Int.Signed() {
			b.asm.DivSignedRegRegReg(&b.buf, b.sm, dstReg, src1, src2)
		} else {
			b.asm.DivUnsignedRegRegReg(&b.buf, b.sm, dstReg, src1, src2)
		}
	case ir.KindFloat:
		dstReg := b.sm.ClaimFloatReg(&b.buf, dst)
		src1 := b.sm.LoadToFloatReg(&b.buf, args[0])
		src2 := b.sm.LoadToFloatReg(&b.buf, args[1])
		b.asm.FDivRegRegReg(&b.buf, layout.Float, dstReg, src1, src2)
	default:
		todof("buildNumOp", "division on layout %s", layout)
	}
}

// buildAddChecked produces a {value, overflowed} record. Only signed 64-bit
// addition is lowered inline; the overflow flag of a 64-bit add does not
// reflect overflow at narrower widths.
func (b *Backend) buildAddChecked(dst ir.Symbol, retLayout ir.Layout, args []ir.Symbol) {
	numLayout := b.layoutOf[args[0]]
	if numLayout.Kind != ir.KindInt || !numLayout.Int.Signed() {
		todof("buildAddChecked", "checked addition for %s", numLayout)
	}
	if numLayout.Int != ir.I64 {
		todof("buildAddChecked", "checked addition for %s", numLayout)
	}
	if retLayout.Kind != ir.KindStruct || len(retLayout.Fields) != 2 {
		failf("buildAddChecked", "return layout %s is not a {value, overflowed} record", retLayout)
	}
	flagOffset := int32(retLayout.Fields[0].Size())

	baseOffset := b.sm.ClaimStackArea(dst, retLayout.Size())

	valueReg := b.sm.ClaimGeneralReg(&b.buf, devTmp)
	overflowReg := b.sm.ClaimGeneralReg(&b.buf, devTmp2)
	src1 := b.sm.LoadToGeneralReg(&b.buf, args[0])
	src2 := b.sm.LoadToGeneralReg(&b.buf, args[1])

	b.asm.AddRegRegReg(&b.buf, valueReg, src1, src2)
	b.asm.SetIfOverflow(&b.buf, overflowReg)

	b.asm.MovBaseReg(&b.buf, W64, baseOffset, valueReg)
	b.asm.MovBaseReg(&b.buf, W8, baseOffset+flagOffset, overflowReg)

	b.freeSymbol(devTmp)
	b.freeSymbol(devTmp2)
}

func (b *Backend) buildNeg(dst ir.Symbol, layout ir.Layout, args []ir.Symbol) {
	if layout.Kind != ir.KindInt {
		todof("buildNeg", "negation on layout %s", layout)
	}
	dstReg := b.sm.ClaimGeneralReg(&b.buf, dst)
	src := b.sm.LoadToGeneralReg(&b.buf, args[0])
	b.asm.NegRegReg(&b.buf, dstReg, src)
}

func (b *Backend) buildNot(dst ir.Symbol, layout ir.Layout, args []ir.Symbol) {
	if layout.Kind != ir.KindBool {
		todof("buildNot", "logical not on layout %s", layout)
	}
	dstReg := b.sm.ClaimGeneralReg(&b.buf, dst)
	src := b.sm.LoadToGeneralReg(&b.buf, args[0])
	b.sm.WithTmpGeneralReg(&b.buf, func(tmp GeneralReg) {
		b.asm.MovRegImm64(&b.buf, tmp, 1)
		b.asm.XorRegRegReg(&b.buf, dstReg, src, tmp)
	})
}

func (b *Backend) buildBitwise(
	dst ir.Symbol, layout ir.Layout, args []ir.Symbol,
	op func(*Buffer, GeneralReg, GeneralReg, GeneralReg),
) {
	if layout.Kind != ir.KindInt && layout.Kind != ir.KindBool {
		todof("buildNumOp", "bitwise operation on layout %s", layout)
	}
	dstReg := b.sm.ClaimGeneralReg(&b.buf, dst)
	src1 := b.sm.LoadToGeneralReg(&b.buf, args[0])
	src2 := b.sm.LoadToGeneralReg(&b.buf, args[1])
	op(&b.buf, dstReg, src1, src2)
}

func (b *Backend) buildShift(
	dst ir.Symbol, layout ir.Layout, args []ir.Symbol,
	op func(*Buffer, *StorageManager, GeneralReg, GeneralReg, GeneralReg),
) {
	if layout.Kind != ir.KindInt {
		todof("buildNumOp", "shift on layout %s", layout)
	}
	dstReg := b.sm.ClaimGeneralReg(&b.buf, dst)
	src1 := b.sm.LoadToGeneralReg(&b.buf, args[0])
	src2 := b.sm.LoadToGeneralReg(&b.buf, args[1])
	op(&b.buf, b.sm, dstReg, src1, src2)
}

// buildEq lowers equality. Integer and boolean operands compare inline at
// their width; strings go through the runtime helper, and the helper's result
// is re-compared against 1 because only its low byte is meaningful; other
// aggregates delegate to a structural-equality helper resolved by the linker.
func (b *Backend) buildEq(dst ir.Symbol, args []ir.Symbol, negate bool) {
	argLayout := b.layoutOf[args[0]]
	switch argLayout.Kind {
	case ir.KindInt, ir.KindBool:
		width := W8
		if argLayout.Kind == ir.KindInt {
			width = WidthForSize(argLayout.Int.Size())
		}
		dstReg := b.sm.ClaimGeneralReg(&b.buf, dst)
		src1 := b.sm.LoadToGeneralReg(&b.buf, args[0])
		src2 := b.sm.LoadToGeneralReg(&b.buf, args[1])
		if negate {
			b.asm.NeqRegRegReg(&b.buf, width, dstReg, src1, src2)
		} else {
			b.asm.EqRegRegReg(&b.buf, width, dstReg, src1, src2)
		}
	case ir.KindStr:
		b.buildFnCall(dst, RuntimeStrEq, args, []ir.Layout{ir.Str, ir.Str}, ir.Bool)
		tmpReg := b.sm.ClaimGeneralReg(&b.buf, devTmp)
		b.asm.MovRegImm64(&b.buf, tmpReg, 1)
		dstReg := b.sm.LoadToGeneralReg(&b.buf, dst)
		if negate {
			b.asm.NeqRegRegReg(&b.buf, W8, dstReg, dstReg, tmpReg)
		} else {
			b.asm.EqRegRegReg(&b.buf, W8, dstReg, dstReg, tmpReg)
		}
		b.freeSymbol(devTmp)
	case ir.KindFloat:
		todof("buildEq", "float equality")
	default:
		b.buildFnCall(dst, RuntimeStructEq, args, []ir.Layout{argLayout, argLayout}, ir.Bool)
		if negate {
			tmpReg := b.sm.ClaimGeneralReg(&b.buf, devTmp)
			b.asm.MovRegImm64(&b.buf, tmpReg, 1)
			dstReg := b.sm.LoadToGeneralReg(&b.buf, dst)
			b.asm.NeqRegRegReg(&b.buf, W8, dstReg, dstReg, tmpReg)
			b.freeSymbol(devTmp)
		}
	}
}

func (b *Backend) buildCompare(dst ir.Symbol, args []ir.Symbol, op CompareOp) {
	argLayout := b.layoutOf[args[0]]
	switch argLayout.Kind {
	case ir.KindInt:
		width := WidthForSize(argLayout.Int.Size())
		dstReg := b.sm.ClaimGeneralReg(&b.buf, dst)
		src1 := b.sm.LoadToGeneralReg(&b.buf, args[0])
		src2 := b.sm.LoadToGeneralReg(&b.buf, args[1])
		if argLayout.Int.Signed() {
			b.asm.SignedCompare(&b.buf, width, op, dstReg, src1, src2)
		} else {
			b.asm.UnsignedCompare(&b.buf, width, op, dstReg, src1, src2)
		}
	case ir.KindFloat:
		dstReg := b.sm.ClaimGeneralReg(&b.buf, dst)
		src1 := b.sm.LoadToFloatReg(&b.buf, args[0])
		src2 := b.sm.LoadToFloatReg(&b.buf, args[1])
		b.asm.FloatCompare(&b.buf, argLayout.Float, op, dstReg, src1, src2)
	default:
		todof("buildCompare", "ordered comparison on layout %s", argLayout)
	}
}

func (b *Backend) buildToFloat(dst ir.Symbol, dstLayout ir.Layout, args []ir.Symbol) {
	srcLayout := b.layoutOf[args[0]]
	if dstLayout.Kind != ir.KindFloat || srcLayout.Kind != ir.KindInt {
		todof("buildToFloat", "conversion from %s to %s", srcLayout, dstLayout)
	}
	dstReg := b.sm.ClaimFloatReg(&b.buf, dst)
	src := b.sm.LoadToGeneralReg(&b.buf, args[0])
	b.asm.ToFloat(&b.buf, dstLayout.Float, dstReg, src)
}

// buildFnCall spills caller-saved registers, marshals arguments per the
// calling convention, emits the call and binds the return value to dst.
func (b *Backend) buildFnCall(dst ir.Symbol, name string, args []ir.Symbol, argLayouts []ir.Layout, ret ir.Layout) {
	b.sm.PushUsedCallerSavedToStack(&b.buf)
	b.cc.StoreArgs(&b.buf, b.sm, dst, args, argLayouts, ret)
	b.asm.Call(&b.buf, name)
	b.moveReturnValue(dst, ret)
}

func (b *Backend) moveReturnValue(dst ir.Symbol, ret ir.Layout) {
	switch {
	case ret.InGeneralReg():
		dstReg := b.sm.ClaimGeneralReg(&b.buf, dst)
		b.asm.MovRegReg(&b.buf, dstReg, b.cc.GeneralReturnRegs()[0])
	case ret.InFloatReg():
		dstReg := b.sm.ClaimFloatReg(&b.buf, dst)
		b.asm.MovFRegFReg(&b.buf, dstReg, b.cc.FloatReturnRegs()[0])
	case ret.Size() == 0:
		b.sm.NoDataArg(dst)
	default:
		b.cc.LoadReturnedComplexSymbol(&b.buf, b.sm, dst, ret)
	}
}

// createArray allocates heap space for the elements through the runtime
// allocator, writes each element through the returned pointer, then builds
// the {ptr, len, cap} header on the stack.
func (b *Backend) createArray(dst ir.Symbol, elem ir.Layout, elems []ir.Symbol) {
	elemWidth := elem.Size()
	dataBytes := uint64(elemWidth) * uint64(len(elems))

	sizeReg := b.sm.ClaimGeneralReg(&b.buf, devTmp)
	b.asm.MovRegImm64(&b.buf, sizeReg, int64(dataBytes))
	alignReg := b.sm.ClaimGeneralReg(&b.buf, devTmp2)
	b.asm.MovRegImm64(&b.buf, alignReg, int64(elem.Alignment()))

	b.buildFnCall(devTmp3, RuntimeAlloc,
		[]ir.Symbol{devTmp, devTmp2},
		[]ir.Layout{ir.Int(ir.U64), ir.Int(ir.U32)},
		ir.Int(ir.U64))

	b.freeSymbol(devTmp)
	b.freeSymbol(devTmp2)

	ptrReg := b.sm.LoadToGeneralReg(&b.buf, devTmp3)

	elementOffset := int32(0)
	for _, sym := range elems {
		b.loadLiteralSymbols(sym)
		b.ptrWrite(ptrReg, elementOffset, elem, sym)
		elementOffset += int32(elemWidth)
	}

	b.sm.WithTmpGeneralReg(&b.buf, func(tmp GeneralReg) {
		baseOffset := b.sm.ClaimStackArea(dst, 24)
		b.asm.MovBaseReg(&b.buf, W64, baseOffset, ptrReg)
		b.asm.MovRegImm64(&b.buf, tmp, int64(len(elems)))
		b.asm.MovBaseReg(&b.buf, W64, baseOffset+8, tmp)
		b.asm.MovBaseReg(&b.buf, W64, baseOffset+16, tmp)
	})
	b.freeSymbol(devTmp3)
}

// ptrWrite stores one value through ptrReg at the given offset, dispatching
// on the element layout's width.
func (b *Backend) ptrWrite(ptrReg GeneralReg, offset int32, layout ir.Layout, value ir.Symbol) {
	switch layout.Kind {
	case ir.KindInt:
		reg := b.sm.LoadToGeneralReg(&b.buf, value)
		b.asm.MovMemReg(&b.buf, WidthForSize(layout.Int.Size()), ptrReg, offset, reg)
	case ir.KindBool:
		reg := b.sm.LoadToGeneralReg(&b.buf, value)
		b.asm.MovMemReg(&b.buf, W8, ptrReg, offset, reg)
	case ir.KindFloat:
		reg := b.sm.LoadToFloatReg(&b.buf, value)
		b.asm.MovMemFReg(&b.buf, ptrReg, offset, reg)
	default:
		size := layout.Size()
		if size == 0 {
			return
		}
		if size <= 8 {
			todof("ptrWrite", "storing %d-byte aggregate elements", size)
		}
		fromOffset, storedSize := b.sm.StackOffsetAndSize(value)
		if fromOffset%8 != 0 {
			failf("ptrWrite", "unaligned source %d for %s", fromOffset, value)
		}
		if storedSize != size {
			failf("ptrWrite", "stored size %d does not match layout size %d for %s", storedSize, size, value)
		}
		b.sm.WithTmpGeneralReg(&b.buf, func(tmp GeneralReg) {
			for i := int32(0); i < int32(size); i += 8 {
				b.asm.MovRegBase(&b.buf, W64, tmp, fromOffset+i)
				b.asm.MovMemReg(&b.buf, W64, ptrReg, offset+i, tmp)
			}
		})
	}
}

// loadLiteral materializes one constant. Small strings (up to 23 bytes) are
// built in place with three 8-byte stores, the final byte carrying
// length | 0x80; longer strings live in a local-data blob referenced through
// a relocated pointer.
func (b *Backend) loadLiteral(sym ir.Symbol, layout ir.Layout, lit ir.Literal) {
	switch {
	case lit.Kind == ir.LitInt && layout.Kind == ir.KindInt:
		reg := b.sm.ClaimGeneralReg(&b.buf, sym)
		b.asm.MovRegImm64(&b.buf, reg, lit.Int)
	case lit.Kind == ir.LitBool && layout.Kind == ir.KindBool:
		reg := b.sm.ClaimGeneralReg(&b.buf, sym)
		v := int64(0)
		if lit.Bool {
			v = 1
		}
		b.asm.MovRegImm64(&b.buf, reg, v)
	case lit.Kind == ir.LitFloat && layout.Kind == ir.KindFloat:
		reg := b.sm.ClaimFloatReg(&b.buf, sym)
		if layout.Float == ir.F64 {
			b.asm.MovFRegImm64(&b.buf, reg, lit.Float)
		} else {
			b.asm.MovFRegImm32(&b.buf, reg, float32(lit.Float))
		}
	case lit.Kind == ir.LitStr && layout.Kind == ir.KindStr:
		if len(lit.Str) < 24 {
			b.loadSmallStr(sym, lit.Str)
		} else {
			b.loadLargeStr(sym, lit.Str)
		}
	default:
		todof("loadLiteral", "literal %s with layout %s", lit, layout)
	}
}

func (b *Backend) loadSmallStr(sym ir.Symbol, s string) {
	b.sm.WithTmpGeneralReg(&b.buf, func(reg GeneralReg) {
		baseOffset := b.sm.ClaimStackArea(sym, 24)
		var bytes [24]byte
		copy(bytes[:], s)
		bytes[23] = uint8(len(s)) | 0x80
		for i := int32(0); i < 24; i += 8 {
			word := binary.LittleEndian.Uint64(bytes[i : i+8])
			b.asm.MovRegImm64(&b.buf, reg, int64(word))
			b.asm.MovBaseReg(&b.buf, W64, baseOffset+i, reg)
		}
	})
}

func (b *Backend) loadLargeStr(sym ir.Symbol, s string) {
	b.sm.WithTmpGeneralReg(&b.buf, func(reg GeneralReg) {
		baseOffset := b.sm.ClaimStackArea(sym, 24)
		b.asm.MovRegLocalData(&b.buf, reg, []byte(s))
		b.asm.MovBaseReg(&b.buf, W64, baseOffset, reg)
		b.asm.MovRegImm64(&b.buf, reg, int64(len(s)))
		b.asm.MovBaseReg(&b.buf, W64, baseOffset+8, reg)
		b.asm.MovBaseReg(&b.buf, W64, baseOffset+16, reg)
	})
}

// returnSymbol loads the return value into the convention's return register
// (or hands complex values to the convention) and emits a placeholder jump to
// the epilogue, recorded as a JmpToReturn relocation.
func (b *Backend) returnSymbol(sym ir.Symbol, layout ir.Layout) {
	switch {
	case layout.Size() == 0:
		// nothing to place
	case b.sm.IsStoredPrimitive(sym):
		switch {
		case layout.InGeneralReg():
			b.sm.LoadToSpecifiedGeneralReg(&b.buf, sym, b.cc.GeneralReturnRegs()[0])
		case layout.InFloatReg():
			b.sm.LoadToSpecifiedFloatReg(&b.buf, sym, b.cc.FloatReturnRegs()[0])
		default:
			failf("returnSymbol", "primitive storage for non-primitive layout %s", layout)
		}
	default:
		b.cc.ReturnComplexSymbol(&b.buf, b.sm, sym, layout)
	}
	instLoc := b.buf.Len()
	offset := b.asm.JmpImm32(&b.buf, 0x12345678)
	b.buf.AddReloc(JmpToReturn{
		InstLoc:  instLoc,
		InstSize: b.buf.Len() - instLoc,
		Offset:   offset,
	})
}

// buildSwitch compares the condition against each branch value in order.
// Jump targets are not known when the jumps are emitted, so every jump is
// emitted at fixed length with a placeholder displacement and patched once
// the target offset is fixed. Each arm is lowered against a snapshot of the
// storage state so arms cannot disturb each other; the frame high-water mark
// is the maximum over all arms.
func (b *Backend) buildSwitch(s ir.Switch) {
	b.loadLiteralSymbols(s.Cond)
	condReg := b.sm.LoadToGeneralReg(&b.buf, s.Cond)

	baseStorage := b.sm.Clone()
	baseLiterals := make(map[ir.Symbol]literalEntry, len(b.literalMap))
	for k, v := range b.literalMap {
		baseLiterals[k] = v
	}

	var maxBranchStackSize uint32
	exitJumps := make([]jumpPatch, 0, len(s.Branches))
	var tmp Buffer
	for _, branch := range s.Branches {
		// Jump to the next branch when the condition does not match. The
		// offset is unknown until the arm is built; emit zero and overwrite.
		jneLocation := b.buf.Len()
		startOffset := b.asm.JneRegImm64Imm32(&b.buf, condReg, branch.Value, 0)

		b.sm = baseStorage.Clone()
		b.literalMap = cloneLiterals(baseLiterals)
		b.buildBlock(branch.Body)

		jmpLocation := b.buf.Len()
		jmpOffset := b.asm.JmpImm32(&b.buf, 0x12345678)
		exitJumps = append(exitJumps, jumpPatch{loc: jmpLocation, offset: jmpOffset})

		tmp.Reset()
		b.asm.JneRegImm64Imm32(&tmp, condReg, branch.Value, int32(b.buf.Len()-startOffset))
		b.buf.Overwrite(jneLocation, tmp.Bytes())

		if size := b.sm.StackSize(); size > maxBranchStackSize {
			maxBranchStackSize = size
		}
		baseStorage.UpdateFnCallStackSize(b.sm.FnCallStackSize())
	}

	b.sm = baseStorage
	b.literalMap = baseLiterals
	b.sm.UpdateStackSize(maxBranchStackSize)
	b.buildBlock(s.Default)

	end := b.buf.Len()
	for _, jump := range exitJumps {
		b.updateJmpImm32Offset(&tmp, jump.loc, jump.offset, end)
	}
}

func cloneLiterals(m map[ir.Symbol]literalEntry) map[ir.Symbol]literalEntry {
	c := make(map[ir.Symbol]literalEntry, len(m))
	for k, v := range m {
		c[k] = v
	}
	return c
}

// buildJoin gives every parameter a fixed stack home, lowers the remainder
// (the code that runs first and jumps into the join), then the join body, and
// finally backfills every recorded jump with the body's offset.
func (b *Backend) buildJoin(s ir.Join) {
	// Registers must not carry values across the merge; every path into the
	// join has to find symbols where this path left them.
	b.sm.FreeAllToStack(&b.buf)
	b.sm.SetupJoinPoint(s.ID, s.Params)
	for _, p := range s.Params {
		b.layoutOf[p.Sym] = p.Layout
	}
	if _, dup := b.joinJumps[s.ID]; dup {
		failf("buildJoin", "join point %s defined twice", s.ID)
	}
	b.joinJumps[s.ID] = []jumpPatch{}

	b.buildBlock(s.Remainder)

	joinLocation := b.buf.Len()

	b.buildBlock(s.Body)

	jumps := b.joinJumps[s.ID]
	delete(b.joinJumps, s.ID)
	var tmp Buffer
	for _, jump := range jumps {
		b.updateJmpImm32Offset(&tmp, jump.loc, jump.offset, joinLocation)
	}
}

func (b *Backend) buildJump(s ir.Jump) {
	b.loadLiteralSymbols(s.Args...)
	argLayouts := make([]ir.Layout, len(s.Args))
	for i, sym := range s.Args {
		argLayouts[i] = b.layoutOf[sym]
	}
	b.sm.SetupJump(&b.buf, s.ID, s.Args, argLayouts)

	jmpLocation := b.buf.Len()
	startOffset := b.asm.JmpImm32(&b.buf, 0x12345678)

	jumps, ok := b.joinJumps[s.ID]
	if !ok {
		failf("buildJump", "jump to unknown join point %s", s.ID)
	}
	b.joinJumps[s.ID] = append(jumps, jumpPatch{loc: jmpLocation, offset: startOffset})
}

// updateJmpImm32Offset re-encodes a placeholder jump with its real target and
// overwrites it in place. Jump encodings are fixed length, so the patch never
// shifts surrounding code.
func (b *Backend) updateJmpImm32Offset(tmp *Buffer, jmpLocation, baseOffset, target int) {
	tmp.Reset()
	b.asm.JmpImm32(tmp, int32(target-baseOffset))
	b.buf.Overwrite(jmpLocation, tmp.Bytes())
}

// finalize prepends the prologue, resolves every jump-to-return, appends the
// epilogue and shifts the surviving relocations by the prologue length. A
// trailing jump-to-return that ends exactly at the body end is elided; the
// epilogue follows immediately.
func (b *Backend) finalize() ([]byte, []Relocation) {
	var out Buffer

	usedGeneral := b.sm.GeneralUsedCalleeSavedRegs()
	usedFloat := b.sm.FloatUsedCalleeSavedRegs()
	alignedSize := b.cc.SetupStack(&out, usedGeneral, usedFloat,
		int32(b.sm.StackSize()), int32(b.sm.FnCallStackSize()))
	setupOffset := out.Len()

	relocs := b.buf.Relocations()

	endJmpSize := 0
	for _, reloc := range relocs {
		if jmp, ok := reloc.(JmpToReturn); ok {
			if jmp.InstLoc+jmp.InstSize == b.buf.Len() {
				endJmpSize = jmp.InstSize
				break
			}
		}
	}

	retOffset := b.buf.Len() - endJmpSize
	var tmp Buffer
	for _, reloc := range relocs {
		if jmp, ok := reloc.(JmpToReturn); ok {
			if jmp.InstLoc+jmp.InstSize != b.buf.Len() {
				b.updateJmpImm32Offset(&tmp, jmp.InstLoc, jmp.Offset, retOffset)
			}
		}
	}

	out.Append(b.buf.Bytes()[:retOffset])

	b.cc.CleanupStack(&out, usedGeneral, usedFloat, alignedSize, int32(b.sm.FnCallStackSize()))
	b.asm.Ret(&out)

	outRelocs := out.Relocations()
	for _, reloc := range relocs {
		if _, ok := reloc.(JmpToReturn); ok {
			continue
		}
		outRelocs = append(outRelocs, reloc.shifted(setupOffset))
	}
	return out.Bytes(), outRelocs
}
