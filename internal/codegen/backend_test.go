package codegen_test

import (
	"math"
	"testing"

	"github.com/jolt-lang/jolt/internal/codegen"
	"github.com/jolt-lang/jolt/internal/codegen/testutil"
	"github.com/jolt-lang/jolt/internal/codegen/vm64"
	"github.com/jolt-lang/jolt/internal/ir"
)

// compileAndLoad lowers the procedures for vm64 and links them into a runnable
// machine.
func compileAndLoad(t *testing.T, procs ...ir.Proc) *vm64.Machine {
	t.Helper()
	backend := codegen.NewBackend(vm64.Asm{}, vm64.CallConv{})
	objects, err := backend.Build(&ir.Module{Procs: procs})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	m, err := vm64.Load(objects, nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	return m
}

func call(t *testing.T, m *vm64.Machine, name string, args ...uint64) uint64 {
	t.Helper()
	got, err := m.Call(name, args...)
	if err != nil {
		t.Fatalf("Call %s: %v", name, err)
	}
	return got
}

func i64Params(syms ...ir.Symbol) []ir.JoinParam {
	params := make([]ir.JoinParam, len(syms))
	for i, sym := range syms {
		params[i] = ir.JoinParam{Sym: sym, Layout: ir.Int(ir.I64)}
	}
	return params
}

func TestBinaryOps(t *testing.T) {
	tests := []struct {
		op   ir.Op
		a, b uint64
		want uint64
	}{
		{ir.OpAdd, 15, 27, 42},
		{ir.OpSub, 50, 8, 42},
		{ir.OpMul, 6, 7, 42},
		{ir.OpDiv, 85, 2, 42},
		{ir.OpAnd, 0b1100, 0b1010, 0b1000},
		{ir.OpOr, 0b1100, 0b1010, 0b1110},
		{ir.OpXor, 0b1100, 0b1010, 0b0110},
		{ir.OpShl, 21, 1, 42},
		{ir.OpShrLogical, 84, 1, 42},
		{ir.OpShrArith, 84, 1, 42},
	}
	for _, tt := range tests {
		t.Run(tt.op.String(), func(t *testing.T) {
			m := compileAndLoad(t, ir.Proc{
				Name:   "f",
				Params: i64Params(0, 1),
				Ret:    ir.Int(ir.I64),
				Body: ir.Block{
					ir.Let{Dst: 2, Layout: ir.Int(ir.I64), Expr: ir.NumOp{Op: tt.op, Args: []ir.Symbol{0, 1}}},
					ir.Ret{Sym: 2},
				},
			})
			if got := call(t, m, "f", tt.a, tt.b); got != tt.want {
				t.Errorf("%s(%d, %d) = %d, want %d", tt.op, tt.a, tt.b, got, tt.want)
			}
		})
	}
}

func TestComparisons(t *testing.T) {
	tests := []struct {
		op   ir.Op
		a, b uint64
		want uint64
	}{
		{ir.OpEq, 3, 3, 1},
		{ir.OpEq, 3, 4, 0},
		{ir.OpNeq, 3, 4, 1},
		{ir.OpLt, 3, 4, 1},
		{ir.OpLt, 4, 4, 0},
		{ir.OpLte, 4, 4, 1},
		{ir.OpGt, 5, 4, 1},
		{ir.OpGte, 4, 5, 0},
	}
	for _, tt := range tests {
		m := compileAndLoad(t, ir.Proc{
			Name:   "f",
			Params: i64Params(0, 1),
			Ret:    ir.Bool,
			Body: ir.Block{
				ir.Let{Dst: 2, Layout: ir.Bool, Expr: ir.NumOp{Op: tt.op, Args: []ir.Symbol{0, 1}}},
				ir.Ret{Sym: 2},
			},
		})
		if got := call(t, m, "f", tt.a, tt.b); got != tt.want {
			t.Errorf("%s(%d, %d) = %d, want %d", tt.op, tt.a, tt.b, got, tt.want)
		}
	}
}

func TestNegAndNot(t *testing.T) {
	m := compileAndLoad(t,
		ir.Proc{
			Name:   "neg",
			Params: i64Params(0),
			Ret:    ir.Int(ir.I64),
			Body: ir.Block{
				ir.Let{Dst: 1, Layout: ir.Int(ir.I64), Expr: ir.NumOp{Op: ir.OpNeg, Args: []ir.Symbol{0}}},
				ir.Ret{Sym: 1},
			},
		},
		ir.Proc{
			Name:   "not",
			Params: []ir.JoinParam{{Sym: 0, Layout: ir.Bool}},
			Ret:    ir.Bool,
			Body: ir.Block{
				ir.Let{Dst: 1, Layout: ir.Bool, Expr: ir.NumOp{Op: ir.OpNot, Args: []ir.Symbol{0}}},
				ir.Ret{Sym: 1},
			},
		})

	if got := call(t, m, "neg", 42); got != uint64(1<<64-42) {
		t.Errorf("neg(42) = %d, want -42", int64(got))
	}
	if got := call(t, m, "not", 1); got != 0 {
		t.Errorf("not(true) = %d, want 0", got)
	}
	if got := call(t, m, "not", 0); got != 1 {
		t.Errorf("not(false) = %d, want 1", got)
	}
}

func TestStructFieldAccess(t *testing.T) {
	fields := []ir.Layout{ir.Int(ir.I64), ir.Int(ir.I64)}
	m := compileAndLoad(t, ir.Proc{
		Name:   "pair_second",
		Params: i64Params(0, 1),
		Ret:    ir.Int(ir.I64),
		Body: ir.Block{
			ir.Let{Dst: 2, Layout: ir.StructOf(fields...), Expr: ir.Struct{Fields: []ir.Symbol{0, 1}}},
			ir.Let{Dst: 3, Layout: ir.Int(ir.I64), Expr: ir.StructAtIndex{Structure: 2, Index: 1, FieldLayouts: fields}},
			ir.Ret{Sym: 3},
		},
	})

	if got := call(t, m, "pair_second", 15, 17); got != 17 {
		t.Errorf("pair_second(15, 17) = %d, want 17", got)
	}
}

func TestSwitch(t *testing.T) {
	m := compileAndLoad(t, ir.Proc{
		Name:   "classify",
		Params: []ir.JoinParam{{Sym: 0, Layout: ir.Int(ir.U64)}},
		Ret:    ir.Int(ir.I64),
		Body: ir.Block{
			ir.Switch{
				Cond:       0,
				CondLayout: ir.Int(ir.U64),
				Branches: []ir.SwitchBranch{
					{Value: 1, Body: ir.Block{
						ir.Let{Dst: 1, Layout: ir.Int(ir.I64), Expr: ir.Lit{Value: ir.IntLit(10)}},
						ir.Ret{Sym: 1},
					}},
					{Value: 2, Body: ir.Block{
						ir.Let{Dst: 2, Layout: ir.Int(ir.I64), Expr: ir.Lit{Value: ir.IntLit(20)}},
						ir.Ret{Sym: 2},
					}},
					{Value: 3, Body: ir.Block{
						ir.Let{Dst: 3, Layout: ir.Int(ir.I64), Expr: ir.Lit{Value: ir.IntLit(30)}},
						ir.Ret{Sym: 3},
					}},
				},
				Default: ir.Block{
					ir.Let{Dst: 4, Layout: ir.Int(ir.I64), Expr: ir.Lit{Value: ir.IntLit(99)}},
					ir.Ret{Sym: 4},
				},
			},
		},
	})

	tests := []struct{ arg, want uint64 }{{1, 10}, {2, 20}, {3, 30}, {9, 99}}
	for _, tt := range tests {
		if got := call(t, m, "classify", tt.arg); got != tt.want {
			t.Errorf("classify(%d) = %d, want %d", tt.arg, got, tt.want)
		}
	}
}

// TestLoopSum runs a counted loop built from a join point whose body jumps
// back to itself.
func TestLoopSum(t *testing.T) {
	i64 := ir.Int(ir.I64)
	m := compileAndLoad(t, ir.Proc{
		Name:   "sum_upto",
		Params: i64Params(0),
		Ret:    i64,
		Body: ir.Block{
			ir.Join{
				ID:     0,
				Params: []ir.JoinParam{{Sym: 1, Layout: i64}, {Sym: 2, Layout: i64}},
				Remainder: ir.Block{
					ir.Let{Dst: 3, Layout: i64, Expr: ir.Lit{Value: ir.IntLit(1)}},
					ir.Let{Dst: 4, Layout: i64, Expr: ir.Lit{Value: ir.IntLit(0)}},
					ir.Jump{ID: 0, Args: []ir.Symbol{3, 4}},
				},
				Body: ir.Block{
					ir.Let{Dst: 5, Layout: ir.Bool, Expr: ir.NumOp{Op: ir.OpLte, Args: []ir.Symbol{1, 0}}},
					ir.Switch{
						Cond:       5,
						CondLayout: ir.Bool,
						Branches: []ir.SwitchBranch{
							{Value: 1, Body: ir.Block{
								ir.Let{Dst: 6, Layout: i64, Expr: ir.NumOp{Op: ir.OpAdd, Args: []ir.Symbol{2, 1}}},
								ir.Let{Dst: 7, Layout: i64, Expr: ir.Lit{Value: ir.IntLit(1)}},
								ir.Let{Dst: 8, Layout: i64, Expr: ir.NumOp{Op: ir.OpAdd, Args: []ir.Symbol{1, 7}}},
								ir.Jump{ID: 0, Args: []ir.Symbol{8, 6}},
							}},
						},
						Default: ir.Block{ir.Ret{Sym: 2}},
					},
				},
			},
		},
	})

	tests := []struct{ arg, want uint64 }{{0, 0}, {1, 1}, {5, 15}, {100, 5050}}
	for _, tt := range tests {
		if got := call(t, m, "sum_upto", tt.arg); got != tt.want {
			t.Errorf("sum_upto(%d) = %d, want %d", tt.arg, got, tt.want)
		}
	}
}

// TestCheckedAdd returns a {value, overflowed} record from add_checked and
// reads both fields out.
func TestCheckedAdd(t *testing.T) {
	i64 := ir.Int(ir.I64)
	fields := []ir.Layout{i64, ir.Bool}
	record := ir.StructOf(fields...)
	valueProc := ir.Proc{
		Name:   "checked_value",
		Params: i64Params(0, 1),
		Ret:    i64,
		Body: ir.Block{
			ir.Let{Dst: 2, Layout: record, Expr: ir.NumOp{Op: ir.OpAddChecked, Args: []ir.Symbol{0, 1}}},
			ir.Let{Dst: 3, Layout: i64, Expr: ir.StructAtIndex{Structure: 2, Index: 0, FieldLayouts: fields}},
			ir.Ret{Sym: 3},
		},
	}
	flagProc := ir.Proc{
		Name:   "checked_flag",
		Params: i64Params(0, 1),
		Ret:    ir.Bool,
		Body: ir.Block{
			ir.Let{Dst: 2, Layout: record, Expr: ir.NumOp{Op: ir.OpAddChecked, Args: []ir.Symbol{0, 1}}},
			ir.Let{Dst: 3, Layout: ir.Bool, Expr: ir.StructAtIndex{Structure: 2, Index: 1, FieldLayouts: fields}},
			ir.Ret{Sym: 3},
		},
	}
	m := compileAndLoad(t, valueProc, flagProc)

	if got := call(t, m, "checked_value", 40, 2); got != 42 {
		t.Errorf("checked_value(40, 2) = %d, want 42", got)
	}
	if got := call(t, m, "checked_flag", 40, 2); got != 0 {
		t.Errorf("checked_flag(40, 2) = %d, want 0", got)
	}
	if got := call(t, m, "checked_flag", math.MaxInt64, 1); got != 1 {
		t.Errorf("checked_flag(MaxInt64, 1) = %d, want 1", got)
	}
	if got := call(t, m, "checked_value", math.MaxInt64, 1); got != 1<<63 {
		t.Errorf("checked_value(MaxInt64, 1) = %#x, want wraparound to %#x", got, uint64(1)<<63)
	}
}

func strEqProc(name, a, b string) ir.Proc {
	return ir.Proc{
		Name: name,
		Ret:  ir.Bool,
		Body: ir.Block{
			ir.Let{Dst: 0, Layout: ir.Str, Expr: ir.Lit{Value: ir.StrLit(a)}},
			ir.Let{Dst: 1, Layout: ir.Str, Expr: ir.Lit{Value: ir.StrLit(b)}},
			ir.Let{Dst: 2, Layout: ir.Bool, Expr: ir.NumOp{Op: ir.OpEq, Args: []ir.Symbol{0, 1}}},
			ir.Ret{Sym: 2},
		},
	}
}

// TestStringEquality covers both string representations: short literals are
// materialized inline, longer ones through a local-data pointer.
func TestStringEquality(t *testing.T) {
	long := "the quick brown fox jumps over the lazy dog"
	m := compileAndLoad(t,
		strEqProc("small_eq", "hello", "hello"),
		strEqProc("small_neq", "hello", "world"),
		strEqProc("large_eq", long, long),
		strEqProc("large_neq", long, long+"s"),
		strEqProc("mixed_neq", "hello", long),
	)

	tests := []struct {
		proc string
		want uint64
	}{
		{"small_eq", 1},
		{"small_neq", 0},
		{"large_eq", 1},
		{"large_neq", 0},
		{"mixed_neq", 0},
	}
	for _, tt := range tests {
		if got := call(t, m, tt.proc); got != tt.want {
			t.Errorf("%s() = %d, want %d", tt.proc, got, tt.want)
		}
	}
}

func TestListLen(t *testing.T) {
	i64 := ir.Int(ir.I64)
	m := compileAndLoad(t, ir.Proc{
		Name: "three",
		Ret:  ir.Int(ir.U64),
		Body: ir.Block{
			ir.Let{Dst: 0, Layout: i64, Expr: ir.Lit{Value: ir.IntLit(10)}},
			ir.Let{Dst: 1, Layout: i64, Expr: ir.Lit{Value: ir.IntLit(20)}},
			ir.Let{Dst: 2, Layout: i64, Expr: ir.Lit{Value: ir.IntLit(30)}},
			ir.Let{Dst: 3, Layout: ir.List(i64), Expr: ir.Array{Elem: i64, Elems: []ir.Symbol{0, 1, 2}}},
			ir.Let{Dst: 4, Layout: ir.Int(ir.U64), Expr: ir.ListLen{List: 3}},
			ir.Ret{Sym: 4},
		},
	})

	if got := call(t, m, "three"); got != 3 {
		t.Errorf("three() = %d, want 3", got)
	}
}

func TestProcedureCalls(t *testing.T) {
	i64 := ir.Int(ir.I64)
	double := ir.Proc{
		Name:   "double",
		Params: i64Params(0),
		Ret:    i64,
		Body: ir.Block{
			ir.Let{Dst: 1, Layout: i64, Expr: ir.NumOp{Op: ir.OpAdd, Args: []ir.Symbol{0, 0}}},
			ir.Ret{Sym: 1},
		},
	}
	quadruple := ir.Proc{
		Name:   "quadruple",
		Params: i64Params(0),
		Ret:    i64,
		Body: ir.Block{
			ir.Let{Dst: 1, Layout: i64, Expr: ir.Call{Name: "double", Args: []ir.Symbol{0}, ArgLayouts: []ir.Layout{i64}, Ret: i64}},
			ir.Let{Dst: 2, Layout: i64, Expr: ir.Call{Name: "double", Args: []ir.Symbol{1}, ArgLayouts: []ir.Layout{i64}, Ret: i64}},
			ir.Ret{Sym: 2},
		},
	}
	m := compileAndLoad(t, double, quadruple)

	if got := call(t, m, "quadruple", 5); got != 20 {
		t.Errorf("quadruple(5) = %d, want 20", got)
	}
}

// TestComplexReturns exercises both complex-return paths: a 16-byte record in
// the g0:g1 pair, and a 24-byte record through a hidden pointer.
func TestComplexReturns(t *testing.T) {
	i64 := ir.Int(ir.I64)
	pairFields := []ir.Layout{i64, i64}
	pair := ir.StructOf(pairFields...)
	makePair := ir.Proc{
		Name:   "make_pair",
		Params: i64Params(0, 1),
		Ret:    pair,
		Body: ir.Block{
			ir.Let{Dst: 2, Layout: pair, Expr: ir.Struct{Fields: []ir.Symbol{0, 1}}},
			ir.Ret{Sym: 2},
		},
	}

	tripleFields := []ir.Layout{i64, i64, i64}
	triple := ir.StructOf(tripleFields...)
	makeTriple := ir.Proc{
		Name: "make_triple",
		Ret:  triple,
		Body: ir.Block{
			ir.Let{Dst: 0, Layout: i64, Expr: ir.Lit{Value: ir.IntLit(1)}},
			ir.Let{Dst: 1, Layout: i64, Expr: ir.Lit{Value: ir.IntLit(2)}},
			ir.Let{Dst: 2, Layout: i64, Expr: ir.Lit{Value: ir.IntLit(3)}},
			ir.Let{Dst: 3, Layout: triple, Expr: ir.Struct{Fields: []ir.Symbol{0, 1, 2}}},
			ir.Ret{Sym: 3},
		},
	}
	lastOfTriple := ir.Proc{
		Name: "last_of_triple",
		Ret:  i64,
		Body: ir.Block{
			ir.Let{Dst: 0, Layout: triple, Expr: ir.Call{Name: "make_triple", Ret: triple}},
			ir.Let{Dst: 1, Layout: i64, Expr: ir.StructAtIndex{Structure: 0, Index: 2, FieldLayouts: tripleFields}},
			ir.Ret{Sym: 1},
		},
	}
	m := compileAndLoad(t, makePair, makeTriple, lastOfTriple)

	if _, err := m.Call("make_pair", 7, 9); err != nil {
		t.Fatalf("Call make_pair: %v", err)
	}
	if m.G(0) != 7 || m.G(1) != 9 {
		t.Errorf("make_pair(7, 9) returned (%d, %d), want (7, 9)", m.G(0), m.G(1))
	}

	if got := call(t, m, "last_of_triple"); got != 3 {
		t.Errorf("last_of_triple() = %d, want 3", got)
	}
}

func TestUnionTag(t *testing.T) {
	union := ir.UnionOf([]ir.Layout{ir.Int(ir.I64)}, []ir.Layout{ir.Bool})
	m := compileAndLoad(t, ir.Proc{
		Name: "tag_of_bool",
		Ret:  ir.Int(ir.U8),
		Body: ir.Block{
			ir.Let{Dst: 0, Layout: ir.Bool, Expr: ir.Lit{Value: ir.BoolLit(true)}},
			ir.Let{Dst: 1, Layout: union, Expr: ir.Union{Variant: 1, Args: []ir.Symbol{0}}},
			ir.Let{Dst: 2, Layout: ir.Int(ir.U8), Expr: ir.GetTagID{Structure: 1}},
			ir.Ret{Sym: 2},
		},
	})

	if got := call(t, m, "tag_of_bool"); got != 1 {
		t.Errorf("tag_of_bool() = %d, want 1", got)
	}
}

func TestFloatArithmetic(t *testing.T) {
	f64 := ir.Float(ir.F64)
	m := compileAndLoad(t,
		ir.Proc{
			Name: "fadd",
			Ret:  f64,
			Body: ir.Block{
				ir.Let{Dst: 0, Layout: f64, Expr: ir.Lit{Value: ir.FloatLit(1.5)}},
				ir.Let{Dst: 1, Layout: f64, Expr: ir.Lit{Value: ir.FloatLit(2.25)}},
				ir.Let{Dst: 2, Layout: f64, Expr: ir.NumOp{Op: ir.OpAdd, Args: []ir.Symbol{0, 1}}},
				ir.Ret{Sym: 2},
			},
		},
		ir.Proc{
			Name:   "to_float",
			Params: i64Params(0),
			Ret:    f64,
			Body: ir.Block{
				ir.Let{Dst: 1, Layout: f64, Expr: ir.NumOp{Op: ir.OpToFloat, Args: []ir.Symbol{0}}},
				ir.Ret{Sym: 1},
			},
		})

	if _, err := m.Call("fadd"); err != nil {
		t.Fatalf("Call fadd: %v", err)
	}
	if got := m.F(0); got != 3.75 {
		t.Errorf("fadd() = %v, want 3.75", got)
	}

	if _, err := m.Call("to_float", 3); err != nil {
		t.Fatalf("Call to_float: %v", err)
	}
	if got := m.F(0); got != 3.0 {
		t.Errorf("to_float(3) = %v, want 3", got)
	}
}

// TestTrailingReturnElision checks that a single-exit procedure falls straight
// through to the epilogue instead of jumping to it.
func TestTrailingReturnElision(t *testing.T) {
	backend := codegen.NewBackend(vm64.Asm{}, vm64.CallConv{})
	obj, err := backend.BuildProc(&ir.Proc{
		Name:   "add",
		Params: i64Params(0, 1),
		Ret:    ir.Int(ir.I64),
		Body: ir.Block{
			ir.Let{Dst: 2, Layout: ir.Int(ir.I64), Expr: ir.NumOp{Op: ir.OpAdd, Args: []ir.Symbol{0, 1}}},
			ir.Ret{Sym: 2},
		},
	})
	if err != nil {
		t.Fatalf("BuildProc: %v", err)
	}

	insts := testutil.MustDisassemble(t, obj.Code)
	rets := 0
	for _, inst := range insts {
		if inst.Mnemonic == "jmp" {
			t.Errorf("unexpected jump at %#x: %s", inst.Offset, inst)
		}
		if inst.Mnemonic == "ret" {
			rets++
		}
	}
	if rets != 1 {
		t.Errorf("disassembly has %d rets, want 1", rets)
	}
	testutil.VerifyExpectations(t, insts, []testutil.Expectation{
		{Name: "sum", Mnemonic: "add"},
		{Name: "move result", Mnemonic: "mov", Contains: []string{"g0"}},
		{Name: "epilogue", Mnemonic: "ret"},
	})
}

// pressureProc binds more simultaneously live values than the target has
// registers, then folds them, so old residents spill and reload.
func pressureProc() ir.Proc {
	i64 := ir.Int(ir.I64)
	body := ir.Block{}
	const n = 14
	for i := 0; i < n; i++ {
		lit := ir.Symbol(1 + i)
		sum := ir.Symbol(21 + i)
		body = append(body,
			ir.Let{Dst: lit, Layout: i64, Expr: ir.Lit{Value: ir.IntLit(int64(i + 1))}},
			ir.Let{Dst: sum, Layout: i64, Expr: ir.NumOp{Op: ir.OpAdd, Args: []ir.Symbol{0, lit}}},
		)
	}
	acc := ir.Symbol(21)
	for i := 1; i < n; i++ {
		next := ir.Symbol(41 + i)
		body = append(body,
			ir.Let{Dst: next, Layout: i64, Expr: ir.NumOp{Op: ir.OpAdd, Args: []ir.Symbol{acc, ir.Symbol(21 + i)}}},
		)
		acc = next
	}
	body = append(body, ir.Ret{Sym: acc})
	return ir.Proc{Name: "fold", Params: i64Params(0), Ret: i64, Body: body}
}

// TestRegisterPressureSurvivesSpills checks values by execution: every spilled
// value must come back unchanged. fold(x) computes sum of (x+i) for i in
// 1..14, which is 14x + 105.
func TestRegisterPressureSurvivesSpills(t *testing.T) {
	m := compileAndLoad(t, pressureProc())
	if got := call(t, m, "fold", 1); got != 119 {
		t.Errorf("fold(1) = %d, want 119", got)
	}
	if got := call(t, m, "fold", 1000); got != 14105 {
		t.Errorf("fold(1000) = %d, want 14105", got)
	}
}

// TestCalleeSavedPreserved calls a register-hungry generated procedure from
// hand-assembled code and checks the callee-saved registers afterwards.
func TestCalleeSavedPreserved(t *testing.T) {
	backend := codegen.NewBackend(vm64.Asm{}, vm64.CallConv{})
	proc := pressureProc()
	obj, err := backend.BuildProc(&proc)
	if err != nil {
		t.Fatalf("BuildProc: %v", err)
	}

	var buf codegen.Buffer
	asm := vm64.Asm{}
	saved := []codegen.GeneralReg{vm64.G8, vm64.G9, vm64.G10, vm64.G11, vm64.G12, vm64.G13}
	for i, reg := range saved {
		asm.MovRegImm64(&buf, reg, int64(1000+i))
	}
	asm.MovRegImm64(&buf, vm64.G0, 1)
	asm.Call(&buf, "fold")
	asm.Ret(&buf)
	main := &codegen.Object{Name: "main", Code: buf.Bytes(), Relocs: buf.Relocations()}

	m, err := vm64.Load([]*codegen.Object{main, obj}, nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	got, err := m.Call("main")
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if got != 119 {
		t.Errorf("main() = %d, want 119", got)
	}
	for i, reg := range saved {
		if v := m.G(int(reg)); v != uint64(1000+i) {
			t.Errorf("g%d = %d after call, want %d", reg, v, 1000+i)
		}
	}
}

// TestValueSurvivesCall keeps a caller value live across a call; the backend
// must spill it before the call and reload it after.
func TestValueSurvivesCall(t *testing.T) {
	i64 := ir.Int(ir.I64)
	double := ir.Proc{
		Name:   "double",
		Params: i64Params(0),
		Ret:    i64,
		Body: ir.Block{
			ir.Let{Dst: 1, Layout: i64, Expr: ir.NumOp{Op: ir.OpAdd, Args: []ir.Symbol{0, 0}}},
			ir.Ret{Sym: 1},
		},
	}
	triple := ir.Proc{
		Name:   "triple",
		Params: i64Params(0),
		Ret:    i64,
		Body: ir.Block{
			ir.Let{Dst: 1, Layout: i64, Expr: ir.Call{Name: "double", Args: []ir.Symbol{0}, ArgLayouts: []ir.Layout{i64}, Ret: i64}},
			ir.Let{Dst: 2, Layout: i64, Expr: ir.NumOp{Op: ir.OpAdd, Args: []ir.Symbol{0, 1}}},
			ir.Ret{Sym: 2},
		},
	}
	m := compileAndLoad(t, double, triple)

	if got := call(t, m, "triple", 5); got != 15 {
		t.Errorf("triple(5) = %d, want 15", got)
	}
}

// TestBackendReuse lowers the same procedure twice on one backend; the second
// build must be byte-identical to a fresh backend's.
func TestBackendReuse(t *testing.T) {
	proc := pressureProc()

	reused := codegen.NewBackend(vm64.Asm{}, vm64.CallConv{})
	if _, err := reused.BuildProc(&proc); err != nil {
		t.Fatalf("first BuildProc: %v", err)
	}
	second, err := reused.BuildProc(&proc)
	if err != nil {
		t.Fatalf("second BuildProc: %v", err)
	}

	fresh, err := codegen.NewBackend(vm64.Asm{}, vm64.CallConv{}).BuildProc(&proc)
	if err != nil {
		t.Fatalf("fresh BuildProc: %v", err)
	}
	if string(second.Code) != string(fresh.Code) {
		t.Error("reused backend produced different code than a fresh one")
	}
}

// TestStringEqualityRelocation checks the helper call is linked by name.
func TestStringEqualityRelocation(t *testing.T) {
	backend := codegen.NewBackend(vm64.Asm{}, vm64.CallConv{})
	proc := strEqProc("eq", "a", "b")
	obj, err := backend.BuildProc(&proc)
	if err != nil {
		t.Fatalf("BuildProc: %v", err)
	}
	for _, reloc := range obj.Relocs {
		if fn, ok := reloc.(codegen.LinkedFunction); ok && fn.Name == codegen.RuntimeStrEq {
			return
		}
	}
	t.Errorf("no %s relocation in %v", codegen.RuntimeStrEq, obj.Relocs)
}

func TestDiagnosticNamesProcAndOp(t *testing.T) {
	backend := codegen.NewBackend(vm64.Asm{}, vm64.CallConv{})
	_, err := backend.BuildProc(&ir.Proc{
		Name:   "bad",
		Params: []ir.JoinParam{{Sym: 0, Layout: ir.Int(ir.U64)}, {Sym: 1, Layout: ir.Int(ir.U64)}},
		Ret:    ir.StructOf(ir.Int(ir.U64), ir.Bool),
		Body: ir.Block{
			ir.Let{Dst: 2, Layout: ir.StructOf(ir.Int(ir.U64), ir.Bool), Expr: ir.NumOp{Op: ir.OpAddChecked, Args: []ir.Symbol{0, 1}}},
			ir.Ret{Sym: 2},
		},
	})
	if err == nil {
		t.Fatal("expected a diagnostic for unsigned add_checked")
	}
	diag, ok := err.(*codegen.Diagnostic)
	if !ok {
		t.Fatalf("error is %T, want *Diagnostic", err)
	}
	if diag.Proc != "bad" {
		t.Errorf("diagnostic proc = %q, want %q", diag.Proc, "bad")
	}
}
