package irfile

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/jolt-lang/jolt/internal/ir"
)

const addFixture = `
format: v1
procs:
  - name: add
    params:
      - {sym: 0, layout: i64}
      - {sym: 1, layout: i64}
    ret: i64
    body:
      - let:
          dst: 2
          layout: i64
          expr:
            op: {op: add, args: [0, 1]}
      - ret: {sym: 2}
`

func TestParse(t *testing.T) {
	mod, err := Parse([]byte(addFixture))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(mod.Procs) != 1 {
		t.Fatalf("got %d procs, want 1", len(mod.Procs))
	}

	proc := mod.Procs[0]
	if proc.Name != "add" {
		t.Errorf("proc name = %q, want %q", proc.Name, "add")
	}
	if len(proc.Params) != 2 || proc.Params[0].Sym != 0 || proc.Params[1].Sym != 1 {
		t.Errorf("params = %v", proc.Params)
	}
	if proc.Ret.Kind != ir.KindInt || proc.Ret.Int != ir.I64 {
		t.Errorf("ret layout = %v, want i64", proc.Ret)
	}
	if len(proc.Body) != 2 {
		t.Fatalf("body has %d statements, want 2", len(proc.Body))
	}

	let, ok := proc.Body[0].(ir.Let)
	if !ok {
		t.Fatalf("first statement is %T, want Let", proc.Body[0])
	}
	numOp, ok := let.Expr.(ir.NumOp)
	if !ok {
		t.Fatalf("let expr is %T, want NumOp", let.Expr)
	}
	if numOp.Op != ir.OpAdd {
		t.Errorf("op = %v, want add", numOp.Op)
	}
	if ret, ok := proc.Body[1].(ir.Ret); !ok || ret.Sym != 2 {
		t.Errorf("second statement = %v, want ret of s2", proc.Body[1])
	}
}

func TestParseDefaultsFormat(t *testing.T) {
	doc := `
procs:
  - name: f
    body:
      - ret: {sym: 0}
`
	if _, err := Parse([]byte(doc)); err != nil {
		t.Errorf("Parse without format: %v", err)
	}
}

func TestParseAggregateLayouts(t *testing.T) {
	doc := `
format: v1
procs:
  - name: f
    ret:
      struct: [i64, bool, {list: f64}]
    body:
      - let:
          dst: 0
          layout:
            union: [[i64], [bool, bool], []]
          expr:
            union: {variant: 2}
      - ret: {sym: 0}
`
	mod, err := Parse([]byte(doc))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	proc := mod.Procs[0]
	wantRet := ir.StructOf(ir.Int(ir.I64), ir.Bool, ir.List(ir.Float(ir.F64)))
	if proc.Ret.Size() != wantRet.Size() || proc.Ret.Kind != wantRet.Kind {
		t.Errorf("ret layout = %v, want %v", proc.Ret, wantRet)
	}

	let := proc.Body[0].(ir.Let)
	if let.Layout.Kind != ir.KindUnion || len(let.Layout.Variants) != 3 {
		t.Errorf("union layout = %v", let.Layout)
	}
	if u, ok := let.Expr.(ir.Union); !ok || u.Variant != 2 {
		t.Errorf("union expr = %v, want variant 2", let.Expr)
	}
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		want string
	}{
		{
			"wrong format",
			"format: v2\nprocs: [{name: f, body: [{ret: {sym: 0}}]}]",
			"unsupported fixture format",
		},
		{
			"no procs",
			"format: v1",
			"no procedures",
		},
		{
			"missing proc name",
			"procs: [{body: [{ret: {sym: 0}}]}]",
			"missing name",
		},
		{
			"empty body",
			"procs: [{name: f}]",
			"empty body",
		},
		{
			"unknown layout",
			"procs: [{name: f, ret: i128, body: [{ret: {sym: 0}}]}]",
			`unknown layout "i128"`,
		},
		{
			"unknown operation",
			`procs:
  - name: f
    body:
      - let: {dst: 0, layout: i64, expr: {op: {op: rem, args: [1, 2]}}}
      - ret: {sym: 0}`,
			`unknown operation "rem"`,
		},
		{
			"statement with two keys",
			`procs:
  - name: f
    body:
      - let: {dst: 0, layout: i64, expr: {lit: {int: 1}}}
        ret: {sym: 0}`,
			"exactly one of let/ret/switch/join/jump",
		},
		{
			"empty expression",
			`procs:
  - name: f
    body:
      - let: {dst: 0, layout: i64, expr: {}}
      - ret: {sym: 0}`,
			"exactly one of lit/call/op",
		},
		{
			"literal with two values",
			`procs:
  - name: f
    body:
      - let: {dst: 0, layout: i64, expr: {lit: {int: 1, bool: true}}}
      - ret: {sym: 0}`,
			"exactly one of int/float/str/bool",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.doc))
			if err == nil {
				t.Fatal("expected an error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error = %q, want it to contain %q", err, tt.want)
			}
		})
	}
}

// TestLoadExampleFixtures keeps the shipped fixtures parseable.
func TestLoadExampleFixtures(t *testing.T) {
	paths, err := filepath.Glob("../../examples/*.yaml")
	if err != nil {
		t.Fatal(err)
	}
	if len(paths) == 0 {
		t.Fatal("no example fixtures found")
	}
	for _, path := range paths {
		mod, err := Load(path)
		if err != nil {
			t.Errorf("Load %s: %v", path, err)
			continue
		}
		if len(mod.Procs) == 0 {
			t.Errorf("%s: no procedures", path)
		}
	}
}
