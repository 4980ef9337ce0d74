// Package irfile loads IR modules from YAML fixture files. The format is a
// direct spelling of the internal/ir tree with layouts written as short
// strings ("i64", "str") or one-key mappings (struct, list, union) and
// statements and expressions as one-key mappings.
package irfile

import (
	"fmt"
	"os"

	"golang.org/x/mod/semver"
	"gopkg.in/yaml.v3"

	"github.com/jolt-lang/jolt/internal/ir"
)

// Format is the fixture format this loader reads. Files declare their format
// and any other major version is rejected.
const Format = "v1"

// Load reads and parses one fixture file.
func Load(path string) (*ir.Module, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	mod, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return mod, nil
}

// Parse decodes a fixture document into an IR module.
func Parse(data []byte) (*ir.Module, error) {
	var file fileModule
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse fixture: %w", err)
	}
	file.normalize()
	if !semver.IsValid(file.Format) || semver.Major(file.Format) != Format {
		return nil, fmt.Errorf("unsupported fixture format %q, want %s", file.Format, Format)
	}
	if len(file.Procs) == 0 {
		return nil, fmt.Errorf("fixture declares no procedures")
	}

	mod := &ir.Module{Procs: make([]ir.Proc, 0, len(file.Procs))}
	for _, p := range file.Procs {
		proc, err := p.toIR()
		if err != nil {
			return nil, fmt.Errorf("proc %q: %w", p.Name, err)
		}
		mod.Procs = append(mod.Procs, proc)
	}
	return mod, nil
}

type fileModule struct {
	Format string     `yaml:"format"`
	Procs  []fileProc `yaml:"procs"`
}

func (f *fileModule) normalize() {
	if f.Format == "" {
		f.Format = Format
	}
}

type fileProc struct {
	Name   string      `yaml:"name"`
	Params []fileParam `yaml:"params"`
	Ret    *layoutNode `yaml:"ret"`
	Body   []stmtNode  `yaml:"body"`
}

type fileParam struct {
	Sym    uint32     `yaml:"sym"`
	Layout layoutNode `yaml:"layout"`
}

func (p fileProc) toIR() (ir.Proc, error) {
	if p.Name == "" {
		return ir.Proc{}, fmt.Errorf("missing name")
	}
	proc := ir.Proc{Name: p.Name, Ret: ir.Unit}
	for i, param := range p.Params {
		layout, err := param.Layout.toIR()
		if err != nil {
			return ir.Proc{}, fmt.Errorf("param %d: %w", i, err)
		}
		proc.Params = append(proc.Params, ir.JoinParam{Sym: ir.Symbol(param.Sym), Layout: layout})
	}
	if p.Ret != nil {
		layout, err := p.Ret.toIR()
		if err != nil {
			return ir.Proc{}, fmt.Errorf("ret: %w", err)
		}
		proc.Ret = layout
	}
	body, err := blockToIR(p.Body)
	if err != nil {
		return ir.Proc{}, err
	}
	if len(body) == 0 {
		return ir.Proc{}, fmt.Errorf("empty body")
	}
	proc.Body = body
	return proc, nil
}

// layoutNode is either a scalar primitive name or a one-key aggregate
// mapping.
type layoutNode struct {
	name   string
	strct  []layoutNode
	list   *layoutNode
	union  [][]layoutNode
	isAggr bool
}

var primitiveLayouts = map[string]ir.Layout{
	"unit": ir.Unit,
	"bool": ir.Bool,
	"i8":   ir.Int(ir.I8),
	"i16":  ir.Int(ir.I16),
	"i32":  ir.Int(ir.I32),
	"i64":  ir.Int(ir.I64),
	"u8":   ir.Int(ir.U8),
	"u16":  ir.Int(ir.U16),
	"u32":  ir.Int(ir.U32),
	"u64":  ir.Int(ir.U64),
	"f32":  ir.Float(ir.F32),
	"f64":  ir.Float(ir.F64),
	"str":  ir.Str,
}

func (l *layoutNode) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		return node.Decode(&l.name)
	}
	var aggr struct {
		Struct []layoutNode   `yaml:"struct"`
		List   *layoutNode    `yaml:"list"`
		Union  [][]layoutNode `yaml:"union"`
	}
	if err := node.Decode(&aggr); err != nil {
		return err
	}
	l.strct, l.list, l.union = aggr.Struct, aggr.List, aggr.Union
	l.isAggr = true
	return nil
}

func (l layoutNode) toIR() (ir.Layout, error) {
	if !l.isAggr {
		layout, ok := primitiveLayouts[l.name]
		if !ok {
			return ir.Layout{}, fmt.Errorf("unknown layout %q", l.name)
		}
		return layout, nil
	}
	switch {
	case l.list != nil:
		elem, err := l.list.toIR()
		if err != nil {
			return ir.Layout{}, err
		}
		return ir.List(elem), nil
	case l.strct != nil:
		fields := make([]ir.Layout, len(l.strct))
		for i, f := range l.strct {
			layout, err := f.toIR()
			if err != nil {
				return ir.Layout{}, fmt.Errorf("field %d: %w", i, err)
			}
			fields[i] = layout
		}
		return ir.StructOf(fields...), nil
	case l.union != nil:
		variants := make([][]ir.Layout, len(l.union))
		for i, v := range l.union {
			variants[i] = make([]ir.Layout, len(v))
			for j, f := range v {
				layout, err := f.toIR()
				if err != nil {
					return ir.Layout{}, fmt.Errorf("variant %d field %d: %w", i, j, err)
				}
				variants[i][j] = layout
			}
		}
		return ir.UnionOf(variants...), nil
	}
	return ir.Layout{}, fmt.Errorf("empty aggregate layout")
}

type stmtNode struct {
	Let    *letNode    `yaml:"let"`
	Ret    *retNode    `yaml:"ret"`
	Switch *switchNode `yaml:"switch"`
	Join   *joinNode   `yaml:"join"`
	Jump   *jumpNode   `yaml:"jump"`
}

type letNode struct {
	Dst    uint32     `yaml:"dst"`
	Layout layoutNode `yaml:"layout"`
	Expr   exprNode   `yaml:"expr"`
}

type retNode struct {
	Sym uint32 `yaml:"sym"`
}

type switchNode struct {
	Cond     uint32       `yaml:"cond"`
	Layout   layoutNode   `yaml:"layout"`
	Branches []branchNode `yaml:"branches"`
	Default  []stmtNode   `yaml:"default"`
}

type branchNode struct {
	Value uint64     `yaml:"value"`
	Body  []stmtNode `yaml:"body"`
}

type joinNode struct {
	ID        uint32      `yaml:"id"`
	Params    []fileParam `yaml:"params"`
	Remainder []stmtNode  `yaml:"remainder"`
	Body      []stmtNode  `yaml:"body"`
}

type jumpNode struct {
	ID   uint32   `yaml:"id"`
	Args []uint32 `yaml:"args"`
}

func blockToIR(stmts []stmtNode) (ir.Block, error) {
	block := make(ir.Block, 0, len(stmts))
	for i, s := range stmts {
		stmt, err := s.toIR()
		if err != nil {
			return nil, fmt.Errorf("stmt %d: %w", i, err)
		}
		block = append(block, stmt)
	}
	return block, nil
}

func (s stmtNode) toIR() (ir.Stmt, error) {
	set := 0
	for _, present := range []bool{s.Let != nil, s.Ret != nil, s.Switch != nil, s.Join != nil, s.Jump != nil} {
		if present {
			set++
		}
	}
	if set != 1 {
		return nil, fmt.Errorf("statement must have exactly one of let/ret/switch/join/jump, has %d", set)
	}

	switch {
	case s.Let != nil:
		layout, err := s.Let.Layout.toIR()
		if err != nil {
			return nil, fmt.Errorf("let layout: %w", err)
		}
		expr, err := s.Let.Expr.toIR()
		if err != nil {
			return nil, fmt.Errorf("let s%d: %w", s.Let.Dst, err)
		}
		return ir.Let{Dst: ir.Symbol(s.Let.Dst), Layout: layout, Expr: expr}, nil

	case s.Ret != nil:
		return ir.Ret{Sym: ir.Symbol(s.Ret.Sym)}, nil

	case s.Switch != nil:
		layout, err := s.Switch.Layout.toIR()
		if err != nil {
			return nil, fmt.Errorf("switch layout: %w", err)
		}
		sw := ir.Switch{Cond: ir.Symbol(s.Switch.Cond), CondLayout: layout}
		for i, br := range s.Switch.Branches {
			body, err := blockToIR(br.Body)
			if err != nil {
				return nil, fmt.Errorf("branch %d: %w", i, err)
			}
			sw.Branches = append(sw.Branches, ir.SwitchBranch{Value: br.Value, Body: body})
		}
		def, err := blockToIR(s.Switch.Default)
		if err != nil {
			return nil, fmt.Errorf("default: %w", err)
		}
		sw.Default = def
		return sw, nil

	case s.Join != nil:
		join := ir.Join{ID: ir.JoinID(s.Join.ID)}
		for i, p := range s.Join.Params {
			layout, err := p.Layout.toIR()
			if err != nil {
				return nil, fmt.Errorf("join param %d: %w", i, err)
			}
			join.Params = append(join.Params, ir.JoinParam{Sym: ir.Symbol(p.Sym), Layout: layout})
		}
		remainder, err := blockToIR(s.Join.Remainder)
		if err != nil {
			return nil, fmt.Errorf("remainder: %w", err)
		}
		body, err := blockToIR(s.Join.Body)
		if err != nil {
			return nil, fmt.Errorf("body: %w", err)
		}
		join.Remainder, join.Body = remainder, body
		return join, nil

	default:
		return ir.Jump{ID: ir.JoinID(s.Jump.ID), Args: symbols(s.Jump.Args)}, nil
	}
}

type exprNode struct {
	Lit    *litNode    `yaml:"lit"`
	Call   *callNode   `yaml:"call"`
	Op     *opNode     `yaml:"op"`
	Struct *structNode `yaml:"struct"`
	Field  *fieldNode  `yaml:"field"`
	Union  *unionNode  `yaml:"union"`
	Tag    *tagNode    `yaml:"tag"`
	Array  *arrayNode  `yaml:"array"`
	Len    *lenNode    `yaml:"len"`
}

type litNode struct {
	Int   *int64   `yaml:"int"`
	Float *float64 `yaml:"float"`
	Str   *string  `yaml:"str"`
	Bool  *bool    `yaml:"bool"`
}

type callNode struct {
	Name       string       `yaml:"name"`
	Args       []uint32     `yaml:"args"`
	ArgLayouts []layoutNode `yaml:"argLayouts"`
	Ret        layoutNode   `yaml:"ret"`
}

type opNode struct {
	Op   string   `yaml:"op"`
	Args []uint32 `yaml:"args"`
}

type structNode struct {
	Fields []uint32 `yaml:"fields"`
}

type fieldNode struct {
	Structure uint32       `yaml:"structure"`
	Index     uint32       `yaml:"index"`
	Fields    []layoutNode `yaml:"fields"`
}

type unionNode struct {
	Variant uint16   `yaml:"variant"`
	Args    []uint32 `yaml:"args"`
}

type tagNode struct {
	Structure uint32 `yaml:"structure"`
}

type arrayNode struct {
	Elem  layoutNode `yaml:"elem"`
	Elems []uint32   `yaml:"elems"`
}

type lenNode struct {
	List uint32 `yaml:"list"`
}

var opsByName = map[string]ir.Op{
	"add":         ir.OpAdd,
	"add_checked": ir.OpAddChecked,
	"sub":         ir.OpSub,
	"mul":         ir.OpMul,
	"div":         ir.OpDiv,
	"neg":         ir.OpNeg,
	"not":         ir.OpNot,
	"and":         ir.OpAnd,
	"or":          ir.OpOr,
	"xor":         ir.OpXor,
	"shl":         ir.OpShl,
	"shr_arith":   ir.OpShrArith,
	"shr_logical": ir.OpShrLogical,
	"eq":          ir.OpEq,
	"neq":         ir.OpNeq,
	"lt":          ir.OpLt,
	"lte":         ir.OpLte,
	"gt":          ir.OpGt,
	"gte":         ir.OpGte,
	"to_float":    ir.OpToFloat,
}

func (e exprNode) toIR() (ir.Expr, error) {
	switch {
	case e.Lit != nil:
		return e.Lit.toIR()
	case e.Call != nil:
		argLayouts := make([]ir.Layout, len(e.Call.ArgLayouts))
		for i, l := range e.Call.ArgLayouts {
			layout, err := l.toIR()
			if err != nil {
				return nil, fmt.Errorf("call arg layout %d: %w", i, err)
			}
			argLayouts[i] = layout
		}
		ret, err := e.Call.Ret.toIR()
		if err != nil {
			return nil, fmt.Errorf("call ret layout: %w", err)
		}
		return ir.Call{Name: e.Call.Name, Args: symbols(e.Call.Args), ArgLayouts: argLayouts, Ret: ret}, nil
	case e.Op != nil:
		op, ok := opsByName[e.Op.Op]
		if !ok {
			return nil, fmt.Errorf("unknown operation %q", e.Op.Op)
		}
		return ir.NumOp{Op: op, Args: symbols(e.Op.Args)}, nil
	case e.Struct != nil:
		return ir.Struct{Fields: symbols(e.Struct.Fields)}, nil
	case e.Field != nil:
		fields := make([]ir.Layout, len(e.Field.Fields))
		for i, l := range e.Field.Fields {
			layout, err := l.toIR()
			if err != nil {
				return nil, fmt.Errorf("field layout %d: %w", i, err)
			}
			fields[i] = layout
		}
		return ir.StructAtIndex{
			Structure:    ir.Symbol(e.Field.Structure),
			Index:        e.Field.Index,
			FieldLayouts: fields,
		}, nil
	case e.Union != nil:
		return ir.Union{Variant: e.Union.Variant, Args: symbols(e.Union.Args)}, nil
	case e.Tag != nil:
		return ir.GetTagID{Structure: ir.Symbol(e.Tag.Structure)}, nil
	case e.Array != nil:
		elem, err := e.Array.Elem.toIR()
		if err != nil {
			return nil, fmt.Errorf("array elem layout: %w", err)
		}
		return ir.Array{Elem: elem, Elems: symbols(e.Array.Elems)}, nil
	case e.Len != nil:
		return ir.ListLen{List: ir.Symbol(e.Len.List)}, nil
	}
	return nil, fmt.Errorf("expression must have exactly one of lit/call/op/struct/field/union/tag/array/len")
}

func (l litNode) toIR() (ir.Expr, error) {
	set := 0
	var lit ir.Literal
	if l.Int != nil {
		lit = ir.IntLit(*l.Int)
		set++
	}
	if l.Float != nil {
		lit = ir.FloatLit(*l.Float)
		set++
	}
	if l.Str != nil {
		lit = ir.StrLit(*l.Str)
		set++
	}
	if l.Bool != nil {
		lit = ir.BoolLit(*l.Bool)
		set++
	}
	if set != 1 {
		return nil, fmt.Errorf("literal must have exactly one of int/float/str/bool, has %d", set)
	}
	return ir.Lit{Value: lit}, nil
}

func symbols(raw []uint32) []ir.Symbol {
	syms := make([]ir.Symbol, len(raw))
	for i, v := range raw {
		syms[i] = ir.Symbol(v)
	}
	return syms
}
