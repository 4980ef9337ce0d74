package ir

import "fmt"

// LiteralKind tags the payload of a Literal.
type LiteralKind int

const (
	LitInt LiteralKind = iota
	LitFloat
	LitStr
	LitBool
)

// Literal is a constant value. Int carries the bit pattern for every integer
// width; the layout at the use site decides how it is interpreted.
type Literal struct {
	Kind  LiteralKind
	Int   int64
	Float float64
	Str   string
	Bool  bool
}

func IntLit(v int64) Literal   { return Literal{Kind: LitInt, Int: v} }
func FloatLit(v float64) Literal {
	return Literal{Kind: LitFloat, Float: v}
}
func StrLit(s string) Literal  { return Literal{Kind: LitStr, Str: s} }
func BoolLit(b bool) Literal   { return Literal{Kind: LitBool, Bool: b} }

func (l Literal) String() string {
	switch l.Kind {
	case LitInt:
		return fmt.Sprintf("%d", l.Int)
	case LitFloat:
		return fmt.Sprintf("%g", l.Float)
	case LitStr:
		return fmt.Sprintf("%q", l.Str)
	case LitBool:
		return fmt.Sprintf("%t", l.Bool)
	}
	return "literal(?)"
}

// Op enumerates the numeric and comparison operations the backend lowers
// inline. The operand layout picks the concrete instruction; combinations the
// backend does not enumerate fail loudly at compile time.
type Op int

const (
	OpAdd Op = iota
	OpAddChecked
	OpSub
	OpMul
	OpDiv
	OpNeg
	OpNot
	OpAnd
	OpOr
	OpXor
	OpShl
	OpShrArith
	OpShrLogical
	OpEq
	OpNeq
	OpLt
	OpLte
	OpGt
	OpGte
	OpToFloat
)

var opNames = map[Op]string{
	OpAdd:        "add",
	OpAddChecked: "add_checked",
	OpSub:        "sub",
	OpMul:        "mul",
	OpDiv:        "div",
	OpNeg:        "neg",
	OpNot:        "not",
	OpAnd:        "and",
	OpOr:         "or",
	OpXor:        "xor",
	OpShl:        "shl",
	OpShrArith:   "shr_arith",
	OpShrLogical: "shr_logical",
	OpEq:         "eq",
	OpNeq:        "neq",
	OpLt:         "lt",
	OpLte:        "lte",
	OpGt:         "gt",
	OpGte:        "gte",
	OpToFloat:    "to_float",
}

func (op Op) String() string {
	if name, ok := opNames[op]; ok {
		return name
	}
	return fmt.Sprintf("op(%d)", int(op))
}

// Expr is the right-hand side of a Let binding.
type Expr interface {
	expr()
}

// Lit binds a constant. The backend caches literals and materializes them on
// first use rather than at the binding site.
type Lit struct {
	Value Literal
}

// Call invokes a named procedure through the calling convention. The target
// address is deferred to the linker via a relocation.
type Call struct {
	Name       string
	Args       []Symbol
	ArgLayouts []Layout
	Ret        Layout
}

// NumOp applies Op to already-bound operands.
type NumOp struct {
	Op   Op
	Args []Symbol
}

// Struct builds a record from field symbols, in layout order.
type Struct struct {
	Fields []Symbol
}

// StructAtIndex reads one field out of a bound record without copying: the
// result aliases the record's stack allocation.
type StructAtIndex struct {
	Structure    Symbol
	Index        uint32
	FieldLayouts []Layout
}

// Union builds a tagged-union value for one variant.
type Union struct {
	Variant uint16
	Args    []Symbol
}

// GetTagID reads a union's discriminant.
type GetTagID struct {
	Structure Symbol
}

// Array builds a list literal: a heap allocation holding the elements plus a
// {ptr, len, cap} header on the stack.
type Array struct {
	Elem  Layout
	Elems []Symbol
}

// ListLen reads the length word of a bound list.
type ListLen struct {
	List Symbol
}

func (Lit) expr()           {}
func (Call) expr()          {}
func (NumOp) expr()         {}
func (Struct) expr()        {}
func (StructAtIndex) expr() {}
func (Union) expr()         {}
func (GetTagID) expr()      {}
func (Array) expr()         {}
func (ListLen) expr()       {}

// Stmt is one node of a procedure body. Bodies are block-structured trees,
// not flat instruction lists: Switch and Join own nested blocks.
type Stmt interface {
	stmt()
}

type Block []Stmt

// Let binds Dst to the value of Expr. Layout describes the bound value.
type Let struct {
	Dst    Symbol
	Layout Layout
	Expr   Expr
}

// Ret returns Sym from the procedure.
type Ret struct {
	Sym Symbol
}

type SwitchBranch struct {
	Value uint64
	Body  Block
}

// Switch compares Cond against each branch value in order and runs the first
// matching body, or Default. Cond must have an integer or boolean layout.
type Switch struct {
	Cond       Symbol
	CondLayout Layout
	Branches   []SwitchBranch
	Default    Block
}

type JoinParam struct {
	Sym    Symbol
	Layout Layout
}

// Join declares a join point: a merge target with fixed-location parameters.
// Remainder is the code that runs first and jumps into the join; Body is the
// join's dominated code. Jumps from Body back to the same ID form loops.
type Join struct {
	ID        JoinID
	Params    []JoinParam
	Body      Block
	Remainder Block
}

// Jump transfers control to a join point, rewriting Args into the join's
// parameter locations.
type Jump struct {
	ID   JoinID
	Args []Symbol
}

func (Let) stmt()    {}
func (Ret) stmt()    {}
func (Switch) stmt() {}
func (Join) stmt()   {}
func (Jump) stmt()   {}

// Proc is one monomorphized procedure.
type Proc struct {
	Name   string
	Params []JoinParam
	Ret    Layout
	Body   Block
}

// Module is the unit handed to the backend: a set of procedures that may call
// each other and external helpers by name.
type Module struct {
	Procs []Proc
}
