// Package ir defines the typed, monomorphized intermediate representation
// consumed by the code generator. Layouts arrive fully resolved: the backend
// performs no inference and treats every descriptor here as final.
package ir

import "fmt"

// Symbol is an opaque identifier for one IR-level value. A symbol's value is
// produced exactly once and may be read many times until it is freed.
type Symbol uint32

func (s Symbol) String() string {
	return fmt.Sprintf("s%d", uint32(s))
}

// JoinID names a control-flow join point within one procedure.
type JoinID uint32

func (id JoinID) String() string {
	return fmt.Sprintf("j%d", uint32(id))
}

type IntWidth int

const (
	I8 IntWidth = iota
	I16
	I32
	I64
	U8
	U16
	U32
	U64
)

func (w IntWidth) Size() uint32 {
	switch w {
	case I8, U8:
		return 1
	case I16, U16:
		return 2
	case I32, U32:
		return 4
	case I64, U64:
		return 8
	}
	panic(fmt.Sprintf("ir: unknown int width %d", w))
}

func (w IntWidth) Signed() bool {
	switch w {
	case I8, I16, I32, I64:
		return true
	default:
		return false
	}
}

func (w IntWidth) String() string {
	switch w {
	case I8:
		return "i8"
	case I16:
		return "i16"
	case I32:
		return "i32"
	case I64:
		return "i64"
	case U8:
		return "u8"
	case U16:
		return "u16"
	case U32:
		return "u32"
	case U64:
		return "u64"
	}
	return fmt.Sprintf("int(%d)", int(w))
}

type FloatWidth int

const (
	F32 FloatWidth = iota
	F64
)

func (w FloatWidth) Size() uint32 {
	if w == F32 {
		return 4
	}
	return 8
}

func (w FloatWidth) String() string {
	if w == F32 {
		return "f32"
	}
	return "f64"
}

type LayoutKind int

const (
	KindUnit LayoutKind = iota
	KindBool
	KindInt
	KindFloat
	KindStr
	KindList
	KindStruct
	KindUnion
)

// Layout is a closed description of a value's machine representation. It is a
// sum type expressed as a kind plus the fields relevant to that kind; only the
// constructors below should build one.
type Layout struct {
	Kind     LayoutKind
	Int      IntWidth
	Float    FloatWidth
	Elem     *Layout    // list element layout
	Fields   []Layout   // struct fields, in declaration order
	Variants [][]Layout // union variants, each a field list
}

var (
	Unit = Layout{Kind: KindUnit}
	Bool = Layout{Kind: KindBool}
	Str  = Layout{Kind: KindStr}
)

func Int(w IntWidth) Layout {
	return Layout{Kind: KindInt, Int: w}
}

func Float(w FloatWidth) Layout {
	return Layout{Kind: KindFloat, Float: w}
}

func List(elem Layout) Layout {
	return Layout{Kind: KindList, Elem: &elem}
}

func StructOf(fields ...Layout) Layout {
	return Layout{Kind: KindStruct, Fields: fields}
}

func UnionOf(variants ...[]Layout) Layout {
	return Layout{Kind: KindUnion, Variants: variants}
}

// Size reports the number of bytes the value occupies on the stack. Struct
// fields are packed in declaration order with no reordering or padding; the
// offset of field i is the sum of the sizes of fields 0..i-1.
func (l Layout) Size() uint32 {
	switch l.Kind {
	case KindUnit:
		return 0
	case KindBool:
		return 1
	case KindInt:
		return l.Int.Size()
	case KindFloat:
		return l.Float.Size()
	case KindStr, KindList:
		// {ptr, len, cap} header, or 24 inline bytes for small strings.
		return 24
	case KindStruct:
		var total uint32
		for _, f := range l.Fields {
			total += f.Size()
		}
		return total
	case KindUnion:
		size, _ := l.UnionDataSizeAlign()
		return size
	}
	panic(fmt.Sprintf("ir: unknown layout kind %d", l.Kind))
}

func (l Layout) Alignment() uint32 {
	switch l.Kind {
	case KindUnit:
		return 1
	case KindBool:
		return 1
	case KindInt:
		return l.Int.Size()
	case KindFloat:
		return l.Float.Size()
	case KindStr, KindList:
		return 8
	case KindStruct:
		var align uint32 = 1
		for _, f := range l.Fields {
			if a := f.Alignment(); a > align {
				align = a
			}
		}
		return align
	case KindUnion:
		_, align := l.UnionDataSizeAlign()
		return align
	}
	panic(fmt.Sprintf("ir: unknown layout kind %d", l.Kind))
}

// UnionDataSizeAlign reports the total byte size and alignment of a union's
// stack image. The discriminant occupies the trailing alignment-sized slot, so
// the tag lives at offset size-align.
func (l Layout) UnionDataSizeAlign() (uint32, uint32) {
	if l.Kind != KindUnion {
		panic("ir: UnionDataSizeAlign on non-union layout")
	}
	align := uint32(l.TagSize())
	var payload uint32
	for _, variant := range l.Variants {
		var size uint32
		for _, f := range variant {
			size += f.Size()
			if a := f.Alignment(); a > align {
				align = a
			}
		}
		if size > payload {
			payload = size
		}
	}
	return roundUp(payload, align) + align, align
}

// TagSize is the discriminant width in bytes: one byte covers up to 256
// variants, anything larger takes two.
func (l Layout) TagSize() uint32 {
	if len(l.Variants) <= 256 {
		return 1
	}
	return 2
}

// TagOffset is the byte offset of the discriminant within the union image.
func (l Layout) TagOffset() uint32 {
	size, align := l.UnionDataSizeAlign()
	return size - align
}

// InGeneralReg reports whether a value of this layout fits in one
// general-purpose register.
func (l Layout) InGeneralReg() bool {
	return l.Kind == KindBool || l.Kind == KindInt
}

// InFloatReg reports whether a value of this layout fits in one floating-point
// register.
func (l Layout) InFloatReg() bool {
	return l.Kind == KindFloat
}

// IsPrimitive reports whether the layout is a single-register value.
func (l Layout) IsPrimitive() bool {
	return l.InGeneralReg() || l.InFloatReg()
}

// SignExtend reports whether a narrow load of this layout must sign extend.
// Unsigned integers, booleans and tags zero extend.
func (l Layout) SignExtend() bool {
	return l.Kind == KindInt && l.Int.Signed()
}

func (l Layout) String() string {
	switch l.Kind {
	case KindUnit:
		return "unit"
	case KindBool:
		return "bool"
	case KindInt:
		return l.Int.String()
	case KindFloat:
		return l.Float.String()
	case KindStr:
		return "str"
	case KindList:
		return fmt.Sprintf("list(%s)", l.Elem)
	case KindStruct:
		return fmt.Sprintf("struct(%d fields)", len(l.Fields))
	case KindUnion:
		return fmt.Sprintf("union(%d variants)", len(l.Variants))
	}
	return fmt.Sprintf("layout(%d)", int(l.Kind))
}

func roundUp(n, align uint32) uint32 {
	if align == 0 || n%align == 0 {
		return n
	}
	return n + align - n%align
}
