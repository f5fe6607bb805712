package ir

import (
	"fmt"
	"slices"
	"strings"

	"github.com/gomlx/gopjrt/dtypes"
)

// Type is the checked type of an expression.
type Type interface {
	isType()
	String() string
}

type TensorType struct {
	DType dtypes.DType
	Dims  []int64
}

type TupleType struct {
	Fields []Type
}

type FuncType struct {
	Params []Type
	Ret    Type
}

func (*TensorType) isType() {}
func (*TupleType) isType()  {}
func (*FuncType) isType()   {}

func NewTensorType(dtype dtypes.DType, dims ...int64) *TensorType {
	return &TensorType{DType: dtype, Dims: slices.Clone(dims)}
}

func (t *TensorType) String() string {
	dims := make([]string, len(t.Dims))
	for i, d := range t.Dims {
		dims[i] = fmt.Sprint(d)
	}
	return fmt.Sprintf("%s[%s]", t.DType, strings.Join(dims, ","))
}

func (t *TupleType) String() string {
	fields := make([]string, len(t.Fields))
	for i, f := range t.Fields {
		fields[i] = f.String()
	}
	return "(" + strings.Join(fields, ", ") + ")"
}

func (t *FuncType) String() string {
	params := make([]string, len(t.Params))
	for i, p := range t.Params {
		params[i] = p.String()
	}
	return "fn(" + strings.Join(params, ", ") + ") -> " + t.Ret.String()
}

// TypeEqual reports structural equality of two types. A nil type equals only nil.
func TypeEqual(a, b Type) bool {
	switch a := a.(type) {
	case nil:
		return b == nil
	case *TensorType:
		b, ok := b.(*TensorType)
		return ok && a.DType == b.DType && slices.Equal(a.Dims, b.Dims)
	case *TupleType:
		b, ok := b.(*TupleType)
		return ok && slices.EqualFunc(a.Fields, b.Fields, TypeEqual)
	case *FuncType:
		b, ok := b.(*FuncType)
		return ok && slices.EqualFunc(a.Params, b.Params, TypeEqual) && TypeEqual(a.Ret, b.Ret)
	}
	return false
}
