package ir

import (
	"fmt"
	"slices"

	"github.com/gomlx/gopjrt/dtypes"
)

// OpDef describes a primitive operator: its arity and how its result type follows from its arguments.
type OpDef struct {
	Name    string
	NumArgs int
	Infer   func(args []*TensorType, attrs map[string]float64) (*TensorType, error)
}

var ops = map[string]*OpDef{
	"add":      {Name: "add", NumArgs: 2, Infer: broadcastBinary},
	"subtract": {Name: "subtract", NumArgs: 2, Infer: broadcastBinary},
	"multiply": {Name: "multiply", NumArgs: 2, Infer: broadcastBinary},
	"divide":   {Name: "divide", NumArgs: 2, Infer: broadcastBinary},
	"negative": {Name: "negative", NumArgs: 1, Infer: sameAsInput},
	"relu":     {Name: "relu", NumArgs: 1, Infer: sameAsInput},
	"copy":     {Name: "copy", NumArgs: 1, Infer: sameAsInput},
	"scale":    {Name: "scale", NumArgs: 1, Infer: sameAsInput},
	"rms_norm": {Name: "rms_norm", NumArgs: 1, Infer: floatSameAsInput},
	"sum":      {Name: "sum", NumArgs: 1, Infer: reduceAll},
}

// LookupOp returns the definition of a primitive operator.
func LookupOp(name string) (*OpDef, bool) {
	op, ok := ops[name]
	return op, ok
}

// broadcastBinary accepts equal shapes, or a scalar on either side.
func broadcastBinary(args []*TensorType, _ map[string]float64) (*TensorType, error) {
	a, b := args[0], args[1]
	if a.DType != b.DType {
		return nil, fmt.Errorf("mismatched element types %s and %s", a.DType, b.DType)
	}
	switch {
	case slices.Equal(a.Dims, b.Dims):
		return NewTensorType(a.DType, a.Dims...), nil
	case len(a.Dims) == 0:
		return NewTensorType(b.DType, b.Dims...), nil
	case len(b.Dims) == 0:
		return NewTensorType(a.DType, a.Dims...), nil
	}
	return nil, fmt.Errorf("incompatible shapes %v and %v", a.Dims, b.Dims)
}

func sameAsInput(args []*TensorType, _ map[string]float64) (*TensorType, error) {
	return NewTensorType(args[0].DType, args[0].Dims...), nil
}

func floatSameAsInput(args []*TensorType, attrs map[string]float64) (*TensorType, error) {
	switch args[0].DType {
	case dtypes.Float16, dtypes.Float32, dtypes.Float64:
		return sameAsInput(args, attrs)
	}
	return nil, fmt.Errorf("expected floating point input, got %s", args[0].DType)
}

func reduceAll(args []*TensorType, _ map[string]float64) (*TensorType, error) {
	return NewTensorType(args[0].DType), nil
}
