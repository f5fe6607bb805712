package vm

import (
	"errors"
	"fmt"
	"math"

	"github.com/gomlx/gopjrt/dtypes"

	"k8s.io/examples/AI/lazyvm/pkg/shape"
	"k8s.io/examples/AI/lazyvm/pkg/value"
)

// Kernel computes a primitive operator on tensors resident on one device.
type Kernel func(args []*value.Tensor, attrs map[string]float64) (*value.Tensor, error)

var kernels = map[string]Kernel{
	"add": binaryKernel(binaryOp{
		float: func(a, b float64) (float64, error) { return a + b, nil },
		int:   func(a, b int64) (int64, error) { return a + b, nil },
		uint:  func(a, b uint64) (uint64, error) { return a + b, nil },
	}),
	"subtract": binaryKernel(binaryOp{
		float: func(a, b float64) (float64, error) { return a - b, nil },
		int:   func(a, b int64) (int64, error) { return a - b, nil },
		uint:  func(a, b uint64) (uint64, error) { return a - b, nil },
	}),
	"multiply": binaryKernel(binaryOp{
		float: func(a, b float64) (float64, error) { return a * b, nil },
		int:   func(a, b int64) (int64, error) { return a * b, nil },
		uint:  func(a, b uint64) (uint64, error) { return a * b, nil },
	}),
	"divide": binaryKernel(binaryOp{
		float: func(a, b float64) (float64, error) { return a / b, nil },
		int: func(a, b int64) (int64, error) {
			if b == 0 {
				return 0, errDivideByZero
			}
			return a / b, nil
		},
		uint: func(a, b uint64) (uint64, error) {
			if b == 0 {
				return 0, errDivideByZero
			}
			return a / b, nil
		},
	}),
	"negative": unaryKernel(unaryOp{
		float: func(x float64) float64 { return -x },
		int:   func(x int64) int64 { return -x },
		uint:  func(x uint64) uint64 { return -x },
	}),
	"relu": unaryKernel(unaryOp{
		float: func(x float64) float64 { return math.Max(x, 0) },
		int:   func(x int64) int64 { return max(x, 0) },
		uint:  func(x uint64) uint64 { return x },
	}),
	"copy":     copyKernel,
	"scale":    scaleKernel,
	"rms_norm": rmsNormKernel,
	"sum":      sumKernel,
}

var errDivideByZero = errors.New("integer division by zero")

// LookupKernel returns the kernel implementing the named operator.
func LookupKernel(name string) (Kernel, bool) {
	k, ok := kernels[name]
	return k, ok
}

func isFloat(dt dtypes.DType) bool {
	switch dt {
	case dtypes.Float16, dtypes.Float32, dtypes.Float64:
		return true
	}
	return false
}

func checkUnary(args []*value.Tensor) error {
	if len(args) != 1 {
		return fmt.Errorf("expected 1 argument, got %d", len(args))
	}
	return nil
}

// unaryOp holds one form of an elementwise operator per element family.
// Integer forms compute at 64 bits and wrap to the element width on store.
type unaryOp struct {
	float func(float64) float64
	int   func(int64) int64
	uint  func(uint64) uint64
}

func unaryKernel(op unaryOp) Kernel {
	return func(args []*value.Tensor, _ map[string]float64) (*value.Tensor, error) {
		if err := checkUnary(args); err != nil {
			return nil, err
		}
		src := args[0]
		switch dt := src.DType(); {
		case value.IsSigned(dt):
			values, err := src.Int64s()
			if err != nil {
				return nil, err
			}
			return value.TensorFromInt64s(src.Device(), src.Shape(), mapValues(values, op.int))
		case value.IsUnsigned(dt):
			values, err := src.Uint64s()
			if err != nil {
				return nil, err
			}
			return value.TensorFromUint64s(src.Device(), src.Shape(), mapValues(values, op.uint))
		default:
			values, err := src.Float64s()
			if err != nil {
				return nil, err
			}
			return value.TensorFromFloat64s(src.Device(), src.Shape(), mapValues(values, op.float))
		}
	}
}

func mapValues[T any](values []T, f func(T) T) []T {
	for i := range values {
		values[i] = f(values[i])
	}
	return values
}

// binaryOp is the binary counterpart of unaryOp.
type binaryOp struct {
	float func(a, b float64) (float64, error)
	int   func(a, b int64) (int64, error)
	uint  func(a, b uint64) (uint64, error)
}

func binaryKernel(op binaryOp) Kernel {
	return func(args []*value.Tensor, _ map[string]float64) (*value.Tensor, error) {
		if len(args) != 2 {
			return nil, fmt.Errorf("expected 2 arguments, got %d", len(args))
		}
		a, b := args[0], args[1]
		if a.Device() != b.Device() {
			return nil, fmt.Errorf("arguments on different devices %v and %v", a.Device(), b.Device())
		}
		if a.DType() != b.DType() {
			return nil, fmt.Errorf("mismatched element types %s and %s", a.DType(), b.DType())
		}

		var out shape.Shape
		switch {
		case a.Shape().Equal(b.Shape()):
			out = a.Shape()
		case a.Shape().Rank() == 0:
			out = b.Shape()
		case b.Shape().Rank() == 0:
			out = a.Shape()
		default:
			return nil, fmt.Errorf("incompatible shapes %v and %v", a.Shape(), b.Shape())
		}
		n := out.ElementCount()

		switch dt := a.DType(); {
		case value.IsSigned(dt):
			values, err := broadcastValues(a.Int64s, b.Int64s, n, op.int)
			if err != nil {
				return nil, err
			}
			return value.TensorFromInt64s(a.Device(), out, values)
		case value.IsUnsigned(dt):
			values, err := broadcastValues(a.Uint64s, b.Uint64s, n, op.uint)
			if err != nil {
				return nil, err
			}
			return value.TensorFromUint64s(a.Device(), out, values)
		default:
			values, err := broadcastValues(a.Float64s, b.Float64s, n, op.float)
			if err != nil {
				return nil, err
			}
			return value.TensorFromFloat64s(a.Device(), out, values)
		}
	}
}

// broadcastValues applies f elementwise over n elements; a single-element side is repeated.
func broadcastValues[T any](left, right func() ([]T, error), n int64, f func(a, b T) (T, error)) ([]T, error) {
	av, err := left()
	if err != nil {
		return nil, err
	}
	bv, err := right()
	if err != nil {
		return nil, err
	}
	values := make([]T, n)
	for i := int64(0); i < n; i++ {
		x, y := av[0], bv[0]
		if len(av) > 1 {
			x = av[i]
		}
		if len(bv) > 1 {
			y = bv[i]
		}
		v, err := f(x, y)
		if err != nil {
			return nil, err
		}
		values[i] = v
	}
	return values, nil
}

func copyKernel(args []*value.Tensor, _ map[string]float64) (*value.Tensor, error) {
	if err := checkUnary(args); err != nil {
		return nil, err
	}
	return args[0].CopyTo(args[0].Device()), nil
}

func scaleKernel(args []*value.Tensor, attrs map[string]float64) (*value.Tensor, error) {
	scale := 1.0
	if v, ok := attrs["scale"]; ok {
		scale = v
	}
	op := unaryOp{
		float: func(x float64) float64 { return x * scale },
		int:   func(x int64) int64 { return int64(float64(x) * scale) },
		uint:  func(x uint64) uint64 { return uint64(float64(x) * scale) },
	}
	// An integral factor keeps integer tensors exact; other factors truncate toward zero.
	if factor := int64(scale); float64(factor) == scale {
		op.int = func(x int64) int64 { return x * factor }
		op.uint = func(x uint64) uint64 { return x * uint64(factor) }
	}
	return unaryKernel(op)(args, attrs)
}

// rmsNormKernel normalizes each row along the last axis; a scalar is normalized on its own.
func rmsNormKernel(args []*value.Tensor, attrs map[string]float64) (*value.Tensor, error) {
	if err := checkUnary(args); err != nil {
		return nil, err
	}
	src := args[0]
	if !isFloat(src.DType()) {
		return nil, fmt.Errorf("rms_norm expects floating point input, got %s", src.DType())
	}
	epsilon := 1e-5
	if v := attrs["epsilon"]; v != 0 {
		epsilon = v
	}

	values, err := src.Float64s()
	if err != nil {
		return nil, err
	}
	rowLen := 1
	if dims := src.Shape().Dimensions; len(dims) > 0 {
		rowLen = int(dims[len(dims)-1])
	}
	if rowLen == 0 {
		return src.CopyTo(src.Device()), nil
	}
	for start := 0; start < len(values); start += rowLen {
		row := values[start : start+rowLen]
		sumX2 := 0.0
		for _, v := range row {
			sumX2 += v * v
		}
		mean := sumX2 / float64(len(row))
		rms := 1.0 / math.Sqrt(mean+epsilon)
		for i := range row {
			row[i] *= rms
		}
	}
	return value.TensorFromFloat64s(src.Device(), src.Shape(), values)
}

func sumKernel(args []*value.Tensor, _ map[string]float64) (*value.Tensor, error) {
	if err := checkUnary(args); err != nil {
		return nil, err
	}
	src := args[0]
	out := shape.Make(src.DType())
	switch dt := src.DType(); {
	case value.IsSigned(dt):
		values, err := src.Int64s()
		if err != nil {
			return nil, err
		}
		return value.TensorFromInt64s(src.Device(), out, []int64{total(values)})
	case value.IsUnsigned(dt):
		values, err := src.Uint64s()
		if err != nil {
			return nil, err
		}
		return value.TensorFromUint64s(src.Device(), out, []uint64{total(values)})
	default:
		values, err := src.Float64s()
		if err != nil {
			return nil, err
		}
		return value.TensorFromFloat64s(src.Device(), out, []float64{total(values)})
	}
}

func total[T int64 | uint64 | float64](values []T) T {
	var sum T
	for _, v := range values {
		sum += v
	}
	return sum
}
