// Package shape describes the element type and dimensions of device and host buffers.
package shape

import (
	"fmt"
	"math"
	"slices"
	"strings"

	"github.com/gomlx/gopjrt/dtypes"
)

// Shape is either an array shape (DType + Dimensions) or a tuple of shapes.
// The zero Shape is the empty/unknown shape.
type Shape struct {
	DType      dtypes.DType
	Dimensions []int64
	Tuple      []Shape
}

// Make returns an array shape.
func Make(dtype dtypes.DType, dimensions ...int64) Shape {
	return Shape{DType: dtype, Dimensions: slices.Clone(dimensions)}
}

// MakeTuple returns a tuple shape.
func MakeTuple(fields ...Shape) Shape {
	if fields == nil {
		fields = []Shape{}
	}
	return Shape{Tuple: fields}
}

func (s Shape) IsTuple() bool {
	return s.Tuple != nil
}

func (s Shape) IsArray() bool {
	return !s.IsTuple() && s.DType != dtypes.InvalidDType
}

// IsEmpty reports whether nothing is known about the shape.
func (s Shape) IsEmpty() bool {
	return !s.IsTuple() && s.DType == dtypes.InvalidDType && len(s.Dimensions) == 0
}

func (s Shape) Rank() int {
	return len(s.Dimensions)
}

// ElementCount returns the number of elements of an array shape. Scalars have one element.
func (s Shape) ElementCount() int64 {
	n := int64(1)
	for _, d := range s.Dimensions {
		n *= d
	}
	return n
}

// CheckDimensions rejects negative dimensions and element counts that overflow int64.
func (s Shape) CheckDimensions() error {
	n := int64(1)
	for i, d := range s.Dimensions {
		if d < 0 {
			return fmt.Errorf("dimension %d of %v is negative", i, s)
		}
		if d != 0 && n > math.MaxInt64/d {
			return fmt.Errorf("element count of %v overflows int64", s)
		}
		n *= d
	}
	return nil
}

// ByteSize returns the compact size in bytes of an array shape.
func (s Shape) ByteSize() (int64, error) {
	width, ok := ElementSize(s.DType)
	if !ok {
		return 0, fmt.Errorf("element type %s has no fixed width", s.DType)
	}
	if err := s.CheckDimensions(); err != nil {
		return 0, err
	}
	n := s.ElementCount()
	if n > math.MaxInt64/int64(width) {
		return 0, fmt.Errorf("byte size of %v overflows int64", s)
	}
	return n * int64(width), nil
}

func (s Shape) Equal(other Shape) bool {
	if s.IsTuple() != other.IsTuple() {
		return false
	}
	if s.IsTuple() {
		return slices.EqualFunc(s.Tuple, other.Tuple, Shape.Equal)
	}
	return s.DType == other.DType && slices.Equal(s.Dimensions, other.Dimensions)
}

func (s Shape) String() string {
	if s.IsTuple() {
		parts := make([]string, len(s.Tuple))
		for i, f := range s.Tuple {
			parts[i] = f.String()
		}
		return "(" + strings.Join(parts, ", ") + ")"
	}
	if s.IsEmpty() {
		return "()"
	}
	dims := make([]string, len(s.Dimensions))
	for i, d := range s.Dimensions {
		dims[i] = fmt.Sprint(d)
	}
	return fmt.Sprintf("%s[%s]", s.DType, strings.Join(dims, ","))
}

// ElementSize returns the width in bytes of one element of dtype.
func ElementSize(dtype dtypes.DType) (int, bool) {
	switch dtype {
	case dtypes.Bool, dtypes.Int8, dtypes.Uint8:
		return 1, true
	case dtypes.Int16, dtypes.Uint16, dtypes.Float16, dtypes.BFloat16:
		return 2, true
	case dtypes.Int32, dtypes.Uint32, dtypes.Float32:
		return 4, true
	case dtypes.Int64, dtypes.Uint64, dtypes.Float64, dtypes.Complex64:
		return 8, true
	case dtypes.Complex128:
		return 16, true
	}
	return 0, false
}
