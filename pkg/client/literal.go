package client

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/x448/float16"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"k8s.io/examples/AI/lazyvm/pkg/shape"
)

// Literal is a host buffer holding a tensor read back from a device.
// Data holds a typed slice: []int8, []int32, []int64, []uint8, []uint32, []uint64, []bool,
// []float16.Float16, []float32 or []float64.
type Literal struct {
	shape shape.Shape
	data  any
}

// NewLiteral allocates a zeroed literal of shape sh.
func NewLiteral(sh shape.Shape) (*Literal, error) {
	if !sh.IsArray() {
		return nil, status.Errorf(codes.InvalidArgument, "literal shape must be an array shape, got %v", sh)
	}
	if err := sh.CheckDimensions(); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "literal: %v", err)
	}
	if _, ok := shape.ElementSize(sh.DType); ok {
		if _, err := sh.ByteSize(); err != nil {
			return nil, status.Errorf(codes.InvalidArgument, "literal: %v", err)
		}
	}
	n := sh.ElementCount()
	var data any
	switch sh.DType {
	case dtypes.Int8:
		data = make([]int8, n)
	case dtypes.Int32:
		data = make([]int32, n)
	case dtypes.Int64:
		data = make([]int64, n)
	case dtypes.Uint8:
		data = make([]uint8, n)
	case dtypes.Uint32:
		data = make([]uint32, n)
	case dtypes.Uint64:
		data = make([]uint64, n)
	case dtypes.Bool:
		data = make([]bool, n)
	case dtypes.Float16:
		data = make([]float16.Float16, n)
	case dtypes.Float32:
		data = make([]float32, n)
	case dtypes.Float64:
		data = make([]float64, n)
	default:
		return nil, status.Errorf(codes.Unimplemented, "element type %s is not supported for readback", sh.DType)
	}
	return &Literal{shape: sh, data: data}, nil
}

func (l *Literal) Shape() shape.Shape { return l.shape }

// Data returns the typed element slice.
func (l *Literal) Data() any { return l.data }

// populate decodes compact little-endian element data into the literal.
func (l *Literal) populate(buf []byte) error {
	nbytes, err := l.shape.ByteSize()
	if err != nil {
		return err
	}
	if int64(len(buf)) != nbytes {
		return fmt.Errorf("literal %v needs %d bytes, got %d", l.shape, nbytes, len(buf))
	}
	if err := binary.Read(bytes.NewReader(buf), binary.LittleEndian, l.data); err != nil {
		return fmt.Errorf("decoding %v: %w", l.shape, err)
	}
	return nil
}

// Bytes returns the compact little-endian encoding of the elements.
func (l *Literal) Bytes() ([]byte, error) {
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, l.data); err != nil {
		return nil, fmt.Errorf("encoding %v: %w", l.shape, err)
	}
	return buf.Bytes(), nil
}

// LiteralData returns the elements of l as a []T.
func LiteralData[T any](l *Literal) ([]T, error) {
	data, ok := l.data.([]T)
	if !ok {
		return nil, fmt.Errorf("literal of %s holds %T", l.shape.DType, l.data)
	}
	return data, nil
}
