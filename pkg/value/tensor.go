package value

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/x448/float16"

	"k8s.io/examples/AI/lazyvm/pkg/device"
	"k8s.io/examples/AI/lazyvm/pkg/shape"
)

// Tensor is a dense array resident on a device. Data is compact little-endian.
type Tensor struct {
	device device.Device
	shape  shape.Shape
	data   []byte
}

// NewTensor wraps data, which must be exactly the compact size of sh.
func NewTensor(dev device.Device, sh shape.Shape, data []byte) (*Tensor, error) {
	if !sh.IsArray() {
		return nil, fmt.Errorf("tensor shape must be an array shape, got %v", sh)
	}
	nbytes, err := sh.ByteSize()
	if err != nil {
		return nil, err
	}
	if int64(len(data)) != nbytes {
		return nil, fmt.Errorf("tensor %v needs %d bytes, got %d", sh, nbytes, len(data))
	}
	return &Tensor{device: dev, shape: sh, data: data}, nil
}

// AllocTensor allocates a zero-filled tensor on dev.
func AllocTensor(dev device.Device, sh shape.Shape) (*Tensor, error) {
	nbytes, err := sh.ByteSize()
	if err != nil {
		return nil, err
	}
	return NewTensor(dev, sh, make([]byte, nbytes))
}

func (t *Tensor) Device() device.Device { return t.device }
func (t *Tensor) Shape() shape.Shape    { return t.shape }
func (t *Tensor) DType() dtypes.DType   { return t.shape.DType }

// Data returns the backing buffer; writes are visible to the tensor.
func (t *Tensor) Data() []byte { return t.data }

// CopyTo returns a copy of t placed on dev.
func (t *Tensor) CopyTo(dev device.Device) *Tensor {
	data := make([]byte, len(t.data))
	copy(data, t.data)
	return &Tensor{device: dev, shape: t.shape, data: data}
}

// CopyFrom overwrites t with the contents of src, which must have the same shape.
func (t *Tensor) CopyFrom(src *Tensor) error {
	if !t.shape.Equal(src.shape) {
		return fmt.Errorf("copying %v into %v", src.shape, t.shape)
	}
	copy(t.data, src.data)
	return nil
}

// Float64s decodes the elements of t as float64.
func (t *Tensor) Float64s() ([]float64, error) {
	width, ok := shape.ElementSize(t.DType())
	if !ok {
		return nil, fmt.Errorf("unsupported element type %s", t.DType())
	}
	n := len(t.data) / width
	out := make([]float64, n)
	le := binary.LittleEndian
	for i := 0; i < n; i++ {
		b := t.data[i*width : (i+1)*width]
		switch t.DType() {
		case dtypes.Bool:
			if b[0] != 0 {
				out[i] = 1
			}
		case dtypes.Int8:
			out[i] = float64(int8(b[0]))
		case dtypes.Uint8:
			out[i] = float64(b[0])
		case dtypes.Int32:
			out[i] = float64(int32(le.Uint32(b)))
		case dtypes.Uint32:
			out[i] = float64(le.Uint32(b))
		case dtypes.Int64:
			out[i] = float64(int64(le.Uint64(b)))
		case dtypes.Uint64:
			out[i] = float64(le.Uint64(b))
		case dtypes.Float16:
			out[i] = float64(float16.Frombits(le.Uint16(b)).Float32())
		case dtypes.Float32:
			out[i] = float64(math.Float32frombits(le.Uint32(b)))
		case dtypes.Float64:
			out[i] = math.Float64frombits(le.Uint64(b))
		default:
			return nil, fmt.Errorf("unsupported element type %s", t.DType())
		}
	}
	return out, nil
}

// TensorFromFloat64s encodes values into a new tensor of shape sh on dev.
// Integer element types truncate toward zero.
func TensorFromFloat64s(dev device.Device, sh shape.Shape, values []float64) (*Tensor, error) {
	t, err := AllocTensor(dev, sh)
	if err != nil {
		return nil, err
	}
	if int64(len(values)) != sh.ElementCount() {
		return nil, fmt.Errorf("shape %v needs %d values, got %d", sh, sh.ElementCount(), len(values))
	}
	width, _ := shape.ElementSize(sh.DType)
	le := binary.LittleEndian
	for i, v := range values {
		b := t.data[i*width : (i+1)*width]
		switch sh.DType {
		case dtypes.Bool:
			if v != 0 {
				b[0] = 1
			}
		case dtypes.Int8:
			b[0] = byte(int8(v))
		case dtypes.Uint8:
			b[0] = uint8(v)
		case dtypes.Int32:
			le.PutUint32(b, uint32(int32(v)))
		case dtypes.Uint32:
			le.PutUint32(b, uint32(v))
		case dtypes.Int64:
			le.PutUint64(b, uint64(int64(v)))
		case dtypes.Uint64:
			le.PutUint64(b, uint64(v))
		case dtypes.Float16:
			le.PutUint16(b, float16.Fromfloat32(float32(v)).Bits())
		case dtypes.Float32:
			le.PutUint32(b, math.Float32bits(float32(v)))
		case dtypes.Float64:
			le.PutUint64(b, math.Float64bits(v))
		default:
			return nil, fmt.Errorf("unsupported element type %s", sh.DType)
		}
	}
	return t, nil
}

// IsSigned reports whether dtype is a signed integer type.
func IsSigned(dtype dtypes.DType) bool {
	switch dtype {
	case dtypes.Int8, dtypes.Int16, dtypes.Int32, dtypes.Int64:
		return true
	}
	return false
}

// IsUnsigned reports whether dtype is an unsigned integer type.
func IsUnsigned(dtype dtypes.DType) bool {
	switch dtype {
	case dtypes.Uint8, dtypes.Uint16, dtypes.Uint32, dtypes.Uint64:
		return true
	}
	return false
}

// Int64s decodes the elements of a signed integer tensor, sign-extended to int64.
func (t *Tensor) Int64s() ([]int64, error) {
	if !IsSigned(t.DType()) {
		return nil, fmt.Errorf("element type %s is not a signed integer type", t.DType())
	}
	width, _ := shape.ElementSize(t.DType())
	out := make([]int64, len(t.data)/width)
	le := binary.LittleEndian
	for i := range out {
		b := t.data[i*width : (i+1)*width]
		switch width {
		case 1:
			out[i] = int64(int8(b[0]))
		case 2:
			out[i] = int64(int16(le.Uint16(b)))
		case 4:
			out[i] = int64(int32(le.Uint32(b)))
		default:
			out[i] = int64(le.Uint64(b))
		}
	}
	return out, nil
}

// Uint64s decodes the elements of an unsigned integer tensor.
func (t *Tensor) Uint64s() ([]uint64, error) {
	if !IsUnsigned(t.DType()) {
		return nil, fmt.Errorf("element type %s is not an unsigned integer type", t.DType())
	}
	width, _ := shape.ElementSize(t.DType())
	out := make([]uint64, len(t.data)/width)
	le := binary.LittleEndian
	for i := range out {
		b := t.data[i*width : (i+1)*width]
		switch width {
		case 1:
			out[i] = uint64(b[0])
		case 2:
			out[i] = uint64(le.Uint16(b))
		case 4:
			out[i] = uint64(le.Uint32(b))
		default:
			out[i] = le.Uint64(b)
		}
	}
	return out, nil
}

// TensorFromInt64s encodes values into a new signed integer tensor, wrapping to the element width.
func TensorFromInt64s(dev device.Device, sh shape.Shape, values []int64) (*Tensor, error) {
	if !IsSigned(sh.DType) {
		return nil, fmt.Errorf("element type %s is not a signed integer type", sh.DType)
	}
	u := make([]uint64, len(values))
	for i, v := range values {
		u[i] = uint64(v)
	}
	return encodeUint64s(dev, sh, u)
}

// TensorFromUint64s encodes values into a new unsigned integer tensor, wrapping to the element width.
func TensorFromUint64s(dev device.Device, sh shape.Shape, values []uint64) (*Tensor, error) {
	if !IsUnsigned(sh.DType) {
		return nil, fmt.Errorf("element type %s is not an unsigned integer type", sh.DType)
	}
	return encodeUint64s(dev, sh, values)
}

// encodeUint64s stores the low bits of each value; two's complement makes this wrap signed values too.
func encodeUint64s(dev device.Device, sh shape.Shape, values []uint64) (*Tensor, error) {
	t, err := AllocTensor(dev, sh)
	if err != nil {
		return nil, err
	}
	if int64(len(values)) != sh.ElementCount() {
		return nil, fmt.Errorf("shape %v needs %d values, got %d", sh, sh.ElementCount(), len(values))
	}
	width, _ := shape.ElementSize(sh.DType)
	le := binary.LittleEndian
	for i, v := range values {
		b := t.data[i*width : (i+1)*width]
		switch width {
		case 1:
			b[0] = byte(v)
		case 2:
			le.PutUint16(b, uint16(v))
		case 4:
			le.PutUint32(b, uint32(v))
		default:
			le.PutUint64(b, v)
		}
	}
	return t, nil
}
