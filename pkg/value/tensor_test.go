package value

import (
	"slices"
	"testing"

	"github.com/gomlx/gopjrt/dtypes"

	"k8s.io/examples/AI/lazyvm/pkg/device"
	"k8s.io/examples/AI/lazyvm/pkg/shape"
)

func TestFloat64sRoundTrip(t *testing.T) {
	values := []float64{-2, 0, 1, 3}
	for _, dtype := range []dtypes.DType{dtypes.Int8, dtypes.Int32, dtypes.Int64, dtypes.Float16, dtypes.Float32, dtypes.Float64} {
		sh := shape.Make(dtype, 2, 2)
		tensor, err := TensorFromFloat64s(device.CPU(), sh, values)
		if err != nil {
			t.Fatalf("TensorFromFloat64s(%s) failed: %v", dtype, err)
		}
		got, err := tensor.Float64s()
		if err != nil {
			t.Fatalf("Float64s(%s) failed: %v", dtype, err)
		}
		if !slices.Equal(got, values) {
			t.Errorf("%s: expected %v, got %v", dtype, values, got)
		}
	}
}

func TestCopyToIsIndependent(t *testing.T) {
	src, err := NewTensor(device.CPU(), shape.Make(dtypes.Uint8, 3), []byte{1, 2, 3})
	if err != nil {
		t.Fatalf("NewTensor failed: %v", err)
	}
	gpu := device.Device{Kind: device.KindGPU}
	dst := src.CopyTo(gpu)
	if dst.Device() != gpu {
		t.Errorf("expected copy on %v, got %v", gpu, dst.Device())
	}
	src.Data()[0] = 9
	if dst.Data()[0] != 1 {
		t.Errorf("copy shares storage with source")
	}
}

func TestNewTensorChecksSize(t *testing.T) {
	if _, err := NewTensor(device.CPU(), shape.Make(dtypes.Float32, 2), make([]byte, 7)); err == nil {
		t.Errorf("expected size mismatch error")
	}
	if _, err := NewTensor(device.CPU(), shape.MakeTuple(), nil); err == nil {
		t.Errorf("expected error for tuple shape")
	}
}

func TestIntegerViewsKeepFullWidth(t *testing.T) {
	const big = 1<<53 + 1
	signed, err := TensorFromInt64s(device.CPU(), shape.Make(dtypes.Int64, 2), []int64{big, -big})
	if err != nil {
		t.Fatalf("TensorFromInt64s failed: %v", err)
	}
	if got, _ := signed.Int64s(); !slices.Equal(got, []int64{big, -big}) {
		t.Errorf("expected %v, got %v", []int64{big, -big}, got)
	}

	unsigned, err := TensorFromUint64s(device.CPU(), shape.Make(dtypes.Uint64, 1), []uint64{1<<64 - 1})
	if err != nil {
		t.Fatalf("TensorFromUint64s failed: %v", err)
	}
	if got, _ := unsigned.Uint64s(); !slices.Equal(got, []uint64{1<<64 - 1}) {
		t.Errorf("expected max uint64, got %v", got)
	}

	wrapped, _ := TensorFromInt64s(device.CPU(), shape.Make(dtypes.Int16, 1), []int64{1 << 15})
	if got, _ := wrapped.Int64s(); !slices.Equal(got, []int64{-1 << 15}) {
		t.Errorf("expected int16 wrap to %d, got %v", -1<<15, got)
	}

	if _, err := signed.Uint64s(); err == nil {
		t.Errorf("expected Uint64s on an int64 tensor to fail")
	}
}
