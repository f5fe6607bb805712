package vm

import (
	"context"
	"math"
	"slices"
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"k8s.io/examples/AI/lazyvm/pkg/device"
	"k8s.io/examples/AI/lazyvm/pkg/ir"
	"k8s.io/examples/AI/lazyvm/pkg/shape"
	"k8s.io/examples/AI/lazyvm/pkg/value"
)

func f32Tensor(t *testing.T, dims []int64, values ...float64) *value.Tensor {
	t.Helper()
	tensor, err := value.TensorFromFloat64s(device.CPU(), shape.Make(dtypes.Float32, dims...), values)
	if err != nil {
		t.Fatalf("building tensor: %v", err)
	}
	return tensor
}

func floats(t *testing.T, v value.Value) []float64 {
	t.Helper()
	tensor, ok := v.(*value.Tensor)
	if !ok {
		t.Fatalf("expected tensor, got %T", v)
	}
	values, err := tensor.Float64s()
	if err != nil {
		t.Fatalf("decoding tensor: %v", err)
	}
	return values
}

func floatingPointEqual(a, b []float64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if math.Abs(a[i]-b[i]) > 0.00001 {
			return false
		}
	}
	return true
}

func lowerAndRun(t *testing.T, mod *ir.Module, args ...value.Value) (value.Value, error) {
	t.Helper()
	ctx := context.Background()
	exe, err := Lower(ctx, mod, DeviceMap{device.KindCPU: device.CPU()})
	if err != nil {
		t.Fatalf("lowering: %v", err)
	}
	vm, err := New(exe)
	if err != nil {
		t.Fatalf("creating vm: %v", err)
	}
	if err := vm.SetDevices(device.CPU()); err != nil {
		t.Fatalf("setting devices: %v", err)
	}
	c, err := vm.PrepareContext(ir.EntryName, args)
	if err != nil {
		t.Fatalf("preparing context: %v", err)
	}
	return vm.Run(ctx, c)
}

func TestRunAddConstant(t *testing.T) {
	x := ir.NewVar("x", ir.NewTensorType(dtypes.Float32, 3))
	two := f32Tensor(t, nil, 2)
	c := ir.NewConstant(dtypes.Float32, nil, two.Data())
	mod := ir.FromExpr(ir.NewFunction([]*ir.Var{x}, ir.NewCall("add", x, c)))

	out, err := lowerAndRun(t, mod, f32Tensor(t, []int64{3}, 1, 2, 3))
	if err != nil {
		t.Fatalf("running: %v", err)
	}
	if got, want := floats(t, out), []float64{3, 4, 5}; !floatingPointEqual(got, want) {
		t.Errorf("expected %v, got %v", want, got)
	}
}

func TestRunRMSNorm(t *testing.T) {
	x := ir.NewVar("x", ir.NewTensorType(dtypes.Float32, 3))
	mod := ir.FromExpr(ir.NewFunction([]*ir.Var{x}, ir.NewCall("rms_norm", x)))

	out, err := lowerAndRun(t, mod, f32Tensor(t, []int64{3}, 1, 2, 3))
	if err != nil {
		t.Fatalf("running: %v", err)
	}
	expected := []float64{0.46290955, 0.9258191, 1.3887286}
	if got := floats(t, out); !floatingPointEqual(got, expected) {
		t.Errorf("expected %+v, got %+v", expected, got)
	}
}

func TestRunRMSNormPerRow(t *testing.T) {
	x := ir.NewVar("x", ir.NewTensorType(dtypes.Float32, 2, 3))
	mod := ir.FromExpr(ir.NewFunction([]*ir.Var{x}, ir.NewCall("rms_norm", x)))

	out, err := lowerAndRun(t, mod, f32Tensor(t, []int64{2, 3}, 1, 2, 3, 2, 4, 6))
	if err != nil {
		t.Fatalf("running: %v", err)
	}
	got := floats(t, out)
	if !floatingPointEqual(got[:3], []float64{0.46290955, 0.9258191, 1.3887286}) {
		t.Errorf("unexpected first row %v", got[:3])
	}
	if !floatingPointEqual(got[3:], []float64{0.46291, 0.92582, 1.38873}) {
		t.Errorf("unexpected second row %v", got[3:])
	}
}

func TestFunctionOrderPutsCalleesFirst(t *testing.T) {
	x := ir.NewVar("x", ir.NewTensorType(dtypes.Float32))
	y := ir.NewVar("y", ir.NewTensorType(dtypes.Float32))
	mod := ir.NewModule()
	helper := mod.Add("helper", ir.NewFunction([]*ir.Var{y}, ir.NewCall("negative", y)))
	mod.Add(ir.EntryName, ir.NewFunction([]*ir.Var{x}, ir.Apply(helper, x)))

	exe, err := Lower(context.Background(), mod, DeviceMap{device.KindCPU: device.CPU()})
	if err != nil {
		t.Fatalf("lowering: %v", err)
	}
	if exe.GlobalMap["helper"] != 0 || exe.GlobalMap[ir.EntryName] != 1 {
		t.Errorf("unexpected function indices %v", exe.GlobalMap)
	}
	if op := exe.Functions[1].Instructions[0].Op; op != OpInvokeFunc {
		t.Errorf("expected main to start with InvokeFunc, got %v", op)
	}
}

func TestLowerRejectsRecursion(t *testing.T) {
	x := ir.NewVar("x", ir.NewTensorType(dtypes.Float32))
	mod := ir.NewModule()
	gv := mod.Add(ir.EntryName, nil)
	mod.Add(ir.EntryName, ir.NewFunction([]*ir.Var{x}, ir.Apply(gv, x)))

	if _, err := Lower(context.Background(), mod, DeviceMap{device.KindCPU: device.CPU()}); err == nil {
		t.Fatalf("expected recursion to be rejected")
	}
}

func TestLowerRejectsNestedFunction(t *testing.T) {
	x := ir.NewVar("x", ir.NewTensorType(dtypes.Float32))
	y := ir.NewVar("y", ir.NewTensorType(dtypes.Float32))
	mod := ir.FromExpr(ir.NewFunction([]*ir.Var{x}, ir.NewFunction([]*ir.Var{y}, ir.NewCall("add", x, y))))

	if _, err := Lower(context.Background(), mod, DeviceMap{device.KindCPU: device.CPU()}); err == nil {
		t.Fatalf("expected unlifted function to be rejected")
	}
}

// closureModule returns main(x) = lifted(x), where lifted(x) = fn(y) { add(x, y) }.
func closureModule() *ir.Module {
	x := ir.NewVar("x", ir.NewTensorType(dtypes.Float32, 2))
	cx := ir.NewVar("x", ir.NewTensorType(dtypes.Float32, 2))
	y := ir.NewVar("y", ir.NewTensorType(dtypes.Float32, 2))

	mod := ir.NewModule()
	lifted := ir.NewFunction([]*ir.Var{cx}, ir.NewFunction([]*ir.Var{y}, ir.NewCall("add", cx, y)))
	lifted.Attrs.Closure = true
	gv := mod.Add("main_lifted_0", lifted)
	mod.Add(ir.EntryName, ir.NewFunction([]*ir.Var{x}, ir.Apply(gv, x)))
	return mod
}

func TestRunReturnsClosure(t *testing.T) {
	arg := f32Tensor(t, []int64{2}, 1, 2)
	out, err := lowerAndRun(t, closureModule(), arg)
	if err != nil {
		t.Fatalf("running: %v", err)
	}
	closure, ok := out.(*value.VMClosure)
	if !ok {
		t.Fatalf("expected VM closure, got %T", out)
	}
	if len(closure.FreeVars) != 1 || closure.FreeVars[0] != arg {
		t.Errorf("expected the argument to be captured, got %v", closure.FreeVars)
	}
}

func TestRunInvokesClosure(t *testing.T) {
	mod := closureModule()
	main, _ := mod.Lookup(ir.EntryName)
	gv, _ := mod.GetGlobalVar("main_lifted_0")
	x := main.Params[0]
	// main(x) = lifted(x)(x)
	mod.Add(ir.EntryName, ir.NewFunction([]*ir.Var{x}, ir.Apply(ir.Apply(gv, x), x)))

	out, err := lowerAndRun(t, mod, f32Tensor(t, []int64{2}, 1, 2))
	if err != nil {
		t.Fatalf("running: %v", err)
	}
	if got, want := floats(t, out), []float64{2, 4}; !floatingPointEqual(got, want) {
		t.Errorf("expected %v, got %v", want, got)
	}
}

func TestRunTuple(t *testing.T) {
	x := ir.NewVar("x", ir.NewTensorType(dtypes.Float32, 2))
	pair := ir.NewVar("pair", nil)
	body := ir.NewLet(pair, ir.NewTuple(ir.NewCall("negative", x), ir.NewCall("relu", x)),
		ir.NewTuple(ir.NewTupleGetItem(pair, 1), ir.NewTupleGetItem(pair, 0)))
	mod := ir.FromExpr(ir.NewFunction([]*ir.Var{x}, body))

	out, err := lowerAndRun(t, mod, f32Tensor(t, []int64{2}, -1, 2))
	if err != nil {
		t.Fatalf("running: %v", err)
	}
	tuple, ok := out.(*value.Tuple)
	if !ok || len(tuple.Fields) != 2 {
		t.Fatalf("expected tuple of 2, got %v", out)
	}
	if got, want := floats(t, tuple.Fields[0]), []float64{0, 2}; !floatingPointEqual(got, want) {
		t.Errorf("expected %v, got %v", want, got)
	}
	if got, want := floats(t, tuple.Fields[1]), []float64{1, -2}; !floatingPointEqual(got, want) {
		t.Errorf("expected %v, got %v", want, got)
	}
}

func TestIntegerDivideByZero(t *testing.T) {
	a, _ := value.TensorFromFloat64s(device.CPU(), shape.Make(dtypes.Int32, 2), []float64{7, -7})
	b, _ := value.TensorFromFloat64s(device.CPU(), shape.Make(dtypes.Int32, 2), []float64{2, 0})
	kernel, _ := LookupKernel("divide")
	if _, err := kernel([]*value.Tensor{a, b}, nil); err == nil {
		t.Fatalf("expected division by zero to fail")
	}

	b, _ = value.TensorFromFloat64s(device.CPU(), shape.Make(dtypes.Int32, 2), []float64{2, 2})
	out, err := kernel([]*value.Tensor{a, b}, nil)
	if err != nil {
		t.Fatalf("dividing: %v", err)
	}
	if got, want := floats(t, out), []float64{3, -3}; !floatingPointEqual(got, want) {
		t.Errorf("expected %v, got %v", want, got)
	}
}

func TestRunAddInt64BeyondFloatPrecision(t *testing.T) {
	const big = 1<<53 + 1
	x := ir.NewVar("x", ir.NewTensorType(dtypes.Int64, 2))
	zero, _ := value.TensorFromInt64s(device.CPU(), shape.Make(dtypes.Int64), []int64{0})
	c := ir.NewConstant(dtypes.Int64, nil, zero.Data())
	mod := ir.FromExpr(ir.NewFunction([]*ir.Var{x}, ir.NewCall("add", x, c)))

	arg, _ := value.TensorFromInt64s(device.CPU(), shape.Make(dtypes.Int64, 2), []int64{big, -big})
	out, err := lowerAndRun(t, mod, arg)
	if err != nil {
		t.Fatalf("running: %v", err)
	}
	got, err := out.(*value.Tensor).Int64s()
	if err != nil {
		t.Fatalf("decoding: %v", err)
	}
	if want := []int64{big, -big}; !slices.Equal(got, want) {
		t.Errorf("expected %v, got %v", want, got)
	}
}

func TestIntegerKernels(t *testing.T) {
	cpu := device.CPU()
	int8s := func(values ...int64) *value.Tensor {
		v, _ := value.TensorFromInt64s(cpu, shape.Make(dtypes.Int8, int64(len(values))), values)
		return v
	}
	uint64s := func(values ...uint64) *value.Tensor {
		v, _ := value.TensorFromUint64s(cpu, shape.Make(dtypes.Uint64, int64(len(values))), values)
		return v
	}
	int64s := func(values ...int64) *value.Tensor {
		v, _ := value.TensorFromInt64s(cpu, shape.Make(dtypes.Int64, int64(len(values))), values)
		return v
	}

	grid := []struct {
		op    string
		args  []*value.Tensor
		attrs map[string]float64
		want  *value.Tensor
	}{
		{op: "add", args: []*value.Tensor{int8s(127, -128), int8s(1, -1)}, want: int8s(-128, 127)},
		{op: "negative", args: []*value.Tensor{int8s(-128, 5)}, want: int8s(-128, -5)},
		{op: "relu", args: []*value.Tensor{int8s(-3, 4)}, want: int8s(0, 4)},
		{op: "subtract", args: []*value.Tensor{uint64s(0, 1<<63+1), uint64s(1, 1)}, want: uint64s(math.MaxUint64, 1<<63)},
		{op: "multiply", args: []*value.Tensor{uint64s(1<<62 + 1), uint64s(2)}, want: uint64s(1<<63 + 2)},
		{op: "divide", args: []*value.Tensor{int64s(1<<62+1, -7), int64s(1, 2)}, want: int64s(1<<62+1, -3)},
		{op: "scale", args: []*value.Tensor{int64s(1<<53 + 1)}, attrs: map[string]float64{"scale": 3}, want: int64s(3<<53 + 3)},
		{op: "scale", args: []*value.Tensor{int64s(7, -7)}, attrs: map[string]float64{"scale": 0.5}, want: int64s(3, -3)},
		{op: "sum", args: []*value.Tensor{uint64s(math.MaxUint64, 2)}, want: func() *value.Tensor {
			v, _ := value.TensorFromUint64s(cpu, shape.Make(dtypes.Uint64), []uint64{1})
			return v
		}()},
	}
	for _, g := range grid {
		kernel, ok := LookupKernel(g.op)
		if !ok {
			t.Fatalf("no kernel %q", g.op)
		}
		got, err := kernel(g.args, g.attrs)
		if err != nil {
			t.Errorf("%s: unexpected error: %v", g.op, err)
			continue
		}
		if !got.Shape().Equal(g.want.Shape()) || !slices.Equal(got.Data(), g.want.Data()) {
			t.Errorf("%s: expected %v %v, got %v %v", g.op, g.want.Shape(), g.want.Data(), got.Shape(), got.Data())
		}
	}
}

func TestSetDevicesWrongKind(t *testing.T) {
	x := ir.NewVar("x", ir.NewTensorType(dtypes.Float32))
	mod := ir.FromExpr(ir.NewFunction([]*ir.Var{x}, ir.NewCall("negative", x)))
	gpu := device.Device{Kind: device.KindGPU}
	exe, err := Lower(context.Background(), mod, DeviceMap{device.KindGPU: gpu})
	if err != nil {
		t.Fatalf("lowering: %v", err)
	}
	vm, err := New(exe)
	if err != nil {
		t.Fatalf("creating vm: %v", err)
	}
	err = vm.SetDevices(device.CPU())
	if status.Code(err) != codes.FailedPrecondition {
		t.Errorf("expected FailedPrecondition, got %v", err)
	}
	if err := vm.SetDevices(device.CPU(), gpu); err != nil {
		t.Errorf("expected gpu to be selected, got %v", err)
	}
}

func TestExecutableRoundTrip(t *testing.T) {
	exe, err := Lower(context.Background(), closureModule(), DeviceMap{device.KindCPU: device.CPU()})
	if err != nil {
		t.Fatalf("lowering: %v", err)
	}
	data, err := exe.Marshal()
	if err != nil {
		t.Fatalf("marshaling: %v", err)
	}
	decoded, err := Unmarshal(data)
	if err != nil {
		t.Fatalf("unmarshaling: %v", err)
	}
	if decoded.GlobalMap["main_lifted_0"] != exe.GlobalMap["main_lifted_0"] || len(decoded.Functions) != 2 {
		t.Errorf("decoded executable differs: %+v", decoded)
	}
	if decoded.Functions[0].NumCaptured != 1 || decoded.Functions[0].NumParams != 2 {
		t.Errorf("unexpected closure layout %+v", decoded.Functions[0])
	}
}

func TestUnmarshalRejectsBadIndices(t *testing.T) {
	data := []byte(`{"version":1,"deviceKind":"CPU","functions":[{"name":"main","numParams":0,"numRegisters":1,"instructions":[{"op":0,"dst":0,"index":3},{"op":7,"args":[0]}]}],"globalMap":{"main":0}}`)
	if _, err := Unmarshal(data); err == nil {
		t.Fatalf("expected out of range constant to be rejected")
	}
}
