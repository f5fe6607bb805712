package passes

import (
	"context"
	"strings"
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"k8s.io/examples/AI/lazyvm/pkg/ir"
)

func f32(dims ...int64) *ir.TensorType {
	return ir.NewTensorType(dtypes.Float32, dims...)
}

func run(t *testing.T, mod *ir.Module, passes ...Pass) *ir.Module {
	t.Helper()
	out, err := NewSequential(passes...).Run(context.Background(), mod)
	if err != nil {
		t.Fatalf("running passes: %v", err)
	}
	return out
}

func entryBody(t *testing.T, mod *ir.Module) ir.Expr {
	t.Helper()
	fn, err := mod.Entry()
	if err != nil {
		t.Fatalf("getting entry: %v", err)
	}
	return fn.Body
}

// curriedAdd returns main = fn(x) { fn(y) { add(x, y) } }.
func curriedAdd() *ir.Module {
	x := ir.NewVar("x", f32(2))
	y := ir.NewVar("y", f32(2))
	return ir.FromExpr(ir.NewFunction([]*ir.Var{x}, ir.NewFunction([]*ir.Var{y}, ir.NewCall("add", x, y))))
}

func TestLambdaLift(t *testing.T) {
	mod := curriedAdd()
	out := run(t, mod, LambdaLift())

	lifted, ok := out.Lookup("main_lifted_0")
	if !ok {
		t.Fatalf("expected main_lifted_0 in %v", out.Names())
	}
	if !lifted.Attrs.Closure || len(lifted.Params) != 1 {
		t.Errorf("expected a closure over one variable, got %+v", lifted)
	}
	call, ok := entryBody(t, out).(*ir.Call)
	if !ok {
		t.Fatalf("expected main body to build the closure, got %s", ir.PrintExpr(entryBody(t, out)))
	}
	if gv, ok := call.Op.(*ir.GlobalVar); !ok || gv.Name != "main_lifted_0" {
		t.Errorf("expected call of @main_lifted_0, got %s", ir.PrintExpr(call))
	}

	ret, ok := lifted.CheckedType().(*ir.FuncType)
	if !ok {
		t.Fatalf("expected function type, got %v", lifted.CheckedType())
	}
	if _, ok := ret.Ret.(*ir.FuncType); !ok {
		t.Errorf("expected closure function to return a function, got %v", ret.Ret)
	}

	if _, ok := mod.Lookup("main_lifted_0"); ok {
		t.Errorf("input module was modified")
	}
}

func TestInlineImmediatelyInvokedClosure(t *testing.T) {
	x := ir.NewVar("x", f32(2))
	y := ir.NewVar("y", f32(2))
	// main = fn(x) { (fn(y) { add(x, y) })(x) }
	inner := ir.NewFunction([]*ir.Var{y}, ir.NewCall("add", x, y))
	mod := ir.FromExpr(ir.NewFunction([]*ir.Var{x}, ir.Apply(inner, x)))

	out := run(t, mod, LambdaLift(), InlineClosure(), DeadCodeElimination(), EliminateClosure(), InlineLet(), DeadCodeElimination())

	if out.Len() != 1 {
		t.Errorf("expected the closure to be eliminated, got %v", out.Names())
	}
	body := entryBody(t, out)
	call, ok := body.(*ir.Call)
	if !ok {
		t.Fatalf("expected a call, got %s", ir.PrintExpr(body))
	}
	main, _ := out.Entry()
	if name, _ := call.OpName(); name != "add" || call.Args[0] != main.Params[0] || call.Args[1] != main.Params[0] {
		t.Errorf("expected add(x, x), got %s", ir.PrintExpr(body))
	}
}

func TestInlineLetBoundClosure(t *testing.T) {
	x := ir.NewVar("x", f32())
	y := ir.NewVar("y", f32())
	f := ir.NewVar("f", nil)
	// main = fn(x) { let f = fn(y) { multiply(x, y) }; f(x) }
	body := ir.NewLet(f, ir.NewFunction([]*ir.Var{y}, ir.NewCall("multiply", x, y)), ir.Apply(f, x))
	mod := ir.FromExpr(ir.NewFunction([]*ir.Var{x}, body))

	out := run(t, mod, LambdaLift(), InlineClosure(), DeadCodeElimination(), EliminateClosure())
	if out.Len() != 1 {
		t.Errorf("expected the closure to be eliminated, got %v", out.Names())
	}
	if text := ir.PrintExpr(entryBody(t, out)); !strings.Contains(text, "multiply(") || strings.Contains(text, "@main_lifted") {
		t.Errorf("expected the closure body to be inlined, got %s", text)
	}
}

func TestDeadCodeElimination(t *testing.T) {
	x := ir.NewVar("x", f32(2))
	unused := ir.NewVar("unused", nil)
	mod := ir.FromExpr(ir.NewFunction([]*ir.Var{x}, ir.NewLet(unused, ir.NewCall("relu", x), x)))

	out := run(t, mod, DeadCodeElimination())
	main, _ := out.Entry()
	if main.Body != main.Params[0] {
		t.Errorf("expected body to be x, got %s", ir.PrintExpr(main.Body))
	}
}

func TestInlineLetFoldsTuples(t *testing.T) {
	x := ir.NewVar("x", f32(2))
	p := ir.NewVar("p", nil)
	body := ir.NewLet(p, ir.NewTuple(x, x), ir.NewCall("negative", ir.NewTupleGetItem(p, 1)))
	mod := ir.FromExpr(ir.NewFunction([]*ir.Var{x}, body))

	out := run(t, mod, InlineLet())
	call, ok := entryBody(t, out).(*ir.Call)
	if !ok {
		t.Fatalf("expected a call, got %s", ir.PrintExpr(entryBody(t, out)))
	}
	main, _ := out.Entry()
	if call.Args[0] != main.Params[0] {
		t.Errorf("expected negative(x), got %s", ir.PrintExpr(call))
	}
}

func TestCanonicalizeOps(t *testing.T) {
	grid := []struct {
		name  string
		build func(x ir.Expr) ir.Expr
		want  string
	}{
		{
			name:  "copy",
			build: func(x ir.Expr) ir.Expr { return ir.NewCall("copy", x) },
			want:  "%x_0",
		},
		{
			name:  "unit scale",
			build: func(x ir.Expr) ir.Expr { return ir.NewCallWithAttrs("scale", map[string]float64{"scale": 1}, x) },
			want:  "%x_0",
		},
		{
			name:  "double negative",
			build: func(x ir.Expr) ir.Expr { return ir.NewCall("negative", ir.NewCall("negative", x)) },
			want:  "%x_0",
		},
		{
			name: "nested scale",
			build: func(x ir.Expr) ir.Expr {
				inner := ir.NewCallWithAttrs("scale", map[string]float64{"scale": 2}, x)
				return ir.NewCallWithAttrs("scale", map[string]float64{"scale": 3}, inner)
			},
			want: "scale(%x_0){scale=6}",
		},
	}
	for _, g := range grid {
		t.Run(g.name, func(t *testing.T) {
			x := ir.NewVar("x", f32(2))
			mod := ir.FromExpr(ir.NewFunction([]*ir.Var{x}, g.build(x)))
			out := run(t, mod, CanonicalizeOps())
			main, _ := out.Entry()
			text := ir.Print(out)
			if g.want == "%x_0" {
				if main.Body != main.Params[0] {
					t.Errorf("expected body to be x, got %s", text)
				}
				return
			}
			call, ok := main.Body.(*ir.Call)
			if !ok || call.Attrs["scale"] != 6 || call.Args[0] != main.Params[0] {
				t.Errorf("expected %s, got %s", g.want, text)
			}
		})
	}
}

func TestAssignDevice(t *testing.T) {
	x := ir.NewVar("x", f32())
	c := ir.NewConstant(dtypes.Float32, nil, []byte{0, 0, 128, 63})
	mod := ir.FromExpr(ir.NewFunction([]*ir.Var{x}, ir.NewCall("add", x, c)))

	out := run(t, mod, AssignDevice("GPU"))
	main, _ := out.Entry()
	if main.Attrs.Device != "GPU" {
		t.Errorf("expected function on GPU, got %q", main.Attrs.Device)
	}
	constant := main.Body.(*ir.Call).Args[1].(*ir.Constant)
	if constant.Device != "GPU" {
		t.Errorf("expected constant on GPU, got %q", constant.Device)
	}
	if c.Device != "" {
		t.Errorf("input constant was modified")
	}
}

func TestOptimizeNames(t *testing.T) {
	names := Optimize("CPU").Names()
	want := []string{
		"InferType", "AssignDevice", "InferType", "LambdaLift", "InferType", "InlineClosure", "InferType",
		"DeadCodeElimination", "InferType", "EliminateClosure", "InferType", "InlineLet", "InferType",
		"DeadCodeElimination", "InferType", "CanonicalizeOps", "InferType",
	}
	if strings.Join(names, ",") != strings.Join(want, ",") {
		t.Errorf("expected %v, got %v", want, names)
	}
}

func TestOptimizeKeepsReturnedClosure(t *testing.T) {
	out := run(t, curriedAdd(), Optimize("CPU").passes...)
	out, err := ExtractEntry(out)
	if err != nil {
		t.Fatalf("extracting entry: %v", err)
	}
	if got := out.Names(); len(got) != 2 || got[0] != "main" || got[1] != "main_lifted_0" {
		t.Errorf("expected [main main_lifted_0], got %v", got)
	}
}

func TestExtractEntryDropsUnreferenced(t *testing.T) {
	x := ir.NewVar("x", f32())
	y := ir.NewVar("y", f32())
	z := ir.NewVar("z", f32())
	mod := ir.NewModule()
	helper := mod.Add("helper", ir.NewFunction([]*ir.Var{y}, ir.NewCall("relu", y)))
	mod.Add("unused", ir.NewFunction([]*ir.Var{z}, z))
	mod.Add(ir.EntryName, ir.NewFunction([]*ir.Var{x}, ir.Apply(helper, x)))

	out, err := ExtractEntry(mod)
	if err != nil {
		t.Fatalf("extracting entry: %v", err)
	}
	if got := out.Names(); len(got) != 2 || got[0] != "helper" || got[1] != "main" {
		t.Errorf("expected [helper main], got %v", got)
	}
	if mod.Len() != 3 {
		t.Errorf("input module was modified")
	}
}

func TestInferTypeAggregatesErrors(t *testing.T) {
	a := ir.NewVar("a", f32(2))
	b := ir.NewVar("b", ir.NewTensorType(dtypes.Int32, 2))
	c := ir.NewVar("c", nil)
	mod := ir.NewModule()
	mod.Add("bad_add", ir.NewFunction([]*ir.Var{a, b}, ir.NewCall("add", a, b)))
	mod.Add(ir.EntryName, ir.NewFunction([]*ir.Var{c}, c))

	_, err := InferType().Run(context.Background(), mod)
	if status.Code(err) != codes.InvalidArgument {
		t.Fatalf("expected InvalidArgument, got %v", err)
	}
	msg := err.Error()
	if !strings.Contains(msg, "@bad_add") || !strings.Contains(msg, "@main") {
		t.Errorf("expected both functions to be reported, got %q", msg)
	}
}

func TestInferTypeRejectsUndefinedGlobal(t *testing.T) {
	x := ir.NewVar("x", f32())
	mod := ir.FromExpr(ir.NewFunction([]*ir.Var{x}, ir.Apply(&ir.GlobalVar{Name: "missing"}, x)))
	if _, err := InferType().Run(context.Background(), mod); err == nil {
		t.Fatalf("expected error for undefined global")
	}
}
