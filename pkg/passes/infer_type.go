package passes

import (
	"context"
	"fmt"

	"github.com/hashicorp/go-multierror"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"k8s.io/examples/AI/lazyvm/pkg/ir"
)

const inferTypeName = "InferType"

// InferType annotates every expression with its checked type.
// Annotations are written in place; they only depend on the node's structure.
func InferType() Pass {
	return &modulePass{
		name: inferTypeName,
		run: func(ctx context.Context, mod *ir.Module) (*ir.Module, error) {
			inf := &typeInferencer{
				mod:     mod,
				state:   make(map[string]inferState),
				types:   make(map[string]ir.Type),
				failure: make(map[string]error),
			}
			var errs error
			for _, name := range mod.Names() {
				if _, err := inf.global(name); err != nil {
					errs = multierror.Append(errs, fmt.Errorf("@%s: %w", name, err))
				}
			}
			if errs != nil {
				return nil, status.Errorf(codes.InvalidArgument, "type inference failed: %v", errs)
			}
			return mod, nil
		},
	}
}

type inferState int

const (
	unvisited inferState = iota
	inProgress
	done
)

type typeInferencer struct {
	mod     *ir.Module
	state   map[string]inferState
	types   map[string]ir.Type
	failure map[string]error
}

func (t *typeInferencer) global(name string) (ir.Type, error) {
	switch t.state[name] {
	case done:
		if err := t.failure[name]; err != nil {
			return nil, fmt.Errorf("depends on ill-typed @%s", name)
		}
		return t.types[name], nil
	case inProgress:
		return nil, fmt.Errorf("recursive reference to @%s is not supported", name)
	}

	fn, ok := t.mod.Lookup(name)
	if !ok {
		return nil, fmt.Errorf("reference to undefined global @%s", name)
	}
	t.state[name] = inProgress
	ty, err := t.expr(fn)
	t.state[name] = done
	if err != nil {
		t.failure[name] = err
		return nil, err
	}
	t.types[name] = ty
	return ty, nil
}

func (t *typeInferencer) expr(e ir.Expr) (ir.Type, error) {
	ty, err := t.infer(e)
	if err != nil {
		return nil, err
	}
	e.SetCheckedType(ty)
	return ty, nil
}

func (t *typeInferencer) infer(e ir.Expr) (ir.Type, error) {
	switch n := e.(type) {
	case *ir.Var:
		if ty := n.CheckedType(); ty != nil {
			return ty, nil
		}
		if n.TypeAnnotation != nil {
			return n.TypeAnnotation, nil
		}
		return nil, fmt.Errorf("variable %%%s has no type", n.Name)

	case *ir.GlobalVar:
		return t.global(n.Name)

	case *ir.Constant:
		return ir.NewTensorType(n.DType, n.Dims...), nil

	case *ir.Op:
		return nil, fmt.Errorf("operator %s used as a value", n.Name)

	case *ir.Call:
		return t.call(n)

	case *ir.Tuple:
		fields := make([]ir.Type, len(n.Fields))
		for i, f := range n.Fields {
			ty, err := t.expr(f)
			if err != nil {
				return nil, err
			}
			fields[i] = ty
		}
		return &ir.TupleType{Fields: fields}, nil

	case *ir.TupleGetItem:
		ty, err := t.expr(n.Tuple)
		if err != nil {
			return nil, err
		}
		tuple, ok := ty.(*ir.TupleType)
		if !ok {
			return nil, fmt.Errorf("tuple access on non-tuple type %v", ty)
		}
		if n.Index < 0 || n.Index >= len(tuple.Fields) {
			return nil, fmt.Errorf("tuple index %d out of range for %v", n.Index, ty)
		}
		return tuple.Fields[n.Index], nil

	case *ir.Let:
		ty, err := t.expr(n.Value)
		if err != nil {
			return nil, err
		}
		if n.Var.TypeAnnotation != nil && !ir.TypeEqual(n.Var.TypeAnnotation, ty) {
			return nil, fmt.Errorf("let %%%s annotated %v but bound to %v", n.Var.Name, n.Var.TypeAnnotation, ty)
		}
		n.Var.SetCheckedType(ty)
		return t.expr(n.Body)

	case *ir.Function:
		params := make([]ir.Type, len(n.Params))
		for i, p := range n.Params {
			if p.TypeAnnotation == nil {
				return nil, fmt.Errorf("parameter %%%s has no type annotation", p.Name)
			}
			p.SetCheckedType(p.TypeAnnotation)
			params[i] = p.TypeAnnotation
		}
		ret, err := t.expr(n.Body)
		if err != nil {
			return nil, err
		}
		if n.RetType != nil && !ir.TypeEqual(n.RetType, ret) {
			return nil, fmt.Errorf("function declared to return %v but returns %v", n.RetType, ret)
		}
		return &ir.FuncType{Params: params, Ret: ret}, nil
	}
	return nil, fmt.Errorf("unknown expression %T", e)
}

func (t *typeInferencer) call(n *ir.Call) (ir.Type, error) {
	args := make([]ir.Type, len(n.Args))
	for i, arg := range n.Args {
		ty, err := t.expr(arg)
		if err != nil {
			return nil, err
		}
		args[i] = ty
	}

	if opName, ok := n.OpName(); ok {
		def, ok := ir.LookupOp(opName)
		if !ok {
			return nil, fmt.Errorf("unknown operator %s", opName)
		}
		if len(args) != def.NumArgs {
			return nil, fmt.Errorf("%s expects %d arguments, got %d", opName, def.NumArgs, len(args))
		}
		tensors := make([]*ir.TensorType, len(args))
		for i, ty := range args {
			tt, ok := ty.(*ir.TensorType)
			if !ok {
				return nil, fmt.Errorf("%s argument %d must be a tensor, got %v", opName, i, ty)
			}
			tensors[i] = tt
		}
		ty, err := def.Infer(tensors, n.Attrs)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", opName, err)
		}
		n.Op.SetCheckedType(&ir.FuncType{Params: args, Ret: ty})
		return ty, nil
	}

	calleeType, err := t.expr(n.Op)
	if err != nil {
		return nil, err
	}
	fnType, ok := calleeType.(*ir.FuncType)
	if !ok {
		return nil, fmt.Errorf("calling a value of non-function type %v", calleeType)
	}
	if len(fnType.Params) != len(args) {
		return nil, fmt.Errorf("call expects %d arguments, got %d", len(fnType.Params), len(args))
	}
	for i := range args {
		if !ir.TypeEqual(fnType.Params[i], args[i]) {
			return nil, fmt.Errorf("call argument %d: expected %v, got %v", i, fnType.Params[i], args[i])
		}
	}
	return fnType.Ret, nil
}
