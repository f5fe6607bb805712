package client

import (
	"context"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"k8s.io/klog/v2"

	"k8s.io/examples/AI/lazyvm/pkg/ir"
	"k8s.io/examples/AI/lazyvm/pkg/shape"
	"k8s.io/examples/AI/lazyvm/pkg/value"
	"k8s.io/examples/AI/lazyvm/pkg/vm"
)

type ExecuteOptions struct {
	// KeepTuple returns a tuple result as one handle instead of one handle per field.
	KeepTuple bool
}

// ExecuteComputation runs comp on the named device (the default device if empty) and
// returns one handle per result tuple field, or a single handle for a non-tuple result.
func (c *Client) ExecuteComputation(ctx context.Context, comp *Computation, args []*Data, deviceName string, opts ExecuteOptions) ([]*Data, error) {
	log := klog.FromContext(ctx)

	dev, err := c.resolveDevice(deviceName)
	if err != nil {
		return nil, err
	}
	mod, ok := c.lowered[comp.ID]
	if !ok {
		return nil, status.Errorf(codes.FailedPrecondition, "computation %s has been released", comp.ID)
	}

	values := make([]value.Value, len(args))
	for i, arg := range args {
		if !arg.HasValue() {
			return nil, status.Errorf(codes.FailedPrecondition, "argument %d on %s has no value", i, arg.device)
		}
		values[i] = arg.value
	}
	c.metrics.Executions.Inc()

	if comp.IsIdentity() {
		if len(values) != 1 {
			return nil, status.Errorf(codes.InvalidArgument, "identity computation takes exactly 1 argument, got %d", len(values))
		}
		log.V(2).Info("executed identity computation", "computation", comp.ID, "device", args[0].device)
		return []*Data{args[0]}, nil
	}

	machine, err := vm.New(comp.Executable)
	if err != nil {
		return nil, errorf(codes.Internal, err, "loading executable")
	}
	if err := machine.SetDevices(dev); err != nil {
		return nil, err
	}
	vmCtx, err := machine.PrepareContext(ir.EntryName, values)
	if err != nil {
		return nil, errorf(codes.InvalidArgument, err, "preparing execution")
	}
	result, err := machine.Run(ctx, vmCtx)
	if err != nil {
		return nil, errorf(codes.Internal, err, "executing computation %s", comp.ID)
	}

	result, err = c.normalizeValue(comp, mod, result)
	if err != nil {
		return nil, err
	}
	log.V(2).Info("executed computation", "computation", comp.ID, "device", dev)

	if opts.KeepTuple {
		h, err := c.handle(dev.String(), result)
		if err != nil {
			return nil, err
		}
		return []*Data{h}, nil
	}
	return c.explode(dev.String(), result)
}

// normalizeValue turns a VM closure into a closure carrying its captured bindings,
// resolved through the global map of the executable and the lowered module.
func (c *Client) normalizeValue(comp *Computation, mod *ir.Module, v value.Value) (value.Value, error) {
	raw, ok := v.(*value.VMClosure)
	if !ok {
		return v, nil
	}

	// GlobalMap is keyed by name, so search it by value. Names are visited in sorted order for determinism.
	var name string
	found := false
	for _, n := range mod.Names() {
		if index, ok := comp.Executable.GlobalMap[n]; ok && index == raw.FuncIndex {
			name = n
			found = true
			break
		}
	}
	if !found {
		return nil, status.Errorf(codes.Internal, "no global function has index %d", raw.FuncIndex)
	}

	gv, _ := mod.GetGlobalVar(name)
	fn, _ := mod.Lookup(name)
	if len(fn.Params) != len(raw.FreeVars) {
		return nil, status.Errorf(codes.Internal, "closure over @%s captures %d values, function takes %d parameters", name, len(raw.FreeVars), len(fn.Params))
	}
	env := make([]value.Binding, len(fn.Params))
	for i, p := range fn.Params {
		env[i] = value.Binding{Var: p, Value: raw.FreeVars[i]}
	}
	return &value.Closure{Env: env, Module: mod, Global: gv}, nil
}

// explode flattens a result into handles. Every tuple field must produce exactly one handle.
func (c *Client) explode(deviceName string, v value.Value) ([]*Data, error) {
	tuple, ok := v.(*value.Tuple)
	if !ok {
		h, err := c.handle(deviceName, v)
		if err != nil {
			return nil, err
		}
		return []*Data{h}, nil
	}

	out := make([]*Data, 0, len(tuple.Fields))
	for i, field := range tuple.Fields {
		handles, err := c.explode(deviceName, field)
		if err != nil {
			return nil, err
		}
		if len(handles) != 1 {
			return nil, status.Errorf(codes.Internal, "tuple field %d produced %d handles, want 1", i, len(handles))
		}
		out = append(out, handles[0])
	}
	return out, nil
}

// handle wraps a single value together with its shape.
func (c *Client) handle(deviceName string, v value.Value) (*Data, error) {
	sh, err := shapeOf(v)
	if err != nil {
		return nil, err
	}
	return &Data{device: deviceName, shape: sh, value: v}, nil
}

func shapeOf(v value.Value) (shape.Shape, error) {
	switch v := v.(type) {
	case *value.Tensor:
		return v.Shape(), nil
	case *value.Tuple:
		fields := make([]shape.Shape, len(v.Fields))
		for i, f := range v.Fields {
			sh, err := shapeOf(f)
			if err != nil {
				return shape.Shape{}, err
			}
			fields[i] = sh
		}
		return shape.MakeTuple(fields...), nil
	case *value.Closure:
		fn, ok := v.Module.Lookup(v.Global.Name)
		if !ok {
			return shape.Shape{}, status.Errorf(codes.Internal, "closure refers to unknown global @%s", v.Global.Name)
		}
		sh, err := typeToShape(fn.CheckedType())
		if err != nil {
			return shape.Shape{}, status.Errorf(codes.Internal, "closure over @%s: %v", v.Global.Name, err)
		}
		return sh, nil
	case *value.VMClosure:
		// Nothing is known statically about what an unresolved closure returns.
		return shape.Shape{}, nil
	case nil:
		return shape.Shape{}, status.Errorf(codes.Internal, "computation produced no value")
	}
	return shape.Shape{}, status.Errorf(codes.Unimplemented, "unsupported result value %v", v.Kind())
}
