package vm

import (
	"context"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"k8s.io/klog/v2"

	"k8s.io/examples/AI/lazyvm/pkg/device"
	"k8s.io/examples/AI/lazyvm/pkg/shape"
	"k8s.io/examples/AI/lazyvm/pkg/value"
)

const maxCallDepth = 1024

// VirtualMachine runs an executable on one device.
type VirtualMachine struct {
	exe       *Executable
	device    device.Device
	ready     bool
	constants []*value.Tensor
}

func New(exe *Executable) (*VirtualMachine, error) {
	if exe == nil {
		return nil, fmt.Errorf("executable is nil")
	}
	if err := exe.Validate(); err != nil {
		return nil, err
	}
	return &VirtualMachine{exe: exe}, nil
}

// SetDevices selects the device matching the executable's device kind and materializes the constants on it.
func (vm *VirtualMachine) SetDevices(devices ...device.Device) error {
	for _, d := range devices {
		if d.Kind != vm.exe.DeviceKind {
			continue
		}
		constants := make([]*value.Tensor, 0, len(vm.exe.Constants))
		for i, c := range vm.exe.Constants {
			t, err := value.NewTensor(d, shape.Make(c.DType, c.Dims...), c.Data)
			if err != nil {
				return fmt.Errorf("loading constant %d: %w", i, err)
			}
			constants = append(constants, t)
		}
		vm.device = d
		vm.constants = constants
		vm.ready = true
		return nil
	}
	return status.Errorf(codes.FailedPrecondition, "executable targets %s, no such device in %v", vm.exe.DeviceKind, devices)
}

// Context is a prepared invocation of a function.
type Context struct {
	function int
	args     []value.Value
}

func (vm *VirtualMachine) PrepareContext(name string, args []value.Value) (*Context, error) {
	index, ok := vm.exe.FunctionIndex(name)
	if !ok {
		return nil, fmt.Errorf("executable has no function %q", name)
	}
	fn := &vm.exe.Functions[index]
	if fn.NumCaptured != 0 {
		return nil, fmt.Errorf("function %q is a closure and cannot be invoked directly", name)
	}
	if len(args) != fn.NumParams {
		return nil, status.Errorf(codes.InvalidArgument, "function %q takes %d arguments, got %d", name, fn.NumParams, len(args))
	}
	return &Context{function: index, args: args}, nil
}

// Run executes the prepared invocation to completion.
func (vm *VirtualMachine) Run(ctx context.Context, c *Context) (value.Value, error) {
	log := klog.FromContext(ctx)
	if !vm.ready {
		return nil, status.Errorf(codes.FailedPrecondition, "devices have not been set")
	}
	for i, arg := range c.args {
		if err := vm.checkResident(arg); err != nil {
			return nil, status.Errorf(codes.InvalidArgument, "argument %d: %v", i, err)
		}
	}
	log.V(2).Info("running function", "name", vm.exe.Functions[c.function].Name, "device", vm.device)
	return vm.invoke(ctx, c.function, c.args, 0)
}

func (vm *VirtualMachine) checkResident(v value.Value) error {
	switch v := v.(type) {
	case *value.Tensor:
		if v.Device() != vm.device {
			return fmt.Errorf("tensor on %v, executing on %v", v.Device(), vm.device)
		}
	case *value.Tuple:
		for _, f := range v.Fields {
			if err := vm.checkResident(f); err != nil {
				return err
			}
		}
	case *value.VMClosure:
		if v.FuncIndex < 0 || v.FuncIndex >= len(vm.exe.Functions) {
			return fmt.Errorf("closure refers to function %d, have %d", v.FuncIndex, len(vm.exe.Functions))
		}
		for _, f := range v.FreeVars {
			if err := vm.checkResident(f); err != nil {
				return err
			}
		}
	default:
		return fmt.Errorf("unsupported argument kind %v", v.Kind())
	}
	return nil
}

func (vm *VirtualMachine) invoke(ctx context.Context, index int, args []value.Value, depth int) (value.Value, error) {
	if depth > maxCallDepth {
		return nil, fmt.Errorf("maximum call depth %d exceeded", maxCallDepth)
	}
	fn := &vm.exe.Functions[index]
	if len(args) != fn.NumParams {
		return nil, fmt.Errorf("function %q takes %d arguments, got %d", fn.Name, fn.NumParams, len(args))
	}

	regs := make([]value.Value, fn.NumRegisters)
	copy(regs, args)
	operands := func(rs []int) []value.Value {
		out := make([]value.Value, len(rs))
		for i, r := range rs {
			out[i] = regs[r]
		}
		return out
	}

	for pc, in := range fn.Instructions {
		var result value.Value
		var err error

		switch in.Op {
		case OpLoadConst:
			result = vm.constants[in.Index]

		case OpInvokePacked:
			result, err = vm.invokePacked(ctx, in, operands(in.Args))

		case OpInvokeFunc:
			result, err = vm.invoke(ctx, in.Index, operands(in.Args), depth+1)

		case OpInvokeClosure:
			closure, ok := regs[in.Args[0]].(*value.VMClosure)
			if !ok {
				err = fmt.Errorf("calling a %v", kindOf(regs[in.Args[0]]))
				break
			}
			callArgs := append(append([]value.Value{}, closure.FreeVars...), operands(in.Args[1:])...)
			result, err = vm.invoke(ctx, closure.FuncIndex, callArgs, depth+1)

		case OpAllocTuple:
			result = value.NewTuple(operands(in.Args)...)

		case OpGetField:
			tuple, ok := regs[in.Args[0]].(*value.Tuple)
			if !ok {
				err = fmt.Errorf("field access on a %v", kindOf(regs[in.Args[0]]))
				break
			}
			if in.Index < 0 || in.Index >= len(tuple.Fields) {
				err = fmt.Errorf("field %d out of range for tuple of %d", in.Index, len(tuple.Fields))
				break
			}
			result = tuple.Fields[in.Index]

		case OpAllocClosure:
			target := &vm.exe.Functions[in.Index]
			if len(in.Args) != target.NumCaptured {
				err = fmt.Errorf("closure over %q captures %d values, got %d", target.Name, target.NumCaptured, len(in.Args))
				break
			}
			result = &value.VMClosure{FuncIndex: in.Index, FreeVars: operands(in.Args)}

		case OpRet:
			return regs[in.Args[0]], nil

		default:
			err = fmt.Errorf("unknown opcode %v", in.Op)
		}

		if err != nil {
			return nil, fmt.Errorf("%s[%d] %s: %w", fn.Name, pc, in.Op, err)
		}
		regs[in.Dst] = result
	}
	return nil, fmt.Errorf("function %q ended without returning", fn.Name)
}

func (vm *VirtualMachine) invokePacked(ctx context.Context, in Instruction, args []value.Value) (value.Value, error) {
	kernel, ok := LookupKernel(in.Kernel)
	if !ok {
		return nil, fmt.Errorf("unknown kernel %q", in.Kernel)
	}
	tensors := make([]*value.Tensor, len(args))
	for i, arg := range args {
		t, ok := arg.(*value.Tensor)
		if !ok {
			return nil, fmt.Errorf("kernel %q argument %d is a %v", in.Kernel, i, kindOf(arg))
		}
		tensors[i] = t
	}
	out, err := kernel(tensors, in.Attrs)
	if err != nil {
		return nil, fmt.Errorf("kernel %q: %w", in.Kernel, err)
	}
	klog.FromContext(ctx).V(4).Info("invoked kernel", "kernel", in.Kernel, "shape", out.Shape())
	return out, nil
}

func kindOf(v value.Value) string {
	if v == nil {
		return "nil value"
	}
	return v.Kind().String()
}
