package vm

import (
	"context"
	"fmt"
	"slices"

	"k8s.io/klog/v2"

	"k8s.io/examples/AI/lazyvm/pkg/device"
	"k8s.io/examples/AI/lazyvm/pkg/ir"
)

// DeviceMap maps a device kind to the concrete device the executable targets.
type DeviceMap map[string]device.Device

// Lower compiles a typed module into an executable for the single device kind in devices.
// Every nested function must already have been lambda-lifted.
func Lower(ctx context.Context, mod *ir.Module, devices DeviceMap) (*Executable, error) {
	log := klog.FromContext(ctx)

	if len(devices) != 1 {
		return nil, fmt.Errorf("lowering needs exactly one target device kind, got %d", len(devices))
	}
	var kind string
	for k := range devices {
		kind = k
	}

	order, err := functionOrder(mod)
	if err != nil {
		return nil, err
	}

	exe := &Executable{
		Version:    FormatVersion,
		DeviceKind: kind,
		Functions:  make([]Function, len(order)),
		GlobalMap:  make(map[string]int, len(order)),
	}
	for i, name := range order {
		exe.GlobalMap[name] = i
	}

	l := &lowering{mod: mod, exe: exe, kind: kind}
	for i, name := range order {
		fn, _ := mod.Lookup(name)
		lowered, err := l.lowerFunction(name, fn)
		if err != nil {
			return nil, fmt.Errorf("lowering %q: %w", name, err)
		}
		exe.Functions[i] = *lowered
		log.V(2).Info("lowered function", "name", name, "index", i, "instructions", len(lowered.Instructions), "registers", lowered.NumRegisters)
	}
	if _, ok := exe.GlobalMap[ir.EntryName]; !ok {
		return nil, fmt.Errorf("module has no %q function", ir.EntryName)
	}
	return exe, nil
}

// functionOrder orders the globals so that every function comes after the functions it references.
func functionOrder(mod *ir.Module) ([]string, error) {
	names := mod.Names()
	deps := make(map[string][]string, len(names))
	for _, name := range names {
		fn, _ := mod.Lookup(name)
		refs := ir.GlobalRefs(fn.Body)
		for _, ref := range refs {
			if ref == name {
				return nil, fmt.Errorf("function %q is recursive", name)
			}
			if _, ok := mod.Lookup(ref); !ok {
				return nil, fmt.Errorf("function %q references undefined global %q", name, ref)
			}
		}
		deps[name] = refs
	}

	order := make([]string, 0, len(names))
	done := make(map[string]bool)
	for {
		progress := false
		for _, name := range names {
			if done[name] {
				continue
			}
			ready := true
			for _, dep := range deps[name] {
				if !done[dep] {
					ready = false
					break
				}
			}
			if ready {
				done[name] = true
				order = append(order, name)
				progress = true
			}
		}
		if !progress {
			break
		}
	}

	if len(order) != len(names) {
		var stuck []string
		for _, name := range names {
			if !done[name] {
				stuck = append(stuck, name)
			}
		}
		return nil, fmt.Errorf("mutually recursive functions %v", stuck)
	}
	return order, nil
}

type lowering struct {
	mod  *ir.Module
	exe  *Executable
	kind string
}

type functionBuilder struct {
	*lowering
	regs map[*ir.Var]int
	next int
	code []Instruction
}

func (l *lowering) lowerFunction(name string, fn *ir.Function) (*Function, error) {
	if fn.Attrs.Device != "" && fn.Attrs.Device != l.kind {
		return nil, fmt.Errorf("function assigned to %s, lowering for %s", fn.Attrs.Device, l.kind)
	}

	b := &functionBuilder{lowering: l, regs: make(map[*ir.Var]int)}
	params := fn.Params
	body := fn.Body
	numCaptured := 0
	if fn.Attrs.Closure {
		inner, ok := fn.Body.(*ir.Function)
		if !ok {
			return nil, fmt.Errorf("closure function body is %T, not a function", fn.Body)
		}
		numCaptured = len(fn.Params)
		params = append(slices.Clone(fn.Params), inner.Params...)
		body = inner.Body
	}
	for _, p := range params {
		b.regs[p] = b.alloc()
	}

	result, err := b.expr(body)
	if err != nil {
		return nil, err
	}
	b.code = append(b.code, Instruction{Op: OpRet, Args: []int{result}})

	return &Function{
		Name:         name,
		NumParams:    len(params),
		NumCaptured:  numCaptured,
		NumRegisters: b.next,
		Instructions: b.code,
	}, nil
}

func (b *functionBuilder) alloc() int {
	r := b.next
	b.next++
	return r
}

func (b *functionBuilder) emit(in Instruction) int {
	in.Dst = b.alloc()
	b.code = append(b.code, in)
	return in.Dst
}

func (b *functionBuilder) exprs(es []ir.Expr) ([]int, error) {
	regs := make([]int, 0, len(es))
	for _, e := range es {
		r, err := b.expr(e)
		if err != nil {
			return nil, err
		}
		regs = append(regs, r)
	}
	return regs, nil
}

func (b *functionBuilder) expr(e ir.Expr) (int, error) {
	switch n := e.(type) {
	case *ir.Var:
		r, ok := b.regs[n]
		if !ok {
			return 0, fmt.Errorf("unbound variable %q", n.Name)
		}
		return r, nil

	case *ir.Constant:
		if n.Device != "" && n.Device != b.kind {
			return 0, fmt.Errorf("constant assigned to %s, lowering for %s", n.Device, b.kind)
		}
		b.exe.Constants = append(b.exe.Constants, Constant{DType: n.DType, Dims: slices.Clone(n.Dims), Data: slices.Clone(n.Data)})
		return b.emit(Instruction{Op: OpLoadConst, Index: len(b.exe.Constants) - 1}), nil

	case *ir.GlobalVar:
		fn, index, err := b.global(n)
		if err != nil {
			return 0, err
		}
		if fn.Attrs.Closure {
			return 0, fmt.Errorf("closure function %q referenced without its captured values", n.Name)
		}
		return b.emit(Instruction{Op: OpAllocClosure, Index: index}), nil

	case *ir.Call:
		return b.call(n)

	case *ir.Tuple:
		fields, err := b.exprs(n.Fields)
		if err != nil {
			return 0, err
		}
		return b.emit(Instruction{Op: OpAllocTuple, Args: fields}), nil

	case *ir.TupleGetItem:
		t, err := b.expr(n.Tuple)
		if err != nil {
			return 0, err
		}
		return b.emit(Instruction{Op: OpGetField, Args: []int{t}, Index: n.Index}), nil

	case *ir.Let:
		v, err := b.expr(n.Value)
		if err != nil {
			return 0, err
		}
		b.regs[n.Var] = v
		return b.expr(n.Body)

	case *ir.Function:
		return 0, fmt.Errorf("nested function was not lambda lifted")

	case *ir.Op:
		return 0, fmt.Errorf("operator %q used as a value", n.Name)
	}
	return 0, fmt.Errorf("unexpected expression %T", e)
}

func (b *functionBuilder) global(gv *ir.GlobalVar) (*ir.Function, int, error) {
	fn, ok := b.mod.Lookup(gv.Name)
	if !ok {
		return nil, 0, fmt.Errorf("undefined global %q", gv.Name)
	}
	return fn, b.exe.GlobalMap[gv.Name], nil
}

func (b *functionBuilder) call(c *ir.Call) (int, error) {
	args, err := b.exprs(c.Args)
	if err != nil {
		return 0, err
	}

	switch callee := c.Op.(type) {
	case *ir.Op:
		if _, ok := LookupKernel(callee.Name); !ok {
			return 0, fmt.Errorf("no kernel for operator %q", callee.Name)
		}
		return b.emit(Instruction{Op: OpInvokePacked, Args: args, Kernel: callee.Name, Attrs: c.Attrs}), nil

	case *ir.GlobalVar:
		fn, index, err := b.global(callee)
		if err != nil {
			return 0, err
		}
		if len(args) != len(fn.Params) {
			return 0, fmt.Errorf("%q called with %d arguments, takes %d", callee.Name, len(args), len(fn.Params))
		}
		if fn.Attrs.Closure {
			return b.emit(Instruction{Op: OpAllocClosure, Args: args, Index: index}), nil
		}
		return b.emit(Instruction{Op: OpInvokeFunc, Args: args, Index: index}), nil

	case *ir.Function:
		return 0, fmt.Errorf("nested function was not lambda lifted")
	}

	closure, err := b.expr(c.Op)
	if err != nil {
		return 0, err
	}
	return b.emit(Instruction{Op: OpInvokeClosure, Args: append([]int{closure}, args...)}), nil
}
