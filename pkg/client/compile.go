package client

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"k8s.io/klog/v2"

	"k8s.io/examples/AI/lazyvm/pkg/compilecache"
	"k8s.io/examples/AI/lazyvm/pkg/device"
	"k8s.io/examples/AI/lazyvm/pkg/ir"
	"k8s.io/examples/AI/lazyvm/pkg/metrics"
	"k8s.io/examples/AI/lazyvm/pkg/passes"
	"k8s.io/examples/AI/lazyvm/pkg/shape"
	"k8s.io/examples/AI/lazyvm/pkg/vm"
)

// ProgramShape is the signature of a computation.
type ProgramShape struct {
	Parameters []shape.Shape
	Result     shape.Shape
}

// CompileInstance is a traced module to compile.
type CompileInstance struct {
	Module *ir.Module
	// CompilationDevice is the device the executable targets; empty means the default device.
	CompilationDevice string
	// Devices are the devices the computation will run on.
	Devices []string
}

// Computation is a compiled module. A nil Executable marks the identity function.
type Computation struct {
	ID           uuid.UUID
	Instance     *ir.Module
	ProgramShape ProgramShape
	Devices      []string
	Executable   *vm.Executable
}

// IsIdentity reports whether the computation returns its only argument unchanged.
func (c *Computation) IsIdentity() bool {
	return c.Executable == nil
}

// Compile compiles every instance, in order. On error no computation is retained.
func (c *Client) Compile(ctx context.Context, instances []CompileInstance) ([]*Computation, error) {
	out := make([]*Computation, 0, len(instances))
	for i, inst := range instances {
		comp, err := c.compile(ctx, inst)
		if err != nil {
			for _, done := range out {
				c.ReleaseComputation(done)
			}
			return nil, fmt.Errorf("compiling instance %d: %w", i, err)
		}
		out = append(out, comp)
	}
	return out, nil
}

// isIdentityFunction reports whether fn has exactly one parameter and returns it.
func isIdentityFunction(fn *ir.Function) bool {
	return len(fn.Params) == 1 && fn.Body == ir.Expr(fn.Params[0])
}

func (c *Client) compile(ctx context.Context, inst CompileInstance) (*Computation, error) {
	log := klog.FromContext(ctx)

	if inst.Module == nil {
		return nil, status.Errorf(codes.InvalidArgument, "instance has no module")
	}
	entry, err := inst.Module.Entry()
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "%v", err)
	}
	dev, err := c.resolveDevice(inst.CompilationDevice)
	if err != nil {
		return nil, err
	}
	if _, err := passes.InferType().Run(ctx, inst.Module); err != nil {
		return nil, err
	}
	programShape, err := programShapeOf(entry)
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "%v", err)
	}

	comp := &Computation{
		ID:           uuid.New(),
		Instance:     inst.Module,
		ProgramShape: programShape,
		Devices:      append([]string(nil), inst.Devices...),
	}

	if isIdentityFunction(entry) {
		log.V(2).Info("compiled identity function", "computation", comp.ID)
		c.metrics.IdentityShortcuts.Inc()
		c.lowered[comp.ID] = inst.Module
		return comp, nil
	}

	startedAt := time.Now()
	mod, err := passes.Optimize(dev.Kind).Run(ctx, inst.Module)
	if err != nil {
		return nil, errorf(codes.Internal, err, "optimizing")
	}
	mod, err = passes.ExtractEntry(mod)
	if err != nil {
		return nil, errorf(codes.Internal, err, "extracting entry")
	}
	mod, err = passes.InferType().Run(ctx, mod)
	if err != nil {
		return nil, errorf(codes.Internal, err, "inferring types of entry module")
	}

	exe, err := c.lower(ctx, mod, dev)
	if err != nil {
		return nil, err
	}
	comp.Executable = exe

	c.lowered[comp.ID] = mod
	c.metrics.Compilations.Inc()
	c.metrics.CompileSeconds.Observe(time.Since(startedAt).Seconds())
	log.V(2).Info("compiled computation", "computation", comp.ID, "device", dev, "functions", len(exe.Functions), "duration", time.Since(startedAt))
	return comp, nil
}

// lower lowers mod for dev, going through the executable cache when one is configured.
// Cache failures are logged and fall back to lowering.
func (c *Client) lower(ctx context.Context, mod *ir.Module, dev device.Device) (*vm.Executable, error) {
	log := klog.FromContext(ctx)

	var key string
	if c.cache != nil {
		key = compilecache.Key(mod, dev.Kind)
		exe, found, err := c.cache.Load(ctx, key)
		switch {
		case err != nil:
			c.metrics.CacheLookups.WithLabelValues(metrics.CacheError).Inc()
			log.Error(err, "loading executable from cache", "key", key)
		case found && exe.DeviceKind == dev.Kind:
			c.metrics.CacheLookups.WithLabelValues(metrics.CacheHit).Inc()
			return exe, nil
		default:
			c.metrics.CacheLookups.WithLabelValues(metrics.CacheMiss).Inc()
		}
	}

	exe, err := vm.Lower(ctx, mod, vm.DeviceMap{dev.Kind: dev})
	if err != nil {
		return nil, errorf(codes.Internal, err, "lowering")
	}

	if c.cache != nil {
		if err := c.cache.Save(ctx, key, exe); err != nil {
			log.Error(err, "saving executable to cache", "key", key)
		}
	}
	return exe, nil
}

func programShapeOf(fn *ir.Function) (ProgramShape, error) {
	var ps ProgramShape
	for _, p := range fn.Params {
		sh, err := typeToShape(p.TypeAnnotation)
		if err != nil {
			return ProgramShape{}, fmt.Errorf("parameter %%%s: %w", p.Name, err)
		}
		ps.Parameters = append(ps.Parameters, sh)
	}
	ret := fn.RetType
	if ret == nil {
		ret = fn.Body.CheckedType()
	}
	sh, err := typeToShape(ret)
	if err != nil {
		return ProgramShape{}, fmt.Errorf("result: %w", err)
	}
	ps.Result = sh
	return ps, nil
}

// typeToShape converts a checked type to a shape. A function type has the shape of what
// calling it eventually yields.
func typeToShape(ty ir.Type) (shape.Shape, error) {
	switch t := ty.(type) {
	case *ir.TensorType:
		return shape.Make(t.DType, t.Dims...), nil
	case *ir.TupleType:
		fields := make([]shape.Shape, len(t.Fields))
		for i, f := range t.Fields {
			sh, err := typeToShape(f)
			if err != nil {
				return shape.Shape{}, err
			}
			fields[i] = sh
		}
		return shape.MakeTuple(fields...), nil
	case *ir.FuncType:
		return typeToShape(t.Ret)
	case nil:
		return shape.Shape{}, fmt.Errorf("missing type")
	}
	return shape.Shape{}, fmt.Errorf("unsupported type %T", ty)
}
