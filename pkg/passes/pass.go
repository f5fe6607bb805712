// Package passes implements the optimization and lowering-preparation passes run over
// a traced module before it is handed to the VM compiler.
package passes

import (
	"context"
	"fmt"
	"time"

	"k8s.io/klog/v2"

	"k8s.io/examples/AI/lazyvm/pkg/ir"
)

// Pass transforms a module. Passes must not mutate the functions of their input;
// they return a module carrying rewritten nodes instead.
type Pass interface {
	Name() string
	Run(ctx context.Context, mod *ir.Module) (*ir.Module, error)
}

type modulePass struct {
	name string
	run  func(ctx context.Context, mod *ir.Module) (*ir.Module, error)
}

func (p *modulePass) Name() string { return p.name }

func (p *modulePass) Run(ctx context.Context, mod *ir.Module) (*ir.Module, error) {
	return p.run(ctx, mod)
}

// functionPass builds a pass that rewrites every global function independently.
func functionPass(name string, rewrite func(mod *ir.Module, name string, fn *ir.Function) (*ir.Function, error)) Pass {
	return &modulePass{
		name: name,
		run: func(ctx context.Context, mod *ir.Module) (*ir.Module, error) {
			out := mod.Copy()
			for _, fnName := range mod.Names() {
				fn, _ := mod.Lookup(fnName)
				rewritten, err := rewrite(out, fnName, fn)
				if err != nil {
					return nil, fmt.Errorf("function @%s: %w", fnName, err)
				}
				out.Add(fnName, rewritten)
			}
			return out, nil
		},
	}
}

// Sequential runs an ordered list of passes. Type inference runs before the first pass
// and again after every pass, so each pass sees fresh type annotations.
type Sequential struct {
	passes []Pass
}

func NewSequential(passes ...Pass) *Sequential {
	return &Sequential{passes: passes}
}

// Names returns the pass names in execution order, including the type inference steps.
func (s *Sequential) Names() []string {
	names := []string{inferTypeName}
	for _, p := range s.passes {
		names = append(names, p.Name(), inferTypeName)
	}
	return names
}

func (s *Sequential) Run(ctx context.Context, mod *ir.Module) (*ir.Module, error) {
	log := klog.FromContext(ctx)

	mod, err := InferType().Run(ctx, mod)
	if err != nil {
		return nil, fmt.Errorf("inferring types of input module: %w", err)
	}
	for _, p := range s.passes {
		startedAt := time.Now()
		out, err := p.Run(ctx, mod)
		if err != nil {
			return nil, fmt.Errorf("running pass %s: %w", p.Name(), err)
		}
		out, err = InferType().Run(ctx, out)
		if err != nil {
			return nil, fmt.Errorf("inferring types after pass %s: %w", p.Name(), err)
		}
		mod = out

		log.V(2).Info("ran pass", "pass", p.Name(), "functions", mod.Len(), "duration", time.Since(startedAt))
		if log.V(4).Enabled() {
			log.V(4).Info("module after pass", "pass", p.Name(), "module", ir.Print(mod))
		}
	}
	return mod, nil
}

// Optimize returns the fixed pipeline run on every non-trivial computation targeting deviceKind.
// The order matters: later passes depend on the structure produced by earlier ones.
func Optimize(deviceKind string) *Sequential {
	return NewSequential(
		AssignDevice(deviceKind),
		LambdaLift(),
		InlineClosure(),
		DeadCodeElimination(),
		EliminateClosure(),
		InlineLet(),
		DeadCodeElimination(),
		CanonicalizeOps(),
	)
}
