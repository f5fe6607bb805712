package passes

import (
	"fmt"

	"k8s.io/examples/AI/lazyvm/pkg/ir"
)

// LambdaLift moves every nested function to a global closure function.
//
// A nested function with free variables v1..vn becomes
//
//	def @f_lifted_k(v1', ..., vn') [closure] { fn(params) { body[vi := vi'] } }
//
// and the nested site becomes @f_lifted_k(v1, ..., vn), which builds the closure.
func LambdaLift() Pass {
	return functionPass("LambdaLift", func(mod *ir.Module, name string, fn *ir.Function) (*ir.Function, error) {
		l := &lifter{mod: mod, owner: name}

		// The body of a closure function is its inner function, which stays in place.
		target := fn
		if fn.Attrs.Closure {
			inner, ok := fn.Body.(*ir.Function)
			if !ok {
				return nil, fmt.Errorf("closure function body must be a function, got %T", fn.Body)
			}
			target = inner
		}

		body := ir.Rewrite(target.Body, l.visit)
		if l.err != nil {
			return nil, l.err
		}
		if body == target.Body {
			return fn, nil
		}

		lifted := *target
		lifted.Body = body
		if !fn.Attrs.Closure {
			return &lifted, nil
		}
		outer := *fn
		outer.Body = &lifted
		return &outer, nil
	})
}

type lifter struct {
	mod   *ir.Module
	owner string
	err   error
}

func (l *lifter) visit(e ir.Expr) ir.Expr {
	fn, ok := e.(*ir.Function)
	if !ok || l.err != nil {
		return e
	}

	free := ir.FreeVars(fn)
	params := make([]*ir.Var, len(free))
	subst := make(map[*ir.Var]ir.Expr, len(free))
	captured := make([]ir.Expr, len(free))
	for i, v := range free {
		ty := v.CheckedType()
		if ty == nil {
			l.err = fmt.Errorf("captured variable %%%s has no inferred type", v.Name)
			return e
		}
		params[i] = ir.NewVar(v.Name, ty)
		subst[v] = params[i]
		captured[i] = v
	}

	inner := ir.Substitute(fn, subst).(*ir.Function)
	closure := &ir.Function{
		Params: params,
		Body:   inner,
		Attrs:  ir.FuncAttrs{Closure: true, Device: fn.Attrs.Device},
	}
	gv := l.mod.Add(l.mod.UniqueName(l.owner+"_lifted"), closure)
	return ir.Apply(gv, captured...)
}
