package passes

import (
	"k8s.io/examples/AI/lazyvm/pkg/ir"
)

// InlineClosure inlines closures that are invoked where they are built, either directly,
// @c(captured...)(args...), or through a let-bound variable holding @c(captured...).
// The construction itself is left for dead code elimination.
func InlineClosure() Pass {
	return functionPass("InlineClosure", func(mod *ir.Module, _ string, fn *ir.Function) (*ir.Function, error) {
		constructions := make(map[*ir.Var]*ir.Call)
		ir.Walk(fn, func(e ir.Expr) bool {
			if let, ok := e.(*ir.Let); ok {
				if call, ok := closureConstruction(mod, let.Value); ok {
					constructions[let.Var] = call
				}
			}
			return true
		})

		out := ir.Rewrite(fn, func(e ir.Expr) ir.Expr {
			call, ok := e.(*ir.Call)
			if !ok {
				return e
			}
			construction, ok := closureConstruction(mod, call.Op)
			if !ok {
				v, isVar := call.Op.(*ir.Var)
				if !isVar {
					return e
				}
				if construction, ok = constructions[v]; !ok {
					return e
				}
			}
			if inlined, ok := inlineClosureCall(mod, construction, call.Args); ok {
				return inlined
			}
			return e
		})
		return out.(*ir.Function), nil
	})
}

// closureConstruction reports whether e builds a closure: a call of a closure global
// whose captured arguments are all atomic, so they can be duplicated.
func closureConstruction(mod *ir.Module, e ir.Expr) (*ir.Call, bool) {
	call, ok := e.(*ir.Call)
	if !ok {
		return nil, false
	}
	gv, ok := call.Op.(*ir.GlobalVar)
	if !ok {
		return nil, false
	}
	fn, ok := mod.Lookup(gv.Name)
	if !ok || !fn.Attrs.Closure || len(fn.Params) != len(call.Args) {
		return nil, false
	}
	for _, arg := range call.Args {
		if !ir.IsAtomic(arg) {
			return nil, false
		}
	}
	return call, true
}

func inlineClosureCall(mod *ir.Module, construction *ir.Call, args []ir.Expr) (ir.Expr, bool) {
	closure, _ := mod.Lookup(construction.Op.(*ir.GlobalVar).Name)
	inner, ok := closure.Body.(*ir.Function)
	if !ok || len(inner.Params) != len(args) {
		return nil, false
	}

	subst := make(map[*ir.Var]ir.Expr, len(closure.Params)+len(inner.Params))
	for i, p := range closure.Params {
		subst[p] = construction.Args[i]
	}
	// Arguments are bound once so they are evaluated once, whatever the body does with them.
	bound := make([]*ir.Var, len(inner.Params))
	for i, p := range inner.Params {
		bound[i] = ir.NewVar(p.Name, nil)
		bound[i].SetCheckedType(p.CheckedType())
		subst[p] = bound[i]
	}

	body := ir.Substitute(inner.Body, subst)
	for i := len(bound) - 1; i >= 0; i-- {
		body = ir.NewLet(bound[i], args[i], body)
	}
	return body, true
}
