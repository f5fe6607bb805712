package passes

import (
	"k8s.io/examples/AI/lazyvm/pkg/ir"
)

// InlineLet substitutes let bindings of atomic values (variables, globals, constants and
// tuples of those) into their bodies, then folds projections out of literal tuples.
func InlineLet() Pass {
	return functionPass("InlineLet", func(_ *ir.Module, _ string, fn *ir.Function) (*ir.Function, error) {
		out := ir.Rewrite(fn, func(e ir.Expr) ir.Expr {
			switch n := e.(type) {
			case *ir.Let:
				if inlinable(n.Value) {
					return foldTupleGetItems(ir.Substitute(n.Body, map[*ir.Var]ir.Expr{n.Var: n.Value}))
				}
			case *ir.TupleGetItem:
				return foldTupleGetItem(n)
			}
			return e
		})
		return out.(*ir.Function), nil
	})
}

func inlinable(e ir.Expr) bool {
	if ir.IsAtomic(e) {
		return true
	}
	tuple, ok := e.(*ir.Tuple)
	if !ok {
		return false
	}
	for _, f := range tuple.Fields {
		if !ir.IsAtomic(f) {
			return false
		}
	}
	return true
}

func foldTupleGetItems(e ir.Expr) ir.Expr {
	return ir.Rewrite(e, func(e ir.Expr) ir.Expr {
		if n, ok := e.(*ir.TupleGetItem); ok {
			return foldTupleGetItem(n)
		}
		return e
	})
}

func foldTupleGetItem(n *ir.TupleGetItem) ir.Expr {
	tuple, ok := n.Tuple.(*ir.Tuple)
	if !ok || n.Index < 0 || n.Index >= len(tuple.Fields) {
		return n
	}
	return tuple.Fields[n.Index]
}
