package passes

import (
	"k8s.io/examples/AI/lazyvm/pkg/ir"
)

// DeadCodeElimination drops let bindings whose variable is never used. All operators are pure.
func DeadCodeElimination() Pass {
	return functionPass("DeadCodeElimination", func(_ *ir.Module, _ string, fn *ir.Function) (*ir.Function, error) {
		out := ir.Rewrite(fn, func(e ir.Expr) ir.Expr {
			if let, ok := e.(*ir.Let); ok && ir.UseCount(let.Body, let.Var) == 0 {
				return let.Body
			}
			return e
		})
		return out.(*ir.Function), nil
	})
}
