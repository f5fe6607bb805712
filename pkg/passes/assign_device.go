package passes

import (
	"k8s.io/examples/AI/lazyvm/pkg/ir"
)

// AssignDevice places every constant and function on deviceKind.
func AssignDevice(deviceKind string) Pass {
	return functionPass("AssignDevice", func(_ *ir.Module, _ string, fn *ir.Function) (*ir.Function, error) {
		out := ir.Rewrite(fn, func(e ir.Expr) ir.Expr {
			switch n := e.(type) {
			case *ir.Constant:
				if n.Device != deviceKind {
					c := *n
					c.Device = deviceKind
					return &c
				}
			case *ir.Function:
				if n.Attrs.Device != deviceKind {
					f := *n
					f.Attrs.Device = deviceKind
					return &f
				}
			}
			return e
		})
		return out.(*ir.Function), nil
	})
}
