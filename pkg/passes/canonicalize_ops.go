package passes

import (
	"maps"

	"k8s.io/examples/AI/lazyvm/pkg/ir"
)

// CanonicalizeOps rewrites operator calls into their canonical form:
//
//	copy(x)                -> x
//	scale(x, scale=1)      -> x
//	negative(negative(x))  -> x
//	scale(scale(x, a), b)  -> scale(x, a*b)
func CanonicalizeOps() Pass {
	return functionPass("CanonicalizeOps", func(_ *ir.Module, _ string, fn *ir.Function) (*ir.Function, error) {
		out := ir.Rewrite(fn, func(e ir.Expr) ir.Expr {
			call, ok := e.(*ir.Call)
			if !ok {
				return e
			}
			name, ok := call.OpName()
			if !ok {
				return e
			}
			switch name {
			case "copy":
				return call.Args[0]
			case "scale":
				s := scaleOf(call)
				if s == 1 {
					return call.Args[0]
				}
				if inner, ok := call.Args[0].(*ir.Call); ok {
					if innerName, _ := inner.OpName(); innerName == "scale" {
						attrs := maps.Clone(call.Attrs)
						attrs["scale"] = s * scaleOf(inner)
						return ir.NewCallWithAttrs("scale", attrs, inner.Args[0])
					}
				}
			case "negative":
				if inner, ok := call.Args[0].(*ir.Call); ok {
					if innerName, _ := inner.OpName(); innerName == "negative" {
						return inner.Args[0]
					}
				}
			}
			return e
		})
		return out.(*ir.Function), nil
	})
}

func scaleOf(call *ir.Call) float64 {
	if s, ok := call.Attrs["scale"]; ok {
		return s
	}
	return 1
}
