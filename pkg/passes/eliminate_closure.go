package passes

import (
	"context"

	"k8s.io/examples/AI/lazyvm/pkg/ir"
)

// EliminateClosure removes closure functions that are no longer reachable from the entry function.
func EliminateClosure() Pass {
	return &modulePass{
		name: "EliminateClosure",
		run: func(ctx context.Context, mod *ir.Module) (*ir.Module, error) {
			if _, err := mod.Entry(); err != nil {
				return mod, nil
			}
			live := reachable(mod, ir.EntryName)
			out := mod.Copy()
			for _, name := range mod.Names() {
				fn, _ := mod.Lookup(name)
				if fn.Attrs.Closure && !live[name] {
					out.Remove(name)
				}
			}
			return out, nil
		},
	}
}

// ExtractEntry reduces mod to its entry function and the globals it transitively references.
func ExtractEntry(mod *ir.Module) (*ir.Module, error) {
	if _, err := mod.Entry(); err != nil {
		return nil, err
	}
	live := reachable(mod, ir.EntryName)
	out := mod.Copy()
	for _, name := range mod.Names() {
		if !live[name] {
			out.Remove(name)
		}
	}
	return out, nil
}

func reachable(mod *ir.Module, root string) map[string]bool {
	live := map[string]bool{root: true}
	queue := []string{root}
	for len(queue) > 0 {
		name := queue[0]
		queue = queue[1:]
		fn, ok := mod.Lookup(name)
		if !ok {
			continue
		}
		for _, ref := range ir.GlobalRefs(fn) {
			if !live[ref] {
				live[ref] = true
				queue = append(queue, ref)
			}
		}
	}
	return live
}
