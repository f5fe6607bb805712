package ir

import "slices"

// Walk visits e in pre-order. Returning false from visit skips the children of a node.
func Walk(e Expr, visit func(Expr) bool) {
	if e == nil || !visit(e) {
		return
	}
	switch n := e.(type) {
	case *Call:
		Walk(n.Op, visit)
		for _, arg := range n.Args {
			Walk(arg, visit)
		}
	case *Tuple:
		for _, f := range n.Fields {
			Walk(f, visit)
		}
	case *TupleGetItem:
		Walk(n.Tuple, visit)
	case *Let:
		Walk(n.Value, visit)
		Walk(n.Body, visit)
	case *Function:
		Walk(n.Body, visit)
	}
}

// Rewrite rebuilds e bottom-up, applying f to every node after its children were rewritten.
// Nodes whose children are unchanged are passed to f as-is.
func Rewrite(e Expr, f func(Expr) Expr) Expr {
	switch n := e.(type) {
	case *Call:
		op := Rewrite(n.Op, f)
		args, changed := rewriteAll(n.Args, f)
		if changed || op != n.Op {
			n = &Call{Op: op, Args: args, Attrs: n.Attrs}
		}
		return f(n)
	case *Tuple:
		fields, changed := rewriteAll(n.Fields, f)
		if changed {
			n = &Tuple{Fields: fields}
		}
		return f(n)
	case *TupleGetItem:
		tuple := Rewrite(n.Tuple, f)
		if tuple != n.Tuple {
			n = &TupleGetItem{Tuple: tuple, Index: n.Index}
		}
		return f(n)
	case *Let:
		value := Rewrite(n.Value, f)
		body := Rewrite(n.Body, f)
		if value != n.Value || body != n.Body {
			n = &Let{Var: n.Var, Value: value, Body: body}
		}
		return f(n)
	case *Function:
		body := Rewrite(n.Body, f)
		if body != n.Body {
			n = &Function{Params: n.Params, Body: body, RetType: n.RetType, Attrs: n.Attrs}
		}
		return f(n)
	}
	return f(e)
}

func rewriteAll(exprs []Expr, f func(Expr) Expr) ([]Expr, bool) {
	out := make([]Expr, len(exprs))
	changed := false
	for i, e := range exprs {
		out[i] = Rewrite(e, f)
		if out[i] != e {
			changed = true
		}
	}
	return out, changed
}

// FreeVars returns the variables used but not bound in e, in order of first use.
func FreeVars(e Expr) []*Var {
	var free []*Var
	seen := make(map[*Var]bool)
	var visit func(e Expr, bound map[*Var]bool)
	visit = func(e Expr, bound map[*Var]bool) {
		switch n := e.(type) {
		case *Var:
			if !bound[n] && !seen[n] {
				seen[n] = true
				free = append(free, n)
			}
		case *Call:
			visit(n.Op, bound)
			for _, arg := range n.Args {
				visit(arg, bound)
			}
		case *Tuple:
			for _, f := range n.Fields {
				visit(f, bound)
			}
		case *TupleGetItem:
			visit(n.Tuple, bound)
		case *Let:
			visit(n.Value, bound)
			visit(n.Body, with(bound, n.Var))
		case *Function:
			visit(n.Body, with(bound, n.Params...))
		}
	}
	visit(e, map[*Var]bool{})
	return free
}

func with(bound map[*Var]bool, vars ...*Var) map[*Var]bool {
	out := make(map[*Var]bool, len(bound)+len(vars))
	for v := range bound {
		out[v] = true
	}
	for _, v := range vars {
		out[v] = true
	}
	return out
}

// UseCount returns how often v occurs in e.
func UseCount(e Expr, v *Var) int {
	n := 0
	Walk(e, func(e Expr) bool {
		if e == v {
			n++
		}
		return true
	})
	return n
}

// GlobalRefs returns the names of the globals referenced from e, sorted and deduplicated.
func GlobalRefs(e Expr) []string {
	var names []string
	Walk(e, func(e Expr) bool {
		if gv, ok := e.(*GlobalVar); ok {
			names = append(names, gv.Name)
		}
		return true
	})
	slices.Sort(names)
	return slices.Compact(names)
}

// Substitute replaces the free occurrences of the keys of subst in e.
// Every binder inside e is renamed to a fresh variable, so the result can be
// placed next to other copies of e without sharing bindings.
func Substitute(e Expr, subst map[*Var]Expr) Expr {
	env := make(map[*Var]Expr, len(subst))
	for k, v := range subst {
		env[k] = v
	}
	return substitute(e, env)
}

func substitute(e Expr, env map[*Var]Expr) Expr {
	switch n := e.(type) {
	case *Var:
		if r, ok := env[n]; ok {
			return r
		}
		return n
	case *Call:
		args := make([]Expr, len(n.Args))
		for i, arg := range n.Args {
			args[i] = substitute(arg, env)
		}
		return &Call{Op: substitute(n.Op, env), Args: args, Attrs: n.Attrs}
	case *Tuple:
		fields := make([]Expr, len(n.Fields))
		for i, f := range n.Fields {
			fields[i] = substitute(f, env)
		}
		return &Tuple{Fields: fields}
	case *TupleGetItem:
		return &TupleGetItem{Tuple: substitute(n.Tuple, env), Index: n.Index}
	case *Let:
		value := substitute(n.Value, env)
		fresh := freshVar(n.Var)
		env[n.Var] = fresh
		body := substitute(n.Body, env)
		delete(env, n.Var)
		return &Let{Var: fresh, Value: value, Body: body}
	case *Function:
		params := make([]*Var, len(n.Params))
		for i, p := range n.Params {
			params[i] = freshVar(p)
			env[p] = params[i]
		}
		body := substitute(n.Body, env)
		for _, p := range n.Params {
			delete(env, p)
		}
		return &Function{Params: params, Body: body, RetType: n.RetType, Attrs: n.Attrs}
	}
	return e
}

func freshVar(v *Var) *Var {
	fresh := &Var{Name: v.Name, TypeAnnotation: v.TypeAnnotation}
	fresh.SetCheckedType(v.CheckedType())
	return fresh
}
