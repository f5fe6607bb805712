package ir

import (
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
)

// Print renders m as deterministic text: functions sorted by name, variables
// numbered in binding order. Two structurally equal modules print identically.
func Print(m *Module) string {
	var sb strings.Builder
	for _, name := range m.Names() {
		fn, _ := m.Lookup(name)
		p := newPrinter()
		sb.WriteString("def @" + name)
		p.function(&sb, fn)
		sb.WriteString("\n")
	}
	return sb.String()
}

// PrintExpr renders a single expression.
func PrintExpr(e Expr) string {
	var sb strings.Builder
	newPrinter().expr(&sb, e)
	return sb.String()
}

type printer struct {
	names map[*Var]string
	next  int
}

func newPrinter() *printer {
	return &printer{names: make(map[*Var]string)}
}

func (p *printer) bind(v *Var) string {
	name := fmt.Sprintf("%%%s_%d", v.Name, p.next)
	p.next++
	p.names[v] = name
	return name
}

func (p *printer) varName(v *Var) string {
	if name, ok := p.names[v]; ok {
		return name
	}
	// free variable
	return p.bind(v)
}

func (p *printer) function(sb *strings.Builder, fn *Function) {
	params := make([]string, len(fn.Params))
	for i, param := range fn.Params {
		params[i] = p.bind(param)
		if param.TypeAnnotation != nil {
			params[i] += ": " + param.TypeAnnotation.String()
		}
	}
	sb.WriteString("(" + strings.Join(params, ", ") + ")")
	if fn.RetType != nil {
		sb.WriteString(" -> " + fn.RetType.String())
	}
	var attrs []string
	if fn.Attrs.Closure {
		attrs = append(attrs, "closure")
	}
	if fn.Attrs.Device != "" {
		attrs = append(attrs, "device="+fn.Attrs.Device)
	}
	if len(attrs) > 0 {
		sb.WriteString(" [" + strings.Join(attrs, ", ") + "]")
	}
	sb.WriteString(" { ")
	p.expr(sb, fn.Body)
	sb.WriteString(" }")
}

func (p *printer) expr(sb *strings.Builder, e Expr) {
	switch n := e.(type) {
	case *Var:
		sb.WriteString(p.varName(n))
	case *GlobalVar:
		sb.WriteString("@" + n.Name)
	case *Op:
		sb.WriteString(n.Name)
	case *Constant:
		fmt.Fprintf(sb, "const<%s%v", n.DType, n.Dims)
		if n.Device != "" {
			sb.WriteString(" on " + n.Device)
		}
		sb.WriteString(">(" + hex.EncodeToString(n.Data) + ")")
	case *Call:
		p.expr(sb, n.Op)
		sb.WriteString("(")
		for i, arg := range n.Args {
			if i > 0 {
				sb.WriteString(", ")
			}
			p.expr(sb, arg)
		}
		if len(n.Attrs) > 0 {
			keys := make([]string, 0, len(n.Attrs))
			for k := range n.Attrs {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				fmt.Fprintf(sb, ", %s=%g", k, n.Attrs[k])
			}
		}
		sb.WriteString(")")
	case *Tuple:
		sb.WriteString("(")
		for i, f := range n.Fields {
			if i > 0 {
				sb.WriteString(", ")
			}
			p.expr(sb, f)
		}
		sb.WriteString(")")
	case *TupleGetItem:
		p.expr(sb, n.Tuple)
		fmt.Fprintf(sb, ".%d", n.Index)
	case *Let:
		// The value is printed before binding so shadowing is rendered correctly.
		var value strings.Builder
		p.expr(&value, n.Value)
		sb.WriteString("let " + p.bind(n.Var) + " = " + value.String() + "; ")
		p.expr(sb, n.Body)
	case *Function:
		sb.WriteString("fn")
		p.function(sb, n)
	case nil:
		sb.WriteString("<nil>")
	default:
		fmt.Fprintf(sb, "<%T>", e)
	}
}
