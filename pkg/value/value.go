// Package value defines the runtime values produced and consumed by the VM.
//
// Value is a closed variant: Tensor, Tuple, Closure and VMClosure are its only
// members. Consumers dispatch with a type switch and treat any other member as an error.
package value

import (
	"fmt"

	"k8s.io/examples/AI/lazyvm/pkg/ir"
)

type Kind int

const (
	KindTensor Kind = iota
	KindTuple
	// KindClosure is a closure carrying its captured environment.
	KindClosure
	// KindVMClosure is a VM-internal closure identified only by function index.
	KindVMClosure
)

func (k Kind) String() string {
	switch k {
	case KindTensor:
		return "TensorValue"
	case KindTuple:
		return "TupleValue"
	case KindClosure:
		return "ClosureValue"
	case KindVMClosure:
		return "VMClosureValue"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

type Value interface {
	Kind() Kind
	isValue()
}

type Tuple struct {
	Fields []Value
}

// Binding ties a parameter of a closure's defining function to its captured value.
type Binding struct {
	Var   *ir.Var
	Value Value
}

// Closure is a closure whose captured bindings are known, so tracing can continue through it.
type Closure struct {
	Env    []Binding
	Module *ir.Module
	Global *ir.GlobalVar
}

// VMClosure is the closure representation used inside the VM.
type VMClosure struct {
	FuncIndex int
	FreeVars  []Value
}

func (*Tensor) Kind() Kind    { return KindTensor }
func (*Tuple) Kind() Kind     { return KindTuple }
func (*Closure) Kind() Kind   { return KindClosure }
func (*VMClosure) Kind() Kind { return KindVMClosure }

func (*Tensor) isValue()    {}
func (*Tuple) isValue()     {}
func (*Closure) isValue()   {}
func (*VMClosure) isValue() {}

func NewTuple(fields ...Value) *Tuple {
	return &Tuple{Fields: fields}
}

// Lookup returns the value captured for v.
func (c *Closure) Lookup(v *ir.Var) (Value, bool) {
	for _, b := range c.Env {
		if b.Var == v {
			return b.Value, true
		}
	}
	return nil, false
}
