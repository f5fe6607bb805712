// Package ir holds the traced graph representation handed over by the tracing front-end:
// functions over tensors built from operator calls, tuples, let bindings and closures.
//
// Expressions are compared by identity. Variables are bound exactly once by a function
// parameter list or a let; passes that duplicate code re-bind with fresh variables (see Substitute).
package ir

import (
	"slices"

	"github.com/gomlx/gopjrt/dtypes"
)

// Expr is a node of the graph.
type Expr interface {
	// CheckedType returns the type assigned by type inference, or nil if not yet inferred.
	CheckedType() Type
	SetCheckedType(Type)

	isExpr()
}

type typed struct {
	checked Type
}

func (t *typed) CheckedType() Type     { return t.checked }
func (t *typed) SetCheckedType(ty Type) { t.checked = ty }

// Var is a local variable, bound by a Function or a Let.
type Var struct {
	typed
	Name string
	// TypeAnnotation is required on function parameters.
	TypeAnnotation Type
}

// GlobalVar refers to a function of the enclosing Module by name.
type GlobalVar struct {
	typed
	Name string
}

// Constant is an immutable tensor embedded in the graph.
type Constant struct {
	typed
	DType dtypes.DType
	Dims  []int64
	// Data holds the little-endian compact element data.
	Data []byte
	// Device is the device kind the constant is materialized on; empty means unassigned.
	Device string
}

// Op names a primitive operator; it is only valid as the callee of a Call.
type Op struct {
	typed
	Name string
}

type Call struct {
	typed
	Op    Expr
	Args  []Expr
	Attrs map[string]float64
}

type Tuple struct {
	typed
	Fields []Expr
}

type TupleGetItem struct {
	typed
	Tuple Expr
	Index int
}

type Let struct {
	typed
	Var   *Var
	Value Expr
	Body  Expr
}

// FuncAttrs are attributes attached to functions by the front-end and by passes.
type FuncAttrs struct {
	// Closure marks a lambda-lifted function: its parameters are the captured
	// variables and its body is the inner function.
	Closure bool
	// Device is the device kind the function was assigned to.
	Device string
}

type Function struct {
	typed
	Params  []*Var
	Body    Expr
	RetType Type
	Attrs   FuncAttrs
}

func (*Var) isExpr()          {}
func (*GlobalVar) isExpr()    {}
func (*Constant) isExpr()     {}
func (*Op) isExpr()           {}
func (*Call) isExpr()         {}
func (*Tuple) isExpr()        {}
func (*TupleGetItem) isExpr() {}
func (*Let) isExpr()          {}
func (*Function) isExpr()     {}

func NewVar(name string, annotation Type) *Var {
	return &Var{Name: name, TypeAnnotation: annotation}
}

func NewConstant(dtype dtypes.DType, dims []int64, data []byte) *Constant {
	return &Constant{DType: dtype, Dims: slices.Clone(dims), Data: slices.Clone(data)}
}

// NewCall returns a call of the named operator.
func NewCall(op string, args ...Expr) *Call {
	return &Call{Op: &Op{Name: op}, Args: args}
}

// NewCallWithAttrs returns a call of the named operator with attributes.
func NewCallWithAttrs(op string, attrs map[string]float64, args ...Expr) *Call {
	return &Call{Op: &Op{Name: op}, Args: args, Attrs: attrs}
}

// Apply returns a call of an arbitrary callee: a GlobalVar, a closure-valued expression, or a Function.
func Apply(callee Expr, args ...Expr) *Call {
	return &Call{Op: callee, Args: args}
}

func NewTuple(fields ...Expr) *Tuple {
	return &Tuple{Fields: fields}
}

func NewTupleGetItem(tuple Expr, index int) *TupleGetItem {
	return &TupleGetItem{Tuple: tuple, Index: index}
}

func NewLet(v *Var, value, body Expr) *Let {
	return &Let{Var: v, Value: value, Body: body}
}

func NewFunction(params []*Var, body Expr) *Function {
	return &Function{Params: params, Body: body}
}

// OpName returns the operator name if c calls a primitive operator.
func (c *Call) OpName() (string, bool) {
	op, ok := c.Op.(*Op)
	if !ok {
		return "", false
	}
	return op.Name, true
}

// IsAtomic reports whether e can be duplicated freely.
func IsAtomic(e Expr) bool {
	switch e.(type) {
	case *Var, *GlobalVar, *Constant, *Op:
		return true
	}
	return false
}
