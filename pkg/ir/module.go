package ir

import (
	"fmt"
	"sort"
)

// EntryName is the name of the designated entry function of a module.
const EntryName = "main"

// Module is a set of named global functions.
type Module struct {
	functions map[string]*Function
	globals   map[string]*GlobalVar
}

func NewModule() *Module {
	return &Module{
		functions: make(map[string]*Function),
		globals:   make(map[string]*GlobalVar),
	}
}

// FromExpr returns a module whose entry function is fn.
func FromExpr(fn *Function) *Module {
	m := NewModule()
	m.Add(EntryName, fn)
	return m
}

// Add adds or replaces the function bound to name, returning its GlobalVar.
// The GlobalVar for a name is stable across replacements and copies.
func (m *Module) Add(name string, fn *Function) *GlobalVar {
	gv, ok := m.globals[name]
	if !ok {
		gv = &GlobalVar{Name: name}
		m.globals[name] = gv
	}
	m.functions[name] = fn
	return gv
}

func (m *Module) Remove(name string) {
	delete(m.functions, name)
	delete(m.globals, name)
}

func (m *Module) Lookup(name string) (*Function, bool) {
	fn, ok := m.functions[name]
	return fn, ok
}

func (m *Module) GetGlobalVar(name string) (*GlobalVar, bool) {
	gv, ok := m.globals[name]
	return gv, ok
}

// Entry returns the entry function.
func (m *Module) Entry() (*Function, error) {
	fn, ok := m.functions[EntryName]
	if !ok {
		return nil, fmt.Errorf("module has no %q function", EntryName)
	}
	return fn, nil
}

// Names returns the global function names in sorted order.
func (m *Module) Names() []string {
	names := make([]string, 0, len(m.functions))
	for name := range m.functions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (m *Module) Len() int {
	return len(m.functions)
}

// Copy returns a shallow copy: function nodes are shared, the name tables are not.
func (m *Module) Copy() *Module {
	c := NewModule()
	for name, fn := range m.functions {
		c.functions[name] = fn
		c.globals[name] = m.globals[name]
	}
	return c
}

// UniqueName returns a name based on prefix that is not yet bound in m.
func (m *Module) UniqueName(prefix string) string {
	for i := 0; ; i++ {
		name := fmt.Sprintf("%s_%d", prefix, i)
		if _, found := m.functions[name]; !found {
			return name
		}
	}
}
