// Package vm is the backend virtual machine: it lowers a typed module to a register-based
// executable and runs it against device-resident values.
package vm

import (
	"encoding/json"
	"fmt"

	"github.com/gomlx/gopjrt/dtypes"
)

// FormatVersion is bumped whenever the executable layout changes.
const FormatVersion = 1

type Opcode uint8

const (
	// OpLoadConst: regs[Dst] = constants[Index]
	OpLoadConst Opcode = iota
	// OpInvokePacked: regs[Dst] = Kernel(regs[Args...]; Attrs)
	OpInvokePacked
	// OpInvokeFunc: regs[Dst] = functions[Index](regs[Args...])
	OpInvokeFunc
	// OpInvokeClosure: regs[Dst] = regs[Args[0]](regs[Args[1:]...])
	OpInvokeClosure
	// OpAllocTuple: regs[Dst] = (regs[Args...])
	OpAllocTuple
	// OpGetField: regs[Dst] = regs[Args[0]].Fields[Index]
	OpGetField
	// OpAllocClosure: regs[Dst] = closure{functions[Index], captured: regs[Args...]}
	OpAllocClosure
	// OpRet returns regs[Args[0]]
	OpRet
)

func (op Opcode) String() string {
	switch op {
	case OpLoadConst:
		return "LoadConst"
	case OpInvokePacked:
		return "InvokePacked"
	case OpInvokeFunc:
		return "InvokeFunc"
	case OpInvokeClosure:
		return "InvokeClosure"
	case OpAllocTuple:
		return "AllocTuple"
	case OpGetField:
		return "GetField"
	case OpAllocClosure:
		return "AllocClosure"
	case OpRet:
		return "Ret"
	}
	return fmt.Sprintf("Opcode(%d)", int(op))
}

type Instruction struct {
	Op     Opcode             `json:"op"`
	Dst    int                `json:"dst"`
	Args   []int              `json:"args,omitempty"`
	Index  int                `json:"index,omitempty"`
	Kernel string             `json:"kernel,omitempty"`
	Attrs  map[string]float64 `json:"attrs,omitempty"`
}

// Function is a lowered function. Registers [0, NumParams) hold the arguments; for a closure
// function the first NumCaptured of them hold the captured values.
type Function struct {
	Name         string        `json:"name"`
	NumParams    int           `json:"numParams"`
	NumCaptured  int           `json:"numCaptured"`
	NumRegisters int           `json:"numRegisters"`
	Instructions []Instruction `json:"instructions"`
}

type Constant struct {
	DType dtypes.DType `json:"dtype"`
	Dims  []int64      `json:"dims"`
	Data  []byte       `json:"data"`
}

// Executable is the compiled form of a module for one device kind.
type Executable struct {
	Version    int        `json:"version"`
	DeviceKind string     `json:"deviceKind"`
	Functions  []Function `json:"functions"`
	// GlobalMap maps global function names to their index in Functions.
	GlobalMap map[string]int `json:"globalMap"`
	Constants []Constant     `json:"constants"`
}

// FunctionIndex returns the index of the named function.
func (e *Executable) FunctionIndex(name string) (int, bool) {
	i, ok := e.GlobalMap[name]
	return i, ok
}

// Marshal serializes the executable.
func (e *Executable) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// Unmarshal parses and validates a serialized executable.
func Unmarshal(data []byte) (*Executable, error) {
	exe := &Executable{}
	if err := json.Unmarshal(data, exe); err != nil {
		return nil, fmt.Errorf("parsing executable: %w", err)
	}
	if err := exe.Validate(); err != nil {
		return nil, err
	}
	return exe, nil
}

// Validate checks that every index in the executable is in range.
func (e *Executable) Validate() error {
	if e.Version != FormatVersion {
		return fmt.Errorf("executable format version %d, want %d", e.Version, FormatVersion)
	}
	for name, i := range e.GlobalMap {
		if i < 0 || i >= len(e.Functions) {
			return fmt.Errorf("global %q maps to function %d, have %d functions", name, i, len(e.Functions))
		}
	}
	for _, fn := range e.Functions {
		if fn.NumCaptured > fn.NumParams || fn.NumParams > fn.NumRegisters {
			return fmt.Errorf("function %q has inconsistent register layout", fn.Name)
		}
		for pc, in := range fn.Instructions {
			if err := e.validateInstruction(&fn, in); err != nil {
				return fmt.Errorf("function %q instruction %d (%s): %w", fn.Name, pc, in.Op, err)
			}
		}
	}
	return nil
}

func (e *Executable) validateInstruction(fn *Function, in Instruction) error {
	if in.Op != OpRet && (in.Dst < 0 || in.Dst >= fn.NumRegisters) {
		return fmt.Errorf("destination register %d out of range", in.Dst)
	}
	for _, r := range in.Args {
		if r < 0 || r >= fn.NumRegisters {
			return fmt.Errorf("register %d out of range", r)
		}
	}
	switch in.Op {
	case OpLoadConst:
		if in.Index < 0 || in.Index >= len(e.Constants) {
			return fmt.Errorf("constant %d out of range", in.Index)
		}
	case OpInvokeFunc, OpAllocClosure:
		if in.Index < 0 || in.Index >= len(e.Functions) {
			return fmt.Errorf("function %d out of range", in.Index)
		}
	case OpInvokePacked:
		if _, ok := LookupKernel(in.Kernel); !ok {
			return fmt.Errorf("unknown kernel %q", in.Kernel)
		}
	case OpInvokeClosure, OpRet, OpGetField:
		if len(in.Args) == 0 {
			return fmt.Errorf("missing operand")
		}
	case OpAllocTuple:
	default:
		return fmt.Errorf("unknown opcode")
	}
	return nil
}
