// Package jolt compiles IR procedures straight to machine code in a single
// pass. The compiler trades code quality for speed: registers are allocated
// greedily as statements are visited, and jumps are emitted with placeholder
// displacements and patched in place. The reference target is vm64, a compact
// interpreted ISA, so compiled code can run anywhere.
package jolt

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/jolt-lang/jolt/internal/codegen"
	"github.com/jolt-lang/jolt/internal/codegen/vm64"
	"github.com/jolt-lang/jolt/internal/ir"
	"github.com/jolt-lang/jolt/internal/irfile"
)

// Object is one compiled procedure: machine code plus relocation records.
type Object = codegen.Object

// Module and Proc re-export the IR input types.
type Module = ir.Module
type Proc = ir.Proc

// Diagnostic is a compile failure with the procedure, operation and detail
// that produced it.
type Diagnostic = codegen.Diagnostic

// Machine is the vm64 loader and interpreter.
type Machine = vm64.Machine

// HostFunc is a native function callable from generated code.
type HostFunc = vm64.HostFunc

// DefaultTarget is the reference target.
const DefaultTarget = "vm64"

// Targets lists the supported target names.
func Targets() []string {
	return []string{DefaultTarget}
}

func newBackend(target string) (*codegen.Backend, error) {
	switch target {
	case "", DefaultTarget:
		return codegen.NewBackend(vm64.Asm{}, vm64.CallConv{}), nil
	}
	return nil, fmt.Errorf("jolt: unknown target %q", target)
}

// CompileModule lowers every procedure of a module for the named target. An
// empty target selects the default.
func CompileModule(mod *Module, target string) ([]*Object, error) {
	backend, err := newBackend(target)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	objects, err := backend.Build(mod)
	if err != nil {
		return nil, err
	}
	slog.Debug("compiled module", "procs", len(objects), "elapsed", time.Since(start))
	return objects, nil
}

// CompileProc lowers a single procedure.
func CompileProc(proc *Proc, target string) (*Object, error) {
	backend, err := newBackend(target)
	if err != nil {
		return nil, err
	}
	return backend.BuildProc(proc)
}

// LoadFixture reads a YAML IR fixture file.
func LoadFixture(path string) (*Module, error) {
	return irfile.Load(path)
}

// LoadMachine links compiled objects into a runnable vm64 machine. hosts
// resolves calls to names no object defines, after the built-in runtime
// functions; it may be nil.
func LoadMachine(objects []*Object, hosts map[string]HostFunc) (*Machine, error) {
	return vm64.Load(objects, hosts)
}

// Run compiles a fixture and executes one of its procedures on the reference
// machine with the given register arguments.
func Run(path, proc string, args ...uint64) (uint64, error) {
	mod, err := LoadFixture(path)
	if err != nil {
		return 0, err
	}
	objects, err := CompileModule(mod, DefaultTarget)
	if err != nil {
		return 0, err
	}
	machine, err := LoadMachine(objects, nil)
	if err != nil {
		return 0, err
	}
	return machine.Call(proc, args...)
}
