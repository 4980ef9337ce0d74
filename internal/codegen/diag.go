package codegen

import "fmt"

// Diagnostic reports a compiler-internal failure: either an invariant
// violation (unknown symbol, double free, register class mismatch, frame
// overflow) or a layout/width combination the backend does not implement yet.
// The two tiers differ only by message, never by control flow. Both abort
// compilation of the current procedure; neither is user-recoverable.
type Diagnostic struct {
	Proc   string
	Op     string
	Detail string
}

func (d *Diagnostic) Error() string {
	if d.Proc == "" {
		return fmt.Sprintf("%s: %s", d.Op, d.Detail)
	}
	return fmt.Sprintf("%s: %s: %s", d.Proc, d.Op, d.Detail)
}

// failf aborts the current compilation with an invariant-violation
// diagnostic. The only recovery point is Backend.BuildProc.
func failf(op, format string, args ...any) {
	panic(&Diagnostic{Op: op, Detail: fmt.Sprintf(format, args...)})
}

// todof aborts with an unimplemented-combination diagnostic. Failing loudly
// here is what keeps an unsupported width from silently miscompiling.
func todof(op, format string, args ...any) {
	panic(&Diagnostic{Op: op, Detail: "not yet implemented: " + fmt.Sprintf(format, args...)})
}
