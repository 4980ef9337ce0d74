// Package testutil verifies generated code by disassembling it and matching
// instructions against expectations.
package testutil

import (
	"fmt"
	"strings"
	"testing"

	"github.com/jolt-lang/jolt/internal/codegen/vm64"
)

// Expectation describes a single instruction that should appear in the
// disassembly output.
type Expectation struct {
	Name     string
	Mnemonic string
	Contains []string
}

func (e Expectation) match(inst vm64.Inst) error {
	if e.Mnemonic != "" && inst.Mnemonic != e.Mnemonic {
		return fmt.Errorf("mnemonic=%s, want %s", inst.Mnemonic, e.Mnemonic)
	}
	text := inst.String()
	for _, needle := range e.Contains {
		if !strings.Contains(text, needle) {
			return fmt.Errorf("missing %q in %q", needle, text)
		}
	}
	return nil
}

// VerifyExpectations walks the disassembly and ensures each expectation is
// satisfied in order. Instructions between matches are skipped, so prologue
// and spill code does not pin down every test.
func VerifyExpectations(t *testing.T, insts []vm64.Inst, expect []Expectation) {
	t.Helper()
	idx := 0
	for _, exp := range expect {
		found := false
		var lastErr error
		for ; idx < len(insts); idx++ {
			if err := exp.match(insts[idx]); err == nil {
				found = true
				idx++
				break
			} else {
				lastErr = err
			}
		}
		if !found {
			t.Fatalf("instruction %q not found in remaining disassembly: %v", exp.Name, lastErr)
		}
	}
}

// MustDisassemble decodes code or fails the test.
func MustDisassemble(t *testing.T, code []byte) []vm64.Inst {
	t.Helper()
	insts, err := vm64.Disassemble(code)
	if err != nil {
		t.Fatalf("disassemble: %v", err)
	}
	return insts
}
