package jolt_test

import (
	"testing"

	"github.com/jolt-lang/jolt"
)

func TestRunExampleFixtures(t *testing.T) {
	tests := []struct {
		path string
		proc string
		args []uint64
		want uint64
	}{
		{"examples/calls.yaml", "double", []uint64{21}, 42},
		{"examples/calls.yaml", "quadruple", []uint64{5}, 20},
		{"examples/records.yaml", "pair_second", []uint64{15, 17}, 17},
		{"examples/switch.yaml", "classify", []uint64{1}, 10},
		{"examples/switch.yaml", "classify", []uint64{2}, 20},
		{"examples/switch.yaml", "classify", []uint64{7}, 30},
		{"examples/loop-sum.yaml", "sum_upto", []uint64{5}, 15},
		{"examples/loop-sum.yaml", "sum_upto", []uint64{100}, 5050},
	}
	for _, tt := range tests {
		got, err := jolt.Run(tt.path, tt.proc, tt.args...)
		if err != nil {
			t.Errorf("Run %s %s: %v", tt.path, tt.proc, err)
			continue
		}
		if got != tt.want {
			t.Errorf("%s %s(%v) = %d, want %d", tt.path, tt.proc, tt.args, got, tt.want)
		}
	}
}

func TestCompileModuleUnknownTarget(t *testing.T) {
	mod, err := jolt.LoadFixture("examples/calls.yaml")
	if err != nil {
		t.Fatalf("LoadFixture: %v", err)
	}
	if _, err := jolt.CompileModule(mod, "riscv128"); err == nil {
		t.Error("expected an error for an unknown target")
	}
}

func TestTargets(t *testing.T) {
	targets := jolt.Targets()
	if len(targets) == 0 || targets[0] != jolt.DefaultTarget {
		t.Errorf("Targets() = %v, want the default target first", targets)
	}
}
