// Command joltc compiles a YAML IR fixture, optionally dumps a disassembly
// listing, writes the compiled code bytes, or runs a procedure on the
// reference machine.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/charmbracelet/x/ansi"
	"golang.org/x/term"

	"github.com/jolt-lang/jolt"
	"github.com/jolt-lang/jolt/internal/codegen/vm64"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "joltc: %v\n", err)
		os.Exit(1)
	}
}

// intArgs collects repeated -arg flags.
type intArgs []uint64

func (a *intArgs) String() string {
	parts := make([]string, len(*a))
	for i, v := range *a {
		parts[i] = strconv.FormatUint(v, 10)
	}
	return strings.Join(parts, ",")
}

func (a *intArgs) Set(s string) error {
	v, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return fmt.Errorf("invalid integer argument %q", s)
	}
	*a = append(*a, v)
	return nil
}

func run() error {
	output := flag.String("o", "", "Write the compiled code bytes to a file")
	dump := flag.Bool("dump", false, "Print a disassembly listing")
	noColor := flag.Bool("no-color", false, "Disable colors in the listing")
	runProc := flag.String("run", "", "Execute the named procedure after compiling")
	verbose := flag.Bool("verbose", false, "Enable debug logging")
	var args intArgs
	flag.Var(&args, "arg", "Integer argument for -run (repeatable)")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [flags] <fixture.yaml>\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Compile an IR fixture for the vm64 reference target.\n\n")
		fmt.Fprintf(os.Stderr, "Examples:\n")
		fmt.Fprintf(os.Stderr, "  %s -dump examples/switch.yaml\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s -run sum_upto -arg 5 examples/loop-sum.yaml\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Flags:\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	if *verbose {
		slog.SetLogLoggerLevel(slog.LevelDebug)
	}
	if flag.NArg() != 1 {
		flag.Usage()
		return fmt.Errorf("fixture file required")
	}

	mod, err := jolt.LoadFixture(flag.Arg(0))
	if err != nil {
		return err
	}
	objects, err := jolt.CompileModule(mod, jolt.DefaultTarget)
	if err != nil {
		return err
	}

	if *dump {
		color := !*noColor && term.IsTerminal(int(os.Stdout.Fd()))
		if err := dumpObjects(objects, color); err != nil {
			return err
		}
	}

	if *output != "" {
		var code []byte
		for _, obj := range objects {
			code = append(code, obj.Code...)
		}
		if err := os.WriteFile(*output, code, 0o644); err != nil {
			return fmt.Errorf("write %s: %w", *output, err)
		}
		slog.Debug("wrote code", "path", *output, "bytes", len(code))
	}

	if *runProc != "" {
		machine, err := jolt.LoadMachine(objects, nil)
		if err != nil {
			return err
		}
		result, err := machine.Call(*runProc, args...)
		if err != nil {
			return err
		}
		fmt.Println(result)
	}
	return nil
}

var (
	nameStyle     = ansi.Style{}.Bold()
	offsetStyle   = ansi.Style{}.Faint()
	mnemonicStyle = ansi.Style{}.ForegroundColor(ansi.Cyan)
)

func dumpObjects(objects []*jolt.Object, color bool) error {
	styled := func(style ansi.Style, s string) string {
		if !color {
			return s
		}
		return style.Styled(s)
	}
	for _, obj := range objects {
		fmt.Printf("%s: (%d bytes, %d relocations)\n",
			styled(nameStyle, obj.Name), len(obj.Code), len(obj.Relocs))
		insts, err := vm64.Disassemble(obj.Code)
		if err != nil {
			return fmt.Errorf("disassemble %s: %w", obj.Name, err)
		}
		for _, inst := range insts {
			line := fmt.Sprintf("  %s  %s",
				styled(offsetStyle, fmt.Sprintf("%06x", inst.Offset)),
				styled(mnemonicStyle, fmt.Sprintf("%-9s", inst.Mnemonic)))
			if len(inst.Args) > 0 {
				line += " " + strings.Join(inst.Args, ", ")
			}
			fmt.Println(line)
		}
	}
	return nil
}
