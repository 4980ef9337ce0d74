package vm64

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/jolt-lang/jolt/internal/codegen"
)

const (
	defaultHeapSize   = 1 << 20
	defaultStackSize  = 1 << 20
	defaultStepBudget = 1 << 26

	// callSentinel is the return address pushed for host-initiated calls;
	// returning to it hands control back to the host.
	callSentinel = ^uint64(0)
)

// HostFunc is a native function callable from generated code through a loader
// stub. sp is the stack pointer at stub entry: [sp] holds the return address
// and stack-passed arguments begin at [sp+8]. Register arguments are in g0-g3.
// The returned value lands in g0.
type HostFunc func(m *Machine, sp uint64) (uint64, error)

// Machine is the vm64 loader and interpreter. Memory is a single flat region:
// procedure code, host stubs, local data, heap, stack. Addresses are offsets
// into that region, so loaded code is fully position-resolved.
type Machine struct {
	mem []byte

	g        [16]uint64
	f        [16]uint64
	overflow bool

	procs map[string]uint64
	hosts []HostFunc

	heapPtr  uint64
	heapEnd  uint64
	stackTop uint64

	// StepBudget bounds instructions per Call; runaway loops fail instead of
	// hanging the test process.
	StepBudget int
}

// Load links objects into an executable machine image. Call displacements and
// local-data addresses are patched in place; calls to names no object defines
// become host stubs, resolved from hosts after the built-in runtime functions.
func Load(objects []*codegen.Object, hosts map[string]HostFunc) (*Machine, error) {
	m := &Machine{
		procs:      make(map[string]uint64, len(objects)),
		StepBudget: defaultStepBudget,
	}

	var code []byte
	bases := make([]uint64, len(objects))
	for i, obj := range objects {
		if _, dup := m.procs[obj.Name]; dup {
			return nil, fmt.Errorf("vm64: duplicate procedure %q", obj.Name)
		}
		bases[i] = uint64(len(code))
		m.procs[obj.Name] = bases[i]
		code = append(code, obj.Code...)
	}

	// Stub every called name that no object defines. A stub is opHost with the
	// host's index followed by opRet, so a normal call instruction reaches it.
	hostIndex := make(map[string]uint64)
	resolveHost := func(name string) (uint64, error) {
		if addr, ok := hostIndex[name]; ok {
			return addr, nil
		}
		fn, ok := builtinHost(name)
		if !ok {
			fn, ok = hosts[name]
		}
		if !ok {
			return 0, fmt.Errorf("vm64: unresolved function %q", name)
		}
		addr := uint64(len(code))
		code = append(code, opHost, byte(len(m.hosts)), opRet)
		m.hosts = append(m.hosts, fn)
		hostIndex[name] = addr
		return addr, nil
	}

	// Local data lives after the stubs, 8-aligned per blob.
	dataOffset := uint64(len(code))
	var data []byte
	appendData := func(blob []byte) uint64 {
		for (dataOffset+uint64(len(data)))%8 != 0 {
			data = append(data, 0)
		}
		addr := dataOffset + uint64(len(data))
		data = append(data, blob...)
		return addr
	}

	for i, obj := range objects {
		base := bases[i]
		for _, reloc := range obj.Relocs {
			switch r := reloc.(type) {
			case codegen.LinkedFunction:
				target, ok := m.procs[r.Name]
				if !ok {
					var err error
					target, err = resolveHost(r.Name)
					if err != nil {
						return nil, err
					}
				}
				field := base + uint64(r.Offset)
				disp := int64(target) - int64(field+4)
				binary.LittleEndian.PutUint32(code[field:], uint32(int32(disp)))
			case codegen.LocalData:
				addr := appendData(r.Data)
				binary.LittleEndian.PutUint64(code[base+uint64(r.Offset):], addr)
			case codegen.LinkedData:
				return nil, fmt.Errorf("vm64: unresolved data symbol %q", r.Name)
			default:
				return nil, fmt.Errorf("vm64: unexpected relocation %T in %q", reloc, obj.Name)
			}
		}
	}

	m.mem = append(code, data...)
	m.heapPtr = uint64(len(m.mem))
	m.heapEnd = m.heapPtr + defaultHeapSize
	m.stackTop = m.heapEnd + defaultStackSize
	m.mem = append(m.mem, make([]byte, defaultHeapSize+defaultStackSize)...)
	return m, nil
}

// Call runs a loaded procedure with up to four register arguments and returns
// g0. Stack state does not persist across calls.
func (m *Machine) Call(name string, args ...uint64) (uint64, error) {
	return m.CallWithStackArgs(name, nil, args...)
}

// CallWithStackArgs additionally places stackArgs where the callee expects
// stack-passed arguments (complex values and arguments past the fourth).
func (m *Machine) CallWithStackArgs(name string, stackArgs []byte, args ...uint64) (uint64, error) {
	entry, ok := m.procs[name]
	if !ok {
		return 0, fmt.Errorf("vm64: unknown procedure %q", name)
	}
	if len(args) > len(generalParamRegs) {
		return 0, fmt.Errorf("vm64: %d register arguments, at most %d supported", len(args), len(generalParamRegs))
	}
	for i, arg := range args {
		m.g[i] = arg
	}

	sp := m.stackTop
	if len(stackArgs) > 0 {
		sp -= uint64(align8(int32(len(stackArgs))))
		copy(m.mem[sp:], stackArgs)
	}
	sp -= 8
	binary.LittleEndian.PutUint64(m.mem[sp:], callSentinel)

	if err := m.run(entry, sp); err != nil {
		return 0, fmt.Errorf("vm64: %s: %w", name, err)
	}
	return m.g[0], nil
}

// G returns a general register; F a float register; Overflow the overflow
// flag. They expose post-call state to tests.
func (m *Machine) G(i int) uint64   { return m.g[i] }
func (m *Machine) F(i int) float64  { return math.Float64frombits(m.f[i]) }
func (m *Machine) Overflow() bool   { return m.overflow }
func (m *Machine) StackTop() uint64 { return m.stackTop }

// ReadBytes copies n bytes of machine memory starting at addr.
func (m *Machine) ReadBytes(addr uint64, n int) ([]byte, error) {
	if addr+uint64(n) > uint64(len(m.mem)) {
		return nil, fmt.Errorf("read of %d bytes at %#x outside memory", n, addr)
	}
	return append([]byte(nil), m.mem[addr:addr+uint64(n)]...), nil
}

func (m *Machine) checkAddr(addr, size uint64) error {
	if addr >= uint64(len(m.mem)) || addr+size > uint64(len(m.mem)) {
		return fmt.Errorf("memory access of %d bytes at %#x outside memory", size, addr)
	}
	return nil
}

func (m *Machine) load(addr uint64, w byte) (uint64, error) {
	size := uint64(widthBytes(w))
	if err := m.checkAddr(addr, size); err != nil {
		return 0, err
	}
	switch w {
	case 0:
		return uint64(m.mem[addr]), nil
	case 1:
		return uint64(binary.LittleEndian.Uint16(m.mem[addr:])), nil
	case 2:
		return uint64(binary.LittleEndian.Uint32(m.mem[addr:])), nil
	default:
		return binary.LittleEndian.Uint64(m.mem[addr:]), nil
	}
}

func (m *Machine) store(addr uint64, w byte, v uint64) error {
	size := uint64(widthBytes(w))
	if err := m.checkAddr(addr, size); err != nil {
		return err
	}
	switch w {
	case 0:
		m.mem[addr] = byte(v)
	case 1:
		binary.LittleEndian.PutUint16(m.mem[addr:], uint16(v))
	case 2:
		binary.LittleEndian.PutUint32(m.mem[addr:], uint32(v))
	default:
		binary.LittleEndian.PutUint64(m.mem[addr:], v)
	}
	return nil
}

func signExtend(v uint64, w byte) uint64 {
	switch w {
	case 0:
		return uint64(int64(int8(v)))
	case 1:
		return uint64(int64(int16(v)))
	case 2:
		return uint64(int64(int32(v)))
	default:
		return v
	}
}

func maskWidth(v uint64, w byte) uint64 {
	if w >= 3 {
		return v
	}
	return v & (1<<(8*widthBytes(w)) - 1)
}

func compare(op byte, lt, eq bool) uint64 {
	var r bool
	switch codegen.CompareOp(op) {
	case codegen.CompareLess:
		r = lt
	case codegen.CompareLessOrEqual:
		r = lt || eq
	case codegen.CompareGreater:
		r = !lt && !eq
	case codegen.CompareGreaterOrEqual:
		r = !lt
	}
	if r {
		return 1
	}
	return 0
}

func b2u(v bool) uint64 {
	if v {
		return 1
	}
	return 0
}

// run executes from entry until control returns to the sentinel address.
func (m *Machine) run(entry, sp uint64) error {
	m.g[15] = sp
	pc := entry
	for step := 0; step < m.StepBudget; step++ {
		if pc >= uint64(len(m.mem)) {
			return fmt.Errorf("pc %#x outside memory", pc)
		}
		op := m.mem[pc]
		length, ok := instLengths[op]
		if !ok {
			return fmt.Errorf("unknown opcode %#x at %#x", op, pc)
		}
		if err := m.checkAddr(pc, uint64(length)); err != nil {
			return err
		}
		inst := m.mem[pc : pc+uint64(length)]
		next := pc + uint64(length)

		u32 := func(at int) uint32 { return binary.LittleEndian.Uint32(inst[at:]) }
		u64 := func(at int) uint64 { return binary.LittleEndian.Uint64(inst[at:]) }
		off := func(at int) uint64 { return uint64(int64(int32(u32(at)))) }

		switch op {
		case opMovRR:
			m.g[inst[1]] = m.g[inst[2]]
		case opMovRI:
			m.g[inst[1]] = u64(2)
		case opLoadB:
			v, err := m.load(m.g[14]+off(3), inst[1])
			if err != nil {
				return err
			}
			m.g[inst[2]] = v
		case opLoadBSX:
			v, err := m.load(m.g[14]+off(3), inst[1])
			if err != nil {
				return err
			}
			m.g[inst[2]] = signExtend(v, inst[1])
		case opStoreB:
			if err := m.store(m.g[14]+off(2), inst[1], m.g[inst[6]]); err != nil {
				return err
			}
		case opLoadM:
			v, err := m.load(m.g[inst[3]]+off(4), inst[1])
			if err != nil {
				return err
			}
			m.g[inst[2]] = v
		case opStoreM:
			if err := m.store(m.g[inst[2]]+off(3), inst[1], m.g[inst[7]]); err != nil {
				return err
			}
		case opStoreS:
			if err := m.store(m.g[15]+off(1), 3, m.g[inst[5]]); err != nil {
				return err
			}
		case opStoreSF:
			if err := m.store(m.g[15]+off(1), 3, m.f[inst[5]]); err != nil {
				return err
			}
		case opFMovRR:
			m.f[inst[1]] = m.f[inst[2]]
		case opFLoadB:
			v, err := m.load(m.g[14]+off(2), 3)
			if err != nil {
				return err
			}
			m.f[inst[1]] = v
		case opFStoreB:
			if err := m.store(m.g[14]+off(1), 3, m.f[inst[5]]); err != nil {
				return err
			}
		case opFMovI64:
			m.f[inst[1]] = u64(2)
		case opFMovI32:
			m.f[inst[1]] = math.Float64bits(float64(math.Float32frombits(u32(2))))
		case opFStoreM:
			if err := m.store(m.g[inst[1]]+off(2), 3, m.f[inst[6]]); err != nil {
				return err
			}

		case opAdd:
			a, b := m.g[inst[2]], m.g[inst[3]]
			r := a + b
			m.g[inst[1]] = r
			m.overflow = (a^r)&(b^r)>>63 != 0
		case opAddI:
			m.g[inst[1]] = m.g[inst[2]] + off(3)
		case opSub:
			m.g[inst[1]] = m.g[inst[2]] - m.g[inst[3]]
		case opIMul:
			m.g[inst[1]] = uint64(int64(m.g[inst[2]]) * int64(m.g[inst[3]]))
		case opUMul:
			m.g[inst[1]] = m.g[inst[2]] * m.g[inst[3]]
		case opIDiv:
			if m.g[inst[3]] == 0 {
				return fmt.Errorf("division by zero at %#x", pc)
			}
			m.g[inst[1]] = uint64(int64(m.g[inst[2]]) / int64(m.g[inst[3]]))
		case opUDiv:
			if m.g[inst[3]] == 0 {
				return fmt.Errorf("division by zero at %#x", pc)
			}
			m.g[inst[1]] = m.g[inst[2]] / m.g[inst[3]]
		case opNeg:
			m.g[inst[1]] = -m.g[inst[2]]
		case opAnd:
			m.g[inst[1]] = m.g[inst[2]] & m.g[inst[3]]
		case opOr:
			m.g[inst[1]] = m.g[inst[2]] | m.g[inst[3]]
		case opXor:
			m.g[inst[1]] = m.g[inst[2]] ^ m.g[inst[3]]
		case opShl:
			m.g[inst[1]] = m.g[inst[2]] << (m.g[inst[3]] & 63)
		case opShr:
			m.g[inst[1]] = m.g[inst[2]] >> (m.g[inst[3]] & 63)
		case opSar:
			m.g[inst[1]] = uint64(int64(m.g[inst[2]]) >> (m.g[inst[3]] & 63))
		case opSetO:
			m.g[inst[1]] = b2u(m.overflow)

		case opEq:
			m.g[inst[2]] = b2u(maskWidth(m.g[inst[3]], inst[1]) == maskWidth(m.g[inst[4]], inst[1]))
		case opNeq:
			m.g[inst[2]] = b2u(maskWidth(m.g[inst[3]], inst[1]) != maskWidth(m.g[inst[4]], inst[1]))
		case opCmpS:
			a := int64(signExtend(maskWidth(m.g[inst[4]], inst[1]), inst[1]))
			b := int64(signExtend(maskWidth(m.g[inst[5]], inst[1]), inst[1]))
			m.g[inst[3]] = compare(inst[2], a < b, a == b)
		case opCmpU:
			a := maskWidth(m.g[inst[4]], inst[1])
			b := maskWidth(m.g[inst[5]], inst[1])
			m.g[inst[3]] = compare(inst[2], a < b, a == b)
		case opFCmp:
			a := math.Float64frombits(m.f[inst[4]])
			b := math.Float64frombits(m.f[inst[5]])
			m.g[inst[3]] = compare(inst[2], a < b, a == b)

		case opFAdd, opFSub, opFMul, opFDiv:
			a := math.Float64frombits(m.f[inst[3]])
			b := math.Float64frombits(m.f[inst[4]])
			var r float64
			switch op {
			case opFAdd:
				r = a + b
			case opFSub:
				r = a - b
			case opFMul:
				r = a * b
			default:
				r = a / b
			}
			if inst[1] == 0 {
				r = float64(float32(r))
			}
			m.f[inst[2]] = math.Float64bits(r)
		case opIToF:
			r := float64(int64(m.g[inst[3]]))
			if inst[1] == 0 {
				r = float64(float32(r))
			}
			m.f[inst[2]] = math.Float64bits(r)

		case opCall:
			m.g[15] -= 8
			if err := m.store(m.g[15], 3, next); err != nil {
				return err
			}
			pc = next + off(1)
			continue
		case opJmp:
			pc = next + off(1)
			continue
		case opJne:
			if m.g[inst[1]] != u64(2) {
				pc = next + off(10)
				continue
			}
		case opRet:
			ret, err := m.load(m.g[15], 3)
			if err != nil {
				return err
			}
			m.g[15] += 8
			if ret == callSentinel {
				return nil
			}
			pc = ret
			continue
		case opHost:
			idx := int(inst[1])
			if idx >= len(m.hosts) {
				return fmt.Errorf("unknown host function %d at %#x", idx, pc)
			}
			r, err := m.hosts[idx](m, m.g[15])
			if err != nil {
				return err
			}
			m.g[0] = r
		}
		pc = next
	}
	return fmt.Errorf("step budget of %d instructions exhausted", m.StepBudget)
}

// builtinHost resolves the runtime functions the backend emits calls to.
func builtinHost(name string) (HostFunc, bool) {
	switch name {
	case codegen.RuntimeAlloc:
		return hostAlloc, true
	case codegen.RuntimeStrEq:
		return hostStrEq, true
	case codegen.RuntimeStructEq:
		return hostStructEq, true
	}
	return nil, false
}

// hostAlloc is a bump allocator. g0 holds the data size, g1 the alignment.
// Eight bytes ahead of the returned pointer are reserved for a reference
// count, matching the layout list headers expect.
func hostAlloc(m *Machine, sp uint64) (uint64, error) {
	size, alignment := m.g[0], m.g[1]
	if alignment < 8 {
		alignment = 8
	}
	ptr := m.heapPtr + 8
	if rem := ptr % alignment; rem != 0 {
		ptr += alignment - rem
	}
	if ptr+size > m.heapEnd {
		return 0, fmt.Errorf("heap exhausted allocating %d bytes", size)
	}
	m.heapPtr = ptr + size
	binary.LittleEndian.PutUint64(m.mem[ptr-8:], 1)
	return ptr, nil
}

// readStr decodes a 24-byte string value at addr: a set high bit of the last
// byte marks the small form with the length in the remaining bits, otherwise
// the header is {ptr, len, cap}.
func (m *Machine) readStr(addr uint64) ([]byte, error) {
	header, err := m.ReadBytes(addr, 24)
	if err != nil {
		return nil, err
	}
	if header[23]&0x80 != 0 {
		n := int(header[23] & 0x7f)
		if n > 23 {
			return nil, fmt.Errorf("small string at %#x with bad length %d", addr, n)
		}
		return header[:n], nil
	}
	ptr := binary.LittleEndian.Uint64(header)
	n := binary.LittleEndian.Uint64(header[8:])
	return m.ReadBytes(ptr, int(n))
}

// hostStrEq compares the two string values in the caller's outgoing argument
// area: [sp] is the return address, the strings sit at [sp+8] and [sp+32].
func hostStrEq(m *Machine, sp uint64) (uint64, error) {
	a, err := m.readStr(sp + 8)
	if err != nil {
		return 0, err
	}
	b, err := m.readStr(sp + 32)
	if err != nil {
		return 0, err
	}
	return b2u(string(a) == string(b)), nil
}

// hostStructEq exists so structural-equality call sites link; executing it
// requires a generated helper no loader provides.
func hostStructEq(m *Machine, sp uint64) (uint64, error) {
	return 0, fmt.Errorf("structural equality helper is not linked")
}
