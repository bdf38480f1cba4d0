package step

import (
	"fmt"
	"strings"

	"github.com/go-delve/ntrace/pkg/opparse"
	"github.com/go-delve/ntrace/pkg/proc"
)

// AccessSize returns the width in bytes of the memory access performed by
// mnemonic: 1, 2 or 4 for the b, h and w suffixes, ptrSize otherwise.
func AccessSize(mnemonic string, ptrSize int) int {
	switch {
	case strings.HasSuffix(mnemonic, "b"):
		return 1
	case strings.HasSuffix(mnemonic, "h"):
		return 2
	case strings.HasSuffix(mnemonic, "w"):
		return 4
	}
	return ptrSize
}

func isZeroRegister(reg string) bool {
	return reg == "xzr" || reg == "wzr"
}

// Annotate renders the live value of every register operand of inst as
// `$reg=0xVALUE` and every memory operand as
// `[expr] = [0xADDR] = 0xVALUE`. Operands that can not be read are left
// out.
func (e *Engine) Annotate(tid int, inst *proc.Instruction) []string {
	return e.annotate(tid, inst, opparse.Parse(inst.Operands))
}

func (e *Engine) annotate(tid int, inst *proc.Instruction, ops []opparse.Operand) []string {
	if inst.Mnemonic == "ldr" && len(ops) > 0 {
		// destination, its value is the one being loaded
		ops = ops[1:]
	}
	var r []string
	seen := make(map[string]bool)
	for i := range ops {
		switch op := &ops[i]; op.Kind {
		case opparse.Register:
			if isZeroRegister(op.Reg) {
				continue
			}
			name := e.arch.RegisterAlias(op.Reg)
			if seen[name] {
				continue
			}
			seen[name] = true
			v, err := e.t.ReadRegister(tid, op.Reg)
			if err != nil {
				e.log.Warnf("could not read register %s: %v", op.Reg, err)
				continue
			}
			r = append(r, fmt.Sprintf("$%s=%#x", name, v))
		case opparse.MemRef:
			if s, ok := e.memAnnotation(tid, inst.Mnemonic, op.Mem); ok {
				r = append(r, s)
			}
		}
	}
	return r
}

func (e *Engine) memAnnotation(tid int, mnemonic string, m *opparse.Mem) (string, bool) {
	var base, index uint64
	var err error
	if m.Base != "" {
		base, err = e.t.ReadRegister(tid, m.Base)
		if err != nil {
			e.log.Warnf("could not read base register %s: %v", m.Base, err)
			return "", false
		}
	}
	if m.Index != "" {
		index, err = e.t.ReadRegister(tid, m.Index)
		if err != nil {
			e.log.Warnf("could not read index register %s: %v", m.Index, err)
			return "", false
		}
		switch {
		case strings.HasPrefix(m.Extend, "sxtw"):
			index = uint64(int64(int32(index)))
		case strings.HasPrefix(m.Extend, "uxtw"):
			index &= 0xffffffff
		}
	}
	addr := m.Address(base, index)
	v, err := proc.ReadUint(e.t, addr, AccessSize(mnemonic, e.arch.PtrSize))
	if err != nil {
		e.log.Warnf("could not read %s at %#x: %v", m.Expr(), addr, err)
		return "", false
	}
	return fmt.Sprintf("%s = [%#x] = %#x", m.Expr(), addr, v), true
}
