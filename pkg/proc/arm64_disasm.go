package proc

import (
	"fmt"
	"strings"

	"golang.org/x/arch/arm64/arm64asm"
)

func arm64AsmDecode(mem []byte, pc uint64) (Instruction, error) {
	if len(mem) < 4 {
		return Instruction{}, ErrNoInstruction
	}
	inst, err := arm64asm.Decode(mem)
	if err != nil {
		return Instruction{}, err
	}

	r := Instruction{Size: 4, Bytes: mem[:4]}
	r.Mnemonic = strings.ToLower(inst.Op.String())

	switch inst.Op {
	case arm64asm.BL, arm64asm.BLR:
		r.Kind = CallInstruction
	case arm64asm.RET, arm64asm.ERET:
		r.Kind = RetInstruction
	case arm64asm.B, arm64asm.BR:
		r.Kind = JmpInstruction
	case arm64asm.BRK:
		r.Kind = HardBreakInstruction
	}

	args := inst.Args[:]
	switch inst.Op {
	case arm64asm.RET:
		if reg, ok := inst.Args[0].(arm64asm.Reg); ok && reg == arm64asm.X30 {
			args = nil
		}
	case arm64asm.B:
		if cond, ok := inst.Args[0].(arm64asm.Cond); ok {
			r.Mnemonic = "b." + strings.ToLower(cond.String())
			args = args[1:]
		}
	}

	ops := make([]string, 0, len(args))
	for _, arg := range args {
		if arg == nil {
			break
		}
		ops = append(ops, arm64ArgText(arg, pc))
	}
	r.Operands = strings.Join(ops, ", ")
	return r, nil
}

func arm64ArgText(arg arm64asm.Arg, pc uint64) string {
	switch arg := arg.(type) {
	case arm64asm.PCRel:
		return fmt.Sprintf("%#x", uint64(int64(pc)+int64(arg)))
	case arm64asm.MemImmediate, arm64asm.MemExtend:
		// arm64asm omits the space after commas inside brackets.
		return strings.ReplaceAll(strings.ToLower(arg.String()), ",", ", ")
	}
	return strings.ToLower(arg.String())
}
