package proc

import (
	"fmt"
	"strings"

	"golang.org/x/arch/x86/x86asm"
)

func x86AsmDecode(mem []byte, pc uint64) (Instruction, error) {
	inst, err := x86asm.Decode(mem, 64)
	if err != nil {
		return Instruction{}, err
	}

	r := Instruction{Size: inst.Len, Bytes: mem[:inst.Len]}
	r.Mnemonic = strings.ToLower(inst.Op.String())

	switch inst.Op {
	case x86asm.CALL, x86asm.LCALL:
		r.Kind = CallInstruction
	case x86asm.RET, x86asm.LRET:
		r.Kind = RetInstruction
	case x86asm.INT:
		if imm, ok := inst.Args[0].(x86asm.Imm); ok && imm == 3 {
			r.Kind = HardBreakInstruction
		}
	default:
		if strings.HasPrefix(r.Mnemonic, "j") {
			r.Kind = JmpInstruction
		}
	}

	next := pc + uint64(inst.Len)
	ops := make([]string, 0, len(inst.Args))
	for _, arg := range inst.Args {
		if arg == nil {
			break
		}
		ops = append(ops, x86ArgText(&inst, arg, next))
	}
	r.Operands = strings.Join(ops, ", ")
	return r, nil
}

func x86ArgText(inst *x86asm.Inst, arg x86asm.Arg, next uint64) string {
	switch arg := arg.(type) {
	case x86asm.Rel:
		return fmt.Sprintf("%#x", uint64(int64(next)+int64(arg)))
	case x86asm.Imm:
		if arg < 0 {
			return fmt.Sprintf("#-%#x", uint64(-int64(arg)))
		}
		return fmt.Sprintf("#%#x", uint64(arg))
	case x86asm.Mem:
		return x86MemText(inst, arg, next)
	}
	return strings.ToLower(arg.String())
}

func x86MemText(inst *x86asm.Inst, m x86asm.Mem, next uint64) string {
	var b strings.Builder
	switch inst.MemBytes {
	case 1:
		b.WriteString("byte ptr ")
	case 2:
		b.WriteString("word ptr ")
	case 4:
		b.WriteString("dword ptr ")
	case 8:
		b.WriteString("qword ptr ")
	}
	if m.Segment != 0 {
		b.WriteString(strings.ToLower(m.Segment.String()))
		b.WriteByte(':')
	}
	b.WriteByte('[')
	if m.Base == x86asm.RIP {
		fmt.Fprintf(&b, "%#x]", uint64(int64(next)+m.Disp))
		return b.String()
	}
	sep := ""
	if m.Base != 0 {
		b.WriteString(strings.ToLower(m.Base.String()))
		sep = "+"
	}
	if m.Index != 0 {
		b.WriteString(sep)
		b.WriteString(strings.ToLower(m.Index.String()))
		if m.Scale > 1 {
			fmt.Fprintf(&b, "*%d", m.Scale)
		}
		sep = "+"
	}
	switch {
	case m.Disp < 0:
		fmt.Fprintf(&b, "-%#x", uint64(-m.Disp))
	case m.Disp > 0 || sep == "":
		fmt.Fprintf(&b, "%s%#x", sep, uint64(m.Disp))
	}
	b.WriteByte(']')
	return b.String()
}
