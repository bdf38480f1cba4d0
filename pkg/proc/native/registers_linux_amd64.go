package native

import (
	sys "golang.org/x/sys/unix"
)

func readRegisters(tid int) (map[string]uint64, error) {
	var regs sys.PtraceRegs
	if err := sys.PtraceGetRegs(tid, &regs); err != nil {
		return nil, err
	}
	return map[string]uint64{
		"rax":     regs.Rax,
		"rbx":     regs.Rbx,
		"rcx":     regs.Rcx,
		"rdx":     regs.Rdx,
		"rsi":     regs.Rsi,
		"rdi":     regs.Rdi,
		"rbp":     regs.Rbp,
		"rsp":     regs.Rsp,
		"r8":      regs.R8,
		"r9":      regs.R9,
		"r10":     regs.R10,
		"r11":     regs.R11,
		"r12":     regs.R12,
		"r13":     regs.R13,
		"r14":     regs.R14,
		"r15":     regs.R15,
		"rip":     regs.Rip,
		"rflags":  regs.Eflags,
		"cs":      regs.Cs,
		"ss":      regs.Ss,
		"fs_base": regs.Fs_base,
		"gs_base": regs.Gs_base,
	}, nil
}

func writePC(tid int, pc uint64) error {
	var regs sys.PtraceRegs
	if err := sys.PtraceGetRegs(tid, &regs); err != nil {
		return err
	}
	regs.Rip = pc
	return sys.PtraceSetRegs(tid, &regs)
}
