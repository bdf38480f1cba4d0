package native

import (
	"debug/elf"
	"fmt"
	"syscall"
	"unsafe"

	sys "golang.org/x/sys/unix"
)

const _AARCH64_GREGS_SIZE = 34 * 8

// arm64PtraceRegs is the NT_PRSTATUS register set.
type arm64PtraceRegs struct {
	Regs   [31]uint64
	Sp     uint64
	Pc     uint64
	Pstate uint64
}

func ptraceGetGRegs(tid int, regs *arm64PtraceRegs) (err error) {
	iov := sys.Iovec{Base: (*byte)(unsafe.Pointer(regs)), Len: _AARCH64_GREGS_SIZE}
	_, _, err = syscall.Syscall6(syscall.SYS_PTRACE, sys.PTRACE_GETREGSET, uintptr(tid), uintptr(elf.NT_PRSTATUS), uintptr(unsafe.Pointer(&iov)), 0, 0)
	if err == syscall.Errno(0) {
		err = nil
	}
	return
}

func ptraceSetGRegs(tid int, regs *arm64PtraceRegs) (err error) {
	iov := sys.Iovec{Base: (*byte)(unsafe.Pointer(regs)), Len: _AARCH64_GREGS_SIZE}
	_, _, err = syscall.Syscall6(syscall.SYS_PTRACE, sys.PTRACE_SETREGSET, uintptr(tid), uintptr(elf.NT_PRSTATUS), uintptr(unsafe.Pointer(&iov)), 0, 0)
	if err == syscall.Errno(0) {
		err = nil
	}
	return
}

func readRegisters(tid int) (map[string]uint64, error) {
	var regs arm64PtraceRegs
	if err := ptraceGetGRegs(tid, &regs); err != nil {
		return nil, err
	}
	r := make(map[string]uint64, len(regs.Regs)+3)
	for i, v := range regs.Regs {
		r[fmt.Sprintf("x%d", i)] = v
	}
	r["sp"] = regs.Sp
	r["pc"] = regs.Pc
	r["pstate"] = regs.Pstate
	return r, nil
}

func writePC(tid int, pc uint64) error {
	var regs arm64PtraceRegs
	if err := ptraceGetGRegs(tid, &regs); err != nil {
		return err
	}
	regs.Pc = pc
	return ptraceSetGRegs(tid, &regs)
}
