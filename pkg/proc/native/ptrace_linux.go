//go:build linux && (amd64 || arm64)

package native

import (
	"syscall"
	"unsafe"

	sys "golang.org/x/sys/unix"
)

// ptraceAttach executes the sys.PtraceAttach call.
func ptraceAttach(pid int) error {
	return sys.PtraceAttach(pid)
}

// ptraceDetach calls ptrace(PTRACE_DETACH).
func ptraceDetach(tid, sig int) error {
	_, _, err := sys.Syscall6(sys.SYS_PTRACE, sys.PTRACE_DETACH, uintptr(tid), 1, uintptr(sig), 0, 0)
	if err != syscall.Errno(0) {
		return err
	}
	return nil
}

// ptraceCont executes ptrace PTRACE_CONT
func ptraceCont(tid, sig int) error {
	return sys.PtraceCont(tid, sig)
}

// ptraceSingleStep executes ptrace PTRACE_SINGLESTEP
func ptraceSingleStep(tid, sig int) error {
	_, _, e1 := sys.Syscall6(sys.SYS_PTRACE, uintptr(sys.PTRACE_SINGLESTEP), uintptr(tid), 0, uintptr(sig), 0, 0)
	if e1 != 0 {
		return e1
	}
	return nil
}

func ptraceSetOptions(tid int) error {
	return sys.PtraceSetOptions(tid, sys.PTRACE_O_TRACECLONE|sys.PTRACE_O_EXITKILL)
}

// ptraceGetEventMsg returns the thread id of a new thread after a clone
// event.
func ptraceGetEventMsg(tid int) (int, error) {
	msg, err := sys.PtraceGetEventMsg(tid)
	return int(msg), err
}

// remoteIovec is like golang.org/x/sys/unix.Iovec but uses uintptr for the
// base field instead of *byte so that we can use it with addresses that
// belong to the target process.
type remoteIovec struct {
	base uintptr
	len  uintptr
}

// processVmRead calls process_vm_readv
func processVmRead(tid int, addr uintptr, data []byte) (int, error) {
	lenIov := uint64(len(data))
	localIov := sys.Iovec{Base: &data[0], Len: lenIov}
	remoteIov := remoteIovec{base: addr, len: uintptr(lenIov)}
	n, _, err := syscall.Syscall6(sys.SYS_PROCESS_VM_READV, uintptr(tid), uintptr(unsafe.Pointer(&localIov)), 1, uintptr(unsafe.Pointer(&remoteIov)), 1, 0)
	if err != syscall.Errno(0) {
		return 0, err
	}
	return int(n), nil
}

func tgkill(pid, tid int, sig sys.Signal) error {
	return sys.Tgkill(pid, tid, sig)
}
