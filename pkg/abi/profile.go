// Package abi knows the calling conventions of the supported
// architectures and how to render the arguments of well known C library
// functions.
package abi

import (
	"fmt"

	"github.com/go-delve/ntrace/pkg/proc"
)

// Reader is the part of proc.Target needed to decode calls.
type Reader interface {
	proc.RegisterReader
	proc.MemoryReader
	proc.Evaluator
}

// Profile describes where a calling convention keeps arguments, the
// return value and the return address.
type Profile struct {
	Arch           *proc.Arch
	ArgRegisters   []string
	ReturnRegister string
	// LinkRegister holds the return address on function entry. When it is
	// empty the return address is the word at the stack pointer.
	LinkRegister string
	// ThreadStartArg is the index of the start routine argument of
	// pthread_create.
	ThreadStartArg int
}

// ARM64 is the AAPCS64 profile.
var ARM64 = &Profile{
	Arch:           proc.ARM64,
	ArgRegisters:   []string{"x0", "x1", "x2", "x3", "x4", "x5", "x6", "x7"},
	ReturnRegister: "x0",
	LinkRegister:   "lr",
	ThreadStartArg: 2,
}

// AMD64 is the System V x86_64 profile.
var AMD64 = &Profile{
	Arch:           proc.AMD64,
	ArgRegisters:   []string{"rdi", "rsi", "rdx", "rcx", "r8", "r9"},
	ReturnRegister: "rax",
	ThreadStartArg: 2,
}

var profiles = []*Profile{ARM64, AMD64}

// ProfileFor returns the profile of arch.
func ProfileFor(arch *proc.Arch) (*Profile, error) {
	for _, p := range profiles {
		if p.Arch == arch || p.Arch.Name == arch.Name {
			return p, nil
		}
	}
	return nil, fmt.Errorf("no calling convention for architecture %s", arch.Name)
}

// defaultArgCount is the number of arguments shown for functions without
// a decoder.
const defaultArgCount = 6

// Required returns the argument registers fn reads. Functions without a
// decoder get the first six.
func (p *Profile) Required(fn string) []string {
	n := defaultArgCount
	if f, ok := functions[fn]; ok {
		n = len(f.params)
	}
	if n > len(p.ArgRegisters) {
		n = len(p.ArgRegisters)
	}
	return p.ArgRegisters[:n]
}

// Args reads the first n arguments of the current call of tid.
func (p *Profile) Args(r proc.RegisterReader, tid, n int) ([]uint64, error) {
	if n > len(p.ArgRegisters) {
		return nil, fmt.Errorf("%s passes at most %d arguments in registers", p.Arch.Name, len(p.ArgRegisters))
	}
	args := make([]uint64, n)
	for i := range args {
		v, err := r.ReadRegister(tid, p.ArgRegisters[i])
		if err != nil {
			return nil, err
		}
		args[i] = v
	}
	return args, nil
}

// ReturnAddress returns the address the current call of tid returns to.
// Only valid at the first instruction of the callee.
func (p *Profile) ReturnAddress(r Reader, tid int) (uint64, error) {
	if p.LinkRegister != "" {
		return r.ReadRegister(tid, p.LinkRegister)
	}
	sp, err := r.ReadRegister(tid, p.Arch.SPRegister)
	if err != nil {
		return 0, err
	}
	return proc.ReadUint(r, sp, p.Arch.PtrSize)
}

// ReturnValue reads the return value register of tid.
func (p *Profile) ReturnValue(r proc.RegisterReader, tid int) (uint64, error) {
	return r.ReadRegister(tid, p.ReturnRegister)
}
