package proc

import (
	"encoding/binary"
	"fmt"
	"runtime"
)

// Arch describes a CPU architecture supported by the tracer.
type Arch struct {
	Name    string
	PtrSize int
	// MaxInstructionLength is the maximum size in bytes of an instruction.
	MaxInstructionLength int
	// BreakpointInstruction is the software breakpoint encoding.
	BreakpointInstruction []byte
	// PCAdjustAfterBreakpoint is subtracted from the PC reported after a
	// software breakpoint trap to obtain the breakpoint address.
	PCAdjustAfterBreakpoint uint64

	// PCRegister, SPRegister, FPRegister and LinkRegister name the special
	// registers. LinkRegister is empty when the return address is kept on
	// the stack.
	PCRegister   string
	SPRegister   string
	FPRegister   string
	LinkRegister string

	aliases map[string]string
	decode  func(mem []byte, pc uint64) (Instruction, error)
}

var arm64BreakInstruction = func() []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, 0xd4200000) // brk #0
	return b
}()

// ARM64 is the AArch64 architecture with the AAPCS64 calling convention.
var ARM64 = &Arch{
	Name:                    "arm64",
	PtrSize:                 8,
	MaxInstructionLength:    4,
	BreakpointInstruction:   arm64BreakInstruction,
	PCAdjustAfterBreakpoint: 0,
	PCRegister:              "pc",
	SPRegister:              "sp",
	FPRegister:              "x29",
	LinkRegister:            "x30",
	aliases:                 map[string]string{"x29": "fp", "x30": "lr"},
	decode:                  arm64AsmDecode,
}

// AMD64 is the x86_64 architecture with the System V calling convention.
var AMD64 = &Arch{
	Name:                    "x86_64",
	PtrSize:                 8,
	MaxInstructionLength:    15,
	BreakpointInstruction:   []byte{0xCC},
	PCAdjustAfterBreakpoint: 1,
	PCRegister:              "rip",
	SPRegister:              "rsp",
	FPRegister:              "rbp",
	aliases:                 map[string]string{},
	decode:                  x86AsmDecode,
}

// ArchByName returns the architecture called name. Both the Go names and
// the names used by system tools are accepted.
func ArchByName(name string) (*Arch, error) {
	switch name {
	case "arm64", "aarch64":
		return ARM64, nil
	case "amd64", "x86_64", "x86-64":
		return AMD64, nil
	}
	return nil, fmt.Errorf("unsupported architecture %q", name)
}

// HostArch returns the architecture the tracer is running on.
func HostArch() (*Arch, error) {
	return ArchByName(runtime.GOARCH)
}

// RegisterAlias returns the conventional name of a numbered register
// (x29 becomes fp on arm64), or name itself.
func (a *Arch) RegisterAlias(name string) string {
	if alias, ok := a.aliases[name]; ok {
		return alias
	}
	return name
}

// CanonicalRegister maps a conventional register name back to the
// numbered name the backend knows (fp becomes x29 on arm64).
func (a *Arch) CanonicalRegister(name string) string {
	switch name {
	case "pc":
		return a.PCRegister
	case "sp":
		return a.SPRegister
	case "fp":
		return a.FPRegister
	case "lr":
		if a.LinkRegister != "" {
			return a.LinkRegister
		}
	}
	return name
}
