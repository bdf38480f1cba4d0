package proc

import (
	"errors"
	"strings"
)

// Instruction represents one decoded machine instruction in a lowercase
// syntax shared by every architecture: registers are bare names,
// immediates start with '#', absolute branch targets with "0x" and memory
// references are enclosed in brackets.
type Instruction struct {
	Addr     uint64
	Size     int
	Bytes    []byte
	Mnemonic string
	Operands string
	Kind     InstructionKind
}

// InstructionKind is a coarse classification of control flow.
type InstructionKind uint8

const (
	OtherInstruction InstructionKind = iota
	CallInstruction
	RetInstruction
	JmpInstruction
	HardBreakInstruction
)

func (instr *Instruction) IsCall() bool {
	return instr.Kind == CallInstruction
}

func (instr *Instruction) IsRet() bool {
	return instr.Kind == RetInstruction
}

// Text returns the instruction in its textual form.
func (instr *Instruction) Text() string {
	if instr.Operands == "" {
		return instr.Mnemonic
	}
	return instr.Mnemonic + " " + instr.Operands
}

// ErrNoInstruction is returned when no valid instruction could be decoded.
var ErrNoInstruction = errors.New("no valid instruction")

// Decode decodes the instruction at the start of mem, which is located at
// address pc in the target.
func (a *Arch) Decode(mem []byte, pc uint64) (Instruction, error) {
	if len(mem) == 0 {
		return Instruction{}, ErrNoInstruction
	}
	inst, err := a.decode(mem, pc)
	if err != nil {
		return Instruction{Addr: pc}, err
	}
	inst.Addr = pc
	return inst, nil
}

// DisassembleBytes decodes up to count instructions from mem, which starts
// at address pc. Decoding stops at the first undecodable instruction.
func (a *Arch) DisassembleBytes(mem []byte, pc uint64, count int) []Instruction {
	r := make([]Instruction, 0, count)
	for len(mem) > 0 && len(r) < count {
		inst, err := a.Decode(mem, pc)
		if err != nil || inst.Size == 0 {
			break
		}
		r = append(r, inst)
		pc += uint64(inst.Size)
		mem = mem[inst.Size:]
	}
	return r
}

// ClassifyMnemonic returns the InstructionKind of a mnemonic in the
// lowercase syntax, for instructions that did not come from Decode.
func ClassifyMnemonic(mnemonic string) InstructionKind {
	switch {
	case IsReturnMnemonic(mnemonic):
		return RetInstruction
	case mnemonic == "bl" || mnemonic == "blr" || strings.HasPrefix(mnemonic, "blra") || mnemonic == "call":
		return CallInstruction
	case mnemonic == "b" || mnemonic == "br" || strings.HasPrefix(mnemonic, "bra") || strings.HasPrefix(mnemonic, "b.") || strings.HasPrefix(mnemonic, "j"):
		return JmpInstruction
	case mnemonic == "brk" || mnemonic == "int3":
		return HardBreakInstruction
	}
	return OtherInstruction
}

// IsReturnMnemonic returns true for the return family: ret, retaa, retab,
// eret, retq...
func IsReturnMnemonic(mnemonic string) bool {
	return strings.HasPrefix(mnemonic, "ret") || mnemonic == "eret"
}
