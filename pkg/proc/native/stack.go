package native

import (
	"github.com/go-delve/ntrace/pkg/proc"
)

// maxFrames bounds the frame pointer walk.
const maxFrames = 1024

// frameRegs are the registers of a thread needed to unwind its stack.
type frameRegs struct {
	pc, sp, fp, lr uint64
}

func readFrameRegs(arch *proc.Arch, read func(name string) (uint64, error)) (frameRegs, error) {
	var r frameRegs
	var err error
	if r.pc, err = read(arch.PCRegister); err != nil {
		return r, err
	}
	if r.sp, err = read(arch.SPRegister); err != nil {
		return r, err
	}
	if r.fp, err = read(arch.FPRegister); err != nil {
		return r, err
	}
	if arch.LinkRegister != "" {
		if r.lr, err = read(arch.LinkRegister); err != nil {
			return r, err
		}
	}
	return r, nil
}

// atFunctionEntry returns true if the frame of the function at pc has not
// been set up yet.
func atFunctionEntry(sym *proc.Symbol, pc uint64) bool {
	if sym == nil {
		return false
	}
	if pc == sym.Start {
		return true
	}
	return sym.PrologueSize > 0 && pc < sym.Start+sym.PrologueSize
}

// returnAddress returns the address the function executing at regs.pc
// returns to and the stack pointer after the return.
func returnAddress(arch *proc.Arch, mem proc.MemoryReader, sym *proc.Symbol, regs frameRegs) (ret, sp uint64, ok bool) {
	ptr := uint64(arch.PtrSize)
	if atFunctionEntry(sym, regs.pc) || regs.fp == 0 {
		if arch.LinkRegister != "" {
			return regs.lr, regs.sp, regs.lr != 0
		}
		ret, err := proc.ReadUint(mem, regs.sp, arch.PtrSize)
		if err != nil {
			return 0, 0, false
		}
		return ret, regs.sp + ptr, ret != 0
	}
	ret, err := proc.ReadUint(mem, regs.fp+ptr, arch.PtrSize)
	if err != nil {
		return 0, 0, false
	}
	return ret, regs.fp + 2*ptr, ret != 0
}

// unwind walks the frame pointer chain starting at regs. A negative max
// returns every frame.
func unwind(arch *proc.Arch, mem proc.MemoryReader, st *symbolTable, regs frameRegs, max int) []proc.Frame {
	limit := maxFrames
	if max >= 0 && max < limit {
		limit = max
	}
	ptr := uint64(arch.PtrSize)
	var frames []proc.Frame
	pc, sp, fp := regs.pc, regs.sp, regs.fp
	for i := 0; len(frames) < limit; i++ {
		f := proc.Frame{PC: pc, SP: sp, Function: "??"}
		lookup := pc
		if i > 0 {
			// return addresses point after the call
			lookup = pc - 1
		}
		var sym *proc.Symbol
		if loc, err := st.resolve(lookup); err == nil {
			sym = loc.Symbol
			f.Function = loc.Function()
			f.File, f.Line = loc.File, loc.Line
		}
		frames = append(frames, f)

		if i == 0 && (atFunctionEntry(sym, pc) || fp == 0) {
			ret, nsp, ok := returnAddress(arch, mem, sym, frameRegs{pc: pc, sp: sp, fp: fp, lr: regs.lr})
			if !ok {
				break
			}
			pc, sp = ret, nsp
			continue
		}
		if fp == 0 {
			break
		}
		ret, err := proc.ReadUint(mem, fp+ptr, arch.PtrSize)
		if err != nil || ret == 0 {
			break
		}
		next, err := proc.ReadUint(mem, fp, arch.PtrSize)
		if err != nil || (next != 0 && next <= fp) {
			frames = appendFrame(frames, st, ret, fp+2*ptr, limit)
			break
		}
		pc, sp, fp = ret, fp+2*ptr, next
	}
	return frames
}

func appendFrame(frames []proc.Frame, st *symbolTable, pc, sp uint64, limit int) []proc.Frame {
	if len(frames) >= limit {
		return frames
	}
	f := proc.Frame{PC: pc, SP: sp, Function: "??"}
	if loc, err := st.resolve(pc - 1); err == nil {
		f.Function = loc.Function()
		f.File, f.Line = loc.File, loc.Line
	}
	return append(frames, f)
}
