package native

import (
	lru "github.com/hashicorp/golang-lru"

	"github.com/go-delve/ntrace/pkg/proc"
)

const instructionCacheSize = 4096

// instructionCache holds decoded instructions by address. It must be
// purged whenever the mapped code changes.
type instructionCache struct {
	c *lru.Cache
}

func newInstructionCache() *instructionCache {
	c, err := lru.New(instructionCacheSize)
	if err != nil {
		panic(err)
	}
	return &instructionCache{c: c}
}

func (ic *instructionCache) get(addr uint64) (proc.Instruction, bool) {
	v, ok := ic.c.Get(addr)
	if !ok {
		return proc.Instruction{}, false
	}
	return v.(proc.Instruction), true
}

func (ic *instructionCache) add(inst proc.Instruction) {
	ic.c.Add(inst.Addr, inst)
}

func (ic *instructionCache) purge() {
	ic.c.Purge()
}

// disassemble decodes count instructions starting at addr. Decoding stops
// at the first unreadable or invalid instruction, the instructions decoded
// so far are returned.
func disassemble(arch *proc.Arch, mem proc.MemoryReader, cache *instructionCache, addr uint64, count int) ([]proc.Instruction, error) {
	r := make([]proc.Instruction, 0, count)
	pc := addr
	for len(r) < count {
		inst, ok := cache.get(pc)
		if !ok {
			buf, err := readInstructionBytes(arch, mem, pc)
			if err != nil {
				if len(r) == 0 {
					return nil, err
				}
				break
			}
			inst, err = arch.Decode(buf, pc)
			if err != nil || inst.Size == 0 {
				if len(r) == 0 {
					return nil, proc.ErrNoInstruction
				}
				break
			}
			cache.add(inst)
		}
		r = append(r, inst)
		pc += uint64(inst.Size)
	}
	return r, nil
}

// readInstructionBytes reads the longest instruction of arch at pc, or
// fewer bytes when the read crosses into unmapped memory.
func readInstructionBytes(arch *proc.Arch, mem proc.MemoryReader, pc uint64) ([]byte, error) {
	var err error
	for n := arch.MaxInstructionLength; n > 0; n /= 2 {
		var buf []byte
		buf, err = mem.ReadMemory(pc, n)
		if err == nil {
			return buf, nil
		}
	}
	return nil, err
}
