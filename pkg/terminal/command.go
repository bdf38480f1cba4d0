// Package terminal implements the interactive console offered when the
// target executes a breakpoint instruction of its own.
package terminal

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/derekparker/trie"
)

const (
	defaultMemCount = 64
	maxMemCount     = 4096
	defaultDisCount = 10
	defaultBtDepth  = 20
	memBytesPerRow  = 16
)

type cmdfunc func(c *Console, tid int, args []string) error

type command struct {
	aliases []string
	helpMsg string
	cmdFn   cmdfunc
	// resume ends the console session and lets the target continue.
	resume bool
}

// Commands is the set of console commands, indexed by alias for prefix
// lookups.
type Commands struct {
	cmds  []*command
	index *trie.Trie
}

// DebugCommands returns the console commands.
func DebugCommands() *Commands {
	c := &Commands{index: trie.New()}
	c.cmds = []*command{
		{aliases: []string{"help", "h"}, cmdFn: c.help, helpMsg: "Prints the help message."},
		{aliases: []string{"regs"}, cmdFn: regs, helpMsg: `Print contents of CPU registers.

	regs`},
		{aliases: []string{"mem", "x"}, cmdFn: examineMemory, helpMsg: `Examine raw memory at the given address.

	mem <address> [count]

Count defaults to 64 bytes.`},
		{aliases: []string{"bt", "stack"}, cmdFn: stack, helpMsg: `Print stack trace.

	bt [depth]`},
		{aliases: []string{"dis", "disassemble"}, cmdFn: disassemble, helpMsg: `Disassembler.

	dis [address] [count]

Without arguments disassembles from the current instruction.`},
		{aliases: []string{"continue", "c"}, resume: true, helpMsg: "Leave the console and resume the target."},
	}
	for _, cmd := range c.cmds {
		for _, alias := range cmd.aliases {
			c.index.Add(alias, cmd)
		}
	}
	return c
}

// Find returns the command called cmdstr. Unambiguous prefixes of a
// command are accepted.
func (c *Commands) Find(cmdstr string) (*command, error) {
	if node, ok := c.index.Find(cmdstr); ok {
		return node.Meta().(*command), nil
	}
	var found *command
	for _, alias := range c.index.PrefixSearch(cmdstr) {
		node, ok := c.index.Find(alias)
		if !ok {
			continue
		}
		cmd := node.Meta().(*command)
		if found != nil && found != cmd {
			return nil, fmt.Errorf("ambiguous command %q", cmdstr)
		}
		found = cmd
	}
	if found == nil {
		return nil, fmt.Errorf("command not available: %s", cmdstr)
	}
	return found, nil
}

// Complete returns the aliases starting with line.
func (c *Commands) Complete(line string) []string {
	r := c.index.PrefixSearch(strings.ToLower(line))
	sort.Strings(r)
	return r
}

func (c *Commands) help(console *Console, tid int, args []string) error {
	if len(args) > 0 {
		cmd, err := c.Find(args[0])
		if err != nil {
			return err
		}
		fmt.Fprintln(console.out, cmd.helpMsg)
		return nil
	}
	fmt.Fprintln(console.out, "The following commands are available:")
	for _, cmd := range c.cmds {
		h := cmd.helpMsg
		if idx := strings.Index(h, "\n"); idx >= 0 {
			h = h[:idx]
		}
		if len(cmd.aliases) > 1 {
			fmt.Fprintf(console.out, "    %s (alias: %s) \t %s\n", cmd.aliases[0], strings.Join(cmd.aliases[1:], " | "), h)
		} else {
			fmt.Fprintf(console.out, "    %s \t %s\n", cmd.aliases[0], h)
		}
	}
	fmt.Fprintln(console.out, "Type help followed by a command for full documentation.")
	return nil
}

func regs(c *Console, tid int, args []string) error {
	regs, err := c.t.Registers(tid)
	if err != nil {
		return err
	}
	names := make([]string, 0, len(regs))
	for name := range regs {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool { return registerLess(names[i], names[j]) })
	arch := c.t.Arch()
	for _, name := range names {
		label := name
		if alias := arch.RegisterAlias(name); alias != name {
			label = fmt.Sprintf("%s (%s)", name, alias)
		}
		fmt.Fprintf(c.out, "%10s = %#016x\n", label, regs[name])
	}
	return nil
}

// registerLess orders numbered registers numerically: x2 before x10.
func registerLess(a, b string) bool {
	pa, na := splitRegister(a)
	pb, nb := splitRegister(b)
	if pa != pb || na < 0 || nb < 0 {
		if na >= 0 && nb < 0 {
			return true
		}
		if na < 0 && nb >= 0 {
			return false
		}
		return a < b
	}
	return na < nb
}

func splitRegister(name string) (string, int) {
	i := len(name)
	for i > 0 && name[i-1] >= '0' && name[i-1] <= '9' {
		i--
	}
	if i == len(name) || i == 0 {
		return name, -1
	}
	n, err := strconv.Atoi(name[i:])
	if err != nil {
		return name, -1
	}
	return name[:i], n
}

func parseAddress(s string) (uint64, error) {
	addr, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid address %q", s)
	}
	return addr, nil
}

func parseCount(args []string, i, def, max int) (int, error) {
	if len(args) <= i {
		return def, nil
	}
	n, err := strconv.Atoi(args[i])
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid count %q", args[i])
	}
	if max > 0 && n > max {
		return 0, fmt.Errorf("count %d is larger than %d", n, max)
	}
	return n, nil
}

func examineMemory(c *Console, tid int, args []string) error {
	if len(args) == 0 {
		return errors.New("not enough arguments")
	}
	addr, err := parseAddress(args[0])
	if err != nil {
		return err
	}
	count, err := parseCount(args, 1, defaultMemCount, maxMemCount)
	if err != nil {
		return err
	}
	mem, err := c.t.ReadMemory(addr, count)
	if err != nil {
		return err
	}
	writeHexDump(c.out, addr, mem)
	return nil
}

func writeHexDump(w io.Writer, addr uint64, mem []byte) {
	for off := 0; off < len(mem); off += memBytesPerRow {
		row := mem[off:]
		if len(row) > memBytesPerRow {
			row = row[:memBytesPerRow]
		}
		var hex, text strings.Builder
		for i, b := range row {
			if i > 0 {
				hex.WriteByte(' ')
			}
			fmt.Fprintf(&hex, "%02x", b)
			if b >= 0x20 && b < 0x7f {
				text.WriteByte(b)
			} else {
				text.WriteByte('.')
			}
		}
		fmt.Fprintf(w, "%#x:   %-47s   %s\n", addr+uint64(off), hex.String(), text.String())
	}
}

func stack(c *Console, tid int, args []string) error {
	depth, err := parseCount(args, 0, defaultBtDepth, 0)
	if err != nil {
		return err
	}
	frames, err := c.t.Frames(tid, depth)
	if err != nil {
		return err
	}
	for i, f := range frames {
		if f.File != "" {
			fmt.Fprintf(c.out, "%2d  %#016x in %s\n        at %s:%d\n", i, f.PC, f.Function, f.File, f.Line)
		} else {
			fmt.Fprintf(c.out, "%2d  %#016x in %s\n", i, f.PC, f.Function)
		}
	}
	return nil
}

func disassemble(c *Console, tid int, args []string) error {
	pc, err := c.t.ReadRegister(tid, c.t.Arch().PCRegister)
	if err != nil {
		return err
	}
	start := pc
	if len(args) > 0 {
		if start, err = parseAddress(args[0]); err != nil {
			return err
		}
	}
	count, err := parseCount(args, 1, defaultDisCount, 0)
	if err != nil {
		return err
	}
	insts, err := c.t.Disassemble(start, count)
	if err != nil {
		return err
	}
	if len(insts) == 0 {
		return fmt.Errorf("no instructions at %#x", start)
	}
	for _, inst := range insts {
		marker := "  "
		if inst.Addr == pc {
			marker = "=>"
		}
		fmt.Fprintf(c.out, "%s\t%#x\t%s\n", marker, inst.Addr, inst.Text())
	}
	return nil
}
