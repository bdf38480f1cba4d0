// Package step implements the per-instruction stepping decision of the
// tracer: it looks at the instruction about to execute, prints it with the
// values of its operands and chooses how far the thread should run next.
package step

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	lru "github.com/hashicorp/golang-lru"

	"github.com/go-delve/ntrace/pkg/config"
	"github.com/go-delve/ntrace/pkg/logflags"
	"github.com/go-delve/ntrace/pkg/opparse"
	"github.com/go-delve/ntrace/pkg/proc"
)

// Target is the part of proc.Target used by the engine.
type Target interface {
	proc.ProcessInfo
	proc.BreakpointManager
	proc.InstructionReader
	proc.RegisterReader
	proc.MemoryReader
	proc.Evaluator
	proc.SymbolTable
}

// Skipper decides which code is stepped over, see skip.Resolver.
type Skipper interface {
	ShouldSkip(addr uint64) bool
	ShouldSkipFile(file string) bool
	InSkipModule(addr uint64) (string, bool)
}

// Override forces Action for every stop on a line in [FromLine, ToLine)
// of File. File matches the path of the debug information, the resolved
// path or the base name.
type Override struct {
	File     string
	FromLine int
	ToLine   int
	Action   Action
}

// Hook is an expression evaluated when the thread enters Line of File.
type Hook struct {
	File string
	Line int
	Expr string
}

// Config configures an Engine.
type Config struct {
	// SourceMode selects the source level variants of step-in and
	// step-over and the source line narrative.
	SourceMode bool
	// BranchTolerance is the number of times a line, or an in-function
	// branch, can be revisited in the same frame before the engine gives
	// up on it.
	BranchTolerance int
	// ReturnCacheSize bounds the number of return address breakpoints.
	ReturnCacheSize int
	// ReturnRegister is printed when a return instruction is reached.
	ReturnRegister string
	Overrides      []Override
	Hooks          []Hook
	// SourceSearchPaths are tried, in order, for relative source paths.
	SourceSearchPaths []string
	// SourceBaseDir shortens the printed source paths below it.
	SourceBaseDir string
}

// ConfigFrom builds an engine configuration from the user configuration.
func ConfigFrom(conf *config.Config, returnRegister string) (Config, error) {
	c := Config{
		SourceMode:      conf.LogMode == config.LogModeSource,
		BranchTolerance: conf.BranchTolerance,
		ReturnCacheSize: conf.ReturnBreakpointCacheSize,
		ReturnRegister:  returnRegister,

		SourceSearchPaths: conf.SourceSearchPaths,
		SourceBaseDir:     conf.SourceBaseDir,
	}
	for _, rule := range conf.StepActions {
		a, err := ParseAction(rule.Action)
		if err != nil {
			return c, err
		}
		c.Overrides = append(c.Overrides, Override{File: rule.File, FromLine: rule.FromLine, ToLine: rule.ToLine, Action: a})
	}
	for _, hook := range conf.ExpressionHooks {
		c.Hooks = append(c.Hooks, Hook{File: hook.Path, Line: hook.Line, Expr: hook.Expr})
	}
	return c, nil
}

const defaultReturnCacheSize = 100

type frameKey struct {
	fn    uint64
	depth int
}

type frameState struct {
	lastLine int
	lines    map[int]int
	branches map[uint64]int
}

// Engine decides the stepping action for the traced thread. It is not
// safe for concurrent use: it is driven by the dispatcher loop only.
type Engine struct {
	t    Target
	skip Skipper
	arch *proc.Arch
	conf Config

	// return address -> breakpoint id
	returns *lru.Cache

	locs    map[uint64]*proc.Location
	frames  map[frameKey]*frameState
	sources map[string][]string
	paths   *sourcePaths

	baseFrames int

	log logflags.Logger
	out logflags.Logger
}

// New returns an engine stepping through t.
func New(t Target, skip Skipper, conf Config) (*Engine, error) {
	if conf.ReturnCacheSize <= 0 {
		conf.ReturnCacheSize = defaultReturnCacheSize
	}
	e := &Engine{
		t:          t,
		skip:       skip,
		arch:       t.Arch(),
		conf:       conf,
		locs:       make(map[uint64]*proc.Location),
		frames:     make(map[frameKey]*frameState),
		sources:    make(map[string][]string),
		baseFrames: -1,
		log:        logflags.StepLogger(),
		out:        logflags.TraceLogger(),
	}
	e.paths = newSourcePaths(conf.SourceSearchPaths, conf.SourceBaseDir, e.log)
	var err error
	e.returns, err = lru.NewWithEvict(conf.ReturnCacheSize, e.evictReturn)
	if err != nil {
		return nil, err
	}
	return e, nil
}

func (e *Engine) evictReturn(key, value interface{}) {
	addr, id := key.(uint64), value.(int)
	e.log.Debugf("removing return breakpoint %d at %#x", id, addr)
	if err := e.t.DeleteBreakpoint(id); err != nil && !proc.IsBreakpointGone(err) {
		e.log.Warnf("could not delete return breakpoint %d at %#x: %v", id, addr, err)
	}
}

// SetBaseFrameCount sets the stack depth that is printed without
// indentation.
func (e *Engine) SetBaseFrameCount(n int) {
	e.baseFrames = n
}

// IsReturnAddress returns true if pc is one of the return addresses the
// engine placed a breakpoint on.
func (e *Engine) IsReturnAddress(pc uint64) bool {
	return e.returns.Contains(pc)
}

// ReturnBreakpoints returns the number of return address breakpoints
// currently installed.
func (e *Engine) ReturnBreakpoints() int {
	return e.returns.Len()
}

// Close deletes every return address breakpoint.
func (e *Engine) Close() {
	e.returns.Purge()
}

func (e *Engine) stepIn() Action {
	if e.conf.SourceMode {
		return SourceStepIn
	}
	return StepIn
}

func (e *Engine) stepOver() Action {
	if e.conf.SourceMode {
		return SourceStepOver
	}
	return StepOver
}

// OnStep prints the instruction tid is stopped at and returns the action
// that should be executed next. It never fails: anything that can not be
// determined degrades to a default action.
func (e *Engine) OnStep(tid int) Action {
	pc, err := e.t.ReadRegister(tid, e.arch.PCRegister)
	if err != nil {
		e.log.Warnf("could not read pc of thread %d: %v", tid, err)
		return Continue
	}
	if mod, ok := e.skip.InSkipModule(pc); ok {
		e.log.Infof("leaving module %s at %#x", mod, pc)
		return SourceStepOut
	}
	insts, err := e.t.Disassemble(pc, 1)
	if err != nil || len(insts) == 0 {
		e.out.Warnf("no instruction at %#x", pc)
		if err != nil {
			e.log.Warnf("disassemble %#x: %v", pc, err)
		}
		return Continue
	}
	inst := &insts[0]
	loc := e.resolve(pc)
	depth := e.depth(tid)
	fs := e.frame(loc, depth)

	file, newLine := "", false
	if loc != nil && loc.HasLine() {
		file = e.paths.resolve(loc.File)
		if a, ok := e.override(loc, file); ok {
			e.log.Infof("using step action %s for %s:%d", a, file, loc.Line)
			return a
		}
		if fs.lastLine != loc.Line {
			newLine = true
			fs.lastLine = loc.Line
			fs.lines[loc.Line]++
			if fs.lines[loc.Line] > e.conf.BranchTolerance {
				e.log.Warnf("line %d of %s entered more than %d times, stepping out", loc.Line, loc.Function(), e.conf.BranchTolerance)
				return SourceStepOut
			}
		}
	}

	ops := opparse.Parse(inst.Operands)
	annotations := e.annotate(tid, inst, ops)
	if loc != nil && loc.HasLine() && e.skip.ShouldSkipFile(loc.File) {
		return e.stepOver()
	}
	if newLine {
		annotations = append(annotations, e.evaluateHooks(tid, loc, file)...)
	}
	indent := e.indent(depth)
	e.print(indent, inst, loc, file, annotations)
	return e.decide(tid, inst, ops, loc, fs, indent)
}

// Decide returns the action for inst, executed by tid, without printing
// it.
func (e *Engine) Decide(tid int, inst *proc.Instruction) Action {
	loc := e.resolve(inst.Addr)
	return e.decide(tid, inst, opparse.Parse(inst.Operands), loc, e.frame(loc, e.depth(tid)), "")
}

var indirectBranches = map[string]bool{
	"br": true, "braa": true, "brab": true, "braaz": true, "brabz": true,
	"blr": true, "blraa": true, "blrab": true, "blraaz": true, "blrabz": true,
}

// linkless are the indirect branches that do not return to the next
// instruction by themselves.
var linkless = map[string]bool{"br": true, "braa": true, "brab": true, "braaz": true, "brabz": true}

func (e *Engine) decide(tid int, inst *proc.Instruction, ops []opparse.Operand, loc *proc.Location, fs *frameState, indent string) Action {
	switch inst.Kind {
	case proc.RetInstruction:
		e.onReturn(tid, inst, loc, fs, indent)
		return e.stepIn()
	case proc.CallInstruction, proc.JmpInstruction:
	default:
		return e.stepIn()
	}

	target, indirect, ok := e.branchTarget(tid, inst, ops)
	if !ok {
		return e.stepIn()
	}
	next := inst.Addr + uint64(inst.Size)
	if loc != nil && loc.Symbol != nil && loc.Symbol.Start < target && target < loc.Symbol.End {
		fs.branches[next]++
		if fs.branches[next] > e.conf.BranchTolerance {
			e.log.Warnf("%s%s too many branches in %s+%d from %#x", indent, inst.Mnemonic, loc.Function(), inst.Addr-loc.Symbol.Start, inst.Addr)
			e.removeReturnsIn(loc.Symbol.Start, loc.Symbol.End)
		}
		return e.stepIn()
	}

	if inst.Kind == proc.JmpInstruction && !indirect {
		e.log.Debugf("%s%s branch to %s", indent, inst.Mnemonic, e.describe(target))
		return e.stepIn()
	}

	if !e.skip.ShouldSkip(target) {
		return e.stepIn()
	}
	e.log.Debugf("%s%s skipping %s", indent, inst.Mnemonic, e.describe(target))
	if inst.Kind == proc.CallInstruction || linkless[inst.Mnemonic] {
		e.addReturn(next)
	}
	return e.stepOver()
}

// branchTarget returns the destination of a call or jump and whether it
// was read from a register or memory.
func (e *Engine) branchTarget(tid int, inst *proc.Instruction, ops []opparse.Operand) (uint64, bool, bool) {
	if len(ops) == 0 {
		return 0, false, false
	}
	op := &ops[0]
	x86 := inst.Mnemonic == "call" || inst.Mnemonic == "jmp"
	switch op.Kind {
	case opparse.Address:
		return uint64(op.Value), false, true
	case opparse.Register:
		if !indirectBranches[inst.Mnemonic] && !x86 {
			return 0, false, false
		}
		v, err := e.t.ReadRegister(tid, op.Reg)
		if err != nil {
			e.log.Warnf("could not read branch register %s: %v", op.Reg, err)
			return 0, false, false
		}
		return v, true, true
	case opparse.MemRef:
		if !x86 {
			return 0, false, false
		}
		var base, index uint64
		var err error
		if op.Mem.Base != "" {
			if base, err = e.t.ReadRegister(tid, op.Mem.Base); err != nil {
				return 0, false, false
			}
		}
		if op.Mem.Index != "" {
			if index, err = e.t.ReadRegister(tid, op.Mem.Index); err != nil {
				return 0, false, false
			}
		}
		v, err := proc.ReadUint(e.t, op.Mem.Address(base, index), e.arch.PtrSize)
		if err != nil {
			e.log.Warnf("could not read branch target %s: %v", op.Mem.Expr(), err)
			return 0, false, false
		}
		return v, true, true
	}
	return 0, false, false
}

func (e *Engine) onReturn(tid int, inst *proc.Instruction, loc *proc.Location, fs *frameState, indent string) {
	fs.lastLine = 0
	for k := range fs.lines {
		delete(fs.lines, k)
	}
	for k := range fs.branches {
		delete(fs.branches, k)
	}
	fn := "??"
	if loc != nil {
		fn = loc.Function()
	}
	if e.conf.ReturnRegister == "" {
		e.out.Infof("%s%s from %s", indent, inst.Mnemonic, fn)
		return
	}
	v, err := e.t.ReadRegister(tid, e.conf.ReturnRegister)
	if err != nil {
		e.log.Warnf("could not read return register %s: %v", e.conf.ReturnRegister, err)
		e.out.Infof("%s%s from %s", indent, inst.Mnemonic, fn)
		return
	}
	e.out.Infof("%s%s from %s => $%s=%#x", indent, inst.Mnemonic, fn, e.arch.RegisterAlias(e.conf.ReturnRegister), v)
}

func (e *Engine) addReturn(addr uint64) {
	if _, ok := e.returns.Get(addr); ok {
		return
	}
	bp, err := e.t.CreateBreakpointAtAddr(addr)
	if err != nil {
		e.log.Errorf("could not set return breakpoint at %#x: %v", addr, err)
		return
	}
	e.log.Debugf("return breakpoint %d at %#x", bp.ID, addr)
	e.returns.Add(addr, bp.ID)
}

func (e *Engine) removeReturnsIn(start, end uint64) {
	for _, k := range e.returns.Keys() {
		if addr := k.(uint64); addr >= start && addr < end {
			e.returns.Remove(addr)
		}
	}
}

func (e *Engine) resolve(addr uint64) *proc.Location {
	if loc, ok := e.locs[addr]; ok {
		return loc
	}
	loc, err := e.t.ResolveAddress(addr)
	if err != nil {
		e.log.Debugf("resolve %#x: %v", addr, err)
		loc = nil
	}
	e.locs[addr] = loc
	return loc
}

func (e *Engine) describe(addr uint64) string {
	if loc := e.resolve(addr); loc != nil && loc.Symbol != nil {
		return fmt.Sprintf("%s`%s (%#x)", loc.Module, loc.Symbol.Name, addr)
	}
	return fmt.Sprintf("%#x", addr)
}

func (e *Engine) depth(tid int) int {
	frames, err := e.t.Frames(tid, -1)
	if err != nil {
		return 0
	}
	return len(frames)
}

func (e *Engine) frame(loc *proc.Location, depth int) *frameState {
	k := frameKey{depth: depth}
	if loc != nil && loc.Symbol != nil {
		k.fn = loc.Symbol.Start
	}
	fs, ok := e.frames[k]
	if !ok {
		fs = &frameState{lines: make(map[int]int), branches: make(map[uint64]int)}
		e.frames[k] = fs
	}
	return fs
}

func (e *Engine) override(loc *proc.Location, file string) (Action, bool) {
	for _, o := range e.conf.Overrides {
		if o.File != loc.File && o.File != file && o.File != filepath.Base(loc.File) {
			continue
		}
		if loc.Line >= o.FromLine && loc.Line < o.ToLine {
			return o.Action, true
		}
	}
	return 0, false
}

// evaluateHooks evaluates the expressions registered for the line loc
// belongs to. Failures are part of the result.
func (e *Engine) evaluateHooks(tid int, loc *proc.Location, file string) []string {
	var r []string
	for _, h := range e.conf.Hooks {
		if h.Line != loc.Line || (h.File != file && h.File != loc.File) {
			continue
		}
		v, err := e.t.EvaluateExpression(tid, h.Expr)
		if err != nil {
			r = append(r, fmt.Sprintf("[EXPR] %s failed: %v", h.Expr, err))
			continue
		}
		r = append(r, fmt.Sprintf("%s = %s", h.Expr, v))
	}
	return r
}

func (e *Engine) indent(depth int) string {
	n := depth
	if e.baseFrames >= 0 {
		n -= e.baseFrames
	}
	if n < 0 {
		n = 0
	}
	return strings.Repeat("  ", n)
}

func (e *Engine) print(indent string, inst *proc.Instruction, loc *proc.Location, file string, annotations []string) {
	src := ""
	var offset uint64
	if loc != nil {
		if loc.HasLine() {
			src = fmt.Sprintf("%s:%d", e.paths.display(file), loc.Line)
		} else if loc.Symbol != nil {
			src = loc.Module + "`" + loc.Symbol.Name
		}
		if loc.Symbol != nil {
			offset = inst.Addr - loc.Symbol.Start
		}
	}
	values := strings.Join(annotations, ", ")
	if e.conf.SourceMode && loc != nil && loc.HasLine() {
		e.out.Infof("%s%s // %s, %s", indent, e.sourceLine(file, loc.Line), src, values)
		return
	}
	e.out.Infof("%s%#x <+%d> %s %s ; %s; -> %s", indent, inst.Addr, offset, inst.Mnemonic, inst.Operands, src, values)
}

func (e *Engine) sourceLine(file string, line int) string {
	lines, ok := e.sources[file]
	if !ok {
		buf, err := os.ReadFile(file)
		if err != nil {
			e.log.Debugf("could not read %s: %v", file, err)
		} else {
			lines = strings.Split(string(buf), "\n")
		}
		e.sources[file] = lines
	}
	if line < 1 || line > len(lines) {
		return ""
	}
	return strings.TrimSpace(lines[line-1])
}
