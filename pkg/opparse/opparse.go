// Package opparse parses the operand list of a disassembled instruction
// into registers, immediates, absolute addresses and memory references.
package opparse

import (
	"fmt"
	"math/bits"
	"strconv"
	"strings"
)

// MaxOperands is the maximum number of operands Parse returns.
const MaxOperands = 4

// Kind is the syntactic class of an operand.
type Kind uint8

const (
	Other Kind = iota
	Register
	Immediate
	MemRef
	Address
)

func (k Kind) String() string {
	switch k {
	case Register:
		return "register"
	case Immediate:
		return "immediate"
	case MemRef:
		return "memref"
	case Address:
		return "address"
	}
	return "other"
}

// ShiftOp is the shift applied to the index register of a memory
// reference.
type ShiftOp string

const (
	ShiftNone ShiftOp = ""
	LSL       ShiftOp = "lsl"
	LSR       ShiftOp = "lsr"
	ASR       ShiftOp = "asr"
	ROR       ShiftOp = "ror"
)

// Mem is the decomposition of a memory reference
// `[base, #offset, index, shift #amount]`.
type Mem struct {
	Base        string
	Offset      int64
	Index       string
	Shift       ShiftOp
	ShiftAmount uint
	// Extend is an index extension that is not a shift (uxtw, sxtw, ...).
	// Only its shift amount is applied.
	Extend    string
	PreIndex  bool
	PostIndex bool
}

// Operand is one parsed operand.
type Operand struct {
	Kind Kind
	Text string
	// Reg is set for Register operands.
	Reg string
	// Value is set for Immediate and Address operands.
	Value int64
	// Mem is set for MemRef operands.
	Mem *Mem
}

// Parse splits operands on top level commas and classifies each of them.
// A post-index immediate following a memory reference is attached to it.
// At most MaxOperands operands are returned.
func Parse(operands string) []Operand {
	parts := splitTopLevel(operands)
	r := make([]Operand, 0, MaxOperands)
	for _, part := range parts {
		if len(r) >= MaxOperands {
			break
		}
		op := parseOne(part)
		if op.Kind == Immediate && len(r) > 0 {
			if prev := r[len(r)-1]; prev.Kind == MemRef && prev.Mem.Offset == 0 && !prev.Mem.PreIndex && strings.HasSuffix(prev.Text, "]") {
				prev.Mem.PostIndex = true
			}
		}
		r = append(r, op)
	}
	return r
}

func splitTopLevel(s string) []string {
	var r []string
	depth := 0
	start := 0
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '[', '{', '(':
			depth++
		case ']', '}', ')':
			if depth > 0 {
				depth--
			}
		case ',':
			if depth == 0 {
				if p := strings.TrimSpace(s[start:i]); p != "" {
					r = append(r, p)
				}
				start = i + 1
			}
		}
	}
	if p := strings.TrimSpace(s[start:]); p != "" {
		r = append(r, p)
	}
	return r
}

func parseOne(text string) Operand {
	op := Operand{Kind: Other, Text: text}
	switch {
	case strings.Contains(text, "["):
		if mem, ok := parseMem(text); ok {
			op.Kind = MemRef
			op.Mem = mem
		}
	case strings.HasPrefix(text, "#"):
		if v, err := ParseInt(text[1:]); err == nil {
			op.Kind = Immediate
			op.Value = v
		}
	case strings.HasPrefix(text, "0x"):
		if v, err := strconv.ParseUint(text[2:], 16, 64); err == nil {
			op.Kind = Address
			op.Value = int64(v)
		}
	case isRegisterName(text):
		op.Kind = Register
		op.Reg = text
	}
	return op
}

// ParseInt parses a signed immediate in decimal or 0x prefixed hex.
func ParseInt(s string) (int64, error) {
	s = strings.TrimSpace(s)
	neg := false
	switch {
	case strings.HasPrefix(s, "-"):
		neg = true
		s = s[1:]
	case strings.HasPrefix(s, "+"):
		s = s[1:]
	}
	var u uint64
	var err error
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		u, err = strconv.ParseUint(s[2:], 16, 64)
	} else {
		u, err = strconv.ParseUint(s, 10, 64)
	}
	if err != nil {
		return 0, err
	}
	if neg {
		return -int64(u), nil
	}
	return int64(u), nil
}

func isRegisterName(s string) bool {
	if s == "" || s[0] < 'a' || s[0] > 'z' {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if !(c >= 'a' && c <= 'z' || c >= '0' && c <= '9' || c == '_' || c == '.') {
			return false
		}
	}
	return true
}

func parseMem(text string) (*Mem, bool) {
	if i := strings.Index(text, "ptr "); i >= 0 {
		text = strings.TrimSpace(text[i+len("ptr "):])
	}
	if !strings.HasPrefix(text, "[") {
		// segment override or anything else that is not a plain reference
		return nil, false
	}
	end := strings.IndexByte(text, ']')
	if end < 0 {
		return nil, false
	}
	mem := &Mem{}
	rest := strings.TrimSpace(text[end+1:])
	switch {
	case rest == "!":
		mem.PreIndex = true
	case rest != "":
		return nil, false
	}
	inner := strings.TrimSpace(text[1:end])
	if strings.ContainsAny(inner, "+*") || (strings.Contains(inner, "-") && !strings.Contains(inner, ",")) {
		return parseIntelMem(inner, mem)
	}
	return parseARMMem(inner, mem)
}

// parseARMMem parses `x8`, `x8, #0x8`, `x17, x16, lsl #3`, `x1, w2, uxtw #2`.
func parseARMMem(inner string, mem *Mem) (*Mem, bool) {
	parts := strings.Split(inner, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	if len(parts) == 0 || parts[0] == "" {
		return nil, false
	}
	if strings.HasPrefix(parts[0], "0x") {
		v, err := strconv.ParseUint(parts[0][2:], 16, 64)
		if err != nil {
			return nil, false
		}
		mem.Offset = int64(v)
		return mem, len(parts) == 1
	}
	if !isRegisterName(parts[0]) {
		return nil, false
	}
	mem.Base = parts[0]
	for _, p := range parts[1:] {
		switch {
		case strings.HasPrefix(p, "#"):
			v, err := ParseInt(p[1:])
			if err != nil {
				return nil, false
			}
			mem.Offset = v
		case mem.Index == "" && isRegisterName(p):
			mem.Index = p
		default:
			fields := strings.Fields(p)
			if mem.Index == "" || len(fields) == 0 || len(fields) > 2 {
				return nil, false
			}
			var amount uint
			if len(fields) == 2 {
				v, err := ParseInt(strings.TrimPrefix(fields[1], "#"))
				if err != nil || v < 0 {
					return nil, false
				}
				amount = uint(v)
			}
			switch ShiftOp(fields[0]) {
			case LSL, LSR, ASR, ROR:
				mem.Shift = ShiftOp(fields[0])
			default:
				mem.Extend = fields[0]
				if amount != 0 {
					mem.Shift = LSL
				}
			}
			mem.ShiftAmount = amount
		}
	}
	return mem, true
}

// parseIntelMem parses `rbx+rcx*8+0x10`, `rbp-0x8`, `0x601040`.
func parseIntelMem(inner string, mem *Mem) (*Mem, bool) {
	inner = strings.ReplaceAll(inner, " ", "")
	terms := make([]string, 0, 3)
	start := 0
	for i := 1; i < len(inner); i++ {
		if inner[i] == '+' || inner[i] == '-' {
			terms = append(terms, inner[start:i])
			start = i
		}
	}
	terms = append(terms, inner[start:])
	for _, term := range terms {
		sign := int64(1)
		switch term[0] {
		case '-':
			sign = -1
			term = term[1:]
		case '+':
			term = term[1:]
		}
		if term == "" {
			return nil, false
		}
		if reg, scale, ok := strings.Cut(term, "*"); ok {
			s, err := strconv.ParseUint(scale, 10, 8)
			if err != nil || s == 0 || s&(s-1) != 0 || !isRegisterName(reg) || mem.Index != "" {
				return nil, false
			}
			mem.Index = reg
			if s > 1 {
				mem.Shift = LSL
				mem.ShiftAmount = uint(bits.TrailingZeros64(s))
			}
			continue
		}
		if term[0] >= '0' && term[0] <= '9' {
			v, err := ParseInt(term)
			if err != nil {
				return nil, false
			}
			mem.Offset += sign * v
			continue
		}
		if !isRegisterName(term) || sign < 0 {
			return nil, false
		}
		if mem.Base == "" {
			mem.Base = term
		} else if mem.Index == "" {
			mem.Index = term
		} else {
			return nil, false
		}
	}
	return mem, true
}

// Shift applies op to v with 64-bit wraparound. ASR sign extends based on
// bit 63 of v before shifting, ROR reduces n modulo 64.
func Shift(op ShiftOp, v uint64, n uint) uint64 {
	switch op {
	case LSL:
		if n >= 64 {
			return 0
		}
		return v << n
	case LSR:
		if n >= 64 {
			return 0
		}
		return v >> n
	case ASR:
		if n >= 64 {
			n = 63
		}
		return uint64(int64(v) >> n)
	case ROR:
		return bits.RotateLeft64(v, -int(n%64))
	}
	return v
}

// Address computes base + offset + shift(index) with 64-bit wraparound.
func (m *Mem) Address(base, index uint64) uint64 {
	addr := base + uint64(m.Offset)
	if m.Index != "" {
		addr += Shift(m.Shift, index, m.ShiftAmount)
	}
	return addr
}

// Expr renders the reference as `[base + 0x8 + index lsl #3]`.
func (m *Mem) Expr() string {
	var b strings.Builder
	b.WriteByte('[')
	b.WriteString(m.Base)
	sep := func() {
		if b.Len() > 1 {
			b.WriteString(" + ")
		}
	}
	switch {
	case m.Offset < 0 && m.Base != "":
		fmt.Fprintf(&b, " - %#x", uint64(-m.Offset))
	case m.Offset != 0 || m.Base == "":
		sep()
		fmt.Fprintf(&b, "%#x", uint64(m.Offset))
	}
	if m.Index != "" {
		sep()
		b.WriteString(m.Index)
		if m.Shift != ShiftNone {
			fmt.Fprintf(&b, " %s #%d", m.Shift, m.ShiftAmount)
		}
	}
	b.WriteByte(']')
	return b.String()
}
