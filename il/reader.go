package il

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"strings"
)

var (
	ErrTruncated     = errors.New("il: truncated instruction stream")
	ErrUnknownOpcode = errors.New("il: unknown opcode")
)

// ---------------------------------------------------------------------------
// Reader: one instruction at a time
// ---------------------------------------------------------------------------

// Instruction is one decoded instruction. Operand aliases the underlying
// body, so writes through it patch the stream in place.
type Instruction struct {
	Offset  int
	Op      Opcode
	Info    Info
	Operand []byte
}

// Token returns the operand as a little-endian 32-bit value. It is only
// meaningful for four-byte operands.
func (in Instruction) Token() uint32 {
	return binary.LittleEndian.Uint32(in.Operand)
}

// SetToken overwrites a four-byte operand in place.
func (in Instruction) SetToken(tok uint32) {
	binary.LittleEndian.PutUint32(in.Operand, tok)
}

// Reader decodes an instruction stream.
type Reader struct {
	body []byte
	pos  int
}

// NewReader creates a reader over body.
func NewReader(body []byte) *Reader {
	return &Reader{body: body}
}

// Position returns the current read position.
func (r *Reader) Position() int {
	return r.pos
}

// HasMore returns true if there are more bytes to read.
func (r *Reader) HasMore() bool {
	return r.pos < len(r.body)
}

// Next decodes the instruction at the current position.
func (r *Reader) Next() (Instruction, error) {
	start := r.pos
	if r.pos >= len(r.body) {
		return Instruction{}, ErrTruncated
	}
	op := Opcode(r.body[r.pos])
	r.pos++
	if byte(op) == Prefix {
		if r.pos >= len(r.body) {
			return Instruction{}, fmt.Errorf("%w at %04X", ErrTruncated, start)
		}
		op = Opcode(uint16(Prefix)<<8 | uint16(r.body[r.pos]))
		r.pos++
	}
	info, ok := opcodeTable[op]
	if !ok {
		return Instruction{}, fmt.Errorf("%w 0x%X at %04X", ErrUnknownOpcode, uint16(op), start)
	}

	n := info.Operand.Size()
	if info.Operand == InlineSwitch {
		if r.pos+4 > len(r.body) {
			return Instruction{}, fmt.Errorf("%w at %04X", ErrTruncated, start)
		}
		n = 4 + 4*int(binary.LittleEndian.Uint32(r.body[r.pos:]))
	}
	if r.pos+n > len(r.body) {
		return Instruction{}, fmt.Errorf("%w at %04X (%s)", ErrTruncated, start, info.Name)
	}
	in := Instruction{Offset: start, Op: op, Info: info, Operand: r.body[r.pos : r.pos+n : r.pos+n]}
	r.pos += n
	return in, nil
}

// ---------------------------------------------------------------------------
// Disassembly
// ---------------------------------------------------------------------------

// Format renders one instruction.
func Format(in Instruction) string {
	name := in.Info.Name
	switch in.Info.Operand {
	case InlineNone:
		return fmt.Sprintf("IL_%04X  %s", in.Offset, name)
	case ShortInlineI:
		return fmt.Sprintf("IL_%04X  %s %d", in.Offset, name, int8(in.Operand[0]))
	case ShortInlineVar:
		return fmt.Sprintf("IL_%04X  %s %d", in.Offset, name, in.Operand[0])
	case InlineVar:
		return fmt.Sprintf("IL_%04X  %s %d", in.Offset, name, binary.LittleEndian.Uint16(in.Operand))
	case InlineI:
		return fmt.Sprintf("IL_%04X  %s %d", in.Offset, name, int32(in.Token()))
	case InlineI8:
		return fmt.Sprintf("IL_%04X  %s %d", in.Offset, name, int64(binary.LittleEndian.Uint64(in.Operand)))
	case ShortInlineR:
		return fmt.Sprintf("IL_%04X  %s %g", in.Offset, name, math.Float32frombits(in.Token()))
	case InlineR:
		return fmt.Sprintf("IL_%04X  %s %g", in.Offset, name, math.Float64frombits(binary.LittleEndian.Uint64(in.Operand)))
	case ShortInlineBrTarget:
		target := in.Offset + len(in.Op.Encoded()) + 1 + int(int8(in.Operand[0]))
		return fmt.Sprintf("IL_%04X  %s IL_%04X", in.Offset, name, target)
	case InlineBrTarget:
		target := in.Offset + len(in.Op.Encoded()) + 4 + int(int32(in.Token()))
		return fmt.Sprintf("IL_%04X  %s IL_%04X", in.Offset, name, target)
	case InlineSwitch:
		return fmt.Sprintf("IL_%04X  %s (%d targets)", in.Offset, name, binary.LittleEndian.Uint32(in.Operand))
	}
	return fmt.Sprintf("IL_%04X  %s 0x%08X", in.Offset, name, in.Token())
}

// Disassemble returns a listing of body, one instruction per line. Decoding
// stops at the first error, which is appended to the listing.
func Disassemble(body []byte) string {
	r := NewReader(body)
	var lines []string
	for r.HasMore() {
		in, err := r.Next()
		if err != nil {
			lines = append(lines, "; "+err.Error())
			break
		}
		lines = append(lines, Format(in))
	}
	return strings.Join(lines, "\n")
}
