package il

import "encoding/binary"

// ---------------------------------------------------------------------------
// Builder: helper for assembling instruction streams
// ---------------------------------------------------------------------------

// Builder assembles an instruction stream. Operand widths follow the
// opcode table; callers pass values already in range.
type Builder struct {
	bytes []byte
}

// NewBuilder creates a new builder.
func NewBuilder() *Builder {
	return &Builder{bytes: make([]byte, 0, 64)}
}

// Bytes returns the assembled stream.
func (b *Builder) Bytes() []byte {
	return b.bytes
}

// Len returns the current length.
func (b *Builder) Len() int {
	return len(b.bytes)
}

// Emit appends an opcode with no operand.
func (b *Builder) Emit(op Opcode) *Builder {
	b.bytes = append(b.bytes, op.Encoded()...)
	return b
}

// EmitInt8 appends an opcode with a one-byte operand.
func (b *Builder) EmitInt8(op Opcode, v int8) *Builder {
	b.bytes = append(b.bytes, op.Encoded()...)
	b.bytes = append(b.bytes, byte(v))
	return b
}

// EmitUint16 appends an opcode with a two-byte operand.
func (b *Builder) EmitUint16(op Opcode, v uint16) *Builder {
	b.bytes = append(b.bytes, op.Encoded()...)
	b.bytes = binary.LittleEndian.AppendUint16(b.bytes, v)
	return b
}

// EmitInt32 appends an opcode with a four-byte operand.
func (b *Builder) EmitInt32(op Opcode, v int32) *Builder {
	b.bytes = append(b.bytes, op.Encoded()...)
	b.bytes = binary.LittleEndian.AppendUint32(b.bytes, uint32(v))
	return b
}

// EmitToken appends an opcode with a four-byte metadata reference.
func (b *Builder) EmitToken(op Opcode, ref uint32) *Builder {
	b.bytes = append(b.bytes, op.Encoded()...)
	b.bytes = binary.LittleEndian.AppendUint32(b.bytes, ref)
	return b
}

// EmitInt64 appends an opcode with an eight-byte operand.
func (b *Builder) EmitInt64(op Opcode, v int64) *Builder {
	b.bytes = append(b.bytes, op.Encoded()...)
	b.bytes = binary.LittleEndian.AppendUint64(b.bytes, uint64(v))
	return b
}

// EmitSwitch appends a switch with relative targets.
func (b *Builder) EmitSwitch(targets ...int32) *Builder {
	b.bytes = append(b.bytes, Switch.Encoded()...)
	b.bytes = binary.LittleEndian.AppendUint32(b.bytes, uint32(len(targets)))
	for _, t := range targets {
		b.bytes = binary.LittleEndian.AppendUint32(b.bytes, uint32(t))
	}
	return b
}
