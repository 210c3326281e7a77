// Package loader turns a finalized closure into executor command frames and
// drives them across a link, one acknowledged frame at a time.
package loader

import (
	"fmt"

	"github.com/chazu/crossload/closure"
	"github.com/chazu/crossload/meta"
	"github.com/chazu/crossload/wire"
)

// Signature kinds of a MethodSignature message.
const (
	sigLocals byte = 0
	sigArgs   byte = 1
)

// Defaults for Options fields left zero.
const (
	DefaultILChunkSize          = 20
	DefaultTokenPairsPerMessage = 4
	DefaultSignatureChunk       = 16
	DefaultConstantChunk        = 24
	DefaultMembersPerMessage    = 8
)

// Chunk is a slice of a payload with its offset in the whole.
type Chunk struct {
	Offset int
	Data   []byte
}

// SplitIL cuts body into consecutive chunks of at most budget bytes. An
// empty body yields no chunks.
func SplitIL(body []byte, budget int) []Chunk {
	if budget <= 0 {
		budget = DefaultILChunkSize
	}
	var out []Chunk
	for off := 0; off < len(body); off += budget {
		end := min(off+budget, len(body))
		out = append(out, Chunk{Offset: off, Data: body[off:end]})
	}
	return out
}

// Plan encodes every frame needed to load c, in transmission order:
// classes, then per method its declaration, signatures, code and token
// map, then constants. Nothing is sent; a closure that cannot be encoded
// fails here.
func Plan(c *closure.Closure, opts Options) ([]wire.Frame, error) {
	if !c.Frozen() {
		return nil, closure.ErrNotFrozen
	}
	opts = opts.withDefaults()

	var frames []wire.Frame
	for _, cls := range c.Classes() {
		frames = append(frames, classFrames(cls, opts)...)
	}
	for _, m := range c.Methods() {
		mf, err := methodFrames(m, opts)
		if err != nil {
			return nil, err
		}
		frames = append(frames, mf...)
	}
	for _, k := range c.Constants() {
		if len(k.Data) > closure.MaxConstantLen {
			return nil, fmt.Errorf("%w: 0x%X is %d bytes", closure.ErrConstantTooLarge, k.Token, len(k.Data))
		}
		frames = append(frames, constantFrames(k, opts)...)
	}
	return frames, nil
}

// ---------------------------------------------------------------------------
// Classes
// ---------------------------------------------------------------------------

// A class declaration carries its header in every message plus a window of
// members. The member offset lets the device append windows in order; the
// last window has the final flag set.
func classFrames(cls *closure.Class, opts Options) []wire.Frame {
	members := cls.Members
	var frames []wire.Frame
	for off := 0; off == 0 || off < len(members); off += opts.MembersPerMessage {
		end := min(off+opts.MembersPerMessage, len(members))
		var final byte
		if end == len(members) {
			final = 1
		}
		m := wire.NewMessage(wire.OpClassDeclaration).
			Uint32(cls.Token).
			Uint32(cls.ParentToken).
			Uint14(cls.InstanceSize).
			Uint14(cls.StaticSize).
			Uint14(off).
			Raw(final).
			Raw(byte(end - off))
		for _, mem := range members[off:end] {
			m.Byte(byte(mem.Kind)).Uint32(mem.Token)
			if mem.Kind == meta.KindMethod {
				m.Byte(byte(len(mem.BaseTokens)))
				for _, b := range mem.BaseTokens {
					m.Uint32(b)
				}
			}
		}
		frames = append(frames, m.Frame(fmt.Sprintf("%s members %d-%d", cls.Name, off, end), true))
	}
	return frames
}

// ---------------------------------------------------------------------------
// Methods
// ---------------------------------------------------------------------------

func methodFrames(m *closure.Method, opts Options) ([]wire.Frame, error) {
	if len(m.Body) > 0x3FFF {
		return nil, fmt.Errorf("%w: %s is %d bytes", closure.ErrBodyTooLarge, m.Name, len(m.Body))
	}
	frames := []wire.Frame{
		wire.NewMessage(wire.OpDeclareMethod).
			Uint14(m.Slot).
			Uint32(m.Token).
			Byte(byte(m.Flags)).
			Byte(byte(m.MaxLocals)).
			Byte(byte(m.ArgCount)).
			Uint32(uint32(m.NativeID)).
			Uint14(len(m.Body)).
			Frame(m.Name, true),
	}
	frames = append(frames, signatureFrames(m, sigLocals, m.LocalKinds, opts)...)
	frames = append(frames, signatureFrames(m, sigArgs, m.ArgKinds, opts)...)

	for _, ch := range SplitIL(m.Body, opts.ILChunkSize) {
		frames = append(frames, wire.NewMessage(wire.OpLoadIl).
			Uint14(m.Slot).
			Uint14(len(m.Body)).
			Uint14(ch.Offset).
			Bytes(ch.Data).
			Frame(fmt.Sprintf("%s @%d", m.Name, ch.Offset), true))
	}

	for off := 0; off < len(m.Pairs); off += opts.TokenPairsPerMessage {
		end := min(off+opts.TokenPairsPerMessage, len(m.Pairs))
		msg := wire.NewMessage(wire.OpSetMethodTokens).
			Uint14(m.Slot).
			Raw(byte(end - off))
		for _, p := range m.Pairs[off:end] {
			msg.Uint32(p.Local).Uint32(p.Global)
		}
		frames = append(frames, msg.Frame(fmt.Sprintf("%s tokens %d-%d", m.Name, off, end), true))
	}
	return frames, nil
}

// Signatures go out in windows of SignatureChunk kinds. Empty lists send
// nothing; the declaration already carries the counts.
func signatureFrames(m *closure.Method, which byte, kinds []meta.Kind, opts Options) []wire.Frame {
	var frames []wire.Frame
	name := "locals"
	if which == sigArgs {
		name = "args"
	}
	for off := 0; off < len(kinds); off += opts.SignatureChunk {
		end := min(off+opts.SignatureChunk, len(kinds))
		msg := wire.NewMessage(wire.OpMethodSignature).
			Uint14(m.Slot).
			Raw(which).
			Uint14(off).
			Raw(byte(end - off))
		for _, k := range kinds[off:end] {
			msg.Byte(byte(k))
		}
		frames = append(frames, msg.Frame(fmt.Sprintf("%s %s %d-%d", m.Name, name, off, end), true))
	}
	return frames
}

// ---------------------------------------------------------------------------
// Constants
// ---------------------------------------------------------------------------

// Constant payloads are fire-and-forget; the device does not acknowledge
// them.
func constantFrames(k closure.Constant, opts Options) []wire.Frame {
	var frames []wire.Frame
	for off := 0; off == 0 || off < len(k.Data); off += opts.ConstantChunk {
		end := min(off+opts.ConstantChunk, len(k.Data))
		frames = append(frames, wire.NewMessage(wire.OpConstantData).
			Uint32(k.Token).
			Uint14(len(k.Data)).
			Uint14(off).
			Bytes(k.Data[off:end]).
			Frame(fmt.Sprintf("constant 0x%X @%d", k.Token, off), false))
	}
	return frames
}
