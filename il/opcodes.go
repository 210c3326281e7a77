// Package il describes the managed instruction set shipped to the device:
// opcode metadata, a reader that walks one instruction at a time, a builder
// for assembling bodies, and a disassembler.
package il

import "fmt"

// ---------------------------------------------------------------------------
// Operand categories
// ---------------------------------------------------------------------------

// Category classifies the operand that follows an opcode.
type Category uint8

const (
	InlineNone Category = iota
	ShortInlineI
	InlineI
	InlineI8
	ShortInlineR
	InlineR
	ShortInlineBrTarget
	InlineBrTarget
	InlineSwitch
	ShortInlineVar
	InlineVar
	InlineMethod
	InlineField
	InlineType
	InlineTok
	InlineString
	InlineSig
)

var categoryNames = [...]string{
	InlineNone:          "InlineNone",
	ShortInlineI:        "ShortInlineI",
	InlineI:             "InlineI",
	InlineI8:            "InlineI8",
	ShortInlineR:        "ShortInlineR",
	InlineR:             "InlineR",
	ShortInlineBrTarget: "ShortInlineBrTarget",
	InlineBrTarget:      "InlineBrTarget",
	InlineSwitch:        "InlineSwitch",
	ShortInlineVar:      "ShortInlineVar",
	InlineVar:           "InlineVar",
	InlineMethod:        "InlineMethod",
	InlineField:         "InlineField",
	InlineType:          "InlineType",
	InlineTok:           "InlineTok",
	InlineString:        "InlineString",
	InlineSig:           "InlineSig",
}

func (c Category) String() string {
	if int(c) < len(categoryNames) {
		return categoryNames[c]
	}
	return fmt.Sprintf("Category(%d)", uint8(c))
}

// Size returns the fixed operand width in bytes. InlineSwitch is variable
// and reports the width of its count prefix only.
func (c Category) Size() int {
	switch c {
	case InlineNone:
		return 0
	case ShortInlineI, ShortInlineBrTarget, ShortInlineVar:
		return 1
	case InlineVar:
		return 2
	case InlineI8, InlineR:
		return 8
	}
	return 4
}

// CarriesToken reports whether the operand is a metadata reference that
// must be rewritten into the device token space.
func (c Category) CarriesToken() bool {
	switch c {
	case InlineMethod, InlineField, InlineType, InlineTok, InlineString, InlineSig:
		return true
	}
	return false
}

// ---------------------------------------------------------------------------
// Opcode definitions
// ---------------------------------------------------------------------------

// Opcode is a one-byte opcode, or 0xFE00|b for two-byte opcodes.
type Opcode uint16

// Prefix is the first byte of every two-byte opcode.
const Prefix byte = 0xFE

// StackVaries marks opcodes whose stack effect depends on the operand.
const StackVaries = 127

// Info holds metadata about an opcode.
type Info struct {
	Name        string   // mnemonic
	Operand     Category // operand category
	StackEffect int      // net effect on the evaluation stack
}

const (
	Nop       Opcode = 0x00
	Break     Opcode = 0x01
	Ldarg0    Opcode = 0x02
	Ldarg1    Opcode = 0x03
	Ldarg2    Opcode = 0x04
	Ldarg3    Opcode = 0x05
	Ldloc0    Opcode = 0x06
	Ldloc1    Opcode = 0x07
	Ldloc2    Opcode = 0x08
	Ldloc3    Opcode = 0x09
	Stloc0    Opcode = 0x0A
	Stloc1    Opcode = 0x0B
	Stloc2    Opcode = 0x0C
	Stloc3    Opcode = 0x0D
	LdargS    Opcode = 0x0E
	LdargaS   Opcode = 0x0F
	StargS    Opcode = 0x10
	LdlocS    Opcode = 0x11
	LdlocaS   Opcode = 0x12
	StlocS    Opcode = 0x13
	Ldnull    Opcode = 0x14
	LdcI4M1   Opcode = 0x15
	LdcI40    Opcode = 0x16
	LdcI41    Opcode = 0x17
	LdcI42    Opcode = 0x18
	LdcI43    Opcode = 0x19
	LdcI44    Opcode = 0x1A
	LdcI45    Opcode = 0x1B
	LdcI46    Opcode = 0x1C
	LdcI47    Opcode = 0x1D
	LdcI48    Opcode = 0x1E
	LdcI4S    Opcode = 0x1F
	LdcI4     Opcode = 0x20
	LdcI8     Opcode = 0x21
	LdcR4     Opcode = 0x22
	LdcR8     Opcode = 0x23
	Dup       Opcode = 0x25
	Pop       Opcode = 0x26
	Jmp       Opcode = 0x27
	Call      Opcode = 0x28
	Calli     Opcode = 0x29
	Ret       Opcode = 0x2A
	BrS       Opcode = 0x2B
	BrfalseS  Opcode = 0x2C
	BrtrueS   Opcode = 0x2D
	BeqS      Opcode = 0x2E
	BgeS      Opcode = 0x2F
	BgtS      Opcode = 0x30
	BleS      Opcode = 0x31
	BltS      Opcode = 0x32
	BneUnS    Opcode = 0x33
	Br        Opcode = 0x38
	Brfalse   Opcode = 0x39
	Brtrue    Opcode = 0x3A
	Beq       Opcode = 0x3B
	Bge       Opcode = 0x3C
	Bgt       Opcode = 0x3D
	Ble       Opcode = 0x3E
	Blt       Opcode = 0x3F
	BneUn     Opcode = 0x40
	Switch    Opcode = 0x45
	LdindI4   Opcode = 0x4A
	LdindU4   Opcode = 0x4B
	LdindRef  Opcode = 0x50
	StindRef  Opcode = 0x51
	StindI4   Opcode = 0x54
	Add       Opcode = 0x58
	Sub       Opcode = 0x59
	Mul       Opcode = 0x5A
	Div       Opcode = 0x5B
	DivUn     Opcode = 0x5C
	Rem       Opcode = 0x5D
	RemUn     Opcode = 0x5E
	And       Opcode = 0x5F
	Or        Opcode = 0x60
	Xor       Opcode = 0x61
	Shl       Opcode = 0x62
	Shr       Opcode = 0x63
	ShrUn     Opcode = 0x64
	Neg       Opcode = 0x65
	Not       Opcode = 0x66
	ConvI1    Opcode = 0x67
	ConvI2    Opcode = 0x68
	ConvI4    Opcode = 0x69
	ConvI8    Opcode = 0x6A
	ConvR4    Opcode = 0x6B
	ConvR8    Opcode = 0x6C
	ConvU4    Opcode = 0x6D
	ConvU8    Opcode = 0x6E
	Callvirt  Opcode = 0x6F
	Cpobj     Opcode = 0x70
	Ldobj     Opcode = 0x71
	Ldstr     Opcode = 0x72
	Newobj    Opcode = 0x73
	Castclass Opcode = 0x74
	Isinst    Opcode = 0x75
	Unbox     Opcode = 0x79
	Throw     Opcode = 0x7A
	Ldfld     Opcode = 0x7B
	Ldflda    Opcode = 0x7C
	Stfld     Opcode = 0x7D
	Ldsfld    Opcode = 0x7E
	Ldsflda   Opcode = 0x7F
	Stsfld    Opcode = 0x80
	Stobj     Opcode = 0x81
	Box       Opcode = 0x8C
	Newarr    Opcode = 0x8D
	Ldlen     Opcode = 0x8E
	Ldelema   Opcode = 0x8F
	LdelemI1  Opcode = 0x90
	LdelemU1  Opcode = 0x91
	LdelemI4  Opcode = 0x94
	LdelemU4  Opcode = 0x95
	LdelemRef Opcode = 0x9A
	StelemI1  Opcode = 0x9C
	StelemI4  Opcode = 0x9E
	StelemRef Opcode = 0xA2
	Ldelem    Opcode = 0xA3
	Stelem    Opcode = 0xA4
	UnboxAny  Opcode = 0xA5
	Refanyval Opcode = 0xC2
	Mkrefany  Opcode = 0xC6
	Ldtoken   Opcode = 0xD0
	ConvU2    Opcode = 0xD1
	ConvU1    Opcode = 0xD2
	ConvI     Opcode = 0xD3
	ConvU     Opcode = 0xE0

	Endfinally Opcode = 0xDC
	Leave      Opcode = 0xDD
	LeaveS     Opcode = 0xDE

	Ceq         Opcode = 0xFE01
	Cgt         Opcode = 0xFE02
	CgtUn       Opcode = 0xFE03
	Clt         Opcode = 0xFE04
	CltUn       Opcode = 0xFE05
	Ldftn       Opcode = 0xFE06
	Ldvirtftn   Opcode = 0xFE07
	Ldarg       Opcode = 0xFE09
	Ldarga      Opcode = 0xFE0A
	Starg       Opcode = 0xFE0B
	Ldloc       Opcode = 0xFE0C
	Ldloca      Opcode = 0xFE0D
	Stloc       Opcode = 0xFE0E
	Endfilter   Opcode = 0xFE11
	Volatile    Opcode = 0xFE13
	Tail        Opcode = 0xFE14
	Initobj     Opcode = 0xFE15
	Constrained Opcode = 0xFE16
	Rethrow     Opcode = 0xFE1A
	Sizeof      Opcode = 0xFE1C
	Readonly    Opcode = 0xFE1E
)

// ---------------------------------------------------------------------------
// Opcode metadata
// ---------------------------------------------------------------------------

var opcodeTable = map[Opcode]Info{
	Nop:    {"nop", InlineNone, 0},
	Break:  {"break", InlineNone, 0},
	Ldarg0: {"ldarg.0", InlineNone, 1},
	Ldarg1: {"ldarg.1", InlineNone, 1},
	Ldarg2: {"ldarg.2", InlineNone, 1},
	Ldarg3: {"ldarg.3", InlineNone, 1},
	Ldloc0: {"ldloc.0", InlineNone, 1},
	Ldloc1: {"ldloc.1", InlineNone, 1},
	Ldloc2: {"ldloc.2", InlineNone, 1},
	Ldloc3: {"ldloc.3", InlineNone, 1},
	Stloc0: {"stloc.0", InlineNone, -1},
	Stloc1: {"stloc.1", InlineNone, -1},
	Stloc2: {"stloc.2", InlineNone, -1},
	Stloc3: {"stloc.3", InlineNone, -1},

	LdargS:  {"ldarg.s", ShortInlineVar, 1},
	LdargaS: {"ldarga.s", ShortInlineVar, 1},
	StargS:  {"starg.s", ShortInlineVar, -1},
	LdlocS:  {"ldloc.s", ShortInlineVar, 1},
	LdlocaS: {"ldloca.s", ShortInlineVar, 1},
	StlocS:  {"stloc.s", ShortInlineVar, -1},

	Ldnull:  {"ldnull", InlineNone, 1},
	LdcI4M1: {"ldc.i4.m1", InlineNone, 1},
	LdcI40:  {"ldc.i4.0", InlineNone, 1},
	LdcI41:  {"ldc.i4.1", InlineNone, 1},
	LdcI42:  {"ldc.i4.2", InlineNone, 1},
	LdcI43:  {"ldc.i4.3", InlineNone, 1},
	LdcI44:  {"ldc.i4.4", InlineNone, 1},
	LdcI45:  {"ldc.i4.5", InlineNone, 1},
	LdcI46:  {"ldc.i4.6", InlineNone, 1},
	LdcI47:  {"ldc.i4.7", InlineNone, 1},
	LdcI48:  {"ldc.i4.8", InlineNone, 1},
	LdcI4S:  {"ldc.i4.s", ShortInlineI, 1},
	LdcI4:   {"ldc.i4", InlineI, 1},
	LdcI8:   {"ldc.i8", InlineI8, 1},
	LdcR4:   {"ldc.r4", ShortInlineR, 1},
	LdcR8:   {"ldc.r8", InlineR, 1},
	Dup:     {"dup", InlineNone, 1},
	Pop:     {"pop", InlineNone, -1},

	Jmp:      {"jmp", InlineMethod, 0},
	Call:     {"call", InlineMethod, StackVaries},
	Calli:    {"calli", InlineSig, StackVaries},
	Ret:      {"ret", InlineNone, StackVaries},
	BrS:      {"br.s", ShortInlineBrTarget, 0},
	BrfalseS: {"brfalse.s", ShortInlineBrTarget, -1},
	BrtrueS:  {"brtrue.s", ShortInlineBrTarget, -1},
	BeqS:     {"beq.s", ShortInlineBrTarget, -2},
	BgeS:     {"bge.s", ShortInlineBrTarget, -2},
	BgtS:     {"bgt.s", ShortInlineBrTarget, -2},
	BleS:     {"ble.s", ShortInlineBrTarget, -2},
	BltS:     {"blt.s", ShortInlineBrTarget, -2},
	BneUnS:   {"bne.un.s", ShortInlineBrTarget, -2},
	Br:       {"br", InlineBrTarget, 0},
	Brfalse:  {"brfalse", InlineBrTarget, -1},
	Brtrue:   {"brtrue", InlineBrTarget, -1},
	Beq:      {"beq", InlineBrTarget, -2},
	Bge:      {"bge", InlineBrTarget, -2},
	Bgt:      {"bgt", InlineBrTarget, -2},
	Ble:      {"ble", InlineBrTarget, -2},
	Blt:      {"blt", InlineBrTarget, -2},
	BneUn:    {"bne.un", InlineBrTarget, -2},
	Switch:   {"switch", InlineSwitch, -1},

	LdindI4:  {"ldind.i4", InlineNone, 0},
	LdindU4:  {"ldind.u4", InlineNone, 0},
	LdindRef: {"ldind.ref", InlineNone, 0},
	StindRef: {"stind.ref", InlineNone, -2},
	StindI4:  {"stind.i4", InlineNone, -2},

	Add:   {"add", InlineNone, -1},
	Sub:   {"sub", InlineNone, -1},
	Mul:   {"mul", InlineNone, -1},
	Div:   {"div", InlineNone, -1},
	DivUn: {"div.un", InlineNone, -1},
	Rem:   {"rem", InlineNone, -1},
	RemUn: {"rem.un", InlineNone, -1},
	And:   {"and", InlineNone, -1},
	Or:    {"or", InlineNone, -1},
	Xor:   {"xor", InlineNone, -1},
	Shl:   {"shl", InlineNone, -1},
	Shr:   {"shr", InlineNone, -1},
	ShrUn: {"shr.un", InlineNone, -1},
	Neg:   {"neg", InlineNone, 0},
	Not:   {"not", InlineNone, 0},

	ConvI1: {"conv.i1", InlineNone, 0},
	ConvI2: {"conv.i2", InlineNone, 0},
	ConvI4: {"conv.i4", InlineNone, 0},
	ConvI8: {"conv.i8", InlineNone, 0},
	ConvR4: {"conv.r4", InlineNone, 0},
	ConvR8: {"conv.r8", InlineNone, 0},
	ConvU4: {"conv.u4", InlineNone, 0},
	ConvU8: {"conv.u8", InlineNone, 0},
	ConvU2: {"conv.u2", InlineNone, 0},
	ConvU1: {"conv.u1", InlineNone, 0},
	ConvI:  {"conv.i", InlineNone, 0},
	ConvU:  {"conv.u", InlineNone, 0},

	Callvirt:  {"callvirt", InlineMethod, StackVaries},
	Cpobj:     {"cpobj", InlineType, -2},
	Ldobj:     {"ldobj", InlineType, 0},
	Ldstr:     {"ldstr", InlineString, 1},
	Newobj:    {"newobj", InlineMethod, StackVaries},
	Castclass: {"castclass", InlineType, 0},
	Isinst:    {"isinst", InlineType, 0},
	Unbox:     {"unbox", InlineType, 0},
	Throw:     {"throw", InlineNone, -1},
	Ldfld:     {"ldfld", InlineField, 0},
	Ldflda:    {"ldflda", InlineField, 0},
	Stfld:     {"stfld", InlineField, -2},
	Ldsfld:    {"ldsfld", InlineField, 1},
	Ldsflda:   {"ldsflda", InlineField, 1},
	Stsfld:    {"stsfld", InlineField, -1},
	Stobj:     {"stobj", InlineType, -2},
	Box:       {"box", InlineType, 0},
	Newarr:    {"newarr", InlineType, 0},
	Ldlen:     {"ldlen", InlineNone, 0},
	Ldelema:   {"ldelema", InlineType, -1},
	LdelemI1:  {"ldelem.i1", InlineNone, -1},
	LdelemU1:  {"ldelem.u1", InlineNone, -1},
	LdelemI4:  {"ldelem.i4", InlineNone, -1},
	LdelemU4:  {"ldelem.u4", InlineNone, -1},
	LdelemRef: {"ldelem.ref", InlineNone, -1},
	StelemI1:  {"stelem.i1", InlineNone, -3},
	StelemI4:  {"stelem.i4", InlineNone, -3},
	StelemRef: {"stelem.ref", InlineNone, -3},
	Ldelem:    {"ldelem", InlineType, -1},
	Stelem:    {"stelem", InlineType, -3},
	UnboxAny:  {"unbox.any", InlineType, 0},
	Refanyval: {"refanyval", InlineType, 0},
	Mkrefany:  {"mkrefany", InlineType, 0},
	Ldtoken:   {"ldtoken", InlineTok, 1},

	Endfinally: {"endfinally", InlineNone, 0},
	Leave:      {"leave", InlineBrTarget, 0},
	LeaveS:     {"leave.s", ShortInlineBrTarget, 0},

	Ceq:         {"ceq", InlineNone, -1},
	Cgt:         {"cgt", InlineNone, -1},
	CgtUn:       {"cgt.un", InlineNone, -1},
	Clt:         {"clt", InlineNone, -1},
	CltUn:       {"clt.un", InlineNone, -1},
	Ldftn:       {"ldftn", InlineMethod, 1},
	Ldvirtftn:   {"ldvirtftn", InlineMethod, 0},
	Ldarg:       {"ldarg", InlineVar, 1},
	Ldarga:      {"ldarga", InlineVar, 1},
	Starg:       {"starg", InlineVar, -1},
	Ldloc:       {"ldloc", InlineVar, 1},
	Ldloca:      {"ldloca", InlineVar, 1},
	Stloc:       {"stloc", InlineVar, -1},
	Endfilter:   {"endfilter", InlineNone, -1},
	Volatile:    {"volatile.", InlineNone, 0},
	Tail:        {"tail.", InlineNone, 0},
	Initobj:     {"initobj", InlineType, -1},
	Constrained: {"constrained.", InlineType, 0},
	Rethrow:     {"rethrow", InlineNone, 0},
	Sizeof:      {"sizeof", InlineType, 1},
	Readonly:    {"readonly.", InlineNone, 0},
}

// Lookup returns the metadata for an opcode.
func Lookup(op Opcode) (Info, bool) {
	info, ok := opcodeTable[op]
	return info, ok
}

// Info returns the metadata for an opcode, or a placeholder for unknown
// opcodes.
func (op Opcode) Info() Info {
	if info, ok := opcodeTable[op]; ok {
		return info
	}
	return Info{Name: fmt.Sprintf("UNKNOWN_%04X", uint16(op))}
}

// Name returns the mnemonic for an opcode.
func (op Opcode) Name() string {
	return op.Info().Name
}

// String implements the Stringer interface.
func (op Opcode) String() string {
	return op.Name()
}

// Encoded returns the opcode's byte encoding.
func (op Opcode) Encoded() []byte {
	if op > 0xFF {
		return []byte{Prefix, byte(op)}
	}
	return []byte{byte(op)}
}
