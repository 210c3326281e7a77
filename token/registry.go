// Package token assigns the global device tokens that identify classes,
// methods, fields and string constants across every module of a load
// session.
//
// The token space is partitioned so the device can decode structure
// without lookup tables:
//
//	1 .. 31                     well-known framework types
//	32 .. NullableOffset-1      ordinary classes, methods and fields
//	NullableOffset + t          Nullable<T> where t is T's token
//	k*GenericStep               open generic definition k (1..15)
//	k*GenericStep + a           definition k closed over argument token a
//	StringBase|seq<<16|len      string literal of len UTF-8 bytes
package token

import (
	"errors"
	"fmt"
	"sync"

	"github.com/chazu/crossload/meta"
)

const (
	FirstOrdinary  uint32 = 32
	NullableOffset uint32 = 0x0080_0000
	GenericStep    uint32 = 0x0100_0000
	MaxGenericDefs        = 15
	StringBase     uint32 = 0x1000_0000
	MaxStringLen          = 0xFFFF
	MaxStrings            = 0x1000
)

var (
	ErrMultiArgGeneric = errors.New("token: generic types with more than one parameter are not supported")
	ErrExhausted       = errors.New("token: token range exhausted")
	ErrStringTooLong   = errors.New("token: string literal too long")
	ErrTooManyModules  = errors.New("token: too many modules in session")
	ErrArgOutOfRange   = errors.New("token: generic argument token out of range")
)

// KnownTypes maps framework types to their reserved tokens. The device
// firmware has these types built in.
var KnownTypes = map[string]uint32{
	"System.Object":            1,
	"System.Type":              2,
	"System.ValueType":         3,
	"System.String":            4,
	"System.RuntimeType":       6,
	"System.Nullable`1":        7,
	"System.Enum":              8,
	"System.Array":             9,
	"System.Delegate":          11,
	"System.MulticastDelegate": 12,
	"System.Boolean":           13,
	"System.Int32":             14,
	"System.UInt32":            15,
	"System.Int64":             16,
	"System.UInt64":            17,
	"System.Byte":              18,
	"System.Exception":         19,
	"System.Char":              20,
	"System.Double":            21,
	"System.Single":            22,
}

// EntryKind says what a token denotes, for reverse lookups.
type EntryKind uint8

const (
	EntryType EntryKind = iota + 1
	EntryMethod
	EntryField
	EntryString
)

// Entry is the reverse mapping of one token.
type Entry struct {
	Kind   EntryKind
	Type   meta.TypeID
	Method meta.MethodID
	Field  meta.FieldID
	Str    string
}

// ---------------------------------------------------------------------------
// Registry
// ---------------------------------------------------------------------------

// Registry hands out tokens for one load session. Every function is
// idempotent: the same descriptor always yields the same token.
type Registry struct {
	mu   sync.Mutex
	prog *meta.Program

	next        uint32
	nextGeneric uint32
	nextString  uint32

	types   map[meta.TypeID]uint32
	methods map[meta.MethodID]uint32
	fields  map[meta.FieldID]uint32
	strings map[string]uint32
	byToken map[uint32]Entry

	modules []int // session module index -> program module index
}

// NewRegistry creates an empty registry over prog.
func NewRegistry(prog *meta.Program) *Registry {
	return &Registry{
		prog:        prog,
		next:        FirstOrdinary,
		nextGeneric: GenericStep,
		types:       make(map[meta.TypeID]uint32),
		methods:     make(map[meta.MethodID]uint32),
		fields:      make(map[meta.FieldID]uint32),
		strings:     make(map[string]uint32),
		byToken:     make(map[uint32]Entry),
	}
}

func (r *Registry) ordinary() (uint32, error) {
	if r.next >= NullableOffset {
		return 0, fmt.Errorf("%w: ordinary", ErrExhausted)
	}
	t := r.next
	r.next++
	return t, nil
}

// Type returns the token for a type.
func (r *Registry) Type(id meta.TypeID) (uint32, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.typeLocked(id)
}

func (r *Registry) typeLocked(id meta.TypeID) (uint32, error) {
	if tok, ok := r.types[id]; ok {
		return tok, nil
	}
	t := r.prog.Type(id)
	if t == nil {
		return 0, fmt.Errorf("token: unknown type %d", id)
	}

	var tok uint32
	switch {
	case t.IsConstructed():
		def := r.prog.Type(t.Definition)
		if len(t.Args) != 1 {
			return 0, fmt.Errorf("%w: %s", ErrMultiArgGeneric, r.prog.TypeString(id))
		}
		arg, err := r.typeLocked(t.Args[0])
		if err != nil {
			return 0, err
		}
		if def.FullName() == "System.Nullable`1" {
			if arg >= NullableOffset {
				return 0, fmt.Errorf("%w: %s", ErrArgOutOfRange, r.prog.TypeString(id))
			}
			tok = arg + NullableOffset
			break
		}
		base, err := r.typeLocked(t.Definition)
		if err != nil {
			return 0, err
		}
		if arg >= GenericStep {
			return 0, fmt.Errorf("%w: %s", ErrArgOutOfRange, r.prog.TypeString(id))
		}
		tok = base + arg

	default:
		if known, ok := KnownTypes[t.FullName()]; ok {
			tok = known
			break
		}
		if t.IsOpenGeneric() {
			if t.GenericParams > 1 {
				return 0, fmt.Errorf("%w: %s", ErrMultiArgGeneric, t.FullName())
			}
			if r.nextGeneric > MaxGenericDefs*GenericStep {
				return 0, fmt.Errorf("%w: generic", ErrExhausted)
			}
			tok = r.nextGeneric
			r.nextGeneric += GenericStep
			break
		}
		var err error
		if tok, err = r.ordinary(); err != nil {
			return 0, err
		}
	}

	r.types[id] = tok
	r.byToken[tok] = Entry{Kind: EntryType, Type: id, Method: meta.NoMethod, Field: meta.NoField}
	return tok, nil
}

// Method returns the token for a method.
func (r *Registry) Method(id meta.MethodID) (uint32, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if tok, ok := r.methods[id]; ok {
		return tok, nil
	}
	if r.prog.Method(id) == nil {
		return 0, fmt.Errorf("token: unknown method %d", id)
	}
	tok, err := r.ordinary()
	if err != nil {
		return 0, err
	}
	r.methods[id] = tok
	r.byToken[tok] = Entry{Kind: EntryMethod, Type: meta.NoType, Method: id, Field: meta.NoField}
	return tok, nil
}

// Field returns the token for a field.
func (r *Registry) Field(id meta.FieldID) (uint32, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if tok, ok := r.fields[id]; ok {
		return tok, nil
	}
	if r.prog.Field(id) == nil {
		return 0, fmt.Errorf("token: unknown field %d", id)
	}
	tok, err := r.ordinary()
	if err != nil {
		return 0, err
	}
	r.fields[id] = tok
	r.byToken[tok] = Entry{Kind: EntryField, Type: meta.NoType, Method: meta.NoMethod, Field: id}
	return tok, nil
}

// String interns a string literal. The low 16 bits of the token carry the
// UTF-8 byte length.
func (r *Registry) String(s string) (uint32, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if tok, ok := r.strings[s]; ok {
		return tok, nil
	}
	if len(s) > MaxStringLen {
		return 0, fmt.Errorf("%w: %d bytes", ErrStringTooLong, len(s))
	}
	if r.nextString >= MaxStrings {
		return 0, fmt.Errorf("%w: strings", ErrExhausted)
	}
	tok := StringBase | r.nextString<<16 | uint32(len(s))
	r.nextString++
	r.strings[s] = tok
	r.byToken[tok] = Entry{Kind: EntryString, Type: meta.NoType, Method: meta.NoMethod, Field: meta.NoField, Str: s}
	return tok, nil
}

// Lookup reverse-maps a token.
func (r *Registry) Lookup(tok uint32) (Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.byToken[tok]
	return e, ok
}

// Decompose splits a closed generic token into its definition and argument
// tokens. ok is false unless both halves are registered.
func (r *Registry) Decompose(tok uint32) (def, arg uint32, ok bool) {
	if !IsGeneric(tok) {
		return 0, 0, false
	}
	def = tok &^ (GenericStep - 1)
	arg = tok & (GenericStep - 1)
	r.mu.Lock()
	defer r.mu.Unlock()
	_, defOK := r.byToken[def]
	_, argOK := r.byToken[arg]
	return def, arg, defOK && argOK && arg != 0
}

// IsGeneric reports whether tok lies in the generic range.
func IsGeneric(tok uint32) bool {
	return tok >= GenericStep && tok < StringBase
}

// IsString reports whether tok is a string token.
func IsString(tok uint32) bool {
	return tok >= StringBase
}

// StringLength returns the byte length encoded in a string token.
func StringLength(tok uint32) int {
	return int(tok & MaxStringLen)
}

// ---------------------------------------------------------------------------
// Module table
// ---------------------------------------------------------------------------

// ModuleIndex returns the session index of a program module, assigning the
// next one on first use.
func (r *Registry) ModuleIndex(module int) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, m := range r.modules {
		if m == module {
			return i, nil
		}
	}
	if len(r.modules) >= meta.MaxModules {
		return 0, fmt.Errorf("%w: limit %d", ErrTooManyModules, meta.MaxModules)
	}
	r.modules = append(r.modules, module)
	return len(r.modules) - 1, nil
}

// LocalKey combines a session module index and a module-local reference
// number into the key sent in token maps.
func LocalKey(moduleIndex int, ref uint32) uint32 {
	return uint32(moduleIndex)<<28 | ref&meta.MaxLocalRef
}

// Counts reports how many tokens of each range have been issued.
func (r *Registry) Counts() (ordinary, generic, strings int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return int(r.next - FirstOrdinary), int(r.nextGeneric/GenericStep - 1), int(r.nextString)
}
