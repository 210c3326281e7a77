// Package meta holds the pre-computed descriptor graph of a managed program:
// an arena of modules, types, methods and fields indexed by small integer
// IDs. The closure resolver walks this graph instead of introspecting a live
// runtime.
package meta

import (
	"errors"
	"fmt"
	"strings"
)

// TypeID, MethodID and FieldID index into the Program arena.
type (
	TypeID   int32
	MethodID int32
	FieldID  int32
)

// Sentinel IDs for "no such node".
const (
	NoType   TypeID   = -1
	NoMethod MethodID = -1
	NoField  FieldID  = -1
)

// Limits on module-local reference numbers and per-program module counts.
// A correlation key packs the module index into the top four bits.
const (
	MaxModules  = 16
	MaxLocalRef = 1<<28 - 1
)

var (
	ErrUnknownRef  = errors.New("meta: unknown reference")
	ErrNoInstance  = errors.New("meta: generic instance not present in program")
	ErrBadContext  = errors.New("meta: generic parameter outside context")
	ErrInvalidNode = errors.New("meta: invalid descriptor")
)

// ---------------------------------------------------------------------------
// Descriptor nodes
// ---------------------------------------------------------------------------

// TypeKind distinguishes reference types, value types and interfaces.
type TypeKind uint8

const (
	KindClass TypeKind = iota
	KindValueType
	KindInterface
	KindEnum
)

// Type describes one type. Constructed generic types are explicit nodes with
// Definition and Args set; their Fields and Methods parallel the
// definition's member order.
type Type struct {
	ID            TypeID     `cbor:"-"`
	Module        int        `cbor:"1,keyasint"`
	Ref           uint32     `cbor:"2,keyasint"`
	Namespace     string     `cbor:"3,keyasint"`
	Name          string     `cbor:"4,keyasint"`
	Kind          TypeKind   `cbor:"5,keyasint"`
	Base          TypeID     `cbor:"6,keyasint"`
	Interfaces    []TypeID   `cbor:"7,keyasint,omitempty"`
	Fields        []FieldID  `cbor:"8,keyasint,omitempty"`
	Methods       []MethodID `cbor:"9,keyasint,omitempty"`
	GenericParams int        `cbor:"10,keyasint,omitempty"`
	Definition    TypeID     `cbor:"11,keyasint"`
	Args          []TypeID   `cbor:"12,keyasint,omitempty"`
	Abstract      bool       `cbor:"13,keyasint,omitempty"`
}

// FullName returns Namespace.Name. Constructed types share their
// definition's name; use Program.TypeString to render arguments.
func (t *Type) FullName() string {
	name := t.Name
	if t.Namespace != "" {
		name = t.Namespace + "." + t.Name
	}
	return name
}

// IsOpenGeneric reports whether t is a generic definition.
func (t *Type) IsOpenGeneric() bool {
	return t.GenericParams > 0 && t.Definition == NoType
}

// IsConstructed reports whether t is an instantiation of a generic type.
func (t *Type) IsConstructed() bool {
	return t.Definition != NoType
}

// IsValueType reports whether instances of t are stored inline.
func (t *Type) IsValueType() bool {
	return t.Kind == KindValueType || t.Kind == KindEnum
}

// Visibility of a member.
type Visibility uint8

const (
	Private Visibility = iota
	FamilyAndAssembly
	Assembly
	Family
	FamilyOrAssembly
	Public
)

// MethodAttr is a bit set of method attributes.
type MethodAttr uint16

const (
	AttrStatic MethodAttr = 1 << iota
	AttrVirtual
	AttrAbstract
	AttrNewSlot
	AttrFinal
	AttrNative
)

// Method describes one method. Constructed generic types carry their own
// Method nodes; when Body is empty the Definition's body is used.
type Method struct {
	ID            MethodID   `cbor:"-"`
	Module        int        `cbor:"1,keyasint"`
	Ref           uint32     `cbor:"2,keyasint"`
	Name          string     `cbor:"3,keyasint"`
	DeclaringType TypeID     `cbor:"4,keyasint"`
	Attrs         MethodAttr `cbor:"5,keyasint"`
	Visibility    Visibility `cbor:"6,keyasint"`
	Params        []TypeID   `cbor:"7,keyasint,omitempty"`
	Return        TypeID     `cbor:"8,keyasint"`
	Locals        []TypeID   `cbor:"9,keyasint,omitempty"`
	MaxStack      int        `cbor:"10,keyasint,omitempty"`
	Body          []byte     `cbor:"11,keyasint,omitempty"`
	NativeID      int        `cbor:"12,keyasint,omitempty"`
	Definition    MethodID   `cbor:"13,keyasint"`
	// SameAs names the original member signature a replacement method
	// stands in for when names or parameter lists differ.
	SameAs string `cbor:"14,keyasint,omitempty"`
}

// Has reports whether all bits in a are set.
func (m *Method) Has(a MethodAttr) bool { return m.Attrs&a == a }

// IsStatic reports whether m has no receiver.
func (m *Method) IsStatic() bool { return m.Has(AttrStatic) }

// IsCtor reports whether m is an instance constructor.
func (m *Method) IsCtor() bool { return m.Name == ".ctor" }

// IsTypeInitializer reports whether m is a static constructor.
func (m *Method) IsTypeInitializer() bool { return m.Name == ".cctor" }

// ArgCount returns the number of argument slots including the receiver.
func (m *Method) ArgCount() int {
	if m.IsStatic() {
		return len(m.Params)
	}
	return len(m.Params) + 1
}

// Field describes one field. InitData holds compiler-embedded initializer
// bytes (the backing blob of a static array initializer).
type Field struct {
	ID            FieldID `cbor:"-"`
	Module        int     `cbor:"1,keyasint"`
	Ref           uint32  `cbor:"2,keyasint"`
	Name          string  `cbor:"3,keyasint"`
	DeclaringType TypeID  `cbor:"4,keyasint"`
	Type          TypeID  `cbor:"5,keyasint"`
	Static        bool    `cbor:"6,keyasint,omitempty"`
	InitData      []byte  `cbor:"7,keyasint,omitempty"`
}

// ---------------------------------------------------------------------------
// Modules and references
// ---------------------------------------------------------------------------

// RefKind says what a module-local reference number denotes.
type RefKind uint8

const (
	RefType RefKind = iota + 1
	RefMethod
	RefField
	RefString
	RefGenericParam
)

func (k RefKind) String() string {
	switch k {
	case RefType:
		return "type"
	case RefMethod:
		return "method"
	case RefField:
		return "field"
	case RefString:
		return "string"
	case RefGenericParam:
		return "generic-param"
	}
	return fmt.Sprintf("ref(%d)", uint8(k))
}

// RefEntry is one row of a module's reference table. Target is a TypeID,
// MethodID or FieldID depending on Kind, or a generic parameter position
// for RefGenericParam. Generic marks a reference written against the
// referencing method's open generic context.
type RefEntry struct {
	Kind    RefKind `cbor:"1,keyasint"`
	Target  int32   `cbor:"2,keyasint"`
	Generic bool    `cbor:"3,keyasint,omitempty"`
	Str     string  `cbor:"4,keyasint,omitempty"`
}

// Module is one source module (assembly) of the program.
type Module struct {
	Index int                 `cbor:"-"`
	Name  string              `cbor:"1,keyasint"`
	Refs  map[uint32]RefEntry `cbor:"2,keyasint"`
}

// Ref is a resolved reference.
type Ref struct {
	Kind   RefKind
	Type   TypeID
	Method MethodID
	Field  FieldID
	Str    string
}

// GenericContext carries the type arguments in scope for a method body.
type GenericContext struct {
	TypeArgs []TypeID
}

// ---------------------------------------------------------------------------
// Program arena
// ---------------------------------------------------------------------------

// Program is the arena of every descriptor in the input program.
type Program struct {
	Modules []*Module `cbor:"1,keyasint"`
	Types   []*Type   `cbor:"2,keyasint"`
	Methods []*Method `cbor:"3,keyasint"`
	Fields  []*Field  `cbor:"4,keyasint"`

	byName    map[string]TypeID
	instances map[string]TypeID
}

// Type returns the type node for id.
func (p *Program) Type(id TypeID) *Type {
	if id < 0 || int(id) >= len(p.Types) {
		return nil
	}
	return p.Types[id]
}

// Method returns the method node for id.
func (p *Program) Method(id MethodID) *Method {
	if id < 0 || int(id) >= len(p.Methods) {
		return nil
	}
	return p.Methods[id]
}

// Field returns the field node for id.
func (p *Program) Field(id FieldID) *Field {
	if id < 0 || int(id) >= len(p.Fields) {
		return nil
	}
	return p.Fields[id]
}

// Module returns the module at index i.
func (p *Program) Module(i int) *Module {
	if i < 0 || i >= len(p.Modules) {
		return nil
	}
	return p.Modules[i]
}

// LookupType finds a type by full name. Constructed types are looked up
// with Instance instead.
func (p *Program) LookupType(fullName string) (TypeID, bool) {
	id, ok := p.byName[fullName]
	return id, ok
}

// LookupMethod finds the first method of a type with the given name.
func (p *Program) LookupMethod(t TypeID, name string) (MethodID, bool) {
	typ := p.Type(t)
	if typ == nil {
		return NoMethod, false
	}
	for _, id := range typ.Methods {
		if p.Methods[id].Name == name {
			return id, true
		}
	}
	return NoMethod, false
}

// Instance returns the constructed type def<args...>.
func (p *Program) Instance(def TypeID, args []TypeID) (TypeID, bool) {
	id, ok := p.instances[instanceKey(def, args)]
	return id, ok
}

// Body returns the instruction bytes of m, falling back to its generic
// definition.
func (p *Program) Body(m *Method) []byte {
	if len(m.Body) > 0 || m.Definition == NoMethod {
		return m.Body
	}
	if def := p.Method(m.Definition); def != nil {
		return def.Body
	}
	return nil
}

// Context returns the generic context for a method body.
func (p *Program) Context(m *Method) GenericContext {
	if t := p.Type(m.DeclaringType); t != nil && t.IsConstructed() {
		return GenericContext{TypeArgs: t.Args}
	}
	return GenericContext{}
}

// MethodString renders Type::Name(params) for diagnostics.
func (p *Program) MethodString(id MethodID) string {
	m := p.Method(id)
	if m == nil {
		return fmt.Sprintf("<method %d>", id)
	}
	return p.TypeString(m.DeclaringType) + "::" + m.Name + "(" + p.paramList(m.Params) + ")"
}

// FieldString renders Type::Name for diagnostics.
func (p *Program) FieldString(id FieldID) string {
	f := p.Field(id)
	if f == nil {
		return fmt.Sprintf("<field %d>", id)
	}
	return p.TypeString(f.DeclaringType) + "::" + f.Name
}

// TypeString renders a type name including generic arguments.
func (p *Program) TypeString(id TypeID) string {
	t := p.Type(id)
	if t == nil {
		return "void"
	}
	if !t.IsConstructed() {
		return t.FullName()
	}
	args := make([]string, len(t.Args))
	for i, a := range t.Args {
		args[i] = p.TypeString(a)
	}
	return p.TypeString(t.Definition) + "<" + strings.Join(args, ",") + ">"
}

func (p *Program) paramList(params []TypeID) string {
	names := make([]string, len(params))
	for i, t := range params {
		names[i] = p.TypeString(t)
	}
	return strings.Join(names, ",")
}

// Signature is the name-and-parameters key used to pair replacement
// members, e.g. "Concat(System.String,System.String)".
func (p *Program) Signature(id MethodID) string {
	m := p.Method(id)
	return m.Name + "(" + p.paramList(m.Params) + ")"
}

// IsSubclassOf reports whether t derives (directly or transitively) from
// base through its base-type chain.
func (p *Program) IsSubclassOf(t, base TypeID) bool {
	for cur := p.Type(t); cur != nil && cur.Base != NoType; cur = p.Type(cur.Base) {
		if cur.Base == base {
			return true
		}
	}
	return false
}

// ---------------------------------------------------------------------------
// Reference resolution
// ---------------------------------------------------------------------------

// ResolveRef resolves a module-local reference number in the given generic
// context.
func (p *Program) ResolveRef(module int, ref uint32, ctx GenericContext) (Ref, error) {
	mod := p.Module(module)
	if mod == nil {
		return Ref{}, fmt.Errorf("%w: module %d", ErrUnknownRef, module)
	}
	e, ok := mod.Refs[ref]
	if !ok {
		return Ref{}, fmt.Errorf("%w: %s ref 0x%08X", ErrUnknownRef, mod.Name, ref)
	}

	out := Ref{Kind: e.Kind, Type: NoType, Method: NoMethod, Field: NoField}
	switch e.Kind {
	case RefString:
		out.Str = e.Str
		return out, nil

	case RefGenericParam:
		if int(e.Target) >= len(ctx.TypeArgs) {
			return Ref{}, fmt.Errorf("%w: %s ref 0x%08X position %d", ErrBadContext, mod.Name, ref, e.Target)
		}
		out.Kind = RefType
		out.Type = ctx.TypeArgs[e.Target]
		return out, nil

	case RefType:
		out.Type = TypeID(e.Target)
		if e.Generic {
			id, err := p.instantiate(out.Type, ctx)
			if err != nil {
				return Ref{}, err
			}
			out.Type = id
		}
		if p.Type(out.Type) == nil {
			return Ref{}, fmt.Errorf("%w: %s ref 0x%08X", ErrInvalidNode, mod.Name, ref)
		}
		return out, nil

	case RefMethod:
		out.Method = MethodID(e.Target)
		m := p.Method(out.Method)
		if m == nil {
			return Ref{}, fmt.Errorf("%w: %s ref 0x%08X", ErrInvalidNode, mod.Name, ref)
		}
		if e.Generic {
			closed, err := p.instantiate(m.DeclaringType, ctx)
			if err != nil {
				return Ref{}, err
			}
			idx := indexOf(p.Types[m.DeclaringType].Methods, out.Method)
			out.Method = p.Types[closed].Methods[idx]
		}
		return out, nil

	case RefField:
		out.Field = FieldID(e.Target)
		f := p.Field(out.Field)
		if f == nil {
			return Ref{}, fmt.Errorf("%w: %s ref 0x%08X", ErrInvalidNode, mod.Name, ref)
		}
		if e.Generic {
			closed, err := p.instantiate(f.DeclaringType, ctx)
			if err != nil {
				return Ref{}, err
			}
			idx := indexOf(p.Types[f.DeclaringType].Fields, out.Field)
			out.Field = p.Types[closed].Fields[idx]
		}
		return out, nil
	}
	return Ref{}, fmt.Errorf("%w: %s ref 0x%08X kind %s", ErrUnknownRef, mod.Name, ref, e.Kind)
}

func (p *Program) instantiate(def TypeID, ctx GenericContext) (TypeID, error) {
	t := p.Type(def)
	if t == nil || !t.IsOpenGeneric() {
		return def, nil
	}
	if len(ctx.TypeArgs) != t.GenericParams {
		return NoType, fmt.Errorf("%w: %s needs %d arguments, context has %d",
			ErrBadContext, t.FullName(), t.GenericParams, len(ctx.TypeArgs))
	}
	id, ok := p.Instance(def, ctx.TypeArgs)
	if !ok {
		return NoType, fmt.Errorf("%w: %s", ErrNoInstance, t.FullName())
	}
	return id, nil
}

func indexOf[T comparable](s []T, v T) int {
	for i, x := range s {
		if x == v {
			return i
		}
	}
	return -1
}

func instanceKey(def TypeID, args []TypeID) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d<", def)
	for i, a := range args {
		if i > 0 {
			b.WriteByte(',')
		}
		fmt.Fprintf(&b, "%d", a)
	}
	b.WriteByte('>')
	return b.String()
}

// ---------------------------------------------------------------------------
// Indexing and validation
// ---------------------------------------------------------------------------

// Index assigns IDs, builds lookup maps and validates cross-links. It must
// be called after the arena slices are populated.
func (p *Program) Index() error {
	if len(p.Modules) > MaxModules {
		return fmt.Errorf("%w: %d modules exceeds %d", ErrInvalidNode, len(p.Modules), MaxModules)
	}
	p.byName = make(map[string]TypeID, len(p.Types))
	p.instances = make(map[string]TypeID)

	for i, m := range p.Modules {
		if m == nil {
			return fmt.Errorf("%w: module %d is empty", ErrInvalidNode, i)
		}
		m.Index = i
		for ref := range m.Refs {
			if ref > MaxLocalRef {
				return fmt.Errorf("%w: %s ref 0x%08X exceeds local range", ErrInvalidNode, m.Name, ref)
			}
		}
	}
	for i, t := range p.Types {
		if t == nil {
			return fmt.Errorf("%w: type %d is empty", ErrInvalidNode, i)
		}
		t.ID = TypeID(i)
		if p.Module(t.Module) == nil {
			return fmt.Errorf("%w: type %s in unknown module %d", ErrInvalidNode, t.FullName(), t.Module)
		}
		if t.IsConstructed() {
			if p.Type(t.Definition) == nil {
				return fmt.Errorf("%w: type %s has bad definition", ErrInvalidNode, t.FullName())
			}
			p.instances[instanceKey(t.Definition, t.Args)] = t.ID
			continue
		}
		p.byName[t.FullName()] = t.ID
	}
	for i, m := range p.Methods {
		if m == nil {
			return fmt.Errorf("%w: method %d is empty", ErrInvalidNode, i)
		}
		m.ID = MethodID(i)
	}
	for i, f := range p.Fields {
		if f == nil {
			return fmt.Errorf("%w: field %d is empty", ErrInvalidNode, i)
		}
		f.ID = FieldID(i)
	}

	for _, t := range p.Types {
		if err := p.checkType(t); err != nil {
			return err
		}
	}
	for _, m := range p.Methods {
		decl := p.Type(m.DeclaringType)
		if decl == nil {
			return fmt.Errorf("%w: method %s has no declaring type", ErrInvalidNode, m.Name)
		}
		if indexOf(decl.Methods, m.ID) < 0 {
			return fmt.Errorf("%w: method %s missing from %s", ErrInvalidNode, m.Name, decl.FullName())
		}
		if m.Definition != NoMethod && p.Method(m.Definition) == nil {
			return fmt.Errorf("%w: method %s has bad definition", ErrInvalidNode, m.Name)
		}
		if !p.optionalType(m.Return) {
			return fmt.Errorf("%w: method %s has bad return type", ErrInvalidNode, m.Name)
		}
		for _, list := range [][]TypeID{m.Params, m.Locals} {
			for _, id := range list {
				if !p.optionalType(id) {
					return fmt.Errorf("%w: method %s refers to type %d", ErrInvalidNode, m.Name, id)
				}
			}
		}
	}
	for _, f := range p.Fields {
		decl := p.Type(f.DeclaringType)
		if decl == nil {
			return fmt.Errorf("%w: field %s has no declaring type", ErrInvalidNode, f.Name)
		}
		if indexOf(decl.Fields, f.ID) < 0 {
			return fmt.Errorf("%w: field %s missing from %s", ErrInvalidNode, f.Name, decl.FullName())
		}
		if !p.optionalType(f.Type) {
			return fmt.Errorf("%w: field %s has bad type", ErrInvalidNode, f.Name)
		}
	}
	for _, t := range p.Types {
		if !t.IsConstructed() {
			continue
		}
		def := p.Types[t.Definition]
		if len(def.Methods) != len(t.Methods) || len(def.Fields) != len(t.Fields) {
			return fmt.Errorf("%w: %s members do not parallel its definition", ErrInvalidNode, p.TypeString(t.ID))
		}
	}
	return nil
}

// checkType validates the links of t that later walks dereference without
// checking: base chain, interfaces, generic arguments and member lists.
func (p *Program) checkType(t *Type) error {
	if !p.optionalType(t.Base) {
		return fmt.Errorf("%w: type %s has bad base %d", ErrInvalidNode, t.FullName(), t.Base)
	}
	steps := 0
	for cur := t.Base; cur != NoType; cur = p.Types[cur].Base {
		if cur == t.ID || steps > len(p.Types) {
			return fmt.Errorf("%w: type %s has a cyclic base chain", ErrInvalidNode, t.FullName())
		}
		if !p.optionalType(p.Types[cur].Base) {
			return fmt.Errorf("%w: type %s has bad base %d", ErrInvalidNode, p.Types[cur].FullName(), p.Types[cur].Base)
		}
		steps++
	}
	for _, list := range [][]TypeID{t.Interfaces, t.Args} {
		for _, id := range list {
			if p.Type(id) == nil {
				return fmt.Errorf("%w: type %s refers to type %d", ErrInvalidNode, t.FullName(), id)
			}
		}
	}
	for _, id := range t.Methods {
		m := p.Method(id)
		if m == nil || m.DeclaringType != t.ID {
			return fmt.Errorf("%w: type %s lists foreign method %d", ErrInvalidNode, t.FullName(), id)
		}
	}
	for _, id := range t.Fields {
		f := p.Field(id)
		if f == nil || f.DeclaringType != t.ID {
			return fmt.Errorf("%w: type %s lists foreign field %d", ErrInvalidNode, t.FullName(), id)
		}
	}
	return nil
}

// optionalType reports whether id is NoType or a valid type.
func (p *Program) optionalType(id TypeID) bool {
	return id == NoType || p.Type(id) != nil
}
