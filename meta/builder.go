package meta

// ---------------------------------------------------------------------------
// Builder: programmatic construction of a Program
// ---------------------------------------------------------------------------

// Builder assembles a Program node by node. Each definition is given a
// module-local reference number; references from method bodies are
// allocated with TypeRef, MethodRef, FieldRef and StringRef.
type Builder struct {
	p    *Program
	refs []map[refKey]uint32
	next []map[RefKind]uint32
}

type refKey struct {
	kind    RefKind
	target  int32
	generic bool
	str     string
}

// NewBuilder creates an empty builder.
func NewBuilder() *Builder {
	return &Builder{p: &Program{}}
}

// Module adds a module and returns its index.
func (b *Builder) Module(name string) int {
	b.p.Modules = append(b.p.Modules, &Module{Name: name, Refs: make(map[uint32]RefEntry)})
	b.refs = append(b.refs, make(map[refKey]uint32))
	b.next = append(b.next, make(map[RefKind]uint32))
	return len(b.p.Modules) - 1
}

func (b *Builder) ref(mod int, key refKey) uint32 {
	if r, ok := b.refs[mod][key]; ok {
		return r
	}
	b.next[mod][key.kind]++
	r := uint32(key.kind)<<24 | b.next[mod][key.kind]
	b.refs[mod][key] = r
	b.p.Modules[mod].Refs[r] = RefEntry{Kind: key.kind, Target: key.target, Generic: key.generic, Str: key.str}
	return r
}

// TypeRef returns mod's reference number for type t.
func (b *Builder) TypeRef(mod int, t TypeID) uint32 {
	return b.ref(mod, refKey{kind: RefType, target: int32(t)})
}

// OpenTypeRef returns a reference to open generic type t that is closed
// over the referencing method's generic context.
func (b *Builder) OpenTypeRef(mod int, t TypeID) uint32 {
	return b.ref(mod, refKey{kind: RefType, target: int32(t), generic: true})
}

// GenericParamRef returns a reference to the enclosing type's generic
// parameter at position pos.
func (b *Builder) GenericParamRef(mod int, pos int) uint32 {
	return b.ref(mod, refKey{kind: RefGenericParam, target: int32(pos)})
}

// MethodRef returns mod's reference number for method m.
func (b *Builder) MethodRef(mod int, m MethodID) uint32 {
	return b.ref(mod, refKey{kind: RefMethod, target: int32(m)})
}

// OpenMethodRef references a member of an open generic type, resolved in
// the referencing method's context.
func (b *Builder) OpenMethodRef(mod int, m MethodID) uint32 {
	return b.ref(mod, refKey{kind: RefMethod, target: int32(m), generic: true})
}

// FieldRef returns mod's reference number for field f.
func (b *Builder) FieldRef(mod int, f FieldID) uint32 {
	return b.ref(mod, refKey{kind: RefField, target: int32(f)})
}

// OpenFieldRef references a field of an open generic type.
func (b *Builder) OpenFieldRef(mod int, f FieldID) uint32 {
	return b.ref(mod, refKey{kind: RefField, target: int32(f), generic: true})
}

// StringRef returns mod's reference number for a string literal.
func (b *Builder) StringRef(mod int, s string) uint32 {
	return b.ref(mod, refKey{kind: RefString, str: s})
}

// AddType appends a type node. Zero-valued Base and Definition are not
// meaningful sentinels, so callers set them explicitly.
func (b *Builder) AddType(t Type) TypeID {
	id := TypeID(len(b.p.Types))
	t.ID = id
	t.Ref = b.ref(t.Module, refKey{kind: RefType, target: int32(id)})
	b.p.Types = append(b.p.Types, &t)
	return id
}

// Class adds a reference type.
func (b *Builder) Class(mod int, ns, name string, base TypeID) TypeID {
	return b.AddType(Type{Module: mod, Namespace: ns, Name: name, Kind: KindClass, Base: base, Definition: NoType})
}

// ValueType adds a struct type deriving from base (normally System.ValueType).
func (b *Builder) ValueType(mod int, ns, name string, base TypeID) TypeID {
	return b.AddType(Type{Module: mod, Namespace: ns, Name: name, Kind: KindValueType, Base: base, Definition: NoType})
}

// Interface adds an interface type.
func (b *Builder) Interface(mod int, ns, name string) TypeID {
	return b.AddType(Type{Module: mod, Namespace: ns, Name: name, Kind: KindInterface, Base: NoType, Definition: NoType, Abstract: true})
}

// Generic adds an open generic definition with n type parameters.
func (b *Builder) Generic(mod int, ns, name string, kind TypeKind, base TypeID, n int) TypeID {
	return b.AddType(Type{Module: mod, Namespace: ns, Name: name, Kind: kind, Base: base, Definition: NoType, GenericParams: n})
}

// Implements records that t implements iface.
func (b *Builder) Implements(t, iface TypeID) {
	typ := b.p.Types[t]
	typ.Interfaces = append(typ.Interfaces, iface)
}

// SetAbstract marks t abstract.
func (b *Builder) SetAbstract(t TypeID) {
	b.p.Types[t].Abstract = true
}

// Field adds a field to t.
func (b *Builder) Field(t TypeID, name string, typ TypeID, static bool) FieldID {
	owner := b.p.Types[t]
	id := FieldID(len(b.p.Fields))
	f := &Field{ID: id, Module: owner.Module, Name: name, DeclaringType: t, Type: typ, Static: static}
	f.Ref = b.ref(owner.Module, refKey{kind: RefField, target: int32(id)})
	b.p.Fields = append(b.p.Fields, f)
	owner.Fields = append(owner.Fields, id)
	return id
}

// SetInitData attaches compiler-embedded initializer bytes to f.
func (b *Builder) SetInitData(f FieldID, data []byte) {
	b.p.Fields[f].InitData = data
}

// Method adds a public method to t. Pass NoType as ret for void.
func (b *Builder) Method(t TypeID, name string, attrs MethodAttr, ret TypeID, params ...TypeID) MethodID {
	return b.AddMethod(Method{
		Name:          name,
		DeclaringType: t,
		Attrs:         attrs,
		Visibility:    Public,
		Params:        params,
		Return:        ret,
		Definition:    NoMethod,
	})
}

// AddMethod appends a fully specified method node to its declaring type.
func (b *Builder) AddMethod(m Method) MethodID {
	owner := b.p.Types[m.DeclaringType]
	id := MethodID(len(b.p.Methods))
	m.ID = id
	m.Module = owner.Module
	m.Ref = b.ref(owner.Module, refKey{kind: RefMethod, target: int32(id)})
	b.p.Methods = append(b.p.Methods, &m)
	owner.Methods = append(owner.Methods, id)
	return id
}

// Get returns the method node for further adjustment before Build.
func (b *Builder) Get(m MethodID) *Method {
	return b.p.Methods[m]
}

// MethodOf returns the first method of t named name, or NoMethod. It is
// mostly useful for reaching the members Instantiate cloned.
func (b *Builder) MethodOf(t TypeID, name string) MethodID {
	for _, id := range b.p.Types[t].Methods {
		if b.p.Methods[id].Name == name {
			return id
		}
	}
	return NoMethod
}

// FieldOf returns the field of t named name, or NoField.
func (b *Builder) FieldOf(t TypeID, name string) FieldID {
	for _, id := range b.p.Types[t].Fields {
		if b.p.Fields[id].Name == name {
			return id
		}
	}
	return NoField
}

// SetBody sets the instruction bytes and local types of m.
func (b *Builder) SetBody(m MethodID, body []byte, locals ...TypeID) {
	meth := b.p.Methods[m]
	meth.Body = body
	meth.Locals = locals
}

// Instantiate adds the constructed type def<args...>, cloning def's fields
// and methods so member positions line up.
func (b *Builder) Instantiate(def TypeID, args ...TypeID) TypeID {
	d := b.p.Types[def]
	id := b.AddType(Type{
		Module:     d.Module,
		Namespace:  d.Namespace,
		Name:       d.Name,
		Kind:       d.Kind,
		Base:       d.Base,
		Interfaces: append([]TypeID(nil), d.Interfaces...),
		Definition: def,
		Args:       args,
		Abstract:   d.Abstract,
	})
	for _, fid := range d.Fields {
		f := b.p.Fields[fid]
		b.Field(id, f.Name, f.Type, f.Static)
	}
	for _, mid := range d.Methods {
		m := *b.p.Methods[mid]
		m.DeclaringType = id
		m.Body = nil
		m.Definition = mid
		b.AddMethod(m)
	}
	return id
}

// Build indexes and returns the program.
func (b *Builder) Build() (*Program, error) {
	if err := b.p.Index(); err != nil {
		return nil, err
	}
	return b.p, nil
}

// ---------------------------------------------------------------------------
// Core library scaffolding
// ---------------------------------------------------------------------------

// Core holds the framework types most programs refer to.
type Core struct {
	Module    int
	Object    TypeID
	ValueType TypeID
	Enum      TypeID
	String    TypeID
	Boolean   TypeID
	Int32     TypeID
	UInt32    TypeID
	Int64     TypeID
	Nullable  TypeID
}

// CoreLib adds a minimal framework module with the root and primitive
// types.
func (b *Builder) CoreLib() Core {
	var c Core
	c.Module = b.Module("System.Private.CoreLib")
	c.Object = b.Class(c.Module, "System", "Object", NoType)
	c.ValueType = b.Class(c.Module, "System", "ValueType", c.Object)
	c.Enum = b.Class(c.Module, "System", "Enum", c.ValueType)
	c.String = b.Class(c.Module, "System", "String", c.Object)
	c.Boolean = b.ValueType(c.Module, "System", "Boolean", c.ValueType)
	c.Int32 = b.ValueType(c.Module, "System", "Int32", c.ValueType)
	c.UInt32 = b.ValueType(c.Module, "System", "UInt32", c.ValueType)
	c.Int64 = b.ValueType(c.Module, "System", "Int64", c.ValueType)
	c.Nullable = b.Generic(c.Module, "System", "Nullable`1", KindValueType, c.ValueType, 1)
	return c
}
