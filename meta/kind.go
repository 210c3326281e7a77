package meta

// Kind is the device-side storage class of a field, local, argument or
// return value. Kind values are sent on the wire as-is.
type Kind uint8

const (
	KindVoid Kind = iota
	KindUInt32
	KindInt32
	KindBoolean
	KindObject
	KindFloat
	KindValueArray
	KindInt64  Kind = 0x11
	KindUInt64 Kind = 0x12
	KindDouble Kind = 0x14

	// KindMethod tags a method entry in a class member list.
	KindMethod Kind = 0x20

	// KindStaticFlag is or'ed into a member kind byte for static fields.
	KindStaticFlag Kind = 0x80
)

func (k Kind) String() string {
	switch k &^ KindStaticFlag {
	case KindVoid:
		return "void"
	case KindUInt32:
		return "uint32"
	case KindInt32:
		return "int32"
	case KindBoolean:
		return "bool"
	case KindObject:
		return "object"
	case KindFloat:
		return "float"
	case KindValueArray:
		return "valuetype"
	case KindInt64:
		return "int64"
	case KindUInt64:
		return "uint64"
	case KindDouble:
		return "double"
	case KindMethod:
		return "method"
	}
	return "unknown"
}

// Size returns the storage size of a value of this kind in bytes.
func (k Kind) Size() int {
	switch k &^ KindStaticFlag {
	case KindVoid:
		return 0
	case KindInt64, KindUInt64, KindDouble:
		return 8
	}
	return 4
}

var primitiveKinds = map[string]Kind{
	"System.Boolean": KindBoolean,
	"System.SByte":   KindInt32,
	"System.Int16":   KindInt32,
	"System.Int32":   KindInt32,
	"System.Char":    KindUInt32,
	"System.Byte":    KindUInt32,
	"System.UInt16":  KindUInt32,
	"System.UInt32":  KindUInt32,
	"System.Int64":   KindInt64,
	"System.UInt64":  KindUInt64,
	"System.Single":  KindFloat,
	"System.Double":  KindDouble,
	"System.IntPtr":  KindInt32,
	"System.UIntPtr": KindUInt32,
	"System.Void":    KindVoid,
}

// KindOf maps a type to its device storage kind. NoType means void.
func (p *Program) KindOf(id TypeID) Kind {
	t := p.Type(id)
	if t == nil {
		return KindVoid
	}
	if k, ok := primitiveKinds[t.FullName()]; ok && !t.IsConstructed() {
		return k
	}
	switch t.Kind {
	case KindEnum:
		return KindInt32
	case KindValueType:
		return KindValueArray
	}
	return KindObject
}

// FieldKind returns the member kind byte of a field, with the static flag
// applied.
func (p *Program) FieldKind(id FieldID) Kind {
	f := p.Field(id)
	k := p.KindOf(f.Type)
	if f.Static {
		k |= KindStaticFlag
	}
	return k
}

// Overrides reports whether derived overrides base for virtual dispatch:
// same name, derived does not introduce a new slot, derived is not private,
// derived is at least as visible as base, and the parameter type lists are
// identical. base must be virtual.
func Overrides(derived, base *Method) bool {
	if derived == nil || base == nil || derived == base {
		return false
	}
	if derived.Name != base.Name {
		return false
	}
	if !base.Has(AttrVirtual) || !derived.Has(AttrVirtual) || derived.IsStatic() {
		return false
	}
	if derived.Has(AttrNewSlot) && !interfaceSlot(derived, base) {
		return false
	}
	if derived.Visibility == Private || derived.Visibility < base.Visibility {
		return false
	}
	if len(derived.Params) != len(base.Params) {
		return false
	}
	for i := range derived.Params {
		if derived.Params[i] != base.Params[i] {
			return false
		}
	}
	return true
}

// Interface implementations are new slots by construction; they still
// count as overrides of the interface member they satisfy.
func interfaceSlot(derived, base *Method) bool {
	return base.Has(AttrAbstract) && base.Visibility == Public && derived.Visibility == Public && base.DeclaringType != derived.DeclaringType
}
