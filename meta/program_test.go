package meta

import (
	"errors"
	"testing"
)

func genericFixture(t *testing.T) (*Program, Core, TypeID, TypeID, MethodID, FieldID, int) {
	t.Helper()
	b := NewBuilder()
	core := b.CoreLib()
	app := b.Module("App")

	box := b.Generic(app, "App", "Box`1", KindClass, core.Object, 1)
	val := b.Field(box, "value", NoType, false)
	get := b.Method(box, "Get", AttrVirtual, NoType)
	boxInt := b.Instantiate(box, core.Int32)

	p, err := b.Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	return p, core, box, boxInt, get, val, app
}

func TestResolveRef_GenericContext(t *testing.T) {
	b := NewBuilder()
	core := b.CoreLib()
	app := b.Module("App")
	box := b.Generic(app, "App", "Box`1", KindClass, core.Object, 1)
	val := b.Field(box, "value", NoType, false)
	get := b.Method(box, "Get", AttrVirtual, NoType)
	boxInt := b.Instantiate(box, core.Int32)

	paramRef := b.GenericParamRef(app, 0)
	typeRef := b.OpenTypeRef(app, box)
	methodRef := b.OpenMethodRef(app, get)
	fieldRef := b.OpenFieldRef(app, val)

	p, err := b.Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	ctx := p.Context(p.Method(p.Type(boxInt).Methods[0]))
	if len(ctx.TypeArgs) != 1 || ctx.TypeArgs[0] != core.Int32 {
		t.Fatalf("Context: got %v, want [Int32]", ctx.TypeArgs)
	}

	r, err := p.ResolveRef(app, paramRef, ctx)
	if err != nil || r.Type != core.Int32 {
		t.Errorf("generic param: got %v (%v), want Int32", r.Type, err)
	}
	r, err = p.ResolveRef(app, typeRef, ctx)
	if err != nil || r.Type != boxInt {
		t.Errorf("open type ref: got %v (%v), want %v", r.Type, err, boxInt)
	}
	r, err = p.ResolveRef(app, methodRef, ctx)
	if err != nil || r.Method != p.Type(boxInt).Methods[0] {
		t.Errorf("open method ref: got %v (%v)", r.Method, err)
	}
	r, err = p.ResolveRef(app, fieldRef, ctx)
	if err != nil || r.Field != p.Type(boxInt).Fields[0] {
		t.Errorf("open field ref: got %v (%v)", r.Field, err)
	}

	if _, err := p.ResolveRef(app, paramRef, GenericContext{}); !errors.Is(err, ErrBadContext) {
		t.Errorf("param outside context: got %v, want ErrBadContext", err)
	}
	if _, err := p.ResolveRef(app, 0x0F000001, ctx); !errors.Is(err, ErrUnknownRef) {
		t.Errorf("unknown ref: got %v, want ErrUnknownRef", err)
	}
}

func TestProgram_BodyFallsBackToDefinition(t *testing.T) {
	p, _, box, boxInt, get, _, _ := genericFixture(t)
	p.Method(get).Body = []byte{0x2A}
	closed := p.Method(p.Type(boxInt).Methods[0])
	if got := p.Body(closed); len(got) != 1 || got[0] != 0x2A {
		t.Errorf("Body: got %v, want definition body", got)
	}
	if id, ok := p.Instance(box, []TypeID{p.Type(boxInt).Args[0]}); !ok || id != boxInt {
		t.Errorf("Instance: got %v %v, want %v", id, ok, boxInt)
	}
	if got := p.TypeString(boxInt); got != "App.Box`1<System.Int32>" {
		t.Errorf("TypeString: got %q", got)
	}
}

func TestOverrides(t *testing.T) {
	b := NewBuilder()
	core := b.CoreLib()
	app := b.Module("App")
	iface := b.Interface(app, "App", "IRun")
	run := b.Method(iface, "Run", AttrVirtual|AttrAbstract|AttrNewSlot, NoType)
	base := b.Class(app, "App", "Base", core.Object)
	baseRun := b.Method(base, "Run", AttrVirtual|AttrNewSlot, NoType)
	baseArg := b.Method(base, "Step", AttrVirtual|AttrNewSlot, NoType, core.Int32)
	derived := b.Class(app, "App", "Derived", base)
	over := b.Method(derived, "Run", AttrVirtual, NoType)
	hiding := b.Method(derived, "Run", AttrVirtual|AttrNewSlot, NoType)
	wrongArgs := b.Method(derived, "Step", AttrVirtual, NoType, core.Int64)
	priv := b.Method(derived, "Run", AttrVirtual, NoType)
	b.Get(priv).Visibility = Private
	impl := b.Method(base, "Run", AttrVirtual|AttrNewSlot|AttrFinal, NoType)

	p, err := b.Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	tests := []struct {
		name          string
		derived, base MethodID
		want          bool
	}{
		{"override", over, baseRun, true},
		{"new slot hides", hiding, baseRun, false},
		{"parameter mismatch", wrongArgs, baseArg, false},
		{"private", priv, baseRun, false},
		{"interface implementation", impl, run, true},
		{"name mismatch", over, baseArg, false},
		{"self", over, over, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Overrides(p.Method(tt.derived), p.Method(tt.base)); got != tt.want {
				t.Errorf("Overrides: got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestKindOf(t *testing.T) {
	b := NewBuilder()
	core := b.CoreLib()
	app := b.Module("App")
	point := b.ValueType(app, "App", "Point", core.ValueType)
	color := b.AddType(Type{Module: app, Namespace: "App", Name: "Color", Kind: KindEnum, Base: core.Enum, Definition: NoType})
	p, err := b.Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	tests := []struct {
		typ  TypeID
		want Kind
	}{
		{NoType, KindVoid},
		{core.Int32, KindInt32},
		{core.UInt32, KindUInt32},
		{core.Boolean, KindBoolean},
		{core.Int64, KindInt64},
		{core.String, KindObject},
		{point, KindValueArray},
		{color, KindInt32},
	}
	for _, tt := range tests {
		if got := p.KindOf(tt.typ); got != tt.want {
			t.Errorf("KindOf(%s): got %v, want %v", p.TypeString(tt.typ), got, tt.want)
		}
	}
	if KindInt64.Size() != 8 || KindBoolean.Size() != 4 || KindVoid.Size() != 0 {
		t.Error("Kind.Size mismatch")
	}
}

func TestImage_EncodeDecode(t *testing.T) {
	p, _, _, boxInt, _, _, app := genericFixture(t)
	data, err := EncodeImage(p)
	if err != nil {
		t.Fatalf("EncodeImage: %v", err)
	}
	got, err := DecodeImage(data)
	if err != nil {
		t.Fatalf("DecodeImage: %v", err)
	}
	if len(got.Types) != len(p.Types) || len(got.Methods) != len(p.Methods) {
		t.Fatalf("arena sizes differ: types %d/%d methods %d/%d",
			len(got.Types), len(p.Types), len(got.Methods), len(p.Methods))
	}
	if id, ok := got.LookupType("App.Box`1"); !ok || !got.Type(id).IsOpenGeneric() {
		t.Errorf("LookupType after decode: got %v %v", id, ok)
	}
	if got.Type(boxInt).Definition == NoType {
		t.Error("constructed type lost its definition")
	}
	if len(got.Module(app).Refs) != len(p.Module(app).Refs) {
		t.Error("module reference table not preserved")
	}
}

func TestDecodeImage_RejectsBadVersion(t *testing.T) {
	data, err := cborEncMode.Marshal(&Image{Version: 99, Program: &Program{}})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := DecodeImage(data); err == nil {
		t.Error("expected version error")
	}
}

func TestIndex_TooManyModules(t *testing.T) {
	b := NewBuilder()
	for i := 0; i <= MaxModules; i++ {
		b.Module("m")
	}
	if _, err := b.Build(); !errors.Is(err, ErrInvalidNode) {
		t.Errorf("Build: got %v, want ErrInvalidNode", err)
	}
}

func TestIndex_RejectsMalformed(t *testing.T) {
	tests := []struct {
		name   string
		mangle func(p *Program, app, helper, other TypeID, run MethodID, count FieldID)
	}{
		{"method missing from its type", func(p *Program, app, _, _ TypeID, _ MethodID, _ FieldID) {
			p.Types[app].Methods = nil
		}},
		{"field missing from its type", func(p *Program, app, _, _ TypeID, _ MethodID, _ FieldID) {
			p.Types[app].Fields = nil
		}},
		{"foreign method in member list", func(p *Program, _, helper, _ TypeID, run MethodID, _ FieldID) {
			p.Types[helper].Methods = append(p.Types[helper].Methods, run)
		}},
		{"dangling base", func(p *Program, app, _, _ TypeID, _ MethodID, _ FieldID) {
			p.Types[app].Base = TypeID(len(p.Types) + 5)
		}},
		{"cyclic base chain", func(p *Program, _, helper, other TypeID, _ MethodID, _ FieldID) {
			p.Types[helper].Base = other
			p.Types[other].Base = helper
		}},
		{"dangling interface", func(p *Program, app, _, _ TypeID, _ MethodID, _ FieldID) {
			p.Types[app].Interfaces = []TypeID{-7}
		}},
		{"dangling parameter", func(p *Program, _, _, _ TypeID, run MethodID, _ FieldID) {
			p.Methods[run].Params = []TypeID{TypeID(len(p.Types))}
		}},
		{"dangling method definition", func(p *Program, _, _, _ TypeID, run MethodID, _ FieldID) {
			p.Methods[run].Definition = MethodID(len(p.Methods))
		}},
		{"dangling field type", func(p *Program, _, _, _ TypeID, _ MethodID, count FieldID) {
			p.Fields[count].Type = TypeID(len(p.Types) + 1)
		}},
		{"empty type node", func(p *Program, _, _, other TypeID, _ MethodID, _ FieldID) {
			p.Types[other] = nil
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := NewBuilder()
			core := b.CoreLib()
			mod := b.Module("App")
			app := b.Class(mod, "App", "Program", core.Object)
			helper := b.Class(mod, "App", "Helper", core.Object)
			other := b.Class(mod, "App", "Other", core.Object)
			run := b.Method(app, "Run", AttrStatic, NoType, core.Int32)
			count := b.Field(app, "count", core.Int32, true)
			p, err := b.Build()
			if err != nil {
				t.Fatal(err)
			}

			tt.mangle(p, app, helper, other, run, count)
			if err := p.Index(); !errors.Is(err, ErrInvalidNode) {
				t.Errorf("Index: got %v, want ErrInvalidNode", err)
			}
		})
	}
}
