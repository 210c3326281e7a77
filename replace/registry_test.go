package replace

import (
	"errors"
	"testing"

	"github.com/chazu/crossload/meta"
)

type fixture struct {
	p                        *meta.Program
	core                     meta.Core
	text, miniText, richText meta.TypeID
	concat, miniConcat       meta.MethodID
	length, miniLength       meta.MethodID
	format                   meta.MethodID
	equals, miniEquals       meta.MethodID
	buf, miniBuf             meta.FieldID
	cache                    meta.FieldID
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	var f fixture
	b := meta.NewBuilder()
	f.core = b.CoreLib()
	lib := b.Module("Text")
	dev := b.Module("Device")

	f.text = b.Class(lib, "Text", "Builder", f.core.Object)
	f.concat = b.Method(f.text, "Concat", meta.AttrStatic, f.core.String, f.core.String, f.core.String)
	f.length = b.Method(f.text, "get_Length", 0, f.core.Int32)
	f.format = b.Method(f.text, "Format", meta.AttrStatic, f.core.String, f.core.String)
	f.equals = b.Method(f.text, "Equals", 0, f.core.Boolean, f.text)
	f.buf = b.Field(f.text, "buf", f.core.String, false)
	f.cache = b.Field(f.text, "cache", f.core.Object, true)
	f.richText = b.Class(lib, "Text", "RichBuilder", f.text)

	f.miniText = b.Class(dev, "Device", "MiniBuilder", f.core.Object)
	f.miniConcat = b.Method(f.miniText, "Concat", meta.AttrStatic, f.core.String, f.core.String, f.core.String)
	f.miniLength = b.Method(f.miniText, "Len", 0, f.core.Int32)
	b.Get(f.miniLength).SameAs = "get_Length()"
	f.miniEquals = b.Method(f.miniText, "Equals", 0, f.core.Boolean, f.miniText)
	f.miniBuf = b.Field(f.miniText, "buf", f.core.String, false)

	p, err := b.Build()
	if err != nil {
		t.Fatal(err)
	}
	f.p = p
	return f
}

func TestRegisterType_PairsMembers(t *testing.T) {
	f := newFixture(t)
	r := NewRegistry(f.p)
	if err := r.RegisterType(f.text, f.miniText, false); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		orig meta.MethodID
		want meta.MethodID
	}{
		{"by name and params", f.concat, f.miniConcat},
		{"by SameAs", f.length, f.miniLength},
		{"original type in params", f.equals, f.miniEquals},
	}
	for _, tt := range tests {
		got, err := r.ResolveMethod(tt.orig)
		if err != nil {
			t.Errorf("%s: %v", tt.name, err)
			continue
		}
		if got != tt.want {
			t.Errorf("%s: got %s, want %s", tt.name, f.p.MethodString(got), f.p.MethodString(tt.want))
		}
		if !r.IsReplaced(tt.orig) {
			t.Errorf("%s: IsReplaced should be true", tt.name)
		}
	}

	if _, err := r.ResolveMethod(f.format); !errors.Is(err, ErrMissingReplacement) {
		t.Errorf("unpaired method: got %v, want ErrMissingReplacement", err)
	}
	if got, err := r.ResolveField(f.buf); err != nil || got != f.miniBuf {
		t.Errorf("ResolveField(buf): got %d, %v", got, err)
	}
	if _, err := r.ResolveField(f.cache); !errors.Is(err, ErrMissingReplacement) {
		t.Errorf("unpaired field: got %v, want ErrMissingReplacement", err)
	}
	if len(r.Missing()) != 1 {
		t.Errorf("Missing: got %d, want 1", len(r.Missing()))
	}
}

func TestResolveType_Precedence(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name       string
		subclasses bool
		query      meta.TypeID
		want       meta.TypeID
	}{
		{"exact", false, f.text, f.miniText},
		{"subclass without flag", false, f.richText, f.richText},
		{"subclass with flag", true, f.richText, f.miniText},
		{"unrelated", true, f.core.String, f.core.String},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewRegistry(f.p)
			if err := r.RegisterType(f.text, f.miniText, tt.subclasses); err != nil {
				t.Fatal(err)
			}
			got, err := r.ResolveType(tt.query)
			if err != nil {
				t.Fatalf("ResolveType: %v", err)
			}
			if got != tt.want {
				t.Errorf("ResolveType: got %s, want %s", f.p.TypeString(got), f.p.TypeString(tt.want))
			}
		})
	}
}

func TestResolveType_LazySubclassRegistration(t *testing.T) {
	f := newFixture(t)
	r := NewRegistry(f.p)
	if err := r.RegisterType(f.text, f.miniText, true); err != nil {
		t.Fatal(err)
	}
	if r.IsTypeReplaced(f.richText) {
		t.Fatal("subclass registered before first lookup")
	}
	if got, _ := r.ResolveType(f.richText); got != f.miniText {
		t.Fatal("subclass not replaced")
	}
	if !r.IsTypeReplaced(f.richText) {
		t.Error("subclass should be registered after lookup")
	}
	if len(r.Entries()) != 2 {
		t.Errorf("Entries: got %d, want 2", len(r.Entries()))
	}
	if err := r.RegisterType(f.text, f.miniText, true); !errors.Is(err, ErrAlreadyRegistered) {
		t.Errorf("duplicate registration: got %v, want ErrAlreadyRegistered", err)
	}
}

func TestResolveType_GenericArguments(t *testing.T) {
	b := meta.NewBuilder()
	core := b.CoreLib()
	app := b.Module("App")
	sensor := b.Class(app, "App", "Sensor", core.Object)
	fake := b.Class(app, "App", "FakeSensor", core.Object)
	box := b.Generic(app, "App", "Box`1", meta.KindClass, core.Object, 1)
	b.Field(box, "value", core.Int32, false)
	b.Method(box, "Get", 0, core.Int32)
	boxSensor := b.Instantiate(box, sensor)
	boxFake := b.Instantiate(box, fake)
	list := b.Generic(app, "App", "List`1", meta.KindClass, core.Object, 1)
	listSensor := b.Instantiate(list, sensor)
	nested := b.Instantiate(box, boxSensor)
	p, err := b.Build()
	if err != nil {
		t.Fatal(err)
	}

	r := NewRegistry(p)
	if err := r.RegisterType(sensor, fake, false); err != nil {
		t.Fatal(err)
	}

	if got, err := r.ResolveType(boxSensor); err != nil || got != boxFake {
		t.Errorf("ResolveType(Box<Sensor>): got %s, %v; want %s", p.TypeString(got), err, p.TypeString(boxFake))
	}
	if got, err := r.ResolveMethod(b.MethodOf(boxSensor, "Get")); err != nil || got != b.MethodOf(boxFake, "Get") {
		t.Errorf("ResolveMethod(Box<Sensor>.Get): got %s, %v", p.MethodString(got), err)
	}
	if got, err := r.ResolveField(b.FieldOf(boxSensor, "value")); err != nil || got != b.FieldOf(boxFake, "value") {
		t.Errorf("ResolveField(Box<Sensor>.value): got %s, %v", p.FieldString(got), err)
	}
	if _, err := r.ResolveType(listSensor); !errors.Is(err, ErrMissingReplacement) {
		t.Errorf("List<Sensor> without List<FakeSensor>: got %v, want ErrMissingReplacement", err)
	}
	if _, err := r.ResolveType(nested); !errors.Is(err, ErrMissingReplacement) {
		t.Errorf("Box<Box<Sensor>> without Box<Box<FakeSensor>>: got %v, want ErrMissingReplacement", err)
	}
	if got, err := r.ResolveType(boxFake); err != nil || got != boxFake {
		t.Errorf("ResolveType(Box<FakeSensor>): got %s, %v", p.TypeString(got), err)
	}
}

func TestRegisterMethod_Single(t *testing.T) {
	f := newFixture(t)
	r := NewRegistry(f.p)
	r.RegisterMethod(f.format, f.miniConcat)

	if got, err := r.ResolveMethod(f.format); err != nil || got != f.miniConcat {
		t.Errorf("ResolveMethod: got %d, %v", got, err)
	}
	if got, err := r.ResolveMethod(f.concat); err != nil || got != f.concat {
		t.Errorf("untouched method: got %d, %v", got, err)
	}
	if r.IsReplaced(f.concat) {
		t.Error("IsReplaced(concat) should be false")
	}
}

func TestRegisterByName(t *testing.T) {
	f := newFixture(t)
	r := NewRegistry(f.p)
	if err := r.RegisterByName("Text.Builder", "Device.MiniBuilder", false); err != nil {
		t.Fatal(err)
	}
	if got, _ := r.ResolveType(f.text); got != f.miniText {
		t.Errorf("ResolveType: got %s", f.p.TypeString(got))
	}
	if err := r.RegisterByName("Text.Nope", "Device.MiniBuilder", false); !errors.Is(err, ErrUnknownType) {
		t.Errorf("unknown name: got %v, want ErrUnknownType", err)
	}
}
