// Package closure computes the set of classes, methods and constants that
// must be shipped to the device for one entry point, and rewrites every
// method body into the session's global token space.
package closure

import (
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/tliron/commonlog"

	"github.com/chazu/crossload/meta"
	"github.com/chazu/crossload/replace"
	"github.com/chazu/crossload/token"
)

var log = commonlog.GetLogger("crossload.closure")

var (
	ErrFrozen               = errors.New("closure: closure is frozen")
	ErrNotFrozen            = errors.New("closure: closure is not finalized")
	ErrNoEntryPoint         = errors.New("closure: no entry point prepared")
	ErrEntryNotFound        = errors.New("closure: entry point not found")
	ErrTooManyMethods       = errors.New("closure: too many methods")
	ErrBodyTooLarge         = errors.New("closure: method body too large")
	ErrUnhandledOpcode      = errors.New("closure: unhandled opcode with token operand")
	ErrUnresolved           = errors.New("closure: unresolvable reference")
	ErrUnappliedReplacement = errors.New("closure: original shipped despite registered replacement")
	ErrTooManyLocals        = errors.New("closure: too many locals")
	ErrTooManyArgs          = errors.New("closure: too many arguments")
	ErrConstantTooLarge     = errors.New("closure: constant payload too large")
	ErrIncomplete           = errors.New("closure: an earlier prepare failed")
)

// Defaults for Options fields left zero.
const (
	DefaultMaxMethods  = 16383
	DefaultMaxILLength = 16383
)

// Encoding limits of the method declaration and constant messages.
const (
	MaxLocals      = 0xFF
	MaxArgs        = 0xFF
	MaxConstantLen = 0x3FFF
)

// DefaultSuppressTypeInit lists framework types whose static constructor is
// never shipped; the device runtime initializes them itself.
var DefaultSuppressTypeInit = []string{
	"System.String",
	"System.Object",
	"System.Console",
	"System.Environment",
}

// roots terminate the class hull walk. The device knows them by their
// reserved tokens, so they get no class record.
var roots = map[string]bool{
	"System.Object":    true,
	"System.ValueType": true,
	"System.Enum":      true,
}

// ---------------------------------------------------------------------------
// Records
// ---------------------------------------------------------------------------

// MethodFlags is the flag byte of a method declaration.
type MethodFlags uint8

const (
	FlagStatic   MethodFlags = 0x01
	FlagVirtual  MethodFlags = 0x02
	FlagSpecial  MethodFlags = 0x04
	FlagVoid     MethodFlags = 0x08
	FlagAbstract MethodFlags = 0x10
)

// Pair maps a module-local reference (module index in the top four bits)
// to the global token it was rewritten to.
type Pair struct {
	Local  uint32
	Global uint32
}

// Method is one method shipped to the device.
type Method struct {
	ID         meta.MethodID
	Name       string
	Token      uint32
	Slot       int
	Flags      MethodFlags
	MaxLocals  int
	ArgCount   int
	NativeID   int
	Body       []byte
	Pairs      []Pair
	ReturnKind meta.Kind
	ArgKinds   []meta.Kind
	LocalKinds []meta.Kind
}

// Member is one entry of a class declaration: a field, or a method with the
// tokens of the base and interface methods it implements.
type Member struct {
	Kind       meta.Kind
	Token      uint32
	Field      meta.FieldID
	Method     meta.MethodID
	BaseTokens []uint32
}

// Class is one class shipped to the device.
type Class struct {
	Type         meta.TypeID
	Name         string
	Token        uint32
	ParentToken  uint32
	InstanceSize int
	StaticSize   int
	Members      []Member
}

// Constant is a raw payload keyed by token: a static array initializer
// blob or the UTF-8 bytes of a string literal.
type Constant struct {
	Token uint32
	Data  []byte
}

// Replacement names a type replacement to seed the closure's registry with.
type Replacement struct {
	Original          string
	Replacement       string
	IncludeSubclasses bool
}

// Options controls limits and seeding of a closure.
type Options struct {
	MaxMethods       int
	MaxILLength      int
	SuppressTypeInit []string
	Replacements     []Replacement
}

func (o Options) withDefaults() Options {
	if o.MaxMethods <= 0 {
		o.MaxMethods = DefaultMaxMethods
	}
	if o.MaxILLength <= 0 {
		o.MaxILLength = DefaultMaxILLength
	}
	if o.SuppressTypeInit == nil {
		o.SuppressTypeInit = DefaultSuppressTypeInit
	}
	return o
}

// ---------------------------------------------------------------------------
// Closure
// ---------------------------------------------------------------------------

// Closure accumulates everything reachable from one or more prepared
// methods. It is mutable until Finalize.
type Closure struct {
	ID uuid.UUID

	prog   *meta.Program
	opts   Options
	tokens *token.Registry
	repl   *replace.Registry

	classes     []*Class
	classByType map[meta.TypeID]*Class
	methods     []*Method
	visited     map[meta.MethodID]*Method
	blobs       []Constant
	strings     []Constant
	constants   map[uint32]bool
	suppressed  map[string]bool

	entry  *Method
	frozen bool
	// err is the first failure of a prepare that had started adding
	// records. Such a closure can no longer be finalized.
	err error
}

// New creates an empty closure over prog with its own token and
// replacement registries.
func New(prog *meta.Program, opts Options) (*Closure, error) {
	opts = opts.withDefaults()
	c := &Closure{
		ID:          uuid.New(),
		prog:        prog,
		opts:        opts,
		tokens:      token.NewRegistry(prog),
		repl:        replace.NewRegistry(prog),
		classByType: make(map[meta.TypeID]*Class),
		visited:     make(map[meta.MethodID]*Method),
		constants:   make(map[uint32]bool),
		suppressed:  make(map[string]bool),
	}
	for _, name := range opts.SuppressTypeInit {
		c.suppressed[name] = true
	}
	for _, r := range opts.Replacements {
		if err := c.repl.RegisterByName(r.Original, r.Replacement, r.IncludeSubclasses); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Program returns the descriptor graph the closure was built over.
func (c *Closure) Program() *meta.Program { return c.prog }

// Tokens returns the closure's token registry.
func (c *Closure) Tokens() *token.Registry { return c.tokens }

// Replacements returns the closure's replacement registry. Registrations
// must happen before the first Prepare call.
func (c *Closure) Replacements() *replace.Registry { return c.repl }

// Classes returns the class records in discovery order.
func (c *Closure) Classes() []*Class { return c.classes }

// Methods returns the method records in slot order.
func (c *Closure) Methods() []*Method { return c.methods }

// Constants returns blob payloads followed by string payloads.
func (c *Closure) Constants() []Constant {
	out := make([]Constant, 0, len(c.blobs)+len(c.strings))
	out = append(out, c.blobs...)
	return append(out, c.strings...)
}

// EntryPoint returns the record of the first prepared method.
func (c *Closure) EntryPoint() *Method { return c.entry }

// Frozen reports whether Finalize has completed.
func (c *Closure) Frozen() bool { return c.frozen }

// MethodByID returns the record shipped for a method, following
// replacements.
func (c *Closure) MethodByID(id meta.MethodID) (*Method, bool) {
	if resolved, err := c.repl.ResolveMethod(id); err == nil {
		id = resolved
	}
	m, ok := c.visited[id]
	return m, ok
}

// MethodByName finds a shipped method by declaring type and method name.
func (c *Closure) MethodByName(typeName, methodName string) (*Method, bool) {
	t, ok := c.prog.LookupType(typeName)
	if !ok {
		return nil, false
	}
	id, ok := c.prog.LookupMethod(t, methodName)
	if !ok {
		return nil, false
	}
	return c.MethodByID(id)
}

// PrepareEntryPoint adds the named method and everything it reaches. The
// first prepared method becomes the entry point.
func (c *Closure) PrepareEntryPoint(typeName, methodName string) (*Method, error) {
	if c.err != nil {
		return nil, fmt.Errorf("%w: %w", ErrIncomplete, c.err)
	}
	t, ok := c.prog.LookupType(typeName)
	if !ok {
		return nil, fmt.Errorf("%w: type %s", ErrEntryNotFound, typeName)
	}
	id, ok := c.prog.LookupMethod(t, methodName)
	if !ok {
		return nil, fmt.Errorf("%w: %s::%s", ErrEntryNotFound, typeName, methodName)
	}
	return c.PrepareMethod(id)
}

// PrepareMethod adds method id and its transitive dependencies, then runs
// the override and type initializer fixpoint. A failure past the lookup
// leaves the closure broken: later Prepare and Finalize calls return
// ErrIncomplete.
func (c *Closure) PrepareMethod(id meta.MethodID) (*Method, error) {
	if c.frozen {
		return nil, ErrFrozen
	}
	if c.err != nil {
		return nil, fmt.Errorf("%w: %w", ErrIncomplete, c.err)
	}
	if c.prog.Method(id) == nil {
		return nil, fmt.Errorf("%w: method %d", ErrEntryNotFound, id)
	}
	if err := c.visit(id); err != nil {
		c.err = err
		return nil, err
	}
	if err := c.fixpoint(); err != nil {
		c.err = err
		return nil, err
	}
	rec, _ := c.MethodByID(id)
	if c.entry == nil {
		c.entry = rec
	}
	ordinary, generic, strs := c.tokens.Counts()
	log.Infof("prepared %s: %d classes, %d methods, tokens %d/%d/%d",
		c.prog.MethodString(id), len(c.classes), len(c.methods), ordinary, generic, strs)
	return rec, nil
}

// Finalize builds class member lists, checks consistency and freezes the
// closure.
func (c *Closure) Finalize() error {
	if c.frozen {
		return ErrFrozen
	}
	if c.err != nil {
		return fmt.Errorf("%w: %w", ErrIncomplete, c.err)
	}
	if c.entry == nil {
		return ErrNoEntryPoint
	}
	for _, m := range c.methods {
		if c.repl.IsReplaced(m.ID) {
			return fmt.Errorf("%w: %s", ErrUnappliedReplacement, c.prog.MethodString(m.ID))
		}
	}
	for _, cls := range c.classes {
		if err := c.buildMembers(cls); err != nil {
			return err
		}
	}
	c.frozen = true
	return nil
}

func (c *Closure) buildMembers(cls *Class) error {
	typ := c.prog.Type(cls.Type)
	cls.Members = cls.Members[:0]
	for _, fid := range typ.Fields {
		tok, err := c.tokens.Field(fid)
		if err != nil {
			return err
		}
		cls.Members = append(cls.Members, Member{
			Kind:   c.prog.FieldKind(fid),
			Token:  tok,
			Field:  fid,
			Method: meta.NoMethod,
		})
	}
	for _, mid := range typ.Methods {
		rec, ok := c.visited[mid]
		if !ok {
			continue
		}
		var bases []uint32
		for _, b := range c.implemented(c.prog.Method(mid), cls.Type) {
			bases = append(bases, c.visited[b].Token)
		}
		sort.Slice(bases, func(i, j int) bool { return bases[i] < bases[j] })
		cls.Members = append(cls.Members, Member{
			Kind:       meta.KindMethod,
			Token:      rec.Token,
			Field:      meta.NoField,
			Method:     mid,
			BaseTokens: bases,
		})
	}

	cls.InstanceSize, cls.StaticSize = 0, 0
	for cur := cls.Type; cur != meta.NoType; cur = c.prog.Type(cur).Base {
		for _, fid := range c.prog.Type(cur).Fields {
			f := c.prog.Field(fid)
			size := c.fieldSize(f.Type)
			switch {
			case f.Static && cur == cls.Type:
				cls.StaticSize += size
			case !f.Static:
				cls.InstanceSize += size
			}
		}
	}
	return nil
}

// fieldSize is the storage size of a field of type t. Value types are
// stored inline and rounded up to whole words.
func (c *Closure) fieldSize(t meta.TypeID) int {
	k := c.prog.KindOf(t)
	if k != meta.KindValueArray {
		return k.Size()
	}
	size := 0
	for _, fid := range c.prog.Type(t).Fields {
		if f := c.prog.Field(fid); !f.Static {
			size += c.fieldSize(f.Type)
		}
	}
	if size < 4 {
		return 4
	}
	return (size + 3) &^ 3
}

// implemented returns the closure methods in the hull of t that m
// overrides or implements.
func (c *Closure) implemented(m *meta.Method, t meta.TypeID) []meta.MethodID {
	var out []meta.MethodID
	c.walkHull(t, func(anc *meta.Type) {
		if anc.ID == t {
			return
		}
		for _, b := range anc.Methods {
			if _, ok := c.visited[b]; ok && meta.Overrides(m, c.prog.Method(b)) {
				out = append(out, b)
			}
		}
	})
	return out
}

// walkHull visits t, its base chain and all implemented interfaces once
// each, stopping at root types.
func (c *Closure) walkHull(t meta.TypeID, fn func(*meta.Type)) {
	seen := make(map[meta.TypeID]bool)
	var walk func(meta.TypeID)
	walk = func(id meta.TypeID) {
		typ := c.prog.Type(id)
		if typ == nil || seen[id] || roots[typ.FullName()] {
			return
		}
		seen[id] = true
		fn(typ)
		walk(typ.Base)
		for _, iface := range typ.Interfaces {
			walk(iface)
		}
	}
	walk(t)
}

// Summary renders a one-line description for logs and the CLI.
func (c *Closure) Summary() string {
	return fmt.Sprintf("closure %s: %d classes, %d methods, %d blobs, %d strings",
		c.ID, len(c.classes), len(c.methods), len(c.blobs), len(c.strings))
}
